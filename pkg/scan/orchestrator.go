// Package scan runs the analysis pipeline: specification parsing, static
// rules, dynamic probing, contract validation, and AI triage. Each stage
// persists the snapshot so pollers always see the latest progress.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/internal/telemetry"
	"github.com/apivet/apivet/pkg/report"
	"github.com/apivet/apivet/pkg/types"
)

// Orchestrator wires the pipeline stages together and owns scan
// lifecycle state transitions.
type Orchestrator struct {
	parser   core.SpecParser
	static   core.StaticAnalyzer
	dynamic  core.DynamicTester
	contract core.ContractValidator
	triager  core.Triager
	sink     *report.Sink
	store    core.HistoryStore
	registry *Registry
	tel      *telemetry.Telemetry
	log      *logger.Logger

	// maxConcurrentPaths is applied when the request does not set one.
	maxConcurrentPaths int
}

type OrchestratorDeps struct {
	Parser    core.SpecParser
	Static    core.StaticAnalyzer
	Dynamic   core.DynamicTester
	Contract  core.ContractValidator
	Triager   core.Triager
	Sink      *report.Sink
	Store     core.HistoryStore
	Registry  *Registry
	Telemetry *telemetry.Telemetry
	Logger    *logger.Logger

	MaxConcurrentPaths int
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		parser:   deps.Parser,
		static:   deps.Static,
		dynamic:  deps.Dynamic,
		contract: deps.Contract,
		triager:  deps.Triager,
		sink:     deps.Sink,
		store:    deps.Store,
		registry: deps.Registry,
		tel:      deps.Telemetry,
		log:      deps.Logger.WithComponent("orchestrator"),

		maxConcurrentPaths: deps.MaxConcurrentPaths,
	}
}

// Start validates the request, registers the scan, and launches the
// pipeline in the background. The returned snapshot reflects the
// initial RUNNING state.
func (o *Orchestrator) Start(ctx context.Context, req types.ScanRequest) (*types.ScanSnapshot, error) {
	if req.SpecURL == "" {
		return nil, fmt.Errorf("spec_url is required")
	}
	if req.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if req.Options.MaxConcurrentPaths <= 0 {
		req.Options.MaxConcurrentPaths = o.maxConcurrentPaths
	}

	scanID := uuid.New().String()
	snapshot := &types.ScanSnapshot{
		ID:              scanID,
		SpecURL:         req.SpecURL,
		BaseURL:         req.BaseURL,
		Status:          types.ScanStatusRunning,
		Options:         req.Options,
		StartedAt:       time.Now().UTC(),
		Vulnerabilities: []types.Vulnerability{},
		Mismatches:      []types.ContractMismatch{},
	}
	o.persist(ctx, snapshot)

	if o.tel != nil {
		o.tel.ScansStarted.Add(ctx, 1)
	}

	// The scan outlives the HTTP request that started it; only the
	// registry's cancel func stops it.
	scanCtx, cancel := context.WithCancel(context.Background())
	scanCtx = logger.WithLogger(scanCtx, o.log.WithScanID(scanID))
	o.registry.register(scanID, cancel)

	o.log.Infow("Starting analysis",
		"scan_id", scanID,
		"spec_url", req.SpecURL,
		"base_url", req.BaseURL,
	)

	// Copy before launching: the pipeline goroutine starts writing the
	// shared snapshot immediately.
	cp := *snapshot
	go o.run(scanCtx, req, snapshot)

	return &cp, nil
}

func (o *Orchestrator) run(ctx context.Context, req types.ScanRequest, snapshot *types.ScanSnapshot) {
	defer o.registry.remove(snapshot.ID)

	log := logger.FromContext(ctx)

	err := o.runStages(ctx, req, snapshot)
	switch {
	case err == nil:
		o.finalize(snapshot, types.ScanStatusCompleted)
		log.Infow("Analysis completed",
			"vulnerabilities", len(snapshot.Vulnerabilities),
			"mismatches", len(snapshot.Mismatches),
			"duration_ms", snapshot.DurationMs,
		)
	case ctx.Err() != nil:
		o.finalize(snapshot, types.ScanStatusCancelled)
		log.Infow("Analysis cancelled")
	default:
		snapshot.Error = err.Error()
		snapshot.Summary = "Analysis failed: " + err.Error()
		o.finalize(snapshot, types.ScanStatusFailed)
		log.Errorw("Analysis failed", "error", err)
	}

	// Persist with a fresh context: the scan context may already be
	// cancelled.
	o.persist(context.Background(), snapshot)

	if o.tel != nil {
		o.tel.RecordScanCompleted(context.Background(), string(snapshot.Status),
			time.Duration(snapshot.DurationMs)*time.Millisecond)
	}
}

func (o *Orchestrator) runStages(ctx context.Context, req types.ScanRequest, snapshot *types.ScanSnapshot) error {
	log := logger.FromContext(ctx)

	doc, err := o.parser.Parse(ctx, req.SpecURL)
	if err != nil {
		return fmt.Errorf("parsing specification: %w", err)
	}
	snapshot.TotalEndpoints = len(doc.Endpoints)
	o.persist(ctx, snapshot)

	if err := ctx.Err(); err != nil {
		return err
	}

	if req.Options.StaticAnalysis {
		log.Infow("Running static analysis")
		vulns := o.static.Analyze(ctx, doc)
		o.recordFindings(ctx, vulns)
		snapshot.Vulnerabilities = append(snapshot.Vulnerabilities, vulns...)
		o.persist(ctx, snapshot)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if req.Options.DynamicTesting {
		log.Infow("Running dynamic testing")
		vulns, tested, err := o.dynamic.Test(ctx, doc, req.BaseURL, req.Options)
		if err != nil {
			return fmt.Errorf("dynamic testing: %w", err)
		}
		o.recordFindings(ctx, vulns)
		snapshot.Vulnerabilities = append(snapshot.Vulnerabilities, vulns...)
		snapshot.TestedEndpoints = tested
		o.persist(ctx, snapshot)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if req.Options.ContractValidation {
		log.Infow("Running contract validation")
		mismatches, err := o.contract.Validate(ctx, doc, req.BaseURL)
		if err != nil {
			return fmt.Errorf("contract validation: %w", err)
		}
		snapshot.Mismatches = mismatches
		o.persist(ctx, snapshot)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if req.Options.AITriage && o.triager != nil && len(snapshot.Vulnerabilities) > 0 {
		log.Infow("Running AI triage", "findings", len(snapshot.Vulnerabilities))
		if out := o.triager.Triage(ctx, snapshot); out != nil {
			*snapshot = *out
		}
		o.persist(ctx, snapshot)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	o.calculateStatistics(snapshot)
	return nil
}

func (o *Orchestrator) recordFindings(ctx context.Context, vulns []types.Vulnerability) {
	log := logger.FromContext(ctx)
	for _, v := range vulns {
		log.LogFinding(ctx, v.Category, v.Title, string(v.Severity), v.Endpoint)
		if o.tel != nil {
			o.tel.RecordFinding(ctx, v.Category, string(v.Severity))
		}
	}
}

func (o *Orchestrator) calculateStatistics(snapshot *types.ScanSnapshot) {
	counts := make(map[string]int)
	for _, v := range snapshot.Vulnerabilities {
		counts[string(v.Severity)]++
	}
	snapshot.SeverityCounts = counts
	snapshot.Summary = fmt.Sprintf(
		"Analysis completed. Found %d vulnerabilities and %d contract mismatches across %d endpoints.",
		len(snapshot.Vulnerabilities), len(snapshot.Mismatches), snapshot.TotalEndpoints,
	)
}

func (o *Orchestrator) finalize(snapshot *types.ScanSnapshot, status types.ScanStatus) {
	now := time.Now().UTC()
	snapshot.Status = status
	snapshot.EndedAt = &now
	snapshot.DurationMs = now.Sub(snapshot.StartedAt).Milliseconds()
}

// persist writes the snapshot to the live sink and the history store.
// Store failures are logged, not fatal: losing persistence must not
// abort a scan in flight.
func (o *Orchestrator) persist(ctx context.Context, snapshot *types.ScanSnapshot) {
	o.sink.Save(snapshot)
	if o.store == nil {
		return
	}
	if err := o.store.SaveSnapshot(ctx, snapshot); err != nil {
		o.log.Errorw("Failed to persist snapshot",
			"scan_id", snapshot.ID,
			"status", snapshot.Status,
			"error", err,
		)
	}
}

// Cancel requests cancellation of a running scan.
func (o *Orchestrator) Cancel(scanID string) bool {
	cancelled := o.registry.Cancel(scanID)
	if cancelled {
		o.log.Infow("Cancellation requested", "scan_id", scanID)
	}
	return cancelled
}

// Running reports whether a scan is still executing.
func (o *Orchestrator) Running(scanID string) bool {
	return o.registry.Running(scanID)
}
