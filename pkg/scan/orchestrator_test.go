package scan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/report"
	"github.com/apivet/apivet/pkg/types"
)

type fakeParser struct {
	doc *types.Document
	err error
}

func (f *fakeParser) Parse(ctx context.Context, specURL string) (*types.Document, error) {
	return f.doc, f.err
}

type fakeStatic struct {
	mu     sync.Mutex
	called bool
	vulns  []types.Vulnerability
}

func (f *fakeStatic) Analyze(ctx context.Context, doc *types.Document) []types.Vulnerability {
	f.mu.Lock()
	f.called = true
	f.mu.Unlock()
	return f.vulns
}

func (f *fakeStatic) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

type fakeDynamic struct {
	vulns  []types.Vulnerability
	tested int
	err    error
	block  bool // wait for ctx cancellation before returning
}

func (f *fakeDynamic) Test(ctx context.Context, doc *types.Document, baseURL string, opts types.ScanOptions) ([]types.Vulnerability, int, error) {
	if f.block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	return f.vulns, f.tested, f.err
}

type fakeContract struct {
	mismatches []types.ContractMismatch
	err        error
}

func (f *fakeContract) Validate(ctx context.Context, doc *types.Document, baseURL string) ([]types.ContractMismatch, error) {
	return f.mismatches, f.err
}

type fakeTriager struct {
	drop string // title to filter out
}

func (f *fakeTriager) Triage(ctx context.Context, snapshot *types.ScanSnapshot) *types.ScanSnapshot {
	if f.drop == "" {
		return snapshot
	}
	kept := snapshot.Vulnerabilities[:0]
	for _, v := range snapshot.Vulnerabilities {
		if v.Title != f.drop {
			kept = append(kept, v)
		}
	}
	snapshot.Vulnerabilities = kept
	return snapshot
}

type memoryStore struct {
	mu    sync.Mutex
	saves int
	last  *types.ScanSnapshot
}

func (m *memoryStore) SaveSnapshot(ctx context.Context, snapshot *types.ScanSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	cp := *snapshot
	m.last = &cp
	return nil
}

func (m *memoryStore) GetSnapshot(ctx context.Context, scanID string) (*types.ScanSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil || m.last.ID != scanID {
		return nil, fmt.Errorf("not found")
	}
	cp := *m.last
	return &cp, nil
}

func (m *memoryStore) ListHistory(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	return nil, nil
}

func (m *memoryStore) DeleteSnapshot(ctx context.Context, scanID string) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func sampleDoc() *types.Document {
	return &types.Document{
		Title: "Shop API",
		Endpoints: []types.Endpoint{
			{Path: "/items", Method: "GET"},
			{Path: "/items/{id}", Method: "GET"},
			{Path: "/payment", Method: "POST"},
		},
	}
}

type fixture struct {
	orch   *Orchestrator
	sink   *report.Sink
	store  *memoryStore
	static *fakeStatic
}

func newFixture(t *testing.T, deps OrchestratorDeps) *fixture {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sink := report.NewSink()
	store := &memoryStore{}
	static := &fakeStatic{}

	if deps.Parser == nil {
		deps.Parser = &fakeParser{doc: sampleDoc()}
	}
	if deps.Static == nil {
		deps.Static = static
	}
	if deps.Dynamic == nil {
		deps.Dynamic = &fakeDynamic{}
	}
	if deps.Contract == nil {
		deps.Contract = &fakeContract{}
	}
	deps.Sink = sink
	deps.Store = store
	deps.Registry = NewRegistry()
	deps.Logger = log

	return &fixture{
		orch:   NewOrchestrator(deps),
		sink:   sink,
		store:  store,
		static: static,
	}
}

func waitForTerminal(t *testing.T, sink *report.Sink, scanID string) *types.ScanSnapshot {
	t.Helper()
	var snap *types.ScanSnapshot
	require.Eventually(t, func() bool {
		got, ok := sink.Get(scanID)
		if !ok || !got.Status.Terminal() {
			return false
		}
		snap = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func allOptions() types.ScanOptions {
	return types.ScanOptions{
		StaticAnalysis:     true,
		DynamicTesting:     true,
		ContractValidation: true,
		AITriage:           true,
	}
}

func TestStartRunsFullPipeline(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{
		Static: &fakeStatic{vulns: []types.Vulnerability{
			{ID: "s1", Category: "API2:2023", Title: "Missing Security Schemes", Severity: types.SeverityMedium},
		}},
		Dynamic: &fakeDynamic{
			vulns: []types.Vulnerability{
				{ID: "d1", Category: "API1:2023", Title: "Broken Object Level Authorization", Severity: types.SeverityHigh},
			},
			tested: 3,
		},
		Contract: &fakeContract{mismatches: []types.ContractMismatch{
			{Endpoint: "/items", Method: "GET", Kind: types.MismatchStatusCode},
		}},
		Triager: &fakeTriager{},
	})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: allOptions(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusRunning, snap.Status)
	assert.NotEmpty(t, snap.ID)

	final := waitForTerminal(t, f.sink, snap.ID)
	assert.Equal(t, types.ScanStatusCompleted, final.Status)
	assert.Equal(t, 3, final.TotalEndpoints)
	assert.Equal(t, 3, final.TestedEndpoints)
	assert.Len(t, final.Vulnerabilities, 2)
	assert.Len(t, final.Mismatches, 1)
	assert.Equal(t, map[string]int{"MEDIUM": 1, "HIGH": 1}, final.SeverityCounts)
	assert.Equal(t, "Analysis completed. Found 2 vulnerabilities and 1 contract mismatches across 3 endpoints.", final.Summary)
	require.NotNil(t, final.EndedAt)

	// Snapshot persisted to the store at least once per stage.
	assert.GreaterOrEqual(t, f.store.saveCount(), 5)
	assert.False(t, f.orch.Running(snap.ID))
}

func TestStartReturnsDetachedSnapshot(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{
		Dynamic: &fakeDynamic{tested: 3},
	})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: allOptions(),
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.sink, snap.ID)
	require.Equal(t, types.ScanStatusCompleted, final.Status)

	// The caller's copy was taken before the pipeline goroutine began
	// writing; it still describes the initial state.
	assert.Equal(t, types.ScanStatusRunning, snap.Status)
	assert.Zero(t, snap.TotalEndpoints)
	assert.Nil(t, snap.EndedAt)
}

func TestStartValidatesRequest(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{})

	_, err := f.orch.Start(context.Background(), types.ScanRequest{BaseURL: "https://target.example"})
	assert.ErrorContains(t, err, "spec_url")

	_, err = f.orch.Start(context.Background(), types.ScanRequest{SpecURL: "https://target.example/openapi.json"})
	assert.ErrorContains(t, err, "base_url")
}

func TestStartParseFailureFailsScan(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{
		Parser: &fakeParser{err: fmt.Errorf("spec unreachable")},
	})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: allOptions(),
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.sink, snap.ID)
	assert.Equal(t, types.ScanStatusFailed, final.Status)
	assert.Contains(t, final.Summary, "Analysis failed:")
	assert.Contains(t, final.Error, "spec unreachable")
}

func TestStartDisabledStagesAreSkipped(t *testing.T) {
	static := &fakeStatic{vulns: []types.Vulnerability{{ID: "s1", Severity: types.SeverityLow}}}
	f := newFixture(t, OrchestratorDeps{Static: static})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: types.ScanOptions{}, // everything off
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.sink, snap.ID)
	assert.Equal(t, types.ScanStatusCompleted, final.Status)
	assert.Empty(t, final.Vulnerabilities)
	assert.False(t, static.wasCalled())
}

func TestCancelRunningScan(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{
		Dynamic: &fakeDynamic{block: true},
	})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: types.ScanOptions{DynamicTesting: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.orch.Running(snap.ID) }, time.Second, 5*time.Millisecond)

	assert.True(t, f.orch.Cancel(snap.ID))
	assert.False(t, f.orch.Cancel(snap.ID))

	final := waitForTerminal(t, f.sink, snap.ID)
	assert.Equal(t, types.ScanStatusCancelled, final.Status)
	require.NotNil(t, final.EndedAt)
}

func TestCancelUnknownScan(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{})
	assert.False(t, f.orch.Cancel("no-such-scan"))
}

func TestTriageFiltersBeforeStatistics(t *testing.T) {
	f := newFixture(t, OrchestratorDeps{
		Static: &fakeStatic{vulns: []types.Vulnerability{
			{ID: "s1", Title: "Keep Me", Severity: types.SeverityHigh},
			{ID: "s2", Title: "False Alarm", Severity: types.SeverityCritical},
		}},
		Triager: &fakeTriager{drop: "False Alarm"},
	})

	snap, err := f.orch.Start(context.Background(), types.ScanRequest{
		SpecURL: "https://target.example/openapi.json",
		BaseURL: "https://target.example",
		Options: types.ScanOptions{StaticAnalysis: true, AITriage: true},
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.sink, snap.ID)
	require.Len(t, final.Vulnerabilities, 1)
	assert.Equal(t, "Keep Me", final.Vulnerabilities[0].Title)
	assert.Equal(t, map[string]int{"HIGH": 1}, final.SeverityCounts)
	assert.NotContains(t, final.SeverityCounts, "CRITICAL")
}
