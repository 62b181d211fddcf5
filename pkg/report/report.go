// Package report keeps finished and in-flight scan snapshots in memory
// and renders them as downloadable reports.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

// Type selects a report rendering.
type Type string

const (
	TypeJSONSummary  Type = "json-summary"
	TypeJSONExtended Type = "json-extended"
	TypeHTML         Type = "html"
)

// ParseType maps a URL path segment to a report type.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(s)) {
	case TypeJSONSummary:
		return TypeJSONSummary, nil
	case TypeJSONExtended:
		return TypeJSONExtended, nil
	case TypeHTML:
		return TypeHTML, nil
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

// ContentType returns the MIME type reports of this type are served with.
func (t Type) ContentType() string {
	if t == TypeHTML {
		return "text/html; charset=utf-8"
	}
	return "application/json"
}

// Filename returns the attachment name for a rendered report.
func (t Type) Filename(scanID string) string {
	if t == TypeHTML {
		return "report-" + scanID + ".html"
	}
	return "report-" + scanID + ".json"
}

// Sink is the in-memory snapshot store that serves live status polling.
// Snapshots are overwritten in place as a scan progresses, so readers
// always see the latest written stage.
type Sink struct {
	mu        sync.RWMutex
	snapshots map[string]*types.ScanSnapshot
}

func NewSink() *Sink {
	return &Sink{snapshots: make(map[string]*types.ScanSnapshot)}
}

// Save stores a copy of the snapshot keyed by scan ID.
func (s *Sink) Save(snapshot *types.ScanSnapshot) {
	if snapshot == nil || snapshot.ID == "" {
		return
	}
	cp := *snapshot
	s.mu.Lock()
	s.snapshots[snapshot.ID] = &cp
	s.mu.Unlock()
}

// Get returns a copy of the stored snapshot, if any.
func (s *Sink) Get(scanID string) (*types.ScanSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[scanID]
	if !ok {
		return nil, false
	}
	cp := *snap
	return &cp, true
}

func (s *Sink) Delete(scanID string) {
	s.mu.Lock()
	delete(s.snapshots, scanID)
	s.mu.Unlock()
}

// StartTimes lists all known scan IDs with their start timestamps,
// most recent first.
func (s *Sink) StartTimes() []types.ScanRef {
	s.mu.RLock()
	refs := make([]types.ScanRef, 0, len(s.snapshots))
	for id, snap := range s.snapshots {
		refs = append(refs, types.ScanRef{ScanID: id, StartedAt: snap.StartedAt})
	}
	s.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].StartedAt.After(refs[j].StartedAt) })
	return refs
}

// Renderer turns snapshots into report documents.
type Renderer struct {
	log  *logger.Logger
	tmpl *template.Template
}

func NewRenderer(log *logger.Logger) *Renderer {
	return &Renderer{
		log:  log.WithComponent("report"),
		tmpl: template.Must(template.New("report").Funcs(templateFuncs).Parse(htmlReportTemplate)),
	}
}

// Render produces the report body for the given type.
func (r *Renderer) Render(snapshot *types.ScanSnapshot, t Type) ([]byte, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("nil snapshot")
	}

	switch t {
	case TypeJSONSummary:
		return r.renderSummary(snapshot)
	case TypeJSONExtended:
		return json.MarshalIndent(snapshot, "", "  ")
	case TypeHTML:
		return r.renderHTML(snapshot)
	}
	return nil, fmt.Errorf("unknown report type %q", t)
}

func (r *Renderer) renderSummary(snapshot *types.ScanSnapshot) ([]byte, error) {
	summary := map[string]any{
		"scan_id":               snapshot.ID,
		"status":                snapshot.Status,
		"total_vulnerabilities": len(snapshot.Vulnerabilities),
		"total_mismatches":      len(snapshot.Mismatches),
		"severity_counts":       snapshot.SeverityCounts,
		"summary":               snapshot.Summary,
	}
	return json.Marshal(summary)
}

func (r *Renderer) renderHTML(snapshot *types.ScanSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, snapshot); err != nil {
		r.log.Errorw("HTML report rendering failed", "scan_id", snapshot.ID, "error", err)
		return nil, fmt.Errorf("rendering html report: %w", err)
	}
	r.log.Debugw("HTML report rendered", "scan_id", snapshot.ID, "bytes", buf.Len())
	return buf.Bytes(), nil
}

var templateFuncs = template.FuncMap{
	"lower": func(s types.Severity) string {
		return strings.ToLower(string(s))
	},
	"datetime": func(ts time.Time) string {
		if ts.IsZero() {
			return "-"
		}
		return ts.Format("2006-01-02 15:04:05 MST")
	},
}

const htmlReportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>API Security Scan Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; background-color: #f5f5f5; }
        .header { background-color: #2c3e50; color: white; padding: 20px; border-radius: 5px; }
        .section { background-color: white; margin: 20px 0; padding: 20px; border-radius: 5px; box-shadow: 0 2px 5px rgba(0,0,0,0.1); }
        .finding { border-left: 4px solid #3498db; padding: 10px; margin: 10px 0; background-color: #ecf0f1; }
        .finding.critical { border-left-color: #e74c3c; }
        .finding.high { border-left-color: #f39c12; }
        .finding.medium { border-left-color: #f1c40f; }
        .finding.low { border-left-color: #27ae60; }
        .category { background-color: #34495e; color: white; padding: 5px 10px; border-radius: 3px; margin: 2px; display: inline-block; }
        table { width: 100%; border-collapse: collapse; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #34495e; color: white; }
    </style>
</head>
<body>
    <div class="header">
        <h1>API Security Scan Report</h1>
        <p>Scan ID: {{.ID}}</p>
        <p>Target: {{.BaseURL}}</p>
        <p>Specification: {{.SpecURL}}</p>
        <p>Started: {{.StartedAt | datetime}} | Status: {{.Status}}</p>
    </div>

    <div class="section">
        <h2>Summary</h2>
        <p>{{.Summary}}</p>
        <table>
            <tr>
                <th>Endpoints</th>
                <th>Tested</th>
                <th>Findings</th>
                <th>Contract Mismatches</th>
            </tr>
            <tr>
                <td>{{.TotalEndpoints}}</td>
                <td>{{.TestedEndpoints}}</td>
                <td>{{len .Vulnerabilities}}</td>
                <td>{{len .Mismatches}}</td>
            </tr>
        </table>
    </div>

    <div class="section">
        <h2>Findings</h2>
        {{range .Vulnerabilities}}
        <div class="finding {{.Severity | lower}}">
            <h3>{{.Title}}</h3>
            <p><span class="category">{{.Category}}</span> <strong>Severity:</strong> {{.Severity}}</p>
            {{if .Endpoint}}<p><strong>Endpoint:</strong> {{.Method}} {{.Endpoint}}</p>{{end}}
            <p>{{.Description}}</p>
            {{if .Evidence}}<p><strong>Evidence:</strong> {{.Evidence}}</p>{{end}}
            {{if .Recommendation}}<p><strong>Recommendation:</strong> {{.Recommendation}}</p>{{end}}
        </div>
        {{else}}
        <p>No vulnerabilities detected.</p>
        {{end}}
    </div>

    <div class="section">
        <h2>Contract Mismatches</h2>
        {{if .Mismatches}}
        <table>
            <tr>
                <th>Endpoint</th>
                <th>Kind</th>
                <th>Expected</th>
                <th>Actual</th>
                <th>Message</th>
            </tr>
            {{range .Mismatches}}
            <tr>
                <td>{{.Method}} {{.Endpoint}}</td>
                <td>{{.Kind}}</td>
                <td>{{.Expected}}</td>
                <td>{{.Actual}}</td>
                <td>{{.Message}}</td>
            </tr>
            {{end}}
        </table>
        {{else}}
        <p>No contract mismatches detected.</p>
        {{end}}
    </div>
</body>
</html>
`
