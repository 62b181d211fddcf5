package types

import (
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for sorting and comparison.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity, LOW being lowest.
// Unknown severities rank below LOW.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "PENDING"
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
	ScanStatusCancelled ScanStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// ParameterLocation is where an operation parameter is carried.
type ParameterLocation string

const (
	LocationPath   ParameterLocation = "path"
	LocationQuery  ParameterLocation = "query"
	LocationHeader ParameterLocation = "header"
)

// Parameter describes one documented operation parameter.
type Parameter struct {
	Name     string            `json:"name"`
	Location ParameterLocation `json:"in"`
	Required bool              `json:"required,omitempty"`
	Example  string            `json:"example,omitempty"`
}

// ResponseSpec is the documented shape of one response status.
type ResponseSpec struct {
	// Type is the top-level JSON type of the application/json schema,
	// empty when no schema is documented ("object", "array", ...).
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	// Fields are the top-level property names of an object schema.
	Fields []string `json:"fields,omitempty"`
}

// Endpoint is one (path, method) operation extracted from the API
// specification. Instances are immutable after parsing and may be probed
// concurrently without synchronization.
type Endpoint struct {
	Path        string                  `json:"path"`
	Method      string                  `json:"method"`
	OperationID string                  `json:"operation_id,omitempty"`
	Summary     string                  `json:"summary,omitempty"`
	Description string                  `json:"description,omitempty"`
	Deprecated  bool                    `json:"deprecated,omitempty"`
	Parameters  []Parameter             `json:"parameters,omitempty"`
	HasBody     bool                    `json:"has_body,omitempty"`
	BodyFields  []string                `json:"body_fields,omitempty"`
	Responses   map[string]ResponseSpec `json:"responses,omitempty"`
	// HasSecurity is true when the operation declares its own security
	// requirement in the document.
	HasSecurity bool `json:"has_security,omitempty"`
}

// HasPathParam reports whether the path template contains a {placeholder}.
func (e Endpoint) HasPathParam() bool {
	for i := 0; i < len(e.Path); i++ {
		if e.Path[i] == '{' {
			return true
		}
	}
	return false
}

// Document is the endpoint model extracted from a parsed OpenAPI document.
type Document struct {
	Title       string     `json:"title,omitempty"`
	Version     string     `json:"version,omitempty"`
	Description string     `json:"description,omitempty"`
	Endpoints   []Endpoint `json:"endpoints"`
	// HasGlobalSecurity is true when the document declares a top-level
	// security requirement that applies to all operations.
	HasGlobalSecurity bool `json:"has_global_security,omitempty"`
	// SecuritySchemes maps scheme name to its type ("http", "apiKey", ...)
	// and, for http schemes, the scheme ("bearer", "basic").
	SecuritySchemes map[string]SecurityScheme `json:"security_schemes,omitempty"`
}

type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme,omitempty"`
}

// ByPath groups the document's endpoints by path template, preserving the
// document order of paths.
func (d *Document) ByPath() ([]string, map[string][]Endpoint) {
	paths := make([]string, 0)
	grouped := make(map[string][]Endpoint)
	for _, ep := range d.Endpoints {
		if _, ok := grouped[ep.Path]; !ok {
			paths = append(paths, ep.Path)
		}
		grouped[ep.Path] = append(grouped[ep.Path], ep)
	}
	return paths, grouped
}

// Vulnerability is one finding emitted by a detector or a static rule.
// Identity fields are set once at creation; Severity and Recommendation may
// be overwritten by triage.
type Vulnerability struct {
	ID             string    `json:"id" db:"id"`
	Category       string    `json:"category" db:"category"` // OWASP API taxonomy tag, e.g. "API1:2023"
	Title          string    `json:"title" db:"title"`
	Description    string    `json:"description" db:"description"`
	Severity       Severity  `json:"severity" db:"severity"`
	Endpoint       string    `json:"endpoint,omitempty" db:"endpoint"`
	Method         string    `json:"method,omitempty" db:"method"`
	Parameter      string    `json:"parameter,omitempty" db:"parameter"`
	Evidence       string    `json:"evidence,omitempty" db:"evidence"`
	Recommendation string    `json:"recommendation,omitempty" db:"recommendation"`
	DetectedAt     time.Time `json:"detected_at,omitempty" db:"detected_at"`
}

type MismatchKind string

const (
	MismatchStatusCode   MismatchKind = "STATUS_CODE"
	MismatchSchema       MismatchKind = "SCHEMA"
	MismatchHeader       MismatchKind = "HEADER"
	MismatchMissingField MismatchKind = "MISSING_FIELD"
	MismatchExtraField   MismatchKind = "EXTRA_FIELD"
)

// ContractMismatch records a divergence between the documented contract and
// the live API's observed behavior.
type ContractMismatch struct {
	Endpoint string       `json:"endpoint"`
	Method   string       `json:"method"`
	Kind     MismatchKind `json:"kind"`
	Field    string       `json:"field,omitempty"`
	Expected string       `json:"expected"`
	Actual   string       `json:"actual"`
	Message  string       `json:"message,omitempty"`
	Severity Severity     `json:"severity"`
}

// ScanOptions selects which pipeline stages run for a scan.
type ScanOptions struct {
	StaticAnalysis     bool `json:"enable_static_analysis"`
	DynamicTesting     bool `json:"enable_dynamic_testing"`
	ContractValidation bool `json:"enable_contract_validation"`
	AITriage           bool `json:"enable_ai_triage"`
	// MaxConcurrentPaths bounds parallel probing across endpoint paths
	// during the dynamic stage. Zero means sequential.
	MaxConcurrentPaths int `json:"max_concurrent_paths,omitempty"`
}

// ScanRef identifies a known scan and when it was triggered.
type ScanRef struct {
	ScanID    string    `json:"scan_id"`
	StartedAt time.Time `json:"started_at"`
}

// ScanRequest starts one scan.
type ScanRequest struct {
	SpecURL string      `json:"spec_url"`
	BaseURL string      `json:"base_url"`
	Options ScanOptions `json:"options"`
}

// ScanSnapshot is the externally visible, immutable copy of a scan job's
// state. The orchestrator's background task is the only writer of the
// underlying job; readers only ever see snapshots.
type ScanSnapshot struct {
	ID      string      `json:"scan_id"`
	SpecURL string      `json:"spec_url"`
	BaseURL string      `json:"base_url"`
	Status  ScanStatus  `json:"status"`
	Error   string      `json:"error,omitempty"`
	Options ScanOptions `json:"options"`

	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	Vulnerabilities []Vulnerability    `json:"vulnerabilities"`
	Mismatches      []ContractMismatch `json:"contract_mismatches"`

	TotalEndpoints  int            `json:"total_endpoints"`
	TestedEndpoints int            `json:"tested_endpoints"`
	SeverityCounts  map[string]int `json:"severity_counts,omitempty"`
	Summary         string         `json:"summary,omitempty"`
}

// HistoryEntry is the registry's point-in-time record of one scan.
type HistoryEntry struct {
	ScanID     string      `json:"scan_id" db:"scan_id"`
	SpecURL    string      `json:"spec_url" db:"spec_url"`
	BaseURL    string      `json:"base_url" db:"base_url"`
	TargetName string      `json:"target_name,omitempty" db:"target_name"`
	Status     ScanStatus  `json:"status" db:"status"`
	StartedAt  time.Time   `json:"started_at" db:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs int64       `json:"duration_ms" db:"duration_ms"`
	Options    ScanOptions `json:"options"`
}

// CurrentDurationMs returns the recorded duration for finished scans and the
// elapsed wall-clock time for running ones.
func (h HistoryEntry) CurrentDurationMs() int64 {
	if h.DurationMs > 0 || h.Status.Terminal() {
		return h.DurationMs
	}
	if h.StartedAt.IsZero() {
		return 0
	}
	return time.Since(h.StartedAt).Milliseconds()
}
