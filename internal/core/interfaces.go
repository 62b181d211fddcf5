package core

import (
	"context"

	"github.com/apivet/apivet/pkg/types"
)

// SpecParser loads an OpenAPI document from a URL or local path and
// normalizes it into the internal model.
type SpecParser interface {
	Parse(ctx context.Context, specURL string) (*types.Document, error)
}

// StaticAnalyzer evaluates a parsed document without touching the target.
type StaticAnalyzer interface {
	Analyze(ctx context.Context, doc *types.Document) []types.Vulnerability
}

// DynamicTester probes the live target described by the document.
type DynamicTester interface {
	Test(ctx context.Context, doc *types.Document, baseURL string, opts types.ScanOptions) ([]types.Vulnerability, int, error)
}

// ContractValidator compares live responses against documented ones.
type ContractValidator interface {
	Validate(ctx context.Context, doc *types.Document, baseURL string) ([]types.ContractMismatch, error)
}

// TokenProvider supplies bearer tokens for authenticated probing.
// Implementations cache tokens until shortly before expiry.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Triager post-processes findings, filtering false positives and attaching
// analysis. Implementations must return the input unchanged on failure.
type Triager interface {
	Triage(ctx context.Context, snapshot *types.ScanSnapshot) *types.ScanSnapshot
}

// HistoryStore persists scan snapshots and serves the history API.
type HistoryStore interface {
	SaveSnapshot(ctx context.Context, snapshot *types.ScanSnapshot) error
	GetSnapshot(ctx context.Context, scanID string) (*types.ScanSnapshot, error)
	ListHistory(ctx context.Context, limit int) ([]types.HistoryEntry, error)
	DeleteSnapshot(ctx context.Context, scanID string) error
	Close() error
}
