// Package database persists scan snapshots so history survives restarts.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/types"
)

// ErrNotFound is returned when no snapshot exists for a scan ID.
var ErrNotFound = errors.New("scan not found")

type sqlStore struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
	log *logger.Logger
}

// NewStore connects to the configured database, runs migrations, and
// returns the history store.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.HistoryStore, error) {
	log = log.WithComponent("database")

	log.Infow("Initializing database connection",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{db: db, cfg: cfg, log: log}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized", "driver", cfg.Driver)
	return store, nil
}

// maskDSN hides credentials embedded in the DSN for logging.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// getPlaceholder returns the bind placeholder for the configured driver.
func (s *sqlStore) getPlaceholder(n int) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) migrate() error {
	if s.cfg.Driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS scan_history (
		scan_id TEXT PRIMARY KEY,
		spec_url TEXT NOT NULL,
		base_url TEXT NOT NULL,
		target_name TEXT,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		options TEXT,
		snapshot TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scan_history_started_at ON scan_history(started_at);
	CREATE INDEX IF NOT EXISTS idx_scan_history_status ON scan_history(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the full snapshot. It is called after every
// pipeline stage, so the stored row always reflects the latest state.
func (s *sqlStore) SaveSnapshot(ctx context.Context, snapshot *types.ScanSnapshot) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("snapshot must have a scan ID")
	}

	ctx, span := s.log.StartSpan(ctx, "database.SaveSnapshot")
	defer span.End()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	options, err := json.Marshal(snapshot.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal scan options: %w", err)
	}

	query := s.upsertQuery()
	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.SpecURL,
		snapshot.BaseURL,
		targetName(snapshot.BaseURL),
		string(snapshot.Status),
		snapshot.StartedAt,
		snapshot.EndedAt,
		snapshot.DurationMs,
		string(options),
		string(payload),
		time.Now().UTC(),
	)
	if err != nil {
		s.log.LogError(ctx, err, "database.SaveSnapshot", "scan_id", snapshot.ID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.log.WithContext(ctx).Debugw("Snapshot saved",
		"scan_id", snapshot.ID,
		"status", snapshot.Status,
		"bytes", len(payload),
	)
	return nil
}

func (s *sqlStore) upsertQuery() string {
	placeholders := make([]interface{}, 11)
	for i := range placeholders {
		placeholders[i] = s.getPlaceholder(i + 1)
	}
	return fmt.Sprintf(`
	INSERT INTO scan_history (
		scan_id, spec_url, base_url, target_name, status,
		started_at, ended_at, duration_ms, options, snapshot, updated_at
	) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
	ON CONFLICT (scan_id) DO UPDATE SET
		status = excluded.status,
		ended_at = excluded.ended_at,
		duration_ms = excluded.duration_ms,
		options = excluded.options,
		snapshot = excluded.snapshot,
		updated_at = excluded.updated_at
	`, placeholders...)
}

// targetName extracts a display name from the base URL.
func targetName(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}

func (s *sqlStore) GetSnapshot(ctx context.Context, scanID string) (*types.ScanSnapshot, error) {
	ctx, span := s.log.StartSpan(ctx, "database.GetSnapshot")
	defer span.End()

	query := fmt.Sprintf("SELECT snapshot FROM scan_history WHERE scan_id = %s", s.getPlaceholder(1))

	var payload string
	if err := s.db.GetContext(ctx, &payload, query, scanID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.log.LogError(ctx, err, "database.GetSnapshot", "scan_id", scanID)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snapshot types.ScanSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

type historyRow struct {
	ScanID     string       `db:"scan_id"`
	SpecURL    string       `db:"spec_url"`
	BaseURL    string       `db:"base_url"`
	TargetName string       `db:"target_name"`
	Status     string       `db:"status"`
	StartedAt  time.Time    `db:"started_at"`
	EndedAt    sql.NullTime `db:"ended_at"`
	DurationMs int64        `db:"duration_ms"`
	Options    string       `db:"options"`
}

// ListHistory returns the most recent scans first.
func (s *sqlStore) ListHistory(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	ctx, span := s.log.StartSpan(ctx, "database.ListHistory")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
	SELECT scan_id, spec_url, base_url, target_name, status,
	       started_at, ended_at, duration_ms, options
	FROM scan_history
	ORDER BY started_at DESC
	LIMIT %s`, s.getPlaceholder(1))

	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		s.log.LogError(ctx, err, "database.ListHistory")
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	entries := make([]types.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry := types.HistoryEntry{
			ScanID:     row.ScanID,
			SpecURL:    row.SpecURL,
			BaseURL:    row.BaseURL,
			TargetName: row.TargetName,
			Status:     types.ScanStatus(row.Status),
			StartedAt:  row.StartedAt,
			DurationMs: row.DurationMs,
		}
		if row.EndedAt.Valid {
			t := row.EndedAt.Time
			entry.EndedAt = &t
		}
		if row.Options != "" {
			if err := json.Unmarshal([]byte(row.Options), &entry.Options); err != nil {
				s.log.Warnw("Skipping malformed scan options", "scan_id", row.ScanID, "error", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *sqlStore) DeleteSnapshot(ctx context.Context, scanID string) error {
	ctx, span := s.log.StartSpan(ctx, "database.DeleteSnapshot")
	defer span.End()

	query := fmt.Sprintf("DELETE FROM scan_history WHERE scan_id = %s", s.getPlaceholder(1))

	res, err := s.db.ExecContext(ctx, query, scanID)
	if err != nil {
		s.log.LogError(ctx, err, "database.DeleteSnapshot", "scan_id", scanID)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.log.WithContext(ctx).Infow("Snapshot deleted", "scan_id", scanID)
	return nil
}

// Close releases the underlying connection pool.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
