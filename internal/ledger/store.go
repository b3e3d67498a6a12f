// Package ledger keeps an append-only record of how sessions ended:
// completed, timed out or rejected at admission. Rows are indexed by
// end time, owner and status for aggregation queries.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/tollgate/internal/session"
)

// Outcome is one terminal session transition.
type Outcome struct {
	ID         string
	SessionID  string // empty for rejections
	SessionKey string
	OwnerID    string
	ScopeID    string
	Status     session.Status
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Duration is how long the session held its slot.
func (o Outcome) Duration() time.Duration {
	if o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Summary holds aggregated totals.
type Summary struct {
	Total         int
	TotalDuration time.Duration
	MaxDuration   time.Duration
}

// AvgDuration is the mean session duration, zero when empty.
func (s Summary) AvgDuration() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Total)
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite store of session outcomes. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_outcomes (
		id           TEXT PRIMARY KEY,
		session_id   TEXT,
		session_key  TEXT NOT NULL,
		owner_id     TEXT NOT NULL,
		scope_id     TEXT,
		status       TEXT NOT NULL,
		reason       TEXT,
		started_at   TEXT NOT NULL,
		ended_at     TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_ended ON session_outcomes(ended_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_owner ON session_outcomes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON session_outcomes(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an outcome. If o.ID is empty, a UUIDv7 is generated;
// a zero EndedAt is set to now.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	if o.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate outcome ID: %w", err)
		}
		o.ID = id.String()
	}
	if o.EndedAt.IsZero() {
		o.EndedAt = time.Now()
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = o.EndedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_outcomes
			(id, session_id, session_key, owner_id, scope_id, status, reason,
			 started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.SessionID,
		o.SessionKey,
		o.OwnerID,
		o.ScopeID,
		string(o.Status),
		o.Reason,
		o.StartedAt.UTC().Format(timeLayout),
		o.EndedAt.UTC().Format(timeLayout),
		o.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert session outcome: %w", err)
	}
	return nil
}

// Summary returns totals for outcomes that ended within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM session_outcomes
		 WHERE ended_at >= ? AND ended_at < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	var totalMS, maxMS int64
	if err := row.Scan(&sum.Total, &totalMS, &maxMS); err != nil {
		return nil, fmt.Errorf("query outcome summary: %w", err)
	}
	sum.TotalDuration = time.Duration(totalMS) * time.Millisecond
	sum.MaxDuration = time.Duration(maxMS) * time.Millisecond
	return &sum, nil
}

// SummaryByStatus returns per-status totals within [start, end).
func (s *Store) SummaryByStatus(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("status", start, end)
}

// SummaryByOwner returns per-owner totals within [start, end).
func (s *Store) SummaryByOwner(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("owner_id", start, end)
}

// SummaryByReason returns per-reason totals within [start, end).
// Outcomes without a reason are grouped under "".
func (s *Store) SummaryByReason(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("reason", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM session_outcomes
		 WHERE ended_at >= ? AND ended_at < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var totalMS, maxMS int64
		sum := &Summary{}
		if err := rows.Scan(&key, &sum.Total, &totalMS, &maxMS); err != nil {
			return nil, fmt.Errorf("scan outcomes by %s: %w", column, err)
		}
		sum.TotalDuration = time.Duration(totalMS) * time.Millisecond
		sum.MaxDuration = time.Duration(maxMS) * time.Millisecond
		result[key] = sum
	}
	return result, rows.Err()
}

// FromSession converts a terminal session to an outcome.
func FromSession(s *session.Session) Outcome {
	return Outcome{
		SessionID:  s.ID,
		SessionKey: s.Key,
		OwnerID:    s.OwnerID,
		ScopeID:    s.ScopeID,
		Status:     s.Status,
		Reason:     s.Reason,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
}

// Observer returns a session observer that records every terminal
// transition. Write failures are logged and otherwise ignored.
func (s *Store) Observer(logger *slog.Logger) session.Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(sess *session.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, FromSession(sess)); err != nil {
			logger.Warn("failed to record session outcome",
				"session_key", sess.Key,
				"status", sess.Status,
				"error", err,
			)
		}
	}
}
