package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// TurnRecord mirrors one completed run for analytics. The session store
// remains the source of truth; this table is write-only from the
// orchestrator's perspective.
type TurnRecord struct {
	RunID          string            `db:"run_id"`
	SessionID      string            `db:"session_id"`
	Question       string            `db:"question"`
	Report         string            `db:"report"`
	ExpertAnalyses map[string]string `db:"-"`
	Steps          int               `db:"steps"`
	DurationMs     int64             `db:"duration_ms"`
	CreatedAt      time.Time         `db:"created_at"`
}

// Recorder writes completed turns to Postgres. A nil Recorder is valid and
// records nothing, so callers never need to branch on whether persistence is
// configured.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRecorder connects to Postgres using a lib/pq URL.
func NewRecorder(databaseURL string, logger *zap.Logger) (*Recorder, error) {
	dbx, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(8)
	dbx.SetMaxIdleConns(2)
	dbx.SetConnMaxLifetime(30 * time.Minute)
	return &Recorder{db: dbx, logger: logger}, nil
}

// NewRecorderWithDB wraps an existing connection (used by tests).
func NewRecorderWithDB(dbx *sqlx.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: dbx, logger: logger}
}

const insertTurn = `
	INSERT INTO run_turns (run_id, session_id, question, report, expert_analyses, steps, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// RecordTurn persists one completed turn. Failures are logged, not
// propagated; analytics loss must never fail a run that already succeeded.
func (r *Recorder) RecordTurn(ctx context.Context, rec TurnRecord) {
	if r == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	analyses, _ := json.Marshal(rec.ExpertAnalyses)

	_, err := r.db.ExecContext(ctx, insertTurn,
		rec.RunID, rec.SessionID, rec.Question, rec.Report,
		analyses, rec.Steps, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		r.logger.Warn("Failed to record turn",
			zap.String("run_id", rec.RunID),
			zap.Error(err),
		)
	}
}

// Close releases the database connection.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
