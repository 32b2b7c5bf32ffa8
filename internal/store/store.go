package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the Postgres handle. The schema is owned by the SQL files
// under migrations/; the store only reads and writes it.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and pings it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// TaskRecord is one persisted pipeline run.
type TaskRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Query       string    `json:"query"`
	SourceURL   string    `json:"source_url,omitempty"`
	Roles       []string  `json:"roles"`
	Rationale   string    `json:"rationale,omitempty"`
	Confidence  float64   `json:"confidence"`
	FinalOutput string    `json:"final_output"`
	Citations   []string  `json:"citations,omitempty"`
	Truncated   bool      `json:"truncated"`
	Warnings    []string  `json:"warnings,omitempty"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	Cost        float64   `json:"cost"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// StepRecord is one persisted stage result. Steps are ordered by Position
// within a task.
type StepRecord struct {
	TaskID    string   `json:"task_id"`
	Position  int      `json:"position"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Citations []string `json:"citations,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ScheduleRecord is a recurring task definition.
type ScheduleRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Query     string     `json:"query"`
	SourceURL string     `json:"source_url,omitempty"`
	CronSpec  string     `json:"cron_spec"`
	Style     string     `json:"desired_style,omitempty"`
	Length    string     `json:"desired_length,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateUser inserts a user with an already-hashed password and returns
// the generated id. Unique violations surface as raw pq errors so the
// caller can map them.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`,
		email, passwordHash).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetUserByEmail returns the user id and password hash for an email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, passwordHash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1`,
		email).Scan(&id, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return id, passwordHash, err
}

const taskColumns = `id, user_id, query, source_url, roles, rationale, confidence, final_output, citations, truncated, warnings, tokens_in, tokens_out, cost, duration_ms, created_at`

// SaveTask persists a task and its steps in one transaction. Saving the
// same task id again replaces the result columns and the step rows.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord, steps []StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning task save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
  roles = EXCLUDED.roles,
  rationale = EXCLUDED.rationale,
  confidence = EXCLUDED.confidence,
  final_output = EXCLUDED.final_output,
  citations = EXCLUDED.citations,
  truncated = EXCLUDED.truncated,
  warnings = EXCLUDED.warnings,
  tokens_in = EXCLUDED.tokens_in,
  tokens_out = EXCLUDED.tokens_out,
  cost = EXCLUDED.cost,
  duration_ms = EXCLUDED.duration_ms`,
		rec.ID, nullIfEmpty(rec.UserID), rec.Query, rec.SourceURL, pq.Array(rec.Roles),
		rec.Rationale, rec.Confidence, rec.FinalOutput, pq.Array(rec.Citations),
		rec.Truncated, pq.Array(rec.Warnings), rec.TokensIn, rec.TokensOut,
		rec.Cost, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_steps WHERE task_id=$1`, rec.ID); err != nil {
		return fmt.Errorf("clearing task steps: %w", err)
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_steps (task_id, position, role, content, citations, warnings)
VALUES ($1,$2,$3,$4,$5,$6)`,
			rec.ID, step.Position, step.Role, step.Content,
			pq.Array(step.Citations), pq.Array(step.Warnings)); err != nil {
			return fmt.Errorf("inserting task step %d: %w", step.Position, err)
		}
	}
	return tx.Commit()
}

// GetTask loads one task and its ordered steps.
func (s *Store) GetTask(ctx context.Context, id string) (TaskRecord, []StepRecord, error) {
	rec, err := scanTask(s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT task_id, position, role, content, citations, warnings
FROM task_steps WHERE task_id=$1 ORDER BY position`, id)
	if err != nil {
		return TaskRecord{}, nil, fmt.Errorf("loading task steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		if err := rows.Scan(&step.TaskID, &step.Position, &step.Role, &step.Content,
			pq.Array(&step.Citations), pq.Array(&step.Warnings)); err != nil {
			return TaskRecord{}, nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return TaskRecord{}, nil, err
	}
	return rec, steps, nil
}

// ListRecentTasks returns the newest tasks without their steps.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchDoc is the slice of a task the search index covers.
type SearchDoc struct {
	ID          string   `json:"id"`
	Query       string   `json:"query"`
	FinalOutput string   `json:"final_output"`
	Roles       []string `json:"roles"`
}

// SearchSeed returns the newest tasks in index form, used to warm the
// in-memory search index on boot.
func (s *Store) SearchSeed(ctx context.Context, limit int) ([]SearchDoc, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query, final_output, roles FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchDoc
	for rows.Next() {
		var doc SearchDoc
		if err := rows.Scan(&doc.ID, &doc.Query, &doc.FinalOutput, pq.Array(&doc.Roles)); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CreateSchedule inserts a schedule and returns it with the generated id
// and timestamp filled in.
func (s *Store) CreateSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO schedules (user_id, query, source_url, cron_spec, desired_style, desired_length, enabled)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, created_at`,
		rec.UserID, rec.Query, rec.SourceURL, rec.CronSpec, rec.Style, rec.Length, rec.Enabled).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return ScheduleRecord{}, fmt.Errorf("inserting schedule: %w", err)
	}
	return rec, nil
}

const scheduleColumns = `id, user_id, query, source_url, cron_spec, desired_style, desired_length, enabled, last_run_at, created_at`

// ListSchedules returns all schedules owned by a user.
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDueCandidates returns every enabled schedule. Cron evaluation
// happens in the scheduler, not in SQL.
func (s *Store) ListDueCandidates(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DeleteSchedule removes a schedule owned by the given user.
func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchScheduleRun stamps last_run_at after a schedule fires.
func (s *Store) TouchScheduleRun(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE schedules SET last_run_at=NOW() WHERE id=$1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var (
		rec    TaskRecord
		userID sql.NullString
	)
	err := row.Scan(&rec.ID, &userID, &rec.Query, &rec.SourceURL, pq.Array(&rec.Roles),
		&rec.Rationale, &rec.Confidence, &rec.FinalOutput, pq.Array(&rec.Citations),
		&rec.Truncated, pq.Array(&rec.Warnings), &rec.TokensIn, &rec.TokensOut,
		&rec.Cost, &rec.DurationMS, &rec.CreatedAt)
	if err != nil {
		return TaskRecord{}, err
	}
	rec.UserID = userID.String
	return rec, nil
}

func collectSchedules(rows *sql.Rows) ([]ScheduleRecord, error) {
	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec     ScheduleRecord
			lastRun sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Query, &rec.SourceURL, &rec.CronSpec,
			&rec.Style, &rec.Length, &rec.Enabled, &lastRun, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			rec.LastRunAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
