package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/store"
)

func TestStoreRoundTripAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("taskpilot"),
		tcPostgres.WithUsername("taskpilot"),
		tcPostgres.WithPassword("taskpilot"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://taskpilot:taskpilot@%s:%s/taskpilot?sslmode=disable", host, port.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	userID, err := st.CreateUser(ctx, "it@example.com", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	gotID, gotHash, err := st.GetUserByEmail(ctx, "it@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if gotID != userID || gotHash != "hash" {
		t.Fatalf("unexpected user: id=%s hash=%s", gotID, gotHash)
	}

	rec := store.TaskRecord{
		ID:          "task-1",
		UserID:      userID,
		Query:       "summarize the article",
		SourceURL:   "https://example.com/a",
		Roles:       []string{"summarizer"},
		Rationale:   "heuristic routing: summary cue",
		Confidence:  0.5,
		FinalOutput: "v1",
		CreatedAt:   time.Now().UTC(),
	}
	steps := []store.StepRecord{
		{TaskID: rec.ID, Position: 0, Role: "summarizer", Content: "v1"},
	}
	if err := st.SaveTask(ctx, rec, steps); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	// Saving the same id again must replace the result and the steps.
	rec.Roles = []string{"researcher", "summarizer"}
	rec.FinalOutput = "v2"
	rec.Citations = []string{"https://example.com/a"}
	steps = []store.StepRecord{
		{TaskID: rec.ID, Position: 0, Role: "researcher", Content: "facts", Citations: []string{"https://example.com/a"}},
		{TaskID: rec.ID, Position: 1, Role: "summarizer", Content: "v2"},
	}
	if err := st.SaveTask(ctx, rec, steps); err != nil {
		t.Fatalf("SaveTask again: %v", err)
	}

	got, gotSteps, err := st.GetTask(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.FinalOutput != "v2" || got.UserID != userID {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Citations) != 1 || got.Citations[0] != "https://example.com/a" {
		t.Fatalf("unexpected citations: %v", got.Citations)
	}
	if len(gotSteps) != 2 || gotSteps[0].Role != "researcher" || gotSteps[1].Role != "summarizer" {
		t.Fatalf("unexpected steps: %+v", gotSteps)
	}

	if _, _, err := st.GetTask(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recent, err := st.ListRecentTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentTasks: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != rec.ID {
		t.Fatalf("unexpected recent tasks: %+v", recent)
	}

	seed, err := st.SearchSeed(ctx, 10)
	if err != nil {
		t.Fatalf("SearchSeed: %v", err)
	}
	if len(seed) != 1 || seed[0].Query != rec.Query {
		t.Fatalf("unexpected seed: %+v", seed)
	}

	sched, err := st.CreateSchedule(ctx, store.ScheduleRecord{
		UserID:   userID,
		Query:    "daily digest",
		CronSpec: "@daily",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sched.ID == "" || sched.CreatedAt.IsZero() {
		t.Fatalf("schedule missing server fields: %+v", sched)
	}

	listed, err := st.ListSchedules(ctx, userID)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != sched.ID {
		t.Fatalf("unexpected schedules: %+v", listed)
	}

	due, err := st.ListDueCandidates(ctx)
	if err != nil {
		t.Fatalf("ListDueCandidates: %v", err)
	}
	if len(due) != 1 || due[0].LastRunAt != nil {
		t.Fatalf("unexpected due candidates: %+v", due)
	}

	if err := st.TouchScheduleRun(ctx, sched.ID); err != nil {
		t.Fatalf("TouchScheduleRun: %v", err)
	}
	due, err = st.ListDueCandidates(ctx)
	if err != nil {
		t.Fatalf("ListDueCandidates after touch: %v", err)
	}
	if len(due) != 1 || due[0].LastRunAt == nil {
		t.Fatalf("expected last_run_at stamped: %+v", due)
	}

	if err := st.DeleteSchedule(ctx, sched.ID, userID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := st.DeleteSchedule(ctx, sched.ID, userID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTaskCacheAgainstRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	cache, err := store.NewTaskCache(ctx, config.RedisConfig{Host: host, Port: port.Int()})
	if err != nil {
		t.Fatalf("NewTaskCache: %v", err)
	}
	defer func() { _ = cache.Rdb.Close() }()

	rec := store.TaskRecord{ID: "task-1", Query: "summarize", FinalOutput: "done"}
	if err := cache.PutTask(ctx, rec); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	got, err := cache.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.FinalOutput != "done" {
		t.Fatalf("unexpected task: %+v", got)
	}

	ids, err := cache.RecentTaskIDs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTaskIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "task-1" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	ok, err := cache.AcquireLock(ctx, "sched:lock:x", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = cache.AcquireLock(ctx, "sched:lock:x", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected lock to be held")
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  email TEXT UNIQUE NOT NULL,
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  user_id UUID REFERENCES users(id) ON DELETE SET NULL,
  query TEXT NOT NULL,
  source_url TEXT NOT NULL DEFAULT '',
  roles TEXT[] NOT NULL DEFAULT '{}',
  rationale TEXT NOT NULL DEFAULT '',
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
  final_output TEXT NOT NULL DEFAULT '',
  citations TEXT[] NOT NULL DEFAULT '{}',
  truncated BOOLEAN NOT NULL DEFAULT FALSE,
  warnings TEXT[] NOT NULL DEFAULT '{}',
  tokens_in BIGINT NOT NULL DEFAULT 0,
  tokens_out BIGINT NOT NULL DEFAULT 0,
  cost DOUBLE PRECISION NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS task_steps (
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  position INTEGER NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  citations TEXT[] NOT NULL DEFAULT '{}',
  warnings TEXT[] NOT NULL DEFAULT '{}',
  PRIMARY KEY (task_id, position)
);

CREATE TABLE IF NOT EXISTS schedules (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  query TEXT NOT NULL,
  source_url TEXT NOT NULL DEFAULT '',
  cron_spec TEXT NOT NULL DEFAULT '@daily',
  desired_style TEXT NOT NULL DEFAULT '',
  desired_length TEXT NOT NULL DEFAULT '',
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  last_run_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
