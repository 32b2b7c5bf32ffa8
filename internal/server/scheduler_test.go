package server

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/taskpilot/taskpilot/internal/store"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		at := now.Add(-d)
		return &at
	}

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"hourly never ran", "@hourly", nil, true},
		{"hourly ran recently", "@hourly", ago(30 * time.Minute), false},
		{"hourly overdue", "@hourly", ago(2 * time.Hour), true},
		{"daily never ran", "@daily", nil, true},
		{"daily ran recently", "@daily", ago(12 * time.Hour), false},
		{"daily overdue", "@daily", ago(25 * time.Hour), true},
		{"cron every five minutes overdue", "*/5 * * * *", ago(10 * time.Minute), true},
		{"cron yearly not due yet", "0 0 1 1 *", ago(time.Minute), false},
		{"cron never ran", "*/5 * * * *", nil, true},
		{"invalid spec falls back to daily, overdue", "every tuesday", ago(25 * time.Hour), true},
		{"invalid spec falls back to daily, fresh", "every tuesday", ago(time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}

func TestSchedulerTickRunsDueScheduleOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	runner := &stubRunner{trace: sampleTrace("task-77")}
	sched := &Scheduler{
		Store:  &store.Store{DB: db},
		Cache:  newCache(t),
		Index:  newIndex(t),
		Orch:   runner,
		Logger: log.New(io.Discard, "", 0),
		Stop:   make(chan struct{}),
	}

	dueRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(scheduleColumnNames).
			AddRow("sch-1", "user-1", "daily digest", "", "@daily", "", "", true, nil, time.Now().UTC())
	}

	mock.ExpectQuery("FROM schedules WHERE enabled").WillReturnRows(dueRow())
	expectTaskSave(mock, 1)
	mock.ExpectExec("UPDATE schedules SET last_run_at").
		WithArgs("sch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched.tick()

	// the fired goroutine sleeps for its jitter before running
	deadline := time.Now().Add(3 * time.Second)
	for mock.ExpectationsWereMet() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("schedule did not finish: %v", mock.ExpectationsWereMet())
		}
		time.Sleep(10 * time.Millisecond)
	}
	calls := runner.calls()
	if len(calls) != 1 || calls[0].Query != "daily digest" {
		t.Fatalf("runner calls = %+v", calls)
	}

	// a second tick inside the lock TTL must not fire the schedule again
	mock.ExpectQuery("FROM schedules WHERE enabled").WillReturnRows(dueRow())
	sched.tick()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
	if len(runner.calls()) != 1 {
		t.Fatalf("schedule fired twice despite lock")
	}
}

func TestSchedulerTickSkipsNotDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	runner := &stubRunner{trace: sampleTrace("task-1")}
	sched := &Scheduler{
		Store:  &store.Store{DB: db},
		Cache:  newCache(t),
		Index:  newIndex(t),
		Orch:   runner,
		Logger: log.New(io.Discard, "", 0),
		Stop:   make(chan struct{}),
	}

	recent := time.Now().Add(-5 * time.Minute).UTC()
	mock.ExpectQuery("FROM schedules WHERE enabled").
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).
			AddRow("sch-1", "user-1", "daily digest", "", "@daily", "", "", true, recent, time.Now().UTC()))

	sched.tick()
	if len(runner.calls()) != 0 {
		t.Fatalf("schedule fired before it was due")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
