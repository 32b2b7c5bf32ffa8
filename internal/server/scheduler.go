package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/taskpilot/taskpilot/internal/agent/core"
	"github.com/taskpilot/taskpilot/internal/store"
)

// Scheduler fires enabled schedules whose cron spec says they are due. A
// Redis lock keeps multiple replicas from running the same schedule twice.
type Scheduler struct {
	Store   *store.Store
	Cache   *store.TaskCache
	Index   *store.SearchIndex
	Orch    PipelineRunner
	Logger  *log.Logger
	Tick    time.Duration
	LockTTL time.Duration
	Stop    chan struct{}
}

// Start launches the ticker loop. Close Stop to shut it down.
func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	tick := s.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	due, err := s.Store.ListDueCandidates(ctx)
	if err != nil {
		s.Logger.Printf("listing schedules: %v", err)
		return
	}
	lockTTL := s.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	for _, sched := range due {
		if !isDue(sched.CronSpec, sched.LastRunAt, time.Now()) {
			continue
		}
		ok, err := s.Cache.AcquireLock(ctx, "sched:lock:"+sched.ID, lockTTL)
		if err != nil {
			s.Logger.Printf("locking schedule %s: %v", sched.ID, err)
			continue
		}
		if !ok {
			continue
		}
		go s.fire(ctx, sched)
	}
}

// fire runs one due schedule end to end: pipeline, persistence, last-run
// stamp. Runs in its own goroutine so a slow pipeline never blocks the tick.
func (s *Scheduler) fire(ctx context.Context, sched store.ScheduleRecord) {
	// jitter to avoid stampedes when many schedules come due together
	time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)

	req := core.TaskRequest{
		Query:         sched.Query,
		SourceURL:     sched.SourceURL,
		DesiredStyle:  sched.Style,
		DesiredLength: sched.Length,
	}
	result, err := s.Orch.Run(ctx, req)
	if err != nil {
		s.Logger.Printf("schedule %s run failed: %v", sched.ID, err)
		return
	}
	persistTrace(ctx, s.Logger, s.Store, s.Cache, s.Index, sched.UserID, req, result)
	if err := s.Store.TouchScheduleRun(ctx, sched.ID); err != nil {
		s.Logger.Printf("stamping schedule %s: %v", sched.ID, err)
	}
	s.Logger.Printf("schedule %s produced task %s", sched.ID, result.TaskID)
}

// isDue reports whether a schedule with cronSpec should fire at now given
// its last run time. Supports @hourly, @daily and 5-field cron expressions;
// an invalid spec degrades to @daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@hourly":
		return last == nil || now.Sub(*last) >= time.Hour
	case "@daily":
		return last == nil || now.Sub(*last) >= 24*time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return last == nil || now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
