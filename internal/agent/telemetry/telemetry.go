package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskpilot/taskpilot/config"
)

// Prometheus collectors are registered once on the default registry and
// shared by every Telemetry instance; /metrics exposes them.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_tasks_total",
		Help: "Completed pipeline runs by terminal status.",
	}, []string{"status"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskpilot_task_duration_seconds",
		Help:    "End-to-end pipeline duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpilot_stage_duration_seconds",
		Help:    "Per-stage execution duration by role.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"role"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_stage_failures_total",
		Help: "Stage executions that degraded to fallback output, by role.",
	}, []string{"role"})

	providerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_provider_tokens_total",
		Help: "Completion provider tokens by direction (in/out).",
	}, []string{"direction"})

	mergeTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_merge_truncations_total",
		Help: "Final outputs clamped by the length guardrail.",
	})

	routerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_router_fallbacks_total",
		Help: "Route decisions where refinement was discarded for the heuristic result.",
	})

	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_fetch_failures_total",
		Help: "Source fetches that degraded to a warning.",
	})
)

// Telemetry records pipeline, stage and cost events. Counters land on the
// shared prometheus registry; the cost tracker is per-instance state.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	costTracker *CostTracker
	mu          sync.RWMutex
}

// CostTracker accumulates token and dollar usage across provider calls.
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	ModelTokens map[string]int64
	TotalCost   float64
	TotalTokens int64
}

// TaskEvent describes one completed (or failed) pipeline run.
type TaskEvent struct {
	TaskID    string
	Query     string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Cost      float64
	TokensIn  int64
	TokensOut int64
	RolesRun  []string
}

// StageEvent describes one agent stage execution.
type StageEvent struct {
	TaskID    string
	Role      string
	Duration  time.Duration
	Success   bool
	Error     string
	Cost      float64
	TokensIn  int64
	TokensOut int64
	ModelUsed string
}

// NewTelemetry creates a telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		costTracker: &CostTracker{
			ModelCosts:  make(map[string]float64),
			ModelTokens: make(map[string]int64),
		},
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startCostReporting()
	}
	return t
}

// RecordTask records a completed pipeline run.
func (t *Telemetry) RecordTask(event TaskEvent) {
	if !t.config.Enabled {
		return
	}

	status := "succeeded"
	if !event.Success {
		status = "failed"
	}
	tasksTotal.WithLabelValues(status).Inc()
	taskDuration.Observe(event.Duration.Seconds())
	providerTokens.WithLabelValues("in").Add(float64(event.TokensIn))
	providerTokens.WithLabelValues("out").Add(float64(event.TokensOut))

	if t.config.CostTracking {
		t.costTracker.mu.Lock()
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensIn + event.TokensOut
		t.costTracker.mu.Unlock()
	}

	t.logger.Printf("Task Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d/%d",
		event.TaskID, event.Success, event.Duration, event.Cost, event.TokensIn, event.TokensOut)
}

// RecordStage records one agent stage execution.
func (t *Telemetry) RecordStage(event StageEvent) {
	if !t.config.Enabled {
		return
	}

	stageDuration.WithLabelValues(event.Role).Observe(event.Duration.Seconds())
	if !event.Success {
		stageFailures.WithLabelValues(event.Role).Inc()
	}

	if t.config.CostTracking && event.ModelUsed != "" {
		t.costTracker.mu.Lock()
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
		t.costTracker.ModelTokens[event.ModelUsed] += event.TokensIn + event.TokensOut
		t.costTracker.mu.Unlock()
	}

	t.logger.Printf("Stage Event: Role=%s, Success=%t, Duration=%v, Cost=$%.4f",
		event.Role, event.Success, event.Duration, event.Cost)
}

// RecordRouterFallback counts a refinement pass discarded for the heuristic
// route.
func (t *Telemetry) RecordRouterFallback() {
	if !t.config.Enabled {
		return
	}
	routerFallbacks.Inc()
}

// RecordTruncation counts a final output clamped by the length guardrail.
func (t *Telemetry) RecordTruncation() {
	if !t.config.Enabled {
		return
	}
	mergeTruncations.Inc()
}

// RecordFetchFailure counts a source fetch that degraded to a warning.
func (t *Telemetry) RecordFetchFailure() {
	if !t.config.Enabled {
		return
	}
	fetchFailures.Inc()
}

// CostSummary is a point-in-time copy of accumulated cost data.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
	ModelTokens map[string]int64
}

// GetCostSummary returns a copy of the current cost tracker state.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
		ModelTokens: make(map[string]int64, len(t.costTracker.ModelTokens)),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.ModelTokens {
		summary.ModelTokens[k] = v
	}
	return summary
}

// startCostReporting logs a cost snapshot every ten minutes.
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()
		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)
		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f (%d tokens)", model, cost, costs.ModelTokens[model])
		}
	}
}

// Shutdown logs a final cost report.
func (t *Telemetry) Shutdown() {
	costs := t.GetCostSummary()
	t.logger.Printf("Final Report: TotalCost=$%.4f, TotalTokens=%d", costs.TotalCost, costs.TotalTokens)
}
