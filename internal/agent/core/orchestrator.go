package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/agent/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("taskpilot/internal/agent/orchestrator")

// Orchestrator drives the pipeline for one request at a time per call:
// route, optional source fetch, the selected stages in order, merge, trace
// assembly. Stages run strictly sequentially because each one reads the
// accumulated output of the stages before it.
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	router  *Router
	stages  *StageSet
	merger  *Merger
	fetcher Fetcher
	llm     LLMProvider

	// Per-request progress, keyed by task ID. Entries exist only while the
	// request is in flight.
	processing map[string]*ProcessingStatus
	mu         sync.RWMutex

	// Bounds the number of pipelines running at once.
	semaphore chan struct{}
}

// NewOrchestrator wires the pipeline from configuration: completion
// provider, router, stage set, merger and fetcher.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}

	llm, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	fetcher, err := newFetcher(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	routeModel := cfg.LLM.Routing.Route
	if routeModel == "" {
		routeModel = cfg.LLM.Routing.Fallback
	}
	stageModel := cfg.LLM.Routing.Stage
	if stageModel == "" {
		stageModel = cfg.LLM.Routing.Fallback
	}

	maxConcurrent := cfg.Pipeline.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Orchestrator{
		config:     cfg,
		logger:     logger,
		telemetry:  tele,
		router:     NewRouter(llm, routeModel, tele),
		stages:     NewStageSet(llm, stageModel),
		merger:     NewMerger(cfg.Pipeline.MaxOutputChars),
		fetcher:    fetcher,
		llm:        llm,
		processing: make(map[string]*ProcessingStatus),
		semaphore:  make(chan struct{}, maxConcurrent),
	}, nil
}

// LLM exposes the orchestrator's underlying completion provider.
func (o *Orchestrator) LLM() LLMProvider {
	return o.llm
}

// GetStatus reports the progress of an in-flight request. The second return
// is false once the request has finished and its status entry is gone.
func (o *Orchestrator) GetStatus(taskID string) (ProcessingStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	status, ok := o.processing[taskID]
	if !ok {
		return ProcessingStatus{}, false
	}
	return *status, true
}

// Run executes the full pipeline for one request and returns its trace.
// Only an invalid request is fatal; fetch and provider trouble degrade into
// warnings inside the trace.
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest) (Trace, error) {
	startTime := time.Now()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, span := orchestratorTracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("task.id", req.ID)))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordTask(req, startTime, false, err.Error(), Usage{}, nil)
		return Trace{}, err
	}

	status := &ProcessingStatus{
		TaskID:    req.ID,
		State:     StatePending,
		StartedAt: startTime,
		UpdatedAt: startTime,
	}
	o.mu.Lock()
	o.processing[req.ID] = status
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.processing, req.ID)
		o.mu.Unlock()
	}()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		o.updateStatus(status, StateFailed, "", 0, 0, "cancelled while queued")
		return Trace{}, ctx.Err()
	}

	o.logger.Printf("Starting pipeline for task %s", req.ID)

	route, err := o.router.Route(ctx, req)
	if err != nil {
		// Validate already passed, so this is unreachable in practice; keep
		// the failure path anyway.
		o.updateStatus(status, StateFailed, "", 0, 0, fmt.Sprintf("Routing failed: %v", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordTask(req, startTime, false, err.Error(), Usage{}, nil)
		return Trace{}, fmt.Errorf("routing failed: %w", err)
	}
	span.AddEvent("route.decided", trace.WithAttributes(
		attribute.String("route.roles", joinRoles(route.SelectedRoles)),
		attribute.Float64("route.confidence", route.Confidence),
	))

	ec := NewExecutionContext()
	o.fetchSource(ctx, req, ec, status)

	steps := make([]StepResult, 0, len(route.SelectedRoles))
	var totalUsage Usage
	for i, role := range route.SelectedRoles {
		progress := 0.2 + 0.6*float64(i)/float64(len(route.SelectedRoles))
		o.updateStatus(status, StateRunning, role, i, progress, fmt.Sprintf("Running %s stage", role))

		step, usage := o.runStage(ctx, role, ec, req)
		steps = append(steps, step)
		totalUsage.add(usage)
		o.foldStep(ec, step)
	}

	o.updateStatus(status, StateMerging, "", len(steps), 0.85, "Merging stage outputs")
	_, mergeSpan := orchestratorTracer.Start(ctx, "pipeline.merge")
	final := o.merger.Merge(steps)
	mergeSpan.SetAttributes(
		attribute.Int("merge.output_chars", len(final.FinalOutput)),
		attribute.Bool("merge.truncated", final.Metadata.Truncated),
	)
	mergeSpan.End()
	if final.Metadata.Truncated && o.telemetry != nil {
		o.telemetry.RecordTruncation()
	}

	o.updateStatus(status, StateFormatting, "", len(steps), 0.95, "Assembling trace")
	result := AssembleTrace(req.ID, route, steps, final, ec.Warnings, totalUsage, time.Since(startTime))

	o.updateStatus(status, StateDone, "", len(steps), 1.0, "Pipeline completed")
	o.logger.Printf("Completed pipeline for task %s in %v (%d stages, %d warnings)",
		req.ID, result.Duration, len(steps), len(result.Warnings))
	span.SetAttributes(
		attribute.Int("run.stages", len(steps)),
		attribute.Int64("run.tokens", totalUsage.TokensIn+totalUsage.TokensOut),
		attribute.Float64("run.cost_usd", totalUsage.Cost),
	)
	span.SetStatus(codes.Ok, "completed")

	o.recordTask(req, startTime, true, "", totalUsage, route.SelectedRoles)
	return result, nil
}

// fetchSource resolves the request's source URL into seed text for the
// pipeline. Failure is never fatal: it leaves a warning and the stages work
// from the query alone.
func (o *Orchestrator) fetchSource(ctx context.Context, req TaskRequest, ec *ExecutionContext, status *ProcessingStatus) {
	url := strings.TrimSpace(req.SourceURL)
	if url == "" {
		return
	}

	o.updateStatus(status, StateFetchingSource, "", 0, 0.1, "Fetching source content")
	fetchCtx, fetchSpan := orchestratorTracer.Start(ctx, "pipeline.fetch",
		trace.WithAttributes(attribute.String("fetch.url", url)))
	defer fetchSpan.End()

	if o.config.Fetch.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, o.config.Fetch.Timeout)
		defer cancel()
	}

	text, err := o.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		fetchSpan.RecordError(err)
		fetchSpan.SetStatus(codes.Error, err.Error())
		warning := fmt.Sprintf("fetching %s failed: %v", url, err)
		ec.AddWarning(warning)
		o.logger.Printf("task %s: %s", req.ID, warning)
		if o.telemetry != nil {
			o.telemetry.RecordFetchFailure()
		}
		return
	}

	text = capSourceText(text, o.config.Pipeline.MaxSourceChars)
	ec.SourceText = text
	ec.RunningText = text
	fetchSpan.SetAttributes(attribute.Int("fetch.chars", len(text)))
	fetchSpan.SetStatus(codes.Ok, "fetched")
}

// runStage executes one role with a stage-scoped timeout and reports its
// telemetry event.
func (o *Orchestrator) runStage(ctx context.Context, role RoleId, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	stageCtx, stageSpan := orchestratorTracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage.role", string(role))))
	defer stageSpan.End()

	if o.config.Pipeline.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, o.config.Pipeline.StageTimeout)
		defer cancel()
	}

	stageStart := time.Now()
	step, usage := o.stages.Execute(stageCtx, role, ec, req)
	stageDuration := time.Since(stageStart)

	success := len(step.Warnings) == 0
	if success {
		stageSpan.SetStatus(codes.Ok, "completed")
	} else {
		stageSpan.SetStatus(codes.Error, strings.Join(step.Warnings, "; "))
	}
	stageSpan.SetAttributes(
		attribute.Bool("stage.success", success),
		attribute.Int64("stage.tokens", usage.TokensIn+usage.TokensOut),
	)

	if o.telemetry != nil {
		o.telemetry.RecordStage(telemetry.StageEvent{
			TaskID:    req.ID,
			Role:      string(role),
			Duration:  stageDuration,
			Success:   success,
			Error:     strings.Join(step.Warnings, "; "),
			Cost:      usage.Cost,
			TokensIn:  usage.TokensIn,
			TokensOut: usage.TokensOut,
			ModelUsed: o.stages.model,
		})
	}

	return step, usage
}

// foldStep threads a completed step back into the accumulated context so
// later stages see it.
func (o *Orchestrator) foldStep(ec *ExecutionContext, step StepResult) {
	ec.StageOutputs[step.Role] = step.Content
	if strings.TrimSpace(step.Content) != "" {
		if ec.RunningText != "" {
			ec.RunningText += "\n\n"
		}
		ec.RunningText += fmt.Sprintf("%s output:\n%s", step.Role, step.Content)
	}
	for _, c := range step.Citations {
		ec.AddCitation(c)
	}
	for _, w := range step.Warnings {
		ec.AddWarning(w)
	}
}

func (o *Orchestrator) updateStatus(status *ProcessingStatus, state PipelineState, stage RoleId, idx int, progress float64, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status.State = state
	status.CurrentStage = stage
	status.StageIndex = idx
	status.Progress = progress
	status.Message = msg
	status.UpdatedAt = time.Now()
}

func (o *Orchestrator) recordTask(req TaskRequest, startTime time.Time, success bool, errMsg string, usage Usage, roles []RoleId) {
	if o.telemetry == nil {
		return
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	o.telemetry.RecordTask(telemetry.TaskEvent{
		TaskID:    req.ID,
		Query:     req.Query,
		StartTime: startTime,
		EndTime:   time.Now(),
		Duration:  time.Since(startTime),
		Success:   success,
		Error:     errMsg,
		Cost:      usage.Cost,
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		RolesRun:  names,
	})
}

// capSourceText clamps fetched text to the configured maximum before it
// enters any stage. The cut lands on a rune boundary.
func capSourceText(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	keep := max
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep]
}
