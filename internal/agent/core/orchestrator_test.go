package core

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/agent/telemetry"
)

type stubFetcher struct {
	text    string
	err     error
	lastURL string
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.lastURL = url
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			MaxOutputChars: 3000,
			MaxSourceChars: 50000,
			MaxConcurrent:  2,
			StageTimeout:   time.Minute,
		},
		Fetch: config.FetchConfig{Timeout: 5 * time.Second},
	}
}

// newTestOrchestrator wires an orchestrator with injected stubs. The router
// gets no provider, so routing is purely heuristic and deterministic.
func newTestOrchestrator(llm LLMProvider, fetcher Fetcher, cfg *config.Config) *Orchestrator {
	if cfg == nil {
		cfg = testConfig()
	}
	return &Orchestrator{
		config:     cfg,
		logger:     log.New(io.Discard, "", 0),
		telemetry:  telemetry.NewTelemetry(config.TelemetryConfig{}),
		router:     NewRouter(nil, "stub", nil),
		stages:     NewStageSet(llm, "stub"),
		merger:     NewMerger(cfg.Pipeline.MaxOutputChars),
		fetcher:    fetcher,
		llm:        llm,
		processing: make(map[string]*ProcessingStatus),
		semaphore:  make(chan struct{}, 2),
	}
}

func TestRunStepsFollowRoute(t *testing.T) {
	llm := &scriptedLLM{response: "stage output"}
	fetcher := &stubFetcher{text: "Article body text."}
	orch := newTestOrchestrator(llm, fetcher, nil)

	req := TaskRequest{
		Query:     "Read this article and write a LinkedIn post about it",
		SourceURL: "https://example.com/article",
	}
	result, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Steps) != len(result.Route.SelectedRoles) {
		t.Fatalf("steps (%d) must match selected roles (%d)", len(result.Steps), len(result.Route.SelectedRoles))
	}
	for i, step := range result.Steps {
		if step.Role != result.Route.SelectedRoles[i] {
			t.Fatalf("step %d role %q, route says %q", i, step.Role, result.Route.SelectedRoles[i])
		}
	}
	if result.Steps[0].Role != RoleResearcher {
		t.Fatalf("researcher must run first when a source URL is present, got %v", result.Steps[0].Role)
	}
	if fetcher.lastURL != req.SourceURL {
		t.Fatalf("fetched %q, want %q", fetcher.lastURL, req.SourceURL)
	}
	if len(result.Citations) != 1 || result.Citations[0] != req.SourceURL {
		t.Fatalf("citations = %v, want the source URL", result.Citations)
	}
	if result.FinalOutput != "stage output" {
		t.Fatalf("final output = %q, want the writer's text", result.FinalOutput)
	}
	if result.CreatedAt.IsZero() {
		t.Fatalf("trace must carry a creation time")
	}
}

func TestRunFetchFailureIsNonFatal(t *testing.T) {
	llm := &scriptedLLM{response: "final draft"}
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	orch := newTestOrchestrator(llm, fetcher, nil)

	req := TaskRequest{
		Query:     "write a post about this",
		SourceURL: "https://unreachable.example/page",
	}
	result, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failure must not fail the run: %v", err)
	}

	if len(result.Warnings) != 2 {
		t.Fatalf("warnings = %v, want fetch warning plus researcher warning", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "fetching") {
		t.Fatalf("first warning should describe the fetch failure, got %q", result.Warnings[0])
	}
	if result.Warnings[1] != noSourceWarning {
		t.Fatalf("second warning = %q, want %q", result.Warnings[1], noSourceWarning)
	}
	if result.Steps[0].Content != noSourceContent {
		t.Fatalf("researcher content = %q, want the no-source fallback", result.Steps[0].Content)
	}
	if len(result.Citations) != 0 {
		t.Fatalf("no citations expected after a failed fetch, got %v", result.Citations)
	}
	if result.FinalOutput != "final draft" {
		t.Fatalf("final output = %q, want the writer's draft", result.FinalOutput)
	}
}

func TestRunAssignsTaskID(t *testing.T) {
	orch := newTestOrchestrator(&scriptedLLM{response: "ok"}, &stubFetcher{}, nil)

	result, err := orch.Run(context.Background(), TaskRequest{Query: "hello there"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TaskID == "" {
		t.Fatalf("expected a generated task ID")
	}
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	orch := newTestOrchestrator(&scriptedLLM{response: "ok"}, &stubFetcher{}, nil)

	_, err := orch.Run(context.Background(), TaskRequest{Query: "  "})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestRunDefaultsToWriter(t *testing.T) {
	llm := &scriptedLLM{response: "ok"}
	orch := newTestOrchestrator(llm, &stubFetcher{}, nil)

	result, err := orch.Run(context.Background(), TaskRequest{Query: "hello there"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Role != RoleWriter {
		t.Fatalf("steps = %+v, want a single writer stage", result.Steps)
	}
	if result.Route.Confidence != FallbackConfidence {
		t.Fatalf("confidence = %v, want heuristic fallback", result.Route.Confidence)
	}
}

func TestRunCapsFetchedSource(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxSourceChars = 10

	llm := &scriptedLLM{response: "ok"}
	fetcher := &stubFetcher{text: "0123456789ABCDEFGHIJ"}
	orch := newTestOrchestrator(llm, fetcher, cfg)

	req := TaskRequest{Query: "summarize this page", SourceURL: "https://example.com/long"}
	if _, err := orch.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	researcherPrompt := llm.prompts[0]
	if !strings.Contains(researcherPrompt, "0123456789") {
		t.Fatalf("researcher prompt missing capped source:\n%s", researcherPrompt)
	}
	if strings.Contains(researcherPrompt, "ABCDEFGHIJ") {
		t.Fatalf("source text was not capped:\n%s", researcherPrompt)
	}
}

func TestRunClampsFinalOutput(t *testing.T) {
	llm := &scriptedLLM{response: strings.Repeat("y", 4000)}
	orch := newTestOrchestrator(llm, &stubFetcher{}, nil)

	result, err := orch.Run(context.Background(), TaskRequest{Query: "write something enormous"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.FinalOutput) > 3000 {
		t.Fatalf("final output length %d exceeds cap", len(result.FinalOutput))
	}
	if !result.Truncated {
		t.Fatalf("truncated flag not set")
	}
	if !strings.HasSuffix(result.FinalOutput, TruncationMarker) {
		t.Fatalf("clamped output should end with the marker")
	}
}

func TestRunAccumulatesUsage(t *testing.T) {
	llm := &scriptedLLM{response: "ok", tokensIn: 10, tokensOut: 5, cost: 0.01}
	fetcher := &stubFetcher{text: "Body."}
	orch := newTestOrchestrator(llm, fetcher, nil)

	req := TaskRequest{Query: "summarize this page", SourceURL: "https://example.com/a"}
	result, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// researcher + summarizer, one provider call each
	if result.TokensIn != 20 || result.TokensOut != 10 {
		t.Fatalf("tokens = %d/%d, want 20/10", result.TokensIn, result.TokensOut)
	}
	if math.Abs(result.Cost-0.02) > 1e-9 {
		t.Fatalf("cost = %v, want 0.02", result.Cost)
	}
}

func TestRunStatusLifecycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	llm := &gateLLM{started: started, release: release}
	orch := newTestOrchestrator(llm, &stubFetcher{}, nil)

	req := TaskRequest{ID: "task-1", Query: "hello there"}
	done := make(chan Trace, 1)
	go func() {
		result, err := orch.Run(context.Background(), req)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	<-started
	status, ok := orch.GetStatus("task-1")
	if !ok {
		t.Fatalf("expected in-flight status")
	}
	if status.State != StateRunning {
		t.Fatalf("state = %q, want %q", status.State, StateRunning)
	}
	if status.CurrentStage != RoleWriter {
		t.Fatalf("current stage = %q, want writer", status.CurrentStage)
	}
	close(release)

	result := <-done
	if result.FinalOutput != "gated output" {
		t.Fatalf("final output = %q", result.FinalOutput)
	}
	if _, ok := orch.GetStatus("task-1"); ok {
		t.Fatalf("status must be cleared once the run finishes")
	}
}

func TestRunCancelledWhileQueued(t *testing.T) {
	orch := newTestOrchestrator(&scriptedLLM{response: "ok"}, &stubFetcher{}, nil)

	// Occupy every pipeline slot so the next run has to queue.
	orch.semaphore <- struct{}{}
	orch.semaphore <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Run(ctx, TaskRequest{Query: "hello there"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// gateLLM blocks inside the provider call until released, so tests can
// observe mid-run state.
type gateLLM struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateLLM) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	text, _, _, _, err := g.GenerateWithTokens(ctx, prompt, model, options)
	return text, err
}

func (g *gateLLM) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, float64, error) {
	g.started <- struct{}{}
	<-g.release
	return "gated output", 0, 0, 0, nil
}

func (g *gateLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model}, nil
}

func (g *gateLLM) CalculateCost(inputTokens, outputTokens int64, model string) (float64, error) {
	return 0, nil
}
