package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RoleId identifies one of the five fixed agent specializations.
type RoleId string

const (
	RoleResearcher RoleId = "researcher"
	RoleSummarizer RoleId = "summarizer"
	RoleWriter     RoleId = "writer"
	RoleCoder      RoleId = "coder"
	RoleAnalyst    RoleId = "analyst"
)

// rolePrecedence is the canonical execution order. Research seeds context for
// everything after it; analysis feeds the narrative stages; code lands last.
var rolePrecedence = []RoleId{RoleResearcher, RoleAnalyst, RoleSummarizer, RoleWriter, RoleCoder}

// AllRoles returns the closed role set in canonical order.
func AllRoles() []RoleId {
	out := make([]RoleId, len(rolePrecedence))
	copy(out, rolePrecedence)
	return out
}

// ValidRole reports whether r is a member of the closed role enumeration.
func ValidRole(r RoleId) bool {
	for _, known := range rolePrecedence {
		if r == known {
			return true
		}
	}
	return false
}

// TaskRequest is a single inbound task. Immutable once accepted.
type TaskRequest struct {
	ID            string `json:"id"`
	Query         string `json:"query"`
	SourceURL     string `json:"source_url,omitempty"`
	DesiredStyle  string `json:"desired_style,omitempty"`
	DesiredLength string `json:"desired_length,omitempty"`
}

// Validate rejects malformed requests before routing. Only an empty query is
// fatal; every other defect degrades downstream.
func (r TaskRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// RouteDecision is the router's verdict: which roles run, in which order,
// and how sure it is. Produced once per request and never mutated.
type RouteDecision struct {
	SelectedRoles []RoleId `json:"selected_agents"`
	Rationale     string   `json:"rationale"`
	Confidence    float64  `json:"confidence"`
}

// ExecutionContext is the mutable accumulator threaded through the pipeline.
// Owned exclusively by the orchestrator for the lifetime of one request.
type ExecutionContext struct {
	// SourceText holds the (capped) text fetched from the request's source
	// URL, empty when no URL was given or the fetch failed.
	SourceText string
	// RunningText accumulates the source text plus each stage's output so
	// later stages see what earlier stages produced.
	RunningText string
	// StageOutputs records each completed stage's content by role.
	StageOutputs map[RoleId]string
	// Citations collects researcher-attributed citations in first-seen order.
	Citations []string
	// Warnings collects every non-fatal degradation, in order.
	Warnings []string
}

// NewExecutionContext returns an empty context for one request.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{StageOutputs: make(map[RoleId]string)}
}

// AddCitation appends c unless it is already present.
func (ec *ExecutionContext) AddCitation(c string) {
	if c == "" {
		return
	}
	for _, existing := range ec.Citations {
		if existing == c {
			return
		}
	}
	ec.Citations = append(ec.Citations, c)
}

// AddWarning records a non-fatal degradation.
func (ec *ExecutionContext) AddWarning(w string) {
	if w == "" {
		return
	}
	ec.Warnings = append(ec.Warnings, w)
}

// StepResult is the immutable output of exactly one agent stage invocation.
type StepResult struct {
	Role      RoleId   `json:"role"`
	Content   string   `json:"content"`
	Citations []string `json:"citations"`
	Warnings  []string `json:"warnings"`
}

// FinalPackage is the merger's terminal artifact.
type FinalPackage struct {
	FinalOutput string        `json:"final_output"`
	Metadata    MergeMetadata `json:"metadata"`
}

// MergeMetadata describes how the final output was assembled.
type MergeMetadata struct {
	Citations   []string `json:"citations,omitempty"`
	Truncated   bool     `json:"truncated"`
	PrimaryRole RoleId   `json:"primary_role,omitempty"`
}

// Trace is the full record of one pipeline run, returned to the caller.
type Trace struct {
	TaskID      string        `json:"task_id"`
	Route       RouteDecision `json:"route"`
	Steps       []StepResult  `json:"steps"`
	FinalOutput string        `json:"final_output"`
	Citations   []string      `json:"citations,omitempty"`
	Truncated   bool          `json:"truncated"`
	Warnings    []string      `json:"warnings,omitempty"`
	TokensIn    int64         `json:"tokens_in"`
	TokensOut   int64         `json:"tokens_out"`
	Cost        float64       `json:"cost"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// PipelineState names the orchestrator's states for one request.
type PipelineState string

const (
	StatePending        PipelineState = "pending"
	StateFetchingSource PipelineState = "fetching_source"
	StateRunning        PipelineState = "running"
	StateMerging        PipelineState = "merging"
	StateFormatting     PipelineState = "formatting"
	StateDone           PipelineState = "done"
	StateFailed         PipelineState = "failed"
)

// ProcessingStatus is the externally observable progress of a request.
type ProcessingStatus struct {
	TaskID       string        `json:"task_id"`
	State        PipelineState `json:"state"`
	CurrentStage RoleId        `json:"current_stage,omitempty"`
	StageIndex   int           `json:"stage_index"`
	Progress     float64       `json:"progress"`
	Message      string        `json:"message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Fetcher supplies extracted plain text for a source URL. Implementations
// live in tools/web_fetch; the pipeline only consumes this capability.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// LLMProvider is the completion capability consumed by the router's
// refinement pass and by every agent stage.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, float64, error)
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) (float64, error)
}

// ModelInfo describes one configured completion model.
type ModelInfo struct {
	Name            string  `json:"name"`
	APIName         string  `json:"api_name"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	CostPer1K       float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// Sentinel errors. Only ErrInvalidRequest is fatal to a pipeline run.
var (
	ErrInvalidRequest = errors.New("invalid request: query must not be empty")
	ErrUnknownModel   = errors.New("unknown model")
)
