package core

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Fixed fallback strings for the researcher when no source text exists.
const (
	noSourceContent = "No source text available to research."
	noSourceWarning = "No source text was provided or could be fetched."
)

// Usage carries token and cost accounting for one provider call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

func (u *Usage) add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.Cost += other.Cost
}

// StageSet executes the five fixed agent roles behind one uniform contract.
// Each role differs only in prompt construction and post-processing; every
// stage makes at most one provider call.
type StageSet struct {
	llm       LLMProvider
	model     string
	maxTokens int
	logger    *log.Logger
}

// NewStageSet builds the stage set around a completion provider and the
// model that serves stage generation.
func NewStageSet(llm LLMProvider, model string) *StageSet {
	return &StageSet{
		llm:       llm,
		model:     model,
		maxTokens: 2000,
		logger:    log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
}

// Execute runs one role against the accumulated context. Provider failures
// never escape: they come back as a fallback StepResult carrying a warning,
// and the pipeline moves on.
func (s *StageSet) Execute(ctx context.Context, role RoleId, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	switch role {
	case RoleResearcher:
		return s.research(ctx, ec, req)
	case RoleSummarizer:
		return s.summarize(ctx, ec, req)
	case RoleWriter:
		return s.write(ctx, ec, req)
	case RoleCoder:
		return s.codegen(ctx, ec, req)
	case RoleAnalyst:
		return s.analyze(ctx, ec, req)
	default:
		// The router rejects unknown roles; this is a safety net, not a path.
		err := fmt.Errorf("unknown role %q", role)
		return fallbackResult(role, err), Usage{}
	}
}

// research extracts key facts and citations from the fetched source text.
// It never fabricates citations: the only citation it may emit is the
// request's own source URL, and only when source text actually arrived.
func (s *StageSet) research(ctx context.Context, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	if strings.TrimSpace(ec.SourceText) == "" {
		return StepResult{
			Role:     RoleResearcher,
			Content:  noSourceContent,
			Warnings: []string{noSourceWarning},
		}, Usage{}
	}

	prompt := fmt.Sprintf(`You are a research assistant. Extract the facts from the source text
that matter for the task below. Quote or closely paraphrase; do not invent
information that is not in the source.

Task: %s

Source text:
%s`, req.Query, ec.SourceText)

	content, usage, err := s.generate(ctx, prompt)
	if err != nil {
		return fallbackResult(RoleResearcher, err), Usage{}
	}

	var citations []string
	if u := strings.TrimSpace(req.SourceURL); u != "" {
		citations = []string{u}
	}
	return StepResult{Role: RoleResearcher, Content: content, Citations: citations}, usage
}

// summarize condenses the accumulated context without adding claims.
func (s *StageSet) summarize(ctx context.Context, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	prompt := fmt.Sprintf(`Summarize the material below for the task. Stay within what the material
says; introduce no new factual claims.

Task: %s

Material:
%s`, req.Query, stageInput(ec, req))

	content, usage, err := s.generate(ctx, prompt)
	if err != nil {
		return fallbackResult(RoleSummarizer, err), Usage{}
	}
	return StepResult{Role: RoleSummarizer, Content: content}, usage
}

// write produces the user-facing prose, honoring the advisory style and
// length hints.
func (s *StageSet) write(ctx context.Context, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	var hints []string
	if instr := styleInstruction(req.DesiredStyle); instr != "" {
		hints = append(hints, instr)
	}
	if instr := lengthInstruction(req.DesiredLength); instr != "" {
		hints = append(hints, instr)
	}
	hintBlock := ""
	if len(hints) > 0 {
		hintBlock = "\n" + strings.Join(hints, " ")
	}

	prompt := fmt.Sprintf(`Write the response the user asked for.%s

Task: %s

Working material:
%s`, hintBlock, req.Query, stageInput(ec, req))

	content, usage, err := s.generate(ctx, prompt)
	if err != nil {
		return fallbackResult(RoleWriter, err), Usage{}
	}
	return StepResult{Role: RoleWriter, Content: content}, usage
}

// codegen produces code plus a short explanation. Output is opaque text;
// nothing here executes it.
func (s *StageSet) codegen(ctx context.Context, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	prompt := fmt.Sprintf(`Solve the programming part of this task. Return the code first, then a
short explanation of how it works.

Task: %s

Context:
%s`, req.Query, stageInput(ec, req))

	content, usage, err := s.generate(ctx, prompt)
	if err != nil {
		return fallbackResult(RoleCoder, err), Usage{}
	}
	return StepResult{Role: RoleCoder, Content: content}, usage
}

// analyze produces structured insight from tabular or metric-bearing input.
func (s *StageSet) analyze(ctx context.Context, ec *ExecutionContext, req TaskRequest) (StepResult, Usage) {
	prompt := fmt.Sprintf(`Analyze the data or metrics relevant to this task. Surface the trends,
outliers and takeaways as short labeled points.

Task: %s

Input:
%s`, req.Query, stageInput(ec, req))

	content, usage, err := s.generate(ctx, prompt)
	if err != nil {
		return fallbackResult(RoleAnalyst, err), Usage{}
	}
	return StepResult{Role: RoleAnalyst, Content: content}, usage
}

func (s *StageSet) generate(ctx context.Context, prompt string) (string, Usage, error) {
	text, in, out, cost, err := s.llm.GenerateWithTokens(ctx, prompt, s.model, map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  s.maxTokens,
	})
	if err != nil {
		return "", Usage{}, err
	}
	return strings.TrimSpace(text), Usage{TokensIn: in, TokensOut: out, Cost: cost}, nil
}

// stageInput is what a stage reads: everything accumulated so far, or the
// bare query when nothing has accumulated yet.
func stageInput(ec *ExecutionContext, req TaskRequest) string {
	if text := strings.TrimSpace(ec.RunningText); text != "" {
		return text
	}
	return req.Query
}

func fallbackResult(role RoleId, err error) StepResult {
	return StepResult{
		Role:     role,
		Content:  fmt.Sprintf("Error in %s: %v", role, err),
		Warnings: []string{fmt.Sprintf("%s failed: %v", role, err)},
	}
}

func styleInstruction(style string) string {
	switch strings.ToLower(strings.TrimSpace(style)) {
	case "concise":
		return "Keep it tight; every sentence earns its place."
	case "technical":
		return "Use precise technical language and name concepts exactly."
	case "friendly":
		return "Use a warm, approachable tone."
	case "executive":
		return "Lead with the takeaway; write for a senior audience."
	default:
		return ""
	}
}

func lengthInstruction(length string) string {
	switch strings.ToLower(strings.TrimSpace(length)) {
	case "short":
		return "A few sentences at most."
	case "medium":
		return "Two or three paragraphs."
	case "long":
		return "A detailed piece with sections."
	default:
		return ""
	}
}
