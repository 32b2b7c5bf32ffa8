package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/taskpilot/taskpilot/internal/agent/telemetry"
)

// FallbackConfidence is reported when the refinement pass is discarded and
// the heuristic route stands on its own.
const FallbackConfidence = 0.5

// roleCue pairs a role with the query substrings that select it. Checked in
// this order; matching is substring containment on the lower-cased query.
type roleCue struct {
	role RoleId
	cues []string
}

var roleCues = []roleCue{
	{RoleSummarizer, []string{"summarize", "summary", "tl;dr", "brief", "overview", "summarise"}},
	{RoleWriter, []string{"write", "draft", "post", "email", "linkedin", "article", "blog", "content"}},
	{RoleCoder, []string{"code", "python", "regex", "error", "stack trace", "function", "script", "program"}},
	{RoleAnalyst, []string{"csv", "table", "kpi", "metrics", "trend", "analyze", "analysis", "insight", "data"}},
}

// Router classifies a task request into an ordered role list plus a
// confidence score and rationale. A deterministic heuristic pass always
// produces a usable route; a model refinement pass may reorder it, adjust
// confidence, or add roles, and is discarded whenever it misbehaves.
type Router struct {
	llm       LLMProvider
	model     string
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewRouter builds a Router. llm may be nil, in which case refinement is
// skipped and every route is purely heuristic.
func NewRouter(llm LLMProvider, model string, tele *telemetry.Telemetry) *Router {
	return &Router{
		llm:       llm,
		model:     model,
		telemetry: tele,
		logger:    log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Route decides which roles run for the request and in what order. It fails
// only on malformed input; provider trouble degrades to the heuristic route.
func (r *Router) Route(ctx context.Context, req TaskRequest) (RouteDecision, error) {
	if err := req.Validate(); err != nil {
		return RouteDecision{}, err
	}

	heuristic := r.heuristicRoute(req)

	refined, err := r.refine(ctx, req, heuristic)
	if err != nil {
		r.logger.Printf("refinement discarded for task %s: %v", req.ID, err)
		if r.telemetry != nil {
			r.telemetry.RecordRouterFallback()
		}
		return heuristic, nil
	}
	return refined, nil
}

// heuristicRoute runs the keyword rules and orders the result canonically.
func (r *Router) heuristicRoute(req TaskRequest) RouteDecision {
	query := strings.ToLower(req.Query)

	selected := make(map[RoleId]bool)
	var matched []string
	if strings.TrimSpace(req.SourceURL) != "" {
		selected[RoleResearcher] = true
		matched = append(matched, "source URL present")
	}
	for _, rc := range roleCues {
		for _, cue := range rc.cues {
			if strings.Contains(query, cue) {
				selected[rc.role] = true
				matched = append(matched, fmt.Sprintf("%q cue for %s", cue, rc.role))
				break
			}
		}
	}
	if len(selected) == 0 {
		selected[RoleWriter] = true
		matched = append(matched, "no cue matched, defaulting to writer")
	}

	roles := make([]RoleId, 0, len(selected))
	for _, role := range rolePrecedence {
		if selected[role] {
			roles = append(roles, role)
		}
	}

	return RouteDecision{
		SelectedRoles: roles,
		Rationale:     "heuristic routing: " + strings.Join(matched, "; "),
		Confidence:    FallbackConfidence,
	}
}

// refinementResponse is the JSON shape the refinement pass must produce.
type refinementResponse struct {
	Agents     []string `json:"agents"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// refine asks the completion provider to confirm or adjust the heuristic
// route. Any provider error, unparseable reply, or empty/invalid role set
// discards the refinement.
func (r *Router) refine(ctx context.Context, req TaskRequest, heuristic RouteDecision) (RouteDecision, error) {
	if r.llm == nil {
		return RouteDecision{}, fmt.Errorf("no completion provider")
	}

	prompt := buildRefinementPrompt(req, heuristic)
	raw, err := r.llm.Generate(ctx, prompt, r.model, map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  500,
	})
	if err != nil {
		return RouteDecision{}, fmt.Errorf("refinement call: %w", err)
	}

	obj, ok := extractFirstJSON(raw)
	if !ok {
		return RouteDecision{}, fmt.Errorf("refinement returned no JSON object")
	}
	var resp refinementResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return RouteDecision{}, fmt.Errorf("parsing refinement: %w", err)
	}

	roles := make([]RoleId, 0, len(resp.Agents))
	seen := make(map[RoleId]bool)
	for _, name := range resp.Agents {
		role := RoleId(strings.ToLower(strings.TrimSpace(name)))
		if !ValidRole(role) {
			// Unknown roles are dropped silently, never surfaced.
			continue
		}
		if seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return RouteDecision{}, fmt.Errorf("refinement selected no valid roles")
	}

	// A request with a source URL always researches first, whatever the
	// refinement said.
	if strings.TrimSpace(req.SourceURL) != "" && !seen[RoleResearcher] {
		roles = append([]RoleId{RoleResearcher}, roles...)
	}

	rationale := strings.TrimSpace(resp.Rationale)
	if rationale == "" {
		rationale = "refined route confirmed by model"
	}

	return RouteDecision{
		SelectedRoles: roles,
		Rationale:     rationale,
		Confidence:    clamp01(resp.Confidence),
	}, nil
}

func buildRefinementPrompt(req TaskRequest, heuristic RouteDecision) string {
	available := make([]string, 0, len(rolePrecedence))
	for _, role := range rolePrecedence {
		available = append(available, string(role))
	}
	return fmt.Sprintf(`You route user tasks to specialist agents.

Available agents: %s.
A keyword pass proposed this execution order: %s.
User task: %q
Source URL provided: %t

Reply with a single JSON object and nothing else:
{"agents": ["agent", ...], "confidence": <0.0-1.0>, "rationale": "<one sentence>"}

List agents in the order they should run. Use only available agents. Keep
agents that clearly match the task and drop ones that do not.`,
		strings.Join(available, ", "),
		joinRoles(heuristic.SelectedRoles),
		req.Query,
		strings.TrimSpace(req.SourceURL) != "")
}

func joinRoles(roles []RoleId) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = string(role)
	}
	return strings.Join(parts, ", ")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
