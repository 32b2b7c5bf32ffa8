package core

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxOutputChars caps the merged final output.
	DefaultMaxOutputChars = 3000
	// TruncationMarker is appended when the length guardrail clamps output.
	TruncationMarker = "... [truncated]"
	// MergeEmptyFallback is returned when there are no steps to merge.
	MergeEmptyFallback = "No agent results to merge."
)

// Merger reconciles the stage outputs into one final answer while enforcing
// the citation and length guardrails. It is a pure function of its input:
// merging the same steps twice yields byte-identical output.
type Merger struct {
	maxOutputChars int
}

// NewMerger builds a Merger with the given output cap (0 means the default).
func NewMerger(maxOutputChars int) *Merger {
	if maxOutputChars <= 0 {
		maxOutputChars = DefaultMaxOutputChars
	}
	return &Merger{maxOutputChars: maxOutputChars}
}

// Merge assembles the final package. It always succeeds.
//
// Selection: when at least one narrative stage (writer or summarizer) ran,
// the last one's content is the final text. Otherwise every stage's output
// is concatenated with labeled separators in canonical precedence order.
// Citations survive only from researcher steps. Output exceeding the cap is
// clamped from the end with a marker; a clamp is not an error.
func (m *Merger) Merge(steps []StepResult) FinalPackage {
	if len(steps) == 0 {
		return FinalPackage{FinalOutput: MergeEmptyFallback}
	}

	var (
		text    string
		primary RoleId
	)
	if idx := lastNarrativeIndex(steps); idx >= 0 {
		text = steps[idx].Content
		primary = steps[idx].Role
	} else {
		text = concatLabeled(steps)
	}

	text, truncated := clampText(text, m.maxOutputChars)

	return FinalPackage{
		FinalOutput: text,
		Metadata: MergeMetadata{
			Citations:   researcherCitations(steps),
			Truncated:   truncated,
			PrimaryRole: primary,
		},
	}
}

// lastNarrativeIndex finds the last writer or summarizer step, -1 if none.
func lastNarrativeIndex(steps []StepResult) int {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Role == RoleWriter || steps[i].Role == RoleSummarizer {
			return i
		}
	}
	return -1
}

// concatLabeled joins stage outputs under role headers, ordered by the
// canonical role precedence so the result is stable however the stages ran.
func concatLabeled(steps []StepResult) string {
	var sections []string
	for _, role := range rolePrecedence {
		for _, step := range steps {
			if step.Role == role {
				sections = append(sections, fmt.Sprintf("## %s\n%s", step.Role, step.Content))
			}
		}
	}
	// Roles outside the precedence table cannot reach the merger, but a
	// defect upstream should not silently drop content.
	for _, step := range steps {
		if !ValidRole(step.Role) {
			sections = append(sections, fmt.Sprintf("## %s\n%s", step.Role, step.Content))
		}
	}
	return strings.Join(sections, "\n\n")
}

// researcherCitations keeps only researcher-attributed citations, first-seen
// order, deduplicated.
func researcherCitations(steps []StepResult) []string {
	var out []string
	seen := make(map[string]bool)
	for _, step := range steps {
		if step.Role != RoleResearcher {
			continue
		}
		for _, c := range step.Citations {
			c = strings.TrimSpace(c)
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// clampText truncates s from the end so that, marker included, the result
// never exceeds max characters. Truncation lands on a rune boundary.
func clampText(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	keep := max - len(TruncationMarker)
	if keep <= 0 {
		return TruncationMarker[:max], true
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + TruncationMarker, true
}
