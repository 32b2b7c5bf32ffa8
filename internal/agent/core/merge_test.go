package core

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMergeEmptyStepsYieldsFallback(t *testing.T) {
	final := NewMerger(0).Merge(nil)
	if final.FinalOutput != MergeEmptyFallback {
		t.Fatalf("final output = %q, want %q", final.FinalOutput, MergeEmptyFallback)
	}
	if final.Metadata.Truncated {
		t.Fatalf("fallback output must not be marked truncated")
	}
}

func TestMergePicksLastNarrativeStage(t *testing.T) {
	steps := []StepResult{
		{Role: RoleResearcher, Content: "facts"},
		{Role: RoleSummarizer, Content: "the summary"},
		{Role: RoleWriter, Content: "the polished draft"},
	}
	final := NewMerger(0).Merge(steps)
	if final.FinalOutput != "the polished draft" {
		t.Fatalf("final output = %q, want the writer's draft", final.FinalOutput)
	}
	if final.Metadata.PrimaryRole != RoleWriter {
		t.Fatalf("primary role = %q, want writer", final.Metadata.PrimaryRole)
	}

	// Order of execution decides: a summarizer running after the writer wins.
	steps = []StepResult{
		{Role: RoleWriter, Content: "the draft"},
		{Role: RoleSummarizer, Content: "the condensed version"},
	}
	final = NewMerger(0).Merge(steps)
	if final.FinalOutput != "the condensed version" {
		t.Fatalf("final output = %q, want the summarizer's text", final.FinalOutput)
	}
}

func TestMergeConcatenatesWhenNoNarrativeRan(t *testing.T) {
	steps := []StepResult{
		{Role: RoleCoder, Content: "func main() {}"},
		{Role: RoleResearcher, Content: "facts"},
	}
	final := NewMerger(0).Merge(steps)

	want := "## researcher\nfacts\n\n## coder\nfunc main() {}"
	if final.FinalOutput != want {
		t.Fatalf("concatenated output = %q, want %q", final.FinalOutput, want)
	}
	if final.Metadata.PrimaryRole != "" {
		t.Fatalf("no primary role expected for concatenation, got %q", final.Metadata.PrimaryRole)
	}
}

func TestMergeKeepsOnlyResearcherCitations(t *testing.T) {
	steps := []StepResult{
		{Role: RoleResearcher, Content: "facts", Citations: []string{"https://a.example", "https://b.example", "https://a.example"}},
		{Role: RoleWriter, Content: "draft", Citations: []string{"https://fabricated.example"}},
	}
	final := NewMerger(0).Merge(steps)

	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(final.Metadata.Citations, want) {
		t.Fatalf("citations = %v, want %v", final.Metadata.Citations, want)
	}
}

func TestMergeClampsOversizedOutput(t *testing.T) {
	long := strings.Repeat("x", 4000)
	final := NewMerger(3000).Merge([]StepResult{{Role: RoleWriter, Content: long}})

	if len(final.FinalOutput) > 3000 {
		t.Fatalf("output length %d exceeds cap", len(final.FinalOutput))
	}
	if !strings.HasSuffix(final.FinalOutput, TruncationMarker) {
		t.Fatalf("clamped output should end with the marker, got %q", final.FinalOutput[len(final.FinalOutput)-30:])
	}
	if !final.Metadata.Truncated {
		t.Fatalf("truncated flag not set")
	}

	short := NewMerger(3000).Merge([]StepResult{{Role: RoleWriter, Content: "short"}})
	if short.Metadata.Truncated {
		t.Fatalf("short output must not be marked truncated")
	}
}

func TestMergeClampLandsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 400)
	final := NewMerger(100).Merge([]StepResult{{Role: RoleWriter, Content: long}})

	if len(final.FinalOutput) > 100 {
		t.Fatalf("output length %d exceeds cap", len(final.FinalOutput))
	}
	if !utf8.ValidString(final.FinalOutput) {
		t.Fatalf("clamp split a rune: %q", final.FinalOutput)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	steps := []StepResult{
		{Role: RoleResearcher, Content: "facts", Citations: []string{"https://a.example"}},
		{Role: RoleAnalyst, Content: strings.Repeat("numbers ", 600)},
		{Role: RoleWriter, Content: strings.Repeat("prose ", 800)},
	}
	merger := NewMerger(3000)

	first := merger.Merge(steps)
	second := merger.Merge(steps)
	if first.FinalOutput != second.FinalOutput {
		t.Fatalf("merge is not deterministic")
	}
	if !reflect.DeepEqual(first.Metadata, second.Metadata) {
		t.Fatalf("merge metadata differs between runs: %+v vs %+v", first.Metadata, second.Metadata)
	}
}
