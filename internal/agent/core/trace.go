package core

import "time"

// AssembleTrace composes the terminal record of one pipeline run. Pure
// composition: it invents nothing, it only flattens what the run produced.
func AssembleTrace(taskID string, route RouteDecision, steps []StepResult, final FinalPackage, warnings []string, usage Usage, duration time.Duration) Trace {
	stepsCopy := make([]StepResult, len(steps))
	copy(stepsCopy, steps)

	var warningsCopy []string
	if len(warnings) > 0 {
		warningsCopy = make([]string, len(warnings))
		copy(warningsCopy, warnings)
	}

	var citations []string
	if len(final.Metadata.Citations) > 0 {
		citations = make([]string, len(final.Metadata.Citations))
		copy(citations, final.Metadata.Citations)
	}

	return Trace{
		TaskID:      taskID,
		Route:       route,
		Steps:       stepsCopy,
		FinalOutput: final.FinalOutput,
		Citations:   citations,
		Truncated:   final.Metadata.Truncated,
		Warnings:    warningsCopy,
		TokensIn:    usage.TokensIn,
		TokensOut:   usage.TokensOut,
		Cost:        usage.Cost,
		Duration:    duration,
		CreatedAt:   time.Now().UTC(),
	}
}
