package server

import (
	"context"
	"log"

	"github.com/taskpilot/taskpilot/internal/agent/core"
	"github.com/taskpilot/taskpilot/internal/store"
)

// taskRecordFromTrace flattens a finished trace into its storage rows.
func taskRecordFromTrace(req core.TaskRequest, userID string, trace core.Trace) (store.TaskRecord, []store.StepRecord) {
	roles := make([]string, len(trace.Route.SelectedRoles))
	for i, r := range trace.Route.SelectedRoles {
		roles[i] = string(r)
	}
	rec := store.TaskRecord{
		ID:          trace.TaskID,
		UserID:      userID,
		Query:       req.Query,
		SourceURL:   req.SourceURL,
		Roles:       roles,
		Rationale:   trace.Route.Rationale,
		Confidence:  trace.Route.Confidence,
		FinalOutput: trace.FinalOutput,
		Citations:   trace.Citations,
		Truncated:   trace.Truncated,
		Warnings:    trace.Warnings,
		TokensIn:    trace.TokensIn,
		TokensOut:   trace.TokensOut,
		Cost:        trace.Cost,
		DurationMS:  trace.Duration.Milliseconds(),
		CreatedAt:   trace.CreatedAt,
	}
	steps := make([]store.StepRecord, len(trace.Steps))
	for i, s := range trace.Steps {
		steps[i] = store.StepRecord{
			TaskID:    trace.TaskID,
			Position:  i,
			Role:      string(s.Role),
			Content:   s.Content,
			Citations: s.Citations,
			Warnings:  s.Warnings,
		}
	}
	return rec, steps
}

// persistTrace stores, caches and indexes a finished task. Failures are
// logged and swallowed: the trace already went back to the caller, losing
// the record must not fail the request.
func persistTrace(ctx context.Context, logger *log.Logger, st *store.Store, cache *store.TaskCache, idx *store.SearchIndex, userID string, req core.TaskRequest, trace core.Trace) {
	if logger == nil {
		logger = log.Default()
	}
	rec, steps := taskRecordFromTrace(req, userID, trace)
	if st != nil {
		if err := st.SaveTask(ctx, rec, steps); err != nil {
			logger.Printf("saving task %s: %v", rec.ID, err)
		}
	}
	if cache != nil {
		if err := cache.PutTask(ctx, rec); err != nil {
			logger.Printf("caching task %s: %v", rec.ID, err)
		}
	}
	if idx != nil {
		doc := store.SearchDoc{ID: rec.ID, Query: rec.Query, FinalOutput: rec.FinalOutput, Roles: rec.Roles}
		if err := idx.IndexTask(doc); err != nil {
			logger.Printf("indexing task %s: %v", rec.ID, err)
		}
	}
}
