package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dativo-io/talon-legal/internal/graph"
)

// ConsumedSource is one external source the run's retrieval record ranked,
// as spec.md §6's run response requires (final rank and fused score, not
// just the id).
type ConsumedSource struct {
	SourceID   string  `json:"source_id"`
	Rank       int     `json:"rank"`
	FusedScore float64 `json:"fused_score"`
	Origin     string  `json:"origin"`
}

// ContextSummary mirrors the retrieval record's shape, trimmed to what
// spec.md §6's run response exposes to a caller.
type ContextSummary struct {
	Total                  int  `json:"total"`
	InternalCount          int  `json:"internal_count"`
	ExternalCount          int  `json:"external_count"`
	PersonalisationApplied bool `json:"personalisation_applied"`
}

// RunResult is an immutable snapshot of a terminated run. graph.RunState's
// own package doc reserves its live fields to the executor goroutine that
// owns them; a handler or status checker that read *graph.RunState directly
// while the pool's worker goroutine was still writing it would race. The
// registry only ever stores a copy taken after graph.Pool.Submit returns,
// once the run's done channel has closed and the happens-before edge makes
// the read safe.
type RunResult struct {
	RunID          string
	TenantID       string
	Status         graph.Status
	ErrorKind      string
	ErrorCause     string
	FinalText      string
	DocumentType   string
	ContextSummary ContextSummary
	ExternalSources []ConsumedSource
	WallClock      time.Duration
	CompletedAt    time.Time
}

// snapshotRunResult copies the fields a client may observe out of a
// terminated run's state. Called exactly once, immediately after
// graph.Pool.Submit returns for that run.
func snapshotRunResult(state *graph.RunState) *RunResult {
	kind, cause := splitFailureCause(state.FailureCause)

	sources := make([]ConsumedSource, 0)
	var summary ContextSummary
	if state.RetrievalRecord != nil {
		rec := state.RetrievalRecord
		summary = ContextSummary{
			Total:                  rec.TotalCount,
			InternalCount:          rec.InternalCount,
			ExternalCount:          rec.ExternalCount,
			PersonalisationApplied: rec.PersonalisationUsed,
		}
		for i, hit := range rec.Hits {
			sources = append(sources, ConsumedSource{
				SourceID:   hit.SourceID,
				Rank:       i + 1,
				FusedScore: hit.FusedScore,
				Origin:     hit.Origin,
			})
		}
	}

	finalText := state.Working.FormatterOutput
	if finalText == "" {
		finalText = state.Working.DraftText
	}

	return &RunResult{
		RunID:           state.RunID,
		TenantID:        state.TenantID,
		Status:          state.Status,
		ErrorKind:       kind,
		ErrorCause:      cause,
		FinalText:       finalText,
		DocumentType:    state.DocumentType,
		ContextSummary:  summary,
		ExternalSources: sources,
		WallClock:       state.Consumption.Elapsed(),
		CompletedAt:     time.Now(),
	}
}

// splitFailureCause parses graph.RunError.Error()'s "kind:rule" or
// "kind: cause" rendering back into its two parts. FailureCause is a plain
// string on RunState (the executor never exposes the *RunError itself), so
// this is the only place that needs to know its format.
func splitFailureCause(cause string) (kind, detail string) {
	if cause == "" {
		return "", ""
	}
	if idx := strings.IndexAny(cause, ":"); idx >= 0 {
		return cause[:idx], strings.TrimSpace(cause[idx+1:])
	}
	return cause, ""
}

// RunRegistry holds the terminal snapshot of every run this process has
// completed, keyed by run id. It backs GET /v1/runs/{id} and implements
// feedback.RunStatusChecker so internal/feedback can validate that a run
// exists and finished before accepting feedback against it.
//
// The teacher's own server wiring referenced an agent.ActiveRunTracker type
// that tracked in-flight runs, but no such type was ever defined anywhere in
// that codebase — grepping it turns up only the two call sites, never a
// struct or constructor. This registry replaces that gap outright rather
// than adapting a definition that never existed, and narrows its job to
// terminal snapshots only, which is all the graph executor's ownership
// model permits a handler to read safely.
type RunRegistry struct {
	mu      sync.RWMutex
	results map[string]*RunResult
}

// NewRunRegistry returns an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{results: make(map[string]*RunResult)}
}

// Put records a run's terminal snapshot, overwriting any previous entry for
// the same run id.
func (r *RunRegistry) Put(result *RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.RunID] = result
}

// Get returns the stored snapshot for a run id, or false if none exists.
func (r *RunRegistry) Get(runID string) (*RunResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.results[runID]
	return result, ok
}

// IsTerminated implements feedback.RunStatusChecker. Every entry in the
// registry is, by construction, already terminal (Put is only ever called
// from the post-Submit snapshot path), so exists and terminated coincide.
func (r *RunRegistry) IsTerminated(_ context.Context, runID string) (exists bool, terminated bool, err error) {
	_, ok := r.Get(runID)
	return ok, ok, nil
}
