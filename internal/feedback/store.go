// Package feedback is the narrow write path that attaches human corrections
// to a completed run. It never touches the audit record: a feedback event is
// additive, keyed by run id, and a run may accrue any number of them.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	talonotel "github.com/dativo-io/talon-legal/internal/otel"
)

var tracer = talonotel.Tracer("github.com/dativo-io/talon-legal/internal/feedback")

// ErrRunNotTerminated is returned by Attach when the referenced run has not
// reached a terminal status. A feedback event may only attach to a
// terminated run.
var ErrRunNotTerminated = errors.New("feedback: run is not terminated")

// ErrRunNotFound is returned by Attach when the referenced run id is unknown
// to the status checker.
var ErrRunNotFound = errors.New("feedback: run not found")

// RunStatusChecker answers whether a run id exists and, if so, whether it
// has reached a terminal status. The feedback store depends on this
// interface rather than importing the graph executor directly, so the two
// packages stay decoupled: the executor owns run state, feedback only reads
// a yes/no answer at attach time.
type RunStatusChecker interface {
	IsTerminated(ctx context.Context, runID string) (exists bool, terminated bool, err error)
}

// ErrorSpan is one correction hint over an offset range in the run's output.
type ErrorSpan struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Label      string `json:"label"`
	Correction string `json:"correction,omitempty"`
}

// MissingSourceHint flags a citation the rater expected but the run did not
// consume.
type MissingSourceHint struct {
	Citation  string  `json:"citation"`
	Tag       string  `json:"tag,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// Event is one immutable feedback event attached to a run.
type Event struct {
	ID            string              `json:"id"`
	RunID         string              `json:"run_id"`
	RaterID       string              `json:"rater_id,omitempty"`
	Rating        int                 `json:"rating"` // one of -1, 0, +1
	Comment       string              `json:"comment,omitempty"`
	ErrorSpans    []ErrorSpan         `json:"error_spans,omitempty"`
	MissingSource []MissingSourceHint `json:"missing_source_hints,omitempty"`
	EditedText    string              `json:"edited_text,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
}

// Validate rejects an event shape the data model forbids before it ever
// reaches the database.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return errors.New("feedback: run id is required")
	}
	if e.Rating < -1 || e.Rating > 1 {
		return fmt.Errorf("feedback: rating %d out of range [-1, 1]", e.Rating)
	}
	for _, span := range e.ErrorSpans {
		if span.End < span.Start {
			return fmt.Errorf("feedback: error span end %d precedes start %d", span.End, span.Start)
		}
	}
	return nil
}

// Summary aggregates every event attached to a run.
type Summary struct {
	RunID           string         `json:"run_id"`
	EventCount      int            `json:"event_count"`
	MeanRating      float64        `json:"mean_rating"`
	TotalErrorSpans int            `json:"total_error_spans"`
	DistinctMissing []string       `json:"distinct_missing_source_hints"`
	TagCounts       map[string]int `json:"tag_counts"`
}

// Store persists feedback events in SQLite, one row per event, indexed by
// run id — mirroring the constructor-creates-schema, context-traced CRUD
// shape of the evidence and memory stores.
type Store struct {
	db      *sql.DB
	checker RunStatusChecker
}

const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    event_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_events_run ON feedback_events(run_id);
`

// NewStore opens (creating if absent) the feedback database at dbPath.
// checker is consulted by Attach to enforce invariant (iii): a feedback
// event may only attach to a terminated run.
func NewStore(dbPath string, checker RunStatusChecker) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("feedback: opening database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("feedback: creating schema: %w", err)
	}

	return &Store{db: db, checker: checker}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Attach validates the run exists and is terminated, then writes ev as a
// new, additive feedback event. It never reads or modifies the audit
// record.
func (s *Store) Attach(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "feedback.attach",
		trace.WithAttributes(
			attribute.String("feedback.id", ev.ID),
			attribute.String("run_id", ev.RunID),
		))
	defer span.End()

	if err := ev.Validate(); err != nil {
		return err
	}

	exists, terminated, err := s.checker.IsTerminated(ctx, ev.RunID)
	if err != nil {
		return fmt.Errorf("feedback: checking run status: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, ev.RunID)
	}
	if !terminated {
		return fmt.Errorf("%w: %s", ErrRunNotTerminated, ev.RunID)
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feedback: marshaling event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_events (id, run_id, event_json) VALUES (?, ?, ?)`,
		ev.ID, ev.RunID, string(eventJSON))
	if err != nil {
		return fmt.Errorf("feedback: storing event: %w", err)
	}

	return nil
}

// ListByRun returns every feedback event attached to runID, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "feedback.list_by_run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_json FROM feedback_events WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("feedback: querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("feedback: scanning event row: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("feedback: unmarshaling event: %w", err)
		}
		events = append(events, ev)
	}
	span.SetAttributes(attribute.Int("feedback.event_count", len(events)))
	return events, rows.Err()
}

// Summarize aggregates every event attached to runID: mean rating, total
// error spans, distinct missing-source hints, and the tag multiset. This is
// plain Go over the rows — no aggregation library pulls its weight for a
// handful of scalar reductions over an already-small, already-indexed slice.
func (s *Store) Summarize(ctx context.Context, runID string) (*Summary, error) {
	events, err := s.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:     runID,
		TagCounts: make(map[string]int),
	}
	if len(events) == 0 {
		return summary, nil
	}

	seenMissing := make(map[string]bool)
	var ratingSum int
	for _, ev := range events {
		ratingSum += ev.Rating
		summary.TotalErrorSpans += len(ev.ErrorSpans)
		for _, hint := range ev.MissingSource {
			if !seenMissing[hint.Citation] {
				seenMissing[hint.Citation] = true
				summary.DistinctMissing = append(summary.DistinctMissing, hint.Citation)
			}
		}
		for _, tag := range ev.Tags {
			summary.TagCounts[tag]++
		}
	}

	summary.EventCount = len(events)
	summary.MeanRating = float64(ratingSum) / float64(len(events))
	return summary, nil
}
