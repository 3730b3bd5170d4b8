package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/talon-legal/internal/classifier"
	talonotel "github.com/dativo-io/talon-legal/internal/otel"
	"github.com/dativo-io/talon-legal/internal/retrieval"
)

var tracer = talonotel.Tracer("github.com/dativo-io/talon-legal/internal/graph")

// TurnRunner executes a single agent turn: assemble prompt, call the model,
// parse structured output, write the result into state, and return its turn
// record. Implemented by internal/agent's generalised runtime (C4); kept as
// an interface here so the executor can be tested without a live model
// provider.
type TurnRunner interface {
	RunTurn(ctx context.Context, agent AgentKind, state *RunState) (TurnRecord, error)
}

// Retriever wraps the federated retrieval subsystem (C2), as the researcher
// agent's "invokes retrieve" step in spec.md §4.5's routing table.
type Retriever interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Record, error)
}

// AuditSealer writes the terminal audit record (C6). A failure to seal
// transitions the run to StatusFailed even when generation itself succeeded
// — no document is returned without a sealed record.
type AuditSealer interface {
	Seal(ctx context.Context, state *RunState) error
}

// Executor is the dynamic graph executor (C5): it holds one run's state,
// decides the next hop after every turn, and drives the run to termination.
type Executor struct {
	turns       TurnRunner
	retriever   Retriever
	checkpoints *CheckpointEvaluator
	audit       AuditSealer
	redactor    *classifier.Scanner
}

// NewExecutor wires the executor's four collaborators. redactor may be nil,
// in which case an ActionRedact vote is logged but not acted on.
func NewExecutor(turns TurnRunner, retriever Retriever, checkpoints *CheckpointEvaluator, audit AuditSealer, redactor *classifier.Scanner) *Executor {
	return &Executor{turns: turns, retriever: retriever, checkpoints: checkpoints, audit: audit, redactor: redactor}
}

// redact applies the run's configured PII strategy to whatever text the
// checkpoint voted ActionRedact over, and writes the result back into the
// field the vote inspected. It never fails the run: a redaction miss is
// already logged by the checkpoint's PII report, so falling back to the
// unredacted text here would only duplicate that signal, not add one.
func (e *Executor) redact(ctx context.Context, state *RunState, cp Checkpoint) {
	if e.redactor == nil {
		return
	}
	strategy := state.ConfigBundle.PIIStrategy

	switch cp {
	case CheckpointBeforeModelCall:
		if state.Working.ResearchNotes != "" {
			state.Working.ResearchNotes = e.redactor.RedactWithStrategy(ctx, state.Working.ResearchNotes, strategy).Redacted
		}
	case CheckpointBeforeEmit, CheckpointOnExport:
		if state.Working.FormatterOutput != "" {
			state.Working.FormatterOutput = e.redactor.RedactWithStrategy(ctx, state.Working.FormatterOutput, strategy).Redacted
		} else if state.Working.DraftText != "" {
			state.Working.DraftText = e.redactor.RedactWithStrategy(ctx, state.Working.DraftText, strategy).Redacted
		}
	}
}

// Run drives state from StatusPending to a terminal status, applying the
// routing table, the three budgets, and the policy checkpoints on every
// iteration. It always returns nil; the outcome is recorded on state.Status
// and state.FailureCause — callers inspect the state, not an error return,
// because even a "failed" run still must seal an audit record.
func (e *Executor) Run(ctx context.Context, state *RunState) {
	ctx, span := tracer.Start(ctx, "graph.run",
		trace.WithAttributes(
			attribute.String("run_id", state.RunID),
			attribute.String("tenant_id", state.TenantID),
		))
	defer span.End()

	state.Status = StatusRunning
	state.Consumption.StartedAt = time.Now()

	if decision, err := e.checkpoints.Evaluate(ctx, CheckpointOnIngest, state); err != nil {
		e.terminate(ctx, state, StatusFailed, err.Error())
		return
	} else if decision.Deny() {
		e.terminate(ctx, state, StatusFailed, PolicyDenied(CheckpointOnIngest.ruleSummary(decision)).Error())
		return
	}
	// A redact-then-continue vote here is a no-op: C1's scanner already
	// redacted state.Query before the executor was invoked.

	for {
		if state.Cancelled {
			e.terminate(ctx, state, StatusCancelled, Cancelled().Error())
			return
		}

		if breach := e.budgetBreach(state); breach != "" {
			e.onBudgetExhausted(ctx, state, breach)
			return
		}

		next := route(state)
		if next == "" {
			e.terminate(ctx, state, StatusSucceeded, "")
			return
		}

		if next == AgentResearcher {
			if decision, err := e.checkpoints.Evaluate(ctx, CheckpointBeforeRetrieval, state); err != nil {
				e.terminate(ctx, state, StatusFailed, err.Error())
				return
			} else if decision.Deny() {
				e.terminate(ctx, state, StatusFailed, PolicyDenied(CheckpointBeforeRetrieval.ruleSummary(decision)).Error())
				return
			}
			if err := e.runRetrieval(ctx, state); err != nil {
				log.Warn().Err(err).Str("run_id", state.RunID).Msg("retrieval_leg_failed")
			}
			// The researcher turn still runs below so its findings land in
			// the trace even if retrieval came back empty.
		}

		if decision, err := e.checkpoints.Evaluate(ctx, CheckpointBeforeModelCall, state); err != nil {
			e.terminate(ctx, state, StatusFailed, err.Error())
			return
		} else if decision.Deny() {
			e.terminate(ctx, state, StatusFailed, PolicyDenied(CheckpointBeforeModelCall.ruleSummary(decision)).Error())
			return
		} else if decision.Action == ActionRequireHumanReview {
			e.terminate(ctx, state, StatusFailed, HumanReviewRequired().Error())
			return
		} else if decision.Action == ActionRedact {
			e.redact(ctx, state, CheckpointBeforeModelCall)
		}

		state.Status = StatusAwaitingModel
		record, err := e.turns.RunTurn(ctx, next, state)
		state.Status = StatusRunning
		state.Trace = append(state.Trace, record)
		state.Consumption.Iterations++
		state.Consumption.CostEUR += record.CostEUR

		if err != nil {
			e.terminate(ctx, state, StatusFailed, ModelFailure(err).Error())
			return
		}

		if next == AgentFormatter {
			if decision, err := e.checkpoints.Evaluate(ctx, CheckpointBeforeEmit, state); err != nil {
				e.terminate(ctx, state, StatusFailed, err.Error())
				return
			} else if decision.Deny() {
				e.terminate(ctx, state, StatusFailed, PolicyDenied(CheckpointBeforeEmit.ruleSummary(decision)).Error())
				return
			} else if decision.Action == ActionRequireHumanReview {
				e.terminate(ctx, state, StatusFailed, HumanReviewRequired().Error())
				return
			} else if decision.Action == ActionRedact {
				e.redact(ctx, state, CheckpointBeforeEmit)
			}
			e.terminate(ctx, state, StatusSucceeded, "")
			return
		}
	}
}

// route implements spec.md §4.5's default decision table. It is a pure
// function of state so routing stays deterministic given identical inputs.
func route(state *RunState) AgentKind {
	w := state.Working

	if !w.AnalysisDone {
		return AgentAnalyser
	}
	if w.NeedsExternal && state.RetrievalRecord == nil {
		return AgentResearcher
	}
	if w.DraftText == "" {
		return AgentDrafter
	}
	if w.CriticVerdict == "" {
		return AgentCritic
	}
	if w.CriticVerdict == VerdictRevise && w.DraftVersion < maxRevisions(state) {
		return AgentDrafter
	}
	if w.CriticVerdict == VerdictAccept && !w.FormatterDone {
		return AgentFormatter
	}
	return "" // formatter done: terminate
}

func maxRevisions(state *RunState) int {
	if state.ConfigBundle.MaxRevisions > 0 {
		return state.ConfigBundle.MaxRevisions
	}
	return 2
}

// budgetBreach returns a human-readable cause if any of the three budgets
// has been exceeded, or "" if all are within bounds.
func (e *Executor) budgetBreach(state *RunState) string {
	b := state.Budget
	if b.MaxIterations > 0 && state.Consumption.Iterations >= b.MaxIterations {
		return fmt.Sprintf("max iterations (%d) reached", b.MaxIterations)
	}
	if b.Deadline > 0 && state.Consumption.Elapsed() >= b.Deadline {
		return fmt.Sprintf("wall-clock deadline (%s) exceeded", b.Deadline)
	}
	if b.CostCeiling > 0 && state.Consumption.CostEUR >= b.CostCeiling {
		return fmt.Sprintf("monetary ceiling (%.6f) exceeded", b.CostCeiling)
	}
	return ""
}

// onBudgetExhausted invokes the formatter one last time on the best
// available draft before terminating, per spec.md §4.5. If no draft exists
// the run fails instead.
func (e *Executor) onBudgetExhausted(ctx context.Context, state *RunState, cause string) {
	if state.Working.DraftText == "" {
		e.terminate(ctx, state, StatusFailed, "budget exhausted with no draft: "+cause)
		return
	}

	record, err := e.turns.RunTurn(ctx, AgentFormatter, state)
	state.Trace = append(state.Trace, record)
	if err != nil {
		log.Warn().Err(err).Str("run_id", state.RunID).Msg("final_formatter_pass_failed")
	}

	e.terminate(ctx, state, StatusBudgetExhausted, cause)
}

// runRetrieval invokes the federator directly (the researcher agent's
// "invokes retrieve" step), wiring its result into the run's retrieval
// record.
func (e *Executor) runRetrieval(ctx context.Context, state *RunState) error {
	if e.retriever == nil {
		return nil
	}
	record, err := e.retriever.Search(ctx, retrieval.Request{
		Query:                 state.Query,
		TenantID:              state.TenantID,
		K:                     state.ConfigBundle.KTotal,
		External:              state.ExternalDocuments,
		EnablePersonalisation: state.ConfigBundle.EnablePersonalisation,
		Alpha:                 state.ConfigBundle.PersonalisationAlpha,
	})
	if err != nil {
		return err
	}
	state.RetrievalRecord = record
	return nil
}

// terminate sets the run's terminal status and cause, then seals the audit
// record. A sealing failure overrides a success outcome with failed, per
// invariant (ii): no run transitions to succeeded without a sealed record.
func (e *Executor) terminate(ctx context.Context, state *RunState, status Status, cause string) {
	state.Status = status
	state.FailureCause = cause

	if e.audit == nil {
		return
	}
	if err := e.audit.Seal(ctx, state); err != nil {
		log.Error().Err(err).Str("run_id", state.RunID).Msg("audit_seal_failed")
		state.Status = StatusFailed
		state.FailureCause = AuditFailure(err).Error()
	}
}

// ruleSummary renders a checkpoint decision's reasons for the failure cause.
func (cp Checkpoint) ruleSummary(d CheckpointDecision) string {
	if len(d.Reasons) == 0 {
		return string(cp)
	}
	return d.Reasons[0]
}

// Cancel cooperatively requests termination. The executor observes this
// between turns and at retrieval suspension points; it never preempts a
// turn already in flight.
func Cancel(state *RunState) {
	state.Cancelled = true
}
