package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/policy"
)

// Checkpoint names one of the five named points at which the executor
// consults policy before proceeding.
type Checkpoint string

const (
	CheckpointOnIngest        Checkpoint = "on_ingest"
	CheckpointBeforeRetrieval Checkpoint = "before_retrieval"
	CheckpointBeforeModelCall Checkpoint = "before_model_call"
	CheckpointBeforeEmit      Checkpoint = "before_emit"
	CheckpointOnExport        Checkpoint = "on_export"
)

// Action is the five-way policy verdict a checkpoint evaluation can yield.
// Ordered from least to most restrictive; CheckpointDecision.Action always
// holds the most restrictive action across every rule that matched.
type Action int

const (
	ActionAllow Action = iota
	ActionAnnotate
	ActionRedact
	ActionRequireHumanReview
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionAnnotate:
		return "annotate-and-continue"
	case ActionRedact:
		return "redact-then-continue"
	case ActionRequireHumanReview:
		return "require-human-review"
	case ActionDeny:
		return "deny-with-reason"
	default:
		return "unknown"
	}
}

// moreRestrictive reports whether a is strictly more restrictive than b.
// Both are already ordered by declaration, so this is a plain comparison.
func moreRestrictive(a, b Action) bool { return a > b }

// CheckpointDecision is the merged result of evaluating every rule that
// applies at a checkpoint.
type CheckpointDecision struct {
	Checkpoint Checkpoint
	Action     Action
	Reasons    []string
}

// Deny reports whether the run must terminate as a result of this decision.
func (d CheckpointDecision) Deny() bool { return d.Action == ActionDeny }

// mergeActions folds a list of per-rule decisions into one, keeping the most
// restrictive action and the union of reasons — spec.md §4.1's "when
// multiple rules match, the most restrictive decision wins" rule, generalised
// from the teacher's binary allow/deny Decision to the five-way action enum.
func mergeActions(cp Checkpoint, votes []CheckpointDecision) CheckpointDecision {
	merged := CheckpointDecision{Checkpoint: cp, Action: ActionAllow}
	for _, v := range votes {
		if moreRestrictive(v.Action, merged.Action) {
			merged.Action = v.Action
		}
		merged.Reasons = append(merged.Reasons, v.Reasons...)
	}
	return merged
}

// CheckpointEvaluator evaluates every policy surface the teacher already
// wires and merges them into one five-way decision. The teacher's OPA
// engine only ever produces allow/deny (policy.Decision), so the richer
// actions are supplied by the mechanisms the teacher already has for them:
// plan review gating stands in for require-human-review, and the PII
// scanner's redaction strategy stands in for redact-then-continue. This
// keeps every vote grounded in an existing component rather than inventing
// a parallel rule engine.
type CheckpointEvaluator struct {
	engine     *policy.Engine
	policy     *policy.Policy
	classifier *classifier.Scanner
	reviewGate HumanReviewGate
}

// HumanReviewGate decides whether a tier of data requires a human
// sign-off before the run may proceed, mirroring agent.PlanReviewStore's
// EU AI Act Art. 14 gate.
type HumanReviewGate interface {
	RequiresReview(tier int) bool
}

// NewCheckpointEvaluator builds an evaluator over the run's policy engine,
// the raw policy document (for Go-side rules the rego layer doesn't model,
// such as task-kind restrictions), PII scanner, and human-review gate. pol
// and reviewGate may both be nil, in which case the votes they back are
// never cast.
func NewCheckpointEvaluator(engine *policy.Engine, pol *policy.Policy, scanner *classifier.Scanner, reviewGate HumanReviewGate) *CheckpointEvaluator {
	return &CheckpointEvaluator{engine: engine, policy: pol, classifier: scanner, reviewGate: reviewGate}
}

// Evaluate runs every applicable vote for cp against state and returns the
// merged decision.
func (e *CheckpointEvaluator) Evaluate(ctx context.Context, cp Checkpoint, state *RunState) (CheckpointDecision, error) {
	var votes []CheckpointDecision

	if e.engine != nil {
		input := map[string]interface{}{
			"tenant_id":          state.TenantID,
			"agent_id":           string(state.CurrentAgent()),
			"tier":               state.highestPIITier(),
			"daily_cost_total":   0.0,
			"monthly_cost_total": 0.0,
			"estimated_cost":     state.Consumption.CostEUR,
		}
		decision, err := e.engine.Evaluate(ctx, input)
		if err != nil {
			return CheckpointDecision{}, fmt.Errorf("graph: evaluating %s policy: %w", cp, err)
		}
		if !decision.Allowed {
			votes = append(votes, CheckpointDecision{Checkpoint: cp, Action: ActionDeny, Reasons: decision.Reasons})
		}

		loopDecision, err := e.engine.EvaluateLoopContainment(ctx, state.Consumption.Iterations, 0, state.Consumption.CostEUR)
		if err != nil {
			return CheckpointDecision{}, fmt.Errorf("graph: evaluating %s loop containment: %w", cp, err)
		}
		if !loopDecision.Allowed {
			votes = append(votes, CheckpointDecision{Checkpoint: cp, Action: ActionDeny, Reasons: loopDecision.Reasons})
		}
	}

	if cp == CheckpointOnIngest && e.policy != nil && e.policy.Capabilities != nil && len(e.policy.Capabilities.AllowedTaskKinds) > 0 {
		if !slices.Contains(e.policy.Capabilities.AllowedTaskKinds, string(state.TaskKind)) {
			votes = append(votes, CheckpointDecision{
				Checkpoint: cp,
				Action:     ActionDeny,
				Reasons:    []string{fmt.Sprintf("task kind %q is not in allowed_task_kinds", state.TaskKind)},
			})
		}
	}

	if tier := state.highestPIITier(); tier >= 1 && len(state.PIIReport) > 0 {
		votes = append(votes, CheckpointDecision{
			Checkpoint: cp,
			Action:     ActionRedact,
			Reasons:    []string{fmt.Sprintf("pii detected at tier %d", tier)},
		})
	}

	// before_emit and on_export re-scan the generated text itself: the
	// ingest-time PII report only covers the user's query, not whatever the
	// model produced, so a drafted clause can introduce PII the rest of the
	// checkpoint votes never see.
	if e.classifier != nil && (cp == CheckpointBeforeEmit || cp == CheckpointOnExport) {
		emitted := state.Working.FormatterOutput
		if emitted == "" {
			emitted = state.Working.DraftText
		}
		if emitted != "" {
			outputClass := e.classifier.Scan(ctx, emitted)
			if outputClass.HasPII {
				state.PIIReport = append(state.PIIReport, outputClass.Entities...)
				votes = append(votes, CheckpointDecision{
					Checkpoint: cp,
					Action:     ActionRedact,
					Reasons:    []string{fmt.Sprintf("generated text carries tier %d pii", outputClass.Tier)},
				})
			}
		}
	}

	if e.reviewGate != nil && e.reviewGate.RequiresReview(state.highestPIITier()) {
		votes = append(votes, CheckpointDecision{
			Checkpoint: cp,
			Action:     ActionRequireHumanReview,
			Reasons:    []string{"tier requires human sign-off before proceeding"},
		})
	}

	return mergeActions(cp, votes), nil
}

// highestPIITier returns the highest sensitivity tier observed across the
// run's PII report so far, or 0 if none.
func (s *RunState) highestPIITier() int {
	tier := 0
	for _, e := range s.PIIReport {
		eff := e.Sensitivity
		if eff == 0 {
			eff = 1
		}
		if eff > tier {
			tier = eff
		}
	}
	return tier
}

// CurrentAgent returns the agent that last wrote to the working set, or ""
// if none has run yet.
func (s *RunState) CurrentAgent() AgentKind {
	return s.Working.LastWriter
}
