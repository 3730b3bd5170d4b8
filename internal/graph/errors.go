package graph

import "fmt"

// ErrorKind classifies why a run ended up in a non-succeeded terminal
// state, mirroring the sentinel-error style internal/llm uses for its own
// provider-level failures (ErrProviderNotAvailable, ErrNoRoutingConfig, ...)
// but scoped to whole-run outcomes instead of a single provider call.
type ErrorKind int

const (
	// ErrorKindUnspecified is the zero value; never set deliberately.
	ErrorKindUnspecified ErrorKind = iota
	// ErrorKindInputInvalid means the submit-run request failed validation
	// at ingress, before a run was ever created.
	ErrorKindInputInvalid
	// ErrorKindPolicyDenied means a checkpoint's merged vote was ActionDeny.
	ErrorKindPolicyDenied
	// ErrorKindHumanReviewRequired means a checkpoint voted
	// ActionRequireHumanReview and no reviewer was available inline.
	ErrorKindHumanReviewRequired
	// ErrorKindRetrievalDegraded means at least one retrieval leg failed but
	// the federator still produced a record from the surviving leg(s).
	ErrorKindRetrievalDegraded
	// ErrorKindRetrievalFailed means every retrieval leg failed and no
	// external documents were supplied to fall back on.
	ErrorKindRetrievalFailed
	// ErrorKindToolRecoverable means a tool call failed transiently and was
	// retried per policy; only ever wraps an intermediate, non-terminal step.
	ErrorKindToolRecoverable
	// ErrorKindToolFailure means a non-retriable tool error reached the
	// executor (see internal/agent/tools.ToolError.Recoverable).
	ErrorKindToolFailure
	// ErrorKindModelFailure means a turn's LLM call failed after retries,
	// whether from a transient cause (timeout, rate limit) or a fatal one
	// (content block, auth, invariant violation).
	ErrorKindModelFailure
	// ErrorKindParseFailure means the model's structured output could not
	// be parsed even after one repair retry.
	ErrorKindParseFailure
	// ErrorKindBudgetExhausted means the run hit its turn, cost, or
	// deadline ceiling before reaching a terminal agent.
	ErrorKindBudgetExhausted
	// ErrorKindCancelled means the caller cancelled the run cooperatively.
	ErrorKindCancelled
	// ErrorKindAuditFailure means the terminal audit seal itself failed.
	ErrorKindAuditFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInputInvalid:
		return "input-invalid"
	case ErrorKindPolicyDenied:
		return "policy-denied"
	case ErrorKindHumanReviewRequired:
		return "awaiting-human-review"
	case ErrorKindRetrievalDegraded:
		return "retrieval-degraded"
	case ErrorKindRetrievalFailed:
		return "retrieval-failed"
	case ErrorKindToolRecoverable:
		return "tool-recoverable"
	case ErrorKindToolFailure:
		return "tool-failure"
	case ErrorKindModelFailure:
		return "model-failure"
	case ErrorKindParseFailure:
		return "parse-failure"
	case ErrorKindBudgetExhausted:
		return "budget-exhausted"
	case ErrorKindCancelled:
		return "cancelled"
	case ErrorKindAuditFailure:
		return "audit-failure"
	default:
		return "unspecified"
	}
}

// RunError is the structured form of RunState.FailureCause. RuleID names the
// checkpoint or budget rule that produced the error, when there is one;
// Cause carries the underlying error for ErrorKindModelFailure/ToolFailure/
// AuditFailure, where one exists. Its Error() string is exactly the format
// FailureCause has always used ("policy-denied:<rule>"), so constructing one
// of these and assigning FailureCause = err.Error() is a drop-in replacement
// for the ad hoc strings the executor built inline before this existed.
type RunError struct {
	Kind   ErrorKind
	RuleID string
	Cause  error
}

func (e *RunError) Error() string {
	switch {
	case e.RuleID != "":
		return fmt.Sprintf("%s:%s", e.Kind, e.RuleID)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

func (e *RunError) Unwrap() error { return e.Cause }

// InputInvalid builds a RunError for a submit-run request that failed
// validation before a run was created. No audit record exists for it.
func InputInvalid(cause error) *RunError {
	return &RunError{Kind: ErrorKindInputInvalid, Cause: cause}
}

// PolicyDenied builds a RunError for a checkpoint deny vote.
func PolicyDenied(ruleID string) *RunError {
	return &RunError{Kind: ErrorKindPolicyDenied, RuleID: ruleID}
}

// HumanReviewRequired builds a RunError for a checkpoint human-review vote.
func HumanReviewRequired() *RunError {
	return &RunError{Kind: ErrorKindHumanReviewRequired}
}

// RetrievalFailed builds a RunError for a federator call where every leg
// failed and no external documents were available as a fallback.
func RetrievalFailed(cause error) *RunError {
	return &RunError{Kind: ErrorKindRetrievalFailed, Cause: cause}
}

// ToolFailure builds a RunError wrapping a non-retriable tool error.
func ToolFailure(cause error) *RunError {
	return &RunError{Kind: ErrorKindToolFailure, Cause: cause}
}

// ModelFailure builds a RunError wrapping a turn's underlying model error.
func ModelFailure(cause error) *RunError {
	return &RunError{Kind: ErrorKindModelFailure, Cause: cause}
}

// ParseFailure builds a RunError for structured output that failed to parse
// even after the one repair retry internal/agent's turn runner allows.
func ParseFailure(cause error) *RunError {
	return &RunError{Kind: ErrorKindParseFailure, Cause: cause}
}

// Cancelled builds a RunError for a cooperatively cancelled run.
func Cancelled() *RunError {
	return &RunError{Kind: ErrorKindCancelled}
}

// AuditFailure builds a RunError wrapping a failed terminal audit seal.
func AuditFailure(cause error) *RunError {
	return &RunError{Kind: ErrorKindAuditFailure, Cause: cause}
}
