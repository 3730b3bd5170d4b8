// Package graph implements the dynamic graph executor: the supervisor that
// holds one run's shared state and routes work between specialised agents
// (analyser, researcher, drafter, critic, formatter) on a run-to-run basis
// rather than a fixed pipeline.
//
// The routing, budget enforcement, and policy-checkpoint discipline
// generalise agent.Runner's fixed nine-step pipeline (load policy, classify,
// scan attachments, evaluate policy, route model, call model, classify
// output, generate evidence) into an arbitrary number of dynamic hops driven
// by a decision table instead of straight-line code.
package graph

import (
	"time"

	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/retrieval"
	"github.com/dativo-io/talon-legal/internal/retrieval/external"
)

// Status is the run's position in the state machine. All values other than
// Pending, Running, AwaitingTool, and AwaitingModel are terminal.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusAwaitingTool    Status = "awaiting-tool"
	StatusAwaitingModel   Status = "awaiting-model"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusBudgetExhausted Status = "budget-exhausted"
)

// IsTerminal reports whether a run in this status can make no further
// transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusBudgetExhausted:
		return true
	default:
		return false
	}
}

// AgentKind names one of the five specialised agents the supervisor routes
// between.
type AgentKind string

const (
	AgentAnalyser   AgentKind = "analyser"
	AgentResearcher AgentKind = "researcher"
	AgentDrafter    AgentKind = "drafter"
	AgentCritic     AgentKind = "critic"
	AgentFormatter  AgentKind = "formatter"
)

// TaskKind is the kind of document work the run was submitted to perform.
type TaskKind string

const (
	TaskDraft     TaskKind = "draft"
	TaskReview    TaskKind = "review"
	TaskSummarise TaskKind = "summarise"
	TaskAnswer    TaskKind = "answer"
)

// CriticVerdict is the critic agent's structured judgement on the current
// draft.
type CriticVerdict string

const (
	VerdictAccept CriticVerdict = "accept"
	VerdictRevise CriticVerdict = "revise"
)

// Budget bounds a run along three independent axes; any one breach ends the
// run in StatusBudgetExhausted.
type Budget struct {
	MaxIterations int           `json:"max_iterations"`
	Deadline      time.Duration `json:"deadline"`
	CostCeiling   float64       `json:"cost_ceiling"` // six-decimal currency units
}

// DefaultBudget matches the submit-run request's documented defaults.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations: 10,
		Deadline:      300 * time.Second,
		CostCeiling:   0,
	}
}

// TurnRecord is one entry in the run's append-only trace.
type TurnRecord struct {
	Agent         AgentKind     `json:"agent"`
	ModelID       string        `json:"model_id"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	Duration      time.Duration `json:"duration"`
	ResultSummary string        `json:"result_summary"`
	Error         string        `json:"error,omitempty"`
	CostEUR       float64       `json:"cost_eur"`
}

// WorkingSet is the mutable product of the run: each field is owned by the
// last agent to write it, tracked by a monotonic version counter so stale
// writers can be detected. LastWriter records whichever agent most recently
// wrote to any field here, independent of which field it wrote — routing and
// checkpoint logic that needs "who acted last" reads LastWriter rather than
// inferring it from one field's emptiness, since a field being empty can mean
// either "nobody has written it yet" or "the agent that owns it wrote an
// empty value on purpose."
type WorkingSet struct {
	AnalysisDone  bool
	AnalysisNotes string

	LastWriter AgentKind

	DraftText    string
	DraftVersion int
	DraftWriter  AgentKind

	CriticVerdict CriticVerdict
	CriticNotes   string
	CriticVersion int
	CriticWriter  AgentKind

	NeedsExternal bool

	ResearchNotes   string
	ResearchVersion int
	ResearchWriter  AgentKind

	FormatterOutput  string
	FormatterDone    bool
	FormatterVersion int
	FormatterWriter  AgentKind
}

// Budgets consumed so far, tracked alongside Budget's ceilings.
type Consumption struct {
	Iterations int
	CostEUR    float64
	StartedAt  time.Time
}

// Elapsed returns how long the run has been executing.
func (c Consumption) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}

// RunState is the full mutable state of one in-flight run. It is exclusively
// owned by its executor goroutine; nothing outside the executor mutates it.
type RunState struct {
	RunID        string
	TenantID     string
	UserID       string
	TaskKind     TaskKind
	DocumentType string
	StartedAt    time.Time

	Query             string
	ExternalDocuments []external.Document
	ConfigBundle      Config

	Working WorkingSet
	Trace   []TurnRecord

	RetrievalRecord *retrieval.Record

	PolicySnapshot PolicySnapshot
	PIIReport      []classifier.PIIEntity

	Budget      Budget
	Consumption Consumption

	Status        Status
	FailureCause  string
	Cancelled     bool
}

// PolicySnapshot captures the tenant's effective policy set as it existed at
// run start; it never reflects mid-run policy edits (data model invariant v).
type PolicySnapshot struct {
	TenantID  string
	Version   string
	CapturedAt time.Time
}

// Config is the run's configuration bundle, matching the submit-run
// request's recognised options.
type Config struct {
	UseInternalRAG        bool
	KTotal                int
	EnablePersonalisation bool
	PersonalisationAlpha  float64
	MaxIterations         int
	DeadlineMS            int
	CostCeiling           float64
	ModelPreferences      map[AgentKind]string
	PIIStrategy           classifier.RedactionStrategy
	DocumentType          string
	MaxRevisions          int
}

// DefaultConfig matches spec's documented submit-run defaults.
func DefaultConfig() Config {
	return Config{
		UseInternalRAG:        true,
		KTotal:                20,
		EnablePersonalisation: true,
		PersonalisationAlpha:  0.25,
		MaxIterations:         10,
		DeadlineMS:            300_000,
		PIIStrategy:           classifier.StrategyTyped,
		MaxRevisions:          2,
	}
}
