package evidence

import (
	"context"

	"github.com/dativo-io/talon-legal/internal/graph"
)

// Sealer adapts the generalised run state (C5) into this package's
// GenerateParams and writes the terminal, HMAC-signed audit record (C6). It
// implements graph.AuditSealer, the one remaining collaborator the executor
// needs to terminate a run.
type Sealer struct {
	generator *Generator
}

// NewSealer builds a Sealer over the given generator.
func NewSealer(generator *Generator) *Sealer {
	return &Sealer{generator: generator}
}

// Seal generates and persists one evidence record summarising the entire
// run, regardless of whether it succeeded, failed, or was cancelled —
// invariant (ii) is that every terminal run produces exactly one sealed
// record, not only successful ones.
func (s *Sealer) Seal(ctx context.Context, state *graph.RunState) error {
	_, err := s.generator.Generate(ctx, paramsFromRunState(state))
	return err
}

func paramsFromRunState(state *graph.RunState) GenerateParams {
	output := state.Working.FormatterOutput
	if output == "" {
		output = state.Working.DraftText
	}

	var modelUsed string
	var totalCost float64
	var inputTokens, outputTokens int
	var durationMS int64
	for _, turn := range state.Trace {
		if turn.ModelID != "" {
			modelUsed = turn.ModelID
		}
		totalCost += turn.CostEUR
		inputTokens += turn.InputTokens
		outputTokens += turn.OutputTokens
		durationMS += turn.Duration.Milliseconds()
	}

	piiDetected := make([]string, 0, len(state.PIIReport))
	tier := 0
	for _, e := range state.PIIReport {
		piiDetected = append(piiDetected, e.Type)
		eff := e.Sensitivity
		if eff == 0 {
			eff = 1
		}
		if eff > tier {
			tier = eff
		}
	}

	var contextSourceIDs []string
	if state.RetrievalRecord != nil {
		for _, hit := range state.RetrievalRecord.Hits {
			contextSourceIDs = append(contextSourceIDs, hit.SourceID)
		}
	}

	return GenerateParams{
		CorrelationID:  state.RunID,
		TenantID:       state.TenantID,
		AgentID:        string(state.CurrentAgent()),
		InvocationType: "run:" + string(state.TaskKind),
		PolicyDecision: PolicyDecision{
			Allowed: state.Status != graph.StatusFailed || state.FailureCause == "",
			Action:  string(state.Status),
			Reasons: reasonsFrom(state.FailureCause),
		},
		Classification: Classification{
			InputTier:   tier,
			OutputTier:  tier,
			PIIDetected: piiDetected,
			PIIRedacted: state.ConfigBundle.PIIStrategy != "",
		},
		ModelUsed:        modelUsed,
		CostEUR:          totalCost,
		Tokens:           TokenUsage{Input: inputTokens, Output: outputTokens},
		DurationMS:       durationMS,
		Error:            state.FailureCause,
		InputPrompt:      state.Query,
		OutputResponse:   output,
		ContextSourceIDs: contextSourceIDs,
		Compliance: Compliance{
			Frameworks:   []string{"gdpr", "eu-ai-act"},
			DataLocation: "eu",
		},
	}
}

func reasonsFrom(cause string) []string {
	if cause == "" {
		return nil
	}
	return []string{cause}
}
