package evidence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/retrieval"
)

func newTestSealer(t *testing.T) (*Sealer, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "evidence.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSealer(NewGenerator(store)), store
}

func TestSealer_SealsSucceededRunWithFormatterOutput(t *testing.T) {
	sealer, store := newTestSealer(t)
	ctx := context.Background()

	state := &graph.RunState{
		RunID:    "run-1",
		TenantID: "acme",
		TaskKind: graph.TaskDraft,
		Query:    "draft a termination clause",
		Status:   graph.StatusSucceeded,
		Trace: []graph.TurnRecord{
			{Agent: graph.AgentDrafter, ModelID: "gpt-4o-mini", CostEUR: 0.001, InputTokens: 100, OutputTokens: 50},
			{Agent: graph.AgentFormatter, ModelID: "gpt-4o-mini", CostEUR: 0.0005, InputTokens: 40, OutputTokens: 30},
		},
	}
	state.Working.FormatterOutput = "the final clause text"
	state.Working.LastWriter = graph.AgentFormatter

	require.NoError(t, sealer.Seal(ctx, state))

	all, err := store.List(ctx, "acme", "", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "run-1", all[0].CorrelationID)
	assert.True(t, all[0].PolicyDecision.Allowed)
	assert.Equal(t, "gpt-4o-mini", all[0].Execution.ModelUsed)
	assert.InDelta(t, 0.0015, all[0].Execution.CostEUR, 0.0001)
	assert.Equal(t, 140, all[0].Execution.Tokens.Input)
	assert.Equal(t, 80, all[0].Execution.Tokens.Output)
}

func TestSealer_SealsFailedRunWithFailureCauseAsReason(t *testing.T) {
	sealer, store := newTestSealer(t)
	ctx := context.Background()

	state := &graph.RunState{
		RunID:        "run-2",
		TenantID:     "acme",
		Status:       graph.StatusFailed,
		FailureCause: "policy-denied:blocked export",
		Query:        "summarise this contract",
	}

	require.NoError(t, sealer.Seal(ctx, state))

	all, err := store.List(ctx, "acme", "", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].PolicyDecision.Allowed)
	assert.Equal(t, "policy-denied:blocked export", all[0].Execution.Error)
	assert.Contains(t, all[0].PolicyDecision.Reasons, "policy-denied:blocked export")
}

func TestSealer_HashesContextSourceIDsFromRetrievalRecord(t *testing.T) {
	sealer, store := newTestSealer(t)
	ctx := context.Background()

	state := &graph.RunState{
		RunID:    "run-3",
		TenantID: "acme",
		Status:   graph.StatusSucceeded,
		Query:    "q",
		RetrievalRecord: &retrieval.Record{
			Hits: []retrieval.Hit{{SourceID: "doc-a"}, {SourceID: "doc-b"}},
		},
	}
	state.Working.DraftText = "draft"

	require.NoError(t, sealer.Seal(ctx, state))

	all, err := store.List(ctx, "acme", "", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEmpty(t, all[0].AuditTrail.ContextHash)
}

func TestSealer_RecordsDetectedPIITypesWithoutRawValues(t *testing.T) {
	sealer, store := newTestSealer(t)
	ctx := context.Background()

	state := &graph.RunState{
		RunID:    "run-4",
		TenantID: "acme",
		Status:   graph.StatusSucceeded,
		Query:    "here is my tax id 123-45-6789",
	}
	state.PIIReport = append(state.PIIReport, classifier.PIIEntity{Type: "tax_id", Value: "123-45-6789", Sensitivity: 3})
	state.Working.DraftText = "redacted draft"

	require.NoError(t, sealer.Seal(ctx, state))

	all, err := store.List(ctx, "acme", "", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, all[0].Classification.PIIDetected, "tax_id")
	assert.Equal(t, 3, all[0].Classification.InputTier)
	for _, detected := range all[0].Classification.PIIDetected {
		assert.NotContains(t, detected, "123-45-6789")
	}
}
