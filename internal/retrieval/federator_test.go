package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/talon-legal/internal/retrieval/external"
	"github.com/dativo-io/talon-legal/internal/retrieval/lexical"
	"github.com/dativo-io/talon-legal/internal/retrieval/vector"
)

type fakeVectorLeg struct {
	hits []vector.Hit
	err  error
}

func (f fakeVectorLeg) Search(_ context.Context, _ string, _ []float32, _ int) ([]vector.Hit, error) {
	return f.hits, f.err
}

type fakeLexicalLeg struct {
	hits []lexical.Hit
	err  error
}

func (f fakeLexicalLeg) Search(_ context.Context, _, _ string, _ int) ([]lexical.Hit, error) {
	return f.hits, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestFederator_KZeroReturnsEmptyWithoutSearching(t *testing.T) {
	f := New(fakeVectorLeg{err: errors.New("must not be called")}, fakeLexicalLeg{err: errors.New("must not be called")}, fakeEmbedder{})

	record, err := f.Search(context.Background(), Request{Query: "q", TenantID: "t1", K: 0})
	require.NoError(t, err)
	assert.Empty(t, record.Hits)
	assert.Equal(t, 0, record.TotalCount)
}

func TestFederator_ClampsKToMax(t *testing.T) {
	f := New(fakeVectorLeg{hits: []vector.Hit{{SourceID: "a", Score: 0.9}}}, fakeLexicalLeg{}, fakeEmbedder{})

	record, err := f.Search(context.Background(), Request{Query: "q", TenantID: "t1", K: MaxK + 50})
	require.NoError(t, err)
	assert.Equal(t, MaxK+50, record.ClampedFrom)
}

func TestFederator_OneLegFailingIsNonFatal(t *testing.T) {
	f := New(
		fakeVectorLeg{err: errors.New("semantic index unreachable")},
		fakeLexicalLeg{hits: []lexical.Hit{{SourceID: "doc-1", Rank: 1}}},
		fakeEmbedder{},
	)

	record, err := f.Search(context.Background(), Request{Query: "q", TenantID: "t1", K: 5})
	require.NoError(t, err)
	assert.False(t, record.AllLegsFailed)
	require.Len(t, record.Hits, 1)
	assert.Equal(t, "doc-1", record.Hits[0].SourceID)
	assert.NotNil(t, record.LegErrors["semantic"])
}

func TestFederator_AllLegsFailingReturnsEmptyNotError(t *testing.T) {
	f := New(
		fakeVectorLeg{err: errors.New("semantic down")},
		fakeLexicalLeg{err: errors.New("lexical down")},
		fakeEmbedder{},
	)

	record, err := f.Search(context.Background(), Request{Query: "q", TenantID: "t1", K: 5})
	require.NoError(t, err)
	assert.True(t, record.AllLegsFailed)
	assert.Empty(t, record.Hits)
}

func TestFederator_DocumentInBothLegsIsDedupedAndTaggedBoth(t *testing.T) {
	f := New(
		fakeVectorLeg{hits: []vector.Hit{{SourceID: "doc-1", Score: 0.9}, {SourceID: "doc-2", Score: 0.5}}},
		fakeLexicalLeg{hits: []lexical.Hit{{SourceID: "doc-1", Rank: -2.0}}},
		fakeEmbedder{},
	)

	record, err := f.Search(context.Background(), Request{Query: "q", TenantID: "t1", K: 10})
	require.NoError(t, err)

	byID := map[string]Hit{}
	for _, h := range record.Hits {
		byID[h.SourceID] = h
	}
	require.Contains(t, byID, "doc-1")
	assert.Equal(t, OriginInternal, byID["doc-1"].Origin, "a doc present in only the internal legs is origin internal")
	// doc-1 appears in both semantic and lexical rankings, so its fused score
	// must exceed doc-2's (which appears in only one leg at a worse rank).
	assert.Greater(t, byID["doc-1"].FusedScore, byID["doc-2"].FusedScore)
}

func TestFederator_ExternalOnlyDocumentIsTaggedExternal(t *testing.T) {
	f := New(fakeVectorLeg{}, fakeLexicalLeg{}, fakeEmbedder{})

	record, err := f.Search(context.Background(), Request{
		Query:    "q",
		TenantID: "t1",
		K:        10,
		External: []external.Document{{SourceID: "ext-1", Text: "q matches this text closely"}},
	})
	require.NoError(t, err)
	require.Len(t, record.Hits, 1)
	assert.Equal(t, "ext-1", record.Hits[0].SourceID)
	assert.Equal(t, OriginExternal, record.Hits[0].Origin)
	assert.Equal(t, 1, record.ExternalCount)
}

func TestFuseRanks_ReciprocalRankFormula(t *testing.T) {
	legs := map[string]map[string]int{
		"semantic": {"doc-1": 1, "doc-2": 2},
		"lexical":  {"doc-1": 3},
	}
	entries := fuseRanks(DefaultKRRF, legs)

	require.Len(t, entries, 2)
	// doc-1: 1/(60+1) + 1/(60+3) = 0.016393... + 0.015873...
	wantDoc1 := 1.0/61.0 + 1.0/63.0
	assert.InDelta(t, wantDoc1, entries[0].score, 1e-9)
	assert.Equal(t, "doc-1", entries[0].sourceID)
}

func TestFuseRanks_TieBreaksByMinRankThenSourceID(t *testing.T) {
	legs := map[string]map[string]int{
		"semantic": {"doc-b": 5, "doc-a": 5},
	}
	entries := fuseRanks(DefaultKRRF, legs)

	require.Len(t, entries, 2)
	assert.Equal(t, "doc-a", entries[0].sourceID, "equal score and rank must break ties by source id order")
}

func TestFederator_PersonalisationSkippedWithoutCentroid(t *testing.T) {
	f := New(fakeVectorLeg{hits: []vector.Hit{{SourceID: "doc-1", Score: 0.5}}}, fakeLexicalLeg{}, fakeEmbedder{})

	record, err := f.Search(context.Background(), Request{
		Query: "q", TenantID: "t1", K: 5, EnablePersonalisation: true, PersonalisationTheme: "contracts",
	})
	require.NoError(t, err)
	assert.False(t, record.PersonalisationUsed)
	assert.Equal(t, "no centroid for tenant/theme", record.PersonalisationSkip)
}

func TestFederator_PersonalisationAppliedWithFreshCentroid(t *testing.T) {
	f := New(fakeVectorLeg{hits: []vector.Hit{{SourceID: "doc-1", Score: 0.5}}}, fakeLexicalLeg{}, fakeEmbedder{})
	f.SetCentroids(map[CentroidKey]Centroid{
		{TenantID: "t1", Theme: "contracts"}: {Vector: []float32{0, 1, 0}, UpdatedAt: time.Now()},
	})

	record, err := f.Search(context.Background(), Request{
		Query: "q", TenantID: "t1", K: 5, EnablePersonalisation: true, PersonalisationTheme: "contracts",
	})
	require.NoError(t, err)
	assert.True(t, record.PersonalisationUsed)
}
