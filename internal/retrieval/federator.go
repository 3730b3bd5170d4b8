// Package retrieval implements the retrieval federator (C2): a three-leg
// fan-out over semantic, lexical, and external-document search, fused by
// reciprocal rank, optionally re-scored against a personalised query
// embedding.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/talon-legal/internal/retrieval/external"
	"github.com/dativo-io/talon-legal/internal/retrieval/lexical"
	talonotel "github.com/dativo-io/talon-legal/internal/otel"
	"github.com/dativo-io/talon-legal/internal/retrieval/vector"
)

var tracer = talonotel.Tracer("github.com/dativo-io/talon-legal/internal/retrieval")

// DefaultKRRF is the reciprocal-rank fusion constant used unless overridden.
const DefaultKRRF = 60

// MaxK is the hard ceiling on the requested result count. Requests above
// this are clamped and the clamp is annotated on the Record.
const MaxK = 100

// DefaultPersonalisationAlpha blends the query embedding toward the tenant's
// theme centroid.
const DefaultPersonalisationAlpha = 0.25

// CentroidTTL is how long a personalisation centroid remains usable before
// it is treated as stale and personalisation is silently skipped.
const CentroidTTL = 24 * time.Hour

// Origin tags where a fused hit was found.
const (
	OriginInternal = "internal" // semantic and/or lexical leg only
	OriginExternal = "external" // external-document leg only
	OriginBoth     = "both"     // internal and external legs agree on the same source id
)

// Embedder produces a dense vector embedding for a piece of text.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// VectorLeg is the semantic search dependency (satisfied by *vector.Index).
type VectorLeg interface {
	Search(ctx context.Context, tenantID string, embedding []float32, k int) ([]vector.Hit, error)
}

// LexicalLeg is the full-text search dependency (satisfied by *lexical.Store).
type LexicalLeg interface {
	Search(ctx context.Context, tenantID, query string, k int) ([]lexical.Hit, error)
}

// Hit is one fused, deduplicated result returned to the caller.
type Hit struct {
	SourceID   string
	FusedScore float64
	Origin     string // OriginInternal, OriginExternal, or OriginBoth
}

// Record is the retrieval provenance attached to the run's context hash and
// returned in the run response's context summary.
type Record struct {
	Hits                 []Hit
	TotalCount           int
	InternalCount        int
	ExternalCount        int
	PersonalisationUsed  bool
	PersonalisationSkip  string // reason personalisation was skipped, if it was
	ClampedFrom          int    // original k before clamping to MaxK, 0 if not clamped
	LegErrors            map[string]error
	AllLegsFailed        bool
}

// Request describes one federated search.
type Request struct {
	Query                string
	TenantID             string
	K                    int
	External             []external.Document
	EnablePersonalisation bool
	PersonalisationTheme  string
	Alpha                 float64 // personalisation blend factor, 0 uses DefaultPersonalisationAlpha
}

// CentroidKey identifies a tenant + theme pair in the centroid cache.
type CentroidKey struct {
	TenantID string
	Theme    string
}

// Centroid is a cached personalisation embedding with the time it was built.
type Centroid struct {
	Vector    []float32
	UpdatedAt time.Time
}

// Federator runs the three-leg fan-out and fuses results.
type Federator struct {
	vectorLeg VectorLeg
	lexical   LexicalLeg
	embedder  Embedder

	// centroids is swapped wholesale on reload, never mutated in place —
	// the same copy-on-write publication internal/llm.Router uses for its
	// provider map, so concurrent runs always read a consistent snapshot.
	centroids atomic.Pointer[map[CentroidKey]Centroid]

	kRRF int
}

// New creates a Federator. vectorLeg or lexicalLeg may be nil to disable
// that leg (e.g. in tests, or when a tenant has no vector index configured);
// the fan-out tolerates either being absent so long as at least one leg (or
// the external documents) produces results.
func New(vectorLeg VectorLeg, lexicalLeg LexicalLeg, embedder Embedder) *Federator {
	f := &Federator{vectorLeg: vectorLeg, lexical: lexicalLeg, embedder: embedder, kRRF: DefaultKRRF}
	empty := map[CentroidKey]Centroid{}
	f.centroids.Store(&empty)
	return f
}

// SetCentroids atomically replaces the personalisation centroid cache.
func (f *Federator) SetCentroids(centroids map[CentroidKey]Centroid) {
	snapshot := make(map[CentroidKey]Centroid, len(centroids))
	for k, v := range centroids {
		snapshot[k] = v
	}
	f.centroids.Store(&snapshot)
}

type legResult struct {
	name string
	rank map[string]int // source id -> 1-based rank within this leg
	err  error
}

// Search runs the fan-out, fuses, deduplicates, and truncates to req.K.
func (f *Federator) Search(ctx context.Context, req Request) (*Record, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.Int("k_requested", req.K),
		))
	defer span.End()

	record := &Record{LegErrors: map[string]error{}}

	if req.K == 0 {
		return record, nil
	}
	k := req.K
	if k > MaxK {
		record.ClampedFrom = k
		k = MaxK
	}

	queryVec, embedErr := f.embedQuery(req.Query)
	if embedErr != nil {
		log.Warn().Err(embedErr).Msg("retrieval_query_embed_failed")
	}

	if req.EnablePersonalisation && queryVec != nil {
		queryVec = f.maybeShift(req, queryVec, record)
	}

	legs := f.runLegs(ctx, req, k, queryVec)

	ranks := make(map[string]legResult, len(legs))
	anySucceeded := false
	for _, lr := range legs {
		ranks[lr.name] = lr
		if lr.err != nil {
			record.LegErrors[lr.name] = lr.err
			log.Warn().Err(lr.err).Str("leg", lr.name).Msg("retrieval_leg_failed")
			continue
		}
		anySucceeded = true
	}

	externalHits := external.Rank(req.Query, req.External, f.embedder)
	externalRank := toRankMap(externalHitIDs(externalHits))
	if len(req.External) > 0 {
		anySucceeded = true
	}

	if !anySucceeded {
		record.AllLegsFailed = true
		span.SetAttributes(attribute.Bool("retrieval.all_legs_failed", true))
		return record, nil
	}

	fused := fuseRanks(f.kRRF, map[string]map[string]int{
		"semantic": safeRank(ranks, "semantic"),
		"lexical":  safeRank(ranks, "lexical"),
		"external": externalRank,
	})

	internalIDs := unionKeys(safeRank(ranks, "semantic"), safeRank(ranks, "lexical"))
	hits := make([]Hit, 0, len(fused))
	for _, f := range fused {
		_, isInternal := internalIDs[f.sourceID]
		_, isExternal := externalRank[f.sourceID]
		origin := OriginInternal
		switch {
		case isInternal && isExternal:
			origin = OriginBoth
		case isExternal:
			origin = OriginExternal
		}
		hits = append(hits, Hit{SourceID: f.sourceID, FusedScore: f.score, Origin: origin})
	}

	if len(hits) > k {
		hits = hits[:k]
	}

	record.Hits = hits
	record.TotalCount = len(hits)
	for _, h := range hits {
		if h.Origin == OriginExternal {
			record.ExternalCount++
		} else {
			record.InternalCount++
		}
	}

	span.SetAttributes(
		attribute.Int("retrieval.hit_count", len(hits)),
		attribute.Bool("retrieval.personalisation_used", record.PersonalisationUsed),
	)
	return record, nil
}

func (f *Federator) embedQuery(query string) ([]float32, error) {
	if f.embedder == nil {
		return nil, nil
	}
	return f.embedder.Embed(query)
}

// maybeShift blends the query embedding toward the tenant's theme centroid,
// per spec: q' = normalise((1-alpha)*q + alpha*centroid). Personalisation is
// silently skipped (and the reason recorded) if no centroid exists or it is
// past its TTL.
func (f *Federator) maybeShift(req Request, queryVec []float32, record *Record) []float32 {
	centroids := *f.centroids.Load()
	c, ok := centroids[CentroidKey{TenantID: req.TenantID, Theme: req.PersonalisationTheme}]
	if !ok {
		record.PersonalisationSkip = "no centroid for tenant/theme"
		return queryVec
	}
	if time.Since(c.UpdatedAt) > CentroidTTL {
		record.PersonalisationSkip = "centroid stale"
		return queryVec
	}
	if len(c.Vector) != len(queryVec) {
		record.PersonalisationSkip = "centroid dimension mismatch"
		return queryVec
	}

	alpha := req.Alpha
	if alpha <= 0 {
		alpha = DefaultPersonalisationAlpha
	}
	if alpha > 1 {
		alpha = 1
	}

	shifted := make([]float32, len(queryVec))
	for i := range queryVec {
		shifted[i] = float32(1-alpha)*queryVec[i] + float32(alpha)*c.Vector[i]
	}
	normalise(shifted)

	record.PersonalisationUsed = true
	return shifted
}

func normalise(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}

// runLegs issues the semantic and lexical legs concurrently via errgroup.
// Each leg's error is captured independently rather than aborting the group —
// one leg's failure must not cancel the others, per spec.
func (f *Federator) runLegs(ctx context.Context, req Request, k int, queryVec []float32) []legResult {
	results := make([]legResult, 2)
	results[0].name = "semantic"
	results[1].name = "lexical"

	g, groupCtx := errgroup.WithContext(context.Background())
	gctx, cancel := contextWithParent(ctx, groupCtx)
	defer cancel()

	g.Go(func() error {
		if f.vectorLeg == nil || queryVec == nil {
			return nil
		}
		hits, err := f.vectorLeg.Search(gctx, req.TenantID, queryVec, k)
		if err != nil {
			results[0].err = fmt.Errorf("semantic leg: %w", err)
			return nil // captured on results[0], not propagated to the group
		}
		results[0].rank = toRankMap(vectorHitIDs(hits))
		return nil
	})

	g.Go(func() error {
		if f.lexical == nil {
			return nil
		}
		hits, err := f.lexical.Search(gctx, req.TenantID, req.Query, k)
		if err != nil {
			results[1].err = fmt.Errorf("lexical leg: %w", err)
			return nil
		}
		results[1].rank = toRankMap(lexicalHitIDs(hits))
		return nil
	})

	_ = g.Wait() // never returns an error: each leg swallows its own into results[i].err
	return results
}

type fusedEntry struct {
	sourceID string
	score    float64
	minRank  int
}

// fuseRanks combines per-leg rankings by reciprocal rank: score = sum of
// 1/(kRRF + rank) over every leg the document appears in. Ties break by
// higher minimum single-leg rank, then source id lexical order, matching
// spec.md's stability requirement.
func fuseRanks(kRRF int, legs map[string]map[string]int) []fusedEntry {
	scores := make(map[string]float64)
	minRanks := make(map[string]int)

	for _, ranks := range legs {
		for sourceID, rank := range ranks {
			scores[sourceID] += 1.0 / float64(kRRF+rank)
			if cur, ok := minRanks[sourceID]; !ok || rank < cur {
				minRanks[sourceID] = rank
			}
		}
	}

	entries := make([]fusedEntry, 0, len(scores))
	for sourceID, score := range scores {
		entries = append(entries, fusedEntry{sourceID: sourceID, score: score, minRank: minRanks[sourceID]})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		if entries[i].minRank != entries[j].minRank {
			return entries[i].minRank < entries[j].minRank
		}
		return entries[i].sourceID < entries[j].sourceID
	})
	return entries
}

func toRankMap(orderedIDs []string) map[string]int {
	ranks := make(map[string]int, len(orderedIDs))
	for i, id := range orderedIDs {
		if _, exists := ranks[id]; !exists {
			ranks[id] = i + 1
		}
	}
	return ranks
}

func vectorHitIDs(hits []vector.Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SourceID
	}
	return ids
}

func lexicalHitIDs(hits []lexical.Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SourceID
	}
	return ids
}

func externalHitIDs(hits []external.Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SourceID
	}
	return ids
}

func safeRank(ranks map[string]legResult, leg string) map[string]int {
	if lr, ok := ranks[leg]; ok {
		return lr.rank
	}
	return nil
}

func unionKeys(maps ...map[string]int) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			out[k] = struct{}{}
		}
	}
	return out
}

// contextWithParent ties the errgroup's derived context to the caller's
// context so caller cancellation still aborts in-flight legs, while keeping
// the errgroup's own cancel-on-first-error semantics local to the group.
func contextWithParent(parent, group context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(group)
	stop := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
