// Package external scores documents supplied directly with a retrieval
// request (as opposed to the tenant's internal corpus). It needs no adapter:
// the documents arrive in the request, so this is an in-process scorer only.
package external

import (
	"math"
	"sort"
	"strings"
)

// Document is one externally supplied document, as it arrives on the
// submit-run request's external_documents list.
type Document struct {
	SourceID string
	Text     string
	Metadata map[string]string
}

// Hit is one scored external document, ranked by blended lexical/embedding
// similarity to the query.
type Hit struct {
	SourceID string
	Score    float64
}

// Embedder produces a dense vector for a piece of text. The same embedder
// used for the semantic leg's query embedding is passed in here so external
// documents are scored on a comparable basis.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Rank scores and orders docs against the query using cosine similarity of
// their embeddings when embedder is non-nil, falling back to a token-overlap
// (Jaccard) score otherwise — the same two scorers the semantic and lexical
// legs would use, run in-process since there is no index to query.
func Rank(query string, docs []Document, embedder Embedder) []Hit {
	if len(docs) == 0 {
		return nil
	}

	var queryVec []float32
	if embedder != nil {
		if v, err := embedder.Embed(query); err == nil {
			queryVec = v
		}
	}

	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		var score float64
		if queryVec != nil {
			if docVec, err := embedder.Embed(d.Text); err == nil {
				score = cosineSimilarity(queryVec, docVec)
			}
		}
		if score == 0 {
			score = jaccardOverlap(query, d.Text)
		}
		hits = append(hits, Hit{SourceID: d.SourceID, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].SourceID < hits[j].SourceID
	})
	return hits
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func jaccardOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
