// Package vector implements the semantic leg of the retrieval federator
// against a Qdrant collection keyed by tenant id.
package vector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// Config holds the connection parameters for the legal_documents collection.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Hit is one semantic search result: a source document id and its cosine
// similarity score against the query embedding.
type Hit struct {
	SourceID string
	Score    float32
}

// Index implements the semantic retrieval leg backed by Qdrant Cloud.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error, never a nil pointer; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("retrieval/vector: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("retrieval/vector: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given, use the gRPC port instead
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant via gRPC and returns an Index.
func NewIndex(cfg Config) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval/vector: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{client: client, collection: cfg.Collection, dims: cfg.Dims}, nil
}

// EnsureCollection creates the legal_documents collection if absent and
// backfills the tenant_id payload index. CreateFieldIndex is idempotent on
// Qdrant, so calling this on every startup is safe.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("retrieval/vector: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: idx.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     idx.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("retrieval/vector: create collection %q: %w", idx.collection, err)
		}
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"tenant_id", "source_id", "document_type"} {
		if _, err := idx.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: idx.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("retrieval/vector: ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// Search queries Qdrant for the k nearest documents to embedding, scoped to
// tenantID. Over-fetches k*2 so the federator has room to drop duplicates
// found in other legs before truncating to the caller's requested k.
func (idx *Index) Search(ctx context.Context, tenantID string, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	fetchLimit := uint64(k) * 2 //nolint:gosec // k is clamped by the federator to <= 100
	scored, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("tenant_id", tenantID)},
		},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayloadInclude("source_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval/vector: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		sourceID := sp.GetPayload()["source_id"].GetStringValue()
		if sourceID == "" {
			continue
		}
		hits = append(hits, Hit{SourceID: sourceID, Score: sp.Score})
	}
	return hits, nil
}

// ComputeCentroid averages the stored embeddings of up to maxPoints
// documents belonging to tenantID, for the personalisation centroid
// refresh trigger. Returns the averaged vector and how many points it was
// built from; a zero count means the tenant has no indexed documents yet.
func (idx *Index) ComputeCentroid(ctx context.Context, tenantID string, maxPoints int) ([]float32, int, error) {
	limit := uint32(maxPoints) //nolint:gosec // bounded by caller
	points, err := idx.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: idx.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("tenant_id", tenantID)},
		},
		Limit:       &limit,
		WithVectors: qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("retrieval/vector: qdrant scroll: %w", err)
	}
	if len(points) == 0 {
		return nil, 0, nil
	}

	var sum []float32
	for _, p := range points {
		vec := p.GetVectors().GetVector().GetData()
		if sum == nil {
			sum = make([]float32, len(vec))
		}
		for i, v := range vec {
			if i < len(sum) {
				sum[i] += v
			}
		}
	}
	for i := range sum {
		sum[i] /= float32(len(points))
	}
	return sum, len(points), nil
}

// Upsert inserts or replaces a document's embedding, keyed by (tenant, source id).
func (idx *Index) Upsert(ctx context.Context, tenantID, sourceID, documentType string, embedding []float32) error {
	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(tenantID + ":" + sourceID),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"tenant_id":     tenantID,
				"source_id":     sourceID,
				"document_type": documentType,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("retrieval/vector: qdrant upsert %s/%s: %w", tenantID, sourceID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and deduplicated across concurrent callers via singleflight, so a
// burst of simultaneous runs does not hammer the health endpoint.
func (idx *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, idx.healthAt.Load())) < 5*time.Second {
		return idx.loadHealthErr()
	}

	result, _, _ := idx.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := idx.client.HealthCheck(checkCtx)
		if err != nil {
			idx.storeHealthErr(fmt.Errorf("retrieval/vector: qdrant unhealthy: %w", err))
		} else {
			idx.storeHealthErr(nil)
		}
		idx.healthAt.Store(time.Now().UnixNano())
		return idx.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (idx *Index) storeHealthErr(err error) { idx.healthErr.Store(&err) }

func (idx *Index) loadHealthErr() error {
	v := idx.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (idx *Index) Close() error {
	return idx.client.Close()
}
