package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/feedback"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/policy"
	"github.com/dativo-io/talon-legal/internal/testutil"
)

func TestSubmitRun_MissingQueryRejected(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	body := `{"task_kind":"answer"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRun_InvalidTaskKindRejected(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	body := `{"query":"what is the notice period?","task_kind":"not_a_kind"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "invalid_request", out["error"])
}

func TestSubmitRun_TooManyExternalDocumentsRejected(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	docs := make([]map[string]string, 0, 11)
	for i := 0; i < 11; i++ {
		docs = append(docs, map[string]string{"source_id": "doc", "text": "x"})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"query":              "what is the notice period?",
		"task_kind":          "answer",
		"external_documents": docs,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(payload))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_UnknownIDReturns404(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRunRegistry()
	srv := NewServer(nil, registry, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run_nonexistent", nil)
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_ReturnsSeededSnapshot(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRunRegistry()
	registry.Put(&RunResult{
		RunID:     "run_abc123",
		TenantID:  "default",
		Status:    graph.StatusSucceeded,
		FinalText: "the notice period is 30 days",
		WallClock: 2 * time.Second,
	})

	srv := NewServer(nil, registry, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run_abc123", nil)
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "run_abc123", out["run_id"])
	assert.Equal(t, "the notice period is 30 days", out["final_text"])
	assert.Equal(t, string(graph.StatusSucceeded), out["status"])
}

func newFeedbackStore(t *testing.T, registry *RunRegistry) *feedback.Store {
	dir := t.TempDir()
	store, err := feedback.NewStore(dir+"/feedback.db", registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSubmitFeedback_UnknownRunReturns404(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRunRegistry()
	fbStore := newFeedbackStore(t, registry)

	srv := NewServer(nil, registry, nil, store, engine, pol, "", nil, map[string]string{"k": "default"},
		WithFeedbackStore(fbStore))
	r := srv.Routes()

	body := `{"run_id":"run_missing","rater_id":"u1","rating":1}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// RunRegistry only ever stores post-terminal snapshots (see runs.go), so a
// run id it has never seen is indistinguishable from one still in flight --
// IsTerminated reports not-found for both, which is why this and
// TestSubmitFeedback_UnknownRunReturns404 exercise the same 404 path rather
// than a separate 409.

func TestSubmitFeedback_InvalidRatingRejected(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRunRegistry()
	registry.Put(&RunResult{RunID: "run_done", Status: graph.StatusSucceeded})
	fbStore := newFeedbackStore(t, registry)

	srv := NewServer(nil, registry, nil, store, engine, pol, "", nil, map[string]string{"k": "default"},
		WithFeedbackStore(fbStore))
	r := srv.Routes()

	body := `{"run_id":"run_done","rater_id":"u1","rating":5}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFeedback_SuccessThenSummary(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRunRegistry()
	registry.Put(&RunResult{RunID: "run_done", Status: graph.StatusSucceeded})
	fbStore := newFeedbackStore(t, registry)

	srv := NewServer(nil, registry, nil, store, engine, pol, "", nil, map[string]string{"k": "default"},
		WithFeedbackStore(fbStore))
	r := srv.Routes()

	body := `{"run_id":"run_done","rater_id":"u1","rating":1,"comment":"good citation coverage"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	sumReq := httptest.NewRequest(http.MethodGet, "/v1/feedback/run_done/summary", nil)
	sumReq.Header.Set("X-Talon-Key", "k")
	sumRec := httptest.NewRecorder()
	r.ServeHTTP(sumRec, sumReq)
	require.Equal(t, http.StatusOK, sumRec.Code)
	var summary feedback.Summary
	require.NoError(t, json.NewDecoder(sumRec.Body).Decode(&summary))
	assert.Equal(t, 1, summary.EventCount)
	assert.Equal(t, float64(1), summary.MeanRating)
}

func TestSubmitFeedback_DisabledWhenNoStoreConfigured(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	body := `{"run_id":"run_done","rater_id":"u1","rating":1}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func seedSealedEvidence(t *testing.T, store *evidence.Store, runID, tenantID string) {
	t.Helper()
	err := store.Store(context.Background(), &evidence.Evidence{
		ID:             "ev_" + runID,
		CorrelationID:  runID,
		Timestamp:      time.Now().UTC(),
		TenantID:       tenantID,
		AgentID:        "retriever",
		InvocationType: "run",
		PolicyDecision: evidence.PolicyDecision{Allowed: true, Action: "allow", PolicyVersion: "v1"},
		Execution:      evidence.Execution{},
		AuditTrail:     evidence.AuditTrail{},
	})
	require.NoError(t, err)
}

func TestAuditGet_UnknownRunReturns404(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/run_missing", nil)
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditGet_ReturnsSealedEvidenceByRunID(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	seedSealedEvidence(t, store, "run_audited", "default")

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/run_audited", nil)
	req.Header.Set("X-Talon-Key", "k")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var ev evidence.Evidence
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ev))
	assert.Equal(t, "run_audited", ev.CorrelationID)
}

func TestAuditAccessLog_RecordsReadsOfTheAuditGetItself(t *testing.T) {
	pol := minimalPolicy()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/e.db", testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	seedSealedEvidence(t, store, "run_logged", "default")

	srv := NewServer(nil, nil, nil, store, engine, pol, "", nil, map[string]string{"k": "default"})
	r := srv.Routes()

	// Reading the audit record once writes one access-log row; reading the
	// access log itself then reads by correlation id a second time, writing
	// a second row -- both show up when we fetch the log.
	getReq := httptest.NewRequest(http.MethodGet, "/v1/audit/run_logged", nil)
	getReq.Header.Set("X-Talon-Key", "k")
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	logReq := httptest.NewRequest(http.MethodGet, "/v1/audit/run_logged/access-log", nil)
	logReq.Header.Set("X-Talon-Key", "k")
	logRec := httptest.NewRecorder()
	r.ServeHTTP(logRec, logReq)
	require.Equal(t, http.StatusOK, logRec.Code)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(logRec.Body).Decode(&out))
	assert.Equal(t, "run_logged", out["run_id"])
	entries, _ := out["access_log"].([]interface{})
	assert.GreaterOrEqual(t, len(entries), 2, "both the audit-get and the access-log's own lookup should have logged a read")
}
