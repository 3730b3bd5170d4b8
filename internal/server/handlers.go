package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/talon-legal/internal/agent"
	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/feedback"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/retrieval/external"
)

const (
	maxQueryBytes       = 32 * 1024
	maxExternalDocCount = 10
	maxExternalDocBytes = 512 * 1024
	maxExternalAggBytes = 2 * 1024 * 1024
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"evidence_store": "ok",
			"policy_engine":  "ok",
		}
		if s.feedbackStore == nil {
			components["feedback_store"] = "disabled"
		} else {
			components["feedback_store"] = "ok"
		}
		if s.mcpHandler == nil {
			components["mcp"] = "disabled"
		} else {
			components["mcp"] = "ok"
		}
		if s.planReviewStore == nil {
			components["plan_review"] = "disabled"
		} else {
			components["plan_review"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitRunRequest mirrors spec.md §6's submit-run wire contract.
type submitRunRequest struct {
	Query             string                   `json:"query"`
	TaskKind          string                   `json:"task_kind"`
	TenantID          string                   `json:"tenant_id"`
	UserID            string                   `json:"user_id"`
	ExternalDocuments []externalDocumentWire   `json:"external_documents"`
	Config            submitRunConfigWire      `json:"config"`
}

type externalDocumentWire struct {
	SourceID string            `json:"source_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type submitRunConfigWire struct {
	UseInternalRAG        *bool              `json:"use_internal_rag"`
	KTotal                *int               `json:"k_total"`
	EnablePersonalisation *bool              `json:"enable_personalisation"`
	PersonalisationAlpha  *float64           `json:"personalisation_alpha"`
	MaxIterations         *int               `json:"max_iterations"`
	DeadlineMS            *int               `json:"deadline_ms"`
	CostCeiling           *float64           `json:"cost_ceiling"`
	ModelPreferences      map[string]string  `json:"model_preferences"`
	PIIStrategy           string             `json:"pii_strategy"`
	DocumentType          string             `json:"document_type"`
}

type runResponse struct {
	RunID           string                `json:"run_id"`
	FinalText       string                `json:"final_text,omitempty"`
	DocumentType    string                `json:"document_type,omitempty"`
	ContextSummary  ContextSummary        `json:"context_summary"`
	ExternalSources []ConsumedSource      `json:"external_sources_consumed"`
	WallClockMS     int64                 `json:"wall_clock_ms"`
	Status          graph.Status          `json:"status"`
	ErrorKind       string                `json:"error_kind,omitempty"`
	ErrorCause      string                `json:"error_cause,omitempty"`
}

func runResultToResponse(result *RunResult) runResponse {
	return runResponse{
		RunID:           result.RunID,
		FinalText:       result.FinalText,
		DocumentType:    result.DocumentType,
		ContextSummary:  result.ContextSummary,
		ExternalSources: result.ExternalSources,
		WallClockMS:     result.WallClock.Milliseconds(),
		Status:          result.Status,
		ErrorKind:       result.ErrorKind,
		ErrorCause:      result.ErrorCause,
	}
}

// buildRunState validates a submit-run request and constructs the initial
// RunState the executor will drive. The query is scanned and redacted here,
// not inside the executor — CheckpointOnIngest only ever reads
// state.PIIReport, it never scans state.Query itself (see
// internal/graph/checkpoint.go), so ingress is the one place this has to
// happen.
func (s *Server) buildRunState(ctx context.Context, tenantID string, req *submitRunRequest) (*graph.RunState, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if len(req.Query) > maxQueryBytes {
		return nil, fmt.Errorf("query exceeds %d bytes", maxQueryBytes)
	}
	switch graph.TaskKind(req.TaskKind) {
	case graph.TaskDraft, graph.TaskReview, graph.TaskSummarise, graph.TaskAnswer:
	default:
		return nil, fmt.Errorf("task_kind must be one of draft, review, summarise, answer")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if len(req.ExternalDocuments) > maxExternalDocCount {
		return nil, fmt.Errorf("external_documents exceeds %d entries", maxExternalDocCount)
	}

	docs := make([]external.Document, 0, len(req.ExternalDocuments))
	var aggregate int
	for _, d := range req.ExternalDocuments {
		if len(d.Text) > maxExternalDocBytes {
			return nil, fmt.Errorf("external document %q exceeds %d bytes", d.SourceID, maxExternalDocBytes)
		}
		aggregate += len(d.Text)
		if aggregate > maxExternalAggBytes {
			return nil, fmt.Errorf("external_documents aggregate text exceeds %d bytes", maxExternalAggBytes)
		}
		if s.attachmentScanner != nil {
			if scan := s.attachmentScanner.Scan(ctx, d.Text); !scan.Safe {
				return nil, fmt.Errorf("external document %q flagged as prompt injection (severity %d)", d.SourceID, scan.MaxSeverity)
			}
		}
		docs = append(docs, external.Document{SourceID: d.SourceID, Text: d.Text, Metadata: d.Metadata})
	}

	cfg := graph.DefaultConfig()
	wire := req.Config
	if wire.UseInternalRAG != nil {
		cfg.UseInternalRAG = *wire.UseInternalRAG
	}
	if wire.KTotal != nil {
		cfg.KTotal = clampInt(*wire.KTotal, 0, 100)
	}
	if wire.EnablePersonalisation != nil {
		cfg.EnablePersonalisation = *wire.EnablePersonalisation
	}
	if wire.PersonalisationAlpha != nil {
		cfg.PersonalisationAlpha = clampFloat(*wire.PersonalisationAlpha, 0, 1)
	}
	if wire.MaxIterations != nil {
		if *wire.MaxIterations < 1 {
			return nil, fmt.Errorf("max_iterations must be >= 1")
		}
		cfg.MaxIterations = *wire.MaxIterations
	}
	if wire.DeadlineMS != nil {
		cfg.DeadlineMS = *wire.DeadlineMS
	}
	// cost_ceiling defaults to unlimited (0): the tenant model carries daily
	// and monthly budgets but no per-run ceiling to inherit one from.
	if wire.CostCeiling != nil {
		cfg.CostCeiling = *wire.CostCeiling
	}
	if wire.PIIStrategy != "" {
		strategy := classifier.RedactionStrategy(wire.PIIStrategy)
		switch strategy {
		case classifier.StrategyTyped, classifier.StrategyHashed, classifier.StrategyMasked:
			cfg.PIIStrategy = strategy
		default:
			return nil, fmt.Errorf("pii_strategy must be one of typed, hashed, masked")
		}
	}
	if wire.DocumentType != "" {
		cfg.DocumentType = wire.DocumentType
	}
	if len(wire.ModelPreferences) > 0 {
		prefs := make(map[graph.AgentKind]string, len(wire.ModelPreferences))
		for k, v := range wire.ModelPreferences {
			prefs[graph.AgentKind(k)] = v
		}
		cfg.ModelPreferences = prefs
	}

	state := &graph.RunState{
		RunID:             "run_" + uuid.New().String(),
		TenantID:          tenantID,
		UserID:            req.UserID,
		TaskKind:          graph.TaskKind(req.TaskKind),
		DocumentType:      cfg.DocumentType,
		StartedAt:         time.Now(),
		Query:             req.Query,
		ExternalDocuments: docs,
		ConfigBundle:      cfg,
		Budget: graph.Budget{
			MaxIterations: cfg.MaxIterations,
			Deadline:      time.Duration(cfg.DeadlineMS) * time.Millisecond,
			CostCeiling:   cfg.CostCeiling,
		},
	}
	state.Consumption.StartedAt = state.StartedAt

	if s.ingestScanner != nil {
		classification := s.ingestScanner.RedactWithStrategy(ctx, state.Query, cfg.PIIStrategy)
		state.PIIReport = classification.Entities
		state.Query = classification.Redacted

		// External documents never reach the query scan above, but they are
		// just as much of an ingress surface — a caller-supplied contract
		// with a counterparty's tax id embedded in its text must be redacted
		// before any agent turn reads it, same as the query itself.
		for i := range state.ExternalDocuments {
			docClass := s.ingestScanner.RedactWithStrategy(ctx, state.ExternalDocuments[i].Text, cfg.PIIStrategy)
			state.PIIReport = append(state.PIIReport, docClass.Entities...)
			state.ExternalDocuments[i].Text = docClass.Redacted
		}
	}

	return state, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleSubmitRun is the entry point for C1: it validates and redacts the
// request, submits the run to the pool, and blocks until the run reaches a
// terminal status (graph.Pool.Submit's documented behaviour) before
// snapshotting the result into the run registry and responding.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = req.TenantID
	}

	state, err := s.buildRunState(r.Context(), tenantID, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	deadline := state.Budget.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline+30*time.Second)
	defer cancel()

	if err := s.pool.Submit(ctx, state); err != nil {
		if errors.Is(err, graph.ErrPoolFull) {
			writeError(w, http.StatusTooManyRequests, "pool_full", "run queue is full, retry later")
			return
		}
		if errors.Is(err, graph.ErrPoolClosed) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
			return
		}
		log.Error().Err(err).Str("run_id", state.RunID).Msg("run_submit_timed_out")
		writeError(w, http.StatusGatewayTimeout, "timeout", "run did not finish before the request deadline")
		return
	}

	result := snapshotRunResult(state)
	s.runRegistry.Put(result)

	status := http.StatusOK
	if result.Status != graph.StatusSucceeded && result.Status != graph.StatusBudgetExhausted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, runResultToResponse(result))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	result, ok := s.runRegistry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runResultToResponse(result))
}

type submitFeedbackRequest struct {
	RunID         string             `json:"run_id"`
	RaterID       string             `json:"rater_id"`
	Rating        int                `json:"rating"`
	Comment       string             `json:"comment"`
	ErrorSpans    []feedback.ErrorSpan `json:"error_spans"`
	MissingSource []feedback.MissingSourceHint `json:"missing_source_hints"`
	EditedText    string             `json:"edited_text"`
	Tags          []string           `json:"tags"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if s.feedbackStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "feedback is disabled")
		return
	}
	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	ev := &feedback.Event{
		ID:            "fb_" + uuid.New().String(),
		RunID:         req.RunID,
		RaterID:       req.RaterID,
		Rating:        req.Rating,
		Comment:       req.Comment,
		ErrorSpans:    req.ErrorSpans,
		MissingSource: req.MissingSource,
		EditedText:    req.EditedText,
		Tags:          req.Tags,
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.feedbackStore.Attach(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, feedback.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, feedback.ErrRunNotTerminated):
			writeError(w, http.StatusConflict, "conflict", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ev.ID, "status": "recorded"})
}

func (s *Server) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
	if s.feedbackStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "feedback is disabled")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id is required")
		return
	}
	summary, err := s.feedbackStore.Summarize(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id is required")
		return
	}
	accessor := TenantIDFromContext(r.Context())
	if accessor == "" {
		accessor = "api"
	}
	ev, err := s.evidenceStore.GetByCorrelationID(r.Context(), runID, accessor)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAuditAccessLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id is required")
		return
	}
	accessor := TenantIDFromContext(r.Context())
	if accessor == "" {
		accessor = "api"
	}
	ev, err := s.evidenceStore.GetByCorrelationID(r.Context(), runID, accessor)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	log_, err := s.evidenceStore.AccessLog(r.Context(), ev.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evidence_id": ev.ID, "run_id": runID, "access_log": log_})
}

func (s *Server) handleEvidenceList(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	agentID := r.URL.Query().Get("agent_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	var from, to time.Time
	if f := r.URL.Query().Get("from"); f != "" {
		from, _ = time.Parse(time.RFC3339, f)
	}
	if t := r.URL.Query().Get("to"); t != "" {
		to, _ = time.Parse(time.RFC3339, t)
	}
	entries, err := s.evidenceStore.ListIndex(r.Context(), tenantID, agentID, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"layer":   "index",
		"entries": entries,
		"hint":    "use GET /v1/evidence/timeline?around=<id> or GET /v1/evidence/<id> for more",
	})
}

func (s *Server) handleEvidenceTimeline(w http.ResponseWriter, r *http.Request) {
	around := r.URL.Query().Get("around")
	if around == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "around query parameter is required")
		return
	}
	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	if before <= 0 {
		before = 3
	}
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	if after <= 0 {
		after = 3
	}
	entries, err := s.evidenceStore.Timeline(r.Context(), around, before, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"layer":   "timeline",
		"around":  around,
		"before":  before,
		"after":   after,
		"entries": entries,
		"hint":    "use GET /v1/evidence/<id> for full detail",
	})
}

func (s *Server) handleEvidenceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	ev, err := s.evidenceStore.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	valid, err := s.evidenceStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

type evidenceExportRequest struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Limit    int    `json:"limit"`
	Format   string `json:"format"` // csv | json
}

func (s *Server) handleEvidenceExport(w http.ResponseWriter, r *http.Request) {
	var req evidenceExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = req.TenantID
	}
	if tenantID == "" {
		tenantID = "default"
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	var from, to time.Time
	if req.From != "" {
		from, _ = time.Parse(time.RFC3339, req.From)
	}
	if req.To != "" {
		to, _ = time.Parse(time.RFC3339, req.To)
	}
	format := req.Format
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be csv or json")
		return
	}
	list, err := s.evidenceStore.List(r.Context(), tenantID, req.AgentID, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	records := make([]evidence.ExportRecord, len(list))
	for i := range list {
		records[i] = evidence.ToExportRecord(&list[i])
	}
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "timestamp", "tenant_id", "agent_id", "invocation_type", "allowed", "cost", "model_used", "duration_ms", "has_error", "input_tier", "output_tier", "pii_detected", "pii_redacted", "policy_reasons", "tools_called", "input_hash", "output_hash"})
		for i := range records {
			rec := &records[i]
			pii := rec.PIIDetectedCSV()
			reasons := rec.PolicyReasonsCSV()
			tools := rec.ToolsCalledCSV()
			_ = cw.Write([]string{
				rec.ID, rec.Timestamp.Format(time.RFC3339), rec.TenantID, rec.AgentID, rec.InvocationType,
				strconv.FormatBool(rec.Allowed), strconv.FormatFloat(rec.Cost, 'f', -1, 64), rec.ModelUsed,
				strconv.FormatInt(rec.DurationMS, 10), strconv.FormatBool(rec.HasError),
				strconv.Itoa(rec.InputTier), strconv.Itoa(rec.OutputTier), pii, strconv.FormatBool(rec.PIIRedacted),
				reasons, tools, rec.InputHash, rec.OutputHash,
			})
		}
		cw.Flush()
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	resp := map[string]interface{}{"status": "ok", "evidence_count_today": 0, "cost_today": 0.0, "monthly": 0.0, "queued_runs": 0}
	if s.evidenceStore != nil {
		if n, err := s.evidenceStore.CountInRange(r.Context(), tenantID, "", dayStart, dayEnd); err == nil {
			resp["evidence_count_today"] = n
		}
		if cost, err := s.evidenceStore.CostTotal(r.Context(), tenantID, "", dayStart, dayEnd); err == nil {
			resp["cost_today"] = cost
		}
		if cost, err := s.evidenceStore.CostTotal(r.Context(), tenantID, "", monthStart, monthEnd); err == nil {
			resp["monthly"] = cost
		}
	}
	if s.pool != nil {
		resp["queued_runs"] = s.pool.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	daily, _ := s.evidenceStore.CostTotal(r.Context(), tenantID, "", dayStart, dayEnd)
	monthly, _ := s.evidenceStore.CostTotal(r.Context(), tenantID, "", monthStart, monthEnd)
	byModel, _ := s.evidenceStore.CostByModel(r.Context(), tenantID, monthStart, monthEnd)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"daily":     daily,
		"monthly":   monthly,
		"by_model":  byModel,
	})
}

func (s *Server) handleCostsBudget(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	dailyUsed, _ := s.evidenceStore.CostTotal(r.Context(), tenantID, "", dayStart, dayEnd)
	monthlyUsed, _ := s.evidenceStore.CostTotal(r.Context(), tenantID, "", monthStart, monthEnd)
	out := map[string]interface{}{
		"tenant_id":    tenantID,
		"daily_used":   dailyUsed,
		"monthly_used": monthlyUsed,
	}
	if s.policy != nil && s.policy.Policies.CostLimits != nil {
		out["daily_limit"] = s.policy.Policies.CostLimits.Daily
		out["monthly_limit"] = s.policy.Policies.CostLimits.Monthly
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	list, err := s.secretsStore.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"secrets": list})
}

func (s *Server) handleSecretsAudit(w http.ResponseWriter, r *http.Request) {
	secretName := r.URL.Query().Get("secret_name")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	list, err := s.secretsStore.AuditLog(r.Context(), secretName, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": list})
}

func (s *Server) handlePlansPending(w http.ResponseWriter, r *http.Request) {
	if s.planReviewStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "plan review is disabled")
		return
	}
	tenantID := TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = "default"
	}
	plans, err := s.planReviewStore.GetPending(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	if s.planReviewStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "plan review is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	plan, err := s.planReviewStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, agent.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	if s.planReviewStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "plan review is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	var req struct {
		ReviewedBy string `json:"reviewed_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	err := s.planReviewStore.Approve(r.Context(), id, req.ReviewedBy)
	if err != nil {
		if errors.Is(err, agent.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		if errors.Is(err, agent.ErrPlanNotPending) {
			writeError(w, http.StatusConflict, "conflict", "plan is not pending")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handlePlanReject(w http.ResponseWriter, r *http.Request) {
	if s.planReviewStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "plan review is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	var req struct {
		ReviewedBy string `json:"reviewed_by"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	err := s.planReviewStore.Reject(r.Context(), id, req.ReviewedBy, req.Reason)
	if err != nil {
		if errors.Is(err, agent.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		if errors.Is(err, agent.ErrPlanNotPending) {
			writeError(w, http.StatusConflict, "conflict", "plan is not pending")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handlePlanModify(w http.ResponseWriter, r *http.Request) {
	if s.planReviewStore == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "plan review is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	var req struct {
		ReviewedBy  string             `json:"reviewed_by"`
		Annotations []agent.Annotation `json:"annotations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	err := s.planReviewStore.Modify(r.Context(), id, req.ReviewedBy, req.Annotations)
	if err != nil {
		if errors.Is(err, agent.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		if errors.Is(err, agent.ErrPlanNotPending) {
			writeError(w, http.StatusConflict, "conflict", "plan is not pending")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "modified"})
}

func (s *Server) handlePoliciesList(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"policies": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":   s.policy.Agent,
		"version": s.policy.VersionTag,
		"hash":    s.policy.Hash,
	})
}

func (s *Server) handlePoliciesEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]interface{} `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if s.policyEngine == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "policy engine not available")
		return
	}
	decision, err := s.policyEngine.Evaluate(r.Context(), req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.dashboardHTML == "" {
		writeError(w, http.StatusNotFound, "not_found", "dashboard not configured")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:gosec // G705: dashboard HTML is embedded at build time (web.DashboardHTML), not user-controlled
	_, _ = w.Write([]byte(s.dashboardHTML))
}
