package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/talon-legal/internal/agent"
	"github.com/dativo-io/talon-legal/internal/attachment"
	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/feedback"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/otel"
	"github.com/dativo-io/talon-legal/internal/policy"
	"github.com/dativo-io/talon-legal/internal/secrets"
	"github.com/dativo-io/talon-legal/internal/tenant"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API and MCP endpoints.
type Server struct {
	router *chi.Mux

	pool        *graph.Pool
	runRegistry *RunRegistry

	ingestScanner     *classifier.Scanner
	attachmentScanner *attachment.Scanner

	evidenceStore   *evidence.Store
	feedbackStore   *feedback.Store
	tenantManager   *tenant.Manager
	planReviewStore *agent.PlanReviewStore
	policyEngine    *policy.Engine
	secretsStore    *secrets.SecretStore
	policy          *policy.Policy

	mcpHandler http.Handler

	dashboardHTML string
	apiKeys       map[string]string
	corsOrigins   []string
	policyPath    string
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithMCPHandler sets the HTTP handler for the MCP streamable transport.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcpHandler = h }
}

// WithTenantManager sets the tenant manager for rate limiting and budgets.
func WithTenantManager(tm *tenant.Manager) Option {
	return func(s *Server) { s.tenantManager = tm }
}

// WithPlanReviewStore sets the plan review store for EU AI Act Art. 14.
func WithPlanReviewStore(pr *agent.PlanReviewStore) Option {
	return func(s *Server) { s.planReviewStore = pr }
}

// WithFeedbackStore sets the feedback store backing /v1/feedback.
func WithFeedbackStore(f *feedback.Store) Option {
	return func(s *Server) { s.feedbackStore = f }
}

// WithAttachmentScanner sets the prompt-injection scanner applied to
// submit-run requests' external documents.
func WithAttachmentScanner(sc *attachment.Scanner) Option {
	return func(s *Server) { s.attachmentScanner = sc }
}

// WithDashboard sets the embedded dashboard HTML.
func WithDashboard(html string) Option {
	return func(s *Server) { s.dashboardHTML = html }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"] for MVP).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s). pool drives every submitted run to completion; ingestScanner
// classifies and redacts a submit-run request's query before the run
// starts, mirroring the executor's own assumption that C1 already acted on
// state.Query by the time CheckpointOnIngest runs.
func NewServer(
	pool *graph.Pool,
	runRegistry *RunRegistry,
	ingestScanner *classifier.Scanner,
	evidenceStore *evidence.Store,
	policyEngine *policy.Engine,
	policy *policy.Policy,
	policyPath string,
	secretsStore *secrets.SecretStore,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		pool:          pool,
		runRegistry:   runRegistry,
		ingestScanner: ingestScanner,
		evidenceStore: evidenceStore,
		policyEngine:  policyEngine,
		policy:        policy,
		policyPath:    policyPath,
		secretsStore:  secretsStore,
		apiKeys:       apiKeys,
		corsOrigins:   []string{"*"},
		startTime:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all
// middleware and routes). POST /v1/runs is registered without the default
// request timeout so the handler's own deadline (ConfigBundle.DeadlineMS)
// applies instead.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.tenantManager))

		// Long-running: no request timeout so a run's own deadline applies.
		r.Post("/v1/runs", s.handleSubmitRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/runs/{id}", s.handleGetRun)

			r.Post("/v1/feedback", s.handleSubmitFeedback)
			r.Get("/v1/feedback/{run_id}/summary", s.handleFeedbackSummary)

			r.Get("/v1/audit/{run_id}", s.handleAuditGet)
			r.Get("/v1/audit/{run_id}/access-log", s.handleAuditAccessLog)

			r.Get("/v1/evidence", s.handleEvidenceList)
			r.Get("/v1/evidence/timeline", s.handleEvidenceTimeline)
			r.Get("/v1/evidence/{id}", s.handleEvidenceGet)
			r.Get("/v1/evidence/{id}/verify", s.handleEvidenceVerify)
			r.Post("/v1/evidence/export", s.handleEvidenceExport)

			r.Get("/v1/status", s.handleStatus)
			r.Get("/v1/costs", s.handleCosts)
			r.Get("/v1/costs/budget", s.handleCostsBudget)

			r.Get("/v1/secrets", s.handleSecretsList)
			r.Get("/v1/secrets/audit", s.handleSecretsAudit)

			r.Get("/v1/plans/pending", s.handlePlansPending)
			r.Get("/v1/plans/{id}", s.handlePlanGet)
			r.Post("/v1/plans/{id}/approve", s.handlePlanApprove)
			r.Post("/v1/plans/{id}/reject", s.handlePlanReject)
			r.Post("/v1/plans/{id}/modify", s.handlePlanModify)

			r.Get("/v1/policies", s.handlePoliciesList)
			r.Post("/v1/policies/evaluate", s.handlePoliciesEvaluate)
		})
	})

	// MCP clients authenticate the same way HTTP API callers do.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.tenantManager))
		if s.mcpHandler != nil {
			r.Post("/mcp", s.mcpHandler.ServeHTTP)
		}
	})

	// Dashboard (no auth for same-origin MVP; optional to protect later)
	r.Get("/", s.handleDashboard)
	r.Get("/dashboard", s.handleDashboard)

	return r
}
