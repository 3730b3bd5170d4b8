package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/talon-legal/internal/agent"
	"github.com/dativo-io/talon-legal/internal/agent/tools"
	"github.com/dativo-io/talon-legal/internal/attachment"
	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/config"
	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/feedback"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/llm"
	"github.com/dativo-io/talon-legal/internal/mcp"
	"github.com/dativo-io/talon-legal/internal/policy"
	"github.com/dativo-io/talon-legal/internal/retrieval"
	"github.com/dativo-io/talon-legal/internal/retrieval/lexical"
	"github.com/dativo-io/talon-legal/internal/retrieval/vector"
	"github.com/dativo-io/talon-legal/internal/secrets"
	"github.com/dativo-io/talon-legal/internal/server"
	"github.com/dativo-io/talon-legal/internal/tenant"
	"github.com/dativo-io/talon-legal/internal/trigger"
	"github.com/dativo-io/talon-legal/web"
)

var (
	servePort      int
	serveWorkers   int
	serveQueueCap  int
	serveDashboard bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Talon server with cron-scheduled retrieval maintenance",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 4, "number of concurrent run workers")
	serveCmd.Flags().IntVar(&serveQueueCap, "queue-capacity", 64, "maximum number of runs queued before 429")
	serveCmd.Flags().BoolVar(&serveDashboard, "dashboard", true, "Serve embedded dashboard at / and /dashboard")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant_id from TALONLEGAL_API_KEYS (comma-separated; each entry key or key:tenant_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

// buildRetrievalLegs wires the vector and lexical legs of the federator.
// The vector leg is optional — it is only built when TALONLEGAL_QDRANT_URL
// is set, since spinning up Qdrant is not a requirement for running Talon
// against local lexical search alone. The returned *vector.Index doubles as
// the scheduler's trigger.CentroidSource; callers get nil when unset.
func buildRetrievalLegs(dbPath string) (*vector.Index, *lexical.Store, error) {
	lexStore, err := lexical.NewStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("lexical store: %w", err)
	}

	qdrantURL := os.Getenv("TALONLEGAL_QDRANT_URL")
	if qdrantURL == "" {
		return nil, lexStore, nil
	}
	idx, err := vector.NewIndex(vector.Config{
		URL:        qdrantURL,
		APIKey:     os.Getenv("TALONLEGAL_QDRANT_API_KEY"),
		Collection: "legal_documents",
		Dims:       768,
	})
	if err != nil {
		log.Warn().Err(err).Msg("qdrant_vector_leg_unavailable")
		return nil, lexStore, nil
	}
	return idx, lexStore, nil
}

//nolint:gocyclo // orchestration flow is inherently branched
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	policyBaseDir := "."
	policyPath := cfg.DefaultPolicy
	safePath, err := policy.ResolvePathUnderBase(policyBaseDir, policyPath)
	if err != nil {
		return fmt.Errorf("policy path: %w", err)
	}
	pol, err := policy.LoadPolicy(ctx, policyPath, false, policyBaseDir)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	policyPath = safePath

	policyEngine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	cls := classifier.MustNewScanner()
	attScanner := attachment.MustNewScanner()

	providers := buildProviders(cfg)
	router := llm.NewRouter(pol.Policies.ModelRouting, providers, pol.Policies.CostLimits)

	secretsStore, err := secrets.NewSecretStore(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing secrets: %w", err)
	}
	defer secretsStore.Close()

	evidenceStore, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing evidence: %w", err)
	}
	defer evidenceStore.Close()

	var planReviewStore *agent.PlanReviewStore
	dbPlan, err := sql.Open("sqlite3", cfg.EvidenceDBPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err == nil {
		defer dbPlan.Close()
		planReviewStore, err = agent.NewPlanReviewStore(dbPlan)
		if err != nil {
			log.Warn().Err(err).Msg("plan review store unavailable")
			planReviewStore = nil
		}
	} else {
		log.Warn().Err(err).Msg("plan review DB unavailable")
	}

	vectorLeg, lexicalLeg, err := buildRetrievalLegs(cfg.EvidenceDBPath() + "-lexical")
	if err != nil {
		return fmt.Errorf("retrieval legs: %w", err)
	}
	embedder := retrieval.NewOllamaEmbedder(cfg.OllamaBaseURL, "")
	federator := retrieval.New(vectorLeg, lexicalLeg, embedder)

	// No tenant-configuration source (file or API) exists yet; every
	// deployment runs as a single unlimited "default" tenant until one is
	// added. API keys still map to a tenant id so request routing is ready
	// for that to change without touching the handlers.
	tenantManager := tenant.NewManager([]tenant.Tenant{{ID: "default", DisplayName: "default"}}, evidenceStore)

	var sweepers []trigger.RetentionSweeper
	sweepers = append(sweepers, evidence.IntegritySweeper{Store: evidenceStore, Lookback: 30 * 24 * time.Hour, Limit: 500})
	if secretsStore != nil {
		sweepers = append(sweepers, secrets.RetentionSweeper{Store: secretsStore, MaxAge: 90 * 24 * time.Hour})
	}

	var centroidSource trigger.CentroidSource
	if vectorLeg != nil {
		centroidSource = vectorLeg
	}
	scheduler := trigger.NewScheduler(federator, centroidSource, sweepers, tenantManager.IDs)
	if centroidSource != nil {
		if err := scheduler.RegisterCentroidRefresh("0 */6 * * *", "default", 5000); err != nil {
			return fmt.Errorf("registering centroid refresh: %w", err)
		}
	}
	if err := scheduler.RegisterRetentionSweep("0 3 * * *"); err != nil {
		return fmt.Errorf("registering retention sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	toolRegistry := tools.NewRegistry()
	mcpServer := mcp.NewServer(toolRegistry)

	turnExecutor := agent.NewTurnExecutor(router, secretsStore, 2*time.Minute, agent.DefaultRetryPolicy())
	humanOversight := ""
	if pol.Compliance != nil {
		humanOversight = pol.Compliance.HumanOversight
	}
	reviewGate := agent.NewPlanReviewGate(humanOversight, agent.PlanReviewConfigFromPolicy(pol.Policies.PlanReview))
	checkpoints := graph.NewCheckpointEvaluator(policyEngine, pol, cls, reviewGate)
	sealer := evidence.NewSealer(evidence.NewGenerator(evidenceStore))
	executor := graph.NewExecutor(turnExecutor, federator, checkpoints, sealer, cls)
	pool := graph.NewPool(executor, serveWorkers, serveQueueCap)
	defer pool.Close()

	runRegistry := server.NewRunRegistry()
	feedbackStore, err := feedback.NewStore(cfg.FeedbackDBPath(), runRegistry)
	if err != nil {
		return fmt.Errorf("initializing feedback store: %w", err)
	}

	apiKeys := parseAPIKeys(os.Getenv("TALONLEGAL_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("TALONLEGAL_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	opts := []server.Option{
		server.WithTenantManager(tenantManager),
		server.WithPlanReviewStore(planReviewStore),
		server.WithFeedbackStore(feedbackStore),
		server.WithAttachmentScanner(attScanner),
		server.WithMCPHandler(mcpServer.Handler()),
		server.WithCORSOrigins([]string{"*"}),
	}
	if serveDashboard {
		opts = append(opts, server.WithDashboard(web.DashboardHTML))
	}

	srv := server.NewServer(
		pool,
		runRegistry,
		cls,
		evidenceStore,
		policyEngine,
		pol,
		policyPath,
		secretsStore,
		apiKeys,
		opts...,
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", scheduler.Entries()).
		Str("agent", pol.Agent.Name).
		Bool("dashboard", serveDashboard).
		Int("workers", serveWorkers).
		Msg("talon_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
