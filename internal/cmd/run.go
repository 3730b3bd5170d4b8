package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/talon-legal/internal/agent"
	"github.com/dativo-io/talon-legal/internal/classifier"
	"github.com/dativo-io/talon-legal/internal/config"
	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/llm"
	"github.com/dativo-io/talon-legal/internal/policy"
	"github.com/dativo-io/talon-legal/internal/retrieval"
	"github.com/dativo-io/talon-legal/internal/secrets"
)

var (
	runAgentName string
	runTenantID  string
	runDryRun    bool
	runPolicy    string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single query through the agent graph and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAgentName, "agent", "default", "agent identity to record on the run")
	runCmd.Flags().StringVar(&runTenantID, "tenant", "default", "tenant id to run as")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "build the run state and policy snapshot without executing it")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "path to a policy YAML to use instead of the configured default")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	query := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	policyPath := runPolicy
	if policyPath == "" {
		policyPath = cfg.DefaultPolicy
	}
	safePath, err := policy.ResolvePathUnderBase(".", policyPath)
	if err != nil {
		return fmt.Errorf("policy path: %w", err)
	}
	pol, err := policy.LoadPolicy(ctx, policyPath, false, ".")
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	policyPath = safePath

	policyEngine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	cls := classifier.MustNewScanner()

	state := &graph.RunState{
		RunID:        "run_" + uuid.New().String(),
		TenantID:     runTenantID,
		UserID:       runAgentName,
		TaskKind:     graph.TaskAnswer,
		StartedAt:    time.Now(),
		Query:        query,
		ConfigBundle: graph.DefaultConfig(),
		Budget:       graph.DefaultBudget(),
	}
	state.Consumption.StartedAt = state.StartedAt

	classification := cls.RedactWithStrategy(ctx, state.Query, state.ConfigBundle.PIIStrategy)
	state.PIIReport = classification.Entities
	state.Query = classification.Redacted

	if runDryRun {
		log.Info().
			Str("run_id", state.RunID).
			Str("tenant", state.TenantID).
			Bool("pii_found", classification.HasPII).
			Msg("talon_run_dry_run")
		fmt.Println(state.Query)
		return nil
	}

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
	}
	_ = planReviewStore // a one-shot CLI run has no interactive reviewer to notify

	vectorLeg, lexicalLeg, err := buildRetrievalLegs(cfg.EvidenceDBPath() + "-lexical")
	if err != nil {
		return fmt.Errorf("retrieval legs: %w", err)
	}
	embedder := retrieval.NewOllamaEmbedder(cfg.OllamaBaseURL, "")
	federator := retrieval.New(vectorLeg, lexicalLeg, embedder)

	humanOversight := ""
	if pol.Compliance != nil {
		humanOversight = pol.Compliance.HumanOversight
	}
	reviewGate := agent.NewPlanReviewGate(humanOversight, agent.PlanReviewConfigFromPolicy(pol.Policies.PlanReview))
	checkpoints := graph.NewCheckpointEvaluator(policyEngine, pol, cls, reviewGate)
	sealer := evidence.NewSealer(evidence.NewGenerator(evidenceStore))
	turnExecutor := agent.NewTurnExecutor(router, secretsStore, 2*time.Minute, agent.DefaultRetryPolicy())
	executor := graph.NewExecutor(turnExecutor, federator, checkpoints, sealer, cls)

	deadline := time.Duration(state.ConfigBundle.DeadlineMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	executor.Run(runCtx, state)

	finalText := state.Working.FormatterOutput
	if finalText == "" {
		finalText = state.Working.DraftText
	}

	log.Info().
		Str("run_id", state.RunID).
		Str("status", string(state.Status)).
		Str("agent", pol.Agent.Name).
		Str("policy_path", policyPath).
		Msg("talon_run_completed")

	if state.FailureCause != "" {
		fmt.Printf("run failed: %s\n", state.FailureCause)
		return nil
	}
	fmt.Println(finalText)
	return nil
}
