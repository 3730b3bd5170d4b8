// Package doctor provides health checks for Talon configuration and runtime.
// Used by `talon doctor` and as a safety gate for `talon enforce enable`.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dativo-io/talon-legal/internal/config"
	"github.com/dativo-io/talon-legal/internal/evidence"
	"github.com/dativo-io/talon-legal/internal/policy"
	"github.com/dativo-io/talon-legal/internal/retrieval/lexical"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which check categories to run.
type Options struct {
	QdrantURL     string // vector leg's base URL (empty = skip)
	LexicalDBPath string // lexical leg's SQLite path (empty = skip)
	SkipUpstream  bool   // Skip upstream connectivity checks (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	report.Checks = append(report.Checks, checkConfig()...)
	if !opts.SkipUpstream {
		report.Checks = append(report.Checks, checkRetrieval(ctx, opts)...)
	} else if opts.LexicalDBPath != "" {
		report.Checks = append(report.Checks, checkLexicalIndex(opts.LexicalDBPath))
	}
	report.Checks = append(report.Checks, checkSystem()...)

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkConfig() []CheckResult {
	var results []CheckResult

	cfg, err := config.Load()
	if err != nil {
		return []CheckResult{{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check TALONLEGAL_DATA_DIR and config file",
		}}
	}

	results = append(results, checkDataDir(cfg))
	results = append(results, checkPolicy(cfg))
	results = append(results, checkLLMKeys())
	results = append(results, checkCryptoKeys(cfg)...)
	results = append(results, checkEvidenceDB(cfg))
	return results
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable — %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkPolicy(cfg *config.Config) CheckResult {
	policyPath := cfg.DefaultPolicy
	if _, err := os.Stat(policyPath); err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — file not found", policyPath),
			Fix:     "Run 'talon init' to create a policy file",
		}
	}
	pol, loadErr := policy.LoadPolicy(context.Background(), policyPath, false, ".")
	if loadErr != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", policyPath, loadErr),
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (agent %s)", policyPath, pol.Agent.Name),
	}
}

func checkLLMKeys() CheckResult {
	hasOpenAI := os.Getenv("OPENAI_API_KEY") != ""
	hasAnthropic := os.Getenv("ANTHROPIC_API_KEY") != ""
	hasAWS := os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != ""
	if !hasOpenAI && !hasAnthropic && !hasAWS {
		return CheckResult{
			Name: "llm_keys", Category: "config", Status: "fail",
			Message: "No OPENAI_API_KEY, ANTHROPIC_API_KEY, or AWS credentials found",
			Fix:     "Set at least one LLM provider key (env or vault)",
		}
	}
	var keys []string
	if hasOpenAI {
		keys = append(keys, "openai")
	}
	if hasAnthropic {
		keys = append(keys, "anthropic")
	}
	if hasAWS {
		keys = append(keys, "aws")
	}
	return CheckResult{
		Name: "llm_keys", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%v (env)", keys),
	}
}

func checkCryptoKeys(cfg *config.Config) []CheckResult {
	var results []CheckResult
	if cfg.UsingDefaultSecretsKey() {
		results = append(results, CheckResult{
			Name: "secrets_key", Category: "config", Status: "warn",
			Message: "Using generated default", Fix: "Set TALONLEGAL_SECRETS_KEY for production",
		})
	} else {
		results = append(results, CheckResult{
			Name: "secrets_key", Category: "config", Status: "pass", Message: "Configured",
		})
	}
	if cfg.UsingDefaultSigningKey() {
		results = append(results, CheckResult{
			Name: "signing_key", Category: "config", Status: "warn",
			Message: "Using generated default", Fix: "Set TALONLEGAL_SIGNING_KEY for production",
		})
	} else {
		results = append(results, CheckResult{
			Name: "signing_key", Category: "config", Status: "pass", Message: "Configured",
		})
	}
	return results
}

func checkEvidenceDB(cfg *config.Config) CheckResult {
	store, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if err != nil {
		return CheckResult{
			Name: "evidence_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = store.Close()
	return CheckResult{
		Name: "evidence_db", Category: "config", Status: "pass",
		Message: cfg.EvidenceDBPath(),
	}
}

// checkRetrieval probes the federated retrieval subsystem's two legs: the
// Qdrant vector store (HTTP reachability) and the lexical SQLite index
// (can it open). Replaces the teacher's checkGateway family — the gateway's
// upstream-provider-reachability shape is the same idea applied to C2's
// backends instead of an LLM gateway's proxied providers.
func checkRetrieval(ctx context.Context, opts Options) []CheckResult {
	var results []CheckResult

	if opts.QdrantURL != "" {
		results = append(results, checkUpstream(ctx, "qdrant", opts.QdrantURL)...)
	}

	if opts.LexicalDBPath != "" {
		results = append(results, checkLexicalIndex(opts.LexicalDBPath))
	}

	return results
}

func checkLexicalIndex(dbPath string) CheckResult {
	store, err := lexical.NewStore(dbPath)
	if err != nil {
		return CheckResult{
			Name: "retrieval_lexical_index", Category: "retrieval", Status: "fail",
			Message: fmt.Sprintf("%s — %v", dbPath, err),
			Fix:     "Check the lexical index path is writable and SQLite is available",
		}
	}
	defer store.Close()
	return CheckResult{
		Name: "retrieval_lexical_index", Category: "retrieval", Status: "pass",
		Message: dbPath,
	}
}

func checkUpstream(ctx context.Context, name, baseURL string) []CheckResult {
	var results []CheckResult

	client := &http.Client{Timeout: 5 * time.Second}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if reqErr != nil {
		return []CheckResult{{
			Name: "retrieval_upstream_" + name, Category: "retrieval", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", reqErr),
		}}
	}
	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // G704: URL from operator-controlled config, not user input
	latency := time.Since(start)

	if err != nil {
		return []CheckResult{{
			Name: "retrieval_upstream_" + name, Category: "retrieval", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the configured Qdrant URL",
		}}
	}
	resp.Body.Close()

	results = append(results, CheckResult{
		Name: "retrieval_upstream_" + name, Category: "retrieval", Status: "pass",
		Message: fmt.Sprintf("%s — %dms", baseURL, latency.Milliseconds()),
	})

	if latency > 2*time.Second {
		results = append(results, CheckResult{
			Name: "retrieval_upstream_latency_" + name, Category: "retrieval", Status: "fail",
			Message: fmt.Sprintf("%.1fs (> 2s threshold)", latency.Seconds()),
			Fix:     "Consider a closer region for the vector store",
		})
	} else if latency > time.Second {
		results = append(results, CheckResult{
			Name: "retrieval_upstream_latency_" + name, Category: "retrieval", Status: "warn",
			Message: fmt.Sprintf("%.1fs (> 1s threshold)", latency.Seconds()),
			Fix:     "Consider a closer region for the vector store",
		})
	}

	return results
}

func checkSystem() []CheckResult {
	var results []CheckResult

	cfg, err := config.Load()
	if err != nil {
		return results
	}

	evDir := filepath.Dir(cfg.EvidenceDBPath())
	if info, statErr := os.Stat(evDir); statErr == nil && info.IsDir() {
		testPath := filepath.Join(evDir, ".doctor-space-test")
		data := make([]byte, 1024)
		if writeErr := os.WriteFile(testPath, data, 0o600); writeErr != nil {
			results = append(results, CheckResult{
				Name: "disk_space", Category: "system", Status: "warn",
				Message: "Cannot write test file to evidence directory",
			})
		} else {
			_ = os.Remove(testPath)
			results = append(results, CheckResult{
				Name: "disk_space", Category: "system", Status: "pass",
				Message: evDir,
			})
		}
	}

	store, storeErr := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if storeErr == nil {
		defer store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		count, countErr := store.CountInRange(ctx, "", "", time.Time{}, time.Time{})
		if countErr == nil {
			fi, _ := os.Stat(cfg.EvidenceDBPath())
			sizeStr := "unknown"
			if fi != nil {
				sizeMB := float64(fi.Size()) / (1024 * 1024)
				sizeStr = fmt.Sprintf("%.1f MB", sizeMB)
			}
			results = append(results, CheckResult{
				Name: "evidence_stats", Category: "system", Status: "pass",
				Message: fmt.Sprintf("%d records, %s", count, sizeStr),
			})
		}
	}

	return results
}
