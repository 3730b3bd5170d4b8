package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/talon-legal/internal/config"
	"github.com/dativo-io/talon-legal/internal/doctor"
)

var (
	doctorSkipUpstream bool
	doctorQdrantURL    string
	doctorLexicalDB    string
	doctorFormat       string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, LLM key, SQLite, retrieval)",
	Long:  "Verifies the data directory is writable, the default policy is valid, at least one LLM key is available, the evidence DB is usable, and (unless skipped) the retrieval subsystem's upstream and lexical index are reachable.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSkipUpstream, "skip-upstream", false, "skip network checks against the vector store (for CI/offline)")
	doctorCmd.Flags().StringVar(&doctorQdrantURL, "qdrant-url", "", "vector leg base URL to probe (empty = skip)")
	doctorCmd.Flags().StringVar(&doctorLexicalDB, "lexical-db", "", "lexical leg SQLite path to probe (empty = skip)")
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "text", "output format: text or json")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	_, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	report := doctor.Run(ctx, doctor.Options{
		QdrantURL:     doctorQdrantURL,
		LexicalDBPath: doctorLexicalDB,
		SkipUpstream:  doctorSkipUpstream,
	})

	out := cmd.OutOrStdout()
	if doctorFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return fmt.Errorf("encoding report: %w", encErr)
		}
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			if c.Status == "warn" {
				mark = "⚠"
			} else if c.Status == "fail" {
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %s: %s\n", mark, c.Name, c.Message)
			if c.Fix != "" {
				fmt.Fprintf(out, "    fix: %s\n", c.Fix)
			}
		}
		if report.Status == "pass" {
			fmt.Fprintf(out, "\nAll checks passed.\n")
		}
	}

	if report.Status == "fail" {
		return fmt.Errorf("doctor checks failed: %d failing", report.Summary.Fail)
	}
	return nil
}
