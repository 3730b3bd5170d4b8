package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ConfigCategory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALONLEGAL_DATA_DIR", dir)
	t.Setenv("OPENAI_API_KEY", "sk-test-key")

	policyPath := filepath.Join(dir, "agent.legalgen.yaml")
	policyYAML := `
agent:
  name: test
  description: test
  version: "1.0.0"
  model_tier: 0
policies:
  cost_limits: {}
  model_routing:
    tier_0:
      primary: gpt-4o-mini
      location: any
`
	require.NoError(t, os.WriteFile(policyPath, []byte(policyYAML), 0o600))

	prevWd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prevWd) })

	ctx := context.Background()
	report := Run(ctx, Options{SkipUpstream: true})

	configChecks := 0
	for _, c := range report.Checks {
		if c.Category == "config" {
			configChecks++
		}
	}
	assert.GreaterOrEqual(t, configChecks, 4, "should have at least 4 config checks")
	assert.GreaterOrEqual(t, report.Summary.Pass, 3)
}

func TestRun_RetrievalCategory_LexicalIndexOpens(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALONLEGAL_DATA_DIR", dir)

	dbPath := filepath.Join(dir, "lexical.db")
	ctx := context.Background()
	report := Run(ctx, Options{LexicalDBPath: dbPath, SkipUpstream: false})

	found := false
	for _, c := range report.Checks {
		if c.Name == "retrieval_lexical_index" {
			found = true
			assert.Equal(t, "pass", c.Status)
			assert.Equal(t, dbPath, c.Message)
		}
	}
	assert.True(t, found, "should include retrieval_lexical_index check")
}

func TestRun_RetrievalCategory_SkippedWithoutPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALONLEGAL_DATA_DIR", dir)

	ctx := context.Background()
	report := Run(ctx, Options{SkipUpstream: true})

	for _, c := range report.Checks {
		assert.NotEqual(t, "retrieval", c.Category, "should skip retrieval checks without configured paths")
	}
}

func TestRun_RetrievalCategory_InvalidLexicalPathFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALONLEGAL_DATA_DIR", dir)

	ctx := context.Background()
	report := Run(ctx, Options{LexicalDBPath: filepath.Join(dir, "missing", "nested", "lexical.db")})

	found := false
	for _, c := range report.Checks {
		if c.Name == "retrieval_lexical_index" {
			found = true
			assert.Equal(t, "fail", c.Status)
		}
	}
	assert.True(t, found)
}

func TestCheckResult_StatusValues(t *testing.T) {
	statuses := []string{"pass", "warn", "fail"}
	for _, s := range statuses {
		cr := CheckResult{Status: s, Name: "test_" + s}
		assert.NotEmpty(t, cr.Status)
	}
}

func TestReport_SummaryCalculation(t *testing.T) {
	report := &Report{
		Checks: []CheckResult{
			{Status: "pass", Name: "a"},
			{Status: "pass", Name: "b"},
			{Status: "warn", Name: "c"},
			{Status: "fail", Name: "d"},
		},
	}
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

	assert.Equal(t, 2, report.Summary.Pass)
	assert.Equal(t, 1, report.Summary.Warn)
	assert.Equal(t, 1, report.Summary.Fail)
}
