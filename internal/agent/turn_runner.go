package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/talon-legal/internal/graph"
	"github.com/dativo-io/talon-legal/internal/llm"
	"github.com/dativo-io/talon-legal/internal/secrets"
)

// promptTemplateVersion lets a template change be rolled forward without
// losing the ability to explain which version produced an older turn record.
const promptTemplateVersion = "v1"

// turnPromptData is what each agent-kind template is rendered against.
type turnPromptData struct {
	TaskKind     graph.TaskKind
	DocumentType string
	Query        string
	ResearchNotes string
	DraftText     string
	CriticNotes   string
	RetrievedContext string
}

// promptTemplates holds one text/template per agent kind. Document-type
// variants are expressed as conditionals inside the template rather than as
// a second map dimension, since the five agent kinds share almost all of
// their instructions across document types and only a line or two changes.
var promptTemplates = map[graph.AgentKind]*template.Template{
	graph.AgentAnalyser: mustTemplate("analyser", `You are the analyser agent for a legal document workflow ({{.TaskKind}}{{if .DocumentType}}, document type {{.DocumentType}}{{end}}).
Read the request below and respond with JSON: {"needs_external": bool, "summary": string}.
needs_external should be true only when the request cannot be answered from the tenant's internal corpus alone.

Request:
{{.Query}}`),

	graph.AgentResearcher: mustTemplate("researcher", `You are the researcher agent. Using the retrieved context below, respond with JSON: {"notes": string}.
Summarise only what is relevant to the request; do not invent citations not present in the context.

Request:
{{.Query}}

Retrieved context:
{{.RetrievedContext}}`),

	graph.AgentDrafter: mustTemplate("drafter", `You are the drafter agent producing a {{.DocumentType}} for a {{.TaskKind}} task. Respond with JSON: {"draft": string}.
{{if .ResearchNotes}}Incorporate this research:
{{.ResearchNotes}}
{{end}}{{if .CriticNotes}}Address this revision feedback from the previous draft:
{{.CriticNotes}}
{{end}}
Request:
{{.Query}}`),

	graph.AgentCritic: mustTemplate("critic", `You are the critic agent reviewing a draft. Respond with JSON: {"verdict": "accept"|"revise", "notes": string}.
Accept only if the draft fully addresses the request with no material gaps.

Request:
{{.Query}}

Draft:
{{.DraftText}}`),

	graph.AgentFormatter: mustTemplate("formatter", `You are the formatter agent. Respond with JSON: {"output": string} containing the final, client-ready {{.DocumentType}} rendering of the draft below. Do not change its substance, only its presentation.

Draft:
{{.DraftText}}`),
}

func mustTemplate(name, body string) *template.Template {
	t, err := template.New(name + "." + promptTemplateVersion).Parse(body)
	if err != nil {
		panic(fmt.Sprintf("agent: parsing %s prompt template: %v", name, err))
	}
	return t
}

// turnOutput is the structured-output union every agent kind's response is
// parsed into; only the fields relevant to the agent kind that produced it
// are populated.
type turnOutput struct {
	NeedsExternal bool   `json:"needs_external"`
	Summary       string `json:"summary"`
	Notes         string `json:"notes"`
	Draft         string `json:"draft"`
	Verdict       string `json:"verdict"`
	Output        string `json:"output"`
}

// RetryPolicy bounds a turn's model-call retries with exponential backoff
// plus jitter, generalising the fixed-attempt retry shape used elsewhere in
// the agent runtime into a reusable, jittered policy for transient transport
// failures specifically (a parse failure gets its own single repair retry,
// see TurnExecutor.RunTurn, since re-sending the same prompt to a flaky
// transport and re-prompting a model that returned malformed JSON call for
// different remedies).
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the operator-facing defaults: three attempts,
// 200ms base doubling up to a 2s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (p RetryPolicy) normalise() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// backoffForAttempt returns the base exponential delay for a given retry
// number, before jitter is applied.
func (p RetryPolicy) backoffForAttempt(retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// jittered returns d scaled by a random factor in [0.5, 1.5), so concurrent
// turns backing off after a shared provider outage don't all retry in
// lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

// TurnExecutor is the concrete graph.TurnRunner: it selects a model per
// tenant preference, assembles a versioned prompt for the agent kind,
// invokes the provider with retry-with-backoff, parses the structured
// response (with one repair retry on a parse failure), and writes the
// result into the run's working set. It generalises Runner's fixed
// nine-step pipeline's routing/calling/parsing steps into a single
// per-turn unit the dynamic executor (internal/graph) can invoke for an
// arbitrary number of hops instead of Runner's one straight-line call.
type TurnExecutor struct {
	router      *llm.Router
	secrets     *secrets.SecretStore
	retry       RetryPolicy
	turnTimeout time.Duration
}

// NewTurnExecutor builds a turn executor over the shared LLM router and
// tenant secrets vault. turnTimeout bounds a single turn's model call
// before the remaining run deadline further shrinks it; retry is applied
// on top of that per-attempt timeout.
func NewTurnExecutor(router *llm.Router, secretStore *secrets.SecretStore, turnTimeout time.Duration, retry RetryPolicy) *TurnExecutor {
	if turnTimeout <= 0 {
		turnTimeout = 60 * time.Second
	}
	return &TurnExecutor{router: router, secrets: secretStore, retry: retry.normalise(), turnTimeout: turnTimeout}
}

// RunTurn implements graph.TurnRunner.
func (t *TurnExecutor) RunTurn(ctx context.Context, kind graph.AgentKind, state *graph.RunState) (graph.TurnRecord, error) {
	start := time.Now()

	provider, model, err := t.resolveProvider(ctx, kind, state)
	if err != nil {
		return graph.TurnRecord{Agent: kind, Error: err.Error()}, err
	}

	prompt, err := t.renderPrompt(kind, state)
	if err != nil {
		return graph.TurnRecord{Agent: kind, Error: err.Error()}, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, t.turnBudget(state))
	defer cancel()

	resp, err := t.generateWithRetry(turnCtx, provider, model, prompt)
	if err != nil {
		return graph.TurnRecord{Agent: kind, ModelID: model, Duration: time.Since(start), Error: err.Error()}, err
	}

	out, parseErr := parseTurnOutput(resp.Content)
	if parseErr != nil {
		// One repair retry: re-prompt with the model's own malformed reply
		// quoted back and an explicit instruction to emit valid JSON only.
		repairPrompt := prompt + "\n\nYour previous reply could not be parsed as JSON:\n" + resp.Content + "\n\nReply again with ONLY the JSON object described above."
		resp, err = t.generateWithRetry(turnCtx, provider, model, repairPrompt)
		if err != nil {
			return graph.TurnRecord{Agent: kind, ModelID: model, Duration: time.Since(start), Error: err.Error()}, err
		}
		out, parseErr = parseTurnOutput(resp.Content)
		if parseErr != nil {
			err := fmt.Errorf("agent: turn %s produced unparseable output after repair retry: %w", kind, parseErr)
			return graph.TurnRecord{Agent: kind, ModelID: model, Duration: time.Since(start), Error: err.Error()}, err
		}
	}

	applyTurnOutput(kind, out, state)

	cost := provider.EstimateCost(model, resp.InputTokens, resp.OutputTokens)
	record := graph.TurnRecord{
		Agent:         kind,
		ModelID:       model,
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		Duration:      time.Since(start),
		ResultSummary: summarise(kind, out),
		CostEUR:       cost,
	}
	return record, nil
}

// turnBudget caps a single turn's model-call window at t.turnTimeout, but
// never beyond whatever remains of the run's own wall-clock deadline.
func (t *TurnExecutor) turnBudget(state *graph.RunState) time.Duration {
	budget := t.turnTimeout
	if state.Budget.Deadline > 0 {
		remaining := state.Budget.Deadline - state.Consumption.Elapsed()
		if remaining > 0 && remaining < budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		budget = time.Second
	}
	return budget
}

// resolveProvider selects a model for this turn from the tenant's
// per-agent-kind preference map, falling back to the router's tier-based
// selection keyed on the run's highest observed PII tier, then resolves a
// tenant-scoped API key from the vault exactly as Runner.resolveProvider
// does for the fixed pipeline.
func (t *TurnExecutor) resolveProvider(ctx context.Context, kind graph.AgentKind, state *graph.RunState) (llm.Provider, string, error) {
	tier := highestPIITier(state)

	var provider llm.Provider
	var model string
	var err error

	if preferred, ok := state.ConfigBundle.ModelPreferences[kind]; ok && preferred != "" {
		provider, _, err = t.router.Route(ctx, tier)
		if err != nil {
			return nil, "", fmt.Errorf("routing LLM for preferred model %s: %w", preferred, err)
		}
		model = preferred
	} else {
		provider, model, err = t.router.Route(ctx, tier)
		if err != nil {
			return nil, "", fmt.Errorf("routing LLM: %w", err)
		}
	}

	providerName := provider.Name()
	if llm.ProviderUsesAPIKey(providerName) && t.secrets != nil {
		secretName := providerName + "-api-key"
		secret, secretErr := t.secrets.Get(ctx, secretName, state.TenantID, string(kind))
		if secretErr == nil {
			if p := llm.NewProviderWithKey(providerName, string(secret.Value)); p != nil {
				provider = p
			}
		} else {
			log.Debug().Str("provider", providerName).Str("tenant_id", state.TenantID).
				Msg("no tenant key in vault, using operator fallback")
		}
	}

	return provider, model, nil
}

// highestPIITier reports the highest PII tier seen so far in the run. The
// tier varies turn to turn as the PII report accumulates, so it is
// recomputed per turn rather than read from the run-start policy snapshot.
func highestPIITier(state *graph.RunState) int {
	tier := 0
	for _, e := range state.PIIReport {
		eff := e.Sensitivity
		if eff == 0 {
			eff = 1
		}
		if eff > tier {
			tier = eff
		}
	}
	return tier
}

func (t *TurnExecutor) renderPrompt(kind graph.AgentKind, state *graph.RunState) (string, error) {
	tmpl, ok := promptTemplates[kind]
	if !ok {
		return "", fmt.Errorf("agent: no prompt template registered for agent kind %q", kind)
	}

	retrieved := ""
	if state.RetrievalRecord != nil {
		var b strings.Builder
		for _, h := range state.RetrievalRecord.Hits {
			fmt.Fprintf(&b, "- %s (score %.3f, %s)\n", h.SourceID, h.FusedScore, h.Origin)
		}
		retrieved = b.String()
	}

	data := turnPromptData{
		TaskKind:         state.TaskKind,
		DocumentType:     state.DocumentType,
		Query:            state.Query,
		ResearchNotes:    state.Working.ResearchNotes,
		DraftText:        state.Working.DraftText,
		CriticNotes:      state.Working.CriticNotes,
		RetrievedContext: retrieved,
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("agent: rendering %s prompt: %w", kind, err)
	}
	return b.String(), nil
}

// generateWithRetry calls provider.Generate, retrying transport failures
// with exponential backoff and jitter up to t.retry.MaxAttempts. A
// context cancellation is never retried.
func (t *TurnExecutor) generateWithRetry(ctx context.Context, provider llm.Provider, model, prompt string) (*llm.Response, error) {
	req := &llm.Request{
		Model:       model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   4000,
	}

	var lastErr error
	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		resp, err := provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == t.retry.MaxAttempts {
			break
		}

		delay := jittered(t.retry.backoffForAttempt(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("agent: model call failed after %d attempts: %w", t.retry.MaxAttempts, lastErr)
}

// parseTurnOutput extracts the JSON object from a model response. Models
// sometimes wrap JSON in prose or a code fence despite instructions, so this
// looks for the outermost {...} span rather than requiring the whole
// response to be valid JSON on its own.
func parseTurnOutput(content string) (turnOutput, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return turnOutput{}, fmt.Errorf("no JSON object found in response")
	}

	var out turnOutput
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return turnOutput{}, fmt.Errorf("decoding turn output: %w", err)
	}
	return out, nil
}

// applyTurnOutput writes a parsed turn's output into the fields the agent
// kind owns, bumping that field's version counter and recording LastWriter
// so routing and checkpoint logic can tell who acted last without
// overloading any one field as a sentinel.
func applyTurnOutput(kind graph.AgentKind, out turnOutput, state *graph.RunState) {
	w := &state.Working
	w.LastWriter = kind

	switch kind {
	case graph.AgentAnalyser:
		w.AnalysisDone = true
		w.AnalysisNotes = out.Summary
		w.NeedsExternal = out.NeedsExternal
	case graph.AgentResearcher:
		w.ResearchNotes = out.Notes
		w.ResearchVersion++
		w.ResearchWriter = kind
	case graph.AgentDrafter:
		w.DraftText = out.Draft
		w.DraftVersion++
		w.DraftWriter = kind
		w.CriticVerdict = "" // a fresh draft always needs a fresh critic pass
		w.CriticNotes = ""
	case graph.AgentCritic:
		w.CriticVerdict = graph.CriticVerdict(out.Verdict)
		w.CriticNotes = out.Notes
		w.CriticVersion++
		w.CriticWriter = kind
	case graph.AgentFormatter:
		w.FormatterOutput = out.Output
		w.FormatterDone = true
		w.FormatterVersion++
		w.FormatterWriter = kind
	}
}

func summarise(kind graph.AgentKind, out turnOutput) string {
	switch kind {
	case graph.AgentAnalyser:
		return out.Summary
	case graph.AgentResearcher:
		return out.Notes
	case graph.AgentDrafter:
		return fmt.Sprintf("%d chars drafted", len(out.Draft))
	case graph.AgentCritic:
		return out.Verdict
	case graph.AgentFormatter:
		return fmt.Sprintf("%d chars formatted", len(out.Output))
	default:
		return ""
	}
}
