package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/dativo-io/talon-legal/internal/classifier"
)

// AnalyseArgs is the document_analyse tool's parameter shape.
type AnalyseArgs struct {
	Text     string `json:"text" jsonschema:"required,description=client-supplied document text to analyse"`
	TenantID string `json:"tenant_id" jsonschema:"required"`
}

// ClauseFlag names a recognised clause the analyser looked for and whether
// it was found.
type ClauseFlag struct {
	Clause string `json:"clause"`
	Found  bool   `json:"found"`
}

// AnalyseResult is the document_analyse tool's structured output. It feeds
// the analyser agent's "needs external info" decision: NeedsExternal is set
// whenever the document references a clause the analyser has no internal
// corpus coverage for.
type AnalyseResult struct {
	Clauses       []ClauseFlag           `json:"clauses"`
	PIIEntities   []classifier.PIIEntity `json:"pii_entities"`
	PIITier       int                    `json:"pii_tier"`
	NeedsExternal bool                   `json:"needs_external"`
	Summary       string                 `json:"summary"`
}

var knownClauses = []string{
	"termination", "governing law", "indemnification", "confidentiality",
	"limitation of liability", "force majeure", "assignment", "dispute resolution",
}

// AnalyseTool runs the analyser agent's document intake pass: clause
// detection plus a PII scan, reusing the same classifier.Scanner the C1
// ingest gate runs so a client-supplied document gets identical PII
// treatment whether it arrives as the run's query or as tool input.
type AnalyseTool struct {
	scanner *classifier.Scanner
	schema  json.RawMessage
}

// NewAnalyseTool builds the document_analyse tool over a live PII scanner.
func NewAnalyseTool(scanner *classifier.Scanner) *AnalyseTool {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	raw, err := json.Marshal(reflector.Reflect(&AnalyseArgs{}))
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting document_analyse schema: %v", err))
	}
	return &AnalyseTool{scanner: scanner, schema: raw}
}

func (t *AnalyseTool) Name() string        { return "document_analyse" }
func (t *AnalyseTool) Description() string { return "Detect recognised clauses and PII in a client-supplied document." }
func (t *AnalyseTool) InputSchema() json.RawMessage { return t.schema }

func (t *AnalyseTool) ValidateArguments(params json.RawMessage) error {
	var args AnalyseArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return Fatal(t.Name(), fmt.Errorf("invalid arguments: %w", err))
	}
	if strings.TrimSpace(args.Text) == "" {
		return Fatal(t.Name(), fmt.Errorf("text is required"))
	}
	if args.TenantID == "" {
		return Fatal(t.Name(), fmt.Errorf("tenant_id is required"))
	}
	return nil
}

func (t *AnalyseTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args AnalyseArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, Fatal(t.Name(), err)
	}

	lower := strings.ToLower(args.Text)
	clauses := make([]ClauseFlag, 0, len(knownClauses))
	missing := 0
	for _, c := range knownClauses {
		found := strings.Contains(lower, c)
		clauses = append(clauses, ClauseFlag{Clause: c, Found: found})
		if !found {
			missing++
		}
	}

	var entities []classifier.PIIEntity
	tier := 0
	if t.scanner != nil {
		class := t.scanner.Scan(ctx, args.Text)
		entities = class.Entities
		tier = class.Tier
	}

	// A document that mentions more than half the clause vocabulary but is
	// still missing some is the case most worth an external jurisprudence
	// lookup: there's enough substance to reason about, but gaps remain.
	needsExternal := missing > 0 && missing < len(knownClauses)/2+1

	summary := fmt.Sprintf("%d/%d recognised clauses present, pii_tier=%d", len(knownClauses)-missing, len(knownClauses), tier)

	return json.Marshal(AnalyseResult{
		Clauses:       clauses,
		PIIEntities:   entities,
		PIITier:       tier,
		NeedsExternal: needsExternal,
		Summary:       summary,
	})
}
