package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// CaseLawHit is one jurisprudence search result.
type CaseLawHit struct {
	CaseID    string  `json:"case_id"`
	Court     string  `json:"court"`
	Citation  string  `json:"citation"`
	Holding   string  `json:"holding"`
	Relevance float64 `json:"relevance"`
}

// CaseLawSearcher is the jurisprudence corpus backing the tool. Kept as an
// interface, the same way internal/retrieval.Federator is injected into
// RetrieveTool, so the tool is testable without a live case-law index and so
// the corpus backend (a dedicated lexical.Store table, an external case-law
// API, or both) can be swapped without touching the tool.
type CaseLawSearcher interface {
	SearchCaseLaw(ctx context.Context, tenantID, query string, k int) ([]CaseLawHit, error)
}

// JurisprudenceArgs is the jurisprudence_search tool's parameter shape.
type JurisprudenceArgs struct {
	Query      string `json:"query" jsonschema:"required,description=natural-language legal question or clause under review"`
	TenantID   string `json:"tenant_id" jsonschema:"required"`
	Court      string `json:"court,omitempty" jsonschema:"description=restrict to a named court or tribunal"`
	K          int    `json:"k,omitempty" jsonschema:"description=number of precedents requested, default 5"`
}

// JurisprudenceResult is the jurisprudence_search tool's structured output.
type JurisprudenceResult struct {
	Hits []CaseLawHit `json:"hits"`
}

// JurisprudenceTool lets the researcher or drafter agent pull supporting or
// contradicting case law for a clause under discussion.
type JurisprudenceTool struct {
	searcher CaseLawSearcher
	schema   json.RawMessage
}

// NewJurisprudenceTool builds the tool over a live case-law searcher.
func NewJurisprudenceTool(searcher CaseLawSearcher) *JurisprudenceTool {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	raw, err := json.Marshal(reflector.Reflect(&JurisprudenceArgs{}))
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting jurisprudence_search schema: %v", err))
	}
	return &JurisprudenceTool{searcher: searcher, schema: raw}
}

func (t *JurisprudenceTool) Name() string { return "jurisprudence_search" }
func (t *JurisprudenceTool) Description() string {
	return "Search case law and tribunal decisions relevant to a clause or legal question."
}
func (t *JurisprudenceTool) InputSchema() json.RawMessage { return t.schema }

func (t *JurisprudenceTool) ValidateArguments(params json.RawMessage) error {
	var args JurisprudenceArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return Fatal(t.Name(), fmt.Errorf("invalid arguments: %w", err))
	}
	if args.Query == "" {
		return Fatal(t.Name(), fmt.Errorf("query is required"))
	}
	if args.TenantID == "" {
		return Fatal(t.Name(), fmt.Errorf("tenant_id is required"))
	}
	return nil
}

func (t *JurisprudenceTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args JurisprudenceArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, Fatal(t.Name(), err)
	}

	k := args.K
	if k == 0 {
		k = 5
	}

	hits, err := t.searcher.SearchCaseLaw(ctx, args.TenantID, args.Query, k)
	if err != nil {
		return nil, Recoverable(t.Name(), err)
	}
	if args.Court != "" {
		filtered := make([]CaseLawHit, 0, len(hits))
		for _, h := range hits {
			if h.Court == args.Court {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}

	return json.Marshal(JurisprudenceResult{Hits: hits})
}
