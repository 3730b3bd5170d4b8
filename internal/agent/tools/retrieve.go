package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/dativo-io/talon-legal/internal/retrieval"
	"github.com/dativo-io/talon-legal/internal/retrieval/external"
)

// RetrieveArgs is the retrieve tool's parameter shape; its JSON Schema is
// derived from this struct instead of hand-written, via invopop/jsonschema.
type RetrieveArgs struct {
	Query                 string              `json:"query" jsonschema:"required,description=natural-language search query"`
	TenantID              string              `json:"tenant_id" jsonschema:"required"`
	K                     int                 `json:"k,omitempty" jsonschema:"description=number of results requested, default 20"`
	External              []external.Document `json:"external_documents,omitempty"`
	EnablePersonalisation bool                `json:"enable_personalisation,omitempty"`
	PersonalisationTheme  string              `json:"personalisation_theme,omitempty"`
}

// RetrieveResult is the retrieve tool's structured output.
type RetrieveResult struct {
	Hits                []retrieval.Hit `json:"hits"`
	TotalCount          int             `json:"total_count"`
	InternalCount       int             `json:"internal_count"`
	ExternalCount       int             `json:"external_count"`
	PersonalisationUsed bool            `json:"personalisation_used"`
}

// RetrieveTool wraps the retrieval federator (C2) as a named, side-effecting
// capability the researcher agent invokes via the tool registry, matching
// spec.md §4.3's "wraps C2" requirement.
type RetrieveTool struct {
	federator *retrieval.Federator
	schema    json.RawMessage
}

// NewRetrieveTool builds the retrieve tool over a live federator.
func NewRetrieveTool(federator *retrieval.Federator) *RetrieveTool {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&RetrieveArgs{})
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflect's output is always marshalable for a plain struct; a
		// failure here means RetrieveArgs grew a field jsonschema can't
		// represent, which is a build-time mistake, not a runtime one.
		panic(fmt.Sprintf("tools: reflecting retrieve schema: %v", err))
	}
	return &RetrieveTool{federator: federator, schema: raw}
}

func (t *RetrieveTool) Name() string        { return "retrieve" }
func (t *RetrieveTool) Description() string { return "Search the tenant's internal corpus and any caller-supplied documents, fused and ranked." }
func (t *RetrieveTool) InputSchema() json.RawMessage { return t.schema }

// ValidateArguments rejects a retrieve call with no query or tenant before
// it reaches the federator.
func (t *RetrieveTool) ValidateArguments(params json.RawMessage) error {
	var args RetrieveArgs
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

// Execute runs a federated search and returns its ranked hits.
func (t *RetrieveTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args RetrieveArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, Fatal(t.Name(), err)
	}

	k := args.K
	if k == 0 {
		k = 20
	}

	record, err := t.federator.Search(ctx, retrieval.Request{
		Query:                 args.Query,
		TenantID:              args.TenantID,
		K:                     k,
		External:              args.External,
		EnablePersonalisation: args.EnablePersonalisation,
		PersonalisationTheme:  args.PersonalisationTheme,
	})
	if err != nil {
		return nil, Recoverable(t.Name(), fmt.Errorf("federated search: %w", err))
	}

	result := RetrieveResult{
		Hits:                record.Hits,
		TotalCount:          record.TotalCount,
		InternalCount:       record.InternalCount,
		ExternalCount:       record.ExternalCount,
		PersonalisationUsed: record.PersonalisationUsed,
	}
	return json.Marshal(result)
}
