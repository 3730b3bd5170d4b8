package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// CitationStyle names a supported citation format.
type CitationStyle string

const (
	StyleABNT     CitationStyle = "abnt"
	StyleBluebook CitationStyle = "bluebook"
)

// CitationArgs is the format_citation tool's parameter shape.
type CitationArgs struct {
	Style      CitationStyle `json:"style" jsonschema:"required,description=abnt or bluebook"`
	CaseID     string        `json:"case_id,omitempty"`
	Court      string        `json:"court,omitempty" jsonschema:"required"`
	Holding    string        `json:"holding,omitempty"`
	Year       int           `json:"year,omitempty" jsonschema:"required"`
	Volume     string        `json:"volume,omitempty"`
	Reporter   string        `json:"reporter,omitempty"`
	PageNumber string        `json:"page_number,omitempty"`
}

// CitationResult is the format_citation tool's structured output.
type CitationResult struct {
	Formatted string `json:"formatted"`
}

// CitationTool renders a structured case-law reference into the requested
// citation style, so the formatter agent never free-hands citation text.
type CitationTool struct {
	schema json.RawMessage
}

// NewCitationTool builds the format_citation tool. It has no external
// collaborator: the style tables are fixed, small, and not computed from
// any live corpus, so there is nothing to inject.
func NewCitationTool() *CitationTool {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	raw, err := json.Marshal(reflector.Reflect(&CitationArgs{}))
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting format_citation schema: %v", err))
	}
	return &CitationTool{schema: raw}
}

func (t *CitationTool) Name() string        { return "format_citation" }
func (t *CitationTool) Description() string { return "Render a case-law reference in the requested citation style (ABNT or Bluebook)." }
func (t *CitationTool) InputSchema() json.RawMessage { return t.schema }

func (t *CitationTool) ValidateArguments(params json.RawMessage) error {
	var args CitationArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return Fatal(t.Name(), fmt.Errorf("invalid arguments: %w", err))
	}
	switch args.Style {
	case StyleABNT, StyleBluebook:
	default:
		return Fatal(t.Name(), fmt.Errorf("unsupported style %q", args.Style))
	}
	if args.Court == "" {
		return Fatal(t.Name(), fmt.Errorf("court is required"))
	}
	if args.Year == 0 {
		return Fatal(t.Name(), fmt.Errorf("year is required"))
	}
	return nil
}

func (t *CitationTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args CitationArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, Fatal(t.Name(), err)
	}

	var formatted string
	switch args.Style {
	case StyleABNT:
		formatted = formatABNT(args)
	case StyleBluebook:
		formatted = formatBluebook(args)
	default:
		return nil, Fatal(t.Name(), fmt.Errorf("unsupported style %q", args.Style))
	}

	return json.Marshal(CitationResult{Formatted: formatted})
}

// formatABNT renders "COURT. Case caseID. Holding. Year." in the register
// ABNT NBR 6023 case-law references use.
func formatABNT(a CitationArgs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.", strings.ToUpper(a.Court))
	if a.CaseID != "" {
		fmt.Fprintf(&b, " Processo %s.", a.CaseID)
	}
	if a.Holding != "" {
		fmt.Fprintf(&b, " %s.", a.Holding)
	}
	fmt.Fprintf(&b, " %d.", a.Year)
	return b.String()
}

// formatBluebook renders "Volume Reporter PageNumber (Court Year)".
func formatBluebook(a CitationArgs) string {
	var b strings.Builder
	if a.Volume != "" && a.Reporter != "" {
		fmt.Fprintf(&b, "%s %s", a.Volume, a.Reporter)
	}
	if a.PageNumber != "" {
		fmt.Fprintf(&b, " %s", a.PageNumber)
	}
	fmt.Fprintf(&b, " (%s %d)", a.Court, a.Year)
	return strings.TrimSpace(b.String())
}
