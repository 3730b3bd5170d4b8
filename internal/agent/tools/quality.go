package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/invopop/jsonschema"
)

// QualityArgs is the quality_score tool's parameter shape.
type QualityArgs struct {
	Text         string   `json:"text" jsonschema:"required,description=draft text to score"`
	DocumentType string   `json:"document_type,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty" jsonschema:"description=clause markers the draft must contain, e.g. termination, governing_law"`
}

// QualityResult is the quality_score tool's structured output. Score is in
// [0, 1]; Findings names the specific deductions so the critic agent can
// turn them into concrete revision notes rather than a bare number.
type QualityResult struct {
	Score       float64  `json:"score"`
	MissingTags []string `json:"missing_tags"`
	Findings    []string `json:"findings"`
}

// QualityTool runs a deterministic heuristic pass over drafted text,
// grounded on the same kind of structural checks the teacher's critic step
// applies before accepting a draft — length, required-section coverage, and
// a few tells of unfinished or boilerplate text — standing in for a learned
// quality model the agent runtime does not have access to as a tool.
type QualityTool struct {
	schema json.RawMessage
}

// NewQualityTool builds the quality_score tool. No external collaborator:
// the heuristics are pure functions of the input text.
func NewQualityTool() *QualityTool {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	raw, err := json.Marshal(reflector.Reflect(&QualityArgs{}))
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting quality_score schema: %v", err))
	}
	return &QualityTool{schema: raw}
}

func (t *QualityTool) Name() string        { return "quality_score" }
func (t *QualityTool) Description() string { return "Score drafted legal text for completeness and structural quality." }
func (t *QualityTool) InputSchema() json.RawMessage { return t.schema }

func (t *QualityTool) ValidateArguments(params json.RawMessage) error {
	var args QualityArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return Fatal(t.Name(), fmt.Errorf("invalid arguments: %w", err))
	}
	if strings.TrimSpace(args.Text) == "" {
		return Fatal(t.Name(), fmt.Errorf("text is required"))
	}
	return nil
}

func (t *QualityTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args QualityArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, Fatal(t.Name(), err)
	}

	score := 1.0
	var findings []string

	words := len(strings.Fields(args.Text))
	if words < 40 {
		score -= 0.3
		findings = append(findings, fmt.Sprintf("draft is only %d words; likely incomplete for %s", words, fallbackDocType(args.DocumentType)))
	}

	if hasPlaceholderTokens(args.Text) {
		score -= 0.25
		findings = append(findings, "draft still contains unresolved placeholder tokens")
	}

	var missing []string
	lower := strings.ToLower(args.Text)
	for _, tag := range args.RequiredTags {
		if !strings.Contains(lower, strings.ToLower(tag)) {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		score -= 0.15 * float64(len(missing))
		findings = append(findings, fmt.Sprintf("missing required sections: %s", strings.Join(missing, ", ")))
	}

	if score < 0 {
		score = 0
	}

	return json.Marshal(QualityResult{Score: score, MissingTags: missing, Findings: findings})
}

func fallbackDocType(dt string) string {
	if dt == "" {
		return "this document type"
	}
	return dt
}

// hasPlaceholderTokens reports whether text contains an unresolved
// bracketed placeholder like "[TODO]" or "[PARTY NAME]".
func hasPlaceholderTokens(text string) bool {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '[':
			depth++
			start = i
		case ']':
			if depth > 0 {
				inner := text[start+1 : i]
				if inner != "" && isShoutingPlaceholder(inner) {
					return true
				}
				depth--
			}
		}
	}
	return false
}

func isShoutingPlaceholder(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}
