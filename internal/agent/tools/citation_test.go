package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCitationTool_ValidateArguments_RejectsUnsupportedStyle(t *testing.T) {
	tool := NewCitationTool()
	err := tool.ValidateArguments(json.RawMessage(`{"style":"harvard","court":"STJ","year":2024}`))
	require.Error(t, err)
}

func TestCitationTool_Execute_ABNT(t *testing.T) {
	tool := NewCitationTool()
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"style":"abnt","court":"STJ","case_id":"12345","holding":"contrato rescindido","year":2023}`))
	require.NoError(t, err)

	var result CitationResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result.Formatted, "STJ")
	assert.Contains(t, result.Formatted, "12345")
	assert.Contains(t, result.Formatted, "2023")
}

func TestCitationTool_Execute_Bluebook(t *testing.T) {
	tool := NewCitationTool()
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"style":"bluebook","court":"S.D.N.Y.","volume":"123","reporter":"F.3d","page_number":"456","year":2022}`))
	require.NoError(t, err)

	var result CitationResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "123 F.3d 456 (S.D.N.Y. 2022)", result.Formatted)
}
