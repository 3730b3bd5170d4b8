// Package mcp exposes the agent tool registry (retrieve, jurisprudence_search,
// format_citation, quality_score, document_analyse) over the Model Context
// Protocol, so external MCP clients can call the same tools the graph
// executor invokes during a run.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/talon-legal/internal/agent/tools"
)

// Server wraps an MCP server over the tool registry.
type Server struct {
	registry  *tools.ToolRegistry
	mcpServer *mcpserver.MCPServer
}

// NewServer builds an MCP server exposing every tool currently registered
// in the given registry, under its own name and description.
func NewServer(registry *tools.ToolRegistry) *Server {
	s := &Server{registry: registry, mcpServer: mcpserver.NewMCPServer(
		"talon-legal",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)}

	for _, t := range registry.List() {
		s.registerTool(t)
	}

	return s
}

// MCPServer returns the underlying mcp-go server for transport wiring.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler exposes the MCP server over the streamable HTTP transport so it
// can be mounted directly as a chi route handler (POST /mcp).
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// registerTool declares one tool under the MCP protocol. The five tools
// (retrieve, jurisprudence_search, format_citation, quality_score,
// document_analyse) each get their parameters spelled out explicitly, since
// the tool registry's own jsonschema-reflected InputSchema() is meant for
// LLM function-calling prompts, not mcp-go's declarative tool builder.
func (s *Server) registerTool(t tools.Tool) {
	var def mcplib.Tool
	switch t.Name() {
	case "retrieve":
		def = mcplib.NewTool(t.Name(),
			mcplib.WithDescription(t.Description()),
			mcplib.WithString("query", mcplib.Description("natural-language search query"), mcplib.Required()),
			mcplib.WithString("tenant_id", mcplib.Required()),
			mcplib.WithNumber("k", mcplib.Description("number of results requested, default 20")),
			mcplib.WithBoolean("enable_personalisation", mcplib.Description("weight results toward the tenant's retrieval centroid")),
			mcplib.WithString("personalisation_theme", mcplib.Description("named centroid to personalise against")),
		)
	case "jurisprudence_search":
		def = mcplib.NewTool(t.Name(),
			mcplib.WithDescription(t.Description()),
			mcplib.WithString("query", mcplib.Description("natural-language legal question or clause under review"), mcplib.Required()),
			mcplib.WithString("tenant_id", mcplib.Required()),
			mcplib.WithString("court", mcplib.Description("restrict to a named court or tribunal")),
			mcplib.WithNumber("k", mcplib.Description("number of precedents requested, default 5")),
		)
	case "format_citation":
		def = mcplib.NewTool(t.Name(),
			mcplib.WithDescription(t.Description()),
			mcplib.WithString("style", mcplib.Description("abnt or bluebook"), mcplib.Required()),
			mcplib.WithString("case_id"),
			mcplib.WithString("court", mcplib.Required()),
			mcplib.WithString("holding"),
			mcplib.WithNumber("year", mcplib.Required()),
			mcplib.WithString("volume"),
			mcplib.WithString("reporter"),
			mcplib.WithString("page_number"),
		)
	case "quality_score":
		def = mcplib.NewTool(t.Name(),
			mcplib.WithDescription(t.Description()),
			mcplib.WithString("text", mcplib.Description("draft text to score"), mcplib.Required()),
			mcplib.WithString("document_type"),
			mcplib.WithArray("required_tags", mcplib.Description("clause markers the draft must contain, e.g. termination, governing_law")),
		)
	case "document_analyse":
		def = mcplib.NewTool(t.Name(),
			mcplib.WithDescription(t.Description()),
			mcplib.WithString("text", mcplib.Description("client-supplied document text to analyse"), mcplib.Required()),
			mcplib.WithString("tenant_id", mcplib.Required()),
		)
	default:
		def = mcplib.NewTool(t.Name(), mcplib.WithDescription(t.Description()))
	}

	s.mcpServer.AddTool(def, s.handlerFor(t))
}

func (s *Server) handlerFor(t tools.Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return errorResult(fmt.Sprintf("encoding arguments: %v", err)), nil
		}
		if validator, ok := t.(tools.ArgumentValidator); ok {
			if err := validator.ValidateArguments(args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}

		result, err := t.Execute(ctx, args)
		if err != nil {
			log.Warn().Err(err).Str("tool", t.Name()).Msg("mcp tool execution failed")
			return errorResult(err.Error()), nil
		}

		return &mcplib.CallToolResult{
			Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(result)}},
		}, nil
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
