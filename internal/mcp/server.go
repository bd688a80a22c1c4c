// Package mcp adapts the memory engine to the MCP tool protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/locimem/loci/internal/memory"
	"github.com/locimem/loci/internal/models"
)

// Server exposes the six Loci tools over MCP.
type Server struct {
	svc       *memory.Service
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers all tools.
func NewServer(svc *memory.Service) *Server {
	s := &Server{svc: svc}

	s.mcpServer = server.NewMCPServer(
		"Loci Memory",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func boolPtr(b bool) *bool { return &b }

// registerTools registers the tool surface with idempotence metadata.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "store_memory",
		Description: "Store a new memory. Types: episodic (events/experiences), semantic (facts/knowledge), procedural (how-to/processes), entity (people/places/things). Near-duplicate content of the same type merges into the existing memory.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language content to remember",
				},
				"type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"episodic", "semantic", "procedural", "entity"},
					"description": "Cognitive category of the memory",
				},
				"scope": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"global", "group"},
					"description": "Visibility: global (everywhere) or group (current project only). Defaults by type.",
				},
				"group": map[string]interface{}{
					"type":        "string",
					"description": "Project key the memory belongs to. Omit to use the configured default.",
				},
				"confidence": map[string]interface{}{
					"type":        "number",
					"description": "Initial confidence in [0.0, 1.0] (default 1.0)",
				},
				"metadata": map[string]interface{}{
					"type":        "object",
					"description": "Free-form JSON metadata (event_date, category, trigger, aliases, ...)",
				},
				"supersedes": map[string]interface{}{
					"type":        "string",
					"description": "ID of a live memory this one replaces; the old memory is hidden from recall",
				},
			},
			Required: []string{"content", "type"},
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:    boolPtr(false),
			DestructiveHint: boolPtr(false),
			IdempotentHint:  boolPtr(false),
		},
	}, s.handleStoreMemory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "recall_memory",
		Description: "Search memories by natural-language query (hybrid keyword + vector ranking) or hydrate specific ids. Provide exactly one of 'query' or 'ids'. Use summary_only for a cheap first pass, then hydrate the ids you need.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language search query",
				},
				"ids": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Memory ids to hydrate instead of searching",
				},
				"type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"episodic", "semantic", "procedural", "entity"},
					"description": "Restrict results to one memory type. Optional.",
				},
				"scope": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"global", "group"},
					"description": "Restrict results to one scope. Optional.",
				},
				"group": map[string]interface{}{
					"type":        "string",
					"description": "Project key for group-scoped visibility. Defaults to the configured group.",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum results, 1-20 (default 5)",
				},
				"summary_only": map[string]interface{}{
					"type":        "boolean",
					"description": "Return id/type/preview/score instead of full content (default false)",
				},
				"token_budget": map[string]interface{}{
					"type":        "integer",
					"description": "Approximate token cap for the response. Defaults from config.",
				},
				"min_confidence": map[string]interface{}{
					"type":        "number",
					"description": "Drop results below this confidence (default 0.1)",
				},
			},
			Required: []string{},
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:   boolPtr(true),
			IdempotentHint: boolPtr(true),
		},
	}, s.handleRecallMemory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "forget_memory",
		Description: "Forget a memory by id. Soft forget (default) hides it from recall; hard_delete permanently removes it with its index entries and relations.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"memory_id": map[string]interface{}{
					"type":        "string",
					"description": "ID of the memory to forget",
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Why the memory is being forgotten (recorded in the audit log)",
				},
				"hard_delete": map[string]interface{}{
					"type":        "boolean",
					"description": "Permanently delete instead of hiding (default false)",
				},
			},
			Required: []string{"memory_id"},
		},
		Annotations: mcp.ToolAnnotation{
			DestructiveHint: boolPtr(true),
			IdempotentHint:  boolPtr(true),
		},
	}, s.handleForgetMemory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "memory_stats",
		Description: "Get memory store statistics: counts by type and scope, superseded/forgotten counts, relation count, storage size, oldest/newest timestamps.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"group": map[string]interface{}{
					"type":        "string",
					"description": "Filter counts to one project group. Optional.",
				},
			},
			Required: []string{},
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:   boolPtr(true),
			IdempotentHint: boolPtr(true),
		},
	}, s.handleMemoryStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "memory_inspect",
		Description: "Inspect a memory by id: full content, confidence, access history, optionally its entity relations and audit log.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"memory_id": map[string]interface{}{
					"type":        "string",
					"description": "ID of the memory to inspect",
				},
				"include_relations": map[string]interface{}{
					"type":        "boolean",
					"description": "Include one-hop entity relations (default true)",
				},
				"include_log": map[string]interface{}{
					"type":        "boolean",
					"description": "Include the memory's audit trail (default false)",
				},
			},
			Required: []string{"memory_id"},
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:   boolPtr(true),
			IdempotentHint: boolPtr(true),
		},
	}, s.handleMemoryInspect)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "store_relation",
		Description: "Create a directed relationship between two entity memories (e.g. 'works_at', 'part_of'). Both ids must refer to entity-type memories. Idempotent on (subject, predicate, object).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"subject_id": map[string]interface{}{
					"type":        "string",
					"description": "Entity memory id of the subject",
				},
				"predicate": map[string]interface{}{
					"type":        "string",
					"description": "Relation name, e.g. 'works_at'",
				},
				"object_id": map[string]interface{}{
					"type":        "string",
					"description": "Entity memory id of the object",
				},
			},
			Required: []string{"subject_id", "predicate", "object_id"},
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:   boolPtr(false),
			IdempotentHint: boolPtr(true),
		},
	}, s.handleStoreRelation)
}

// parseParams converts MCP request arguments to a struct.
func parseParams(args interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// toolError maps engine error kinds onto tool-error strings.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err))
	case errors.Is(err, models.ErrModelUnavailable):
		return mcp.NewToolResultError(fmt.Sprintf("embedding model unavailable: %v", err))
	case errors.Is(err, models.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("store error: %v", err))
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serialization failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleStoreMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params memory.StoreRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result, err := s.svc.StoreMemory(ctx, params)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRecallMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params memory.RecallRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result, err := s.svc.Recall(ctx, params)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleForgetMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		MemoryID   string `json:"memory_id"`
		Reason     string `json:"reason"`
		HardDelete bool   `json:"hard_delete"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result, err := s.svc.Forget(ctx, params.MemoryID, params.Reason, params.HardDelete)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleMemoryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Group string `json:"group"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result, err := s.svc.Stats(ctx, params.Group)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleMemoryInspect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		MemoryID         string `json:"memory_id"`
		IncludeRelations *bool  `json:"include_relations"`
		IncludeLog       bool   `json:"include_log"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	includeRelations := true
	if params.IncludeRelations != nil {
		includeRelations = *params.IncludeRelations
	}

	result, err := s.svc.Inspect(ctx, params.MemoryID, includeRelations, params.IncludeLog)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleStoreRelation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		SubjectID string `json:"subject_id"`
		Predicate string `json:"predicate"`
		ObjectID  string `json:"object_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result, err := s.svc.StoreRelation(ctx, params.SubjectID, params.Predicate, params.ObjectID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

// Serve starts the MCP server with stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for other transports (SSE).
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
