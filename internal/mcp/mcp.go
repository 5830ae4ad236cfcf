// Package mcp implements the Model Context Protocol server for Kaji.
//
// The MCP server exposes the conversational pipeline through MCP tools and
// resources, allowing MCP-compatible AI agents to route queries, poll
// executions, and inspect playbooks without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/registry"
	"github.com/ashita-ai/kaji/internal/router"
)

// StatusFunc resolves an instance's polling projection.
type StatusFunc func(ctx context.Context, id uuid.UUID) (model.InstanceStatusView, error)

// Server wraps the MCP server with Kaji's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	router    *router.Router
	registry  *registry.Registry
	gate      *gate.Gate
	playbooks *playbook.Library
	status    StatusFunc
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(rt *router.Router, reg *registry.Registry, g *gate.Gate, lib *playbook.Library, status StatusFunc, logger *slog.Logger) *Server {
	s := &Server{
		router:    rt,
		registry:  reg,
		gate:      g,
		playbooks: lib,
		status:    status,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaji",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kaji://playbooks — all loaded playbook specifications.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kaji://playbooks",
			"Playbooks",
			mcplib.WithResourceDescription("All playbook specifications with guardrails and approval roles"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePlaybooks,
	)

	// kaji://approvals/pending — approval requests awaiting a decision.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kaji://approvals/pending",
			"Pending Approvals",
			mcplib.WithResourceDescription("Approval requests currently awaiting a human decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingApprovals,
	)
}

func (s *Server) registerTools() {
	// kaji_route — route a free-text message through the pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaji_route",
			mcplib.WithDescription("Route a free-text message: match a decision template, collect parameters, start execution"),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
			mcplib.WithString("message", mcplib.Description("The user message to route"), mcplib.Required()),
			mcplib.WithString("user_id", mcplib.Description("Identifier of the sending user")),
		),
		s.handleRoute,
	)

	// kaji_instance_status — poll a running or finished execution.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaji_instance_status",
			mcplib.WithDescription("Get the status and results of a decision instance"),
			mcplib.WithString("instance_id", mcplib.Description("Instance UUID"), mcplib.Required()),
		),
		s.handleInstanceStatus,
	)

	// kaji_evaluate_actions — gate a recommended-actions payload through policy.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaji_evaluate_actions",
			mcplib.WithDescription("Evaluate a recommended_actions event through playbook policy: commit, clamp, or open an approval request"),
			mcplib.WithString("payload", mcplib.Description("The recommended_actions event as a JSON string"), mcplib.Required()),
		),
		s.handleEvaluateActions,
	)

	// kaji_list_templates — enumerate registered decision templates.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaji_list_templates",
			mcplib.WithDescription("List registered decision templates (latest version of each)"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleListTemplates,
	)
}

func (s *Server) handlePlaybooks(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	specs, err := s.playbooks.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("mcp: load playbooks: %w", err)
	}

	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal playbooks: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kaji://playbooks",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending := model.ApprovalPending
	approvals, err := s.gate.List(ctx, &pending, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list approvals: %w", err)
	}

	data, err := json.MarshalIndent(approvals, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal approvals: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kaji://approvals/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRoute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conversationID := request.GetString("conversation_id", "")
	message := request.GetString("message", "")
	userID := request.GetString("user_id", "")

	if conversationID == "" || message == "" {
		return errorResult("conversation_id and message are required"), nil
	}

	reply, err := s.router.HandleMessage(ctx, conversationID, message, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("routing failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(reply, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleInstanceStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("instance_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid instance_id: %q", raw)), nil
	}

	view, err := s.status(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("status lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(view, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleEvaluateActions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	payload := request.GetString("payload", "")
	if payload == "" {
		return errorResult("payload is required"), nil
	}

	if err := event.Validate([]byte(payload)); err != nil {
		return errorResult(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	var rec event.RecommendedActions
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return errorResult(fmt.Sprintf("malformed payload: %v", err)), nil
	}
	if rec.EventType != event.TypeRecommendedActions {
		return errorResult(fmt.Sprintf("unexpected event_type %q", rec.EventType)), nil
	}

	outcome, err := s.gate.Process(ctx, rec)
	if err != nil {
		return errorResult(fmt.Sprintf("policy evaluation failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(outcome, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListTemplates(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	templates, err := s.registry.List(ctx, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"templates": templates,
		"total":     len(templates),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
