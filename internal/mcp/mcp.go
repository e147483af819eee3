// Package mcp implements the Model Context Protocol server for Driveline.
//
// The MCP server exposes the research workflow through MCP tools and
// resources, so MCP-compatible assistants can start research runs, poll
// their progress, and search saved results without going through the
// HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/driveline-ai/driveline/internal/model"
)

// Starter begins research runs.
type Starter interface {
	Start(ctx context.Context, query string, userID *string) (string, error)
}

// ProgressReader reads progress aggregates.
type ProgressReader interface {
	GetProgress(ctx context.Context, researchID string) (*model.ResearchProgress, error)
	ListProgress(ctx context.Context, filter model.ProgressFilter) ([]model.ProgressSummary, error)
}

// ResultReader reads saved research results.
type ResultReader interface {
	SearchResults(ctx context.Context, textQuery string, fields []string, limit int) ([]model.ResearchResult, error)
	FindResultsByDateRange(ctx context.Context, start, end time.Time) ([]model.ResearchResult, error)
}

// Server wraps the MCP server with Driveline's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	starter   Starter
	progress  ProgressReader
	results   ResultReader
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(starter Starter, progress ProgressReader, results ResultReader, logger *slog.Logger) *Server {
	s := &Server{
		starter:  starter,
		progress: progress,
		results:  results,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"driveline",
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
	// driveline://results/recent — results saved in the last 30 days.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"driveline://results/recent",
			"Recent Research Results",
			mcplib.WithResourceDescription("Research results saved in the last 30 days"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResults,
	)

	// driveline://research/{id}/progress — one run's live progress view.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"driveline://research/{id}/progress",
			"Research Progress",
			mcplib.WithTemplateDescription("Progress view for a specific research run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleResearchProgress,
	)
}

func (s *Server) registerTools() {
	// driveline_research — start an asynchronous research run.
	s.mcpServer.AddTool(
		mcplib.NewTool("driveline_research",
			mcplib.WithDescription("Start an asynchronous automotive research run. Returns a researchId to poll with driveline_progress."),
			mcplib.WithString("query", mcplib.Description("The diagnostic question to research"), mcplib.Required()),
			mcplib.WithString("user_id", mcplib.Description("Optional user identifier to associate with the run")),
		),
		s.handleResearch,
	)

	// driveline_progress — poll a run's progress.
	s.mcpServer.AddTool(
		mcplib.NewTool("driveline_progress",
			mcplib.WithDescription("Get the current progress of a research run, including per-subtask state and recent logs"),
			mcplib.WithString("research_id", mcplib.Description("The researchId returned by driveline_research"), mcplib.Required()),
		),
		s.handleProgress,
	)

	// driveline_results_search — text search over saved results.
	s.mcpServer.AddTool(
		mcplib.NewTool("driveline_results_search",
			mcplib.WithDescription("Search saved research results by text across query, summary, and tags"),
			mcplib.WithString("query", mcplib.Description("Search text"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleResultsSearch,
	)
}

func (s *Server) handleRecentResults(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	end := time.Now().UTC()
	results, err := s.results.FindResultsByDateRange(ctx, end.AddDate(0, 0, -30), end)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent results: %w", err)
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal results: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "driveline://results/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleResearchProgress(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	researchID := strings.TrimSuffix(strings.TrimPrefix(uri, "driveline://research/"), "/progress")
	if researchID == "" || researchID == uri {
		return nil, fmt.Errorf("mcp: invalid research progress URI: %s", uri)
	}

	p, err := s.progress.GetProgress(ctx, researchID)
	if err != nil {
		return nil, fmt.Errorf("mcp: research progress: %w", err)
	}

	data, err := json.MarshalIndent(p.View(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal progress: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleResearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if err := model.ValidateQuery(query); err != nil {
		return errorResult(err.Error()), nil
	}

	var userID *string
	if uid := request.GetString("user_id", ""); uid != "" {
		userID = &uid
	}

	researchID, err := s.starter.Start(ctx, query, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start research: %v", err)), nil
	}

	resultData, _ := json.Marshal(model.StartResearchResponse{
		ResearchID:  researchID,
		ProgressURL: "/research-progress/" + researchID,
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleProgress(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	researchID := request.GetString("research_id", "")
	if researchID == "" {
		return errorResult("research_id is required"), nil
	}

	p, err := s.progress.GetProgress(ctx, researchID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load progress: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(p.View(), "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleResultsSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", model.DefaultListLimit)
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}

	results, err := s.results.SearchResults(ctx, query, nil, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"results": results,
		"total":   len(results),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
