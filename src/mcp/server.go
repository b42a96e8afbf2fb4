package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"prbuild-resolver/src/monitor"
	"prbuild-resolver/src/provider"
	"prbuild-resolver/src/resolver"
)

// DefaultSinceHours is the pull-request search window when since_hours is omitted.
const DefaultSinceHours = 720

// Server is the MCP server for prbuild.
type Server struct {
	mcpServer *server.MCPServer
	resolver  monitor.Resolver
	store     *ResultStore
	now       func() time.Time
}

// NewServer creates a new MCP server backed by res.
func NewServer(res monitor.Resolver, version string) *Server {
	s := server.NewMCPServer(
		"prbuild",
		version,
		server.WithToolCapabilities(true),
	)

	srv := &Server{
		mcpServer: s,
		resolver:  res,
		store:     NewResultStore(DefaultStoreCapacity),
		now:       time.Now,
	}
	srv.registerTools()

	return srv
}

func (s *Server) registerTools() {
	statusTool := mcp.NewTool("resolve_status_url",
		mcp.WithDescription("Resolve an AppVeyor build status link (as posted on a GitHub pull request) to the download link of its build artifact. Falls back to the last known answer when AppVeyor is unavailable."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("AppVeyor build link, e.g. https://ci.appveyor.com/project/rpcs3/rpcs3/build/1.0.1234"),
		),
	)

	prTool := mcp.NewTool("resolve_pull_request",
		mcp.WithDescription("Find the newest successful AppVeyor build of a pull request and return the download link of its artifact."),
		mcp.WithNumber("pr_number",
			mcp.Required(),
			mcp.Description("Pull request number"),
		),
		mcp.WithNumber("since_hours",
			mcp.Description(fmt.Sprintf("Only consider builds started within this many hours (default: %d)", DefaultSinceHours)),
		),
	)

	getTool := mcp.NewTool("get_resolution",
		mcp.WithDescription("Return a previous resolution by the request_id it was reported with."),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("Request ID from a resolve_* response"),
		),
	)

	s.mcpServer.AddTool(statusTool, s.handleResolveStatusURL)
	s.mcpServer.AddTool(prTool, s.handleResolvePullRequest)
	s.mcpServer.AddTool(getTool, s.handleGetResolution)
}

// Run serves MCP over stdin/stdout until the client disconnects.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handleResolveStatusURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url := request.GetString("url", "")
	if url == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	res := s.resolver.ResolveByStatusURL(ctx, url)
	return s.respond(Resolution{StatusURL: url}, res)
}

func (s *Server) handleResolvePullRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pr := request.GetInt("pr_number", 0)
	if pr <= 0 {
		return mcp.NewToolResultError("pr_number must be a positive integer"), nil
	}
	hours := request.GetInt("since_hours", DefaultSinceHours)
	if hours <= 0 {
		return mcp.NewToolResultError("since_hours must be positive"), nil
	}

	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	res := s.resolver.ResolveByPullRequest(ctx, pr, cutoff)
	return s.respond(Resolution{PullRequest: pr}, res)
}

func (s *Server) handleGetResolution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := request.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id parameter is required"), nil
	}

	r, found := s.store.Get(requestID)
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("resolution not found: request_id=%s", requestID)), nil
	}
	return jsonResult(r)
}

// respond records res and renders it. Failures without an artifact are tool
// errors carrying the user-facing message; not-found is an ordinary answer.
func (s *Server) respond(r Resolution, res resolver.Result) (*mcp.CallToolResult, error) {
	r.RequestID = uuid.NewString()
	r.Outcome = res.Outcome.String()
	r.Artifact = res.Artifact
	r.Timestamp = s.now().UTC().Format(time.RFC3339)
	if err := res.Error(); err != nil {
		r.Error = err.Error()
	}
	s.store.Store(r)

	switch res.Outcome {
	case resolver.OutcomeInvalidInput, resolver.OutcomeUnavailable, resolver.OutcomeCancelled:
		return mcp.NewToolResultError(provider.WrapError(res.Err).Error()), nil
	}
	return jsonResult(r)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
