package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dossier/internal/collector"
	"github.com/kalambet/dossier/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Same logical surface as the
// HTTP API, exposed as tools for agent clients.
type MCPDeps struct {
	Orchestrator Orchestrator
	Collector    PhaseCollector
	Aggregator   ContextAggregator
	Jobs         JobAccess
}

// NewMCPServer creates an MCP server with the dossier tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dossier",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("dossier — collects market intelligence about a subject and runs quality-gated analysis over it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("collect_intel",
			mcp.WithDescription("Collect one phase of intelligence for a subject and cache the results."),
			mcp.WithString("subject", mcp.Description("Subject symbol, e.g. BTC"), mcp.Required()),
			mcp.WithString("phase", mcp.Description("Phase name: critical or enhanced (default critical)")),
		),
		mcpCollectIntel(deps),
	)

	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Return the aggregated context bundle for a subject: per-kind values, quality score, and missing kinds."),
			mcp.WithString("subject", mcp.Description("Subject symbol"), mcp.Required()),
		),
		mcpGetContext(deps),
	)

	s.AddTool(
		mcp.NewTool("request_analysis",
			mcp.WithDescription("Collect all phases, gate on aggregate quality, and start (or reuse) an analysis job."),
			mcp.WithString("subject", mcp.Description("Subject symbol"), mcp.Required()),
		),
		mcpRequestAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("poll_analysis",
			mcp.WithDescription("Read the current state of an analysis job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by request_analysis"), mcp.Required()),
		),
		mcpPollAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_analysis",
			mcp.WithDescription("Request cooperative cancellation of an analysis job."),
			mcp.WithString("job_id", mcp.Description("Job id to cancel"), mcp.Required()),
		),
		mcpCancelAnalysis(deps),
	)

	return s
}

func mcpCollectIntel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject, err := req.RequireString("subject")
		if err != nil {
			return mcpError("subject is required"), nil
		}
		phase := req.GetString("phase", collector.PhaseCritical)
		if _, ok := collector.PhaseKinds(phase); !ok {
			return mcpError(fmt.Sprintf("unknown phase %q", phase)), nil
		}

		report, err := deps.Collector.Collect(ctx, subject, phase)
		if err != nil {
			return mcpError(fmt.Sprintf("collection failed: %v", err)), nil
		}

		outcomes := make([]kindOutcome, len(report.Results))
		for i, res := range report.Results {
			outcomes[i] = kindOutcome{
				Kind:      res.Kind,
				Outcome:   res.Outcome,
				LatencyMs: res.Latency.Milliseconds(),
				Error:     res.Err,
			}
		}
		b, err := json.Marshal(map[string]any{
			"subject":  report.Subject,
			"phase":    report.Phase,
			"per_kind": outcomes,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject, err := req.RequireString("subject")
		if err != nil {
			return mcpError("subject is required"), nil
		}

		bundle, err := deps.Aggregator.Aggregate(subject)
		if err != nil {
			return mcpError(fmt.Sprintf("aggregation failed: %v", err)), nil
		}

		b, err := json.Marshal(bundle)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal bundle: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRequestAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject, err := req.RequireString("subject")
		if err != nil {
			return mcpError("subject is required"), nil
		}

		resp, err := deps.Orchestrator.RequestAnalysis(ctx, subject)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis request failed: %v", err)), nil
		}

		if resp.InsufficientData {
			b, err := json.Marshal(map[string]any{
				"insufficient_data": true,
				"quality":           resp.Quality,
				"missing":           resp.Missing,
			})
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
			}
			return mcpText(string(b)), nil
		}

		b, err := json.Marshal(map[string]any{
			"quality": resp.Quality,
			"job":     jobView(*resp.Job),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPollAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("job not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read job: %v", err)), nil
		}

		b, err := json.Marshal(jobView(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCancelAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		err = deps.Jobs.CancelJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("job not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to cancel job: %v", err)), nil
		}

		job, err := deps.Jobs.GetJob(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read job: %v", err)), nil
		}
		b, err := json.Marshal(jobView(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
