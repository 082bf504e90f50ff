package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/clipvault/internal/storage"
)

// LinkSubmitter enqueues forwarded links. *dispatch.Dispatcher satisfies it.
type LinkSubmitter interface {
	SubmitLink(ctx context.Context, url, title, language, userID string) (string, error)
}

// JobReader is the read side of the job queue used by operator tools.
type JobReader interface {
	GetJob(id string) (storage.Job, error)
	ListJobs(status string, limit int) ([]storage.Job, error)
	CountJobsByStatus() (map[string]int, error)
	RetryJob(id string) error
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs    JobReader
	Links   LinkSubmitter
	Version string
}

// NewMCPServer creates the operator MCP server.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"clipvault",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("clipvault saves videos and links shared over Instagram DMs. Submit links for enrichment and inspect the job queue."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("submit_link",
			mcp.WithDescription("Queue a reel or video link for enrichment, as if it had been forwarded in a DM."),
			mcp.WithString("url", mcp.Description("Link to the content"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; generated when omitted")),
			mcp.WithString("language", mcp.Description("Optional language tag (e.g. en, pt-BR)")),
			mcp.WithString("user_id", mcp.Description("Owner account; defaults to the configured owner")),
		),
		mcpSubmitLink(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Show the status, attempts and last error of an enrichment job."),
			mcp.WithString("id", mcp.Description("Job ID"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_job",
			mcp.WithDescription("Requeue a failed enrichment job with a fresh attempt budget."),
			mcp.WithString("id", mcp.Description("Job ID"), mcp.Required()),
		),
		mcpRetryJob(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"queue://stats",
			"Queue Stats",
			mcp.WithResourceDescription("Number of enrichment jobs per status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://failed",
			"Failed Jobs",
			mcp.WithResourceDescription("Last 20 failed enrichment jobs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFailed(deps),
	)

	return s
}

func mcpSubmitLink(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		id, err := deps.Links.SubmitLink(ctx, url,
			req.GetString("title", ""),
			req.GetString("language", ""),
			req.GetString("user_id", ""),
		)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue link: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued job %s", id)), nil
	}
}

type jobView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	RunAfter    string `json:"run_after"`
	UpdatedAt   string `json:"updated_at"`
}

func viewJob(j storage.Job) jobView {
	lastErr := j.LastError
	if utf8.RuneCountInString(lastErr) > 300 {
		lastErr = string([]rune(lastErr)[:300]) + "..."
	}
	return jobView{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   lastErr,
		RunAfter:    j.RunAfter.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		j, err := deps.Jobs.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load job: %v", err)), nil
		}

		b, err := json.Marshal(viewJob(j))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Jobs.RetryJob(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("job %s is not a failed job", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to retry job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued job %s", id)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Jobs.CountJobsByStatus()
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
		for _, s := range []string{storage.JobPending, storage.JobRunning, storage.JobCompleted, storage.JobFailed} {
			if _, ok := counts[s]; !ok {
				counts[s] = 0
			}
		}
		return jsonResource(req.Params.URI, counts)
	}
}

func mcpResourceFailed(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Jobs.ListJobs(storage.JobFailed, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to list failed jobs: %w", err)
		}
		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = viewJob(j)
		}
		return jsonResource(req.Params.URI, views)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
