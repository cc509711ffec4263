package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/storage"
)

// MCPSearcher abstracts document search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, owner, query, mode string, limit int) ([]storage.ScoredDocument, error)
}

// MCPTaskRunner abstracts per-document prompt execution for the MCP layer.
type MCPTaskRunner interface {
	Run(ctx context.Context, owner, documentID, prompt string) (storage.TaskRecord, error)
}

// MCPDeps holds dependencies for the MCP server. Credential is the access
// code the whole MCP session operates under; every tool call is scoped to
// that owner's documents.
type MCPDeps struct {
	Store      storage.DocumentStore
	Searcher   MCPSearcher
	Tasks      MCPTaskRunner
	Credential string
}

// NewMCPServer creates an MCP server exposing the captured-document store
// as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"allcr",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("allcr is a personal captured-document store with keyword and semantic search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Search captured documents by keyword or semantic similarity."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Search mode: keyword or vector (default keyword)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the most recently captured documents."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 10)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Fetch a single captured document with its full extraction and task history."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
		),
		mcpGetDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("run_task",
			mcp.WithDescription("Run a prompt against a captured document's extraction and record the result."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Instruction to run against the document"), mcp.Required()),
		),
		mcpRunTask(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"documents://recent",
			"Recent Documents",
			mcp.WithResourceDescription("Last 10 captured documents (name and summary only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		mode := req.GetString("mode", retrieval.ModeKeyword)
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		docs, err := deps.Searcher.Search(ctx, deps.Credential, query, mode, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(docs) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			ID      string  `json:"id"`
			Name    string  `json:"name"`
			Type    string  `json:"type"`
			Summary string  `json:"summary"`
			Score   float32 `json:"score,omitempty"`
		}

		results := make([]searchResult, len(docs))
		for i, d := range docs {
			results[i] = searchResult{
				ID:      d.ID,
				Name:    d.Extraction.Name,
				Type:    d.Extraction.Type.AIClassified,
				Summary: d.Extraction.Summary,
				Score:   d.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		docs, err := deps.Store.ListDocuments(ctx, deps.Credential, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		type listResult struct {
			ID        string `json:"id"`
			MediaType string `json:"media_type"`
			Name      string `json:"name"`
			CreatedAt string `json:"created_at"`
		}

		results := make([]listResult, len(docs))
		for i, d := range docs {
			results[i] = listResult{
				ID:        d.ID,
				MediaType: d.MediaType,
				Name:      d.Extraction.Name,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		doc, err := deps.Store.GetDocument(ctx, deps.Credential, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get document: %v", err)), nil
		}

		type docResult struct {
			ID         string               `json:"id"`
			MediaType  string               `json:"media_type"`
			Extraction storage.Extraction   `json:"extraction"`
			CreatedAt  string               `json:"created_at"`
			Tasks      []storage.TaskRecord `json:"tasks,omitempty"`
		}

		b, err := json.Marshal(docResult{
			ID:         doc.ID,
			MediaType:  doc.MediaType,
			Extraction: doc.Extraction,
			CreatedAt:  doc.CreatedAt.Format(time.RFC3339),
			Tasks:      doc.Tasks,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpRunTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		record, err := deps.Tasks.Run(ctx, deps.Credential, id, prompt)
		if err != nil {
			return mcpError(fmt.Sprintf("task failed: %v", err)), nil
		}

		return mcpText(record.Result), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(ctx, deps.Credential, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Summary   string `json:"summary"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summary := d.Extraction.Summary
			if utf8.RuneCountInString(summary) > 200 {
				runes := []rune(summary)
				summary = string(runes[:200]) + "..."
			}
			summaries[i] = docSummary{
				ID:        d.ID,
				Name:      d.Extraction.Name,
				Summary:   summary,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
