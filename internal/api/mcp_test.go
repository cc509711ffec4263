package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/allcr/allcr/internal/storage"
)

type fakeMCPSearcher struct {
	docs      []storage.ScoredDocument
	lastOwner string
	lastMode  string
	lastLimit int
}

func (f *fakeMCPSearcher) Search(ctx context.Context, owner, query, mode string, limit int) ([]storage.ScoredDocument, error) {
	f.lastOwner, f.lastMode, f.lastLimit = owner, mode, limit
	return f.docs, nil
}

type fakeMCPRunner struct {
	record    storage.TaskRecord
	lastOwner string
	lastDoc   string
}

func (f *fakeMCPRunner) Run(ctx context.Context, owner, documentID, prompt string) (storage.TaskRecord, error) {
	f.lastOwner, f.lastDoc = owner, documentID
	return f.record, nil
}

func callToolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return tc.Text
}

// TestMCPSearchDocuments verifies the tool binds the configured credential
// and returns compact JSON results.
func TestMCPSearchDocuments(t *testing.T) {
	searcher := &fakeMCPSearcher{docs: []storage.ScoredDocument{
		{
			Document: storage.Document{
				ID: "doc-1",
				Extraction: storage.Extraction{
					Name:    "Receipt",
					Type:    storage.TypeField{AIClassified: "receipt"},
					Summary: "Groceries",
				},
			},
			Score: 0.8,
		},
	}}
	deps := MCPDeps{Searcher: searcher, Credential: "code-1"}

	handler := mcpSearchDocuments(deps)
	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"query": "groceries",
		"mode":  "vector",
		"limit": float64(5),
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}

	if searcher.lastOwner != "code-1" {
		t.Errorf("owner = %q, want the bound credential", searcher.lastOwner)
	}
	if searcher.lastMode != "vector" || searcher.lastLimit != 5 {
		t.Errorf("mode=%q limit=%d", searcher.lastMode, searcher.lastLimit)
	}

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(textContent(t, result)), &parsed); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(parsed) != 1 || parsed[0]["id"] != "doc-1" {
		t.Errorf("parsed = %+v", parsed)
	}
}

// TestMCPSearchDocumentsRequiresQuery verifies a missing query is a tool
// error, not a transport error.
func TestMCPSearchDocumentsRequiresQuery(t *testing.T) {
	handler := mcpSearchDocuments(MCPDeps{Searcher: &fakeMCPSearcher{}, Credential: "code-1"})

	result, err := handler(context.Background(), callToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing query")
	}
	if !strings.Contains(textContent(t, result), "query is required") {
		t.Errorf("error text = %q", textContent(t, result))
	}
}

// TestMCPRunTask verifies the task tool returns the model result bound to
// the configured credential.
func TestMCPRunTask(t *testing.T) {
	runner := &fakeMCPRunner{record: storage.TaskRecord{ID: "t1", Result: "done"}}
	handler := mcpRunTask(MCPDeps{Tasks: runner, Credential: "code-1"})

	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"document_id": "doc-1",
		"prompt":      "summarize",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}
	if textContent(t, result) != "done" {
		t.Errorf("result = %q", textContent(t, result))
	}
	if runner.lastOwner != "code-1" || runner.lastDoc != "doc-1" {
		t.Errorf("run called with owner=%q doc=%q", runner.lastOwner, runner.lastDoc)
	}
}

// TestMCPListDocuments verifies the list tool returns only the bound
// credential's documents, newest first.
func TestMCPListDocuments(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, doc := range []storage.Document{
		{ID: "doc-old", Owner: "code-1", MediaType: "image"},
		{ID: "doc-new", Owner: "code-1", MediaType: "audio"},
		{ID: "doc-other", Owner: "code-2", MediaType: "image"},
	} {
		doc.Extraction = storage.Extraction{Name: "Doc " + doc.ID, Summary: "s"}
		doc.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.InsertDocument(context.Background(), doc); err != nil {
			t.Fatalf("insert %s: %v", doc.ID, err)
		}
	}

	handler := mcpListDocuments(MCPDeps{Store: store, Credential: "code-1"})
	result, err := handler(context.Background(), callToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(textContent(t, result)), &parsed); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d documents, want 2", len(parsed))
	}
	if parsed[0]["id"] != "doc-new" || parsed[1]["id"] != "doc-old" {
		t.Errorf("order = [%v, %v], want newest first", parsed[0]["id"], parsed[1]["id"])
	}
}
