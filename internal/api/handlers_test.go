package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allcr/allcr/internal/chat"
	"github.com/allcr/allcr/internal/extract"
	"github.com/allcr/allcr/internal/ingest"
	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/session"
	"github.com/allcr/allcr/internal/storage"
	"github.com/allcr/allcr/internal/task"
)

// fakeModel stands in for the external model-serving API across every
// handler: vision, embeddings, transcription, completion and streaming.
type fakeModel struct {
	describeOut  string
	embedding    []float32
	transcript   string
	completeOut  string
	streamChunks []string
}

func (f *fakeModel) DescribeImage(ctx context.Context, imageB64, mimeType, system, user string) (string, error) {
	return f.describeOut, nil
}

func (f *fakeModel) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f.transcript, nil
}

func (f *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, nil
}

func (f *fakeModel) Complete(ctx context.Context, system, user string) (string, error) {
	return f.completeOut, nil
}

type sliceStream struct {
	chunks []string
	pos    int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

func newTestServer(t *testing.T, model *fakeModel) *httptest.Server {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, code := range []string{"code-1", "code-2"} {
		if err := store.AddCredential(context.Background(), code); err != nil {
			t.Fatalf("adding credential: %v", err)
		}
	}

	searcher := retrieval.NewSearcher(model, store, 0)
	assistant := chat.New(searcher, chat.CompleterFunc(
		func(ctx context.Context, messages []extract.Message) (chat.Stream, error) {
			return &sliceStream{chunks: model.streamChunks}, nil
		},
	), 0)

	handler := NewHandler(Deps{
		Sessions:  session.NewManager(store),
		Store:     store,
		Pipeline:  ingest.New(model, store, nil),
		Searcher:  searcher,
		Assistant: assistant,
		Tasks:     task.NewRunner(model, store),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, code string) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/auth", "application/json",
		strings.NewReader(`{"code":"`+code+`"}`))
	if err != nil {
		t.Fatalf("POST /auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("auth returned %d: %s", resp.StatusCode, body)
	}
	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding auth response: %v", err)
	}
	return result["token"]
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// captureDocument runs preview + confirm for a test image and returns the
// new document's id.
func captureDocument(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()

	resp := doJSON(t, "POST", srv.URL+"/ingest/preview", token, map[string]any{
		"media_type": "image",
		"category":   "financial",
		"content":    base64.StdEncoding.EncodeToString([]byte("img")),
		"filename":   "receipt.jpg",
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("preview returned %d: %s", resp.StatusCode, body)
	}
	var preview map[string]json.RawMessage
	decodeBody(t, resp, &preview)

	confirmResp := doJSON(t, "POST", srv.URL+"/ingest/confirm", token, json.RawMessage(mustMarshal(t, preview)))
	if confirmResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(confirmResp.Body)
		confirmResp.Body.Close()
		t.Fatalf("confirm returned %d: %s", confirmResp.StatusCode, body)
	}
	var result map[string]string
	decodeBody(t, confirmResp, &result)
	if result["id"] == "" {
		t.Fatal("confirm returned no id")
	}
	return result["id"]
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshalling: %v", err)
	}
	return b
}

func defaultModel() *fakeModel {
	return &fakeModel{
		describeOut: `{"name": "Grocery receipt", "type": {"user": "financial", "ai_classified": "receipt"}, "summary": "Weekly groceries, $54.12.", "total": "54.12"}`,
		embedding:   []float32{0.3, 0.4},
		completeOut: "54.12",
	}
}

// TestAuthInvalidCode verifies bad codes get a 401 with the JSON error
// envelope.
func TestAuthInvalidCode(t *testing.T) {
	srv := newTestServer(t, defaultModel())

	resp, err := http.Post(srv.URL+"/auth", "application/json", strings.NewReader(`{"code":"wrong"}`))
	if err != nil {
		t.Fatalf("POST /auth: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

// TestRequiresSession verifies protected routes reject missing and bogus
// tokens while /health stays open.
func TestRequiresSession(t *testing.T) {
	srv := newTestServer(t, defaultModel())

	resp, err := http.Get(srv.URL + "/documents")
	if err != nil {
		t.Fatalf("GET /documents: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, "GET", srv.URL+"/documents", "bogus-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bogus token: status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}

// TestIngestFlow runs preview + confirm and reads the document back with
// its media and extraction intact.
func TestIngestFlow(t *testing.T) {
	srv := newTestServer(t, defaultModel())
	token := login(t, srv, "code-1")

	id := captureDocument(t, srv, token)

	resp := doJSON(t, "GET", srv.URL+"/documents/"+id, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get document: status = %d", resp.StatusCode)
	}
	var doc struct {
		ID         string             `json:"id"`
		MediaType  string             `json:"media_type"`
		Extraction storage.Extraction `json:"extraction"`
		Media      string             `json:"media"`
	}
	decodeBody(t, resp, &doc)

	if doc.ID != id {
		t.Errorf("id = %q, want %q", doc.ID, id)
	}
	if doc.Extraction.Name != "Grocery receipt" {
		t.Errorf("name = %q", doc.Extraction.Name)
	}
	if string(doc.Extraction.Extra["total"]) != `"54.12"` {
		t.Errorf("extra total = %s", doc.Extraction.Extra["total"])
	}
	if doc.Media == "" {
		t.Error("single-document fetch should include the media payload")
	}
}

// TestPreviewBadExtraction verifies unparseable model output comes back as
// a 422 and persists nothing.
func TestPreviewBadExtraction(t *testing.T) {
	model := defaultModel()
	model.describeOut = "not json at all"
	srv := newTestServer(t, model)
	token := login(t, srv, "code-1")

	resp := doJSON(t, "POST", srv.URL+"/ingest/preview", token, map[string]any{
		"media_type": "image",
		"content":    base64.StdEncoding.EncodeToString([]byte("img")),
		"filename":   "a.jpg",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	listResp := doJSON(t, "GET", srv.URL+"/documents", token, nil)
	var docs []json.RawMessage
	decodeBody(t, listResp, &docs)
	if len(docs) != 0 {
		t.Errorf("failed preview persisted %d documents", len(docs))
	}
}

// TestCrossTenantIsolation verifies one code's documents are invisible to
// another code's session, including direct fetch by id.
func TestCrossTenantIsolation(t *testing.T) {
	srv := newTestServer(t, defaultModel())
	token1 := login(t, srv, "code-1")
	token2 := login(t, srv, "code-2")

	id := captureDocument(t, srv, token1)

	resp := doJSON(t, "GET", srv.URL+"/documents", token2, nil)
	var docs []json.RawMessage
	decodeBody(t, resp, &docs)
	if len(docs) != 0 {
		t.Errorf("tenant 2 sees %d foreign documents", len(docs))
	}

	getResp := doJSON(t, "GET", srv.URL+"/documents/"+id, token2, nil)
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign fetch: status = %d, want 404", getResp.StatusCode)
	}

	taskResp := doJSON(t, "POST", srv.URL+"/documents/"+id+"/tasks", token2, map[string]string{"prompt": "p"})
	taskResp.Body.Close()
	if taskResp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign task: status = %d, want 404", taskResp.StatusCode)
	}
}

// TestSearchEndpoint exercises keyword search over a confirmed document.
func TestSearchEndpoint(t *testing.T) {
	srv := newTestServer(t, defaultModel())
	token := login(t, srv, "code-1")
	captureDocument(t, srv, token)

	resp := doJSON(t, "GET", srv.URL+"/search?q=groceries&mode=keyword", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: status = %d", resp.StatusCode)
	}
	var docs []struct {
		ID         string             `json:"id"`
		Extraction storage.Extraction `json:"extraction"`
		Media      string             `json:"media"`
	}
	decodeBody(t, resp, &docs)
	if len(docs) != 1 {
		t.Fatalf("got %d results, want 1", len(docs))
	}
	if docs[0].Media != "" {
		t.Error("search results must not include media")
	}

	badResp := doJSON(t, "GET", srv.URL+"/search?q=x&mode=fuzzy", token, nil)
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode: status = %d, want 400", badResp.StatusCode)
	}
}

// TestTaskEndpoints runs a task and reads the history back in order.
func TestTaskEndpoints(t *testing.T) {
	srv := newTestServer(t, defaultModel())
	token := login(t, srv, "code-1")
	id := captureDocument(t, srv, token)

	runResp := doJSON(t, "POST", srv.URL+"/documents/"+id+"/tasks", token, map[string]string{
		"prompt": "Total all line items",
	})
	if runResp.StatusCode != http.StatusOK {
		t.Fatalf("run task: status = %d", runResp.StatusCode)
	}
	var record storage.TaskRecord
	decodeBody(t, runResp, &record)
	if record.Result != "54.12" {
		t.Errorf("result = %q", record.Result)
	}

	listResp := doJSON(t, "GET", srv.URL+"/documents/"+id+"/tasks", token, nil)
	var records []storage.TaskRecord
	decodeBody(t, listResp, &records)
	if len(records) != 1 || records[0].ID != record.ID {
		t.Errorf("history = %+v", records)
	}

	emptyResp := doJSON(t, "POST", srv.URL+"/documents/"+id+"/tasks", token, map[string]string{})
	emptyResp.Body.Close()
	if emptyResp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d, want 400", emptyResp.StatusCode)
	}
}

// TestChatStreaming verifies the SSE framing: content events followed by a
// [DONE] marker.
func TestChatStreaming(t *testing.T) {
	model := defaultModel()
	model.streamChunks = []string{"You spent ", "$54.12."}
	srv := newTestServer(t, model)
	token := login(t, srv, "code-1")
	captureDocument(t, srv, token)

	resp := doJSON(t, "POST", srv.URL+"/chat", token, map[string]string{
		"message": "how much did I spend?",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	var text string
	sawDone := false
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var event struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("bad event %q: %v", payload, err)
		}
		text += event.Content
	}
	if text != "You spent $54.12." {
		t.Errorf("streamed text = %q", text)
	}
	if !sawDone {
		t.Error("stream missing [DONE] marker")
	}
}

// TestChatResetAndLogout verifies reset clears history and logout kills
// the token.
func TestChatResetAndLogout(t *testing.T) {
	model := defaultModel()
	model.streamChunks = []string{"hi"}
	srv := newTestServer(t, model)
	token := login(t, srv, "code-1")

	resp := doJSON(t, "POST", srv.URL+"/chat", token, map[string]string{"message": "hello"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resetResp := doJSON(t, "POST", srv.URL+"/chat/reset", token, nil)
	resetResp.Body.Close()
	if resetResp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status = %d", resetResp.StatusCode)
	}

	logoutResp := doJSON(t, "DELETE", srv.URL+"/session", token, nil)
	logoutResp.Body.Close()
	if logoutResp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status = %d", logoutResp.StatusCode)
	}

	afterResp := doJSON(t, "GET", srv.URL+"/documents", token, nil)
	afterResp.Body.Close()
	if afterResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("after logout: status = %d, want 401", afterResp.StatusCode)
	}
}
