package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func streamServer(t *testing.T, events []string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if !req.Stream {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "key", Models{Chat: "chat-model"})
}

func deltaEvent(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	})
	return string(b)
}

// TestChatStreamRecv drains a stream and verifies fragments arrive in order
// with io.EOF after [DONE].
func TestChatStreamRecv(t *testing.T) {
	c := streamServer(t, []string{
		deltaEvent("Hel"),
		deltaEvent("lo"),
		`{"choices":[{"delta":{}}]}`,
		deltaEvent("!"),
		"[DONE]",
	})

	stream, err := c.ChatStream(context.Background(), []Message{TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	var got string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got += chunk
	}

	if got != "Hello!" {
		t.Errorf("assembled text = %q, want %q", got, "Hello!")
	}

	// Recv after completion keeps returning io.EOF.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv after done: got %v, want io.EOF", err)
	}
}

// TestChatStreamBadEvent verifies malformed events fail the stream.
func TestChatStreamBadEvent(t *testing.T) {
	c := streamServer(t, []string{deltaEvent("ok"), "{not json"})

	stream, err := c.ChatStream(context.Background(), []Message{TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if _, err := stream.Recv(); err == nil || err == io.EOF {
		t.Fatalf("got %v, want decode error", err)
	}
}

// TestChatStreamErrorStatus verifies a non-200 response fails before any
// stream is returned.
func TestChatStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", Models{Chat: "chat-model"})
	if _, err := c.ChatStream(context.Background(), []Message{TextMessage("user", "hi")}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

// TestChatStreamCloseIdempotent verifies Close can be called repeatedly.
func TestChatStreamCloseIdempotent(t *testing.T) {
	c := streamServer(t, []string{"[DONE]"})

	stream, err := c.ChatStream(context.Background(), []Message{TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
