package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Stream is a lazy, forward-only sequence of response text fragments from a
// streaming chat completion. It is consumed exactly once per turn; there is
// no replay and no mid-stream cancellation beyond closing it.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

// ChatStream sends the message history to the chat model with streaming
// enabled and returns a Stream of content fragments. The caller must drain
// the stream (or Close it) to release the connection.
func (c *Client) ChatStream(ctx context.Context, messages []Message) (*Stream, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.models.Chat,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	// Streams run longer than ordinary calls; give them their own deadline
	// instead of the client-wide timeout.
	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpClient := &http.Client{Timeout: 0}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return &Stream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Recv returns the next non-empty content fragment, or io.EOF when the
// stream is complete. Any other error means the stream is broken; the
// partial text received so far must not be treated as a complete answer.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.finish()
			return "", io.EOF
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			s.finish()
			return "", fmt.Errorf("decoding stream event: %w", err)
		}
		if len(delta.Choices) == 0 {
			continue
		}
		if chunk := delta.Choices[0].Delta.Content; chunk != "" {
			return chunk, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.finish()
		return "", fmt.Errorf("reading stream: %w", err)
	}
	s.finish()
	return "", io.EOF
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.finish()
	return nil
}

func (s *Stream) finish() {
	s.done = true
	s.body.Close()
	s.cancel()
}
