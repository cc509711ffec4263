// Package chat implements the retrieval-grounded conversational assistant.
// Each turn retrieves the documents most similar to the user's query,
// assembles them into a context blob, streams the model's answer and records
// the exchange in the session's message history.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/allcr/allcr/internal/extract"
	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/session"
	"github.com/allcr/allcr/internal/storage"
)

const groundingPrompt = "You are an assistant answering questions about the user's captured documents. " +
	"Answer only from the provided context. Be concise. " +
	"If the context does not contain the answer, say that you don't know."

const defaultTopK = 3

// Retriever finds the documents most similar to a query.
type Retriever interface {
	Search(ctx context.Context, owner, query, mode string, limit int) ([]storage.ScoredDocument, error)
}

// Stream is a forward-only sequence of response fragments.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completer opens a streaming chat completion.
type Completer interface {
	ChatStream(ctx context.Context, messages []extract.Message) (Stream, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, messages []extract.Message) (Stream, error)

func (f CompleterFunc) ChatStream(ctx context.Context, messages []extract.Message) (Stream, error) {
	return f(ctx, messages)
}

// Assistant runs grounded conversation turns over a session's history.
type Assistant struct {
	retriever Retriever
	completer Completer
	topK      int
}

// New creates an Assistant. topK <= 0 uses the default of 3 retrieved
// documents per turn.
func New(retriever Retriever, completer Completer, topK int) *Assistant {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Assistant{retriever: retriever, completer: completer, topK: topK}
}

// Turn executes one conversation turn:
//
//  1. the user message is appended to the session history;
//  2. the top-k most similar documents are retrieved with the raw query;
//  3. the model streams an answer grounded in their extractions, each
//     fragment passed to onChunk in arrival order;
//  4. the complete text is appended as the assistant message.
//
// If retrieval or streaming fails the turn aborts: the user message stays
// in the history and no assistant message is appended. The full response
// text is returned once the stream completes.
func (a *Assistant) Turn(ctx context.Context, sess *session.Session, query string, onChunk func(string)) (string, error) {
	sess.Append("user", query)

	hits, err := a.retriever.Search(ctx, sess.Credential, query, retrieval.ModeVector, a.topK)
	if err != nil {
		return "", fmt.Errorf("retrieving context: %w", err)
	}

	messages, err := buildMessages(sess.History(), query, hits)
	if err != nil {
		return "", err
	}

	stream, err := a.completer.ChatStream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("starting response stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading response stream: %w", err)
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	answer := sb.String()
	sess.Append("assistant", answer)
	return answer, nil
}

// buildMessages assembles the model request: the fixed grounding
// instruction, the prior history, and a final user turn embedding both the
// query and the retrieved context. The history's trailing entry is the
// current user message; it is replaced by the context-bearing turn.
func buildMessages(history []session.Message, query string, hits []storage.ScoredDocument) ([]extract.Message, error) {
	messages := make([]extract.Message, 0, len(history)+1)
	messages = append(messages, extract.TextMessage("system", groundingPrompt))

	for _, m := range history[:len(history)-1] {
		messages = append(messages, extract.TextMessage(m.Role, m.Content))
	}

	contextBlob, err := assembleContext(hits)
	if err != nil {
		return nil, err
	}
	final := fmt.Sprintf("Question: %s\n\nContext documents:\n%s", query, contextBlob)
	messages = append(messages, extract.TextMessage("user", final))
	return messages, nil
}

// assembleContext concatenates the hits' structured extractions as JSON.
func assembleContext(hits []storage.ScoredDocument) (string, error) {
	if len(hits) == 0 {
		return "(no matching documents)", nil
	}
	var sb strings.Builder
	for _, hit := range hits {
		blob, err := json.Marshal(hit.Extraction)
		if err != nil {
			return "", fmt.Errorf("marshalling extraction %s: %w", hit.ID, err)
		}
		sb.Write(blob)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
