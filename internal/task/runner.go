// Package task re-runs arbitrary user prompts against a stored document's
// extraction and appends the results to the document's audit trail.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allcr/allcr/internal/storage"
)

const taskSystemPrompt = "You are given a JSON document and an instruction. " +
	"Produce directly copy-pasteable plain output only, with no explanation " +
	"and no surrounding commentary."

// Completer is the model call the runner uses.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Store is the task-facing subset of the document store.
type Store interface {
	GetDocument(ctx context.Context, owner, id string) (storage.Document, error)
	AppendTask(ctx context.Context, owner, documentID string, task storage.TaskRecord) error
	ListTasks(ctx context.Context, owner, documentID string) ([]storage.TaskRecord, error)
}

// Runner executes prompts against stored documents.
type Runner struct {
	completer Completer
	store     Store
}

// NewRunner creates a Runner.
func NewRunner(completer Completer, store Store) *Runner {
	return &Runner{completer: completer, store: store}
}

// Run sends the document's extraction and the user's instruction to the
// model, appends the result to the document's history and returns the new
// record. The append is atomic; concurrent runs on the same document all
// land, in call order.
func (r *Runner) Run(ctx context.Context, owner, documentID, prompt string) (storage.TaskRecord, error) {
	doc, err := r.store.GetDocument(ctx, owner, documentID)
	if err != nil {
		return storage.TaskRecord{}, err
	}

	extraction, err := json.Marshal(doc.Extraction)
	if err != nil {
		return storage.TaskRecord{}, fmt.Errorf("marshalling extraction: %w", err)
	}

	user := fmt.Sprintf("%s\n\nDocument:\n%s", prompt, extraction)
	result, err := r.completer.Complete(ctx, taskSystemPrompt, user)
	if err != nil {
		return storage.TaskRecord{}, fmt.Errorf("running task: %w", err)
	}

	record := storage.TaskRecord{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendTask(ctx, owner, documentID, record); err != nil {
		return storage.TaskRecord{}, fmt.Errorf("recording task: %w", err)
	}
	return record, nil
}

// History returns the document's task records oldest first.
func (r *Runner) History(ctx context.Context, owner, documentID string) ([]storage.TaskRecord, error) {
	return r.store.ListTasks(ctx, owner, documentID)
}
