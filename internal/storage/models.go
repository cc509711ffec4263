package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or is not
// visible to the requesting owner.
var ErrNotFound = errors.New("not found")

// Document is the persisted unit: a captured artifact, its structured
// extraction, the embedding computed at confirm time, and the append-only
// task history.
type Document struct {
	ID         string
	Owner      string // access code of the creating session; tenant key
	Media      string // base64-encoded original payload, may be empty
	MediaType  string // "image", "file", "audio", "url" or "text"
	Extraction Extraction
	Embedding  []float32
	CreatedAt  time.Time
	Tasks      []TaskRecord
}

// TaskRecord is one result of re-running a prompt against a document's
// extraction. Records are insertion-ordered and never mutated.
type TaskRecord struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// TypeField is the two-sided classification of a capture: what the user
// declared and what the model decided.
type TypeField struct {
	User         string `json:"user"`
	AIClassified string `json:"ai_classified"`
}

// Extraction is the canonical structured object produced from captured media.
// Name, Type and Summary are required; any additional fields the model
// emitted are preserved verbatim in Extra.
type Extraction struct {
	Name    string
	Type    TypeField
	Summary string
	Extra   map[string]json.RawMessage
}

// Validate reports whether the extraction carries the required fields.
func (e Extraction) Validate() error {
	if e.Name == "" {
		return errors.New("extraction missing name")
	}
	if e.Summary == "" {
		return errors.New("extraction missing summary")
	}
	return nil
}

// EmbeddingText returns the text the document embedding is computed over.
func (e Extraction) EmbeddingText() string {
	return e.Name + "\n" + e.Summary
}

func (e Extraction) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(e.Extra)+3)
	for k, v := range e.Extra {
		m[k] = v
	}
	name, err := json.Marshal(e.Name)
	if err != nil {
		return nil, err
	}
	m["name"] = name
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	m["type"] = typ
	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return nil, err
	}
	m["summary"] = summary
	return json.Marshal(m)
}

func (e *Extraction) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &e.Name); err != nil {
			return fmt.Errorf("parsing name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			// Some models emit type as a bare string; keep it on both sides.
			var s string
			if err2 := json.Unmarshal(v, &s); err2 != nil {
				return fmt.Errorf("parsing type: %w", err)
			}
			e.Type = TypeField{User: s, AIClassified: s}
		}
		delete(raw, "type")
	}
	if v, ok := raw["summary"]; ok {
		if err := json.Unmarshal(v, &e.Summary); err != nil {
			return fmt.Errorf("parsing summary: %w", err)
		}
		delete(raw, "summary")
	}
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}
