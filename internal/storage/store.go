package storage

import "context"

// DocumentStore is the persistence interface for documents, task history and
// access codes. The default implementation is SQLite; a Postgres/pgvector
// implementation exists for deployments with a managed database.
//
// Every read and write is scoped by owner inside the query itself. A missed
// owner filter is a cross-tenant data leak, so no method ever relies on the
// caller filtering results after the fact.
type DocumentStore interface {
	// InsertDocument persists a complete document (media, extraction,
	// embedding, empty task history) as a single atomic write.
	InsertDocument(ctx context.Context, doc Document) error

	// GetDocument returns the full document including media and task history.
	// Returns ErrNotFound when the id does not exist or belongs to a
	// different owner; the two cases are indistinguishable to the caller.
	GetDocument(ctx context.Context, owner, id string) (Document, error)

	// ListDocuments returns the owner's documents newest first. Media and
	// embedding are omitted from the results.
	ListDocuments(ctx context.Context, owner string, limit int) ([]Document, error)

	// SearchKeyword runs a full-text query over name, summary and the raw
	// extraction, restricted to the owner. Ranking is delegated to the
	// underlying index. Media and embedding are omitted.
	SearchKeyword(ctx context.Context, owner, query string, limit int) ([]Document, error)

	// SearchVector returns the owner's limit nearest documents to vector,
	// ordered by decreasing similarity. candidates sizes the approximate
	// search pool for backends that oversample; exact backends may ignore
	// it. Media and embedding are omitted.
	SearchVector(ctx context.Context, owner string, vector []float32, limit, candidates int) ([]ScoredDocument, error)

	// AppendTask atomically appends one task record to the document's
	// history. Concurrent appends to the same document must all survive.
	AppendTask(ctx context.Context, owner, documentID string, task TaskRecord) error

	// ListTasks returns the document's task history oldest first.
	ListTasks(ctx context.Context, owner, documentID string) ([]TaskRecord, error)

	// FindCredential reports whether the access code is provisioned.
	FindCredential(ctx context.Context, code string) (bool, error)

	// AddCredential provisions an access code. Idempotent.
	AddCredential(ctx context.Context, code string) error

	// AllDocuments returns id, owner and extraction for every document
	// across all owners. Maintenance only (re-embedding).
	AllDocuments(ctx context.Context) ([]Document, error)

	// UpdateEmbedding replaces a document's embedding vector.
	UpdateEmbedding(ctx context.Context, id string, vector []float32) error

	Close() error
}

// ScoredDocument is a search hit with its similarity score.
type ScoredDocument struct {
	Document
	Score float32
}
