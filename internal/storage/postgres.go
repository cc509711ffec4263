package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Compile-time check that PostgresStore implements DocumentStore.
var _ DocumentStore = (*PostgresStore)(nil)

// PostgresStore is the DocumentStore backend for deployments with a managed
// Postgres. Vector search uses pgvector's cosine distance operator, keyword
// search uses the built-in full-text index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects to Postgres and ensures the schema exists. dim is the
// embedding dimensionality of the configured embed model.
func NewPostgres(connString string, dim int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx, dim); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context, dim int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS access_codes (
			code TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			media TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT 'image',
			extraction JSONB NOT NULL,
			name TEXT NOT NULL,
			summary TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_documents_owner_created
			ON documents (owner, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_fts
			ON documents USING GIN (to_tsvector('english', name || ' ' || summary || ' ' || extraction::text))`,
		`CREATE TABLE IF NOT EXISTS ai_tasks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			seq INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_tasks_doc_seq ON ai_tasks (document_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	if len(doc.Embedding) == 0 {
		return errors.New("embedding cannot be empty")
	}
	extraction, err := doc.Extraction.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshalling extraction: %w", err)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner, media, media_type, extraction, name, summary, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.Owner, doc.Media, doc.MediaType, string(extraction),
		doc.Extraction.Name, doc.Extraction.Summary,
		pgvector.NewVector(doc.Embedding), createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, owner, id string) (Document, error) {
	var d Document
	var extraction string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, media, media_type, extraction, created_at
		FROM documents WHERE id = $1 AND owner = $2`, id, owner,
	).Scan(&d.ID, &d.Owner, &d.Media, &d.MediaType, &extraction, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if err := d.Extraction.UnmarshalJSON([]byte(extraction)); err != nil {
		return Document{}, fmt.Errorf("parsing extraction for %s: %w", id, err)
	}
	if d.Tasks, err = s.ListTasks(ctx, owner, id); err != nil {
		return Document{}, err
	}
	return d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, owner string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at
		FROM documents WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	return scanPGDocumentRows(rows)
}

func (s *PostgresStore) SearchKeyword(ctx context.Context, owner, query string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at
		FROM documents
		WHERE owner = $1
		  AND to_tsvector('english', name || ' ' || summary || ' ' || extraction::text) @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(to_tsvector('english', name || ' ' || summary || ' ' || extraction::text), plainto_tsquery('english', $2)) DESC
		LIMIT $3`, owner, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanPGDocumentRows(rows)
}

func (s *PostgresStore) SearchVector(ctx context.Context, owner string, vector []float32, limit, candidates int) ([]ScoredDocument, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	if candidates < limit {
		candidates = limit
	}
	vec := pgvector.NewVector(vector)

	// The inner query draws an owner-scoped candidate pool by cosine
	// distance; the outer query keeps the closest limit rows. With an
	// approximate index on embedding the pool improves recall.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at, distance FROM (
			SELECT id, owner, media_type, extraction, created_at,
			       embedding <=> $2 AS distance
			FROM documents
			WHERE owner = $1
			ORDER BY embedding <=> $2
			LIMIT $3
		) pool
		ORDER BY distance ASC
		LIMIT $4`, owner, vec, candidates, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []ScoredDocument
	for rows.Next() {
		var d Document
		var extraction string
		var distance float64
		if err := rows.Scan(&d.ID, &d.Owner, &d.MediaType, &extraction, &d.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if err := d.Extraction.UnmarshalJSON([]byte(extraction)); err != nil {
			return nil, fmt.Errorf("parsing extraction for %s: %w", d.ID, err)
		}
		// Cosine distance is 1 - similarity.
		results = append(results, ScoredDocument{Document: d, Score: float32(1 - distance)})
	}
	return results, rows.Err()
}

func scanPGDocumentRows(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var extraction string
		if err := rows.Scan(&d.ID, &d.Owner, &d.MediaType, &extraction, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := d.Extraction.UnmarshalJSON([]byte(extraction)); err != nil {
			return nil, fmt.Errorf("parsing extraction for %s: %w", d.ID, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) AppendTask(ctx context.Context, owner, documentID string, task TaskRecord) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_tasks (id, document_id, seq, prompt, result, created_at)
		SELECT $1, d.id,
		       COALESCE((SELECT MAX(seq) FROM ai_tasks WHERE document_id = d.id), 0) + 1,
		       $2, $3, $4
		FROM documents d WHERE d.id = $5 AND d.owner = $6`,
		task.ID, task.Prompt, task.Result, createdAt, documentID, owner,
	)
	if err != nil {
		return fmt.Errorf("appending task to %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, owner, documentID string) ([]TaskRecord, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE id = $1 AND owner = $2`, documentID, owner,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, result, created_at
		FROM ai_tasks WHERE document_id = $1 ORDER BY seq ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var t TaskRecord
		if err := rows.Scan(&t.ID, &t.Prompt, &t.Result, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) FindCredential(ctx context.Context, code string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_codes WHERE code = $1`, code).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("looking up access code: %w", err)
	}
	return found > 0, nil
}

func (s *PostgresStore) AddCredential(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_codes (code) VALUES ($1) ON CONFLICT (code) DO NOTHING`, code)
	return err
}

func (s *PostgresStore) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at
		FROM documents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing all documents: %w", err)
	}
	defer rows.Close()
	return scanPGDocumentRows(rows)
}

func (s *PostgresStore) UpdateEmbedding(ctx context.Context, id string, vector []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = $1 WHERE id = $2`, pgvector.NewVector(vector), id)
	if err != nil {
		return fmt.Errorf("updating embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
