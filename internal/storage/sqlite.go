package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteStore implements DocumentStore.
var _ DocumentStore = (*SQLiteStore)(nil)

// SQLiteStore is the default DocumentStore: documents, task history and
// access codes in a single SQLite database, with an FTS5 index for keyword
// search and brute-force cosine similarity over float32 BLOBs for vector
// search.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "allcr.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Documents ---

func (s *SQLiteStore) InsertDocument(ctx context.Context, doc Document) error {
	extraction, err := doc.Extraction.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshalling extraction: %w", err)
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, owner, media, media_type, extraction, name, summary, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Owner, doc.Media, doc.MediaType, string(extraction),
		doc.Extraction.Name, doc.Extraction.Summary,
		encodeFloat32s(doc.Embedding), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fts_documents (id, owner, name, summary, extraction)
		VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Owner, doc.Extraction.Name, doc.Extraction.Summary, string(extraction),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetDocument(ctx context.Context, owner, id string) (Document, error) {
	var d Document
	var extraction, createdAt string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, media, media_type, extraction, embedding, created_at
		FROM documents WHERE id = ? AND owner = ?`, id, owner,
	).Scan(&d.ID, &d.Owner, &d.Media, &d.MediaType, &extraction, &blob, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if err := d.Extraction.UnmarshalJSON([]byte(extraction)); err != nil {
		return Document{}, fmt.Errorf("parsing extraction for %s: %w", id, err)
	}
	if d.Embedding, err = decodeFloat32s(blob); err != nil {
		return Document{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.Tasks, err = s.ListTasks(ctx, owner, id); err != nil {
		return Document{}, err
	}
	return d, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, owner string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at
		FROM documents WHERE owner = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

func (s *SQLiteStore) SearchKeyword(ctx context.Context, owner, query string, limit int) ([]Document, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.owner, d.media_type, d.extraction, d.created_at
		FROM fts_documents
		JOIN documents d ON d.id = fts_documents.id
		WHERE fts_documents MATCH ? AND fts_documents.owner = ?
		ORDER BY fts_documents.rank LIMIT ?`, match, owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

// sanitizeFTSQuery turns free text into an FTS5 query that can never hit the
// MATCH parser's syntax: every whitespace-separated term becomes a quoted
// string, so operators like AND, NOT and punctuation such as $ , / are
// matched literally instead of parsed. Terms without a single letter or
// digit tokenize to nothing and are dropped.
func sanitizeFTSQuery(q string) string {
	fields := strings.Fields(q)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if !strings.ContainsFunc(f, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

func (s *SQLiteStore) SearchVector(ctx context.Context, owner string, vector []float32, limit, candidates int) ([]ScoredDocument, error) {
	// The scan is exact, so the candidate pool parameter is moot here; it
	// exists for approximate backends.
	queryNorm := norm(vector)
	if queryNorm == 0 || limit <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding, owner-filtered in SQL.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM documents WHERE owner = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch the winners without the embedding column.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]interface{}, 0, len(topIDs)+1)
	args = append(args, owner)
	for _, id := range topIDs {
		args = append(args, id)
	}
	query := `SELECT id, owner, media_type, extraction, created_at
		FROM documents WHERE owner = ? AND id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top results: %w", err)
	}
	defer fullRows.Close()

	docs, err := scanDocumentRows(fullRows)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredDocument, len(docs))
	for i, d := range docs {
		results[i] = ScoredDocument{Document: d, Score: scores[d.ID]}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func scanDocumentRows(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var extraction, createdAt string
		if err := rows.Scan(&d.ID, &d.Owner, &d.MediaType, &extraction, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := d.Extraction.UnmarshalJSON([]byte(extraction)); err != nil {
			return nil, fmt.Errorf("parsing extraction for %s: %w", d.ID, err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Task history ---

func (s *SQLiteStore) AppendTask(ctx context.Context, owner, documentID string, task TaskRecord) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// The INSERT..SELECT computes the next sequence number and checks
	// ownership in the same statement, so an append can never overwrite a
	// concurrent one and never lands on another owner's document. Zero rows
	// are inserted when the document is missing or foreign.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_tasks (id, document_id, seq, prompt, result, created_at)
		SELECT ?, d.id,
		       COALESCE((SELECT MAX(seq) FROM ai_tasks WHERE document_id = d.id), 0) + 1,
		       ?, ?, ?
		FROM documents d WHERE d.id = ? AND d.owner = ?`,
		task.ID, task.Prompt, task.Result, createdAt.Format(time.RFC3339),
		documentID, owner,
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

func (s *SQLiteStore) ListTasks(ctx context.Context, owner, documentID string) ([]TaskRecord, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE id = ? AND owner = ?`, documentID, owner,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, result, created_at
		FROM ai_tasks WHERE document_id = ? ORDER BY seq ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Prompt, &t.Result, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		t.CreatedAt = ts
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Access codes ---

func (s *SQLiteStore) FindCredential(ctx context.Context, code string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_codes WHERE code = ?`, code).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("looking up access code: %w", err)
	}
	return found > 0, nil
}

func (s *SQLiteStore) AddCredential(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_codes (code) VALUES (?) ON CONFLICT(code) DO NOTHING`, code)
	return err
}

// --- Maintenance ---

func (s *SQLiteStore) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, media_type, extraction, created_at
		FROM documents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing all documents: %w", err)
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id string, vector []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = ? WHERE id = ?`, encodeFloat32s(vector), id)
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
