// Package retrieval executes owner-scoped document queries: full-text,
// vector similarity, and plain listing. Ranking is delegated entirely to the
// underlying store; there is no client-side re-ranking.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/allcr/allcr/internal/storage"
)

// Search modes.
const (
	ModeKeyword = "keyword"
	ModeVector  = "vector"
)

// ErrUnknownMode is returned when the requested search mode is neither
// keyword nor vector.
var ErrUnknownMode = errors.New("unknown search mode")

const (
	defaultLimit      = 20
	defaultOversample = 10
)

// Embedder turns query text into a vector with the same model used at
// ingestion time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the search-facing subset of the document store.
type Store interface {
	SearchKeyword(ctx context.Context, owner, query string, limit int) ([]storage.Document, error)
	SearchVector(ctx context.Context, owner string, vector []float32, limit, candidates int) ([]storage.ScoredDocument, error)
	ListDocuments(ctx context.Context, owner string, limit int) ([]storage.Document, error)
}

// Searcher combines the embedder and the store behind one query entry point.
type Searcher struct {
	embedder   Embedder
	store      Store
	oversample int
}

// NewSearcher creates a Searcher. oversample multiplies the requested limit
// into the approximate-search candidate pool; <= 0 uses the default (10).
func NewSearcher(embedder Embedder, store Store, oversample int) *Searcher {
	if oversample <= 0 {
		oversample = defaultOversample
	}
	return &Searcher{embedder: embedder, store: store, oversample: oversample}
}

// Search runs a query for the owner. An empty query lists all of the
// owner's documents newest first regardless of mode. Keyword hits carry no
// score (the index ranked them); vector hits carry cosine similarity.
func (s *Searcher) Search(ctx context.Context, owner, query, mode string, limit int) ([]storage.ScoredDocument, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	if query == "" {
		docs, err := s.store.ListDocuments(ctx, owner, limit)
		if err != nil {
			return nil, err
		}
		return unscored(docs), nil
	}

	switch mode {
	case ModeKeyword, "":
		docs, err := s.store.SearchKeyword(ctx, owner, query, limit)
		if err != nil {
			return nil, err
		}
		return unscored(docs), nil

	case ModeVector:
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return s.store.SearchVector(ctx, owner, vec, limit, limit*s.oversample)

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}
}

func unscored(docs []storage.Document) []storage.ScoredDocument {
	out := make([]storage.ScoredDocument, len(docs))
	for i, d := range docs {
		out[i] = storage.ScoredDocument{Document: d}
	}
	return out
}
