package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/allcr/allcr/internal/storage"
)

// ReindexStore is the maintenance-facing subset of the document store.
type ReindexStore interface {
	AllDocuments(ctx context.Context) ([]storage.Document, error)
	UpdateEmbedding(ctx context.Context, id string, vector []float32) error
}

// Reindex recomputes every document's embedding from its extraction text,
// for example after switching embed models. Returns the number of documents
// re-embedded. Runs with bounded concurrency to avoid overwhelming the
// model-serving API.
func Reindex(ctx context.Context, embedder Embedder, store ReindexStore) (int, error) {
	docs, err := store.AllDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading documents: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			vec, err := embedder.Embed(gCtx, doc.Extraction.EmbeddingText())
			if err != nil {
				return fmt.Errorf("embedding document %s: %w", doc.ID, err)
			}
			if err := store.UpdateEmbedding(gCtx, doc.ID, vec); err != nil {
				return fmt.Errorf("updating document %s: %w", doc.ID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(docs), nil
}
