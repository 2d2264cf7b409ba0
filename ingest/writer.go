package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/graphline/graphline/embedder"
	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
	"github.com/graphline/graphline/vector"
)

// Writer persists one file's artifacts into both stores. The contract is
// purge-then-write: stale rows from the previous version of the file are
// removed before the new ones land, never merged over.
type Writer struct {
	graph      graph.Store
	vectors    vector.Store
	embedder   embedder.Embedder
	collection string
}

func NewWriter(g graph.Store, v vector.Store, e embedder.Embedder, collection string) *Writer {
	return &Writer{
		graph:      g,
		vectors:    v,
		embedder:   e,
		collection: collection,
	}
}

// Purge removes everything previously written for path from both stores.
// Both deletions must succeed; a failed purge aborts the file, because
// writing after a partial purge would leave stale artifacts mixed with fresh
// ones.
func (w *Writer) Purge(ctx context.Context, path string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.vectors.DeleteByFilePath(ctx, w.collection, path); err != nil {
			return fmt.Errorf("vector purge for %s: %w", path, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := w.graph.PurgeFileAssets(ctx, path); err != nil {
			return fmt.Errorf("graph purge for %s: %w", path, err)
		}
		return nil
	})
	return g.Wait()
}

// Write merges the finalized result into the graph and upserts the embedded
// chunks into the vector store. Callers must have purged first.
func (w *Writer) Write(ctx context.Context, result *lineage.Result, chunks []Chunk, meta RunMeta) error {
	if err := w.graph.MergeNodes(ctx, result.Nodes); err != nil {
		return fmt.Errorf("failed to merge nodes: %w", err)
	}
	if err := w.graph.MergeEdges(ctx, result.Edges); err != nil {
		return fmt.Errorf("failed to merge edges: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: vector.Payload{
				FilePath:    c.FilePath,
				ChunkType:   c.ObjectType,
				ObjectName:  c.ObjectName,
				ProjectID:   meta.ProjectID,
				RunID:       meta.RunID,
				IngestionID: meta.IngestionID,
				Content:     c.Content,
				StartLine:   c.StartLine,
				EndLine:     c.EndLine,
			},
		}
	}
	if err := w.vectors.Upsert(ctx, w.collection, records); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}
