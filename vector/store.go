package vector

import (
	"context"
)

// Payload is the metadata stored alongside each vector record. FilePath is
// the purge key: DeleteByFilePath removes every record carrying it.
type Payload struct {
	FilePath    string `json:"file_path"`
	ChunkType   string `json:"chunk_type"`
	ObjectName  string `json:"object_name,omitempty"`
	ProjectID   string `json:"project_id"`
	RunID       string `json:"run_id,omitempty"`
	IngestionID string `json:"ingestion_id,omitempty"`
	Content     string `json:"content"`
	StartLine   int    `json:"start_line,omitempty"`
	EndLine     int    `json:"end_line,omitempty"`
}

// Record is one upserted vector point. ID must be a UUID string so every
// backend (qdrant included) accepts it verbatim.
type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult is a scored record returned by the backends' Search methods.
// Search stays off the Store interface: the pipeline only writes, and query
// surfaces bind to the concrete backend they need.
type SearchResult struct {
	Record Record
	Score  float32
}

// Store is the semantic index side of the pipeline. Implementations provide
// per-path atomicity for DeleteByFilePath/Upsert on the same path.
type Store interface {
	// DeleteByFilePath removes every record whose payload file_path matches.
	// Deleting a path with no records is a no-op, not an error.
	DeleteByFilePath(ctx context.Context, collection, path string) error

	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Count returns the number of live records in the collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}
