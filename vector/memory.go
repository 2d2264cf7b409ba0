package vector

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/graphline/graphline/internal/fileutil"
)

// MemoryStore is an in-process vector store with optional GOB persistence.
// Default backend for single-machine runs and the test suite.
type MemoryStore struct {
	indexPath   string
	collections map[string]map[string]Record // collection -> id -> record
	mu          sync.RWMutex
}

type gobVectorData struct {
	Collections map[string]map[string]Record
}

func NewMemoryStore(indexPath string) *MemoryStore {
	return &MemoryStore{
		indexPath:   indexPath,
		collections: make(map[string]map[string]Record),
	}
}

func (s *MemoryStore) DeleteByFilePath(ctx context.Context, collection, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.collections[collection]
	if !ok {
		return nil
	}
	for id, rec := range records {
		if rec.Payload.FilePath == path {
			delete(records, id)
		}
	}

	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Record)
	}
	for _, rec := range records {
		s.collections[collection][rec.ID] = rec
	}

	return nil
}

func (s *MemoryStore) Search(ctx context.Context, collection string, queryVector []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.collections[collection]
	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		results = append(results, SearchResult{
			Record: rec,
			Score:  cosineSimilarity(queryVector, rec.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// Load reads the store from disk; a missing index file starts the store empty.
func (s *MemoryStore) Load(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer file.Close()

	var data gobVectorData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode vector index: %w", err)
	}

	s.collections = data.Collections
	if s.collections == nil {
		s.collections = make(map[string]map[string]Record)
	}

	return nil
}

// Persist writes the store to disk.
func (s *MemoryStore) Persist(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := fileutil.EnsureParentDir(s.indexPath); err != nil {
		return fmt.Errorf("failed to create vector index directory: %w", err)
	}

	tempPath := s.indexPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create vector index file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(gobVectorData{Collections: s.collections}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode vector index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close vector index file: %w", err)
	}

	return fileutil.ReplaceFileAtomically(tempPath, s.indexPath)
}

func (s *MemoryStore) Close() error {
	return s.Persist(context.Background())
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
