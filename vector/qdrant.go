package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements Store against a qdrant instance over gRPC.
// Collections are created lazily with cosine distance.
type QdrantStore struct {
	client     *qdrant.Client
	dimensions int

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantStore connects to qdrant and verifies the connection.
func NewQdrantStore(ctx context.Context, host string, port int, useTLS bool, apiKey string, dimensions int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if _, err := client.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	return &QdrantStore{
		client:     client,
		dimensions: dimensions,
		ensured:    make(map[string]bool),
	}, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[collection] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", collection, err)
		}
	}

	s.ensured[collection] = true
	return nil
}

func (s *QdrantStore) DeleteByFilePath(ctx context.Context, collection, path string) error {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("file_path", path),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for %s: %w", path, err)
	}

	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"file_path":    rec.Payload.FilePath,
				"chunk_type":   rec.Payload.ChunkType,
				"object_name":  rec.Payload.ObjectName,
				"project_id":   rec.Payload.ProjectID,
				"run_id":       rec.Payload.RunID,
				"ingestion_id": rec.Payload.IngestionID,
				"content":      rec.Payload.Content,
				"start_line":   int64(rec.Payload.StartLine),
				"end_line":     int64(rec.Payload.EndLine),
			}),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}

	return nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, queryVector []float32, limit int) ([]SearchResult, error) {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		rec := Record{Payload: payloadFromQdrant(p.Payload)}
		if id := p.Id.GetUuid(); id != "" {
			rec.ID = id
		}
		results = append(results, SearchResult{Record: rec, Score: p.Score})
	}

	return results, nil
}

func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return 0, err
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	return int(count), nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func payloadFromQdrant(values map[string]*qdrant.Value) Payload {
	str := func(key string) string {
		if v, ok := values[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	num := func(key string) int {
		if v, ok := values[key]; ok {
			return int(v.GetIntegerValue())
		}
		return 0
	}

	return Payload{
		FilePath:    str("file_path"),
		ChunkType:   str("chunk_type"),
		ObjectName:  str("object_name"),
		ProjectID:   str("project_id"),
		RunID:       str("run_id"),
		IngestionID: str("ingestion_id"),
		Content:     str("content"),
		StartLine:   num("start_line"),
		EndLine:     num("end_line"),
	}
}
