package vector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore implements Store on postgres with the pgvector extension.
// All collections share one table, discriminated by a collection column.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgresStore connects, enables pgvector and migrates the chunk table.
func NewPostgresStore(ctx context.Context, dsn string, dimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS graphline_chunks (
			id           UUID PRIMARY KEY,
			collection   TEXT NOT NULL,
			file_path    TEXT NOT NULL,
			chunk_type   TEXT NOT NULL DEFAULT '',
			object_name  TEXT NOT NULL DEFAULT '',
			project_id   TEXT NOT NULL DEFAULT '',
			run_id       TEXT NOT NULL DEFAULT '',
			ingestion_id TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			start_line   INT NOT NULL DEFAULT 0,
			end_line     INT NOT NULL DEFAULT 0,
			embedding    vector(%d)
		)`, s.dimensions)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create chunk table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_graphline_chunks_file
		ON graphline_chunks (collection, file_path)`); err != nil {
		return fmt.Errorf("failed to create file index: %w", err)
	}

	return nil
}

func (s *PostgresStore) DeleteByFilePath(ctx context.Context, collection, path string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM graphline_chunks WHERE collection = $1 AND file_path = $2`,
		collection, path)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO graphline_chunks (id, collection, file_path, chunk_type, object_name,
				project_id, run_id, ingestion_id, content, start_line, end_line, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				collection   = EXCLUDED.collection,
				file_path    = EXCLUDED.file_path,
				chunk_type   = EXCLUDED.chunk_type,
				object_name  = EXCLUDED.object_name,
				project_id   = EXCLUDED.project_id,
				run_id       = EXCLUDED.run_id,
				ingestion_id = EXCLUDED.ingestion_id,
				content      = EXCLUDED.content,
				start_line   = EXCLUDED.start_line,
				end_line     = EXCLUDED.end_line,
				embedding    = EXCLUDED.embedding`,
			rec.ID, collection, rec.Payload.FilePath, rec.Payload.ChunkType, rec.Payload.ObjectName,
			rec.Payload.ProjectID, rec.Payload.RunID, rec.Payload.IngestionID, rec.Payload.Content,
			rec.Payload.StartLine, rec.Payload.EndLine, pgvector.NewVector(rec.Vector))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert chunk batch: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) Search(ctx context.Context, collection string, queryVector []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, file_path, chunk_type, object_name, project_id, run_id, ingestion_id,
			content, start_line, end_line,
			1 - (embedding <=> $2) AS score
		FROM graphline_chunks
		WHERE collection = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		collection, pgvector.NewVector(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var score float64
		if err := rows.Scan(&r.Record.ID, &r.Record.Payload.FilePath, &r.Record.Payload.ChunkType,
			&r.Record.Payload.ObjectName, &r.Record.Payload.ProjectID, &r.Record.Payload.RunID,
			&r.Record.Payload.IngestionID, &r.Record.Payload.Content,
			&r.Record.Payload.StartLine, &r.Record.Payload.EndLine, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}

	return results, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM graphline_chunks WHERE collection = $1`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
