package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/graphline/graphline/lineage"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the graph in a local sqlite database. Per-path
// atomicity comes from wrapping purge and merge in transactions.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	urn          TEXT PRIMARY KEY,
	label        TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	properties   TEXT NOT NULL DEFAULT '{}',
	source_file  TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS node_owners (
	urn         TEXT NOT NULL,
	source_file TEXT NOT NULL,
	PRIMARY KEY (urn, source_file)
);

CREATE TABLE IF NOT EXISTS edges (
	urn          TEXT NOT NULL,
	source_urn   TEXT NOT NULL,
	target_urn   TEXT NOT NULL,
	relationship TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT 'parser',
	confidence   REAL NOT NULL DEFAULT 1.0,
	status       TEXT NOT NULL DEFAULT 'approved',
	project_id   TEXT NOT NULL DEFAULT '',
	source_file  TEXT NOT NULL DEFAULT '',
	ingestion_id TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (source_urn, target_urn, relationship)
);

CREATE INDEX IF NOT EXISTS idx_nodes_source_file ON nodes(source_file);
CREATE INDEX IF NOT EXISTS idx_edges_source_file ON edges(source_file);
CREATE INDEX IF NOT EXISTS idx_owners_file ON node_owners(source_file);
`

// NewSQLiteStore opens (and migrates) a sqlite-backed graph store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite graph store: %w", err)
	}

	// Single writer; sqlite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply graph schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PurgeFileAssets(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE source_file = ?`, path); err != nil {
		return fmt.Errorf("failed to purge edges for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_owners WHERE source_file = ?`, path); err != nil {
		return fmt.Errorf("failed to purge ownership for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM nodes
		WHERE urn NOT IN (SELECT urn FROM node_owners)`); err != nil {
		return fmt.Errorf("failed to purge orphaned nodes for %s: %w", path, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) MergeNodes(ctx context.Context, nodes []lineage.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin node merge: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, n := range nodes {
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode properties for %s: %w", n.URN, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (urn, label, display_name, properties, source_file, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(urn) DO UPDATE SET
				label        = excluded.label,
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE nodes.display_name END,
				properties   = json_patch(nodes.properties, excluded.properties),
				source_file  = CASE WHEN excluded.source_file != '' THEN excluded.source_file ELSE nodes.source_file END,
				updated_at   = excluded.updated_at`,
			n.URN, string(n.Label), n.DisplayName, string(props), n.SourceFile, now)
		if err != nil {
			return fmt.Errorf("failed to merge node %s: %w", n.URN, err)
		}

		if n.SourceFile != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO node_owners (urn, source_file) VALUES (?, ?)`,
				n.URN, n.SourceFile); err != nil {
				return fmt.Errorf("failed to record ownership for %s: %w", n.URN, err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) MergeEdges(ctx context.Context, edges []lineage.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin edge merge: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (urn, source_urn, target_urn, relationship, source,
				confidence, status, project_id, source_file, ingestion_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_urn, target_urn, relationship) DO UPDATE SET
				urn          = excluded.urn,
				source       = excluded.source,
				confidence   = excluded.confidence,
				status       = excluded.status,
				project_id   = excluded.project_id,
				source_file  = excluded.source_file,
				ingestion_id = excluded.ingestion_id,
				updated_at   = excluded.updated_at`,
			e.URN, e.SourceURN, e.TargetURN, string(e.Relationship), string(e.Props.Source),
			e.Props.Confidence, string(e.Props.Status), e.Props.ProjectID,
			e.Props.SourceFile, e.Props.IngestionID, now)
		if err != nil {
			return fmt.Errorf("failed to merge edge %s: %w", e.MergeKey(), err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]lineage.Node, []lineage.Edge, error) {
	nodes, err := s.queryNodes(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.queryEdges(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

func (s *SQLiteStore) queryNodes(ctx context.Context, f Filter) ([]lineage.Node, error) {
	query := `SELECT urn, label, display_name, properties, source_file, updated_at FROM nodes`
	where, args := nodeFilterClauses(f)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []lineage.Node
	for rows.Next() {
		var n lineage.Node
		var label, props string
		var updated int64
		if err := rows.Scan(&n.URN, &label, &n.DisplayName, &props, &n.SourceFile, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Label = lineage.Label(label)
		n.UpdatedAt = time.Unix(updated, 0)
		if props != "" && props != "{}" && props != "null" {
			if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode properties for %s: %w", n.URN, err)
			}
		}
		// ProjectID/Labels filtering shares the in-memory matcher.
		if matchNode(f, n) {
			nodes = append(nodes, n)
		}
	}

	return nodes, rows.Err()
}

func (s *SQLiteStore) queryEdges(ctx context.Context, f Filter) ([]lineage.Edge, error) {
	query := `SELECT urn, source_urn, target_urn, relationship, source, confidence,
		status, project_id, source_file, ingestion_id, updated_at FROM edges`
	where, args := edgeFilterClauses(f)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []lineage.Edge
	for rows.Next() {
		var e lineage.Edge
		var rel, src, status string
		var updated int64
		if err := rows.Scan(&e.URN, &e.SourceURN, &e.TargetURN, &rel, &src, &e.Props.Confidence,
			&status, &e.Props.ProjectID, &e.Props.SourceFile, &e.Props.IngestionID, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Relationship = lineage.Relationship(rel)
		e.Props.Source = lineage.EdgeSource(src)
		e.Props.Status = lineage.EdgeStatus(status)
		e.UpdatedAt = time.Unix(updated, 0)
		if matchEdge(f, e) {
			edges = append(edges, e)
		}
	}

	return edges, rows.Err()
}

func nodeFilterClauses(f Filter) ([]string, []any) {
	var where []string
	var args []any
	if f.SourceFile != "" {
		where = append(where, "source_file = ?")
		args = append(args, f.SourceFile)
	}
	if f.URNPrefix != "" {
		where = append(where, "urn LIKE ?")
		args = append(args, f.URNPrefix+"%")
	}
	if len(f.URNs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.URNs)), ",")
		where = append(where, "urn IN ("+placeholders+")")
		for _, u := range f.URNs {
			args = append(args, u)
		}
	}
	return where, args
}

func edgeFilterClauses(f Filter) ([]string, []any) {
	var where []string
	var args []any
	if f.SourceFile != "" {
		where = append(where, "source_file = ?")
		args = append(args, f.SourceFile)
	}
	return where, args
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&stats.Nodes); err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&stats.Edges); err != nil {
		return nil, fmt.Errorf("failed to count edges: %w", err)
	}
	return &stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
