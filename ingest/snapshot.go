package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
)

// Snapshotter exports graph state to immutable JSON artifacts, taken before
// and after each run so a diff is always reconstructible.
type Snapshotter struct {
	graph graph.Store
	runs  *RunStore
}

func NewSnapshotter(g graph.Store, runs *RunStore) *Snapshotter {
	return &Snapshotter{graph: g, runs: runs}
}

type snapshotDoc struct {
	ProjectID string         `json:"project_id"`
	Phase     string         `json:"phase"`
	TakenAt   time.Time      `json:"taken_at"`
	Nodes     []lineage.Node `json:"nodes"`
	Edges     []lineage.Edge `json:"edges"`
}

// Snapshot writes the scope-matching subgraph into the run's artifact
// directory and returns the artifact path. Phase is "pre" or "post".
func (s *Snapshotter) Snapshot(ctx context.Context, runID, projectID, phase string, scope graph.Filter) (string, error) {
	if scope.ProjectID == "" {
		scope.ProjectID = projectID
	}
	nodes, edges, err := s.graph.Query(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("failed to query snapshot scope: %w", err)
	}

	doc := snapshotDoc{
		ProjectID: projectID,
		Phase:     phase,
		TakenAt:   time.Now().UTC(),
		Nodes:     nodes,
		Edges:     edges,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir, err := s.runs.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("snapshot_%s_%s.json", phase, doc.TakenAt.Format("20060102T150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}
