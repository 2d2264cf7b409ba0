package ingest

import (
	"context"
	"testing"

	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
	"github.com/graphline/graphline/predict"
)

// capturePredictor records the window it was handed.
type capturePredictor struct {
	window predict.ContextWindow
}

func (p *capturePredictor) Predict(ctx context.Context, window predict.ContextWindow) ([]predict.Candidate, error) {
	p.window = window
	return nil, nil
}

func TestEnricher_WindowIncludesCrossFileNeighbors(t *testing.T) {
	g := graph.NewMemoryStore("")
	aURN := lineage.NewURN("table", testProject, "a")
	bURN := lineage.NewURN("table", testProject, "b")

	nodes := []lineage.Node{
		{URN: aURN, Label: lineage.LabelTable, DisplayName: "a", SourceFile: "sql/a.sql"},
		{URN: bURN, Label: lineage.LabelTable, DisplayName: "b", SourceFile: "sql/b.sql"},
	}
	if err := g.MergeNodes(context.Background(), nodes); err != nil {
		t.Fatal(err)
	}

	edge := lineage.Edge{
		SourceURN:    aURN,
		TargetURN:    bURN,
		Relationship: lineage.RelDerives,
		Props: lineage.EdgeProps{
			Source:     lineage.SourceParser,
			Status:     lineage.StatusApproved,
			Confidence: 1,
			ProjectID:  testProject,
			SourceFile: "sql/a.sql",
		},
	}
	edge.URN = lineage.EdgeURN(testProject, edge)
	if err := g.MergeEdges(context.Background(), []lineage.Edge{edge}); err != nil {
		t.Fatal(err)
	}

	// a.sql owns only node a; b lives in another file and is reachable over
	// the approved edge. Both must be in the window, edge included.
	predictor := &capturePredictor{}
	if _, err := NewEnricher(g, predictor, 40).Enrich(context.Background(), "sql/a.sql", RunMeta{ProjectID: testProject}); err != nil {
		t.Fatal(err)
	}

	if len(predictor.window.Nodes) != 2 {
		t.Fatalf("expected 2 nodes in the window, got %d", len(predictor.window.Nodes))
	}
	var hasNeighbor bool
	for _, n := range predictor.window.Nodes {
		if n.URN == bURN {
			hasNeighbor = true
		}
	}
	if !hasNeighbor {
		t.Error("neighbor defined by another file missing from the window")
	}
	if len(predictor.window.Edges) != 1 {
		t.Fatalf("expected the cross-file edge in the window, got %d edges", len(predictor.window.Edges))
	}
	if predictor.window.Edges[0].TargetURN != bURN {
		t.Errorf("unexpected window edge: %+v", predictor.window.Edges[0])
	}
}

func TestEnricher_WindowRespectsNodeCap(t *testing.T) {
	g := graph.NewMemoryStore("")
	aURN := lineage.NewURN("table", testProject, "a")
	bURN := lineage.NewURN("table", testProject, "b")

	nodes := []lineage.Node{
		{URN: aURN, Label: lineage.LabelTable, DisplayName: "a", SourceFile: "sql/a.sql"},
		{URN: bURN, Label: lineage.LabelTable, DisplayName: "b", SourceFile: "sql/b.sql"},
	}
	if err := g.MergeNodes(context.Background(), nodes); err != nil {
		t.Fatal(err)
	}
	edge := lineage.Edge{
		SourceURN:    aURN,
		TargetURN:    bURN,
		Relationship: lineage.RelDerives,
		Props: lineage.EdgeProps{
			Source:     lineage.SourceParser,
			Status:     lineage.StatusApproved,
			Confidence: 1,
			ProjectID:  testProject,
			SourceFile: "sql/a.sql",
		},
	}
	edge.URN = lineage.EdgeURN(testProject, edge)
	if err := g.MergeEdges(context.Background(), []lineage.Edge{edge}); err != nil {
		t.Fatal(err)
	}

	// Cap of 1 leaves only the file's own node; the edge to the trimmed
	// neighbor must be trimmed with it.
	predictor := &capturePredictor{}
	if _, err := NewEnricher(g, predictor, 1).Enrich(context.Background(), "sql/a.sql", RunMeta{ProjectID: testProject}); err != nil {
		t.Fatal(err)
	}
	if len(predictor.window.Nodes) != 1 {
		t.Fatalf("expected the cap to hold, got %d nodes", len(predictor.window.Nodes))
	}
	if len(predictor.window.Edges) != 0 {
		t.Errorf("edge to a trimmed node must not survive, got %d edges", len(predictor.window.Edges))
	}
}
