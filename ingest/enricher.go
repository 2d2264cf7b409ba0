package ingest

import (
	"context"
	"fmt"

	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
	"github.com/graphline/graphline/predict"
)

// Enricher asks the prediction collaborator for edges the parsers could not
// see. Proposals are strictly additive: they are written as proposed llm
// edges, candidates naming unknown URNs are discarded, and any failure skips
// the stage without touching deterministic output.
type Enricher struct {
	graph           graph.Store
	predictor       predict.Predictor
	maxContextNodes int
}

func NewEnricher(g graph.Store, p predict.Predictor, maxContextNodes int) *Enricher {
	if maxContextNodes <= 0 {
		maxContextNodes = 40
	}
	return &Enricher{graph: g, predictor: p, maxContextNodes: maxContextNodes}
}

// Enrich returns the number of accepted proposals. An error means the stage
// was skipped; the caller records it and moves on.
func (e *Enricher) Enrich(ctx context.Context, path string, meta RunMeta) (int, error) {
	window, err := e.buildWindow(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to build context window: %w", err)
	}
	if len(window.Nodes) == 0 {
		return 0, nil
	}

	candidates, err := e.predictor.Predict(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("prediction failed: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	known := make(map[string]bool, len(window.Nodes))
	for _, n := range window.Nodes {
		known[n.URN] = true
	}
	existing := make(map[string]bool, len(window.Edges))
	for _, ed := range window.Edges {
		existing[ed.MergeKey()] = true
	}

	var accepted []lineage.Edge
	for _, c := range candidates {
		// Unknown URNs are hallucinations; silently dropping them is the
		// contract, the model is advisory.
		if !known[c.SourceURN] || !known[c.TargetURN] {
			continue
		}
		if !lineage.ValidRelationship(lineage.Relationship(c.Relationship)) {
			continue
		}
		confidence := c.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		edge := lineage.Edge{
			SourceURN:    c.SourceURN,
			TargetURN:    c.TargetURN,
			Relationship: lineage.Relationship(c.Relationship),
			Props: lineage.EdgeProps{
				Source:      lineage.SourceLLM,
				Confidence:  confidence,
				Status:      lineage.StatusProposed,
				ProjectID:   meta.ProjectID,
				SourceFile:  path,
				IngestionID: meta.IngestionID,
			},
		}
		if existing[edge.MergeKey()] {
			// Never overwrite a parser edge with a proposal.
			continue
		}
		edge.URN = lineage.EdgeURN(meta.ProjectID, edge)
		accepted = append(accepted, edge)
	}

	if len(accepted) == 0 {
		return 0, nil
	}
	if err := e.graph.MergeEdges(ctx, accepted); err != nil {
		return 0, fmt.Errorf("failed to write proposals: %w", err)
	}
	return len(accepted), nil
}

// buildWindow assembles the file's graph neighborhood: its own nodes first,
// then nodes one approved edge away, capped at maxContextNodes.
func (e *Enricher) buildWindow(ctx context.Context, path string) (predict.ContextWindow, error) {
	window := predict.ContextWindow{SourceFile: path}

	fileNodes, _, err := e.graph.Query(ctx, graph.Filter{SourceFile: path})
	if err != nil {
		return window, err
	}
	if len(fileNodes) == 0 {
		return window, nil
	}

	urns := make([]string, 0, len(fileNodes))
	seen := make(map[string]bool, len(fileNodes))
	for _, n := range fileNodes {
		urns = append(urns, n.URN)
		seen[n.URN] = true
	}

	// Edges touching this file's nodes name the neighbors. A URN filter
	// only returns nodes already on the list, so the endpoints defined by
	// other files need a second query.
	_, edges, err := e.graph.Query(ctx, graph.Filter{URNs: urns})
	if err != nil {
		return window, err
	}
	var missing []string
	for _, ed := range edges {
		if ed.Props.Status != lineage.StatusApproved {
			continue
		}
		if !seen[ed.SourceURN] {
			seen[ed.SourceURN] = true
			missing = append(missing, ed.SourceURN)
		}
		if !seen[ed.TargetURN] {
			seen[ed.TargetURN] = true
			missing = append(missing, ed.TargetURN)
		}
	}

	window.Nodes = fileNodes
	if len(missing) > 0 {
		neighbors, _, err := e.graph.Query(ctx, graph.Filter{URNs: missing})
		if err != nil {
			return window, err
		}
		window.Nodes = append(window.Nodes, neighbors...)
	}
	if len(window.Nodes) > e.maxContextNodes {
		window.Nodes = window.Nodes[:e.maxContextNodes]
	}

	inWindow := make(map[string]bool, len(window.Nodes))
	for _, n := range window.Nodes {
		inWindow[n.URN] = true
	}
	for _, ed := range edges {
		if ed.Props.Status == lineage.StatusApproved && inWindow[ed.SourceURN] && inWindow[ed.TargetURN] {
			window.Edges = append(window.Edges, ed)
		}
	}
	return window, nil
}
