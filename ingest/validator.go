package ingest

import (
	"context"
	"log"

	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
)

// ValidationReport is the post-write diff between what a file declared and
// what the graph store actually holds. Diagnostic only: gaps downgrade the
// run to completed_with_warnings but never fail it.
type ValidationReport struct {
	FilePath          string   `json:"file_path"`
	ExpectedNodeCount int      `json:"expected_node_count"`
	ExpectedEdgeCount int      `json:"expected_edge_count"`
	FoundNodeCount    int      `json:"found_node_count"`
	FoundEdgeCount    int      `json:"found_edge_count"`
	MissingNodes      []string `json:"missing_nodes,omitempty"`
	MissingEdges      []string `json:"missing_edges,omitempty"`
	Notes             []string `json:"notes,omitempty"`
	OK                bool     `json:"ok"`
}

// Validator re-reads the graph store after a write and reports gaps.
type Validator struct {
	graph graph.Store
}

func NewValidator(g graph.Store) *Validator {
	return &Validator{graph: g}
}

// Validate never returns an error: a failed read-back is itself recorded in
// the report.
func (v *Validator) Validate(ctx context.Context, result *lineage.Result, path string) *ValidationReport {
	report := &ValidationReport{
		FilePath:          path,
		ExpectedNodeCount: len(result.Nodes),
		ExpectedEdgeCount: len(result.Edges),
	}

	urns := make([]string, len(result.Nodes))
	for i, n := range result.Nodes {
		urns[i] = n.URN
	}

	nodes, edges, err := v.graph.Query(ctx, graph.Filter{URNs: urns})
	if err != nil {
		report.Notes = append(report.Notes, "graph read-back failed: "+err.Error())
		log.Printf("validation read-back failed for %s: %v", path, err)
		return report
	}

	foundNodes := make(map[string]lineage.Node, len(nodes))
	for _, n := range nodes {
		foundNodes[n.URN] = n
	}
	foundEdges := make(map[string]bool, len(edges))
	for _, e := range edges {
		foundEdges[e.MergeKey()] = true
	}

	for _, n := range result.Nodes {
		stored, ok := foundNodes[n.URN]
		if !ok {
			report.MissingNodes = append(report.MissingNodes, n.URN)
			continue
		}
		report.FoundNodeCount++
		if stored.Label != n.Label {
			// Another file relabeled this URN after our write; last write
			// wins, the report keeps the trace.
			report.Notes = append(report.Notes, "label conflict on "+n.URN+": declared "+string(n.Label)+", stored "+string(stored.Label))
		}
	}
	for _, e := range result.Edges {
		if !foundEdges[e.MergeKey()] {
			report.MissingEdges = append(report.MissingEdges, e.MergeKey())
			continue
		}
		report.FoundEdgeCount++
	}

	report.OK = len(report.MissingNodes) == 0 && len(report.MissingEdges) == 0
	return report
}
