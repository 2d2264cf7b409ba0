package graph

import (
	"context"

	"github.com/graphline/graphline/lineage"
)

// Filter selects nodes and edges for Query. Zero-value fields are ignored;
// set fields are ANDed together.
type Filter struct {
	URNs       []string
	URNPrefix  string
	SourceFile string
	ProjectID  string
	Labels     []lineage.Label
}

// Stats summarizes store contents.
type Stats struct {
	Nodes int
	Edges int
}

// Store is the property-graph side of the ingestion pipeline. Implementations
// guarantee per-path atomicity: PurgeFileAssets and the merges for a single
// source file never interleave with each other for the same path.
type Store interface {
	// PurgeFileAssets removes every artifact previously written for the
	// given source file: edges carrying its source_file, plus nodes owned
	// exclusively by it. Nodes also declared by other files survive,
	// shedding only this file's ownership.
	PurgeFileAssets(ctx context.Context, path string) error

	// MergeNodes inserts or merges nodes by URN, last-write-wins per
	// property key.
	MergeNodes(ctx context.Context, nodes []lineage.Node) error

	// MergeEdges inserts or replaces edges by (source, target, relationship).
	MergeEdges(ctx context.Context, edges []lineage.Edge) error

	// Query returns the nodes and edges matching the filter.
	Query(ctx context.Context, f Filter) ([]lineage.Node, []lineage.Edge, error)

	// GetStats returns node/edge counts.
	GetStats(ctx context.Context) (*Stats, error)

	Close() error
}

func matchNode(f Filter, n lineage.Node) bool {
	if f.SourceFile != "" && n.SourceFile != f.SourceFile {
		return false
	}
	if f.URNPrefix != "" && !hasPrefix(n.URN, f.URNPrefix) {
		return false
	}
	if len(f.URNs) > 0 && !containsString(f.URNs, n.URN) {
		return false
	}
	if f.ProjectID != "" {
		u, err := lineage.ParseURN(n.URN)
		if err != nil || u.ProjectID != f.ProjectID {
			return false
		}
	}
	if len(f.Labels) > 0 {
		found := false
		for _, l := range f.Labels {
			if n.Label == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchEdge(f Filter, e lineage.Edge) bool {
	if f.SourceFile != "" && e.Props.SourceFile != f.SourceFile {
		return false
	}
	if f.ProjectID != "" && e.Props.ProjectID != "" && e.Props.ProjectID != f.ProjectID {
		return false
	}
	if f.URNPrefix != "" && !hasPrefix(e.SourceURN, f.URNPrefix) && !hasPrefix(e.TargetURN, f.URNPrefix) {
		return false
	}
	if len(f.URNs) > 0 && !containsString(f.URNs, e.SourceURN) && !containsString(f.URNs, e.TargetURN) {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
