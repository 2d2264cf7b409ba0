// Package predict proposes additional lineage edges from graph context using
// a language model. Predictions never overwrite parser output: every accepted
// candidate is stored as a proposed edge and kept distinguishable from
// deterministic extraction.
package predict

import (
	"context"

	"github.com/graphline/graphline/lineage"
)

// Candidate is a single relationship proposed by a predictor. Confidence is
// the predictor's own estimate in [0,1]; callers decide the acceptance
// threshold.
type Candidate struct {
	SourceURN    string  `json:"source_urn"`
	TargetURN    string  `json:"target_urn"`
	Relationship string  `json:"relationship"`
	Confidence   float64 `json:"confidence"`
}

// ContextWindow is the slice of the graph handed to a predictor: the nodes
// and approved edges surrounding the assets of one ingested file.
type ContextWindow struct {
	SourceFile string
	Nodes      []lineage.Node
	Edges      []lineage.Edge
}

// Predictor proposes new edges given graph context. Implementations must be
// safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, window ContextWindow) ([]Candidate, error)
}
