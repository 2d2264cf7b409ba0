package lineage

import (
	"sort"
	"time"
)

// Label classifies a graph node by the kind of artifact it represents.
type Label string

const (
	LabelTable        Label = "Table"
	LabelView         Label = "View"
	LabelFunction     Label = "Function"
	LabelProcedure    Label = "Procedure"
	LabelTrigger      Label = "Trigger"
	LabelSynonym      Label = "Synonym"
	LabelFile         Label = "File"
	LabelJsonDocument Label = "JsonDocument"
	LabelJsonKey      Label = "JsonKey"
	LabelDataAsset    Label = "DataAsset"
)

// Relationship is the type of a directed lineage edge.
type Relationship string

const (
	RelDerives    Relationship = "DERIVES"
	RelReads      Relationship = "READS"
	RelWrites     Relationship = "WRITES"
	RelCalls      Relationship = "CALLS"
	RelContains   Relationship = "CONTAINS"
	RelReferences Relationship = "REFERENCES"
	RelDependsOn  Relationship = "DEPENDS_ON"
)

// ValidRelationship reports whether r is one of the known edge types.
func ValidRelationship(r Relationship) bool {
	switch r {
	case RelDerives, RelReads, RelWrites, RelCalls, RelContains, RelReferences, RelDependsOn:
		return true
	}
	return false
}

// EdgeSource records which stage produced an edge.
type EdgeSource string

const (
	SourceParser EdgeSource = "parser"
	SourceLLM    EdgeSource = "llm"
)

// EdgeStatus distinguishes deterministic edges from proposed ones.
type EdgeStatus string

const (
	StatusApproved EdgeStatus = "approved"
	StatusProposed EdgeStatus = "proposed"
)

// Node is a single artifact in the lineage graph. Identity is the URN:
// nodes with the same URN merge, last write winning per property key.
type Node struct {
	URN         string            `json:"urn"`
	Label       Label             `json:"label"`
	DisplayName string            `json:"display_name"`
	Properties  map[string]string `json:"properties,omitempty"`
	SourceFile  string            `json:"source_file,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// EdgeProps carries edge provenance and review state.
type EdgeProps struct {
	Source      EdgeSource `json:"source"`
	Confidence  float64    `json:"confidence"`
	Status      EdgeStatus `json:"status"`
	ProjectID   string     `json:"project_id,omitempty"`
	SourceFile  string     `json:"source_file,omitempty"`
	IngestionID string     `json:"ingestion_id,omitempty"`
}

// Edge is a directed relationship between two nodes. The merge key is
// (SourceURN, TargetURN, Relationship); re-declaring an existing edge
// replaces its properties.
type Edge struct {
	URN          string       `json:"urn"`
	SourceURN    string       `json:"source_urn"`
	TargetURN    string       `json:"target_urn"`
	Relationship Relationship `json:"relationship"`
	Props        EdgeProps    `json:"properties"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`
}

// MergeKey returns the identity under which edges collapse in the stores.
func (e Edge) MergeKey() string {
	return e.SourceURN + "|" + e.TargetURN + "|" + string(e.Relationship)
}

// Result is the output of parsing one source file. Plugins return it fully
// built; nothing mutates it afterwards.
type Result struct {
	Nodes        []Node            `json:"nodes"`
	Edges        []Edge            `json:"edges"`
	ExternalRefs []string          `json:"external_refs,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Partial      bool              `json:"partial,omitempty"`

	nodeIndex map[string]int
	edgeIndex map[string]int
	refSet    map[string]bool
}

// NewResult returns an empty result ready for plugin population.
func NewResult() *Result {
	return &Result{
		Metadata:  make(map[string]string),
		nodeIndex: make(map[string]int),
		edgeIndex: make(map[string]int),
		refSet:    make(map[string]bool),
	}
}

// AddNode appends a node, merging into an existing same-URN node with
// last-write-wins per property key. Order of first appearance is preserved.
func (r *Result) AddNode(n Node) {
	if r.nodeIndex == nil {
		r.reindex()
	}
	if i, ok := r.nodeIndex[n.URN]; ok {
		existing := &r.Nodes[i]
		if n.Label != "" {
			existing.Label = n.Label
		}
		if n.DisplayName != "" {
			existing.DisplayName = n.DisplayName
		}
		if n.SourceFile != "" {
			existing.SourceFile = n.SourceFile
		}
		for k, v := range n.Properties {
			if existing.Properties == nil {
				existing.Properties = make(map[string]string)
			}
			existing.Properties[k] = v
		}
		return
	}
	r.nodeIndex[n.URN] = len(r.Nodes)
	r.Nodes = append(r.Nodes, n)
}

// AddEdge appends an edge, replacing an existing edge with the same merge key.
func (r *Result) AddEdge(e Edge) {
	if r.edgeIndex == nil {
		r.reindex()
	}
	key := e.MergeKey()
	if i, ok := r.edgeIndex[key]; ok {
		r.Edges[i] = e
		return
	}
	r.edgeIndex[key] = len(r.Edges)
	r.Edges = append(r.Edges, e)
}

// AddExternalRef records a referenced-but-undefined asset URN. The set is
// kept sorted for deterministic output.
func (r *Result) AddExternalRef(urn string) {
	if r.refSet == nil {
		r.reindex()
	}
	if r.refSet[urn] {
		return
	}
	r.refSet[urn] = true
	r.ExternalRefs = append(r.ExternalRefs, urn)
	sort.Strings(r.ExternalRefs)
}

// HasNode reports whether a node with the given URN exists in the result.
func (r *Result) HasNode(urn string) bool {
	if r.nodeIndex == nil {
		r.reindex()
	}
	_, ok := r.nodeIndex[urn]
	return ok
}

// reindex rebuilds lookup maps, e.g. after JSON deserialization.
func (r *Result) reindex() {
	r.nodeIndex = make(map[string]int, len(r.Nodes))
	for i, n := range r.Nodes {
		r.nodeIndex[n.URN] = i
	}
	r.edgeIndex = make(map[string]int, len(r.Edges))
	for i, e := range r.Edges {
		r.edgeIndex[e.MergeKey()] = i
	}
	r.refSet = make(map[string]bool, len(r.ExternalRefs))
	for _, ref := range r.ExternalRefs {
		r.refSet[ref] = true
	}
}
