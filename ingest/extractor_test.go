package ingest

import (
	"testing"

	"github.com/graphline/graphline/lineage"
)

func TestExtractor_StampsEdgeProvenance(t *testing.T) {
	proj := "demo"
	viewURN := lineage.NewURN("view", proj, "v_orders")
	tableURN := lineage.NewURN("table", proj, "orders")

	result := lineage.NewResult()
	result.AddNode(lineage.Node{URN: viewURN, Label: lineage.LabelView, DisplayName: "v_orders"})
	result.AddNode(lineage.Node{URN: tableURN, Label: lineage.LabelTable, DisplayName: "orders"})
	result.AddEdge(lineage.Edge{
		SourceURN:    viewURN,
		TargetURN:    tableURN,
		Relationship: lineage.RelDerives,
		Props:        lineage.EdgeProps{Confidence: 1.5},
	})

	meta := RunMeta{RunID: "r1", ProjectID: proj, IngestionID: "ing-1"}
	NewExtractor(proj).Finalize(result, "sql/orders.sql", meta)

	var stamped *lineage.Edge
	for i := range result.Edges {
		if result.Edges[i].Relationship == lineage.RelDerives {
			stamped = &result.Edges[i]
		}
	}
	if stamped == nil {
		t.Fatal("derives edge missing after finalize")
	}
	if stamped.Props.ProjectID != proj || stamped.Props.SourceFile != "sql/orders.sql" || stamped.Props.IngestionID != "ing-1" {
		t.Errorf("provenance not stamped: %+v", stamped.Props)
	}
	if stamped.Props.Source != lineage.SourceParser || stamped.Props.Status != lineage.StatusApproved {
		t.Errorf("expected parser/approved defaults, got %s/%s", stamped.Props.Source, stamped.Props.Status)
	}
	if stamped.Props.Confidence != 1 {
		t.Errorf("confidence not clamped: %v", stamped.Props.Confidence)
	}
	if stamped.URN == "" {
		t.Error("edge URN not derived")
	}

	for _, n := range result.Nodes {
		if n.SourceFile == "" {
			t.Errorf("node %s missing source file", n.URN)
		}
		if n.UpdatedAt.IsZero() {
			t.Errorf("node %s missing timestamp", n.URN)
		}
	}
}

func TestExtractor_MaterializesExternalRefs(t *testing.T) {
	proj := "demo"
	fnURN := lineage.NewURN("function", proj, "etl/load/load_orders")
	refURN := lineage.NewURN("table", proj, "staging/raw_orders")

	result := lineage.NewResult()
	result.AddNode(lineage.Node{URN: fnURN, Label: lineage.LabelFunction, DisplayName: "load_orders"})
	result.AddExternalRef(refURN)

	NewExtractor(proj).Finalize(result, "etl/load.py", RunMeta{ProjectID: proj})

	if !result.HasNode(refURN) {
		t.Fatal("external ref not materialized as a node")
	}
	var placeholder lineage.Node
	for _, n := range result.Nodes {
		if n.URN == refURN {
			placeholder = n
		}
	}
	if placeholder.Label != lineage.LabelDataAsset {
		t.Errorf("unexpected placeholder label: %s", placeholder.Label)
	}
	if placeholder.Properties["placeholder"] != "true" {
		t.Error("placeholder marker missing")
	}
	if placeholder.SourceFile != "etl/load.py" {
		t.Errorf("placeholder must be owned by the referencing file, got %s", placeholder.SourceFile)
	}
	if placeholder.DisplayName != "raw_orders" {
		t.Errorf("unexpected placeholder display name: %s", placeholder.DisplayName)
	}
}

func TestExtractor_ClosesContainment(t *testing.T) {
	proj := "demo"
	path := "etl/load.py"
	fnURN := lineage.NewURN("function", proj, "etl/load/load_orders")
	refURN := lineage.NewURN("table", proj, "orders")
	fileURN := lineage.NewURN("file", proj, "etl/load")

	result := lineage.NewResult()
	result.AddNode(lineage.Node{URN: fnURN, Label: lineage.LabelFunction, DisplayName: "load_orders"})
	result.AddExternalRef(refURN)

	NewExtractor(proj).Finalize(result, path, RunMeta{ProjectID: proj})

	if !result.HasNode(fileURN) {
		t.Fatal("file node not created")
	}

	contains := make(map[string]bool)
	for _, e := range result.Edges {
		if e.Relationship == lineage.RelContains {
			if e.SourceURN != fileURN {
				t.Errorf("containment from unexpected source %s", e.SourceURN)
			}
			contains[e.TargetURN] = true
			if e.Props.ProjectID != proj || e.URN == "" {
				t.Error("synthesized containment edge not stamped")
			}
		}
	}
	if !contains[fnURN] {
		t.Error("function node left without a container")
	}
	if contains[refURN] {
		t.Error("referenced asset must not be contained by the referencing file")
	}
	if contains[fileURN] {
		t.Error("file node must not contain itself")
	}
}

func TestExtractor_KeepsExistingContainment(t *testing.T) {
	proj := "demo"
	path := "config/app.json"
	docURN := lineage.NewURN("jsondocument", proj, "config/app")
	keyURN := lineage.NewURN("jsonkey", proj, "config/app/db")

	result := lineage.NewResult()
	result.AddNode(lineage.Node{URN: docURN, Label: lineage.LabelJsonDocument, DisplayName: "app.json"})
	result.AddNode(lineage.Node{URN: keyURN, Label: lineage.LabelJsonKey, DisplayName: "db"})
	result.AddEdge(lineage.Edge{
		SourceURN:    docURN,
		TargetURN:    keyURN,
		Relationship: lineage.RelContains,
		Props:        lineage.EdgeProps{Source: lineage.SourceParser, Confidence: 1, Status: lineage.StatusApproved},
	})

	NewExtractor(proj).Finalize(result, path, RunMeta{ProjectID: proj})

	fileURN := lineage.NewURN("file", proj, "config/app")
	for _, e := range result.Edges {
		if e.Relationship == lineage.RelContains && e.TargetURN == keyURN && e.SourceURN == fileURN {
			t.Error("key already contained by the document; file must not claim it")
		}
	}
}
