package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graphline/graphline/embedder"
	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/lineage"
	"github.com/graphline/graphline/plugin"
	"github.com/graphline/graphline/predict"
	"github.com/graphline/graphline/vector"
)

const testProject = "demo"

// mapSupplier serves file content from memory; a missing key reads as a
// deleted file.
type mapSupplier map[string]string

func (s mapSupplier) Load(path string) (string, error) {
	content, ok := s[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return content, nil
}

type stubPredictor struct {
	candidates []predict.Candidate
	err        error
}

func (p *stubPredictor) Predict(ctx context.Context, window predict.ContextWindow) ([]predict.Candidate, error) {
	return p.candidates, p.err
}

type testHarness struct {
	pipeline *Pipeline
	pool     *Pool
	graph    *graph.MemoryStore
	vectors  *vector.MemoryStore
	runs     *RunStore
	supplier mapSupplier
}

func newTestHarness(t *testing.T, predictor predict.Predictor) *testHarness {
	t.Helper()

	registry, err := plugin.NewRegistryFromNames([]string{"sql", "source", "json"})
	if err != nil {
		t.Fatal(err)
	}

	g := graph.NewMemoryStore("")
	v := vector.NewMemoryStore("")
	runs := NewRunStore(filepath.Join(t.TempDir(), "runs"))
	pool := NewPool(PoolConfig{Workers: 2, MaxQueueSize: 32})
	t.Cleanup(func() { pool.Shutdown(true, time.Second) })
	supplier := mapSupplier{}

	var enricher *Enricher
	if predictor != nil {
		enricher = NewEnricher(g, predictor, 40)
	}

	p := NewPipeline(PipelineConfig{
		ProjectID:    testProject,
		RepositoryID: "repo-1",
		Registry:     registry,
		Chunker:      NewChunker(DefaultChunkSize, DefaultChunkOverlap),
		Writer:       NewWriter(g, v, embedder.NewHashEmbedder(64), "chunks"),
		Validator:    NewValidator(g),
		Enricher:     enricher,
		Snapshotter:  NewSnapshotter(g, runs),
		RunStore:     runs,
		Supplier:     supplier,
		Pool:         pool,
	})
	return &testHarness{pipeline: p, pool: pool, graph: g, vectors: v, runs: runs, supplier: supplier}
}

func queryEdge(t *testing.T, g graph.Store, src, dst string, rel lineage.Relationship) (lineage.Edge, bool) {
	t.Helper()
	_, edges, err := g.Query(context.Background(), graph.Filter{URNs: []string{src}})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range edges {
		if e.SourceURN == src && e.TargetURN == dst && e.Relationship == rel {
			return e, true
		}
	}
	return lineage.Edge{}, false
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/orders.sql"] = `CREATE TABLE orders (id INT, customer_id INT, total DECIMAL);

CREATE VIEW order_totals AS
SELECT customer_id, SUM(total) AS total FROM orders GROUP BY customer_id;`

	rec, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompleted {
		t.Fatalf("expected completed run, got %s (%+v)", rec.Status, rec.Stages)
	}

	viewURN := lineage.NewURN("view", testProject, "order_totals")
	tableURN := lineage.NewURN("table", testProject, "orders")
	if _, ok := queryEdge(t, h.graph, viewURN, tableURN, lineage.RelDerives); !ok {
		t.Error("view derivation missing from graph")
	}

	count, err := h.vectors.Count(context.Background(), "chunks")
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("no chunks reached the vector store")
	}

	entries, err := h.runs.Index()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RunID != rec.RunID {
		t.Fatalf("run index not updated: %+v", entries)
	}
	if len(rec.Artifacts) == 0 {
		t.Error("run produced no artifacts")
	}
	for _, artifact := range rec.Artifacts {
		if _, err := os.Stat(artifact); err != nil {
			t.Errorf("artifact missing on disk: %v", err)
		}
	}
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/orders.sql"] = `CREATE VIEW order_totals AS
SELECT customer_id FROM orders;`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	first, err := h.graph.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	firstCount, _ := h.vectors.Count(context.Background(), "chunks")

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	second, err := h.graph.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	secondCount, _ := h.vectors.Count(context.Background(), "chunks")

	if first.Nodes != second.Nodes || first.Edges != second.Edges {
		t.Errorf("graph grew on re-ingest: %+v then %+v", first, second)
	}
	if firstCount != secondCount {
		t.Errorf("vector store grew on re-ingest: %d then %d", firstCount, secondCount)
	}
}

func TestPipeline_EditShedsStaleEdges(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/report.sql"] = `CREATE VIEW report AS
SELECT o.customer_id, c.name
FROM orders o
JOIN customers c ON o.customer_id = c.id;`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/report.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	viewURN := lineage.NewURN("view", testProject, "report")
	customersURN := lineage.NewURN("table", testProject, "customers")
	if _, ok := queryEdge(t, h.graph, viewURN, customersURN, lineage.RelDerives); !ok {
		t.Fatal("customers derivation missing after first ingest")
	}

	// Edit drops the join; the stale edge and the now-orphaned customers
	// node must both disappear.
	h.supplier["sql/report.sql"] = `CREATE VIEW report AS
SELECT customer_id FROM orders;`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/report.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	if _, ok := queryEdge(t, h.graph, viewURN, customersURN, lineage.RelDerives); ok {
		t.Error("stale customers derivation survived the edit")
	}
	nodes, _, err := h.graph.Query(context.Background(), graph.Filter{URNs: []string{customersURN}})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Error("orphaned customers node survived the edit")
	}

	ordersURN := lineage.NewURN("table", testProject, "orders")
	if _, ok := queryEdge(t, h.graph, viewURN, ordersURN, lineage.RelDerives); !ok {
		t.Error("surviving derivation lost in the edit")
	}
}

func TestPipeline_SharedNodeSurvivesPurge(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/customers.sql"] = `CREATE TABLE customers (id INT, name TEXT);`
	h.supplier["sql/report.sql"] = `CREATE VIEW report AS SELECT name FROM customers;`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/customers.sql", "sql/report.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	// The report stops referencing customers, but customers.sql still
	// declares the table: the node must survive with its defining owner.
	h.supplier["sql/report.sql"] = `CREATE VIEW report AS SELECT 1;`
	if _, err := h.pipeline.Run(context.Background(), []string{"sql/report.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	customersURN := lineage.NewURN("table", testProject, "customers")
	nodes, _, err := h.graph.Query(context.Background(), graph.Filter{URNs: []string{customersURN}})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("shared customers node must survive, got %d nodes", len(nodes))
	}
}

func TestPipeline_DeletedFilePurges(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/temp.sql"] = `CREATE TABLE scratch (id INT);`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/temp.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if count, _ := h.vectors.Count(context.Background(), "chunks"); count == 0 {
		t.Fatal("expected chunks before deletion")
	}

	delete(h.supplier, "sql/temp.sql")
	rec, err := h.pipeline.Run(context.Background(), []string{"sql/temp.sql"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompleted {
		t.Fatalf("purge-only run must complete, got %s", rec.Status)
	}

	nodes, _, err := h.graph.Query(context.Background(), graph.Filter{SourceFile: "sql/temp.sql"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Errorf("graph still holds %d nodes for the deleted file", len(nodes))
	}
	if count, _ := h.vectors.Count(context.Background(), "chunks"); count != 0 {
		t.Errorf("vector store still holds %d chunks for the deleted file", count)
	}
}

func TestPipeline_UnknownFormatFallsBack(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["notes/readme.rst"] = "ingestion notes\n\nnothing structured here\n"

	rec, err := h.pipeline.Run(context.Background(), []string{"notes/readme.rst"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompleted {
		t.Fatalf("fallback ingest must complete, got %s", rec.Status)
	}

	nodes, _, err := h.graph.Query(context.Background(), graph.Filter{SourceFile: "notes/readme.rst"})
	if err != nil {
		t.Fatal(err)
	}
	var hasFile bool
	for _, n := range nodes {
		if n.Label == lineage.LabelFile {
			hasFile = true
		}
	}
	if !hasFile {
		t.Error("fallback must still register the file node")
	}
}

func TestPipeline_EnrichmentFailureIsIsolated(t *testing.T) {
	h := newTestHarness(t, &stubPredictor{err: errors.New("collaborator unreachable")})
	h.supplier["sql/orders.sql"] = `CREATE VIEW order_totals AS SELECT customer_id FROM orders;`

	rec, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompletedWithWarnings {
		t.Fatalf("expected completed_with_warnings, got %s", rec.Status)
	}
	if !rec.EnrichmentSkipped {
		t.Error("enrichment skip not recorded")
	}

	// Deterministic output is untouched by the failed stage.
	viewURN := lineage.NewURN("view", testProject, "order_totals")
	ordersURN := lineage.NewURN("table", testProject, "orders")
	if _, ok := queryEdge(t, h.graph, viewURN, ordersURN, lineage.RelDerives); !ok {
		t.Error("parser edges missing after enrichment failure")
	}
}

func TestPipeline_EnrichmentWritesProposals(t *testing.T) {
	viewURN := lineage.NewURN("view", testProject, "order_totals")
	ordersURN := lineage.NewURN("table", testProject, "orders")
	predictor := &stubPredictor{candidates: []predict.Candidate{
		{SourceURN: viewURN, TargetURN: ordersURN, Relationship: "DEPENDS_ON", Confidence: 0.7},
		{SourceURN: viewURN, TargetURN: "urn:graphline:table:demo:invented", Relationship: "READS", Confidence: 0.9},
	}}

	h := newTestHarness(t, predictor)
	h.supplier["sql/orders.sql"] = `CREATE VIEW order_totals AS SELECT customer_id FROM orders;`

	rec, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompleted {
		t.Fatalf("expected completed run, got %s", rec.Status)
	}

	proposal, ok := queryEdge(t, h.graph, viewURN, ordersURN, lineage.RelDependsOn)
	if !ok {
		t.Fatal("accepted proposal missing from graph")
	}
	if proposal.Props.Source != lineage.SourceLLM || proposal.Props.Status != lineage.StatusProposed {
		t.Errorf("proposal provenance wrong: %+v", proposal.Props)
	}
	if proposal.Props.Confidence != 0.7 {
		t.Errorf("proposal confidence wrong: %v", proposal.Props.Confidence)
	}

	if _, ok := queryEdge(t, h.graph, viewURN, "urn:graphline:table:demo:invented", lineage.RelReads); ok {
		t.Error("candidate naming an unknown asset must be dropped")
	}
}

func TestPipeline_ProposalNeverOverwritesParserEdge(t *testing.T) {
	viewURN := lineage.NewURN("view", testProject, "order_totals")
	ordersURN := lineage.NewURN("table", testProject, "orders")
	predictor := &stubPredictor{candidates: []predict.Candidate{
		{SourceURN: viewURN, TargetURN: ordersURN, Relationship: "DERIVES", Confidence: 0.3},
	}}

	h := newTestHarness(t, predictor)
	h.supplier["sql/orders.sql"] = `CREATE VIEW order_totals AS SELECT customer_id FROM orders;`

	if _, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	edge, ok := queryEdge(t, h.graph, viewURN, ordersURN, lineage.RelDerives)
	if !ok {
		t.Fatal("derives edge missing")
	}
	if edge.Props.Source != lineage.SourceParser || edge.Props.Status != lineage.StatusApproved {
		t.Errorf("parser edge overwritten by proposal: %+v", edge.Props)
	}
}

func TestPipeline_RejectedSubmitWarnsNotFails(t *testing.T) {
	h := newTestHarness(t, nil)
	h.supplier["sql/orders.sql"] = `CREATE TABLE orders (id INT);`

	// With the pool closed every submit is rejected. The stores were never
	// touched for the file, so the run warns instead of failing.
	h.pool.Shutdown(true, time.Second)

	rec, err := h.pipeline.Run(context.Background(), []string{"sql/orders.sql"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunCompletedWithWarnings {
		t.Fatalf("expected completed_with_warnings, got %s", rec.Status)
	}
	if rec.FilesFailed != 0 {
		t.Errorf("rejected submit must not count as a failure: %d", rec.FilesFailed)
	}
	if rec.FilesSkipped != 1 {
		t.Errorf("expected 1 skipped file, got %d", rec.FilesSkipped)
	}
}

func TestValidator_ReportsMissingArtifacts(t *testing.T) {
	g := graph.NewMemoryStore("")
	proj := "demo"
	aURN := lineage.NewURN("table", proj, "a")
	bURN := lineage.NewURN("table", proj, "b")

	result := lineage.NewResult()
	result.AddNode(lineage.Node{URN: aURN, Label: lineage.LabelTable, DisplayName: "a", SourceFile: "a.sql"})
	result.AddNode(lineage.Node{URN: bURN, Label: lineage.LabelTable, DisplayName: "b", SourceFile: "a.sql"})
	result.AddEdge(lineage.Edge{SourceURN: aURN, TargetURN: bURN, Relationship: lineage.RelDerives})

	// Only one node reaches the store; the report must name the rest.
	if err := g.MergeNodes(context.Background(), result.Nodes[:1]); err != nil {
		t.Fatal(err)
	}

	report := NewValidator(g).Validate(context.Background(), result, "a.sql")
	if report.OK {
		t.Fatal("report must flag the gaps")
	}
	if len(report.MissingNodes) != 1 || report.MissingNodes[0] != bURN {
		t.Errorf("unexpected missing nodes: %v", report.MissingNodes)
	}
	if len(report.MissingEdges) != 1 {
		t.Errorf("unexpected missing edges: %v", report.MissingEdges)
	}
	if report.FoundNodeCount != 1 {
		t.Errorf("expected 1 found node, got %d", report.FoundNodeCount)
	}
}
