package plugin

import (
	"strings"
	"testing"

	"github.com/graphline/graphline/lineage"
)

func findNode(t *testing.T, r *lineage.Result, label lineage.Label, name string) lineage.Node {
	t.Helper()
	for _, n := range r.Nodes {
		if n.Label == label && n.DisplayName == name {
			return n
		}
	}
	t.Fatalf("node %s %q not found in %d nodes", label, name, len(r.Nodes))
	return lineage.Node{}
}

func hasEdge(r *lineage.Result, src, dst string, rel lineage.Relationship) bool {
	for _, e := range r.Edges {
		if e.SourceURN == src && e.TargetURN == dst && e.Relationship == rel {
			return true
		}
	}
	return false
}

func TestSQLPlugin_ViewDerivation(t *testing.T) {
	content := `CREATE VIEW v_orders AS
SELECT o.id, c.name
FROM orders o
JOIN customers c ON c.id = o.customer_id;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/orders.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	view := findNode(t, result, lineage.LabelView, "v_orders")
	orders := findNode(t, result, lineage.LabelTable, "orders")
	customers := findNode(t, result, lineage.LabelTable, "customers")

	if !hasEdge(result, view.URN, orders.URN, lineage.RelDerives) {
		t.Error("missing DERIVES edge to orders")
	}
	if !hasEdge(result, view.URN, customers.URN, lineage.RelDerives) {
		t.Error("missing DERIVES edge to customers")
	}
}

func TestSQLPlugin_EditedViewDropsJoin(t *testing.T) {
	// The re-ingested version without the join must not mention customers at
	// all; purge-then-write then removes the node if nothing else owns it.
	content := `CREATE VIEW v_orders AS SELECT id FROM orders;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/orders.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	for _, n := range result.Nodes {
		if n.DisplayName == "customers" {
			t.Fatal("customers node must not appear after the join was removed")
		}
	}
}

func TestSQLPlugin_TruncatedCreateKeepsOtherStatements(t *testing.T) {
	// The second statement ends right after the object kind. It must fail at
	// the statement level only: no panic, the rest of the file keeps its
	// lineage, the result is marked partial.
	content := `CREATE VIEW v_orders AS SELECT * FROM orders;
CREATE TABLE`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/orders.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !result.Partial {
		t.Error("truncated statement must mark the result partial")
	}

	view := findNode(t, result, lineage.LabelView, "v_orders")
	orders := findNode(t, result, lineage.LabelTable, "orders")
	if !hasEdge(result, view.URN, orders.URN, lineage.RelDerives) {
		t.Error("missing DERIVES edge to orders")
	}
}

func TestSQLPlugin_TruncatedIfNotExists(t *testing.T) {
	result, err := NewSQLPlugin().Parse("CREATE TABLE IF NOT EXISTS", Context{ProjectID: "demo", FilePath: "sql/a.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !result.Partial {
		t.Error("truncated statement must mark the result partial")
	}
}

func TestSQLPlugin_CrossFileTableIdentity(t *testing.T) {
	p := NewSQLPlugin()

	def, err := p.Parse("CREATE TABLE customers (id INT);", Context{ProjectID: "demo", FilePath: "sql/customers.sql"})
	if err != nil {
		t.Fatal(err)
	}
	ref, err := p.Parse("CREATE VIEW v AS SELECT * FROM customers;", Context{ProjectID: "demo", FilePath: "sql/orders.sql"})
	if err != nil {
		t.Fatal(err)
	}

	defNode := findNode(t, def, lineage.LabelTable, "customers")
	refNode := findNode(t, ref, lineage.LabelTable, "customers")
	if defNode.URN != refNode.URN {
		t.Errorf("table referenced and defined in different files must share a URN: %s vs %s", defNode.URN, refNode.URN)
	}
}

func TestSQLPlugin_ProcedureBody(t *testing.T) {
	content := `CREATE PROCEDURE refresh_report AS
BEGIN
    DELETE FROM report_cache;
    INSERT INTO report_cache
    SELECT * FROM sales JOIN regions ON regions.id = sales.region_id;
    EXEC update_audit_log;
END;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/report.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	proc := findNode(t, result, lineage.LabelProcedure, "refresh_report")
	cache := findNode(t, result, lineage.LabelTable, "report_cache")
	sales := findNode(t, result, lineage.LabelTable, "sales")

	if !hasEdge(result, proc.URN, cache.URN, lineage.RelWrites) {
		t.Error("procedure must WRITE report_cache")
	}
	if !hasEdge(result, proc.URN, sales.URN, lineage.RelReads) {
		t.Error("procedure must READ sales")
	}

	audit := findNode(t, result, lineage.LabelProcedure, "update_audit_log")
	if !hasEdge(result, proc.URN, audit.URN, lineage.RelCalls) {
		t.Error("procedure must CALL update_audit_log")
	}
}

func TestSQLPlugin_InsertSelect(t *testing.T) {
	content := `INSERT INTO warehouse.daily_totals
SELECT day, SUM(amount) FROM warehouse.sales GROUP BY day;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "etl/load.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	totals := findNode(t, result, lineage.LabelTable, "daily_totals")
	sales := findNode(t, result, lineage.LabelTable, "sales")
	if !hasEdge(result, totals.URN, sales.URN, lineage.RelDerives) {
		t.Error("insert-select target must DERIVE from its source")
	}
}

func TestSQLPlugin_Synonym(t *testing.T) {
	content := `CREATE SYNONYM active_orders FOR dbo.orders;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/syn.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	syn := findNode(t, result, lineage.LabelSynonym, "active_orders")
	target := findNode(t, result, lineage.LabelTable, "orders")
	if !hasEdge(result, syn.URN, target.URN, lineage.RelReferences) {
		t.Error("synonym must REFERENCE its target")
	}
}

func TestSQLPlugin_ContainsEdges(t *testing.T) {
	content := `CREATE TABLE t1 (id INT);
CREATE VIEW v1 AS SELECT * FROM t1;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/schema.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fileURN := lineage.NewURN("file", "demo", "sql/schema")
	t1 := findNode(t, result, lineage.LabelTable, "t1")
	v1 := findNode(t, result, lineage.LabelView, "v1")
	if !hasEdge(result, fileURN, t1.URN, lineage.RelContains) || !hasEdge(result, fileURN, v1.URN, lineage.RelContains) {
		t.Error("file must CONTAIN its defined objects")
	}
}

func TestSQLPlugin_VendorSyntaxFallsBackPerStatement(t *testing.T) {
	// The second statement uses syntax the structured walk rejects; the
	// regex path must still surface its table references.
	content := `CREATE TABLE t1 (id INT);
EXOTIC VENDOR STATEMENT SELECT x FROM legacy_feed;`

	result, err := NewSQLPlugin().Parse(content, Context{ProjectID: "demo", FilePath: "sql/mixed.sql"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !result.Partial {
		t.Error("result with an unparseable statement must be partial")
	}
	findNode(t, result, lineage.LabelTable, "t1")
	findNode(t, result, lineage.LabelTable, "legacy_feed")
}

func TestSplitStatements(t *testing.T) {
	content := `CREATE TABLE a (x INT); -- trailing; comment
/* block; comment */
INSERT INTO a VALUES ('semi;colon', 'it''s');
GO
SELECT * FROM a`

	stmts := splitStatements(content)
	if len(stmts) != 3 {
		for _, s := range stmts {
			t.Logf("stmt: %q", s.text)
		}
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[1].text, "semi;colon") {
		t.Error("semicolon inside string literal must not split")
	}
	if strings.Contains(stmts[1].text, "comment") {
		t.Error("comments must be stripped")
	}
	if !strings.HasPrefix(stmts[2].text, "SELECT") {
		t.Errorf("GO must separate batches, got %q", stmts[2].text)
	}
}

func TestSplitStatements_LineNumbers(t *testing.T) {
	content := "CREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);\n"
	stmts := splitStatements(content)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if stmts[1].startLine <= stmts[0].startLine {
		t.Errorf("statement start lines must advance: %d then %d", stmts[0].startLine, stmts[1].startLine)
	}
}
