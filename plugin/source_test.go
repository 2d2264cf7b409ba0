package plugin

import (
	"strings"
	"testing"

	"github.com/graphline/graphline/lineage"
)

const pyETL = `import db

def load_orders():
    rows = db.query("SELECT * FROM orders JOIN customers ON customers.id = orders.customer_id")
    return rows

def save_report(rows):
    db.execute("INSERT INTO report_cache VALUES (%s)", rows)

def main():
    rows = load_orders()
    save_report(rows)
`

func TestSourcePlugin_PythonFunctions(t *testing.T) {
	result, err := NewSourcePlugin().Parse(pyETL, Context{ProjectID: "demo", FilePath: "etl/load.py"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fileURN := lineage.NewURN("file", "demo", "etl/load")
	load := findNode(t, result, lineage.LabelFunction, "load_orders")
	save := findNode(t, result, lineage.LabelFunction, "save_report")
	mainFn := findNode(t, result, lineage.LabelFunction, "main")

	for _, fn := range []lineage.Node{load, save, mainFn} {
		if !hasEdge(result, fileURN, fn.URN, lineage.RelContains) {
			t.Errorf("file must CONTAIN %s", fn.DisplayName)
		}
	}
}

func TestSourcePlugin_IntraFileCalls(t *testing.T) {
	result, err := NewSourcePlugin().Parse(pyETL, Context{ProjectID: "demo", FilePath: "etl/load.py"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mainFn := findNode(t, result, lineage.LabelFunction, "main")
	load := findNode(t, result, lineage.LabelFunction, "load_orders")
	save := findNode(t, result, lineage.LabelFunction, "save_report")

	if !hasEdge(result, mainFn.URN, load.URN, lineage.RelCalls) {
		t.Error("main must CALL load_orders")
	}
	if !hasEdge(result, mainFn.URN, save.URN, lineage.RelCalls) {
		t.Error("main must CALL save_report")
	}
}

func TestSourcePlugin_EmbeddedSQL(t *testing.T) {
	result, err := NewSourcePlugin().Parse(pyETL, Context{ProjectID: "demo", FilePath: "etl/load.py"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	load := findNode(t, result, lineage.LabelFunction, "load_orders")
	save := findNode(t, result, lineage.LabelFunction, "save_report")

	ordersURN := lineage.NewURN("table", "demo", "orders")
	cacheURN := lineage.NewURN("table", "demo", "report_cache")

	if !hasEdge(result, load.URN, ordersURN, lineage.RelReads) {
		t.Error("load_orders must READ orders")
	}
	if !hasEdge(result, save.URN, cacheURN, lineage.RelWrites) {
		t.Error("save_report must WRITE report_cache")
	}

	// Tables referenced from code are external until their DDL is ingested.
	foundRef := false
	for _, ref := range result.ExternalRefs {
		if ref == ordersURN {
			foundRef = true
		}
	}
	if !foundRef {
		t.Error("orders must be recorded as an external reference")
	}
}

func TestSourcePlugin_ImportsAreNotSQL(t *testing.T) {
	content := "from typing import Optional\n\ndef noop():\n    pass\n"
	result, err := NewSourcePlugin().Parse(content, Context{ProjectID: "demo", FilePath: "util.py"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for _, e := range result.Edges {
		if e.Relationship == lineage.RelReads {
			t.Errorf("import statement misread as SQL: %s", e.TargetURN)
		}
	}
}

func TestSourcePlugin_GoFunctions(t *testing.T) {
	content := `package main

func fetch() string {
	return query("SELECT name FROM users")
}

func main() {
	fetch()
}
`
	result, err := NewSourcePlugin().Parse(content, Context{ProjectID: "demo", FilePath: "cmd/tool/main.go"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fetch := findNode(t, result, lineage.LabelFunction, "fetch")
	mainFn := findNode(t, result, lineage.LabelFunction, "main")
	if !hasEdge(result, mainFn.URN, fetch.URN, lineage.RelCalls) {
		t.Error("main must CALL fetch")
	}

	usersURN := lineage.NewURN("table", "demo", "users")
	if !hasEdge(result, fetch.URN, usersURN, lineage.RelReads) {
		t.Error("fetch must READ users")
	}
}

func TestSourcePlugin_BrokenFileStillYieldsFunctions(t *testing.T) {
	content := "def good():\n    return 1\n\ndef broken(:\n"
	result, err := NewSourcePlugin().Parse(content, Context{ProjectID: "demo", FilePath: "broken.py"})
	if err != nil {
		t.Fatalf("error-tolerant parse must not fail: %v", err)
	}
	findNode(t, result, lineage.LabelFunction, "good")
}

func TestSourcePlugin_OversizedFileUsesRegexPath(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("def first():\n    return 1\n\n")
	filler := "# padding line to push the file over the AST size threshold\n"
	for sb.Len() <= maxTreeSitterBytes {
		sb.WriteString(filler)
	}
	sb.WriteString("\ndef last():\n    return first()\n")

	result, err := NewSourcePlugin().Parse(sb.String(), Context{ProjectID: "demo", FilePath: "big.py"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	first := findNode(t, result, lineage.LabelFunction, "first")
	last := findNode(t, result, lineage.LabelFunction, "last")
	if !hasEdge(result, last.URN, first.URN, lineage.RelCalls) {
		t.Error("regex path must still resolve the call from last to first")
	}
}

func TestSourcePlugin_JSArrowFunctions(t *testing.T) {
	content := `const loadUsers = async () => {
  return db.query("SELECT id FROM users");
};

function refresh() {
  loadUsers();
}
`
	result, err := NewSourcePlugin().Parse(content, Context{ProjectID: "demo", FilePath: "web/users.js"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	loadUsers := findNode(t, result, lineage.LabelFunction, "loadUsers")
	refresh := findNode(t, result, lineage.LabelFunction, "refresh")
	if !hasEdge(result, refresh.URN, loadUsers.URN, lineage.RelCalls) {
		t.Error("refresh must CALL loadUsers")
	}
}
