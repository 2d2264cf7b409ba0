package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/graphline/graphline/lineage"
)

// SQLPlugin extracts lineage from SQL scripts: object definitions become
// nodes, data movement becomes edges. Database objects are addressed by their
// qualified name, not by the defining file, so a table referenced from one
// script and defined in another resolves to the same node.
type SQLPlugin struct{}

func NewSQLPlugin() *SQLPlugin {
	return &SQLPlugin{}
}

func (p *SQLPlugin) Name() string { return "sql" }

func (p *SQLPlugin) Extensions() []string {
	return []string{".sql", ".ddl", ".proc"}
}

func (p *SQLPlugin) Parse(content string, pctx Context) (*lineage.Result, error) {
	result := lineage.NewResult()

	stem := lineage.SourceStem(pctx.FilePath)
	fileURN := lineage.NewURN("file", pctx.ProjectID, stem)
	result.AddNode(lineage.Node{
		URN:         fileURN,
		Label:       lineage.LabelFile,
		DisplayName: pctx.FilePath,
		SourceFile:  pctx.FilePath,
	})

	statements := splitStatements(content)
	if len(statements) == 0 {
		result.Partial = true
		return result, nil
	}

	s := &sqlState{
		result:    result,
		projectID: pctx.ProjectID,
		filePath:  pctx.FilePath,
		fileURN:   fileURN,
	}

	for _, stmt := range statements {
		if err := s.parseStatement(stmt); err != nil {
			// Vendor syntax the grammar walk cannot handle still yields its
			// table references through the regex path.
			s.parseStatementRegex(stmt)
			result.Partial = true
		}
	}

	return result, nil
}

// sqlStatement is one semicolon- or GO-delimited statement with its position
// in the file.
type sqlStatement struct {
	text      string
	startLine int
	endLine   int
}

// SQLStatement is the exported view of one split statement. The chunker uses
// it to cut SQL files on statement boundaries and tag chunks with the object
// a statement defines.
type SQLStatement struct {
	Text       string
	StartLine  int
	EndLine    int
	ObjectType string
	ObjectName string
}

// SQLStatements splits a script with the same splitter the SQL plugin uses.
func SQLStatements(content string) []SQLStatement {
	var out []SQLStatement
	for _, st := range splitStatements(content) {
		s := SQLStatement{Text: st.text, StartLine: st.startLine, EndLine: st.endLine}
		if m := reCreateObject.FindStringSubmatch(st.text); m != nil {
			s.ObjectType = strings.ToLower(m[1])
			s.ObjectName = displayName(m[2])
		}
		out = append(out, s)
	}
	return out
}

// splitStatements cuts a script into statements, honoring single-quoted
// strings, line and block comments, and GO batch separators on their own line.
func splitStatements(content string) []sqlStatement {
	var statements []sqlStatement
	var current strings.Builder

	line := 1
	startLine := 1
	lastLine := 1
	started := false

	mark := func() {
		if !started {
			started = true
			startLine = line
		}
		lastLine = line
	}

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text != "" {
			statements = append(statements, sqlStatement{text: text, startLine: startLine, endLine: lastLine})
		}
		started = false
	}

	runes := []rune(content)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		switch {
		case c == '\n':
			line++
			// A bare GO on its own line ends the batch.
			if isGoSeparator(lastLineOf(current.String())) {
				trimmed := trimLastLine(current.String())
				current.Reset()
				current.WriteString(trimmed)
				flush()
				continue
			}
			current.WriteRune(c)

		case c == '\'':
			mark()
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\n' {
					line++
				}
				if runes[j] == '\'' {
					// '' escapes a quote inside the literal
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			current.WriteString(string(runes[i:min(j+1, len(runes))]))
			lastLine = line
			i = j

		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i-- // the newline is handled by the loop

		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			j := i + 2
			for j+1 < len(runes) && !(runes[j] == '*' && runes[j+1] == '/') {
				if runes[j] == '\n' {
					line++
				}
				j++
			}
			i = j + 1

		case c == '$':
			// postgres dollar-quoted body: $$ ... $$ or $tag$ ... $tag$
			if delim, ok := dollarDelim(runes[i:]); ok {
				mark()
				rest := string(runes[i+len(delim):])
				end := strings.Index(rest, delim)
				if end < 0 {
					end = len(rest)
				}
				literal := string(runes[i:i+len(delim)]) + rest[:min(end+len(delim), len(rest))]
				line += strings.Count(literal, "\n")
				lastLine = line
				current.WriteString(literal)
				i += len([]rune(literal)) - 1
			} else {
				mark()
				current.WriteRune(c)
			}

		case c == ';':
			lastLine = line
			// Routine bodies carry their own semicolons; they end at GO or EOF.
			if isRoutineStatement(current.String()) {
				current.WriteRune(c)
				continue
			}
			flush()

		default:
			if !isSpace(c) {
				mark()
			}
			current.WriteRune(c)
		}
	}
	if isGoSeparator(lastLineOf(current.String())) {
		trimmed := trimLastLine(current.String())
		current.Reset()
		current.WriteString(trimmed)
	}
	flush()

	return statements
}

var reRoutineStart = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:OR\s+\w+\s+)?(?:PROCEDURE|PROC|FUNCTION|TRIGGER)\b`)

func isRoutineStatement(s string) bool {
	return reRoutineStart.MatchString(s)
}

// dollarDelim reports the $tag$ delimiter at the start of runes, if any.
func dollarDelim(runes []rune) (string, bool) {
	if len(runes) == 0 || runes[0] != '$' {
		return "", false
	}
	for i := 1; i < len(runes); i++ {
		c := runes[i]
		if c == '$' {
			return string(runes[:i+1]), true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isGoSeparator(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "GO")
}

func lastLineOf(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func trimLastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return ""
}

// sqlState accumulates nodes and edges across the statements of one file.
type sqlState struct {
	result    *lineage.Result
	projectID string
	filePath  string
	fileURN   string
}

func (s *sqlState) parseStatement(stmt sqlStatement) error {
	toks := scanSQL(stmt.text)
	if len(toks) == 0 {
		return nil
	}

	switch toks[0].upper {
	case "CREATE", "ALTER":
		return s.parseCreate(toks, stmt)
	case "INSERT":
		return s.parseInsert(toks)
	case "UPDATE":
		return s.parseUpdate(toks)
	case "DELETE":
		return s.parseDelete(toks)
	case "MERGE":
		return s.parseMerge(toks)
	case "SELECT", "WITH":
		for _, src := range sourceTables(toks) {
			s.readEdge(s.fileURN, src)
		}
		return nil
	case "EXEC", "EXECUTE", "CALL":
		if len(toks) > 1 {
			s.callEdge(s.fileURN, toks[1].text, lineage.LabelProcedure)
		}
		return nil
	case "DROP", "TRUNCATE", "GRANT", "REVOKE", "SET", "USE", "DECLARE", "BEGIN", "COMMIT", "ROLLBACK", "COMMENT":
		return nil
	}
	return fmt.Errorf("unrecognized statement starting with %s", toks[0].text)
}

func (s *sqlState) parseCreate(toks []sqlToken, stmt sqlStatement) error {
	// Skip modifiers (OR REPLACE, OR ALTER, MATERIALIZED, TEMP, UNIQUE...)
	// until the object kind keyword.
	i := 1
	for i < len(toks) && !isSQLObjectKind(toks[i].upper) {
		if !isCreateModifier(toks[i].upper) {
			return fmt.Errorf("unrecognized CREATE form near %s", toks[i].text)
		}
		i++
	}
	if i >= len(toks) {
		return fmt.Errorf("truncated CREATE")
	}
	kind := toks[i].upper
	i++
	if i >= len(toks) {
		return fmt.Errorf("truncated CREATE %s", kind)
	}

	// IF NOT EXISTS
	if toks[i].upper == "IF" {
		for i < len(toks) && toks[i].upper != "EXISTS" {
			i++
		}
		i++
	}
	if i >= len(toks) {
		return fmt.Errorf("truncated CREATE %s", kind)
	}
	name := toks[i].text
	rest := toks[i+1:]

	switch kind {
	case "TABLE":
		urn := s.objectNode(name, lineage.LabelTable, stmt.startLine)
		// CREATE TABLE x AS SELECT propagates lineage like a view.
		for _, src := range sourceTables(rest) {
			s.derivesEdge(urn, src)
		}
	case "VIEW":
		urn := s.objectNode(name, lineage.LabelView, stmt.startLine)
		for _, src := range sourceTables(rest) {
			s.derivesEdge(urn, src)
		}
	case "FUNCTION":
		urn := s.objectNode(name, lineage.LabelFunction, stmt.startLine)
		s.parseRoutineBody(urn, rest)
	case "PROCEDURE", "PROC":
		urn := s.objectNode(name, lineage.LabelProcedure, stmt.startLine)
		s.parseRoutineBody(urn, rest)
	case "TRIGGER":
		urn := s.objectNode(name, lineage.LabelTrigger, stmt.startLine)
		// CREATE TRIGGER t ON table / BEFORE|AFTER ... ON table
		for j := 0; j < len(rest); j++ {
			if rest[j].upper == "ON" && j+1 < len(rest) {
				s.refEdge(urn, rest[j+1].text)
				break
			}
		}
		s.parseRoutineBody(urn, rest)
	case "SYNONYM":
		urn := s.objectNode(name, lineage.LabelSynonym, stmt.startLine)
		for j := 0; j < len(rest); j++ {
			if rest[j].upper == "FOR" && j+1 < len(rest) {
				s.refEdge(urn, rest[j+1].text)
				break
			}
		}
	case "INDEX", "SEQUENCE", "SCHEMA", "DATABASE", "EXTENSION", "TYPE", "ROLE", "USER":
		// Not lineage-bearing.
	default:
		return fmt.Errorf("unrecognized CREATE %s", kind)
	}
	return nil
}

func isSQLObjectKind(upper string) bool {
	switch upper {
	case "TABLE", "VIEW", "FUNCTION", "PROCEDURE", "PROC", "TRIGGER", "SYNONYM",
		"INDEX", "SEQUENCE", "SCHEMA", "DATABASE", "EXTENSION", "TYPE", "ROLE", "USER":
		return true
	}
	return false
}

func isCreateModifier(upper string) bool {
	switch upper {
	case "UNIQUE", "CLUSTERED", "NONCLUSTERED", "MATERIALIZED", "TEMP", "TEMPORARY",
		"GLOBAL", "OR", "REPLACE", "ALTER", "PUBLIC":
		return true
	}
	return false
}

// parseRoutineBody walks a function, procedure or trigger body and records
// what it reads, writes and calls.
func (s *sqlState) parseRoutineBody(routineURN string, toks []sqlToken) {
	for i := 0; i < len(toks); i++ {
		switch toks[i].upper {
		case "FROM", "JOIN":
			if name, ok := tableNameAt(toks, i+1); ok {
				s.readEdge(routineURN, name)
			}
		case "INSERT":
			if i+2 < len(toks) && toks[i+1].upper == "INTO" {
				s.writeEdge(routineURN, toks[i+2].text)
				i += 2
			}
		case "UPDATE":
			if name, ok := tableNameAt(toks, i+1); ok {
				s.writeEdge(routineURN, name)
				i++
			}
		case "DELETE":
			if i+2 < len(toks) && toks[i+1].upper == "FROM" {
				s.writeEdge(routineURN, toks[i+2].text)
				i += 2
			}
		case "MERGE":
			j := i + 1
			if j < len(toks) && toks[j].upper == "INTO" {
				j++
			}
			if j < len(toks) {
				s.writeEdge(routineURN, toks[j].text)
				i = j
			}
		case "EXEC", "EXECUTE", "CALL":
			if i+1 < len(toks) && !toks[i+1].isKeywordLike() {
				s.callEdge(routineURN, toks[i+1].text, lineage.LabelProcedure)
				i++
			}
		}
	}
}

func (s *sqlState) parseInsert(toks []sqlToken) error {
	if len(toks) < 3 || toks[1].upper != "INTO" {
		return fmt.Errorf("unsupported INSERT form")
	}
	target := toks[2].text
	targetURN := s.tableRef(target)
	s.writeEdge(s.fileURN, target)
	for _, src := range sourceTables(toks[3:]) {
		s.addEdge(targetURN, s.tableRef(src), lineage.RelDerives)
		s.readEdge(s.fileURN, src)
	}
	return nil
}

func (s *sqlState) parseUpdate(toks []sqlToken) error {
	if len(toks) < 2 {
		return fmt.Errorf("truncated UPDATE")
	}
	target := toks[1].text
	targetURN := s.tableRef(target)
	s.writeEdge(s.fileURN, target)
	// UPDATE t SET ... FROM s JOIN u
	for _, src := range sourceTables(toks[2:]) {
		if normalizeSQLName(src) != normalizeSQLName(target) {
			s.addEdge(targetURN, s.tableRef(src), lineage.RelDerives)
			s.readEdge(s.fileURN, src)
		}
	}
	return nil
}

func (s *sqlState) parseDelete(toks []sqlToken) error {
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].upper == "FROM" {
			s.writeEdge(s.fileURN, toks[i+1].text)
			return nil
		}
	}
	return fmt.Errorf("unsupported DELETE form")
}

func (s *sqlState) parseMerge(toks []sqlToken) error {
	i := 1
	if i < len(toks) && toks[i].upper == "INTO" {
		i++
	}
	if i >= len(toks) {
		return fmt.Errorf("truncated MERGE")
	}
	target := toks[i].text
	targetURN := s.tableRef(target)
	s.writeEdge(s.fileURN, target)
	for j := i; j+1 < len(toks); j++ {
		if toks[j].upper == "USING" {
			if name, ok := tableNameAt(toks, j+1); ok {
				s.addEdge(targetURN, s.tableRef(name), lineage.RelDerives)
				s.readEdge(s.fileURN, name)
			}
		}
	}
	return nil
}

// parseStatementRegex is the per-statement tolerance path: plain regexes over
// text the token walk could not classify.
var (
	reCreateObject = regexp.MustCompile(`(?is)\bCREATE\s+(?:OR\s+(?:REPLACE|ALTER)\s+)?(TABLE|VIEW|FUNCTION|PROCEDURE|PROC|TRIGGER|SYNONYM)\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w$#.\[\]"]+)`)
	reFromJoin     = regexp.MustCompile(`(?is)\b(?:FROM|JOIN)\s+([\w$#.\[\]"]+)`)
	reWriteTarget  = regexp.MustCompile(`(?is)\b(?:INSERT\s+INTO|UPDATE|MERGE\s+INTO|DELETE\s+FROM)\s+([\w$#.\[\]"]+)`)
)

func (s *sqlState) parseStatementRegex(stmt sqlStatement) {
	ownerURN := s.fileURN
	if m := reCreateObject.FindStringSubmatch(stmt.text); m != nil {
		label := labelForSQLKind(strings.ToUpper(m[1]))
		ownerURN = s.objectNode(m[2], label, stmt.startLine)
	}
	for _, m := range reWriteTarget.FindAllStringSubmatch(stmt.text, -1) {
		s.writeEdge(ownerURN, m[1])
	}
	for _, m := range reFromJoin.FindAllStringSubmatch(stmt.text, -1) {
		s.readEdge(ownerURN, m[1])
	}
}

func labelForSQLKind(kind string) lineage.Label {
	switch kind {
	case "TABLE":
		return lineage.LabelTable
	case "VIEW":
		return lineage.LabelView
	case "FUNCTION":
		return lineage.LabelFunction
	case "PROCEDURE", "PROC":
		return lineage.LabelProcedure
	case "TRIGGER":
		return lineage.LabelTrigger
	case "SYNONYM":
		return lineage.LabelSynonym
	}
	return lineage.LabelDataAsset
}

// objectNode records a defined database object and its CONTAINS edge from the
// file node. Returns the object URN.
func (s *sqlState) objectNode(name string, label lineage.Label, line int) string {
	urn := s.sqlURN(name, label)
	s.result.AddNode(lineage.Node{
		URN:         urn,
		Label:       label,
		DisplayName: displayName(name),
		SourceFile:  s.filePath,
		Properties: map[string]string{
			"defined_at_line": strconv.Itoa(line),
		},
	})
	s.addEdge(s.fileURN, urn, lineage.RelContains)
	return urn
}

// tableRef records a referenced table as a node owned by this file. If the
// defining file is ingested too, the nodes merge by URN and both files share
// ownership.
func (s *sqlState) tableRef(name string) string {
	urn := s.sqlURN(name, lineage.LabelTable)
	if !s.result.HasNode(urn) {
		s.result.AddNode(lineage.Node{
			URN:         urn,
			Label:       lineage.LabelTable,
			DisplayName: displayName(name),
			SourceFile:  s.filePath,
		})
		s.result.AddExternalRef(urn)
	}
	return urn
}

func (s *sqlState) readEdge(ownerURN, table string) {
	s.addEdge(ownerURN, s.tableRef(table), lineage.RelReads)
}

func (s *sqlState) writeEdge(ownerURN, table string) {
	s.addEdge(ownerURN, s.tableRef(table), lineage.RelWrites)
}

func (s *sqlState) derivesEdge(ownerURN, table string) {
	s.addEdge(ownerURN, s.tableRef(table), lineage.RelDerives)
}

func (s *sqlState) refEdge(ownerURN, table string) {
	s.addEdge(ownerURN, s.tableRef(table), lineage.RelReferences)
}

func (s *sqlState) callEdge(ownerURN, callee string, label lineage.Label) {
	urn := s.sqlURN(callee, label)
	if !s.result.HasNode(urn) {
		s.result.AddNode(lineage.Node{
			URN:         urn,
			Label:       label,
			DisplayName: displayName(callee),
			SourceFile:  s.filePath,
		})
		s.result.AddExternalRef(urn)
	}
	s.addEdge(ownerURN, urn, lineage.RelCalls)
}

func (s *sqlState) addEdge(src, dst string, rel lineage.Relationship) {
	if src == dst {
		return
	}
	s.result.AddEdge(parserEdge(src, dst, rel))
}

// sqlURN addresses a database object by qualified name, project-wide. The
// defining file does not enter the identity, so cross-file references merge.
func (s *sqlState) sqlURN(name string, label lineage.Label) string {
	entity := strings.ToLower(string(label))
	return lineage.NewURN(entity, s.projectID, normalizeSQLName(name))
}

func normalizeSQLName(name string) string {
	name = strings.Trim(name, `"` + "`")
	name = strings.ReplaceAll(name, "[", "")
	name = strings.ReplaceAll(name, "]", "")
	name = strings.ReplaceAll(name, `"`, "")
	return strings.ToLower(strings.ReplaceAll(name, ".", "/"))
}

func displayName(name string) string {
	name = strings.Trim(name, `"` + "`")
	name = strings.ReplaceAll(name, "[", "")
	name = strings.ReplaceAll(name, "]", "")
	name = strings.ReplaceAll(name, `"`, "")
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// sourceTables collects table names appearing after FROM and JOIN, skipping
// subqueries and function calls.
func sourceTables(toks []sqlToken) []string {
	var names []string
	seen := make(map[string]bool)
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].upper != "FROM" && toks[i].upper != "JOIN" {
			continue
		}
		name, ok := tableNameAt(toks, i+1)
		if !ok {
			continue
		}
		norm := normalizeSQLName(name)
		if !seen[norm] {
			seen[norm] = true
			names = append(names, name)
		}
	}
	return names
}

// tableNameAt returns the identifier at position i if it can be a table name
// (not a subquery open paren, not a keyword).
func tableNameAt(toks []sqlToken, i int) (string, bool) {
	if i >= len(toks) {
		return "", false
	}
	t := toks[i]
	if t.kind != tokIdent || t.isKeywordLike() {
		return "", false
	}
	// table-valued function call: name(...)
	if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
		return "", false
	}
	return t.text, true
}

type sqlTokenKind int

const (
	tokIdent sqlTokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type sqlToken struct {
	kind  sqlTokenKind
	text  string
	upper string
}

func (t sqlToken) isKeywordLike() bool {
	switch t.upper {
	case "SELECT", "FROM", "JOIN", "WHERE", "GROUP", "ORDER", "BY", "ON", "AS", "SET",
		"AND", "OR", "NOT", "NULL", "IN", "EXISTS", "CASE", "WHEN", "THEN", "ELSE",
		"END", "VALUES", "INTO", "UPDATE", "INSERT", "DELETE", "MERGE", "USING",
		"BEGIN", "RETURN", "RETURNS", "DECLARE", "IF", "WITH", "UNION", "ALL",
		"INNER", "OUTER", "LEFT", "RIGHT", "FULL", "CROSS", "LATERAL", "DUAL":
		return true
	}
	return false
}

// scanSQL tokenizes a statement. Qualified names (a.b.c, [a].[b], "a"."b")
// come back as a single identifier token.
func scanSQL(s string) []sqlToken {
	var toks []sqlToken
	runes := []rune(s)

	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case isSpace(c):
			i++

		case c == '\'':
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			toks = append(toks, sqlToken{kind: tokString, text: string(runes[i : min(j+1, len(runes))])})
			i = j + 1

		case c >= '0' && c <= '9':
			j := i
			for j < len(runes) && (runes[j] >= '0' && runes[j] <= '9' || runes[j] == '.') {
				j++
			}
			toks = append(toks, sqlToken{kind: tokNumber, text: string(runes[i:j])})
			i = j

		case isSQLIdentStart(c):
			j := i
			for j < len(runes) && isSQLIdentPart(runes[j]) {
				j++
			}
			// swallow qualification: name . name
			for j < len(runes) && runes[j] == '.' {
				j++
				for j < len(runes) && isSQLIdentPart(runes[j]) {
					j++
				}
			}
			text := string(runes[i:j])
			toks = append(toks, sqlToken{kind: tokIdent, text: text, upper: strings.ToUpper(text)})
			i = j

		default:
			toks = append(toks, sqlToken{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks
}

func isSQLIdentStart(c rune) bool {
	return c == '_' || c == '[' || c == '"' || c == '`' || c == '#' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSQLIdentPart(c rune) bool {
	return isSQLIdentStart(c) || c == ']' || c == '$' || (c >= '0' && c <= '9')
}
