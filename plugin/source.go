package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/graphline/graphline/lineage"
)

// maxTreeSitterBytes bounds AST parsing. Larger files use the line-regex
// extractor instead; tree-sitter is error tolerant but its cost grows with
// input size, and machine-generated giants are the usual offenders.
const maxTreeSitterBytes = 512 * 1024

// SourcePlugin extracts lineage from application code: the script file, its
// functions, intra-file calls, and table references found in embedded SQL
// strings.
type SourcePlugin struct {
	languages map[string]*sitter.Language
}

func NewSourcePlugin() *SourcePlugin {
	return &SourcePlugin{
		languages: map[string]*sitter.Language{
			".py":  python.GetLanguage(),
			".js":  javascript.GetLanguage(),
			".jsx": javascript.GetLanguage(),
			".ts":  typescript.GetLanguage(),
			".tsx": typescript.GetLanguage(),
			".go":  golang.GetLanguage(),
		},
	}
}

func (p *SourcePlugin) Name() string { return "source" }

func (p *SourcePlugin) Extensions() []string {
	return []string{".py", ".js", ".jsx", ".ts", ".tsx", ".go"}
}

// funcDef is one extracted function with its line span.
type funcDef struct {
	name      string
	startLine int
	endLine   int
}

// funcCall is a call site and the callee's bare name.
type funcCall struct {
	callee string
	line   int
}

func (p *SourcePlugin) Parse(content string, pctx Context) (*lineage.Result, error) {
	ext := strings.ToLower(filepath.Ext(pctx.FilePath))
	lang, ok := p.languages[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported extension %s", ext)
	}

	var defs []funcDef
	var calls []funcCall
	var err error
	if len(content) <= maxTreeSitterBytes {
		defs, calls, err = extractAST(lang, ext, content)
		if err != nil {
			return nil, err
		}
	} else {
		defs, calls = extractRegex(ext, content)
	}

	result := lineage.NewResult()
	stem := lineage.SourceStem(pctx.FilePath)
	fileURN := lineage.NewURN("file", pctx.ProjectID, stem)
	result.AddNode(lineage.Node{
		URN:         fileURN,
		Label:       lineage.LabelFile,
		DisplayName: pctx.FilePath,
		SourceFile:  pctx.FilePath,
	})

	urnByName := make(map[string]string, len(defs))
	for _, d := range defs {
		urn := lineage.NewURN("function", pctx.ProjectID, lineage.AssetPathFor(stem, strings.ToLower(d.name)))
		urnByName[d.name] = urn
		result.AddNode(lineage.Node{
			URN:         urn,
			Label:       lineage.LabelFunction,
			DisplayName: d.name,
			SourceFile:  pctx.FilePath,
			Properties: map[string]string{
				"defined_at_line": strconv.Itoa(d.startLine),
			},
		})
		result.AddEdge(parserEdge(fileURN, urn, lineage.RelContains))
	}

	// Calls resolve within the file only; cross-file call resolution would
	// need project-wide symbol tables this stage does not have.
	for _, c := range calls {
		calleeURN, known := urnByName[c.callee]
		if !known {
			continue
		}
		callerURN := enclosingURN(defs, urnByName, c.line, fileURN)
		if callerURN != calleeURN {
			result.AddEdge(parserEdge(callerURN, calleeURN, lineage.RelCalls))
		}
	}

	p.extractEmbeddedSQL(result, content, pctx, defs, urnByName, fileURN)

	return result, nil
}

// enclosingURN finds the function whose span covers the line, or the file.
func enclosingURN(defs []funcDef, urnByName map[string]string, line int, fileURN string) string {
	best := fileURN
	bestSpan := int(^uint(0) >> 1)
	for _, d := range defs {
		if line >= d.startLine && line <= d.endLine {
			span := d.endLine - d.startLine
			if span < bestSpan {
				bestSpan = span
				best = urnByName[d.name]
			}
		}
	}
	return best
}

// extractAST parses with tree-sitter. The parse is error tolerant: a syntax
// error yields ERROR subtrees, not a failure, so partially broken files still
// produce their valid functions.
func extractAST(lang *sitter.Language, ext, content string) ([]funcDef, []funcCall, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse source: %w", err)
	}
	defer tree.Close()

	var defs []funcDef
	var calls []funcCall
	walkSource(tree.RootNode(), []byte(content), ext, &defs, &calls)
	return defs, calls, nil
}

func walkSource(node *sitter.Node, content []byte, ext string, defs *[]funcDef, calls *[]funcCall) {
	switch node.Type() {
	case "function_definition", "function_declaration", "method_declaration", "method_definition":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			*defs = append(*defs, funcDef{
				name:      nameNode.Content(content),
				startLine: int(node.StartPoint().Row) + 1,
				endLine:   int(node.EndPoint().Row) + 1,
			})
		}

	case "lexical_declaration", "variable_declaration":
		// const f = () => {} / var f = function() {}
		for i := 0; i < int(node.ChildCount()); i++ {
			decl := node.Child(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			nameNode := decl.ChildByFieldName("name")
			valueNode := decl.ChildByFieldName("value")
			if nameNode == nil || valueNode == nil {
				continue
			}
			if t := valueNode.Type(); t == "arrow_function" || t == "function" || t == "function_expression" {
				*defs = append(*defs, funcDef{
					name:      nameNode.Content(content),
					startLine: int(decl.StartPoint().Row) + 1,
					endLine:   int(decl.EndPoint().Row) + 1,
				})
			}
		}

	case "call_expression", "call":
		funcNode := node.ChildByFieldName("function")
		if funcNode != nil {
			name := funcNode.Content(content)
			if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
				name = name[idx+1:]
			}
			if name != "" {
				*calls = append(*calls, funcCall{
					callee: name,
					line:   int(node.StartPoint().Row) + 1,
				})
			}
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkSource(node.Child(i), content, ext, defs, calls)
	}
}

// Regex extraction for oversized files. Strict: assumes well-formed input,
// only catches top-of-line definitions and bare calls.
var (
	rePyDef   = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+(\w+)\s*\(`)
	reJSFunc  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(`)
	reJSArrow = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?\(`)
	reGoFunc  = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?(\w+)\s*\(`)
	reCall    = regexp.MustCompile(`(?m)(\w+)\s*\(`)
)

func extractRegex(ext, content string) ([]funcDef, []funcCall) {
	var defRes []*regexp.Regexp
	switch ext {
	case ".py":
		defRes = []*regexp.Regexp{rePyDef}
	case ".go":
		defRes = []*regexp.Regexp{reGoFunc}
	default:
		defRes = []*regexp.Regexp{reJSFunc, reJSArrow}
	}

	lineAt := lineOffsets(content)

	var defs []funcDef
	for _, re := range defRes {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			defs = append(defs, funcDef{
				name:      content[m[2]:m[3]],
				startLine: lineAt(m[0]),
				endLine:   lineAt(m[0]),
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].startLine < defs[j].startLine })
	// Without an AST a definition spans until the next one starts.
	for i := range defs {
		if i+1 < len(defs) {
			defs[i].endLine = defs[i+1].startLine - 1
		} else {
			defs[i].endLine = lineAt(len(content) - 1)
		}
	}

	defNames := make(map[string]bool, len(defs))
	for _, d := range defs {
		defNames[d.name] = true
	}

	var calls []funcCall
	for _, m := range reCall.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[2]:m[3]]
		if defNames[name] {
			calls = append(calls, funcCall{callee: name, line: lineAt(m[0])})
		}
	}
	return defs, calls
}

// lineOffsets returns a function mapping a byte offset to a 1-based line.
func lineOffsets(content string) func(int) int {
	var starts []int
	starts = append(starts, 0)
	for i, c := range content {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return func(offset int) int {
		lo, hi := 0, len(starts)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if starts[mid] <= offset {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		return lo + 1
	}
}

// Embedded SQL detection: table names pulled out of query strings so scripts
// link to the data they touch. The referenced tables share the SQL plugin's
// project-wide URNs, so graphs from DDL files and application code join up.
// Only string literals whose text starts like a SQL statement are considered.
var (
	reSQLStart = regexp.MustCompile(`(?is)^\s*(?:SELECT|INSERT|UPDATE|DELETE|MERGE|WITH)\b`)
	reSQLRead  = regexp.MustCompile(`(?is)\b(?:FROM|JOIN)\s+([a-zA-Z_]\w*(?:\.\w+)*)`)
	reSQLWrite = regexp.MustCompile(`(?is)\b(?:INSERT\s+INTO|UPDATE|MERGE\s+INTO|DELETE\s+FROM)\s+([a-zA-Z_]\w*(?:\.\w+)*)`)
)

func (p *SourcePlugin) extractEmbeddedSQL(result *lineage.Result, content string, pctx Context, defs []funcDef, urnByName map[string]string, fileURN string) {
	lineAt := lineOffsets(content)

	for _, lit := range scanStringLiterals(content) {
		text := content[lit.start:lit.end]
		if !reSQLStart.MatchString(text) {
			continue
		}
		owner := enclosingURN(defs, urnByName, lineAt(lit.start), fileURN)

		emit := func(matches [][]int, rel lineage.Relationship) {
			for _, m := range matches {
				table := text[m[2]:m[3]]
				tableURN := lineage.NewURN("table", pctx.ProjectID, normalizeSQLName(table))
				if !result.HasNode(tableURN) {
					result.AddExternalRef(tableURN)
				}
				result.AddEdge(parserEdge(owner, tableURN, rel))
			}
		}
		emit(reSQLWrite.FindAllStringSubmatchIndex(text, -1), lineage.RelWrites)
		emit(reSQLRead.FindAllStringSubmatchIndex(text, -1), lineage.RelReads)
	}
}

type literalSpan struct {
	start, end int
}

// scanStringLiterals finds quoted string contents. It understands single,
// double, backtick and python triple quotes, with backslash escapes. Good
// enough across the supported languages for SQL sniffing; it does not need to
// be a real lexer.
func scanStringLiterals(content string) []literalSpan {
	var spans []literalSpan
	n := len(content)

	for i := 0; i < n; i++ {
		c := content[i]
		if c != '\'' && c != '"' && c != '`' {
			continue
		}

		// python triple quote
		if i+2 < n && content[i+1] == c && content[i+2] == c {
			delim := content[i : i+3]
			end := strings.Index(content[i+3:], delim)
			if end < 0 {
				break
			}
			spans = append(spans, literalSpan{start: i + 3, end: i + 3 + end})
			i = i + 3 + end + 2
			continue
		}

		j := i + 1
		for j < n {
			if content[j] == '\\' {
				j += 2
				continue
			}
			if content[j] == c {
				break
			}
			j++
		}
		if j >= n {
			break
		}
		spans = append(spans, literalSpan{start: i + 1, end: j})
		i = j
	}
	return spans
}
