package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/graphline/graphline/lineage"
)

// maxJSONKeyDepth caps how deep nested objects are modeled. Below this the
// keys stop being interesting structure and start being data.
const maxJSONKeyDepth = 3

// JSONPlugin models a JSON document as a JsonDocument node with JsonKey
// children, so configuration and data files participate in the graph.
type JSONPlugin struct{}

func NewJSONPlugin() *JSONPlugin {
	return &JSONPlugin{}
}

func (p *JSONPlugin) Name() string { return "json" }

func (p *JSONPlugin) Extensions() []string {
	return []string{".json"}
}

func (p *JSONPlugin) Parse(content string, pctx Context) (*lineage.Result, error) {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	result := lineage.NewResult()
	stem := lineage.SourceStem(pctx.FilePath)
	docURN := lineage.NewURN("jsondocument", pctx.ProjectID, stem)
	result.AddNode(lineage.Node{
		URN:         docURN,
		Label:       lineage.LabelJsonDocument,
		DisplayName: pctx.FilePath,
		SourceFile:  pctx.FilePath,
	})

	p.addKeys(result, pctx, stem, docURN, "", doc, 1)
	return result, nil
}

func (p *JSONPlugin) addKeys(result *lineage.Result, pctx Context, stem, parentURN, prefix string, value any, depth int) {
	obj, ok := value.(map[string]any)
	if !ok || depth > maxJSONKeyDepth {
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		keyPath := k
		if prefix != "" {
			keyPath = prefix + "." + k
		}
		urn := lineage.NewURN("jsonkey", pctx.ProjectID, lineage.AssetPathFor(stem, strings.ToLower(keyPath)))
		result.AddNode(lineage.Node{
			URN:         urn,
			Label:       lineage.LabelJsonKey,
			DisplayName: keyPath,
			SourceFile:  pctx.FilePath,
			Properties: map[string]string{
				"value_type": jsonTypeName(obj[k]),
			},
		})
		result.AddEdge(parserEdge(parentURN, urn, lineage.RelContains))

		p.addKeys(result, pctx, stem, urn, keyPath, obj[k], depth+1)
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return "unknown"
}
