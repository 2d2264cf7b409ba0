package plugin

import (
	"fmt"
	"strings"

	"github.com/graphline/graphline/lineage"
)

// fallbackBlockSize caps how much text one fallback block covers.
const fallbackBlockSize = 4000

// FallbackPlugin is the parser of last resort: it knows nothing about the
// format and produces a File node plus one DataAsset per content block so the
// file still exists in the graph and can be embedded. Results are always
// marked Partial.
type FallbackPlugin struct{}

func NewFallbackPlugin() *FallbackPlugin {
	return &FallbackPlugin{}
}

func (p *FallbackPlugin) Name() string { return "fallback" }

// Extensions is empty: the fallback is never dispatched by extension, only
// invoked by the registry when nothing else works.
func (p *FallbackPlugin) Extensions() []string { return nil }

func (p *FallbackPlugin) Parse(content string, pctx Context) (*lineage.Result, error) {
	result := lineage.NewResult()
	result.Partial = true

	stem := lineage.SourceStem(pctx.FilePath)
	fileURN := lineage.NewURN("file", pctx.ProjectID, stem)
	result.AddNode(lineage.Node{
		URN:         fileURN,
		Label:       lineage.LabelFile,
		DisplayName: pctx.FilePath,
		SourceFile:  pctx.FilePath,
	})

	for i, block := range splitBlocks(content, fallbackBlockSize) {
		name := fmt.Sprintf("block_%d", i)
		result.AddNode(lineage.Node{
			URN:         lineage.NewURN("dataasset", pctx.ProjectID, lineage.AssetPathFor(stem, name)),
			Label:       lineage.LabelDataAsset,
			DisplayName: name,
			SourceFile:  pctx.FilePath,
			Properties: map[string]string{
				"preview": preview(block),
			},
		})
	}

	return result, nil
}

// splitBlocks cuts content into size-capped blocks on line boundaries.
func splitBlocks(content string, maxSize int) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var blocks []string
	var current strings.Builder
	for _, line := range strings.SplitAfter(content, "\n") {
		if current.Len() > 0 && current.Len()+len(line) > maxSize {
			blocks = append(blocks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if strings.TrimSpace(current.String()) != "" {
		blocks = append(blocks, current.String())
	}
	return blocks
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
