package ingest

import (
	"strings"
	"time"

	"github.com/graphline/graphline/lineage"
)

// Extractor finalizes a plugin result before it reaches the stores: stamps
// provenance onto nodes and edges, derives edge URNs, materializes external
// references as placeholder nodes and closes the containment structure.
type Extractor struct {
	projectID string
}

func NewExtractor(projectID string) *Extractor {
	return &Extractor{projectID: projectID}
}

// Finalize mutates result in place and returns it.
func (x *Extractor) Finalize(result *lineage.Result, path string, meta RunMeta) *lineage.Result {
	now := time.Now().UTC()

	for i := range result.Nodes {
		n := &result.Nodes[i]
		if n.SourceFile == "" {
			n.SourceFile = path
		}
		n.UpdatedAt = now
	}

	// Referenced-but-undefined assets become placeholders so edges never
	// dangle. They carry this file's ownership: if the reference disappears
	// and nothing else declares them, purge collects them.
	for _, ref := range result.ExternalRefs {
		if result.HasNode(ref) {
			continue
		}
		result.AddNode(lineage.Node{
			URN:         ref,
			Label:       lineage.LabelDataAsset,
			DisplayName: displayNameFromURN(ref),
			SourceFile:  path,
			UpdatedAt:   now,
			Properties:  map[string]string{"placeholder": "true"},
		})
	}

	x.closeContainment(result, path, now)

	for i := range result.Edges {
		e := &result.Edges[i]
		e.Props.ProjectID = x.projectID
		e.Props.SourceFile = path
		e.Props.IngestionID = meta.IngestionID
		if e.Props.Source == "" {
			e.Props.Source = lineage.SourceParser
		}
		if e.Props.Status == "" {
			e.Props.Status = lineage.StatusApproved
		}
		if e.Props.Confidence < 0 {
			e.Props.Confidence = 0
		}
		if e.Props.Confidence > 1 {
			e.Props.Confidence = 1
		}
		e.URN = lineage.EdgeURN(x.projectID, *e)
		e.UpdatedAt = now
	}

	return result
}

// closeContainment gives every non-file, non-placeholder node a container: a
// CONTAINS edge from the file node, unless some CONTAINS edge already claims
// it. The file node itself is created if a plugin skipped it.
func (x *Extractor) closeContainment(result *lineage.Result, path string, now time.Time) {
	fileURN := lineage.NewURN("file", x.projectID, lineage.SourceStem(path))
	if !result.HasNode(fileURN) && len(result.Nodes) > 0 {
		result.AddNode(lineage.Node{
			URN:         fileURN,
			Label:       lineage.LabelFile,
			DisplayName: path,
			SourceFile:  path,
			UpdatedAt:   now,
		})
	}

	contained := make(map[string]bool)
	for _, e := range result.Edges {
		if e.Relationship == lineage.RelContains {
			contained[e.TargetURN] = true
		}
	}
	referenced := make(map[string]bool)
	for _, ref := range result.ExternalRefs {
		referenced[ref] = true
	}

	for _, n := range result.Nodes {
		if n.URN == fileURN || contained[n.URN] {
			continue
		}
		// References and placeholders belong to whichever file defines them.
		if referenced[n.URN] {
			continue
		}
		if n.SourceFile != path {
			continue
		}
		result.AddEdge(lineage.Edge{
			SourceURN:    fileURN,
			TargetURN:    n.URN,
			Relationship: lineage.RelContains,
			Props: lineage.EdgeProps{
				Source:     lineage.SourceParser,
				Confidence: 1,
				Status:     lineage.StatusApproved,
			},
		})
	}
}

func displayNameFromURN(urn string) string {
	u, err := lineage.ParseURN(urn)
	if err != nil {
		return urn
	}
	if idx := strings.LastIndexByte(u.AssetPath, '/'); idx >= 0 {
		return u.AssetPath[idx+1:]
	}
	return u.AssetPath
}
