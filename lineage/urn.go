package lineage

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strings"
)

// Scheme is the URN scheme shared by every node this pipeline produces.
const Scheme = "graphline"

// URN is the parsed form of a node identifier:
// urn:graphline:{entity_type}:{project_id}:{asset_path}
type URN struct {
	EntityType string
	ProjectID  string
	AssetPath  string
}

// NewURN builds a stable node URN. Entity type and project id are lowercased
// and stripped of separator characters so the string form parses back
// unambiguously; the asset path keeps its content (it is the final field) but
// path separators are normalized to "/". Repeated ingestion of unchanged
// source yields byte-identical URNs.
func NewURN(entityType, projectID, assetPath string) string {
	return fmt.Sprintf("urn:%s:%s:%s:%s",
		Scheme,
		sanitizeField(entityType),
		sanitizeField(projectID),
		normalizePath(assetPath),
	)
}

// ParseURN splits a URN string into its fields.
func ParseURN(s string) (URN, error) {
	parts := strings.SplitN(s, ":", 5)
	if len(parts) != 5 || parts[0] != "urn" || parts[1] != Scheme {
		return URN{}, fmt.Errorf("malformed urn %q", s)
	}
	if parts[2] == "" || parts[3] == "" || parts[4] == "" {
		return URN{}, fmt.Errorf("urn %q has empty fields", s)
	}
	return URN{
		EntityType: parts[2],
		ProjectID:  parts[3],
		AssetPath:  parts[4],
	}, nil
}

// EdgeURN derives a deterministic identifier for an edge from its merge key.
func EdgeURN(projectID string, e Edge) string {
	sum := sha1.Sum([]byte(e.MergeKey()))
	return fmt.Sprintf("urn:%s:edge:%s:%x", Scheme, sanitizeField(projectID), sum[:8])
}

// AssetPathFor joins a source file stem with an object name into the asset
// path field of a URN, e.g. "sql/orders" + "v_orders" -> "sql/orders/v_orders".
func AssetPathFor(sourceStem, objectName string) string {
	if sourceStem == "" {
		return normalizePath(objectName)
	}
	return normalizePath(sourceStem) + "/" + normalizePath(objectName)
}

// SourceStem strips the extension and normalizes a file path for use as the
// leading segment of asset paths derived from that file.
func SourceStem(filePath string) string {
	p := normalizePath(filePath)
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext)
}

func sanitizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
