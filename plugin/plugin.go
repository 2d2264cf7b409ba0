// Package plugin turns source file content into lineage results. Plugins are
// pure: they read (content, context) and return nodes and edges, no I/O. The
// registry picks a plugin by file extension and guarantees the pipeline always
// gets a usable result, falling back to a generic splitter when parsing fails.
package plugin

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/graphline/graphline/lineage"
)

// Context carries the identifiers a plugin needs to mint stable URNs.
type Context struct {
	ProjectID string
	FilePath  string
}

// Plugin parses one file format into a lineage result.
type Plugin interface {
	Name() string
	Extensions() []string
	Parse(content string, pctx Context) (*lineage.Result, error)
}

// Registry dispatches files to the first registered plugin claiming the
// extension. Registration order decides precedence.
type Registry struct {
	plugins  []Plugin
	byExt    map[string]Plugin
	fallback *FallbackPlugin
}

func NewRegistry() *Registry {
	return &Registry{
		byExt:    make(map[string]Plugin),
		fallback: NewFallbackPlugin(),
	}
}

// NewRegistryFromNames builds a registry from a configured plugin list. New
// parsers are added here, not discovered at runtime.
func NewRegistryFromNames(names []string) (*Registry, error) {
	r := NewRegistry()
	for _, name := range names {
		switch name {
		case "sql":
			r.Register(NewSQLPlugin())
		case "source":
			r.Register(NewSourcePlugin())
		case "json":
			r.Register(NewJSONPlugin())
		default:
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
	}
	return r, nil
}

// Register adds a plugin. Extensions already claimed by an earlier plugin are
// left with their first owner.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	for _, ext := range p.Extensions() {
		ext = strings.ToLower(ext)
		if _, taken := r.byExt[ext]; !taken {
			r.byExt[ext] = p
		}
	}
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	return r.plugins
}

// Parse routes content to the matching plugin. A plugin error or panic is
// logged and the generic fallback takes over, so the caller always receives a
// result and nil error. The pipeline must never lose a file to a parser bug.
func (r *Registry) Parse(content string, pctx Context) *lineage.Result {
	ext := strings.ToLower(filepath.Ext(pctx.FilePath))

	p, ok := r.byExt[ext]
	if !ok {
		return r.parseFallback(content, pctx, "no plugin for extension "+ext)
	}

	result, err := safeParse(p, content, pctx)
	if err != nil {
		log.Printf("plugin %s failed on %s: %v, using fallback", p.Name(), pctx.FilePath, err)
		return r.parseFallback(content, pctx, err.Error())
	}
	return result
}

func (r *Registry) parseFallback(content string, pctx Context, reason string) *lineage.Result {
	result, err := safeParse(r.fallback, content, pctx)
	if err != nil {
		// The fallback has no failure modes beyond a bug; return the minimal
		// honest result rather than nothing.
		result = lineage.NewResult()
		result.Partial = true
	}
	result.Metadata["fallback_reason"] = reason
	return result
}

// parserEdge builds an approved, full-confidence edge as emitted by
// deterministic parsing.
func parserEdge(src, dst string, rel lineage.Relationship) lineage.Edge {
	return lineage.Edge{
		SourceURN:    src,
		TargetURN:    dst,
		Relationship: rel,
		Props: lineage.EdgeProps{
			Source:     lineage.SourceParser,
			Confidence: 1,
			Status:     lineage.StatusApproved,
		},
	}
}

// safeParse converts a plugin panic into an error.
func safeParse(p Plugin, content string, pctx Context) (result *lineage.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("plugin %s panicked: %v", p.Name(), rec)
		}
	}()
	return p.Parse(content, pctx)
}
