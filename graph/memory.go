package graph

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/graphline/graphline/internal/fileutil"
	"github.com/graphline/graphline/lineage"
)

// MemoryStore is an in-process graph store with optional GOB persistence.
// It is the default backend and the one the test suite runs against.
type MemoryStore struct {
	indexPath string
	nodes     map[string]lineage.Node
	edges     map[string]lineage.Edge // merge key -> edge
	owners    map[string]map[string]bool
	mu        sync.RWMutex
}

type gobGraphData struct {
	Nodes  map[string]lineage.Node
	Edges  map[string]lineage.Edge
	Owners map[string]map[string]bool
}

// NewMemoryStore creates a memory store. indexPath may be empty for a purely
// ephemeral store (tests); otherwise Persist/Load use it.
func NewMemoryStore(indexPath string) *MemoryStore {
	return &MemoryStore{
		indexPath: indexPath,
		nodes:     make(map[string]lineage.Node),
		edges:     make(map[string]lineage.Edge),
		owners:    make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) PurgeFileAssets(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Detach edges first, then drop nodes the file exclusively owns.
	for key, e := range s.edges {
		if e.Props.SourceFile == path {
			delete(s.edges, key)
		}
	}

	for urn, files := range s.owners {
		if !files[path] {
			continue
		}
		delete(files, path)
		if len(files) == 0 {
			delete(s.owners, urn)
			delete(s.nodes, urn)
			// Edges from other files may still reference the removed
			// node; they stay as dangling references until their own
			// file is re-ingested.
		}
	}

	return nil
}

func (s *MemoryStore) MergeNodes(ctx context.Context, nodes []lineage.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, n := range nodes {
		existing, ok := s.nodes[n.URN]
		if ok {
			if n.Label != "" {
				existing.Label = n.Label
			}
			if n.DisplayName != "" {
				existing.DisplayName = n.DisplayName
			}
			if n.SourceFile != "" {
				existing.SourceFile = n.SourceFile
			}
			if existing.Properties == nil && len(n.Properties) > 0 {
				existing.Properties = make(map[string]string, len(n.Properties))
			}
			for k, v := range n.Properties {
				existing.Properties[k] = v
			}
			existing.UpdatedAt = now
			s.nodes[n.URN] = existing
		} else {
			n.UpdatedAt = now
			s.nodes[n.URN] = n
		}

		if n.SourceFile != "" {
			if s.owners[n.URN] == nil {
				s.owners[n.URN] = make(map[string]bool)
			}
			s.owners[n.URN][n.SourceFile] = true
		}
	}

	return nil
}

func (s *MemoryStore) MergeEdges(ctx context.Context, edges []lineage.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, e := range edges {
		e.UpdatedAt = now
		s.edges[e.MergeKey()] = e
	}

	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]lineage.Node, []lineage.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []lineage.Node
	for _, n := range s.nodes {
		if matchNode(f, n) {
			nodes = append(nodes, n)
		}
	}

	var edges []lineage.Edge
	for _, e := range s.edges {
		if matchEdge(f, e) {
			edges = append(edges, e)
		}
	}

	return nodes, edges, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Stats{Nodes: len(s.nodes), Edges: len(s.edges)}, nil
}

// Load reads the graph from persistent storage. A missing file is not an
// error; the store starts empty.
func (s *MemoryStore) Load(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open graph index: %w", err)
	}
	defer file.Close()

	var data gobGraphData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode graph index: %w", err)
	}

	s.nodes = data.Nodes
	s.edges = data.Edges
	s.owners = data.Owners
	if s.nodes == nil {
		s.nodes = make(map[string]lineage.Node)
	}
	if s.edges == nil {
		s.edges = make(map[string]lineage.Edge)
	}
	if s.owners == nil {
		s.owners = make(map[string]map[string]bool)
	}

	return nil
}

// Persist writes the graph to persistent storage.
func (s *MemoryStore) Persist(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := fileutil.EnsureParentDir(s.indexPath); err != nil {
		return fmt.Errorf("failed to create graph index directory: %w", err)
	}

	// Write to a temp file first so a crash mid-encode never truncates the
	// existing index.
	tempPath := s.indexPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create graph index file: %w", err)
	}

	data := gobGraphData{Nodes: s.nodes, Edges: s.edges, Owners: s.owners}
	if err := gob.NewEncoder(file).Encode(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode graph index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close graph index file: %w", err)
	}

	return fileutil.ReplaceFileAtomically(tempPath, s.indexPath)
}

func (s *MemoryStore) Close() error {
	return s.Persist(context.Background())
}
