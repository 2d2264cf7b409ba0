package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/graphline/graphline/config"
	"github.com/graphline/graphline/embedder"
	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/ingest"
	"github.com/graphline/graphline/internal/fileutil"
	"github.com/graphline/graphline/plugin"
	"github.com/graphline/graphline/predict"
	"github.com/graphline/graphline/vector"
	"github.com/graphline/graphline/watcher"
)

// services holds every explicitly constructed component of one project. The
// pipeline never builds its own dependencies; this is the only place wiring
// happens.
type services struct {
	root     string
	cfg      *config.Config
	graph    graph.Store
	vectors  vector.Store
	registry *plugin.Registry
	ignore   *watcher.IgnoreMatcher
	pool     *ingest.Pool
	runs     *ingest.RunStore
	pipeline *ingest.Pipeline
	lock     *fileutil.ProjectLock
}

// buildServices loads the project config and constructs the full pipeline.
// The project lock is held until Close: run and watch are writers and must
// not overlap.
func buildServices(ctx context.Context) (*services, error) {
	root, err := config.FindProjectRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lock, err := fileutil.AcquireProjectLock(filepath.Join(config.GetConfigDir(root), "lock"))
	if err != nil {
		return nil, fmt.Errorf("project is busy (another run or watch?): %w", err)
	}

	s := &services{root: root, cfg: cfg, lock: lock}
	if err := s.build(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *services) build(ctx context.Context) error {
	cfg := s.cfg

	var err error
	s.graph, err = openGraphStore(cfg, s.root)
	if err != nil {
		return err
	}
	s.vectors, err = openVectorStore(ctx, cfg, s.root)
	if err != nil {
		return err
	}

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build embedder: %w", err)
	}

	s.registry, err = plugin.NewRegistryFromNames(cfg.Plugins)
	if err != nil {
		return fmt.Errorf("failed to build plugin registry: %w", err)
	}

	s.ignore, err = watcher.NewIgnoreMatcher(s.root, cfg.Ignore)
	if err != nil {
		return fmt.Errorf("failed to build ignore matcher: %w", err)
	}

	s.pool = ingest.NewPool(ingest.PoolConfig{
		Workers:              cfg.Pool.Workers,
		MaxQueueSize:         cfg.Pool.MaxQueueSize,
		MemoryThresholdBytes: uint64(cfg.Pool.MemoryThresholdMB) << 20,
	})
	s.runs = ingest.NewRunStore(config.GetRunsDir(s.root))

	var enricher *ingest.Enricher
	if cfg.Enrichment.Enabled {
		predictor := predict.NewOpenAIPredictor(predict.OpenAIPredictorConfig{
			Model:    cfg.Enrichment.Model,
			Endpoint: cfg.Enrichment.Endpoint,
			APIKey:   cfg.Enrichment.APIKey,
			Timeout:  time.Duration(cfg.Enrichment.TimeoutSeconds) * time.Second,
		})
		enricher = ingest.NewEnricher(s.graph, predictor, cfg.Enrichment.MaxContextNodes)
	}

	s.pipeline = ingest.NewPipeline(ingest.PipelineConfig{
		ProjectID:    cfg.Project.ID,
		RepositoryID: cfg.Project.RepositoryID,
		Registry:     s.registry,
		Chunker:      ingest.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap),
		Writer:       ingest.NewWriter(s.graph, s.vectors, emb, cfg.Vector.Collection),
		Validator:    ingest.NewValidator(s.graph),
		Enricher:     enricher,
		Snapshotter:  ingest.NewSnapshotter(s.graph, s.runs),
		RunStore:     s.runs,
		Supplier:     ingest.FSSupplier{Root: s.root},
		Pool:         s.pool,
	})
	return nil
}

// Close shuts the pool down, persists both stores and releases the lock.
func (s *services) Close(ctx context.Context) {
	if s.pool != nil {
		s.pool.Shutdown(true, 30*time.Second)
	}
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			log.Printf("failed to close vector store: %v", err)
		}
	}
	if s.graph != nil {
		if err := s.graph.Close(); err != nil {
			log.Printf("failed to close graph store: %v", err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			log.Printf("failed to release project lock: %v", err)
		}
	}
}

func openGraphStore(cfg *config.Config, projectRoot string) (graph.Store, error) {
	switch cfg.Graph.Backend {
	case "memory", "":
		st := graph.NewMemoryStore(config.GetGraphIndexPath(projectRoot))
		if err := st.Load(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load graph index: %w", err)
		}
		return st, nil
	case "sqlite":
		path := cfg.Graph.Path
		if path == "" {
			path = config.GetGraphSQLitePath(projectRoot)
		}
		return graph.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown graph backend: %s", cfg.Graph.Backend)
	}
}

func openVectorStore(ctx context.Context, cfg *config.Config, projectRoot string) (vector.Store, error) {
	switch cfg.Vector.Backend {
	case "memory", "":
		st := vector.NewMemoryStore(config.GetVectorIndexPath(projectRoot))
		if err := st.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load vector index: %w", err)
		}
		return st, nil
	case "qdrant":
		q := cfg.Vector.Qdrant
		return vector.NewQdrantStore(ctx, q.Host, q.Port, q.UseTLS, q.APIKey, cfg.Embedder.Dimensions)
	case "postgres":
		return vector.NewPostgresStore(ctx, cfg.Vector.Postgres.DSN, cfg.Embedder.Dimensions)
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.Vector.Backend)
	}
}

// ingestibleExtensions collects every extension a registered plugin claims.
// Full scans stick to these; anything else still ingests when named
// explicitly, via the fallback.
func (s *services) ingestibleExtensions() map[string]bool {
	exts := make(map[string]bool)
	for _, p := range s.registry.Plugins() {
		for _, ext := range p.Extensions() {
			exts[strings.ToLower(ext)] = true
		}
	}
	return exts
}

// scanPaths walks the project and returns the relative paths a full run
// ingests.
func (s *services) scanPaths() ([]string, error) {
	exts := s.ingestibleExtensions()

	var paths []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(filepath.Base(rel), ".") || s.ignore.ShouldSkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(filepath.Base(rel), ".") || s.ignore.ShouldIgnore(rel) {
			return nil
		}
		if !exts[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return paths, nil
}
