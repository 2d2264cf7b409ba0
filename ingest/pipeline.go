package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphline/graphline/graph"
	"github.com/graphline/graphline/plugin"
)

// Supplier hands the pipeline file content by path. The pipeline never reads
// the filesystem directly; batch runs and watch mode plug in the same way.
type Supplier interface {
	// Load returns the current content of path. os.ErrNotExist means the
	// file is gone and only its artifacts must be purged.
	Load(path string) (string, error)
}

// FSSupplier reads files relative to a root directory.
type FSSupplier struct {
	Root string
}

func (s FSSupplier) Load(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	ProjectID    string
	RepositoryID string

	Registry    *plugin.Registry
	Chunker     *Chunker
	Writer      *Writer
	Validator   *Validator
	Enricher    *Enricher // nil disables enrichment
	Snapshotter *Snapshotter
	RunStore    *RunStore
	Supplier    Supplier
	Pool        *Pool
}

// Pipeline orchestrates per-file ingestion: parse, purge, write, validate,
// enrich. Work for the same path is serialized; distinct paths run fully
// concurrent on the pool.
type Pipeline struct {
	cfg PipelineConfig

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// Run ingests the given paths as one run: pre snapshot, concurrent per-file
// processing, post snapshot, run record persisted and returned.
func (p *Pipeline) Run(ctx context.Context, paths []string, priority Priority) (*RunRecord, error) {
	rec := NewRunRecord(p.cfg.ProjectID, p.cfg.RepositoryID)
	log.Printf("run %s: ingesting %d files", rec.RunID, len(paths))

	if path, err := p.cfg.Snapshotter.Snapshot(ctx, rec.RunID, p.cfg.ProjectID, "pre", graph.Filter{}); err != nil {
		log.Printf("run %s: pre snapshot failed: %v", rec.RunID, err)
	} else {
		rec.AddArtifact(path)
	}

	var wg sync.WaitGroup
	for _, path := range paths {
		path := path
		wg.Add(1)
		err := p.cfg.Pool.Submit(path, priority, func(taskCtx context.Context) error {
			defer wg.Done()
			return p.ProcessFile(taskCtx, path, rec)
		})
		if err != nil {
			wg.Done()
			rec.RecordDropped("submit", path, err)
			log.Printf("run %s: submit rejected for %s: %v", rec.RunID, path, err)
		}
	}
	wg.Wait()

	if path, err := p.cfg.Snapshotter.Snapshot(ctx, rec.RunID, p.cfg.ProjectID, "post", graph.Filter{}); err != nil {
		log.Printf("run %s: post snapshot failed: %v", rec.RunID, err)
	} else {
		rec.AddArtifact(path)
	}

	status := rec.Finish()
	if err := p.cfg.RunStore.Save(rec); err != nil {
		return rec, fmt.Errorf("failed to persist run record: %w", err)
	}
	log.Printf("run %s: %s (%d stages, %d gaps)", rec.RunID, status, len(rec.Stages), rec.ValidationGaps)
	return rec, nil
}

// ProcessFile runs the full per-file routine. Exported so watch mode can
// drive single files through an open-ended run record.
func (p *Pipeline) ProcessFile(ctx context.Context, path string, rec *RunRecord) error {
	unlock := p.lockPath(path)
	defer unlock()

	meta := RunMeta{
		RunID:        rec.RunID,
		ProjectID:    p.cfg.ProjectID,
		RepositoryID: p.cfg.RepositoryID,
		IngestionID:  uuid.NewString(),
	}

	content, err := p.cfg.Supplier.Load(path)
	if os.IsNotExist(err) {
		// Deleted file: purge is the whole job.
		start := time.Now()
		purgeErr := p.cfg.Writer.Purge(ctx, path)
		rec.RecordStage("purge", path, time.Since(start), purgeErr, purgeErr != nil)
		return purgeErr
	}
	if err != nil {
		loadErr := fmt.Errorf("failed to load %s: %w", path, err)
		rec.RecordDropped("load", path, loadErr)
		return loadErr
	}

	result := p.cfg.Registry.Parse(content, plugin.Context{
		ProjectID: p.cfg.ProjectID,
		FilePath:  path,
	})
	NewExtractor(p.cfg.ProjectID).Finalize(result, path, meta)
	chunks := p.cfg.Chunker.Chunk(path, content)

	start := time.Now()
	if err := p.cfg.Writer.Purge(ctx, path); err != nil {
		rec.RecordStage("purge", path, time.Since(start), err, true)
		return err
	}
	rec.RecordStage("purge", path, time.Since(start), nil, false)

	start = time.Now()
	if err := p.cfg.Writer.Write(ctx, result, chunks, meta); err != nil {
		rec.RecordStage("write", path, time.Since(start), err, true)
		return err
	}
	rec.RecordStage("write", path, time.Since(start), nil, false)

	if artifact, err := p.cfg.RunStore.SaveChunks(rec.RunID, chunks); err != nil {
		log.Printf("failed to write chunk artifact for %s: %v", path, err)
	} else if artifact != "" {
		rec.AddArtifact(artifact)
	}

	start = time.Now()
	report := p.cfg.Validator.Validate(ctx, result, path)
	rec.RecordStage("validate", path, time.Since(start), nil, false)
	if !report.OK {
		rec.RecordValidationGap()
	}
	if artifact, err := p.saveReport(rec.RunID, report); err != nil {
		log.Printf("failed to write validation report for %s: %v", path, err)
	} else {
		rec.AddArtifact(artifact)
	}

	if p.cfg.Enricher != nil {
		start = time.Now()
		accepted, err := p.cfg.Enricher.Enrich(ctx, path, meta)
		if err != nil {
			rec.RecordSkip("enrich", path, err.Error())
		} else {
			rec.RecordStage("enrich", path, time.Since(start), nil, false)
			if accepted > 0 {
				log.Printf("enrichment accepted %d proposals for %s", accepted, path)
			}
		}
	}

	return nil
}

func (p *Pipeline) saveReport(runID string, report *ValidationReport) (string, error) {
	dir, err := p.cfg.RunStore.RunDir(runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("validation_%s.json", sanitizeFileName(report.FilePath))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeFileName(path string) string {
	out := make([]rune, 0, len(path))
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// lockPath serializes processing per path.
func (p *Pipeline) lockPath(path string) func() {
	p.mu.Lock()
	l, ok := p.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		p.pathLocks[path] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
