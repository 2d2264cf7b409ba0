package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the final verdict of one ingestion run.
type RunStatus string

const (
	// RunFailed: at least one purge or write failed. The stores may be
	// missing that file's artifacts.
	RunFailed RunStatus = "failed"
	// RunCompletedWithWarnings: deterministic stages all succeeded but
	// validation found gaps or enrichment was skipped.
	RunCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunCompleted             RunStatus = "completed"
)

// RunMeta travels with every file task of a run and stamps edges and vector
// payloads with provenance.
type RunMeta struct {
	RunID        string
	ProjectID    string
	RepositoryID string
	IngestionID  string
}

// StageOutcome is the telemetry of one stage of one file.
type StageOutcome struct {
	Stage      string `json:"stage"`
	FilePath   string `json:"file_path"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// RunRecord tracks one ingestion run from start to finish. Safe for
// concurrent mutation by file tasks.
type RunRecord struct {
	RunID        string         `json:"run_id"`
	ProjectID    string         `json:"project_id"`
	RepositoryID string         `json:"repository_id,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	Status       RunStatus      `json:"status,omitempty"`
	Stages       []StageOutcome `json:"stages,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`

	EnrichmentSkipped bool `json:"enrichment_skipped,omitempty"`
	ValidationGaps    int  `json:"validation_gaps,omitempty"`
	FilesFailed       int  `json:"files_failed,omitempty"`
	FilesSkipped      int  `json:"files_skipped,omitempty"`

	mu sync.Mutex
}

func NewRunRecord(projectID, repositoryID string) *RunRecord {
	return &RunRecord{
		RunID:        uuid.NewString(),
		ProjectID:    projectID,
		RepositoryID: repositoryID,
		StartedAt:    time.Now().UTC(),
	}
}

// RecordStage appends stage telemetry. Fatal marks purge/write failures that
// force the whole run into failed.
func (r *RunRecord) RecordStage(stage, path string, took time.Duration, err error, fatal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := StageOutcome{
		Stage:      stage,
		FilePath:   path,
		DurationMs: took.Milliseconds(),
	}
	if err != nil {
		outcome.Error = err.Error()
		if fatal {
			r.FilesFailed++
		}
	}
	r.Stages = append(r.Stages, outcome)
}

// RecordSkip notes a stage that did not run, e.g. enrichment without a
// reachable collaborator.
func (r *RunRecord) RecordSkip(stage, path, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageOutcome{Stage: stage, FilePath: path, Skipped: true, Error: reason})
	if stage == "enrich" {
		r.EnrichmentSkipped = true
	}
}

// RecordDropped notes a file that never reached the stores: a rejected
// submit or an unreadable source. The stores are untouched for that file, so
// this warns rather than fails the run.
func (r *RunRecord) RecordDropped(stage, path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageOutcome{Stage: stage, FilePath: path, Skipped: true, Error: err.Error()})
	r.FilesSkipped++
}

// RecordValidationGap bumps the warning counter for an incomplete validation.
func (r *RunRecord) RecordValidationGap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ValidationGaps++
}

// AddArtifact registers a produced artifact path.
func (r *RunRecord) AddArtifact(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Artifacts = append(r.Artifacts, path)
}

// Finish stamps the completion time and derives the final status: failures
// dominate, then warnings, then clean completion.
func (r *RunRecord) Finish() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.CompletedAt = time.Now().UTC()
	switch {
	case r.FilesFailed > 0:
		r.Status = RunFailed
	case r.ValidationGaps > 0 || r.EnrichmentSkipped || r.FilesSkipped > 0:
		r.Status = RunCompletedWithWarnings
	default:
		r.Status = RunCompleted
	}
	return r.Status
}

// RunIndexEntry is one line of runs/index.json.
type RunIndexEntry struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Artifacts   []string  `json:"artifacts,omitempty"`
}

// RunStore persists run records, the run index and per-run chunk artifacts
// under a runs directory.
type RunStore struct {
	dir string
	mu  sync.Mutex
}

func NewRunStore(dir string) *RunStore {
	return &RunStore{dir: dir}
}

// RunDir returns (and creates) the artifact directory of a run.
func (s *RunStore) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// Save writes the run record and appends it to the index.
func (s *RunStore) Save(rec *RunRecord) error {
	dir, err := s.RunDir(rec.RunID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	data, err := json.MarshalIndent(rec, "", "  ")
	rec.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return s.appendIndex(RunIndexEntry{
		RunID:       rec.RunID,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Artifacts:   rec.Artifacts,
	})
}

func (s *RunStore) appendIndex(entry RunIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexPath := filepath.Join(s.dir, "index.json")

	var entries []RunIndexEntry
	if data, err := os.ReadFile(indexPath); err == nil {
		// A corrupt index starts over rather than blocking runs.
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run index: %w", err)
	}
	if err := os.WriteFile(indexPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write run index: %w", err)
	}
	return nil
}

// Index loads the run index, newest last.
func (s *RunStore) Index() ([]RunIndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "index.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse run index: %w", err)
	}
	return entries, nil
}

// SaveChunks writes the chunk artifact of one file, keyed by source stem.
func (s *RunStore) SaveChunks(runID string, chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", nil
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}

	stem := filepath.Base(chunks[0].SourceStem)
	path := filepath.Join(dir, fmt.Sprintf("chunks_%s.json", stem))
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal chunks: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write chunk artifact: %w", err)
	}
	return path, nil
}
