package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.Backend != "memory" {
		t.Errorf("unexpected default graph backend: %s", cfg.Graph.Backend)
	}
	if cfg.Vector.Backend != "memory" {
		t.Errorf("unexpected default vector backend: %s", cfg.Vector.Backend)
	}
	if cfg.Pool.Workers <= 0 {
		t.Error("default worker count must be positive")
	}
	if cfg.Batch.DebounceMs <= 0 {
		t.Error("default debounce must be positive")
	}
	if len(cfg.Plugins) == 0 {
		t.Error("default plugin list must not be empty")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.Project.ID = "warehouse"
	cfg.Vector.Backend = "qdrant"
	cfg.Vector.Qdrant.Host = "localhost"

	if err := cfg.Save(root); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Project.ID != "warehouse" {
		t.Errorf("project id lost: %s", loaded.Project.ID)
	}
	if loaded.Vector.Qdrant.Port != 6334 {
		t.Errorf("expected default qdrant port applied, got %d", loaded.Vector.Qdrant.Port)
	}
}

func TestApplyDefaultsOnPartialConfig(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(GetConfigDir(root), 0755); err != nil {
		t.Fatal(err)
	}

	// Minimal config file, as an older release would have written it.
	partial := "version: 1\nproject:\n  id: legacy\n"
	if err := os.WriteFile(filepath.Join(GetConfigDir(root), ConfigFileName), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.ID != "legacy" {
		t.Errorf("explicit value overridden: %s", cfg.Project.ID)
	}
	if cfg.Pool.MaxQueueSize <= 0 || cfg.Chunking.Size <= 0 {
		t.Error("defaults not applied to missing sections")
	}
	if cfg.Embedder.Provider != "hash" {
		t.Errorf("expected hash embedder default, got %s", cfg.Embedder.Provider)
	}
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	if Exists(root) {
		t.Error("Exists must be false before init")
	}
	if err := DefaultConfig().Save(root); err != nil {
		t.Fatal(err)
	}
	if !Exists(root) {
		t.Error("Exists must be true after save")
	}
}
