package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/graphline/graphline/ingest"
	"github.com/graphline/graphline/watcher"
)

var watchSkipInitial bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the graph and index in sync with file changes",
	Long: `Run an initial ingestion pass, then monitor the project for changes.

Filesystem events are deduplicated and debounced into batches; each batch is
ingested as its own run. Deleted files have their artifacts purged. Press
Ctrl+C to stop; in-flight files complete before shutdown.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchSkipInitial, "skip-initial", false, "Skip the initial full ingestion pass")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	if !watchSkipInitial {
		paths, err := svc.scanPaths()
		if err != nil {
			return err
		}
		if len(paths) > 0 {
			fmt.Printf("Initial ingestion of %d files...\n", len(paths))
			rec, err := svc.pipeline.Run(ctx, paths, ingest.PriorityBatch)
			if err != nil {
				return err
			}
			fmt.Printf("Initial run %s: %s\n", rec.RunID, rec.Status)
		}
	}

	batcher := ingest.NewBatcher(
		time.Duration(svc.cfg.Batch.DebounceMs)*time.Millisecond,
		svc.cfg.Batch.SizeThreshold,
		func(paths []string) {
			rec, err := svc.pipeline.Run(ctx, paths, ingest.PriorityNormal)
			if err != nil {
				log.Printf("batch ingestion failed: %v", err)
				return
			}
			log.Printf("run %s: %s (%d files)", rec.RunID, rec.Status, len(paths))
		},
	)
	defer batcher.Shutdown()

	var exts []string
	for ext := range svc.ingestibleExtensions() {
		exts = append(exts, strings.ToLower(ext))
	}
	w, err := watcher.NewWatcher(svc.root, svc.ignore, exts)
	if err != nil {
		return fmt.Errorf("failed to initialize watcher: %w", err)
	}
	defer w.Close()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	fmt.Println("\nWatching for changes... (Press Ctrl+C to stop)")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case event, ok := <-w.Events():
				if !ok {
					return nil
				}
				log.Printf("%s %s", event.Type, event.Path)
				batcher.AddEvent(event.Path)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("\nShutting down...")
	stats := batcher.Stats()
	log.Printf("batcher: %d events, %d deduplicated, %d batches",
		stats.EventsReceived, stats.EventsDeduplicated, stats.BatchesProcessed)
	return nil
}
