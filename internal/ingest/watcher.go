package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/fusion"
)

// settleDelay gives upstream exporters time to finish writing before a
// spool file is picked up.
const settleDelay = 500 * time.Millisecond

// Watcher tails a spool directory for *.jsonl batch files. Each file is
// resolved once and renamed with a .done suffix (or .err when the file
// itself could not be read); re-dropping a file re-processes it, and
// resolution is idempotent so replays are harmless.
type Watcher struct {
	resolver *fusion.Resolver
	dir      string

	// OnBatch, when set, observes each processed batch. Used by the CLI to
	// print progress and by tests to synchronize.
	OnBatch func(path string, res *Result, err error)
}

// NewWatcher creates a spool watcher over dir.
func NewWatcher(resolver *fusion.Resolver, dir string) *Watcher {
	return &Watcher{resolver: resolver, dir: dir}
}

// Run processes any batch files already in the spool, then watches for new
// ones until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	// Drain what's already there before watching
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isSpoolFile(e.Name()) {
			w.process(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			time.Sleep(settleDelay)
			w.process(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			debug.Logf("ingest: watch error: %v\n", err)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	res, err := File(ctx, w.resolver, path)
	if err != nil {
		debug.Logf("ingest: process %s: %v\n", path, err)
		if renameErr := os.Rename(path, path+".err"); renameErr != nil {
			debug.Logf("ingest: mark %s failed: %v\n", path, renameErr)
		}
	} else {
		debug.Logf("ingest: %s: %d records, %d created, %d attached, %d failed\n",
			filepath.Base(path), res.Total, res.Created, res.Attached, res.Failed)
		if renameErr := os.Rename(path, path+".done"); renameErr != nil {
			debug.Logf("ingest: mark %s done: %v\n", path, renameErr)
		}
	}
	if w.OnBatch != nil {
		w.OnBatch(path, res, err)
	}
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}
