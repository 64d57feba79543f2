package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CZERTAINLY/acqman/internal/model"
)

// RunDictionaryExt is the extension of queued run dictionaries.
const RunDictionaryExt = ".rd"

// RunQueue hands out the run dictionaries dropped into the pending folder,
// oldest first. A handed out file is moved to the started folder.
//
// The index of pending files is kept up to date by fsnotify, a request
// arriving while the queue is empty is answered as soon as a file appears.
type RunQueue struct {
	pending string
	started string

	watcher  *fsnotify.Watcher
	requests chan struct{}
	jobs     chan Job

	index map[string]time.Time
}

func NewRunQueue(cfg model.Config) (*RunQueue, error) {
	q := &RunQueue{
		pending:  cfg.PendingDir(),
		started:  cfg.StartedDir(),
		requests: make(chan struct{}, 1),
		jobs:     make(chan Job),
		index:    make(map[string]time.Time),
	}
	for _, dir := range []string{q.pending, q.started} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating run queue: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watching run queue: %w", err)
	}
	if err := w.Add(q.pending); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", q.pending, err)
	}
	q.watcher = w
	return q, nil
}

// Request asks for the next job. Requests do not pile up.
func (q *RunQueue) Request() {
	select {
	case q.requests <- struct{}{}:
	default:
	}
}

func (q *RunQueue) Jobs() <-chan Job {
	return q.jobs
}

// Run serves requests until ctx is done. A job taken but not delivered
// when ctx ends is put back to pending.
func (q *RunQueue) Run(ctx context.Context) error {
	defer func() {
		if err := q.watcher.Close(); err != nil {
			slog.WarnContext(ctx, "closing run queue watcher", "error", err)
		}
	}()
	q.scan(ctx)

	var (
		wanted bool
		next   *Job
	)
	for {
		if wanted && next == nil {
			next = q.take(ctx)
		}
		var out chan<- Job
		var job Job
		if next != nil {
			out, job = q.jobs, *next
		}

		select {
		case <-ctx.Done():
			if next != nil {
				q.putBack(ctx, *next)
			}
			return nil
		case <-q.requests:
			wanted = true
		case out <- job:
			slog.InfoContext(ctx, "run dictionary handed out", "path", job.RunDictionary, "acquisition", job.Acquisition)
			next, wanted = nil, false
		case event, ok := <-q.watcher.Events:
			if !ok {
				return nil
			}
			q.handleEvent(event)
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "run queue watcher", "error", err)
			q.scan(ctx)
		}
	}
}

func (q *RunQueue) scan(ctx context.Context) {
	entries, err := os.ReadDir(q.pending)
	if err != nil {
		slog.ErrorContext(ctx, "reading run queue", "path", q.pending, "error", err)
		return
	}
	clear(q.index)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), RunDictionaryExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		q.index[filepath.Join(q.pending, e.Name())] = info.ModTime()
	}
}

func (q *RunQueue) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, RunDictionaryExt) {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(q.index, event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			delete(q.index, event.Name)
			return
		}
		q.index[event.Name] = info.ModTime()
	}
}

// oldest returns the pending files, oldest first.
func (q *RunQueue) oldest() []string {
	paths := make([]string, 0, len(q.index))
	for p := range q.index {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, func(a, b string) int {
		if c := q.index[a].Compare(q.index[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return paths
}

// take moves the oldest valid run dictionary to started. A file which does
// not parse stays in pending, it may still be written to. It is offered again
// after the next write event.
func (q *RunQueue) take(ctx context.Context) *Job {
	for _, path := range q.oldest() {
		delete(q.index, path)
		job, err := JobFromRunDictionary(path)
		if err != nil {
			slog.WarnContext(ctx, "run dictionary not ready", "path", path, "error", err)
			continue
		}
		dest := filepath.Join(q.started, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			slog.WarnContext(ctx, "moving run dictionary", "path", path, "error", err)
			continue
		}
		job.RunDictionary = dest
		return &job
	}
	return nil
}

func (q *RunQueue) putBack(ctx context.Context, job Job) {
	dest := filepath.Join(q.pending, filepath.Base(job.RunDictionary))
	if err := os.Rename(job.RunDictionary, dest); err != nil {
		slog.WarnContext(ctx, "returning run dictionary", "path", job.RunDictionary, "error", err)
	}
}
