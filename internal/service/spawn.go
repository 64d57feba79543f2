package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/log"
	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"
)

// Spawner starts a worker for a job. The returned Handle is alive until the
// worker exits.
type Spawner interface {
	Spawn(ctx context.Context, job Job) (*Handle, error)
}

// ExecSpawner runs every worker as a child process of the same binary,
// "<Path> <Args...> <acquisition>". The child speaks the queue wire format
// on its stdio.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

// NewExecSpawner re-executes the running binary with the hidden _acquire
// command.
func NewExecSpawner(configPath string) (ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return ExecSpawner{}, fmt.Errorf("resolving executable: %w", err)
	}
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args, "_acquire")
	return ExecSpawner{
		Path: exe,
		Args: args,
		Env:  os.Environ(),
	}, nil
}

func (s ExecSpawner) Spawn(ctx context.Context, job Job) (*Handle, error) {
	runner := NewRunner()
	h := newHandle(job, nil, runner.Kill)
	ctx = log.ContextAttrs(ctx,
		slog.String("worker.id", h.ID.String()),
		slog.String("worker.acquisition", job.Acquisition),
	)

	cmd := Command{
		Path: s.Path,
		Args: append(append([]string(nil), s.Args...), job.Acquisition),
		Env:  s.Env,
	}
	stdin, err := runner.Start(ctx, cmd,
		func(_ context.Context, line string) { h.Status.Put(queue.Decode(line)) },
		func(_ context.Context, line string) { h.Errors.Put(queue.Decode(line)) },
	)
	if err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", job.Acquisition, err)
	}
	h.Commands = queue.NewEncoder(stdin)
	h.release = func() { _ = stdin.Close() }

	go func() {
		res := <-runner.WaitChan()
		slog.DebugContext(ctx, "worker exited", "error", res.Err, "duration", res.Stopped.Sub(res.Started))
		h.exited(res.Err)
	}()
	slog.InfoContext(ctx, "worker started", "pid", pid(runner))
	return h, nil
}

func pid(r *Runner) int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

var errTerminated = errors.New("worker terminated")

// InProcessSpawner runs workers as goroutines of the supervisor. It serves
// tests and setups without a separate binary. Terminate can only cancel the
// worker context, a strategy ignoring it cannot be killed.
type InProcessSpawner struct {
	Registry *acquisition.Registry
	Config   model.Config
}

func (s InProcessSpawner) Spawn(ctx context.Context, job Job) (*Handle, error) {
	strategy, err := s.Registry.New(job.Acquisition)
	if err != nil {
		return nil, err
	}
	in := queue.New()
	h := newHandle(job, in, nil)
	ctx = log.ContextAttrs(ctx,
		slog.String("worker.id", h.ID.String()),
		slog.String("worker.acquisition", job.Acquisition),
	)

	outJ, errJ, closeJournals := OpenJournals(s.Config, job.Acquisition)
	var out, errs queue.Sender = h.Status, h.Errors
	if outJ != nil {
		out = queue.NewJournal(out, outJ)
	}
	if errJ != nil {
		errs = queue.NewJournal(errs, errJ)
	}

	wctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h.terminate = func() error {
		cancel(errTerminated)
		return nil
	}

	worker := acquisition.NewWorker(strategy, s.Config.Worker, rundict.Folders{
		Data:   s.Config.Paths.Data,
		Binary: s.Config.Paths.Binary,
	})
	go func() {
		err := worker.Run(wctx, in, out, errs)
		cancel(nil)
		closeJournals()
		slog.DebugContext(ctx, "worker exited", "error", err)
		h.exited(err)
	}()
	slog.InfoContext(ctx, "worker started in process")
	return h, nil
}

// OpenJournals truncates and opens the status and error journals of
// acquisition. A journal which cannot be opened is logged and returned as
// nil.
func OpenJournals(cfg model.Config, acquisition string) (io.Writer, io.Writer, func()) {
	outPath, errPath := cfg.Journals(acquisition)
	var closers []io.Closer
	open := func(path string) io.Writer {
		if cfg.Paths.RunQueue == "" {
			return nil
		}
		f, err := os.Create(path)
		if err != nil {
			slog.Warn("opening journal failed", "path", path, "error", err)
			return nil
		}
		closers = append(closers, f)
		return f
	}
	out := open(outPath)
	errs := open(errPath)
	return out, errs, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
}
