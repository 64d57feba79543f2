package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// LineFunc receives every line a child process writes to a stream.
type LineFunc func(ctx context.Context, line string)

// Runner is a thin wrapper around os/exec for a long running child which is
// fed through stdin and talks back over stdout and stderr.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path string
	Args []string
	Env  []string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Start runs the process. It ensures only a single instance is active and
// returns ErrInProgress otherwise. Does NOT wait on the command to finish,
// use WaitChan instead. The returned writer is the stdin of the child.
//
// stdout and stderr are called from two internal goroutines, the result is
// published only after both streams reached EOF.
func (r *Runner) Start(ctx context.Context, proto Command, stdout, stderr LineFunc) (io.WriteCloser, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return nil, ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(r.result.Path, r.result.Args...)
	cmd.Env = proto.Env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return nil, err
	}
	r.cmd = cmd

	var wg sync.WaitGroup
	wg.Go(func() { processLines(ctx, outPipe, stdout) })
	wg.Go(func() { processLines(ctx, errPipe, stderr) })
	go r.wait(cmd, &wg)
	return stdin, nil
}

func processLines(ctx context.Context, r io.Reader, fn LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if fn != nil {
			fn(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing child output", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, streams *sync.WaitGroup) {
	streams.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once the program ends. When nothing runs,
// the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Kill terminates the running process. It is a no-op if nothing runs.
func (r *Runner) Kill() error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	err := r.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Result returns the last command result, or a result with
// ErrNotStarted if nothing has been executed yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
