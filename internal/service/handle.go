package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"
)

var ErrNoRunDictionary = errors.New("run dictionary not found")

// Job is one unit of work handed out by the run queue.
type Job struct {
	Acquisition   string
	RunDictionary string
	// Quenches is the quench file named by the run dictionary, archived with
	// the results.
	Quenches string
}

// JobFromRunDictionary reads the acquisition name from the run dictionary at
// path.
func JobFromRunDictionary(path string) (Job, error) {
	rd, err := rundict.Load(path)
	if err != nil {
		return Job{}, err
	}
	name := rd.Value(rundict.KeyAcquisition)
	if name == "" {
		return Job{}, fmt.Errorf("%s: %w: %s", path, rundict.ErrMissingKey, rundict.KeyAcquisition)
	}
	return Job{
		Acquisition:   name,
		RunDictionary: path,
		Quenches:      rd.Value(rundict.KeyQuenches),
	}, nil
}

// Handle is the supervisor side of one worker. At most one worker runs
// under a Handle, a new worker always gets a new Handle.
type Handle struct {
	ID  uuid.UUID
	Job Job

	// Commands goes to the worker.
	Commands queue.Sender
	// Status and Errors come from the worker.
	Status *queue.Queue
	Errors *queue.Queue

	mx     sync.Mutex
	folder string

	done      chan struct{}
	err       error
	terminate func() error
	release   func()
}

func newHandle(job Job, commands queue.Sender, terminate func() error) *Handle {
	return &Handle{
		ID:        uuid.New(),
		Job:       job,
		Commands:  commands,
		Status:    queue.New(),
		Errors:    queue.New(),
		done:      make(chan struct{}),
		terminate: terminate,
	}
}

// exited is called once by the spawner when the worker is gone.
func (h *Handle) exited(err error) {
	h.err = err
	close(h.done)
}

// Folder returns the output folder reported during the handshake.
func (h *Handle) Folder() string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.folder
}

func (h *Handle) setFolder(folder string) {
	h.mx.Lock()
	h.folder = folder
	h.mx.Unlock()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for the worker to exit and reports whether it
// did.
func (h *Handle) Join(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Wait blocks until the worker exits and returns its exit error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.close()
		return h.err
	}
}

// Terminate kills the worker without waiting for it.
func (h *Handle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	return h.terminate()
}

// close releases the resources held for the worker once it is gone.
func (h *Handle) close() {
	h.mx.Lock()
	release := h.release
	h.release = nil
	h.mx.Unlock()
	if release != nil {
		release()
	}
}
