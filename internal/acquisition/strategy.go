// Package acquisition implements the lifecycle shared by every acquisition
// worker process.
//
// A worker talks to the manager over three channels: commands in, status
// out and errors out. The lifecycle has three stages:
//
//   - handshake: receive the run dictionary location, load it, acknowledge
//     with "manager:received rd", create the output folder and report it as
//     "manager:<absolute path>".
//   - control loop: a watcher goroutine moves commands into an internal queue,
//     the loop handles pause/resume/progress/quit acq and calls the Strategy
//     Acquire method once per iteration while active.
//   - shutdown: exactly one of "manager:done" or "manager:err", the Strategy
//     ShutDown hook, a bounded join of the watcher and "manager:shut down".
//
// The domain specific part is a Strategy. The Worker owns every protocol
// message and state transition, a Strategy only does the hardware work.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"
)

var (
	// ErrInterrupted is the cause of a forced stop ("quit acq now").
	ErrInterrupted = errors.New("shutdown requested by user")
	ErrHandshake   = errors.New("startup handshake failed")
)

// State of the control loop.
type State int

const (
	Active State = iota
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Strategy is implemented by every acquisition.
//
// Initialize runs once before the loop and should set the initial progress.
// Acquire performs one unit of work, updates the progress and calls
// Session.Complete after the last one. Pause, Resume and ShutDown release
// or re-acquire hardware. All methods must return promptly once ctx is done.
type Strategy interface {
	Initialize(ctx context.Context, s *Session) error
	Acquire(ctx context.Context, s *Session) error
	Pause(ctx context.Context, s *Session) error
	Resume(ctx context.Context, s *Session) error
	ShutDown(ctx context.Context, s *Session) error
}

// Base provides no-op hooks, embed it and override what is needed.
type Base struct{}

func (Base) Initialize(_ context.Context, s *Session) error {
	s.SetProgress("Initializing")
	return nil
}

func (Base) Pause(context.Context, *Session) error    { return nil }
func (Base) Resume(context.Context, *Session) error   { return nil }
func (Base) ShutDown(context.Context, *Session) error { return nil }

// Session is the view of the running worker handed to a Strategy.
type Session struct {
	RunDictionary rundict.Dictionary
	Folder        string
	BinaryFolder  string

	out  queue.Sender
	errs queue.Sender

	mx       sync.Mutex
	progress string
	complete bool
}

// NewSession is used by tests of strategies, workers build their own.
func NewSession(rd rundict.Dictionary, folder string, out, errs queue.Sender) *Session {
	return &Session{
		RunDictionary: rd,
		Folder:        folder,
		out:           out,
		errs:          errs,
	}
}

// Printf sends a status line to the manager.
func (s *Session) Printf(format string, args ...any) {
	s.out.Put(fmt.Sprintf(format, args...))
}

// Errorf sends a line on the error channel.
func (s *Session) Errorf(format string, args ...any) {
	s.errs.Put(fmt.Sprintf(format, args...))
}

func (s *Session) SetProgress(p string) {
	s.mx.Lock()
	s.progress = p
	s.mx.Unlock()
}

func (s *Session) Progress() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.progress
}

// Complete ends the control loop after the current Acquire call.
func (s *Session) Complete() {
	s.mx.Lock()
	s.complete = true
	s.mx.Unlock()
}

func (s *Session) Completed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.complete
}

// protect converts a panic of fn into an error carrying the stack trace.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
