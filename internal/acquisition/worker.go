package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"
)

// FolderMaker creates the output folders of a run, see rundict.Folders.
type FolderMaker interface {
	Make(name, addon string, binary bool) (rundict.Output, error)
}

// Worker runs a Strategy under the manager protocol.
type Worker struct {
	strategy Strategy
	cfg      model.Worker
	folders  FolderMaker
}

func NewWorker(strategy Strategy, cfg model.Worker, folders FolderMaker) *Worker {
	return &Worker{
		strategy: strategy,
		cfg:      cfg,
		folders:  folders,
	}
}

// Run performs the handshake and the control loop. It returns an error
// wrapping ErrHandshake when the loop was never entered, ErrInterrupted or
// the acquisition error for the err exit, and nil after a normal completion.
func (w *Worker) Run(ctx context.Context, in queue.Receiver, out, errs queue.Sender) error {
	sess, err := w.handshake(ctx, in, out, errs)
	if err != nil {
		slog.DebugContext(ctx, "handshake failed", "error", err)
		return err
	}
	return w.main(ctx, sess, in, out, errs)
}

func (w *Worker) handshake(ctx context.Context, in queue.Receiver, out, errs queue.Sender) (*Session, error) {
	var sess *Session
	err := protect(func() error {
		out.Put("Checking for run dictionary.")
		location, err := in.Get(ctx)
		if err != nil {
			return fmt.Errorf("waiting for run dictionary: %w", err)
		}
		out.Put("Received: " + location)

		if _, err := os.Stat(location); err != nil {
			errs.Put("Could not find run dictionary.")
			out.Put("Could not find run dictionary.")
			return err
		}
		out.Put("Path found.")

		rd, err := rundict.Load(location)
		if err != nil {
			if errors.Is(err, rundict.ErrFormat) {
				errs.Put("Run dictionary does not have proper format.")
				out.Put("Run dictionary does not have proper format.")
			}
			return err
		}
		out.Put("File opened.")
		out.Put(protocol.Manager(protocol.ReceivedRD))

		out.Put("Checking for acquisition name and addon...")
		missing := rd.Missing(rundict.MandatoryKeys...)
		for _, key := range missing {
			msg := "Could not obtain " + strings.ToLower(key) + " from run dictionary."
			errs.Put(msg)
			out.Put(msg)
		}
		if len(missing) > 0 && w.cfg.StrictRunDictionary {
			return fmt.Errorf("%w: %s", rundict.ErrMissingKey, strings.Join(missing, ", "))
		}
		name := rd.Value(rundict.KeyExperimentName)
		addon := rd.Value(rundict.KeyExperimentNameAddon)
		out.Put(name + " - " + addon)

		folders, err := w.folders.Make(name, addon, rd.Bool(rundict.KeyBinaryTraces))
		if err != nil {
			return err
		}
		out.Put("Made the output folder.")
		out.Put(protocol.Manager(folders.Folder))

		sess = &Session{
			RunDictionary: rd,
			Folder:        folders.Folder,
			BinaryFolder:  folders.Binary,
			out:           out,
			errs:          errs,
		}
		return nil
	})
	if err != nil {
		errs.Put(err.Error())
		errs.Put("Shutting down.")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return sess, nil
}

func (w *Worker) main(ctx context.Context, sess *Session, in queue.Receiver, out, errs queue.Sender) error {
	commands := queue.New()
	acqCtx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	out.Put("Starting watcher.")
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watch(watchCtx, in, commands, interrupt)
	}()

	sess.SetProgress("Progress not specified.")
	err := protect(func() error {
		return w.control(acqCtx, sess, commands, out)
	})

	hookCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		out.Put("Acquisition complete!")
		out.Put(sess.Progress())
		out.Put(protocol.Manager(protocol.Done))
	case errors.Is(err, ErrInterrupted):
		out.Put(protocol.Manager(protocol.Err))
		errs.Put("Shutdown requested by user.")
		errs.Put("Final progress: " + sess.Progress())
	default:
		errs.Put(err.Error())
		errs.Put("Uh oh! Something went wrong.")
		errs.Put("Final progress: " + sess.Progress())
		errs.Put("Shutting down.")
		out.Put(protocol.Manager(protocol.Err))
	}

	if herr := protect(func() error { return w.strategy.ShutDown(hookCtx, sess) }); herr != nil {
		errs.Put("shut down hook failed: " + herr.Error())
	}

	stopWatch()
	t := time.NewTimer(w.cfg.WatcherJoin)
	select {
	case <-watcherDone:
	case <-t.C:
		errs.Put("watcher did not stop in time")
	}
	t.Stop()

	out.Put(protocol.Manager(protocol.ShutDown))
	return err
}

// control is the state machine. A pending "quit acq" is served before any
// other queued command, the rest is handled one command per iteration in
// arrival order.
func (w *Worker) control(ctx context.Context, sess *Session, commands *queue.Queue, out queue.Sender) error {
	if err := w.strategy.Initialize(ctx, sess); err != nil {
		return stopCause(ctx, err)
	}

	state := Active
	for !sess.Completed() {
		if ctx.Err() != nil {
			return stopCause(ctx, nil)
		}

		msg, ok := commands.Extract(isQuitAcq)
		if !ok {
			msg, ok = commands.TryGet()
		}
		if ok {
			switch msg {
			case protocol.QuitAcq:
				out.Put("Quitting.")
				return nil
			case protocol.Pause:
				if state == Active {
					out.Put("Pausing.")
					if err := w.strategy.Pause(ctx, sess); err != nil {
						return stopCause(ctx, err)
					}
					state = Paused
				}
				out.Put(protocol.Manager(protocol.Paused))
			case protocol.Resume:
				if state == Paused {
					out.Put("Resuming.")
					if err := w.strategy.Resume(ctx, sess); err != nil {
						return stopCause(ctx, err)
					}
					state = Active
				}
				out.Put(protocol.Manager(protocol.Resumed))
			case protocol.Progress:
				out.Put(sess.Progress())
			default:
				out.Put("Useless input.")
			}
		}

		if state == Active {
			if err := w.strategy.Acquire(ctx, sess); err != nil {
				return stopCause(ctx, err)
			}
			continue
		}

		t := time.NewTimer(w.cfg.PausePoll)
		select {
		case <-ctx.Done():
		case <-commands.Ready():
		case <-t.C:
		}
		t.Stop()
	}
	return nil
}

// stopCause maps an error seen after a forced stop to ErrInterrupted.
func stopCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrInterrupted) {
		return ErrInterrupted
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

func isQuitAcq(msg string) bool {
	return msg == protocol.QuitAcq
}

// watch moves commands from the manager into the internal queue so the
// control loop never blocks on the manager.
func watch(ctx context.Context, in queue.Receiver, commands *queue.Queue, interrupt context.CancelCauseFunc) {
	for {
		msg, err := in.Get(ctx)
		if err != nil {
			return
		}
		switch msg {
		case protocol.QuitAcqNow:
			interrupt(ErrInterrupted)
			return
		case protocol.QuitAcq:
			commands.Put(msg)
			return
		default:
			commands.Put(msg)
		}
	}
}
