package acquisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
)

// Journals receive a timestamped copy of the status and error lines.
// Nil writers are skipped.
type Journals struct {
	Out io.Writer
	Err io.Writer
}

// pumpGrace bounds the wait for the command reader after the worker stopped.
const pumpGrace = time.Second

// Serve runs w as a worker process. Commands are read from stdin, status and
// errors are written to stdout and stderr using the queue wire format.
//
// The manager going away closes stdin, which is handled as "quit acq now".
func Serve(ctx context.Context, w *Worker, stdin io.Reader, stdout, stderr io.Writer, journals Journals) error {
	outEnc := queue.NewEncoder(stdout)
	errEnc := queue.NewEncoder(stderr)
	var out, errs queue.Sender = outEnc, errEnc
	if journals.Out != nil {
		out = queue.NewJournal(out, journals.Out)
	}
	if journals.Err != nil {
		errs = queue.NewJournal(errs, journals.Err)
	}

	in := queue.New()
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := queue.Pump(pumpCtx, stdin, in); err != nil {
			slog.WarnContext(ctx, "reading commands", "error", err)
		}
		if pumpCtx.Err() == nil {
			slog.DebugContext(ctx, "commands closed, stopping now")
			in.Put(protocol.QuitAcqNow)
		}
	})

	err := w.Run(ctx, in, out, errs)
	cancel()
	// Pump only returns on EOF. Closing does not unblock a read of a
	// blocking os.Stdin, the reader is left to the process exit then.
	if c, ok := stdin.(io.Closer); ok {
		_ = c.Close()
	}
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(pumpGrace):
		slog.DebugContext(ctx, "command reader still blocked")
	}

	return errors.Join(err, outEnc.Err(), errEnc.Err())
}
