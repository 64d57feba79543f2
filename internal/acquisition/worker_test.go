package acquisition_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRD = `Property,Value
Acquisition,probe
Experiment Name,FOSOF
Experiment Name Addon,probe run
`

// probe is a Strategy recording every call.
type probe struct {
	acquisition.Base

	mx       sync.Mutex
	acquires int
	pauses   int
	resumes  int
	shutdown int

	// number of Acquire calls before Complete, 0 runs forever
	steps int
	// Acquire blocks on gate when set
	gate   chan struct{}
	panics bool
	fail   error
}

func (p *probe) Acquire(ctx context.Context, s *acquisition.Session) error {
	p.mx.Lock()
	p.acquires++
	n := p.acquires
	p.mx.Unlock()

	if p.panics {
		panic("digitizer on fire")
	}
	if p.fail != nil {
		return p.fail
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.SetProgress(fmt.Sprintf("step %d", n))
	if p.steps > 0 && n >= p.steps {
		s.Complete()
		return nil
	}
	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *probe) Pause(context.Context, *acquisition.Session) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.pauses++
	return nil
}

func (p *probe) Resume(context.Context, *acquisition.Session) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.resumes++
	return nil
}

func (p *probe) ShutDown(context.Context, *acquisition.Session) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.shutdown++
	return nil
}

func (p *probe) counts() (acquires, pauses, resumes, shutdown int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.acquires, p.pauses, p.resumes, p.shutdown
}

type harness struct {
	in, out, errs *queue.Queue
	rdPath        string
	dataDir       string
	done          chan error
	seen          []string
}

func newHarness(t *testing.T, rd string) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		in:      queue.New(),
		out:     queue.New(),
		errs:    queue.New(),
		rdPath:  filepath.Join(dir, "test.rd"),
		dataDir: filepath.Join(dir, "data"),
		done:    make(chan error, 1),
	}
	require.NoError(t, os.Mkdir(h.dataDir, 0o755))
	if rd != "" {
		require.NoError(t, os.WriteFile(h.rdPath, []byte(rd), 0o644))
	}
	return h
}

func workerConfig() model.Worker {
	return model.Worker{
		PausePoll:   10 * time.Millisecond,
		WatcherJoin: time.Second,
	}
}

func (h *harness) start(t *testing.T, s acquisition.Strategy, cfg model.Worker) {
	t.Helper()
	w := acquisition.NewWorker(s, cfg, rundict.Folders{Data: h.dataDir})
	go func() {
		h.done <- w.Run(t.Context(), h.in, h.out, h.errs)
	}()
	h.in.Put(h.rdPath)
}

// await reads status lines until want shows up.
func (h *harness) await(t *testing.T, want string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for {
		msg, err := h.out.Get(ctx)
		require.NoError(t, err, "waiting for %q, seen %q", want, h.seen)
		h.seen = append(h.seen, msg)
		if msg == want {
			return
		}
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.seen = append(h.seen, h.out.Drain()...)
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func index(msgs []string, want string) int {
	return slices.Index(msgs, want)
}

func TestWorker_Done(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	p := &probe{steps: 3}
	h.start(t, p, workerConfig())

	err := h.wait(t)
	require.NoError(t, err)

	received := index(h.seen, protocol.Manager(protocol.ReceivedRD))
	done := index(h.seen, protocol.Manager(protocol.Done))
	shutDown := index(h.seen, protocol.Manager(protocol.ShutDown))
	require.GreaterOrEqual(t, received, 0)
	require.Greater(t, done, received)
	require.Equal(t, shutDown, len(h.seen)-1)
	require.NotContains(t, h.seen, protocol.Manager(protocol.Err))

	var folder string
	for _, msg := range h.seen {
		if f, ok := protocol.Folder(msg); ok {
			folder = f
		}
	}
	require.NotEmpty(t, folder)
	require.True(t, strings.HasSuffix(folder, " - FOSOF - probe run"))
	require.DirExists(t, folder)

	acquires, _, _, shutdown := p.counts()
	require.Equal(t, 3, acquires)
	require.Equal(t, 1, shutdown)
}

func TestWorker_PauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	p := &probe{}
	h.start(t, p, workerConfig())
	h.await(t, "Starting watcher.")

	h.in.Put(protocol.Pause)
	h.await(t, protocol.Manager(protocol.Paused))
	acquires, pauses, _, _ := p.counts()
	require.Equal(t, 1, pauses)

	// paused, so nothing is acquired
	time.Sleep(50 * time.Millisecond)
	again, _, _, _ := p.counts()
	require.Equal(t, acquires, again)

	h.in.Put(protocol.Pause)
	h.await(t, protocol.Manager(protocol.Paused))
	_, pauses, _, _ = p.counts()
	require.Equal(t, 1, pauses)

	h.in.Put(protocol.Resume)
	h.await(t, protocol.Manager(protocol.Resumed))
	h.in.Put(protocol.Resume)
	h.await(t, protocol.Manager(protocol.Resumed))
	_, _, resumes, _ := p.counts()
	require.Equal(t, 1, resumes)

	h.in.Put(protocol.QuitAcq)
	require.NoError(t, h.wait(t))

	paused := index(h.seen, protocol.Manager(protocol.Paused))
	resumed := index(h.seen, protocol.Manager(protocol.Resumed))
	shutDown := index(h.seen, protocol.Manager(protocol.ShutDown))
	require.Less(t, paused, resumed)
	require.Less(t, resumed, shutDown)
	require.Contains(t, h.seen, "Quitting.")
}

func TestWorker_QuitAcqStopsAcquiring(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	p := &probe{}
	h.start(t, p, workerConfig())
	h.await(t, "Starting watcher.")

	h.in.Put(protocol.QuitAcq)
	h.await(t, "Quitting.")
	acquires, _, _, _ := p.counts()

	require.NoError(t, h.wait(t))
	after, _, _, shutdown := p.counts()
	require.Equal(t, acquires, after)
	require.Equal(t, 1, shutdown)
	require.Equal(t, protocol.Manager(protocol.ShutDown), h.seen[len(h.seen)-1])
}

func TestWorker_QuitAcqNowWhilePaused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	cfg := workerConfig()
	cfg.PausePoll = time.Hour
	p := &probe{}
	h.start(t, p, cfg)
	h.await(t, "Starting watcher.")

	h.in.Put(protocol.Pause)
	h.await(t, protocol.Manager(protocol.Paused))

	start := time.Now()
	h.in.Put(protocol.QuitAcqNow)
	err := h.wait(t)
	require.ErrorIs(t, err, acquisition.ErrInterrupted)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Contains(t, h.seen, protocol.Manager(protocol.Err))
	require.Equal(t, protocol.Manager(protocol.ShutDown), h.seen[len(h.seen)-1])
	require.Contains(t, h.errs.Drain(), "Shutdown requested by user.")
}

func TestWorker_QuitAcqNowInterruptsAcquire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	p := &probe{gate: make(chan struct{})}
	h.start(t, p, workerConfig())
	h.await(t, "Starting watcher.")

	h.in.Put(protocol.QuitAcqNow)
	err := h.wait(t)
	require.ErrorIs(t, err, acquisition.ErrInterrupted)
	require.Contains(t, h.seen, protocol.Manager(protocol.Err))
	_, _, _, shutdown := p.counts()
	require.Equal(t, 1, shutdown)
}

func TestWorker_QuitAcqHasPriority(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	gate := make(chan struct{})
	p := &probe{gate: gate}
	h.start(t, p, workerConfig())
	h.await(t, "Starting watcher.")
	require.Eventually(t, func() bool {
		acquires, _, _, _ := p.counts()
		return acquires == 1
	}, time.Second, time.Millisecond)

	// both commands are queued while the first Acquire call blocks
	h.in.Put(protocol.Pause)
	h.in.Put(protocol.QuitAcq)
	require.Eventually(t, func() bool { return h.in.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, h.wait(t))
	require.Contains(t, h.seen, "Quitting.")
	require.NotContains(t, h.seen, protocol.Manager(protocol.Paused))
	_, pauses, _, _ := p.counts()
	require.Zero(t, pauses)
}

func TestWorker_ProgressAndUselessInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testRD)
	p := &probe{}
	h.start(t, p, workerConfig())
	h.await(t, "Starting watcher.")

	h.in.Put(protocol.Pause)
	h.await(t, protocol.Manager(protocol.Paused))
	h.in.Put("make coffee")
	h.await(t, "Useless input.")
	acquires, _, _, _ := p.counts()
	h.in.Put(protocol.Progress)
	h.await(t, fmt.Sprintf("step %d", acquires))

	h.in.Put(protocol.QuitAcq)
	require.NoError(t, h.wait(t))
}

func TestWorker_AcquireError(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name  string
		probe *probe
		want  string
	}{
		{name: "error", probe: &probe{fail: errors.New("digitizer timeout")}, want: "digitizer timeout"},
		{name: "panic", probe: &probe{panics: true}, want: "panic: digitizer on fire"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testRD)
			h.start(t, tc.probe, workerConfig())

			err := h.wait(t)
			require.Error(t, err)
			require.NotErrorIs(t, err, acquisition.ErrInterrupted)
			require.Contains(t, err.Error(), tc.want)

			errs := h.errs.Drain()
			require.Contains(t, errs, "Uh oh! Something went wrong.")
			require.Contains(t, errs, "Shutting down.")
			require.Contains(t, h.seen, protocol.Manager(protocol.Err))
			require.NotContains(t, h.seen, protocol.Manager(protocol.Done))
			require.Equal(t, protocol.Manager(protocol.ShutDown), h.seen[len(h.seen)-1])
		})
	}
}

func TestWorker_MissingRunDictionary(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	p := &probe{}
	h.start(t, p, workerConfig())

	err := h.wait(t)
	require.ErrorIs(t, err, acquisition.ErrHandshake)
	require.Contains(t, h.errs.Drain(), "Could not find run dictionary.")
	require.NotContains(t, h.seen, protocol.Manager(protocol.ReceivedRD))
	require.NotContains(t, h.seen, protocol.Manager(protocol.ShutDown))
	acquires, _, _, shutdown := p.counts()
	require.Zero(t, acquires)
	require.Zero(t, shutdown)
}

func TestWorker_MissingKeys(t *testing.T) {
	t.Parallel()
	const rd = "Property,Value\nExperiment Name Addon,only addon\n"

	t.Run("lenient", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, rd)
		h.start(t, &probe{steps: 1}, workerConfig())
		require.NoError(t, h.wait(t))
		require.Contains(t, h.errs.Drain(), "Could not obtain experiment name from run dictionary.")
		require.Contains(t, h.seen, protocol.Manager(protocol.Done))
	})

	t.Run("strict", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, rd)
		cfg := workerConfig()
		cfg.StrictRunDictionary = true
		h.start(t, &probe{steps: 1}, cfg)
		err := h.wait(t)
		require.ErrorIs(t, err, acquisition.ErrHandshake)
		require.ErrorIs(t, err, rundict.ErrMissingKey)
		require.Contains(t, h.seen, protocol.Manager(protocol.ReceivedRD))
		require.NotContains(t, h.seen, protocol.Manager(protocol.Done))
	})
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := acquisition.NewRegistry()
	r.Register("probe", func() acquisition.Strategy { return &probe{} })
	r.Register("another", func() acquisition.Strategy { return &probe{} })

	require.Equal(t, []string{"another", "probe"}, r.Names())
	require.True(t, r.Has("probe"))

	s1, err := r.New("probe")
	require.NoError(t, err)
	s2, err := r.New("probe")
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	_, err = r.New("nope")
	require.ErrorIs(t, err, acquisition.ErrUnknownAcquisition)
	require.Panics(t, func() { r.Register("probe", nil) })
}
