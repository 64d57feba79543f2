package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
)

// Phase of the manager.
type Phase int

const (
	Startup Phase = iota
	Standby
	Monitoring
	Acquiring
	Ending
	Done
)

func (p Phase) String() string {
	switch p {
	case Startup:
		return "startup"
	case Standby:
		return "standby"
	case Monitoring:
		return "monitoring"
	case Acquiring:
		return "acquiring"
	case Ending:
		return "ending"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Operator is the console the manager reports to and takes commands from.
// Done is closed when the console is gone, the manager then ends everything.
type Operator interface {
	Status(msg string)
	Error(msg string)
	Event(msg string)
	Commands() *queue.Queue
	Done() <-chan struct{}
}

// Scheduler hands out jobs. Request asks for the next one, which arrives on
// Jobs if there is any.
type Scheduler interface {
	Request()
	Jobs() <-chan Job
}

// Manager supervises the phase monitor and the acquisitions. It is not safe
// for concurrent use, everything runs on the goroutine calling Do.
type Manager struct {
	cfg     model.Config
	spawner Spawner
	console Operator
	sched   Scheduler

	phase  Phase
	last   Phase
	ask    bool
	result bool
	next   *Job
	failed *Job

	acq *Handle
	mon *Handle
}

func NewManager(cfg model.Config, spawner Spawner, console Operator, sched Scheduler) *Manager {
	return &Manager{
		cfg:     cfg,
		spawner: spawner,
		console: console,
		sched:   sched,
		phase:   Standby,
		last:    Startup,
		ask:     true,
	}
}

// Phase returns the current phase. Call it only from the Do goroutine or
// after Do returned.
func (m *Manager) Phase() Phase {
	return m.phase
}

// Do runs the manager until the operator ends it or ctx is cancelled.
//
// The pair (phase, last phase) selects the action. Every action ends in run,
// which starts or resumes the worker of the phase and serves it until the
// phase changes.
func (m *Manager) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a manager")
	if m.cfg.Monitor.RunDictionary != "" {
		m.phase = Monitoring
	}

	for m.phase != Done {
		s, ls := m.phase, m.last
		slog.DebugContext(ctx, "manager transition", "phase", s.String(), "last", ls.String())
		switch {
		case s == Monitoring && ls == Startup:
			job := m.monitorJob()
			m.result = m.run(ctx, &job)

		case s == Standby && (ls == Startup || ls == Standby):
			m.run(ctx, nil)

		case s == Monitoring && ls == Acquiring:
			if !m.result && m.failed != nil {
				m.console.Error(fmt.Sprintf("Problem with the file %s and the acquisition %s", m.failed.RunDictionary, m.failed.Acquisition))
				m.console.Error("Reverting back to phase monitor.")
			}
			m.console.Event(protocol.EventAcqEnded)
			m.retire(ctx, m.acq)
			m.acq, m.failed = nil, nil
			m.console.Event(protocol.EventAcqResumed)
			m.run(ctx, nil)

		case s == Monitoring && ls == Standby:
			job := m.takeNext()
			m.console.Event(protocol.EventNewAcq)
			m.result = m.run(ctx, job)

		case s == Acquiring && ls == Monitoring:
			job := m.takeNext()
			if job == nil {
				m.phase = Monitoring
				m.run(ctx, nil)
				continue
			}
			if m.cfg.IsMonitor(job.Acquisition) {
				// a new monitor replaces the running one
				if m.mon != nil {
					m.EndWorker(ctx, m.mon, true)
				}
				m.phase = Monitoring
				m.console.Event(protocol.EventAcqEnded)
				m.retire(ctx, m.mon)
				m.mon = nil
				m.console.Event(protocol.EventNewAcq)
			} else {
				if m.mon != nil {
					m.mon.Commands.Put(protocol.Pause)
					m.confirm(ctx, m.mon, protocol.Paused, "paused")
				}
				m.console.Event(protocol.EventAcqEnded)
				m.console.Event(protocol.EventNewAcq)
			}
			m.result = m.run(ctx, job)

		case s == Acquiring && ls == Standby:
			job := m.takeNext()
			if job == nil {
				m.phase = Standby
				m.run(ctx, nil)
				continue
			}
			if m.cfg.IsMonitor(job.Acquisition) {
				m.phase = Monitoring
			}
			m.console.Event(protocol.EventNewAcq)
			m.result = m.run(ctx, job)

		case s == Standby && ls == Monitoring:
			m.console.Event(protocol.EventAcqEnded)
			m.retire(ctx, m.mon)
			m.mon = nil
			m.run(ctx, nil)

		case s == Standby && ls == Acquiring:
			m.console.Event(protocol.EventAcqEnded)
			m.retire(ctx, m.acq)
			m.acq, m.failed = nil, nil
			m.run(ctx, nil)

		case s == Ending:
			ctx := context.WithoutCancel(ctx)
			if m.acq != nil || m.mon != nil {
				m.console.Event(protocol.EventAcqEnded)
			}
			m.retire(ctx, m.acq)
			m.retire(ctx, m.mon)
			m.acq, m.mon = nil, nil
			m.phase = Done

		default:
			slog.WarnContext(ctx, "unexpected manager transition", "phase", s.String(), "last", ls.String())
			m.run(ctx, nil)
		}
	}
	slog.DebugContext(ctx, "manager done")
	return nil
}

func (m *Manager) monitorJob() Job {
	path := m.cfg.RunQueuePath(m.cfg.Monitor.RunDictionary)
	job, err := JobFromRunDictionary(path)
	if err != nil {
		return Job{Acquisition: m.cfg.Monitor.Acquisition, RunDictionary: path}
	}
	job.Acquisition = m.cfg.Monitor.Acquisition
	return job
}

func (m *Manager) takeNext() *Job {
	job := m.next
	m.next = nil
	return job
}

// current returns the worker served in the current phase.
func (m *Manager) current() *Handle {
	switch m.phase {
	case Monitoring:
		return m.mon
	case Acquiring:
		return m.acq
	default:
		return nil
	}
}

// revert leaves the phase of a worker which stopped.
func (m *Manager) revert() {
	switch m.phase {
	case Acquiring:
		if m.mon != nil {
			m.phase = Monitoring
		} else {
			m.phase = Standby
		}
	case Monitoring:
		m.phase = Standby
	}
}

func (m *Manager) failStart(job Job) {
	if m.cfg.IsMonitor(job.Acquisition) {
		m.phase, m.last = Standby, Standby
		return
	}
	m.failed = &job
	m.phase, m.last = m.last, m.phase
}

// run starts the worker for job, or resumes the worker of the phase when job
// is nil, and serves it until the phase changes. It returns false if the
// worker could not be started.
func (m *Manager) run(ctx context.Context, job *Job) bool {
	if job != nil {
		h, err := m.StartWorker(ctx, *job)
		if err != nil {
			slog.ErrorContext(ctx, "starting worker failed", "acquisition", job.Acquisition, "error", err)
			m.console.Error(fmt.Sprintf("Could not start %s: %v", job.Acquisition, err))
			m.failStart(*job)
			return false
		}
		if m.phase == Monitoring {
			m.mon = h
		} else {
			m.acq = h
		}
	}

	current := m.phase
	h := m.current()
	// a fresh worker ignores it
	if h != nil {
		h.Commands.Put(protocol.Resume)
	}

	var (
		jobs     <-chan Job
		request  <-chan time.Time
		liveness <-chan time.Time
		status   <-chan struct{}
		errs     <-chan struct{}
	)
	if current != Acquiring && m.sched != nil {
		t := time.NewTicker(m.cfg.Manager.RequestInterval)
		defer t.Stop()
		request = t.C
		jobs = m.sched.Jobs()
		if m.ask {
			m.sched.Request()
		}
	}
	if h != nil {
		t := time.NewTicker(m.cfg.Manager.LivenessInterval)
		defer t.Stop()
		liveness = t.C
		status = h.Status.Ready()
		errs = h.Errors.Ready()
	}
	commands := m.console.Commands()

	for m.phase == current {
		var pending <-chan Job
		if m.ask {
			pending = jobs
		}
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "manager cancelled, ending workers", "cause", context.Cause(ctx))
			m.abort(ctx)
		case <-m.console.Done():
			slog.WarnContext(ctx, "operator console is gone, ending workers")
			m.abort(ctx)
		case job := <-pending:
			m.next = &job
			m.phase = Acquiring
		case <-request:
			if m.ask {
				m.sched.Request()
			}
		case <-liveness:
			if !h.Alive() {
				slog.WarnContext(ctx, "worker died without a signal", "worker.id", h.ID.String())
				m.drain(h)
				m.revert()
			}
		case <-commands.Ready():
			if msg, ok := commands.TryGet(); ok && !m.CheckKeywords(ctx, h, msg) {
				slog.DebugContext(ctx, "unknown operator command", "command", msg)
			}
		case <-status:
			if msg, ok := h.Status.TryGet(); ok {
				if !m.checkStatus(ctx, h, msg) {
					m.console.Status(msg)
				}
			}
		case <-errs:
			if msg, ok := h.Errors.TryGet(); ok {
				m.console.Error(msg)
			}
		}
	}
	m.last = current
	return true
}

// abort ends all workers now and moves to Ending.
func (m *Manager) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, h := range []*Handle{m.acq, m.mon} {
		if h != nil && h.Alive() {
			m.EndWorker(ctx, h, true)
		}
	}
	m.phase = Ending
}

// retire makes sure h is gone, forwards what it left behind and archives
// its files.
func (m *Manager) retire(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if h.Alive() {
		m.EndWorker(ctx, h, true)
	}
	m.drain(h)
	wctx, cancel := context.WithTimeout(ctx, m.cfg.Manager.JoinGrace)
	defer cancel()
	if err := h.Wait(wctx); err != nil {
		slog.DebugContext(ctx, "worker exit", "worker.id", h.ID.String(), "error", err)
	}
	m.archive(h)
}

func (m *Manager) drain(h *Handle) {
	for _, msg := range h.Status.Drain() {
		m.console.Status(msg)
	}
	for _, msg := range h.Errors.Drain() {
		m.console.Error(msg)
	}
}

// StartWorker spawns a worker for job and runs the supervisor side of the
// handshake. On failure the worker is ended and nil returned.
func (m *Manager) StartWorker(ctx context.Context, job Job) (*Handle, error) {
	if _, err := os.Stat(job.RunDictionary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRunDictionary, job.RunDictionary)
	}
	h, err := m.spawner.Spawn(ctx, job)
	if err != nil {
		return nil, err
	}

	h.Commands.Put(job.RunDictionary)
	timeout := m.cfg.Manager.HandshakeTimeout
	if _, err := m.WaitForSignal(ctx, Contains(protocol.Manager(protocol.ReceivedRD)), h, timeout, true); err != nil {
		m.EndWorker(ctx, h, true)
		return nil, fmt.Errorf("waiting for run dictionary receipt: %w", err)
	}

	msg, err := m.WaitForSignal(ctx, FolderAck(), h, timeout, true)
	if err != nil {
		m.console.Status("Did not receive a folder name from the child process. Shutting it down.")
		m.EndWorker(ctx, h, true)
		return nil, fmt.Errorf("waiting for output folder: %w", err)
	}
	folder, _ := protocol.Folder(msg)
	h.setFolder(folder)
	slog.InfoContext(ctx, "worker is running", "worker.id", h.ID.String(), "folder", folder)
	return h, nil
}

// EndWorker asks h to quit, gracefully or now, and waits for it. A worker
// still alive after a forced request is terminated, after a graceful one the
// operator is warned.
func (m *Manager) EndWorker(ctx context.Context, h *Handle, now bool) {
	text, timeout := protocol.QuitAcq, m.cfg.Manager.GracefulStopTimeout
	if now {
		text, timeout = protocol.QuitAcqNow, m.cfg.Manager.ForcedStopTimeout
	}
	h.Commands.Put(text)
	if _, err := m.WaitForSignal(ctx, Exact(protocol.Manager(protocol.ShutDown)), h, timeout, false); err != nil {
		slog.DebugContext(ctx, "no shut down ack", "worker.id", h.ID.String(), "error", err)
	} else {
		// nothing is sent after the ack
		h.close()
	}

	if !h.Join(m.cfg.Manager.JoinGrace) {
		if now {
			m.console.Status("Terminating process...")
			if err := h.Terminate(); err != nil {
				slog.WarnContext(ctx, "terminating worker failed", "worker.id", h.ID.String(), "error", err)
			}
		} else {
			m.console.Status("Did not receive a shutdown notification from the child process. " +
				"You may want to consider terminating the process with the command 'quit acq now'.")
		}
	}

	if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
		_ = h.Terminate()
	}
}

// awaitShutDown follows a done or err signal of h.
func (m *Manager) awaitShutDown(ctx context.Context, h *Handle) {
	timeout := m.cfg.Manager.ShutdownAckTimeout
	if _, err := m.WaitForSignal(ctx, Exact(protocol.Manager(protocol.ShutDown)), h, timeout, false); err != nil {
		slog.DebugContext(ctx, "no shut down ack", "worker.id", h.ID.String(), "error", err)
	} else {
		// nothing is sent after the ack
		h.close()
	}
	if !h.Join(timeout) {
		m.console.Status("Did not receive a shutdown notification from the child process. It will now be terminated.")
		if err := h.Terminate(); err != nil {
			slog.WarnContext(ctx, "terminating worker failed", "worker.id", h.ID.String(), "error", err)
		}
	}
}

// confirm waits for the ack of a pause or resume sent to h.
func (m *Manager) confirm(ctx context.Context, h *Handle, ack, verb string) {
	_, err := m.WaitForSignal(ctx, Exact(protocol.Manager(ack)), h, m.cfg.Manager.AckTimeout, true)
	if err != nil {
		m.console.Status(fmt.Sprintf("Could not confirm that the process was %s. "+
			"You may want to consider terminating the process with the command 'quit acq now'.", verb))
	}
}

// checkStatus interprets status text of the worker h. The lifecycle
// signals manager:done and manager:err are only honoured here, anything else
// goes through CheckKeywords.
func (m *Manager) checkStatus(ctx context.Context, h *Handle, text string) bool {
	payload, ok := protocol.Payload(text)
	if !ok {
		return m.CheckKeywords(ctx, h, text)
	}
	if h == nil {
		return false
	}
	switch payload {
	case protocol.Done:
		m.revert()
		m.awaitShutDown(ctx, h)
		return true
	case protocol.Err:
		m.revert()
		m.console.Error("Acquisition exited with an error!")
		m.awaitShutDown(ctx, h)
		return true
	}
	return false
}

// CheckKeywords interprets an operator command for the worker h, which is
// nil in Standby. It reports whether text was handled. Worker signals
// prefixed with manager: are never commands.
func (m *Manager) CheckKeywords(ctx context.Context, h *Handle, text string) bool {
	switch text {
	case protocol.PauseQueue:
		m.ask = false
		return true
	case protocol.ResumeQueue:
		m.ask = true
		return true
	case protocol.Quit:
		if h != nil {
			m.EndWorker(ctx, h, false)
		}
		if m.phase == Acquiring && m.mon != nil && m.mon != h {
			m.EndWorker(ctx, m.mon, false)
		}
		if (h == nil || !h.Alive()) && (m.mon == nil || !m.mon.Alive()) {
			m.phase = Ending
		}
		return true
	case protocol.QuitNow:
		if h != nil {
			m.EndWorker(ctx, h, true)
		}
		if m.phase == Acquiring && m.mon != nil && m.mon != h {
			m.EndWorker(ctx, m.mon, true)
		}
		m.phase = Ending
		return true
	case protocol.QuitAcq:
		if h != nil {
			m.EndWorker(ctx, h, false)
			if !h.Alive() {
				m.revert()
			}
		}
		return true
	case protocol.QuitAcqNow:
		if h != nil {
			m.EndWorker(ctx, h, true)
			m.revert()
		}
		return true
	case protocol.Pause:
		if h != nil {
			h.Commands.Put(text)
			m.confirm(ctx, h, protocol.Paused, "paused")
		}
		return true
	case protocol.Resume:
		if h != nil {
			h.Commands.Put(text)
			m.confirm(ctx, h, protocol.Resumed, "resumed")
		}
		return true
	case protocol.Progress:
		if h != nil {
			h.Commands.Put(text)
		}
		return true
	}
	return false
}
