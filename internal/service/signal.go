package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/CZERTAINLY/acqman/internal/protocol"
)

var (
	ErrSignalTimeout = errors.New("signal not received in time")
	ErrWorkerExited  = errors.New("worker exited before signalling")
)

// Matcher selects the awaited message in WaitForSignal.
type Matcher func(msg string) bool

// Exact matches msg verbatim.
func Exact(want string) Matcher {
	return func(msg string) bool { return msg == want }
}

// Contains matches any message containing want.
func Contains(want string) Matcher {
	return func(msg string) bool { return strings.Contains(msg, want) }
}

// FolderAck matches the "manager:<absolute path>" handshake message.
func FolderAck() Matcher {
	return func(msg string) bool {
		_, ok := protocol.Folder(msg)
		return ok
	}
}

// WaitForSignal reads status messages of h until match accepts one, which
// is returned. Every other message is forwarded to the operator, with
// dispatch it is passed to the keyword handler first. Each message is handled
// exactly once. Error messages of h are forwarded to the operator meanwhile.
//
// It returns ErrSignalTimeout after timeout. The only earlier failure is
// ErrWorkerExited, returned as soon as the worker is gone and its status
// queue is drained.
func (m *Manager) WaitForSignal(ctx context.Context, match Matcher, h *Handle, timeout time.Duration, dispatch bool) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		for {
			msg, ok := h.Status.TryGet()
			if !ok {
				break
			}
			if match(msg) {
				m.forwardErrors(h)
				return msg, nil
			}
			if dispatch {
				m.checkStatus(ctx, h, msg)
			}
			m.console.Status(msg)
		}
		m.forwardErrors(h)
		if !h.Alive() && h.Status.Len() == 0 {
			return "", ErrWorkerExited
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
			return "", ErrSignalTimeout
		case <-h.Status.Ready():
		case <-h.Errors.Ready():
		case <-h.Done():
		}
	}
}

func (m *Manager) forwardErrors(h *Handle) {
	for {
		msg, ok := h.Errors.TryGet()
		if !ok {
			return
		}
		m.console.Error(msg)
	}
}
