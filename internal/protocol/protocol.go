// Package protocol defines the text vocabulary spoken between the manager,
// acquisition workers and the operator.
package protocol

import (
	"path/filepath"
	"strings"
)

// Prefix marks worker messages addressed to the manager itself.
const Prefix = "manager:"

// Commands sent to a worker.
const (
	QuitAcq    = "quit acq"
	QuitAcqNow = "quit acq now"
	Pause      = "pause"
	Resume     = "resume"
	Progress   = "progress"
)

// Operator commands understood by the manager.
const (
	Quit        = "quit"
	QuitNow     = "quit now"
	PauseQueue  = "pause queue"
	ResumeQueue = "resume queue"
)

// Payloads of worker acknowledgements.
const (
	ReceivedRD = "received rd"
	Paused     = "paused"
	Resumed    = "resumed"
	Done       = "done"
	Err        = "err"
	ShutDown   = "shut down"
)

// Operator console events.
const (
	EventNewAcq     = "new acq"
	EventAcqEnded   = "acq ended"
	EventAcqResumed = "acq resumed"
)

// Manager returns payload tagged for the manager.
func Manager(payload string) string {
	return Prefix + payload
}

// Payload strips the manager tag. It reports false for untagged text.
func Payload(msg string) (string, bool) {
	return strings.CutPrefix(msg, Prefix)
}

// Folder returns the folder path carried by a manager:<path> message.
func Folder(msg string) (string, bool) {
	p, ok := Payload(msg)
	if !ok || !filepath.IsAbs(p) {
		return "", false
	}
	return p, true
}
