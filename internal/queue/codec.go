package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const maxLine = 1 << 20

// Encoder is a Sender writing each message as a single JSON string line.
type Encoder struct {
	mx  sync.Mutex
	w   io.Writer
	err error
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Put encodes msg. Write errors are remembered and returned by Err, the
// other end of a pipe going away must not crash the writer.
func (e *Encoder) Put(msg string) {
	b, err := json.Marshal(msg)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	b = append(b, '\n')

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(b); err != nil {
		e.err = err
	}
}

// Err returns the first write error.
func (e *Encoder) Err() error {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.err
}

// Decode converts one wire line into a message. Lines which are not JSON
// strings are passed through verbatim, so stray prints of a child process
// still reach the operator.
func Decode(line string) string {
	var msg string
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return line
	}
	return msg
}

// Pump reads wire lines from r into q until r reaches EOF or ctx is done.
func Pump(ctx context.Context, r io.Reader, q *Queue) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.Put(Decode(scanner.Text()))
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading messages: %w", err)
	}
	return nil
}

// JournalTimeFormat is the timestamp layout of journal lines.
const JournalTimeFormat = "2006-01/02 15:04:05"

// Journal is a Sender which appends every message to a log file before
// passing it on.
type Journal struct {
	mx   sync.Mutex
	next Sender
	w    io.Writer
	now  func() time.Time
}

func NewJournal(next Sender, w io.Writer) *Journal {
	return &Journal{next: next, w: w, now: time.Now}
}

func (j *Journal) Put(msg string) {
	j.mx.Lock()
	if j.w != nil {
		_, err := fmt.Fprintf(j.w, "%s\t%s\n", j.now().Format(JournalTimeFormat), msg)
		if err != nil {
			slog.Warn("writing journal failed", "error", err)
			j.w = nil
		}
	}
	j.mx.Unlock()
	j.next.Put(msg)
}
