// Package console is the operator terminal of the manager. Lines typed by the
// operator become commands, worker output is rendered back.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
)

type styles struct {
	prompt lipgloss.Style
	status lipgloss.Style
	err    lipgloss.Style
	event  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		status: lipgloss.NewStyle(),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		event:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
	}
}

// Console implements service.Operator on a pair of streams.
type Console struct {
	mx      sync.Mutex
	out     io.Writer
	journal string
	line    int
	styles  styles
	now     func() time.Time

	commands *queue.Queue
	done     chan struct{}
	once     sync.Once
}

// New renders to out and journals operator input to the journal file, an
// empty journal disables it.
func New(out io.Writer, journal string) *Console {
	return &Console{
		out:      out,
		journal:  journal,
		styles:   defaultStyles(),
		now:      time.Now,
		commands: queue.New(),
		done:     make(chan struct{}),
	}
}

func (c *Console) Commands() *queue.Queue {
	return c.commands
}

// Done is closed once the input stream is exhausted.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

func (c *Console) Status(msg string) {
	c.print(c.styles.status, msg)
}

func (c *Console) Error(msg string) {
	c.print(c.styles.err, msg)
}

// Event handles the acquisition events of the manager. A new acquisition
// starts a fresh input journal, the archived copy belongs to the last one.
func (c *Console) Event(msg string) {
	slog.Debug("console event", "event", msg)
	if msg == protocol.EventNewAcq {
		c.resetJournal()
	}
	c.print(c.styles.event, "-- "+msg)
}

func (c *Console) print(style lipgloss.Style, msg string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, err := fmt.Fprintln(c.out, style.Render(msg)); err != nil {
		slog.Debug("console write failed", "error", err)
	}
}

func (c *Console) prompt() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.line++
	_, _ = fmt.Fprint(c.out, c.styles.prompt.Render(fmt.Sprintf("In[%d]:", c.line))+" ")
}

// Run reads operator commands from in until EOF, then closes Done. Empty
// lines are ignored. It cannot interrupt a blocked read, the caller closes
// in or abandons the goroutine when ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	defer c.once.Do(func() { close(c.done) })
	c.resetJournal()

	scanner := bufio.NewScanner(in)
	c.prompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.record(line)
		c.commands.Put(line)
		c.prompt()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading operator input: %w", err)
	}
	return nil
}

func (c *Console) resetJournal() {
	c.writeJournal(os.O_TRUNC, "Start")
}

func (c *Console) record(line string) {
	c.writeJournal(os.O_APPEND, line)
}

func (c *Console) writeJournal(mode int, text string) {
	if c.journal == "" {
		return
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	f, err := os.OpenFile(c.journal, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		slog.Warn("opening operator journal failed", "path", c.journal, "error", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\t%s\n", c.now().Format(queue.JournalTimeFormat), text); err != nil {
		slog.Warn("writing operator journal failed", "path", c.journal, "error", err)
	}
}
