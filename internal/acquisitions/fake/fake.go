// Package fake is an acquisition which does nothing but wait, used to
// exercise the manager without hardware.
//
// Run dictionary keys:
//
//	Repeats      int > 0
//	Averages     int > 0
//	Step Delay   Go duration, default 1s
package fake

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/instrument"
)

const Name = "fake"

const (
	KeyRepeats   = "Repeats"
	KeyAverages  = "Averages"
	KeyStepDelay = "Step Delay"
)

type Acquisition struct {
	repeats  int
	averages int
	delay    time.Duration

	rep int
	av  int

	digitizer *instrument.Simulated
	// Traces counts the simulated reads.
	Traces int
}

func New() acquisition.Strategy {
	return &Acquisition{}
}

func (a *Acquisition) Initialize(ctx context.Context, s *acquisition.Session) error {
	var err error
	rd := s.RunDictionary
	if a.repeats, err = rd.Int(KeyRepeats); err != nil {
		return err
	}
	if a.averages, err = rd.Int(KeyAverages); err != nil {
		return err
	}
	if a.repeats <= 0 || a.averages <= 0 {
		return fmt.Errorf("%s and %s must be positive", KeyRepeats, KeyAverages)
	}
	if a.delay, err = rd.Duration(KeyStepDelay, time.Second); err != nil {
		return fmt.Errorf("%s: %w", KeyStepDelay, err)
	}

	a.digitizer = instrument.NewSimulated("fake digitizer", uint64(time.Now().UnixNano()))
	if err := a.digitizer.Open(ctx); err != nil {
		return err
	}
	s.SetProgress("Initialization complete...")
	return nil
}

func (a *Acquisition) Acquire(ctx context.Context, s *acquisition.Session) error {
	s.Printf("Acquiring some data.")
	if err := sleep(ctx, a.delay); err != nil {
		return err
	}
	if _, err := a.digitizer.Read(ctx); err != nil {
		return err
	}
	a.Traces++

	s.SetProgress(fmt.Sprintf("Repeat: %d\nAverage: %d", a.rep, a.av))
	a.av++
	if a.av == a.averages {
		a.av = 0
		a.rep++
	}
	if a.rep == a.repeats {
		s.Complete()
	}
	return nil
}

func (a *Acquisition) Pause(ctx context.Context, s *acquisition.Session) error {
	s.Printf("Closing stuff before pausing...")
	return a.digitizer.Close()
}

func (a *Acquisition) Resume(ctx context.Context, s *acquisition.Session) error {
	s.Printf("Re-initialize stuff before resuming...")
	return a.digitizer.Open(ctx)
}

func (a *Acquisition) ShutDown(_ context.Context, s *acquisition.Session) error {
	s.Printf("Shutting stuff down safely.")
	if a.digitizer == nil {
		return nil
	}
	return instrument.CloseAll(a.digitizer)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
