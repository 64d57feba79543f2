// Package instrument describes the laboratory hardware as seen by the
// acquisitions: opaque resources which are opened, configured, read from,
// written to and closed. Real drivers live outside of this module, the
// Simulated resource stands in for a digitizer and generator pair.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

var (
	ErrNotOpen     = errors.New("resource is not open")
	ErrAlreadyOpen = errors.New("resource is already open")
)

// Resource is the contract every instrument driver satisfies.
type Resource interface {
	Name() string
	Open(ctx context.Context) error
	Configure(ctx context.Context, settings map[string]string) error
	Read(ctx context.Context) ([]float64, error)
	Write(ctx context.Context, command string) error
	Close() error
}

// Simulated generates sine traces of a configurable frequency, amplitude
// and phase with gaussian noise. Read blocks for the time a trace spans.
//
// Settings:
//
//	frequency   Hz, default 910
//	amplitude   V, default 1
//	phase       rad, default 0
//	noise       V standard deviation, default 0.01
//	rate        samples per second, default 100000
//	samples     samples per trace, default 1000
type Simulated struct {
	name string

	mx       sync.Mutex
	open     bool
	freq     float64
	ampl     float64
	phase    float64
	noise    float64
	rate     float64
	samples  int
	commands []string
	rnd      *rand.Rand
}

func NewSimulated(name string, seed uint64) *Simulated {
	return &Simulated{
		name:    name,
		freq:    910,
		ampl:    1,
		noise:   0.01,
		rate:    100_000,
		samples: 1000,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) Name() string {
	return s.name
}

func (s *Simulated) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.open {
		return fmt.Errorf("%s: %w", s.name, ErrAlreadyOpen)
	}
	s.open = true
	return nil
}

func (s *Simulated) Configure(_ context.Context, settings map[string]string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.open {
		return fmt.Errorf("%s: %w", s.name, ErrNotOpen)
	}
	for k, v := range settings {
		switch k {
		case "samples":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("%s: invalid samples %q", s.name, v)
			}
			s.samples = n
		case "frequency", "amplitude", "phase", "noise", "rate":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid %s %q: %w", s.name, k, v, err)
			}
			switch k {
			case "frequency":
				s.freq = f
			case "amplitude":
				s.ampl = f
			case "phase":
				s.phase = f
			case "noise":
				s.noise = f
			case "rate":
				if f <= 0 {
					return fmt.Errorf("%s: rate must be positive", s.name)
				}
				s.rate = f
			}
		default:
			return fmt.Errorf("%s: unknown setting %q", s.name, k)
		}
	}
	return nil
}

func (s *Simulated) Read(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mx.Lock()
	span := time.Duration(float64(s.samples) / s.rate * float64(time.Second))
	s.mx.Unlock()
	// a trace takes as long as it spans
	t := time.NewTimer(span)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.open {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNotOpen)
	}
	trace := make([]float64, s.samples)
	omega := 2 * math.Pi * s.freq
	for i := range trace {
		t := float64(i) / s.rate
		trace[i] = s.ampl*math.Cos(omega*t-s.phase) + s.noise*s.rnd.NormFloat64()
	}
	return trace, nil
}

func (s *Simulated) Write(_ context.Context, command string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.open {
		return fmt.Errorf("%s: %w", s.name, ErrNotOpen)
	}
	s.commands = append(s.commands, command)
	return nil
}

// Commands returns everything written so far.
func (s *Simulated) Commands() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Simulated) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.open {
		return fmt.Errorf("%s: %w", s.name, ErrNotOpen)
	}
	s.open = false
	return nil
}

// CloseAll closes every open resource and joins the errors.
func CloseAll(resources ...Resource) error {
	var errs []error
	for _, r := range resources {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && !errors.Is(err, ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
