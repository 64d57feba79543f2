// Package monitor implements the phase monitor, the acquisition running
// whenever nothing else does. It records the phase difference between the
// two power combiner channels into data.txt of its output folder.
package monitor

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/instrument"
	"github.com/CZERTAINLY/acqman/internal/rundict"
)

const Name = "monitor"

// Run dictionary keys.
const (
	KeyRepeats     = "Repeats"
	KeyTraces      = "Number of Traces per Loop"
	KeySamples     = "Number of Digitizer Samples"
	KeyRate        = "Digitizer Sampling Rate [S/s]"
	KeyOffsetFreq  = "RF Generator Frequency Offset [Hz]"
	KeyPhaseOffset = "Simulated Phase Difference [rad]"
)

const DataFile = "data.txt"

var columns = []string{
	"Repeat",
	"Average",
	"Power Combiner I Amplitude [V]",
	"Power Combiner I DC Offset [V]",
	"Power Combiner R Amplitude [V]",
	"Power Combiner R DC Offset [V]",
	"Power Combiner Phase Difference (R - I) [rad]",
	"Time",
}

type settings struct {
	repeats int
	traces  int
	samples int
	rate    float64
	freq    float64
	phase   float64
}

type Monitor struct {
	cfg  settings
	path string

	combinerI *instrument.Simulated
	combinerR *instrument.Simulated

	rep int
	avg int

	now func() time.Time
}

func New() acquisition.Strategy {
	return &Monitor{now: time.Now}
}

func (m *Monitor) Initialize(ctx context.Context, s *acquisition.Session) error {
	s.SetProgress("Printing data.txt comment header")
	cfg, err := parseSettings(s.RunDictionary)
	if err != nil {
		return err
	}
	m.cfg = cfg
	m.path = filepath.Join(s.Folder, DataFile)

	f, err := os.Create(m.path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(s.RunDictionary.CommentHeader()); err != nil {
		_ = f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.SetProgress("Opening digitizer")
	seed := uint64(m.now().UnixNano())
	m.combinerI = instrument.NewSimulated("power combiner I", seed)
	m.combinerR = instrument.NewSimulated("power combiner R", seed+1)
	if err := m.open(ctx); err != nil {
		return err
	}

	s.SetProgress("Initialization complete")
	s.Printf("Beginning acquisition...")
	return nil
}

func (m *Monitor) open(ctx context.Context) error {
	common := map[string]string{
		"frequency": strconv.FormatFloat(m.cfg.freq, 'g', -1, 64),
		"rate":      strconv.FormatFloat(m.cfg.rate, 'g', -1, 64),
		"samples":   strconv.Itoa(m.cfg.samples),
	}
	for _, r := range []*instrument.Simulated{m.combinerI, m.combinerR} {
		if err := r.Open(ctx); err != nil {
			return err
		}
		if err := r.Configure(ctx, common); err != nil {
			return err
		}
	}
	return m.combinerR.Configure(ctx, map[string]string{
		"phase": strconv.FormatFloat(m.cfg.phase, 'g', -1, 64),
	})
}

// Acquire reads one loop of traces and appends it to the data file.
func (m *Monitor) Acquire(ctx context.Context, s *acquisition.Session) error {
	rows := make([][]string, 0, m.cfg.traces)
	dt := 1 / m.cfg.rate
	for m.avg = 0; m.avg < m.cfg.traces; m.avg++ {
		s.SetProgress(fmt.Sprintf("Loop %d\nTrace %d", m.rep, m.avg))
		// both channels share the trigger
		var vi, vr []float64
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			vi, err = m.combinerI.Read(gctx)
			return err
		})
		g.Go(func() (err error) {
			vr, err = m.combinerR.Read(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		fi := FitSine(vi, dt, m.cfg.freq)
		fr := FitSine(vr, dt, m.cfg.freq)
		row := []string{
			strconv.Itoa(m.rep + 1),
			strconv.Itoa(m.avg + 1),
			format(fi.Amplitude),
			format(fi.Offset),
			format(fr.Amplitude),
			format(fr.Offset),
			format(PhaseDifference(fi.Phase, fr.Phase)),
			format(float64(m.now().UnixNano()) / 1e9),
		}
		s.Printf("%s", strings.Join(row, "\t"))
		rows = append(rows, row)
	}

	if err := m.append(rows); err != nil {
		return err
	}
	m.rep++
	m.avg = 0
	if m.cfg.repeats > 0 && m.rep >= m.cfg.repeats {
		s.Complete()
	}
	return nil
}

func (m *Monitor) append(rows [][]string) error {
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (m *Monitor) Pause(_ context.Context, s *acquisition.Session) error {
	s.Printf("Closing instruments.")
	return instrument.CloseAll(m.combinerI, m.combinerR)
}

func (m *Monitor) Resume(ctx context.Context, s *acquisition.Session) error {
	s.SetProgress("Opening digitizer")
	if err := m.open(ctx); err != nil {
		return err
	}
	s.SetProgress("Resume complete")
	return nil
}

func (m *Monitor) ShutDown(_ context.Context, s *acquisition.Session) error {
	s.Printf("Closing instruments.")
	if m.combinerI == nil {
		return nil
	}
	return instrument.CloseAll(m.combinerI, m.combinerR)
}

func parseSettings(rd rundict.Dictionary) (settings, error) {
	cfg := settings{
		traces:  5,
		samples: 1000,
		rate:    100_000,
		freq:    1000,
		phase:   1,
	}
	ints := []struct {
		key string
		dst *int
	}{
		{KeyRepeats, &cfg.repeats},
		{KeyTraces, &cfg.traces},
		{KeySamples, &cfg.samples},
	}
	for _, i := range ints {
		if !rd.Has(i.key) {
			continue
		}
		n, err := rd.Int(i.key)
		if err != nil {
			return cfg, err
		}
		*i.dst = n
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{KeyRate, &cfg.rate},
		{KeyOffsetFreq, &cfg.freq},
		{KeyPhaseOffset, &cfg.phase},
	}
	for _, f := range floats {
		v, ok := rd.Get(f.key)
		if !ok {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = x
	}
	if cfg.traces <= 0 || cfg.samples <= 0 || cfg.rate <= 0 {
		return cfg, fmt.Errorf("%s, %s and %s must be positive", KeyTraces, KeySamples, KeyRate)
	}
	return cfg, nil
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'g', 8, 64)
}
