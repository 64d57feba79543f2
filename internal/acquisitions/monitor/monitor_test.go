package monitor_test

import (
	"bufio"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/acquisitions/monitor"
	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/protocol"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"

	"github.com/stretchr/testify/require"
)

func TestFitSine(t *testing.T) {
	t.Parallel()
	const (
		rate = 10_000.0
		freq = 100.0
	)
	trace := make([]float64, 1000)
	for i := range trace {
		ti := float64(i) / rate
		trace[i] = 0.2 + 1.5*math.Cos(2*math.Pi*freq*ti-0.7)
	}
	fit := monitor.FitSine(trace, 1/rate, freq)
	require.InDelta(t, 1.5, fit.Amplitude, 1e-9)
	require.InDelta(t, 0.7, fit.Phase, 1e-9)
	require.InDelta(t, 0.2, fit.Offset, 1e-9)

	require.Equal(t, monitor.Fit{}, monitor.FitSine(nil, 1, 1))
}

func TestPhaseDifference(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 1.0, monitor.PhaseDifference(0.5, 1.5), 1e-12)
	require.InDelta(t, 2*math.Pi-1, monitor.PhaseDifference(1.5, 0.5), 1e-12)
	require.InDelta(t, 0, monitor.PhaseDifference(-math.Pi, -math.Pi), 1e-12)
}

const monitorRD = `Property,Value,Order
Acquisition,monitor,0
Experiment Name,Phase Monitor,1
Experiment Name Addon,test,2
Repeats,2,3
Number of Traces per Loop,3,4
Number of Digitizer Samples,1000,5
Digitizer Sampling Rate [S/s],100000,6
RF Generator Frequency Offset [Hz],1000,7
Simulated Phase Difference [rad],1.25,8
`

func TestMonitor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rdPath := filepath.Join(dir, "phase.rd")
	require.NoError(t, os.WriteFile(rdPath, []byte(monitorRD), 0o644))

	in, out, errs := queue.New(), queue.New(), queue.New()
	w := acquisition.NewWorker(monitor.New(), model.Worker{
		PausePoll:   10 * time.Millisecond,
		WatcherJoin: time.Second,
	}, rundict.Folders{Data: dir})

	in.Put(rdPath)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx, in, out, errs))
	require.Empty(t, errs.Drain())

	var folder string
	msgs := out.Drain()
	for _, msg := range msgs {
		if f, ok := protocol.Folder(msg); ok {
			folder = f
		}
	}
	require.NotEmpty(t, folder)
	require.Contains(t, msgs, protocol.Manager(protocol.Done))
	require.Contains(t, msgs, "Beginning acquisition...")

	f, err := os.Open(filepath.Join(folder, monitor.DataFile))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var comments, rows []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			comments = append(comments, line)
			continue
		}
		rows = append(rows, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, comments, 9)
	require.Equal(t, "# Acquisition = monitor", comments[0])
	require.True(t, strings.HasPrefix(rows[0], "Repeat,Average,"))
	require.Len(t, rows, 1+2*3)

	last := strings.Split(rows[len(rows)-1], ",")
	require.Equal(t, "2", last[0])
	require.Equal(t, "3", last[1])
	diff, err := strconv.ParseFloat(last[6], 64)
	require.NoError(t, err)
	require.InDelta(t, 1.25, diff, 0.05)
}

func TestMonitor_PauseClosesInstruments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rd, err := rundict.Parse(strings.NewReader(monitorRD))
	require.NoError(t, err)

	out, errs := queue.New(), queue.New()
	s := acquisition.NewSession(rd, dir, out, errs)
	m := monitor.New()
	ctx := t.Context()

	require.NoError(t, m.Initialize(ctx, s))
	require.NoError(t, m.Acquire(ctx, s))
	require.NoError(t, m.Pause(ctx, s))
	require.Error(t, m.Acquire(ctx, s))
	require.NoError(t, m.Resume(ctx, s))
	require.Equal(t, "Resume complete", s.Progress())
	require.NoError(t, m.Acquire(ctx, s))
	require.True(t, s.Completed())
	require.NoError(t, m.ShutDown(ctx, s))
}
