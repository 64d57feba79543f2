package fake_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/acquisitions/fake"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"

	"github.com/stretchr/testify/require"
)

func TestFake(t *testing.T) {
	t.Parallel()
	rd := rundict.FromMap(map[string]string{
		fake.KeyRepeats:   "2",
		fake.KeyAverages:  "3",
		fake.KeyStepDelay: "1ms",
	})
	out, errs := queue.New(), queue.New()
	s := acquisition.NewSession(rd, t.TempDir(), out, errs)
	a := fake.New().(*fake.Acquisition)
	ctx := t.Context()

	require.NoError(t, a.Initialize(ctx, s))
	require.Equal(t, "Initialization complete...", s.Progress())

	for range 6 {
		require.False(t, s.Completed())
		require.NoError(t, a.Acquire(ctx, s))
	}
	require.True(t, s.Completed())
	require.Equal(t, "Repeat: 1\nAverage: 2", s.Progress())
	require.Equal(t, 6, a.Traces)

	require.NoError(t, a.Pause(ctx, s))
	require.Error(t, a.Acquire(ctx, s))
	require.NoError(t, a.Resume(ctx, s))
	require.NoError(t, a.ShutDown(ctx, s))

	msgs := out.Drain()
	require.Equal(t, "Acquiring some data.", msgs[0])
	require.Contains(t, msgs, "Shutting stuff down safely.")
	require.Empty(t, errs.Drain())
}

func TestFake_Interrupted(t *testing.T) {
	t.Parallel()
	rd := rundict.FromMap(map[string]string{
		fake.KeyRepeats:  "1",
		fake.KeyAverages: "1",
	})
	s := acquisition.NewSession(rd, t.TempDir(), queue.New(), queue.New())
	a := fake.New()
	require.NoError(t, a.Initialize(t.Context(), s))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := a.Acquire(ctx, s)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, a.ShutDown(t.Context(), s))
}

func TestFake_BadRunDictionary(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		rd   map[string]string
		want string
	}{
		{"missing", map[string]string{fake.KeyRepeats: "1"}, "Averages"},
		{"zero", map[string]string{fake.KeyRepeats: "0", fake.KeyAverages: "1"}, "must be positive"},
		{"delay", map[string]string{fake.KeyRepeats: "1", fake.KeyAverages: "1", fake.KeyStepDelay: "soon"}, "Step Delay"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := acquisition.NewSession(rundict.FromMap(tc.rd), t.TempDir(), queue.New(), queue.New())
			err := fake.New().Initialize(t.Context(), s)
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), err.Error())
		})
	}
}
