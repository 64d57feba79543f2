package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/service"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, q *service.RunQueue) service.Job {
	t.Helper()
	q.Request()
	select {
	case job := <-q.Jobs():
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job received")
		return service.Job{}
	}
}

func TestRunQueue(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	q, err := service.NewRunQueue(cfg)
	require.NoError(t, err)
	require.DirExists(t, cfg.PendingDir())
	require.DirExists(t, cfg.StartedDir())

	older := writeFile(t, filepath.Join(cfg.PendingDir(), "b.rd"), fakeRD)
	newer := writeFile(t, filepath.Join(cfg.PendingDir(), "a.rd"), fakeRD)
	writeFile(t, filepath.Join(cfg.PendingDir(), "notes.txt"), "not a run dictionary")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	job := receive(t, q)
	require.Equal(t, filepath.Join(cfg.StartedDir(), "b.rd"), job.RunDictionary)
	require.Equal(t, "fake", job.Acquisition)
	require.NoFileExists(t, older)

	job = receive(t, q)
	require.Equal(t, filepath.Join(cfg.StartedDir(), filepath.Base(newer)), job.RunDictionary)

	// the request waits for the next file
	q.Request()
	time.Sleep(50 * time.Millisecond)
	template := writeFile(t, filepath.Join(t.TempDir(), "template.rd"), fakeRD)
	path, err := service.Enqueue(cfg.PendingDir(), "scheduled", template, time.Now())
	require.NoError(t, err)
	select {
	case job = <-q.Jobs():
		require.Equal(t, filepath.Join(cfg.StartedDir(), filepath.Base(path)), job.RunDictionary)
	case <-time.After(5 * time.Second):
		t.Fatal("new run dictionary was not noticed")
	}

	cancel()
	require.NoError(t, <-done)
	require.FileExists(t, filepath.Join(cfg.PendingDir(), "notes.txt"))
}

func TestRunQueue_InvalidRunDictionary(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	q, err := service.NewRunQueue(cfg)
	require.NoError(t, err)

	bad := writeFile(t, filepath.Join(cfg.PendingDir(), "bad.rd"), "Property,Value\nRepeats,1\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(bad, past, past))
	writeFile(t, filepath.Join(cfg.PendingDir(), "good.rd"), fakeRD)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	job := receive(t, q)
	require.True(t, strings.HasSuffix(job.RunDictionary, "good.rd"))
	require.FileExists(t, bad)
	require.NoFileExists(t, filepath.Join(cfg.StartedDir(), "bad.rd"))

	// fixed in place, it is offered again
	q.Request()
	time.Sleep(50 * time.Millisecond)
	writeFile(t, bad, fakeRD)
	select {
	case job = <-q.Jobs():
		require.Equal(t, filepath.Join(cfg.StartedDir(), "bad.rd"), job.RunDictionary)
	case <-time.After(5 * time.Second):
		t.Fatal("fixed run dictionary was not handed out")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunQueue_FileWrittenLater(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	q, err := service.NewRunQueue(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	q.Request()
	path := filepath.Join(cfg.PendingDir(), "manual.rd")
	f, err := os.Create(path)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.WriteString(fakeRD)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case job := <-q.Jobs():
		require.Equal(t, filepath.Join(cfg.StartedDir(), "manual.rd"), job.RunDictionary)
		require.Equal(t, "fake", job.Acquisition)
	case <-time.After(5 * time.Second):
		t.Fatal("run dictionary was not handed out")
	}
	require.NoFileExists(t, path)
	cancel()
	require.NoError(t, <-done)
}

func TestSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	writeFile(t, cfg.RunQueuePath("template.rd"), fakeRD)
	cfg.Schedule = []model.ScheduleEntry{
		{Name: "every", Every: "50ms", RunDictionary: "template.rd"},
	}
	require.NoError(t, os.MkdirAll(cfg.PendingDir(), 0o755))

	s, err := service.NewSchedule(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(cfg.PendingDir(), "every-*.rd"))
		return len(matches) > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	matches, err := filepath.Glob(filepath.Join(cfg.PendingDir(), "every-*.rd"))
	require.NoError(t, err)
	raw, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, fakeRD, string(raw))
}

func TestNewSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	s, err := service.NewSchedule(t.Context(), cfg)
	require.NoError(t, err)
	require.Nil(t, s)

	cfg.Schedule = []model.ScheduleEntry{{Cron: "* * *", RunDictionary: "x.rd"}}
	_, err = service.NewSchedule(t.Context(), cfg)
	require.Error(t, err)

	cfg.Schedule = []model.ScheduleEntry{{Cron: "@hourly", RunDictionary: "x.rd"}}
	s, err = service.NewSchedule(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
}
