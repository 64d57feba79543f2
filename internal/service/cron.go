package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/acqman/internal/model"
)

// Schedule enqueues copies of template run dictionaries into the pending
// folder of the run queue on cron or interval triggers.
type Schedule struct {
	scheduler gocron.Scheduler
}

// NewSchedule returns nil and no error for an empty schedule.
func NewSchedule(ctx context.Context, cfg model.Config) (*Schedule, error) {
	if len(cfg.Schedule) == 0 {
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for i, entry := range cfg.Schedule {
		def, err := jobDefinition(ctx, entry)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		template := cfg.RunQueuePath(entry.RunDictionary)
		name := entry.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(template), filepath.Ext(template))
		}
		_, err = s.NewJob(
			def,
			gocron.NewTask(func() {
				path, err := Enqueue(cfg.PendingDir(), name, template, time.Now())
				if err != nil {
					slog.ErrorContext(ctx, "enqueueing scheduled run dictionary", "name", name, "error", err)
					return
				}
				slog.InfoContext(ctx, "scheduled run dictionary enqueued", "name", name, "path", path)
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
	}
	return &Schedule{scheduler: s}, nil
}

func jobDefinition(ctx context.Context, entry model.ScheduleEntry) (gocron.JobDefinition, error) {
	switch {
	case entry.Cron != "":
		if _, err := model.ParseCron(entry.Cron); err != nil {
			return nil, fmt.Errorf("parsing cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", entry.Cron)
		return gocron.CronJob(entry.Cron, false), nil
	case entry.Every != "":
		d, err := model.ParseInterval(entry.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing every: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and every are empty")
	}
}

// Run starts the scheduler and stops it when ctx is done.
func (s *Schedule) Run(ctx context.Context) error {
	s.scheduler.Start()
	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		return err
	}
	return nil
}

// Enqueue copies template into dir under a name unique to now and returns
// the new path. The copy is written under a temporary name first so the run
// queue never sees a partial file.
func Enqueue(dir, name, template string, now time.Time) (string, error) {
	src, err := os.Open(template)
	if err != nil {
		return "", fmt.Errorf("opening template: %w", err)
	}
	defer src.Close()

	base := fmt.Sprintf("%s-%s", name, now.Format("20060102-150405.000"))
	tmp := filepath.Join(dir, "."+base+".tmp")
	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("copying template: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	path := filepath.Join(dir, base+RunDictionaryExt)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
