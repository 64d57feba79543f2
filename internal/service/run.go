package service

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/acqman/internal/catalog"
	"github.com/CZERTAINLY/acqman/internal/model"
)

// NewSpawner returns the spawner selected by manager.spawn.
func NewSpawner(cfg model.Config, configPath string) (Spawner, error) {
	switch cfg.Manager.Spawn {
	case model.SpawnInProcess:
		return InProcessSpawner{Registry: catalog.Registry(), Config: cfg}, nil
	case model.SpawnExec:
		return NewExecSpawner(configPath)
	default:
		return nil, fmt.Errorf("unsupported spawn mode %q", cfg.Manager.Spawn)
	}
}

// Run implements CLI run command. It returns once the operator ended the
// manager or ctx is done.
func Run(ctx context.Context, cfg model.Config, configPath string, op Operator) error {
	for _, dir := range []string{cfg.Paths.RunQueue, cfg.Paths.Data} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	spawner, err := NewSpawner(cfg, configPath)
	if err != nil {
		return err
	}
	runQueue, err := NewRunQueue(cfg)
	if err != nil {
		return err
	}
	schedule, err := NewSchedule(ctx, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stop := context.WithCancel(gctx)
	g.Go(func() error {
		return runQueue.Run(bgCtx)
	})
	if schedule != nil {
		g.Go(func() error {
			return schedule.Run(bgCtx)
		})
	}
	g.Go(func() error {
		defer stop()
		return NewManager(cfg, spawner, op, runQueue).Do(gctx)
	})
	return g.Wait()
}
