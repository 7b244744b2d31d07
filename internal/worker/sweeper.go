package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"actcredits/internal/model"

	"github.com/robfig/cron/v3"
)

const sweepLeaseName = "expiry-sweep"

// SweepRunner is the ledger operation the sweeper drives.
type SweepRunner interface {
	SweepExpired(ctx context.Context) (*model.SweepResult, error)
}

// Leaser hands out a cluster-wide lease so replicas do not sweep at the same
// time. The ledger stays correct without it; the lease only saves work.
type Leaser interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
}

// ExpirySweeper runs SweepExpired on a cron schedule.
type ExpirySweeper struct {
	runner   SweepRunner
	lease    Leaser
	schedule string
	leaseTTL time.Duration
	cron     *cron.Cron
}

func NewExpirySweeper(runner SweepRunner, lease Leaser, schedule string, leaseTTL time.Duration) (*ExpirySweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))
	return &ExpirySweeper{
		runner:   runner,
		lease:    lease,
		schedule: schedule,
		leaseTTL: leaseTTL,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Start schedules the sweep and blocks until ctx is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, _, err := s.RunOnce(ctx); err != nil {
			slog.Error("sweeper: run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("Expiry sweeper is running", "schedule", s.schedule)

	<-ctx.Done()

	slog.Info("Expiry sweeper received shutdown signal, waiting for running sweep...")
	<-s.cron.Stop().Done()
	return nil
}

func (s *ExpirySweeper) Stop(ctx context.Context) error {
	return nil
}

// RunOnce sweeps if the lease can be taken. It reports false when another
// replica holds the lease.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (*model.SweepResult, bool, error) {
	token, ok, err := s.lease.AcquireLease(ctx, sweepLeaseName, s.leaseTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		slog.Info("sweeper: lease held elsewhere, skipping run")
		return nil, false, nil
	}
	defer func() {
		if err := s.lease.ReleaseLease(context.WithoutCancel(ctx), sweepLeaseName, token); err != nil {
			slog.Warn("sweeper: release lease", "error", err)
		}
	}()

	res, err := s.runner.SweepExpired(ctx)
	if err != nil {
		return res, true, err
	}
	slog.Info("sweeper: run finished",
		"scanned", res.Scanned,
		"expired", res.Expired,
		"cleared", res.Cleared,
		"failed", len(res.Failed),
	)
	return res, true, nil
}
