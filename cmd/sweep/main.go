// Command sweep runs one expiry sweep and exits. It is meant for external
// schedulers (Kubernetes CronJob, systemd timers) when the in-process
// sweeper is disabled.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"actcredits/internal/config"
	"actcredits/internal/infrastructure"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, cleanup, err := infrastructure.OpenLedger(cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	res, err := ledger.SweepExpired(ctx)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		cleanup()
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(res)
	if len(res.Failed) > 0 {
		cleanup()
		os.Exit(2)
	}
}
