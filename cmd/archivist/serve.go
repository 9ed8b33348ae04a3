package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/api"
	"github.com/summarybot/archivist/internal/schedule"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archive API server and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			runner := schedule.NewRunner(a.logger)
			if err := runner.Add(schedule.Task{
				Name: "lock-sweep",
				Expr: a.cfg.LockSweepSchedule,
				Run: func(ctx context.Context) error {
					n, err := a.locks.CleanupExpired()
					if n > 0 {
						a.logger.Info("expired locks cleared", "count", n)
					}
					return err
				},
			}); err != nil {
				return err
			}
			if err := runner.Add(schedule.Task{
				Name: "retention",
				Expr: a.cfg.RetentionSchedule,
				Run:  a.retentionSweep,
			}); err != nil {
				return err
			}
			go runner.Start(ctx)

			srv := api.NewServer(a.cfg.Port, a.registry, a.exec, a.ledger, Version, a.logger)
			go func() {
				if err := srv.Start(); err != nil {
					slog.Error("HTTP server error", "error", err)
					cancel()
				}
			}()

			slog.Info("archivist ready", "port", a.cfg.Port, "root", a.cfg.ArchiveRoot)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-ctx.Done():
			}
			slog.Info("shutting down")
			return nil
		},
	}
}

// retentionSweep applies the global retention window to every source,
// then destroys quarantined slots whose grace period has lapsed.
func (a *app) retentionSweep(ctx context.Context) error {
	if a.cfg.RetentionDays > 0 {
		for _, src := range a.registry.List() {
			loc := a.loadLocation("")
			if m, err := a.registry.GetManifest(src.Key()); err == nil && m != nil {
				loc = a.loadLocation(m.DefaultTimezone)
			}
			n, err := a.retention.ApplyPolicy(src, a.cfg.RetentionDays, loc)
			if err != nil {
				a.logger.Error("retention policy failed", "source", src.Key(), "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("retention applied", "source", src.Key(), "soft_deleted", n)
			}
		}
	}
	n, err := a.retention.CleanupExpired()
	if n > 0 {
		a.logger.Info("quarantine cleaned", "purged", n)
	}
	return err
}
