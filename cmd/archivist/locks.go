package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/period"
)

func locksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear generation locks",
	}
	cmd.AddCommand(locksSweepCmd())
	cmd.AddCommand(locksReleaseCmd())
	return cmd
}

func locksSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Clear every expired lock in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.locks.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "cleared %d expired locks\n", n)
			return nil
		},
	}
}

func locksReleaseCmd() *cobra.Command {
	var (
		sourceKey string
		dateStr   string
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Force-release the lock on one slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			src, err := a.resolveSource(sourceKey)
			if err != nil {
				return err
			}
			day, err := parseDate(dateStr)
			if err != nil {
				return err
			}
			loc := time.UTC
			if m, err := a.registry.GetManifest(src.Key()); err == nil && m != nil {
				loc = a.loadLocation(m.DefaultTimezone)
			}

			p := period.ForDay(day.Year(), day.Month(), day.Day(), loc)
			if err := a.locks.ForceRelease(src, p); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "released %s %s\n", src.Key(), p.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&dateStr, "date", "", "slot date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("date")
	return cmd
}
