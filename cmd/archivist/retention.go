package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/period"
)

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Soft-delete, recover, and purge archived summaries",
	}
	cmd.AddCommand(retentionApplyCmd())
	cmd.AddCommand(retentionDeleteCmd())
	cmd.AddCommand(retentionRecoverCmd())
	cmd.AddCommand(retentionPurgeCmd())
	cmd.AddCommand(retentionCleanupCmd())
	cmd.AddCommand(retentionListCmd())
	return cmd
}

func retentionApplyCmd() *cobra.Command {
	var (
		sourceKey string
		days      int
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Soft-delete complete summaries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if days <= 0 {
				days = a.cfg.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("no retention window: pass --days or set RETENTION_DAYS")
			}

			src, err := a.resolveSource(sourceKey)
			if err != nil {
				return err
			}
			loc := time.UTC
			if m, err := a.registry.GetManifest(src.Key()); err == nil && m != nil {
				loc = a.loadLocation(m.DefaultTimezone)
			}

			n, err := a.retention.ApplyPolicy(src, days, loc)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "soft-deleted %d summaries older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default: RETENTION_DAYS)")
	cmd.MarkFlagRequired("source")
	return cmd
}

func retentionDeleteCmd() *cobra.Command {
	var (
		sourceKey string
		dateStr   string
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Soft-delete one summary into quarantine",
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
			entry, err := a.retention.SoftDelete(src, p, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "quarantined %s %s until %s\n",
				src.Key(), p.Name(), entry.PermanentDeleteAt.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&dateStr, "date", "", "summary date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&reason, "reason", "manual delete", "reason recorded in the deletion manifest")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("date")
	return cmd
}

func retentionRecoverCmd() *cobra.Command {
	var (
		sourceKey  string
		periodName string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore a quarantined summary to the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.retention.Recover(sourceKey, periodName); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "recovered %s %s\n", sourceKey, periodName)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&periodName, "period", "", "period name, e.g. 2026-02-11_daily")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("period")
	return cmd
}

func retentionPurgeCmd() *cobra.Command {
	var (
		sourceKey  string
		periodName string
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Permanently destroy a quarantined summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.retention.PermanentDelete(sourceKey, periodName); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "purged %s %s\n", sourceKey, periodName)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&periodName, "period", "", "period name, e.g. 2026-02-11_daily")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("period")
	return cmd
}

func retentionCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge quarantined summaries whose grace period has lapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.retention.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "purged %d expired entries\n", n)
			return nil
		},
	}
}

func retentionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List quarantined summaries awaiting permanent deletion",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.retention.Quarantined()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
}
