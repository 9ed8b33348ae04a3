package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/executor"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/planner"
)

func backfillCmd() *cobra.Command {
	var (
		sourceKey       string
		fromStr         string
		toStr           string
		tzName          string
		model           string
		granularity     string
		budget          float64
		maxCost         float64
		maxPeriods      int
		includeOutdated bool
		regenFailed     bool
		dryRun          bool
		planOnly        bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan a source for gaps and generate the missing summaries",
		Long: "Backfill scans the archive for missing or retryable slots inside the\n" +
			"range, prices the work, and runs a generation job over the result.\n" +
			"With --dry-run the job reports what it would do without spending tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			src, err := a.resolveSource(sourceKey)
			if err != nil {
				return err
			}
			from, err := parseDate(fromStr)
			if err != nil {
				return err
			}
			to, err := parseDate(toStr)
			if err != nil {
				return err
			}

			manifest, _ := a.registry.GetManifest(src.Key())

			if tzName == "" && manifest != nil {
				tzName = manifest.DefaultTimezone
			}
			loc := a.loadLocation(tzName)

			if model == "" {
				model = a.cfg.DefaultModel
			}
			if budget == 0 && manifest != nil {
				budget = manifest.MonthlyBudgetUSD
			}
			if manifest != nil {
				a.scanner.CurrentPromptVersion = manifest.PromptVersion
			}

			rep := a.scanner.Scan(src, from, to, loc)

			// The scanner fills defaulted bounds; the job needs them
			// concrete.
			if from.IsZero() {
				if from, err = time.ParseInLocation("2006-01-02", rep.RangeFrom, loc); err != nil {
					return err
				}
			}
			if to.IsZero() {
				if to, err = time.ParseInLocation("2006-01-02", rep.RangeTo, loc); err != nil {
					return err
				}
			}

			plan := planner.Analyze(rep, a.pricing, model, planner.Options{
				IncludeOutdated: includeOutdated,
				MaxPeriods:      maxPeriods,
			})

			if planOnly {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			if len(plan.Dates) == 0 {
				fmt.Fprintln(os.Stdout, "nothing to do: no gaps in range")
				return nil
			}

			a.logger.Info("backfill planned",
				"source", src.Key(),
				"periods", len(plan.Dates),
				"outdated", len(plan.Outdated),
				"estimated_cost_usd", plan.Estimate.CostUSD,
			)

			policy := executor.DefaultPolicy()
			policy.RegenerateOutdated = includeOutdated
			policy.RegenerateFailed = regenFailed

			job, err := a.exec.CreateJob(executor.JobSpec{
				Source:         src,
				From:           from,
				To:             to,
				Granularity:    period.Granularity(granularity),
				Timezone:       loc,
				Model:          model,
				Policy:         policy,
				BudgetUSD:      budget,
				MaxCostUSD:     maxCost,
				Outdated:       plan.Outdated,
				DryRun:         dryRun,
				ServerManifest: manifest,
			})
			if err != nil {
				return err
			}

			if err := a.exec.Run(ctx, job); err != nil {
				return err
			}

			snap := job.Snapshot()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}
			if snap.State == executor.StateFailed {
				return fmt.Errorf("job failed: %s", snap.FailReason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&fromStr, "from", "", "range start (YYYY-MM-DD, default: earliest archived slot)")
	cmd.Flags().StringVar(&toStr, "to", "", "range end (YYYY-MM-DD, default: yesterday)")
	cmd.Flags().StringVar(&tzName, "timezone", "", "IANA timezone (default: source manifest, then UTC)")
	cmd.Flags().StringVar(&model, "model", "", "summarizer model (default: ARCHIVIST_MODEL)")
	cmd.Flags().StringVar(&granularity, "granularity", string(period.Daily), "period granularity: daily, weekly, monthly")
	cmd.Flags().Float64Var(&budget, "budget", 0, "monthly spend cap in USD (default: source manifest; 0 = unlimited)")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "spend cap for this run in USD (0 = unlimited)")
	cmd.Flags().IntVar(&maxPeriods, "max-periods", 0, "cap the number of periods generated (0 = no cap)")
	cmd.Flags().BoolVar(&includeOutdated, "include-outdated", false, "regenerate complete summaries with stale prompt versions")
	cmd.Flags().BoolVar(&regenFailed, "retry-failed", true, "retry slots with retryable failure markers")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without generating anything")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "print the plan as JSON and exit")
	cmd.MarkFlagRequired("source")
	return cmd
}
