package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/pricing"
)

func pricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect and refresh the model pricing history",
	}
	cmd.AddCommand(pricingShowCmd())
	cmd.AddCommand(pricingRefreshCmd())
	return cmd
}

func pricingShowCmd() *cobra.Command {
	var dateStr string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the pricing table in effect on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			at := time.Now().UTC()
			if dateStr != "" {
				at, err = parseDate(dateStr)
				if err != nil {
					return err
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(a.pricing.TableFor(at))
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "effective date (YYYY-MM-DD, default today)")
	return cmd
}

func pricingRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch current rates from the OpenRouter catalog and append a dated table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			client := pricing.NewCatalogClient(a.cfg.OpenRouterAPIKey)
			if err := a.pricing.Refresh(cmd.Context(), client); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(a.pricing.TableFor(time.Now().UTC()))
		},
	}
}
