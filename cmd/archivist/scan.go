package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/scanner"
)

func scanCmd() *cobra.Command {
	var (
		sourceKey     string
		fromStr       string
		toStr         string
		tzName        string
		policy        string
		promptVersion string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Classify archive slots and report gaps for a source",
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
			from, err := parseDate(fromStr)
			if err != nil {
				return err
			}
			to, err := parseDate(toStr)
			if err != nil {
				return err
			}

			loc := a.loadLocation(tzName)
			if tzName == "" {
				if m, err := a.registry.GetManifest(src.Key()); err == nil && m != nil {
					loc = a.loadLocation(m.DefaultTimezone)
				}
			}

			a.scanner.Policy = scanner.RegeneratePolicy(policy)
			a.scanner.CurrentPromptVersion = promptVersion
			if promptVersion == "" {
				if m, err := a.registry.GetManifest(src.Key()); err == nil && m != nil {
					a.scanner.CurrentPromptVersion = m.PromptVersion
				}
			}

			rep := a.scanner.Scan(src, from, to, loc)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}

	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&fromStr, "from", "", "range start (YYYY-MM-DD, default: earliest archived slot)")
	cmd.Flags().StringVar(&toStr, "to", "", "range end (YYYY-MM-DD, default: yesterday)")
	cmd.Flags().StringVar(&tzName, "timezone", "", "IANA timezone (default: source manifest, then UTC)")
	cmd.Flags().StringVar(&policy, "regenerate-policy", string(scanner.RegenerateMinor), "prompt-version policy: major, minor, patch")
	cmd.Flags().StringVar(&promptVersion, "prompt-version", "", "current prompt version for outdated detection")
	cmd.MarkFlagRequired("source")
	return cmd
}
