package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/syncmirror"
)

func syncCmd() *cobra.Command {
	var sourceKey string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror archive artifacts to their remote targets",
		Long: "Sync uploads summaries and sidecars to each source's mirror target\n" +
			"(the manifest bind, or the global default). With --source only that\n" +
			"source is mirrored; otherwise every registered source is.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			sources := a.registry.List()
			if sourceKey != "" {
				src, err := a.resolveSource(sourceKey)
				if err != nil {
					return err
				}
				sources = sources[:0]
				sources = append(sources, src)
			}

			var results []syncmirror.Result
			for _, src := range sources {
				manifest, _ := a.registry.GetManifest(src.Key())
				res, err := a.mirror.SyncSource(ctx, src, manifest)
				if err != nil {
					a.logger.Error("sync failed", "source", src.Key(), "error", err)
				}
				a.publishSync(res)
				results = append(results, res)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&sourceKey, "source", "", "limit the pass to one source key")
	return cmd
}
