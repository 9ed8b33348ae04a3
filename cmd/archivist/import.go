package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/importer"
	"github.com/summarybot/archivist/internal/source"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import chat exports into a source's message store",
	}
	cmd.AddCommand(importWhatsAppCmd())
	cmd.AddCommand(importReaderBotCmd())
	return cmd
}

func importWhatsAppCmd() *cobra.Command {
	var (
		file   string
		group  string
		name   string
		tzName string
	)

	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Import a WhatsApp chat export (_chat.txt)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			msgs, err := importer.ParseWhatsApp(f, a.loadLocation(tzName))
			if err != nil {
				return fmt.Errorf("parse export: %w", err)
			}

			src := source.Source{Type: source.TypeWhatsApp, ServerID: group, ServerName: name}
			if name == "" {
				src.ServerName = group
			}
			return saveImport(a, src, "whatsapp_txt", msgs)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to the exported _chat.txt")
	cmd.Flags().StringVar(&group, "group", "", "group identifier for the archive")
	cmd.Flags().StringVar(&name, "name", "", "display name of the group (default: the identifier)")
	cmd.Flags().StringVar(&tzName, "timezone", "", "timezone the export timestamps are in")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("group")
	return cmd
}

func importReaderBotCmd() *cobra.Command {
	var (
		file      string
		sourceKey string
		tzName    string
	)

	cmd := &cobra.Command{
		Use:   "readerbot",
		Short: "Import a reader-bot JSON message dump",
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

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			msgs, err := importer.ParseReaderBot(f, a.loadLocation(tzName))
			if err != nil {
				return fmt.Errorf("parse dump: %w", err)
			}
			return saveImport(a, src, "readerbot_json", msgs)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to the JSON dump")
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key, e.g. discord:123456")
	cmd.Flags().StringVar(&tzName, "timezone", "", "timezone for naive timestamps")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("source")
	return cmd
}

func saveImport(a *app, src source.Source, format string, msgs []chat.Message) error {
	rec, err := a.imports.Save(src, format, msgs)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "imported %d messages for %s (%s to %s, import %s)\n",
		rec.MessageCount, src.Key(), rec.DateFrom, rec.DateTo, rec.ImportID)
	return nil
}
