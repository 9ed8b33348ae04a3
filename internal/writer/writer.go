// Package writer emits the two files that make up a summary artifact:
// the Markdown document and its JSON sidecar. Writes are ordered
// metadata → Markdown → metadata finalization so readers can always
// trust the sidecar over the presence of the Markdown file.
package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
)

// ErrAlreadyComplete is returned when a write would touch a slot that
// already holds a complete artifact. The writer never deletes or mutates
// complete artifacts.
var ErrAlreadyComplete = errors.New("slot already holds a complete summary")

// SummaryInput is everything the writer needs beyond the slot identity.
type SummaryInput struct {
	Content        string
	Stats          *sidecar.Statistics
	Generation     *sidecar.Generation
	IsBackfill     bool
	BackfillReason string
}

type Writer struct {
	layout layout.Layout
	logger *slog.Logger
}

func New(l layout.Layout, logger *slog.Logger) *Writer {
	return &Writer{layout: l, logger: logger}
}

// Layout exposes the path scheme the writer persists under.
func (w *Writer) Layout() layout.Layout {
	return w.layout
}

// Checksum returns the first 16 hex characters of the SHA-256 of content.
// This is the value stored in integrity.content_checksum.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// WriteSummary renders and persists a complete summary for (src, p),
// returning the Markdown path.
func (w *Writer) WriteSummary(src source.Source, p period.Period, in SummaryInput) (string, error) {
	metaPath := w.layout.MetaPath(src, p)
	mdPath := w.layout.SummaryPath(src, p)

	existing, err := sidecar.Read(metaPath)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read sidecar: %w", err)
	}
	if existing != nil && existing.Status == sidecar.StatusComplete {
		return "", ErrAlreadyComplete
	}

	doc := w.render(src, p, in)
	checksum := Checksum([]byte(doc))
	now := time.Now().UTC()

	// Phase 1: sidecar marks the slot as in-flight. An existing lock is
	// preserved; the lock manager owns its lifecycle.
	meta := &sidecar.Metadata{
		Period: &p,
		Source: &src,
		Status: sidecar.StatusGenerating,
	}
	if existing != nil {
		meta.Lock = existing.Lock
	}
	if err := sidecar.Write(metaPath, meta); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}

	// Phase 2: the Markdown, in a single create-and-replace.
	if err := writeFileAtomic(mdPath, []byte(doc)); err != nil {
		return "", fmt.Errorf("write markdown: %w", err)
	}

	// Phase 3: finalize the sidecar.
	meta.SummaryID = uuid.NewString()
	meta.GeneratedAt = &now
	meta.Status = sidecar.StatusComplete
	meta.Statistics = in.Stats
	meta.Generation = in.Generation
	meta.Integrity = &sidecar.Integrity{ContentChecksum: checksum}
	if in.IsBackfill {
		meta.Backfill = &sidecar.Backfill{IsBackfill: true, BackfilledAt: &now, Reason: in.BackfillReason}
	}
	if err := sidecar.Write(metaPath, meta); err != nil {
		return "", fmt.Errorf("finalize sidecar: %w", err)
	}

	w.logger.Info("summary written",
		"source", src.Key(),
		"period", p.Name(),
		"checksum", checksum,
	)
	return mdPath, nil
}

// WriteIncompleteMarker records that a slot was attempted but produced no
// summary, returning the sidecar path.
func (w *Writer) WriteIncompleteMarker(src source.Source, p period.Period, code, message string, details map[string]string, backfillEligible bool) (string, error) {
	metaPath := w.layout.MetaPath(src, p)

	existing, err := sidecar.Read(metaPath)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read sidecar: %w", err)
	}
	if existing != nil && existing.Status == sidecar.StatusComplete {
		return "", ErrAlreadyComplete
	}

	meta := &sidecar.Metadata{
		Period:           &p,
		Source:           &src,
		Status:           sidecar.StatusIncomplete,
		IncompleteReason: &sidecar.IncompleteReason{Code: code, Message: message, Details: details},
		BackfillEligible: backfillEligible,
	}
	if existing != nil {
		meta.Lock = existing.Lock
	}
	if err := sidecar.Write(metaPath, meta); err != nil {
		return "", fmt.Errorf("write incomplete marker: %w", err)
	}

	w.logger.Info("incomplete marker written",
		"source", src.Key(),
		"period", p.Name(),
		"code", code,
		"backfill_eligible", backfillEligible,
	)
	return metaPath, nil
}

// render builds the full Markdown document: platform header, the opaque
// body between separators, and a generation footer.
func (w *Writer) render(src source.Source, p period.Period, in SummaryInput) string {
	var sb strings.Builder

	title := "Summary"
	switch p.Granularity {
	case period.Daily:
		title = "Daily Summary"
	case period.Weekly:
		title = "Weekly Summary"
	case period.Monthly:
		title = "Monthly Summary"
	}
	fmt.Fprintf(&sb, "# %s — %s: %s\n\n", src.ServerName, title, p.Date())

	fmt.Fprintf(&sb, "**%s:** %s\n", src.PlatformLabel(), src.ServerName)
	if src.HasChannel() {
		fmt.Fprintf(&sb, "**Channel:** #%s\n", src.ChannelName)
	}
	fmt.Fprintf(&sb, "**Date:** %s\n", p.Date())
	fmt.Fprintf(&sb, "**Timezone:** %s\n", p.Timezone)
	fmt.Fprintf(&sb, "**Period:** %s → %s (%.0fh)\n",
		p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339), p.ActualHours())
	if in.Stats != nil {
		fmt.Fprintf(&sb, "**Messages:** %d · **Participants:** %d\n",
			in.Stats.MessageCount, in.Stats.ParticipantCount)
	}

	sb.WriteString("\n---\n\n")
	sb.WriteString(strings.TrimRight(in.Content, "\n"))
	sb.WriteString("\n\n---\n\n")

	if g := in.Generation; g != nil {
		fmt.Fprintf(&sb, "_Generated %s · prompt %s (%s) · %s · $%.6f_\n",
			time.Now().UTC().Format(time.RFC3339), g.PromptVersion, g.PromptChecksum, g.Model, g.CostUSD)
	} else {
		fmt.Fprintf(&sb, "_Generated %s_\n", time.Now().UTC().Format(time.RFC3339))
	}

	return sb.String()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".md-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
