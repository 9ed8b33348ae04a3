// Package layout derives every path in the archive tree. Paths are
// computed, never stored; the directory convention is a stable contract
// that external tools may read without coordinating with the archive.
package layout

import (
	"path/filepath"

	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/source"
)

// Layout resolves paths under a single archive root.
type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) SourcesDir() string {
	return filepath.Join(l.Root, "sources")
}

// SourceDir is the top directory for one source, including the channel
// segment when the source is channel-scoped.
func (l Layout) SourceDir(src source.Source) string {
	dir := filepath.Join(l.SourcesDir(), string(src.Type), src.Folder())
	if src.HasChannel() {
		dir = filepath.Join(dir, "channels", src.ChannelFolder())
	}
	return dir
}

func (l Layout) SummariesDir(src source.Source) string {
	return filepath.Join(l.SourceDir(src), "summaries")
}

// SummaryPath returns the Markdown path for a slot.
func (l Layout) SummaryPath(src source.Source, p period.Period) string {
	y, m := p.YearMonth()
	return filepath.Join(l.SummariesDir(src), y, m, p.Name()+".md")
}

// MetaPath returns the sidecar path for a slot.
func (l Layout) MetaPath(src source.Source, p period.Period) string {
	y, m := p.YearMonth()
	return filepath.Join(l.SummariesDir(src), y, m, p.Name()+".meta.json")
}

// MetaPathFor converts a Markdown path to its sidecar sibling.
func MetaPathFor(mdPath string) string {
	return mdPath[:len(mdPath)-len(".md")] + ".meta.json"
}

// SummaryPathFor converts a sidecar path to its Markdown sibling.
func SummaryPathFor(metaPath string) string {
	return metaPath[:len(metaPath)-len(".meta.json")] + ".md"
}

func (l Layout) ManifestPath() string {
	return filepath.Join(l.Root, "manifest.json")
}

func (l Layout) LedgerPath() string {
	return filepath.Join(l.Root, "cost-ledger.json")
}

func (l Layout) PricingHistoryPath() string {
	return filepath.Join(l.Root, "pricing-history.json")
}

func (l Layout) SourceManifestPath(src source.Source) string {
	base := filepath.Join(l.SourcesDir(), string(src.Type), src.Folder())
	return filepath.Join(base, src.ManifestFilename())
}

func (l Layout) DeletedDir() string {
	return filepath.Join(l.Root, ".deleted")
}

func (l Layout) DeletedManifestPath() string {
	return filepath.Join(l.DeletedDir(), "deleted-manifest.json")
}

// QuarantineDir is where a soft-deleted slot's files live during the
// grace period.
func (l Layout) QuarantineDir(sourceKey, periodName string) string {
	return filepath.Join(l.DeletedDir(), source.SafeKey(sourceKey), periodName)
}

func (l Layout) BackupsDir() string {
	return filepath.Join(l.Root, ".backups")
}

func (l Layout) TokensDir() string {
	return filepath.Join(l.Root, ".tokens")
}

func (l Layout) ImportsDir(src source.Source) string {
	return filepath.Join(l.SourceDir(src), "imports")
}

func (l Layout) ImportManifestPath(src source.Source) string {
	return filepath.Join(l.ImportsDir(src), "import-manifest.json")
}

func (l Layout) ImportPayloadPath(src source.Source, importID string) string {
	return filepath.Join(l.ImportsDir(src), importID+"_messages.json")
}
