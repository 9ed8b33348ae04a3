// Package retention ages the archive out: summaries past the retention
// window are soft-deleted into quarantine, linger through a grace
// period during which they can be recovered intact, and are only then
// destroyed, optionally leaving a zip backup behind.
package retention

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
)

// DefaultGraceDays is how long a soft-deleted summary stays
// recoverable.
const DefaultGraceDays = 30

// DeletedEntry is one quarantined slot in the deleted manifest.
type DeletedEntry struct {
	SourceKey         string    `json:"source_key"`
	PeriodName        string    `json:"period_name"`
	SummaryID         string    `json:"summary_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	DeletedAt         time.Time `json:"deleted_at"`
	PermanentDeleteAt time.Time `json:"permanent_delete_at"`
	OriginalMetaPath  string    `json:"original_meta_path"`
	OriginalMDPath    string    `json:"original_md_path,omitempty"`
}

type deletedManifest struct {
	SchemaVersion int            `json:"schema_version"`
	Entries       []DeletedEntry `json:"entries"`
}

// Manager applies the deletion lifecycle.
type Manager struct {
	layout    layout.Layout
	logger    *slog.Logger
	graceDays int

	// ArchiveBeforeDelete leaves a zip in .backups before destroying a
	// quarantined slot.
	ArchiveBeforeDelete bool

	now func() time.Time
}

func NewManager(l layout.Layout, graceDays int, logger *slog.Logger) *Manager {
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}
	return &Manager{
		layout:    l,
		logger:    logger,
		graceDays: graceDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SoftDelete moves a slot's file pair into quarantine and records it in
// the deleted manifest. The quarantined sidecar carries deleted status
// and timestamp so even a detached copy explains itself.
func (m *Manager) SoftDelete(src source.Source, p period.Period, reason string) (DeletedEntry, error) {
	metaPath := m.layout.MetaPath(src, p)
	mdPath := m.layout.SummaryPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if err != nil {
		return DeletedEntry{}, fmt.Errorf("read sidecar: %w", err)
	}
	if meta.Status == sidecar.StatusDeleted {
		return DeletedEntry{}, fmt.Errorf("slot %s already deleted", p.Name())
	}

	now := m.now()
	qdir := m.layout.QuarantineDir(src.Key(), p.Name())
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return DeletedEntry{}, fmt.Errorf("mkdir quarantine: %w", err)
	}

	meta.Status = sidecar.StatusDeleted
	meta.DeletedAt = &now
	meta.Lock = nil
	if err := sidecar.Write(metaPath, meta); err != nil {
		return DeletedEntry{}, fmt.Errorf("mark deleted: %w", err)
	}

	if err := os.Rename(metaPath, filepath.Join(qdir, filepath.Base(metaPath))); err != nil {
		return DeletedEntry{}, fmt.Errorf("quarantine sidecar: %w", err)
	}
	hadMD := true
	if err := os.Rename(mdPath, filepath.Join(qdir, filepath.Base(mdPath))); err != nil {
		if !os.IsNotExist(err) {
			return DeletedEntry{}, fmt.Errorf("quarantine markdown: %w", err)
		}
		hadMD = false // incomplete slots have no markdown
	}

	entry := DeletedEntry{
		SourceKey:         src.Key(),
		PeriodName:        p.Name(),
		SummaryID:         meta.SummaryID,
		Reason:            reason,
		DeletedAt:         now,
		PermanentDeleteAt: now.AddDate(0, 0, m.graceDays),
		OriginalMetaPath:  metaPath,
	}
	if hadMD {
		entry.OriginalMDPath = mdPath
	}

	manifest, err := m.loadManifest()
	if err != nil {
		return DeletedEntry{}, err
	}
	manifest.Entries = append(manifest.Entries, entry)
	if err := m.saveManifest(manifest); err != nil {
		return DeletedEntry{}, err
	}

	m.logger.Info("summary soft-deleted",
		"source", src.Key(),
		"period", p.Name(),
		"reason", reason,
		"permanent_delete_at", entry.PermanentDeleteAt,
	)
	return entry, nil
}

// Recover moves a quarantined slot back into place. Files already
// missing from quarantine are skipped rather than failing the whole
// recovery.
func (m *Manager) Recover(sourceKey, periodName string) error {
	manifest, err := m.loadManifest()
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range manifest.Entries {
		if e.SourceKey == sourceKey && e.PeriodName == periodName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("no quarantined slot %s for %s", periodName, sourceKey)
	}
	entry := manifest.Entries[idx]
	qdir := m.layout.QuarantineDir(sourceKey, periodName)

	if err := os.MkdirAll(filepath.Dir(entry.OriginalMetaPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	qmeta := filepath.Join(qdir, filepath.Base(entry.OriginalMetaPath))
	if err := os.Rename(qmeta, entry.OriginalMetaPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("restore sidecar: %w", err)
	}
	if entry.OriginalMDPath != "" {
		qmd := filepath.Join(qdir, filepath.Base(entry.OriginalMDPath))
		if err := os.Rename(qmd, entry.OriginalMDPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore markdown: %w", err)
		}
	}
	os.Remove(qdir)

	// Reinstate the pre-deletion status.
	if meta, err := sidecar.Read(entry.OriginalMetaPath); err == nil {
		meta.DeletedAt = nil
		if entry.OriginalMDPath != "" {
			meta.Status = sidecar.StatusComplete
		} else {
			meta.Status = sidecar.StatusIncomplete
		}
		if err := sidecar.Write(entry.OriginalMetaPath, meta); err != nil {
			return fmt.Errorf("reinstate sidecar: %w", err)
		}
	}

	manifest.Entries = append(manifest.Entries[:idx], manifest.Entries[idx+1:]...)
	if err := m.saveManifest(manifest); err != nil {
		return err
	}
	m.logger.Info("summary recovered", "source", sourceKey, "period", periodName)
	return nil
}

// PermanentDelete destroys a quarantined slot, writing a zip backup
// first when configured.
func (m *Manager) PermanentDelete(sourceKey, periodName string) error {
	manifest, err := m.loadManifest()
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range manifest.Entries {
		if e.SourceKey == sourceKey && e.PeriodName == periodName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("no quarantined slot %s for %s", periodName, sourceKey)
	}
	qdir := m.layout.QuarantineDir(sourceKey, periodName)

	if m.ArchiveBeforeDelete {
		zipPath := filepath.Join(m.layout.BackupsDir(),
			fmt.Sprintf("%s_%s_%s.zip", source.SafeKey(sourceKey), periodName, m.now().Format("20060102T150405Z")))
		if err := zipDir(qdir, zipPath); err != nil {
			return fmt.Errorf("backup before delete: %w", err)
		}
		m.logger.Info("backup written", "path", zipPath)
	}

	if err := os.RemoveAll(qdir); err != nil {
		return fmt.Errorf("remove quarantine: %w", err)
	}
	manifest.Entries = append(manifest.Entries[:idx], manifest.Entries[idx+1:]...)
	if err := m.saveManifest(manifest); err != nil {
		return err
	}
	m.logger.Info("summary permanently deleted", "source", sourceKey, "period", periodName)
	return nil
}

// CleanupExpired permanently deletes every quarantined slot whose grace
// period has lapsed. Returns how many were destroyed.
func (m *Manager) CleanupExpired() (int, error) {
	manifest, err := m.loadManifest()
	if err != nil {
		return 0, err
	}
	now := m.now()
	deleted := 0
	for _, e := range manifest.Entries {
		if now.Before(e.PermanentDeleteAt) {
			continue
		}
		if err := m.PermanentDelete(e.SourceKey, e.PeriodName); err != nil {
			m.logger.Error("expired cleanup failed",
				"source", e.SourceKey, "period", e.PeriodName, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// ApplyPolicy soft-deletes every complete summary of src older than
// retentionDays. Age is measured from when the summary was generated,
// not from the period it covers: a freshly backfilled summary of an
// old week is new content and gets a full retention window. Zero
// disables aging entirely.
func (m *Manager) ApplyPolicy(src source.Source, retentionDays int, loc *time.Location) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := m.now().In(loc).AddDate(0, 0, -retentionDays)
	deleted := 0

	summariesDir := m.layout.SummariesDir(src)
	err := filepath.WalkDir(summariesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		meta, err := sidecar.Read(path)
		if err != nil || meta.Status != sidecar.StatusComplete || meta.Period == nil {
			return nil
		}
		age := meta.Period.End
		if meta.GeneratedAt != nil {
			age = *meta.GeneratedAt
		}
		if !age.Before(cutoff) {
			return nil
		}
		if _, err := m.SoftDelete(src, *meta.Period, "retention policy"); err != nil {
			m.logger.Warn("retention soft-delete failed", "path", path, "error", err)
			return nil
		}
		deleted++
		return nil
	})
	return deleted, err
}

// Quarantined lists the current deleted manifest entries.
func (m *Manager) Quarantined() ([]DeletedEntry, error) {
	manifest, err := m.loadManifest()
	if err != nil {
		return nil, err
	}
	return manifest.Entries, nil
}

func (m *Manager) loadManifest() (*deletedManifest, error) {
	data, err := os.ReadFile(m.layout.DeletedManifestPath())
	if os.IsNotExist(err) {
		return &deletedManifest{SchemaVersion: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deleted manifest: %w", err)
	}
	var dm deletedManifest
	if err := json.Unmarshal(data, &dm); err != nil {
		return nil, fmt.Errorf("parse deleted manifest: %w", err)
	}
	return &dm, nil
}

func (m *Manager) saveManifest(dm *deletedManifest) error {
	data, err := json.MarshalIndent(dm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deleted manifest: %w", err)
	}
	if err := os.MkdirAll(m.layout.DeletedDir(), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return os.WriteFile(m.layout.DeletedManifestPath(), data, 0o644)
}
