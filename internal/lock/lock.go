// Package lock implements the TTL lease protocol that serialises work on
// a summary slot. The lease lives inside the slot's sidecar, so the lock
// state travels with the artifact and survives process restarts; a stale
// lease is recovered by waiting out its TTL, never by coordination.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
)

// DefaultTTL is the lease duration when none is configured.
const DefaultTTL = 300 * time.Second

var (
	// ErrLocked is returned when another job holds a live lease.
	ErrLocked = errors.New("slot locked by another job")
	// ErrComplete is returned when acquisition targets a complete slot.
	ErrComplete = errors.New("slot already complete")
	// ErrNotOwner is returned when a job manipulates a lease it does not hold.
	ErrNotOwner = errors.New("lock not held by this job")
)

// Manager hands out and retires slot leases.
type Manager struct {
	layout layout.Layout
	logger *slog.Logger
	ttl    time.Duration
	host   string

	// now is swappable in tests.
	now func() time.Time
}

func NewManager(l layout.Layout, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	host, _ := os.Hostname()
	return &Manager{
		layout: l,
		logger: logger,
		ttl:    ttl,
		host:   host,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire takes the lease on (src, p) for jobID.
//
// A fresh slot gets a new sidecar in the generating state. A complete
// slot is refused outright. A slot whose lease is still live is refused
// with ErrLocked. An expired lease is taken over, logging the previous
// holder.
func (m *Manager) Acquire(src source.Source, p period.Period, jobID string) (*sidecar.Lock, error) {
	metaPath := m.layout.MetaPath(src, p)
	now := m.now()

	meta, err := sidecar.Read(metaPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	if meta == nil {
		meta = &sidecar.Metadata{Period: &p, Source: &src}
	}

	if meta.Status == sidecar.StatusComplete {
		return nil, ErrComplete
	}
	if meta.Lock != nil {
		if !meta.Lock.Expired(now) {
			return nil, fmt.Errorf("%w: job %s until %s", ErrLocked,
				meta.Lock.JobID, meta.Lock.ExpiresAt.Format(time.RFC3339))
		}
		m.logger.Warn("taking over expired lock",
			"source", src.Key(),
			"period", p.Name(),
			"previous_job", meta.Lock.JobID,
			"expired_at", meta.Lock.ExpiresAt,
		)
	}

	lock := &sidecar.Lock{
		JobID:      jobID,
		AcquiredAt: now,
		AcquiredBy: m.host,
		ExpiresAt:  now.Add(m.ttl),
	}
	meta.Lock = lock
	meta.Status = sidecar.StatusGenerating
	if err := sidecar.Write(metaPath, meta); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return lock, nil
}

// Extend pushes the lease expiry out by one TTL. Only the holder may
// extend.
func (m *Manager) Extend(src source.Source, p period.Period, jobID string) error {
	metaPath := m.layout.MetaPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	if meta.Lock == nil || meta.Lock.JobID != jobID {
		return ErrNotOwner
	}
	meta.Lock.ExpiresAt = m.now().Add(m.ttl)
	return sidecar.Write(metaPath, meta)
}

// Release drops the lease and records the terminal status of the
// attempt. Only the holder may release; the writer has usually updated
// the rest of the sidecar already, so only lock and status are touched.
func (m *Manager) Release(src source.Source, p period.Period, jobID string, status sidecar.Status) error {
	metaPath := m.layout.MetaPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	if meta.Lock == nil || meta.Lock.JobID != jobID {
		return ErrNotOwner
	}
	meta.Lock = nil
	if status != "" {
		meta.Status = status
	}
	return sidecar.Write(metaPath, meta)
}

// Reopen marks a complete slot pending so it can be regenerated. The
// deliberate override path for outdated summaries; the slot's files stay
// in place until the new write replaces them.
func (m *Manager) Reopen(src source.Source, p period.Period) error {
	metaPath := m.layout.MetaPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	if meta.Status != sidecar.StatusComplete {
		return fmt.Errorf("slot %s is %s, only complete slots reopen", p.Name(), meta.Status)
	}
	if meta.Lock != nil && !meta.Lock.Expired(m.now()) {
		return fmt.Errorf("%w: job %s", ErrLocked, meta.Lock.JobID)
	}

	m.logger.Info("reopening complete slot for regeneration",
		"source", src.Key(),
		"period", p.Name(),
		"summary_id", meta.SummaryID,
	)
	meta.Status = sidecar.StatusPending
	meta.Lock = nil
	return sidecar.Write(metaPath, meta)
}

// ForceRelease clears any lease regardless of holder and resets a
// generating slot to pending. Operator escape hatch.
func (m *Manager) ForceRelease(src source.Source, p period.Period) error {
	metaPath := m.layout.MetaPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	if meta.Lock != nil {
		m.logger.Warn("force releasing lock",
			"source", src.Key(),
			"period", p.Name(),
			"job", meta.Lock.JobID,
		)
	}
	meta.Lock = nil
	if meta.Status == sidecar.StatusGenerating {
		meta.Status = sidecar.StatusPending
	}
	return sidecar.Write(metaPath, meta)
}

// CleanupExpired sweeps the whole archive for lapsed leases, clears
// them, and resets orphaned generating slots to pending. Returns the
// number of leases cleared.
func (m *Manager) CleanupExpired() (int, error) {
	now := m.now()
	cleared := 0

	root := m.layout.SourcesDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta.json") {
			return nil
		}

		meta, err := sidecar.Read(path)
		if err != nil {
			m.logger.Warn("skipping unreadable sidecar", "path", path, "error", err)
			return nil
		}
		if meta.Lock == nil || !meta.Lock.Expired(now) {
			return nil
		}

		m.logger.Info("clearing expired lock",
			"path", path,
			"job", meta.Lock.JobID,
			"expired_at", meta.Lock.ExpiresAt,
		)
		meta.Lock = nil
		if meta.Status == sidecar.StatusGenerating {
			meta.Status = sidecar.StatusPending
		}
		if err := sidecar.Write(path, meta); err != nil {
			return fmt.Errorf("clear lock %s: %w", path, err)
		}
		cleared++
		return nil
	})
	if err != nil {
		return cleared, err
	}
	return cleared, nil
}
