package lock

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
)

func testManager(t *testing.T) (*Manager, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	m := NewManager(l, 5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, l
}

func testSlot() (source.Source, period.Period) {
	src := source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"}
	return src, period.ForDay(2026, time.February, 11, time.UTC)
}

func TestAcquire_FreshSlot(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	lk, err := m.Acquire(src, p, "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lk.JobID != "job-1" {
		t.Errorf("job id = %q", lk.JobID)
	}
	if got := lk.ExpiresAt.Sub(lk.AcquiredAt); got != 5*time.Minute {
		t.Errorf("lease duration = %v, want 5m", got)
	}

	meta, err := sidecar.Read(l.MetaPath(src, p))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != sidecar.StatusGenerating {
		t.Errorf("status = %q, want generating", meta.Status)
	}
	if meta.Lock == nil || meta.Lock.JobID != "job-1" {
		t.Errorf("lock = %+v", meta.Lock)
	}
}

func TestAcquire_RefusesCompleteSlot(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	if err := sidecar.Write(l.MetaPath(src, p), &sidecar.Metadata{Status: sidecar.StatusComplete}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(src, p, "job-1"); !errors.Is(err, ErrComplete) {
		t.Errorf("expected ErrComplete, got %v", err)
	}
}

func TestAcquire_RefusesLiveLock(t *testing.T) {
	m, _ := testManager(t)
	src, p := testSlot()

	if _, err := m.Acquire(src, p, "job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(src, p, "job-2"); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestAcquire_TakesOverExpiredLock(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	if _, err := m.Acquire(src, p, "job-1"); err != nil {
		t.Fatal(err)
	}

	// Move the clock past the lease.
	m.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	lk, err := m.Acquire(src, p, "job-2")
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if lk.JobID != "job-2" {
		t.Errorf("job id = %q, want job-2", lk.JobID)
	}
	meta, _ := sidecar.Read(l.MetaPath(src, p))
	if meta.Lock.JobID != "job-2" {
		t.Errorf("sidecar lock holder = %q", meta.Lock.JobID)
	}
}

func TestExtend_OwnerOnly(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	lk, err := m.Acquire(src, p, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(src, p, "job-2"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	m.now = func() time.Time { return lk.AcquiredAt.Add(4 * time.Minute) }
	if err := m.Extend(src, p, "job-1"); err != nil {
		t.Fatalf("extend: %v", err)
	}
	meta, _ := sidecar.Read(l.MetaPath(src, p))
	if !meta.Lock.ExpiresAt.After(lk.ExpiresAt) {
		t.Errorf("expiry not extended: %v -> %v", lk.ExpiresAt, meta.Lock.ExpiresAt)
	}
}

func TestRelease_SetsStatusAndClearsLock(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	if _, err := m.Acquire(src, p, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(src, p, "job-2", sidecar.StatusIncomplete); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := m.Release(src, p, "job-1", sidecar.StatusIncomplete); err != nil {
		t.Fatalf("release: %v", err)
	}

	meta, _ := sidecar.Read(l.MetaPath(src, p))
	if meta.Lock != nil {
		t.Errorf("lock survived release: %+v", meta.Lock)
	}
	if meta.Status != sidecar.StatusIncomplete {
		t.Errorf("status = %q, want incomplete", meta.Status)
	}
}

func TestForceRelease_ResetsGeneratingToPending(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	if _, err := m.Acquire(src, p, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.ForceRelease(src, p); err != nil {
		t.Fatalf("force release: %v", err)
	}

	meta, _ := sidecar.Read(l.MetaPath(src, p))
	if meta.Lock != nil {
		t.Errorf("lock survived force release: %+v", meta.Lock)
	}
	if meta.Status != sidecar.StatusPending {
		t.Errorf("status = %q, want pending", meta.Status)
	}
}

func TestReopen(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()

	if err := sidecar.Write(l.MetaPath(src, p), &sidecar.Metadata{
		SummaryID: "sum-1",
		Status:    sidecar.StatusComplete,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Reopen(src, p); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	meta, _ := sidecar.Read(l.MetaPath(src, p))
	if meta.Status != sidecar.StatusPending {
		t.Errorf("status = %q, want pending", meta.Status)
	}

	// A reopened slot accepts a fresh lease.
	if _, err := m.Acquire(src, p, "job-1"); err != nil {
		t.Fatalf("acquire after reopen: %v", err)
	}

	// Only complete slots reopen.
	if err := m.Reopen(src, p); err == nil {
		t.Error("expected error reopening a generating slot")
	}
}

func TestCleanupExpired(t *testing.T) {
	m, l := testManager(t)
	src, p := testSlot()
	src2 := source.Source{Type: source.TypeDiscord, ServerID: "999", ServerName: "Other"}

	if _, err := m.Acquire(src, p, "job-stale"); err != nil {
		t.Fatal(err)
	}

	// A live lock on another slot must survive the sweep.
	m.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	if _, err := m.Acquire(src2, p, "job-live"); err != nil {
		t.Fatal(err)
	}

	cleared, err := m.CleanupExpired()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	stale, _ := sidecar.Read(l.MetaPath(src, p))
	if stale.Lock != nil || stale.Status != sidecar.StatusPending {
		t.Errorf("stale slot not reset: %+v", stale)
	}
	live, _ := sidecar.Read(l.MetaPath(src2, p))
	if live.Lock == nil || live.Lock.JobID != "job-live" {
		t.Errorf("live lock disturbed: %+v", live.Lock)
	}
}
