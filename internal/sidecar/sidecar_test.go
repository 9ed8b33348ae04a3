package sidecar

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/source"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-02-11_daily.meta.json")

	gen := time.Date(2026, 2, 12, 3, 0, 0, 0, time.UTC)
	p := period.ForDay(2026, time.February, 11, time.UTC)
	m := &Metadata{
		SummaryID:   "sum-1",
		GeneratedAt: &gen,
		Period:      &p,
		Source:      &source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"},
		Status:      StatusComplete,
		Statistics:  &Statistics{MessageCount: 42, ParticipantCount: 7, WordCount: 900, AttachmentCount: 3},
		Generation: &Generation{
			PromptVersion:  "1.1.0",
			PromptChecksum: "abcd1234",
			Model:          "anthropic/claude-3-haiku",
			TokensInput:    1000,
			TokensOutput:   200,
			CostUSD:        0.0005,
			PricingVersion: "2026-01-01",
			APIKeyUsed:     "default",
		},
		Backfill:  &Backfill{IsBackfill: true, Reason: "gap"},
		Integrity: &Integrity{ContentChecksum: "deadbeefdeadbeef"},
	}

	if err := Write(path, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got.SummaryID != m.SummaryID || got.Status != m.Status {
		t.Errorf("identity fields changed: %+v", got)
	}
	if !reflect.DeepEqual(got.Statistics, m.Statistics) {
		t.Errorf("statistics = %+v, want %+v", got.Statistics, m.Statistics)
	}
	if !reflect.DeepEqual(got.Generation, m.Generation) {
		t.Errorf("generation = %+v, want %+v", got.Generation, m.Generation)
	}
	if !reflect.DeepEqual(got.Integrity, m.Integrity) {
		t.Errorf("integrity = %+v, want %+v", got.Integrity, m.Integrity)
	}
	if got.Source.Key() != "discord:123" {
		t.Errorf("source key = %q", got.Source.Key())
	}
	if !got.GeneratedAt.Equal(gen) {
		t.Errorf("generated_at = %v, want %v", got.GeneratedAt, gen)
	}
}

func TestLockExpired(t *testing.T) {
	now := time.Now().UTC()
	l := &Lock{JobID: "j1", AcquiredAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute)}
	if !l.Expired(now) {
		t.Error("expected lock expired")
	}
	l2 := &Lock{JobID: "j2", AcquiredAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	if l2.Expired(now) {
		t.Error("expected lock live")
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.meta.json"))
	if err == nil {
		t.Fatal("expected error for missing sidecar")
	}
}

func TestWriteIsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.meta.json")

	if err := Write(path, &Metadata{Status: StatusPending}); err != nil {
		t.Fatal(err)
	}
	if err := Write(path, &Metadata{Status: StatusIncomplete, IncompleteReason: &IncompleteReason{Code: CodeNoMessages}}); err != nil {
		t.Fatal(err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusIncomplete || got.IncompleteReason.Code != CodeNoMessages {
		t.Errorf("got %+v after replace", got)
	}

	// No stray temp files left behind.
	entries, err := filepath.Glob(filepath.Join(dir, ".meta-*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
