package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/pricing"
)

func entry(key, date string, cost float64) Entry {
	return Entry{
		SourceKey:    key,
		Date:         date,
		Model:        "anthropic/claude-3-haiku",
		TokensInput:  1000,
		TokensOutput: 200,
		CostUSD:      cost,
		RecordedAt:   time.Now().UTC(),
	}
}

func TestFileStore_RecordAndAggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost-ledger.json")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, e := range []Entry{
		entry("discord:123", "2026-02-11", 0.0005),
		entry("discord:123", "2026-02-12", 0.0005),
		entry("discord:123", "2026-03-01", 0.0010),
		entry("discord:999", "2026-02-11", 0.0020),
	} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	feb, err := s.MonthSpend(ctx, "discord:123", "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if feb.CostUSD != 0.001 || feb.Summaries != 2 {
		t.Errorf("feb spend = %+v", feb)
	}
	if feb.TokensInput != 2000 || feb.TokensOutput != 400 {
		t.Errorf("feb tokens = %+v", feb)
	}

	total, err := s.TotalSpend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0.004 {
		t.Errorf("total = %v, want 0.004", total)
	}

	// Aggregates survive a reload.
	s2, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	feb2, _ := s2.MonthSpend(ctx, "discord:123", "2026-02")
	if feb2 != feb {
		t.Errorf("reloaded spend = %+v, want %+v", feb2, feb)
	}
}

func TestMonthSpend_UnknownBucketIsZero(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "cost-ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	spend, err := s.MonthSpend(context.Background(), "discord:nope", "2026-01")
	if err != nil {
		t.Fatal(err)
	}
	if spend != (MonthlySpend{}) {
		t.Errorf("spend = %+v, want zero", spend)
	}
}

func TestEstimateBackfill(t *testing.T) {
	book, err := pricing.Load(filepath.Join(t.TempDir(), "pricing-history.json"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	est := EstimateBackfill(book, "anthropic/claude-3-haiku", 10)
	if est.Periods != 10 {
		t.Errorf("periods = %d", est.Periods)
	}
	if est.TokensInput != 40000 || est.TokensOutput != 10000 {
		t.Errorf("token split = %d/%d, want 40000/10000", est.TokensInput, est.TokensOutput)
	}
	// 40k in @ 0.00025/1k + 10k out @ 0.00125/1k = 0.0225
	if est.CostUSD != 0.0225 {
		t.Errorf("cost = %v, want 0.0225", est.CostUSD)
	}
}

func TestCheckBudget(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "cost-ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Record(ctx, entry("discord:123", "2026-02-11", 4.50)); err != nil {
		t.Fatal(err)
	}

	ok, spent, err := CheckBudget(ctx, s, "discord:123", "2026-02", 5.00, 0.40)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || spent != 4.50 {
		t.Errorf("ok=%v spent=%v, want within budget", ok, spent)
	}

	ok, _, err = CheckBudget(ctx, s, "discord:123", "2026-02", 5.00, 0.60)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected budget exceeded")
	}

	// Zero budget means unlimited.
	ok, _, err = CheckBudget(ctx, s, "discord:123", "2026-02", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("zero budget must be unlimited")
	}
}
