package pricing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_SeedsBuiltinTable(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "pricing-history.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p, version := b.PriceFor(DefaultModel, time.Now())
	if p.InputPer1K != 0.00025 || p.OutputPer1K != 0.00125 {
		t.Errorf("default rates = %+v", p)
	}
	if version == "" {
		t.Error("expected a pricing version")
	}
}

func TestCalculateCost(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "pricing-history.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// 1000 input + 200 output tokens on haiku.
	c := b.CalculateCost("anthropic/claude-3-haiku", 1000, 200, time.Now())
	if c.AmountUSD != 0.0005 {
		t.Errorf("cost = %v, want 0.0005", c.AmountUSD)
	}
	if c.PricingVersion == "" {
		t.Error("cost must carry its pricing version")
	}
}

func TestPriceFor_UnknownModelFallsBack(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "pricing-history.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := b.PriceFor("nobody/mystery-model", time.Now())
	def, _ := b.PriceFor(DefaultModel, time.Now())
	if p != def {
		t.Errorf("fallback = %+v, want default %+v", p, def)
	}
}

func TestTableFor_PicksNewestEffective(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing-history.json")
	b, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	newer := Table{
		EffectiveFrom: "2026-06-01",
		Models:        map[string]ModelPrice{DefaultModel: {InputPer1K: 0.0005, OutputPer1K: 0.0025}},
	}
	if err := b.Append(newer); err != nil {
		t.Fatal(err)
	}

	// Before the new table takes effect, the old rates apply.
	old, _ := b.PriceFor(DefaultModel, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if old.InputPer1K != 0.00025 {
		t.Errorf("march rate = %v, want builtin 0.00025", old.InputPer1K)
	}
	cur, version := b.PriceFor(DefaultModel, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if cur.InputPer1K != 0.0005 || version != "2026-06-01" {
		t.Errorf("july rate = %v version %s", cur.InputPer1K, version)
	}

	// The history file is persisted and reloadable.
	b2, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(b2.history.Tables) != 2 {
		t.Errorf("reloaded tables = %d, want 2", len(b2.history.Tables))
	}
}

func TestRefresh_AppendsCatalogTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "anthropic/claude-3-haiku", "pricing": map[string]string{"prompt": "0.00000025", "completion": "0.00000125"}},
				{"id": "free/model", "pricing": map[string]string{"prompt": "0", "completion": "0"}},
			},
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pricing-history.json")
	b, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	c := NewCatalogClient("")
	c.url = srv.URL
	if err := b.Refresh(context.Background(), c); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	tbl := b.TableFor(time.Now().UTC())
	if tbl.EffectiveFrom != today || tbl.Source != "openrouter" {
		t.Errorf("table = %s/%s", tbl.EffectiveFrom, tbl.Source)
	}
	p := tbl.Models["anthropic/claude-3-haiku"]
	if math.Abs(p.InputPer1K-0.00025) > 1e-12 || math.Abs(p.OutputPer1K-0.00125) > 1e-12 {
		t.Errorf("converted rates = %+v", p)
	}
	if _, ok := tbl.Models["free/model"]; ok {
		t.Error("zero-priced models must be dropped")
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("history not persisted: %v", err)
	}
}
