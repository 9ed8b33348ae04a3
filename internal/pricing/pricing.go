// Package pricing maintains the versioned model price table used for
// cost accounting. Prices are dated, never overwritten: each refresh
// appends a new table and historical cost records keep pointing at the
// version that produced them.
package pricing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultModel is used when a source manifest does not name one.
const DefaultModel = "anthropic/claude-3-haiku"

// ModelPrice is the per-1k-token rate pair for one model.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Table is one dated price list.
type Table struct {
	EffectiveFrom string                `json:"effective_from"` // YYYY-MM-DD
	Source        string                `json:"source,omitempty"`
	Models        map[string]ModelPrice `json:"models"`
}

// History is the full append-only pricing file.
type History struct {
	SchemaVersion int     `json:"schema_version"`
	Tables        []Table `json:"tables"`
}

// Cost is the result of a cost calculation.
type Cost struct {
	AmountUSD      float64
	PricingVersion string
	Model          string
}

// defaultTable seeds a fresh archive; rates mirror the public per-1k
// prices at the time of writing.
func defaultTable() Table {
	return Table{
		EffectiveFrom: "2026-01-01",
		Source:        "builtin",
		Models: map[string]ModelPrice{
			"anthropic/claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"anthropic/claude-3.5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic/claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"openai/gpt-4o-mini":          {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"openai/gpt-4o":               {InputPer1K: 0.0025, OutputPer1K: 0.01},
		},
	}
}

// Book answers pricing lookups against the on-disk history.
type Book struct {
	path    string
	logger  *slog.Logger
	history History
}

// Load reads the pricing history at path, seeding it with the builtin
// table when the file does not exist yet.
func Load(path string, logger *slog.Logger) (*Book, error) {
	b := &Book{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		b.history = History{SchemaVersion: 1, Tables: []Table{defaultTable()}}
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pricing history: %w", err)
	}
	if err := json.Unmarshal(data, &b.history); err != nil {
		return nil, fmt.Errorf("parse pricing history %s: %w", path, err)
	}
	if len(b.history.Tables) == 0 {
		b.history.Tables = []Table{defaultTable()}
	}
	b.sortTables()
	return b, nil
}

// sortTables keeps tables newest first so lookups scan forward.
func (b *Book) sortTables() {
	sort.Slice(b.history.Tables, func(i, j int) bool {
		return b.history.Tables[i].EffectiveFrom > b.history.Tables[j].EffectiveFrom
	})
}

// TableFor returns the newest table effective at t.
func (b *Book) TableFor(t time.Time) Table {
	date := t.Format("2006-01-02")
	for _, tbl := range b.history.Tables {
		if tbl.EffectiveFrom <= date {
			return tbl
		}
	}
	// Everything is in the future relative to t; the oldest table is the
	// best available answer.
	return b.history.Tables[len(b.history.Tables)-1]
}

// PriceFor resolves the rate pair for model at time t. Unknown models
// fall back to the default model's rates with a warning so cost
// tracking degrades rather than halting generation.
func (b *Book) PriceFor(model string, t time.Time) (ModelPrice, string) {
	tbl := b.TableFor(t)
	if p, ok := tbl.Models[model]; ok {
		return p, tbl.EffectiveFrom
	}
	b.logger.Warn("no price for model, using default rates",
		"model", model,
		"default_model", DefaultModel,
		"pricing_version", tbl.EffectiveFrom,
	)
	return tbl.Models[DefaultModel], tbl.EffectiveFrom
}

// CalculateCost prices a token usage pair at time t, rounding to six
// decimal places.
func (b *Book) CalculateCost(model string, tokensIn, tokensOut int, t time.Time) Cost {
	p, version := b.PriceFor(model, t)
	amount := float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
	return Cost{
		AmountUSD:      math.Round(amount*1e6) / 1e6,
		PricingVersion: version,
		Model:          model,
	}
}

// Append adds a new dated table and persists the history. An existing
// table for the same date is replaced; history before it is untouched.
func (b *Book) Append(tbl Table) error {
	kept := b.history.Tables[:0]
	for _, t := range b.history.Tables {
		if t.EffectiveFrom != tbl.EffectiveFrom {
			kept = append(kept, t)
		}
	}
	b.history.Tables = append(kept, tbl)
	b.sortTables()
	return b.save()
}

func (b *Book) save() error {
	data, err := json.MarshalIndent(b.history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pricing history: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pricing-*.tmp")
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

	if err := os.Rename(tmpPath, b.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
