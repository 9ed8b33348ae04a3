// Package ledger tracks generation spend. Every token spent is recorded
// against its source and calendar month, so budget checks and reports
// never need to re-walk the archive.
package ledger

import (
	"context"
	"time"

	"github.com/summarybot/archivist/internal/pricing"
)

// Entry is one recorded generation cost.
type Entry struct {
	SourceKey      string    `json:"source_key"`
	Date           string    `json:"date"` // period identity date, YYYY-MM-DD
	SummaryID      string    `json:"summary_id,omitempty"`
	Model          string    `json:"model"`
	TokensInput    int       `json:"tokens_input"`
	TokensOutput   int       `json:"tokens_output"`
	CostUSD        float64   `json:"cost_usd"`
	PricingVersion string    `json:"pricing_version,omitempty"`
	APIKeySource   string    `json:"api_key_source,omitempty"` // channel, server, or default
	APIKeyRef      string    `json:"api_key_ref,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Month extracts the calendar month bucket (YYYY-MM) for the entry.
func (e Entry) Month() string {
	if len(e.Date) >= 7 {
		return e.Date[:7]
	}
	return e.RecordedAt.UTC().Format("2006-01")
}

// MonthlySpend is an aggregate bucket for one source and month.
type MonthlySpend struct {
	CostUSD      float64 `json:"cost_usd"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	Summaries    int     `json:"summaries"`
}

// Store is the ledger backend. The file store serves a single archivist
// process; the Postgres store serves deployments where several writers
// share one archive.
type Store interface {
	Record(ctx context.Context, e Entry) error
	MonthSpend(ctx context.Context, sourceKey, month string) (MonthlySpend, error)
	TotalSpend(ctx context.Context) (float64, error)
}

// Estimate is a pre-flight cost projection for a backfill run.
type Estimate struct {
	Periods        int     `json:"periods"`
	TokensInput    int     `json:"tokens_input"`
	TokensOutput   int     `json:"tokens_output"`
	CostUSD        float64 `json:"cost_usd"`
	Model          string  `json:"model"`
	PricingVersion string  `json:"pricing_version"`
}

// Typical token shape of one summary generation: roughly five thousand
// tokens, four parts transcript to one part summary.
const (
	estTokensPerPeriod = 5000
	estInputShare      = 0.8
)

// EstimateBackfill projects the cost of generating n periods with model
// at today's rates.
func EstimateBackfill(book *pricing.Book, model string, n int) Estimate {
	tokensIn := int(float64(n*estTokensPerPeriod) * estInputShare)
	tokensOut := n*estTokensPerPeriod - tokensIn
	c := book.CalculateCost(model, tokensIn, tokensOut, time.Now().UTC())
	return Estimate{
		Periods:        n,
		TokensInput:    tokensIn,
		TokensOutput:   tokensOut,
		CostUSD:        c.AmountUSD,
		Model:          model,
		PricingVersion: c.PricingVersion,
	}
}

// CheckBudget reports whether spending extra USD on sourceKey this month
// stays inside budget. A zero or negative budget means unlimited.
func CheckBudget(ctx context.Context, s Store, sourceKey, month string, budgetUSD, extraUSD float64) (bool, float64, error) {
	if budgetUSD <= 0 {
		return true, 0, nil
	}
	spend, err := s.MonthSpend(ctx, sourceKey, month)
	if err != nil {
		return false, 0, err
	}
	return spend.CostUSD+extraUSD <= budgetUSD, spend.CostUSD, nil
}
