package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the ledger in Postgres. This is the backend for
// deployments where more than one writer shares an archive: row inserts
// serialise on the database instead of on a single JSON document.
type PGStore struct {
	pool *pgxpool.Pool
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS cost_ledger (
	id              BIGSERIAL PRIMARY KEY,
	source_key      TEXT NOT NULL,
	month           TEXT NOT NULL,
	date            TEXT NOT NULL,
	summary_id      TEXT,
	model           TEXT NOT NULL,
	tokens_input    INTEGER NOT NULL,
	tokens_output   INTEGER NOT NULL,
	cost_usd        NUMERIC(12,6) NOT NULL,
	pricing_version TEXT,
	api_key_source  TEXT,
	api_key_ref     TEXT,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS cost_ledger_source_month ON cost_ledger (source_key, month);
`

// OpenPG connects to the database and ensures the ledger table exists.
func OpenPG(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Record(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_ledger (source_key, month, date, summary_id, model, tokens_input, tokens_output, cost_usd, pricing_version, api_key_source, api_key_ref, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.SourceKey, e.Month(), e.Date, e.SummaryID, e.Model,
		e.TokensInput, e.TokensOutput, e.CostUSD, e.PricingVersion,
		e.APIKeySource, e.APIKeyRef, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PGStore) MonthSpend(ctx context.Context, sourceKey, month string) (MonthlySpend, error) {
	var spend MonthlySpend
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0),
		       COUNT(*)
		FROM cost_ledger
		WHERE source_key = $1 AND month = $2`,
		sourceKey, month,
	).Scan(&spend.CostUSD, &spend.TokensInput, &spend.TokensOutput, &spend.Summaries)
	if err != nil {
		return MonthlySpend{}, fmt.Errorf("query month spend: %w", err)
	}
	return spend, nil
}

func (s *PGStore) TotalSpend(ctx context.Context) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM cost_ledger`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total spend: %w", err)
	}
	return total, nil
}
