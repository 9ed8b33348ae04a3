package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// document is the on-disk ledger shape. The whole document is rewritten
// on every record; the file is small and the atomic replace keeps
// readers consistent.
type document struct {
	SchemaVersion  int                                 `json:"schema_version"`
	Currency       string                              `json:"currency"`
	TotalCostUSD   float64                             `json:"total_cost_usd"`
	TotalTokensIn  int                                 `json:"total_tokens_input"`
	TotalTokensOut int                                 `json:"total_tokens_output"`
	Sources        map[string]map[string]*MonthlySpend `json:"sources"`
	Entries        []Entry                             `json:"entries"`
}

// FileStore keeps the ledger in one JSON document at the archive root.
// Safe for concurrent use within a single process only.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  document
}

// OpenFile loads (or initialises) the ledger document at path.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.doc = document{
			SchemaVersion: 1,
			Currency:      "USD",
			Sources:       map[string]map[string]*MonthlySpend{},
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if s.doc.Sources == nil {
		s.doc.Sources = map[string]map[string]*MonthlySpend{}
	}
	return s, nil
}

func (s *FileStore) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	months := s.doc.Sources[e.SourceKey]
	if months == nil {
		months = map[string]*MonthlySpend{}
		s.doc.Sources[e.SourceKey] = months
	}
	bucket := months[e.Month()]
	if bucket == nil {
		bucket = &MonthlySpend{}
		months[e.Month()] = bucket
	}

	bucket.CostUSD = round6(bucket.CostUSD + e.CostUSD)
	bucket.TokensInput += e.TokensInput
	bucket.TokensOutput += e.TokensOutput
	bucket.Summaries++

	s.doc.TotalCostUSD = round6(s.doc.TotalCostUSD + e.CostUSD)
	s.doc.TotalTokensIn += e.TokensInput
	s.doc.TotalTokensOut += e.TokensOutput
	s.doc.Entries = append(s.doc.Entries, e)

	return s.save()
}

func (s *FileStore) MonthSpend(ctx context.Context, sourceKey, month string) (MonthlySpend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket := s.doc.Sources[sourceKey][month]; bucket != nil {
		return *bucket, nil
	}
	return MonthlySpend{}, nil
}

func (s *FileStore) TotalSpend(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.TotalCostUSD, nil
}

func (s *FileStore) save() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
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

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
