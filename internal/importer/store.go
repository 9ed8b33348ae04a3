package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/source"
)

// ImportRecord is one manifest row describing a stored payload.
type ImportRecord struct {
	ImportID     string    `json:"import_id"`
	Format       string    `json:"format"` // whatsapp_txt, readerbot_json
	ImportedAt   time.Time `json:"imported_at"`
	MessageCount int       `json:"message_count"`
	DateFrom     string    `json:"date_from,omitempty"`
	DateTo       string    `json:"date_to,omitempty"`
}

type importManifest struct {
	SchemaVersion int            `json:"schema_version"`
	Imports       []ImportRecord `json:"imports"`
}

// Store persists parsed imports under a source's imports directory.
type Store struct {
	layout layout.Layout
	logger *slog.Logger
}

func NewStore(l layout.Layout, logger *slog.Logger) *Store {
	return &Store{layout: l, logger: logger}
}

// Save writes msgs as a new import payload and records it in the
// source's import manifest.
func (s *Store) Save(src source.Source, format string, msgs []chat.Message) (ImportRecord, error) {
	if len(msgs) == 0 {
		return ImportRecord{}, fmt.Errorf("import for %s contains no messages", src.Key())
	}

	sorted := make([]chat.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	rec := ImportRecord{
		ImportID:     uuid.NewString(),
		Format:       format,
		ImportedAt:   time.Now().UTC(),
		MessageCount: len(sorted),
		DateFrom:     sorted[0].Timestamp.Format("2006-01-02"),
		DateTo:       sorted[len(sorted)-1].Timestamp.Format("2006-01-02"),
	}

	payload, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return ImportRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	path := s.layout.ImportPayloadPath(src, rec.ImportID)
	if err := os.MkdirAll(s.layout.ImportsDir(src), 0o755); err != nil {
		return ImportRecord{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return ImportRecord{}, fmt.Errorf("write payload: %w", err)
	}

	manifest, err := s.loadManifest(src)
	if err != nil {
		return ImportRecord{}, err
	}
	manifest.Imports = append(manifest.Imports, rec)
	if err := s.saveManifest(src, manifest); err != nil {
		return ImportRecord{}, err
	}

	s.logger.Info("import saved",
		"source", src.Key(),
		"import_id", rec.ImportID,
		"format", format,
		"messages", rec.MessageCount,
		"range", rec.DateFrom+".."+rec.DateTo,
	)
	return rec, nil
}

// List returns the source's import records, oldest first.
func (s *Store) List(src source.Source) ([]ImportRecord, error) {
	m, err := s.loadManifest(src)
	if err != nil {
		return nil, err
	}
	return m.Imports, nil
}

func (s *Store) loadManifest(src source.Source) (*importManifest, error) {
	data, err := os.ReadFile(s.layout.ImportManifestPath(src))
	if os.IsNotExist(err) {
		return &importManifest{SchemaVersion: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read import manifest: %w", err)
	}
	var m importManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse import manifest: %w", err)
	}
	return &m, nil
}

func (s *Store) saveManifest(src source.Source, m *importManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal import manifest: %w", err)
	}
	return os.WriteFile(s.layout.ImportManifestPath(src), data, 0o644)
}

// Fetcher serves generation jobs from stored imports. Sources without a
// live API get their messages this way.
type Fetcher struct {
	store *Store
}

func NewFetcher(store *Store) *Fetcher {
	return &Fetcher{store: store}
}

// ErrNoCoverage is returned when no stored import spans the requested
// window. Callers record it as an export-unavailable failure, which is
// retryable once a covering export arrives.
var ErrNoCoverage = errors.New("no import covers the requested period")

// Fetch returns the messages of src inside [start, end), merged across
// every stored import and deduplicated by id where ids exist.
func (f *Fetcher) Fetch(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error) {
	records, err := f.store.List(src)
	if err != nil {
		return nil, err
	}

	from := start.Format("2006-01-02")
	to := end.AddDate(0, 0, -1).Format("2006-01-02")
	covered := false

	var all []chat.Message
	seen := map[string]bool{}
	for _, rec := range records {
		if rec.DateTo < from || rec.DateFrom > to {
			continue
		}
		covered = true

		data, err := os.ReadFile(f.store.layout.ImportPayloadPath(src, rec.ImportID))
		if err != nil {
			return nil, fmt.Errorf("read import payload %s: %w", rec.ImportID, err)
		}
		var msgs []chat.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("parse import payload %s: %w", rec.ImportID, err)
		}
		for _, m := range chat.Between(msgs, start, end) {
			if m.ID != "" {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
			}
			all = append(all, m)
		}
	}

	if !covered {
		return nil, ErrNoCoverage
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}
