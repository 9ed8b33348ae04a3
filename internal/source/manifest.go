package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the per-source manifest. It carries defaults that apply when
// a sidecar has no recorded value of its own; it is never authoritative
// over a sidecar's own generation metadata.
type Manifest struct {
	SourceType         Type      `json:"source_type"`
	ServerID           string    `json:"server_id"`
	ServerName         string    `json:"server_name"`
	DefaultTimezone    string    `json:"default_timezone,omitempty"`
	DefaultGranularity string    `json:"default_granularity,omitempty"`
	PromptVersion      string    `json:"prompt_version,omitempty"`
	PromptChecksum     string    `json:"prompt_checksum,omitempty"`
	MonthlyBudgetUSD   float64   `json:"monthly_budget_usd,omitempty"`
	APIKey             *KeyBind  `json:"api_key,omitempty"`
	Sync               *SyncBind `json:"sync,omitempty"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// KeyBind binds a source to a summarizer API key.
type KeyBind struct {
	Enabled      bool   `json:"enabled"`
	UseServerKey bool   `json:"use_server_key"`
	KeyRef       string `json:"key_ref,omitempty"` // env:NAME, file:/path, vault:path
}

// SyncBind binds a source to a mirror target, overriding the global fallback.
type SyncBind struct {
	Enabled           bool   `json:"enabled"`
	Provider          string `json:"provider,omitempty"`
	Bucket            string `json:"bucket,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	TokenID           string `json:"token_id,omitempty"`
	SubfolderTemplate string `json:"subfolder_template,omitempty"`
	Conflict          string `json:"conflict,omitempty"` // local_wins, remote_wins, newest
	FallbackToDefault bool   `json:"fallback_to_default"`
}

// ArchiveManifest is the root manifest listing every known source.
type ArchiveManifest struct {
	SchemaVersion int                      `json:"schema_version"`
	UpdatedAt     time.Time                `json:"updated_at"`
	TotalSources  int                      `json:"total_sources"`
	Sources       map[string]ManifestEntry `json:"sources"`
}

// ManifestEntry is one source row in the archive manifest.
type ManifestEntry struct {
	SourceType   Type   `json:"source_type"`
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name"`
	SummaryCount int    `json:"summary_count"`
}

// LoadManifest reads a per-source manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// SaveManifest writes a per-source manifest atomically.
func SaveManifest(path string, m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(path, m)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
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

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
