// Package sidecar defines the JSON metadata document that accompanies
// every summary slot, and the atomic read/write primitives the lock
// manager and writer build on. The schema is part of the on-disk
// contract; field names must not change.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/source"
)

// Status is the slot lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusDeleted    Status = "deleted"
)

// Incomplete reason codes. Stable strings; they appear in sidecars and
// job logs and must not be renamed.
const (
	CodeNoMessages           = "NO_MESSAGES"
	CodeInsufficientMessages = "INSUFFICIENT_MESSAGES"
	CodeAPIError             = "API_ERROR"
	CodeRateLimited          = "RATE_LIMITED"
	CodeSourceInaccessible   = "SOURCE_INACCESSIBLE"
	CodePromptError          = "PROMPT_ERROR"
	CodeExportUnavailable    = "EXPORT_UNAVAILABLE"
	CodeBudgetExceeded       = "BUDGET_EXCEEDED"
)

// Metadata is the sidecar document for one slot.
type Metadata struct {
	SummaryID        string            `json:"summary_id,omitempty"`
	GeneratedAt      *time.Time        `json:"generated_at,omitempty"`
	Period           *period.Period    `json:"period,omitempty"`
	Source           *source.Source    `json:"source,omitempty"`
	Status           Status            `json:"status"`
	Statistics       *Statistics       `json:"statistics,omitempty"`
	Generation       *Generation       `json:"generation,omitempty"`
	Backfill         *Backfill         `json:"backfill,omitempty"`
	IncompleteReason *IncompleteReason `json:"incomplete_reason,omitempty"`
	Lock             *Lock             `json:"lock,omitempty"`
	Integrity        *Integrity        `json:"integrity,omitempty"`
	BackfillEligible bool              `json:"backfill_eligible"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
}

// Statistics summarises the source material a summary was built from.
type Statistics struct {
	MessageCount     int `json:"message_count"`
	ParticipantCount int `json:"participant_count"`
	WordCount        int `json:"word_count"`
	AttachmentCount  int `json:"attachment_count"`
}

// Generation records how the summary was produced.
type Generation struct {
	PromptVersion   string            `json:"prompt_version,omitempty"`
	PromptChecksum  string            `json:"prompt_checksum,omitempty"`
	Model           string            `json:"model,omitempty"`
	Options         map[string]string `json:"options,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	TokensInput     int               `json:"tokens_input,omitempty"`
	TokensOutput    int               `json:"tokens_output,omitempty"`
	CostUSD         float64           `json:"cost_usd,omitempty"`
	PricingVersion  string            `json:"pricing_version,omitempty"`
	APIKeyUsed      string            `json:"api_key_used,omitempty"`
	Provider        string            `json:"provider,omitempty"`
}

// Backfill marks summaries produced after the fact.
type Backfill struct {
	IsBackfill   bool       `json:"is_backfill"`
	BackfilledAt *time.Time `json:"backfilled_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// IncompleteReason explains why a slot holds no summary.
type IncompleteReason struct {
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Lock is the TTL lease embedded in a sidecar while a worker generates.
type Lock struct {
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	AcquiredBy string    `json:"acquired_by,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at time now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Integrity carries the checksum linking sidecar and Markdown.
type Integrity struct {
	ContentChecksum     string `json:"content_checksum,omitempty"`
	ReferencesValidated bool   `json:"references_validated"`
}

// Read loads a sidecar from path.
func Read(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return &m, nil
}

// Write persists a sidecar atomically: temp sibling, fsync, rename.
func Write(path string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
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
