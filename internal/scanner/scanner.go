// Package scanner inspects a source's archive and classifies every
// daily slot in a date range: complete, failed, or missing. From the
// classification it derives contiguous gaps worth backfilling and
// flags summaries produced by prompts old enough to regenerate.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
)

// SlotState classifies one daily slot.
type SlotState string

const (
	SlotComplete SlotState = "complete" // summary present and finalized
	SlotFailed   SlotState = "failed"   // attempted, incomplete marker on disk
	SlotMissing  SlotState = "missing"  // no sidecar at all
)

// Slot is one classified day.
type Slot struct {
	Date     string    `json:"date"`
	State    SlotState `json:"state"`
	Eligible bool      `json:"eligible,omitempty"` // failed slots only
	Code     string    `json:"code,omitempty"`
	Outdated bool      `json:"outdated,omitempty"` // complete slots only
}

// Gap is a maximal run of consecutive dates that are all either missing
// or failed-and-eligible. A failed slot marked ineligible breaks a run.
type Gap struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Dates []string `json:"dates"`
}

// Report is the result of scanning one source over a range.
type Report struct {
	SourceKey string `json:"source_key"`
	RangeFrom string `json:"range_from"`
	RangeTo   string `json:"range_to"`

	Complete int `json:"complete"`
	Failed   int `json:"failed"`
	Missing  int `json:"missing"`

	Slots    []Slot   `json:"slots"`
	Gaps     []Gap    `json:"gaps"`
	Outdated []string `json:"outdated,omitempty"`
}

// RegeneratePolicy controls which prompt-version difference makes a
// complete summary outdated.
type RegeneratePolicy string

const (
	RegenerateMajor RegeneratePolicy = "major"
	RegenerateMinor RegeneratePolicy = "minor"
	RegeneratePatch RegeneratePolicy = "patch"
)

type Scanner struct {
	layout layout.Layout
	logger *slog.Logger

	// CurrentPromptVersion and Policy drive outdated detection. An empty
	// version disables it.
	CurrentPromptVersion string
	Policy               RegeneratePolicy
}

func New(l layout.Layout, logger *slog.Logger) *Scanner {
	return &Scanner{layout: l, logger: logger, Policy: RegenerateMinor}
}

// Scan classifies every daily slot of src between from and to
// (inclusive calendar dates) in loc. A zero to defaults to yesterday:
// today's slot is still accumulating messages and is never scanned. A
// zero from defaults to the earliest archived slot, or to the end of
// the range when the archive holds nothing yet.
func (s *Scanner) Scan(src source.Source, from, to time.Time, loc *time.Location) Report {
	if to.IsZero() {
		now := time.Now().In(loc)
		to = time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, loc)
	}
	if from.IsZero() {
		if earliest, ok := s.earliestSlot(src, loc); ok {
			from = earliest
		} else {
			from = to
		}
	}

	rep := Report{
		SourceKey: src.Key(),
		RangeFrom: from.Format("2006-01-02"),
		RangeTo:   to.Format("2006-01-02"),
	}

	var run []string // open gap under construction
	closeGap := func() {
		if len(run) > 0 {
			rep.Gaps = append(rep.Gaps, Gap{Start: run[0], End: run[len(run)-1], Dates: run})
			run = nil
		}
	}

	for _, p := range period.Expand(from, to, period.Daily, loc) {
		slot := s.classify(src, p)
		rep.Slots = append(rep.Slots, slot)

		switch slot.State {
		case SlotComplete:
			rep.Complete++
			if slot.Outdated {
				rep.Outdated = append(rep.Outdated, slot.Date)
			}
			closeGap()
		case SlotFailed:
			rep.Failed++
			if slot.Eligible {
				run = append(run, slot.Date)
			} else {
				closeGap()
			}
		case SlotMissing:
			rep.Missing++
			run = append(run, slot.Date)
		}
	}
	closeGap()
	return rep
}

// earliestSlot finds the oldest archived date for src by the sidecar
// filenames alone; the files are not opened.
func (s *Scanner) earliestSlot(src source.Source, loc *time.Location) (time.Time, bool) {
	var earliest time.Time
	filepath.WalkDir(s.layout.SummariesDir(src), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".meta.json") {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), ".meta.json")
		if len(name) < 10 {
			return nil
		}
		t, perr := time.ParseInLocation("2006-01-02", name[:10], loc)
		if perr != nil {
			return nil
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
		return nil
	})
	return earliest, !earliest.IsZero()
}

func (s *Scanner) classify(src source.Source, p period.Period) Slot {
	slot := Slot{Date: p.Date()}
	metaPath := s.layout.MetaPath(src, p)

	meta, err := sidecar.Read(metaPath)
	if os.IsNotExist(err) {
		slot.State = SlotMissing
		return slot
	}
	if err != nil {
		// A malformed sidecar is neither a gap nor a summary; leave it
		// for an operator and keep it out of backfill plans.
		s.logger.Warn("skipping malformed sidecar", "path", metaPath, "error", err)
		slot.State = SlotFailed
		slot.Eligible = false
		slot.Code = "MALFORMED_SIDECAR"
		return slot
	}

	switch meta.Status {
	case sidecar.StatusComplete:
		slot.State = SlotComplete
		slot.Outdated = s.outdated(meta)
	case sidecar.StatusIncomplete:
		slot.State = SlotFailed
		slot.Eligible = meta.BackfillEligible
		if meta.IncompleteReason != nil {
			slot.Code = meta.IncompleteReason.Code
		}
	case sidecar.StatusDeleted:
		// Deleted slots are deliberate; they are not gaps.
		slot.State = SlotFailed
		slot.Eligible = false
		slot.Code = "DELETED"
	default:
		// pending or generating: attempted but unfinished, retryable.
		slot.State = SlotFailed
		slot.Eligible = true
		slot.Code = strings.ToUpper(string(meta.Status))
	}
	return slot
}

// outdated reports whether a complete summary's prompt version lags the
// current one at the configured significance. Unparseable versions are
// never outdated.
func (s *Scanner) outdated(meta *sidecar.Metadata) bool {
	if s.CurrentPromptVersion == "" || meta.Generation == nil {
		return false
	}
	cur, ok1 := parseVersion(s.CurrentPromptVersion)
	old, ok2 := parseVersion(meta.Generation.PromptVersion)
	if !ok1 || !ok2 {
		return false
	}

	switch s.Policy {
	case RegenerateMajor:
		return old[0] < cur[0]
	case RegeneratePatch:
		return old[0] < cur[0] ||
			(old[0] == cur[0] && old[1] < cur[1]) ||
			(old[0] == cur[0] && old[1] == cur[1] && old[2] < cur[2])
	default: // minor
		return old[0] < cur[0] || (old[0] == cur[0] && old[1] < cur[1])
	}
}

func parseVersion(v string) ([3]int, bool) {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) == 0 || parts[0] == "" {
		return out, false
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
