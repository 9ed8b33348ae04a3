package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/importer"
	"github.com/summarybot/archivist/internal/keys"
	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/lock"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/pricing"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
	"github.com/summarybot/archivist/internal/writer"
)

type fetchFunc func(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error)

func (f fetchFunc) Fetch(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error) {
	return f(ctx, src, start, end)
}

type summarizeFunc func(ctx context.Context, req SummarizeRequest) (SummaryResult, error)

func (f summarizeFunc) Summarize(ctx context.Context, req SummarizeRequest) (SummaryResult, error) {
	return f(ctx, req)
}

type keyFunc func(src source.Source, channel, server *source.Manifest) (keys.Resolution, error)

func (f keyFunc) ForSource(src source.Source, channel, server *source.Manifest) (keys.Resolution, error) {
	return f(src, channel, server)
}

type harness struct {
	exec   *Executor
	layout layout.Layout
	ledger *ledger.FileStore
	calls  *int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := layout.New(t.TempDir())

	book, err := pricing.Load(l.PricingHistoryPath(), logger)
	if err != nil {
		t.Fatal(err)
	}
	store, err := ledger.OpenFile(l.LedgerPath())
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	e := New(logger)
	e.Writer = writer.New(l, logger)
	e.Locks = lock.NewManager(l, 5*time.Minute, logger)
	e.Ledger = store
	e.Pricing = book
	e.Fetcher = fetchFunc(func(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error) {
		return []chat.Message{
			{Author: "Ada", Text: "hello there", Timestamp: start.Add(time.Hour)},
			{Author: "Grace", Text: "hi", Timestamp: start.Add(2 * time.Hour)},
		}, nil
	})
	e.Summary = summarizeFunc(func(ctx context.Context, req SummarizeRequest) (SummaryResult, error) {
		calls++
		return SummaryResult{
			Content:      fmt.Sprintf("Summary of %s.", req.Period.Date()),
			TokensInput:  1000,
			TokensOutput: 200,
		}, nil
	})
	return &harness{exec: e, layout: l, ledger: store, calls: &calls}
}

func testSpec() JobSpec {
	return JobSpec{
		Source:      source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"},
		From:        time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC),
		Granularity: period.Daily,
		Policy:      DefaultPolicy(),
	}
}

func TestRun_GeneratesAllPeriods(t *testing.T) {
	h := newHarness(t)
	j, err := h.exec.CreateJob(testSpec())
	if err != nil {
		t.Fatal(err)
	}

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := j.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("state = %s", snap.State)
	}
	if snap.Progress.Completed != 3 || snap.Progress.Failed != 0 {
		t.Errorf("progress = %+v", snap.Progress)
	}

	// Artifacts on disk, complete, with cost accounted.
	src := j.Spec.Source
	for day := 10; day <= 12; day++ {
		p := period.ForDay(2026, time.February, day, time.UTC)
		meta, err := sidecar.Read(h.layout.MetaPath(src, p))
		if err != nil {
			t.Fatalf("day %d sidecar: %v", day, err)
		}
		if meta.Status != sidecar.StatusComplete || meta.Lock != nil {
			t.Errorf("day %d: status=%s lock=%+v", day, meta.Status, meta.Lock)
		}
		if meta.Backfill == nil || !meta.Backfill.IsBackfill {
			t.Errorf("day %d not marked as backfill", day)
		}
		if _, err := os.Stat(h.layout.SummaryPath(src, p)); err != nil {
			t.Errorf("day %d markdown missing: %v", day, err)
		}
	}

	spend, err := h.ledger.MonthSpend(context.Background(), src.Key(), "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if spend.Summaries != 3 || spend.CostUSD != 0.0015 {
		t.Errorf("ledger spend = %+v", spend)
	}
}

func TestRun_QuietPeriodIsNoMessagesNotFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.Fetcher = fetchFunc(func(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error) {
		return nil, nil
	})

	spec := testSpec()
	spec.To = spec.From // single day
	j, err := h.exec.CreateJob(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.Progress.Completed != 1 || snap.Progress.Failed != 0 {
		t.Errorf("progress = %+v, quiet day must count as completed", snap.Progress)
	}

	p := period.ForDay(2026, time.February, 10, time.UTC)
	meta, err := sidecar.Read(h.layout.MetaPath(j.Spec.Source, p))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != sidecar.StatusIncomplete || meta.IncompleteReason.Code != sidecar.CodeNoMessages {
		t.Errorf("marker = %+v", meta)
	}
	if meta.BackfillEligible {
		t.Error("quiet day must not be backfill eligible")
	}
	if *h.calls != 0 {
		t.Errorf("summarizer called %d times for a quiet day", *h.calls)
	}
}

func TestRun_SummarizerFailureMarksIncomplete(t *testing.T) {
	h := newHarness(t)
	h.exec.Summary = summarizeFunc(func(ctx context.Context, req SummarizeRequest) (SummaryResult, error) {
		return SummaryResult{}, errors.New("upstream 500")
	})

	spec := testSpec()
	spec.To = spec.From
	j, _ := h.exec.CreateJob(spec)
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.Progress.Failed != 1 {
		t.Errorf("progress = %+v", snap.Progress)
	}

	p := period.ForDay(2026, time.February, 10, time.UTC)
	meta, _ := sidecar.Read(h.layout.MetaPath(j.Spec.Source, p))
	if meta.IncompleteReason.Code != sidecar.CodeAPIError || !meta.BackfillEligible {
		t.Errorf("marker = %+v", meta)
	}
	if meta.Lock != nil {
		t.Error("lock survived failure")
	}
}

func TestRun_NoCoverageIsExportUnavailable(t *testing.T) {
	h := newHarness(t)
	h.exec.Fetcher = fetchFunc(func(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error) {
		return nil, importer.ErrNoCoverage
	})

	spec := testSpec()
	spec.To = spec.From
	j, _ := h.exec.CreateJob(spec)
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	p := period.ForDay(2026, time.February, 10, time.UTC)
	meta, _ := sidecar.Read(h.layout.MetaPath(j.Spec.Source, p))
	if meta.IncompleteReason.Code != sidecar.CodeExportUnavailable || !meta.BackfillEligible {
		t.Errorf("marker = %+v", meta)
	}
}

func TestRun_BudgetPausesBeforeSpending(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()
	spec.BudgetUSD = 0.001 // below even one period's estimate
	j, _ := h.exec.CreateJob(spec)

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.State != StatePaused || snap.PauseReason != "budget_exceeded" {
		t.Errorf("state = %s reason = %q", snap.State, snap.PauseReason)
	}
	if *h.calls != 0 {
		t.Errorf("summarizer called %d times past the budget", *h.calls)
	}
}

func TestRun_MaxCostPausesMidJob(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()
	// Headroom for one period plus one pre-flight estimate, not two.
	spec.MaxCostUSD = 0.0025
	j, _ := h.exec.CreateJob(spec)

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.State != StatePaused || snap.PauseReason != "budget_exceeded" {
		t.Errorf("state = %s reason = %q", snap.State, snap.PauseReason)
	}
	if snap.Progress.Completed != 1 {
		t.Errorf("progress = %+v, want one period before the cap", snap.Progress)
	}
	if *h.calls != 1 {
		t.Errorf("summarizer called %d times past the cap", *h.calls)
	}
}

func TestRun_MaxCostIgnoresOtherJobsSpend(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()

	// Heavy spend already on the ledger for this source. The monthly
	// budget is unset, so only the job's own cap applies, and this job
	// has spent nothing yet.
	err := h.ledger.Record(context.Background(), ledger.Entry{
		SourceKey:  spec.Source.Key(),
		Date:       "2026-02-01",
		Model:      pricing.DefaultModel,
		CostUSD:    10,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	spec.MaxCostUSD = 1
	j, _ := h.exec.CreateJob(spec)
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.State != StateCompleted || snap.Progress.Completed != 3 {
		t.Errorf("state = %s progress = %+v", snap.State, snap.Progress)
	}
}

func TestRun_RecordsKeyProvenance(t *testing.T) {
	h := newHarness(t)
	h.exec.Keys = keyFunc(func(src source.Source, channel, server *source.Manifest) (keys.Resolution, error) {
		return keys.Resolution{Key: "sk-srv", Source: keys.SourceServer, KeyRef: "env:SERVER_KEY"}, nil
	})
	var gotKey string
	h.exec.Summary = summarizeFunc(func(ctx context.Context, req SummarizeRequest) (SummaryResult, error) {
		gotKey = req.APIKey
		return SummaryResult{Content: "Quiet day.", TokensInput: 1000, TokensOutput: 200}, nil
	})

	spec := testSpec()
	spec.To = spec.From
	j, _ := h.exec.CreateJob(spec)
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	if gotKey != "sk-srv" {
		t.Errorf("summarizer key = %q", gotKey)
	}

	p := period.ForDay(2026, time.February, 10, time.UTC)
	meta, err := sidecar.Read(h.layout.MetaPath(j.Spec.Source, p))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Generation == nil || meta.Generation.APIKeyUsed != keys.SourceServer {
		t.Errorf("generation = %+v, want api_key_used recorded", meta.Generation)
	}

	data, err := os.ReadFile(h.layout.LedgerPath())
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Entries) != 1 {
		t.Fatalf("ledger entries = %d", len(doc.Entries))
	}
	if e := doc.Entries[0]; e.APIKeySource != keys.SourceServer || e.APIKeyRef != "env:SERVER_KEY" {
		t.Errorf("entry provenance = %q/%q", e.APIKeySource, e.APIKeyRef)
	}
}

func TestRun_ResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t)
	j, _ := h.exec.CreateJob(testSpec())
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	firstCalls := *h.calls

	// A second job over the same range only skips.
	j2, _ := h.exec.CreateJob(testSpec())
	if err := h.exec.Run(context.Background(), j2); err != nil {
		t.Fatal(err)
	}

	snap := j2.Snapshot()
	if snap.Progress.Skipped != 3 || snap.Progress.Completed != 0 {
		t.Errorf("progress = %+v, want everything skipped", snap.Progress)
	}
	if *h.calls != firstCalls {
		t.Errorf("summarizer re-invoked on completed slots")
	}
}

func TestRun_RegenerateOutdated(t *testing.T) {
	h := newHarness(t)
	j, _ := h.exec.CreateJob(testSpec())
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	spec := testSpec()
	spec.Policy.RegenerateOutdated = true
	spec.Outdated = []string{"2026-02-11"}
	j2, _ := h.exec.CreateJob(spec)
	if err := h.exec.Run(context.Background(), j2); err != nil {
		t.Fatal(err)
	}

	snap := j2.Snapshot()
	if snap.Progress.Completed != 1 || snap.Progress.Skipped != 2 {
		t.Errorf("progress = %+v, want one regeneration", snap.Progress)
	}
}

func TestRun_CancelStopsJob(t *testing.T) {
	h := newHarness(t)
	j, _ := h.exec.CreateJob(testSpec())
	j.RequestCancel()

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	snap := j.Snapshot()
	if snap.State != StateCancelled {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Progress.Completed != 0 {
		t.Errorf("progress = %+v", snap.Progress)
	}
}

func TestRun_PauseThenResume(t *testing.T) {
	h := newHarness(t)
	j, _ := h.exec.CreateJob(testSpec())
	j.RequestPause()

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	if s := j.State(); s != StatePaused {
		t.Fatalf("state = %s", s)
	}

	// Resume runs the remaining periods.
	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	snap := j.Snapshot()
	if snap.State != StateCompleted || snap.Progress.Completed != 3 {
		t.Errorf("after resume: %+v", snap)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()
	spec.DryRun = true
	j, _ := h.exec.CreateJob(spec)

	if err := h.exec.Run(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	snap := j.Snapshot()
	if snap.State != StateCompleted {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Estimate == nil || snap.Estimate.Periods != 3 || snap.Estimate.CostUSD <= 0 {
		t.Errorf("estimate = %+v", snap.Estimate)
	}
	if *h.calls != 0 {
		t.Error("dry run must not call the summarizer")
	}

	matches, _ := filepath.Glob(filepath.Join(h.layout.Root, "sources", "*", "*", "summaries", "*", "*", "*"))
	if len(matches) != 0 {
		t.Errorf("dry run wrote files: %v", matches)
	}
}
