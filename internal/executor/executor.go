// Package executor runs retrospective generation jobs: it walks a
// planned list of periods, fetches messages, calls the summarizer, and
// persists artifacts, honouring locks, budgets, and pause/cancel
// requests between periods.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/events"
	"github.com/summarybot/archivist/internal/importer"
	"github.com/summarybot/archivist/internal/keys"
	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/lock"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/pricing"
	"github.com/summarybot/archivist/internal/sidecar"
	"github.com/summarybot/archivist/internal/source"
	"github.com/summarybot/archivist/internal/writer"
)

// MessageFetcher retrieves the messages of a source inside [start, end).
type MessageFetcher interface {
	Fetch(ctx context.Context, src source.Source, start, end time.Time) ([]chat.Message, error)
}

// SummarizeRequest is everything the summarizer needs for one period.
type SummarizeRequest struct {
	Source         source.Source
	Period         period.Period
	Messages       []chat.Message
	Model          string
	APIKey         string
	PromptVersion  string
	PromptChecksum string
}

// SummaryResult is the summarizer's output plus its token accounting.
type SummaryResult struct {
	Content         string
	TokensInput     int
	TokensOutput    int
	DurationSeconds float64
}

// Summarizer produces one summary from a message batch.
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (SummaryResult, error)
}

// ErrRateLimited marks a summarizer failure caused by provider rate
// limiting, so the slot is recorded with the right failure code.
var ErrRateLimited = errors.New("rate limited by provider")

// Syncer mirrors a source after a job finishes. Optional.
type Syncer interface {
	SyncSource(ctx context.Context, src source.Source) error
}

// KeyResolver supplies the API key for a source along with its
// provenance. Optional; an empty resolution is passed through when nil.
type KeyResolver interface {
	ForSource(src source.Source, channel, server *source.Manifest) (keys.Resolution, error)
}

// Policy controls how a job treats slots that already have history.
type Policy struct {
	SkipExisting       bool `json:"skip_existing"`
	RegenerateOutdated bool `json:"regenerate_outdated"`
	RegenerateFailed   bool `json:"regenerate_failed"`
}

// DefaultPolicy fills gaps without touching anything that exists.
func DefaultPolicy() Policy {
	return Policy{SkipExisting: true, RegenerateFailed: true}
}

// interPeriodDelay spaces summarizer calls out so a long backfill does
// not hammer the provider.
const interPeriodDelay = 250 * time.Millisecond

// Executor owns the job registry and the machinery jobs run on.
type Executor struct {
	Writer  *writer.Writer
	Locks   *lock.Manager
	Ledger  ledger.Store
	Pricing *pricing.Book
	Keys    KeyResolver
	Events  *events.Publisher
	Sync    Syncer
	Fetcher MessageFetcher
	Summary Summarizer
	Logger  *slog.Logger

	limiter *rate.Limiter

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(logger *slog.Logger) *Executor {
	return &Executor{
		Logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interPeriodDelay), 1),
		jobs:    map[string]*Job{},
	}
}

// JobSpec describes a job to create.
type JobSpec struct {
	Source      source.Source
	From, To    time.Time
	Granularity period.Granularity
	Timezone    *time.Location
	Model       string
	Policy      Policy
	BudgetUSD   float64 // monthly cap for the source; zero means none
	MaxCostUSD  float64 // cap on this job's own spend; zero means none
	Outdated    []string
	DryRun      bool

	// Manifests feed key resolution. Either may be nil.
	ChannelManifest, ServerManifest *source.Manifest
}

// CreateJob expands the spec into periods and registers a queued job.
func (e *Executor) CreateJob(spec JobSpec) (*Job, error) {
	loc := spec.Timezone
	if loc == nil {
		loc = time.UTC
	}
	periods := period.Expand(spec.From, spec.To, spec.Granularity, loc)
	if len(periods) == 0 {
		return nil, fmt.Errorf("job for %s covers no periods", spec.Source.Key())
	}
	if spec.Model == "" {
		spec.Model = pricing.DefaultModel
	}

	outdated := map[string]bool{}
	for _, d := range spec.Outdated {
		outdated[d] = true
	}

	j := &Job{
		ID:        uuid.NewString(),
		Spec:      spec,
		periods:   periods,
		outdated:  outdated,
		state:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}
	j.progress.Total = len(periods)

	e.mu.Lock()
	e.jobs[j.ID] = j
	e.mu.Unlock()

	e.Logger.Info("job created",
		"job_id", j.ID,
		"source", spec.Source.Key(),
		"periods", len(periods),
		"granularity", spec.Granularity,
		"dry_run", spec.DryRun,
	)
	return j, nil
}

// Job returns a registered job by id.
func (e *Executor) Job(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Jobs snapshots every registered job, newest first.
func (e *Executor) Jobs() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Run executes the job to a terminal or paused state. Resuming a paused
// job is another Run call: completed slots are skipped by policy.
func (e *Executor) Run(ctx context.Context, j *Job) error {
	if !j.transition(StateRunning) {
		return fmt.Errorf("job %s is %s, not runnable", j.ID, j.State())
	}
	e.publishJob(events.SubjectJobStarted, j, "")

	if j.Spec.DryRun {
		return e.runDry(j)
	}

	key, err := e.resolveKey(j)
	if err != nil {
		j.fail(err.Error())
		return err
	}

	for _, p := range j.periods {
		switch {
		case j.cancelRequested():
			j.setState(StateCancelled)
			e.publishJob(events.SubjectJobCancelled, j, "cancelled by operator")
			return nil
		case j.pauseRequested():
			j.pause("paused by operator")
			e.publishJob(events.SubjectJobPaused, j, "paused by operator")
			return nil
		}

		if paused, err := e.checkBudget(ctx, j); err != nil {
			j.fail(err.Error())
			return err
		} else if paused {
			e.publishJob(events.SubjectJobPaused, j, "budget_exceeded")
			return nil
		}

		e.runPeriod(ctx, j, key, p)

		if err := e.limiter.Wait(ctx); err != nil {
			j.pause("context cancelled")
			return err
		}
	}

	j.setState(StateCompleted)
	e.publishJob(events.SubjectJobCompleted, j, "")
	e.postSync(ctx, j)
	return nil
}

// runDry prices the job without generating anything.
func (e *Executor) runDry(j *Job) error {
	remaining := 0
	for _, p := range j.periods {
		if e.slotAction(j, p) != actionSkip {
			remaining++
		}
	}
	est := ledger.EstimateBackfill(e.Pricing, j.Spec.Model, remaining)
	j.setEstimate(est)
	j.setState(StateCompleted)
	e.Logger.Info("dry run complete",
		"job_id", j.ID,
		"periods", remaining,
		"estimated_cost_usd", est.CostUSD,
	)
	e.publishJob(events.SubjectJobCompleted, j, "dry_run")
	return nil
}

type slotAction int

const (
	actionGenerate slotAction = iota
	actionSkip
	actionRegenerate
)

// slotAction decides what to do with a period given its sidecar and the
// job policy. Reads only; the lock protocol happens later.
func (e *Executor) slotAction(j *Job, p period.Period) slotAction {
	meta, err := sidecar.Read(e.Writer.Layout().MetaPath(j.Spec.Source, p))
	if err != nil {
		return actionGenerate
	}
	switch meta.Status {
	case sidecar.StatusComplete:
		if j.Spec.Policy.RegenerateOutdated && j.outdated[p.Date()] {
			return actionRegenerate
		}
		if j.Spec.Policy.SkipExisting {
			return actionSkip
		}
		return actionSkip // complete artifacts are never silently overwritten
	case sidecar.StatusIncomplete:
		if j.Spec.Policy.RegenerateFailed {
			return actionGenerate
		}
		return actionSkip
	default:
		return actionGenerate
	}
}

func (e *Executor) runPeriod(ctx context.Context, j *Job, key keys.Resolution, p period.Period) {
	src := j.Spec.Source
	j.setCurrent(p.Name())

	switch e.slotAction(j, p) {
	case actionSkip:
		j.skip()
		return
	case actionRegenerate:
		// Reopening marks the complete slot pending so the lock and
		// writer will accept it again.
		if err := e.Locks.Reopen(src, p); err != nil {
			e.Logger.Warn("cannot reopen slot for regeneration",
				"job_id", j.ID, "period", p.Name(), "error", err)
			j.failSlot()
			return
		}
	}

	if _, err := e.Locks.Acquire(src, p, j.ID); err != nil {
		if errors.Is(err, lock.ErrLocked) || errors.Is(err, lock.ErrComplete) {
			e.Logger.Info("slot unavailable, skipping",
				"job_id", j.ID, "period", p.Name(), "reason", err)
			j.skip()
			return
		}
		e.Logger.Error("lock acquire failed", "job_id", j.ID, "period", p.Name(), "error", err)
		j.failSlot()
		return
	}

	msgs, err := e.Fetcher.Fetch(ctx, src, p.Start, p.End)
	if err != nil {
		code := sidecar.CodeSourceInaccessible
		if errors.Is(err, importer.ErrNoCoverage) {
			code = sidecar.CodeExportUnavailable
		}
		e.markIncomplete(j, p, code, err.Error(), true)
		j.failSlot()
		return
	}
	if len(msgs) == 0 {
		// A genuinely quiet period: recorded so scans stop proposing it,
		// and not a failure.
		e.markIncomplete(j, p, sidecar.CodeNoMessages, "no messages in period", false)
		j.complete(0)
		return
	}

	started := time.Now()
	res, err := e.Summary.Summarize(ctx, SummarizeRequest{
		Source:         src,
		Period:         p,
		Messages:       msgs,
		Model:          j.Spec.Model,
		APIKey:         key.Key,
		PromptVersion:  e.promptVersion(j),
		PromptChecksum: e.promptChecksum(j),
	})
	if err != nil {
		code := sidecar.CodeAPIError
		if errors.Is(err, ErrRateLimited) {
			code = sidecar.CodeRateLimited
		}
		e.markIncomplete(j, p, code, err.Error(), true)
		j.failSlot()
		return
	}
	if res.DurationSeconds == 0 {
		res.DurationSeconds = time.Since(started).Seconds()
	}

	cost := e.Pricing.CalculateCost(j.Spec.Model, res.TokensInput, res.TokensOutput, time.Now().UTC())
	stats := chat.Summarize(msgs)

	mdPath, writeErr := e.Writer.WriteSummary(src, p, writer.SummaryInput{
		Content: res.Content,
		Stats: &sidecar.Statistics{
			MessageCount:     stats.Messages,
			ParticipantCount: stats.Participants,
			WordCount:        stats.Words,
			AttachmentCount:  stats.Attachments,
		},
		Generation: &sidecar.Generation{
			PromptVersion:   e.promptVersion(j),
			PromptChecksum:  e.promptChecksum(j),
			Model:           j.Spec.Model,
			DurationSeconds: res.DurationSeconds,
			TokensInput:     res.TokensInput,
			TokensOutput:    res.TokensOutput,
			CostUSD:         cost.AmountUSD,
			PricingVersion:  cost.PricingVersion,
			APIKeyUsed:      key.Source,
		},
		IsBackfill:     true,
		BackfillReason: "retrospective generation",
	})

	// Tokens were spent regardless of how the write went; the ledger
	// records them either way.
	entry := ledger.Entry{
		SourceKey:      src.Key(),
		Date:           p.Date(),
		Model:          j.Spec.Model,
		TokensInput:    res.TokensInput,
		TokensOutput:   res.TokensOutput,
		CostUSD:        cost.AmountUSD,
		PricingVersion: cost.PricingVersion,
		APIKeySource:   key.Source,
		APIKeyRef:      key.KeyRef,
		RecordedAt:     time.Now().UTC(),
	}
	if err := e.Ledger.Record(ctx, entry); err != nil {
		e.Logger.Error("ledger record failed", "job_id", j.ID, "period", p.Name(), "error", err)
	}

	if writeErr != nil {
		e.markIncomplete(j, p, sidecar.CodeAPIError, fmt.Sprintf("write summary: %v", writeErr), true)
		j.failSlot()
		return
	}

	if err := e.Locks.Release(src, p, j.ID, sidecar.StatusComplete); err != nil {
		e.Logger.Warn("lock release failed", "job_id", j.ID, "period", p.Name(), "error", err)
	}
	j.complete(cost.AmountUSD)

	meta, _ := sidecar.Read(e.Writer.Layout().MetaPath(src, p))
	summaryID := ""
	if meta != nil {
		summaryID = meta.SummaryID
	}
	e.Events.Publish(events.SubjectSummaryGenerated, events.SummaryEvent{
		SourceKey: src.Key(),
		Period:    p.Name(),
		SummaryID: summaryID,
		Status:    string(sidecar.StatusComplete),
		CostUSD:   cost.AmountUSD,
	})
	e.Logger.Info("period summarized",
		"job_id", j.ID,
		"period", p.Name(),
		"messages", stats.Messages,
		"cost_usd", cost.AmountUSD,
		"path", mdPath,
	)
}

// markIncomplete writes the failure marker and releases the lock with
// incomplete status.
func (e *Executor) markIncomplete(j *Job, p period.Period, code, message string, eligible bool) {
	src := j.Spec.Source
	if _, err := e.Writer.WriteIncompleteMarker(src, p, code, message, nil, eligible); err != nil {
		e.Logger.Error("incomplete marker failed", "job_id", j.ID, "period", p.Name(), "error", err)
	}
	if err := e.Locks.Release(src, p, j.ID, sidecar.StatusIncomplete); err != nil {
		e.Logger.Warn("lock release failed", "job_id", j.ID, "period", p.Name(), "error", err)
	}
	e.Events.Publish(events.SubjectSummaryIncomplete, events.SummaryEvent{
		SourceKey: src.Key(),
		Period:    p.Name(),
		Status:    string(sidecar.StatusIncomplete),
		Code:      code,
	})
}

// checkBudget reports whether the job must pause before spending more.
// Two independent caps apply: the job's own rolling cost (max_cost_usd)
// and the source's monthly budget. Both price one period ahead so
// neither cap is ever crossed.
func (e *Executor) checkBudget(ctx context.Context, j *Job) (bool, error) {
	if j.Spec.MaxCostUSD <= 0 && j.Spec.BudgetUSD <= 0 {
		return false, nil
	}
	est := ledger.EstimateBackfill(e.Pricing, j.Spec.Model, 1)

	if j.Spec.MaxCostUSD > 0 {
		spent := j.Snapshot().Progress.SpentUSD
		if spent+est.CostUSD > j.Spec.MaxCostUSD {
			e.Logger.Warn("job cost cap reached, pausing job",
				"job_id", j.ID,
				"source", j.Spec.Source.Key(),
				"job_spent_usd", spent,
				"max_cost_usd", j.Spec.MaxCostUSD,
			)
			j.pause("budget_exceeded")
			return true, nil
		}
	}

	if j.Spec.BudgetUSD <= 0 {
		return false, nil
	}
	month := time.Now().UTC().Format("2006-01")
	ok, spent, err := ledger.CheckBudget(ctx, e.Ledger, j.Spec.Source.Key(), month, j.Spec.BudgetUSD, est.CostUSD)
	if err != nil {
		return false, fmt.Errorf("budget check: %w", err)
	}
	if !ok {
		e.Logger.Warn("monthly budget exhausted, pausing job",
			"job_id", j.ID,
			"source", j.Spec.Source.Key(),
			"spent_usd", spent,
			"budget_usd", j.Spec.BudgetUSD,
		)
		j.pause("budget_exceeded")
		return true, nil
	}
	return false, nil
}

func (e *Executor) resolveKey(j *Job) (keys.Resolution, error) {
	if e.Keys == nil {
		return keys.Resolution{}, nil
	}
	return e.Keys.ForSource(j.Spec.Source, j.Spec.ChannelManifest, j.Spec.ServerManifest)
}

func (e *Executor) promptVersion(j *Job) string {
	if m := j.Spec.ServerManifest; m != nil && m.PromptVersion != "" {
		return m.PromptVersion
	}
	return ""
}

func (e *Executor) promptChecksum(j *Job) string {
	if m := j.Spec.ServerManifest; m != nil && m.PromptChecksum != "" {
		return m.PromptChecksum
	}
	return ""
}

// postSync mirrors the source after a completed job. Sync trouble is
// logged and published, never surfaced as a job failure.
func (e *Executor) postSync(ctx context.Context, j *Job) {
	if e.Sync == nil {
		return
	}
	if err := e.Sync.SyncSource(ctx, j.Spec.Source); err != nil {
		e.Logger.Warn("post-job sync failed", "job_id", j.ID, "error", err)
	}
}

func (e *Executor) publishJob(subject string, j *Job, reason string) {
	snap := j.Snapshot()
	e.Events.Publish(subject, events.JobEvent{
		JobID:     j.ID,
		SourceKey: j.Spec.Source.Key(),
		State:     string(snap.State),
		Completed: snap.Progress.Completed,
		Failed:    snap.Progress.Failed,
		Total:     snap.Progress.Total,
		SpentUSD:  snap.Progress.SpentUSD,
		Reason:    reason,
	})
}
