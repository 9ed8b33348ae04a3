package executor

import (
	"sync"
	"time"

	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/period"
)

// State is the job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Progress counts slot outcomes as a job runs.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	SpentUSD  float64 `json:"spent_usd"`
	Current   string  `json:"current,omitempty"`
}

// Job is one retrospective generation run.
type Job struct {
	ID        string
	Spec      JobSpec
	CreatedAt time.Time

	periods  []period.Period
	outdated map[string]bool

	mu          sync.Mutex
	state       State
	progress    Progress
	pauseReason string
	failReason  string
	estimate    *ledger.Estimate

	wantPause  bool
	wantCancel bool
}

// Snapshot is the externally visible job view.
type Snapshot struct {
	ID          string           `json:"id"`
	SourceKey   string           `json:"source_key"`
	State       State            `json:"state"`
	Progress    Progress         `json:"progress"`
	PauseReason string           `json:"pause_reason,omitempty"`
	FailReason  string           `json:"fail_reason,omitempty"`
	Estimate    *ledger.Estimate `json:"estimate,omitempty"`
	DryRun      bool             `json:"dry_run,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:          j.ID,
		SourceKey:   j.Spec.Source.Key(),
		State:       j.state,
		Progress:    j.progress,
		PauseReason: j.pauseReason,
		FailReason:  j.failReason,
		Estimate:    j.estimate,
		DryRun:      j.Spec.DryRun,
		CreatedAt:   j.CreatedAt,
	}
}

// RequestPause asks the job to stop after the period in flight.
func (j *Job) RequestPause() {
	j.mu.Lock()
	j.wantPause = true
	j.mu.Unlock()
}

// RequestCancel asks the job to stop permanently after the period in
// flight. Finished artifacts stay on disk.
func (j *Job) RequestCancel() {
	j.mu.Lock()
	j.wantCancel = true
	j.mu.Unlock()
}

// transition moves queued or paused jobs into the running state.
func (j *Job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if to == StateRunning {
		if j.state != StateQueued && j.state != StatePaused {
			return false
		}
		j.state = StateRunning
		j.pauseReason = ""
		return true
	}
	j.state = to
	return true
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.progress.Current = ""
	j.mu.Unlock()
}

func (j *Job) pause(reason string) {
	j.mu.Lock()
	j.state = StatePaused
	j.pauseReason = reason
	j.wantPause = false
	j.progress.Current = ""
	j.mu.Unlock()
}

func (j *Job) fail(reason string) {
	j.mu.Lock()
	j.state = StateFailed
	j.failReason = reason
	j.progress.Current = ""
	j.mu.Unlock()
}

func (j *Job) pauseRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wantPause
}

func (j *Job) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wantCancel
}

func (j *Job) setCurrent(name string) {
	j.mu.Lock()
	j.progress.Current = name
	j.mu.Unlock()
}

func (j *Job) setEstimate(est ledger.Estimate) {
	j.mu.Lock()
	j.estimate = &est
	j.mu.Unlock()
}

func (j *Job) complete(costUSD float64) {
	j.mu.Lock()
	j.progress.Completed++
	j.progress.SpentUSD += costUSD
	j.mu.Unlock()
}

func (j *Job) failSlot() {
	j.mu.Lock()
	j.progress.Failed++
	j.mu.Unlock()
}

func (j *Job) skip() {
	j.mu.Lock()
	j.progress.Skipped++
	j.mu.Unlock()
}
