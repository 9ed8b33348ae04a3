// Package events publishes archive lifecycle notifications over NATS.
// Consumers (notification bots, dashboards) subscribe to the archive.>
// hierarchy; the archive itself never depends on anyone listening.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for archive events.
const (
	SubjectJobStarted   = "archive.job.started"
	SubjectJobPaused    = "archive.job.paused"
	SubjectJobCompleted = "archive.job.completed"
	SubjectJobCancelled = "archive.job.cancelled"

	SubjectSummaryGenerated  = "archive.summary.generated"
	SubjectSummaryIncomplete = "archive.summary.incomplete"

	SubjectSyncCompleted = "archive.sync.completed"
)

// JobEvent describes a backfill job transition.
type JobEvent struct {
	JobID     string  `json:"job_id"`
	SourceKey string  `json:"source_key"`
	State     string  `json:"state"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	SpentUSD  float64 `json:"spent_usd"`
	Reason    string  `json:"reason,omitempty"`
}

// SummaryEvent describes one slot outcome.
type SummaryEvent struct {
	SourceKey string  `json:"source_key"`
	Period    string  `json:"period"`
	SummaryID string  `json:"summary_id,omitempty"`
	Status    string  `json:"status"`
	Code      string  `json:"code,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// SyncEvent describes a finished mirror pass.
type SyncEvent struct {
	SourceKey string `json:"source_key"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Uploaded  int    `json:"uploaded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Publisher emits events. A nil Publisher is valid and drops everything,
// so wiring NATS stays optional.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS with retrying reconnect semantics.
func Connect(url, token string, logger *slog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: nc, logger: logger}, nil
}

// Publish sends one event. Failures are logged, never propagated:
// generation must not depend on the event bus being up.
func (p *Publisher) Publish(subject string, data any) {
	if p == nil || p.conn == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		p.logger.Warn("drop event, marshal failed", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("drop event, publish failed", "subject", subject, "error", err)
	}
}

func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}
