// Package alert publishes operator notifications for events that need a
// human: terminal job failures and proxies the breaker has quarantined.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// Publisher sends a payload to a named topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Alert is the wire payload for every notification kind.
type Alert struct {
	Kind      string               `json:"kind"`
	JobID     int64                `json:"job_id,omitempty"`
	ProxyID   int64                `json:"proxy_id,omitempty"`
	ProxyHost string               `json:"proxy_host,omitempty"`
	URL       string               `json:"url,omitempty"`
	Category  domain.ErrorCategory `json:"category,omitempty"`
	Message   string               `json:"message,omitempty"`
	At        time.Time            `json:"at"`
}

// Alert kinds.
const (
	KindJobFailed        = "job_failed"
	KindProxyQuarantined = "proxy_quarantined"
)

// Alerter formats and publishes notifications. Publish failures are
// logged, never propagated; alerting must not break the job path.
type Alerter struct {
	publisher Publisher
	topic     string
	log       *zap.Logger
}

// New constructs an Alerter. A nil publisher disables alerting.
func New(publisher Publisher, topic string, log *zap.Logger) *Alerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerter{publisher: publisher, topic: topic, log: log}
}

// JobFailed notifies that a job exhausted its retries or failed fatally.
func (a *Alerter) JobFailed(ctx context.Context, job *domain.Job, category domain.ErrorCategory, message string, at time.Time) {
	a.publish(ctx, Alert{
		Kind:     KindJobFailed,
		JobID:    job.ID,
		URL:      job.URL,
		Category: category,
		Message:  message,
		At:       at,
	})
}

// ProxyQuarantined notifies that a proxy's breaker opened.
func (a *Alerter) ProxyQuarantined(ctx context.Context, p *domain.Proxy, at time.Time) {
	a.publish(ctx, Alert{
		Kind:      KindProxyQuarantined,
		ProxyID:   p.ID,
		ProxyHost: p.Host,
		Message:   "circuit breaker open",
		At:        at,
	})
}

func (a *Alerter) publish(ctx context.Context, alert Alert) {
	if a == nil || a.publisher == nil {
		return
	}
	id, err := a.publisher.Publish(ctx, a.topic, alert)
	if err != nil {
		a.log.Error("alert publish failed",
			zap.String("kind", alert.Kind),
			zap.Error(err),
		)
		return
	}
	a.log.Debug("alert published",
		zap.String("kind", alert.Kind),
		zap.String("message_id", id),
	)
}
