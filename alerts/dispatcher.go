// Package alerts forwards persisted security alerts to an operator webhook.
// Delivery is best-effort and decoupled from the write path: guards and
// reconciliation persist alerts synchronously, the dispatcher ships them on
// its own cadence.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"mixerd/models"
	"mixerd/observability"
)

const deliveryBatch = 50

// Config tunes the dispatcher.
type Config struct {
	WebhookURL  string
	Interval    time.Duration
	RateLimit   int
	RateWindow  time.Duration
	HTTPTimeout time.Duration
}

// Dispatcher polls unsent alerts and posts them to the configured webhook.
type Dispatcher struct {
	db      *gorm.DB
	cfg     Config
	client  *http.Client
	limiter *RateLimiter
	metrics *observability.MixerMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a dispatcher. A dispatcher with an empty webhook URL is
// valid and delivers nothing.
func New(db *gorm.DB, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		db:      db,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: NewRateLimiter(WithRateWindow(cfg.RateWindow)),
		metrics: observability.Mixer(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.now = clock
	}
	return d
}

// WithHTTPClient overrides the webhook client, primarily for tests.
func (d *Dispatcher) WithHTTPClient(client *http.Client) *Dispatcher {
	if client != nil {
		d.client = client
	}
	return d
}

// Run delivers pending alerts until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.WebhookURL == "" {
		d.logger.Info("alert webhook not configured, dispatcher idle")
		<-ctx.Done()
		return ctx.Err()
	}
	interval := d.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("alert flush failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush delivers one batch of unsent alerts. Alerts suppressed by the rate
// limiter stay unsent and are retried on a later pass.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.cfg.WebhookURL == "" {
		return nil
	}
	var pending []models.SecurityAlert
	err := d.db.WithContext(ctx).
		Where("webhook_sent = ?", false).
		Order("id ASC").
		Limit(deliveryBatch).
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("alerts: load pending: %w", err)
	}
	for _, alert := range pending {
		if !d.limiter.Allow(alert.Kind, d.cfg.RateLimit, d.now()) {
			if d.metrics != nil {
				d.metrics.RecordAlertDelivery("suppressed")
			}
			continue
		}
		if err := d.post(ctx, alert); err != nil {
			if d.metrics != nil {
				d.metrics.RecordAlertDelivery("error")
			}
			d.logger.Warn("alert delivery failed", "alert", alert.ID, "kind", alert.Kind, "err", err)
			continue
		}
		if err := d.db.WithContext(ctx).
			Model(&models.SecurityAlert{}).
			Where("id = ?", alert.ID).
			Update("webhook_sent", true).Error; err != nil {
			d.logger.Error("alert mark-sent failed", "alert", alert.ID, "err", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.RecordAlertDelivery("ok")
		}
	}
	return nil
}

type webhookPayload struct {
	ID        uint      `json:"id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *Dispatcher) post(ctx context.Context, alert models.SecurityAlert) error {
	body, err := json.Marshal(webhookPayload{
		ID:        alert.ID,
		Kind:      alert.Kind,
		Severity:  alert.Severity,
		Subject:   alert.Subject,
		Detail:    alert.Detail,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("alerts: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerts: post: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerts: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
