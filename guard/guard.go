// Package guard gates admission into the mixing pipeline: a durable
// sliding-window rate limit per subject, amount bounds, and a
// destination-reuse heuristic. The guard itself holds no state; counters live
// in the store behind increment-with-expiry updates so any number of request
// handlers can consult it concurrently.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/models"
	"mixerd/observability"
)

var (
	// ErrRateExceeded rejects a subject that used up its admission window.
	ErrRateExceeded = errors.New("guard: rate limit exceeded")

	// ErrAmountOutOfRange rejects amounts outside the configured bounds.
	ErrAmountOutOfRange = errors.New("guard: amount out of range")

	// ErrPatternAbuse rejects destinations reused across too many distinct
	// subjects within the horizon.
	ErrPatternAbuse = errors.New("guard: destination reuse threshold exceeded")
)

// Alert kinds raised by the guard.
const (
	AlertRateExceeded    = "rate-exceeded"
	AlertAnomalousAmount = "anomalous-amount"
	AlertRepeatedFailure = "repeated-failure"
	AlertPatternAbuse    = "pattern-abuse"
)

// Config carries the tunables consulted on every admission check.
type Config struct {
	RateWindow        time.Duration
	RateLimit         int
	MinAmountSats     int64
	MaxAmountSats     int64
	ReuseHorizon      time.Duration
	ReuseSoftSubjects int
	ReuseHardSubjects int
}

// Guard performs admission checks against the durable counter store.
type Guard struct {
	db      *gorm.DB
	cfg     Config
	auditor *audit.Recorder
	metrics *observability.MixerMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a guard bound to the supplied store.
func New(db *gorm.DB, cfg Config, auditor *audit.Recorder, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		db:      db,
		cfg:     cfg,
		auditor: auditor,
		metrics: observability.Mixer(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	if clock != nil {
		g.now = clock
	}
	return g
}

// Admit decides whether a request from the subject may become a transaction.
// Denials are synchronous errors; soft findings raise alerts without
// blocking. Every denial is written to the audit log with subject and reason.
func (g *Guard) Admit(ctx context.Context, subject string, amountSats int64, destinations []string) error {
	if g == nil || g.db == nil {
		return fmt.Errorf("guard: not configured")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("guard: subject required")
	}

	if amountSats < g.cfg.MinAmountSats || amountSats > g.cfg.MaxAmountSats {
		g.deny(ctx, subject, "amount_out_of_range", map[string]any{
			"amount_sats": amountSats,
			"min_sats":    g.cfg.MinAmountSats,
			"max_sats":    g.cfg.MaxAmountSats,
		})
		g.Raise(ctx, AlertAnomalousAmount, "medium", subject, map[string]any{
			"amount_sats": amountSats,
		})
		return ErrAmountOutOfRange
	}

	allowed, err := g.incrementWindow(ctx, subject)
	if err != nil {
		return err
	}
	if !allowed {
		g.deny(ctx, subject, "rate_exceeded", map[string]any{
			"window": g.cfg.RateWindow.String(),
			"limit":  g.cfg.RateLimit,
		})
		g.Raise(ctx, AlertRateExceeded, "medium", subject, map[string]any{
			"limit": g.cfg.RateLimit,
		})
		return ErrRateExceeded
	}

	if err := g.checkDestinationReuse(ctx, subject, destinations); err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.RecordAdmission("allow", "")
	}
	return nil
}

// incrementWindow performs the atomic increment-with-expiry against the
// subject's counter row. Three conditional writes cover every interleaving:
// bump a live window, reset an expired one, or create the row. Each write is
// guarded so concurrent admission checks cannot both slip under the limit.
func (g *Guard) incrementWindow(ctx context.Context, subject string) (bool, error) {
	now := g.now().UTC()
	expiry := now.Add(-g.cfg.RateWindow)

	// Bump a counter inside a live window, but only below the limit.
	res := g.db.WithContext(ctx).
		Model(&models.AdmissionWindow{}).
		Where("subject = ? AND window_start > ? AND count < ?", subject, expiry, g.cfg.RateLimit).
		Update("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("guard: bump window: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Reset a window that has fully elapsed.
	res = g.db.WithContext(ctx).
		Model(&models.AdmissionWindow{}).
		Where("subject = ? AND window_start <= ?", subject, expiry).
		Updates(map[string]any{"window_start": now, "count": 1})
	if res.Error != nil {
		return false, fmt.Errorf("guard: reset window: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// No row yet: create it. A conflict means a concurrent check created the
	// row first, in which case the live window above is authoritative.
	err := g.db.WithContext(ctx).Create(&models.AdmissionWindow{
		Subject:     subject,
		WindowStart: now,
		Count:       1,
	}).Error
	if err == nil {
		return true, nil
	}

	var existing models.AdmissionWindow
	if lookupErr := g.db.WithContext(ctx).First(&existing, "subject = ?", subject).Error; lookupErr == nil {
		if existing.WindowStart.After(expiry) && existing.Count >= g.cfg.RateLimit {
			return false, nil
		}
		// Row exists with headroom; retry the bump once.
		res = g.db.WithContext(ctx).
			Model(&models.AdmissionWindow{}).
			Where("subject = ? AND window_start > ? AND count < ?", subject, expiry, g.cfg.RateLimit).
			Update("count", gorm.Expr("count + 1"))
		if res.Error == nil && res.RowsAffected == 1 {
			return true, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("guard: create window: %w", err)
}

// checkDestinationReuse flags identical destination addresses appearing
// across distinct subjects within the horizon. Crossing the soft threshold
// raises an alert without blocking; the hard threshold denies.
func (g *Guard) checkDestinationReuse(ctx context.Context, subject string, destinations []string) error {
	if len(destinations) == 0 || g.cfg.ReuseHorizon <= 0 {
		return nil
	}
	horizon := g.now().UTC().Add(-g.cfg.ReuseHorizon)
	var subjects int64
	err := g.db.WithContext(ctx).
		Model(&models.Destination{}).
		Joins("JOIN mixing_transactions ON mixing_transactions.id = destinations.tx_id").
		Where("destinations.address IN ?", destinations).
		Where("mixing_transactions.created_at > ?", horizon).
		Where("mixing_transactions.subject_hash <> ?", subject).
		Distinct("mixing_transactions.subject_hash").
		Count(&subjects).Error
	if err != nil {
		return fmt.Errorf("guard: reuse query: %w", err)
	}
	if g.cfg.ReuseHardSubjects > 0 && subjects >= int64(g.cfg.ReuseHardSubjects) {
		g.deny(ctx, subject, "pattern_abuse", map[string]any{
			"distinct_subjects": subjects,
		})
		g.Raise(ctx, AlertPatternAbuse, "high", subject, map[string]any{
			"distinct_subjects": subjects,
		})
		return ErrPatternAbuse
	}
	if g.cfg.ReuseSoftSubjects > 0 && subjects >= int64(g.cfg.ReuseSoftSubjects) {
		if g.auditor != nil {
			_ = g.auditor.Record(ctx, nil, 0, audit.EventPatternFlagged, map[string]any{
				"subject":           subject,
				"distinct_subjects": subjects,
			})
		}
		g.Raise(ctx, AlertPatternAbuse, "low", subject, map[string]any{
			"distinct_subjects": subjects,
		})
	}
	return nil
}

// Raise persists a security alert for asynchronous webhook delivery.
func (g *Guard) Raise(ctx context.Context, kind, severity, subject string, detail map[string]any) {
	if g == nil || g.db == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}
	alert := models.SecurityAlert{
		Kind:      kind,
		Severity:  severity,
		Subject:   subject,
		Detail:    string(payload),
		CreatedAt: g.now().UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&alert).Error; err != nil {
		g.logger.Error("persist security alert failed", "kind", kind, "err", err)
	}
}

func (g *Guard) deny(ctx context.Context, subject, reason string, detail map[string]any) {
	if g.metrics != nil {
		g.metrics.RecordAdmission("deny", reason)
	}
	if g.auditor != nil {
		detail["subject"] = subject
		detail["reason"] = reason
		_ = g.auditor.Record(ctx, nil, 0, audit.EventAdmissionDenied, detail)
	}
}
