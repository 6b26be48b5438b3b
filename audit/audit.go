// Package audit maintains the append-only mixing log. Rows are written for
// every state transition, lease movement, and guard decision; nothing mutates
// or deletes them except the age-based retention sweep.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/models"
)

// Event kinds recorded by the orchestration core.
const (
	EventCreated          = "CREATED"
	EventDepositConfirmed = "DEPOSIT_CONFIRMED"
	EventMixingStarted    = "MIXING_STARTED"
	EventRoundEnqueued    = "ROUND_ENQUEUED"
	EventRoundCompleted   = "ROUND_COMPLETED"
	EventRoundFailed      = "ROUND_FAILED"
	EventDistributing     = "DISTRIBUTING"
	EventCompleted        = "COMPLETED"
	EventExpired          = "EXPIRED"
	EventFailed           = "FAILED"
	EventLeaseGranted     = "LEASE_GRANTED"
	EventLeaseReleased    = "LEASE_RELEASED"
	EventSweep            = "POOL_SWEEP"
	EventAdmissionDenied  = "ADMISSION_DENIED"
	EventPatternFlagged   = "PATTERN_FLAGGED"
	EventConflictDiscard  = "CONFLICT_DISCARDED"
)

// Recorder appends entries to the mixing log.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder constructs a recorder bound to the supplied store.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// WithClock overrides the timestamp source, primarily for tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	if clock != nil {
		r.now = clock
	}
	return r
}

// Record appends one log entry. The detail map is serialised to JSON; a nil
// map is stored as an empty object so replay tooling never sees NULLs.
func (r *Recorder) Record(ctx context.Context, txID *uuid.UUID, round int, event string, detail map[string]any) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("audit: recorder not configured")
	}
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("audit: encode detail: %w", err)
	}
	entry := models.MixingLog{
		TxID:      txID,
		Round:     round,
		Event:     event,
		Detail:    string(payload),
		CreatedAt: r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// History returns the full ordered trail for one transaction.
func (r *Recorder) History(ctx context.Context, txID uuid.UUID) ([]models.MixingLog, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("audit: recorder not configured")
	}
	var entries []models.MixingLog
	err := r.db.WithContext(ctx).
		Where("tx_id = ?", txID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: load history: %w", err)
	}
	return entries, nil
}

// SweepBefore purges log entries older than the cutoff. This is the privacy
// retention pass, not a correctness path; it returns the number of rows
// removed.
func (r *Recorder) SweepBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("audit: recorder not configured")
	}
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.MixingLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
