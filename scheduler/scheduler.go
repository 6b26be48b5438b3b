// Package scheduler is the periodic driver of the pipeline: a single tick
// loop that watches deposits, expires stale requests, enqueues due round
// jobs, and runs the daily retention sweep. Everything a tick decides is
// derived from persisted state, so a restarted process resumes exactly where
// the store says it should.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mixerd/audit"
	"mixerd/mixer"
	"mixerd/models"
	"mixerd/noderpc"
)

// Config tunes the driver.
type Config struct {
	TickInterval     time.Duration
	MinConfirmations int64
	ToleranceSats    int64
	ClaimTimeout     time.Duration
	Retention        time.Duration
	SweepHour        int
}

// Scheduler advances due transactions through mixing rounds.
type Scheduler struct {
	db      *gorm.DB
	cfg     Config
	service *mixer.Service
	node    noderpc.Backend
	auditor *audit.Recorder
	logger  *slog.Logger
	now     func() time.Time

	once      sync.Once
	lastSweep time.Time
}

// New constructs a scheduler bound to the state machine and node backend.
func New(db *gorm.DB, cfg Config, service *mixer.Service, node noderpc.Backend, auditor *audit.Recorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:      db,
		cfg:     cfg,
		service: service,
		node:    node,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Run blocks, ticking until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("scheduler: not configured")
	}
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.once.Do(func() {
		s.logger.Info("scheduler started", "interval", interval.String())
	})
	for {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("tick error", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling pass. Each stage is independent so a failure
// in one does not starve the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	var firstErr error
	for _, stage := range []func(context.Context) error{
		s.watchDeposits,
		s.expireStale,
		s.resumeConfirmed,
		s.recoverJobs,
		s.dispatchRounds,
		s.retentionSweep,
	} {
		if err := stage(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// watchDeposits polls the node for deposits on awaiting transactions and
// confirms those that meet the configured threshold.
func (s *Scheduler) watchDeposits(ctx context.Context) error {
	var pending []models.MixingTransaction
	err := s.db.WithContext(ctx).
		Where("state = ?", models.StateAwaitingDeposit).
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("scheduler: load awaiting: %w", err)
	}
	for _, tx := range pending {
		amount, err := s.node.GetReceivedByAddress(ctx, tx.DepositAddress, s.cfg.MinConfirmations)
		if err != nil {
			s.logger.Warn("deposit poll failed", "tx_id", tx.ID.String(), "err", err)
			continue
		}
		observed := int64(amount)
		if observed < tx.AmountSats-s.cfg.ToleranceSats {
			continue
		}
		depositTxID := ""
		if info, err := s.node.ListReceived(ctx, tx.DepositAddress); err == nil && len(info.TxIDs) > 0 {
			depositTxID = info.TxIDs[0]
		}
		if err := s.service.ConfirmDeposit(ctx, tx.ID, observed, depositTxID); err != nil {
			if errors.Is(err, mixer.ErrAmountMismatch) || errors.Is(err, mixer.ErrConflictTerminal) {
				continue
			}
			s.logger.Error("confirm deposit failed", "tx_id", tx.ID.String(), "err", err)
		}
	}
	return nil
}

// resumeConfirmed finishes the DEPOSIT_CONFIRMED -> MIXING transition for
// transactions interrupted between the two writes.
func (s *Scheduler) resumeConfirmed(ctx context.Context) error {
	var stalled []models.MixingTransaction
	err := s.db.WithContext(ctx).
		Where("state = ?", models.StateDepositConfirmed).
		Find(&stalled).Error
	if err != nil {
		return fmt.Errorf("scheduler: load confirmed: %w", err)
	}
	for _, tx := range stalled {
		if err := s.service.StartMixing(ctx, tx.ID); err != nil && !errors.Is(err, mixer.ErrConflictTerminal) {
			s.logger.Error("resume mixing failed", "tx_id", tx.ID.String(), "err", err)
		}
	}
	return nil
}

// expireStale transitions transactions past their deposit deadline.
func (s *Scheduler) expireStale(ctx context.Context) error {
	var stale []models.MixingTransaction
	err := s.db.WithContext(ctx).
		Where("state IN ? AND expires_at <= ?",
			[]models.TxState{models.StateCreated, models.StateAwaitingDeposit},
			s.now().UTC()).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("scheduler: load stale: %w", err)
	}
	for _, tx := range stale {
		if err := s.service.Expire(ctx, tx.ID); err != nil && !errors.Is(err, mixer.ErrBadTransition) {
			s.logger.Error("expire failed", "tx_id", tx.ID.String(), "err", err)
		}
	}
	return nil
}

// recoverJobs returns orphaned queue entries to a runnable state. A worker
// crash can strand a job in three shapes: claimed but never finished
// (running past the claim deadline), finished done without the matching
// cursor advance, or marked failed while the transaction stayed live. The
// unique (tx_id, round) index blocks re-enqueue, so the stranded row itself
// has to be repaired here or the transaction never progresses.
func (s *Scheduler) recoverJobs(ctx context.Context) error {
	now := s.now().UTC()
	timeout := s.cfg.ClaimTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	res := s.db.WithContext(ctx).
		Model(&models.RoundJob{}).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at <= ?)", models.JobRunning, now.Add(-timeout)).
		Updates(map[string]any{"status": models.JobPending, "claimed_at": nil})
	if res.Error != nil {
		return fmt.Errorf("scheduler: reclaim running jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("reclaimed stale running jobs", "count", res.RowsAffected)
	}

	var stranded []models.RoundJob
	err := s.db.WithContext(ctx).
		Select("round_jobs.*").
		Joins("JOIN mixing_transactions ON mixing_transactions.id = round_jobs.tx_id").
		Where("round_jobs.status IN ?", []string{models.JobDone, models.JobFailed}).
		Where("mixing_transactions.state IN ?", []models.TxState{models.StateMixing, models.StateDistributing}).
		Where("mixing_transactions.round_cursor < round_jobs.round").
		Find(&stranded).Error
	if err != nil {
		return fmt.Errorf("scheduler: load stranded jobs: %w", err)
	}
	for _, job := range stranded {
		if job.Status == models.JobDone && job.ExternalTxID != "" {
			// The transfer happened; only the state transition was lost.
			err := s.service.CompleteRound(ctx, job.TxID, job.Round, job.ExternalTxID)
			if err == nil {
				continue
			}
			if errors.Is(err, mixer.ErrConflictTerminal) || errors.Is(err, mixer.ErrBadTransition) {
				continue
			}
			s.logger.Error("replay round completion failed", "tx_id", job.TxID.String(), "round", job.Round, "err", err)
			continue
		}
		// No usable outcome recorded; reopen the job for a worker.
		res := s.db.WithContext(ctx).
			Model(&models.RoundJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]any{"status": models.JobPending, "claimed_at": nil, "last_error": ""})
		if res.Error != nil {
			s.logger.Error("reopen stranded job failed", "job", job.ID, "err", res.Error)
			continue
		}
		if res.RowsAffected > 0 {
			s.logger.Warn("reopened stranded job", "tx_id", job.TxID.String(), "round", job.Round, "was", job.Status)
		}
	}
	return nil
}

// dispatchRounds enqueues exactly one job per due (transaction, round). The
// unique index on (tx_id, round) makes the insert idempotent: an overlapping
// tick conflicts and inserts nothing.
func (s *Scheduler) dispatchRounds(ctx context.Context) error {
	now := s.now().UTC()
	var due []models.MixingTransaction
	err := s.db.WithContext(ctx).
		Where("state IN ? AND next_round_at IS NOT NULL AND next_round_at <= ?",
			[]models.TxState{models.StateMixing, models.StateDistributing},
			now).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("scheduler: load due: %w", err)
	}
	for _, tx := range due {
		round := tx.RoundCursor + 1
		kind := models.JobKindHop
		if tx.State == models.StateDistributing {
			kind = models.JobKindPayout
		}
		job := models.RoundJob{
			TxID:      tx.ID,
			Round:     round,
			Kind:      kind,
			Status:    models.JobPending,
			NotBefore: now,
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tx_id"}, {Name: "round"}},
				DoNothing: true,
			}).
			Create(&job)
		if res.Error != nil {
			s.logger.Error("enqueue failed", "tx_id", tx.ID.String(), "round", round, "err", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue // already enqueued by a previous tick
		}
		if s.auditor != nil {
			id := tx.ID
			_ = s.auditor.Record(ctx, &id, round, audit.EventRoundEnqueued, map[string]any{
				"kind": kind,
			})
		}
	}
	return nil
}

// retentionSweep purges aged audit rows, resolved alerts, terminal
// transactions and stale idempotency keys once per day at the configured
// hour. This is a privacy pass, not a correctness path.
func (s *Scheduler) retentionSweep(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		return nil
	}
	now := s.now().UTC()
	if now.Hour() != s.cfg.SweepHour {
		return nil
	}
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < 23*time.Hour {
		return nil
	}
	s.lastSweep = now
	cutoff := now.Add(-s.cfg.Retention)

	var oldTxs []models.MixingTransaction
	err := s.db.WithContext(ctx).
		Where("state IN ? AND created_at < ?",
			[]models.TxState{models.StateCompleted, models.StateExpired, models.StateFailed},
			cutoff).
		Find(&oldTxs).Error
	if err != nil {
		return fmt.Errorf("scheduler: load aged transactions: %w", err)
	}
	for _, tx := range oldTxs {
		err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
			if err := dbtx.Where("tx_id = ?", tx.ID).Delete(&models.Destination{}).Error; err != nil {
				return err
			}
			if err := dbtx.Where("tx_id = ?", tx.ID).Delete(&models.RoundJob{}).Error; err != nil {
				return err
			}
			return dbtx.Delete(&models.MixingTransaction{}, "id = ?", tx.ID).Error
		})
		if err != nil {
			s.logger.Error("retention delete failed", "tx_id", tx.ID.String(), "err", err)
		}
	}

	if s.auditor != nil {
		if removed, err := s.auditor.SweepBefore(ctx, cutoff); err == nil && removed > 0 {
			s.logger.Info("audit retention sweep", "removed", removed)
		}
	}
	if err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.SecurityAlert{}).Error; err != nil {
		s.logger.Error("alert retention failed", "err", err)
	}
	if err := s.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-48*time.Hour)).
		Delete(&models.IdempotencyKey{}).Error; err != nil {
		s.logger.Error("idempotency retention failed", "err", err)
	}
	return nil
}
