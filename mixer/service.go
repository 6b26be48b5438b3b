// Package mixer implements the authoritative transaction state machine:
// CREATED -> AWAITING_DEPOSIT -> DEPOSIT_CONFIRMED -> MIXING -> DISTRIBUTING
// -> COMPLETED, with EXPIRED and FAILED side branches. The service owns every
// write to a transaction's state field; the scheduler and workers drive it
// only through the transition methods here.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/guard"
	"mixerd/models"
	"mixerd/observability"
	"mixerd/pool"
)

var (
	// ErrNotFound is returned for unknown transaction ids.
	ErrNotFound = errors.New("mixer: transaction not found")

	// ErrConflictTerminal is returned when a result arrives for a
	// transaction already in a terminal state. The caller discards the
	// result; the state field never changes again.
	ErrConflictTerminal = errors.New("mixer: transaction already terminal")

	// ErrBadTransition is returned for an advance that violates the
	// transition contract (wrong state or out-of-order round).
	ErrBadTransition = errors.New("mixer: invalid transition")

	// ErrAmountMismatch marks a deposit that disagrees with the request
	// beyond tolerance. The transaction fails; funds stay on the pool entry
	// for manual reconciliation.
	ErrAmountMismatch = errors.New("mixer: deposit amount mismatch")
)

// Config carries the state machine tunables.
type Config struct {
	Rounds         int
	HopsMin        int
	HopsMax        int
	DelayMin       time.Duration
	DelayMax       time.Duration
	FeeBasisPoints int64
	ToleranceSats  int64
	DepositExpiry  time.Duration
}

// DestinationSpec is one requested payout target.
type DestinationSpec struct {
	Address string
	Weight  int
}

// CreateParams bundles an admission-checked create request.
type CreateParams struct {
	Subject      string
	AmountSats   int64
	Destinations []DestinationSpec
}

// Service coordinates transaction lifecycle transitions.
type Service struct {
	db      *gorm.DB
	cfg     Config
	pool    *pool.Manager
	guard   *guard.Guard
	auditor *audit.Recorder
	metrics *observability.MixerMetrics
	logger  *slog.Logger
	rng     *rand.Rand
	now     func() time.Time
}

// New constructs the state machine service.
func New(db *gorm.DB, cfg Config, pl *pool.Manager, gd *guard.Guard, auditor *audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:      db,
		cfg:     cfg,
		pool:    pl,
		guard:   gd,
		auditor: auditor,
		metrics: observability.Mixer(),
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithRand overrides the randomness source, primarily for tests.
func (s *Service) WithRand(rng *rand.Rand) *Service {
	if rng != nil {
		s.rng = rng
	}
	return s
}

// Create admits the request, leases a deposit address and persists the
// transaction in AWAITING_DEPOSIT. Pool exhaustion fails fast before anything
// is stored; a persist failure rolls the lease back so nothing is left
// half-initialised.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.MixingTransaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("mixer: service not configured")
	}
	if len(params.Destinations) == 0 {
		return nil, fmt.Errorf("mixer: at least one destination required")
	}
	addresses := make([]string, 0, len(params.Destinations))
	weights := make([]int, 0, len(params.Destinations))
	for _, dest := range params.Destinations {
		addr := strings.TrimSpace(dest.Address)
		if addr == "" {
			return nil, fmt.Errorf("mixer: destination address required")
		}
		addresses = append(addresses, addr)
		weights = append(weights, dest.Weight)
	}

	if s.guard != nil {
		if err := s.guard.Admit(ctx, params.Subject, params.AmountSats, addresses); err != nil {
			return nil, err
		}
	}

	fee := ComputeFee(params.AmountSats, s.cfg.FeeBasisPoints)
	payout := params.AmountSats - fee
	parts, err := SplitPayout(payout, weights)
	if err != nil {
		return nil, err
	}

	txID := uuid.New()
	depositAddr, err := s.pool.Lease(ctx, txID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := models.MixingTransaction{
		ID:             txID,
		SubjectHash:    params.Subject,
		AmountSats:     params.AmountSats,
		FeeSats:        fee,
		PayoutSats:     payout,
		DepositAddress: depositAddr,
		State:          models.StateAwaitingDeposit,
		Rounds:         s.cfg.Rounds,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.DepositExpiry),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("mixer: persist transaction: %w", err)
		}
		for i, addr := range addresses {
			dest := models.Destination{
				TxID:       txID,
				Address:    addr,
				Weight:     weights[i],
				AmountSats: parts[i],
			}
			if err := tx.Create(&dest).Error; err != nil {
				return fmt.Errorf("mixer: persist destination: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if releaseErr := s.pool.Release(ctx, depositAddr, txID); releaseErr != nil {
			s.logger.Error("lease rollback failed", "tx_id", txID.String(), "err", releaseErr)
		}
		return nil, err
	}

	s.transitioned(ctx, &record, audit.EventCreated, 0, map[string]any{
		"amount_sats":     params.AmountSats,
		"fee_sats":        fee,
		"deposit_address": depositAddr,
		"destinations":    len(addresses),
	})
	return &record, nil
}

// ConfirmDeposit applies an observed deposit. Amounts within tolerance move
// the transaction to DEPOSIT_CONFIRMED; overpayments beyond tolerance fail it
// with an amount mismatch. Underpayments below tolerance are not an error,
// the deposit simply has not arrived yet.
func (s *Service) ConfirmDeposit(ctx context.Context, txID uuid.UUID, observedSats int64, depositTxID string) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return s.conflict(ctx, record, "deposit_result")
	}
	if record.State != models.StateAwaitingDeposit {
		return nil
	}
	if observedSats < record.AmountSats-s.cfg.ToleranceSats {
		return nil
	}

	if err := s.pool.Credit(ctx, record.DepositAddress, observedSats); err != nil {
		s.logger.Warn("deposit credit bookkeeping failed", "tx_id", txID.String(), "err", err)
	}

	if observedSats > record.AmountSats+s.cfg.ToleranceSats {
		s.failLocked(ctx, record, 0, fmt.Sprintf("amount mismatch: observed %d, requested %d", observedSats, record.AmountSats))
		return ErrAmountMismatch
	}

	res := s.db.WithContext(ctx).
		Model(&models.MixingTransaction{}).
		Where("id = ? AND state = ?", txID, models.StateAwaitingDeposit).
		Updates(map[string]any{
			"state":         models.StateDepositConfirmed,
			"deposit_tx_id": depositTxID,
		})
	if res.Error != nil {
		return fmt.Errorf("mixer: confirm deposit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	record.State = models.StateDepositConfirmed
	s.transitioned(ctx, record, audit.EventDepositConfirmed, 0, map[string]any{
		"observed_sats": observedSats,
		"deposit_txid":  depositTxID,
	})
	return s.StartMixing(ctx, txID)
}

// StartMixing computes the round plan and moves DEPOSIT_CONFIRMED into
// MIXING with the cursor at zero. Split out from ConfirmDeposit so a crash
// between the two transitions is resumable from durable state.
func (s *Service) StartMixing(ctx context.Context, txID uuid.UUID) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return s.conflict(ctx, record, "start_mixing")
	}
	if record.State != models.StateDepositConfirmed {
		return nil
	}

	plan := ComputePlan(PlanParams{
		Rounds:   s.cfg.Rounds,
		HopsMin:  s.cfg.HopsMin,
		HopsMax:  s.cfg.HopsMax,
		DelayMin: s.cfg.DelayMin,
		DelayMax: s.cfg.DelayMax,
	}, s.rng)
	encoded, err := plan.Encode()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	nextRound := now.Add(plan.Rounds[0].Delay)
	res := s.db.WithContext(ctx).
		Model(&models.MixingTransaction{}).
		Where("id = ? AND state = ?", txID, models.StateDepositConfirmed).
		Updates(map[string]any{
			"state":             models.StateMixing,
			"plan":              encoded,
			"round_cursor":      0,
			"next_round_at":     nextRound,
			"mixing_started_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("mixer: start mixing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	record.State = models.StateMixing
	s.transitioned(ctx, record, audit.EventMixingStarted, 0, map[string]any{
		"rounds":        len(plan.Rounds),
		"next_round_at": nextRound.Format(time.RFC3339),
	})
	return nil
}

// CompleteRound applies a successful round execution. Hop rounds advance the
// cursor; the last hop moves the transaction to DISTRIBUTING; the payout
// round completes it and releases the deposit lease. Out-of-order rounds are
// rejected, terminal transactions yield ErrConflictTerminal.
func (s *Service) CompleteRound(ctx context.Context, txID uuid.UUID, round int, externalTxID string) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return s.conflict(ctx, record, "round_result")
	}
	if round != record.RoundCursor+1 {
		return ErrBadTransition
	}

	plan, err := DecodePlan(record.Plan)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	switch {
	case record.State == models.StateMixing && round < record.Rounds:
		nextAt := now.Add(plan.Rounds[round].Delay)
		if err := s.advanceCursor(ctx, record, round, models.StateMixing, &nextAt); err != nil {
			return err
		}
		s.transitioned(ctx, record, audit.EventRoundCompleted, round, map[string]any{
			"external_txid": externalTxID,
		})
		return nil

	case record.State == models.StateMixing && round == record.Rounds:
		nextAt := now.Add(plan.PayoutDelay)
		if err := s.advanceCursor(ctx, record, round, models.StateDistributing, &nextAt); err != nil {
			return err
		}
		record.State = models.StateDistributing
		s.transitioned(ctx, record, audit.EventDistributing, round, map[string]any{
			"external_txid": externalTxID,
			"payout_at":     nextAt.Format(time.RFC3339),
		})
		return nil

	case record.State == models.StateDistributing && round == record.Rounds+1:
		// The cursor stays at Rounds; payout settlement is carried by the
		// state and completed_at, never by a cursor past the hop count.
		res := s.db.WithContext(ctx).
			Model(&models.MixingTransaction{}).
			Where("id = ? AND state = ? AND round_cursor = ?", record.ID, models.StateDistributing, record.Rounds).
			Updates(map[string]any{
				"state":         models.StateCompleted,
				"next_round_at": nil,
				"completed_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("mixer: complete payout: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrBadTransition
		}
		record.State = models.StateCompleted
		// The payout leaves the entry; the fee stays behind as residue
		// until an operator sweep collects it.
		if err := s.pool.Debit(ctx, record.DepositAddress, record.PayoutSats); err != nil {
			s.logger.Warn("payout debit bookkeeping failed", "tx_id", txID.String(), "err", err)
		}
		if err := s.pool.Release(ctx, record.DepositAddress, record.ID); err != nil {
			s.logger.Error("lease release on completion failed", "tx_id", txID.String(), "err", err)
		}
		s.transitioned(ctx, record, audit.EventCompleted, round, map[string]any{
			"external_txid": externalTxID,
		})
		return nil
	}
	return ErrBadTransition
}

// advanceCursor performs the guarded cursor write. The WHERE clause pins the
// expected state and cursor so a duplicate or late result cannot advance the
// transaction twice.
func (s *Service) advanceCursor(ctx context.Context, record *models.MixingTransaction, round int, newState models.TxState, nextAt *time.Time) error {
	updates := map[string]any{
		"state":         newState,
		"round_cursor":  round,
		"next_round_at": nextAt,
	}
	res := s.db.WithContext(ctx).
		Model(&models.MixingTransaction{}).
		Where("id = ? AND state = ? AND round_cursor = ?", record.ID, record.State, round-1).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mixer: advance round: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	record.RoundCursor = round
	return nil
}

// FailRound marks the transaction FAILED after a round exhausted its
// retries. Prior successful rounds are not rolled back; remaining funds stay
// against the pool entry for manual reconciliation.
func (s *Service) FailRound(ctx context.Context, txID uuid.UUID, round int, reason string) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return s.conflict(ctx, record, "round_failure")
	}
	s.auditRecord(ctx, record, audit.EventRoundFailed, round, map[string]any{
		"reason": reason,
	})
	s.failLocked(ctx, record, round, reason)
	return nil
}

// Expire moves a transaction with no qualifying deposit past its deadline to
// EXPIRED and frees its deposit address.
func (s *Service) Expire(ctx context.Context, txID uuid.UUID) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.MixingTransaction{}).
		Where("id = ? AND state IN ?", txID, []models.TxState{models.StateCreated, models.StateAwaitingDeposit}).
		Update("state", models.StateExpired)
	if res.Error != nil {
		return fmt.Errorf("mixer: expire: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	record.State = models.StateExpired
	if err := s.pool.Release(ctx, record.DepositAddress, record.ID); err != nil {
		s.logger.Error("lease release on expiry failed", "tx_id", txID.String(), "err", err)
	}
	s.transitioned(ctx, record, audit.EventExpired, 0, map[string]any{
		"expired_at": s.now().UTC().Format(time.RFC3339),
	})
	return nil
}

// ForceFail is the operator-driven abort: any non-terminal transaction moves
// to FAILED and releases its lease. In-flight workers observe the terminal
// state before their next retry and discard their results.
func (s *Service) ForceFail(ctx context.Context, txID uuid.UUID, reason string) error {
	record, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return ErrConflictTerminal
	}
	s.failLocked(ctx, record, record.RoundCursor, reason)
	return nil
}

// failLocked flips any non-terminal state to FAILED, releases the lease and
// records the terminal audit entry.
func (s *Service) failLocked(ctx context.Context, record *models.MixingTransaction, round int, reason string) {
	res := s.db.WithContext(ctx).
		Model(&models.MixingTransaction{}).
		Where("id = ? AND state NOT IN ?", record.ID, []models.TxState{
			models.StateCompleted, models.StateExpired, models.StateFailed,
		}).
		Updates(map[string]any{
			"state":         models.StateFailed,
			"error_message": reason,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		s.logger.Error("fail transition rejected", "tx_id", record.ID.String(), "err", res.Error)
		return
	}
	record.State = models.StateFailed
	if err := s.pool.Release(ctx, record.DepositAddress, record.ID); err != nil {
		s.logger.Error("lease release on failure failed", "tx_id", record.ID.String(), "err", err)
	}
	s.transitioned(ctx, record, audit.EventFailed, round, map[string]any{
		"reason": reason,
	})
}

// Get loads one transaction with its destinations.
func (s *Service) Get(ctx context.Context, txID uuid.UUID) (*models.MixingTransaction, error) {
	var record models.MixingTransaction
	err := s.db.WithContext(ctx).
		Preload("Destinations").
		First(&record, "id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mixer: load transaction: %w", err)
	}
	return &record, nil
}

// SetDestinationTxID records the external transaction id of a settled payout.
func (s *Service) SetDestinationTxID(ctx context.Context, txID uuid.UUID, address, externalTxID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Destination{}).
		Where("tx_id = ? AND address = ?", txID, address).
		Update("external_tx_id", externalTxID).Error
}

func (s *Service) conflict(ctx context.Context, record *models.MixingTransaction, source string) error {
	s.auditRecord(ctx, record, audit.EventConflictDiscard, record.RoundCursor, map[string]any{
		"source": source,
		"state":  string(record.State),
	})
	return ErrConflictTerminal
}

func (s *Service) transitioned(ctx context.Context, record *models.MixingTransaction, event string, round int, detail map[string]any) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(record.State))
	}
	s.auditRecord(ctx, record, event, round, detail)
}

func (s *Service) auditRecord(ctx context.Context, record *models.MixingTransaction, event string, round int, detail map[string]any) {
	if s.auditor == nil {
		return
	}
	id := record.ID
	if err := s.auditor.Record(ctx, &id, round, event, detail); err != nil {
		s.logger.Error("audit append failed", "tx_id", id.String(), "event", event, "err", err)
	}
}
