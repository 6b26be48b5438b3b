// Package pool owns the internal address pool and its lease state. Leasing is
// the one operation in the service that demands a true compare-and-set: the
// FREE -> LEASED transition runs as a conditional update against the store so
// two transactions can never claim the same entry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/models"
	"mixerd/observability"
)

var (
	// ErrPoolExhausted is returned when no FREE entry exists. Callers reject
	// the incoming request; replenishment is an operator action.
	ErrPoolExhausted = errors.New("pool: no free address available")

	// ErrInvalidRelease indicates a release against an entry that is FREE or
	// leased by a different transaction. This is a bookkeeping invariant
	// violation: the pool state is left untouched.
	ErrInvalidRelease = errors.New("pool: invalid release")
)

// candidateRetries bounds how many lost lease races one call will absorb
// before reporting exhaustion.
const candidateRetries = 5

// Manager mediates lease, release and sweep operations on the address pool.
type Manager struct {
	db      *gorm.DB
	auditor *audit.Recorder
	metrics *observability.MixerMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager constructs a pool manager bound to the supplied store.
func NewManager(db *gorm.DB, auditor *audit.Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:      db,
		auditor: auditor,
		metrics: observability.Mixer(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	if clock != nil {
		m.now = clock
	}
	return m
}

// Lease claims the least recently used FREE entry for the given transaction.
// The FREE -> LEASED flip is a conditional update checked via RowsAffected; a
// lost race moves on to the next candidate.
func (m *Manager) Lease(ctx context.Context, txID uuid.UUID) (string, error) {
	if m == nil || m.db == nil {
		return "", fmt.Errorf("pool: manager not configured")
	}
	for attempt := 0; attempt < candidateRetries; attempt++ {
		var entry models.PoolAddress
		err := m.db.WithContext(ctx).
			Where("lease_state = ? AND active = ?", models.LeaseFree, true).
			Order("last_used_at ASC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrPoolExhausted
		}
		if err != nil {
			return "", fmt.Errorf("pool: select candidate: %w", err)
		}

		res := m.db.WithContext(ctx).
			Model(&models.PoolAddress{}).
			Where("id = ? AND lease_state = ?", entry.ID, models.LeaseFree).
			Updates(map[string]any{
				"lease_state":  models.LeaseLeased,
				"leased_by":    txID,
				"last_used_at": m.now().UTC(),
			})
		if res.Error != nil {
			return "", fmt.Errorf("pool: lease update: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race; another caller observed the entry first.
			continue
		}
		if m.auditor != nil {
			_ = m.auditor.Record(ctx, &txID, 0, audit.EventLeaseGranted, map[string]any{
				"address": entry.Address,
			})
		}
		m.publishCensus(ctx)
		return entry.Address, nil
	}
	return "", ErrPoolExhausted
}

// Release returns a leased entry to the pool. The entry must be LEASED and
// owned by txID; anything else fails with ErrInvalidRelease and leaves the
// lease as-is rather than guessing.
func (m *Manager) Release(ctx context.Context, address string, txID uuid.UUID) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("pool: manager not configured")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidRelease
	}
	res := m.db.WithContext(ctx).
		Model(&models.PoolAddress{}).
		Where("address = ? AND lease_state = ? AND leased_by = ?", address, models.LeaseLeased, txID).
		Updates(map[string]any{
			"lease_state": models.LeaseFree,
			"leased_by":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("pool: release update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		m.logger.Error("pool release rejected",
			"address", address,
			"tx_id", txID.String(),
		)
		return ErrInvalidRelease
	}
	if m.auditor != nil {
		_ = m.auditor.Record(ctx, &txID, 0, audit.EventLeaseReleased, map[string]any{
			"address": address,
		})
	}
	m.publishCensus(ctx)
	return nil
}

// Sweep forces any residual balance on the entry back into the operating
// total and returns the amount collected. Used for manual reconciliation of
// failed or mismatched deposits.
func (m *Manager) Sweep(ctx context.Context, address string) (int64, error) {
	if m == nil || m.db == nil {
		return 0, fmt.Errorf("pool: manager not configured")
	}
	var swept int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.PoolAddress
		if err := tx.Where("address = ?", strings.TrimSpace(address)).First(&entry).Error; err != nil {
			return fmt.Errorf("pool: load entry: %w", err)
		}
		swept = entry.BalanceSats
		if swept == 0 {
			return nil
		}
		return tx.Model(&models.PoolAddress{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"balance_sats":    0,
				"throughput_sats": gorm.Expr("throughput_sats + ?", swept),
			}).Error
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 && m.auditor != nil {
		_ = m.auditor.Record(ctx, nil, 0, audit.EventSweep, map[string]any{
			"address":    address,
			"swept_sats": swept,
		})
	}
	return swept, nil
}

// Add registers new addresses as FREE pool entries, skipping duplicates.
// Exposed through the admin API for operator replenishment.
func (m *Manager) Add(ctx context.Context, addresses []string) (int, error) {
	if m == nil || m.db == nil {
		return 0, fmt.Errorf("pool: manager not configured")
	}
	added := 0
	for _, raw := range addresses {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		entry := models.PoolAddress{
			Address:    addr,
			LeaseState: models.LeaseFree,
			Active:     true,
			LastUsedAt: time.Unix(0, 0).UTC(),
		}
		res := m.db.WithContext(ctx).
			Where("address = ?", addr).
			FirstOrCreate(&entry)
		if res.Error != nil {
			return added, fmt.Errorf("pool: add %s: %w", addr, res.Error)
		}
		if res.RowsAffected > 0 {
			added++
		}
	}
	m.publishCensus(ctx)
	return added, nil
}

// PickHops selects up to k hop targets among active entries, least recently
// used first, and bumps their usage timestamps. Hop targets are shared
// operating addresses; they are not leased.
func (m *Manager) PickHops(ctx context.Context, k int) ([]string, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("pool: manager not configured")
	}
	if k < 1 {
		k = 1
	}
	var entries []models.PoolAddress
	err := m.db.WithContext(ctx).
		Where("active = ?", true).
		Order("last_used_at ASC").
		Limit(k).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("pool: select hops: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrPoolExhausted
	}
	now := m.now().UTC()
	addrs := make([]string, 0, len(entries))
	for _, entry := range entries {
		addrs = append(addrs, entry.Address)
		if err := m.db.WithContext(ctx).
			Model(&models.PoolAddress{}).
			Where("id = ?", entry.ID).
			Update("last_used_at", now).Error; err != nil {
			return nil, fmt.Errorf("pool: touch hop: %w", err)
		}
	}
	return addrs, nil
}

// Credit adds sats to an entry's tracked balance and throughput.
func (m *Manager) Credit(ctx context.Context, address string, sats int64) error {
	return m.adjust(ctx, address, sats)
}

// Debit removes sats from an entry's tracked balance.
func (m *Manager) Debit(ctx context.Context, address string, sats int64) error {
	return m.adjust(ctx, address, -sats)
}

func (m *Manager) adjust(ctx context.Context, address string, delta int64) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("pool: manager not configured")
	}
	res := m.db.WithContext(ctx).
		Model(&models.PoolAddress{}).
		Where("address = ?", strings.TrimSpace(address)).
		Updates(map[string]any{
			"balance_sats":    gorm.Expr("balance_sats + ?", delta),
			"throughput_sats": gorm.Expr("throughput_sats + ?", abs64(delta)),
		})
	if res.Error != nil {
		return fmt.Errorf("pool: adjust balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pool: unknown address %s", address)
	}
	return nil
}

func (m *Manager) publishCensus(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	for _, state := range []string{models.LeaseFree, models.LeaseLeased} {
		var count int64
		if err := m.db.WithContext(ctx).
			Model(&models.PoolAddress{}).
			Where("lease_state = ? AND active = ?", state, true).
			Count(&count).Error; err == nil {
			m.metrics.SetPoolEntries(state, count)
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
