package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TxState represents a state in the mixing transaction lifecycle.
type TxState string

// All lifecycle states. COMPLETED, FAILED and EXPIRED are terminal.
const (
	StateCreated          TxState = "CREATED"
	StateAwaitingDeposit  TxState = "AWAITING_DEPOSIT"
	StateDepositConfirmed TxState = "DEPOSIT_CONFIRMED"
	StateMixing           TxState = "MIXING"
	StateDistributing     TxState = "DISTRIBUTING"
	StateCompleted        TxState = "COMPLETED"
	StateExpired          TxState = "EXPIRED"
	StateFailed           TxState = "FAILED"
)

// Terminal reports whether no further transition may leave the state.
func (s TxState) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateFailed:
		return true
	}
	return false
}

// Lease states for pool addresses.
const (
	LeaseFree   = "FREE"
	LeaseLeased = "LEASED"
)

// Round job kinds and statuses.
const (
	JobKindHop    = "hop"
	JobKindPayout = "payout"

	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// MixingTransaction is the authoritative per-request lifecycle record. All
// amounts are integer satoshis so fee and split arithmetic stays exact.
type MixingTransaction struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectHash string    `gorm:"size:64;index"`

	AmountSats int64 `gorm:"not null"`
	FeeSats    int64 `gorm:"not null"`
	PayoutSats int64 `gorm:"not null"`

	DepositAddress string `gorm:"size:64;index"`
	DepositTxID    string `gorm:"size:64"`

	State       TxState `gorm:"size:32;index"`
	Rounds      int     `gorm:"not null"`
	RoundCursor int     `gorm:"not null"`
	NextRoundAt *time.Time
	Plan        string `gorm:"type:text"`

	ErrorMessage string `gorm:"type:text"`

	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	MixingStartedAt *time.Time
	CompletedAt     *time.Time

	Destinations []Destination `gorm:"foreignKey:TxID"`
}

// Destination is one weighted payout target of a transaction.
type Destination struct {
	ID           uint      `gorm:"primaryKey"`
	TxID         uuid.UUID `gorm:"type:uuid;index"`
	Address      string    `gorm:"size:64;index"`
	Weight       int       `gorm:"not null"`
	AmountSats   int64     `gorm:"not null"`
	ExternalTxID string    `gorm:"size:64"`
}

// PoolAddress is one entry of the internal address pool. LeaseState moves
// FREE -> LEASED under a conditional update so two transactions can never
// observe the same entry as FREE.
type PoolAddress struct {
	ID             uint       `gorm:"primaryKey"`
	Address        string     `gorm:"size:64;uniqueIndex"`
	LeaseState     string     `gorm:"size:16;index;default:FREE"`
	LeasedBy       *uuid.UUID `gorm:"type:uuid;index"`
	BalanceSats    int64      `gorm:"not null;default:0"`
	ThroughputSats int64      `gorm:"not null;default:0"`
	LastUsedAt     time.Time  `gorm:"index"`
	Active         bool       `gorm:"index;default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoundJob is the durable distribution queue. The unique (tx_id, round) index
// is the idempotent-enqueue key: overlapping scheduler ticks insert at most
// one job per round.
type RoundJob struct {
	ID           uint      `gorm:"primaryKey"`
	TxID         uuid.UUID `gorm:"type:uuid;index:idx_job_tx_round,unique"`
	Round        int       `gorm:"index:idx_job_tx_round,unique"`
	Kind         string    `gorm:"size:16"`
	Status       string    `gorm:"size:16;index"`
	NotBefore    time.Time `gorm:"index"`
	Attempts     int       `gorm:"not null;default:0"`
	ExternalTxID string    `gorm:"size:64"`
	LastError    string    `gorm:"type:text"`
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MixingLog is the append-only audit trail. Rows are never updated; only the
// retention sweep deletes them.
type MixingLog struct {
	ID        uint       `gorm:"primaryKey"`
	TxID      *uuid.UUID `gorm:"type:uuid;index:idx_log_tx_time"`
	Round     int
	Event     string    `gorm:"size:64"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index:idx_log_tx_time"`
}

// SecurityAlert records abuse-guard and reconciliation findings.
type SecurityAlert struct {
	ID          uint   `gorm:"primaryKey"`
	Kind        string `gorm:"size:50;index:idx_alert_kind_time"`
	Severity    string `gorm:"size:20"`
	Subject     string `gorm:"size:64;index"`
	Detail      string `gorm:"type:text"`
	Resolved    bool   `gorm:"index"`
	WebhookSent bool
	CreatedAt   time.Time `gorm:"index:idx_alert_kind_time"`
}

// AdmissionWindow is the durable sliding-window counter backing admission
// checks. One row per subject; the increment is a conditional update so
// concurrent request handlers cannot both slip under the limit.
type AdmissionWindow struct {
	Subject     string    `gorm:"primaryKey;size:64"`
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null"`
	UpdatedAt   time.Time
}

// IdempotencyKey stores request idempotency metadata for the create endpoint.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&MixingTransaction{},
		&Destination{},
		&PoolAddress{},
		&RoundJob{},
		&MixingLog{},
		&SecurityAlert{},
		&AdmissionWindow{},
		&IdempotencyKey{},
	)
}
