package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/guard"
	"mixerd/models"
	"mixerd/pool"
)

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *pool.Manager, *gorm.DB) {
	t.Helper()
	db := setupServiceTestDB(t)
	auditor := audit.NewRecorder(db)
	addrPool := pool.NewManager(db, auditor, nil)
	abuseGuard := guard.New(db, guard.Config{
		RateWindow:    time.Minute,
		RateLimit:     100,
		MinAmountSats: 100_000,
		MaxAmountSats: 10_000_000_000,
	}, auditor, nil)
	svc := New(db, Config{
		Rounds:         3,
		HopsMin:        1,
		HopsMax:        3,
		DelayMin:       10 * time.Minute,
		DelayMax:       60 * time.Minute,
		FeeBasisPoints: 300,
		ToleranceSats:  1_000,
		DepositExpiry:  24 * time.Hour,
	}, addrPool, abuseGuard, auditor, nil).
		WithRand(rand.New(rand.NewSource(7)))

	if _, err := addrPool.Add(context.Background(), []string{"pool-1", "pool-2", "pool-3"}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return svc, addrPool, db
}

func createTestTx(t *testing.T, svc *Service) *models.MixingTransaction {
	t.Helper()
	record, err := svc.Create(context.Background(), CreateParams{
		Subject:    "subject-a",
		AmountSats: 10_000_000,
		Destinations: []DestinationSpec{
			{Address: "dest-one", Weight: 60},
			{Address: "dest-two", Weight: 40},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return record
}

func TestCreateComputesFeeAndSplit(t *testing.T) {
	svc, _, db := newTestService(t)
	record := createTestTx(t, svc)

	if record.State != models.StateAwaitingDeposit {
		t.Fatalf("unexpected state: %s", record.State)
	}
	if record.FeeSats != 300_000 || record.PayoutSats != 9_700_000 {
		t.Fatalf("unexpected fee/payout: %d/%d", record.FeeSats, record.PayoutSats)
	}
	if record.DepositAddress == "" {
		t.Fatalf("expected leased deposit address")
	}

	var dests []models.Destination
	if err := db.Where("tx_id = ?", record.ID).Order("id ASC").Find(&dests).Error; err != nil {
		t.Fatalf("load destinations: %v", err)
	}
	if len(dests) != 2 || dests[0].AmountSats != 5_820_000 || dests[1].AmountSats != 3_880_000 {
		t.Fatalf("unexpected destination split: %+v", dests)
	}
}

func TestCreateFailsFastWhenPoolExhausted(t *testing.T) {
	svc, _, db := newTestService(t)
	if err := db.Model(&models.PoolAddress{}).
		Where("1 = 1").
		Update("lease_state", models.LeaseLeased).Error; err != nil {
		t.Fatalf("drain pool: %v", err)
	}
	_, err := svc.Create(context.Background(), CreateParams{
		Subject:      "subject-a",
		AmountSats:   10_000_000,
		Destinations: []DestinationSpec{{Address: "dest-one", Weight: 1}},
	})
	if !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	var count int64
	if err := db.Model(&models.MixingTransaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("no transaction should be stored, found %d", count)
	}
}

func TestFullLifecycle(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)

	if err := svc.ConfirmDeposit(ctx, record.ID, 10_000_000, "deposit-tx"); err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}
	current, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.State != models.StateMixing {
		t.Fatalf("expected MIXING after confirm, got %s", current.State)
	}
	if current.Plan == "" || current.NextRoundAt == nil {
		t.Fatalf("expected plan and schedule to be persisted")
	}

	for round := 1; round <= 3; round++ {
		if err := svc.CompleteRound(ctx, record.ID, round, fmt.Sprintf("hop-tx-%d", round)); err != nil {
			t.Fatalf("complete round %d: %v", round, err)
		}
	}
	current, _ = svc.Get(ctx, record.ID)
	if current.State != models.StateDistributing {
		t.Fatalf("expected DISTRIBUTING after final hop, got %s", current.State)
	}

	if err := svc.CompleteRound(ctx, record.ID, 4, "payout-tx"); err != nil {
		t.Fatalf("complete payout: %v", err)
	}
	current, _ = svc.Get(ctx, record.ID)
	if current.State != models.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", current.State)
	}
	if current.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
	// Payout settlement never pushes the cursor past the hop count.
	if current.RoundCursor != current.Rounds {
		t.Fatalf("expected cursor pinned at %d, got %d", current.Rounds, current.RoundCursor)
	}

	// The deposit lease is back in the pool and only the fee remains.
	var entry models.PoolAddress
	if err := db.First(&entry, "address = ?", current.DepositAddress).Error; err != nil {
		t.Fatalf("load pool entry: %v", err)
	}
	if entry.LeaseState != models.LeaseFree {
		t.Fatalf("lease not released: %s", entry.LeaseState)
	}
	if entry.BalanceSats != current.FeeSats {
		t.Fatalf("expected fee residue %d, got %d", current.FeeSats, entry.BalanceSats)
	}
}

func TestCompleteRoundRejectsOutOfOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)
	if err := svc.ConfirmDeposit(ctx, record.ID, 10_000_000, "deposit-tx"); err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}

	if err := svc.CompleteRound(ctx, record.ID, 2, "tx"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected out-of-order rejection, got %v", err)
	}
	if err := svc.CompleteRound(ctx, record.ID, 1, "tx"); err != nil {
		t.Fatalf("in-order round: %v", err)
	}
	if err := svc.CompleteRound(ctx, record.ID, 1, "tx"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected duplicate round rejection, got %v", err)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)

	if err := svc.ForceFail(ctx, record.ID, "operator abort"); err != nil {
		t.Fatalf("force fail: %v", err)
	}
	if err := svc.ForceFail(ctx, record.ID, "again"); !errors.Is(err, ErrConflictTerminal) {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
	if err := svc.ConfirmDeposit(ctx, record.ID, 10_000_000, "late-deposit"); !errors.Is(err, ErrConflictTerminal) {
		t.Fatalf("expected terminal conflict on late deposit, got %v", err)
	}
	if err := svc.CompleteRound(ctx, record.ID, 1, "late-round"); !errors.Is(err, ErrConflictTerminal) {
		t.Fatalf("expected terminal conflict on late round, got %v", err)
	}

	current, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.State != models.StateFailed {
		t.Fatalf("terminal state changed to %s", current.State)
	}
}

func TestConfirmDepositOverpaymentFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)

	if err := svc.ConfirmDeposit(ctx, record.ID, 10_500_000, "big-deposit"); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	current, _ := svc.Get(ctx, record.ID)
	if current.State != models.StateFailed {
		t.Fatalf("expected FAILED after overpayment, got %s", current.State)
	}
}

func TestConfirmDepositUnderpaymentWaits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)

	if err := svc.ConfirmDeposit(ctx, record.ID, 5_000_000, "partial"); err != nil {
		t.Fatalf("partial deposit should not error: %v", err)
	}
	current, _ := svc.Get(ctx, record.ID)
	if current.State != models.StateAwaitingDeposit {
		t.Fatalf("expected AWAITING_DEPOSIT to persist, got %s", current.State)
	}
}

func TestExpireReleasesLease(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	record := createTestTx(t, svc)

	if err := svc.Expire(ctx, record.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	current, _ := svc.Get(ctx, record.ID)
	if current.State != models.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", current.State)
	}
	var entry models.PoolAddress
	if err := db.First(&entry, "address = ?", record.DepositAddress).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.LeaseState != models.LeaseFree {
		t.Fatalf("lease not released on expiry")
	}

	// Expiring the mixing phase is not possible.
	record2 := createTestTx(t, svc)
	if err := svc.ConfirmDeposit(ctx, record2.ID, 10_000_000, "tx"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.Expire(ctx, record2.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected expiry rejection during mixing, got %v", err)
	}
}
