package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/models"
)

func setupPoolTestDB(t *testing.T) *gorm.DB {
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

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	db := setupPoolTestDB(t)
	return NewManager(db, audit.NewRecorder(db), nil), db
}

func TestLeaseAndRelease(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.Add(ctx, []string{"addr-a"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	txID := uuid.New()
	addr, err := mgr.Lease(ctx, txID)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if addr != "addr-a" {
		t.Fatalf("unexpected address: %s", addr)
	}

	var entry models.PoolAddress
	if err := db.First(&entry, "address = ?", addr).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.LeaseState != models.LeaseLeased || entry.LeasedBy == nil || *entry.LeasedBy != txID {
		t.Fatalf("unexpected lease state: %+v", entry)
	}

	// Second lease must not hand out the same entry.
	if _, err := mgr.Lease(ctx, uuid.New()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if err := mgr.Release(ctx, addr, txID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := mgr.Lease(ctx, uuid.New()); err != nil {
		t.Fatalf("re-lease after release: %v", err)
	}
}

func TestLeasePrefersLeastRecentlyUsed(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.Add(ctx, []string{"addr-old", "addr-new"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Model(&models.PoolAddress{}).
		Where("address = ?", "addr-new").
		Update("last_used_at", time.Now().UTC()).Error; err != nil {
		t.Fatalf("touch entry: %v", err)
	}

	addr, err := mgr.Lease(ctx, uuid.New())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if addr != "addr-old" {
		t.Fatalf("expected least recently used entry, got %s", addr)
	}
}

func TestLeaseExclusiveUnderConcurrency(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	// Serialise on a single connection so sqlite never reports busy; the
	// exclusivity under test is the conditional update, not the driver.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if _, err := mgr.Add(ctx, []string{"only-addr"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Lease(ctx, uuid.New())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for err := range results {
		if err == nil {
			granted++
		} else if !errors.Is(err, ErrPoolExhausted) {
			t.Fatalf("unexpected lease error: %v", err)
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
}

func TestReleaseRejectsWrongOwner(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.Add(ctx, []string{"addr-a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	owner := uuid.New()
	addr, err := mgr.Lease(ctx, owner)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	if err := mgr.Release(ctx, addr, uuid.New()); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("expected invalid release for wrong owner, got %v", err)
	}
	if err := mgr.Release(ctx, addr, owner); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if err := mgr.Release(ctx, addr, owner); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("expected invalid release for free entry, got %v", err)
	}
}

func TestAddSkipsDuplicates(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	added, err := mgr.Add(ctx, []string{"addr-a", "addr-b", "addr-a", "  "})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 new entries, got %d", added)
	}
	added, err = mgr.Add(ctx, []string{"addr-b", "addr-c"})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new entry, got %d", added)
	}
}

func TestSweepCollectsBalance(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.Add(ctx, []string{"addr-a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mgr.Credit(ctx, "addr-a", 1500); err != nil {
		t.Fatalf("credit: %v", err)
	}

	swept, err := mgr.Sweep(ctx, "addr-a")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1500 {
		t.Fatalf("unexpected swept amount: %d", swept)
	}

	var entry models.PoolAddress
	if err := db.First(&entry, "address = ?", "addr-a").Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.BalanceSats != 0 {
		t.Fatalf("balance not cleared: %d", entry.BalanceSats)
	}
	if entry.ThroughputSats != 3000 { // credit + sweep both count as movement
		t.Fatalf("unexpected throughput: %d", entry.ThroughputSats)
	}

	swept, err = mgr.Sweep(ctx, "addr-a")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected empty sweep, got %d", swept)
	}
}

func TestPickHopsRotates(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.Add(ctx, []string{"addr-a", "addr-b", "addr-c"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, err := mgr.PickHops(ctx, 2)
	if err != nil {
		t.Fatalf("pick hops: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(first))
	}
	second, err := mgr.PickHops(ctx, 1)
	if err != nil {
		t.Fatalf("second pick: %v", err)
	}
	if second[0] == first[0] || second[0] == first[1] {
		t.Fatalf("expected rotation to untouched entry, got %s after %v", second[0], first)
	}
}

func TestCreditDebitUnknownAddress(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	if err := mgr.Credit(ctx, "missing", 100); err == nil {
		t.Fatalf("expected error for unknown address")
	}
}
