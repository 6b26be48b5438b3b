package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/guard"
	"mixerd/mixer"
	"mixerd/models"
	"mixerd/noderpc"
	"mixerd/pool"
)

type fixture struct {
	db        *gorm.DB
	service   *mixer.Service
	scheduler *Scheduler
	node      *noderpc.FakeBackend
	clock     *time.Time
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	clockFn := func() time.Time { return *clock }

	auditor := audit.NewRecorder(db).WithClock(clockFn)
	addrPool := pool.NewManager(db, auditor, nil).WithClock(clockFn)
	abuseGuard := guard.New(db, guard.Config{
		RateWindow:    time.Minute,
		RateLimit:     100,
		MinAmountSats: 100_000,
		MaxAmountSats: 10_000_000_000,
	}, auditor, nil).WithClock(clockFn)
	service := mixer.New(db, mixer.Config{
		Rounds:         3,
		HopsMin:        1,
		HopsMax:        2,
		DelayMin:       10 * time.Minute,
		DelayMax:       20 * time.Minute,
		FeeBasisPoints: 300,
		ToleranceSats:  1_000,
		DepositExpiry:  24 * time.Hour,
	}, addrPool, abuseGuard, auditor, nil).
		WithClock(clockFn).
		WithRand(rand.New(rand.NewSource(11)))

	node := noderpc.NewFakeBackend()
	sched := New(db, Config{
		TickInterval:     30 * time.Second,
		MinConfirmations: 1,
		ToleranceSats:    1_000,
		Retention:        30 * 24 * time.Hour,
		SweepHour:        2,
	}, service, node, auditor, nil).WithClock(clockFn)

	if _, err := addrPool.Add(context.Background(), []string{"pool-1", "pool-2"}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return &fixture{db: db, service: service, scheduler: sched, node: node, clock: clock}
}

func (f *fixture) create(t *testing.T) *models.MixingTransaction {
	t.Helper()
	record, err := f.service.Create(context.Background(), mixer.CreateParams{
		Subject:      "subject-a",
		AmountSats:   10_000_000,
		Destinations: []mixer.DestinationSpec{{Address: "dest-one", Weight: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return record
}

func TestWatchDepositsConfirms(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record := f.create(t)

	// First tick: nothing deposited yet.
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	current, _ := f.service.Get(ctx, record.ID)
	if current.State != models.StateAwaitingDeposit {
		t.Fatalf("expected AWAITING_DEPOSIT, got %s", current.State)
	}

	f.node.Fund(record.DepositAddress, btcutil.Amount(10_000_000), 1)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick after funding: %v", err)
	}
	current, _ = f.service.Get(ctx, record.ID)
	if current.State != models.StateMixing {
		t.Fatalf("expected MIXING after funded tick, got %s", current.State)
	}
	if current.DepositTxID == "" {
		t.Fatalf("expected recorded deposit txid")
	}
}

func TestDispatchRoundsIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record := f.create(t)
	f.node.Fund(record.DepositAddress, btcutil.Amount(10_000_000), 1)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Jump past the first round delay; two overlapping ticks must enqueue
	// exactly one job.
	*f.clock = f.clock.Add(time.Hour)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("due tick: %v", err)
	}
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("second due tick: %v", err)
	}

	var jobs []models.RoundJob
	if err := f.db.Where("tx_id = ?", record.ID).Find(&jobs).Error; err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(jobs))
	}
	if jobs[0].Round != 1 || jobs[0].Kind != models.JobKindHop || jobs[0].Status != models.JobPending {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
}

// mixingWithJob drives a transaction to MIXING with its round-1 job enqueued.
func (f *fixture) mixingWithJob(t *testing.T) (*models.MixingTransaction, models.RoundJob) {
	t.Helper()
	ctx := context.Background()
	record := f.create(t)
	f.node.Fund(record.DepositAddress, btcutil.Amount(10_000_000), 1)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("confirm tick: %v", err)
	}
	*f.clock = f.clock.Add(time.Hour)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	var job models.RoundJob
	if err := f.db.First(&job, "tx_id = ?", record.ID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return record, job
}

func TestRecoverReclaimsStaleRunningJob(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record, job := f.mixingWithJob(t)

	// A worker claims the job and dies before finishing it.
	claimed := f.clock.UTC()
	if err := f.db.Model(&models.RoundJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": models.JobRunning, "claimed_at": claimed}).Error; err != nil {
		t.Fatalf("simulate claim: %v", err)
	}

	// Inside the claim window the job is left alone.
	*f.clock = f.clock.Add(time.Minute)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("early tick: %v", err)
	}
	var current models.RoundJob
	if err := f.db.First(&current, job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if current.Status != models.JobRunning {
		t.Fatalf("expected running inside claim window, got %s", current.Status)
	}

	// Past the deadline the claim is released so workers can retake it,
	// no matter how many ticks have gone by since the crash.
	*f.clock = f.clock.Add(30 * time.Minute)
	for i := 0; i < 5; i++ {
		if err := f.scheduler.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		*f.clock = f.clock.Add(time.Hour)
	}
	if err := f.db.First(&current, job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if current.Status != models.JobPending {
		t.Fatalf("expected reclaimed pending job, got %s", current.Status)
	}
	if current.ClaimedAt != nil {
		t.Fatalf("expected cleared claim timestamp")
	}

	var jobs int64
	if err := f.db.Model(&models.RoundJob{}).Where("tx_id = ?", record.ID).Count(&jobs).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 1 {
		t.Fatalf("expected the single repaired job, got %d", jobs)
	}
}

func TestRecoverReplaysLostRoundCompletion(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record, job := f.mixingWithJob(t)

	// The hop was sent and the job finished, but the process died before the
	// cursor advanced.
	if err := f.db.Model(&models.RoundJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": models.JobDone, "external_tx_id": "hop-txid-1"}).Error; err != nil {
		t.Fatalf("simulate finished job: %v", err)
	}

	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	current, err := f.service.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.RoundCursor != 1 {
		t.Fatalf("expected replayed cursor 1, got %d", current.RoundCursor)
	}
	if current.State != models.StateMixing {
		t.Fatalf("expected MIXING, got %s", current.State)
	}
}

func TestRecoverReopensFailedJobWithLiveTransaction(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record, job := f.mixingWithJob(t)

	// A spurious read failure marked the job failed without touching the
	// transaction.
	if err := f.db.Model(&models.RoundJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": models.JobFailed, "last_error": "lookup transaction: connection reset"}).Error; err != nil {
		t.Fatalf("simulate failed job: %v", err)
	}

	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	var current models.RoundJob
	if err := f.db.First(&current, job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if current.Status != models.JobPending {
		t.Fatalf("expected reopened pending job, got %s", current.Status)
	}
	if current.LastError != "" {
		t.Fatalf("expected cleared last error, got %q", current.LastError)
	}
	tx, err := f.service.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tx.State != models.StateMixing {
		t.Fatalf("expected transaction still MIXING, got %s", tx.State)
	}
}

func TestExpireStale(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record := f.create(t)

	*f.clock = f.clock.Add(25 * time.Hour)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	current, _ := f.service.Get(ctx, record.ID)
	if current.State != models.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", current.State)
	}
}

func TestResumeConfirmed(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record := f.create(t)

	// Simulate a crash between DEPOSIT_CONFIRMED and MIXING.
	if err := f.db.Model(&models.MixingTransaction{}).
		Where("id = ?", record.ID).
		Update("state", models.StateDepositConfirmed).Error; err != nil {
		t.Fatalf("force state: %v", err)
	}

	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	current, _ := f.service.Get(ctx, record.ID)
	if current.State != models.StateMixing {
		t.Fatalf("expected resumed MIXING, got %s", current.State)
	}
}

func TestRetentionSweepPurgesAgedTerminalRows(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	record := f.create(t)
	if err := f.service.ForceFail(ctx, record.ID, "test cleanup"); err != nil {
		t.Fatalf("force fail: %v", err)
	}

	// Beyond retention, at the sweep hour.
	*f.clock = time.Date(2025, 7, 15, 2, 0, 0, 0, time.UTC)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("sweep tick: %v", err)
	}

	var count int64
	if err := f.db.Model(&models.MixingTransaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected purged transactions, found %d", count)
	}
	var logs int64
	if err := f.db.Model(&models.MixingLog{}).Count(&logs).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 0 {
		t.Fatalf("expected purged audit rows, found %d", logs)
	}
}
