package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mixerd/models"
)

func setupReconTestDB(t *testing.T) *gorm.DB {
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

type txSpec struct {
	state       models.TxState
	amount      int64
	fee         int64
	payout      int64
	settled     bool
	completedAt *time.Time
	updatedAt   time.Time
}

func seedTx(t *testing.T, db *gorm.DB, spec txSpec) uuid.UUID {
	t.Helper()
	id := uuid.New()
	created := spec.updatedAt.Add(-time.Hour)
	tx := models.MixingTransaction{
		ID:             id,
		SubjectHash:    "subject",
		AmountSats:     spec.amount,
		FeeSats:        spec.fee,
		PayoutSats:     spec.payout,
		DepositAddress: "pool-1",
		State:          spec.state,
		Rounds:         3,
		CreatedAt:      created,
		UpdatedAt:      spec.updatedAt,
		ExpiresAt:      created.Add(24 * time.Hour),
		CompletedAt:    spec.completedAt,
	}
	if err := db.Create(&tx).Error; err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	dest := models.Destination{TxID: id, Address: "dest-one", Weight: 1, AmountSats: spec.payout}
	if spec.settled {
		dest.ExternalTxID = "settled-tx"
	}
	if err := db.Create(&dest).Error; err != nil {
		t.Fatalf("seed destination: %v", err)
	}
	return id
}

func newTestReconciler(t *testing.T, db *gorm.DB, now time.Time, alert AlertFunc) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Config{
		DB:        db,
		OutputDir: t.TempDir(),
		Now:       func() time.Time { return now },
		Alert:     alert,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestRunCleanWindowHasNoAnomalies(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	done := now.Add(-2 * time.Hour)
	seedTx(t, db, txSpec{
		state: models.StateCompleted, amount: 10_000_000, fee: 300_000, payout: 9_700_000,
		settled: true, completedAt: &done, updatedAt: done,
	})

	r := newTestReconciler(t, db, now, nil)
	result, err := r.Run(context.Background(), RunOptions{Start: now.Add(-24 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 report row, got %d", len(result.Rows))
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("clean ledger flagged: %+v", result.Anomalies)
	}
	row := result.Rows[0]
	if row.CompletionLatency <= 0 {
		t.Fatalf("expected completion latency, got %v", row.CompletionLatency)
	}
}

func TestRunFlagsAnomalies(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	done := now.Add(-2 * time.Hour)

	// Completed but the destination never settled.
	unsettledID := seedTx(t, db, txSpec{
		state: models.StateCompleted, amount: 10_000_000, fee: 300_000, payout: 9_700_000,
		settled: false, completedAt: &done, updatedAt: done,
	})
	// Fee + payout does not add up.
	seedTx(t, db, txSpec{
		state: models.StateCompleted, amount: 10_000_000, fee: 300_000, payout: 9_000_000,
		settled: true, completedAt: &done, updatedAt: done,
	})
	// Non-terminal and untouched for three days.
	seedTx(t, db, txSpec{
		state: models.StateMixing, amount: 10_000_000, fee: 300_000, payout: 9_700_000,
		updatedAt: now.Add(-72 * time.Hour),
	})

	var raised []Anomaly
	r := newTestReconciler(t, db, now, func(ctx context.Context, anomaly Anomaly) error {
		raised = append(raised, anomaly)
		return nil
	})
	result, err := r.Run(context.Background(), RunOptions{
		Start:  now.Add(-7 * 24 * time.Hour),
		End:    now,
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	byType := map[string]int{}
	for _, anomaly := range result.Anomalies {
		byType[anomaly.Type]++
	}
	if byType[AnomalyUnsettledPayout] != 1 || byType[AnomalyAmountMismatch] != 1 || byType[AnomalyStuckTransaction] != 1 {
		t.Fatalf("unexpected anomaly mix: %+v", byType)
	}
	if len(raised) != len(result.Anomalies) {
		t.Fatalf("alert callback invoked %d times for %d anomalies", len(raised), len(result.Anomalies))
	}
	found := false
	for _, anomaly := range result.Anomalies {
		if anomaly.Type == AnomalyUnsettledPayout && anomaly.TxID != nil && *anomaly.TxID == unsettledID {
			found = true
		}
	}
	if !found {
		t.Fatalf("unsettled payout anomaly missing tx reference")
	}
}

func TestRunWritesReportFiles(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	done := now.Add(-2 * time.Hour)
	seedTx(t, db, txSpec{
		state: models.StateCompleted, amount: 10_000_000, fee: 300_000, payout: 9_700_000,
		settled: true, completedAt: &done, updatedAt: done,
	})
	seedTx(t, db, txSpec{
		state: models.StateFailed, amount: 5_000_000, fee: 150_000, payout: 4_850_000,
		updatedAt: done,
	})

	r := newTestReconciler(t, db, now, nil)
	result, err := r.Run(context.Background(), RunOptions{Start: now.Add(-24 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Files) != 2 {
		t.Fatalf("expected one file pair per state, got %+v", result.Files)
	}
	for _, file := range result.Files {
		records := readCSV(t, file.CSVPath)
		if len(records) != file.Count+1 { // header plus rows
			t.Fatalf("csv %s has %d records for %d rows", file.CSVPath, len(records), file.Count)
		}
		info, err := os.Stat(file.ParquetPath)
		if err != nil {
			t.Fatalf("parquet missing: %v", err)
		}
		if info.Size() == 0 {
			t.Fatalf("parquet %s is empty", file.ParquetPath)
		}
		if filepath.Ext(file.ParquetPath) != ".parquet" {
			t.Fatalf("unexpected artefact name: %s", file.ParquetPath)
		}
	}
}

func TestRunDryRunSkipsFiles(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	seedTx(t, db, txSpec{
		state: models.StateMixing, amount: 10_000_000, fee: 300_000, payout: 9_700_000,
		updatedAt: now.Add(-time.Hour),
	})

	r := newTestReconciler(t, db, now, nil)
	result, err := r.Run(context.Background(), RunOptions{
		Start:  now.Add(-24 * time.Hour),
		End:    now,
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Files) != 0 {
		t.Fatalf("dry run must not write files: %+v", result.Files)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("dry run still reports rows, got %d", len(result.Rows))
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}
