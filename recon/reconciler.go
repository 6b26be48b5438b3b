// Package recon materialises daily reconciliation reports joining mixing
// transactions, destination settlements and the distribution queue, flagging
// anomalies for operator review.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"mixerd/models"
)

const (
	// ReportRetentionDays specifies how long generated reports remain on disk.
	ReportRetentionDays = 90

	// Anomaly types emitted by the reconciler.
	AnomalyUnsettledPayout  = "unsettled_payout"
	AnomalyAmountMismatch   = "amount_mismatch"
	AnomalyStuckTransaction = "stuck_transaction"
	AnomalyFailedJobs       = "failed_jobs"

	stuckThreshold = 48 * time.Hour
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	TZ        *time.Location
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler materialises daily reports over the transaction ledger.
type Reconciler struct {
	db        *gorm.DB
	tz        *time.Location
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	TxID    *uuid.UUID
	Details string
}

// ReportRow summarises reconciliation status for a single transaction.
type ReportRow struct {
	TxID              uuid.UUID
	State             string
	AmountSats        int64
	FeeSats           int64
	PayoutSats        int64
	DepositAddress    string
	Destinations      int
	SettledPayouts    int
	RoundsPlanned     int
	RoundsCompleted   int
	FailedJobs        int
	AmountMismatch    bool
	UnsettledPayout   bool
	Stuck             bool
	CreatedAt         time.Time
	CompletedAt       *time.Time
	CompletionLatency time.Duration
}

// ReportFile references the CSV and Parquet artefacts generated for a state group.
type ReportFile struct {
	State       string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("mixerd-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error {
			return nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(cfg.TZ) }
	}
	return &Reconciler{
		db:        cfg.DB,
		tz:        cfg.TZ,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	var txs []models.MixingTransaction
	err := r.db.WithContext(ctx).Preload("Destinations").
		Where("(created_at BETWEEN ? AND ?) OR (updated_at BETWEEN ? AND ?)", start, end, start, end).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load transactions: %w", err)
	}

	txIDs := make([]uuid.UUID, 0, len(txs))
	for _, tx := range txs {
		txIDs = append(txIDs, tx.ID)
	}
	jobMap := map[uuid.UUID][]models.RoundJob{}
	if len(txIDs) > 0 {
		var jobs []models.RoundJob
		if err := r.db.WithContext(ctx).Where("tx_id IN ?", txIDs).Find(&jobs).Error; err != nil {
			return nil, fmt.Errorf("recon: load jobs: %w", err)
		}
		for _, job := range jobs {
			jobMap[job.TxID] = append(jobMap[job.TxID], job)
		}
	}

	rows := make([]*ReportRow, 0, len(txs))
	anomalies := make([]Anomaly, 0)
	now := r.now()

	for _, tx := range txs {
		settled := 0
		for _, dest := range tx.Destinations {
			if dest.ExternalTxID != "" {
				settled++
			}
		}
		completedJobs := 0
		failedJobs := 0
		for _, job := range jobMap[tx.ID] {
			switch job.Status {
			case models.JobDone:
				completedJobs++
			case models.JobFailed:
				failedJobs++
			}
		}

		amountMismatch := tx.FeeSats+tx.PayoutSats != tx.AmountSats
		if amountMismatch {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyAmountMismatch,
				TxID:    ptrUUID(tx.ID),
				Details: fmt.Sprintf("fee %d + payout %d != amount %d", tx.FeeSats, tx.PayoutSats, tx.AmountSats),
			}))
		}

		unsettled := tx.State == models.StateCompleted && settled < len(tx.Destinations)
		if unsettled {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyUnsettledPayout,
				TxID:    ptrUUID(tx.ID),
				Details: fmt.Sprintf("completed with %d of %d destinations settled", settled, len(tx.Destinations)),
			}))
		}

		stuck := !tx.State.Terminal() && now.Sub(tx.UpdatedAt) > stuckThreshold
		if stuck {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyStuckTransaction,
				TxID:    ptrUUID(tx.ID),
				Details: fmt.Sprintf("state %s unchanged since %s", tx.State, tx.UpdatedAt.In(r.tz).Format(time.RFC3339)),
			}))
		}

		if failedJobs > 0 && tx.State == models.StateCompleted {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyFailedJobs,
				TxID:    ptrUUID(tx.ID),
				Details: fmt.Sprintf("completed with %d failed job rows", failedJobs),
			}))
		}

		var completedAt *time.Time
		if tx.CompletedAt != nil {
			ts := tx.CompletedAt.In(r.tz)
			completedAt = &ts
		}
		rows = append(rows, &ReportRow{
			TxID:              tx.ID,
			State:             string(tx.State),
			AmountSats:        tx.AmountSats,
			FeeSats:           tx.FeeSats,
			PayoutSats:        tx.PayoutSats,
			DepositAddress:    tx.DepositAddress,
			Destinations:      len(tx.Destinations),
			SettledPayouts:    settled,
			RoundsPlanned:     tx.Rounds,
			RoundsCompleted:   completedJobs,
			FailedJobs:        failedJobs,
			AmountMismatch:    amountMismatch,
			UnsettledPayout:   unsettled,
			Stuck:             stuck,
			CreatedAt:         tx.CreatedAt.In(r.tz),
			CompletedAt:       completedAt,
			CompletionLatency: durationBetween(tx.CreatedAt, completedAt),
		})
	}

	files := make([]ReportFile, 0)
	if !dryRun {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		for state, entries := range groupRows(rows) {
			csvPath, parquetPath, err := r.writeReportFiles(runDir, state, entries)
			if err != nil {
				return nil, err
			}
			if csvPath != "" || parquetPath != "" {
				files = append(files, ReportFile{
					State:       state,
					CSVPath:     csvPath,
					ParquetPath: parquetPath,
					Count:       len(entries),
				})
			}
		}
	}

	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies}, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Warn("recon alert delivery failed", "type", anomaly.Type, "err", err)
		}
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		grouped[row.State] = append(grouped[row.State], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir, state string, rows []*ReportRow) (string, string, error) {
	if len(rows) == 0 {
		return "", "", nil
	}
	filename := strings.ToLower(state)
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.logger.Info("recon report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"tx_id", "state", "amount_sats", "fee_sats", "payout_sats", "deposit_address",
		"destinations", "settled_payouts", "rounds_planned", "rounds_completed", "failed_jobs",
		"amount_mismatch", "unsettled_payout", "stuck", "created_at", "completed_at",
		"completion_latency_minutes",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TxID.String(),
			row.State,
			fmt.Sprintf("%d", row.AmountSats),
			fmt.Sprintf("%d", row.FeeSats),
			fmt.Sprintf("%d", row.PayoutSats),
			row.DepositAddress,
			fmt.Sprintf("%d", row.Destinations),
			fmt.Sprintf("%d", row.SettledPayouts),
			fmt.Sprintf("%d", row.RoundsPlanned),
			fmt.Sprintf("%d", row.RoundsCompleted),
			fmt.Sprintf("%d", row.FailedJobs),
			boolString(row.AmountMismatch),
			boolString(row.UnsettledPayout),
			boolString(row.Stuck),
			row.CreatedAt.Format(time.RFC3339),
			formatTime(row.CompletedAt),
			formatMinutes(row.CompletionLatency),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TxID                     string  `parquet:"name=tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	State                    string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountSats               int64   `parquet:"name=amount_sats, type=INT64"`
	FeeSats                  int64   `parquet:"name=fee_sats, type=INT64"`
	PayoutSats               int64   `parquet:"name=payout_sats, type=INT64"`
	DepositAddress           string  `parquet:"name=deposit_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Destinations             int32   `parquet:"name=destinations, type=INT32"`
	SettledPayouts           int32   `parquet:"name=settled_payouts, type=INT32"`
	RoundsPlanned            int32   `parquet:"name=rounds_planned, type=INT32"`
	RoundsCompleted          int32   `parquet:"name=rounds_completed, type=INT32"`
	FailedJobs               int32   `parquet:"name=failed_jobs, type=INT32"`
	AmountMismatch           bool    `parquet:"name=amount_mismatch, type=BOOLEAN"`
	UnsettledPayout          bool    `parquet:"name=unsettled_payout, type=BOOLEAN"`
	Stuck                    bool    `parquet:"name=stuck, type=BOOLEAN"`
	CreatedAt                string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt              string  `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletionLatencyMinutes float64 `parquet:"name=completion_latency_minutes, type=DOUBLE"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TxID:                     row.TxID.String(),
			State:                    row.State,
			AmountSats:               row.AmountSats,
			FeeSats:                  row.FeeSats,
			PayoutSats:               row.PayoutSats,
			DepositAddress:           row.DepositAddress,
			Destinations:             int32(row.Destinations),
			SettledPayouts:           int32(row.SettledPayouts),
			RoundsPlanned:            int32(row.RoundsPlanned),
			RoundsCompleted:          int32(row.RoundsCompleted),
			FailedJobs:               int32(row.FailedJobs),
			AmountMismatch:           row.AmountMismatch,
			UnsettledPayout:          row.UnsettledPayout,
			Stuck:                    row.Stuck,
			CreatedAt:                row.CreatedAt.Format(time.RFC3339),
			CompletedAt:              formatTime(row.CompletedAt),
			CompletionLatencyMinutes: minutesFloat(row.CompletionLatency),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func minutesFloat(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatMinutes(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", d.Minutes())
}

func durationBetween(start time.Time, end *time.Time) time.Duration {
	if end == nil || end.IsZero() {
		return 0
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func ptrUUID(id uuid.UUID) *uuid.UUID {
	v := id
	return &v
}
