// Package worker runs the distribution executors. Workers are stateless:
// they claim durable round jobs, perform the node RPC transfers with bounded
// retries, and report outcomes back into the state machine. All coordination
// happens through the store, never through shared memory.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
	"gorm.io/gorm"

	"mixerd/mixer"
	"mixerd/models"
	"mixerd/noderpc"
	"mixerd/observability"
	"mixerd/pool"
)

// Config tunes the worker pool.
type Config struct {
	Count        int
	PollInterval time.Duration
	RetryLimit   int
	BackoffBase  time.Duration
}

// Pool owns the worker goroutines.
type Pool struct {
	db      *gorm.DB
	cfg     Config
	service *mixer.Service
	addrs   *pool.Manager
	node    noderpc.Backend
	metrics *observability.MixerMetrics
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration)
}

// New constructs a worker pool.
func New(db *gorm.DB, cfg Config, service *mixer.Service, addrs *pool.Manager, node noderpc.Backend, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	return &Pool{
		db:      db,
		cfg:     cfg,
		service: service,
		addrs:   addrs,
		node:    node,
		metrics: observability.Mixer(),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// WithSleep overrides the backoff sleeper, primarily for tests.
func (p *Pool) WithSleep(fn func(context.Context, time.Duration)) *Pool {
	if fn != nil {
		p.sleep = fn
	}
	return p
}

// Run starts the configured number of workers and blocks until the context
// is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("worker: pool not configured")
	}
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, id int) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := p.claimNext(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}
		p.execute(ctx, job)
	}
}

// claimNext flips the oldest due pending job to running. The conditional
// update is the claim: a concurrent worker that loses the race affects zero
// rows and moves on.
func (p *Pool) claimNext(ctx context.Context) (*models.RoundJob, bool) {
	var job models.RoundJob
	err := p.db.WithContext(ctx).
		Where("status = ? AND not_before <= ?", models.JobPending, p.now().UTC()).
		Order("id ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		p.logger.Error("job scan failed", "err", err)
		return nil, false
	}
	now := p.now().UTC()
	res := p.db.WithContext(ctx).
		Model(&models.RoundJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobPending).
		Updates(map[string]any{
			"status":     models.JobRunning,
			"claimed_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, false
	}
	job.Status = models.JobRunning
	return &job, true
}

// execute performs one round step and reports the outcome. A transaction
// found terminal is never written to: the result is discarded with a
// conflict log entry.
func (p *Pool) execute(ctx context.Context, job *models.RoundJob) {
	started := p.now()
	record, err := p.service.Get(ctx, job.TxID)
	if err != nil {
		p.finishJob(ctx, job, models.JobFailed, "", err.Error())
		return
	}
	if record.State.Terminal() {
		p.discard(ctx, job, record)
		return
	}

	var externalTxID string
	switch job.Kind {
	case models.JobKindPayout:
		externalTxID, err = p.runPayout(ctx, job, record)
	default:
		externalTxID, err = p.runHop(ctx, job, record)
	}
	if p.metrics != nil {
		p.metrics.ObserveRound(job.Kind, p.now().Sub(started))
	}
	if err != nil {
		p.finishJob(ctx, job, models.JobFailed, externalTxID, err.Error())
		if failErr := p.service.FailRound(ctx, job.TxID, job.Round, err.Error()); failErr != nil &&
			!errors.Is(failErr, mixer.ErrConflictTerminal) {
			p.logger.Error("fail transition error", "tx_id", job.TxID.String(), "err", failErr)
		}
		return
	}

	p.finishJob(ctx, job, models.JobDone, externalTxID, "")
	if err := p.service.CompleteRound(ctx, job.TxID, job.Round, externalTxID); err != nil {
		if errors.Is(err, mixer.ErrConflictTerminal) {
			return // discarded and logged by the state machine
		}
		p.logger.Error("complete transition error", "tx_id", job.TxID.String(), "round", job.Round, "err", err)
	}
}

// runHop moves the held amount through 1..K internal pool addresses.
func (p *Pool) runHop(ctx context.Context, job *models.RoundJob, record *models.MixingTransaction) (string, error) {
	plan, err := mixer.DecodePlan(record.Plan)
	if err != nil {
		return "", err
	}
	if job.Round < 1 || job.Round > len(plan.Rounds) {
		return "", fmt.Errorf("worker: round %d outside plan", job.Round)
	}
	hops := plan.Rounds[job.Round-1].Hops
	targets, err := p.addrs.PickHops(ctx, hops)
	if err != nil {
		return "", err
	}
	parts := mixer.SplitHop(record.PayoutSats, len(targets))
	lastTxID := ""
	for i, target := range targets {
		txid, err := p.sendWithRetry(ctx, job, target, btcutil.Amount(parts[i]))
		if err != nil {
			return lastTxID, err
		}
		lastTxID = txid
	}
	return lastTxID, nil
}

// runPayout settles every destination with its exact split amount.
func (p *Pool) runPayout(ctx context.Context, job *models.RoundJob, record *models.MixingTransaction) (string, error) {
	if len(record.Destinations) == 0 {
		return "", fmt.Errorf("worker: transaction has no destinations")
	}
	lastTxID := ""
	for _, dest := range record.Destinations {
		if dest.ExternalTxID != "" {
			lastTxID = dest.ExternalTxID
			continue // settled by an earlier attempt
		}
		txid, err := p.sendWithRetry(ctx, job, dest.Address, btcutil.Amount(dest.AmountSats))
		if err != nil {
			return lastTxID, err
		}
		if err := p.service.SetDestinationTxID(ctx, record.ID, dest.Address, txid); err != nil {
			p.logger.Error("record payout txid failed", "tx_id", record.ID.String(), "err", err)
		}
		lastTxID = txid
	}
	return lastTxID, nil
}

// sendWithRetry performs the transfer with exponential backoff. Transient
// failures consume exactly RetryLimit attempts before giving up; node
// rejections abort immediately. A terminal transition observed between
// attempts cancels the remaining retries.
func (p *Pool) sendWithRetry(ctx context.Context, job *models.RoundJob, address string, amount btcutil.Amount) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryLimit; attempt++ {
		if attempt > 1 {
			if p.metrics != nil {
				p.metrics.RecordRetry()
			}
			p.bumpAttempts(ctx, job)
			record, err := p.service.Get(ctx, job.TxID)
			if err == nil && record.State.Terminal() {
				return "", fmt.Errorf("worker: aborted, transaction terminal: %w", mixer.ErrConflictTerminal)
			}
			p.sleep(ctx, backoff(p.cfg.BackoffBase, attempt-1))
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
		txid, err := p.node.SendToAddress(ctx, address, amount)
		if err == nil {
			return txid, nil
		}
		lastErr = err
		if !noderpc.IsTransient(err) {
			return "", fmt.Errorf("worker: send rejected: %w", err)
		}
	}
	return "", fmt.Errorf("worker: retries exhausted after %d attempts: %w", p.cfg.RetryLimit, lastErr)
}

func (p *Pool) bumpAttempts(ctx context.Context, job *models.RoundJob) {
	if err := p.db.WithContext(ctx).
		Model(&models.RoundJob{}).
		Where("id = ?", job.ID).
		Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		p.logger.Warn("attempt bump failed", "job", job.ID, "err", err)
	}
}

func (p *Pool) discard(ctx context.Context, job *models.RoundJob, record *models.MixingTransaction) {
	p.finishJob(ctx, job, models.JobFailed, "", "discarded: transaction terminal")
	p.logger.Warn("job discarded for terminal transaction",
		"tx_id", job.TxID.String(),
		"round", job.Round,
		"state", string(record.State),
	)
}

func (p *Pool) finishJob(ctx context.Context, job *models.RoundJob, status, externalTxID, lastErr string) {
	updates := map[string]any{"status": status}
	if externalTxID != "" {
		updates["external_tx_id"] = externalTxID
	}
	if lastErr != "" {
		updates["last_error"] = truncate(lastErr, 1024)
	}
	if err := p.db.WithContext(ctx).
		Model(&models.RoundJob{}).
		Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		p.logger.Error("job finish write failed", "job", job.ID, "err", err)
	}
}

func backoff(base time.Duration, exponent int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
