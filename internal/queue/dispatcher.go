package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/logging"
)

// DispatcherConfig holds configuration for the dispatcher. It is copied at
// construction and never changes during a run.
type DispatcherConfig struct {
	BatchSize     int           `json:"batch_size" toml:"batch_size"`
	Interval      time.Duration `json:"interval" toml:"interval"`
	Workers       int           `json:"workers" toml:"workers"`
	RateLimit     int           `json:"rate_limit" toml:"rate_limit"`
	SendTimeout   time.Duration `json:"send_timeout" toml:"send_timeout"`
	StaleAfter    time.Duration `json:"stale_after" toml:"stale_after"`
	RetentionDays int           `json:"retention_days" toml:"retention_days"`
	PurgeInterval time.Duration `json:"purge_interval" toml:"purge_interval"`
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:     50,
		Interval:      time.Minute,
		Workers:       1,
		RateLimit:     DefaultRateLimit,
		SendTimeout:   delivery.DefaultTimeout,
		StaleAfter:    10 * time.Minute,
		RetentionDays: 30,
		PurgeInterval: time.Hour,
	}
}

// RunReport summarizes one dispatcher run
type RunReport struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Selected  int           `json:"selected"`
	Sent      int           `json:"sent"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	// Skipped items were claimed by someone else first
	Skipped int `json:"skipped"`
	// Recovered items were stuck in sending from an earlier run
	Recovered int  `json:"recovered"`
	Errors    int  `json:"errors"`
	Cancelled bool `json:"cancelled"`
	// LockDenied is set when the run lock was held elsewhere and nothing ran
	LockDenied bool `json:"lock_denied"`
}

// Dispatcher drains eligible items through the transport under the rate
// limit and applies the retry policy to failures.
type Dispatcher struct {
	store     Store
	transport delivery.Transport
	config    DispatcherConfig
	limiter   RateLimiter
	policy    RetryPolicy

	escalator Escalator
	metrics   MetricsRecorder
	recorder  DeliveryRecorder
	runLock   RunLock

	logger     *slog.Logger
	msgLogger  *logging.MessageLogger
	clientHost string
	now        func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The rate limiter is built from
// config.RateLimit and the retry policy defaults to the fixed schedule.
func NewDispatcher(store Store, transport delivery.Transport, config DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = def.PurgeInterval
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	policy, _ := NewRetryPolicy(nil)
	logger := slog.Default().With("component", "queue-dispatcher")
	return &Dispatcher{
		store:      store,
		transport:  transport,
		config:     config,
		limiter:    NewWindowLimiter(config.RateLimit),
		policy:     policy,
		logger:     logger,
		msgLogger:  logging.NewMessageLogger(logger),
		clientHost: hostname,
		now:        time.Now,
	}
}

// SetRetryPolicy replaces the retry policy
func (d *Dispatcher) SetRetryPolicy(policy RetryPolicy) {
	d.policy = policy
}

// SetRateLimiter replaces the rate limiter
func (d *Dispatcher) SetRateLimiter(limiter RateLimiter) {
	d.limiter = limiter
}

// SetEscalator sets the handler for items that exhaust their attempts
func (d *Dispatcher) SetEscalator(escalator Escalator) {
	d.escalator = escalator
}

// SetMetricsRecorder sets the metrics recorder for the dispatcher
func (d *Dispatcher) SetMetricsRecorder(recorder MetricsRecorder) {
	d.metrics = recorder
}

// SetDeliveryRecorder sets the external delivery counter store
func (d *Dispatcher) SetDeliveryRecorder(recorder DeliveryRecorder) {
	d.recorder = recorder
}

// SetRunLock sets the cross-process run lock
func (d *Dispatcher) SetRunLock(lock RunLock) {
	d.runLock = lock
}

// Config returns the dispatcher configuration
func (d *Dispatcher) Config() DispatcherConfig {
	return d.config
}

// Start begins the dispatch loop and, when retention is configured, the
// purge loop. Stop ends both.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return errors.New("dispatcher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("Starting queue dispatcher",
		"interval", d.config.Interval,
		"batch_size", d.config.BatchSize,
		"workers", d.config.Workers,
		"rate_limit", d.config.RateLimit,
		"transport", d.transport.Name())

	d.wg.Add(1)
	go d.dispatchLoop(ctx)

	if d.config.RetentionDays > 0 {
		d.wg.Add(1)
		go d.purgeLoop(ctx)
	}
	return nil
}

// Stop cancels the loops and waits for the current run. An in-flight send
// completes before Stop returns.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	d.logger.Info("Stopping queue dispatcher")
	cancel()
	d.wg.Wait()
	d.logger.Info("Queue dispatcher stopped")
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("Dispatcher run failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) purgeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := RetentionCutoff(d.now(), d.config.RetentionDays)
			deleted, err := d.store.Purge(ctx, cutoff)
			if err != nil {
				d.logger.Error("Purge failed", "error", err)
			} else if deleted > 0 {
				d.logger.Info("Purge completed", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
			}
		}
	}
}

// runTally accumulates per-item outcomes from concurrent workers
type runTally struct {
	mu     sync.Mutex
	report *RunReport
}

func (t *runTally) add(fn func(r *RunReport)) {
	t.mu.Lock()
	fn(t.report)
	t.mu.Unlock()
}

// RunOnce performs one Selecting -> Draining pass. It returns an error only
// when the store cannot be read before draining starts, or when ctx is
// cancelled; per-item failures are recorded in the report.
func (d *Dispatcher) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), StartedAt: d.now()}
	logger := d.logger.With("run_id", report.RunID)

	if d.runLock != nil {
		ok, err := d.runLock.Acquire(ctx)
		if err != nil {
			logger.Warn("Run lock unavailable, skipping run", "error", err)
			report.LockDenied = true
			return report, nil
		}
		if !ok {
			logger.Debug("Run lock held elsewhere, skipping run")
			report.LockDenied = true
			return report, nil
		}
		defer func() {
			if err := d.runLock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to release run lock", "error", err)
			}
		}()
	}

	tally := &runTally{report: &report}

	if d.config.StaleAfter > 0 {
		cutoff := d.now().Add(-d.config.StaleAfter)
		stale, err := d.store.SelectStale(ctx, cutoff, d.config.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to select stale items: %w", err)
		}
		for _, item := range stale {
			logger.Warn("Recovering interrupted delivery",
				"item_id", item.ID,
				"claimed_at", item.LastAttemptAt.Format(time.RFC3339))
			d.handleFailure(context.WithoutCancel(ctx), report.RunID, item, "delivery interrupted", "", 0, tally)
			tally.add(func(r *RunReport) { r.Recovered++ })
		}
	}

	items, err := d.store.SelectBatch(ctx, d.config.BatchSize, d.now())
	if err != nil {
		return report, fmt.Errorf("failed to select batch: %w", err)
	}
	report.Selected = len(items)

	if d.config.Workers <= 1 {
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			d.processItem(ctx, report.RunID, item, tally)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(d.config.Workers)
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				d.processItem(ctx, report.RunID, item, tally)
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Duration = d.now().Sub(report.StartedAt)
	if ctx.Err() != nil {
		report.Cancelled = true
	}

	if d.metrics != nil {
		d.metrics.RecordRun(report)
		if counts, err := d.store.StatusCounts(context.WithoutCancel(ctx)); err == nil {
			d.metrics.RecordQueueDepth(counts)
		}
	}

	if report.Selected > 0 || report.Recovered > 0 {
		logger.Info("dispatcher_run",
			"event_type", "run",
			"selected", report.Selected,
			"sent", report.Sent,
			"retried", report.Retried,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"recovered", report.Recovered,
			"errors", report.Errors,
			"cancelled", report.Cancelled,
			"duration_ms", report.Duration.Milliseconds())
	}

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// processItem runs one attempt for item. Unclaimed items are left pending
// when ctx is cancelled; once claimed, the send and its bookkeeping finish
// regardless of ctx.
func (d *Dispatcher) processItem(ctx context.Context, runID string, item Item, tally *runTally) {
	logger := d.logger.With("run_id", runID, "item_id", item.ID)

	if err := d.limiter.Acquire(ctx); err != nil {
		return
	}

	if err := d.store.MarkSending(ctx, item.ID, item.Attempts, d.now()); err != nil {
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrNotFound) {
			logger.Debug("Item claimed elsewhere", "error", err)
			tally.add(func(r *RunReport) { r.Skipped++ })
			return
		}
		if ctx.Err() == nil {
			logger.Error("Failed to claim item", "error", err)
			tally.add(func(r *RunReport) { r.Errors++ })
		}
		return
	}
	item.Status = StatusSending

	bg := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bg, d.config.SendTimeout)
	start := time.Now()
	res := d.transport.Send(sendCtx, item.Message())
	elapsed := time.Since(start)
	cancel()

	if res.Success {
		d.handleSuccess(bg, runID, item, res, elapsed, tally)
		return
	}
	d.handleFailure(bg, runID, item, res.Message, res.RemoteAddr, elapsed, tally)
}

func (d *Dispatcher) handleSuccess(ctx context.Context, runID string, item Item, res delivery.Result, elapsed time.Duration, tally *runTally) {
	logger := d.logger.With("run_id", runID, "item_id", item.ID)
	now := d.now()

	if err := d.store.MarkSent(ctx, item.ID, now); err != nil {
		// The item stays in sending and is retried by stale recovery.
		logger.Error("Failed to mark item sent", "error", err)
		tally.add(func(r *RunReport) { r.Errors++ })
		return
	}

	if err := d.store.AppendAttempt(ctx, AttemptLog{
		ItemID:     item.ID,
		RunID:      runID,
		Outcome:    OutcomeSuccess,
		ClientHost: d.clientHost,
		RemoteAddr: res.RemoteAddr,
		CreatedAt:  now,
	}); err != nil {
		logger.Warn("Failed to record attempt", "error", err)
	}

	d.msgLogger.LogDelivery(logging.ItemContext{
		ItemID:         item.ID,
		RunID:          runID,
		Recipient:      item.Recipient,
		Subject:        item.Subject,
		Priority:       item.Priority.String(),
		Attempts:       item.Attempts + 1,
		CreatedAt:      item.CreatedAt,
		DeliveryTime:   now,
		RemoteAddr:     res.RemoteAddr,
		DeliveryMethod: d.transport.Name(),
	})

	if d.metrics != nil {
		d.metrics.RecordSent(elapsed)
	}
	if d.recorder != nil {
		if err := d.recorder.IncrSent(ctx); err != nil {
			logger.Debug("Failed to record sent counter", "error", err)
		}
	}
	tally.add(func(r *RunReport) { r.Sent++ })
}

func (d *Dispatcher) handleFailure(ctx context.Context, runID string, item Item, errMsg, remote string, elapsed time.Duration, tally *runTally) {
	logger := d.logger.With("run_id", runID, "item_id", item.ID)
	now := d.now()
	errMsg = failureText(errMsg)

	entry := AttemptLog{
		ItemID:     item.ID,
		RunID:      runID,
		Outcome:    OutcomeFailure,
		Error:      errMsg,
		ClientHost: d.clientHost,
		RemoteAddr: remote,
		CreatedAt:  now,
	}

	attempts := item.Attempts + 1
	decision := d.policy.Decide(attempts, item.MaxAttempts)
	if !decision.Final {
		next := now.Add(decision.Delay)
		err := d.store.Reschedule(ctx, item.ID, next, errMsg, now)
		if err == nil {
			if err := d.store.AppendAttempt(ctx, entry); err != nil {
				logger.Warn("Failed to record attempt", "error", err)
			}
			d.msgLogger.LogDeferral(logging.ItemContext{
				ItemID:         item.ID,
				RunID:          runID,
				Recipient:      item.Recipient,
				Subject:        item.Subject,
				Attempts:       attempts,
				MaxAttempts:    item.MaxAttempts,
				NextRetry:      next,
				DeliveryMethod: d.transport.Name(),
				Error:          errMsg,
			})
			if d.metrics != nil {
				d.metrics.RecordRetried(elapsed)
			}
			if d.recorder != nil {
				if err := d.recorder.IncrDeferred(ctx); err != nil {
					logger.Debug("Failed to record deferred counter", "error", err)
				}
			}
			tally.add(func(r *RunReport) { r.Retried++ })
			return
		}
		if !errors.Is(err, ErrIllegalTransition) {
			logger.Error("Failed to reschedule item", "error", err)
			tally.add(func(r *RunReport) { r.Errors++ })
			return
		}
		// the store refused another pending round; resolve as final
	}

	if err := d.store.MarkFailed(ctx, item.ID, errMsg, now); err != nil {
		logger.Error("Failed to mark item failed", "error", err)
		tally.add(func(r *RunReport) { r.Errors++ })
		return
	}

	entry.Final = true
	item.Status = StatusFailed
	item.Attempts = item.MaxAttempts
	item.ErrorMessage = errMsg
	item.LastAttemptAt = now

	if d.escalator != nil {
		d.escalator.Escalate(ctx, item, entry)
	} else if err := d.store.AppendAttempt(ctx, entry); err != nil {
		logger.Warn("Failed to record attempt", "error", err)
	}

	d.msgLogger.LogBounce(logging.ItemContext{
		ItemID:         item.ID,
		RunID:          runID,
		Recipient:      item.Recipient,
		Subject:        item.Subject,
		Attempts:       item.Attempts,
		MaxAttempts:    item.MaxAttempts,
		CreatedAt:      item.CreatedAt,
		DeliveryMethod: d.transport.Name(),
		Error:          errMsg,
	})

	if d.metrics != nil {
		d.metrics.RecordFailed(elapsed)
	}
	if d.recorder != nil {
		if err := d.recorder.IncrFailed(ctx); err != nil {
			logger.Debug("Failed to record failed counter", "error", err)
		}
		if err := d.recorder.AddRecentError(ctx, item.ID, item.Recipient, errMsg); err != nil {
			logger.Debug("Failed to record recent error", "error", err)
		}
	}
	tally.add(func(r *RunReport) { r.Failed++ })
}
