package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Callback is invoked when a trigger fires. It receives the job ID the
// trigger was registered for. Callbacks must be idempotent: delivery is
// at-least-once across process restarts.
type Callback func(ctx context.Context, jobID string)

// DispatcherConfig contains dispatcher configuration
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

// Dispatcher polls the store for due triggers and fires their callbacks.
type Dispatcher struct {
	store        *BoltStore
	callback     Callback
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the store.
func NewDispatcher(store *BoltStore, cb Callback, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	return &Dispatcher{
		store:        store,
		callback:     cb,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		logger:       logger.With("component", "trigger_dispatcher"),
		stopCh:       make(chan struct{}),
	}
}

// Start starts the dispatcher loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("dispatcher started", "poll_interval", d.pollInterval, "concurrency", d.concurrency)
}

// Stop stops the dispatcher gracefully, waiting for in-flight callbacks.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.fireDue(ctx)
		}
	}
}

// fireDue claims due triggers and runs their callbacks concurrently.
func (d *Dispatcher) fireDue(ctx context.Context) {
	due, err := d.store.ClaimDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to claim due triggers", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	d.logger.Debug("firing due triggers", "count", len(due))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	// Stop must not see fireDue return while callbacks from this batch are
	// still running, even when the loop below bails out early.
	defer wg.Wait()

	for _, rec := range due {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(rec *Record) {
			defer func() {
				<-sem
				wg.Done()
			}()

			d.callback(ctx, rec.JobID)
		}(rec)
	}
}
