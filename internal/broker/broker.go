// Package broker schedules queued jobs onto a bounded pool of worker
// slots: priority order with FIFO ties, a global concurrency cap, retry
// with exponential backoff, and reservation heartbeats. The durable queue
// of record is the jobstore itself — the Broker polls it for candidates
// and claims them with a two-step select-then-conditional update, so a
// Broker restart never double-runs a job another still-live worker is
// holding.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/google/uuid"
)

// Store is the subset of jobstore.Store the Broker depends on. It is
// defined here, narrow, so tests can supply an in-memory fake instead of a
// live SurrealDB connection.
type Store interface {
	NextQueuedCandidate(ctx context.Context) (*models.Job, error)
	TryReserve(ctx context.Context, id, workerID string, until time.Time) (*models.Job, error)
	Heartbeat(ctx context.Context, id, workerID string, until time.Time) error
	ListStaleReservations(ctx context.Context, now time.Time) ([]*models.Job, error)
	ResetForRetry(ctx context.Context, id string) error
}

// Handler executes one claimed job to completion. It is responsible for
// persisting progress and the terminal outcome itself (via the
// ProgressPipeline); its return value only tells the Broker whether, and
// with what error code, the run failed, so the Broker can decide whether to
// retry.
type Handler func(ctx context.Context, job *models.Job) error

// Broker is the bounded-concurrency, priority-ordered job scheduler.
type Broker struct {
	store    Store
	cfg      *config.BrokerConfig
	logger   *logx.Logger
	handler  Handler
	workerID string

	sem        chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	jobTimeout time.Duration

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc
}

// New constructs a Broker. SetHandler must be called before Start.
func New(store Store, cfg *config.BrokerConfig, logger *logx.Logger) *Broker {
	return &Broker{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		workerID:   uuid.New().String(),
		sem:        make(chan struct{}, cfg.Concurrency()),
		cancelled:  make(map[string]context.CancelFunc),
		jobTimeout: 2 * time.Hour,
	}
}

// SetJobTimeout overrides the per-job hard deadline applied in run. Call
// before Start.
func (b *Broker) SetJobTimeout(d time.Duration) {
	if d > 0 {
		b.jobTimeout = d
	}
}

// SetHandler registers the function that runs a claimed job.
func (b *Broker) SetHandler(h Handler) {
	b.handler = h
}

// safeGo launches a goroutine with panic recovery: a worker goroutine
// panicking must not take the whole process down with it.
func (b *Broker) safeGo(name string, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in broker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the worker pool and the stale-reservation reclaimer. It is
// safe to call only once; call Stop before a second Start.
func (b *Broker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	n := b.cfg.Concurrency()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("worker-%d", i)
		b.safeGo(name, func() { b.workLoop(ctx) })
	}
	b.safeGo("reclaimer", func() { b.reclaimLoop(ctx) })

	b.logger.Info().Int("concurrency", n).Msg("broker started")
}

// Stop cancels the context all loops run under and waits for the broker's
// goroutines to return. A Handler already running sees its job context
// cancelled too, since every job context is derived from that one.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// RegisterCancel records the cancel func for a running job's context, so
// Cancel can stop it before the run would otherwise finish.
func (b *Broker) RegisterCancel(jobID string, cancel context.CancelFunc) {
	b.mu.Lock()
	b.cancelled[jobID] = cancel
	b.mu.Unlock()
}

func (b *Broker) unregisterCancel(jobID string) {
	b.mu.Lock()
	delete(b.cancelled, jobID)
	b.mu.Unlock()
}

// Cancel signals a running job's context, if the Broker currently holds one
// for it. It returns false if no such job is running under this Broker.
func (b *Broker) Cancel(jobID string) bool {
	b.mu.Lock()
	cancel, ok := b.cancelled[jobID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// workLoop repeatedly claims and runs the next queued job, blocking on the
// worker-slot semaphore so at most cfg.Concurrency() handlers run at once.
func (b *Broker) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b.sem <- struct{}{}:
		}

		job, err := b.claimNext(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("broker: claim error")
			<-b.sem
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			<-b.sem
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		b.run(ctx, job)
		<-b.sem
	}
}

// claimNext performs the two-step select-then-conditional-update claim.
func (b *Broker) claimNext(ctx context.Context) (*models.Job, error) {
	candidate, err := b.store.NextQueuedCandidate(ctx)
	if err != nil || candidate == nil {
		return nil, err
	}

	until := time.Now().Add(b.cfg.Staleness())
	claimed, err := b.store.TryReserve(ctx, candidate.ID, b.workerID, until)
	if err != nil {
		return nil, err
	}
	// claimed == nil means another worker (possibly in another process) won
	// the race; that is not an error, just an empty claim this round.
	return claimed, nil
}

// run executes one claimed job via the Handler, then applies the retry
// policy to whatever terminal state the Handler left behind.
func (b *Broker) run(parent context.Context, job *models.Job) {
	jobCtx, cancel := context.WithTimeout(parent, b.jobTimeout)
	defer cancel()

	b.RegisterCancel(job.ID, cancel)
	defer b.unregisterCancel(job.ID)

	b.heartbeatDuring(jobCtx, job.ID)

	execErr := b.handler(jobCtx, job)
	if execErr == nil {
		return
	}
	if jobCtx.Err() == context.Canceled {
		// Cancel/Pause (or shutdown) ended the run; whoever cancelled owns
		// the status transition, and a cancelled job must never be retried.
		return
	}

	code := classify(execErr)
	attempts := job.Attempts + 1
	if models.RetryEligible(code) && attempts < b.cfg.MaxRetries() {
		delay := b.backoff(attempts)
		b.logger.Info().Str("job_id", job.ID).Int("attempt", attempts).
			Dur("delay", delay).Msg("broker: retrying job")
		select {
		case <-time.After(delay):
		case <-parent.Done():
			return
		}
		if err := b.store.ResetForRetry(context.Background(), job.ID); err != nil {
			b.logger.Warn().Str("job_id", job.ID).Err(err).Msg("broker: failed to requeue for retry")
		}
		return
	}

	b.logger.Warn().Str("job_id", job.ID).Err(execErr).Msg("broker: job failed, retries exhausted or ineligible")
}

// heartbeatDuring extends the job's reservation every third of the
// staleness window until ctx is cancelled, so a still-alive worker is never
// mistaken for a crashed one by reclaimLoop.
func (b *Broker) heartbeatDuring(ctx context.Context, jobID string) {
	interval := b.cfg.Staleness() / 3
	if interval <= 0 {
		interval = time.Second
	}
	b.safeGo("heartbeat-"+jobID, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := time.Now().Add(b.cfg.Staleness())
				if err := b.store.Heartbeat(context.Background(), jobID, b.workerID, until); err != nil {
					b.logger.Warn().Str("job_id", jobID).Err(err).Msg("broker: heartbeat failed")
				}
			}
		}
	})
}

// reclaimLoop periodically resets jobs whose reservation expired (their
// worker crashed or was killed) back to queued.
func (b *Broker) reclaimLoop(ctx context.Context) {
	interval := b.cfg.Staleness()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := b.store.ListStaleReservations(ctx, time.Now())
			if err != nil {
				b.logger.Warn().Err(err).Msg("broker: list stale reservations failed")
				continue
			}
			for _, job := range stale {
				if err := b.store.ResetForRetry(ctx, job.ID); err != nil {
					b.logger.Warn().Str("job_id", job.ID).Err(err).Msg("broker: failed to reclaim stale job")
				} else {
					b.logger.Warn().Str("job_id", job.ID).Msg("broker: reclaimed job from expired reservation")
				}
			}
		}
	}
}

// backoff computes the exponential retry delay with jitter.
func (b *Broker) backoff(attempt int) time.Duration {
	base := float64(b.cfg.BackoffBase())
	factor := b.cfg.Factor()
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	jitter := b.cfg.Jitter()
	offset := (rand.Float64()*2 - 1) * jitter * delay
	return time.Duration(delay + offset)
}

// classify maps a Handler error to an ErrorCode for retry eligibility.
// Handlers are expected to return *models.OpError; anything else is
// treated as an internal error, which is retry-eligible.
func classify(err error) models.ErrorCode {
	if opErr, ok := err.(*models.OpError); ok {
		return opErr.Code
	}
	return models.ErrInternal
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
