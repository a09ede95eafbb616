package service

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/config"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

var (
	// ErrQueueFull is returned when the status processor can not accept more work
	ErrQueueFull = errors.New("status queue is full")
	// ErrProcessorStopped is returned by Enqueue after Stop
	ErrProcessorStopped = errors.New("status processor stopped")
)

// StatusHandler applies a single status change
type StatusHandler interface {
	OnOrderStatusChanged(ctx context.Context, change models.StatusChange) (models.OrderSettlementRecord, error)
}

type statusJob struct {
	change   models.StatusChange
	attempts int
}

// StatusProcessor processes order status notifications in the background.
// Every order is bound to one worker, so notifications for an order are
// applied in the order they were accepted, retries included.
type StatusProcessor struct {
	handler     StatusHandler
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration

	mu      sync.RWMutex
	shards  []chan statusJob
	started bool
	stopped bool

	abortCh   chan struct{}
	abortOnce sync.Once
	wg        sync.WaitGroup
}

// NewStatusProcessor creates a new status processor. Each worker queues up
// to cfg.QueueSize notifications.
func NewStatusProcessor(handler StatusHandler, cfg config.StatusConfig, timeout time.Duration, logger *zap.Logger) *StatusProcessor {
	shards := make([]chan statusJob, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan statusJob, cfg.QueueSize)
	}
	return &StatusProcessor{
		handler:     handler,
		logger:      logger,
		interval:    cfg.RetryInterval,
		maxAttempts: cfg.MaxAttempts,
		timeout:     timeout,
		shards:      shards,
		abortCh:     make(chan struct{}),
	}
}

func (p *StatusProcessor) shard(orderID string) chan statusJob {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Enqueue schedules a status change. It never blocks.
func (p *StatusProcessor) Enqueue(change models.StatusChange) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrProcessorStopped
	}

	select {
	case p.shard(change.OrderID) <- statusJob{change: change}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start starts the workers
func (p *StatusProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for _, jobs := range p.shards {
		p.wg.Add(1)
		go func(jobs chan statusJob) {
			defer p.wg.Done()
			p.work(jobs)
		}(jobs)
	}
}

// Stop stops accepting notifications and processes the accepted ones.
// When ctx expires first, pending notifications are logged and dropped.
func (p *StatusProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	for _, jobs := range p.shards {
		close(jobs)
	}
	p.mu.Unlock()

	if !started {
		p.abort()
		for _, jobs := range p.shards {
			for job := range jobs {
				p.dropped(job)
			}
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.abort()
		<-done
		return ctx.Err()
	}
}

func (p *StatusProcessor) abort() {
	p.abortOnce.Do(func() { close(p.abortCh) })
}

func (p *StatusProcessor) aborted() bool {
	select {
	case <-p.abortCh:
		return true
	default:
		return false
	}
}

func (p *StatusProcessor) dropped(job statusJob) {
	p.logger.Error("Status change not processed before shutdown",
		zap.String("order_id", job.change.OrderID),
		zap.String("user_id", job.change.UserID),
		zap.String("status", string(job.change.Status)),
		zap.Int("attempt", job.attempts))
}

func (p *StatusProcessor) work(jobs <-chan statusJob) {
	for job := range jobs {
		if p.aborted() {
			p.dropped(job)
			continue
		}
		p.process(job)
	}
}

// process handles a single job, retrying transient failures in place so
// later notifications for the order wait behind it
func (p *StatusProcessor) process(job statusJob) {
	for {
		job.attempts++
		err := p.apply(job.change)
		if err == nil {
			return
		}

		fields := []zap.Field{
			zap.String("order_id", job.change.OrderID),
			zap.String("status", string(job.change.Status)),
			zap.Int("attempt", job.attempts),
			zap.Error(err),
		}

		if !errors.Is(err, models.ErrTransientStorage) {
			p.logger.Error("Dropping status change", fields...)
			return
		}
		if job.attempts >= p.maxAttempts {
			p.logger.Error("Giving up on status change", fields...)
			return
		}

		p.logger.Warn("Status change failed, will retry", fields...)
		if !p.backoff() {
			p.dropped(job)
			return
		}
	}
}

func (p *StatusProcessor) apply(change models.StatusChange) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	_, err := p.handler.OnOrderStatusChanged(ctx, change)
	return err
}

// backoff waits for the retry interval. It reports false when shutdown
// ran out of time.
func (p *StatusProcessor) backoff() bool {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.abortCh:
		return false
	}
}
