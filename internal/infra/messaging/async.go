package messaging

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

// ErrQueueFull is returned when every worker is busy.
var ErrQueueFull = errors.New("event queue is full")

// AsyncPublisher hands events to next on an ants worker pool so callers never
// wait on the broker. Publish fails fast instead of blocking when the pool is
// saturated.
type AsyncPublisher struct {
	next    port.EventPublisher
	pool    *ants.Pool
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// AsyncConfig sizes the pool.
type AsyncConfig struct {
	Workers int
	Timeout time.Duration
}

// NewAsyncPublisher starts the pool.
func NewAsyncPublisher(next port.EventPublisher, cfg AsyncConfig, metrics *observability.Metrics, logger *zap.Logger) (*AsyncPublisher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &AsyncPublisher{
		next:    next,
		pool:    pool,
		timeout: cfg.Timeout,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Publish implements port.EventPublisher. The delivery outlives ctx.
func (p *AsyncPublisher) Publish(ctx context.Context, evt port.Event) error {
	detached := context.WithoutCancel(ctx)

	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()

		sendCtx, cancel := context.WithTimeout(detached, p.timeout)
		defer cancel()

		if err := p.next.Publish(sendCtx, evt); err != nil {
			p.metrics.IncrEvent(evt.Type, "dropped")
			p.logger.Warn("event delivery failed", zap.String("event", evt.Type), zap.String("key", evt.Key), zap.Error(err))
			return
		}
		p.metrics.IncrEvent(evt.Type, "published")
	})
	if err != nil {
		p.wg.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrQueueFull
		}
		return err
	}
	return nil
}

// Running reports busy workers.
func (p *AsyncPublisher) Running() int {
	return p.pool.Running()
}

// Close waits for in-flight deliveries, releases the pool and closes next
// when it holds resources.
func (p *AsyncPublisher) Close() error {
	p.logger.Info("draining event pool", zap.Int("running_workers", p.pool.Running()))
	p.wg.Wait()
	p.pool.Release()
	if c, ok := p.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
