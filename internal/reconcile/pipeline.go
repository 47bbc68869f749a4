// Package reconcile applies broker gateway notifications to the order-state
// cache and, once an order has filled, to the prediction store.
//
// Events are pushed onto a durable FIFO by Submit and applied one at a time
// by ProcessEvents, which holds a named lock for the duration of a drain so
// that at most one worker applies events at any moment. Fully filled orders
// are flushed into the prediction store after a fixed delay by FlushDue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/lock"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/orderstate"
	"github.com/atmx/prediction-engine/internal/queue"
	"github.com/atmx/prediction-engine/internal/store"
)

// DrainLockKey is the lock held while the event queue is drained.
const DrainLockKey = "reconcile:drain"

// Notifier receives order status changes after they are applied.
type Notifier interface {
	OrderStatusChanged(update model.OrderStatusUpdate)
}

// Config holds pipeline timings.
type Config struct {
	FlushDelay   time.Duration // fill → durable flush
	LockTTL      time.Duration // upper bound on one drain
	PollInterval time.Duration // Run tick
	FlushBatch   int           // due flushes handled per tick
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FlushDelay:   60 * time.Second,
		LockTTL:      30 * time.Second,
		PollInterval: time.Second,
		FlushBatch:   100,
	}
}

// Pipeline is the broker-event reconciliation pipeline.
type Pipeline struct {
	events   queue.Queue
	flushes  queue.DelayQueue
	orders   orderstate.Cache
	store    store.PredictionStore
	ledger   *ledger.Ledger
	locker   lock.Locker
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	wake     chan struct{}
}

// NewPipeline creates a pipeline.
func NewPipeline(
	events queue.Queue,
	flushes queue.DelayQueue,
	orders orderstate.Cache,
	st store.PredictionStore,
	l *ledger.Ledger,
	locker lock.Locker,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultConfig().FlushBatch
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Pipeline{
		events:  events,
		flushes: flushes,
		orders:  orders,
		store:   st,
		ledger:  l,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
	}
}

// SetNotifier attaches a subscriber for order status changes.
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Submit enqueues a broker event. It never applies the event inline; a
// running drain or the next Run tick picks it up.
func (p *Pipeline) Submit(ctx context.Context, ev model.BrokerEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}
	if err := p.events.Push(ctx, ev); err != nil {
		return fmt.Errorf("reconcile.Submit %s: %w", ev.OrderID, err)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// ProcessEvents drains the event queue and returns the number of events
// applied. Stale, rejected and unknown events are dropped. On any other
// error the event goes back on the queue tail and the drain stops with that
// error. Returns errs.ErrLocked when another worker is draining.
func (p *Pipeline) ProcessEvents(ctx context.Context) (int, error) {
	release, err := p.locker.TryAcquire(ctx, DrainLockKey, p.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			p.logger.Warn("drain lock release failed", "err", rerr)
		}
	}()

	start := time.Now()
	defer func() {
		metrics.DrainLatency.Observe(time.Since(start).Seconds())
		if n, lerr := p.events.Len(ctx); lerr == nil {
			metrics.EventQueueDepth.Set(float64(n))
		}
	}()

	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ev, err := p.events.Pop(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) {
			return applied, nil
		}
		if err != nil {
			return applied, fmt.Errorf("reconcile.ProcessEvents pop: %w", err)
		}

		err = p.Apply(ctx, *ev)
		switch {
		case err == nil:
			applied++
			metrics.BrokerEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
		case errs.IsDroppable(err):
			metrics.BrokerEventsTotal.WithLabelValues(string(ev.Kind), dropOutcome(err)).Inc()
			p.logger.Info("broker event dropped", "kind", ev.Kind, "order_id", ev.OrderID, "reason", err)
		default:
			metrics.BrokerEventsTotal.WithLabelValues(string(ev.Kind), "failed").Inc()
			p.logger.Error("broker event failed, requeued", "kind", ev.Kind, "order_id", ev.OrderID, "err", err)
			if perr := p.events.Push(context.WithoutCancel(ctx), *ev); perr != nil {
				p.logger.Error("requeue failed, event lost", "kind", ev.Kind, "order_id", ev.OrderID, "err", perr)
			}
			return applied, err
		}
	}
}

func dropOutcome(err error) string {
	switch {
	case errs.IsStale(err):
		return "stale"
	case errors.Is(err, errs.ErrRejectedEvent):
		return "rejected"
	default:
		return "unknown"
	}
}

// Apply applies one event to the order-state cache.
func (p *Pipeline) Apply(ctx context.Context, ev model.BrokerEvent) error {
	switch ev.Kind {
	case model.EventOpenOrder:
		return p.handleOpenOrder(ctx, ev)
	case model.EventOrderStatus:
		return p.handleOrderStatus(ctx, ev)
	case model.EventExecution:
		return p.handleExecution(ctx, ev)
	}
	return fmt.Errorf("%w: unknown kind %q", errs.ErrRejectedEvent, ev.Kind)
}

// Run drains on every Submit and on each tick, and flushes due orders on
// each tick, until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
			if _, err := p.FlushDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("flush failed", "err", err)
			}
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	n, err := p.ProcessEvents(ctx)
	switch {
	case errors.Is(err, errs.ErrLocked):
		p.logger.Debug("drain skipped, lock held")
	case err != nil && ctx.Err() == nil:
		p.logger.Error("drain stopped", "applied", n, "err", err)
	case n > 0:
		p.logger.Debug("drain complete", "applied", n)
	}
}

func (p *Pipeline) notify(st *model.PredictionOrderStatus, orderID string, kind model.EventKind) {
	if p.notifier == nil {
		return
	}
	entry := st.Order(orderID)
	p.notifier.OrderStatusChanged(model.OrderStatusUpdate{
		AdvisorID:    st.AdvisorID,
		PredictionID: st.PredictionID,
		Accumulated:  st.Accumulated,
		Order:        *entry,
		Kind:         kind,
		Timestamp:    p.now(),
	})
}
