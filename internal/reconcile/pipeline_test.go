package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/broker"
	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/limits"
	"github.com/atmx/prediction-engine/internal/lock"
	"github.com/atmx/prediction-engine/internal/logging"
	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/orderstate"
	"github.com/atmx/prediction-engine/internal/prediction"
	"github.com/atmx/prediction-engine/internal/price"
	"github.com/atmx/prediction-engine/internal/queue"
	"github.com/atmx/prediction-engine/internal/reconcile"
	"github.com/atmx/prediction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Monday 2026-10-19, 10:00 New York.
var marketOpen = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

type flakyCache struct {
	orderstate.Cache
	failPuts       int
	failStatusPuts int
}

func (c *flakyCache) PutPredictionStatus(ctx context.Context, st *model.PredictionOrderStatus) error {
	if c.failStatusPuts > 0 {
		c.failStatusPuts--
		return errors.New("connection reset")
	}
	return c.Cache.PutPredictionStatus(ctx, st)
}

func (c *flakyCache) PutOrder(ctx context.Context, st *model.OrderState) error {
	if c.failPuts > 0 {
		c.failPuts--
		return errors.New("connection reset")
	}
	return c.Cache.PutOrder(ctx, st)
}

type recordingNotifier struct {
	updates []model.OrderStatusUpdate
}

func (n *recordingNotifier) OrderStatusChanged(u model.OrderStatusUpdate) {
	n.updates = append(n.updates, u)
}

type testEnv struct {
	pipeline *reconcile.Pipeline
	svc      *prediction.Service
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	events   *queue.MemoryQueue
	flushes  *queue.MemoryDelayQueue
	orders   *flakyCache
	locker   *lock.MemoryLocker
	gateway  *broker.PaperGateway
	notifier *recordingNotifier
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		events:   queue.NewMemoryQueue(0),
		flushes:  queue.NewMemoryDelayQueue(),
		orders:   &flakyCache{Cache: orderstate.NewMemoryCache(orderstate.DefaultTTLs())},
		locker:   lock.NewMemoryLocker(),
		notifier: &recordingNotifier{},
		now:      marketOpen,
	}
	env.ledger = ledger.New(env.store, logging.Discard())
	if _, err := env.ledger.OpenAccount(context.Background(), "adv1", d(1000)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	cfg := reconcile.DefaultConfig()
	env.pipeline = reconcile.NewPipeline(env.events, env.flushes, env.orders, env.store,
		env.ledger, env.locker, cfg, logging.Discard())
	env.pipeline.SetClock(func() time.Time { return env.now })
	env.pipeline.SetNotifier(env.notifier)

	env.gateway = broker.NewPaperGateway(env.pipeline)

	prices := price.NewStaticSource()
	prices.SetQuote("AAPL", 50, marketOpen)
	env.svc = prediction.NewService(env.store, env.ledger, limits.NewLimiter(10, 50, 100, 1000),
		prices, market.DefaultCalendar(), env.gateway, env.orders, logging.Discard())
	env.svc.SetClock(func() time.Time { return env.now })
	return env
}

// createReal opens a real long of 25 at 50 (500 shares) with target 60 and
// stop 45, returning it with its bracket order ids.
func (env *testEnv) createReal(t *testing.T) (*model.Prediction, []string) {
	t.Helper()
	p, err := env.svc.Create(context.Background(), prediction.CreateRequest{
		AdvisorID:  "adv1",
		Symbol:     "AAPL",
		Investment: 25,
		Target:     60,
		StopLoss:   45,
		EndDate:    marketOpen.AddDate(0, 0, 7),
		Real:       true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p, env.gateway.OrderIDs()
}

func (env *testEnv) drain(t *testing.T) int {
	t.Helper()
	n, err := env.pipeline.ProcessEvents(context.Background())
	if err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}
	return n
}

func (env *testEnv) fillAndFlush(t *testing.T, orderID string, shares, px float64) {
	t.Helper()
	ctx := context.Background()
	if err := env.gateway.Acknowledge(ctx, orderID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := env.gateway.Fill(ctx, orderID, shares, px); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	env.drain(t)
	env.now = env.now.Add(reconcile.DefaultConfig().FlushDelay + time.Second)
	if _, err := env.pipeline.FlushDue(ctx); err != nil {
		t.Fatalf("FlushDue: %v", err)
	}
}

func TestPipeline_EntryFillFlushesIntoPrediction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)
	entry := ids[0]

	env.gateway.Acknowledge(ctx, entry)
	env.gateway.Fill(ctx, entry, 200, 50.1)
	env.gateway.Fill(ctx, entry, 300, 50.2)

	// ack + two (execution, status) pairs
	if n := env.drain(t); n != 5 {
		t.Fatalf("expected 5 applied events, got %d", n)
	}

	status, err := env.orders.GetPredictionStatus(ctx, "adv1", p.ID)
	if err != nil {
		t.Fatalf("GetPredictionStatus: %v", err)
	}
	if status.Accumulated != 500 {
		t.Errorf("expected accumulated 500, got %v", status.Accumulated)
	}
	e := status.Order(entry)
	if !e.CompleteStatus || e.ActiveStatus || e.BrokerStatus != model.BrokerFilled {
		t.Errorf("expected completed entry, got %+v", e)
	}

	if n, _ := env.pipeline.FlushDue(ctx); n != 0 {
		t.Fatalf("flush ran before its delay: %d", n)
	}

	env.now = env.now.Add(61 * time.Second)
	n, err := env.pipeline.FlushDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 flush, got %d, %v", n, err)
	}

	stored, _ := env.store.GetPrediction(ctx, "adv1", p.ID)
	if math.Abs(stored.Position.AvgPrice-50.16) > 1e-9 {
		t.Errorf("expected avg 50.16, got %v", stored.Position.AvgPrice)
	}
	if stored.Position.Quantity != 500 {
		t.Errorf("expected quantity 500, got %v", stored.Position.Quantity)
	}
	if len(stored.TradeActivity) != 2 || len(stored.OrderActivity) != 3 {
		t.Errorf("expected 2 trades and 3 order messages, got %d and %d",
			len(stored.TradeActivity), len(stored.OrderActivity))
	}

	if _, err := env.orders.GetOrder(ctx, entry); !errs.IsNotFound(err) {
		t.Errorf("order state should be gone after flush, got %v", err)
	}
	if done, _ := env.orders.IsProcessed(ctx, entry); !done {
		t.Error("expected order marked processed")
	}
	if env.flushes.Pending() != 0 {
		t.Errorf("expected no pending flushes, got %d", env.flushes.Pending())
	}
}

func TestPipeline_ReplayAfterFlushIsStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, ids := env.createReal(t)
	env.fillAndFlush(t, ids[0], 500, 50)

	err := env.pipeline.Apply(ctx, model.BrokerEvent{
		Kind: model.EventExecution, OrderID: ids[0], ExecID: "late", Side: model.SideBought,
		Shares: 500, CumQty: 500, AvgPrice: 50,
	})
	if !errs.IsStale(err) {
		t.Errorf("expected stale replay, got %v", err)
	}
}

func TestPipeline_DuplicateExecutionIsStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, ids := env.createReal(t)
	entry := ids[0]

	env.pipeline.Apply(ctx, model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: entry, Quantity: 500, Status: model.BrokerSubmitted})
	exec := model.BrokerEvent{
		Kind: model.EventExecution, OrderID: entry, ExecID: "e1", Side: model.SideBought,
		Shares: 100, CumQty: 100, AvgPrice: 50, ReceivedAt: marketOpen,
	}
	if err := env.pipeline.Apply(ctx, exec); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	before, _ := env.orders.GetOrder(ctx, entry)

	if err := env.pipeline.Apply(ctx, exec); !errs.IsStale(err) {
		t.Fatalf("expected stale duplicate, got %v", err)
	}
	after, _ := env.orders.GetOrder(ctx, entry)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("duplicate execution changed order state:\n%+v\n%+v", before, after)
	}
}

func TestPipeline_OpenOrderGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, ids := env.createReal(t)

	zero := model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 0, Status: model.BrokerSubmitted}
	if err := env.pipeline.Apply(ctx, zero); !errors.Is(err, errs.ErrRejectedEvent) {
		t.Errorf("expected rejected zero quantity, got %v", err)
	}

	warned := model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 500, WarningText: "price capped"}
	if err := env.pipeline.Apply(ctx, warned); !errors.Is(err, errs.ErrRejectedEvent) {
		t.Errorf("expected rejected warning, got %v", err)
	}

	unknown := model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: "never-placed", Quantity: 10, Status: model.BrokerSubmitted}
	if err := env.pipeline.Apply(ctx, unknown); !errs.IsNotFound(err) {
		t.Errorf("expected unknown order, got %v", err)
	}

	open := model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 500, Status: model.BrokerSubmitted}
	if err := env.pipeline.Apply(ctx, open); err != nil {
		t.Fatalf("open order: %v", err)
	}
	open.ReceivedAt = marketOpen.Add(time.Second)
	if err := env.pipeline.Apply(ctx, open); !errs.IsStale(err) {
		t.Errorf("expected redelivered open order to be stale, got %v", err)
	}
}

func TestPipeline_DropsDoNotStopDrain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, ids := env.createReal(t)

	env.pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOrderStatus, OrderID: "ghost", Status: model.BrokerSubmitted})
	env.pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 0})
	env.pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 500, Status: model.BrokerSubmitted})

	if n := env.drain(t); n != 1 {
		t.Errorf("expected 1 applied event, got %d", n)
	}
	if n, _ := env.events.Len(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestPipeline_StatusDoesNotOverrideFilled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)
	entry := ids[0]

	env.gateway.Acknowledge(ctx, entry)
	env.gateway.Fill(ctx, entry, 500, 50)
	env.drain(t)

	late := model.BrokerEvent{Kind: model.EventOrderStatus, OrderID: entry, Status: model.BrokerCancelled}
	if err := env.pipeline.Apply(ctx, late); err != nil {
		t.Fatalf("late status: %v", err)
	}
	status, _ := env.orders.GetPredictionStatus(ctx, "adv1", p.ID)
	if got := status.Order(entry).BrokerStatus; got != model.BrokerFilled {
		t.Errorf("expected Filled to stick, got %s", got)
	}

	if err := env.pipeline.Apply(ctx, late); !errs.IsStale(err) {
		t.Errorf("expected repeated status to be stale, got %v", err)
	}
}

func TestPipeline_FailureRequeuesAndStops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, ids := env.createReal(t)

	env.pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 500, Status: model.BrokerSubmitted})
	env.orders.failPuts = 1

	n, err := env.pipeline.ProcessEvents(ctx)
	if err == nil || n != 0 {
		t.Fatalf("expected failure with nothing applied, got %d, %v", n, err)
	}
	if l, _ := env.events.Len(ctx); l != 1 {
		t.Fatalf("expected failed event back on the queue, got len %d", l)
	}

	if n := env.drain(t); n != 1 {
		t.Errorf("expected retried event applied, got %d", n)
	}
}

func TestPipeline_RetriedExecutionStillFlushes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)
	entry := ids[0]

	env.gateway.Acknowledge(ctx, entry)
	env.drain(t)

	env.orders.failStatusPuts = 1
	env.gateway.Fill(ctx, entry, 500, 50.5)
	if _, err := env.pipeline.ProcessEvents(ctx); err == nil {
		t.Fatal("expected the status write failure to stop the drain")
	}
	if n := env.drain(t); n != 2 {
		t.Fatalf("expected requeued execution and status applied, got %d", n)
	}

	status, err := env.orders.GetPredictionStatus(ctx, "adv1", p.ID)
	if err != nil {
		t.Fatalf("GetPredictionStatus: %v", err)
	}
	if status.Accumulated != 500 || !status.Order(entry).CompleteStatus {
		t.Fatalf("expected completed fill of 500, got %+v", status)
	}

	env.now = env.now.Add(5 * time.Minute)
	if n, err := env.pipeline.FlushDue(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 flush, got %d, %v", n, err)
	}
	stored, _ := env.store.GetPrediction(ctx, "adv1", p.ID)
	if stored.Position.AvgPrice != 50.5 || len(stored.TradeActivity) != 1 {
		t.Errorf("fill not flushed: avg %v, trades %d", stored.Position.AvgPrice, len(stored.TradeActivity))
	}
}

func TestPipeline_DrainLockExcludesSecondWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	release, err := env.locker.TryAcquire(ctx, reconcile.DrainLockKey, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := env.pipeline.ProcessEvents(ctx); !errors.Is(err, errs.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	release(ctx)
	if _, err := env.pipeline.ProcessEvents(ctx); err != nil {
		t.Errorf("expected drain after release, got %v", err)
	}
}

func TestPipeline_ProfitFillClosesAndSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)

	env.fillAndFlush(t, ids[0], 500, 50)
	env.fillAndFlush(t, ids[1], 500, 60)

	stored, _ := env.store.GetPrediction(ctx, "adv1", p.ID)
	if stored.State() != model.StateClosedProfitTarget {
		t.Fatalf("expected CLOSED_PROFIT_TARGET, got %s", stored.State())
	}
	if stored.Position.LastPrice != 60 || !stored.Settled {
		t.Errorf("expected settled at 60, got last=%v settled=%v", stored.Position.LastPrice, stored.Settled)
	}

	acct, _ := env.ledger.Balance(ctx, "adv1")
	if !acct.Cash.Equal(d(1005)) || !acct.Investment.IsZero() {
		t.Errorf("expected cash 1005 and no investment, got cash=%s investment=%s", acct.Cash, acct.Investment)
	}

	status, _ := env.orders.GetPredictionStatus(ctx, "adv1", p.ID)
	if status.Accumulated != 0 {
		t.Errorf("expected flat position, accumulated=%v", status.Accumulated)
	}
}

func TestPipeline_ExitFillResolvesPendingManualExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)
	env.fillAndFlush(t, ids[0], 500, 50)

	exited, err := env.svc.ManualExit(ctx, "adv1", p.ID)
	if err != nil {
		t.Fatalf("ManualExit: %v", err)
	}
	if !exited.Status.ExitPending {
		t.Fatal("expected pending exit")
	}
	env.drain(t) // bracket child cancellations

	all := env.gateway.OrderIDs()
	exitID := all[len(all)-1]
	env.fillAndFlush(t, exitID, 500, 48)

	stored, _ := env.store.GetPrediction(ctx, "adv1", p.ID)
	if stored.State() != model.StateClosedManualExit || stored.Status.ExitPending {
		t.Fatalf("expected resolved manual exit, got %s pending=%v", stored.State(), stored.Status.ExitPending)
	}
	if stored.Position.LastPrice != 48 || !stored.Settled {
		t.Errorf("expected settled at 48, got last=%v settled=%v", stored.Position.LastPrice, stored.Settled)
	}
	acct, _ := env.ledger.Balance(ctx, "adv1")
	if !acct.Cash.Equal(d(999)) {
		t.Errorf("expected cash 999, got %s", acct.Cash)
	}
}

func TestPipeline_FlushWithoutPredictionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.orders.PutOrder(ctx, &model.OrderState{OrderID: "o1", AdvisorID: "adv1", PredictionID: "gone", Role: model.RoleEntry})
	if err := env.pipeline.Flush(ctx, "o1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if done, _ := env.orders.IsProcessed(ctx, "o1"); !done {
		t.Error("expected order retired")
	}
	if err := env.pipeline.Flush(ctx, "o1"); err != nil {
		t.Errorf("second flush should be a no-op, got %v", err)
	}
}

func TestPipeline_NotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, ids := env.createReal(t)

	env.gateway.Acknowledge(ctx, ids[0])
	env.gateway.Fill(ctx, ids[0], 500, 50)
	env.drain(t)

	if len(env.notifier.updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(env.notifier.updates))
	}
	last := env.notifier.updates[len(env.notifier.updates)-1]
	if last.PredictionID != p.ID || last.Accumulated != 500 {
		t.Errorf("unexpected update %+v", last)
	}
}

func TestPipeline_RunDrainsSubmittedEvents(t *testing.T) {
	env := newTestEnv(t)
	_, ids := env.createReal(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.pipeline.Run(ctx)
		close(done)
	}()

	env.pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOpenOrder, OrderID: ids[0], Quantity: 500, Status: model.BrokerSubmitted})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := env.orders.GetOrder(context.Background(), ids[0]); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not applied by Run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

// Applying every execution twice leaves the same order state and fill
// aggregate as applying each once.
func TestProperty_ExecutionIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate executions are no-ops", prop.ForAll(
		func(fills []int) bool {
			ctx := context.Background()
			once := newPropertyPipeline()
			twice := newPropertyPipeline()

			var total float64
			for _, f := range fills {
				total += float64(f)
			}
			events := []model.BrokerEvent{{
				Kind: model.EventOpenOrder, OrderID: "o1", Quantity: total,
				Status: model.BrokerSubmitted, ReceivedAt: marketOpen,
			}}
			var cum float64
			for i, f := range fills {
				cum += float64(f)
				events = append(events, model.BrokerEvent{
					Kind: model.EventExecution, OrderID: "o1", ExecID: fmt.Sprintf("e%d", i),
					Side: model.SideBought, Shares: float64(f), CumQty: cum, AvgPrice: 50,
					ReceivedAt: marketOpen.Add(time.Duration(i) * time.Second),
				})
			}

			for _, ev := range events {
				if err := once.p.Apply(ctx, ev); err != nil {
					return false
				}
				if err := twice.p.Apply(ctx, ev); err != nil {
					return false
				}
				if err := twice.p.Apply(ctx, ev); !errs.IsStale(err) {
					return false
				}
			}

			a, _ := once.orders.GetOrder(ctx, "o1")
			b, _ := twice.orders.GetOrder(ctx, "o1")
			sa, _ := once.orders.GetPredictionStatus(ctx, "adv1", "p1")
			sb, _ := twice.orders.GetPredictionStatus(ctx, "adv1", "p1")
			return reflect.DeepEqual(a, b) && reflect.DeepEqual(sa, sb) && sa.Accumulated == total
		},
		gen.SliceOfN(5, gen.IntRange(1, 100)),
	))

	properties.TestingRun(t)
}

type propertyPipeline struct {
	p      *reconcile.Pipeline
	orders *orderstate.MemoryCache
}

func newPropertyPipeline() propertyPipeline {
	orders := orderstate.NewMemoryCache(orderstate.DefaultTTLs())
	orders.MapOrder(context.Background(), "o1", model.OrderRef{AdvisorID: "adv1", PredictionID: "p1", Role: model.RoleEntry})
	ms := store.NewMemoryStore()
	p := reconcile.NewPipeline(queue.NewMemoryQueue(0), queue.NewMemoryDelayQueue(), orders, ms,
		ledger.New(ms, logging.Discard()), lock.NewMemoryLocker(), reconcile.DefaultConfig(), logging.Discard())
	p.SetClock(func() time.Time { return marketOpen })
	return propertyPipeline{p: p, orders: orders}
}
