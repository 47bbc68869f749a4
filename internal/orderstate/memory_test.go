package orderstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/orderstate"
)

func TestMemoryCache_OrderMapping(t *testing.T) {
	c := orderstate.NewMemoryCache(orderstate.DefaultTTLs())
	ctx := context.Background()

	ref := model.OrderRef{AdvisorID: "adv1", PredictionID: "p1", Role: model.RoleEntry}
	if err := c.MapOrder(ctx, "o1", ref); err != nil {
		t.Fatalf("MapOrder: %v", err)
	}

	got, err := c.LookupOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("LookupOrder: %v", err)
	}
	if *got != ref {
		t.Errorf("expected %+v, got %+v", ref, *got)
	}

	if _, err := c.LookupOrder(ctx, "o2"); !errs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryCache_EntriesExpire(t *testing.T) {
	c := orderstate.NewMemoryCache(orderstate.TTLs{
		OrderMap:   time.Minute,
		OrderState: time.Hour,
		Processed:  time.Hour,
	})
	ctx := context.Background()

	now := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	c.MapOrder(ctx, "o1", model.OrderRef{AdvisorID: "adv1", PredictionID: "p1"})
	c.PutOrder(ctx, &model.OrderState{OrderID: "o1"})
	c.MarkProcessed(ctx, "o1")

	now = now.Add(2 * time.Minute)
	if _, err := c.LookupOrder(ctx, "o1"); !errs.IsNotFound(err) {
		t.Errorf("expected mapping to expire, got %v", err)
	}
	if _, err := c.GetOrder(ctx, "o1"); err != nil {
		t.Errorf("order state should still be live: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := c.GetOrder(ctx, "o1"); !errs.IsNotFound(err) {
		t.Errorf("expected order state to expire, got %v", err)
	}
	if ok, _ := c.IsProcessed(ctx, "o1"); ok {
		t.Error("expected processed marker to expire")
	}
}

func TestMemoryCache_OrderStateIsCopied(t *testing.T) {
	c := orderstate.NewMemoryCache(orderstate.DefaultTTLs())
	ctx := context.Background()

	st := &model.OrderState{OrderID: "o1", OrderedQuantity: 10}
	c.PutOrder(ctx, st)
	st.TradeActivity = append(st.TradeActivity, model.TradeActivity{ExecID: "e1"})

	got, _ := c.GetOrder(ctx, "o1")
	if len(got.TradeActivity) != 0 {
		t.Error("caller mutation leaked into cache")
	}

	got.OrderActivity = append(got.OrderActivity, model.OrderActivity{Message: "x"})
	again, _ := c.GetOrder(ctx, "o1")
	if len(again.OrderActivity) != 0 {
		t.Error("returned value mutation leaked into cache")
	}

	c.DeleteOrder(ctx, "o1")
	if _, err := c.GetOrder(ctx, "o1"); !errs.IsNotFound(err) {
		t.Errorf("expected deleted order to be gone, got %v", err)
	}
}

func TestMemoryCache_PredictionStatus(t *testing.T) {
	c := orderstate.NewMemoryCache(orderstate.DefaultTTLs())
	ctx := context.Background()

	if _, err := c.GetPredictionStatus(ctx, "adv1", "p1"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	st := &model.PredictionOrderStatus{AdvisorID: "adv1", PredictionID: "p1"}
	st.Order("o1").TotalQuantity = 10
	st.Accumulated = 4
	c.PutPredictionStatus(ctx, st)

	got, err := c.GetPredictionStatus(ctx, "adv1", "p1")
	if err != nil {
		t.Fatalf("GetPredictionStatus: %v", err)
	}
	if got.Accumulated != 4 || len(got.Orders) != 1 || got.Orders[0].TotalQuantity != 10 {
		t.Errorf("unexpected status: %+v", got)
	}
	if !got.Orders[0].ActiveStatus {
		t.Error("new order entries start active")
	}
}
