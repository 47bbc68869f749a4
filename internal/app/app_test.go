package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/app"
	"github.com/atmx/prediction-engine/internal/config"
	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/logging"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PE_DATABASE_URL", "")
	t.Setenv("PE_REDIS_URL", "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestBuild_InMemory(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, loadConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Errorf("expected the in-memory store, got %T", a.Store)
	}
	if a.Scheduler() == nil {
		t.Error("expected a scheduler")
	}

	if _, err := a.Ledger.OpenAccount(ctx, "adv1", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	pf, err := a.Reporter.Portfolio(ctx, "adv1")
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if len(pf.Holdings) != 0 {
		t.Errorf("holdings = %d, want 0", len(pf.Holdings))
	}

	// Events the gateway emits land on the pipeline's queue.
	if err := a.Pipeline.Submit(ctx, model.BrokerEvent{Kind: model.EventOrderStatus, OrderID: "o1", Status: "Submitted"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	applied, err := a.Pipeline.ProcessEvents(ctx)
	if err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0 for an unknown order", applied)
	}
}

func TestBuild_NoPriceSource(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, loadConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	_, err = a.Prices.LatestQuote(ctx, model.Security{Ticker: "AAPL", Country: "US"})
	if !errs.IsTimeout(err) {
		t.Errorf("expected a timeout without sources or cache, got %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad session open", func(c *config.Config) { c.Market.Open = "25:99" }, ""},
		{"bad redis url", func(c *config.Config) { c.Redis.URL = "ftp://nowhere" }, "invalid redis.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t)
			tt.mutate(cfg)
			_, err := app.Build(context.Background(), cfg, logging.Discard())
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}
