package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/logging"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var closeTime = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, cash float64) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, logging.Discard())
	if _, err := l.OpenAccount(context.Background(), "adv1", d(cash)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return l, ms
}

func prediction(id string, inv, avg float64) model.Prediction {
	return model.Prediction{
		ID:        id,
		AdvisorID: "adv1",
		Position: model.Position{
			Security:   model.Security{Ticker: "AAPL"},
			Investment: inv,
			AvgPrice:   avg,
		},
	}
}

func closeAt(p *model.Prediction, last float64) {
	p.Close(model.OutcomeManualExit, closeTime, last)
}

func TestDebit_LongAndShort(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	acct, err := l.Debit(ctx, "adv1", []model.Prediction{
		prediction("p1", 25, 50),
		prediction("p2", -10, 20),
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !acct.Investment.Equal(d(35)) {
		t.Errorf("investment: expected 35, got %s", acct.Investment)
	}
	if !acct.LiquidCash.Equal(d(965)) {
		t.Errorf("liquidCash: expected 965, got %s", acct.LiquidCash)
	}
	// cash moves by the signed investment.
	if !acct.Cash.Equal(d(985)) {
		t.Errorf("cash: expected 985, got %s", acct.Cash)
	}
}

func TestDebit_RetryIsExactlyOnce(t *testing.T) {
	l, ms := newLedger(t, 1000)
	ctx := context.Background()
	preds := []model.Prediction{prediction("p1", 25, 50)}

	l.Debit(ctx, "adv1", preds)
	acct, err := l.Debit(ctx, "adv1", preds)
	if err != nil {
		t.Fatalf("retried Debit: %v", err)
	}
	if !acct.Investment.Equal(d(25)) {
		t.Errorf("retry must not debit twice, investment=%s", acct.Investment)
	}
	entries, _ := ms.GetLedgerEntries(ctx, "adv1")
	if len(entries) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(entries))
	}
}

// Virtual long, investment 25 at 50, closed at 55: pnl = 25×(55/50) − 25 = 2.5.
func TestCredit_LongProfitScenario(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	p := prediction("p1", 25, 50)
	l.Debit(ctx, "adv1", []model.Prediction{p})
	closeAt(&p, 55)

	cash, pnl := ledger.Settlement(&p)
	if !cash.Equal(d(27.5)) {
		t.Errorf("cashGenerated: expected 27.5, got %s", cash)
	}
	if !pnl.Equal(d(2.5)) {
		t.Errorf("pnl: expected 2.5, got %s", pnl)
	}

	acct, err := l.Credit(ctx, "adv1", &p)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !acct.Investment.IsZero() {
		t.Errorf("investment: expected 0, got %s", acct.Investment)
	}
	if !acct.LiquidCash.Equal(d(1002.5)) {
		t.Errorf("liquidCash: expected 1002.5, got %s", acct.LiquidCash)
	}
	if !acct.Cash.Equal(d(1002.5)) {
		t.Errorf("cash: expected 1002.5, got %s", acct.Cash)
	}
}

func TestCredit_ShortLoss(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	p := prediction("p1", -20, 100)
	l.Debit(ctx, "adv1", []model.Prediction{p})
	closeAt(&p, 110)

	// cashGenerated = -20 × 1.1 = -22; pnl = -2.
	_, pnl := ledger.Settlement(&p)
	if !pnl.Equal(d(-2)) {
		t.Errorf("pnl: expected -2, got %s", pnl)
	}

	acct, err := l.Credit(ctx, "adv1", &p)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !acct.LiquidCash.Equal(d(998)) {
		t.Errorf("liquidCash: expected 998, got %s", acct.LiquidCash)
	}
	if !acct.Cash.Equal(d(998)) {
		t.Errorf("cash: expected 998, got %s", acct.Cash)
	}
}

func TestCredit_UntriggeredConditionalReturnsInvestment(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	p := prediction("p1", 30, 40)
	p.Conditional = model.Conditional{IsConditional: true, TriggerPrice: 40, TriggerType: model.TriggerLimit}
	l.Debit(ctx, "adv1", []model.Prediction{p})
	p.Close(model.OutcomeManualExit, closeTime, 0)

	_, pnl := ledger.Settlement(&p)
	if !pnl.IsZero() {
		t.Errorf("expected zero pnl for untriggered conditional, got %s", pnl)
	}
	acct, err := l.Credit(ctx, "adv1", &p)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !acct.Cash.Equal(d(1000)) || !acct.LiquidCash.Equal(d(1000)) {
		t.Errorf("expected account restored, got cash=%s liquid=%s", acct.Cash, acct.LiquidCash)
	}
}

func TestCredit_Guards(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	open := prediction("p1", 25, 50)
	if _, err := l.Credit(ctx, "adv1", &open); !errs.IsValidation(err) {
		t.Errorf("expected validation error for open prediction, got %v", err)
	}

	noExit := prediction("p2", 25, 50)
	noExit.Close(model.OutcomeExpired, closeTime, 0)
	if _, err := l.Credit(ctx, "adv1", &noExit); !errs.IsValidation(err) {
		t.Errorf("expected validation error without exit price, got %v", err)
	}

	done := prediction("p3", 25, 50)
	l.Debit(ctx, "adv1", []model.Prediction{done})
	closeAt(&done, 60)
	l.Credit(ctx, "adv1", &done)
	acct, err := l.Credit(ctx, "adv1", &done)
	if !errors.Is(err, errs.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if !acct.Cash.Equal(d(1005)) {
		t.Errorf("double credit changed cash: %s", acct.Cash)
	}
}

func TestLedger_ConcurrentDebitsSerialize(t *testing.T) {
	l, _ := newLedger(t, 10000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Debit(ctx, "adv1", []model.Prediction{prediction(fmt.Sprintf("p%d", i), 10, 50)})
		}(i)
	}
	wg.Wait()

	acct, _ := l.Balance(ctx, "adv1")
	if !acct.Investment.Equal(d(400)) {
		t.Errorf("expected investment 400, got %s", acct.Investment)
	}
	if !acct.LiquidCash.Equal(d(9600)) {
		t.Errorf("expected liquidCash 9600, got %s", acct.LiquidCash)
	}
}

// Debit moves cash − (liquidCash + investment) by −inv and credit moves it
// back by +inv, so the drift equals its initial value minus the signed
// investment still open, and returns to it once everything is credited.
func TestProperty_LedgerConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("drift tracks open signed investment", prop.ForAll(
		func(invs []float64, lasts []float64, creditMask []bool) bool {
			ms := store.NewMemoryStore()
			l := ledger.New(ms, logging.Discard())
			ctx := context.Background()
			acct, _ := l.OpenAccount(ctx, "adv1", d(100000))
			initial := acct.Drift()

			n := len(invs)
			if len(lasts) < n {
				n = len(lasts)
			}
			if len(creditMask) < n {
				n = len(creditMask)
			}

			preds := make([]model.Prediction, n)
			for i := 0; i < n; i++ {
				preds[i] = prediction(fmt.Sprintf("p%d", i), invs[i], 100)
			}
			if _, err := l.Debit(ctx, "adv1", preds); err != nil {
				return false
			}

			eps := d(1e-9)
			open := decimal.Zero
			for i := range preds {
				open = open.Add(decimal.NewFromFloat(preds[i].Position.Investment))
			}
			acct, _ = l.Balance(ctx, "adv1")
			if acct.Drift().Sub(initial.Sub(open)).Abs().GreaterThan(eps) {
				return false
			}

			for i := range preds {
				if !creditMask[i] {
					continue
				}
				closeAt(&preds[i], lasts[i])
				acct, err := l.Credit(ctx, "adv1", &preds[i])
				if err != nil {
					return false
				}
				open = open.Sub(decimal.NewFromFloat(preds[i].Position.Investment))
				if acct.Drift().Sub(initial.Sub(open)).Abs().GreaterThan(eps) {
					return false
				}
			}

			for i := range preds {
				if creditMask[i] {
					continue
				}
				closeAt(&preds[i], lasts[i])
				if _, err := l.Credit(ctx, "adv1", &preds[i]); err != nil {
					return false
				}
			}
			acct, _ = l.Balance(ctx, "adv1")
			return acct.Drift().Sub(initial).Abs().LessThanOrEqual(eps) && acct.Investment.IsZero()
		},
		gen.SliceOfN(8, gen.Float64Range(-50, 50)),
		gen.SliceOfN(8, gen.Float64Range(1, 300)),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
