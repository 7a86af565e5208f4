package sltp

import (
	"context"
	"testing"
	"time"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

func newTestMonitor() (*Monitor, *store.MemoryGateway) {
	gw := store.NewMemoryGateway()
	riskLedger := ledger.New(100, ledger.PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	eventStore := events.New()
	machine := position.New(eventStore, riskLedger)
	tracker := execution.New(eventStore, machine, riskLedger, decimalx.Zero)
	logger := logging.New("test")
	locks := poslock.New()
	return New(gw, eventStore, tracker, nil, time.Second, logger, locks), gw
}

func TestEvaluateBuyTriggersStopLossAtOrBelow(t *testing.T) {
	sl := decimalx.MustParse("1990.00")
	pos := &domain.Position{Side: domain.Buy, StopLoss: &sl}
	triggerSL, triggerTP := Evaluate(pos, decimalx.MustParse("1989.99"))
	if !triggerSL || triggerTP {
		t.Errorf("expected BUY stop-loss to trigger below the level, got sl=%v tp=%v", triggerSL, triggerTP)
	}
}

func TestEvaluateBuyTriggersTakeProfitAtOrAbove(t *testing.T) {
	tp := decimalx.MustParse("2010.00")
	pos := &domain.Position{Side: domain.Buy, TakeProfit: &tp}
	triggerSL, triggerTP := Evaluate(pos, decimalx.MustParse("2010.01"))
	if triggerSL || !triggerTP {
		t.Errorf("expected BUY take-profit to trigger above the level, got sl=%v tp=%v", triggerSL, triggerTP)
	}
}

func TestEvaluateSellTriggersAreMirrored(t *testing.T) {
	sl := decimalx.MustParse("2010.00")
	tp := decimalx.MustParse("1990.00")
	pos := &domain.Position{Side: domain.Sell, StopLoss: &sl, TakeProfit: &tp}

	triggerSL, _ := Evaluate(pos, decimalx.MustParse("2010.01"))
	if !triggerSL {
		t.Error("expected SELL stop-loss to trigger at or above the level")
	}
	_, triggerTP := Evaluate(pos, decimalx.MustParse("1989.99"))
	if !triggerTP {
		t.Error("expected SELL take-profit to trigger at or below the level")
	}
}

func TestArmAndDisarmUpdateRoutingIndex(t *testing.T) {
	m, _ := newTestMonitor()
	sl := decimalx.MustParse("1990.00")
	pos := &domain.Position{ID: "pos_1", Pair: "BTCUSD", StopLoss: &sl}

	ctx := context.Background()
	m.Arm(ctx, pos)
	if len(m.watched("BTCUSD")) != 1 {
		t.Fatalf("expected 1 watched position after Arm, got %d", len(m.watched("BTCUSD")))
	}

	m.Disarm(ctx, "BTCUSD", "pos_1")
	if len(m.watched("BTCUSD")) != 0 {
		t.Errorf("expected 0 watched positions after Disarm, got %d", len(m.watched("BTCUSD")))
	}
}

func TestArmIsNoOpWithoutSLTP(t *testing.T) {
	m, _ := newTestMonitor()
	pos := &domain.Position{ID: "pos_1", Pair: "BTCUSD"}
	m.Arm(context.Background(), pos)
	if len(m.watched("BTCUSD")) != 0 {
		t.Error("expected Arm to be a no-op for a position with no SL/TP set")
	}
}

func TestRehydrateRebuildsIndexFromGateway(t *testing.T) {
	m, gw := newTestMonitor()
	ctx := context.Background()

	sl := decimalx.MustParse("1990.00")
	pos := &domain.Position{ID: "pos_1", Pair: "BTCUSD", Status: domain.StatusOpen, StopLoss: &sl}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Positions().Insert(ctx, pos)
	})

	if err := m.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	if len(m.watched("BTCUSD")) != 1 {
		t.Errorf("expected rehydrate to pick up the OPEN position with a stop-loss, got %d watched", len(m.watched("BTCUSD")))
	}
}

func TestOnPriceTickClosesAtStopLossIdempotently(t *testing.T) {
	m, gw := newTestMonitor()
	ctx := context.Background()

	sl := decimalx.MustParse("1990.00")
	pos := &domain.Position{
		ID: "pos_1", AccountID: "acct_1", Pair: "BTCUSD", Side: domain.Buy,
		Status: domain.StatusOpen,
		AvgEntryPrice: decimalx.MustParse("2000.00"), Size: decimalx.MustParse("0.1"),
		MarginUsed: decimalx.MustParse("2"), StopLoss: &sl,
	}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Balances().Upsert(ctx, &domain.AccountBalance{
			AccountID: "acct_1", Equity: decimalx.MustParse("10000"),
			Balance: decimalx.MustParse("10000"), MarginUsed: decimalx.MustParse("2"),
			FreeMargin: decimalx.MustParse("9998"), Leverage: 100,
		}); err != nil {
			return err
		}
		return tx.Positions().Insert(ctx, pos)
	})
	m.Arm(ctx, pos)

	tick := domain.PriceTick{Symbol: "BTCUSD", Price: decimalx.MustParse("1989.99"), Timestamp: time.Now().UTC()}

	// Apply the same tick twice: the second pass finds the position already
	// CLOSED and must neither re-trigger nor re-credit it.
	if err := m.OnPriceTick(ctx, tick); err != nil {
		t.Fatalf("first OnPriceTick failed: %v", err)
	}
	if err := m.OnPriceTick(ctx, tick); err != nil {
		t.Fatalf("second OnPriceTick failed: %v", err)
	}

	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		live, err := tx.Positions().Find(ctx, "pos_1")
		if err != nil {
			return err
		}
		if live.Status != domain.StatusClosed {
			t.Errorf("expected position CLOSED by stop-loss, got %s", live.Status)
		}
		evs, err := tx.Events().ListByPosition(ctx, "pos_1", store.Ascending)
		if err != nil {
			return err
		}
		triggerCount := 0
		for _, ev := range evs {
			if ev.EventType == domain.EventStopLossTriggered {
				triggerCount++
			}
		}
		if triggerCount != 1 {
			t.Errorf("expected exactly 1 STOP_LOSS_TRIGGERED event despite a repeated tick, got %d", triggerCount)
		}
		balanceEvents, err := tx.BalanceEvents().ListByAccount(ctx, "acct_1")
		if err != nil {
			return err
		}
		credits := 0
		for _, be := range balanceEvents {
			if be.Reason == domain.ReasonPositionClosed {
				credits++
			}
		}
		if credits != 1 {
			t.Errorf("expected exactly 1 POSITION_CLOSED balance credit despite a repeated tick, got %d", credits)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}
