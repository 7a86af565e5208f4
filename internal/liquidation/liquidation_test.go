package liquidation

import (
	"context"
	"testing"
	"time"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/pnl"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

func newTestEngine() (*Engine, *store.MemoryGateway, *ledger.Ledger) {
	gw := store.NewMemoryGateway()
	riskLedger := ledger.New(100, ledger.PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	eventStore := events.New()
	machine := position.New(eventStore, riskLedger)
	tracker := execution.New(eventStore, machine, riskLedger, decimalx.Zero)
	logger := logging.New("test")
	locks := poslock.New()
	eng := New(gw, riskLedger, tracker, decimalx.Zero, decimalx.Zero, time.Second, logger, locks)
	return eng, gw, riskLedger
}

func openPosition(t *testing.T, ctx context.Context, gw *store.MemoryGateway, id, accountID string, unrealized string) *domain.Position {
	t.Helper()
	pos := &domain.Position{
		ID: id, AccountID: accountID, Pair: "BTCUSD", Side: domain.Buy,
		Size: decimalx.MustParse("0.1"), AvgEntryPrice: decimalx.MustParse("2000.00"),
		MarginUsed: decimalx.MustParse("2"), UnrealizedPnL: decimalx.MustParse(unrealized),
		Status: domain.StatusOpen,
	}
	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Positions().Insert(ctx, pos)
	})
	if err != nil {
		t.Fatalf("failed to seed OPEN position: %v", err)
	}
	return pos
}

func TestTickLiquidatesAccountBelowThreshold(t *testing.T) {
	eng, gw, riskLedger := newTestEngine()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("2"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_1")
	})
	pos := openPosition(t, ctx, gw, "pos_1", "acct_1", "0")

	// Drive the account down the real way: a market-price tick through
	// the P&L Engine, the same path UpdateMarketPrice uses in
	// production, not a direct ledger write. (1981.00 - 2000.00) * 0.1 =
	// -1.9 unrealized, which the P&L Engine folds into account equity;
	// marginLevel then crosses the 0.2 liquidation threshold:
	// (2 + -1.9) / 2 = 0.05.
	pnlEngine := pnl.New(events.New(), riskLedger)
	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		live, err := tx.Positions().Find(ctx, pos.ID)
		if err != nil {
			return err
		}
		return pnlEngine.UpdatePositionPnL(ctx, tx, live, decimalx.MustParse("1981.00"))
	})
	if err != nil {
		t.Fatalf("UpdatePositionPnL failed: %v", err)
	}

	results, err := eng.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 liquidation result, got %d", len(results))
	}
	if len(results[0].Closed) != 1 {
		t.Errorf("expected pos_1 to be force-closed, got %+v", results[0])
	}

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		pos, err := tx.Positions().Find(ctx, "pos_1")
		if err != nil {
			return err
		}
		if pos.Status != domain.StatusLiquidated {
			t.Errorf("expected position LIQUIDATED, got %s", pos.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestTickSkipsHealthyAccounts(t *testing.T) {
	eng, gw, riskLedger := newTestEngine()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_1")
	})
	openPosition(t, ctx, gw, "pos_1", "acct_1", "0.5")

	results, err := eng.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no liquidations for a healthy account, got %+v", results)
	}
}

func TestForceLiquidateClosesEveryOpenPositionRegardlessOfMargin(t *testing.T) {
	eng, gw, riskLedger := newTestEngine()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("10000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_1")
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_2")
	})
	openPosition(t, ctx, gw, "pos_1", "acct_1", "5")
	openPosition(t, ctx, gw, "pos_2", "acct_1", "-3")

	result := eng.ForceLiquidate(ctx, "acct_1")
	if len(result.Closed) != 2 {
		t.Fatalf("expected both positions force-closed regardless of healthy margin, got %+v", result)
	}

	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"pos_1", "pos_2"} {
			pos, err := tx.Positions().Find(ctx, id)
			if err != nil {
				return err
			}
			if pos.Status != domain.StatusLiquidated {
				t.Errorf("expected %s LIQUIDATED, got %s", id, pos.Status)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestForceLiquidateClosesLargestLossFirst(t *testing.T) {
	eng, gw, riskLedger := newTestEngine()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("10000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_small_loss")
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("2"), "pos_big_loss")
	})
	openPosition(t, ctx, gw, "pos_small_loss", "acct_1", "-1")
	openPosition(t, ctx, gw, "pos_big_loss", "acct_1", "-10")

	result := eng.ForceLiquidate(ctx, "acct_1")
	if len(result.Closed) != 2 {
		t.Fatalf("expected both positions closed, got %+v", result)
	}
	if result.Closed[0] != "pos_big_loss" {
		t.Errorf("expected largest-loss position closed first, got order %v", result.Closed)
	}
}
