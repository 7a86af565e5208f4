package ledger

import (
	"context"
	"testing"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/store"
)

func newTestLedger() *Ledger {
	return New(100, PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
}

func TestOpenAccountSeedsFreeMargin(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("10000"), 100, false)
	})
	if err != nil {
		t.Fatalf("OpenAccount failed: %v", err)
	}

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Balances().Find(ctx, "acct_1")
		if err != nil {
			return err
		}
		if bal.FreeMargin.Cmp(decimalx.MustParse("10000")) != 0 {
			t.Errorf("expected free margin 10000, got %s", bal.FreeMargin)
		}
		if !bal.MarginUsed.IsZero() {
			t.Errorf("expected zero margin used, got %s", bal.MarginUsed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestEnforceLeverageCapsUnderPolicyCap(t *testing.T) {
	l := newTestLedger()
	got, err := l.EnforceLeverage(500)
	if err != nil {
		t.Fatalf("EnforceLeverage returned error under CAP policy: %v", err)
	}
	if got != 100 {
		t.Errorf("expected leverage capped to 100, got %d", got)
	}
}

func TestEnforceLeverageRejectsUnderPolicyReject(t *testing.T) {
	l := New(100, PolicyReject, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	_, err := l.EnforceLeverage(500)
	if err == nil {
		t.Fatal("expected error for over-leveraged request under REJECT policy")
	}
}

func TestReserveMarginRejectsInsufficientFreeMargin(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("100"), 100, false)
	})

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("200"), "pos_1")
	})
	if err == nil {
		t.Fatal("expected insufficient margin error")
	}
}

func TestReserveAndReleaseMarginRoundTrips(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("400"), "pos_1")
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReleaseMargin(ctx, tx, "acct_1", decimalx.MustParse("400"), "pos_1")
	})

	gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Balances().Find(ctx, "acct_1")
		if err != nil {
			return err
		}
		if !bal.MarginUsed.IsZero() {
			t.Errorf("expected margin used back to zero, got %s", bal.MarginUsed)
		}
		if bal.FreeMargin.Cmp(decimalx.MustParse("1000")) != 0 {
			t.Errorf("expected free margin restored to 1000, got %s", bal.FreeMargin)
		}
		return nil
	})
}

func TestCheckMarginRequirementsTriggersLiquidation(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("900"), "pos_1")
	})
	// Drop equity to simulate a large unrealized loss bringing margin level
	// below the liquidation threshold (0.2).
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.UpdateAccountBalance(ctx, tx, "acct_1", decimalx.MustParse("-900"), domain.ReasonFee, nil, "")
	})

	var status MarginStatus
	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := l.CheckMarginRequirements(ctx, tx, "acct_1")
		status = s
		return err
	})
	if err != nil {
		t.Fatalf("CheckMarginRequirements failed: %v", err)
	}
	if !status.LiquidationTriggered {
		t.Errorf("expected liquidation triggered, got status %+v", status)
	}
	if !status.MarginCallTriggered {
		t.Errorf("expected margin call triggered alongside liquidation, got %+v", status)
	}
}

func TestRecomputeEquityLeavesFreeMarginCashBased(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("200"), "pos_1")
	})

	// A floating loss on the open position moves equity only: freeMargin
	// stays balance - marginUsed, so a paper loss neither blocks nor a
	// paper gain enables opening new positions.
	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.RecomputeEquity(ctx, tx, "acct_1", decimalx.MustParse("-150"))
	})
	if err != nil {
		t.Fatalf("RecomputeEquity failed: %v", err)
	}

	gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Balances().Find(ctx, "acct_1")
		if err != nil {
			return err
		}
		if bal.Equity.Cmp(decimalx.MustParse("850")) != 0 {
			t.Errorf("expected equity 850 with -150 floating, got %s", bal.Equity)
		}
		if bal.Balance.Cmp(decimalx.MustParse("1000")) != 0 {
			t.Errorf("expected balance untouched at 1000, got %s", bal.Balance)
		}
		if bal.FreeMargin.Cmp(decimalx.MustParse("800")) != 0 {
			t.Errorf("expected freeMargin = balance - marginUsed = 800, got %s", bal.FreeMargin)
		}
		return nil
	})

	// The admission gate reads the cash figure: 800 is still reservable.
	err = gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.ReserveMargin(ctx, tx, "acct_1", decimalx.MustParse("800"), "pos_2")
	})
	if err != nil {
		t.Errorf("expected reservation up to balance - marginUsed to succeed despite the floating loss: %v", err)
	}
}

func TestCheckMarginRequirementsZeroMarginUsedIsMax(t *testing.T) {
	gw := store.NewMemoryGateway()
	l := newTestLedger()
	ctx := context.Background()

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})

	var status MarginStatus
	gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := l.CheckMarginRequirements(ctx, tx, "acct_1")
		status = s
		return err
	})
	if status.MarginCallTriggered || status.LiquidationTriggered {
		t.Errorf("zero margin used must never trigger margin call/liquidation, got %+v", status)
	}
}
