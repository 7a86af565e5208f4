package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

func TestCheckBalanceEquationPassesOnConsistentEvents(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	svc := New(gw, events.New())

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.BalanceEvents().Insert(ctx, &domain.AccountBalanceEvent{
			ID: "ev_1", AccountID: "acct_1",
			BalanceBefore: decimalx.MustParse("100"), Amount: decimalx.MustParse("10"),
			BalanceAfter: decimalx.MustParse("110"), Reason: domain.ReasonFee, CreatedAt: time.Now().UTC(),
		})
	})

	report, err := svc.CheckBalanceEquation(ctx)
	if err != nil {
		t.Fatalf("CheckBalanceEquation failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected no violations for a consistent balance event, got %+v", report.Violations)
	}
}

func TestCheckBalanceEquationFlagsInconsistentEvent(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	svc := New(gw, events.New())

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.BalanceEvents().Insert(ctx, &domain.AccountBalanceEvent{
			ID: "ev_1", AccountID: "acct_1",
			BalanceBefore: decimalx.MustParse("100"), Amount: decimalx.MustParse("10"),
			BalanceAfter: decimalx.MustParse("999"), Reason: domain.ReasonFee, CreatedAt: time.Now().UTC(),
		})
	})

	report, err := svc.CheckBalanceEquation(ctx)
	if err != nil {
		t.Fatalf("CheckBalanceEquation failed: %v", err)
	}
	if report.OK() {
		t.Error("expected a violation for balanceBefore + amount != balanceAfter")
	}
}

func TestCheckEventCoverageFlagsMissingCreatedEvent(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	svc := New(gw, events.New())

	pos := &domain.Position{ID: "pos_1", AccountID: "acct_1", Status: domain.StatusPending}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Positions().Insert(ctx, pos)
	})

	report, err := svc.CheckEventCoverage(ctx)
	if err != nil {
		t.Fatalf("CheckEventCoverage failed: %v", err)
	}
	if report.OK() {
		t.Error("expected a violation for a position with no events at all")
	}
}

func TestCheckReplayDeterminismPassesForWellFormedHistory(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	riskLedger := ledger.New(100, ledger.PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	eventStore := events.New()
	machine := position.New(eventStore, riskLedger)
	tracker := execution.New(eventStore, machine, riskLedger, decimalx.Zero)
	svc := New(gw, eventStore)

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("10000"), 100, false)
	})

	signal := domain.TradeSignal{
		ID: "sig_1", Side: domain.Buy, EntryPrice: decimalx.MustParse("2000.00"),
		PositionSize: decimalx.MustParse("0.1"), Leverage: 100,
		MarginRequired: decimalx.MustParse("2"), AccountID: "acct_1", Pair: "BTCUSD",
	}
	var pos *domain.Position
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := machine.CreatePosition(ctx, tx, signal)
		pos = p
		return err
	})

	fill := domain.FillData{OrderID: "ord_1", Price: decimalx.MustParse("2000.00"), Size: decimalx.MustParse("0.1"), ExecutedAt: time.Now().UTC()}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tracker.ProcessFullFill(ctx, tx, pos, fill, true, domain.ExecutionEntry)
		return err
	})

	report, err := svc.CheckReplayDeterminism(ctx, pos.ID, 3)
	if err != nil {
		t.Fatalf("CheckReplayDeterminism failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected replay to be deterministic and match the persisted row, got %+v", report.Violations)
	}
}

func TestCheckLedgerReconciliationFlagsMarginMismatch(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	svc := New(gw, events.New())

	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bal := &domain.AccountBalance{AccountID: "acct_1", Equity: decimalx.MustParse("1000"), Balance: decimalx.MustParse("1000"), MarginUsed: decimalx.MustParse("50")}
		return tx.Balances().Upsert(ctx, bal)
	})
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pos := &domain.Position{ID: "pos_1", AccountID: "acct_1", Status: domain.StatusOpen, MarginUsed: decimalx.MustParse("2")}
		return tx.Positions().Insert(ctx, pos)
	})

	report, err := svc.CheckLedgerReconciliation(ctx, "acct_1")
	if err != nil {
		t.Fatalf("CheckLedgerReconciliation failed: %v", err)
	}
	if report.OK() {
		t.Error("expected a violation: sum(OPEN marginUsed)=2 != AccountBalance.marginUsed=50")
	}
}

func TestFullAuditMergesEveryCheck(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	svc := New(gw, events.New())

	report, err := svc.FullAudit(ctx)
	if err != nil {
		t.Fatalf("FullAudit failed on an empty gateway: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected an empty gateway to produce a clean audit, got %+v", report.Violations)
	}
}
