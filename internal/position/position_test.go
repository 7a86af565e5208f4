package position

import (
	"context"
	"testing"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/store"
)

func newTestMachine() (*Machine, *store.MemoryGateway) {
	gw := store.NewMemoryGateway()
	riskLedger := ledger.New(100, ledger.PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	eventStore := events.New()
	return New(eventStore, riskLedger), gw
}

func testSignal() domain.TradeSignal {
	return domain.TradeSignal{
		ID:             "sig_1",
		Side:           domain.Buy,
		EntryPrice:     decimalx.MustParse("2000.00"),
		PositionSize:   decimalx.MustParse("0.1"),
		Leverage:       100,
		MarginRequired: decimalx.MustParse("2"),
		AccountID:      "acct_1",
		Pair:           "BTCUSD",
	}
}

func TestIsValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusOpen, true},
		{domain.StatusPending, domain.StatusClosed, true},
		{domain.StatusOpen, domain.StatusClosed, true},
		{domain.StatusOpen, domain.StatusLiquidated, true},
		{domain.StatusClosed, domain.StatusArchived, true},
		{domain.StatusLiquidated, domain.StatusArchived, true},
		{domain.StatusOpen, domain.StatusPending, false},
		{domain.StatusClosed, domain.StatusOpen, false},
		{domain.StatusArchived, domain.StatusOpen, false},
		{domain.StatusPending, domain.StatusPending, false},
	}
	for _, c := range cases {
		if got := IsValidTransition(c.from, c.to); got != c.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCreatePositionReservesMarginAndAppendsEvent(t *testing.T) {
	m, gw := newTestMachine()
	ctx := context.Background()

	riskLedger := ledger.New(100, ledger.PolicyCap, decimalx.MustParse("0.5"), decimalx.MustParse("0.2"))
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return riskLedger.OpenAccount(ctx, tx, "acct_1", decimalx.MustParse("1000"), 100, false)
	})

	var pos *domain.Position
	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := m.CreatePosition(ctx, tx, testSignal())
		pos = p
		return err
	})
	if err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}
	if pos.Status != domain.StatusPending {
		t.Errorf("expected new position PENDING, got %s", pos.Status)
	}

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Balances().Find(ctx, "acct_1")
		if err != nil {
			return err
		}
		if bal.MarginUsed.Cmp(decimalx.MustParse("2")) != 0 {
			t.Errorf("expected marginUsed 2, got %s", bal.MarginUsed)
		}
		evs, err := tx.Events().ListByPosition(ctx, pos.ID, store.Ascending)
		if err != nil {
			return err
		}
		if len(evs) != 1 || evs[0].EventType != domain.EventPositionCreated {
			t.Errorf("expected single POSITION_CREATED event, got %+v", evs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestTransitionStateRejectsInvalidTransition(t *testing.T) {
	m, gw := newTestMachine()
	ctx := context.Background()

	pos := &domain.Position{ID: "pos_1", Status: domain.StatusArchived}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Positions().Insert(ctx, pos)
	})

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return m.TransitionState(ctx, tx, pos, domain.StatusOpen, &domain.PositionEvent{EventType: domain.EventPositionOpened})
	})
	if err == nil {
		t.Fatal("expected invalid transition error from ARCHIVED to OPEN")
	}
}

func TestTransitionStateStampsOpenedAt(t *testing.T) {
	m, gw := newTestMachine()
	ctx := context.Background()

	pos := &domain.Position{ID: "pos_1", Status: domain.StatusPending}
	gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Positions().Insert(ctx, pos)
	})

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return m.TransitionState(ctx, tx, pos, domain.StatusOpen, &domain.PositionEvent{EventType: domain.EventPositionOpened})
	})
	if err != nil {
		t.Fatalf("TransitionState failed: %v", err)
	}
	if pos.OpenedAt == nil {
		t.Error("expected OpenedAt to be stamped on PENDING -> OPEN transition")
	}
}
