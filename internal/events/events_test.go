package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

func pendingStatus() *domain.Status {
	s := domain.StatusPending
	return &s
}

func TestAppendReturnsStoredEventOnDuplicateIdempotencyKey(t *testing.T) {
	gw := store.NewMemoryGateway()
	s := events.New()
	ctx := context.Background()

	first := &domain.PositionEvent{
		PositionID:     "pos_1",
		EventType:      domain.EventStopLossTriggered,
		Payload:        domain.TriggerPayload{Price: decimalx.MustParse("1990.00")},
		IdempotencyKey: "close_pos_1_1700000000000",
	}
	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stored, ok, err := s.Append(ctx, tx, first)
		if err != nil {
			return err
		}
		if !ok || stored.ID == "" {
			t.Errorf("expected first append to write a fresh event, got ok=%v id=%q", ok, stored.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	dup := &domain.PositionEvent{
		PositionID:     "pos_1",
		EventType:      domain.EventStopLossTriggered,
		Payload:        domain.TriggerPayload{Price: decimalx.MustParse("1990.00")},
		IdempotencyKey: "close_pos_1_1700000000000",
	}
	err = gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stored, ok, err := s.Append(ctx, tx, dup)
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected duplicate idempotency key to report ok=false")
		}
		if stored.ID != first.ID {
			t.Errorf("expected the originally stored event back, got %q want %q", stored.ID, first.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("duplicate append failed: %v", err)
	}
}

func TestReplayFoldsFullLifecycle(t *testing.T) {
	gw := store.NewMemoryGateway()
	s := events.New()
	ctx := context.Background()

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	sl := decimalx.MustParse("1990.00")
	signal := domain.TradeSignal{
		ID: "sig_1", Side: domain.Buy, EntryPrice: decimalx.MustParse("2000.00"),
		PositionSize: decimalx.MustParse("0.2"), Leverage: 100,
		MarginRequired: decimalx.MustParse("4"), StopLoss: &sl,
		AccountID: "acct_1", Pair: "BTCUSD",
	}

	open := domain.StatusOpen
	closed := domain.StatusClosed

	history := []*domain.PositionEvent{
		{
			PositionID: "pos_1", EventType: domain.EventPositionCreated,
			NewStatus: pendingStatus(),
			Payload:   domain.CreatedPayload{Signal: signal},
			CreatedAt: base,
		},
		{
			PositionID: "pos_1", EventType: domain.EventOrderFilled,
			Payload: domain.FillPayload{
				OrderID: "ord_entry", IsEntry: true,
				NewSize:          decimalx.MustParse("0.2"),
				NewAvgEntry:      decimalx.MustParse("2000.00"),
				RealizedPnLDelta: decimalx.Zero,
			},
			CreatedAt: base.Add(time.Second),
		},
		{
			PositionID: "pos_1", EventType: domain.EventPositionOpened,
			PreviousStatus: pendingStatus(), NewStatus: &open,
			Payload: domain.FillPayload{
				OrderID: "ord_entry", IsEntry: true,
				NewSize:          decimalx.MustParse("0.2"),
				NewAvgEntry:      decimalx.MustParse("2000.00"),
				RealizedPnLDelta: decimalx.Zero,
			},
			CreatedAt: base.Add(time.Second),
		},
		{
			PositionID: "pos_1", EventType: domain.EventPartialFill,
			Payload: domain.FillPayload{
				OrderID: "ord_partial", IsEntry: false,
				NewSize:          decimalx.MustParse("0.1"),
				NewAvgEntry:      decimalx.MustParse("2000.00"),
				RealizedPnLDelta: decimalx.MustParse("1.00"),
			},
			CreatedAt: base.Add(2 * time.Second),
		},
		{
			PositionID: "pos_1", EventType: domain.EventStopLossTriggered,
			Payload:        domain.TriggerPayload{Price: decimalx.MustParse("1990.00")},
			IdempotencyKey: "close_pos_1_1",
			CreatedAt:      base.Add(3 * time.Second),
		},
		{
			PositionID: "pos_1", EventType: domain.EventOrderFilled,
			Payload: domain.FillPayload{
				OrderID: "ord_sl", IsEntry: false,
				NewSize:          decimalx.Zero,
				NewAvgEntry:      decimalx.MustParse("2000.00"),
				RealizedPnLDelta: decimalx.MustParse("-1.00"),
			},
			CreatedAt: base.Add(4 * time.Second),
		},
		{
			PositionID: "pos_1", EventType: domain.EventPositionClosed,
			PreviousStatus: &open, NewStatus: &closed,
			Payload: domain.ClosurePayload{
				ClosePrice:    decimalx.MustParse("1990.00"),
				RealizedPnL:   decimalx.Zero,
				ExecutionType: domain.ExecutionStopLoss,
				Reason:        "stop_loss",
			},
			CreatedAt: base.Add(4 * time.Second),
		},
	}

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, ev := range history {
			if _, _, err := s.Append(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("appending history failed: %v", err)
	}

	var replayed *domain.Position
	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := s.Replay(ctx, tx, "pos_1")
		replayed = p
		return err
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if replayed.Status != domain.StatusClosed {
		t.Errorf("expected replayed status CLOSED, got %s", replayed.Status)
	}
	if !replayed.Size.IsZero() {
		t.Errorf("expected replayed size 0, got %s", replayed.Size)
	}
	if !decimalx.WithinTolerance(replayed.AvgEntryPrice, decimalx.MustParse("2000.00"), decimalx.ToleranceSizePrice) {
		t.Errorf("expected replayed avg entry 2000.00, got %s", replayed.AvgEntryPrice)
	}
	// +1.00 from the partial exit, -1.00 from the stop-loss fill.
	if !decimalx.WithinTolerance(replayed.RealizedPnL, decimalx.Zero, decimalx.ToleranceMoney) {
		t.Errorf("expected replayed realizedPnL 0, got %s", replayed.RealizedPnL)
	}
	if replayed.OpenedAt == nil {
		t.Error("expected replayed OpenedAt stamped by the first entry fill")
	}
	if replayed.ClosedAt == nil {
		t.Error("expected replayed ClosedAt stamped by the closure event")
	}
	if replayed.AccountID != "acct_1" || replayed.Pair != "BTCUSD" {
		t.Errorf("expected identity fields restored from POSITION_CREATED, got account=%q pair=%q", replayed.AccountID, replayed.Pair)
	}
}

func TestReplayRejectsHistoryNotStartingWithCreated(t *testing.T) {
	gw := store.NewMemoryGateway()
	s := events.New()
	ctx := context.Background()

	err := gw.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, _, err := s.Append(ctx, tx, &domain.PositionEvent{
			PositionID: "pos_1", EventType: domain.EventPartialFill,
			Payload: domain.FillPayload{
				OrderID: "ord_1", IsEntry: true,
				NewSize:     decimalx.MustParse("1"),
				NewAvgEntry: decimalx.MustParse("100"),
			},
			CreatedAt: time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := s.Replay(ctx, tx, "pos_1")
		return err
	})
	if err == nil {
		t.Fatal("expected Replay to reject a history that does not start with POSITION_CREATED")
	}
}

func TestValidateSequenceAgainstTransitionTable(t *testing.T) {
	open := domain.StatusOpen
	liquidated := domain.StatusLiquidated

	valid := []*domain.PositionEvent{
		{ID: "e1", EventType: domain.EventPositionCreated, NewStatus: pendingStatus()},
		{ID: "e2", EventType: domain.EventPositionOpened, PreviousStatus: pendingStatus(), NewStatus: &open},
		{ID: "e3", EventType: domain.EventPositionLiquidated, PreviousStatus: &open, NewStatus: &liquidated},
	}
	if err := events.ValidateSequence(valid, position.IsValidTransition); err != nil {
		t.Errorf("expected a well-formed sequence to validate, got %v", err)
	}

	invalid := []*domain.PositionEvent{
		{ID: "e1", EventType: domain.EventPositionCreated, NewStatus: pendingStatus()},
		{ID: "e2", EventType: domain.EventPositionLiquidated, PreviousStatus: pendingStatus(), NewStatus: &liquidated},
	}
	if err := events.ValidateSequence(invalid, position.IsValidTransition); err == nil {
		t.Error("expected PENDING -> LIQUIDATED to be rejected")
	}

	if err := events.ValidateSequence(nil, position.IsValidTransition); err == nil {
		t.Error("expected an empty sequence to be rejected")
	}
}
