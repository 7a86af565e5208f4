// Package position is the position lifecycle State Machine:
// CreatePosition and TransitionState, validated against a fixed
// transition table, with every mutation appended to the Event Store in
// the same transaction.
package position

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/store"
)

// transitions enumerates every allowed (from, to) pair. A pair absent
// from this table is rejected by TransitionState regardless of which
// event triggered it.
var transitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusPending: {
		domain.StatusOpen:   true,
		domain.StatusClosed: true,
	},
	domain.StatusOpen: {
		domain.StatusClosed:     true,
		domain.StatusLiquidated: true,
	},
	domain.StatusClosed: {
		domain.StatusArchived: true,
	},
	domain.StatusLiquidated: {
		domain.StatusArchived: true,
	},
	domain.StatusArchived: {},
}

// IsValidTransition reports whether from -> to is in the transition
// table. Exported so events.ValidateSequence and the Integrity Service
// can check candidate sequences against the same table this package
// enforces.
func IsValidTransition(from, to domain.Status) bool {
	if from == to {
		return false
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Machine is the State Machine, composed over the Event Store and Risk
// Ledger it must keep consistent with every transition.
type Machine struct {
	events *events.Store
	ledger *ledger.Ledger
}

func New(eventStore *events.Store, riskLedger *ledger.Ledger) *Machine {
	return &Machine{events: eventStore, ledger: riskLedger}
}

// CreatePosition inserts a new PENDING position for signal, reserves its
// margin, and appends POSITION_CREATED — all within tx.
func (m *Machine) CreatePosition(ctx context.Context, tx store.Tx, signal domain.TradeSignal) (*domain.Position, error) {
	now := time.Now().UTC()
	pos := &domain.Position{
		ID:               uuid.NewString(),
		ExecutionTradeID: signal.ID,
		AccountID:        signal.AccountID,
		Pair:             signal.Pair,
		Side:             signal.Side,
		Size:             decimalx.Zero,
		AvgEntryPrice:    signal.EntryPrice,
		Leverage:         signal.Leverage,
		MarginUsed:       signal.MarginRequired,
		UnrealizedPnL:    decimalx.Zero,
		RealizedPnL:      decimalx.Zero,
		StopLoss:         signal.StopLoss,
		TakeProfit:       signal.TakeProfit,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.ledger.ReserveMargin(ctx, tx, signal.AccountID, signal.MarginRequired, pos.ID); err != nil {
		return nil, err
	}

	if err := tx.Positions().Insert(ctx, pos); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "position.CreatePosition", "insert position", err)
	}

	newStatus := domain.StatusPending
	_, _, err := m.events.Append(ctx, tx, &domain.PositionEvent{
		PositionID: pos.ID,
		EventType:  domain.EventPositionCreated,
		NewStatus:  &newStatus,
		Payload:    domain.CreatedPayload{Signal: signal},
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	return pos, nil
}

// TransitionState verifies pos's current status -> to is allowed, stamps
// the status-dependent timestamp, persists pos, and appends ev with its
// PreviousStatus/NewStatus set to the old and new status (any values the
// caller set are overwritten).
func (m *Machine) TransitionState(ctx context.Context, tx store.Tx, pos *domain.Position, to domain.Status, ev *domain.PositionEvent) error {
	from := pos.Status
	if !IsValidTransition(from, to) {
		return apperr.New(apperr.KindInvalidTransition, "position.TransitionState",
			string(from)+" -> "+string(to)+" is not a permitted transition")
	}

	now := time.Now().UTC()
	pos.Status = to
	pos.UpdatedAt = now
	switch to {
	case domain.StatusOpen:
		if pos.OpenedAt == nil {
			pos.OpenedAt = &now
		}
	case domain.StatusClosed, domain.StatusLiquidated:
		pos.ClosedAt = &now
	}

	if err := tx.Positions().Update(ctx, pos); err != nil {
		if err == store.ErrConflict {
			return apperr.New(apperr.KindTransactionConflict, "position.TransitionState", "position was concurrently modified")
		}
		return apperr.Wrap(apperr.KindPersistenceFailure, "position.TransitionState", "update position", err)
	}

	ev.PreviousStatus = &from
	ev.NewStatus = &to
	ev.CreatedAt = now
	_, _, err := m.events.Append(ctx, tx, ev)
	return err
}

// ArchivePosition transitions a terminal (CLOSED/LIQUIDATED) position to
// ARCHIVED and appends POSITION_ARCHIVED, for the retention-window sweep.
func (m *Machine) ArchivePosition(ctx context.Context, tx store.Tx, pos *domain.Position, retentionWindowDays int) error {
	return m.TransitionState(ctx, tx, pos, domain.StatusArchived, &domain.PositionEvent{
		EventType: domain.EventPositionArchived,
		Payload:   domain.ArchivedPayload{RetentionWindowDays: retentionWindowDays},
	})
}
