// Package events is the Event Store: an append-only, per-position
// audit log whose replay reproduces the persisted Position. Every other
// mutating component appends through Store.Append inside the same
// transaction as its state change, so a crash between the row write and
// the event write is impossible by construction.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/store"
)

// Store wraps a store.Tx's EventRepo with the append-and-fold semantics
// the rest of the engine relies on.
type Store struct{}

// New constructs an events.Store. It is stateless; every method takes the
// transaction it operates within.
func New() *Store { return &Store{} }

// Append persists ev within tx. If ev.IdempotencyKey is set and already
// present, it returns the previously stored event and ok=false instead of
// writing a duplicate row — callers must treat ok=false as "already
// applied, do not repeat side effects", not as an error.
func (s *Store) Append(ctx context.Context, tx store.Tx, ev *domain.PositionEvent) (stored *domain.PositionEvent, ok bool, err error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	err = tx.Events().Insert(ctx, ev)
	if err == store.ErrDuplicateIdempotency {
		existing, findErr := tx.Events().FindByIdempotencyKey(ctx, ev.IdempotencyKey)
		if findErr != nil {
			return nil, false, apperr.Wrap(apperr.KindPersistenceFailure, "events.Append", "duplicate idempotency key but lookup failed", findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindPersistenceFailure, "events.Append", "insert event", err)
	}
	return ev, true, nil
}

// ListByPosition returns the full chronologically (or reverse-) ordered
// event sequence for a position.
func (s *Store) ListByPosition(ctx context.Context, tx store.Tx, positionID string, order store.Order) ([]*domain.PositionEvent, error) {
	evs, err := tx.Events().ListByPosition(ctx, positionID, order)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "events.ListByPosition", "list events", err)
	}
	return evs, nil
}

// LatestByPosition returns the most recently appended event for a position.
func (s *Store) LatestByPosition(ctx context.Context, tx store.Tx, positionID string) (*domain.PositionEvent, error) {
	ev, err := tx.Events().Latest(ctx, positionID)
	if err == store.ErrNotFound {
		return nil, apperr.New(apperr.KindPositionNotFound, "events.LatestByPosition", "no events for position")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "events.LatestByPosition", "latest event", err)
	}
	return ev, nil
}

// Replay reconstructs a Position by folding its event sequence from
// scratch — the basis of crash recovery and the Integrity Service's
// deterministic-replay check. It does not touch the stored Position row;
// callers compare its result against the live row when validating.
func (s *Store) Replay(ctx context.Context, tx store.Tx, positionID string) (*domain.Position, error) {
	evs, err := s.ListByPosition(ctx, tx, positionID, store.Ascending)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, apperr.New(apperr.KindPositionNotFound, "events.Replay", "no events for position")
	}
	if evs[0].EventType != domain.EventPositionCreated {
		return nil, apperr.New(apperr.KindIntegrityViolation, "events.Replay", "event sequence does not start with POSITION_CREATED")
	}

	var pos domain.Position
	for _, ev := range evs {
		if err := fold(&pos, ev); err != nil {
			return nil, apperr.Wrap(apperr.KindIntegrityViolation, "events.Replay", fmt.Sprintf("folding event %s", ev.ID), err)
		}
	}
	return &pos, nil
}

func fold(pos *domain.Position, ev *domain.PositionEvent) error {
	pos.ID = ev.PositionID
	pos.UpdatedAt = ev.CreatedAt
	if ev.NewStatus != nil {
		pos.Status = *ev.NewStatus
	}

	switch payload := ev.Payload.(type) {
	case domain.CreatedPayload:
		sig := payload.Signal
		pos.ExecutionTradeID = sig.ID
		pos.AccountID = sig.AccountID
		pos.Pair = sig.Pair
		pos.Side = sig.Side
		pos.Size = decimalx.Zero
		pos.AvgEntryPrice = sig.EntryPrice
		pos.Leverage = sig.Leverage
		pos.MarginUsed = sig.MarginRequired
		pos.StopLoss = sig.StopLoss
		pos.TakeProfit = sig.TakeProfit
		pos.Status = domain.StatusPending
		pos.CreatedAt = ev.CreatedAt

	case domain.FillPayload:
		// NewSize/NewAvgEntry are pre-computed by the execution tracker at
		// fill time (weighted-average formula); replay trusts them rather
		// than re-deriving, so folding is just applying the recorded delta.
		// RealizedPnLDelta is the only source of truth for realized P&L on
		// replay — exit fills that merely shrink a position (no closure)
		// would otherwise vanish from a replayed reconstruction.
		pos.Size = payload.NewSize
		pos.AvgEntryPrice = payload.NewAvgEntry
		pos.RealizedPnL = decimalx.Add(pos.RealizedPnL, payload.RealizedPnLDelta)
		if payload.IsEntry && pos.OpenedAt == nil {
			t := ev.CreatedAt
			pos.OpenedAt = &t
		}

	case domain.UpdatePayload:
		if payload.LevelsChanged {
			pos.StopLoss = payload.StopLoss
			pos.TakeProfit = payload.TakeProfit
		} else {
			pos.UnrealizedPnL = payload.UnrealizedPnL
		}

	case domain.TriggerPayload:
		// marker only: the closing fill and closure events that follow carry
		// the state deltas

	case domain.ClosurePayload:
		// RealizedPnL itself was already folded in by the closing fill's
		// FillPayload event; this payload only carries it for audit display.
		pos.Size = decimalx.Zero
		pos.UnrealizedPnL = decimalx.Zero
		t := ev.CreatedAt
		pos.ClosedAt = &t

	case domain.ArchivedPayload:
		// terminal, no field changes beyond status

	default:
		return fmt.Errorf("unrecognized payload type %T for event %s", ev.Payload, ev.EventType)
	}

	return nil
}

// ValidateSequence checks that a candidate event sequence starts with
// POSITION_CREATED and that every transition's PreviousStatus/NewStatus
// pair is one the state machine's transition table allows.
func ValidateSequence(evs []*domain.PositionEvent, isValidTransition func(from, to domain.Status) bool) error {
	if len(evs) == 0 {
		return apperr.New(apperr.KindIntegrityViolation, "events.ValidateSequence", "empty sequence")
	}
	if evs[0].EventType != domain.EventPositionCreated {
		return apperr.New(apperr.KindIntegrityViolation, "events.ValidateSequence", "sequence does not start with POSITION_CREATED")
	}
	for _, ev := range evs {
		if ev.PreviousStatus == nil || ev.NewStatus == nil {
			continue
		}
		if *ev.PreviousStatus == *ev.NewStatus {
			continue
		}
		if !isValidTransition(*ev.PreviousStatus, *ev.NewStatus) {
			return apperr.New(apperr.KindIntegrityViolation, "events.ValidateSequence",
				fmt.Sprintf("event %s: invalid transition %s -> %s", ev.ID, *ev.PreviousStatus, *ev.NewStatus))
		}
	}
	return nil
}
