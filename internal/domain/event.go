package domain

import (
	"time"

	"github.com/govalues/decimal"
)

// EventType enumerates every PositionEvent variant.
type EventType string

const (
	EventPositionCreated      EventType = "POSITION_CREATED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventPartialFill          EventType = "PARTIAL_FILL"
	EventPositionOpened       EventType = "POSITION_OPENED"
	EventPositionUpdated      EventType = "POSITION_UPDATED"
	EventStopLossTriggered    EventType = "STOP_LOSS_TRIGGERED"
	EventTakeProfitTriggered  EventType = "TAKE_PROFIT_TRIGGERED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventPositionLiquidated   EventType = "POSITION_LIQUIDATED"
	EventPositionArchived     EventType = "POSITION_ARCHIVED"
)

// Payload is the tagged-union contract for event payloads: one typed
// variant per event family, never an untyped map. Type returns the
// family's tag so the storage codec can dispatch a stored envelope back
// to the right concrete struct.
type Payload interface {
	Type() EventType
}

// CreatedPayload backs POSITION_CREATED.
type CreatedPayload struct {
	Signal TradeSignal
}

func (CreatedPayload) Type() EventType { return EventPositionCreated }

// FillPayload backs ORDER_FILLED, PARTIAL_FILL, and POSITION_OPENED (the
// latter carries the same fill that caused the PENDING->OPEN transition).
// RealizedPnLDelta is the amount this fill alone added to RealizedPnL (zero
// for entry fills) so replay can fold it without re-deriving commission
// bookkeeping; it is the authoritative delta, not a recomputation.
type FillPayload struct {
	OrderID          string
	Fill             FillData
	IsEntry          bool
	NewSize          decimal.Decimal
	NewAvgEntry      decimal.Decimal
	RealizedPnLDelta decimal.Decimal
}

func (FillPayload) Type() EventType { return EventOrderFilled }

// UpdatePayload backs POSITION_UPDATED: a mark-to-market refresh, or an
// SL/TP level change (MarketPrice/UnrealizedPnL are the zero Decimal and
// StopLoss/TakeProfit nil on a pure level change, and vice versa on a
// pure price refresh — fold only touches the fields it is given).
type UpdatePayload struct {
	MarketPrice   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	LevelsChanged bool
}

func (UpdatePayload) Type() EventType { return EventPositionUpdated }

// TriggerPayload backs STOP_LOSS_TRIGGERED and TAKE_PROFIT_TRIGGERED: a
// marker recording the price that crossed the level. The closing fill and
// POSITION_CLOSED events that follow in the same transaction carry the
// actual state deltas; replay applies no field changes for this payload.
type TriggerPayload struct {
	Price decimal.Decimal
}

func (TriggerPayload) Type() EventType { return EventStopLossTriggered }

// ClosurePayload backs POSITION_CLOSED and POSITION_LIQUIDATED. RealizedPnL
// is the position's total realized P&L at closure, carried for audit/display;
// replay does not apply it (the closing fill's FillPayload already folded its
// delta in).
type ClosurePayload struct {
	ClosePrice    decimal.Decimal
	RealizedPnL   decimal.Decimal
	ExecutionType ExecutionType
	Reason        string
}

func (ClosurePayload) Type() EventType { return EventPositionClosed }

// ArchivedPayload backs POSITION_ARCHIVED.
type ArchivedPayload struct {
	RetentionWindowDays int
}

func (ArchivedPayload) Type() EventType { return EventPositionArchived }

// PositionEvent is the immutable audit record events.Store appends.
type PositionEvent struct {
	ID             string
	PositionID     string
	EventType      EventType
	PreviousStatus *Status
	NewStatus      *Status
	Payload        Payload
	IdempotencyKey string
	CreatedAt      time.Time
}
