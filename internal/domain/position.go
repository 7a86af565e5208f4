// Package domain defines the wire- and storage-independent data model of
// the position lifecycle engine: Position, PositionEvent, TradeExecution,
// AccountBalance, and AccountBalanceEvent. These are plain structs shared
// by every component package; none of them know how to persist
// themselves — that is the Persistence Gateway's job.
package domain

import (
	"time"

	"github.com/govalues/decimal"
)

// Side is the direction of a position or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SideSign returns +1 for BUY, -1 for SELL.
func (s Side) SideSign() decimal.Decimal {
	if s == Sell {
		return decimal.MustParse("-1")
	}
	return decimal.MustParse("1")
}

// Status is a position's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
	StatusLiquidated Status = "LIQUIDATED"
	StatusArchived   Status = "ARCHIVED"
)

// Position is a trade lot, the central entity of the engine.
type Position struct {
	ID               string
	ExecutionTradeID string
	AccountID        string
	Pair             string

	Side Side

	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal

	Leverage   int
	MarginUsed decimal.Decimal

	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal

	// AccruedCommission holds commission charged on entry fills that has
	// not yet been realized: it is deducted from RealizedPnL at the exit
	// fill that closes the position.
	AccruedCommission decimal.Decimal

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	Status Status

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time

	// Version is an optimistic-concurrency token: every Gateway.Update on a
	// Position must match the Version it read, or the write is reported as
	// store.ErrConflict instead of silently clobbering a concurrent writer.
	Version int64
}

// TradeSignal is the inbound strategy request that originates a position.
type TradeSignal struct {
	ID              string
	Side            Side
	EntryPrice      decimal.Decimal
	PositionSize    decimal.Decimal
	Leverage        int
	MarginRequired  decimal.Decimal
	StopLoss        *decimal.Decimal
	TakeProfit      *decimal.Decimal
	AccountID       string
	Pair            string
}

// FillData is an inbound execution report from the broker adapter.
type FillData struct {
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	ExecutedAt time.Time
}

// PriceTick is an inbound market data update.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}
