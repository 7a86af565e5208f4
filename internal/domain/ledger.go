package domain

import (
	"time"

	"github.com/govalues/decimal"
)

// BalanceEventReason enumerates AccountBalanceEvent reasons.
type BalanceEventReason string

const (
	ReasonPartialExit    BalanceEventReason = "PARTIAL_EXIT"
	ReasonPositionClosed BalanceEventReason = "POSITION_CLOSED"
	ReasonLiquidation    BalanceEventReason = "LIQUIDATION"
	ReasonMarginReserve  BalanceEventReason = "MARGIN_RESERVE"
	ReasonMarginRelease  BalanceEventReason = "MARGIN_RELEASE"
	ReasonFee            BalanceEventReason = "FEE"
)

// AccountBalance is the per-account ledger head.
type AccountBalance struct {
	AccountID  string
	Equity     decimal.Decimal
	Balance    decimal.Decimal
	MarginUsed decimal.Decimal
	FreeMargin decimal.Decimal
	Leverage   int
	IsPaper    bool
	Version    int64
}

// AccountBalanceEvent is an append-only ledger delta.
type AccountBalanceEvent struct {
	ID             string
	AccountID      string
	BalanceBefore  decimal.Decimal
	Amount         decimal.Decimal
	BalanceAfter   decimal.Decimal
	Reason         BalanceEventReason
	PositionID     *string
	IdempotencyKey string
	CreatedAt      time.Time
}
