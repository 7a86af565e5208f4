package domain

import (
	"time"

	"github.com/govalues/decimal"
)

// ExecutionType enumerates TradeExecution kinds.
type ExecutionType string

const (
	ExecutionEntry       ExecutionType = "ENTRY"
	ExecutionPartialExit ExecutionType = "PARTIAL_EXIT"
	ExecutionStopLoss    ExecutionType = "STOP_LOSS"
	ExecutionTakeProfit  ExecutionType = "TAKE_PROFIT"
	ExecutionLiquidation ExecutionType = "LIQUIDATION"
)

// TradeExecution is a fill record.
type TradeExecution struct {
	ID            string
	PositionID    string
	OrderID       string
	ExecutionType ExecutionType
	Price         decimal.Decimal
	Size          decimal.Decimal
	ExecutedAt    time.Time
}
