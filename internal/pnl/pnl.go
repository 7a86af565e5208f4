// Package pnl is the P&L Engine: mark-to-market unrealized P&L
// refresh and position metrics. It never mutates size or realized P&L —
// that is the Execution Tracker's job.
package pnl

import (
	"context"
	"time"

	"github.com/govalues/decimal"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/store"
)

// Metrics is the result of GetPositionMetrics.
type Metrics struct {
	PositionID     string
	UnrealizedPnL  decimal.Decimal
	RealizedPnL    decimal.Decimal
	MarginUsed     decimal.Decimal
	ReturnOnMargin decimal.Decimal // (unrealizedPnL + realizedPnL) / marginUsed
}

// Engine is the P&L Engine.
type Engine struct {
	events *events.Store
	ledger *ledger.Ledger
}

func New(eventStore *events.Store, riskLedger *ledger.Ledger) *Engine {
	return &Engine{events: eventStore, ledger: riskLedger}
}

// UnrealizedPnL computes (marketPrice - avgEntryPrice) * size * sideSign,
// less commission accrued on entry fills and not yet realized. A pure
// function of pos and marketPrice; it reads and writes no store.
func UnrealizedPnL(pos *domain.Position, marketPrice decimal.Decimal) decimal.Decimal {
	diff := decimalx.Sub(marketPrice, pos.AvgEntryPrice)
	gross := decimalx.Mul(decimalx.Mul(diff, pos.Size), pos.Side.SideSign())
	return decimalx.Sub(gross, pos.AccruedCommission)
}

// UpdatePositionPnL recomputes and persists unrealizedPnL for an OPEN
// position at marketPrice, emitting POSITION_UPDATED. It is a no-op for
// any other status.
func (e *Engine) UpdatePositionPnL(ctx context.Context, tx store.Tx, pos *domain.Position, marketPrice decimal.Decimal) error {
	if pos.Status != domain.StatusOpen {
		return nil
	}

	unrealized := UnrealizedPnL(pos, marketPrice)
	pos.UnrealizedPnL = unrealized
	pos.UpdatedAt = time.Now().UTC()

	if err := tx.Positions().Update(ctx, pos); err != nil {
		if err == store.ErrConflict {
			return apperr.New(apperr.KindTransactionConflict, "pnl.UpdatePositionPnL", "position was concurrently modified")
		}
		return apperr.Wrap(apperr.KindPersistenceFailure, "pnl.UpdatePositionPnL", "update position", err)
	}

	if _, _, err := e.events.Append(ctx, tx, &domain.PositionEvent{
		PositionID: pos.ID,
		EventType:  domain.EventPositionUpdated,
		Payload: domain.UpdatePayload{
			MarketPrice:   marketPrice,
			UnrealizedPnL: unrealized,
		},
		CreatedAt: pos.UpdatedAt,
	}); err != nil {
		return err
	}

	return e.syncAccountEquity(ctx, tx, pos.AccountID)
}

// syncAccountEquity recomputes accountID's equity as balance plus the
// sum of its open positions' unrealized P&L, so a margin check or
// liquidation sweep run right after this sees the effect of the price
// move that was just applied, not a stale figure from the last realized
// balance event.
func (e *Engine) syncAccountEquity(ctx context.Context, tx store.Tx, accountID string) error {
	positions, err := tx.Positions().FindByAccount(ctx, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailure, "pnl.syncAccountEquity", "list account positions", err)
	}

	floating := decimalx.Zero
	for _, p := range positions {
		if p.Status != domain.StatusOpen {
			continue
		}
		floating = decimalx.Add(floating, p.UnrealizedPnL)
	}

	return e.ledger.RecomputeEquity(ctx, tx, accountID, floating)
}

// GetPositionMetrics returns a point-in-time snapshot of a position's P&L
// figures.
func GetPositionMetrics(pos *domain.Position) Metrics {
	m := Metrics{
		PositionID:    pos.ID,
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		MarginUsed:    pos.MarginUsed,
	}
	if pos.MarginUsed.IsZero() {
		m.ReturnOnMargin = decimalx.Zero
		return m
	}
	total := decimalx.Add(pos.UnrealizedPnL, pos.RealizedPnL)
	rom, err := decimalx.Quo(total, pos.MarginUsed)
	if err != nil {
		m.ReturnOnMargin = decimalx.Zero
		return m
	}
	m.ReturnOnMargin = rom
	return m
}
