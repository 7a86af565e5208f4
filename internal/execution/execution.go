// Package execution is the Execution Tracker: RecordExecution,
// ProcessPartialFill, and ProcessFullFill, idempotent on
// (positionId, orderId), driving the State Machine's PENDING->OPEN and
// OPEN->CLOSED transitions as fills land.
package execution

import (
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

// Tracker is the Execution Tracker.
type Tracker struct {
	events         *events.Store
	machine        *position.Machine
	ledger         *ledger.Ledger
	commissionRate decimal.Decimal
}

func New(eventStore *events.Store, machine *position.Machine, riskLedger *ledger.Ledger, commissionRate decimal.Decimal) *Tracker {
	return &Tracker{events: eventStore, machine: machine, ledger: riskLedger, commissionRate: commissionRate}
}

// RecordExecution appends a TradeExecution row. It does not itself mutate
// position size — ProcessPartialFill/ProcessFullFill call it internally
// as their first step. Returns isNew=false without error when an
// execution already exists for (positionId, orderId): callers must treat
// that as "already applied".
func (t *Tracker) RecordExecution(ctx context.Context, tx store.Tx, exec *domain.TradeExecution) (stored *domain.TradeExecution, isNew bool, err error) {
	existing, err := tx.Executions().FindByOrderID(ctx, exec.PositionID, exec.OrderID)
	if err == nil {
		return existing, false, nil
	}
	if err != store.ErrNotFound {
		return nil, false, apperr.Wrap(apperr.KindPersistenceFailure, "execution.RecordExecution", "lookup existing execution", err)
	}

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	if err := tx.Executions().Insert(ctx, exec); err != nil {
		return nil, false, apperr.Wrap(apperr.KindPersistenceFailure, "execution.RecordExecution", "insert execution", err)
	}
	return exec, true, nil
}

// ProcessPartialFill applies a fill that does not necessarily close or
// fully open the position, emitting PARTIAL_FILL (plus POSITION_OPENED
// if this is the first entry fill, or POSITION_CLOSED if it zeroes the
// size on exit).
func (t *Tracker) ProcessPartialFill(ctx context.Context, tx store.Tx, pos *domain.Position, fill domain.FillData, isEntry bool, execType domain.ExecutionType) (*domain.TradeExecution, error) {
	return t.processFill(ctx, tx, pos, fill, isEntry, execType, domain.EventPartialFill)
}

// ProcessFullFill is ProcessPartialFill with the additional invariant
// that, post-operation, size is zero (exit) or strictly positive (entry
// that brought a PENDING position to size > 0 in one fill).
func (t *Tracker) ProcessFullFill(ctx context.Context, tx store.Tx, pos *domain.Position, fill domain.FillData, isEntry bool, execType domain.ExecutionType) (*domain.TradeExecution, error) {
	exec, err := t.processFill(ctx, tx, pos, fill, isEntry, execType, domain.EventOrderFilled)
	if err != nil {
		return nil, err
	}
	if isEntry {
		if pos.Size.Sign() <= 0 {
			return nil, apperr.New(apperr.KindIntegrityViolation, "execution.ProcessFullFill", "entry fill left size non-positive")
		}
	} else {
		if !pos.Size.IsZero() {
			return nil, apperr.New(apperr.KindIntegrityViolation, "execution.ProcessFullFill", "exit fill left size non-zero")
		}
	}
	return exec, nil
}

func (t *Tracker) processFill(ctx context.Context, tx store.Tx, pos *domain.Position, fill domain.FillData, isEntry bool, execType domain.ExecutionType, eventType domain.EventType) (*domain.TradeExecution, error) {
	exec := &domain.TradeExecution{
		PositionID:    pos.ID,
		OrderID:       fill.OrderID,
		ExecutionType: execType,
		Price:         fill.Price,
		Size:          fill.Size,
		ExecutedAt:    fill.ExecutedAt,
	}
	stored, isNew, err := t.RecordExecution(ctx, tx, exec)
	if err != nil {
		return nil, err
	}
	if !isNew {
		return stored, nil
	}

	wasPending := pos.Status == domain.StatusPending
	now := time.Now().UTC()
	commission := decimalx.Mul(t.commissionRate, decimalx.Mul(fill.Price, fill.Size))
	realizedDelta := decimalx.Zero

	if isEntry {
		newSize := decimalx.Add(pos.Size, fill.Size)
		notional := decimalx.Add(decimalx.Mul(pos.AvgEntryPrice, pos.Size), decimalx.Mul(fill.Price, fill.Size))
		newAvg, err := decimalx.Quo(notional, newSize)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIntegrityViolation, "execution.processFill", "weighted-average entry price division", err)
		}
		pos.Size = newSize
		pos.AvgEntryPrice = newAvg
		pos.AccruedCommission = decimalx.Add(pos.AccruedCommission, commission)
	} else {
		grossPnL := decimalx.Mul(decimalx.Mul(decimalx.Sub(fill.Price, pos.AvgEntryPrice), fill.Size), pos.Side.SideSign())
		realizedDelta = decimalx.Sub(grossPnL, commission)
		pos.Size = decimalx.Sub(pos.Size, fill.Size)
		if pos.Size.IsZero() {
			realizedDelta = decimalx.Sub(realizedDelta, pos.AccruedCommission)
			pos.AccruedCommission = decimalx.Zero
		}
		pos.RealizedPnL = decimalx.Add(pos.RealizedPnL, realizedDelta)
	}
	closes := !isEntry && pos.Size.IsZero()
	pos.UpdatedAt = now

	if err := tx.Positions().Update(ctx, pos); err != nil {
		if err == store.ErrConflict {
			return nil, apperr.New(apperr.KindTransactionConflict, "execution.processFill", "position was concurrently modified")
		}
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "execution.processFill", "update position", err)
	}

	fillPayload := domain.FillPayload{
		OrderID:          fill.OrderID,
		Fill:             fill,
		IsEntry:          isEntry,
		NewSize:          pos.Size,
		NewAvgEntry:      pos.AvgEntryPrice,
		RealizedPnLDelta: realizedDelta,
	}
	if _, _, err := t.events.Append(ctx, tx, &domain.PositionEvent{
		PositionID: pos.ID,
		EventType:  eventType,
		Payload:    fillPayload,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	switch {
	case isEntry && wasPending && pos.Size.Sign() > 0:
		if err := t.machine.TransitionState(ctx, tx, pos, domain.StatusOpen, &domain.PositionEvent{
			EventType: domain.EventPositionOpened,
			Payload:   fillPayload,
		}); err != nil {
			return nil, err
		}

	case !isEntry && !closes:
		// A partial exit that leaves the position OPEN still realizes P&L
		// immediately, under the PARTIAL_EXIT ledger reason — the balance
		// does not wait for the position's eventual full close to reflect
		// money this fill already realized.
		if !realizedDelta.IsZero() {
			if err := t.ledger.UpdateAccountBalance(ctx, tx, pos.AccountID, realizedDelta, domain.ReasonPartialExit, &pos.ID, ""); err != nil {
				return nil, err
			}
		}

	case !isEntry && closes:
		terminalStatus := domain.StatusClosed
		terminalEventType := domain.EventPositionClosed
		balanceReason := domain.ReasonPositionClosed
		reason := "full_exit"
		switch execType {
		case domain.ExecutionLiquidation:
			terminalStatus = domain.StatusLiquidated
			terminalEventType = domain.EventPositionLiquidated
			balanceReason = domain.ReasonLiquidation
			reason = "liquidated"
		case domain.ExecutionStopLoss:
			reason = "stop_loss"
		case domain.ExecutionTakeProfit:
			reason = "take_profit"
		}
		closurePayload := domain.ClosurePayload{
			ClosePrice:    fill.Price,
			RealizedPnL:   pos.RealizedPnL,
			ExecutionType: execType,
			Reason:        reason,
		}
		if err := t.machine.TransitionState(ctx, tx, pos, terminalStatus, &domain.PositionEvent{
			EventType: terminalEventType,
			Payload:   closurePayload,
		}); err != nil {
			return nil, err
		}
		if err := t.ledger.ReleaseMargin(ctx, tx, pos.AccountID, pos.MarginUsed, pos.ID); err != nil {
			return nil, err
		}
		// realizedDelta here is only the closing fill's own contribution —
		// any earlier partial exits on this position already credited
		// their share of pos.RealizedPnL via the ReasonPartialExit branch
		// above, so crediting the cumulative total here would double-count.
		if !realizedDelta.IsZero() {
			if err := t.ledger.UpdateAccountBalance(ctx, tx, pos.AccountID, realizedDelta, balanceReason, &pos.ID, ""); err != nil {
				return nil, err
			}
		}
	}

	return stored, nil
}
