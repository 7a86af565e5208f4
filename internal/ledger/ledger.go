// Package ledger is the Risk Ledger: margin reservation/release,
// the account balance equation, margin-level thresholds, and leverage
// enforcement policy.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/store"
)

// LeveragePolicy is the construction-time choice of how to handle a
// requested leverage above MaxLeverage.
type LeveragePolicy string

const (
	PolicyCap    LeveragePolicy = "CAP"
	PolicyReject LeveragePolicy = "REJECT"
)

// MarginStatus is the result of CheckMarginRequirements.
type MarginStatus struct {
	AccountID           string
	Equity              decimal.Decimal
	MarginUsed          decimal.Decimal
	MarginLevel         decimal.Decimal // equity / marginUsed; undefined (reported as max) when marginUsed is zero
	MarginCallTriggered bool
	LiquidationTriggered bool
}

// Ledger is the Risk Ledger.
type Ledger struct {
	MaxLeverage      int
	Policy           LeveragePolicy
	MarginCallLevel  decimal.Decimal
	LiquidationLevel decimal.Decimal
}

func New(maxLeverage int, policy LeveragePolicy, marginCallLevel, liquidationLevel decimal.Decimal) *Ledger {
	return &Ledger{
		MaxLeverage:      maxLeverage,
		Policy:           policy,
		MarginCallLevel:  marginCallLevel,
		LiquidationLevel: liquidationLevel,
	}
}

// OpenAccount seeds a fresh AccountBalance row for accountID with no
// margin used. Not part of the position lifecycle proper — bootstrapping
// an account precedes any trading activity — but the Risk Ledger owns
// AccountBalance, so it is the natural place for account provisioning to
// live rather than inventing a separate "accounts" component.
func (l *Ledger) OpenAccount(ctx context.Context, tx store.Tx, accountID string, initialBalance decimal.Decimal, leverage int, isPaper bool) error {
	bal := &domain.AccountBalance{
		AccountID:  accountID,
		Equity:     initialBalance,
		Balance:    initialBalance,
		MarginUsed: decimalx.Zero,
		FreeMargin: initialBalance,
		Leverage:   leverage,
		IsPaper:    isPaper,
	}
	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return classifyBalanceErr(err, "ledger.OpenAccount")
	}
	return nil
}

// EnforceLeverage applies the configured leverage policy to a requested
// leverage, returning the leverage to actually use (capped, under
// PolicyCap) or an error (under PolicyReject).
func (l *Ledger) EnforceLeverage(requested int) (int, error) {
	if requested <= l.MaxLeverage {
		return requested, nil
	}
	if l.Policy == PolicyCap {
		return l.MaxLeverage, nil
	}
	return 0, apperr.New(apperr.KindInvalidArgument, "ledger.EnforceLeverage", "requested leverage exceeds maxLeverage")
}

func recomputeFreeMargin(b *domain.AccountBalance) {
	// freeMargin tracks cash: balance minus reserved margin. Floating P&L
	// lives in Equity alone, which CheckMarginRequirements reads directly —
	// a paper loss must not shrink the margin available for new positions,
	// nor a paper gain inflate it.
	b.FreeMargin = decimalx.Sub(b.Balance, b.MarginUsed)
}

// ReserveMargin checks freeMargin >= amount, moves amount from
// freeMargin into marginUsed, and appends a MARGIN_RESERVE balance
// event, atomically within tx.
func (l *Ledger) ReserveMargin(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, positionID string) error {
	bal, err := tx.Balances().Find(ctx, accountID)
	if err == store.ErrNotFound {
		return apperr.New(apperr.KindInvalidArgument, "ledger.ReserveMargin", "unknown account "+accountID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailure, "ledger.ReserveMargin", "find account balance", err)
	}

	if bal.FreeMargin.Cmp(amount) < 0 {
		return apperr.New(apperr.KindInsufficientMargin, "ledger.ReserveMargin", "free margin below requested reservation")
	}

	before := bal.Balance
	bal.MarginUsed = decimalx.Add(bal.MarginUsed, amount)
	recomputeFreeMargin(bal)

	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return classifyBalanceErr(err, "ledger.ReserveMargin")
	}

	posID := positionID
	return insertBalanceEvent(ctx, tx, &domain.AccountBalanceEvent{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		BalanceBefore: before,
		Amount:        decimalx.Zero, // a reservation does not move balance, only marginUsed/freeMargin
		BalanceAfter:  before,
		Reason:        domain.ReasonMarginReserve,
		PositionID:    &posID,
		CreatedAt:     time.Now().UTC(),
	})
}

// ReleaseMargin is ReserveMargin's symmetric counterpart: moves amount
// back from marginUsed into freeMargin.
func (l *Ledger) ReleaseMargin(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, positionID string) error {
	bal, err := tx.Balances().Find(ctx, accountID)
	if err != nil {
		return classifyBalanceErr(err, "ledger.ReleaseMargin")
	}

	before := bal.Balance
	bal.MarginUsed = decimalx.Sub(bal.MarginUsed, amount)
	if bal.MarginUsed.Sign() < 0 {
		bal.MarginUsed = decimalx.Zero
	}
	recomputeFreeMargin(bal)

	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return classifyBalanceErr(err, "ledger.ReleaseMargin")
	}

	posID := positionID
	return insertBalanceEvent(ctx, tx, &domain.AccountBalanceEvent{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		BalanceBefore: before,
		Amount:        decimalx.Zero,
		BalanceAfter:  before,
		Reason:        domain.ReasonMarginRelease,
		PositionID:    &posID,
		CreatedAt:     time.Now().UTC(),
	})
}

// UpdateAccountBalance applies a signed amount to the account's balance
// and equity, honoring the balance equation balanceAfter = balanceBefore
// + amount, and appends the corresponding balance event.
func (l *Ledger) UpdateAccountBalance(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, reason domain.BalanceEventReason, positionID *string, idempotencyKey string) error {
	bal, err := tx.Balances().Find(ctx, accountID)
	if err != nil {
		return classifyBalanceErr(err, "ledger.UpdateAccountBalance")
	}

	before := bal.Balance
	after := decimalx.Add(before, amount)
	bal.Balance = after
	bal.Equity = decimalx.Add(bal.Equity, amount)
	recomputeFreeMargin(bal)

	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return classifyBalanceErr(err, "ledger.UpdateAccountBalance")
	}

	return insertBalanceEvent(ctx, tx, &domain.AccountBalanceEvent{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		BalanceBefore:  before,
		Amount:         amount,
		BalanceAfter:   after,
		Reason:         reason,
		PositionID:     positionID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	})
}

// RecomputeEquity sets the account's equity to balance plus floatingPnL
// (the sum of its open positions' unrealized P&L) and persists it.
// Without this, equity only moves in lockstep with realized balance
// events and CheckMarginRequirements never sees a price move on an open
// position. Balance, marginUsed, and freeMargin are untouched: floating
// P&L affects the margin level, never the cash available to reserve.
func (l *Ledger) RecomputeEquity(ctx context.Context, tx store.Tx, accountID string, floatingPnL decimal.Decimal) error {
	bal, err := tx.Balances().Find(ctx, accountID)
	if err != nil {
		return classifyBalanceErr(err, "ledger.RecomputeEquity")
	}

	bal.Equity = decimalx.Add(bal.Balance, floatingPnL)

	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return classifyBalanceErr(err, "ledger.RecomputeEquity")
	}
	return nil
}

// CheckMarginRequirements computes the account's margin level and
// reports whether it has crossed the margin-call or liquidation
// thresholds.
func (l *Ledger) CheckMarginRequirements(ctx context.Context, tx store.Tx, accountID string) (MarginStatus, error) {
	bal, err := tx.Balances().Find(ctx, accountID)
	if err != nil {
		return MarginStatus{}, classifyBalanceErr(err, "ledger.CheckMarginRequirements")
	}

	status := MarginStatus{
		AccountID:  accountID,
		Equity:     bal.Equity,
		MarginUsed: bal.MarginUsed,
	}

	if bal.MarginUsed.IsZero() {
		status.MarginLevel = decimalx.MustParse("999999")
		return status, nil
	}

	level, err := decimalx.Quo(bal.Equity, bal.MarginUsed)
	if err != nil {
		return MarginStatus{}, apperr.Wrap(apperr.KindIntegrityViolation, "ledger.CheckMarginRequirements", "margin level division", err)
	}
	status.MarginLevel = level
	status.MarginCallTriggered = level.Cmp(l.MarginCallLevel) <= 0
	status.LiquidationTriggered = level.Cmp(l.LiquidationLevel) <= 0
	return status, nil
}

func insertBalanceEvent(ctx context.Context, tx store.Tx, ev *domain.AccountBalanceEvent) error {
	if err := tx.BalanceEvents().Insert(ctx, ev); err != nil {
		if err == store.ErrConflict {
			return apperr.New(apperr.KindTransactionConflict, "ledger", "balance event insert conflict")
		}
		return apperr.Wrap(apperr.KindPersistenceFailure, "ledger", "insert balance event", err)
	}
	return nil
}

func classifyBalanceErr(err error, op string) error {
	switch err {
	case store.ErrNotFound:
		return apperr.New(apperr.KindInvalidArgument, op, "unknown account")
	case store.ErrConflict:
		return apperr.New(apperr.KindTransactionConflict, op, "account balance was concurrently modified")
	default:
		return apperr.Wrap(apperr.KindPersistenceFailure, op, "account balance operation", err)
	}
}
