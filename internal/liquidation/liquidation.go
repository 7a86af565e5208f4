// Package liquidation is the Liquidation Engine: on each
// monitoring tick, detects accounts whose margin level has crossed the
// liquidation threshold and force-closes their largest-loss positions
// first until margin recovers or the account has no OPEN positions left.
package liquidation

import (
	"context"
	"sort"
	"time"

	"github.com/govalues/decimal"

	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/store"
)

// Result reports the outcome of one account's liquidation pass.
type Result struct {
	AccountID string
	Closed    []string // position ids force-closed
	Failed    []string // position ids attempted but failed to close
	Recovered bool      // margin level rose above the liquidation threshold before exhausting positions
}

// Engine is the Liquidation Engine.
type Engine struct {
	gateway         store.Gateway
	ledger          *ledger.Ledger
	execTracker     *execution.Tracker
	slippagePercent decimal.Decimal
	feePercent      decimal.Decimal
	monitorInterval time.Duration
	logger          *logging.Logger
	locks           *poslock.Locks
}

func New(gateway store.Gateway, riskLedger *ledger.Ledger, execTracker *execution.Tracker, slippagePercent, feePercent decimal.Decimal, monitorInterval time.Duration, logger *logging.Logger, locks *poslock.Locks) *Engine {
	return &Engine{
		gateway:         gateway,
		ledger:          riskLedger,
		execTracker:     execTracker,
		slippagePercent: slippagePercent,
		feePercent:      feePercent,
		monitorInterval: monitorInterval,
		logger:          logger.With("liquidation"),
		locks:           locks,
	}
}

// Run starts the periodic monitoring loop; it blocks until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Error("liquidation tick failed", logging.F{"error": err.Error()})
			}
		}
	}
}

// Tick runs one monitoring pass across every account, force-closing
// positions for any account whose margin level is at or below the
// configured liquidation threshold.
func (e *Engine) Tick(ctx context.Context) ([]Result, error) {
	var accountIDs []string
	err := e.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		balances, err := tx.Balances().ListAll(ctx)
		if err != nil {
			return err
		}
		for _, b := range balances {
			accountIDs = append(accountIDs, b.AccountID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, accountID := range accountIDs {
		var status ledger.MarginStatus
		err := e.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
			s, err := e.ledger.CheckMarginRequirements(ctx, tx, accountID)
			status = s
			return err
		})
		if err != nil {
			e.logger.Warn("margin check failed", logging.F{"account_id": accountID, "error": err.Error()})
			continue
		}
		if !status.LiquidationTriggered {
			continue
		}
		results = append(results, e.liquidateAccount(ctx, accountID))
	}
	return results, nil
}

// liquidateAccount closes the account's OPEN positions largest-loss
// first until its margin level rises above the liquidation threshold or
// every OPEN position has been closed. Each close runs in its own
// transaction so a single failure does not leave the rest of the account
// half-liquidated.
func (e *Engine) liquidateAccount(ctx context.Context, accountID string) Result {
	result := Result{AccountID: accountID}

	var open []*domain.Position
	err := e.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		positions, err := tx.Positions().FindByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.Status == domain.StatusOpen {
				open = append(open, p)
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to load open positions for liquidation", logging.F{"account_id": accountID, "error": err.Error()})
		return result
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].UnrealizedPnL.Cmp(open[j].UnrealizedPnL) < 0
	})

	for _, pos := range open {
		var status ledger.MarginStatus
		checkErr := e.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
			s, err := e.ledger.CheckMarginRequirements(ctx, tx, accountID)
			status = s
			return err
		})
		if checkErr == nil && !status.LiquidationTriggered {
			result.Recovered = true
			break
		}

		if err := e.closePosition(ctx, pos); err != nil {
			e.logger.Error("liquidation close failed", logging.F{"position_id": pos.ID, "error": err.Error()})
			result.Failed = append(result.Failed, pos.ID)
			continue
		}
		result.Closed = append(result.Closed, pos.ID)
	}

	return result
}

// ForceLiquidate closes every OPEN position on accountID largest-loss
// first, ignoring the account's current margin level — the manual
// override an operator invokes ahead of an automatic liquidation tick.
func (e *Engine) ForceLiquidate(ctx context.Context, accountID string) Result {
	result := Result{AccountID: accountID}

	var open []*domain.Position
	err := e.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		positions, err := tx.Positions().FindByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.Status == domain.StatusOpen {
				open = append(open, p)
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to load open positions for forced liquidation", logging.F{"account_id": accountID, "error": err.Error()})
		return result
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].UnrealizedPnL.Cmp(open[j].UnrealizedPnL) < 0
	})

	for _, pos := range open {
		if err := e.closePosition(ctx, pos); err != nil {
			e.logger.Error("forced liquidation close failed", logging.F{"position_id": pos.ID, "error": err.Error()})
			result.Failed = append(result.Failed, pos.ID)
			continue
		}
		result.Closed = append(result.Closed, pos.ID)
	}

	return result
}

func (e *Engine) closePosition(ctx context.Context, pos *domain.Position) error {
	unlock := e.locks.Lock(pos.ID)
	defer unlock()

	return e.gateway.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		live, err := tx.Positions().Find(ctx, pos.ID)
		if err != nil {
			return err
		}
		if live.Status != domain.StatusOpen {
			return nil
		}

		markPrice := impliedMarkPrice(live, live.UnrealizedPnL)
		closePrice := applySlippage(markPrice, live.Side, e.slippagePercent)
		fill := domain.FillData{
			OrderID:    "liq_" + live.ID,
			Price:      closePrice,
			Size:       live.Size,
			ExecutedAt: time.Now().UTC(),
		}

		_, err = e.execTracker.ProcessFullFill(ctx, tx, live, fill, false, domain.ExecutionLiquidation)
		if err != nil {
			return err
		}

		if !e.feePercent.IsZero() {
			fee := feeAmount(live.MarginUsed, e.feePercent)
			negFee := decimalx.Sub(decimalx.Zero, fee)
			if err := e.ledger.UpdateAccountBalance(ctx, tx, live.AccountID, negFee, domain.ReasonFee, &live.ID, "liq_fee_"+live.ID); err != nil {
				return err
			}
		}

		return nil
	})
}

var hundred = decimalx.MustParse("100")

// impliedMarkPrice recovers the last known mark price from a position's
// unrealizedPnL (itself the P&L Engine's last persisted mark-to-market),
// inverting unrealizedPnL = (price - avgEntry) * size * sideSign. Falling
// back to avgEntry when size is zero keeps liquidation closes well-defined
// even for a position whose P&L was never refreshed after opening.
func impliedMarkPrice(pos *domain.Position, unrealizedPnL decimal.Decimal) decimal.Decimal {
	if pos.Size.IsZero() {
		return pos.AvgEntryPrice
	}
	denom := decimalx.Mul(pos.Size, pos.Side.SideSign())
	offset, err := decimalx.Quo(unrealizedPnL, denom)
	if err != nil {
		return pos.AvgEntryPrice
	}
	return decimalx.Add(pos.AvgEntryPrice, offset)
}

// applySlippage nudges markPrice against the position's side so a forced
// close realizes slightly worse than the last mark: lower for a BUY
// (long), higher for a SELL (short), matching real liquidation execution.
func applySlippage(markPrice decimal.Decimal, side domain.Side, slippagePercent decimal.Decimal) decimal.Decimal {
	if slippagePercent.IsZero() {
		return markPrice
	}
	pct, err := decimalx.Quo(slippagePercent, hundred)
	if err != nil {
		return markPrice
	}
	adj := decimalx.Mul(markPrice, pct)
	if side == domain.Sell {
		return decimalx.Add(markPrice, adj)
	}
	return decimalx.Sub(markPrice, adj)
}

func feeAmount(marginUsed, feePercent decimal.Decimal) decimal.Decimal {
	pct, err := decimalx.Quo(feePercent, hundred)
	if err != nil {
		return decimalx.Zero
	}
	return decimalx.Mul(marginUsed, pct)
}
