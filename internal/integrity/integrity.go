// Package integrity is the Integrity Service: on-demand audits
// over the event log and ledger, run by the Engine Facade at startup and
// on operator request. It never mutates state.
package integrity

import (
	"context"
	"fmt"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/decimalx"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

// Violation is a single audit finding.
type Violation struct {
	Check      string
	PositionID string
	AccountID  string
	Detail     string
}

// Report is the result of a full audit pass.
type Report struct {
	Violations []Violation
}

func (r *Report) add(check, positionID, accountID, detail string) {
	r.Violations = append(r.Violations, Violation{Check: check, PositionID: positionID, AccountID: accountID, Detail: detail})
}

// OK reports whether the audit found no violations.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Service is the Integrity Service.
type Service struct {
	gateway store.Gateway
	events  *events.Store
}

func New(gateway store.Gateway, eventStore *events.Store) *Service {
	return &Service{gateway: gateway, events: eventStore}
}

// CheckBalanceEquation verifies |balanceBefore + amount - balanceAfter|
// <= tolerance for every AccountBalanceEvent.
func (s *Service) CheckBalanceEquation(ctx context.Context) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		allEvents, err := tx.BalanceEvents().ListAll(ctx)
		if err != nil {
			return err
		}
		for _, ev := range allEvents {
			expected := decimalx.Add(ev.BalanceBefore, ev.Amount)
			if !decimalx.WithinTolerance(expected, ev.BalanceAfter, decimalx.ToleranceMoney) {
				report.add("balance_equation", "", ev.AccountID,
					fmt.Sprintf("event %s: balanceBefore(%s) + amount(%s) != balanceAfter(%s)", ev.ID, ev.BalanceBefore, ev.Amount, ev.BalanceAfter))
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckBalanceEquation", "list balance events", err)
	}
	return report, nil
}

// CheckEventCoverage verifies every position has the events its lifecycle
// requires: POSITION_CREATED always, POSITION_OPENED iff it ever reached
// OPEN, and a terminal closure event iff CLOSED/LIQUIDATED.
func (s *Service) CheckEventCoverage(ctx context.Context) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		positions, err := allPositions(ctx, tx)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			evs, err := tx.Events().ListByPosition(ctx, pos.ID, store.Ascending)
			if err != nil {
				return err
			}
			if len(evs) == 0 || evs[0].EventType != domain.EventPositionCreated {
				report.add("event_coverage", pos.ID, pos.AccountID, "missing POSITION_CREATED as first event")
				continue
			}

			hasOpened := hasEventType(evs, domain.EventPositionOpened)
			hasClosure := hasEventType(evs, domain.EventPositionClosed) ||
				hasEventType(evs, domain.EventPositionLiquidated)

			everOpen := pos.Status != domain.StatusPending
			if everOpen && !hasOpened {
				report.add("event_coverage", pos.ID, pos.AccountID, "position left PENDING without a POSITION_OPENED event")
			}
			if (pos.Status == domain.StatusClosed || pos.Status == domain.StatusLiquidated || pos.Status == domain.StatusArchived) && !hasClosure {
				report.add("event_coverage", pos.ID, pos.AccountID, "terminal position missing a closure event")
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckEventCoverage", "list positions/events", err)
	}
	return report, nil
}

func hasEventType(evs []*domain.PositionEvent, t domain.EventType) bool {
	for _, ev := range evs {
		if ev.EventType == t {
			return true
		}
	}
	return false
}

// CheckOrphans reads each known position's events and reports any event
// whose PositionID is not a known position. Events are read only through
// the ids of positions that exist, so an event whose position row is
// missing is not reached and is not reported. Positions that lack their
// required events are reported by CheckEventCoverage, not here.
func (s *Service) CheckOrphans(ctx context.Context) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		positions, err := allPositions(ctx, tx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(positions))
		for _, p := range positions {
			known[p.ID] = true
		}
		for _, p := range positions {
			evs, err := tx.Events().ListByPosition(ctx, p.ID, store.Ascending)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if !known[ev.PositionID] {
					report.add("orphan_event", ev.PositionID, "", "event "+ev.ID+" references a missing position")
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckOrphans", "list positions/events", err)
	}
	return report, nil
}

// CheckReplayDeterminism replays positionID N times and asserts every
// replay reconstructs a bit-identical (within tolerance) Position.
func (s *Service) CheckReplayDeterminism(ctx context.Context, positionID string, n int) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var first *domain.Position
		for i := 0; i < n; i++ {
			replayed, err := s.events.Replay(ctx, tx, positionID)
			if err != nil {
				return err
			}
			if first == nil {
				first = replayed
				continue
			}
			if !positionsEqual(first, replayed) {
				report.add("replay_determinism", positionID, first.AccountID, fmt.Sprintf("replay %d diverged from replay 0", i))
			}
		}

		live, err := tx.Positions().Find(ctx, positionID)
		if err != nil {
			return err
		}
		if first != nil && !positionsEqual(first, live) {
			report.add("replay_determinism", positionID, live.AccountID, "replayed state diverges from persisted row")
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckReplayDeterminism", "replay position", err)
	}
	return report, nil
}

func positionsEqual(a, b *domain.Position) bool {
	if a.Status != b.Status || a.Side != b.Side {
		return false
	}
	if !decimalx.WithinTolerance(a.Size, b.Size, decimalx.ToleranceSizePrice) {
		return false
	}
	if !decimalx.WithinTolerance(a.AvgEntryPrice, b.AvgEntryPrice, decimalx.ToleranceSizePrice) {
		return false
	}
	if !decimalx.WithinTolerance(a.RealizedPnL, b.RealizedPnL, decimalx.ToleranceMoney) {
		return false
	}
	return true
}

// CheckLedgerReconciliation verifies, for accountID, that the sum of OPEN
// positions' marginUsed equals AccountBalance.marginUsed, and that the
// sum of realized-P&L credited via balance events equals the sum of
// closed/liquidated positions' realizedPnL, to ledger tolerance.
func (s *Service) CheckLedgerReconciliation(ctx context.Context, accountID string) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Balances().Find(ctx, accountID)
		if err != nil {
			return err
		}
		positions, err := tx.Positions().FindByAccount(ctx, accountID)
		if err != nil {
			return err
		}

		marginSum := decimalx.Zero
		realizedFromPositions := decimalx.Zero
		terminal := make(map[string]bool)
		for _, p := range positions {
			if p.Status == domain.StatusOpen {
				marginSum = decimalx.Add(marginSum, p.MarginUsed)
			}
			if p.Status == domain.StatusClosed || p.Status == domain.StatusLiquidated {
				realizedFromPositions = decimalx.Add(realizedFromPositions, p.RealizedPnL)
				terminal[p.ID] = true
			}
		}
		if !decimalx.WithinTolerance(marginSum, bal.MarginUsed, decimalx.ToleranceMoney) {
			report.add("ledger_reconciliation", "", accountID,
				fmt.Sprintf("sum(OPEN positions marginUsed)=%s != AccountBalance.marginUsed=%s", marginSum, bal.MarginUsed))
		}

		balanceEvents, err := tx.BalanceEvents().ListByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		// Realized P&L for a now-closed position may have been credited
		// incrementally across several fills — earlier partial exits under
		// ReasonPartialExit, the final exit under ReasonPositionClosed/
		// ReasonLiquidation — so every reason that can carry a realized
		// delta counts, scoped to positions that ended up terminal.
		realizedCredited := decimalx.Zero
		for _, ev := range balanceEvents {
			isRealizedReason := ev.Reason == domain.ReasonPositionClosed ||
				ev.Reason == domain.ReasonLiquidation ||
				ev.Reason == domain.ReasonPartialExit
			if isRealizedReason && ev.PositionID != nil && terminal[*ev.PositionID] {
				realizedCredited = decimalx.Add(realizedCredited, ev.Amount)
			}
		}
		if !decimalx.WithinTolerance(realizedCredited, realizedFromPositions, decimalx.ToleranceMoney) {
			report.add("ledger_reconciliation", "", accountID,
				fmt.Sprintf("sum(realizedPnL credited)=%s != sum(closed positions realizedPnL)=%s", realizedCredited, realizedFromPositions))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckLedgerReconciliation", "reconcile ledger", err)
	}
	return report, nil
}

// FullAudit runs CheckBalanceEquation, CheckEventCoverage and CheckOrphans,
// then CheckLedgerReconciliation for every account, and merges their
// violations into one report. The per-position CheckReplayDeterminism and
// CheckTransitionValidity are not part of it. Used by the Engine Facade's
// startup integrity probe.
func (s *Service) FullAudit(ctx context.Context) (*Report, error) {
	merged := &Report{}

	balanceReport, err := s.CheckBalanceEquation(ctx)
	if err != nil {
		return nil, err
	}
	merged.Violations = append(merged.Violations, balanceReport.Violations...)

	coverageReport, err := s.CheckEventCoverage(ctx)
	if err != nil {
		return nil, err
	}
	merged.Violations = append(merged.Violations, coverageReport.Violations...)

	orphanReport, err := s.CheckOrphans(ctx)
	if err != nil {
		return nil, err
	}
	merged.Violations = append(merged.Violations, orphanReport.Violations...)

	var accountIDs []string
	err = s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
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
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.FullAudit", "list accounts", err)
	}
	for _, accountID := range accountIDs {
		r, err := s.CheckLedgerReconciliation(ctx, accountID)
		if err != nil {
			return nil, err
		}
		merged.Violations = append(merged.Violations, r.Violations...)
	}

	return merged, nil
}

func allPositions(ctx context.Context, tx store.Tx) ([]*domain.Position, error) {
	var all []*domain.Position
	for _, status := range []domain.Status{
		domain.StatusPending, domain.StatusOpen, domain.StatusClosed,
		domain.StatusLiquidated, domain.StatusArchived,
	} {
		positions, err := tx.Positions().FindByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		all = append(all, positions...)
	}
	return all, nil
}

// CheckTransitionValidity validates positionID's stored event sequence
// against the State Machine's transition table, independent of replay.
func (s *Service) CheckTransitionValidity(ctx context.Context, positionID string) (*Report, error) {
	report := &Report{}
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		evs, err := tx.Events().ListByPosition(ctx, positionID, store.Ascending)
		if err != nil {
			return err
		}
		if err := events.ValidateSequence(evs, position.IsValidTransition); err != nil {
			report.add("transition_validity", positionID, "", err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailure, "integrity.CheckTransitionValidity", "list events", err)
	}
	return report, nil
}
