// Package retention sweeps terminal positions (CLOSED/LIQUIDATED) into
// ARCHIVED once they have sat past the configured retention window, on
// the same ticker-driven background-loop shape as the SL/TP Monitor and
// Liquidation Engine.
package retention

import (
	"context"
	"time"

	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/store"
)

// Sweeper is the retention sweep.
type Sweeper struct {
	gateway  store.Gateway
	machine  *position.Machine
	window   time.Duration
	interval time.Duration
	logger   *logging.Logger
	locks    *poslock.Locks
}

func New(gateway store.Gateway, machine *position.Machine, window, interval time.Duration, logger *logging.Logger, locks *poslock.Locks) *Sweeper {
	return &Sweeper{
		gateway:  gateway,
		machine:  machine,
		window:   window,
		interval: interval,
		logger:   logger.With("retention"),
		locks:    locks,
	}
}

// Run starts the periodic sweep loop; it blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if archived, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", logging.F{"error": err.Error()})
			} else if len(archived) > 0 {
				s.logger.Info("retention sweep archived positions", logging.F{"count": len(archived)})
			}
		}
	}
}

// Sweep finds every CLOSED/LIQUIDATED position whose ClosedAt is older
// than the retention window and archives it, one transaction per
// position so a single failure never blocks the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	var candidates []*domain.Position
	err := s.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, status := range []domain.Status{domain.StatusClosed, domain.StatusLiquidated} {
			positions, err := tx.Positions().FindByStatus(ctx, status)
			if err != nil {
				return err
			}
			candidates = append(candidates, positions...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-s.window)
	var archived []string
	for _, pos := range candidates {
		if pos.ClosedAt == nil || pos.ClosedAt.After(cutoff) {
			continue
		}
		if err := s.archiveOne(ctx, pos.ID); err != nil {
			s.logger.Warn("failed to archive position", logging.F{"position_id": pos.ID, "error": err.Error()})
			continue
		}
		archived = append(archived, pos.ID)
	}
	return archived, nil
}

func (s *Sweeper) archiveOne(ctx context.Context, positionID string) error {
	unlock := s.locks.Lock(positionID)
	defer unlock()

	return s.gateway.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pos, err := tx.Positions().Find(ctx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != domain.StatusClosed && pos.Status != domain.StatusLiquidated {
			return nil
		}
		return s.machine.ArchivePosition(ctx, tx, pos, int(s.window/(24*time.Hour)))
	})
}
