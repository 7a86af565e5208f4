// Package sltp is the SL/TP Monitor: a per-symbol routing index
// of monitored positions, periodically rehydrated from the Persistence
// Gateway and mirrored into Redis, plus idempotent stop-loss/take-profit
// trigger execution.
package sltp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/govalues/decimal"
	goredis "github.com/redis/go-redis/v9"

	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/store"
)

// Monitor is the SL/TP Monitor.
type Monitor struct {
	mu    sync.RWMutex
	index map[string]map[string]struct{} // symbol -> set of positionIds

	gateway     store.Gateway
	events      *events.Store
	execTracker *execution.Tracker
	redis       *goredis.Client
	logger      *logging.Logger
	locks       *poslock.Locks

	rehydrateInterval time.Duration
}

// New constructs a Monitor. redis may be nil — the Redis mirror is a
// write-through cache, not the source of truth, and the monitor degrades
// to in-process-only routing without it.
func New(gateway store.Gateway, eventStore *events.Store, execTracker *execution.Tracker, redisClient *goredis.Client, rehydrateInterval time.Duration, logger *logging.Logger, locks *poslock.Locks) *Monitor {
	return &Monitor{
		index:             make(map[string]map[string]struct{}),
		gateway:           gateway,
		events:            eventStore,
		execTracker:       execTracker,
		redis:             redisClient,
		rehydrateInterval: rehydrateInterval,
		logger:            logger.With("sltp"),
		locks:             locks,
	}
}

// Arm adds pos to the routing index (and its Redis mirror) for any pair
// it has a stop-loss or take-profit set on. Called when a position
// transitions to OPEN or has its SL/TP updated.
func (m *Monitor) Arm(ctx context.Context, pos *domain.Position) {
	if pos.StopLoss == nil && pos.TakeProfit == nil {
		return
	}
	m.mu.Lock()
	set, ok := m.index[pos.Pair]
	if !ok {
		set = make(map[string]struct{})
		m.index[pos.Pair] = set
	}
	set[pos.ID] = struct{}{}
	m.mu.Unlock()

	if m.redis != nil {
		m.redis.HSet(ctx, redisKey(pos.Pair), pos.ID, "1")
	}
}

// Disarm removes positionID from pair's routing set. Called on any
// terminal status transition.
func (m *Monitor) Disarm(ctx context.Context, pair, positionID string) {
	m.mu.Lock()
	if set, ok := m.index[pair]; ok {
		delete(set, positionID)
	}
	m.mu.Unlock()

	if m.redis != nil {
		m.redis.HDel(ctx, redisKey(pair), positionID)
	}
}

func redisKey(symbol string) string { return "sltp:watch:" + symbol }

// Rehydrate reloads the routing index from the Persistence Gateway,
// replacing the in-memory state wholesale. Run on a timer so the index
// self-heals from a missed Arm/Disarm or a process restart.
func (m *Monitor) Rehydrate(ctx context.Context) error {
	var open []*domain.Position
	err := m.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		positions, err := tx.Positions().FindOpenWithSLTP(ctx)
		if err != nil {
			return err
		}
		open = positions
		return nil
	})
	if err != nil {
		return fmt.Errorf("sltp: rehydrate: %w", err)
	}

	fresh := make(map[string]map[string]struct{})
	for _, pos := range open {
		set, ok := fresh[pos.Pair]
		if !ok {
			set = make(map[string]struct{})
			fresh[pos.Pair] = set
		}
		set[pos.ID] = struct{}{}
	}

	m.mu.Lock()
	m.index = fresh
	m.mu.Unlock()

	if m.redis != nil {
		for pair, set := range fresh {
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				continue
			}
			pipe := m.redis.Pipeline()
			pipe.Del(ctx, redisKey(pair))
			for _, id := range ids {
				pipe.HSet(ctx, redisKey(pair), id, "1")
			}
			if _, err := pipe.Exec(ctx); err != nil {
				m.logger.Warn("redis rehydrate mirror failed", logging.F{"pair": pair, "error": err.Error()})
			}
		}
	}

	m.logger.Debug("rehydrated SL/TP index", logging.F{"pairs": len(fresh)})
	return nil
}

// Run starts the periodic rehydration loop; it blocks until ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.rehydrateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Rehydrate(ctx); err != nil {
				m.logger.Error("periodic rehydrate failed", logging.F{"error": err.Error()})
			}
		}
	}
}

// watched returns a snapshot of positionIds monitored for symbol.
func (m *Monitor) watched(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.index[symbol]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// OnPriceTick evaluates every position routed to tick.Symbol against the
// trigger rule, firing closures for any that cross their SL/TP.
func (m *Monitor) OnPriceTick(ctx context.Context, tick domain.PriceTick) error {
	for _, positionID := range m.watched(tick.Symbol) {
		if err := m.evaluate(ctx, positionID, tick); err != nil {
			m.logger.Error("sltp evaluation failed", logging.F{"position_id": positionID, "error": err.Error()})
		}
	}
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, positionID string, tick domain.PriceTick) error {
	var triggerSL, triggerTP bool
	var pos *domain.Position
	err := m.gateway.View(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Positions().Find(ctx, positionID)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return err
	}
	if pos.Status != domain.StatusOpen {
		return nil
	}

	triggerSL, triggerTP = Evaluate(pos, tick.Price)
	if !triggerSL && !triggerTP {
		return nil
	}
	return m.triggerClose(ctx, positionID, tick, triggerSL)
}

// Evaluate applies the trigger rule for a single price against pos's
// SL/TP: BUY triggers SL at p <= stopLoss, TP at p >= takeProfit; SELL is
// mirrored.
func Evaluate(pos *domain.Position, price decimal.Decimal) (triggerSL, triggerTP bool) {
	if pos.StopLoss != nil {
		if pos.Side == domain.Buy {
			triggerSL = price.Cmp(*pos.StopLoss) <= 0
		} else {
			triggerSL = price.Cmp(*pos.StopLoss) >= 0
		}
	}
	if pos.TakeProfit != nil {
		if pos.Side == domain.Buy {
			triggerTP = price.Cmp(*pos.TakeProfit) >= 0
		} else {
			triggerTP = price.Cmp(*pos.TakeProfit) <= 0
		}
	}
	return
}

func (m *Monitor) triggerClose(ctx context.Context, positionID string, tick domain.PriceTick, isSL bool) error {
	idemKey := fmt.Sprintf("close_%s_%d", positionID, tick.Timestamp.UnixMilli())

	unlock := m.locks.Lock(positionID)
	defer unlock()

	return m.gateway.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pos, err := tx.Positions().Find(ctx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != domain.StatusOpen {
			return nil
		}

		eventType := domain.EventStopLossTriggered
		execType := domain.ExecutionStopLoss
		if !isSL {
			eventType = domain.EventTakeProfitTriggered
			execType = domain.ExecutionTakeProfit
		}

		_, ok, err := m.events.Append(ctx, tx, &domain.PositionEvent{
			PositionID:     positionID,
			EventType:      eventType,
			Payload:        domain.TriggerPayload{Price: tick.Price},
			IdempotencyKey: idemKey,
			CreatedAt:      tick.Timestamp,
		})
		if err != nil {
			return err
		}
		if !ok {
			// duplicate trigger: already handled by a prior identical tick
			return nil
		}

		fill := domain.FillData{OrderID: idemKey, Price: tick.Price, Size: pos.Size, ExecutedAt: tick.Timestamp}
		_, err = m.execTracker.ProcessFullFill(ctx, tx, pos, fill, false, execType)
		return err
	})
}
