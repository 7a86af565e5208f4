package store

import (
	"context"
	"sync"

	"github.com/riskcore/engine/internal/domain"
)

// MemoryGateway is an in-memory Gateway fake used by package tests. It
// serializes all writes behind a single mutex rather than modeling real
// snapshot isolation; good enough to exercise the optimistic-concurrency
// contracts (Version mismatches, duplicate idempotency keys) without a
// database.
type MemoryGateway struct {
	mu sync.Mutex

	positions     map[string]*domain.Position
	events        map[string]*domain.PositionEvent
	eventsByIdem  map[string]string // idempotency key -> event id
	executions    map[string]*domain.TradeExecution
	balances      map[string]*domain.AccountBalance
	balanceEvents []*domain.AccountBalanceEvent
}

// NewMemoryGateway constructs an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		positions:    make(map[string]*domain.Position),
		events:       make(map[string]*domain.PositionEvent),
		eventsByIdem: make(map[string]string),
		executions:   make(map[string]*domain.TradeExecution),
		balances:     make(map[string]*domain.AccountBalance),
	}
}

func (g *MemoryGateway) Close() error { return nil }

func (g *MemoryGateway) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(ctx, &memTx{g: g})
}

func (g *MemoryGateway) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(ctx, &memTx{g: g})
}

type memTx struct{ g *MemoryGateway }

func (t *memTx) Positions() PositionRepo         { return memPositionRepo{g: t.g} }
func (t *memTx) Events() EventRepo               { return memEventRepo{g: t.g} }
func (t *memTx) Executions() ExecutionRepo       { return memExecutionRepo{g: t.g} }
func (t *memTx) Balances() BalanceRepo           { return memBalanceRepo{g: t.g} }
func (t *memTx) BalanceEvents() BalanceEventRepo { return memBalanceEventRepo{g: t.g} }

func clonePosition(p *domain.Position) *domain.Position {
	cp := *p
	if p.StopLoss != nil {
		sl := *p.StopLoss
		cp.StopLoss = &sl
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		cp.TakeProfit = &tp
	}
	if p.OpenedAt != nil {
		t := *p.OpenedAt
		cp.OpenedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

type memPositionRepo struct{ g *MemoryGateway }

func (r memPositionRepo) Find(ctx context.Context, id string) (*domain.Position, error) {
	p, ok := r.g.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(p), nil
}

func (r memPositionRepo) FindByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range r.g.positions {
		if p.AccountID == accountID {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (r memPositionRepo) FindByStatus(ctx context.Context, status domain.Status) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range r.g.positions {
		if p.Status == status {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (r memPositionRepo) FindOpenWithSLTP(ctx context.Context) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range r.g.positions {
		if p.Status == domain.StatusOpen && (p.StopLoss != nil || p.TakeProfit != nil) {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (r memPositionRepo) FindOpenByPair(ctx context.Context, pair string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range r.g.positions {
		if p.Status == domain.StatusOpen && p.Pair == pair {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (r memPositionRepo) Insert(ctx context.Context, p *domain.Position) error {
	if _, exists := r.g.positions[p.ID]; exists {
		return ErrConflict
	}
	p.Version = 1
	r.g.positions[p.ID] = clonePosition(p)
	return nil
}

func (r memPositionRepo) Update(ctx context.Context, p *domain.Position) error {
	current, ok := r.g.positions[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != p.Version {
		return ErrConflict
	}
	p.Version = current.Version + 1
	r.g.positions[p.ID] = clonePosition(p)
	return nil
}

type memEventRepo struct{ g *MemoryGateway }

func (r memEventRepo) Insert(ctx context.Context, e *domain.PositionEvent) error {
	if e.IdempotencyKey != "" {
		if _, exists := r.g.eventsByIdem[e.IdempotencyKey]; exists {
			return ErrDuplicateIdempotency
		}
	}
	r.g.events[e.ID] = e
	if e.IdempotencyKey != "" {
		r.g.eventsByIdem[e.IdempotencyKey] = e.ID
	}
	return nil
}

func (r memEventRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.PositionEvent, error) {
	id, ok := r.g.eventsByIdem[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.g.events[id], nil
}

func (r memEventRepo) ListByPosition(ctx context.Context, positionID string, order Order) ([]*domain.PositionEvent, error) {
	var out []*domain.PositionEvent
	for _, e := range r.g.events {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	sortEventsByCreatedAt(out, order)
	return out, nil
}

func (r memEventRepo) Latest(ctx context.Context, positionID string) (*domain.PositionEvent, error) {
	events, _ := r.ListByPosition(ctx, positionID, Descending)
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func sortEventsByCreatedAt(events []*domain.PositionEvent, order Order) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0; j-- {
			less := events[j].CreatedAt.Before(events[j-1].CreatedAt)
			if order == Descending {
				less = events[j].CreatedAt.After(events[j-1].CreatedAt)
			}
			if !less {
				break
			}
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

type memExecutionRepo struct{ g *MemoryGateway }

func (r memExecutionRepo) Insert(ctx context.Context, e *domain.TradeExecution) error {
	r.g.executions[e.ID] = e
	return nil
}

func (r memExecutionRepo) FindByOrderID(ctx context.Context, positionID, orderID string) (*domain.TradeExecution, error) {
	for _, e := range r.g.executions {
		if e.PositionID == positionID && e.OrderID == orderID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (r memExecutionRepo) ListByPosition(ctx context.Context, positionID string) ([]*domain.TradeExecution, error) {
	var out []*domain.TradeExecution
	for _, e := range r.g.executions {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ExecutedAt.Before(out[j-1].ExecutedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

type memBalanceRepo struct{ g *MemoryGateway }

func (r memBalanceRepo) Find(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	b, ok := r.g.balances[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r memBalanceRepo) ListAll(ctx context.Context) ([]*domain.AccountBalance, error) {
	var out []*domain.AccountBalance
	for _, b := range r.g.balances {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (r memBalanceRepo) Upsert(ctx context.Context, b *domain.AccountBalance) error {
	current, ok := r.g.balances[b.AccountID]
	if !ok {
		if b.Version != 0 {
			return ErrConflict
		}
		b.Version = 1
		cp := *b
		r.g.balances[b.AccountID] = &cp
		return nil
	}
	if current.Version != b.Version {
		return ErrConflict
	}
	b.Version = current.Version + 1
	cp := *b
	r.g.balances[b.AccountID] = &cp
	return nil
}

type memBalanceEventRepo struct{ g *MemoryGateway }

func (r memBalanceEventRepo) Insert(ctx context.Context, e *domain.AccountBalanceEvent) error {
	r.g.balanceEvents = append(r.g.balanceEvents, e)
	return nil
}

func (r memBalanceEventRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.AccountBalanceEvent, error) {
	var out []*domain.AccountBalanceEvent
	for _, e := range r.g.balanceEvents {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r memBalanceEventRepo) ListAll(ctx context.Context) ([]*domain.AccountBalanceEvent, error) {
	return append([]*domain.AccountBalanceEvent(nil), r.g.balanceEvents...), nil
}
