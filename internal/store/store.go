// Package store is the Persistence Gateway: transactional access to
// positions, events, executions, and balances, plus the "execute this
// block atomically under snapshot isolation" primitive every multi-row
// mutation in the engine runs inside.
//
// Gateway is an interface, not a concrete *sql.DB wrapper, so every
// upstream component (events, position, execution, pnl, ledger, sltp,
// liquidation, integrity) can be exercised against either Postgres or the
// in-memory fake without change — the engine's tests use the latter.
package store

import (
	"context"
	"errors"

	"github.com/riskcore/engine/internal/domain"
)

// Sentinel errors a Tx's repo methods return; components classify them via
// errors.Is rather than inspecting driver-specific codes.
var (
	// ErrConflict means a concurrent writer touched the same row (an
	// optimistic-concurrency Version mismatch, or a serialization failure
	// surfaced by the database). Retryable.
	ErrConflict = errors.New("store: conflicting concurrent update")
	// ErrDuplicateIdempotency means an insert with an idempotency key that
	// already exists was attempted. The Event Store reports this as success
	// to the caller, never as a fresh write.
	ErrDuplicateIdempotency = errors.New("store: duplicate idempotency key")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Order controls the sequencing of ListByPosition results.
type Order int

const (
	Ascending Order = iota
	Descending
)

// PositionRepo is the positions collection.
type PositionRepo interface {
	Find(ctx context.Context, id string) (*domain.Position, error)
	FindByAccount(ctx context.Context, accountID string) ([]*domain.Position, error)
	FindByStatus(ctx context.Context, status domain.Status) ([]*domain.Position, error)
	FindOpenWithSLTP(ctx context.Context) ([]*domain.Position, error)
	FindOpenByPair(ctx context.Context, pair string) ([]*domain.Position, error)
	Insert(ctx context.Context, p *domain.Position) error
	// Update performs an optimistic-concurrency write: it must match
	// p.Version against the stored row and fail with ErrConflict otherwise,
	// then bump p.Version on success.
	Update(ctx context.Context, p *domain.Position) error
}

// EventRepo is the position_events collection, with its idempotency index.
type EventRepo interface {
	Insert(ctx context.Context, e *domain.PositionEvent) error
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.PositionEvent, error)
	ListByPosition(ctx context.Context, positionID string, order Order) ([]*domain.PositionEvent, error)
	Latest(ctx context.Context, positionID string) (*domain.PositionEvent, error)
}

// ExecutionRepo is the trade_executions collection.
type ExecutionRepo interface {
	Insert(ctx context.Context, e *domain.TradeExecution) error
	FindByOrderID(ctx context.Context, positionID, orderID string) (*domain.TradeExecution, error)
	ListByPosition(ctx context.Context, positionID string) ([]*domain.TradeExecution, error)
}

// BalanceRepo is the account_balances collection.
type BalanceRepo interface {
	Find(ctx context.Context, accountID string) (*domain.AccountBalance, error)
	Upsert(ctx context.Context, b *domain.AccountBalance) error
	ListAll(ctx context.Context) ([]*domain.AccountBalance, error)
}

// BalanceEventRepo is the account_balance_events collection.
type BalanceEventRepo interface {
	Insert(ctx context.Context, e *domain.AccountBalanceEvent) error
	ListByAccount(ctx context.Context, accountID string) ([]*domain.AccountBalanceEvent, error)
	ListAll(ctx context.Context) ([]*domain.AccountBalanceEvent, error)
}

// Tx is the set of collection accessors available inside a transaction.
type Tx interface {
	Positions() PositionRepo
	Events() EventRepo
	Executions() ExecutionRepo
	Balances() BalanceRepo
	BalanceEvents() BalanceEventRepo
}

// Gateway is the Persistence Gateway itself.
type Gateway interface {
	// WithTx executes fn such that all of its writes commit atomically or
	// none do, under snapshot isolation. A transaction-conflict error from
	// fn (or from the commit) is retried up to the Gateway's configured
	// bound with backoff before being surfaced as ErrConflict.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn against a read-only snapshot, without retry semantics —
	// used for the facade's pure-read operations.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
