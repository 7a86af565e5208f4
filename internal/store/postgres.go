// Postgres-backed Gateway: database/sql plus github.com/lib/pq, not an
// ORM or a query builder, matching how the rest of this codebase talks
// to Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/govalues/decimal"
	"github.com/lib/pq"

	"github.com/riskcore/engine/internal/domain"
)

// PostgresGateway is the production Gateway implementation.
type PostgresGateway struct {
	db          *sql.DB
	maxAttempts int
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxTxAttempts   int // bounded retry count for TransactionConflict, default 5
}

// Open connects to Postgres and verifies the connection with a Ping.
func Open(cfg PostgresConfig) (*PostgresGateway, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	attempts := cfg.MaxTxAttempts
	if attempts == 0 {
		attempts = 5
	}

	return &PostgresGateway{db: db, maxAttempts: attempts}, nil
}

func (g *PostgresGateway) Close() error { return g.db.Close() }

// WithTx implements the retryable transaction primitive: a serialization
// failure or unique-index collision (classified by classifyPQError) is
// retried with jittered backoff up to maxAttempts before being surfaced.
func (g *PostgresGateway) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 10 * time.Millisecond
			backoff += time.Duration(rand.Intn(10)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		sqlTx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}

		tx := &pgTx{tx: sqlTx}
		err = fn(ctx, tx)
		if err != nil {
			sqlTx.Rollback()
			if classifyPQError(err) == ErrConflict {
				lastErr = err
				continue
			}
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			if classifyPQError(err) == ErrConflict {
				lastErr = err
				continue
			}
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store: exceeded %d transaction retry attempts: %w (last error: %v)", g.maxAttempts, ErrConflict, lastErr)
}

// View runs fn against a plain (non-retried) transaction; callers use it
// for reads where a conflict is meaningless.
func (g *PostgresGateway) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := g.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: begin view: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// classifyPQError maps a Postgres error to ErrConflict when it represents
// a retryable concurrent-write condition: serialization_failure (40001),
// deadlock_detected (40P01), or a unique_violation (23505) on any unique
// index.
func classifyPQError(err error) error {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return ErrConflict
		}
	}
	return err
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// pgTx implements Tx over a single *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Positions() PositionRepo         { return pgPositionRepo{tx: t.tx} }
func (t *pgTx) Events() EventRepo               { return pgEventRepo{tx: t.tx} }
func (t *pgTx) Executions() ExecutionRepo       { return pgExecutionRepo{tx: t.tx} }
func (t *pgTx) Balances() BalanceRepo           { return pgBalanceRepo{tx: t.tx} }
func (t *pgTx) BalanceEvents() BalanceEventRepo { return pgBalanceEventRepo{tx: t.tx} }

// --- positions ---

type pgPositionRepo struct{ tx *sql.Tx }

const positionColumns = `
	id, execution_trade_id, account_id, pair, side, size, avg_entry_price,
	leverage, margin_used, unrealized_pnl, realized_pnl, accrued_commission, stop_loss,
	take_profit, status, created_at, opened_at, closed_at, updated_at,
	version`

func scanPosition(row interface{ Scan(...interface{}) error }) (*domain.Position, error) {
	var p domain.Position
	var size, avg, margin, upnl, rpnl, accrued string
	var sl, tp sql.NullString
	var openedAt, closedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.ExecutionTradeID, &p.AccountID, &p.Pair, &p.Side, &size, &avg,
		&p.Leverage, &margin, &upnl, &rpnl, &accrued, &sl, &tp, &p.Status,
		&p.CreatedAt, &openedAt, &closedAt, &p.UpdatedAt, &p.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Size = decimal.MustParse(size)
	p.AvgEntryPrice = decimal.MustParse(avg)
	p.MarginUsed = decimal.MustParse(margin)
	p.UnrealizedPnL = decimal.MustParse(upnl)
	p.RealizedPnL = decimal.MustParse(rpnl)
	p.AccruedCommission = decimal.MustParse(accrued)
	if sl.Valid {
		d := decimal.MustParse(sl.String)
		p.StopLoss = &d
	}
	if tp.Valid {
		d := decimal.MustParse(tp.String)
		p.TakeProfit = &d
	}
	if openedAt.Valid {
		p.OpenedAt = &openedAt.Time
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}

func (r pgPositionRepo) Find(ctx context.Context, id string) (*domain.Position, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

func (r pgPositionRepo) queryAll(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgPositionRepo) FindByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	return r.queryAll(ctx, `SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (r pgPositionRepo) FindByStatus(ctx context.Context, status domain.Status) ([]*domain.Position, error) {
	return r.queryAll(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = $1 ORDER BY created_at`, status)
}

func (r pgPositionRepo) FindOpenWithSLTP(ctx context.Context) ([]*domain.Position, error) {
	return r.queryAll(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = $1 AND (stop_loss IS NOT NULL OR take_profit IS NOT NULL)`, domain.StatusOpen)
}

func (r pgPositionRepo) FindOpenByPair(ctx context.Context, pair string) ([]*domain.Position, error) {
	return r.queryAll(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = $1 AND pair = $2`, domain.StatusOpen, pair)
}

func (r pgPositionRepo) Insert(ctx context.Context, p *domain.Position) error {
	p.Version = 1
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.ID, p.ExecutionTradeID, p.AccountID, p.Pair, p.Side,
		p.Size.String(), p.AvgEntryPrice.String(), p.Leverage, p.MarginUsed.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.AccruedCommission.String(), nullableDecimal(p.StopLoss), nullableDecimal(p.TakeProfit),
		p.Status, p.CreatedAt, p.OpenedAt, p.ClosedAt, p.UpdatedAt, p.Version,
	)
	if err != nil {
		return classifyPQError(err)
	}
	return nil
}

func (r pgPositionRepo) Update(ctx context.Context, p *domain.Position) error {
	newVersion := p.Version + 1
	res, err := r.tx.ExecContext(ctx, `
		UPDATE positions SET
			size=$1, avg_entry_price=$2, leverage=$3, margin_used=$4,
			unrealized_pnl=$5, realized_pnl=$6, accrued_commission=$7, stop_loss=$8, take_profit=$9,
			status=$10, opened_at=$11, closed_at=$12, updated_at=$13, version=$14
		WHERE id=$15 AND version=$16`,
		p.Size.String(), p.AvgEntryPrice.String(), p.Leverage, p.MarginUsed.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.AccruedCommission.String(), nullableDecimal(p.StopLoss), nullableDecimal(p.TakeProfit),
		p.Status, p.OpenedAt, p.ClosedAt, p.UpdatedAt, newVersion,
		p.ID, p.Version,
	)
	if err != nil {
		return classifyPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	p.Version = newVersion
	return nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// --- events ---

type pgEventRepo struct{ tx *sql.Tx }

func (r pgEventRepo) Insert(ctx context.Context, e *domain.PositionEvent) error {
	if e.IdempotencyKey != "" {
		existing, err := r.FindByIdempotencyKey(ctx, e.IdempotencyKey)
		if err == nil && existing != nil {
			return ErrDuplicateIdempotency
		}
		if err != nil && err != ErrNotFound {
			return err
		}
	}

	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO position_events
			(id, position_id, event_type, previous_status, new_status, payload, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.PositionID, e.EventType, e.PreviousStatus, e.NewStatus, payload,
		nullableString(e.IdempotencyKey), e.CreatedAt,
	)
	if err != nil {
		if classifyPQError(err) == ErrConflict {
			return ErrDuplicateIdempotency
		}
		return err
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*domain.PositionEvent, error) {
	var e domain.PositionEvent
	var prevStatus, newStatus, idemKey sql.NullString
	var payloadRaw []byte

	err := row.Scan(&e.ID, &e.PositionID, &e.EventType, &prevStatus, &newStatus, &payloadRaw, &idemKey, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if prevStatus.Valid {
		s := domain.Status(prevStatus.String)
		e.PreviousStatus = &s
	}
	if newStatus.Valid {
		s := domain.Status(newStatus.String)
		e.NewStatus = &s
	}
	if idemKey.Valid {
		e.IdempotencyKey = idemKey.String
	}
	payload, err := decodePayload(payloadRaw)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

const eventColumns = `id, position_id, event_type, previous_status, new_status, payload, idempotency_key, created_at`

func (r pgEventRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.PositionEvent, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM position_events WHERE idempotency_key = $1`, key)
	return scanEvent(row)
}

func (r pgEventRepo) ListByPosition(ctx context.Context, positionID string, order Order) ([]*domain.PositionEvent, error) {
	dir := "ASC"
	if order == Descending {
		dir = "DESC"
	}
	rows, err := r.tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM position_events WHERE position_id = $1 ORDER BY created_at `+dir, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PositionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgEventRepo) Latest(ctx context.Context, positionID string) (*domain.PositionEvent, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM position_events WHERE position_id = $1 ORDER BY created_at DESC LIMIT 1`, positionID)
	return scanEvent(row)
}

// --- executions ---

type pgExecutionRepo struct{ tx *sql.Tx }

const executionColumns = `id, position_id, order_id, execution_type, price, size, executed_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*domain.TradeExecution, error) {
	var e domain.TradeExecution
	var price, size string
	err := row.Scan(&e.ID, &e.PositionID, &e.OrderID, &e.ExecutionType, &price, &size, &e.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Price = decimal.MustParse(price)
	e.Size = decimal.MustParse(size)
	return &e, nil
}

func (r pgExecutionRepo) Insert(ctx context.Context, e *domain.TradeExecution) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO trade_executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PositionID, e.OrderID, e.ExecutionType, e.Price.String(), e.Size.String(), e.ExecutedAt,
	)
	if err != nil {
		return classifyPQError(err)
	}
	return nil
}

func (r pgExecutionRepo) FindByOrderID(ctx context.Context, positionID, orderID string) (*domain.TradeExecution, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM trade_executions WHERE position_id = $1 AND order_id = $2`, positionID, orderID)
	return scanExecution(row)
}

func (r pgExecutionRepo) ListByPosition(ctx context.Context, positionID string) ([]*domain.TradeExecution, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+executionColumns+` FROM trade_executions WHERE position_id = $1 ORDER BY executed_at`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.TradeExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- balances ---

type pgBalanceRepo struct{ tx *sql.Tx }

const balanceColumns = `account_id, equity, balance, margin_used, free_margin, leverage, is_paper, version`

func scanBalance(row interface{ Scan(...interface{}) error }) (*domain.AccountBalance, error) {
	var b domain.AccountBalance
	var equity, balance, margin, free string
	err := row.Scan(&b.AccountID, &equity, &balance, &margin, &free, &b.Leverage, &b.IsPaper, &b.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Equity = decimal.MustParse(equity)
	b.Balance = decimal.MustParse(balance)
	b.MarginUsed = decimal.MustParse(margin)
	b.FreeMargin = decimal.MustParse(free)
	return &b, nil
}

func (r pgBalanceRepo) Find(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM account_balances WHERE account_id = $1`, accountID)
	return scanBalance(row)
}

func (r pgBalanceRepo) ListAll(ctx context.Context) ([]*domain.AccountBalance, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+balanceColumns+` FROM account_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AccountBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r pgBalanceRepo) Upsert(ctx context.Context, b *domain.AccountBalance) error {
	newVersion := b.Version + 1
	res, err := r.tx.ExecContext(ctx, `
		UPDATE account_balances SET
			equity=$1, balance=$2, margin_used=$3, free_margin=$4, leverage=$5, is_paper=$6, version=$7
		WHERE account_id=$8 AND version=$9`,
		b.Equity.String(), b.Balance.String(), b.MarginUsed.String(), b.FreeMargin.String(),
		b.Leverage, b.IsPaper, newVersion, b.AccountID, b.Version,
	)
	if err != nil {
		return classifyPQError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if b.Version != 0 {
			return ErrConflict
		}
		// first write for this account
		_, err = r.tx.ExecContext(ctx, `
			INSERT INTO account_balances (`+balanceColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			b.AccountID, b.Equity.String(), b.Balance.String(), b.MarginUsed.String(),
			b.FreeMargin.String(), b.Leverage, b.IsPaper, 1,
		)
		if err != nil {
			return classifyPQError(err)
		}
		newVersion = 1
	}
	b.Version = newVersion
	return nil
}

// --- balance events ---

type pgBalanceEventRepo struct{ tx *sql.Tx }

const balanceEventColumns = `id, account_id, balance_before, amount, balance_after, reason, position_id, idempotency_key, created_at`

func scanBalanceEvent(row interface{ Scan(...interface{}) error }) (*domain.AccountBalanceEvent, error) {
	var e domain.AccountBalanceEvent
	var before, amount, after string
	var positionID, idemKey sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &before, &amount, &after, &e.Reason, &positionID, &idemKey, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.BalanceBefore = decimal.MustParse(before)
	e.Amount = decimal.MustParse(amount)
	e.BalanceAfter = decimal.MustParse(after)
	if positionID.Valid {
		e.PositionID = &positionID.String
	}
	if idemKey.Valid {
		e.IdempotencyKey = idemKey.String
	}
	return &e, nil
}

func (r pgBalanceEventRepo) Insert(ctx context.Context, e *domain.AccountBalanceEvent) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO account_balance_events (`+balanceEventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.AccountID, e.BalanceBefore.String(), e.Amount.String(), e.BalanceAfter.String(),
		e.Reason, e.PositionID, nullableString(e.IdempotencyKey), e.CreatedAt,
	)
	if err != nil {
		return classifyPQError(err)
	}
	return nil
}

func (r pgBalanceEventRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.AccountBalanceEvent, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+balanceEventColumns+` FROM account_balance_events WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AccountBalanceEvent
	for rows.Next() {
		e, err := scanBalanceEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgBalanceEventRepo) ListAll(ctx context.Context) ([]*domain.AccountBalanceEvent, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+balanceEventColumns+` FROM account_balance_events ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AccountBalanceEvent
	for rows.Next() {
		e, err := scanBalanceEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
