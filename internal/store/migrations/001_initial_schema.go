package migrations

import (
	"database/sql"
)

func init() {
	RegisterMigration(&Migration{
		Version: 1,
		Name:    "initial_schema",
		Up:      initialSchemaUp,
		Down:    initialSchemaDown,
	})
}

func initialSchemaUp(tx *sql.Tx) error {
	schema := `
	-- Positions: one row per trading position across its whole lifecycle.
	CREATE TABLE IF NOT EXISTS positions (
		id VARCHAR(64) PRIMARY KEY,
		execution_trade_id VARCHAR(64) NOT NULL,
		account_id VARCHAR(64) NOT NULL,
		pair VARCHAR(32) NOT NULL,
		side VARCHAR(8) NOT NULL,
		size DECIMAL(24, 8) NOT NULL,
		avg_entry_price DECIMAL(24, 8) NOT NULL,
		leverage INT NOT NULL,
		margin_used DECIMAL(24, 8) NOT NULL,
		unrealized_pnl DECIMAL(24, 8) NOT NULL DEFAULT 0,
		realized_pnl DECIMAL(24, 8) NOT NULL DEFAULT 0,
		accrued_commission DECIMAL(24, 8) NOT NULL DEFAULT 0,
		stop_loss DECIMAL(24, 8),
		take_profit DECIMAL(24, 8),
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		opened_at TIMESTAMP,
		closed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE INDEX idx_positions_account_id ON positions(account_id);
	CREATE INDEX idx_positions_status ON positions(status);
	CREATE INDEX idx_positions_pair ON positions(pair);
	CREATE INDEX idx_positions_open_sltp ON positions(status) WHERE stop_loss IS NOT NULL OR take_profit IS NOT NULL;

	-- Position events: the append-only log every state transition and fill
	-- is recorded to, replayable into the positions table.
	CREATE TABLE IF NOT EXISTS position_events (
		id VARCHAR(64) PRIMARY KEY,
		position_id VARCHAR(64) NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
		event_type VARCHAR(40) NOT NULL,
		previous_status VARCHAR(20),
		new_status VARCHAR(20),
		payload JSONB NOT NULL,
		idempotency_key VARCHAR(128),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_position_events_position_id ON position_events(position_id);
	CREATE UNIQUE INDEX idx_position_events_idempotency_key ON position_events(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX idx_position_events_created_at ON position_events(created_at);

	-- Trade executions: one row per fill (entry, partial exit, SL/TP,
	-- liquidation).
	CREATE TABLE IF NOT EXISTS trade_executions (
		id VARCHAR(64) PRIMARY KEY,
		position_id VARCHAR(64) NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
		order_id VARCHAR(64) NOT NULL,
		execution_type VARCHAR(20) NOT NULL,
		price DECIMAL(24, 8) NOT NULL,
		size DECIMAL(24, 8) NOT NULL,
		executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_trade_executions_position_id ON trade_executions(position_id);
	CREATE UNIQUE INDEX idx_trade_executions_order_id ON trade_executions(position_id, order_id);

	-- Account balances: the ledger head per account.
	CREATE TABLE IF NOT EXISTS account_balances (
		account_id VARCHAR(64) PRIMARY KEY,
		equity DECIMAL(24, 8) NOT NULL DEFAULT 0,
		balance DECIMAL(24, 8) NOT NULL DEFAULT 0,
		margin_used DECIMAL(24, 8) NOT NULL DEFAULT 0,
		free_margin DECIMAL(24, 8) NOT NULL DEFAULT 0,
		leverage INT NOT NULL DEFAULT 100,
		is_paper BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1
	);

	-- Account balance events: the append-only ledger delta log.
	CREATE TABLE IF NOT EXISTS account_balance_events (
		id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL REFERENCES account_balances(account_id) ON DELETE CASCADE,
		balance_before DECIMAL(24, 8) NOT NULL,
		amount DECIMAL(24, 8) NOT NULL,
		balance_after DECIMAL(24, 8) NOT NULL,
		reason VARCHAR(30) NOT NULL,
		position_id VARCHAR(64),
		idempotency_key VARCHAR(128),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_account_balance_events_account_id ON account_balance_events(account_id);
	CREATE UNIQUE INDEX idx_account_balance_events_idempotency_key ON account_balance_events(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`
	_, err := tx.Exec(schema)
	return err
}

func initialSchemaDown(tx *sql.Tx) error {
	schema := `
	DROP TABLE IF EXISTS account_balance_events;
	DROP TABLE IF EXISTS account_balances;
	DROP TABLE IF EXISTS trade_executions;
	DROP TABLE IF EXISTS position_events;
	DROP TABLE IF EXISTS positions;
	`
	_, err := tx.Exec(schema)
	return err
}
