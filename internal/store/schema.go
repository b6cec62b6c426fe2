package store

// schema is applied once at startup via a single multi-statement exec,
// mirroring the idempotent-create style of an embedded database: every
// statement is `IF NOT EXISTS` so repeated startups against an existing
// file are safe.
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS order_intents (
	client_order_id     TEXT PRIMARY KEY,
	symbol              TEXT NOT NULL,
	side                TEXT NOT NULL,
	quantity            TEXT NOT NULL,
	limit_price         TEXT NOT NULL,
	status              TEXT NOT NULL,
	broker_order_id     TEXT NOT NULL DEFAULT '',
	filled_quantity     TEXT NOT NULL DEFAULT '0',
	average_fill_price  TEXT NOT NULL DEFAULT '0',
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_intents_status ON order_intents(status);
CREATE INDEX IF NOT EXISTS idx_order_intents_symbol ON order_intents(symbol);

CREATE TABLE IF NOT EXISTS fills (
	dedupe_key      TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT NOT NULL,
	timestamp       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol          TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL DEFAULT '0',
	timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, timestamp);

CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	open      TEXT NOT NULL,
	high      TEXT NOT NULL,
	low       TEXT NOT NULL,
	close     TEXT NOT NULL,
	volume    TEXT NOT NULL,
	PRIMARY KEY (symbol, timeframe, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, timestamp);

CREATE TABLE IF NOT EXISTS equity_curve (
	timestamp       TEXT PRIMARY KEY,
	portfolio_value TEXT NOT NULL,
	cash            TEXT NOT NULL,
	daily_pnl       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_curve_ts ON equity_curve(timestamp);

CREATE TABLE IF NOT EXISTS positions_snapshot (
	symbol              TEXT PRIMARY KEY,
	quantity            TEXT NOT NULL,
	average_entry_price TEXT NOT NULL,
	current_price       TEXT NOT NULL,
	unrealized_pnl      TEXT NOT NULL,
	snapshot_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS position_tracking (
	symbol              TEXT PRIMARY KEY,
	side                TEXT NOT NULL DEFAULT 'buy',
	current_quantity    TEXT NOT NULL,
	entry_price         TEXT NOT NULL,
	atr_value           TEXT NOT NULL,
	trailing_stop_price TEXT NOT NULL,
	pending_exit        INTEGER NOT NULL DEFAULT 0,
	opened_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gates (
	gate_key       TEXT NOT NULL,
	bar_ts         TEXT NOT NULL,
	accepted_at_utc TEXT NOT NULL,
	PRIMARY KEY (gate_key, bar_ts)
);

CREATE TABLE IF NOT EXISTS gate_cooldowns (
	gate_key       TEXT PRIMARY KEY,
	last_accepted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL,
	status        TEXT NOT NULL,
	discrepancies TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exit_attempts (
	symbol      TEXT PRIMARY KEY,
	attempts    INTEGER NOT NULL,
	last_try_at TEXT NOT NULL,
	next_try_at TEXT NOT NULL
);
`
