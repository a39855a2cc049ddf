package store

// Schema notes: decimals are stored as TEXT to avoid float drift,
// timestamps as unix nanoseconds (0 = unset). client_order_id carries
// the UNIQUE constraint that is the last line of defense against
// duplicate placement; audit_logs.action is a closed enum enforced by a
// CHECK constraint built from core.AuditActions.
const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	symbol     TEXT PRIMARY KEY,
	token      INTEGER NOT NULL,
	tick_size  TEXT NOT NULL,
	lot_size   INTEGER NOT NULL,
	freeze_qty INTEGER NOT NULL,
	lower_band TEXT NOT NULL,
	upper_band TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
	id         TEXT PRIMARY KEY,
	at         INTEGER NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL CHECK (side IN ('LONG','SHORT')),
	strategy   TEXT NOT NULL,
	score      REAL NOT NULL,
	entry      TEXT NOT NULL,
	stop       TEXT NOT NULL,
	tp         TEXT NOT NULL,
	features   TEXT NOT NULL DEFAULT '{}',
	config_sha TEXT NOT NULL,
	rationale  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	signal_id      TEXT NOT NULL,
	client_plan_id TEXT NOT NULL,
	mode           TEXT NOT NULL CHECK (mode IN ('PAPER','LIVE')),
	approved       INTEGER NOT NULL,
	risk_pct       TEXT NOT NULL,
	risk_amount    TEXT NOT NULL,
	qty            INTEGER NOT NULL,
	heat_before    TEXT NOT NULL,
	heat_after     TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('PLANNED','SKIPPED','EXECUTED','REJECTED')),
	reject_reason  TEXT NOT NULL DEFAULT '',
	config_sha     TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_plan ON decisions(client_plan_id);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	decision_id     TEXT NOT NULL,
	client_order_id TEXT NOT NULL UNIQUE,
	tag             TEXT NOT NULL CHECK (tag IN ('ENTRY','STOP','TP')),
	group_id        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
	qty             INTEGER NOT NULL,
	price           TEXT NOT NULL,
	trigger_price   TEXT NOT NULL,
	type            TEXT NOT NULL CHECK (type IN ('MARKET','LIMIT','SL','SL-M')),
	status          TEXT NOT NULL CHECK (status IN ('NEW','PLACED','PARTIAL','FILLED','CANCELED','REJECTED')),
	broker_id       TEXT NOT NULL DEFAULT '',
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  TEXT NOT NULL DEFAULT '0',
	created_at      INTEGER NOT NULL,
	acked_at        INTEGER NOT NULL DEFAULT 0,
	filled_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_orders_group ON orders(group_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL CHECK (side IN ('LONG','SHORT')),
	qty           INTEGER NOT NULL,
	avg_entry     TEXT NOT NULL,
	group_id      TEXT NOT NULL,
	stop_order_id TEXT NOT NULL DEFAULT '',
	tp_order_id   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL CHECK (status IN ('OPENING','OPEN','CLOSING','CLOSED')),
	opened_at     INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_group ON positions(group_id);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	position_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	qty          INTEGER NOT NULL,
	entry_price  TEXT NOT NULL,
	exit_price   TEXT NOT NULL,
	exit_reason  TEXT NOT NULL,
	gross_pnl    TEXT NOT NULL,
	net_pnl      TEXT NOT NULL,
	slippage_bps TEXT NOT NULL,
	latency_ms   INTEGER NOT NULL,
	at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_at ON trades(at);

CREATE TABLE IF NOT EXISTS oco_groups (
	id             TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL CHECK (side IN ('LONG','SHORT')),
	entry_order_id TEXT NOT NULL,
	stop_order_id  TEXT NOT NULL DEFAULT '',
	tp_order_id    TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL CHECK (state IN ('AWAITING_ENTRY','ARMED','CHILD_FILLED','CANCELED','CLOSED')),
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_groups_state ON oco_groups(state);

CREATE TABLE IF NOT EXISTS risk_events (
	id          TEXT PRIMARY KEY,
	at          INTEGER NOT NULL,
	type        TEXT NOT NULL,
	decision_id TEXT NOT NULL DEFAULT '',
	symbol      TEXT NOT NULL DEFAULT '',
	details     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	at         INTEGER NOT NULL,
	action     TEXT NOT NULL CHECK (action IN (%s)),
	session_id TEXT NOT NULL,
	actor      TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	config_sha TEXT NOT NULL,
	git_head   TEXT NOT NULL
);
`
