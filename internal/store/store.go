package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store SQLite持久化层。事件、对账动作、违规记录、净值采样与系统标志
// 全部落盘，进程重启后紧急开关等标志可恢复。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// TradeThread 交易线程：一个信号及其分批入场/出场的归属记录
type TradeThread struct {
	ID        int64
	Symbol    string
	Side      string // long | short
	Status    string // active | closed
	TPPrices  []float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	level TEXT NOT NULL,
	event TEXT NOT NULL,
	symbol TEXT,
	message TEXT,
	fields TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_event ON events(event);

CREATE TABLE IF NOT EXISTS reconciler_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	action TEXT NOT NULL,
	symbol TEXT,
	client_oid TEXT,
	order_id TEXT,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS invariant_violations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	symbol TEXT,
	detail TEXT
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	equity REAL NOT NULL,
	available REAL,
	margin_used REAL,
	drawdown REAL
);

CREATE TABLE IF NOT EXISTS system_flags (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_threads (
	id INTEGER PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	tp_prices TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_symbol_side ON executions(symbol, side);
`

// Open 打开（或创建）数据库并初始化表结构
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite单写者，限制连接数避免SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info().Str("path", path).Msg("持久化存储已就绪")
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

func nowStr() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RecordEvent 记录一条事件（告警、熔断、模式切换等）
func (s *Store) RecordEvent(level, event, symbol, message string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fieldsJSON string
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err == nil {
			fieldsJSON = string(b)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (ts, level, event, symbol, message, fields) VALUES (?, ?, ?, ?, ?, ?)`,
		nowStr(), level, event, symbol, message, fieldsJSON,
	)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("事件落盘失败")
	}
	return err
}

// CountEvents 统计某事件的发生次数（测试与审计用）
func (s *Store) CountEvents(event string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event = ?`, event).Scan(&n)
	return n, err
}

// RecordReconcilerAction 记录对账器执行的动作
func (s *Store) RecordReconcilerAction(action, symbol, clientOid, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO reconciler_actions (ts, action, symbol, client_oid, order_id, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		nowStr(), action, symbol, clientOid, orderID, reason,
	)
	return err
}

// RecordInvariantViolation 记录一次不变量违规（缺止损、未知持仓等）
func (s *Store) RecordInvariantViolation(kind, symbol, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO invariant_violations (ts, kind, symbol, detail) VALUES (?, ?, ?, ?)`,
		nowStr(), kind, symbol, detail,
	)
	return err
}

// SnapshotEquity 采样一条净值记录
func (s *Store) SnapshotEquity(equity, available, marginUsed, drawdown float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO equity_snapshots (ts, equity, available, margin_used, drawdown) VALUES (?, ?, ?, ?, ?)`,
		nowStr(), equity, available, marginUsed, drawdown,
	)
	return err
}

// SetSystemFlag 写系统标志（如持久化的紧急开关）
func (s *Store) SetSystemFlag(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO system_flags (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, nowStr(),
	)
	return err
}

// GetSystemFlag 读系统标志，不存在时返回空串
func (s *Store) GetSystemFlag(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM system_flags WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// UpsertTradeThread 登记或更新交易线程
func (s *Store) UpsertTradeThread(t TradeThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tpJSON string
	if len(t.TPPrices) > 0 {
		b, err := json.Marshal(t.TPPrices)
		if err == nil {
			tpJSON = string(b)
		}
	}
	now := nowStr()
	status := t.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.Exec(
		`INSERT INTO trade_threads (id, symbol, side, status, tp_prices, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, tp_prices = excluded.tp_prices, updated_at = excluded.updated_at`,
		t.ID, t.Symbol, t.Side, status, tpJSON, now, now,
	)
	return err
}

// GetTradeThread 查询交易线程
func (s *Store) GetTradeThread(id int64) (TradeThread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t TradeThread
	var tpJSON sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(
		`SELECT id, symbol, side, status, tp_prices, created_at, updated_at FROM trade_threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.Symbol, &t.Side, &t.Status, &tpJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return TradeThread{}, false, nil
	}
	if err != nil {
		return TradeThread{}, false, err
	}
	if tpJSON.Valid && tpJSON.String != "" {
		json.Unmarshal([]byte(tpJSON.String), &t.TPPrices)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, true, nil
}

// RecordExecution 记录一次入场执行（冷却判断依据）
func (s *Store) RecordExecution(symbol, side string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO executions (ts, symbol, side) VALUES (?, ?, ?)`,
		nowStr(), symbol, side,
	)
	return err
}

// WithinCooldown 某币种某方向距上次执行是否仍在冷却期内
func (s *Store) WithinCooldown(symbol, side string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tsStr string
	err := s.db.QueryRow(
		`SELECT ts FROM executions WHERE symbol = ? AND side = ? ORDER BY id DESC LIMIT 1`,
		symbol, side,
	).Scan(&tsStr)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return false
	}
	return time.Since(ts) < cooldown
}
