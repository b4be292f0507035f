package store

// 面板和审计工具用的只读查询。全部按时间倒序返回，limit上限500。

const maxQueryLimit = 500

// EventRecord 事件表一行
type EventRecord struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Event   string `json:"event"`
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
	Fields  string `json:"fields,omitempty"`
}

// EquityPoint 净值采样一行
type EquityPoint struct {
	TS         string  `json:"ts"`
	Equity     float64 `json:"equity"`
	Available  float64 `json:"available"`
	MarginUsed float64 `json:"margin_used"`
	Drawdown   float64 `json:"drawdown"`
}

// ReconcilerActionRecord 对账动作一行
type ReconcilerActionRecord struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	ClientOid string `json:"client_oid"`
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
}

// ViolationRecord 不变量违规一行
type ViolationRecord struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts"`
	Kind   string `json:"kind"`
	Symbol string `json:"symbol"`
	Detail string `json:"detail"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// RecentEvents 最近的事件
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, ts, level, event, symbol, message, fields FROM events ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Event, &e.Symbol, &e.Message, &e.Fields); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentEquity 最近的净值采样
func (s *Store) RecentEquity(limit int) ([]EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT ts, equity, available, margin_used, drawdown FROM equity_snapshots ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.TS, &p.Equity, &p.Available, &p.MarginUsed, &p.Drawdown); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentReconcilerActions 最近的对账动作
func (s *Store) RecentReconcilerActions(limit int) ([]ReconcilerActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, ts, action, symbol, client_oid, order_id, reason FROM reconciler_actions ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconcilerActionRecord
	for rows.Next() {
		var a ReconcilerActionRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.Symbol, &a.ClientOid, &a.OrderID, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentViolations 最近的不变量违规
func (s *Store) RecentViolations(limit int) ([]ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, ts, kind, symbol, detail FROM invariant_violations ORDER BY id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var v ViolationRecord
		if err := rows.Scan(&v.ID, &v.TS, &v.Kind, &v.Symbol, &v.Detail); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
