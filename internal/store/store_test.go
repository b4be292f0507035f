package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSystemFlagRoundTrip(t *testing.T) {
	s := newTestStore(t)

	// 不存在的标志返回空串
	v, err := s.GetSystemFlag("kill_switch")
	if err != nil {
		t.Fatalf("读取标志失败: %v", err)
	}
	if v != "" {
		t.Errorf("不存在的标志应为空串，得到 %q", v)
	}

	if err := s.SetSystemFlag("kill_switch", "safe_mode"); err != nil {
		t.Fatalf("写标志失败: %v", err)
	}
	v, _ = s.GetSystemFlag("kill_switch")
	if v != "safe_mode" {
		t.Errorf("期望 safe_mode，得到 %q", v)
	}

	// 覆盖写
	s.SetSystemFlag("kill_switch", "panic_close")
	v, _ = s.GetSystemFlag("kill_switch")
	if v != "panic_close" {
		t.Errorf("覆盖后期望 panic_close，得到 %q", v)
	}
}

func TestRecordAndCountEvents(t *testing.T) {
	s := newTestStore(t)

	s.RecordEvent("CRITICAL", "SL_AUTOFIX_FAILED_THEN_PANIC", "BTCUSDT", "autofix exhausted", map[string]interface{}{
		"elapsed_seconds": 35,
	})
	s.RecordEvent("WARN", "DRAWDOWN_BREAKER", "", "drawdown 0.20 > 0.15", nil)
	s.RecordEvent("WARN", "DRAWDOWN_BREAKER", "", "still down", nil)

	n, err := s.CountEvents("DRAWDOWN_BREAKER")
	if err != nil {
		t.Fatalf("统计事件失败: %v", err)
	}
	if n != 2 {
		t.Errorf("应有2条回撤事件，得到 %d", n)
	}
	n, _ = s.CountEvents("SL_AUTOFIX_FAILED_THEN_PANIC")
	if n != 1 {
		t.Errorf("应有1条autofix事件，得到 %d", n)
	}
}

func TestTradeThreadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.GetTradeThread(42)
	if err != nil || found {
		t.Fatalf("未登记的线程应返回found=false: found=%v err=%v", found, err)
	}

	err = s.UpsertTradeThread(TradeThread{
		ID: 42, Symbol: "ETHUSDT", Side: "long",
		TPPrices: []float64{2100, 2200, 2300},
	})
	if err != nil {
		t.Fatalf("登记线程失败: %v", err)
	}

	got, found, err := s.GetTradeThread(42)
	if err != nil || !found {
		t.Fatalf("应找到线程42: found=%v err=%v", found, err)
	}
	if got.Symbol != "ETHUSDT" || got.Status != "active" {
		t.Errorf("线程内容错误: %+v", got)
	}
	if len(got.TPPrices) != 3 || got.TPPrices[1] != 2200 {
		t.Errorf("TP价格梯队应还原: %v", got.TPPrices)
	}

	// 状态更新
	got.Status = "closed"
	s.UpsertTradeThread(got)
	got2, _, _ := s.GetTradeThread(42)
	if got2.Status != "closed" {
		t.Errorf("状态应更新为closed，得到 %s", got2.Status)
	}
}

func TestWithinCooldown(t *testing.T) {
	s := newTestStore(t)

	if s.WithinCooldown("BTCUSDT", "long", time.Minute) {
		t.Error("无执行记录时不应在冷却期")
	}

	s.RecordExecution("BTCUSDT", "long")
	if !s.WithinCooldown("BTCUSDT", "long", time.Minute) {
		t.Error("刚执行后应在冷却期内")
	}
	if s.WithinCooldown("BTCUSDT", "short", time.Minute) {
		t.Error("冷却按币种+方向独立")
	}
	if s.WithinCooldown("BTCUSDT", "long", 0) {
		t.Error("冷却时长为0时应始终放行")
	}
}

func TestReconcilerActionAndViolation(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordReconcilerAction("place_sl", "BTCUSDT", "c-1", "ex-1", "entry filled"); err != nil {
		t.Errorf("记录对账动作失败: %v", err)
	}
	if err := s.RecordInvariantViolation("sl_missing", "BTCUSDT", "no valid stop loss for 25s"); err != nil {
		t.Errorf("记录违规失败: %v", err)
	}
	if err := s.SnapshotEquity(1000, 800, 150, 0.0); err != nil {
		t.Errorf("净值采样失败: %v", err)
	}
}

func TestRecentQueries(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		s.RecordEvent("WARN", "MARGIN_BREAKER", "BTCUSDT", "保证金占用超限", nil)
		s.SnapshotEquity(1000-float64(i), 800, 150, float64(i)/100)
		s.RecordReconcilerAction("status_update", "BTCUSDT", "c-1", "ex-1", "ACKED -> FILLED")
		s.RecordInvariantViolation("missing_stop_loss", "BTCUSDT", "持仓无有效止损")
	}

	events, err := s.RecentEvents(2)
	if err != nil || len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d (err=%v)", len(events), err)
	}
	if events[0].ID <= events[1].ID {
		t.Error("事件应按时间倒序返回")
	}

	equity, err := s.RecentEquity(10)
	if err != nil || len(equity) != 3 {
		t.Fatalf("Expected 3 equity points, got %d (err=%v)", len(equity), err)
	}
	if equity[0].Equity != 998 {
		t.Errorf("最新净值应为998, got %v", equity[0].Equity)
	}

	actions, err := s.RecentReconcilerActions(0)
	if err != nil || len(actions) != 3 {
		t.Fatalf("Expected 3 actions with default limit, got %d (err=%v)", len(actions), err)
	}

	violations, err := s.RecentViolations(10)
	if err != nil || len(violations) != 3 {
		t.Fatalf("Expected 3 violations, got %d (err=%v)", len(violations), err)
	}
	if violations[0].Kind != "missing_stop_loss" {
		t.Errorf("Expected missing_stop_loss, got %s", violations[0].Kind)
	}
}
