package watchdog

import (
	"testing"
	"time"

	"github.com/quantsentry/trade-sentinel/internal/state"
)

type mockHooks struct {
	safeEntered   []string
	safeExited    []string
	resyncs       []string
	wsReconnects  []string
}

func (m *mockHooks) EnterSafeMode(reason string)           { m.safeEntered = append(m.safeEntered, reason) }
func (m *mockHooks) ExitSafeMode(reason string)            { m.safeExited = append(m.safeExited, reason) }
func (m *mockHooks) ForceResync(reason string)             { m.resyncs = append(m.resyncs, reason) }
func (m *mockHooks) ForcePriceFeedReconnect(reason string) { m.wsReconnects = append(m.wsReconnects, reason) }

func newTestWatchdog(rt *state.Runtime, hooks Hooks) *Watchdog {
	return New(Config{
		StaleThreshold:    10 * time.Second,
		FailureThreshold:  2,
		RecoveryThreshold: 2,
	}, rt, hooks)
}

func TestStaleAccountTriggersSafeMode(t *testing.T) {
	rt := state.NewRuntime()
	hooks := &mockHooks{}
	w := newTestWatchdog(rt, hooks)

	rt.SetAccount(state.AccountState{Equity: 1000})
	// 把时钟拨快30秒，账户数据超过10秒阈值
	w.now = func() time.Time { return time.Now().Add(30 * time.Second) }

	w.check()
	if len(hooks.safeEntered) != 0 {
		t.Fatal("单次失联未达阈值不应进入安全模式")
	}
	w.check()
	if len(hooks.safeEntered) != 1 {
		t.Fatalf("连续2次失联应进入安全模式, got %v", hooks.safeEntered)
	}

	// 第三次不重复触发
	w.check()
	if len(hooks.safeEntered) != 1 {
		t.Errorf("不应重复进入安全模式, got %v", hooks.safeEntered)
	}
}

func TestRecoveryExitsSafeMode(t *testing.T) {
	rt := state.NewRuntime()
	hooks := &mockHooks{}
	w := newTestWatchdog(rt, hooks)

	rt.SetAccount(state.AccountState{Equity: 1000})
	w.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	w.check()
	w.check()
	if len(hooks.safeEntered) != 1 {
		t.Fatal("应已进入安全模式")
	}

	// 数据恢复：时钟回到当下，账户刚更新过
	w.now = time.Now
	rt.SetAccount(state.AccountState{Equity: 1000})
	w.check()
	if len(hooks.safeExited) != 0 {
		t.Fatal("单次恢复未达阈值不应退出安全模式")
	}
	w.check()
	if len(hooks.safeExited) != 1 || len(hooks.resyncs) != 1 {
		t.Errorf("连续恢复应触发resync并退出安全模式: exits=%v resyncs=%v", hooks.safeExited, hooks.resyncs)
	}
}

func TestNeverUpdatedFeedsIgnored(t *testing.T) {
	rt := state.NewRuntime()
	hooks := &mockHooks{}
	w := newTestWatchdog(rt, hooks)

	// 启动阶段什么都没更新过：不报警
	w.check()
	w.check()
	w.check()
	if len(hooks.safeEntered) != 0 {
		t.Error("从未更新过的数据源不应触发安全模式")
	}
}

func TestStalePricesForcesReconnectOnlyWhenNeeded(t *testing.T) {
	rt := state.NewRuntime()
	hooks := &mockHooks{}
	w := newTestWatchdog(rt, hooks)

	rt.SetPrice(state.PriceSnapshot{Symbol: "BTCUSDT", Mark: 50000})
	w.now = func() time.Time { return time.Now().Add(30 * time.Second) }

	// 无持仓无守护：行情过期无所谓
	w.check()
	if len(hooks.wsReconnects) != 0 {
		t.Error("无持仓时行情过期不应触发重连")
	}

	rt.SetPositions([]state.PositionState{{Symbol: "BTCUSDT", Side: state.SideLong, Size: 1}})
	w.check()
	if len(hooks.wsReconnects) != 1 {
		t.Errorf("有持仓且行情过期应触发重连, got %v", hooks.wsReconnects)
	}
}
