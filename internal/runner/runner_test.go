package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantsentry/trade-sentinel/internal/config"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

func newBareRunner(t *testing.T) (*Runner, *state.Runtime) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := &config.Config{}
	cfg.Storage.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.json")
	rt := state.NewRuntime()
	return &Runner{cfg: cfg, rt: rt, st: st}, rt
}

func TestWatchdogSafeModeOwnership(t *testing.T) {
	r, rt := newBareRunner(t)

	r.EnterSafeMode("data_stale")
	if safe, reason := rt.SafeMode(); !safe || reason == "" {
		t.Fatal("看门狗钩子应进入安全模式")
	}

	r.ExitSafeMode("data_recovered")
	if safe, _ := rt.SafeMode(); safe {
		t.Error("看门狗设的安全模式应可被看门狗解除")
	}
}

func TestWatchdogDoesNotClearForeignSafeMode(t *testing.T) {
	r, rt := newBareRunner(t)

	// 回撤熔断设置的安全模式不归看门狗管
	rt.EnableSafeMode("drawdown breaker")
	r.ExitSafeMode("data_recovered")
	if safe, _ := rt.SafeMode(); !safe {
		t.Error("非看门狗设置的安全模式不应被解除")
	}
}

func TestPersistSnapshot(t *testing.T) {
	r, rt := newBareRunner(t)
	rt.SetAccount(state.AccountState{Equity: 1234})

	r.persistSnapshot()

	data, err := os.ReadFile(r.cfg.Storage.SnapshotPath)
	if err != nil {
		t.Fatalf("快照文件未写入: %v", err)
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("快照不是合法JSON: %v", err)
	}
}

func TestSafeTickIsolatesPanic(t *testing.T) {
	r, _ := newBareRunner(t)

	// 不应把panic传播出来
	r.safeTick(context.Background(), "test", func(ctx context.Context) {
		panic("boom")
	})
}
