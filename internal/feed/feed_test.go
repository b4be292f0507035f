package feed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

type mockMarket struct {
	account   gateway.AccountSnapshot
	accountEr error
	positions []gateway.Position
	tickers   map[string]gateway.Ticker
}

func (m *mockMarket) GetAccountSnapshot(ctx context.Context) (gateway.AccountSnapshot, error) {
	if m.accountEr != nil {
		return gateway.AccountSnapshot{}, m.accountEr
	}
	return m.account, nil
}

func (m *mockMarket) GetPositions(ctx context.Context) ([]gateway.Position, error) {
	return m.positions, nil
}

func (m *mockMarket) GetTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	if tk, ok := m.tickers[symbol]; ok {
		return tk, nil
	}
	return gateway.Ticker{}, errors.New("symbol not found")
}

func newTestSync(t *testing.T, m *mockMarket) (*Sync, *state.Runtime, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rt := state.NewRuntime()
	return NewSync(&config.Config{}, rt, m, st), rt, st
}

func TestSyncAccount(t *testing.T) {
	m := &mockMarket{account: gateway.AccountSnapshot{Equity: 5000, Available: 4000, MarginUsed: 1000}}
	s, rt, _ := newTestSync(t, m)

	if err := s.SyncAccount(context.Background()); err != nil {
		t.Fatalf("同步账户失败: %v", err)
	}
	a := rt.Account()
	if a.Equity != 5000 || a.MarginUsed != 1000 {
		t.Errorf("账户快照未写入: %+v", a)
	}
	if rt.PeakEquity() != 5000 {
		t.Errorf("Expected peak 5000, got %v", rt.PeakEquity())
	}
}

func TestSyncAccountErrorCounted(t *testing.T) {
	m := &mockMarket{accountEr: errors.New("http 503")}
	s, rt, _ := newTestSync(t, m)

	if err := s.SyncAccount(context.Background()); err == nil {
		t.Fatal("应返回错误")
	}
	if rt.APIErrorCount(time.Minute) != 1 {
		t.Error("同步失败应计入API错误")
	}
}

func TestSyncPositionsMarksUnknownOrigin(t *testing.T) {
	m := &mockMarket{positions: []gateway.Position{
		{Symbol: "BTCUSDT", Side: state.SideLong, Size: 1, EntryPrice: 50000},
		{Symbol: "DOGEUSDT", Side: state.SideShort, Size: 100, EntryPrice: 0.2},
	}}
	s, rt, _ := newTestSync(t, m)

	// BTCUSDT有本地入场记录，DOGEUSDT没有
	rt.UpsertOrder(state.OrderState{
		Symbol: "BTCUSDT", Side: state.OrderSideBuy,
		Purpose: state.PurposeEntry, Status: state.StatusAcked, ClientOrderID: "e1",
	})

	if err := s.SyncPositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	btc, _ := rt.Position("BTCUSDT")
	if btc.UnknownOrigin {
		t.Error("有本地订单的持仓不应标记为来源不明")
	}
	doge, _ := rt.Position("DOGEUSDT")
	if !doge.UnknownOrigin {
		t.Error("无本地踪迹的持仓应标记为来源不明")
	}
}

func TestSyncPositionsClearedEvent(t *testing.T) {
	m := &mockMarket{positions: []gateway.Position{
		{Symbol: "BTCUSDT", Side: state.SideLong, Size: 1},
	}}
	s, rt, st := newTestSync(t, m)

	if err := s.SyncPositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.positions = nil
	if err := s.SyncPositions(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := rt.Position("BTCUSDT"); ok {
		t.Error("持仓应被清除")
	}
	n, _ := st.CountEvents("POSITION_CLEARED")
	if n != 1 {
		t.Errorf("应记录1条清仓事件, got %d", n)
	}
}

func TestSyncPricesCoversGuards(t *testing.T) {
	m := &mockMarket{
		positions: nil,
		tickers: map[string]gateway.Ticker{
			"ETHUSDT": {Symbol: "ETHUSDT", Mark: 2000, Last: 2001},
		},
	}
	s, rt, _ := newTestSync(t, m)
	rt.RegisterGuard(state.LocalGuardStop{
		Symbol: "ETHUSDT", Side: state.SideLong, TriggerPrice: 1950, Size: 1,
	})

	if err := s.SyncPrices(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, ok := rt.GetPrice("ETHUSDT")
	if !ok || p.Mark != 2000 {
		t.Errorf("本地守护涉及的交易对行情应被覆盖: %+v", p)
	}
}
