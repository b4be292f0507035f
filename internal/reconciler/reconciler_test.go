package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/stoploss"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

type mockExchange struct {
	supportsPlans bool
	detailErr     error
	details       map[string]gateway.OrderDetail // clientOrderID -> 查询结果

	placed           []gateway.TriggerOrderRequest
	canceledTriggers []string
	canceledOrders   []string
	closes           []string
}

func (m *mockExchange) GetOrderDetail(ctx context.Context, symbol, orderID, clientOrderID string) (gateway.OrderDetail, error) {
	if m.detailErr != nil {
		return gateway.OrderDetail{}, m.detailErr
	}
	if d, ok := m.details[clientOrderID]; ok {
		return d, nil
	}
	return gateway.OrderDetail{ClientOrderID: clientOrderID, RawStatus: "live"}, nil
}

func (m *mockExchange) PlaceTriggerOrder(ctx context.Context, req gateway.TriggerOrderRequest) (gateway.OrderAck, error) {
	m.placed = append(m.placed, req)
	return gateway.OrderAck{OrderID: fmt.Sprintf("ex-%d", len(m.placed)), ClientOrderID: req.ClientOrderID}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) error {
	m.canceledOrders = append(m.canceledOrders, clientOrderID)
	return nil
}

func (m *mockExchange) CancelTriggerOrder(ctx context.Context, symbol, orderID string) error {
	m.canceledTriggers = append(m.canceledTriggers, orderID)
	return nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error {
	m.closes = append(m.closes, symbol)
	return nil
}

func (m *mockExchange) SupportsPlanOrders(ctx context.Context) bool {
	return m.supportsPlans
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bitget.PositionMode = "one_way_mode"
	cfg.Risk.DefaultStopLossPct = 0.02
	cfg.Risk.StopLoss.SLOrderType = "trigger"
	cfg.Risk.StopLoss.TriggerPriceType = "mark_price"
	cfg.Execution.PlaceTPOnFill = true
	cfg.Execution.BEReduceOnTwoEntries = true
	cfg.Execution.BEReducePct = 50
	cfg.Execution.BEReduceTriggerType = "mark_price"
	cfg.Execution.MaxSubmitRetries = 2
	return cfg
}

func newTestEnv(t *testing.T, ex *mockExchange) (*Reconciler, *state.Runtime, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := testConfig()
	rt := state.NewRuntime()
	sl := stoploss.NewManager(cfg, rt, ex, nil)
	return New(cfg, rt, ex, sl, st), rt, st
}

func entryOrder(clientOid string, threadID int64, entryIdx int) state.OrderState {
	return state.OrderState{
		Symbol:        "ETHUSDT",
		Side:          state.OrderSideBuy,
		Status:        state.StatusAcked,
		Quantity:      1.0,
		Purpose:       state.PurposeEntry,
		ClientOrderID: clientOid,
		OrderID:       "x-" + clientOid,
		ThreadID:      threadID,
		EntryIndex:    entryIdx,
	}
}

func TestReconcileUpdatesStatus(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "partially_filled", Filled: 0.4, AvgPrice: 2000, OrderID: "x-e1"},
	}}
	r, rt, _ := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 0.4, EntryPrice: 2000}})
	rt.UpsertOrder(entryOrder("e1", 0, 0))

	r.ReconcileOnce(context.Background())

	o, _ := rt.FindOrder("e1")
	if o.Status != state.StatusPartial {
		t.Errorf("Expected PARTIAL, got %s", o.Status)
	}
	if o.Filled != 0.4 || o.AvgPrice != 2000 {
		t.Errorf("成交信息未同步: %+v", o)
	}
}

func TestEntryFillPlacesStopLossSizedToFill(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "partially_filled", Filled: 0.5, AvgPrice: 2000, OrderID: "x-e1"},
	}}
	r, rt, _ := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 0.5, EntryPrice: 2000}})
	rt.UpsertOrder(entryOrder("e1", 0, 0))

	r.ReconcileOnce(context.Background())

	var sl *gateway.TriggerOrderRequest
	for i := range ex.placed {
		if ex.placed[i].PlanType == "loss_plan" {
			sl = &ex.placed[i]
		}
	}
	if sl == nil {
		t.Fatal("部分成交后应补止损触发单")
	}
	if sl.Size != 0.5 {
		t.Errorf("止损数量应等于已成交量0.5, got %v", sl.Size)
	}
	if !rt.HasValidStopLoss("ETHUSDT", state.SideLong) {
		t.Error("补挂后应有有效止损")
	}
}

func TestTPLadderOncePerThread(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "filled", Filled: 3.0, AvgPrice: 2000, OrderID: "x-e1"},
	}}
	r, rt, st := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 3.0, EntryPrice: 2000}})
	if err := st.UpsertTradeThread(store.TradeThread{ID: 7, Symbol: "ETHUSDT", Side: state.SideLong, TPPrices: []float64{2100, 2200}}); err != nil {
		t.Fatal(err)
	}
	rt.UpsertOrder(entryOrder("e1", 7, 0))

	r.ReconcileOnce(context.Background())

	var tps []gateway.TriggerOrderRequest
	for _, p := range ex.placed {
		if p.PlanType == "profit_plan" {
			tps = append(tps, p)
		}
	}
	if len(tps) != 2 {
		t.Fatalf("应挂出2张TP, got %d", len(tps))
	}
	for _, tp := range tps {
		if tp.Size != 1.5 {
			t.Errorf("TP分腿数量应为1.5, got %v", tp.Size)
		}
		if tp.Side != state.OrderSideSell || !tp.ReduceOnly {
			t.Errorf("TP必须是只减仓的卖单: %+v", tp)
		}
	}

	// 入场单已终态，后续tick不再对账，也不会重复挂TP
	before := len(ex.placed)
	r.ReconcileOnce(context.Background())
	if len(ex.placed) != before {
		t.Errorf("重复对账不应再挂单, placed %d -> %d", before, len(ex.placed))
	}
}

func TestBEReduceWeightedAverage(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "filled", Filled: 1.0, AvgPrice: 2000, OrderID: "x-e1"},
		"e2": {RawStatus: "filled", Filled: 2.0, AvgPrice: 1900, OrderID: "x-e2"},
	}}
	r, rt, _ := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 3.0, EntryPrice: 1933.33}})
	rt.UpsertOrder(entryOrder("e1", 9, 0))
	rt.UpsertOrder(entryOrder("e2", 9, 1))

	r.ReconcileOnce(context.Background())

	var be *gateway.TriggerOrderRequest
	for i := range ex.placed {
		if ex.placed[i].PlanType == "normal_plan" {
			be = &ex.placed[i]
		}
	}
	if be == nil {
		t.Fatal("两笔入场都成交后应挂保本减仓单")
	}
	want := (1.0*2000 + 2.0*1900) / 3.0
	if math.Abs(be.TriggerPrice-want) > 0.01 {
		t.Errorf("保本触发价应为量加权均价 %.2f, got %v", want, be.TriggerPrice)
	}
	if be.Size != 1.5 {
		t.Errorf("保本减仓数量应为总成交量的50%%: got %v", be.Size)
	}

	// 再对账一轮：保本减仓单已存在，不应重复
	count := 0
	r.ReconcileOnce(context.Background())
	for _, p := range ex.placed {
		if p.PlanType == "normal_plan" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("每线程只允许一张保本减仓单, got %d", count)
	}
}

func TestBEReduceDegradedToLocalGuard(t *testing.T) {
	ex := &mockExchange{supportsPlans: false, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "filled", Filled: 1.0, AvgPrice: 2000, OrderID: "x-e1"},
		"e2": {RawStatus: "filled", Filled: 2.0, AvgPrice: 1900, OrderID: "x-e2"},
	}}
	r, rt, st := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 3.0, EntryPrice: 1933.33}})
	rt.UpsertOrder(entryOrder("e1", 9, 0))
	rt.UpsertOrder(entryOrder("e2", 9, 1))

	r.ReconcileOnce(context.Background())

	if len(ex.placed) != 0 {
		t.Errorf("不支持计划单时不应有交易所挂单, got %v", ex.placed)
	}
	g, ok := rt.GetGuard("ETHUSDT", state.SideLong, state.PurposeBEReduceLocal)
	if !ok || !g.Active {
		t.Fatal("应登记保本减仓本地守护")
	}
	want := (1.0*2000 + 2.0*1900) / 3.0
	if math.Abs(g.TriggerPrice-want) > 0.01 {
		t.Errorf("本地守护触发价应为 %.2f, got %v", want, g.TriggerPrice)
	}
	n, _ := st.CountEvents("BE_REDUCE_DEGRADED")
	if n != 1 {
		t.Errorf("应记录1条保护降级事件, got %d", n)
	}
}

func TestStopLossResizeOnDivergence(t *testing.T) {
	ex := &mockExchange{supportsPlans: true}
	r, rt, _ := newTestEnv(t, ex)
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 2.0, EntryPrice: 2000}})
	rt.UpsertOrder(state.OrderState{
		Symbol:        "ETHUSDT",
		Side:          state.OrderSideSell,
		Status:        state.StatusAcked,
		Quantity:      1.0,
		ReduceOnly:    true,
		Purpose:       state.PurposeStopLoss,
		ClientOrderID: "sl-1",
		OrderID:       "x-sl-1",
		TriggerPrice:  1950,
		IsPlanOrder:   true,
	})

	r.ReconcileOnce(context.Background())

	if len(ex.canceledTriggers) != 1 {
		t.Errorf("偏差50%%应撤旧止损, canceled=%v", ex.canceledTriggers)
	}
	if len(ex.placed) != 1 || ex.placed[0].Size != 2.0 {
		t.Fatalf("应按持仓数量2.0重建止损, placed=%v", ex.placed)
	}
	if ex.placed[0].TriggerPrice != 1950 {
		t.Errorf("重建应沿用原触发价1950, got %v", ex.placed[0].TriggerPrice)
	}
}

func TestRetryExhaustionForcesSafeMode(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, detailErr: errors.New("http 503")}
	r, rt, st := newTestEnv(t, ex)
	rt.UpsertOrder(entryOrder("e1", 0, 0))

	ctx := context.Background()
	r.ReconcileOnce(ctx)
	r.ReconcileOnce(ctx)
	if safe, _ := rt.SafeMode(); safe {
		t.Fatal("未超过重试上限不应进入safe_mode")
	}
	r.ReconcileOnce(ctx)
	if safe, _ := rt.SafeMode(); !safe {
		t.Fatal("超过重试上限应进入safe_mode")
	}
	n, _ := st.CountEvents("RECONCILE_RETRIES_EXHAUSTED")
	if n != 1 {
		t.Errorf("应记录1条重试耗尽事件, got %d", n)
	}
}

type recordingFeedback struct {
	stopLosses int
	others     int
}

func (f *recordingFeedback) RecordStopLoss()         { f.stopLosses++ }
func (f *recordingFeedback) RecordNonStoplossClose() { f.others++ }

func TestFilledOrdersFeedRiskCounters(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"sl-1": {RawStatus: "filled", Filled: 1.0, AvgPrice: 1950, OrderID: "x-sl-1"},
		"tp-1": {RawStatus: "filled", Filled: 1.0, AvgPrice: 2100, OrderID: "x-tp-1"},
	}}
	r, rt, st := newTestEnv(t, ex)
	fb := &recordingFeedback{}
	r.AttachRiskFeedback(fb)

	rt.UpsertOrder(state.OrderState{
		Symbol: "ETHUSDT", Side: state.OrderSideSell, Status: state.StatusAcked,
		Quantity: 1.0, Purpose: state.PurposeStopLoss, ClientOrderID: "sl-1",
		OrderID: "x-sl-1", TriggerPrice: 1950, IsPlanOrder: true, ReduceOnly: true,
	})
	rt.UpsertOrder(state.OrderState{
		Symbol: "ETHUSDT", Side: state.OrderSideSell, Status: state.StatusAcked,
		Quantity: 1.0, Purpose: state.PurposeTakeProfit, ClientOrderID: "tp-1",
		OrderID: "x-tp-1", TriggerPrice: 2100, IsPlanOrder: true, ReduceOnly: true,
	})

	r.ReconcileOnce(context.Background())

	if fb.stopLosses != 1 {
		t.Errorf("止损成交应计入熔断计数1次, got %d", fb.stopLosses)
	}
	if fb.others != 1 {
		t.Errorf("TP成交应重置熔断计数1次, got %d", fb.others)
	}

	// 入场成交记执行，进入冷却期
	ex.details["e1"] = gateway.OrderDetail{RawStatus: "filled", Filled: 1.0, AvgPrice: 2000, OrderID: "x-e1"}
	rt.SetPositions([]state.PositionState{{Symbol: "ETHUSDT", Side: state.SideLong, Size: 1.0, EntryPrice: 2000}})
	rt.UpsertOrder(entryOrder("e1", 0, 0))
	r.ReconcileOnce(context.Background())

	if !st.WithinCooldown("ETHUSDT", state.SideLong, time.Minute) {
		t.Error("入场完全成交后应处于冷却期")
	}
}

func TestEntryFilledWithUnknownSize(t *testing.T) {
	ex := &mockExchange{supportsPlans: true, details: map[string]gateway.OrderDetail{
		"e1": {RawStatus: "filled", Filled: 0, OrderID: "x-e1"},
	}}
	r, rt, st := newTestEnv(t, ex)
	if err := st.UpsertTradeThread(store.TradeThread{ID: 3, Symbol: "ETHUSDT", Side: state.SideLong, TPPrices: []float64{2100}}); err != nil {
		t.Fatal(err)
	}
	rt.UpsertOrder(entryOrder("e1", 3, 0))

	r.ReconcileOnce(context.Background())

	if len(ex.placed) != 0 {
		t.Errorf("成交量未知且无持仓时不应挂任何单, got %v", ex.placed)
	}
	n, _ := st.CountEvents("ENTRY_FILL_SIZE_UNKNOWN")
	if n != 1 {
		t.Errorf("应记录1条成交量未知事件, got %d", n)
	}
}
