package reconciler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/stoploss"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

// 止损单数量与持仓偏差超过该比例就重建
const slResizeThreshold = 0.20

// reconcilerExchange 对账所需的交易所能力
type reconcilerExchange interface {
	GetOrderDetail(ctx context.Context, symbol, orderID, clientOrderID string) (gateway.OrderDetail, error)
	PlaceTriggerOrder(ctx context.Context, req gateway.TriggerOrderRequest) (gateway.OrderAck, error)
	SupportsPlanOrders(ctx context.Context) bool
}

// riskFeedback 止损/非止损出场回报给风控的钩子（连续止损熔断计数用）
type riskFeedback interface {
	RecordStopLoss()
	RecordNonStoplossClose()
}

// Reconciler 订单对账循环：以交易所状态为准刷新本地订单，
// 入场成交后补齐止损、TP阶梯和保本减仓单。
type Reconciler struct {
	cfg *config.Config
	rt  *state.Runtime
	ex  reconcilerExchange
	sl  *stoploss.Manager
	st  *store.Store

	// 可为nil（测试里不关心熔断计数时）
	risk riskFeedback

	// 每单连续对账失败计数，成功即清零
	retries map[string]int
	now     func() time.Time
}

func New(cfg *config.Config, rt *state.Runtime, ex reconcilerExchange, sl *stoploss.Manager, st *store.Store) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		rt:      rt,
		ex:      ex,
		sl:      sl,
		st:      st,
		retries: make(map[string]int),
		now:     time.Now,
	}
}

// AttachRiskFeedback 挂接风控出场回报
func (r *Reconciler) AttachRiskFeedback(rf riskFeedback) {
	r.risk = rf
}

// ReconcileOnce 对每张未终态订单做一次对账。每单每tick只查一次，不在tick内重试。
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	for _, o := range r.rt.OpenOrders() {
		r.reconcileOrder(ctx, o)
	}
}

func (r *Reconciler) reconcileOrder(ctx context.Context, o state.OrderState) {
	// 本地守护类记录只存在于本进程，交易所查不到
	if o.Purpose == state.PurposeBEReduceLocal {
		return
	}
	detail, err := r.ex.GetOrderDetail(ctx, o.Symbol, o.OrderID, o.ClientOrderID)
	if err != nil {
		r.rt.RecordAPIError()
		metrics.IncReconcileError()
		r.retries[o.ClientOrderID]++
		n := r.retries[o.ClientOrderID]
		log.Warn().Err(err).
			Str("client_oid", o.ClientOrderID).
			Str("symbol", o.Symbol).
			Int("attempt", n).
			Msg("订单对账失败")
		if n > r.cfg.Execution.MaxSubmitRetries {
			if r.rt.EnableSafeMode(fmt.Sprintf("reconcile retries exhausted for %s", o.ClientOrderID)) {
				_ = r.st.RecordEvent("CRITICAL", "RECONCILE_RETRIES_EXHAUSTED", o.Symbol,
					"订单对账连续失败，进入safe_mode",
					map[string]interface{}{"client_oid": o.ClientOrderID, "attempts": n})
			}
		}
		return
	}
	delete(r.retries, o.ClientOrderID)

	status := gateway.NormalizeStatus(detail.RawStatus)
	changed := status != o.Status || detail.Filled != o.Filled
	r.rt.MarkOrderStatus(o.ClientOrderID, status, detail.Filled, detail.AvgPrice, detail.OrderID)
	metrics.RecordReconciled(status)
	if changed {
		_ = r.st.RecordReconcilerAction("status_update", o.Symbol, o.ClientOrderID, detail.OrderID,
			fmt.Sprintf("%s -> %s filled=%v", o.Status, status, detail.Filled))
	}
	if changed && status == state.StatusFilled {
		r.onFilled(o)
	}

	// MarkOrderStatus 之后用刷新过的副本继续处理
	updated, ok := r.rt.FindOrder(o.ClientOrderID)
	if !ok {
		return
	}

	switch updated.Purpose {
	case state.PurposeEntry:
		if status == state.StatusPartial || status == state.StatusFilled {
			r.handleEntryFill(ctx, updated)
		}
	case state.PurposeStopLoss:
		if !updated.IsTerminal() {
			r.checkStopLossSize(ctx, updated)
		}
	}
}

// onFilled 订单完全成交时的后续记账：入场记执行（冷却窗口数据源），
// 止损成交计入连续止损熔断，TP/保本成交重置熔断计数。
func (r *Reconciler) onFilled(o state.OrderState) {
	switch o.Purpose {
	case state.PurposeEntry:
		side := positionSideOf(o)
		if err := r.st.RecordExecution(o.Symbol, side); err != nil {
			log.Warn().Err(err).Str("symbol", o.Symbol).Msg("记录入场执行失败")
		}
	case state.PurposeStopLoss:
		if r.risk != nil {
			r.risk.RecordStopLoss()
		}
	case state.PurposeTakeProfit, state.PurposeBEReduce:
		if r.risk != nil {
			r.risk.RecordNonStoplossClose()
		}
	}
}

// handleEntryFill 入场单出现成交后的保护动作：
// 按已成交量补止损（分批入场也逐批保护）、挂TP阶梯、检查保本减仓条件。
func (r *Reconciler) handleEntryFill(ctx context.Context, o state.OrderState) {
	pos, havePos := r.rt.Position(o.Symbol)
	if !havePos {
		// 持仓轮询可能还没跟上，用订单侧信息先行保护
		pos = state.PositionState{
			Symbol:     o.Symbol,
			Side:       positionSideOf(o),
			Size:       o.Filled,
			EntryPrice: o.AvgPrice,
		}
	}

	if o.Filled <= 0 {
		_ = r.st.RecordEvent("WARN", "ENTRY_FILL_SIZE_UNKNOWN", o.Symbol,
			"入场单已成交但成交量未知，跳过保护动作",
			map[string]interface{}{"client_oid": o.ClientOrderID, "status": o.Status})
		return
	}

	// 已有止损就沿用其触发价，保证只做数量调整不改价
	desired := 0.0
	if existing, ok := r.rt.FindStopLossOrder(o.Symbol, pos.Side); ok {
		desired = existing.TriggerPrice
	}
	res := r.sl.EnsureStopLoss(ctx, pos, desired, o.Filled, "entry_fill", o.ClientOrderID)
	if !res.OK {
		log.Warn().
			Str("symbol", o.Symbol).
			Str("reason", res.Reason).
			Msg("入场成交后补止损失败，交由守护进程升级")
	}

	if r.cfg.Execution.PlaceTPOnFill && o.ThreadID != 0 {
		r.placeTPLadder(ctx, o, pos)
	}
	if r.cfg.Execution.BEReduceOnTwoEntries && o.ThreadID != 0 {
		r.checkBEReduce(ctx, o, pos)
	}
}

// placeTPLadder 按线程的TP价格阶梯挂单，每个目标价一张，数量均分。
// 线程已有活跃TP时不重复挂。
func (r *Reconciler) placeTPLadder(ctx context.Context, o state.OrderState, pos state.PositionState) {
	thread, found, err := r.st.GetTradeThread(o.ThreadID)
	if err != nil || !found || len(thread.TPPrices) == 0 {
		return
	}
	for _, sib := range r.rt.OrdersByThread(o.ThreadID) {
		if sib.Purpose == state.PurposeTakeProfit && !sib.IsTerminal() {
			return
		}
	}

	total := o.Filled
	if total <= 0 {
		total = pos.Size
	}
	if total <= 0 {
		_ = r.st.RecordEvent("WARN", "TP_SKIPPED_SIZE_UNKNOWN", o.Symbol,
			"TP总数量未知且无持仓记录，跳过",
			map[string]interface{}{"thread_id": o.ThreadID})
		return
	}

	legSize := total / float64(len(thread.TPPrices))
	closing := state.ClosingOrderSide(pos.Side)
	for i, price := range thread.TPPrices {
		if legSize <= 0 || price <= 0 {
			_ = r.st.RecordEvent("WARN", "TP_LEG_SKIPPED", o.Symbol,
				"TP分腿数量或价格非法，跳过该腿",
				map[string]interface{}{"thread_id": o.ThreadID, "leg": i, "price": price, "size": legSize})
			continue
		}
		clientOid := fmt.Sprintf("tp-%d-%d-%s", o.ThreadID, i, uuid.NewString()[:8])
		req := gateway.TriggerOrderRequest{
			Symbol:        o.Symbol,
			Side:          closing,
			TriggerPrice:  price,
			Size:          legSize,
			ClientOrderID: clientOid,
			TriggerType:   r.cfg.Risk.StopLoss.TriggerPriceType,
			PlanType:      "profit_plan",
		}
		if r.cfg.Bitget.PositionMode == "hedge_mode" {
			req.TradeSide = state.TradeSideClose
		} else {
			req.ReduceOnly = true
		}
		ack, err := r.ex.PlaceTriggerOrder(ctx, req)
		if err != nil {
			r.rt.RecordAPIError()
			log.Error().Err(err).Str("symbol", o.Symbol).Int("leg", i).Msg("TP挂单失败")
			continue
		}
		now := r.now()
		r.rt.UpsertOrder(state.OrderState{
			Symbol:        o.Symbol,
			Side:          closing,
			Status:        state.StatusAcked,
			Quantity:      legSize,
			ReduceOnly:    req.ReduceOnly,
			TradeSide:     req.TradeSide,
			Purpose:       state.PurposeTakeProfit,
			ClientOrderID: clientOid,
			OrderID:       ack.OrderID,
			TriggerPrice:  price,
			IsPlanOrder:   true,
			ParentClient:  o.ClientOrderID,
			ThreadID:      o.ThreadID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		metrics.RecordOrderPlaced("tp")
		log.Info().
			Str("symbol", o.Symbol).
			Int64("thread_id", o.ThreadID).
			Float64("trigger", price).
			Float64("size", legSize).
			Msg("TP触发单已挂出")
	}
}

// checkBEReduce 保本减仓：线程的第0、1笔入场都有成交后，
// 在量加权均价处挂一张只减仓单，让这笔交易变成无风险。
// 每个线程最多一张在途保本减仓单，止损被手工改动后不自动重挂。
func (r *Reconciler) checkBEReduce(ctx context.Context, o state.OrderState, pos state.PositionState) {
	siblings := r.rt.OrdersByThread(o.ThreadID)

	var first, second *state.OrderState
	for i := range siblings {
		sib := &siblings[i]
		if sib.Purpose != state.PurposeEntry {
			// 每线程只触发一次：历史上出现过保本减仓单就不再重挂
			if sib.Purpose == state.PurposeBEReduce || sib.Purpose == state.PurposeBEReduceLocal {
				return
			}
			continue
		}
		switch sib.EntryIndex {
		case 0:
			first = sib
		case 1:
			second = sib
		}
	}
	if first == nil || second == nil || first.Filled <= 0 || second.Filled <= 0 {
		return
	}
	if g, ok := r.rt.GetGuard(o.Symbol, pos.Side, state.PurposeBEReduceLocal); ok && g.Active {
		return
	}
	if first.AvgPrice <= 0 || second.AvgPrice <= 0 {
		_ = r.st.RecordEvent("WARN", "BE_REDUCE_SKIPPED", o.Symbol,
			"入场均价未知，无法计算保本触发价",
			map[string]interface{}{"thread_id": o.ThreadID})
		return
	}

	q1, q2 := first.Filled, second.Filled
	trigger := (q1*first.AvgPrice + q2*second.AvgPrice) / (q1 + q2)
	size := (q1 + q2) * r.cfg.Execution.BEReducePct / 100

	if !r.ex.SupportsPlanOrders(ctx) {
		// 交易所侧无法托管，降级为本地守护并标记保护降级
		r.sl.ArmBEReduceGuard(pos, trigger, size, o.ThreadID)
		r.rt.UpsertOrder(state.OrderState{
			Symbol:        o.Symbol,
			Side:          state.ClosingOrderSide(pos.Side),
			Status:        state.StatusAcked,
			Quantity:      size,
			ReduceOnly:    true,
			Purpose:       state.PurposeBEReduceLocal,
			ClientOrderID: fmt.Sprintf("bel-%d-%s", o.ThreadID, uuid.NewString()[:8]),
			TriggerPrice:  trigger,
			ThreadID:      o.ThreadID,
			CreatedAt:     r.now(),
			UpdatedAt:     r.now(),
		})
		_ = r.st.RecordEvent("WARN", "BE_REDUCE_DEGRADED", o.Symbol,
			"保本减仓降级为本地守护",
			map[string]interface{}{"thread_id": o.ThreadID, "trigger": trigger})
		return
	}

	clientOid := fmt.Sprintf("be-%d-%s", o.ThreadID, uuid.NewString()[:8])
	req := gateway.TriggerOrderRequest{
		Symbol:        o.Symbol,
		Side:          state.ClosingOrderSide(pos.Side),
		TriggerPrice:  trigger,
		Size:          size,
		ClientOrderID: clientOid,
		TriggerType:   r.cfg.Execution.BEReduceTriggerType,
		PlanType:      "normal_plan",
	}
	if r.cfg.Bitget.PositionMode == "hedge_mode" {
		req.TradeSide = state.TradeSideClose
	} else {
		req.ReduceOnly = true
	}
	ack, err := r.ex.PlaceTriggerOrder(ctx, req)
	if err != nil {
		r.rt.RecordAPIError()
		log.Error().Err(err).Str("symbol", o.Symbol).Int64("thread_id", o.ThreadID).Msg("保本减仓挂单失败")
		return
	}
	now := r.now()
	r.rt.UpsertOrder(state.OrderState{
		Symbol:        o.Symbol,
		Side:          req.Side,
		Status:        state.StatusAcked,
		Quantity:      size,
		ReduceOnly:    req.ReduceOnly,
		TradeSide:     req.TradeSide,
		Purpose:       state.PurposeBEReduce,
		ClientOrderID: clientOid,
		OrderID:       ack.OrderID,
		TriggerPrice:  trigger,
		IsPlanOrder:   true,
		ThreadID:      o.ThreadID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	metrics.RecordOrderPlaced("be_reduce")
	log.Info().
		Str("symbol", o.Symbol).
		Int64("thread_id", o.ThreadID).
		Float64("trigger", trigger).
		Float64("size", size).
		Msg("保本减仓单已挂出")
}

// checkStopLossSize 止损单数量与实际持仓偏差过大时重建止损
func (r *Reconciler) checkStopLossSize(ctx context.Context, o state.OrderState) {
	pos, ok := r.rt.Position(o.Symbol)
	if !ok || pos.Size <= 0 {
		return
	}
	if math.Abs(o.Quantity-pos.Size)/pos.Size <= slResizeThreshold {
		return
	}
	log.Info().
		Str("symbol", o.Symbol).
		Float64("order_size", o.Quantity).
		Float64("position_size", pos.Size).
		Msg("止损数量与持仓偏差超限，重建止损")
	r.sl.EnsureStopLoss(ctx, pos, o.TriggerPrice, pos.Size, "sl_resize", o.ParentClient)
}

// positionSideOf 入场单对应的持仓方向
func positionSideOf(o state.OrderState) string {
	if o.Side == state.OrderSideBuy {
		return state.SideLong
	}
	return state.SideShort
}
