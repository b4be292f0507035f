package stoploss

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/alerts"
	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/state"
)

// 保护结果模式
const (
	ModeExisting   = "existing"    // 已有有效止损，未动作
	ModeTrigger    = "trigger"     // 新挂交易所触发单
	ModeLocalGuard = "local_guard" // 新登记本地止损
	ModeNone       = "none"        // 未能建立保护
)

// 触发价与期望价的相对容差，在容差内视为同价不重挂
const triggerPriceTolerance = 1e-4

// 止损单数量允许偏离持仓数量的比例
const sizeDivergenceLimit = 0.20

// Result EnsureStopLoss的执行结果
type Result struct {
	OK            bool
	Mode          string
	Reason        string
	OrderID       string
	ClientOrderID string
}

// protectiveExchange 保护单所需的交易所能力
type protectiveExchange interface {
	PlaceTriggerOrder(ctx context.Context, req gateway.TriggerOrderRequest) (gateway.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) error
	CancelTriggerOrder(ctx context.Context, symbol, orderID string) error
	ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error
	SupportsPlanOrders(ctx context.Context) bool
}

// Manager 止损保护引擎。保证每个持仓恰好一张有效保护单：
// 交易所支持计划单时用触发单，否则登记本地止损并逐tick评估。
type Manager struct {
	cfg      *config.Config
	rt       *state.Runtime
	ex       protectiveExchange
	notifier *alerts.Notifier
	now      func() time.Time
}

func NewManager(cfg *config.Config, rt *state.Runtime, ex protectiveExchange, notifier *alerts.Notifier) *Manager {
	return &Manager{cfg: cfg, rt: rt, ex: ex, notifier: notifier, now: time.Now}
}

// EnsureStopLoss 幂等地保证持仓有一张期望价位的止损。
// desiredPrice<=0 时按入场价与默认止损比例推算；desiredSize<=0 时直接放弃。
// parentClientID 关联保护单所属入场单。source 仅用于日志与事件标注。
func (m *Manager) EnsureStopLoss(ctx context.Context, pos state.PositionState, desiredPrice, desiredSize float64, source, parentClientID string) Result {
	if desiredSize <= 0 {
		return Result{OK: false, Mode: ModeNone, Reason: "size<=0"}
	}

	price := desiredPrice
	if price <= 0 {
		price = m.defaultStopPrice(pos)
		if price <= 0 {
			return Result{OK: false, Mode: ModeNone, Reason: "no_entry_price_for_default_sl"}
		}
	}

	// 已有有效止损且触发价吻合：幂等返回
	if existing, ok := m.rt.FindStopLossOrder(pos.Symbol, pos.Side); ok {
		if m.validateExistingSl(existing, pos) && withinTolerance(existing.TriggerPrice, price) {
			return Result{
				OK:            true,
				Mode:          ModeExisting,
				OrderID:       existing.OrderID,
				ClientOrderID: existing.ClientOrderID,
			}
		}
		m.cancelStale(ctx, existing)
	}
	if g, ok := m.rt.GetGuard(pos.Symbol, pos.Side, state.PurposeStopLoss); ok && g.Active {
		if withinTolerance(g.TriggerPrice, price) && sizeWithinBand(g.Size, desiredSize) {
			return Result{OK: true, Mode: ModeExisting}
		}
		// 旧价位的本地止损直接被新登记覆盖
	}

	if m.useTriggerOrders(ctx) {
		return m.placeTrigger(ctx, pos, price, desiredSize, source, parentClientID)
	}
	return m.armLocalGuard(pos, price, desiredSize, source, 0)
}

// MoveToBreakEven 将止损移至保本位：入场价按方向加减缓冲。
func (m *Manager) MoveToBreakEven(ctx context.Context, pos state.PositionState, bufferPct float64) Result {
	if pos.EntryPrice <= 0 {
		return Result{OK: false, Mode: ModeNone, Reason: "no_entry_price"}
	}
	var trigger float64
	if pos.Side == state.SideLong {
		trigger = pos.EntryPrice * (1 + bufferPct)
	} else {
		trigger = pos.EntryPrice * (1 - bufferPct)
	}
	return m.EnsureStopLoss(ctx, pos, trigger, pos.Size, "break_even", "")
}

// ArmBEReduceGuard 登记保本减仓本地单，与止损本地单走同一套评估。
func (m *Manager) ArmBEReduceGuard(pos state.PositionState, triggerPrice, size float64, threadID int64) {
	m.rt.RegisterGuard(state.LocalGuardStop{
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		TriggerPrice: triggerPrice,
		Size:         size,
		Reason:       "be_reduce_degraded",
		Purpose:      state.PurposeBEReduceLocal,
		ThreadID:     threadID,
	})
	log.Warn().
		Str("symbol", pos.Symbol).
		Float64("trigger", triggerPrice).
		Msg("交易所不支持计划单，保本减仓降级为本地守护")
}

// ProcessLocalGuards 逐个评估激活中的本地止损：价格越过触发价即市价平仓。
// 本地止损触发意味着交易所侧保护从未生效，强制进入safe_mode阻断新开仓。
// 平仓失败只记录不升级，升级时机由守护进程把握。
func (m *Manager) ProcessLocalGuards(ctx context.Context) {
	for _, g := range m.rt.ActiveGuards() {
		snap, ok := m.rt.GetPrice(g.Symbol)
		if !ok {
			continue
		}
		px := snap.Mark
		if px <= 0 {
			px = snap.Last
		}
		if px <= 0 {
			continue
		}
		if !crossed(g.Side, px, g.TriggerPrice) {
			continue
		}

		log.Warn().
			Str("symbol", g.Symbol).
			Str("side", g.Side).
			Str("purpose", g.Purpose).
			Float64("price", px).
			Float64("trigger", g.TriggerPrice).
			Msg("本地止损触发，市价保护性平仓")
		metrics.RecordGuardFired(g.Symbol)

		if err := m.ex.ClosePosition(ctx, g.Symbol, g.Side, g.Size); err != nil {
			log.Error().Err(err).Str("symbol", g.Symbol).Msg("本地止损平仓失败，下一tick重试")
			m.rt.RecordAPIError()
			continue
		}
		metrics.RecordProtectiveClose("local_guard")
		m.rt.DeactivateGuard(g.Symbol, g.Side, g.Purpose)
		if g.Purpose == state.PurposeBEReduceLocal {
			// 本地守护的跟踪单不存在于交易所，对账不会替它收尾
			m.rt.ResolveGuardOrder(g.Symbol, g.Side, g.Purpose, state.StatusFilled)
		}
		m.rt.EnableSafeMode(fmt.Sprintf("local guard fired for %s", g.Symbol))
		if m.notifier != nil {
			m.notifier.Critical("LOCAL_GUARD_FIRED", g.Symbol,
				"本地止损触发并完成保护性平仓，系统进入safe_mode",
				map[string]interface{}{
					"side":    g.Side,
					"trigger": g.TriggerPrice,
					"price":   px,
					"size":    g.Size,
					"purpose": g.Purpose,
				})
		}
	}
}

// validateExistingSl 现有止损是否仍然有效：
// 平仓方向正确、只减仓语义、触发价为正、数量与持仓偏差在20%以内。
func (m *Manager) validateExistingSl(o state.OrderState, pos state.PositionState) bool {
	if o.Side != state.ClosingOrderSide(pos.Side) {
		return false
	}
	if !o.ReduceOnly && o.TradeSide != state.TradeSideClose {
		return false
	}
	if o.IsTerminal() || o.TriggerPrice <= 0 {
		return false
	}
	if pos.Size > 0 && !sizeWithinBand(o.Quantity, pos.Size) {
		return false
	}
	return true
}

func (m *Manager) cancelStale(ctx context.Context, o state.OrderState) {
	var err error
	if o.IsPlanOrder {
		err = m.ex.CancelTriggerOrder(ctx, o.Symbol, o.OrderID)
	} else {
		err = m.ex.CancelOrder(ctx, o.Symbol, o.OrderID, o.ClientOrderID)
	}
	if err != nil {
		// 撤旧单失败不阻断新保护的建立
		log.Warn().Err(err).
			Str("symbol", o.Symbol).
			Str("client_oid", o.ClientOrderID).
			Msg("撤销过期止损失败")
		m.rt.RecordAPIError()
		return
	}
	m.rt.MarkOrderStatus(o.ClientOrderID, state.StatusCanceled, 0, 0, "")
}

func (m *Manager) useTriggerOrders(ctx context.Context) bool {
	mode := m.cfg.Risk.StopLoss.SLOrderType
	if mode != "trigger" && mode != "plan" {
		return false
	}
	return m.ex.SupportsPlanOrders(ctx)
}

func (m *Manager) placeTrigger(ctx context.Context, pos state.PositionState, price, size float64, source, parentClientID string) Result {
	clientOid := "sl-" + uuid.NewString()
	req := gateway.TriggerOrderRequest{
		Symbol:        pos.Symbol,
		Side:          state.ClosingOrderSide(pos.Side),
		TriggerPrice:  price,
		Price:         0, // 触发后市价
		Size:          size,
		ClientOrderID: clientOid,
		TriggerType:   m.cfg.Risk.StopLoss.TriggerPriceType,
		PlanType:      "loss_plan",
	}
	if m.cfg.Bitget.PositionMode == "hedge_mode" {
		req.TradeSide = state.TradeSideClose
	} else {
		req.ReduceOnly = true
	}

	ack, err := m.ex.PlaceTriggerOrder(ctx, req)
	if err != nil {
		m.rt.RecordAPIError()
		log.Error().Err(err).
			Str("symbol", pos.Symbol).
			Str("source", source).
			Float64("trigger", price).
			Msg("止损触发单下单失败")
		if m.cfg.Risk.StopLoss.EmergencyCloseIfSLPlaceFail {
			m.emergencyClose(ctx, pos, source)
		}
		return Result{OK: false, Mode: ModeNone, Reason: "place_failed: " + err.Error()}
	}

	now := m.now()
	m.rt.UpsertOrder(state.OrderState{
		Symbol:        pos.Symbol,
		Side:          req.Side,
		Status:        state.StatusAcked,
		Quantity:      size,
		ReduceOnly:    req.ReduceOnly,
		TradeSide:     req.TradeSide,
		Purpose:       state.PurposeStopLoss,
		ClientOrderID: clientOid,
		OrderID:       ack.OrderID,
		TriggerPrice:  price,
		IsPlanOrder:   true,
		ParentClient:  parentClientID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	// 交易所保护就位后，旧的本地止损可以退役
	m.rt.DeactivateGuard(pos.Symbol, pos.Side, state.PurposeStopLoss)
	metrics.RecordOrderPlaced("sl")
	log.Info().
		Str("symbol", pos.Symbol).
		Str("source", source).
		Float64("trigger", price).
		Float64("size", size).
		Str("client_oid", clientOid).
		Msg("止损触发单已挂出")
	return Result{OK: true, Mode: ModeTrigger, OrderID: ack.OrderID, ClientOrderID: clientOid}
}

func (m *Manager) armLocalGuard(pos state.PositionState, price, size float64, source string, threadID int64) Result {
	m.rt.RegisterGuard(state.LocalGuardStop{
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		TriggerPrice: price,
		Size:         size,
		Reason:       source,
		Purpose:      state.PurposeStopLoss,
		ThreadID:     threadID,
	})
	log.Info().
		Str("symbol", pos.Symbol).
		Str("source", source).
		Float64("trigger", price).
		Float64("size", size).
		Msg("已登记本地止损")
	return Result{OK: true, Mode: ModeLocalGuard}
}

func (m *Manager) emergencyClose(ctx context.Context, pos state.PositionState, source string) {
	if err := m.ex.ClosePosition(ctx, pos.Symbol, pos.Side, 0); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("止损下单失败后的紧急平仓也失败")
		m.rt.RecordAPIError()
		return
	}
	metrics.RecordProtectiveClose("sl_place_failed")
	m.rt.EnableSafeMode(fmt.Sprintf("sl placement failed for %s", pos.Symbol))
	if m.notifier != nil {
		m.notifier.Critical("EMERGENCY_CLOSE_SL_PLACE_FAILED", pos.Symbol,
			"止损挂单失败，按配置执行紧急平仓", map[string]interface{}{"source": source})
	}
}

func (m *Manager) defaultStopPrice(pos state.PositionState) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	pct := m.cfg.Risk.DefaultStopLossPct
	if pos.Side == state.SideLong {
		return pos.EntryPrice * (1 - pct)
	}
	return pos.EntryPrice * (1 + pct)
}

// crossed 价格是否已越过触发价的不利方向
func crossed(positionSide string, price, trigger float64) bool {
	if positionSide == state.SideLong {
		return price <= trigger
	}
	return price >= trigger
}

func withinTolerance(a, b float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= triggerPriceTolerance
}

func sizeWithinBand(orderSize, posSize float64) bool {
	if posSize <= 0 {
		return false
	}
	return math.Abs(orderSize-posSize)/posSize <= sizeDivergenceLimit
}
