package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/metrics"
)

// Runtime 全局运行时状态。账户、持仓、订单、本地止损与行情的唯一共享模型，
// 所有读写都经过内部锁，方法内不做任何网络IO。
type Runtime struct {
	mu sync.RWMutex

	account   AccountState
	positions map[string]PositionState // symbol -> position

	ordersByClientID   map[string]*OrderState
	ordersByExchangeID map[string]*OrderState

	guards map[string]*LocalGuardStop // "SYMBOL|side" -> guard
	prices map[string]PriceSnapshot   // symbol -> snapshot

	safeMode    bool
	safeReason  string
	panicMode   bool
	panicReason string

	peakEquity float64

	apiErrors []time.Time // 滑动窗口内的API错误时间戳

	lastAccountAt   time.Time
	lastPositionsAt time.Time
	lastPriceAt     time.Time
}

// NewRuntime 创建空的运行时状态
func NewRuntime() *Runtime {
	return &Runtime{
		positions:          make(map[string]PositionState),
		ordersByClientID:   make(map[string]*OrderState),
		ordersByExchangeID: make(map[string]*OrderState),
		guards:             make(map[string]*LocalGuardStop),
		prices:             make(map[string]PriceSnapshot),
	}
}

// SetAccount 整体替换账户快照，peak_equity 只增不减
func (r *Runtime) SetAccount(a AccountState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.account = a
	r.lastAccountAt = time.Now()
	if a.Equity > r.peakEquity {
		r.peakEquity = a.Equity
	}
	metrics.SetEquity(a.Equity)
	if r.peakEquity > 0 {
		metrics.SetDrawdown((r.peakEquity - a.Equity) / r.peakEquity)
	}
	if a.Equity > 0 {
		metrics.SetMarginRatio(a.MarginUsed / a.Equity)
	}
}

// Account 当前账户快照
func (r *Runtime) Account() AccountState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.account
}

// PeakEquity 历史峰值净值
func (r *Runtime) PeakEquity() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peakEquity
}

// SetPositions 整体替换持仓（交易所为准），返回本轮被清掉的交易对列表。
// 持仓消失时同步清理其未终态订单和本地止损。
func (r *Runtime) SetPositions(positions []PositionState) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldOpenedAt := make(map[string]time.Time, len(r.positions))
	for sym, p := range r.positions {
		oldOpenedAt[sym] = p.OpenedAt
	}

	newSet := make(map[string]PositionState, len(positions))
	now := time.Now()
	for _, p := range positions {
		if prev, ok := oldOpenedAt[p.Symbol]; ok && !prev.IsZero() {
			p.OpenedAt = prev
		} else if p.OpenedAt.IsZero() {
			p.OpenedAt = now
		}
		p.UpdatedAt = now
		newSet[p.Symbol] = p
	}

	var cleared []string
	for sym := range r.positions {
		if _, still := newSet[sym]; !still {
			cleared = append(cleared, sym)
		}
	}

	r.positions = newSet
	r.lastPositionsAt = now

	// 持仓已平，撤掉残留的本地跟踪
	for _, sym := range cleared {
		for _, o := range r.ordersByClientID {
			if o.Symbol == sym && !o.IsTerminal() {
				o.Status = StatusCanceled
				o.UpdatedAt = now
			}
		}
		for key, g := range r.guards {
			if g.Symbol == sym && g.Active {
				g.Active = false
				log.Info().Str("symbol", sym).Str("key", key).Msg("持仓已平，停用本地止损")
			}
		}
	}

	r.refreshProtectionMetricsLocked()
	return cleared
}

// Positions 所有持仓的副本
func (r *Runtime) Positions() []PositionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PositionState, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	return out
}

// Position 查询单个持仓
func (r *Runtime) Position(symbol string) (PositionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[symbol]
	return p, ok
}

// UpsertOrder 登记或更新订单，按客户端ID与交易所ID双键索引
func (r *Runtime) UpsertOrder(o OrderState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, ok := r.ordersByClientID[o.ClientOrderID]
	if !ok && o.OrderID != "" {
		existing, ok = r.ordersByExchangeID[o.OrderID]
	}
	if ok {
		if o.OrderID != "" {
			existing.OrderID = o.OrderID
		}
		existing.Status = o.Status
		existing.Filled = o.Filled
		existing.AvgPrice = o.AvgPrice
		if o.TriggerPrice > 0 {
			existing.TriggerPrice = o.TriggerPrice
		}
		existing.UpdatedAt = now
		if existing.OrderID != "" {
			r.ordersByExchangeID[existing.OrderID] = existing
		}
	} else {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		stored := &o
		r.ordersByClientID[o.ClientOrderID] = stored
		if o.OrderID != "" {
			r.ordersByExchangeID[o.OrderID] = stored
		}
	}
	r.refreshProtectionMetricsLocked()
}

// FindOrder 按任一ID查找订单，返回副本
func (r *Runtime) FindOrder(id string) (OrderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.ordersByClientID[id]; ok {
		return *o, true
	}
	if o, ok := r.ordersByExchangeID[id]; ok {
		return *o, true
	}
	return OrderState{}, false
}

// MarkOrderStatus 应用状态/成交量/均价更新。exchangeID 非空时补登交易所ID。
func (r *Runtime) MarkOrderStatus(id, status string, filled, avgPrice float64, exchangeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.ordersByClientID[id]
	if !ok {
		o, ok = r.ordersByExchangeID[id]
	}
	if !ok {
		return false
	}

	o.Status = status
	if filled > 0 {
		o.Filled = filled
	}
	if avgPrice > 0 {
		o.AvgPrice = avgPrice
	}
	if exchangeID != "" && o.OrderID == "" {
		o.OrderID = exchangeID
		r.ordersByExchangeID[exchangeID] = o
	}
	o.UpdatedAt = time.Now()

	r.refreshProtectionMetricsLocked()
	return true
}

// OpenOrders 所有未终态订单的副本
func (r *Runtime) OpenOrders() []OrderState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OrderState
	for _, o := range r.ordersByClientID {
		if !o.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OrdersByThread 某交易线程的全部订单副本
func (r *Runtime) OrdersByThread(threadID int64) []OrderState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OrderState
	for _, o := range r.ordersByClientID {
		if o.ThreadID == threadID {
			out = append(out, *o)
		}
	}
	return out
}

// HasValidStopLoss 判断某持仓是否已有有效止损：
// purpose=sl、未终态、方向为平仓方向、且 reduce_only 或 trade_side=close。
// 激活中的本地止损守护同样算作有效保护，降级期间调用方不会看到持续的
// 缺止损告警，想区分交易所侧保护请另查 FindStopLossOrder。
func (r *Runtime) HasValidStopLoss(symbol, positionSide string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasValidStopLossLocked(symbol, positionSide)
}

func (r *Runtime) hasValidStopLossLocked(symbol, positionSide string) bool {
	closing := ClosingOrderSide(positionSide)
	for _, o := range r.ordersByClientID {
		if o.Purpose == PurposeStopLoss &&
			o.Symbol == symbol &&
			!o.IsTerminal() &&
			o.Side == closing &&
			(o.ReduceOnly || o.TradeSide == TradeSideClose) {
			return true
		}
	}
	// 本地止损也算有效保护
	if g, ok := r.guards[guardKey(symbol, positionSide, PurposeStopLoss)]; ok && g.Active {
		return true
	}
	return false
}

// FindStopLossOrder 查找某持仓当前的止损单（未终态），返回副本
func (r *Runtime) FindStopLossOrder(symbol, positionSide string) (OrderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	closing := ClosingOrderSide(positionSide)
	for _, o := range r.ordersByClientID {
		if o.Purpose == PurposeStopLoss && o.Symbol == symbol && !o.IsTerminal() && o.Side == closing {
			return *o, true
		}
	}
	return OrderState{}, false
}

// 同一持仓可以同时挂止损守护和保本减仓守护，键里带上用途区分
func guardKey(symbol, side, purpose string) string {
	return symbol + "|" + side + "|" + purpose
}

// RegisterGuard 登记本地守护单（同键覆盖旧记录，未填用途视为止损）
func (r *Runtime) RegisterGuard(g LocalGuardStop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.Purpose == "" {
		g.Purpose = PurposeStopLoss
	}
	g.Active = true
	r.guards[guardKey(g.Symbol, g.Side, g.Purpose)] = &g
	r.refreshProtectionMetricsLocked()
}

// GetGuard 查询本地守护单
func (r *Runtime) GetGuard(symbol, side, purpose string) (LocalGuardStop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[guardKey(symbol, side, purpose)]
	if !ok {
		return LocalGuardStop{}, false
	}
	return *g, true
}

// DeactivateGuard 停用本地守护单
func (r *Runtime) DeactivateGuard(symbol, side, purpose string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[guardKey(symbol, side, purpose)]; ok {
		g.Active = false
	}
	r.refreshProtectionMetricsLocked()
}

// ResolveGuardOrder 守护触发或退役后，把对应的本地跟踪单置为终态，
// 避免幽灵记录永远留在未终态列表里。
func (r *Runtime) ResolveGuardOrder(symbol, positionSide, purpose, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	closing := ClosingOrderSide(positionSide)
	now := time.Now()
	for _, o := range r.ordersByClientID {
		if o.Purpose == purpose && o.Symbol == symbol && o.Side == closing && !o.IsTerminal() {
			o.Status = status
			o.UpdatedAt = now
		}
	}
	r.refreshProtectionMetricsLocked()
}

// ActiveGuards 所有激活中的本地止损副本
func (r *Runtime) ActiveGuards() []LocalGuardStop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []LocalGuardStop
	for _, g := range r.guards {
		if g.Active {
			out = append(out, *g)
		}
	}
	return out
}

// KnownSymbol 本地是否有该交易对的任何踪迹（订单记录或已知持仓），
// 用于识别来源不明的交易所持仓。
func (r *Runtime) KnownSymbol(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.positions[symbol]; ok {
		return true
	}
	for _, o := range r.ordersByClientID {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

// SetPrice 更新行情快照
func (r *Runtime) SetPrice(p PriceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	r.prices[p.Symbol] = p
	r.lastPriceAt = p.UpdatedAt
}

// GetPrice 查询行情快照
func (r *Runtime) GetPrice(symbol string) (PriceSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[symbol]
	return p, ok
}

// EnableSafeMode 进入安全模式（只升不降）。返回是否为首次触发。
func (r *Runtime) EnableSafeMode(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.safeMode {
		return false
	}
	r.safeMode = true
	r.safeReason = reason
	metrics.SetSafeMode(true)
	log.Warn().Str("reason", reason).Msg("进入安全模式，暂停新开仓")
	return true
}

// DisableSafeMode 退出安全模式（panic_mode 下安全模式不可解除）
func (r *Runtime) DisableSafeMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicMode {
		return false
	}
	if !r.safeMode {
		return false
	}
	r.safeMode = false
	r.safeReason = ""
	metrics.SetSafeMode(false)
	log.Info().Msg("退出安全模式")
	return true
}

// EnablePanicMode 进入紧急模式（隐含安全模式，只升不降）。返回是否为首次触发。
func (r *Runtime) EnablePanicMode(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicMode {
		return false
	}
	r.panicMode = true
	r.panicReason = reason
	r.safeMode = true
	if r.safeReason == "" {
		r.safeReason = reason
	}
	metrics.SetPanicMode(true)
	metrics.SetSafeMode(true)
	log.Error().Str("reason", reason).Msg("进入紧急模式，强制平仓")
	return true
}

// SafeMode 当前是否处于安全模式
func (r *Runtime) SafeMode() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.safeMode, r.safeReason
}

// PanicMode 当前是否处于紧急模式
func (r *Runtime) PanicMode() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.panicMode, r.panicReason
}

// RecordAPIError 记录一次API错误（滑动窗口）
func (r *Runtime) RecordAPIError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiErrors = append(r.apiErrors, time.Now())
	// 限制窗口存量，避免无界增长
	if len(r.apiErrors) > 1024 {
		r.apiErrors = r.apiErrors[len(r.apiErrors)-1024:]
	}
	metrics.IncAPIError()
}

// APIErrorCount 窗口内API错误次数
func (r *Runtime) APIErrorCount(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-window)
	i := 0
	for ; i < len(r.apiErrors); i++ {
		if r.apiErrors[i].After(cutoff) {
			break
		}
	}
	r.apiErrors = r.apiErrors[i:]
	return len(r.apiErrors)
}

// Freshness 各类数据的最近更新时间（供看门狗使用）
func (r *Runtime) Freshness() (account, positions, prices time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastAccountAt, r.lastPositionsAt, r.lastPriceAt
}

// TakeSnapshot 生成当前运行时状态的只读快照
func (r *Runtime) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Account:     r.account,
		SafeMode:    r.safeMode,
		SafeReason:  r.safeReason,
		PanicMode:   r.panicMode,
		PanicReason: r.panicReason,
		PeakEquity:  r.peakEquity,
		TakenAt:     time.Now(),
	}
	for _, p := range r.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, o := range r.ordersByClientID {
		if !o.IsTerminal() {
			snap.OpenOrders = append(snap.OpenOrders, *o)
		}
	}
	for _, g := range r.guards {
		if g.Active {
			snap.ActiveGuards = append(snap.ActiveGuards, *g)
		}
	}
	return snap
}

// refreshProtectionMetricsLocked 重算持仓/止损覆盖指标，调用方须持锁
func (r *Runtime) refreshProtectionMetricsLocked() {
	open := len(r.positions)
	missing := 0
	for _, p := range r.positions {
		if p.Size > 0 && !r.hasValidStopLossLocked(p.Symbol, p.Side) {
			missing++
		}
	}
	metrics.SetOpenPositions(open)
	metrics.SetSLMissing(missing)
	if open > 0 {
		metrics.SetSLCoverage(float64(open-missing) / float64(open))
	} else {
		metrics.SetSLCoverage(1.0)
	}
}
