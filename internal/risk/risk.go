package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/state"
)

// Signal 外部信号的入场请求
type Signal struct {
	Symbol    string
	Side      string  // long | short
	OrderType string  // limit | market
	EntryLow  float64 // 限价入场区间下沿 (市价单为0)
	EntryHigh float64 // 限价入场区间上沿
	StopLoss  float64 // 显式止损价 (0=按默认比例)
	Leverage  int
	Quality   float64 // 信号质量分
	CreatedAt time.Time
}

// Decision 风控裁决结果
type Decision struct {
	Approved     bool
	Reason       string // 拒绝原因（通过时为空）
	Symbol       string
	Side         string
	Leverage     int
	Quantity     float64
	EntryPrice   float64
	StopPrice    float64
	StopDistance float64 // 止损距离比例 |entry-stop|/entry
	Quality      float64
	Warnings     []string
}

// ManageAction 持仓管理动作
type ManageAction struct {
	Symbol    string
	ReducePct float64 // 减仓百分比 (0=不减)
	MoveToBE  bool    // 移动止损到保本
	TPPrice   float64 // 新TP价 (0=不动)
}

// symbolRegistry ALLOW_ALL策略需要的符号查询能力
type symbolRegistry interface {
	IsTradable(ctx context.Context, symbol string) bool
	Volume24h(ctx context.Context, symbol string) float64
}

// Manager 入场风控。13道有序闸门，第一道失败即拒绝，拒绝无副作用。
type Manager struct {
	cfg      *config.Config
	rt       *state.Runtime
	registry symbolRegistry

	mu            sync.Mutex
	consecutiveSL int
	breakerUntil  time.Time

	now func() time.Time
}

// NewManager 创建风控管理器。registry可为nil（ALLOWLIST模式不需要）。
func NewManager(cfg *config.Config, rt *state.Runtime, registry symbolRegistry) *Manager {
	return &Manager{
		cfg:      cfg,
		rt:       rt,
		registry: registry,
		now:      time.Now,
	}
}

func reject(sig Signal, reason string) Decision {
	metrics.RecordRejection(reason)
	log.Info().
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Str("reason", reason).
		Msg("入场被风控拒绝")
	return Decision{Approved: false, Reason: reason, Symbol: sig.Symbol, Side: sig.Side}
}

// EvaluateEntry 入场风控评审。withinCooldown与openPositions由调用方提供，
// 本方法不做任何网络IO，拒绝路径无副作用。
func (m *Manager) EvaluateEntry(ctx context.Context, sig Signal, currentPrice, equity float64, withinCooldown bool, openPositions int) Decision {
	cfg := m.cfg
	sig.Symbol = config.NormalizeSymbol(sig.Symbol)
	now := m.now()

	if !cfg.Risk.Enabled {
		return reject(sig, "risk_disabled")
	}

	// 1. 黑名单
	for _, b := range cfg.Filters.SymbolBlacklist {
		if b == sig.Symbol {
			return reject(sig, "symbol_blacklisted")
		}
	}

	// 2. 符号策略
	switch cfg.Filters.SymbolPolicy {
	case "ALLOWLIST":
		allowed := false
		for _, w := range cfg.Filters.SymbolWhitelist {
			if w == sig.Symbol {
				allowed = true
				break
			}
		}
		if !allowed {
			return reject(sig, "symbol_not_whitelisted")
		}
	case "ALLOW_ALL":
		if cfg.Filters.RequireExchangeSymbol {
			if m.registry == nil || !m.registry.IsTradable(ctx, sig.Symbol) {
				return reject(sig, "symbol_not_tradable")
			}
		}
		if cfg.Filters.MinUSDTVolume24h > 0 && m.registry != nil {
			if m.registry.Volume24h(ctx, sig.Symbol) < cfg.Filters.MinUSDTVolume24h {
				return reject(sig, "volume_too_low")
			}
		}
	}

	// 3. 方向过滤
	if !cfg.SideAllowed(sig.Side) {
		return reject(sig, "side_not_allowed")
	}

	// 4. 杠杆
	var warnings []string
	leverage := sig.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > cfg.Filters.MaxLeverage {
		if cfg.Filters.LeveragePolicy == "REJECT" {
			return reject(sig, "leverage_exceeded")
		}
		warnings = append(warnings, fmt.Sprintf("leverage capped %d -> %d", leverage, cfg.Filters.MaxLeverage))
		leverage = cfg.Filters.MaxLeverage
	}

	// 5. 信号时效
	if cfg.Filters.MaxSignalAgeSeconds > 0 && !sig.CreatedAt.IsZero() {
		if now.Sub(sig.CreatedAt) > time.Duration(cfg.Filters.MaxSignalAgeSeconds)*time.Second {
			return reject(sig, "signal_stale")
		}
	}

	// 6. 连续止损熔断
	m.mu.Lock()
	inBreaker := now.Before(m.breakerUntil)
	m.mu.Unlock()
	if inBreaker {
		return reject(sig, "stoploss_circuit_breaker")
	}

	// 7. 同币种同方向冷却
	if withinCooldown {
		return reject(sig, "cooldown")
	}

	// 8. 并发持仓上限
	if openPositions >= cfg.Risk.MaxOpenPositions {
		return reject(sig, "max_open_positions")
	}

	// 9. 信号质量
	if sig.Quality < cfg.Risk.MinSignalQuality {
		return reject(sig, "quality_too_low")
	}

	// 10. 回撤熔断
	peak := m.rt.PeakEquity()
	if peak > 0 && (peak-equity)/peak > cfg.Risk.MaxAccountDrawdownPct {
		return reject(sig, "drawdown_breaker")
	}

	// 11. 价格合理性与滑点
	if currentPrice <= 0 {
		return reject(sig, "no_market_price")
	}
	entryPrice := currentPrice
	if sig.OrderType == "limit" && sig.EntryLow > 0 && sig.EntryHigh > 0 {
		slip := cfg.Risk.MaxEntrySlippagePct
		if currentPrice < sig.EntryLow*(1-slip) || currentPrice > sig.EntryHigh*(1+slip) {
			return reject(sig, "entry_slippage")
		}
		switch cfg.Execution.LimitPriceStrategy {
		case "LOW":
			entryPrice = sig.EntryLow
		case "HIGH":
			entryPrice = sig.EntryHigh
		default:
			entryPrice = (sig.EntryLow + sig.EntryHigh) / 2
		}
	}

	// 12. 止损解析
	stopPrice := sig.StopLoss
	if stopPrice > 0 {
		wrongSide := (sig.Side == state.SideLong && stopPrice >= entryPrice) ||
			(sig.Side == state.SideShort && stopPrice <= entryPrice)
		if wrongSide {
			if cfg.Risk.HardStopLossRequired {
				return reject(sig, "stoploss_wrong_side")
			}
			warnings = append(warnings, "signaled stop on wrong side, using default")
			stopPrice = 0
		}
	}
	if stopPrice <= 0 {
		if sig.Side == state.SideLong {
			stopPrice = entryPrice * (1 - cfg.Risk.DefaultStopLossPct)
		} else {
			stopPrice = entryPrice * (1 + cfg.Risk.DefaultStopLossPct)
		}
	}
	stopDistance := math.Abs(entryPrice-stopPrice) / entryPrice
	if stopDistance <= 0 {
		return reject(sig, "stoploss_unresolved")
	}

	// 13. 头寸规模
	quantity := equity * cfg.Risk.AccountRiskPerTrade / (stopDistance * entryPrice)
	if quantity*entryPrice > cfg.Risk.MaxNotionalPerTrade {
		quantity = cfg.Risk.MaxNotionalPerTrade / entryPrice
	}
	if quantity <= 0 {
		return reject(sig, "quantity_non_positive")
	}

	metrics.RecordApproval()
	return Decision{
		Approved:     true,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Leverage:     leverage,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		StopPrice:    stopPrice,
		StopDistance: stopDistance,
		Quality:      sig.Quality,
		Warnings:     warnings,
	}
}

// EvaluateManage 管理动作只做基本校验：符号可解析且至少有一个可执行字段
func (m *Manager) EvaluateManage(action ManageAction) error {
	if config.NormalizeSymbol(action.Symbol) == "" {
		return fmt.Errorf("管理动作缺少符号")
	}
	if action.ReducePct <= 0 && !action.MoveToBE && action.TPPrice <= 0 {
		return fmt.Errorf("管理动作无可执行字段")
	}
	return nil
}

// RecordStopLoss 记录一次止损出场。连续达到阈值触发熔断冷却。
func (m *Manager) RecordStopLoss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveSL++
	limit := m.cfg.Risk.CircuitBreaker.ConsecutiveStopLosses
	if limit > 0 && m.consecutiveSL >= limit {
		m.breakerUntil = m.now().Add(time.Duration(m.cfg.Risk.CircuitBreaker.CooldownSeconds) * time.Second)
		log.Warn().
			Int("consecutive", m.consecutiveSL).
			Time("until", m.breakerUntil).
			Msg("连续止损熔断触发，暂停新开仓")
	}
}

// RecordNonStoplossClose 记录一次非止损平仓，重置连续止损计数
func (m *Manager) RecordNonStoplossClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveSL = 0
}

// BreakerActive 当前是否处于连续止损熔断期
func (m *Manager) BreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.breakerUntil)
}
