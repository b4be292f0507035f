package daemon

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/alerts"
	"github.com/quantsentry/trade-sentinel/internal/config"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/stoploss"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

// 三值停机信号
const (
	SwitchNone       = "NONE"
	SwitchSafeMode   = "SAFE_MODE"
	SwitchPanicClose = "PANIC_CLOSE"
)

const (
	killSwitchEnv  = "SENTINEL_KILL_SWITCH"
	killSwitchFlag = "kill_switch"
)

// 强平距离减仓时的目标比例
const partialReduceFraction = 0.5

type daemonExchange interface {
	ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error
}

// Daemon 顶层风控守护：每tick按固定顺序执行停机信号检查、
// 各熔断器、本地守护评估和逐持仓的不变量修复。
// 保护性平仓按tick粒度重试，不做阻塞循环。
type Daemon struct {
	cfg      *config.Config
	rt       *state.Runtime
	ex       daemonExchange
	sl       *stoploss.Manager
	st       *store.Store
	notifier *alerts.Notifier

	// 每持仓一次性动作的闩锁，持仓消失后复位
	partialReduced map[string]bool
	escalated      map[string]bool
	unknownWarned  map[string]bool

	now func() time.Time
}

func New(cfg *config.Config, rt *state.Runtime, ex daemonExchange, sl *stoploss.Manager, st *store.Store, notifier *alerts.Notifier) *Daemon {
	return &Daemon{
		cfg:            cfg,
		rt:             rt,
		ex:             ex,
		sl:             sl,
		st:             st,
		notifier:       notifier,
		partialReduced: make(map[string]bool),
		escalated:      make(map[string]bool),
		unknownWarned:  make(map[string]bool),
		now:            time.Now,
	}
}

// Tick 执行一轮完整检查。任何一步失败只影响本轮，不会中断后续步骤。
func (d *Daemon) Tick(ctx context.Context) {
	d.checkKillSwitch(ctx)
	d.checkAPIErrorBurst()
	d.checkDrawdown()
	d.checkMargin()
	d.sl.ProcessLocalGuards(ctx)
	d.checkPositions(ctx)
}

// checkKillSwitch 读取三值停机信号，优先级：文件 > 环境变量 > 持久化标志。
func (d *Daemon) checkKillSwitch(ctx context.Context) {
	signal, source, raw := d.readKillSwitch()
	switch signal {
	case SwitchSafeMode:
		if d.rt.EnableSafeMode(fmt.Sprintf("kill switch via %s", source)) {
			metrics.RecordKillSwitch(raw, source)
			d.notifier.Critical("KILL_SWITCH", "",
				"停机信号触发safe_mode",
				map[string]interface{}{"source": source, "value": raw})
		}
	case SwitchPanicClose:
		if d.rt.EnablePanicMode(fmt.Sprintf("kill switch via %s", source)) {
			metrics.RecordKillSwitch(raw, source)
			d.notifier.Critical("KILL_SWITCH_PANIC", "",
				"停机信号触发panic_close，将平掉全部持仓",
				map[string]interface{}{"source": source, "value": raw})
		}
	}

	// panic模式下每tick尝试一次全部平仓，直到持仓归零
	if panicOn, _ := d.rt.PanicMode(); panicOn {
		for _, p := range d.rt.Positions() {
			if err := d.ex.ClosePosition(ctx, p.Symbol, p.Side, 0); err != nil {
				log.Error().Err(err).Str("symbol", p.Symbol).Msg("panic平仓失败，下一tick重试")
				d.rt.RecordAPIError()
				continue
			}
			metrics.RecordProtectiveClose("panic_close")
		}
	}
}

// readKillSwitch 返回信号、来源和原始值。文件缺失时落到环境变量，再落到存储标志。
func (d *Daemon) readKillSwitch() (signal, source, raw string) {
	if d.cfg.KillSwitchFile != "" {
		if data, err := os.ReadFile(d.cfg.KillSwitchFile); err == nil {
			v := strings.ToLower(strings.TrimSpace(string(data)))
			return classifySwitch(v), "file", v
		}
	}
	if v, ok := os.LookupEnv(killSwitchEnv); ok && strings.TrimSpace(v) != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return classifySwitch(v), "env", v
	}
	if v, err := d.st.GetSystemFlag(killSwitchFlag); err == nil && v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return classifySwitch(v), "store", v
	}
	return SwitchNone, "", ""
}

// classifySwitch 信号文件存在即至少触发safe_mode，内容决定是否升级
func classifySwitch(v string) string {
	switch v {
	case "panic", "panic_close", "2":
		return SwitchPanicClose
	case "", "safe", "safe_mode", "1", "true":
		return SwitchSafeMode
	default:
		return SwitchSafeMode
	}
}

func (d *Daemon) checkAPIErrorBurst() {
	burst := d.cfg.Risk.CircuitBreaker.APIErrorBurst
	if burst <= 0 {
		return
	}
	window := time.Duration(d.cfg.Risk.CircuitBreaker.APIErrorWindowSeconds) * time.Second
	n := d.rt.APIErrorCount(window)
	if n < burst {
		return
	}
	if d.rt.EnableSafeMode(fmt.Sprintf("api error burst: %d in %s", n, window)) {
		d.notifier.Critical("API_ERROR_BURST", "",
			"API错误爆发，进入safe_mode",
			map[string]interface{}{"count": n, "window_seconds": d.cfg.Risk.CircuitBreaker.APIErrorWindowSeconds})
	}
}

func (d *Daemon) checkDrawdown() {
	peak := d.rt.PeakEquity()
	acct := d.rt.Account()
	if peak <= 0 || acct.UpdatedAt.IsZero() {
		return
	}
	dd := (peak - acct.Equity) / peak
	if dd <= d.cfg.Risk.MaxAccountDrawdownPct {
		return
	}
	if d.rt.EnableSafeMode(fmt.Sprintf("drawdown %.2f%% exceeds limit", dd*100)) {
		d.notifier.Critical("DRAWDOWN_BREAKER", "",
			"账户回撤超限，进入safe_mode",
			map[string]interface{}{"peak": peak, "equity": acct.Equity, "drawdown": dd})
	}
}

func (d *Daemon) checkMargin() {
	acct := d.rt.Account()
	if acct.Equity <= 0 || acct.MarginUsed <= 0 {
		return
	}
	ratio := acct.MarginUsed / acct.Equity
	if ratio <= d.cfg.Risk.MaxTotalMarginUsedPct {
		return
	}
	if d.rt.EnableSafeMode(fmt.Sprintf("margin used %.2f%% exceeds limit", ratio*100)) {
		d.notifier.Warn("MARGIN_BREAKER", "",
			"保证金占用超限，进入safe_mode",
			map[string]interface{}{"ratio": ratio, "equity": acct.Equity, "margin_used": acct.MarginUsed})
	}
}

// checkPositions 逐持仓检查不变量。每个违规每tick最多一次修复动作。
func (d *Daemon) checkPositions(ctx context.Context) {
	positions := d.rt.Positions()

	current := make(map[string]bool, len(positions))
	for _, p := range positions {
		current[p.Symbol] = true
	}
	for _, latch := range []map[string]bool{d.partialReduced, d.escalated, d.unknownWarned} {
		for sym := range latch {
			if !current[sym] {
				delete(latch, sym)
			}
		}
	}

	for _, pos := range positions {
		if pos.UnknownOrigin && !d.unknownWarned[pos.Symbol] {
			d.unknownWarned[pos.Symbol] = true
			d.rt.EnableSafeMode(fmt.Sprintf("unknown position %s", pos.Symbol))
			_ = d.st.RecordInvariantViolation("unknown_position", pos.Symbol, "交易所存在持仓但本地无入场记录")
			d.notifier.Warn("UNKNOWN_POSITION", pos.Symbol,
				"发现来源不明的持仓，进入safe_mode", nil)
		}

		if d.nearLiquidation(pos) {
			d.handleLiquidationProximity(ctx, pos)
			continue
		}
		if d.cfg.Risk.StopLoss.MustExist && !d.rt.HasValidStopLoss(pos.Symbol, pos.Side) {
			d.handleMissingStopLoss(ctx, pos)
		}
	}
}

func (d *Daemon) nearLiquidation(pos state.PositionState) bool {
	if pos.LiqPrice <= 0 || pos.MarkPrice <= 0 {
		return false
	}
	dist := math.Abs(pos.LiqPrice-pos.MarkPrice) / pos.MarkPrice
	return dist <= d.cfg.Risk.MaxLiquidationDistance
}

// handleLiquidationProximity 接近强平价时先做一次性的减半仓，
// 减仓提交失败直接升级为全量保护性平仓。
func (d *Daemon) handleLiquidationProximity(ctx context.Context, pos state.PositionState) {
	if d.partialReduced[pos.Symbol] {
		return
	}
	_ = d.st.RecordInvariantViolation("liquidation_proximity", pos.Symbol,
		fmt.Sprintf("liq=%v mark=%v", pos.LiqPrice, pos.MarkPrice))

	reduceSize := pos.Size * partialReduceFraction
	if err := d.ex.ClosePosition(ctx, pos.Symbol, pos.Side, reduceSize); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("强平距离减仓失败，升级为全量平仓")
		d.rt.RecordAPIError()
		if err2 := d.ex.ClosePosition(ctx, pos.Symbol, pos.Side, 0); err2 != nil {
			log.Error().Err(err2).Str("symbol", pos.Symbol).Msg("全量保护性平仓失败，下一tick重试")
			d.rt.RecordAPIError()
			return
		}
		metrics.RecordProtectiveClose("liquidation_proximity")
		d.notifier.Critical("LIQUIDATION_CLOSE", pos.Symbol,
			"接近强平价，已全量保护性平仓",
			map[string]interface{}{"liq_price": pos.LiqPrice, "mark_price": pos.MarkPrice})
		return
	}
	d.partialReduced[pos.Symbol] = true
	metrics.RecordProtectiveClose("liquidation_partial_reduce")
	d.notifier.Warn("LIQUIDATION_PARTIAL_REDUCE", pos.Symbol,
		"接近强平价，已减半仓位",
		map[string]interface{}{"liq_price": pos.LiqPrice, "mark_price": pos.MarkPrice, "reduced": reduceSize})
}

// handleMissingStopLoss 自动补止损，超时仍失败则平仓并进入safe_mode。
func (d *Daemon) handleMissingStopLoss(ctx context.Context, pos state.PositionState) {
	if d.escalated[pos.Symbol] {
		return
	}
	_ = d.st.RecordInvariantViolation("missing_stop_loss", pos.Symbol, "持仓无有效止损")

	res := d.sl.EnsureStopLoss(ctx, pos, 0, pos.Size, "autofix", "")
	if res.OK {
		return
	}

	timeout := time.Duration(d.cfg.Risk.StopLoss.MaxTimeWithoutSLSeconds) * time.Second
	if pos.OpenedAt.IsZero() || d.now().Sub(pos.OpenedAt) <= timeout {
		return
	}

	log.Error().
		Str("symbol", pos.Symbol).
		Str("reason", res.Reason).
		Dur("elapsed", d.now().Sub(pos.OpenedAt)).
		Msg("止损修复超时，升级为保护性平仓")
	if err := d.ex.ClosePosition(ctx, pos.Symbol, pos.Side, 0); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("保护性平仓失败，下一tick重试")
		d.rt.RecordAPIError()
		return
	}
	d.escalated[pos.Symbol] = true
	metrics.RecordProtectiveClose("sl_autofix_failed")
	d.rt.EnableSafeMode(fmt.Sprintf("sl autofix failed for %s", pos.Symbol))
	d.notifier.Critical("SL_AUTOFIX_FAILED_THEN_PANIC", pos.Symbol,
		"止损自动修复失败且已超时，持仓已保护性平仓",
		map[string]interface{}{"reason": res.Reason, "opened_at": pos.OpenedAt})
}
