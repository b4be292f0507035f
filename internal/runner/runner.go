package runner

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	"github.com/quantsentry/trade-sentinel/internal/daemon"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/feed"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/reconciler"
	"github.com/quantsentry/trade-sentinel/internal/registry"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/store"
	"github.com/quantsentry/trade-sentinel/internal/watchdog"
)

// 快照落盘间隔
const snapshotInterval = 30 * time.Second

// 看门狗设置的安全模式理由前缀，恢复时只解除自己设的
const watchdogReasonPrefix = "watchdog:"

// Runner 调度壳：各周期任务作为独立goroutine运行，
// 只通过共享的RuntimeState和持久层通信。单个tick失败不中断调度。
type Runner struct {
	cfg  *config.Config
	rt   *state.Runtime
	sync *feed.Sync
	rec  *reconciler.Reconciler
	dmn  *daemon.Daemon
	reg  *registry.Registry
	st   *store.Store

	stream *gateway.TickerStream
	wd     *watchdog.Watchdog

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, rt *state.Runtime, sy *feed.Sync, rec *reconciler.Reconciler, dmn *daemon.Daemon, reg *registry.Registry, st *store.Store) *Runner {
	return &Runner{cfg: cfg, rt: rt, sync: sy, rec: rec, dmn: dmn, reg: reg, st: st}
}

// Start 启动所有周期任务
func (r *Runner) Start(ctx context.Context) error {
	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	// 启动前先同步一轮，让风控从有数据的状态开始
	if err := r.sync.SyncAccount(childCtx); err != nil {
		log.Warn().Err(err).Msg("启动时账户同步失败")
	}
	if err := r.sync.SyncPositions(childCtx); err != nil {
		log.Warn().Err(err).Msg("启动时持仓同步失败")
	}
	if r.reg != nil {
		if err := r.reg.Refresh(childCtx); err != nil {
			log.Warn().Err(err).Msg("启动时合约元信息刷新失败")
		}
	}

	pi := r.cfg.Monitor.PollIntervals
	r.loop(childCtx, "account", seconds(pi.AccountSeconds, 10), func(ctx context.Context) {
		if err := r.sync.SyncAccount(ctx); err != nil {
			log.Warn().Err(err).Msg("账户同步失败")
		}
	})
	r.loop(childCtx, "positions", seconds(pi.PositionsSeconds, 10), func(ctx context.Context) {
		if err := r.sync.SyncPositions(ctx); err != nil {
			log.Warn().Err(err).Msg("持仓同步失败")
		}
	})
	r.loop(childCtx, "reconciler", r.cfg.ReconcilerInterval(), func(ctx context.Context) {
		r.rec.ReconcileOnce(ctx)
	})
	r.loop(childCtx, "risk_daemon", r.cfg.RiskDaemonInterval(), func(ctx context.Context) {
		r.dmn.Tick(ctx)
	})
	if r.reg != nil {
		r.loop(childCtx, "contracts", seconds(pi.ContractsSeconds, 1800), func(ctx context.Context) {
			if err := r.reg.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("合约元信息刷新失败")
			}
		})
	}
	r.loop(childCtx, "snapshot", snapshotInterval, func(ctx context.Context) {
		r.persistSnapshot()
	})

	r.startPriceFeed(childCtx)

	if r.cfg.Monitor.Watchdog.Enabled {
		wc := r.cfg.Monitor.Watchdog
		r.wd = watchdog.New(watchdog.Config{
			CheckInterval:     seconds(wc.CheckIntervalSeconds, 5),
			StaleThreshold:    seconds(wc.StaleThresholdSeconds, 30),
			FailureThreshold:  wc.FailureThreshold,
			RecoveryThreshold: wc.RecoveryThreshold,
		}, r.rt, r)
		r.wd.Start(childCtx)
	}

	log.Info().Msg("调度器已启动")
	return nil
}

// Stop 停止所有任务并等待退出
func (r *Runner) Stop() {
	if r.wd != nil {
		r.wd.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.persistSnapshot()
	log.Info().Msg("调度器已停止")
}

// loop 周期任务骨架。tick体用recover隔离，单次崩溃只损失本轮。
func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.safeTick(ctx, name, fn)
			}
		}
	}()
}

func (r *Runner) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("loop", name).Msg("tick崩溃，已隔离")
		}
	}()
	start := time.Now()
	fn(ctx)
	metrics.ObserveTick(name, time.Since(start).Seconds())
}

// startPriceFeed 按配置选择行情源。WS模式需要预先知道交易对，
// 用白名单订阅；白名单为空时退化为REST轮询。
func (r *Runner) startPriceFeed(ctx context.Context) {
	mode := r.cfg.Monitor.PriceFeed.Mode
	symbols := r.cfg.Filters.SymbolWhitelist
	if mode == "ws" && len(symbols) > 0 {
		r.stream = r.sync.NewTickerStream(symbols)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.stream.Run(ctx)
		}()
		return
	}

	if mode == "ws" {
		log.Warn().Msg("WS行情模式需要白名单交易对，退化为REST轮询")
	}
	interval := seconds(r.cfg.Monitor.PriceFeed.IntervalSeconds, 5)
	r.loop(ctx, "price_rest", interval, func(ctx context.Context) {
		if err := r.sync.SyncPrices(ctx); err != nil {
			log.Warn().Err(err).Msg("REST行情轮询失败")
		}
		// REST行情对本地守护来说延迟偏高，按配置决定是否降级保护
		if r.cfg.Monitor.PriceFeed.RestFallbackAction == "safe_mode" && len(r.rt.ActiveGuards()) > 0 {
			r.rt.EnableSafeMode("local guard armed on rest price feed")
		}
	})
}

// persistSnapshot 原子落盘运行时快照，供崩溃后排障
func (r *Runner) persistSnapshot() {
	path := r.cfg.Storage.SnapshotPath
	if path == "" {
		return
	}
	snap := r.rt.TakeSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("快照序列化失败")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("快照写入失败")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warn().Err(err).Msg("快照落盘失败")
	}
}

// EnterSafeMode 看门狗钩子
func (r *Runner) EnterSafeMode(reason string) {
	r.rt.EnableSafeMode(watchdogReasonPrefix + " " + reason)
	_ = r.st.RecordEvent("CRITICAL", "WATCHDOG_SAFE_MODE", "", "看门狗触发安全模式",
		map[string]interface{}{"reason": reason})
}

// ExitSafeMode 只解除看门狗自己设置的安全模式，人工或熔断设置的不动
func (r *Runner) ExitSafeMode(reason string) {
	if safe, why := r.rt.SafeMode(); safe && strings.HasPrefix(why, watchdogReasonPrefix) {
		if r.rt.DisableSafeMode() {
			log.Info().Str("reason", reason).Msg("看门狗解除安全模式")
		}
	}
}

// ForceResync 看门狗钩子：数据恢复后立即做一轮全量同步
func (r *Runner) ForceResync(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.sync.SyncAccount(ctx); err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("强制账户同步失败")
	}
	if err := r.sync.SyncPositions(ctx); err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("强制持仓同步失败")
	}
}

// ForcePriceFeedReconnect 看门狗钩子：行情断流时强制重建WS连接
func (r *Runner) ForcePriceFeedReconnect(reason string) {
	if r.stream != nil {
		log.Warn().Str("reason", reason).Msg("强制重连行情WebSocket")
		r.stream.ForceReconnect()
	}
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
