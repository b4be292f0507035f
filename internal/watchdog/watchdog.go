package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/state"
)

// Hooks 自恢复动作，由上层供给
type Hooks interface {
	EnterSafeMode(reason string)
	ExitSafeMode(reason string)
	ForceResync(reason string)
	ForcePriceFeedReconnect(reason string)
}

// Config 看门狗配置
type Config struct {
	CheckInterval     time.Duration
	StaleThreshold    time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func (c *Config) normalize() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
}

// Watchdog 监控运行时数据新鲜度：账户、持仓、行情任何一路长期无更新
// 都说明对应轮询或订阅已卡死，连续超限即进入安全模式并触发自恢复。
type Watchdog struct {
	cfg   Config
	rt    *state.Runtime
	hooks Hooks

	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures   int
	recoveries int
	unhealthy  bool

	now func() time.Time
}

func New(cfg Config, rt *state.Runtime, hooks Hooks) *Watchdog {
	cfg.normalize()
	return &Watchdog{cfg: cfg, rt: rt, hooks: hooks, now: time.Now}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	if w.hooks == nil {
		log.Warn().Msg("watchdog 未启用：缺少 hooks")
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(childCtx)
	}()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	stale := w.staleFeeds()
	if len(stale) > 0 {
		w.failures++
		w.recoveries = 0
		log.Error().
			Strs("feeds", stale).
			Dur("stale_threshold", w.cfg.StaleThreshold).
			Msg("数据源长时间无更新")
		if containsPrices(stale) {
			w.hooks.ForcePriceFeedReconnect("price_feed_stale")
		}
		if w.failures >= w.cfg.FailureThreshold && !w.unhealthy {
			w.unhealthy = true
			log.Error().Msg("数据源连续失联，进入安全模式")
			w.hooks.EnterSafeMode("data_stale")
		}
		return
	}

	w.failures = 0
	if w.unhealthy {
		w.recoveries++
		if w.recoveries >= w.cfg.RecoveryThreshold {
			w.unhealthy = false
			log.Info().Msg("数据源恢复，退出安全模式并同步状态")
			w.hooks.ForceResync("data_recovered")
			w.hooks.ExitSafeMode("data_recovered")
		}
	}
}

// staleFeeds 返回超过新鲜度阈值的数据源名单。
// 从未更新过的源不算失联，避免启动阶段误报。
// 行情源只在有持仓或本地守护需要价格时才检查。
func (w *Watchdog) staleFeeds() []string {
	account, positions, prices := w.rt.Freshness()
	now := w.now()
	var stale []string
	if !account.IsZero() && now.Sub(account) > w.cfg.StaleThreshold {
		stale = append(stale, "account")
	}
	if !positions.IsZero() && now.Sub(positions) > w.cfg.StaleThreshold {
		stale = append(stale, "positions")
	}
	needPrices := len(w.rt.Positions()) > 0 || len(w.rt.ActiveGuards()) > 0
	if needPrices && !prices.IsZero() && now.Sub(prices) > w.cfg.StaleThreshold {
		stale = append(stale, "prices")
	}
	return stale
}

func containsPrices(feeds []string) bool {
	for _, f := range feeds {
		if f == "prices" {
			return true
		}
	}
	return false
}
