package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/alerts"
	"github.com/quantsentry/trade-sentinel/internal/config"
	"github.com/quantsentry/trade-sentinel/internal/daemon"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/feed"
	"github.com/quantsentry/trade-sentinel/internal/metrics"
	"github.com/quantsentry/trade-sentinel/internal/reconciler"
	"github.com/quantsentry/trade-sentinel/internal/registry"
	"github.com/quantsentry/trade-sentinel/internal/risk"
	"github.com/quantsentry/trade-sentinel/internal/runner"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/stoploss"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，空则用配置文件")
)

func main() {
	flag.Parse()

	// 单实例锁，防止两个哨兵进程同时对同一账户做保护动作
	lockFile := "/tmp/trade_sentinel.lock"
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	err = syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		log.Fatal().Msg("已有一个Sentinel进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogger(level)

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Str("position_mode", cfg.Bitget.PositionMode).
		Str("symbol_policy", cfg.Filters.SymbolPolicy).
		Msg("交易哨兵启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("打开持久层失败")
	}
	defer st.Close()

	rt := state.NewRuntime()

	var ex gateway.Client = gateway.NewBitgetRESTClient(gateway.BitgetOptions{
		BaseURL:     cfg.Bitget.BaseURL,
		APIKey:      cfg.Bitget.APIKey,
		APISecret:   cfg.Bitget.APISecret,
		Passphrase:  cfg.Bitget.Passphrase,
		ProductType: cfg.Bitget.ProductType,
		MarginMode:  cfg.Bitget.MarginMode,
		OnAPIError:  rt.RecordAPIError,
	})
	if cfg.DryRun {
		log.Warn().Msg("演练模式：所有交易动作只记日志，不会真正下单")
		ex = gateway.NewDryRunClient(ex)
	}

	reg := registry.New(ex, time.Duration(cfg.Monitor.PollIntervals.ContractsSeconds)*time.Second)
	notifier := alerts.NewNotifier(st, cfg.Alerts.MinLevel, cfg.Alerts.WebhookURL)

	slMgr := stoploss.NewManager(cfg, rt, ex, notifier)
	riskMgr := risk.NewManager(cfg, rt, reg)
	rec := reconciler.New(cfg, rt, ex, slMgr, st)
	rec.AttachRiskFeedback(riskMgr)
	dmn := daemon.New(cfg, rt, ex, slMgr, st, notifier)
	sy := feed.NewSync(cfg, rt, ex, st)

	port, err := metrics.StartServer(cfg.Monitor.Health.Host, cfg.Monitor.Health.Port,
		func() interface{} { return rt.TakeSnapshot() },
		func() bool {
			panicked, _ := rt.PanicMode()
			account, _, _ := rt.Freshness()
			return !panicked && !account.IsZero()
		})
	if err != nil {
		log.Fatal().Err(err).Msg("启动监控服务器失败")
	}
	log.Info().Int("port", port).Msg("监控端点就绪")

	r := runner.New(cfg, rt, sy, rec, dmn, reg, st)
	if err := r.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("启动调度器失败")
	}

	log.Info().Msg("交易哨兵启动完成，开始守护")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info().Msg("收到退出信号，正在关闭...")

	cancel()
	r.Stop()

	log.Info().Msg("交易哨兵已关闭")
}

// setupLogger 设置日志
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
