package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
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

// 运维刹车工具。mode:
//
//	safe   - 写入安全模式开关（禁止新开仓，保护动作继续）
//	panic  - 写入恐慌开关（哨兵进程每个tick市价平掉全部持仓）
//	clear  - 移除开关文件和持久化标记
//	close  - 不经过哨兵进程，直接用Reduce-Only市价单平掉全部持仓
func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	logLevel := flag.String("log", "info", "日志级别 (debug, info, warn, error)")
	mode := flag.String("mode", "safe", "动作: safe | panic | clear | close")
	flag.Parse()

	setupLogger(*logLevel)
	log.Info().Str("mode", *mode).Msg("刹车工具启动...")

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	switch *mode {
	case "safe":
		writeSwitch(cfg, "safe_mode")
	case "panic":
		writeSwitch(cfg, "panic_close")
	case "clear":
		clearSwitch(cfg)
	case "close":
		closeAll(cfg)
	default:
		log.Fatal().Str("mode", *mode).Msg("未知动作")
	}
}

// writeSwitch 同时写开关文件和持久化标记。文件被误删时标记仍然生效。
func writeSwitch(cfg *config.Config, value string) {
	if err := os.WriteFile(cfg.KillSwitchFile, []byte(value+"\n"), 0o644); err != nil {
		log.Error().Err(err).Str("path", cfg.KillSwitchFile).Msg("写入开关文件失败")
	} else {
		log.Info().Str("path", cfg.KillSwitchFile).Str("value", value).Msg("开关文件已写入")
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("打开持久层失败，仅文件开关生效")
		return
	}
	defer st.Close()
	if err := st.SetSystemFlag("kill_switch", value); err != nil {
		log.Error().Err(err).Msg("写入持久化标记失败")
		return
	}
	log.Info().Str("value", value).Msg("持久化标记已写入")
}

func clearSwitch(cfg *config.Config) {
	if err := os.Remove(cfg.KillSwitchFile); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", cfg.KillSwitchFile).Msg("移除开关文件失败")
	} else {
		log.Info().Str("path", cfg.KillSwitchFile).Msg("开关文件已移除")
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("打开持久层失败")
		return
	}
	defer st.Close()
	if err := st.SetSystemFlag("kill_switch", ""); err != nil {
		log.Error().Err(err).Msg("清除持久化标记失败")
		return
	}
	log.Info().Msg("持久化标记已清除。哨兵进程的安全模式需要人工确认后解除")
}

// closeAll 哨兵进程不可用时的最后手段：直接平掉全部持仓
func closeAll(cfg *config.Config) {
	ex := gateway.NewBitgetRESTClient(gateway.BitgetOptions{
		BaseURL:     cfg.Bitget.BaseURL,
		APIKey:      cfg.Bitget.APIKey,
		APISecret:   cfg.Bitget.APISecret,
		Passphrase:  cfg.Bitget.Passphrase,
		ProductType: cfg.Bitget.ProductType,
		MarginMode:  cfg.Bitget.MarginMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	positions, err := ex.GetPositions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("查询持仓失败")
	}
	if len(positions) == 0 {
		log.Info().Msg("无持仓，无需平仓")
		return
	}

	for _, p := range positions {
		if p.Size <= 0 {
			continue
		}
		log.Warn().Str("symbol", p.Symbol).Str("side", p.Side).Float64("size", p.Size).
			Msg("使用Reduce-Only市价单平仓...")
		if err := ex.ClosePosition(ctx, p.Symbol, p.Side, 0); err != nil {
			log.Error().Err(err).Str("symbol", p.Symbol).Msg("平仓下单失败")
		} else {
			log.Info().Str("symbol", p.Symbol).Msg("平仓下单已提交")
		}
	}

	log.Info().Msg("紧急平仓完成。")
}
