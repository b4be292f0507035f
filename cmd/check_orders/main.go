package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
)

// 保护审计工具：列出当前持仓和挂单，标出没有任何在途挂单的持仓。
// 哨兵进程会自动补救，这个工具给人工巡检用。
func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

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
	log.Info().Int("count", len(positions)).Msg("当前持仓")

	unprotected := 0
	for _, p := range positions {
		fmt.Printf("Position: %s %s size=%.4f entry=%.4f liq=%.4f\n",
			p.Symbol, p.Side, p.Size, p.EntryPrice, p.LiqPrice)

		orders, err := ex.GetOpenOrders(ctx, p.Symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", p.Symbol).Msg("查询挂单失败")
			continue
		}
		for _, o := range orders {
			fmt.Printf("  Order: ID=%s ClientID=%s status=%s size=%.4f filled=%.4f\n",
				o.OrderID, o.ClientOrderID, o.RawStatus, o.Size, o.Filled)
		}
		if len(orders) == 0 {
			unprotected++
			fmt.Printf("  !! 该持仓没有任何在途挂单，缺少止损保护\n")
		}
	}

	if unprotected > 0 {
		log.Warn().Int("count", unprotected).Msg("存在无挂单保护的持仓，确认哨兵进程是否在运行")
	} else {
		log.Info().Msg("审计完成")
	}
}
