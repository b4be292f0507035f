package config

import (
	"os"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	// 创建临时配置文件
	configContent := `
dry_run: true

bitget:
  base_url: "https://api.bitget.com"
  api_key: "test_key"
  api_secret: "test_secret"
  passphrase: "test_pass"
  product_type: "USDT-FUTURES"

filters:
  symbol_policy: "ALLOWLIST"
  symbol_whitelist: ["btc/usdt", "ETHUSDT"]
  max_leverage: 20
  leverage_policy: "CAP"

risk:
  account_risk_per_trade: 0.01
  max_notional_per_trade: 500
  max_account_drawdown_pct: 0.15
  max_open_positions: 3
  stoploss:
    must_exist: true
    max_time_without_sl_seconds: 45

execution:
  be_reduce_on_two_entries: true
  be_reduce_pct: 50

storage:
  db_path: "test.db"
`

	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	// 加载配置
	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.DryRun {
		t.Error("Expected DryRun to be true")
	}

	if cfg.Risk.AccountRiskPerTrade != 0.01 {
		t.Errorf("Expected AccountRiskPerTrade 0.01, got %.4f", cfg.Risk.AccountRiskPerTrade)
	}

	if cfg.Risk.StopLoss.MaxTimeWithoutSLSeconds != 45 {
		t.Errorf("Expected MaxTimeWithoutSLSeconds 45, got %d", cfg.Risk.StopLoss.MaxTimeWithoutSLSeconds)
	}

	// 白名单应被规范化为大写无斜杠
	if cfg.Filters.SymbolWhitelist[0] != "BTCUSDT" {
		t.Errorf("Expected normalized symbol BTCUSDT, got %s", cfg.Filters.SymbolWhitelist[0])
	}

	// 默认值应生效
	if cfg.Bitget.MarginMode != "isolated" {
		t.Errorf("Expected default margin_mode isolated, got %s", cfg.Bitget.MarginMode)
	}
	if cfg.Risk.CircuitBreaker.ConsecutiveStopLosses != 3 {
		t.Errorf("Expected default consecutive_stop_losses 3, got %d", cfg.Risk.CircuitBreaker.ConsecutiveStopLosses)
	}
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Bitget: BitgetConfig{
				PositionMode: "one_way_mode",
				MarginMode:   "isolated",
			},
			Filters: FiltersConfig{
				SymbolPolicy:    "ALLOWLIST",
				SymbolWhitelist: []string{"BTCUSDT"},
				LeveragePolicy:  "CAP",
				MaxLeverage:     10,
			},
			Risk: RiskConfig{
				AccountRiskPerTrade:    0.005,
				MaxNotionalPerTrade:    200,
				MaxAccountDrawdownPct:  0.15,
				MaxOpenPositions:       5,
				MaxTotalMarginUsedPct:  0.8,
				MaxLiquidationDistance: 0.01,
				StopLoss: StopLossConfig{
					MustExist:               true,
					MaxTimeWithoutSLSeconds: 60,
					SLOrderType:             "trigger",
				},
				CircuitBreaker: CircuitBreakerConfig{
					APIErrorWindowSeconds: 60,
				},
			},
			Execution: ExecutionConfig{
				LimitPriceStrategy: "MID",
				BEReducePct:        50,
			},
			Monitor: MonitorConfig{
				PollIntervals: PollIntervalsConfig{
					ReconcilerSeconds: 5,
					RiskDaemonSeconds: 5,
				},
				PriceFeed: PriceFeedConfig{Mode: "ws"},
			},
			Storage: StorageConfig{DBPath: "sentinel.db"},
		}
	}

	// 正常配置应通过
	if err := ValidateConfig(base()); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"空白名单", func(c *Config) { c.Filters.SymbolWhitelist = nil }},
		{"回撤阈值越界", func(c *Config) { c.Risk.MaxAccountDrawdownPct = 1.5 }},
		{"单笔风险越界", func(c *Config) { c.Risk.AccountRiskPerTrade = 0.5 }},
		{"止损类型非法", func(c *Config) { c.Risk.StopLoss.SLOrderType = "oco" }},
		{"无止损容忍时间为0", func(c *Config) { c.Risk.StopLoss.MaxTimeWithoutSLSeconds = 0 }},
		{"be_reduce_pct越界", func(c *Config) { c.Execution.BEReducePct = 150 }},
		{"行情模式非法", func(c *Config) { c.Monitor.PriceFeed.Mode = "udp" }},
		{"db_path为空", func(c *Config) { c.Storage.DBPath = "" }},
	}

	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := ValidateConfig(cfg); err == nil {
			t.Errorf("%s: 应该验证失败但通过了", tc.name)
		}
	}
}

func TestSideAllowed(t *testing.T) {
	cfg := &Config{Filters: FiltersConfig{AllowSides: []string{"LONG"}}}

	if !cfg.SideAllowed("long") {
		t.Error("Expected long to be allowed (case-insensitive)")
	}
	if cfg.SideAllowed("SHORT") {
		t.Error("Expected SHORT to be rejected")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc/usdt":  "BTCUSDT",
		" ETHUSDT ": "ETHUSDT",
		"SolUsdt":   "SOLUSDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
