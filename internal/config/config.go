package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	DryRun         bool   `mapstructure:"dry_run"`          // 只记录不真正下单
	KillSwitchFile string `mapstructure:"kill_switch_file"` // 紧急停机信号文件路径

	Bitget    BitgetConfig    `mapstructure:"bitget"`    // 交易所连接配置
	Filters   FiltersConfig   `mapstructure:"filters"`   // 信号过滤配置
	Risk      RiskConfig      `mapstructure:"risk"`      // 风控配置
	Execution ExecutionConfig `mapstructure:"execution"` // 执行配置
	Monitor   MonitorConfig   `mapstructure:"monitor"`   // 监控/轮询配置
	Storage   StorageConfig   `mapstructure:"storage"`   // 持久化配置
	Alerts    AlertsConfig    `mapstructure:"alerts"`    // 告警配置
	Logging   LoggingConfig   `mapstructure:"logging"`   // 日志配置
}

// BitgetConfig 交易所配置
type BitgetConfig struct {
	BaseURL      string `mapstructure:"base_url"`      // REST基础地址
	WSURL        string `mapstructure:"ws_url"`        // 公共WebSocket地址
	APIKey       string `mapstructure:"api_key"`       // API Key
	APISecret    string `mapstructure:"api_secret"`    // API Secret
	Passphrase   string `mapstructure:"passphrase"`    // API Passphrase
	ProductType  string `mapstructure:"product_type"`  // 产品类型 (USDT-FUTURES)
	MarginMode   string `mapstructure:"margin_mode"`   // 保证金模式: isolated | crossed
	PositionMode string `mapstructure:"position_mode"` // 持仓模式: one_way_mode | hedge_mode
	Force        string `mapstructure:"force"`         // 限价单有效方式: gtc | ioc | fok | post_only
}

// FiltersConfig 信号过滤配置
type FiltersConfig struct {
	SymbolPolicy          string   `mapstructure:"symbol_policy"`           // ALLOWLIST | ALLOW_ALL
	SymbolWhitelist       []string `mapstructure:"symbol_whitelist"`        // 白名单
	SymbolBlacklist       []string `mapstructure:"symbol_blacklist"`        // 黑名单
	RequireExchangeSymbol bool     `mapstructure:"require_exchange_symbol"` // ALLOW_ALL时要求交易所可交易
	MinUSDTVolume24h      float64  `mapstructure:"min_usdt_volume_24h"`     // 24h成交额下限 (0=不启用)
	MaxLeverage           int      `mapstructure:"max_leverage"`            // 最大杠杆
	LeveragePolicy        string   `mapstructure:"leverage_policy"`         // CAP | REJECT
	AllowSides            []string `mapstructure:"allow_sides"`             // 允许方向 LONG/SHORT
	MaxSignalAgeSeconds   int      `mapstructure:"max_signal_age_seconds"`  // 信号最大时效
}

// RiskConfig 风控配置
type RiskConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`                      // 风控总开关
	AccountRiskPerTrade    float64              `mapstructure:"account_risk_per_trade"`       // 单笔风险占净值比例
	MaxNotionalPerTrade    float64              `mapstructure:"max_notional_per_trade"`       // 单笔名义价值上限
	MaxEntrySlippagePct    float64              `mapstructure:"max_entry_slippage_pct"`       // 限价入场最大偏离
	CooldownSeconds        int                  `mapstructure:"cooldown_seconds"`             // 同币种同方向冷却
	DefaultStopLossPct     float64              `mapstructure:"default_stop_loss_pct"`        // 默认止损比例
	HardStopLossRequired   bool                 `mapstructure:"hard_stop_loss_required"`      // 强制要求止损
	MaxAccountDrawdownPct  float64              `mapstructure:"max_account_drawdown_pct"`     // 最大账户回撤
	MaxOpenPositions       int                  `mapstructure:"max_open_positions"`           // 最大并发持仓数
	MinSignalQuality       float64              `mapstructure:"min_signal_quality"`           // 最低信号质量分
	MaxTotalMarginUsedPct  float64              `mapstructure:"max_total_margin_used_pct"`    // 保证金占用上限
	MaxLiquidationDistance float64              `mapstructure:"max_liquidation_distance_pct"` // 强平距离阈值
	StopLoss               StopLossConfig       `mapstructure:"stoploss"`
	CircuitBreaker         CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// StopLossConfig 止损保护配置
type StopLossConfig struct {
	MustExist                   bool    `mapstructure:"must_exist"`                  // 每个持仓必须有止损
	MaxTimeWithoutSLSeconds     int     `mapstructure:"max_time_without_sl_seconds"` // 无止损最长容忍时间
	SLOrderType                 string  `mapstructure:"sl_order_type"`               // trigger | plan | local_guard
	BreakEvenBufferPct          float64 `mapstructure:"break_even_buffer_pct"`       // 保本止损缓冲
	TriggerPriceType            string  `mapstructure:"trigger_price_type"`          // mark_price | fill_price
	EmergencyCloseIfSLPlaceFail bool    `mapstructure:"emergency_close_if_sl_place_fails"`
}

// CircuitBreakerConfig 熔断配置
type CircuitBreakerConfig struct {
	ConsecutiveStopLosses int `mapstructure:"consecutive_stop_losses"` // 连续止损熔断阈值
	CooldownSeconds       int `mapstructure:"cooldown_seconds"`        // 熔断冷却时长
	APIErrorBurst         int `mapstructure:"api_error_burst"`         // API错误爆发阈值
	APIErrorWindowSeconds int `mapstructure:"api_error_window_seconds"`
}

// ExecutionConfig 执行配置
type ExecutionConfig struct {
	LimitPriceStrategy   string  `mapstructure:"limit_price_strategy"`     // MID | LOW | HIGH
	PlaceTPOnFill        bool    `mapstructure:"place_tp_on_fill"`         // 入场成交后挂TP
	BEReduceOnTwoEntries bool    `mapstructure:"be_reduce_on_two_entries"` // 两笔入场成交后挂保本减仓单
	BEReducePct          float64 `mapstructure:"be_reduce_pct"`            // 保本减仓比例 (%)
	BEReduceTriggerType  string  `mapstructure:"be_reduce_trigger_type"`   // 保本减仓触发价类型
	MaxSubmitRetries     int     `mapstructure:"max_submit_retries"`       // 对账失败最大重试次数
}

// MonitorConfig 监控与轮询配置
type MonitorConfig struct {
	PollIntervals PollIntervalsConfig `mapstructure:"poll_intervals"`
	PriceFeed     PriceFeedConfig     `mapstructure:"price_feed"`
	Health        HealthConfig        `mapstructure:"health"`
	Watchdog      WatchdogConfig      `mapstructure:"watchdog"`
}

// PollIntervalsConfig 各循环的轮询间隔（秒）
type PollIntervalsConfig struct {
	AccountSeconds    int `mapstructure:"account_seconds"`
	PositionsSeconds  int `mapstructure:"positions_seconds"`
	OpenOrdersSeconds int `mapstructure:"open_orders_seconds"`
	ContractsSeconds  int `mapstructure:"contracts_seconds"`
	ReconcilerSeconds int `mapstructure:"reconciler_seconds"`
	RiskDaemonSeconds int `mapstructure:"risk_daemon_seconds"`
}

// PriceFeedConfig 行情源配置
type PriceFeedConfig struct {
	Mode               string `mapstructure:"mode"`             // ws | rest
	IntervalSeconds    int    `mapstructure:"interval_seconds"` // REST轮询间隔
	RestFallbackAction string `mapstructure:"rest_fallback_action_when_local_guard"` // safe_mode | none
}

// HealthConfig 健康检查与指标端口
type HealthConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WatchdogConfig 看门狗配置
type WatchdogConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	CheckIntervalSeconds  int  `mapstructure:"check_interval_seconds"`
	StaleThresholdSeconds int  `mapstructure:"stale_threshold_seconds"`
	FailureThreshold      int  `mapstructure:"failure_threshold"`
	RecoveryThreshold     int  `mapstructure:"recovery_threshold"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	DBPath       string `mapstructure:"db_path"`       // SQLite数据库路径
	SnapshotPath string `mapstructure:"snapshot_path"` // 运行时快照路径
}

// AlertsConfig 告警配置
type AlertsConfig struct {
	MinLevel   string `mapstructure:"min_level"`   // 转发给notifier的最低级别
	WebhookURL string `mapstructure:"webhook_url"` // 可选webhook地址
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

var globalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（敏感字段显式绑定）
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SENTINEL")
	viper.BindEnv("bitget.api_key", "BITGET_API_KEY")
	viper.BindEnv("bitget.api_secret", "BITGET_API_SECRET")
	viper.BindEnv("bitget.passphrase", "BITGET_PASSPHRASE")
	viper.BindEnv("monitor.health.port", "SENTINEL_HEALTH_PORT")
	viper.BindEnv("storage.db_path", "SENTINEL_DB_PATH")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = &cfg

	// 启动热重载监听
	go watchConfig()

	log.Info().Str("path", path).Msg("配置加载成功")
	return &cfg, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return globalConfig
}

func setDefaults() {
	viper.SetDefault("dry_run", true)
	viper.SetDefault("kill_switch_file", "KILL_SWITCH")
	viper.SetDefault("bitget.base_url", "https://api.bitget.com")
	viper.SetDefault("bitget.ws_url", "wss://ws.bitget.com/v2/ws/public")
	viper.SetDefault("bitget.product_type", "USDT-FUTURES")
	viper.SetDefault("bitget.margin_mode", "isolated")
	viper.SetDefault("bitget.position_mode", "one_way_mode")
	viper.SetDefault("bitget.force", "gtc")
	viper.SetDefault("filters.symbol_policy", "ALLOWLIST")
	viper.SetDefault("filters.require_exchange_symbol", true)
	viper.SetDefault("filters.max_leverage", 10)
	viper.SetDefault("filters.leverage_policy", "CAP")
	viper.SetDefault("filters.allow_sides", []string{"LONG", "SHORT"})
	viper.SetDefault("filters.max_signal_age_seconds", 20)
	viper.SetDefault("risk.enabled", true)
	viper.SetDefault("risk.account_risk_per_trade", 0.005)
	viper.SetDefault("risk.max_notional_per_trade", 200.0)
	viper.SetDefault("risk.max_entry_slippage_pct", 0.003)
	viper.SetDefault("risk.cooldown_seconds", 300)
	viper.SetDefault("risk.default_stop_loss_pct", 0.01)
	viper.SetDefault("risk.hard_stop_loss_required", true)
	viper.SetDefault("risk.max_account_drawdown_pct", 0.15)
	viper.SetDefault("risk.max_open_positions", 5)
	viper.SetDefault("risk.min_signal_quality", 0.0)
	viper.SetDefault("risk.max_total_margin_used_pct", 0.8)
	viper.SetDefault("risk.max_liquidation_distance_pct", 0.01)
	viper.SetDefault("risk.stoploss.must_exist", true)
	viper.SetDefault("risk.stoploss.max_time_without_sl_seconds", 60)
	viper.SetDefault("risk.stoploss.sl_order_type", "trigger")
	viper.SetDefault("risk.stoploss.break_even_buffer_pct", 0.0)
	viper.SetDefault("risk.stoploss.trigger_price_type", "mark_price")
	viper.SetDefault("risk.stoploss.emergency_close_if_sl_place_fails", true)
	viper.SetDefault("risk.circuit_breaker.consecutive_stop_losses", 3)
	viper.SetDefault("risk.circuit_breaker.cooldown_seconds", 3600)
	viper.SetDefault("risk.circuit_breaker.api_error_burst", 10)
	viper.SetDefault("risk.circuit_breaker.api_error_window_seconds", 60)
	viper.SetDefault("execution.limit_price_strategy", "MID")
	viper.SetDefault("execution.place_tp_on_fill", true)
	viper.SetDefault("execution.be_reduce_on_two_entries", false)
	viper.SetDefault("execution.be_reduce_pct", 50.0)
	viper.SetDefault("execution.be_reduce_trigger_type", "mark_price")
	viper.SetDefault("execution.max_submit_retries", 3)
	viper.SetDefault("monitor.poll_intervals.account_seconds", 10)
	viper.SetDefault("monitor.poll_intervals.positions_seconds", 5)
	viper.SetDefault("monitor.poll_intervals.open_orders_seconds", 10)
	viper.SetDefault("monitor.poll_intervals.contracts_seconds", 1800)
	viper.SetDefault("monitor.poll_intervals.reconciler_seconds", 5)
	viper.SetDefault("monitor.poll_intervals.risk_daemon_seconds", 5)
	viper.SetDefault("monitor.price_feed.mode", "ws")
	viper.SetDefault("monitor.price_feed.interval_seconds", 2)
	viper.SetDefault("monitor.price_feed.rest_fallback_action_when_local_guard", "safe_mode")
	viper.SetDefault("monitor.health.host", "127.0.0.1")
	viper.SetDefault("monitor.health.port", 8080)
	viper.SetDefault("monitor.watchdog.enabled", true)
	viper.SetDefault("monitor.watchdog.check_interval_seconds", 5)
	viper.SetDefault("monitor.watchdog.stale_threshold_seconds", 30)
	viper.SetDefault("monitor.watchdog.failure_threshold", 3)
	viper.SetDefault("monitor.watchdog.recovery_threshold", 2)
	viper.SetDefault("storage.db_path", "sentinel.db")
	viper.SetDefault("storage.snapshot_path", "sentinel_state.json")
	viper.SetDefault("alerts.min_level", "WARN")
	viper.SetDefault("logging.level", "info")
}

// ValidateConfig 验证配置有效性
func ValidateConfig(cfg *Config) error {
	switch cfg.Bitget.PositionMode {
	case "one_way_mode", "hedge_mode":
	default:
		return fmt.Errorf("position_mode 必须是 one_way_mode 或 hedge_mode")
	}
	switch cfg.Bitget.MarginMode {
	case "isolated", "crossed":
	default:
		return fmt.Errorf("margin_mode 必须是 isolated 或 crossed")
	}

	switch cfg.Filters.SymbolPolicy {
	case "ALLOWLIST", "ALLOW_ALL":
	default:
		return fmt.Errorf("symbol_policy 必须是 ALLOWLIST 或 ALLOW_ALL")
	}
	if cfg.Filters.SymbolPolicy == "ALLOWLIST" && len(cfg.Filters.SymbolWhitelist) == 0 {
		return fmt.Errorf("ALLOWLIST 模式下 symbol_whitelist 不能为空")
	}
	switch cfg.Filters.LeveragePolicy {
	case "CAP", "REJECT":
	default:
		return fmt.Errorf("leverage_policy 必须是 CAP 或 REJECT")
	}
	if cfg.Filters.MaxLeverage < 1 || cfg.Filters.MaxLeverage > 125 {
		return fmt.Errorf("max_leverage 必须在 1-125 之间")
	}
	for i := range cfg.Filters.SymbolWhitelist {
		cfg.Filters.SymbolWhitelist[i] = NormalizeSymbol(cfg.Filters.SymbolWhitelist[i])
	}
	for i := range cfg.Filters.SymbolBlacklist {
		cfg.Filters.SymbolBlacklist[i] = NormalizeSymbol(cfg.Filters.SymbolBlacklist[i])
	}

	if cfg.Risk.AccountRiskPerTrade <= 0 || cfg.Risk.AccountRiskPerTrade > 0.1 {
		return fmt.Errorf("account_risk_per_trade 必须在 (0, 0.1] 之间")
	}
	if cfg.Risk.MaxNotionalPerTrade <= 0 {
		return fmt.Errorf("max_notional_per_trade 必须 > 0")
	}
	if cfg.Risk.MaxAccountDrawdownPct <= 0 || cfg.Risk.MaxAccountDrawdownPct >= 1 {
		return fmt.Errorf("max_account_drawdown_pct 必须在 (0, 1) 之间")
	}
	if cfg.Risk.MaxOpenPositions < 1 {
		return fmt.Errorf("max_open_positions 必须 >= 1")
	}
	if cfg.Risk.MaxTotalMarginUsedPct <= 0 || cfg.Risk.MaxTotalMarginUsedPct > 1 {
		return fmt.Errorf("max_total_margin_used_pct 必须在 (0, 1] 之间")
	}
	if cfg.Risk.MaxLiquidationDistance <= 0 || cfg.Risk.MaxLiquidationDistance > 0.5 {
		return fmt.Errorf("max_liquidation_distance_pct 必须在 (0, 0.5] 之间")
	}
	switch cfg.Risk.StopLoss.SLOrderType {
	case "trigger", "plan", "local_guard":
	default:
		return fmt.Errorf("sl_order_type 必须是 trigger/plan/local_guard")
	}
	if cfg.Risk.StopLoss.MustExist && cfg.Risk.StopLoss.MaxTimeWithoutSLSeconds <= 0 {
		return fmt.Errorf("must_exist=true 时 max_time_without_sl_seconds 必须 > 0")
	}
	if cfg.Risk.CircuitBreaker.APIErrorWindowSeconds <= 0 {
		return fmt.Errorf("api_error_window_seconds 必须 > 0")
	}

	if cfg.Execution.BEReducePct <= 0 || cfg.Execution.BEReducePct > 100 {
		return fmt.Errorf("be_reduce_pct 必须在 (0, 100] 之间")
	}
	if cfg.Execution.MaxSubmitRetries < 0 {
		return fmt.Errorf("max_submit_retries 必须 >= 0")
	}
	switch cfg.Execution.LimitPriceStrategy {
	case "MID", "LOW", "HIGH":
	default:
		return fmt.Errorf("limit_price_strategy 必须是 MID/LOW/HIGH")
	}

	pi := cfg.Monitor.PollIntervals
	if pi.ReconcilerSeconds < 1 || pi.RiskDaemonSeconds < 1 {
		return fmt.Errorf("reconciler_seconds 和 risk_daemon_seconds 必须 >= 1")
	}
	switch cfg.Monitor.PriceFeed.Mode {
	case "ws", "rest":
	default:
		return fmt.Errorf("price_feed.mode 必须是 ws 或 rest")
	}

	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("db_path 不能为空")
	}

	return nil
}

// watchConfig 监听配置文件变化并热重载
func watchConfig() {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}

		if err := ValidateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		globalConfig = &newCfg
		log.Info().Msg("配置热重载成功")
	})
}

// ReconcilerInterval 对账循环间隔
func (c *Config) ReconcilerInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervals.ReconcilerSeconds) * time.Second
}

// RiskDaemonInterval 风控守护循环间隔
func (c *Config) RiskDaemonInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervals.RiskDaemonSeconds) * time.Second
}

// SideAllowed 检查方向是否在允许列表中
func (c *Config) SideAllowed(side string) bool {
	for _, s := range c.Filters.AllowSides {
		if strings.EqualFold(s, side) {
			return true
		}
	}
	return false
}

// NormalizeSymbol 规范化交易对符号 (大写并去掉斜杠)
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "/", ""))
}
