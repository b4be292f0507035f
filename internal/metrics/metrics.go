package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// 账户指标
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_account_equity",
			Help: "账户净值",
		},
	)

	Drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_account_drawdown",
			Help: "相对峰值净值的回撤比例",
		},
	)

	MarginRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_margin_used_ratio",
			Help: "保证金占用比例 (margin_used/equity)",
		},
	)

	// 保护状态指标
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_open_positions",
			Help: "当前持仓数",
		},
	)

	SLMissing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_sl_missing",
			Help: "缺少有效止损的持仓数",
		},
	)

	SLCoverage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_sl_coverage_ratio",
			Help: "止损覆盖率 (有止损持仓/总持仓)",
		},
	)

	SafeModeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_safe_mode",
			Help: "安全模式 (0=关闭, 1=开启)",
		},
	)

	PanicModeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_panic_mode",
			Help: "紧急模式 (0=关闭, 1=开启)",
		},
	)

	// 风控指标
	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_risk_rejections_total",
			Help: "入场被风控拒绝次数",
		},
		[]string{"reason"},
	)

	RiskApprovals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_risk_approvals_total",
			Help: "入场通过风控次数",
		},
	)

	ProtectiveCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_protective_closes_total",
			Help: "保护性平仓次数",
		},
		[]string{"reason"},
	)

	GuardsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_local_guards_fired_total",
			Help: "本地止损触发次数",
		},
		[]string{"symbol"},
	)

	KillSwitchTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_kill_switch_triggers_total",
			Help: "紧急开关触发次数",
		},
		[]string{"value", "source"},
	)

	// 对账指标
	OrdersReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_orders_reconciled_total",
			Help: "订单对账更新次数（按归一化后状态）",
		},
		[]string{"status"},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_reconcile_errors_total",
			Help: "订单对账失败次数",
		},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_orders_placed_total",
			Help: "下单次数（按用途）",
		},
		[]string{"purpose"},
	)

	// 系统指标
	APIErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_api_errors_total",
			Help: "交易所API错误次数",
		},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_tick_duration_seconds",
			Help:    "各周期任务单次执行耗时",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"loop"},
	)

	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_api_latency_seconds",
			Help:    "API请求延迟",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"endpoint", "status"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		Equity,
		Drawdown,
		MarginRatio,
		OpenPositions,
		SLMissing,
		SLCoverage,
		SafeModeGauge,
		PanicModeGauge,
		RiskRejections,
		RiskApprovals,
		ProtectiveCloses,
		GuardsFired,
		KillSwitchTriggers,
		OrdersReconciled,
		ReconcileErrors,
		OrdersPlaced,
		APIErrors,
		TickDuration,
		APILatency,
	)
}

// SetEquity 更新净值
func SetEquity(v float64) { Equity.Set(v) }

// SetDrawdown 更新回撤比例
func SetDrawdown(v float64) { Drawdown.Set(v) }

// SetMarginRatio 更新保证金占用比例
func SetMarginRatio(v float64) { MarginRatio.Set(v) }

// SetOpenPositions 更新持仓数
func SetOpenPositions(n int) { OpenPositions.Set(float64(n)) }

// SetSLMissing 更新缺止损持仓数
func SetSLMissing(n int) { SLMissing.Set(float64(n)) }

// SetSLCoverage 更新止损覆盖率
func SetSLCoverage(r float64) { SLCoverage.Set(r) }

// SetSafeMode 更新安全模式标志
func SetSafeMode(on bool) {
	if on {
		SafeModeGauge.Set(1)
	} else {
		SafeModeGauge.Set(0)
	}
}

// SetPanicMode 更新紧急模式标志
func SetPanicMode(on bool) {
	if on {
		PanicModeGauge.Set(1)
	} else {
		PanicModeGauge.Set(0)
	}
}

// IncAPIError 记录API错误
func IncAPIError() { APIErrors.Inc() }

// RecordRejection 记录风控拒绝
func RecordRejection(reason string) { RiskRejections.WithLabelValues(reason).Inc() }

// RecordApproval 记录风控通过
func RecordApproval() { RiskApprovals.Inc() }

// RecordProtectiveClose 记录保护性平仓
func RecordProtectiveClose(reason string) { ProtectiveCloses.WithLabelValues(reason).Inc() }

// RecordGuardFired 记录本地止损触发
func RecordGuardFired(symbol string) { GuardsFired.WithLabelValues(symbol).Inc() }

// RecordKillSwitch 记录紧急开关触发
func RecordKillSwitch(value, source string) { KillSwitchTriggers.WithLabelValues(value, source).Inc() }

// RecordReconciled 记录订单对账更新
func RecordReconciled(status string) { OrdersReconciled.WithLabelValues(status).Inc() }

// IncReconcileError 记录对账失败
func IncReconcileError() { ReconcileErrors.Inc() }

// RecordOrderPlaced 记录下单
func RecordOrderPlaced(purpose string) { OrdersPlaced.WithLabelValues(purpose).Inc() }

// ObserveTick 记录周期任务耗时
func ObserveTick(loop string, seconds float64) {
	TickDuration.WithLabelValues(loop).Observe(seconds)
}

// ObserveAPILatency 记录API延迟
func ObserveAPILatency(endpoint, status string, seconds float64) {
	APILatency.WithLabelValues(endpoint, status).Observe(seconds)
}
