package state

import "time"

// 持仓方向
const (
	SideLong  = "long"
	SideShort = "short"
)

// 订单方向
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// 订单状态（统一后的内部词汇）
const (
	StatusNew      = "NEW"
	StatusAcked    = "ACKED"
	StatusPartial  = "PARTIAL"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// 订单用途
const (
	PurposeEntry         = "entry"
	PurposeStopLoss      = "sl"
	PurposeTakeProfit    = "tp"
	PurposeBEReduce      = "be_reduce"
	PurposeBEReduceLocal = "be_reduce_local"
)

// 双向持仓模式下的开平方向
const (
	TradeSideOpen  = "open"
	TradeSideClose = "close"
)

// AccountState 账户快照
type AccountState struct {
	Equity     float64   // 净值
	Available  float64   // 可用余额
	MarginUsed float64   // 已占用保证金
	UpdatedAt  time.Time // 快照时间
}

// PositionState 持仓快照
type PositionState struct {
	Symbol        string
	Side          string  // long | short
	Size          float64 // 持仓数量
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64 // 预估强平价 (0=未知)
	UnrealizedPnl float64
	Leverage      int
	MarginMode    string
	UpdatedAt     time.Time
	OpenedAt      time.Time // 首次在本地观察到该持仓的时间
	UnknownOrigin bool      // 交易所存在但本地无对应入场记录
}

// OrderState 订单状态（本地跟踪）
type OrderState struct {
	Symbol        string
	Side          string // buy | sell
	Status        string
	Filled        float64 // 已成交数量
	Quantity      float64 // 目标数量
	AvgPrice      float64 // 平均成交价
	ReduceOnly    bool
	TradeSide     string // open | close (双向持仓模式)
	Purpose       string // entry | sl | tp | be_reduce | be_reduce_local
	ClientOrderID string
	OrderID       string  // 交易所订单号
	TriggerPrice  float64 // 计划/触发单触发价
	IsPlanOrder   bool
	ParentClient  string // 保护单所属入场单的客户端ID
	ThreadID      int64  // 交易线程ID (0=未关联)
	EntryIndex    int    // 线程内入场序号 (ThreadID!=0时有效)
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsTerminal 订单是否已进入终态
func (o *OrderState) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// IsTerminalStatus 状态是否为终态
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// LocalGuardStop 软件模拟止损（交易所不支持计划单时使用）
type LocalGuardStop struct {
	Symbol       string
	Side         string // 对应持仓方向 long | short
	TriggerPrice float64
	Size         float64
	Reason       string
	Purpose      string // sl | be_reduce_local
	ThreadID     int64
	CreatedAt    time.Time
	Active       bool
}

// PriceSnapshot 行情快照
type PriceSnapshot struct {
	Symbol    string
	Mark      float64
	Last      float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// ClosingOrderSide 给定持仓方向对应的平仓订单方向
func ClosingOrderSide(positionSide string) string {
	if positionSide == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Snapshot 运行时状态的只读快照（用于 /statez 和落盘）
type Snapshot struct {
	Account      AccountState     `json:"account"`
	Positions    []PositionState  `json:"positions"`
	OpenOrders   []OrderState     `json:"open_orders"`
	ActiveGuards []LocalGuardStop `json:"active_guards"`
	SafeMode     bool             `json:"safe_mode"`
	SafeReason   string           `json:"safe_reason,omitempty"`
	PanicMode    bool             `json:"panic_mode"`
	PanicReason  string           `json:"panic_reason,omitempty"`
	PeakEquity   float64          `json:"peak_equity"`
	TakenAt      time.Time        `json:"taken_at"`
}
