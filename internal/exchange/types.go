package gateway

import (
	"context"
	"time"
)

// Ticker 行情快照
type Ticker struct {
	Symbol     string
	Last       float64
	Mark       float64
	Bid        float64
	Ask        float64
	USDTVolume float64 // 24h成交额
	Ts         time.Time
}

// AccountSnapshot 账户快照
type AccountSnapshot struct {
	Equity     float64
	Available  float64
	MarginUsed float64
	Ts         time.Time
}

// Position 交易所持仓
type Position struct {
	Symbol        string
	Side          string // long | short
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64
	UnrealizedPnl float64
	Leverage      int
	MarginMode    string
	Ts            time.Time
}

// Contract 合约元信息
type Contract struct {
	Symbol      string
	MinTradeNum float64 // 最小下单量
	PriceTick   float64 // 价格精度
	VolumePlace int     // 数量小数位
	Status      string  // normal | maintain | off
}

// OrderRequest 普通下单请求
type OrderRequest struct {
	Symbol        string
	Side          string // buy | sell
	OrderType     string // limit | market
	Price         float64
	Size          float64
	ReduceOnly    bool
	TradeSide     string // open | close (双向持仓模式，单向留空)
	ClientOrderID string
}

// TriggerOrderRequest 计划/触发单请求
type TriggerOrderRequest struct {
	Symbol        string
	Side          string  // buy | sell
	TriggerPrice  float64 // 触发价
	Price         float64 // 委托价 (0=触发后市价)
	Size          float64
	ReduceOnly    bool
	TradeSide     string
	ClientOrderID string
	TriggerType   string // mark_price | fill_price
	PlanType      string // normal_plan | loss_plan | profit_plan
}

// OrderAck 下单回执
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

// OrderDetail 交易所订单状态查询结果
type OrderDetail struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	RawStatus     string // 交易所原始状态词汇，未归一化
	Filled        float64
	AvgPrice      float64
	Size          float64
}

// Client 交易所客户端接口。所有阻塞调用都接收context，供核心组件打桩测试。
type Client interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetTickers(ctx context.Context) ([]Ticker, error)
	GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error)
	GetOrderDetail(ctx context.Context, symbol, orderID, clientOrderID string) (OrderDetail, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) error
	CancelTriggerOrder(ctx context.Context, symbol, orderID string) error
	// ClosePosition 市价保护性平仓。size<=0 表示全部平掉。
	ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error
	// SupportsPlanOrders 探测交易所是否支持计划单（结果带TTL缓存）
	SupportsPlanOrders(ctx context.Context) bool
	GetContracts(ctx context.Context) ([]Contract, error)
}
