package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DryRunClient 演练模式客户端：查询直通，所有交易动作只记日志。
type DryRunClient struct {
	Client
}

func NewDryRunClient(inner Client) *DryRunClient {
	return &DryRunClient{Client: inner}
}

func (d *DryRunClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	log.Info().Str("symbol", req.Symbol).Str("side", req.Side).Float64("size", req.Size).
		Msg("[dry-run] 跳过下单")
	return fakeAck(req.ClientOrderID), nil
}

func (d *DryRunClient) PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderAck, error) {
	log.Info().Str("symbol", req.Symbol).Str("plan_type", req.PlanType).
		Float64("trigger", req.TriggerPrice).Float64("size", req.Size).
		Msg("[dry-run] 跳过触发单")
	return fakeAck(req.ClientOrderID), nil
}

func (d *DryRunClient) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) error {
	log.Info().Str("symbol", symbol).Str("client_oid", clientOrderID).Msg("[dry-run] 跳过撤单")
	return nil
}

func (d *DryRunClient) CancelTriggerOrder(ctx context.Context, symbol, orderID string) error {
	log.Info().Str("symbol", symbol).Str("order_id", orderID).Msg("[dry-run] 跳过撤触发单")
	return nil
}

func (d *DryRunClient) ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error {
	log.Warn().Str("symbol", symbol).Str("side", positionSide).Float64("size", size).
		Msg("[dry-run] 跳过保护性平仓")
	return nil
}

func fakeAck(clientOid string) OrderAck {
	return OrderAck{OrderID: "dry-" + uuid.NewString()[:8], ClientOrderID: clientOid}
}
