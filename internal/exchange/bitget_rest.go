package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/metrics"
)

// BitgetRESTClient Bitget合约REST客户端
type BitgetRESTClient struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	passphrase  string
	productType string
	marginMode  string
	marginCoin  string

	httpClient *http.Client
	limiter    RateLimiter
	retryCfg   RetryConfig
	clock      *TimeSync

	// API错误回调（风控错误窗口计数用），可为nil
	onAPIError func()

	// 计划单能力探测缓存
	planMu        sync.Mutex
	planProbedAt  time.Time
	planSupported bool

	now func() time.Time
}

// BitgetOptions 客户端构造参数
type BitgetOptions struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	Passphrase  string
	ProductType string
	MarginMode  string
	OnAPIError  func()
}

// NewBitgetRESTClient 创建Bitget REST客户端
func NewBitgetRESTClient(opts BitgetOptions) *BitgetRESTClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.bitget.com"
	}
	if opts.ProductType == "" {
		opts.ProductType = "USDT-FUTURES"
	}
	return &BitgetRESTClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		passphrase:  opts.Passphrase,
		productType: opts.ProductType,
		marginMode:  opts.MarginMode,
		marginCoin:  "USDT",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     NewCompositeLimiter(8, 8, 60, 300),
		retryCfg:    DefaultRetryConfig(),
		clock:       NewTimeSync(strings.TrimRight(opts.BaseURL, "/")),
		onAPIError:  opts.OnAPIError,
		now:         time.Now,
	}
}

// sign 生成请求签名: base64(hmac_sha256(ts + method + path + body))
func (c *BitgetRESTClient) sign(ts, method, pathWithQuery, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + pathWithQuery + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doRequest 发送已签名请求并解析外层信封。限速、重试、错误计数都在这一层。
func (c *BitgetRESTClient) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
	}

	pathWithQuery := path
	if len(query) > 0 {
		pathWithQuery = path + "?" + encodeQuerySorted(query)
	}

	var data json.RawMessage
	err := WithRetry(func() error {
		c.limiter.Wait()

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewBufferString(bodyStr))
		if err != nil {
			return err
		}

		ts := strconv.FormatInt(c.now().UnixMilli()+c.clock.Offset(), 10)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("locale", "en-US")
		if c.apiKey != "" {
			req.Header.Set("ACCESS-KEY", c.apiKey)
			req.Header.Set("ACCESS-SIGN", c.sign(ts, method, pathWithQuery, bodyStr))
			req.Header.Set("ACCESS-TIMESTAMP", ts)
			req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.recordError()
			metrics.ObserveAPILatency(path, "error", time.Since(start).Seconds())
			return fmt.Errorf("request %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		metrics.ObserveAPILatency(path, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
		if err != nil {
			c.recordError()
			return fmt.Errorf("read response %s: %w", path, err)
		}

		if resp.StatusCode != http.StatusOK {
			c.recordError()
			return fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, path, truncate(raw, 256))
		}

		var env apiEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.recordError()
			return fmt.Errorf("decode response %s: %w", path, err)
		}
		if env.Code != "00000" {
			c.recordError()
			return fmt.Errorf("api error %s: code=%s msg=%s", path, env.Code, env.Msg)
		}
		data = env.Data
		return nil
	}, c.retryCfg)

	return data, err
}

func (c *BitgetRESTClient) recordError() {
	if c.onAPIError != nil {
		c.onAPIError()
	}
}

// encodeQuerySorted 按键名排序编码查询串，保证签名内容稳定
func encodeQuerySorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(q.Get(k)))
	}
	return sb.String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// GetTicker 查询单个合约行情
func (c *BitgetRESTClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", c.productType)
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", q, nil)
	if err != nil {
		return Ticker{}, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(rows) == 0 {
		return Ticker{}, fmt.Errorf("empty ticker for %s", symbol)
	}
	return parseTicker(rows[0]), nil
}

// GetTickers 查询全市场行情
func (c *BitgetRESTClient) GetTickers(ctx context.Context) ([]Ticker, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/tickers", q, nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	out := make([]Ticker, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseTicker(row))
	}
	return out, nil
}

func parseTicker(row map[string]interface{}) Ticker {
	return Ticker{
		Symbol:     pickString(row, "symbol", "instId"),
		Last:       pickFloat(row, "lastPr", "last", "lastPrice", "close"),
		Mark:       pickFloat(row, "markPrice", "markPr", "mark", "indexPrice"),
		Bid:        pickFloat(row, "bidPr", "bestBid", "bid1Price", "bidPrice"),
		Ask:        pickFloat(row, "askPr", "bestAsk", "ask1Price", "askPrice"),
		USDTVolume: pickFloat(row, "usdtVolume", "quoteVolume", "usdtVol"),
		Ts:         time.Now(),
	}
}

// GetAccountSnapshot 查询账户净值/可用/占用保证金
func (c *BitgetRESTClient) GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/account/accounts", q, nil)
	if err != nil {
		return AccountSnapshot{}, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return AccountSnapshot{}, fmt.Errorf("decode accounts: %w", err)
	}
	snap := AccountSnapshot{Ts: time.Now()}
	for _, row := range rows {
		if coin := pickString(row, "marginCoin", "coin"); coin != "" && !strings.EqualFold(coin, c.marginCoin) {
			continue
		}
		snap.Equity = pickFloat(row, "accountEquity", "equity", "usdtEquity")
		snap.Available = pickFloat(row, "available", "crossedMaxAvailable", "maxTransferOut")
		snap.MarginUsed = pickFloat(row, "locked", "frozen", "marginUsed", "crossedMargin")
		break
	}
	return snap, nil
}

// GetPositions 查询全部持仓
func (c *BitgetRESTClient) GetPositions(ctx context.Context) ([]Position, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	q.Set("marginCoin", c.marginCoin)
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", q, nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		size := pickFloat(row, "total", "size", "holdAmount", "available")
		if size <= 0 {
			continue
		}
		side := strings.ToLower(pickString(row, "holdSide", "posSide", "side"))
		if side != "long" && side != "short" {
			continue
		}
		out = append(out, Position{
			Symbol:        pickString(row, "symbol", "instId"),
			Side:          side,
			Size:          size,
			EntryPrice:    pickFloat(row, "openPriceAvg", "averageOpenPrice", "entryPrice", "avgPrice"),
			MarkPrice:     pickFloat(row, "markPrice", "markPr", "mark"),
			LiqPrice:      pickFloat(row, "liquidationPrice", "liqPx", "liqPrice"),
			UnrealizedPnl: pickFloat(row, "unrealizedPL", "unrealizedPnl", "upl"),
			Leverage:      pickInt(row, "leverage", "lever"),
			MarginMode:    pickString(row, "marginMode", "mgnMode"),
			Ts:            time.Now(),
		})
	}
	return out, nil
}

// GetOpenOrders 查询未完结订单（symbol为空时查全部）
func (c *BitgetRESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-pending", q, nil)
	if err != nil {
		return nil, err
	}
	var wrapper map[string]interface{}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode pending orders: %w", err)
	}
	rows, _ := wrapper["entrustedList"].([]interface{})
	out := make([]OrderDetail, 0, len(rows))
	for _, r := range rows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, parseOrderDetail(row))
	}
	return out, nil
}

// GetOrderDetail 按交易所ID或客户端ID查询订单
func (c *BitgetRESTClient) GetOrderDetail(ctx context.Context, symbol, orderID, clientOrderID string) (OrderDetail, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", c.productType)
	if orderID != "" {
		q.Set("orderId", orderID)
	} else if clientOrderID != "" {
		q.Set("clientOid", clientOrderID)
	} else {
		return OrderDetail{}, fmt.Errorf("order detail requires orderId or clientOid")
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/detail", q, nil)
	if err != nil {
		return OrderDetail{}, err
	}
	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		return OrderDetail{}, fmt.Errorf("decode order detail: %w", err)
	}
	return parseOrderDetail(row), nil
}

func parseOrderDetail(row map[string]interface{}) OrderDetail {
	return OrderDetail{
		OrderID:       pickString(row, "orderId", "ordId"),
		ClientOrderID: pickString(row, "clientOid", "clientOrderId", "clOrdId"),
		Symbol:        pickString(row, "symbol", "instId"),
		RawStatus:     pickString(row, "status", "state", "orderStatus"),
		Filled:        pickFloat(row, "baseVolume", "filledQty", "accFillSz", "fillSz", "dealSize"),
		AvgPrice:      pickFloat(row, "priceAvg", "avgPrice", "avgPx", "fillPrice"),
		Size:          pickFloat(row, "size", "sz", "quantity"),
	}
}

// PlaceOrder 下普通单
func (c *BitgetRESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": c.productType,
		"marginMode":  c.marginMode,
		"marginCoin":  c.marginCoin,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"size":        formatFloat(req.Size),
	}
	if req.OrderType == "limit" {
		body["price"] = formatFloat(req.Price)
		body["force"] = "gtc"
	}
	if req.TradeSide != "" {
		body["tradeSide"] = req.TradeSide
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "YES"
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body)
	if err != nil {
		return OrderAck{}, err
	}
	return parseAck(data, req.ClientOrderID)
}

// PlaceTriggerOrder 下计划/触发单
func (c *BitgetRESTClient) PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderAck, error) {
	planType := req.PlanType
	if planType == "" {
		planType = "normal_plan"
	}
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = "mark_price"
	}
	body := map[string]interface{}{
		"planType":     planType,
		"symbol":       req.Symbol,
		"productType":  c.productType,
		"marginMode":   c.marginMode,
		"marginCoin":   c.marginCoin,
		"side":         req.Side,
		"size":         formatFloat(req.Size),
		"triggerPrice": formatFloat(req.TriggerPrice),
		"triggerType":  triggerType,
	}
	if req.Price > 0 {
		body["orderType"] = "limit"
		body["executePrice"] = formatFloat(req.Price)
	} else {
		body["orderType"] = "market"
	}
	if req.TradeSide != "" {
		body["tradeSide"] = req.TradeSide
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "YES"
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-plan-order", nil, body)
	if err != nil {
		return OrderAck{}, err
	}
	return parseAck(data, req.ClientOrderID)
}

func parseAck(data json.RawMessage, clientOid string) (OrderAck, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	ack := OrderAck{
		OrderID:       pickString(row, "orderId", "ordId"),
		ClientOrderID: pickString(row, "clientOid", "clientOrderId"),
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = clientOid
	}
	return ack, nil
}

// CancelOrder 撤销普通单
func (c *BitgetRESTClient) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": c.productType,
	}
	if orderID != "" {
		body["orderId"] = orderID
	} else if clientOrderID != "" {
		body["clientOid"] = clientOrderID
	} else {
		return fmt.Errorf("cancel requires orderId or clientOid")
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, body)
	return err
}

// CancelTriggerOrder 撤销计划单
func (c *BitgetRESTClient) CancelTriggerOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"orderIdList": []map[string]string{{"orderId": orderID}},
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, body)
	return err
}

// ClosePosition 市价保护性平仓。size<=0 走闪电平仓接口平掉整个方向。
func (c *BitgetRESTClient) ClosePosition(ctx context.Context, symbol, positionSide string, size float64) error {
	if size <= 0 {
		body := map[string]interface{}{
			"symbol":      symbol,
			"productType": c.productType,
			"holdSide":    positionSide,
		}
		_, err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/close-positions", nil, body)
		return err
	}

	// 部分平仓：反方向市价reduce-only单
	side := "sell"
	if positionSide == "short" {
		side = "buy"
	}
	_, err := c.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		OrderType:  "market",
		Size:       size,
		ReduceOnly: true,
	})
	return err
}

// SupportsPlanOrders 探测交易所是否接受计划单，结果缓存10分钟。
// 探测失败（网络等）时沿用上次结果，默认false。
func (c *BitgetRESTClient) SupportsPlanOrders(ctx context.Context) bool {
	c.planMu.Lock()
	defer c.planMu.Unlock()

	if !c.planProbedAt.IsZero() && c.now().Sub(c.planProbedAt) < 10*time.Minute {
		return c.planSupported
	}

	q := url.Values{}
	q.Set("productType", c.productType)
	q.Set("planType", "normal_plan")
	_, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", q, nil)
	if err != nil {
		// 业务性拒绝视为不支持；网络类失败保留旧结论
		if !isRetryableError(err) {
			c.planSupported = false
			c.planProbedAt = c.now()
			log.Warn().Err(err).Msg("计划单能力探测被拒，回退本地止损")
		}
		return c.planSupported
	}
	c.planSupported = true
	c.planProbedAt = c.now()
	return true
}

// GetContracts 查询合约元信息
func (c *BitgetRESTClient) GetContracts(ctx context.Context) ([]Contract, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", q, nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}
	out := make([]Contract, 0, len(rows))
	for _, row := range rows {
		out = append(out, Contract{
			Symbol:      pickString(row, "symbol", "instId"),
			MinTradeNum: pickFloat(row, "minTradeNum", "minSz"),
			PriceTick:   pickFloat(row, "priceEndStep", "tickSz", "priceTick"),
			VolumePlace: pickInt(row, "volumePlace", "szPlace"),
			Status:      pickString(row, "symbolStatus", "status", "state"),
		})
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
