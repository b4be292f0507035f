package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TickerStream 公共行情WebSocket订阅。断线自动重连（指数退避），
// 每条ticker通过回调交给上层写入运行时状态。
type TickerStream struct {
	url         string
	productType string
	symbols     []string
	onTicker    func(Ticker)

	pingInterval time.Duration
	maxBackoff   time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTickerStream 创建行情订阅器
func NewTickerStream(wsURL, productType string, symbols []string, onTicker func(Ticker)) *TickerStream {
	return &TickerStream{
		url:          wsURL,
		productType:  productType,
		symbols:      symbols,
		onTicker:     onTicker,
		pingInterval: 25 * time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// ForceReconnect 关掉当前连接，让Run的重连循环立即重建订阅
func (s *TickerStream) ForceReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

type wsSubscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsRequest struct {
	Op   string           `json:"op"`
	Args []wsSubscribeArg `json:"args"`
}

type wsPush struct {
	Action string                   `json:"action"`
	Arg    wsSubscribeArg           `json:"arg"`
	Event  string                   `json:"event"`
	Data   []map[string]interface{} `json:"data"`
}

// Run 阻塞运行直到context取消。连接失败按指数退避重连。
func (s *TickerStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("行情WebSocket断开，准备重连")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *TickerStream) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	sub := wsRequest{Op: "subscribe"}
	for _, sym := range s.symbols {
		sub.Args = append(sub.Args, wsSubscribeArg{
			InstType: s.productType,
			Channel:  "ticker",
			InstID:   sym,
		})
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Strs("symbols", s.symbols).Msg("行情WebSocket已订阅")

	// 心跳：Bitget用文本ping/pong
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	// context取消时主动关连接，打断阻塞的Read
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-pingDone:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}

		var push wsPush
		if err := json.Unmarshal(raw, &push); err != nil {
			log.Debug().Err(err).Msg("忽略无法解析的WebSocket消息")
			continue
		}
		if push.Event == "error" {
			log.Error().RawJSON("msg", raw).Msg("行情WebSocket订阅错误")
			continue
		}
		if push.Arg.Channel != "ticker" || len(push.Data) == 0 {
			continue
		}
		for _, row := range push.Data {
			t := parseTicker(row)
			if t.Symbol == "" {
				t.Symbol = push.Arg.InstID
			}
			if s.onTicker != nil && t.Symbol != "" {
				s.onTicker(t)
			}
		}
	}
}
