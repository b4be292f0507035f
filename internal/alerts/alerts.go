package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/store"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelCritical = "CRITICAL"
)

// Notifier 告警分发器。每条告警带trace id，落盘到事件表，
// 达到最低级别的再转发webhook（没配webhook就只记日志）。
type Notifier struct {
	store      *store.Store
	minLevel   string
	webhookURL string
	httpClient *http.Client
}

// NewNotifier 创建告警分发器。store可为nil（只记日志）。
func NewNotifier(st *store.Store, minLevel, webhookURL string) *Notifier {
	if minLevel == "" {
		minLevel = LevelWarn
	}
	return &Notifier{
		store:      st,
		minLevel:   minLevel,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func levelRank(level string) int {
	switch level {
	case LevelCritical:
		return 2
	case LevelWarn:
		return 1
	default:
		return 0
	}
}

// Notify 分发一条告警，返回trace id
func (n *Notifier) Notify(level, event, symbol, message string, fields map[string]interface{}) string {
	traceID := uuid.NewString()

	var ev *zerolog.Event
	switch level {
	case LevelCritical:
		ev = log.Error()
	case LevelWarn:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev = ev.Str("trace_id", traceID).Str("event", event)
	if symbol != "" {
		ev = ev.Str("symbol", symbol)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(message)

	if n.store != nil {
		merged := map[string]interface{}{"trace_id": traceID}
		for k, v := range fields {
			merged[k] = v
		}
		n.store.RecordEvent(level, event, symbol, message, merged)
	}

	if n.webhookURL != "" && levelRank(level) >= levelRank(n.minLevel) {
		go n.postWebhook(traceID, level, event, symbol, message)
	}
	return traceID
}

// Info 便捷方法
func (n *Notifier) Info(event, symbol, message string, fields map[string]interface{}) string {
	return n.Notify(LevelInfo, event, symbol, message, fields)
}

// Warn 便捷方法
func (n *Notifier) Warn(event, symbol, message string, fields map[string]interface{}) string {
	return n.Notify(LevelWarn, event, symbol, message, fields)
}

// Critical 便捷方法
func (n *Notifier) Critical(event, symbol, message string, fields map[string]interface{}) string {
	return n.Notify(LevelCritical, event, symbol, message, fields)
}

func (n *Notifier) postWebhook(traceID, level, event, symbol, message string) {
	payload, err := json.Marshal(map[string]string{
		"trace_id": traceID,
		"level":    level,
		"event":    event,
		"symbol":   symbol,
		"message":  message,
	})
	if err != nil {
		return
	}
	resp, err := n.httpClient.Post(n.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("告警webhook发送失败")
		return
	}
	resp.Body.Close()
}
