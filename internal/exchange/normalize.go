package gateway

import (
	"strconv"
	"strings"
)

// 归一化后的订单状态词汇
const (
	StatusAcked    = "ACKED"
	StatusPartial  = "PARTIAL"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// NormalizeStatus 把交易所五花八门的状态词汇映射到内部固定词汇。
// 未识别的状态按ACKED处理（订单仍在交易所手里，留给下轮对账）。
func NormalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "" || s == "NEW" || s == "INIT" || s == "SUBMITTING" || s == "LIVE" || s == "NOT_TRIGGER":
		return StatusAcked
	case strings.HasPrefix(s, "PARTIAL"):
		return StatusPartial
	case s == "FILLED" || s == "FULLY_FILLED" || s == "FULL_FILL" || s == "DONE" || s == "EXECUTED" || s == "TRIGGERED":
		return StatusFilled
	case s == "CANCELED" || s == "CANCELLED" || s == "CANCEL":
		return StatusCanceled
	case s == "REJECTED" || s == "REJECT":
		return StatusRejected
	case s == "FAILED" || s == "FAIL":
		return StatusFailed
	default:
		return StatusAcked
	}
}

// IsTerminalStatus 归一化后的状态是否为终态
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// pickFloat 从动态payload中按候选键名依次取数值字段。
// 交易所同一字段在不同接口里叫法不一（markPrice/markPr/mark），在边界处一次吸收。
func pickFloat(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t
		case string:
			if t == "" {
				continue
			}
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f
			}
		case int:
			return float64(t)
		case int64:
			return float64(t)
		}
	}
	return 0
}

// pickString 从动态payload中按候选键名依次取字符串字段
func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

// pickInt 从动态payload中按候选键名依次取整数字段
func pickInt(m map[string]interface{}, keys ...string) int {
	f := pickFloat(m, keys...)
	return int(f)
}
