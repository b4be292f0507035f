package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int           // 最大重试次数
	BaseDelay  time.Duration // 基础延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// WithRetry 指数退避执行fn，只对瞬时故障重试
func WithRetry(fn func() error, cfg RetryConfig) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
		}
		time.Sleep(backoffDelay(attempt, cfg.BaseDelay, cfg.MaxDelay))
	}
}

// backoffDelay 第attempt次失败后的等待时长: base * 2^attempt，封顶max
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 20 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Bitget信封里少数值得重试的瞬时错误码。
// 40010 请求超时，40200 服务升级中，40725 服务端内部异常。
var transientAPICodes = map[string]bool{
	"40010": true,
	"40200": true,
	"40725": true,
}

// isRetryableError 区分瞬时故障和业务拒绝。
// 信封错误（code=xxx）是业务拒绝不重试，瞬时码白名单除外；
// HTTP层的429和5xx可重试；网络类错误可重试；其余一律不重试。
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if code, ok := fieldAfter(msg, "code="); ok {
		return transientAPICodes[code]
	}
	if status, ok := httpStatusIn(msg); ok {
		return status == 429 || status >= 500
	}
	for _, pattern := range []string{
		"timeout",
		"connection reset",
		"connection refused",
		"no such host",
		"unexpected eof",
		"temporary failure",
		"too many requests",
		"rate limit",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// fieldAfter 取key=后面到分隔符为止的取值
func fieldAfter(s, key string) (string, bool) {
	i := strings.Index(s, key)
	if i < 0 {
		return "", false
	}
	v := s[i+len(key):]
	if j := strings.IndexAny(v, " ,;"); j >= 0 {
		v = v[:j]
	}
	return v, v != ""
}

// httpStatusIn 识别 "http 503 from ..." 形式的状态码
func httpStatusIn(s string) (int, bool) {
	i := strings.Index(s, "http ")
	if i < 0 {
		return 0, false
	}
	rest := s[i+5:]
	if j := strings.IndexByte(rest, ' '); j >= 0 {
		rest = rest[:j]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 100 || n > 599 {
		return 0, false
	}
	return n, true
}
