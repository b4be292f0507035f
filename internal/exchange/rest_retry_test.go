package gateway

import (
	"errors"
	"testing"
	"time"
)

func TestWithRetryRetriesTransient(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := WithRetry(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, cfg)
	if err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if attempts != 3 {
		t.Errorf("应尝试3次，实际 %d 次", attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := WithRetry(func() error {
		attempts++
		return errors.New("HTTP 401 unauthorized")
	}, cfg)
	if err == nil {
		t.Fatal("不可重试错误应立即返回")
	}
	if attempts != 1 {
		t.Errorf("不可重试错误不应重试，实际尝试 %d 次", attempts)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := WithRetry(func() error {
		attempts++
		return errors.New("429 too many requests")
	}, cfg)
	if err == nil {
		t.Fatal("重试耗尽应返回错误")
	}
	if attempts != 3 {
		t.Errorf("应尝试 1+2 次，实际 %d 次", attempts)
	}
}

func TestIsRetryableError(t *testing.T) {
	retryable := []string{
		"dial tcp: i/o timeout",
		"HTTP 503 from /api",
		"rate limit exceeded",
	}
	for _, msg := range retryable {
		if !isRetryableError(errors.New(msg)) {
			t.Errorf("%q 应可重试", msg)
		}
	}

	nonRetryable := []string{
		"api error: signature invalid",
		"HTTP 400 bad request",
		"forbidden",
		"context canceled",
	}
	for _, msg := range nonRetryable {
		if isRetryableError(errors.New(msg)) {
			t.Errorf("%q 不应重试", msg)
		}
	}
}

func TestIsRetryableErrorBitgetEnvelope(t *testing.T) {
	// 业务拒绝不重试，盲目重试只会放大API错误计数
	rejected := errors.New("api error /api/v2/mix/order/place-order: code=43001 msg=The order does not exist")
	if isRetryableError(rejected) {
		t.Error("信封业务错误码不应重试")
	}

	// 瞬时码白名单
	for _, msg := range []string{
		"api error /api/v2/mix/order/place-order: code=40200 msg=Server upgrading",
		"api error /api/v2/mix/market/ticker: code=40010 msg=Request timed out",
	} {
		if !isRetryableError(errors.New(msg)) {
			t.Errorf("%q 应重试", msg)
		}
	}
}

func TestWithRetryStopsOnEnvelopeRejection(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := WithRetry(func() error {
		attempts++
		return errors.New("api error /api/v2/mix/order/place-order: code=40762 msg=The order size is greater than the max open size")
	}, cfg)
	if err == nil {
		t.Fatal("业务拒绝应立即返回")
	}
	if attempts != 1 {
		t.Errorf("业务拒绝不应重试，实际尝试 %d 次", attempts)
	}
}

func TestTokenBucketLimiterBurst(t *testing.T) {
	l := NewTokenBucketLimiter(100, 5)

	start := time.Now()
	for i := 0; i < 5; i++ {
		l.Wait()
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("突发额度内不应等待，耗时 %v", elapsed)
	}
}

func TestCompositeLimiterWindowDelay(t *testing.T) {
	l := NewCompositeLimiter(1000, 10, 2, 0)
	base := time.Now()
	l.stamps = []time.Time{base.Add(-5 * time.Second), base.Add(-1 * time.Second)}

	// 10s窗口已满，等到最早一条滑出（约5s后）
	d := l.windowDelay(base)
	if d <= 4*time.Second || d > 5*time.Second+time.Millisecond {
		t.Fatalf("应等待约5s，得到 %v", d)
	}
	if d2 := l.windowDelay(base.Add(6 * time.Second)); d2 != 0 {
		t.Errorf("窗口滑出后应放行，得到 %v", d2)
	}
}

func TestCompositeLimiterPrunesOldStamps(t *testing.T) {
	l := NewCompositeLimiter(1000, 10, 0, 3)
	base := time.Now()
	l.stamps = []time.Time{
		base.Add(-90 * time.Second),
		base.Add(-70 * time.Second),
		base.Add(-30 * time.Second),
	}

	if d := l.windowDelay(base); d != 0 {
		t.Errorf("60s外的记录不应计入窗口，得到 %v", d)
	}
	if len(l.stamps) != 1 {
		t.Errorf("过期记录应被清理，剩余 %d 条", len(l.stamps))
	}
}
