package gateway

import (
	"sort"
	"sync"
	"time"
)

// RateLimiter 控制请求节奏，避免触发交易所限流。
type RateLimiter interface {
	Wait()
}

// TokenBucketLimiter 令牌桶限速器，平滑请求突发。
type TokenBucketLimiter struct {
	mu     sync.Mutex
	rate   float64 // 每秒补充的令牌数
	cap    float64 // 桶容量
	tokens float64
	refill time.Time // 上次补充时刻
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		cap:    float64(burst),
		tokens: float64(burst),
		refill: time.Now(),
	}
}

// Wait 取走一个令牌。桶空时令牌数记为负债，按负债量阻塞，
// 并发调用各自背负自己的那份等待。
func (l *TokenBucketLimiter) Wait() {
	l.mu.Lock()
	now := time.Now()
	l.tokens += now.Sub(l.refill).Seconds() * l.rate
	l.refill = now
	if l.tokens > l.cap {
		l.tokens = l.cap
	}
	l.tokens--
	debt := -l.tokens
	l.mu.Unlock()

	if debt > 0 {
		time.Sleep(time.Duration(debt / l.rate * float64(time.Second)))
	}
}

// CompositeLimiter 令牌桶叠加双滑动窗硬上限。
// Bitget下单类接口按10s窗口限频，账户与行情类按60s窗口，配0表示关闭该窗口。
type CompositeLimiter struct {
	bucket *TokenBucketLimiter
	max10s int
	max60s int

	mu     sync.Mutex
	stamps []time.Time // 最近60s内的放行时刻，升序
}

func NewCompositeLimiter(rate float64, burst int, max10s, max60s int) *CompositeLimiter {
	return &CompositeLimiter{
		bucket: NewTokenBucketLimiter(rate, burst),
		max10s: max10s,
		max60s: max60s,
	}
}

// Wait 先满足窗口上限再过令牌桶，放行后登记时间戳。
func (l *CompositeLimiter) Wait() {
	for {
		sleep := l.windowDelay(time.Now())
		if sleep <= 0 {
			break
		}
		time.Sleep(sleep)
	}
	l.bucket.Wait()

	l.mu.Lock()
	l.stamps = append(l.stamps, time.Now())
	l.mu.Unlock()
}

// windowDelay 返回距两个窗口都有余量还需等待的时长，0表示可以放行。
// 满额时等到窗口内最早一条记录滑出为止，不做固定间隔轮询。
func (l *CompositeLimiter) windowDelay(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut60 := now.Add(-60 * time.Second)
	drop := sort.Search(len(l.stamps), func(i int) bool {
		return l.stamps[i].After(cut60)
	})
	l.stamps = l.stamps[drop:]

	if l.max60s > 0 && len(l.stamps) >= l.max60s {
		return l.stamps[0].Add(60 * time.Second).Sub(now)
	}

	cut10 := now.Add(-10 * time.Second)
	i10 := sort.Search(len(l.stamps), func(i int) bool {
		return l.stamps[i].After(cut10)
	})
	if l.max10s > 0 && len(l.stamps)-i10 >= l.max10s {
		return l.stamps[i10].Add(10 * time.Second).Sub(now)
	}
	return 0
}
