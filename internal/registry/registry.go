package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
)

// marketSource 注册表需要的最小交易所能力
type marketSource interface {
	GetContracts(ctx context.Context) ([]gateway.Contract, error)
	GetTickers(ctx context.Context) ([]gateway.Ticker, error)
}

// Registry 可交易符号注册表。缓存合约元信息与24h成交额，
// 供风控的ALLOW_ALL策略判断符号是否真实可交易。
type Registry struct {
	source marketSource
	ttl    time.Duration

	mu        sync.RWMutex
	contracts map[string]gateway.Contract
	volumes   map[string]float64
	loadedAt  time.Time
}

// New 创建注册表，ttl为缓存有效期
func New(source marketSource, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		source:    source,
		ttl:       ttl,
		contracts: make(map[string]gateway.Contract),
		volumes:   make(map[string]float64),
	}
}

// Refresh 强制刷新合约与成交额缓存
func (r *Registry) Refresh(ctx context.Context) error {
	contracts, err := r.source.GetContracts(ctx)
	if err != nil {
		return err
	}

	volumes := make(map[string]float64)
	if tickers, err := r.source.GetTickers(ctx); err == nil {
		for _, t := range tickers {
			if t.USDTVolume > 0 {
				volumes[t.Symbol] = t.USDTVolume
			}
		}
	} else {
		log.Warn().Err(err).Msg("拉取24h成交额失败，成交额过滤临时失效")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts = make(map[string]gateway.Contract, len(contracts))
	for _, c := range contracts {
		r.contracts[c.Symbol] = c
	}
	r.volumes = volumes
	r.loadedAt = time.Now()
	log.Info().Int("contracts", len(contracts)).Msg("符号注册表已刷新")
	return nil
}

// ensureFresh 缓存过期时后台能力内刷新，失败沿用旧缓存
func (r *Registry) ensureFresh(ctx context.Context) {
	r.mu.RLock()
	stale := time.Since(r.loadedAt) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("符号注册表刷新失败，沿用旧缓存")
	}
}

// IsTradable 符号是否存在且状态正常
func (r *Registry) IsTradable(ctx context.Context, symbol string) bool {
	r.ensureFresh(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[symbol]
	if !ok {
		return false
	}
	return c.Status == "" || c.Status == "normal"
}

// Volume24h 符号24h成交额，未知返回0
func (r *Registry) Volume24h(ctx context.Context, symbol string) float64 {
	r.ensureFresh(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.volumes[symbol]
}

// Contract 查询合约元信息
func (r *Registry) Contract(ctx context.Context, symbol string) (gateway.Contract, bool) {
	r.ensureFresh(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[symbol]
	return c, ok
}
