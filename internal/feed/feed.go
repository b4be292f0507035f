package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/config"
	gateway "github.com/quantsentry/trade-sentinel/internal/exchange"
	"github.com/quantsentry/trade-sentinel/internal/state"
	"github.com/quantsentry/trade-sentinel/internal/store"
)

// marketData 轮询所需的交易所能力
type marketData interface {
	GetAccountSnapshot(ctx context.Context) (gateway.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]gateway.Position, error)
	GetTicker(ctx context.Context, symbol string) (gateway.Ticker, error)
}

// Sync 账户/持仓/行情轮询器。交易所返回什么就写什么，本地假设让位于交易所事实。
type Sync struct {
	cfg *config.Config
	rt  *state.Runtime
	ex  marketData
	st  *store.Store
}

func NewSync(cfg *config.Config, rt *state.Runtime, ex marketData, st *store.Store) *Sync {
	return &Sync{cfg: cfg, rt: rt, ex: ex, st: st}
}

// SyncAccount 拉取账户快照并落库净值曲线
func (s *Sync) SyncAccount(ctx context.Context) error {
	snap, err := s.ex.GetAccountSnapshot(ctx)
	if err != nil {
		s.rt.RecordAPIError()
		return err
	}
	s.rt.SetAccount(state.AccountState{
		Equity:     snap.Equity,
		Available:  snap.Available,
		MarginUsed: snap.MarginUsed,
		UpdatedAt:  time.Now(),
	})
	peak := s.rt.PeakEquity()
	dd := 0.0
	if peak > 0 {
		dd = (peak - snap.Equity) / peak
	}
	if err := s.st.SnapshotEquity(snap.Equity, snap.Available, snap.MarginUsed, dd); err != nil {
		log.Warn().Err(err).Msg("净值快照落库失败")
	}
	return nil
}

// SyncPositions 整体替换持仓。交易所有、本地无踪迹的持仓标记为来源不明，
// 消失的持仓记录清仓事件。
func (s *Sync) SyncPositions(ctx context.Context) error {
	raw, err := s.ex.GetPositions(ctx)
	if err != nil {
		s.rt.RecordAPIError()
		return err
	}

	positions := make([]state.PositionState, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, state.PositionState{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			LiqPrice:      p.LiqPrice,
			UnrealizedPnl: p.UnrealizedPnl,
			Leverage:      p.Leverage,
			MarginMode:    p.MarginMode,
			UnknownOrigin: !s.rt.KnownSymbol(p.Symbol),
		})
	}

	cleared := s.rt.SetPositions(positions)
	for _, sym := range cleared {
		log.Info().Str("symbol", sym).Msg("持仓已清")
		_ = s.st.RecordEvent("INFO", "POSITION_CLEARED", sym, "交易所侧持仓已消失", nil)
	}
	return nil
}

// SyncPrices REST行情轮询：覆盖持仓和本地守护涉及的交易对
func (s *Sync) SyncPrices(ctx context.Context) error {
	symbols := make(map[string]bool)
	for _, p := range s.rt.Positions() {
		symbols[p.Symbol] = true
	}
	for _, g := range s.rt.ActiveGuards() {
		symbols[g.Symbol] = true
	}

	var lastErr error
	for sym := range symbols {
		tk, err := s.ex.GetTicker(ctx, sym)
		if err != nil {
			s.rt.RecordAPIError()
			lastErr = err
			continue
		}
		s.applyTicker(tk)
	}
	return lastErr
}

func (s *Sync) applyTicker(tk gateway.Ticker) {
	s.rt.SetPrice(state.PriceSnapshot{
		Symbol:    tk.Symbol,
		Mark:      tk.Mark,
		Last:      tk.Last,
		Bid:       tk.Bid,
		Ask:       tk.Ask,
		UpdatedAt: time.Now(),
	})
}

// NewTickerStream 建立WS行情流，推送直接写入运行时快照
func (s *Sync) NewTickerStream(symbols []string) *gateway.TickerStream {
	return gateway.NewTickerStream(s.cfg.Bitget.WSURL, s.cfg.Bitget.ProductType, symbols, s.applyTicker)
}
