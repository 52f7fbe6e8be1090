package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
	"github.com/tathienbao/signal-trader/pkg/indicator"
)

const (
	atrPeriod   = 14
	barDuration = "300 S"
	barSize     = "10 secs"
)

// IndicatorService maintains per-symbol ATR and volatility from short
// intraday bars. Symbols are registered up front from config; Refresh pulls
// new bars for all of them.
type IndicatorService struct {
	client  broker.Client
	bus     *bus.Bus
	logger  *slog.Logger
	refresh time.Duration

	mu      sync.Mutex
	symbols map[string]*symbolIndicators
}

type symbolIndicators struct {
	atr     *indicator.ATR
	vol     *indicator.StdDev
	lastBar time.Time
}

// NewIndicatorService creates an indicator service. refresh <= 0 disables
// the background loop; Refresh can still be called directly.
func NewIndicatorService(client broker.Client, b *bus.Bus, refresh time.Duration, logger *slog.Logger) *IndicatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndicatorService{
		client:  client,
		bus:     b,
		logger:  logger,
		refresh: refresh,
		symbols: make(map[string]*symbolIndicators),
	}
}

// Track registers a symbol for indicator maintenance. Idempotent.
func (s *IndicatorService) Track(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; ok {
		return
	}
	s.symbols[symbol] = &symbolIndicators{
		atr: indicator.NewATR(atrPeriod),
		vol: indicator.NewStdDev(atrPeriod),
	}
}

// ATR returns the current ATR for the symbol. ErrATRUnavailable until a full
// period of bars has been ingested.
func (s *IndicatorService) ATR(symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	si, ok := s.symbols[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s not tracked", types.ErrATRUnavailable, symbol)
	}
	v, ready := si.atr.Value()
	if !ready {
		return decimal.Zero, fmt.Errorf("%w: %s warming up", types.ErrATRUnavailable, symbol)
	}
	return v, nil
}

// Volatility returns the standard deviation of recent closes, used by
// market-condition checks. Zero until warm.
func (s *IndicatorService) Volatility(symbol string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	si, ok := s.symbols[symbol]
	if !ok {
		return decimal.Zero
	}
	return si.vol.Current()
}

// Refresh pulls the latest bars for every tracked symbol and feeds the
// indicators. Bars already seen (at or before the last ingested timestamp)
// are skipped so overlapping requests do not double-count.
func (s *IndicatorService) Refresh(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		names = append(names, sym)
	}
	s.mu.Unlock()

	for _, sym := range names {
		if err := s.refreshSymbol(ctx, sym); err != nil {
			s.logger.Warn("indicator refresh failed", "symbol", sym, "err", err)
		}
	}
}

func (s *IndicatorService) refreshSymbol(ctx context.Context, symbol string) error {
	bars, err := s.client.HistoricalBars(ctx, symbol, barDuration, barSize)
	if err != nil {
		return err
	}

	var evt *types.IndicatorEvent

	s.mu.Lock()
	si, ok := s.symbols[symbol]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ingested := 0
	for _, bar := range bars {
		if !bar.Timestamp.After(si.lastBar) {
			continue
		}
		si.atr.Update(bar.High, bar.Low, bar.Close)
		si.vol.Update(bar.Close)
		si.lastBar = bar.Timestamp
		ingested++
	}
	if v, ready := si.atr.Value(); ready && ingested > 0 {
		evt = &types.IndicatorEvent{
			Header: types.NewHeader("quotes"),
			Symbol: symbol,
			Name:   "atr",
			Value:  v,
		}
	}
	s.mu.Unlock()

	if evt != nil && s.bus != nil {
		s.bus.Emit(evt)
	}
	return nil
}

// Run refreshes on the configured interval until ctx is cancelled. Performs
// one immediate refresh on entry so indicators warm up before the first tick.
func (s *IndicatorService) Run(ctx context.Context) {
	if s.refresh <= 0 {
		return
	}
	s.Refresh(ctx)

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
