// Package quotes provides current prices and derived indicators to the rule
// engine and linked-order actions. Both services sit directly on the broker
// client and cache nothing beyond their indicator windows.
package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

const defaultQuoteTimeout = 3 * time.Second

// PriceService fetches snapshot quotes with a bounded wait.
type PriceService struct {
	client  broker.Client
	bus     *bus.Bus
	timeout time.Duration
	logger  *slog.Logger
}

// NewPriceService creates a price service. timeout <= 0 uses the 3s default.
func NewPriceService(client broker.Client, b *bus.Bus, timeout time.Duration, logger *slog.Logger) *PriceService {
	if timeout <= 0 {
		timeout = defaultQuoteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceService{client: client, bus: b, timeout: timeout, logger: logger}
}

// Price returns the current last price for the symbol. Waits at most the
// configured timeout; on expiry the caller gets ErrPriceUnavailable and must
// skip the action rather than trade on stale data.
func (s *PriceService) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	price, err := s.client.SnapshotQuote(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return decimal.Zero, fmt.Errorf("%w: %s", types.ErrPriceUnavailable, symbol)
		}
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if price.IsZero() || price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s returned %s", types.ErrPriceUnavailable, symbol, price)
	}

	if s.bus != nil {
		s.bus.Emit(&types.PriceEvent{
			Header: types.NewHeader("quotes"),
			Symbol: symbol,
			Price:  price,
		})
	}
	return price, nil
}
