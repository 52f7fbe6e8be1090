// Package signals adapts the external prediction API into bus events. The
// poller is the only component that knows the API's wire format; everything
// downstream consumes PredictionSignal events.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

const (
	defaultInterval = 30 * time.Second
	requestTimeout  = 10 * time.Second
)

// Config configures the prediction poller. BaseURL and APIKey fall back to
// the SIGNAL_API_URL and SIGNAL_API_KEY environment variables when empty.
type Config struct {
	BaseURL  string
	APIKey   string
	Interval time.Duration
	Tickers  []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = os.Getenv("SIGNAL_API_URL")
	}
	if out.APIKey == "" {
		out.APIKey = os.Getenv("SIGNAL_API_KEY")
	}
	if out.Interval <= 0 {
		out.Interval = defaultInterval
	}
	return out
}

// apiResponse is the prediction API's payload for one ticker.
type apiResponse struct {
	Ticker     string  `json:"ticker"`
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	StockPrice float64 `json:"stockPrice"`
	Timestamp  int64   `json:"ts"`
}

// Poller fetches predictions for each configured ticker and publishes them
// as PredictionSignal events. Duplicate predictions (same ticker and model
// timestamp) are suppressed.
type Poller struct {
	cfg    Config
	bus    *bus.Bus
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]int64 // ticker -> last published ts
	lastPoll time.Time
}

// NewPoller creates a poller. A nil http client gets a default with a 10s
// timeout.
func NewPoller(cfg Config, b *bus.Bus, client *http.Client, logger *slog.Logger) *Poller {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg.withDefaults(),
		bus:      b,
		client:   client,
		logger:   logger,
		lastSeen: make(map[string]int64),
	}
}

// Run polls until ctx is cancelled. Performs one immediate poll on entry.
func (p *Poller) Run(ctx context.Context) {
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every configured ticker once.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, ticker := range p.cfg.Tickers {
		if err := p.pollTicker(ctx, ticker); err != nil {
			p.logger.Warn("prediction poll failed", "ticker", ticker, "err", err)
		}
	}
	p.mu.Lock()
	p.lastPoll = time.Now()
	p.mu.Unlock()
}

// LastPoll returns the completion time of the most recent poll pass, zero
// before the first one.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

func (p *Poller) pollTicker(ctx context.Context, ticker string) error {
	url := fmt.Sprintf("%s/predict?ticker=%s", p.cfg.BaseURL, ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("prediction api status %d: %s", resp.StatusCode, body)
	}

	var pred apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return fmt.Errorf("decode prediction: %w", err)
	}
	if pred.Ticker == "" {
		pred.Ticker = ticker
	}

	kind, ok := parseSignal(pred.Signal)
	if !ok {
		return fmt.Errorf("unknown signal %q for %s", pred.Signal, pred.Ticker)
	}

	p.mu.Lock()
	if last, seen := p.lastSeen[pred.Ticker]; seen && pred.Timestamp != 0 && pred.Timestamp <= last {
		p.mu.Unlock()
		return nil
	}
	p.lastSeen[pred.Ticker] = pred.Timestamp
	p.mu.Unlock()

	evt := &types.PredictionSignal{
		Header:         types.NewHeader("signals"),
		Symbol:         pred.Ticker,
		Signal:         kind,
		Confidence:     decimal.NewFromFloat(pred.Confidence),
		ReferencePrice: decimal.NewFromFloat(pred.StockPrice),
	}
	if pred.Timestamp != 0 {
		evt.ModelTime = time.Unix(pred.Timestamp, 0)
	}

	p.logger.Info("prediction received",
		"ticker", pred.Ticker,
		"signal", string(kind),
		"confidence", pred.Confidence,
	)
	p.bus.Emit(evt)
	return nil
}

func parseSignal(s string) (types.SignalKind, bool) {
	switch s {
	case "BUY", "buy":
		return types.SignalBuy, true
	case "SELL", "sell":
		return types.SignalSell, true
	case "SHORT", "short":
		return types.SignalShort, true
	default:
		return "", false
	}
}
