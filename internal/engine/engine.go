// Package engine wires the trading components together: broker, order
// manager, position tracker, fill reconciliation, rule engine, prediction
// poller and the observability surface. It owns startup and shutdown
// ordering; all trading decisions live in the rules package.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/alerting"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/broker/ibkr"
	"github.com/tathienbao/signal-trader/internal/broker/paper"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/config"
	"github.com/tathienbao/signal-trader/internal/fills"
	"github.com/tathienbao/signal-trader/internal/journal"
	"github.com/tathienbao/signal-trader/internal/metrics"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/quotes"
	"github.com/tathienbao/signal-trader/internal/rules"
	"github.com/tathienbao/signal-trader/internal/signals"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Cooldown applied to scale-in and double-down rules when the ticker config
// does not set one; without it a tick-driven adjustment rule would fire
// every second.
const defaultAdjustCooldown = 15 * time.Minute

// Trader is the assembled trading engine.
type Trader struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *bus.Bus
	broker     broker.Client
	orders     *orders.Manager
	trades     *positions.TradeTracker
	positions  *positions.Tracker
	fills      *fills.Manager
	prices     *quotes.PriceService
	indicators *quotes.IndicatorService
	rules      *rules.Engine
	poller     *signals.Poller
	recorder   *metrics.Recorder
	server     *metrics.Server
	journal    *journal.Journal
	notifier   *alerting.Notifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a trader from configuration, constructing the broker client the
// config names.
func New(cfg *config.Config, logger *slog.Logger) (*Trader, error) {
	brk, err := buildBroker(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithBroker(cfg, brk, logger)
}

// NewWithBroker builds a trader around an existing broker client. Tests use
// this to inject the paper broker.
func NewWithBroker(cfg *config.Config, brk broker.Client, logger *slog.Logger) (*Trader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := bus.New(logger)
	ordMgr := orders.NewManager(brk, b, logger)
	trades := positions.NewTradeTracker()
	tracker := positions.NewTracker(b, ordMgr, trades, logger)
	prices := quotes.NewPriceService(brk, b, cfg.QuoteTimeout(), logger)
	indicators := quotes.NewIndicatorService(brk, b, cfg.IndicatorRefresh(), logger)

	ruleEng := rules.NewEngine(rules.Deps{
		Orders:     ordMgr,
		Positions:  tracker,
		Prices:     prices,
		Indicators: indicators,
		Trades:     trades,
	}, logger)

	recorder := metrics.NewRecorder()

	t := &Trader{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		broker:     brk,
		orders:     ordMgr,
		trades:     trades,
		positions:  tracker,
		prices:     prices,
		indicators: indicators,
		rules:      ruleEng,
		recorder:   recorder,
	}

	fillMgr := fills.NewManager(ordMgr, tracker, ruleEng, fills.Config{
		Retries:         cfg.Execution.ResizeRetries,
		RetryDelay:      cfg.ResizeRetryDelay(),
		OnResize:        recorder.RecordResize,
		OnResizeFailure: t.onResizeFailure,
	}, logger)
	fillMgr.Attach(b)
	t.fills = fillMgr

	ruleEng.Attach(b)
	t.registerRules()

	t.poller = signals.NewPoller(signals.Config{
		BaseURL:  cfg.Signals.BaseURL,
		APIKey:   cfg.Signals.APIKey,
		Interval: cfg.PollInterval(),
		Tickers:  cfg.Symbols(),
	}, b, nil, logger)

	attachMetrics(b, recorder)

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.Attach(b)
		t.journal = j
	}

	if cfg.Alerting.Enabled {
		alerter, err := buildAlerter(cfg, logger)
		if err != nil {
			return nil, err
		}
		t.notifier = alerting.NewNotifier(alerter, cfg.IsAlertEventEnabled, logger)
		t.notifier.Attach(b)
	}

	if cfg.Metrics.Enabled {
		srvCfg := metrics.DefaultServerConfig()
		if cfg.Metrics.Port > 0 {
			srvCfg.Port = cfg.Metrics.Port
		}
		if cfg.Metrics.Path != "" {
			srvCfg.MetricsPath = cfg.Metrics.Path
		}
		t.server = metrics.NewServer(srvCfg, logger)
		t.server.RegisterHealthCheck("broker", func() metrics.Check {
			if brk.IsConnected() {
				return metrics.Check{Status: "ok"}
			}
			return metrics.Check{Status: "fail", Message: "broker disconnected"}
		})
		t.server.RegisterHealthCheck("bus", func() metrics.Check {
			if b.Enabled() {
				return metrics.Check{Status: "ok"}
			}
			return metrics.Check{Status: "fail", Message: "event bus disabled"}
		})
		t.server.RegisterHealthCheck("signals", func() metrics.Check {
			last := t.poller.LastPoll()
			if last.IsZero() {
				return metrics.Check{Status: "ok", Message: "no poll yet"}
			}
			if stale := time.Since(last); stale > 3*cfg.PollInterval() {
				return metrics.Check{Status: "fail", Message: fmt.Sprintf("last poll %s ago", stale.Round(time.Second))}
			}
			return metrics.Check{Status: "ok"}
		})
	}

	return t, nil
}

func buildBroker(cfg *config.Config, logger *slog.Logger) (broker.Client, error) {
	switch cfg.Broker.Type {
	case "paper":
		return paper.New(paper.DefaultConfig(), logger), nil
	case "", "ibkr":
		ibCfg := ibkr.DefaultConfig().FromEnv()
		if cfg.Broker.Host != "" {
			ibCfg.Host = cfg.Broker.Host
		}
		if cfg.Broker.Port > 0 {
			ibCfg.Port = cfg.Broker.Port
		}
		if cfg.Broker.ClientID > 0 {
			ibCfg.ClientID = cfg.Broker.ClientID
		}
		if cfg.Broker.Account != "" {
			ibCfg.Account = cfg.Broker.Account
		}
		if cfg.Execution.RateLimitPerSecond > 0 {
			ibCfg.MaxRequestsPerSecond = cfg.Execution.RateLimitPerSecond
		}
		return ibkr.NewClient(ibCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) (alerting.Alerter, error) {
	var channels []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			channels = append(channels, alerting.NewConsoleAlerter(logger))
		case "telegram":
			channels = append(channels, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		default:
			return nil, fmt.Errorf("unknown alert channel type %q", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, alerting.NewConsoleAlerter(logger))
	}
	return alerting.NewMultiAlerter(logger, channels...), nil
}

// registerRules builds the per-ticker rule set: an entry rule driven by
// prediction signals, plus optional scale-in and double-down rules driven by
// the scheduler tick.
func (t *Trader) registerRules() {
	for symbol, tc := range t.cfg.Tickers {
		adjustCooldown := tc.Cooldown()
		if adjustCooldown <= 0 {
			adjustCooldown = defaultAdjustCooldown
		}

		t.rules.Register(&rules.Rule{
			ID:        "entry:" + symbol,
			Name:      symbol + " entry",
			Symbol:    symbol,
			Priority:  100,
			Condition: rules.OnPrediction(symbol, decimal.NewFromFloat(tc.ConfidenceThreshold)),
			Action: &rules.LinkedEntry{
				Symbol:          symbol,
				QtyOrAllocation: tc.AllocationDecimal(),
				ATRStopMult:     decimal.NewFromFloat(tc.ATRStopMultiplier),
				ATRTargetMult:   decimal.NewFromFloat(tc.ATRTargetMultiplier),
				StopPct:         decimal.NewFromFloat(tc.StopPct),
				TargetPct:       decimal.NewFromFloat(tc.TargetPct),
			},
			Cooldown:  tc.Cooldown(),
			MaxPerDay: tc.MaxTradesPerDay,
		})

		if tc.ScaleInProfitPct > 0 {
			t.rules.Register(&rules.Rule{
				ID:        "scale:" + symbol,
				Name:      symbol + " scale-in",
				Symbol:    symbol,
				Priority:  50,
				Condition: rules.ProfitAbove(symbol, decimal.NewFromFloat(tc.ScaleInProfitPct)),
				Action: &rules.LinkedScaleIn{
					Symbol:          symbol,
					QtyOrAllocation: decimal.NewFromFloat(tc.ScaleInAllocation),
				},
				Cooldown:  adjustCooldown,
				MaxPerDay: 1,
			})
		}

		if tc.DoubleDownLossPct > 0 {
			t.rules.Register(&rules.Rule{
				ID:        "doubledown:" + symbol,
				Name:      symbol + " double-down",
				Symbol:    symbol,
				Priority:  60,
				Condition: rules.LossBeyond(symbol, decimal.NewFromFloat(tc.DoubleDownLossPct)),
				Action: &rules.LinkedDoubleDown{
					Symbol:          symbol,
					QtyOrAllocation: decimal.NewFromFloat(tc.DoubleDownAlloc),
				},
				Cooldown:  adjustCooldown,
				MaxPerDay: 1,
			})
		}
	}
}

func (t *Trader) onResizeFailure(symbol string, orderID int64) {
	t.recorder.RecordResizeFailure(symbol)
	if t.notifier != nil {
		t.notifier.NotifyResizeFailed(context.Background(), symbol, orderID)
	}
}

// Start connects the broker and launches every component. The trader runs
// until Stop is called or ctx is cancelled.
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("trader already running")
	}
	t.running = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info("starting trader",
		"broker", t.cfg.Broker.Type,
		"tickers", t.cfg.Symbols(),
	)

	if err := t.broker.Connect(runCtx); err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("connect broker: %w", err)
	}
	t.recorder.RecordBrokerStatus(true)

	t.orders.Dispatch(runCtx)

	for _, symbol := range t.cfg.Symbols() {
		t.indicators.Track(symbol)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.indicators.Run(runCtx)
	}()

	t.rules.Start(runCtx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poller.Run(runCtx)
	}()

	if t.server != nil {
		if err := t.server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if t.notifier != nil {
		t.notifier.NotifyStarted(runCtx, t.cfg.Symbols())
	}

	t.logger.Info("trader started")
	return nil
}

// Stop shuts the trader down: decision-making halts first, open positions
// are optionally flattened, then fill handling drains and the broker
// disconnects.
func (t *Trader) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	t.logger.Info("stopping trader")

	// No new decisions while we unwind.
	t.rules.Stop()

	if t.cfg.Shutdown.ClosePositionsOnShutdown {
		t.flattenAll(ctx)
	}

	cancel()
	t.wg.Wait()

	t.fills.Stop()
	t.orders.Stop()

	if err := t.broker.Shutdown(ctx); err != nil {
		t.logger.Warn("broker shutdown failed", "err", err)
	}
	t.recorder.RecordBrokerStatus(false)

	if t.notifier != nil {
		t.notifier.NotifyStopped(ctx)
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			t.logger.Warn("metrics server shutdown failed", "err", err)
		}
	}
	if t.journal != nil {
		if err := t.journal.Close(); err != nil {
			t.logger.Warn("journal close failed", "err", err)
		}
	}

	t.logger.Info("trader stopped")
	return nil
}

// flattenAll market-closes every open position and releases its tracking
// state. Best effort; a close that fails is logged and skipped.
func (t *Trader) flattenAll(ctx context.Context) {
	for _, pos := range t.positions.Summary() {
		net := pos.AbsQty()
		if net > 0 {
			o, err := t.orders.Create(orders.Spec{
				Symbol: pos.Symbol,
				Side:   pos.Side.Opposite(),
				Qty:    net,
				Type:   types.OrderTypeMarket,
			})
			if err == nil {
				_, err = t.orders.Submit(ctx, o.ClientID)
			}
			if err != nil {
				t.logger.Error("shutdown flatten failed", "symbol", pos.Symbol, "err", err)
				continue
			}
		}
		if err := t.positions.Close(ctx, pos.ID, "shutdown"); err != nil {
			t.logger.Warn("shutdown close failed", "position_id", pos.ID, "err", err)
		}
	}
}

// IsRunning reports whether the trader has started and not yet stopped.
func (t *Trader) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Bus exposes the event bus for components assembled outside the trader.
func (t *Trader) Bus() *bus.Bus { return t.bus }

// Rules exposes the rule engine, mainly for operational toggling.
func (t *Trader) Rules() *rules.Engine { return t.rules }

// Positions exposes the position tracker for status surfaces.
func (t *Trader) Positions() *positions.Tracker { return t.positions }
