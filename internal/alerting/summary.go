package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary accumulates closed-trade statistics for the daily report.
type DailySummary struct {
	mu sync.Mutex

	date        time.Time
	trades      int
	wins        int
	losses      int
	realizedPnL decimal.Decimal
}

// NewDailySummary starts a summary for the given date.
func NewDailySummary(date time.Time) *DailySummary {
	return &DailySummary{date: date}
}

// RecordTrade adds one closed trade.
func (s *DailySummary) RecordTrade(realized decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades++
	if realized.IsPositive() {
		s.wins++
	} else {
		s.losses++
	}
	s.realizedPnL = s.realizedPnL.Add(realized)
}

// Reset starts a fresh day.
func (s *DailySummary) Reset(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.date = date
	s.trades = 0
	s.wins = 0
	s.losses = 0
	s.realizedPnL = decimal.Zero
}

// Trades returns the trade count so far.
func (s *DailySummary) Trades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades
}

// Format renders the summary for an alert message.
func (s *DailySummary) Format() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	winRate := decimal.Zero
	if s.trades > 0 {
		winRate = decimal.NewFromInt(int64(s.wins)).
			Div(decimal.NewFromInt(int64(s.trades))).
			Mul(decimal.NewFromInt(100))
	}

	return fmt.Sprintf("Daily summary %s\nTrades: %d (W %d / L %d, %s%% win rate)\nRealized PnL: %s",
		s.date.Format("2006-01-02"),
		s.trades, s.wins, s.losses, winRate.StringFixed(1),
		s.realizedPnL.StringFixed(2),
	)
}
