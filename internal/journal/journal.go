// Package journal is an append-only SQLite audit log of signals, fills and
// closed trades. It exists for post-hoc analysis; the engine never reads it
// back and holds no state in it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal writes trading activity to SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database and runs migrations.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			confidence TEXT NOT NULL,
			reference_price TEXT,
			model_time DATETIME,
			received_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,

		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			shares INTEGER NOT NULL,
			price TEXT NOT NULL,
			commission TEXT NOT NULL DEFAULT '0',
			cumulative INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			filled_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			reason TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			closed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
	}

	for _, m := range migrations {
		if _, err := j.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the journal to the events it records.
func (j *Journal) Attach(b *bus.Bus) {
	b.SubscribeFunc(types.EventPrediction, func(evt types.Event) {
		if sig, ok := evt.(*types.PredictionSignal); ok {
			j.RecordSignal(context.Background(), sig)
		}
	})
	b.SubscribeFunc(types.EventFill, func(evt types.Event) {
		if fill, ok := evt.(*types.FillEvent); ok {
			j.RecordFill(context.Background(), fill)
		}
	})
	b.SubscribeFunc(types.EventPositionClose, func(evt types.Event) {
		if cls, ok := evt.(*types.PositionCloseEvent); ok {
			j.RecordTrade(context.Background(), cls)
		}
	})
}

// RecordSignal appends a prediction signal.
func (j *Journal) RecordSignal(ctx context.Context, sig *types.PredictionSignal) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO signals (event_id, symbol, direction, confidence, reference_price, model_time, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, string(sig.Signal), sig.Confidence.String(),
		sig.ReferencePrice.String(), nullTime(sig.ModelTime), sig.At,
	)
	if err != nil {
		j.logger.Warn("journal signal write failed", "err", err)
	}
}

// RecordFill appends an execution.
func (j *Journal) RecordFill(ctx context.Context, fill *types.FillEvent) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fills (order_id, symbol, side, shares, price, commission, cumulative, remaining, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.OrderID, fill.Symbol, fill.Side.String(), fill.Shares,
		fill.Price.String(), fill.Commission.String(),
		fill.CumulativeFilled, fill.Remaining, fill.At,
	)
	if err != nil {
		j.logger.Warn("journal fill write failed", "err", err)
	}
}

// RecordTrade appends a closed trade.
func (j *Journal) RecordTrade(ctx context.Context, cls *types.PositionCloseEvent) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trades (position_id, symbol, reason, realized_pnl, closed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cls.PositionID, cls.Symbol, cls.Reason, cls.RealizedPnL.String(), cls.At,
	)
	if err != nil {
		j.logger.Warn("journal trade write failed", "err", err)
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// CountRows returns the row count of a journal table, for tests and
// operational spot checks.
func (j *Journal) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "signals", "fills", "trades":
	default:
		return 0, fmt.Errorf("unknown journal table %q", table)
	}
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
