package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordsViaBase(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	j.RecordSignal(ctx, &types.PredictionSignal{
		Header:         types.NewHeader("test"),
		Symbol:         "AAPL",
		Signal:         types.SignalBuy,
		Confidence:     decimal.RequireFromString("0.8"),
		ReferencePrice: decimal.RequireFromString("150"),
		ModelTime:      time.Now(),
	})
	j.RecordFill(ctx, &types.FillEvent{
		Header:           types.NewHeader("test"),
		OrderID:          42,
		Symbol:           "AAPL",
		Side:             types.SideBuy,
		Shares:           100,
		Price:            decimal.RequireFromString("150.25"),
		CumulativeFilled: 100,
	})
	j.RecordTrade(ctx, &types.PositionCloseEvent{
		Header:      types.NewHeader("test"),
		PositionID:  "pos-1",
		Symbol:      "AAPL",
		Reason:      "target filled",
		RealizedPnL: decimal.RequireFromString("125.50"),
	})

	for table, want := range map[string]int{"signals": 1, "fills": 1, "trades": 1} {
		n, err := j.CountRows(ctx, table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Errorf("%s rows = %d, want %d", table, n, want)
		}
	}
}

func TestJournal_AttachSubscribesToBus(t *testing.T) {
	j := openTestJournal(t)
	b := bus.New(nil)
	j.Attach(b)

	b.Emit(&types.PredictionSignal{
		Header:     types.NewHeader("test"),
		Symbol:     "TSLA",
		Signal:     types.SignalShort,
		Confidence: decimal.RequireFromString("0.9"),
	})
	b.Emit(&types.PositionCloseEvent{
		Header:      types.NewHeader("test"),
		PositionID:  "pos-2",
		Symbol:      "TSLA",
		Reason:      "stop filled",
		RealizedPnL: decimal.RequireFromString("-80"),
	})

	n, err := j.CountRows(context.Background(), "signals")
	if err != nil || n != 1 {
		t.Errorf("signals = %d (%v), want 1", n, err)
	}
	n, err = j.CountRows(context.Background(), "trades")
	if err != nil || n != 1 {
		t.Errorf("trades = %d (%v), want 1", n, err)
	}
}

func TestCountRows_UnknownTable(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.CountRows(context.Background(), "users; DROP TABLE fills"); err == nil {
		t.Error("expected error for unknown table")
	}
}
