package broker

import (
	"testing"

	"github.com/tathienbao/signal-trader/internal/types"
)

func TestMapStatus(t *testing.T) {
	cases := []struct {
		in   string
		want types.OrderStatus
		ok   bool
	}{
		{"PendingSubmit", types.OrderStatusPendingSubmit, true},
		{"PreSubmitted", types.OrderStatusAccepted, true},
		{"ApiPending", types.OrderStatusAccepted, true},
		{"Submitted", types.OrderStatusSubmitted, true},
		{"Filled", types.OrderStatusFilled, true},
		{"PartiallyFilled", types.OrderStatusPartiallyFilled, true},
		{"ApiCancelled", types.OrderStatusCancelled, true},
		{"Cancelled", types.OrderStatusCancelled, true},
		{"PendingCancel", types.OrderStatusPendingCancel, true},
		{"Inactive", types.OrderStatusInactive, true},
		{"SomethingNew", types.OrderStatusCreated, false},
		{"", types.OrderStatusCreated, false},
	}

	for _, tc := range cases {
		got, ok := MapStatus(tc.in)
		if ok != tc.ok {
			t.Errorf("MapStatus(%q): expected ok=%v, got %v", tc.in, tc.ok, ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("MapStatus(%q): expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestStockContract(t *testing.T) {
	c := StockContract("AAPL")
	if c.SecType != "STK" || c.Exchange != "SMART" || c.Currency != "USD" {
		t.Errorf("unexpected contract: %+v", c)
	}
	if c.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %s", c.Symbol)
	}
}
