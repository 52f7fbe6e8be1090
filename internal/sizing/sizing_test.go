package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestShares(t *testing.T) {
	cases := []struct {
		name  string
		qty   string
		price string
		want  int
		err   bool
	}{
		{"explicit count", "100", "150", 100, false},
		{"boundary 1000 is a count", "1000", "150", 1000, false},
		{"allocation above 1000", "50000", "150", 333, false},
		{"allocation floors", "10000", "149.99", 66, false},
		{"allocation clamped to max", "5000000", "1.50", 10_000, false},
		{"allocation below one share", "1001", "2000", 0, true},
		{"zero quantity", "0", "150", 0, true},
		{"negative quantity", "-5", "150", 0, true},
		{"allocation with zero price", "2000", "0", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Shares(d(tc.qty), d(tc.price))
			if tc.err {
				if !errors.Is(err, types.ErrInvalidOrderSize) {
					t.Fatalf("expected ErrInvalidOrderSize, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("shares = %d, want %d", got, tc.want)
			}
		})
	}
}
