// Package types defines shared types used across the trading system.
package types

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL, used for signed fill arithmetic.
func (s Side) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}
