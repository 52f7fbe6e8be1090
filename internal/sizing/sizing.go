// Package sizing converts rule quantities into share counts.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/types"
)

const (
	// allocationThreshold splits the qtyOrAllocation convention: values above
	// it are dollar allocations, values at or below are explicit share counts.
	allocationThreshold = 1000

	maxShares = 10_000
)

// Shares resolves qtyOrAllocation against the current price. A value above
// 1000 is treated as a dollar allocation and converted to floor(alloc/price)
// shares clamped to [1, 10000]. An allocation too small to buy one share is
// an error so a rule never silently trades a single token share it did not
// ask for.
func Shares(qtyOrAllocation decimal.Decimal, price decimal.Decimal) (int, error) {
	if !qtyOrAllocation.IsPositive() {
		return 0, fmt.Errorf("%w: quantity %s", types.ErrInvalidOrderSize, qtyOrAllocation)
	}

	if qtyOrAllocation.LessThanOrEqual(decimal.NewFromInt(allocationThreshold)) {
		shares := int(qtyOrAllocation.IntPart())
		if shares < 1 {
			return 0, fmt.Errorf("%w: %s resolves to zero shares", types.ErrInvalidOrderSize, qtyOrAllocation)
		}
		return shares, nil
	}

	if !price.IsPositive() {
		return 0, fmt.Errorf("%w: price %s", types.ErrInvalidOrderSize, price)
	}

	shares := int(qtyOrAllocation.Div(price).IntPart())
	if shares < 1 {
		return 0, fmt.Errorf("%w: allocation %s buys no shares at %s",
			types.ErrInvalidOrderSize, qtyOrAllocation, price)
	}
	if shares > maxShares {
		shares = maxShares
	}
	return shares, nil
}
