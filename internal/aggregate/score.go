package aggregate

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/venue-router/internal/model"
)

// Compare orders two quotes best-first. Higher output wins, then lower gas, then the
// lexicographically smaller venue id so that ranking never depends on arrival order.
func Compare(a, b model.Quote) int {
	if c := b.AmountOut.Cmp(a.AmountOut); c != 0 {
		return c
	}
	switch {
	case a.GasEstimate < b.GasEstimate:
		return -1
	case a.GasEstimate > b.GasEstimate:
		return 1
	}
	return strings.Compare(a.Venue, b.Venue)
}

// Rank returns a best-first copy of quotes
func Rank(quotes []model.Quote) []model.Quote {
	ranked := append([]model.Quote(nil), quotes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Compare(ranked[i], ranked[j]) < 0
	})
	return ranked
}

// Best returns the top ranked quote
func Best(quotes []model.Quote) (model.Quote, error) {
	if len(quotes) == 0 {
		return model.Quote{}, model.ErrNoRouteAvailable
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if Compare(q, best) < 0 {
			best = q
		}
	}
	return best, nil
}

// MinAmountOut is floor(expected × (1 − slippage)) computed in exact decimal arithmetic
func MinAmountOut(expected *big.Int, slippage float64) (*big.Int, error) {
	if expected == nil || expected.Sign() < 0 {
		return nil, fmt.Errorf("%w: expected amount must be non-negative", model.ErrInvalidInput)
	}
	if slippage < 0 || slippage >= 1 {
		return nil, fmt.Errorf("%w: slippage %v outside [0, 1)", model.ErrInvalidInput, slippage)
	}

	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(slippage))
	return decimal.NewFromBigInt(expected, 0).Mul(keep).Floor().BigInt(), nil
}
