// Package split searches a fixed library of partition ratios for an order divided across
// several venues.
package split

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
)

// BasisPoints is the denominator of leg ratios
const BasisPoints = 10000

// MaxArity is the largest split the ratio library covers
const MaxArity = 4

var ratioLibrary = map[int][]uint32{
	2: {5000, 5000},
	3: {4000, 3000, 3000},
	4: {2500, 2500, 2500, 2500},
}

// Ratios returns the partition vector for arity, in basis points
func Ratios(arity int) ([]uint32, bool) {
	r, ok := ratioLibrary[arity]
	if !ok {
		return nil, false
	}
	return append([]uint32(nil), r...), true
}

// Quoter re-quotes sub-amounts on a specific venue
type Quoter interface {
	QuoteVenue(ctx context.Context, id string, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error)
	Screen(intent model.TradeIntent, quotes []model.Quote) []model.Quote
}

// Optimizer builds candidate split plans and keeps the best one
type Optimizer struct {
	quoter Quoter
}

// New creates an optimizer quoting legs through quoter
func New(quoter Quoter) *Optimizer {
	return &Optimizer{quoter: quoter}
}

// LegAmounts divides amount by ratios. The rounding remainder goes to the first leg so the
// legs always sum to amount.
func LegAmounts(amount *big.Int, ratios []uint32) []*big.Int {
	legs := make([]*big.Int, len(ratios))
	assigned := new(big.Int)
	for i, bps := range ratios {
		legs[i] = new(big.Int).Mul(amount, big.NewInt(int64(bps)))
		legs[i].Quo(legs[i], big.NewInt(BasisPoints))
		assigned.Add(assigned, legs[i])
	}
	if len(legs) > 0 {
		legs[0].Add(legs[0], new(big.Int).Sub(amount, assigned))
	}
	return legs
}

// Optimize evaluates every ratio vector from 2 legs up to maxSplits. Ratio i is assigned
// to the i-th venue of ranked, which must be ordered best-first with one quote per venue.
// Arities are evaluated concurrently; the best plan by total output, then total gas, wins.
func (o *Optimizer) Optimize(ctx context.Context, intent model.TradeIntent, ranked []model.Quote, maxSplits int) (*model.SplitPlan, error) {
	venues := distinctVenues(ranked)
	top := maxSplits
	if top > MaxArity {
		top = MaxArity
	}
	if top > len(venues) {
		top = len(venues)
	}
	if top < 2 {
		return nil, fmt.Errorf("%w: a split needs at least two venues, have %d", model.ErrNoRouteAvailable, len(venues))
	}

	arities := make([]int, 0, top-1)
	for k := 2; k <= top; k++ {
		arities = append(arities, k)
	}

	type candidate struct {
		plan *model.SplitPlan
		err  error
	}
	candidates := make([]candidate, len(arities))

	var wg sync.WaitGroup
	for i, k := range arities {
		wg.Add(1)
		go func(i, k int) {
			defer wg.Done()
			plan, err := o.evaluate(ctx, intent, venues[:k], ratioLibrary[k])
			candidates[i] = candidate{plan: plan, err: err}
		}(i, k)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *model.SplitPlan
	var lastErr error
	for i, c := range candidates {
		if c.err != nil {
			lastErr = c.err
			logrus.WithField("legs", arities[i]).Debugf("Split candidate discarded: %v", c.err)
			continue
		}
		if best == nil || better(c.plan, best) {
			best = c.plan
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no split candidate could be quoted: %v", model.ErrNoRouteAvailable, lastErr)
	}

	logrus.WithFields(logrus.Fields{
		"legs":      len(best.Legs),
		"amountOut": best.TotalAmountOut.String(),
		"gas":       best.TotalGas,
	}).Debug("Best split plan selected")

	return best, nil
}

// evaluate quotes each leg of one ratio vector concurrently
func (o *Optimizer) evaluate(ctx context.Context, intent model.TradeIntent, venues []string, ratios []uint32) (*model.SplitPlan, error) {
	amounts := LegAmounts(intent.Amount, ratios)
	for _, a := range amounts {
		if a.Sign() == 0 {
			return nil, errors.New("amount too small to split")
		}
	}

	type legResult struct {
		quote model.Quote
		err   error
	}
	results := make([]legResult, len(venues))

	var wg sync.WaitGroup
	for i, id := range venues {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			q, err := o.quoter.QuoteVenue(ctx, id, intent.TokenIn, intent.TokenOut, amounts[i])
			if err == nil {
				leg := intent
				leg.Amount = amounts[i]
				if len(o.quoter.Screen(leg, []model.Quote{q})) == 0 {
					err = fmt.Errorf("leg quote from %s rejected", id)
				}
			}
			results[i] = legResult{quote: q, err: err}
		}(i, id)
	}
	wg.Wait()

	plan := &model.SplitPlan{
		Legs:           make([]model.SplitLeg, len(venues)),
		TotalAmountOut: new(big.Int),
	}
	weightedImpact := decimal.Zero
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("leg %d (%s): %w", i, venues[i], r.err)
		}
		plan.Legs[i] = model.SplitLeg{
			Venue:    venues[i],
			RatioBps: ratios[i],
			AmountIn: amounts[i],
			Quote:    r.quote,
		}
		plan.TotalAmountOut.Add(plan.TotalAmountOut, r.quote.AmountOut)
		plan.TotalGas += r.quote.GasEstimate
		weightedImpact = weightedImpact.Add(
			decimal.NewFromFloat(r.quote.PriceImpact).Mul(decimal.NewFromBigInt(amounts[i], 0)))
	}
	plan.PriceImpact, _ = weightedImpact.Div(decimal.NewFromBigInt(intent.Amount, 0)).Round(6).Float64()

	return plan, nil
}

// better applies the amount-then-gas order to plan totals; fewer legs win full ties
func better(a, b *model.SplitPlan) bool {
	if c := a.TotalAmountOut.Cmp(b.TotalAmountOut); c != 0 {
		return c > 0
	}
	if a.TotalGas != b.TotalGas {
		return a.TotalGas < b.TotalGas
	}
	return len(a.Legs) < len(b.Legs)
}

// ShouldSplit reports whether plan beats single once its extra gas is priced in:
// splitOut − singleOut > (splitGas − singleGas) × referenceGasPrice.
func ShouldSplit(single model.Quote, plan *model.SplitPlan, referenceGasPrice *big.Int) bool {
	if plan == nil {
		return false
	}
	improvement := new(big.Int).Sub(plan.TotalAmountOut, single.AmountOut)

	gasDelta := new(big.Int).Sub(
		new(big.Int).SetUint64(plan.TotalGas),
		new(big.Int).SetUint64(single.GasEstimate))
	price := referenceGasPrice
	if price == nil {
		price = new(big.Int)
	}
	gasCost := gasDelta.Mul(gasDelta, price)

	return improvement.Cmp(gasCost) > 0
}

func distinctVenues(quotes []model.Quote) []string {
	seen := make(map[string]bool, len(quotes))
	ids := make([]string, 0, len(quotes))
	for _, q := range quotes {
		if seen[q.Venue] {
			continue
		}
		seen[q.Venue] = true
		ids = append(ids, q.Venue)
	}
	return ids
}
