// Package gas prices transactions from live fee samples under a replaceable gas strategy.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
)

// Fee history window and the reward percentiles requested per block
const (
	historyBlocks     = 4
	medianPercentile  = 1
	highUtilization   = 0.8
	mediumUtilization = 0.5
)

var rewardPercentiles = []float64{25, 50, 75}

// FeeFeed supplies network fee data. chain.EthClient implements it.
type FeeFeed interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	PriorityFeeHistory(ctx context.Context, blocks uint64, percentiles []float64) ([][]*big.Int, error)
	BlockUtilization(ctx context.Context) (gasUsed, gasLimit uint64, err error)
	EstimateGasLimit(ctx context.Context, tx model.UnsignedTx) (uint64, error)
}

// Congestion classifies the latest block's utilization
type Congestion string

const (
	CongestionLow    Congestion = "low"
	CongestionMedium Congestion = "medium"
	CongestionHigh   Congestion = "high"
)

// Multiplier scales a base gas price for the congestion level
func (c Congestion) Multiplier() decimal.Decimal {
	switch c {
	case CongestionHigh:
		return decimal.RequireFromString("1.2")
	case CongestionMedium:
		return decimal.RequireFromString("1.1")
	default:
		return decimal.NewFromInt(1)
	}
}

// ClassifyUtilization maps gasUsed/gasLimit onto a congestion level
func ClassifyUtilization(gasUsed, gasLimit uint64) Congestion {
	if gasLimit == 0 {
		return CongestionMedium
	}
	u := float64(gasUsed) / float64(gasLimit)
	switch {
	case u > highUtilization:
		return CongestionHigh
	case u > mediumUtilization:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

// Optimizer holds the process-wide gas strategy. The strategy is swapped as a whole; readers
// never observe a partially updated value.
type Optimizer struct {
	feed     FeeFeed
	cache    Cache
	key      string
	strategy atomic.Pointer[model.GasStrategy]
}

// NewOptimizer creates an optimizer reading from feed, starting with the moderate preset
func NewOptimizer(feed FeeFeed) *Optimizer {
	o := &Optimizer{feed: feed}
	moderate, _ := model.GasStrategyPreset(model.GasTierModerate)
	o.strategy.Store(&moderate)
	return o
}

// WithCache shares fee samples through cache under the given key prefix (usually the
// chain name) and returns the optimizer
func (o *Optimizer) WithCache(cache Cache, key string) *Optimizer {
	o.cache = cache
	o.key = key
	return o
}

// Strategy returns the current strategy
func (o *Optimizer) Strategy() model.GasStrategy {
	s := o.strategy.Load()
	return model.GasStrategy{
		Tier:           s.Tier,
		MaxPriorityFee: new(big.Int).Set(s.MaxPriorityFee),
		MaxFeePerGas:   new(big.Int).Set(s.MaxFeePerGas),
		Flashbots:      s.Flashbots,
	}
}

// SetStrategy replaces the current strategy. Last write wins.
func (o *Optimizer) SetStrategy(s model.GasStrategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	stored := model.GasStrategy{
		Tier:           s.Tier,
		MaxPriorityFee: new(big.Int).Set(s.MaxPriorityFee),
		MaxFeePerGas:   new(big.Int).Set(s.MaxFeePerGas),
		Flashbots:      s.Flashbots,
	}
	o.strategy.Store(&stored)
	logrus.WithFields(logrus.Fields{
		"tier":      s.Tier,
		"flashbots": s.Flashbots,
	}).Info("Gas strategy updated")
	return nil
}

// SetTier installs the preset for tier
func (o *Optimizer) SetTier(tier model.GasTier) error {
	s, ok := model.GasStrategyPreset(tier)
	if !ok {
		return fmt.Errorf("%w: unknown gas tier %q", model.ErrInvalidInput, tier)
	}
	return o.SetStrategy(s)
}

// EstimateGas prices tx: the sampled priority fee clamped to the strategy's cap, plus the
// current base fee, capped at the strategy's max fee. Sampling failures fall back to the
// strategy's static caps; a gas limit that cannot be estimated is an error.
func (o *Optimizer) EstimateGas(ctx context.Context, tx model.UnsignedTx) (model.GasEstimate, error) {
	strategy := o.strategy.Load()

	priority, err := o.priorityFee(ctx)
	if err != nil {
		logrus.Warnf("Priority fee sampling failed, using strategy cap: %v", err)
		priority = new(big.Int).Set(strategy.MaxPriorityFee)
	}
	if priority.Cmp(strategy.MaxPriorityFee) > 0 {
		priority = new(big.Int).Set(strategy.MaxPriorityFee)
	}

	maxFee := new(big.Int).Set(strategy.MaxFeePerGas)
	if base, err := o.baseFee(ctx); err != nil {
		logrus.Warnf("Base fee sampling failed, using strategy cap: %v", err)
	} else if sum := new(big.Int).Add(base, priority); sum.Cmp(maxFee) < 0 {
		maxFee = sum
	}

	limit := tx.Gas
	if limit == 0 {
		if limit, err = o.feed.EstimateGasLimit(ctx, tx); err != nil {
			return model.GasEstimate{}, err
		}
	}

	return model.GasEstimate{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		EstimatedGas:         limit,
		EstimatedCost:        new(big.Int).Mul(maxFee, new(big.Int).SetUint64(limit)),
	}, nil
}

// Congestion classifies the latest block. Sampling failures report medium.
func (o *Optimizer) Congestion(ctx context.Context) Congestion {
	used, limit, err := o.feed.BlockUtilization(ctx)
	if err != nil {
		logrus.Warnf("Congestion sampling failed, assuming medium: %v", err)
		return CongestionMedium
	}
	return ClassifyUtilization(used, limit)
}

// OptimizeGasPrice scales base by the current congestion multiplier, rounding down
func (o *Optimizer) OptimizeGasPrice(ctx context.Context, base *big.Int) *big.Int {
	if base == nil {
		return new(big.Int)
	}
	scaled := decimal.NewFromBigInt(base, 0).Mul(o.Congestion(ctx).Multiplier())
	return scaled.Floor().BigInt()
}

// priorityFee is the median of the per-block 50th percentile rewards
func (o *Optimizer) priorityFee(ctx context.Context) (*big.Int, error) {
	if v, ok := o.cached(ctx, "priority"); ok {
		return v, nil
	}

	history, err := o.feed.PriorityFeeHistory(ctx, historyBlocks, rewardPercentiles)
	if err != nil {
		return nil, err
	}
	samples := make([]*big.Int, 0, len(history))
	for _, block := range history {
		if len(block) > medianPercentile && block[medianPercentile] != nil {
			samples = append(samples, block[medianPercentile])
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("fee history returned no reward samples")
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Cmp(samples[j]) < 0 })
	median := new(big.Int).Set(samples[len(samples)/2])

	o.store(ctx, "priority", median)
	return median, nil
}

func (o *Optimizer) baseFee(ctx context.Context) (*big.Int, error) {
	if v, ok := o.cached(ctx, "basefee"); ok {
		return v, nil
	}
	base, err := o.feed.BaseFee(ctx)
	if err != nil {
		return nil, err
	}
	o.store(ctx, "basefee", base)
	return base, nil
}

func (o *Optimizer) cached(ctx context.Context, name string) (*big.Int, bool) {
	if o.cache == nil {
		return nil, false
	}
	return o.cache.Get(ctx, o.cacheKey(name))
}

func (o *Optimizer) store(ctx context.Context, name string, v *big.Int) {
	if o.cache != nil {
		o.cache.Set(ctx, o.cacheKey(name), v)
	}
}

func (o *Optimizer) cacheKey(name string) string {
	return fmt.Sprintf("gas:%s:%s", o.key, name)
}
