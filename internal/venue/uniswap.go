package venue

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
)

// UniswapID is the venue id of the Uniswap V3 adapter
const UniswapID = "uniswap"

var defaultFeeTiers = []uint32{100, 500, 3000, 10000}

// Uniswap quotes single-pool Uniswap V3 swaps through the on-chain Quoter
type Uniswap struct {
	caller   chain.Caller
	quoter   common.Address
	router   common.Address
	feeTiers []uint32
	gas      uint64
	timeout  time.Duration
}

// NewUniswap creates an adapter reading quotes through caller
func NewUniswap(caller chain.Caller, quoter, router common.Address, settings config.VenueSettings) *Uniswap {
	tiers := settings.FeeTiers
	if len(tiers) == 0 {
		tiers = defaultFeeTiers
	}
	gas := settings.DefaultGas
	if gas == 0 {
		gas = 180000
	}
	return &Uniswap{
		caller:   caller,
		quoter:   quoter,
		router:   router,
		feeTiers: append([]uint32(nil), tiers...),
		gas:      gas,
		timeout:  settings.Timeout,
	}
}

func (u *Uniswap) ID() string { return UniswapID }

// Timeout returns the configured per-quote deadline, zero meaning the aggregator default
func (u *Uniswap) Timeout() time.Duration { return u.timeout }

// Quote queries every fee tier and keeps the pool with the highest output. Ties go to the
// lower fee tier.
func (u *Uniswap) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error) {
	type tierResult struct {
		out *big.Int
		err error
	}

	results := make([]tierResult, len(u.feeTiers))
	var wg sync.WaitGroup
	for i, fee := range u.feeTiers {
		wg.Add(1)
		go func(i int, fee uint32) {
			defer wg.Done()
			out, err := u.quoteTier(ctx, tokenIn, tokenOut, fee, amount)
			results[i] = tierResult{out: out, err: err}
		}(i, fee)
	}
	wg.Wait()

	bestIdx := -1
	var lastErr error
	for i, r := range results {
		if r.err != nil {
			lastErr = r.err
			logrus.WithFields(logrus.Fields{
				"venue": UniswapID,
				"fee":   u.feeTiers[i],
			}).Debugf("Fee tier quote failed: %v", r.err)
			continue
		}
		if r.out.Sign() == 0 {
			continue
		}
		if bestIdx < 0 || r.out.Cmp(results[bestIdx].out) > 0 {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no pool for %s/%s", tokenIn.Hex(), tokenOut.Hex())
		}
		return model.Quote{}, classify(ctx, UniswapID, lastErr)
	}

	fee := u.feeTiers[bestIdx]
	amountOut := results[bestIdx].out
	impact := sampledImpact(ctx, UniswapID, amount, amountOut, func(ctx context.Context, ref *big.Int) (*big.Int, error) {
		return u.quoteTier(ctx, tokenIn, tokenOut, fee, ref)
	})

	return model.Quote{
		Venue:       UniswapID,
		AmountIn:    new(big.Int).Set(amount),
		AmountOut:   amountOut,
		GasEstimate: u.gas,
		Path:        []common.Address{tokenIn, tokenOut},
		PriceImpact: impact,
		Meta:        map[string]string{"fee": strconv.FormatUint(uint64(fee), 10)},
	}, nil
}

func (u *Uniswap) quoteTier(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amount *big.Int) (*big.Int, error) {
	data, err := chain.UniswapQuoterABI.Pack("quoteExactInputSingle",
		tokenIn, tokenOut, new(big.Int).SetUint64(uint64(fee)), amount, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("pack quote: %w", err)
	}
	out, err := u.caller.Call(ctx, u.quoter, data)
	if err != nil {
		return nil, err
	}
	values, err := chain.UniswapQuoterABI.Unpack("quoteExactInputSingle", out)
	if err != nil {
		return nil, fmt.Errorf("unpack quote: %w", err)
	}
	return values[0].(*big.Int), nil
}

// exactInputSingleParams mirrors ISwapRouter.ExactInputSingleParams
type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// BuildSwap encodes exactInputSingle on the SwapRouter for the quoted pool
func (u *Uniswap) BuildSwap(_ context.Context, req SwapRequest) (model.UnsignedTx, error) {
	q := req.Quote
	if len(q.Path) != 2 {
		return model.UnsignedTx{}, fmt.Errorf("%w: uniswap quote has no single-pool path", model.ErrInvalidInput)
	}
	fee, err := strconv.ParseUint(q.Meta["fee"], 10, 32)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("%w: uniswap quote has no fee tier", model.ErrInvalidInput)
	}

	data, err := chain.UniswapRouterABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           q.Path[0],
		TokenOut:          q.Path[1],
		Fee:               new(big.Int).SetUint64(fee),
		Recipient:         req.Recipient,
		Deadline:          big.NewInt(req.Deadline.Unix()),
		AmountIn:          q.AmountIn,
		AmountOutMinimum:  req.MinAmountOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("pack exactInputSingle: %w", err)
	}

	return model.UnsignedTx{
		To:          u.router,
		Data:        data,
		Gas:         q.GasEstimate,
		Description: fmt.Sprintf("swap on %s (fee %d)", UniswapID, fee),
	}, nil
}
