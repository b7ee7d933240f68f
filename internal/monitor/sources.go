package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// Aave reports health factors with 18 decimals
const healthFactorDecimals = 18

// PriceFeed reads a Chainlink AggregatorV3 answer scaled by the feed's decimals
type PriceFeed struct {
	caller     chain.Caller
	aggregator common.Address

	mu       sync.Mutex
	loaded   bool
	decimals int32
}

// NewPriceFeed reads the aggregator at addr
func NewPriceFeed(caller chain.Caller, addr common.Address) *PriceFeed {
	return &PriceFeed{caller: caller, aggregator: addr}
}

// PriceFeedFor resolves the token's aggregator from the registry
func PriceFeedFor(reg *config.Registry, clients chain.Set, c types.SupportedChain, token common.Address) (*PriceFeed, error) {
	client, err := clients.Client(c)
	if err != nil {
		return nil, err
	}
	contracts, ok := reg.Contracts(c)
	if !ok {
		return nil, fmt.Errorf("%w: no contracts for %s", model.ErrUnsupportedChain, c)
	}
	addr, ok := config.Address(contracts.PriceFeeds[strings.ToLower(token.Hex())])
	if !ok {
		return nil, fmt.Errorf("no price feed for %s on %s", token.Hex(), c)
	}
	return NewPriceFeed(client, addr), nil
}

// Read calls latestRoundData. Non-positive answers are rejected.
func (f *PriceFeed) Read(ctx context.Context) (decimal.Decimal, error) {
	decimals, err := f.feedDecimals(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	values, err := call(ctx, f.caller, chain.ChainlinkABI, f.aggregator, "latestRoundData")
	if err != nil {
		return decimal.Zero, err
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price feed %s returned invalid answer", f.aggregator.Hex())
	}
	return decimal.NewFromBigInt(answer, -decimals), nil
}

func (f *PriceFeed) feedDecimals(ctx context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return f.decimals, nil
	}

	values, err := call(ctx, f.caller, chain.ChainlinkABI, f.aggregator, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("price feed %s returned invalid decimals", f.aggregator.Hex())
	}
	f.decimals, f.loaded = int32(d), true
	return f.decimals, nil
}

// PriceOracle prices tokens in USD through the registry's Chainlink feeds. The zero address
// stands for the chain's native token and is priced with its wrapped token's feed.
type PriceOracle struct {
	reg     *config.Registry
	clients chain.Set

	mu    sync.Mutex
	feeds map[string]*PriceFeed
}

// NewPriceOracle creates an oracle over the registry's feeds
func NewPriceOracle(reg *config.Registry, clients chain.Set) *PriceOracle {
	return &PriceOracle{reg: reg, clients: clients, feeds: make(map[string]*PriceFeed)}
}

// Price returns the latest USD price of token on c
func (o *PriceOracle) Price(ctx context.Context, c types.SupportedChain, token common.Address) (decimal.Decimal, error) {
	if token == (common.Address{}) {
		contracts, _ := o.reg.Contracts(c)
		wrapped, ok := config.Address(contracts.WrappedNative)
		if !ok {
			return decimal.Zero, fmt.Errorf("no wrapped native token for %s", c)
		}
		token = wrapped
	}

	key := string(c) + ":" + strings.ToLower(token.Hex())
	o.mu.Lock()
	feed, ok := o.feeds[key]
	o.mu.Unlock()
	if !ok {
		var err error
		if feed, err = PriceFeedFor(o.reg, o.clients, c, token); err != nil {
			return decimal.Zero, err
		}
		o.mu.Lock()
		o.feeds[key] = feed
		o.mu.Unlock()
	}
	return feed.Read(ctx)
}

// HealthFactor reads a user's Aave V3 health factor
type HealthFactor struct {
	caller chain.Caller
	pool   common.Address
	user   common.Address
}

// NewHealthFactor reads user's position in the pool at pool
func NewHealthFactor(caller chain.Caller, pool, user common.Address) *HealthFactor {
	return &HealthFactor{caller: caller, pool: pool, user: user}
}

func (h *HealthFactor) Read(ctx context.Context) (decimal.Decimal, error) {
	return AccountHealth(ctx, h.caller, h.pool, h.user)
}

// AccountHealth calls getUserAccountData and returns the health factor as a decimal.
// Accounts without debt report the pool's max uint256 sentinel.
func AccountHealth(ctx context.Context, caller chain.Caller, pool, user common.Address) (decimal.Decimal, error) {
	values, err := call(ctx, caller, chain.AavePoolABI, pool, "getUserAccountData", user)
	if err != nil {
		return decimal.Zero, err
	}
	hf, ok := values[5].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("pool %s returned invalid account data", pool.Hex())
	}
	return decimal.NewFromBigInt(hf, -healthFactorDecimals), nil
}

func call(ctx context.Context, caller chain.Caller, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := caller.Call(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
