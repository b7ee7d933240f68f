// Package model defines the core data structures that flow through the router.
package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yourorg/venue-router/internal/types"
)

// DefaultMaxSplits is used when splitting is requested without an explicit arity
const DefaultMaxSplits = 4

// TradeIntent is a structured request to convert Amount of TokenIn into TokenOut.
// Intents are treated as immutable once constructed; routing code never writes to them.
type TradeIntent struct {
	Chain    types.SupportedChain `json:"chain,omitempty"`
	TokenIn  common.Address       `json:"tokenIn" validate:"required"`
	TokenOut common.Address       `json:"tokenOut" validate:"required"`

	// Amount is expressed in the smallest unit of TokenIn
	Amount *big.Int `json:"amount"`

	// MaxSlippage is the tolerated fractional deviation, e.g. 0.005 for 0.5%
	MaxSlippage float64 `json:"maxSlippage" validate:"gte=0,lt=1"`

	// Venues is the candidate venue set by adapter id
	Venues []string `json:"venues" validate:"min=1,dive,required"`

	// MaxSplits enables split search when >= 2
	MaxSplits int `json:"maxSplits,omitempty" validate:"omitempty,gte=2"`

	// AllowSplit requests split search with DefaultMaxSplits when MaxSplits is unset
	AllowSplit bool `json:"allowSplit,omitempty"`

	// ReferenceGasPrice converts gas units into output-token units for split decisions.
	// Nil means the router default is used.
	ReferenceGasPrice *big.Int `json:"referenceGasPrice,omitempty"`
}

// NewTradeIntent builds a validated intent. The amount is copied.
func NewTradeIntent(tokenIn, tokenOut common.Address, amount *big.Int, maxSlippage float64, venues []string) (TradeIntent, error) {
	intent := TradeIntent{
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		MaxSlippage: maxSlippage,
		Venues:      append([]string(nil), venues...),
	}
	if amount != nil {
		intent.Amount = new(big.Int).Set(amount)
	}
	if err := intent.Validate(); err != nil {
		return TradeIntent{}, err
	}
	return intent, nil
}

// Validate checks the intent's structural constraints
func (i TradeIntent) Validate() error {
	if err := validateStruct(i); err != nil {
		return err
	}
	if i.TokenIn == i.TokenOut {
		return fmt.Errorf("%w: tokenIn and tokenOut must differ", ErrInvalidInput)
	}
	if !isPositive(i.Amount) {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	}
	if i.ReferenceGasPrice != nil && i.ReferenceGasPrice.Sign() < 0 {
		return fmt.Errorf("%w: referenceGasPrice must not be negative", ErrInvalidInput)
	}
	return nil
}

// SplitArity returns the effective maximum number of legs, or 0 if splitting is off
func (i TradeIntent) SplitArity() int {
	switch {
	case i.MaxSplits >= 2:
		return i.MaxSplits
	case i.AllowSplit:
		return DefaultMaxSplits
	default:
		return 0
	}
}

// String renders a short description used in error context and logs
func (i TradeIntent) String() string {
	return fmt.Sprintf("%s %s->%s via [%s]",
		amountString(i.Amount), i.TokenIn.Hex(), i.TokenOut.Hex(), strings.Join(i.Venues, ","))
}

// Quote is a single venue's priced estimate. Quotes are never mutated after creation.
type Quote struct {
	Venue       string           `json:"venue"`
	AmountIn    *big.Int         `json:"amountIn"`
	AmountOut   *big.Int         `json:"amountOut"`
	GasEstimate uint64           `json:"gasEstimate"`
	Path        []common.Address `json:"path"`
	PriceImpact float64          `json:"priceImpact"`

	// Venue specific data needed to build the swap later (fee tier, route payload)
	Meta map[string]string `json:"meta,omitempty"`
}

// SplitLeg is one sub-order of a split
type SplitLeg struct {
	Venue    string   `json:"venue"`
	RatioBps uint32   `json:"ratioBps"`
	AmountIn *big.Int `json:"amountIn"`
	Quote    Quote    `json:"quote"`
}

// SplitPlan divides an order across distinct venues.
// The leg amounts always sum to the original amount.
type SplitPlan struct {
	Legs           []SplitLeg `json:"legs"`
	TotalAmountOut *big.Int   `json:"totalAmountOut"`
	TotalGas       uint64     `json:"totalGas"`
	PriceImpact    float64    `json:"priceImpact"`
}

// TotalAmountIn sums the leg inputs
func (p SplitPlan) TotalAmountIn() *big.Int {
	total := new(big.Int)
	for _, leg := range p.Legs {
		total.Add(total, leg.AmountIn)
	}
	return total
}

// RoutingResult is the router's answer for a trade intent. BestSplit is only set when the
// split was chosen over the single best route.
type RoutingResult struct {
	BestSingle        Quote      `json:"bestSingle"`
	BestSplit         *SplitPlan `json:"bestSplit,omitempty"`
	ExpectedAmountOut *big.Int   `json:"expectedAmountOut"`
	MinAmountOut      *big.Int   `json:"minAmountOut"`
	GasEstimate       uint64     `json:"gasEstimate"`
	PriceImpact       float64    `json:"priceImpact"`
}

// UsesSplit reports whether the split plan was chosen
func (r RoutingResult) UsesSplit() bool {
	return r.BestSplit != nil
}

// GasTier names a gas strategy preset
type GasTier string

const (
	GasTierAggressive GasTier = "aggressive"
	GasTierModerate   GasTier = "moderate"
	GasTierSafe       GasTier = "safe"
)

// GasStrategy caps fee bidding. A strategy is replaced as a whole, never edited in place.
type GasStrategy struct {
	Tier           GasTier  `json:"tier" validate:"oneof=aggressive moderate safe"`
	MaxPriorityFee *big.Int `json:"maxPriorityFee"`
	MaxFeePerGas   *big.Int `json:"maxFeePerGas"`
	Flashbots      bool     `json:"flashbots"`
}

// Validate checks a caller supplied strategy
func (s GasStrategy) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}
	if !isPositive(s.MaxPriorityFee) || !isPositive(s.MaxFeePerGas) {
		return fmt.Errorf("%w: gas caps must be positive", ErrInvalidInput)
	}
	if s.MaxPriorityFee.Cmp(s.MaxFeePerGas) > 0 {
		return fmt.Errorf("%w: maxPriorityFee exceeds maxFeePerGas", ErrInvalidInput)
	}
	return nil
}

// Gwei converts a (possibly fractional) gwei amount to wei
func Gwei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

// GasStrategyPreset returns the built-in strategy for a tier
func GasStrategyPreset(tier GasTier) (GasStrategy, bool) {
	switch tier {
	case GasTierAggressive:
		return GasStrategy{Tier: tier, MaxPriorityFee: Gwei(3), MaxFeePerGas: Gwei(50), Flashbots: true}, true
	case GasTierModerate:
		return GasStrategy{Tier: tier, MaxPriorityFee: Gwei(2), MaxFeePerGas: Gwei(40)}, true
	case GasTierSafe:
		return GasStrategy{Tier: tier, MaxPriorityFee: Gwei(1.5), MaxFeePerGas: Gwei(30)}, true
	}
	return GasStrategy{}, false
}

// GasEstimate is the fee recommendation for one transaction
type GasEstimate struct {
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
	EstimatedGas         uint64   `json:"estimatedGas"`
	EstimatedCost        *big.Int `json:"estimatedCost"`
}

// UnsignedTx is one step of an execution plan, handed to the Chain Client for signing
type UnsignedTx struct {
	Chain       types.SupportedChain `json:"chain,omitempty"`
	To          common.Address       `json:"to"`
	Data        hexutil.Bytes        `json:"data"`
	Value       *big.Int             `json:"value,omitempty"`
	Gas         uint64               `json:"gas,omitempty"`
	Description string               `json:"description,omitempty"`
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
