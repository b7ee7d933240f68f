package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/venue-router/internal/types"
)

// OperationKind tags the variant of an Operation
type OperationKind string

const (
	OpSwap      OperationKind = "swap"
	OpTransfer  OperationKind = "transfer"
	OpWrap      OperationKind = "wrap"
	OpLend      OperationKind = "lend"
	OpBorrow    OperationKind = "borrow"
	OpLiquidity OperationKind = "liquidity"
)

// Operation is a validated, kind-tagged request produced by an intent parser.
// Each variant only carries the fields its kind needs.
type Operation interface {
	Kind() OperationKind
	Validate() error
}

// NewOperation validates op before handing it back, so that invalid operations never
// reach a dispatcher.
func NewOperation[T Operation](op T) (T, error) {
	if err := op.Validate(); err != nil {
		var zero T
		return zero, fmt.Errorf("%s operation: %w", op.Kind(), err)
	}
	return op, nil
}

// SwapOperation trades one token for another on a single chain
type SwapOperation struct {
	Chain       types.SupportedChain `json:"chain" validate:"required"`
	TokenIn     common.Address       `json:"tokenIn" validate:"required"`
	TokenOut    common.Address       `json:"tokenOut" validate:"required"`
	Amount      *big.Int             `json:"amount"`
	MaxSlippage float64              `json:"maxSlippage" validate:"gte=0,lt=1"`
	Venues      []string             `json:"venues" validate:"min=1,dive,required"`
	MaxSplits   int                  `json:"maxSplits,omitempty" validate:"omitempty,gte=2"`
}

func (SwapOperation) Kind() OperationKind { return OpSwap }

func (o SwapOperation) Validate() error {
	_, err := o.Intent()
	return err
}

// Intent converts the swap into a trade intent for the execution router
func (o SwapOperation) Intent() (TradeIntent, error) {
	intent := TradeIntent{
		Chain:       o.Chain,
		TokenIn:     o.TokenIn,
		TokenOut:    o.TokenOut,
		Amount:      o.Amount,
		MaxSlippage: o.MaxSlippage,
		Venues:      o.Venues,
		MaxSplits:   o.MaxSplits,
	}
	if err := validateStruct(o); err != nil {
		return TradeIntent{}, err
	}
	if err := intent.Validate(); err != nil {
		return TradeIntent{}, err
	}
	return intent, nil
}

// TransferOperation sends tokens to a recipient. With a TargetChain it becomes a bridge.
type TransferOperation struct {
	Chain       types.SupportedChain `json:"chain" validate:"required"`
	Token       common.Address       `json:"token"`
	Amount      *big.Int             `json:"amount"`
	Recipient   common.Address       `json:"recipient" validate:"required"`
	TargetChain types.SupportedChain `json:"targetChain,omitempty" validate:"omitempty,nefield=Chain"`
}

func (TransferOperation) Kind() OperationKind { return OpTransfer }

func (o TransferOperation) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	return requirePositive("amount", o.Amount)
}

// IsCrossChain reports whether the transfer must go through a bridge
func (o TransferOperation) IsCrossChain() bool {
	return o.TargetChain != ""
}

// BridgeParams converts a cross-chain transfer into bridge params
func (o TransferOperation) BridgeParams(sender common.Address) BridgeParams {
	return BridgeParams{
		SourceChain: o.Chain,
		TargetChain: o.TargetChain,
		Token:       o.Token,
		Amount:      o.Amount,
		Recipient:   o.Recipient,
		Sender:      sender,
	}
}

// WrapOperation converts between the native asset and its wrapped token
type WrapOperation struct {
	Chain  types.SupportedChain `json:"chain" validate:"required"`
	Amount *big.Int             `json:"amount"`
	Unwrap bool                 `json:"unwrap,omitempty"`
}

func (WrapOperation) Kind() OperationKind { return OpWrap }

func (o WrapOperation) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	return requirePositive("amount", o.Amount)
}

// LendOperation supplies to (or withdraws from) a lending pool
type LendOperation struct {
	Chain      types.SupportedChain `json:"chain" validate:"required"`
	Asset      common.Address       `json:"asset" validate:"required"`
	Amount     *big.Int             `json:"amount"`
	OnBehalfOf common.Address       `json:"onBehalfOf" validate:"required"`
	Withdraw   bool                 `json:"withdraw,omitempty"`
}

func (LendOperation) Kind() OperationKind { return OpLend }

func (o LendOperation) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	return requirePositive("amount", o.Amount)
}

// Interest rate modes understood by Aave style pools
const (
	RateModeStable   uint8 = 1
	RateModeVariable uint8 = 2
)

// BorrowOperation borrows from (or repays to) a lending pool
type BorrowOperation struct {
	Chain            types.SupportedChain `json:"chain" validate:"required"`
	Asset            common.Address       `json:"asset" validate:"required"`
	Amount           *big.Int             `json:"amount"`
	OnBehalfOf       common.Address       `json:"onBehalfOf" validate:"required"`
	InterestRateMode uint8                `json:"interestRateMode" validate:"oneof=1 2"`
	Repay            bool                 `json:"repay,omitempty"`
}

func (BorrowOperation) Kind() OperationKind { return OpBorrow }

func (o BorrowOperation) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	return requirePositive("amount", o.Amount)
}

// LiquidityOperation adds liquidity to, or removes it from, a constant product pair
type LiquidityOperation struct {
	Chain     types.SupportedChain `json:"chain" validate:"required"`
	TokenA    common.Address       `json:"tokenA" validate:"required"`
	TokenB    common.Address       `json:"tokenB" validate:"required"`
	AmountA   *big.Int             `json:"amountA,omitempty"`
	AmountB   *big.Int             `json:"amountB,omitempty"`
	Liquidity *big.Int             `json:"liquidity,omitempty"`
	// Pair is the LP token burned on removal
	Pair        common.Address `json:"pair,omitempty"`
	Remove      bool           `json:"remove,omitempty"`
	MaxSlippage float64        `json:"maxSlippage" validate:"gte=0,lt=1"`
	Recipient   common.Address `json:"recipient" validate:"required"`
}

func (LiquidityOperation) Kind() OperationKind { return OpLiquidity }

func (o LiquidityOperation) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	if o.TokenA == o.TokenB {
		return fmt.Errorf("%w: tokenA and tokenB must differ", ErrInvalidInput)
	}
	if o.Remove {
		if o.Pair == (common.Address{}) {
			return fmt.Errorf("%w: pair is required to remove liquidity", ErrInvalidInput)
		}
		return requirePositive("liquidity", o.Liquidity)
	}
	if err := requirePositive("amountA", o.AmountA); err != nil {
		return err
	}
	return requirePositive("amountB", o.AmountB)
}

type operationEnvelope struct {
	Kind   OperationKind   `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// DecodeOperation parses {"kind": ..., "params": {...}} into the matching validated variant
func DecodeOperation(data []byte) (Operation, error) {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode operation: %v", ErrInvalidInput, err)
	}

	switch env.Kind {
	case OpSwap:
		return decodeInto[SwapOperation](env.Params)
	case OpTransfer:
		return decodeInto[TransferOperation](env.Params)
	case OpWrap:
		return decodeInto[WrapOperation](env.Params)
	case OpLend:
		return decodeInto[LendOperation](env.Params)
	case OpBorrow:
		return decodeInto[BorrowOperation](env.Params)
	case OpLiquidity:
		return decodeInto[LiquidityOperation](env.Params)
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidInput, env.Kind)
	}
}

func decodeInto[T Operation](raw json.RawMessage) (Operation, error) {
	var op T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing params", ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("%w: decode %s params: %v", ErrInvalidInput, op.Kind(), err)
	}
	valid, err := NewOperation(op)
	if err != nil {
		return nil, err
	}
	return valid, nil
}

func requirePositive(field string, v *big.Int) error {
	if !isPositive(v) {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidInput, field)
	}
	return nil
}
