package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

const (
	layerZeroTime = 1800
	layerZeroGas  = 300000

	// every supported chain's native token has 18 decimals
	nativeDecimals = 18
)

// Pricer prices tokens in a common currency. The zero address is the native token.
type Pricer interface {
	Price(ctx context.Context, c types.SupportedChain, token common.Address) (decimal.Decimal, error)
}

// LayerZero quotes the messaging fee on the source chain endpoint. The fee is paid in the
// source chain's native token and the full amount arrives on the target chain. For token
// transfers the fee is converted into token units through a Pricer so it scores against
// the other protocols.
type LayerZero struct {
	clients chain.Set
	reg     *config.Registry
	pricer  Pricer
}

// NewLayerZero creates the LayerZero protocol
func NewLayerZero(clients chain.Set, reg *config.Registry) *LayerZero {
	return &LayerZero{clients: clients, reg: reg}
}

// WithPricer sets the price source for fee conversion and returns the protocol
func (l *LayerZero) WithPricer(p Pricer) *LayerZero {
	l.pricer = p
	return l
}

func (l *LayerZero) Name() model.BridgeProtocol { return model.ProtocolLayerZero }

func (l *LayerZero) Spender(params model.BridgeParams) (common.Address, error) {
	return contractAddress(l.reg, params.SourceChain, model.ProtocolLayerZero, func(c config.ChainContracts) string {
		return c.LayerZeroBridge
	})
}

func (l *LayerZero) NeedsClaim(model.BridgeParams) bool { return false }

// Quote calls estimateFees(dstChainId, sender, 0x) on the source chain bridge
func (l *LayerZero) Quote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error) {
	dst, err := layerZeroID(params.TargetChain)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	if _, err := layerZeroID(params.SourceChain); err != nil {
		return model.BridgeQuote{}, err
	}
	bridge, err := l.Spender(params)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	client, err := l.clients.Client(params.SourceChain)
	if err != nil {
		return model.BridgeQuote{}, err
	}

	data, err := chain.LayerZeroABI.Pack("estimateFees", dst, params.Sender, []byte{})
	if err != nil {
		return model.BridgeQuote{}, fmt.Errorf("pack estimateFees: %w", err)
	}
	out, err := client.Call(ctx, bridge, data)
	if err != nil {
		return model.BridgeQuote{}, model.NewVenueError(string(model.ProtocolLayerZero), model.ErrVenueUnavailable, err)
	}
	values, err := chain.LayerZeroABI.Unpack("estimateFees", out)
	if err != nil {
		return model.BridgeQuote{}, fmt.Errorf("unpack estimateFees: %w", err)
	}
	nativeFee := values[0].(*big.Int)
	fee, err := l.tokenFee(ctx, client, params, nativeFee)
	if err != nil {
		return model.BridgeQuote{}, err
	}

	return model.BridgeQuote{
		Protocol:      model.ProtocolLayerZero,
		Fee:           fee,
		NativeFee:     nativeFee,
		EstimatedTime: layerZeroTime,
		MinAmountOut:  new(big.Int).Set(params.Amount),
		GasEstimate:   layerZeroGas,
	}, nil
}

// BuildTransfer encodes bridge(dstChainId, token, amount, recipient) carrying the native fee
func (l *LayerZero) BuildTransfer(_ context.Context, params model.BridgeParams, q model.BridgeQuote) (model.UnsignedTx, error) {
	dst, err := layerZeroID(params.TargetChain)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	bridge, err := l.Spender(params)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	data, err := chain.LayerZeroABI.Pack("bridge", dst, params.Token, params.Amount, params.Recipient)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("pack bridge: %w", err)
	}

	value := nativeValue(params)
	if q.NativeFee != nil {
		value.Add(value, q.NativeFee)
	}
	return model.UnsignedTx{
		Chain:       params.SourceChain,
		To:          bridge,
		Data:        data,
		Value:       value,
		Gas:         layerZeroGas,
		Description: "layerzero bridge",
	}, nil
}

// tokenFee expresses nativeFee in the transfer token's smallest unit, rounded up
func (l *LayerZero) tokenFee(ctx context.Context, client chain.Caller, params model.BridgeParams, nativeFee *big.Int) (*big.Int, error) {
	if params.IsNative() {
		return new(big.Int).Set(nativeFee), nil
	}
	if l.pricer == nil {
		return nil, fmt.Errorf("%w: no price source to convert the layerzero native fee", model.ErrInvalidBridgeQuoteInputs)
	}

	nativePrice, err := l.pricer.Price(ctx, params.SourceChain, common.Address{})
	if err != nil {
		return nil, fmt.Errorf("%w: native token price: %v", model.ErrInvalidBridgeQuoteInputs, err)
	}
	tokenPrice, err := l.pricer.Price(ctx, params.SourceChain, params.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s price: %v", model.ErrInvalidBridgeQuoteInputs, params.Token.Hex(), err)
	}
	if nativePrice.Sign() <= 0 || tokenPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for layerzero fee conversion", model.ErrInvalidBridgeQuoteInputs)
	}
	decimals, err := chain.TokenDecimals(ctx, client, params.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decimals: %v", model.ErrInvalidBridgeQuoteInputs, params.Token.Hex(), err)
	}

	fee := decimal.NewFromBigInt(nativeFee, -nativeDecimals).
		Mul(nativePrice).
		DivRound(tokenPrice, 36).
		Shift(int32(decimals)).
		Ceil()
	return fee.BigInt(), nil
}

func layerZeroID(c types.SupportedChain) (uint16, error) {
	id, ok := c.LayerZeroID()
	if !ok {
		return 0, fmt.Errorf("%w: layerzero does not serve %q", model.ErrUnsupportedChain, c)
	}
	return id, nil
}

// contractAddress resolves a per-chain bridge contract from the registry
func contractAddress(reg *config.Registry, c types.SupportedChain, protocol model.BridgeProtocol, pick func(config.ChainContracts) string) (common.Address, error) {
	if reg != nil {
		if contracts, ok := reg.Contracts(c); ok {
			if addr, ok := config.Address(pick(contracts)); ok {
				return addr, nil
			}
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s on %s", model.ErrBridgeContractNotConfigured, protocol, c)
}
