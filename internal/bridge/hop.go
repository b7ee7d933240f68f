package bridge

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

const (
	hopTime     = 600
	hopGas      = 500000
	hopDeadline = time.Hour
)

// Hop pays a bonder fee in the transferred token. Exits to Ethereum must be claimed on L1.
type Hop struct {
	clients chain.Set
	reg     *config.Registry
	now     func() time.Time
}

// NewHop creates the Hop protocol
func NewHop(clients chain.Set, reg *config.Registry) *Hop {
	return &Hop{clients: clients, reg: reg, now: time.Now}
}

func (h *Hop) Name() model.BridgeProtocol { return model.ProtocolHop }

func (h *Hop) Spender(params model.BridgeParams) (common.Address, error) {
	return contractAddress(h.reg, params.SourceChain, model.ProtocolHop, func(c config.ChainContracts) string {
		return c.HopBridge
	})
}

func (h *Hop) NeedsClaim(params model.BridgeParams) bool {
	return params.TargetChain == types.ChainEthereum
}

// Quote calls calculateFee(targetChainId, amount) on the source chain bridge
func (h *Hop) Quote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error) {
	target, err := hopID(params.TargetChain)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	if _, err := hopID(params.SourceChain); err != nil {
		return model.BridgeQuote{}, err
	}
	bridge, err := h.Spender(params)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	client, err := h.clients.Client(params.SourceChain)
	if err != nil {
		return model.BridgeQuote{}, err
	}

	data, err := chain.HopABI.Pack("calculateFee", new(big.Int).SetUint64(target), params.Amount)
	if err != nil {
		return model.BridgeQuote{}, fmt.Errorf("pack calculateFee: %w", err)
	}
	out, err := client.Call(ctx, bridge, data)
	if err != nil {
		return model.BridgeQuote{}, model.NewVenueError(string(model.ProtocolHop), model.ErrVenueUnavailable, err)
	}
	values, err := chain.HopABI.Unpack("calculateFee", out)
	if err != nil {
		return model.BridgeQuote{}, fmt.Errorf("unpack calculateFee: %w", err)
	}
	fee := values[0].(*big.Int)
	if fee.Cmp(params.Amount) >= 0 {
		return model.BridgeQuote{}, fmt.Errorf("%w: hop fee %s exceeds amount %s", model.ErrInvalidBridgeQuoteInputs, fee, params.Amount)
	}

	return model.BridgeQuote{
		Protocol:      model.ProtocolHop,
		Fee:           fee,
		EstimatedTime: hopTime,
		MinAmountOut:  new(big.Int).Sub(params.Amount, fee),
		GasEstimate:   hopGas,
	}, nil
}

// BuildTransfer encodes sendToL2(chainId, recipient, amount, deadline, relayerFee)
func (h *Hop) BuildTransfer(_ context.Context, params model.BridgeParams, q model.BridgeQuote) (model.UnsignedTx, error) {
	target, err := hopID(params.TargetChain)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	bridge, err := h.Spender(params)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	fee := q.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	deadline := big.NewInt(h.now().Add(hopDeadline).Unix())

	data, err := chain.HopABI.Pack("sendToL2", new(big.Int).SetUint64(target), params.Recipient, params.Amount, deadline, fee)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("pack sendToL2: %w", err)
	}
	return model.UnsignedTx{
		Chain:       params.SourceChain,
		To:          bridge,
		Data:        data,
		Value:       nativeValue(params),
		Gas:         hopGas,
		Description: "hop sendToL2",
	}, nil
}

func hopID(c types.SupportedChain) (uint64, error) {
	id, ok := c.HopID()
	if !ok {
		return 0, fmt.Errorf("%w: hop does not serve %q", model.ErrUnsupportedChain, c)
	}
	return id, nil
}
