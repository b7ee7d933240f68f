package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/yourorg/venue-router/internal/types"
)

// BridgeProtocol names a cross-chain transfer protocol
type BridgeProtocol string

const (
	ProtocolLayerZero BridgeProtocol = "layerzero"
	ProtocolHop       BridgeProtocol = "hop"
	ProtocolAcross    BridgeProtocol = "across"
)

// BridgeParams describes a cross-chain transfer. A zero Token means the native asset.
type BridgeParams struct {
	SourceChain types.SupportedChain `json:"sourceChain" validate:"required"`
	TargetChain types.SupportedChain `json:"targetChain" validate:"required,nefield=SourceChain"`
	Token       common.Address       `json:"token"`
	Amount      *big.Int             `json:"amount"`
	Recipient   common.Address       `json:"recipient" validate:"required"`

	// Sender owns the tokens; used for the allowance check. Zero means unknown.
	Sender common.Address `json:"sender,omitempty"`

	// Protocol pins a single protocol for getBridgeQuote and bridge
	Protocol BridgeProtocol `json:"protocol,omitempty"`

	// Protocols is an optional allow-list for route search
	Protocols []BridgeProtocol `json:"protocols,omitempty" validate:"omitempty,dive,required"`
}

// Validate checks the params' structural constraints
func (p BridgeParams) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if !isPositive(p.Amount) {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	}
	return nil
}

// IsNative reports whether the bridged asset is the chain's native token
func (p BridgeParams) IsNative() bool {
	return p.Token == (common.Address{})
}

// String renders a short description for logs and error context
func (p BridgeParams) String() string {
	return fmt.Sprintf("%s %s %s->%s", amountString(p.Amount), p.Token.Hex(), p.SourceChain, p.TargetChain)
}

// BridgeQuote is one protocol's priced estimate for a transfer
type BridgeQuote struct {
	Protocol BridgeProtocol `json:"protocol"`
	// Fee in the transfer token's smallest unit, comparable across protocols
	Fee *big.Int `json:"fee"`
	// NativeFee is a fee paid as msg.value in the source chain's native token
	NativeFee *big.Int `json:"nativeFee,omitempty"`
	// EstimatedTime in seconds
	EstimatedTime uint64   `json:"estimatedTime"`
	MinAmountOut  *big.Int `json:"minAmountOut"`
	GasEstimate   uint64   `json:"gasEstimate"`
}

// StepKind is the kind of action in a bridge plan
type StepKind string

const (
	StepApprove StepKind = "approve"
	StepBridge  StepKind = "bridge"
	StepClaim   StepKind = "claim"
)

// BridgeStep is one ordered action of a bridge plan. Claim steps carry no transaction
// because their calldata depends on a proof only available after the bridge settles.
type BridgeStep struct {
	Kind        StepKind             `json:"kind"`
	Chain       types.SupportedChain `json:"chain"`
	Description string               `json:"description"`
	Tx          *UnsignedTx          `json:"tx,omitempty"`
}

// BridgeRoute is the selected protocol with its score and execution steps
type BridgeRoute struct {
	Quote BridgeQuote  `json:"quote"`
	Score float64      `json:"score"`
	Steps []BridgeStep `json:"steps"`
}

// BridgeStatus is the lifecycle state of a submitted transfer
type BridgeStatus string

const (
	BridgePending   BridgeStatus = "pending"
	BridgeCompleted BridgeStatus = "completed"
	BridgeFailed    BridgeStatus = "failed"
)

// BridgeTransaction tracks a submitted transfer. It is owned by the caller; only the
// pending -> completed | failed transitions are allowed.
type BridgeTransaction struct {
	ID          string               `json:"id"`
	Protocol    BridgeProtocol       `json:"protocol"`
	SourceChain types.SupportedChain `json:"sourceChain"`
	TargetChain types.SupportedChain `json:"targetChain"`
	Amount      *big.Int             `json:"amount"`
	Hash        common.Hash          `json:"hash"`
	Status      BridgeStatus         `json:"status"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	SettledAt   time.Time            `json:"settledAt,omitempty"`
}

// NewBridgeTransaction seeds a pending transaction for an accepted submission
func NewBridgeTransaction(protocol BridgeProtocol, params BridgeParams, hash common.Hash) *BridgeTransaction {
	return &BridgeTransaction{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		SourceChain: params.SourceChain,
		TargetChain: params.TargetChain,
		Amount:      new(big.Int).Set(params.Amount),
		Hash:        hash,
		Status:      BridgePending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Complete marks a pending transaction as confirmed
func (t *BridgeTransaction) Complete() error {
	return t.settle(BridgeCompleted, "")
}

// Fail marks a pending transaction as failed with the given cause
func (t *BridgeTransaction) Fail(cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.settle(BridgeFailed, msg)
}

func (t *BridgeTransaction) settle(status BridgeStatus, msg string) error {
	if t.Status != BridgePending {
		return fmt.Errorf("%w: bridge transaction %s already %s", ErrInvalidInput, t.ID, t.Status)
	}
	t.Status = status
	t.Error = msg
	t.SettledAt = time.Now().UTC()
	return nil
}
