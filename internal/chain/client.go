// Package chain is the boundary between the routing core and the networks it plans for:
// read-only contract calls, transaction submission and receipt retrieval.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// Receipt status values
const (
	StatusFailed  uint64 = 0
	StatusSuccess uint64 = 1
)

var (
	// ErrNoSigner is returned by Submit when the client was built read-only
	ErrNoSigner = errors.New("chain client has no signer")
	// ErrReverted marks a mined transaction whose receipt status is failed
	ErrReverted = errors.New("transaction reverted")
)

// Handle identifies a submitted transaction
type Handle struct {
	Chain types.SupportedChain `json:"chain"`
	Hash  common.Hash          `json:"hash"`
}

// Receipt is the confirmation outcome of a submitted transaction
type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Status      uint64      `json:"status"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}

// Succeeded reports whether the transaction executed without reverting
func (r Receipt) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Caller performs read-only contract calls
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Client is the collaborator that reads chain state and submits plans
type Client interface {
	Caller
	Submit(ctx context.Context, tx model.UnsignedTx) (Handle, error)
	Wait(ctx context.Context, h Handle) (Receipt, error)
}

// Simulator is implemented by clients able to dry-run a full transaction
// (sender, value and calldata) against the latest state.
type Simulator interface {
	Simulate(ctx context.Context, tx model.UnsignedTx) error
}

// Set resolves a client per chain
type Set map[types.SupportedChain]Client

// Client returns the client for chain
func (s Set) Client(chain types.SupportedChain) (Client, error) {
	c, ok := s[chain]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: no client for %q", model.ErrUnsupportedChain, chain)
	}
	return c, nil
}

// Revert reasons DEX routers use when the output falls below the caller's minimum
var slippageReasons = []string{
	"too little received",
	"insufficient_output_amount",
	"return amount is not enough",
	"min return not reached",
	"slippage",
}

// ClassifyRevert tags revert errors caused by the minimum output guard with
// model.ErrSlippageExceeded. Other errors are returned unchanged.
func ClassifyRevert(err error) error {
	if err == nil || errors.Is(err, model.ErrSlippageExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, reason := range slippageReasons {
		if strings.Contains(msg, reason) {
			return fmt.Errorf("%w: %v", model.ErrSlippageExceeded, err)
		}
	}
	return err
}

// AwaitBridge waits for the bridge submission to be mined and advances tx to completed or
// failed. Cancellation of ctx leaves tx pending.
func AwaitBridge(ctx context.Context, client Client, tx *model.BridgeTransaction) (Receipt, error) {
	receipt, err := client.Wait(ctx, Handle{Chain: tx.SourceChain, Hash: tx.Hash})
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, err
		}
		if failErr := tx.Fail(err); failErr != nil {
			return Receipt{}, failErr
		}
		return Receipt{}, err
	}

	if !receipt.Succeeded() {
		if err := tx.Fail(ErrReverted); err != nil {
			return receipt, err
		}
		return receipt, ErrReverted
	}
	return receipt, tx.Complete()
}
