package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// Signer signs transactions on behalf of one account. Only the Chain Client uses it.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex encoded private key
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

// FeeAdvisor prices a transaction before submission
type FeeAdvisor interface {
	EstimateGas(ctx context.Context, tx model.UnsignedTx) (model.GasEstimate, error)
}

// backend is the subset of ethclient.Client the chain client needs
type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// EthClient implements Client over a JSON-RPC endpoint. It also serves as the gas
// optimizer's fee feed.
type EthClient struct {
	chain        types.SupportedChain
	chainID      *big.Int
	rpc          backend
	signer       Signer
	fees         FeeAdvisor
	pollInterval time.Duration
}

// Dial connects to url and verifies the remote chain id matches chain
func Dial(ctx context.Context, chain types.SupportedChain, url string, signer Signer) (*EthClient, error) {
	expected, ok := chain.ChainID()
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedChain, chain)
	}

	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}
	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("query %s chain id: %w", chain, err)
	}
	if remote.Uint64() != expected {
		rpc.Close()
		return nil, fmt.Errorf("rpc for %s reports chain id %s, expected %d", chain, remote, expected)
	}

	logrus.WithFields(logrus.Fields{
		"chain":    chain,
		"chain_id": expected,
		"signer":   signer != nil,
	}).Info("Chain client connected")

	return newEthClient(chain, remote, rpc, signer), nil
}

func newEthClient(chain types.SupportedChain, chainID *big.Int, rpc backend, signer Signer) *EthClient {
	return &EthClient{
		chain:        chain,
		chainID:      chainID,
		rpc:          rpc,
		signer:       signer,
		pollInterval: 2 * time.Second,
	}
}

// WithFeeAdvisor sets the advisor used to price submissions and returns the client
func (c *EthClient) WithFeeAdvisor(advisor FeeAdvisor) *EthClient {
	c.fees = advisor
	return c
}

// Chain returns the network the client is bound to
func (c *EthClient) Chain() types.SupportedChain { return c.chain }

// Call performs an eth_call against the latest block
func (c *EthClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	out, err := c.rpc.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// Simulate dry-runs tx from the signer account
func (c *EthClient) Simulate(ctx context.Context, tx model.UnsignedTx) error {
	_, err := c.rpc.CallContract(ctx, c.callMsg(tx), nil)
	if err != nil {
		return ClassifyRevert(fmt.Errorf("simulate %s: %w", tx.Description, err))
	}
	return nil
}

// Submit signs and broadcasts tx as an EIP-1559 transaction
func (c *EthClient) Submit(ctx context.Context, tx model.UnsignedTx) (Handle, error) {
	if c.signer == nil {
		return Handle{}, ErrNoSigner
	}
	from := c.signer.Address()

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return Handle{}, fmt.Errorf("pending nonce: %w", err)
	}

	gasLimit := tx.Gas
	tipCap, feeCap, estimated, err := c.price(ctx, tx)
	if err != nil {
		return Handle{}, err
	}
	if gasLimit == 0 {
		gasLimit = estimated
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	to := tx.To
	signed, err := c.signer.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      tx.Data,
	}), c.chainID)
	if err != nil {
		return Handle{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return Handle{}, ClassifyRevert(fmt.Errorf("send transaction: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"chain": c.chain,
		"hash":  signed.Hash().Hex(),
		"to":    to.Hex(),
		"gas":   gasLimit,
		"step":  tx.Description,
	}).Info("Transaction submitted")

	return Handle{Chain: c.chain, Hash: signed.Hash()}, nil
}

// price resolves fee caps and a gas limit through the advisor, falling back to the node
func (c *EthClient) price(ctx context.Context, tx model.UnsignedTx) (tip, feeCap *big.Int, gas uint64, err error) {
	if c.fees != nil {
		est, err := c.fees.EstimateGas(ctx, tx)
		if err == nil {
			return est.MaxPriorityFeePerGas, est.MaxFeePerGas, est.EstimatedGas, nil
		}
		logrus.Warnf("Fee advisor failed, using node suggestion: %v", err)
	}

	tip, err = c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("suggest tip: %w", err)
	}
	baseFee, err := c.BaseFee(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas = tx.Gas
	if gas == 0 {
		if gas, err = c.EstimateGasLimit(ctx, tx); err != nil {
			return nil, nil, 0, err
		}
	}
	return tip, feeCap, gas, nil
}

// Wait polls for the receipt of h until it is mined or ctx is done
func (c *EthClient) Wait(ctx context.Context, h Handle) (Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.rpc.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil:
			receipt := Receipt{Hash: r.TxHash, Status: r.Status, GasUsed: r.GasUsed}
			if r.BlockNumber != nil {
				receipt.BlockNumber = r.BlockNumber.Uint64()
			}
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return Receipt{}, fmt.Errorf("receipt %s: %w", h.Hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BaseFee returns the latest block's base fee
func (c *EthClient) BaseFee(ctx context.Context) (*big.Int, error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("%s does not report a base fee", c.chain)
	}
	return header.BaseFee, nil
}

// PriorityFeeHistory returns per-block reward samples at the given percentiles
func (c *EthClient) PriorityFeeHistory(ctx context.Context, blocks uint64, percentiles []float64) ([][]*big.Int, error) {
	history, err := c.rpc.FeeHistory(ctx, blocks, nil, percentiles)
	if err != nil {
		return nil, fmt.Errorf("fee history: %w", err)
	}
	return history.Reward, nil
}

// BlockUtilization returns gas used and gas limit of the latest block
func (c *EthClient) BlockUtilization(ctx context.Context) (uint64, uint64, error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("latest header: %w", err)
	}
	return header.GasUsed, header.GasLimit, nil
}

// EstimateGasLimit asks the node for the gas tx would use
func (c *EthClient) EstimateGasLimit(ctx context.Context, tx model.UnsignedTx) (uint64, error) {
	gas, err := c.rpc.EstimateGas(ctx, c.callMsg(tx))
	if err != nil {
		return 0, ClassifyRevert(fmt.Errorf("estimate gas: %w", err))
	}
	return gas, nil
}

func (c *EthClient) callMsg(tx model.UnsignedTx) ethereum.CallMsg {
	to := tx.To
	msg := ethereum.CallMsg{To: &to, Data: tx.Data, Value: tx.Value}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	return msg
}
