// Package portfolio values an account's token holdings with on-chain balances and
// oracle prices.
package portfolio

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// Pricer returns a token's USD price
type Pricer interface {
	Price(ctx context.Context, c types.SupportedChain, token common.Address) (decimal.Decimal, error)
}

// Holding is one token position
type Holding struct {
	Token   common.Address `json:"token"`
	Balance *big.Int       `json:"balance"`
	// Amount is Balance scaled by the token's decimals
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
	// Allocation is the share of the snapshot's total value, in percent
	Allocation decimal.Decimal `json:"allocation"`
}

// Snapshot values every requested token held by Owner
type Snapshot struct {
	Chain      types.SupportedChain `json:"chain"`
	Owner      common.Address       `json:"owner"`
	Holdings   []Holding            `json:"holdings"`
	TotalValue decimal.Decimal      `json:"totalValue"`
}

// Reader builds snapshots from ERC-20 balances
type Reader struct {
	clients chain.Set
	pricer  Pricer
}

// NewReader creates a reader pricing balances with pricer
func NewReader(clients chain.Set, pricer Pricer) *Reader {
	return &Reader{clients: clients, pricer: pricer}
}

// Snapshot reads owner's balance of each token on c and values it. Tokens are read
// concurrently; any failed read fails the snapshot.
func (r *Reader) Snapshot(ctx context.Context, c types.SupportedChain, owner common.Address, tokens []common.Address) (Snapshot, error) {
	if owner == (common.Address{}) {
		return Snapshot{}, fmt.Errorf("%w: owner is required", model.ErrInvalidInput)
	}
	if len(tokens) == 0 {
		return Snapshot{}, fmt.Errorf("%w: at least one token is required", model.ErrInvalidInput)
	}
	seen := make(map[common.Address]bool, len(tokens))
	for _, token := range tokens {
		if token == (common.Address{}) {
			return Snapshot{}, fmt.Errorf("%w: native balances are not supported, use the wrapped token", model.ErrInvalidInput)
		}
		if seen[token] {
			return Snapshot{}, fmt.Errorf("%w: token %s is listed twice", model.ErrInvalidInput, token.Hex())
		}
		seen[token] = true
	}
	client, err := r.clients.Client(c)
	if err != nil {
		return Snapshot{}, err
	}

	holdings := make([]Holding, len(tokens))
	errs := make([]error, len(tokens))
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token common.Address) {
			defer wg.Done()
			holdings[i], errs[i] = r.holding(ctx, client, c, owner, token)
		}(i, token)
	}
	wg.Wait()

	snap := Snapshot{Chain: c, Owner: owner, Holdings: holdings, TotalValue: decimal.Zero}
	for i, err := range errs {
		if err != nil {
			return Snapshot{}, fmt.Errorf("token %s: %w", tokens[i].Hex(), err)
		}
		snap.TotalValue = snap.TotalValue.Add(holdings[i].Value)
	}
	for i := range snap.Holdings {
		snap.Holdings[i].Allocation = allocation(snap.Holdings[i].Value, snap.TotalValue)
	}

	logrus.WithFields(logrus.Fields{
		"chain":  c,
		"owner":  owner.Hex(),
		"tokens": len(tokens),
		"value":  snap.TotalValue.StringFixed(2),
	}).Debug("Portfolio snapshot")
	return snap, nil
}

func (r *Reader) holding(ctx context.Context, client chain.Caller, c types.SupportedChain, owner, token common.Address) (Holding, error) {
	balance, err := chain.BalanceOf(ctx, client, token, owner)
	if err != nil {
		return Holding{}, err
	}
	decimals, err := chain.TokenDecimals(ctx, client, token)
	if err != nil {
		return Holding{}, err
	}
	price, err := r.pricer.Price(ctx, c, token)
	if err != nil {
		return Holding{}, err
	}
	amount := decimal.NewFromBigInt(balance, -int32(decimals))
	return Holding{
		Token:   token,
		Balance: balance,
		Amount:  amount,
		Price:   price,
		Value:   amount.Mul(price),
	}, nil
}

// allocation is value/total in percent, rounded to basis points. An empty portfolio
// allocates nothing.
func allocation(value, total decimal.Decimal) decimal.Decimal {
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	return value.Mul(decimal.NewFromInt(100)).DivRound(total, 2)
}
