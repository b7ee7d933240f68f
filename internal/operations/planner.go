// Package operations turns validated operations into unsigned transactions. Swaps are
// routed through the execution router and cross-chain transfers through the bridge router;
// the remaining kinds are encoded directly against registry contracts.
package operations

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/aggregate"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/monitor"
	"github.com/yourorg/venue-router/internal/router"
	"github.com/yourorg/venue-router/internal/types"
)

// DefaultDeadline bounds liquidity operations
const DefaultDeadline = 20 * time.Minute

// MinBorrowHealthFactor is the lowest health factor at which new borrows are planned
var MinBorrowHealthFactor = decimal.RequireFromString("1.5")

var (
	// ErrHealthFactorTooLow is returned when a borrow would start from an unsafe position
	ErrHealthFactorTooLow = errors.New("health factor too low to borrow")
	// ErrNotConfigured is returned when the registry lacks the contract an operation needs
	ErrNotConfigured = errors.New("contract not configured")
)

// SwapRouter finds and encodes swap routes. *router.Router implements it.
type SwapRouter interface {
	FindBestRoute(ctx context.Context, intent model.TradeIntent) (model.RoutingResult, error)
	Plan(ctx context.Context, req router.ExecuteRequest) ([]router.LegPlan, error)
}

// BridgeRouter plans cross-chain transfers. *bridge.Router implements it.
type BridgeRouter interface {
	PlanRoute(ctx context.Context, params model.BridgeParams) (model.BridgeRoute, error)
}

// Plan is the ordered transaction list for one operation
type Plan struct {
	ID     string               `json:"id"`
	Kind   model.OperationKind  `json:"kind"`
	Chain  types.SupportedChain `json:"chain"`
	Sender common.Address       `json:"sender"`
	Steps  []model.UnsignedTx   `json:"steps"`
	Route  *model.RoutingResult `json:"route,omitempty"`
	Bridge *model.BridgeRoute   `json:"bridge,omitempty"`
}

// Planner encodes operations
type Planner struct {
	reg     *config.Registry
	clients chain.Set
	swaps   SwapRouter
	bridges BridgeRouter
	now     func() time.Time
}

// NewPlanner creates a planner over the registry's contracts. clients are used for
// allowance and health factor reads.
func NewPlanner(reg *config.Registry, clients chain.Set) *Planner {
	return &Planner{reg: reg, clients: clients, now: time.Now}
}

// WithSwaps sets the swap router and returns the planner
func (p *Planner) WithSwaps(s SwapRouter) *Planner {
	p.swaps = s
	return p
}

// WithBridges sets the bridge router and returns the planner
func (p *Planner) WithBridges(b BridgeRouter) *Planner {
	p.bridges = b
	return p
}

// Plan dispatches op by kind. op is validated again so planners never see invalid input.
func (p *Planner) Plan(ctx context.Context, op model.Operation, sender common.Address) (*Plan, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation is required", model.ErrInvalidInput)
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%s operation: %w", op.Kind(), err)
	}
	if sender == (common.Address{}) {
		return nil, fmt.Errorf("%w: sender is required", model.ErrInvalidInput)
	}

	var (
		plan *Plan
		err  error
	)
	switch o := op.(type) {
	case model.SwapOperation:
		plan, err = p.swap(ctx, o, sender)
	case model.TransferOperation:
		plan, err = p.transfer(ctx, o, sender)
	case model.WrapOperation:
		plan, err = p.wrap(o)
	case model.LendOperation:
		plan, err = p.lend(ctx, o, sender)
	case model.BorrowOperation:
		plan, err = p.borrow(ctx, o, sender)
	case model.LiquidityOperation:
		plan, err = p.liquidity(ctx, o, sender)
	default:
		return nil, fmt.Errorf("%w: operation kind %q", model.ErrUnsupportedProtocol, op.Kind())
	}
	if err != nil {
		return nil, err
	}

	plan.ID = uuid.NewString()
	plan.Kind = op.Kind()
	plan.Sender = sender
	logrus.WithFields(logrus.Fields{
		"plan":  plan.ID,
		"kind":  plan.Kind,
		"chain": plan.Chain,
		"steps": len(plan.Steps),
	}).Info("Operation planned")
	return plan, nil
}

func (p *Planner) swap(ctx context.Context, o model.SwapOperation, sender common.Address) (*Plan, error) {
	if p.swaps == nil {
		return nil, fmt.Errorf("%w: swap routing is not enabled", model.ErrUnsupportedProtocol)
	}
	intent, err := o.Intent()
	if err != nil {
		return nil, err
	}
	result, err := p.swaps.FindBestRoute(ctx, intent)
	if err != nil {
		return nil, err
	}
	legs, err := p.swaps.Plan(ctx, router.ExecuteRequest{Intent: intent, Result: result, Sender: sender})
	if err != nil {
		return nil, err
	}

	plan := &Plan{Chain: o.Chain, Route: &result}
	for _, leg := range legs {
		plan.Steps = append(plan.Steps, leg.Steps...)
	}
	return plan, nil
}

func (p *Planner) transfer(ctx context.Context, o model.TransferOperation, sender common.Address) (*Plan, error) {
	if o.IsCrossChain() {
		if p.bridges == nil {
			return nil, fmt.Errorf("%w: bridging is not enabled", model.ErrUnsupportedProtocol)
		}
		route, err := p.bridges.PlanRoute(ctx, o.BridgeParams(sender))
		if err != nil {
			return nil, err
		}
		plan := &Plan{Chain: o.Chain, Bridge: &route}
		for _, step := range route.Steps {
			if step.Tx != nil {
				plan.Steps = append(plan.Steps, *step.Tx)
			}
		}
		return plan, nil
	}

	if o.Token == (common.Address{}) {
		return &Plan{Chain: o.Chain, Steps: []model.UnsignedTx{{
			Chain:       o.Chain,
			To:          o.Recipient,
			Value:       new(big.Int).Set(o.Amount),
			Gas:         21000,
			Description: "native transfer",
		}}}, nil
	}

	data, err := chain.ERC20ABI.Pack("transfer", o.Recipient, o.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return &Plan{Chain: o.Chain, Steps: []model.UnsignedTx{{
		Chain:       o.Chain,
		To:          o.Token,
		Data:        data,
		Description: fmt.Sprintf("transfer %s to %s", o.Token.Hex(), o.Recipient.Hex()),
	}}}, nil
}

func (p *Planner) wrap(o model.WrapOperation) (*Plan, error) {
	weth, err := p.contract(o.Chain, "wrapped native", func(c config.ChainContracts) string { return c.WrappedNative })
	if err != nil {
		return nil, err
	}

	tx := model.UnsignedTx{Chain: o.Chain, To: weth}
	if o.Unwrap {
		tx.Data, err = chain.WETHABI.Pack("withdraw", o.Amount)
		tx.Description = "unwrap native"
	} else {
		tx.Data, err = chain.WETHABI.Pack("deposit")
		tx.Value = new(big.Int).Set(o.Amount)
		tx.Description = "wrap native"
	}
	if err != nil {
		return nil, fmt.Errorf("pack wrap: %w", err)
	}
	return &Plan{Chain: o.Chain, Steps: []model.UnsignedTx{tx}}, nil
}

func (p *Planner) lend(ctx context.Context, o model.LendOperation, sender common.Address) (*Plan, error) {
	pool, err := p.aavePool(o.Chain)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Chain: o.Chain}
	if o.Withdraw {
		data, err := chain.AavePoolABI.Pack("withdraw", o.Asset, o.Amount, o.OnBehalfOf)
		if err != nil {
			return nil, fmt.Errorf("pack withdraw: %w", err)
		}
		plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: pool, Data: data, Description: "aave withdraw"})
		return plan, nil
	}

	if err := p.appendApprove(ctx, plan, o.Asset, sender, pool, o.Amount); err != nil {
		return nil, err
	}
	data, err := chain.AavePoolABI.Pack("supply", o.Asset, o.Amount, o.OnBehalfOf, uint16(0))
	if err != nil {
		return nil, fmt.Errorf("pack supply: %w", err)
	}
	plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: pool, Data: data, Description: "aave supply"})
	return plan, nil
}

func (p *Planner) borrow(ctx context.Context, o model.BorrowOperation, sender common.Address) (*Plan, error) {
	pool, err := p.aavePool(o.Chain)
	if err != nil {
		return nil, err
	}
	mode := new(big.Int).SetUint64(uint64(o.InterestRateMode))
	plan := &Plan{Chain: o.Chain}

	if o.Repay {
		if err := p.appendApprove(ctx, plan, o.Asset, sender, pool, o.Amount); err != nil {
			return nil, err
		}
		data, err := chain.AavePoolABI.Pack("repay", o.Asset, o.Amount, mode, o.OnBehalfOf)
		if err != nil {
			return nil, fmt.Errorf("pack repay: %w", err)
		}
		plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: pool, Data: data, Description: "aave repay"})
		return plan, nil
	}

	client, err := p.clients.Client(o.Chain)
	if err != nil {
		return nil, err
	}
	hf, err := monitor.AccountHealth(ctx, client, pool, o.OnBehalfOf)
	if err != nil {
		return nil, fmt.Errorf("read health factor: %w", err)
	}
	if hf.LessThan(MinBorrowHealthFactor) {
		return nil, fmt.Errorf("%w: %s < %s", ErrHealthFactorTooLow, hf.StringFixed(4), MinBorrowHealthFactor)
	}

	data, err := chain.AavePoolABI.Pack("borrow", o.Asset, o.Amount, mode, uint16(0), o.OnBehalfOf)
	if err != nil {
		return nil, fmt.Errorf("pack borrow: %w", err)
	}
	plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: pool, Data: data, Description: "aave borrow"})
	return plan, nil
}

func (p *Planner) liquidity(ctx context.Context, o model.LiquidityOperation, sender common.Address) (*Plan, error) {
	v2, err := p.contract(o.Chain, "uniswap v2 router", func(c config.ChainContracts) string { return c.UniswapV2Router })
	if err != nil {
		return nil, err
	}
	deadline := big.NewInt(p.now().Add(DefaultDeadline).Unix())
	minA, err := minimum(o.AmountA, o.MaxSlippage)
	if err != nil {
		return nil, err
	}
	minB, err := minimum(o.AmountB, o.MaxSlippage)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Chain: o.Chain}
	if o.Remove {
		if minA.Sign() == 0 && minB.Sign() == 0 {
			logrus.WithField("pair", o.Pair.Hex()).Warn("Removing liquidity without expected amounts, minimums are zero")
		}
		if err := p.appendApprove(ctx, plan, o.Pair, sender, v2, o.Liquidity); err != nil {
			return nil, err
		}
		data, err := chain.UniswapV2ABI.Pack("removeLiquidity", o.TokenA, o.TokenB, o.Liquidity, minA, minB, o.Recipient, deadline)
		if err != nil {
			return nil, fmt.Errorf("pack removeLiquidity: %w", err)
		}
		plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: v2, Data: data, Description: "remove liquidity"})
		return plan, nil
	}

	if err := p.appendApprove(ctx, plan, o.TokenA, sender, v2, o.AmountA); err != nil {
		return nil, err
	}
	if err := p.appendApprove(ctx, plan, o.TokenB, sender, v2, o.AmountB); err != nil {
		return nil, err
	}
	data, err := chain.UniswapV2ABI.Pack("addLiquidity", o.TokenA, o.TokenB, o.AmountA, o.AmountB, minA, minB, o.Recipient, deadline)
	if err != nil {
		return nil, fmt.Errorf("pack addLiquidity: %w", err)
	}
	plan.Steps = append(plan.Steps, model.UnsignedTx{Chain: o.Chain, To: v2, Data: data, Description: "add liquidity"})
	return plan, nil
}

// appendApprove adds an approve unless the current allowance already covers amount.
// Without a client, or when the allowance read fails, the approve is always planned.
func (p *Planner) appendApprove(ctx context.Context, plan *Plan, token, owner, spender common.Address, amount *big.Int) error {
	if client, err := p.clients.Client(plan.Chain); err == nil {
		allowance, err := chain.Allowance(ctx, client, token, owner, spender)
		switch {
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"token":   token.Hex(),
				"spender": spender.Hex(),
			}).Warnf("Allowance check failed, planning approve: %v", err)
		case allowance.Cmp(amount) >= 0:
			return nil
		}
	}

	data, err := chain.ApproveData(spender, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	plan.Steps = append(plan.Steps, model.UnsignedTx{
		Chain:       plan.Chain,
		To:          token,
		Data:        data,
		Description: fmt.Sprintf("approve %s for %s", token.Hex(), spender.Hex()),
	})
	return nil
}

func (p *Planner) aavePool(c types.SupportedChain) (common.Address, error) {
	return p.contract(c, "aave pool", func(cc config.ChainContracts) string { return cc.AavePool })
}

func (p *Planner) contract(c types.SupportedChain, name string, pick func(config.ChainContracts) string) (common.Address, error) {
	if p.reg == nil {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrNotConfigured, name, c)
	}
	contracts, ok := p.reg.Contracts(c)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: no contracts for %s", model.ErrUnsupportedChain, c)
	}
	addr, ok := config.Address(pick(contracts))
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrNotConfigured, name, c)
	}
	return addr, nil
}

// minimum applies slippage to an expected amount; unset amounts have no minimum
func minimum(expected *big.Int, slippage float64) (*big.Int, error) {
	if expected == nil {
		return new(big.Int), nil
	}
	return aggregate.MinAmountOut(expected, slippage)
}
