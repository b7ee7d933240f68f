package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/venue-router/internal/aggregate"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/otel"
	"github.com/yourorg/venue-router/internal/security"
	"github.com/yourorg/venue-router/internal/venue"
)

// ExecutionMode controls how a multi-leg plan is submitted
type ExecutionMode string

const (
	// ExecuteAtomic dry-runs every leg first and submits nothing if one fails
	ExecuteAtomic ExecutionMode = "atomic"
	// ExecuteBestEffort submits every leg and reports each outcome
	ExecuteBestEffort ExecutionMode = "best_effort"
)

// DefaultSwapDeadline bounds how long a submitted swap stays valid on chain
const DefaultSwapDeadline = 20 * time.Minute

// LegStatus is the outcome of one executed leg
type LegStatus string

const (
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
	LegSkipped   LegStatus = "skipped"
)

// ExecuteRequest names the accounts and the routing result to execute
type ExecuteRequest struct {
	Intent    model.TradeIntent   `json:"intent"`
	Result    model.RoutingResult `json:"result"`
	Sender    common.Address      `json:"sender"`
	Recipient common.Address      `json:"recipient,omitempty"`
	Deadline  time.Duration       `json:"-"`

	// Attestation over Result, required when the router checks attestations
	Attestation *security.Attestation `json:"attestation,omitempty"`
}

// LegPlan is the ordered transactions for one leg: an optional approve, then the swap
type LegPlan struct {
	Venue    string             `json:"venue"`
	AmountIn *big.Int           `json:"amountIn"`
	MinOut   *big.Int           `json:"minAmountOut"`
	Steps    []model.UnsignedTx `json:"steps"`
}

func (l LegPlan) swap() model.UnsignedTx { return l.Steps[len(l.Steps)-1] }

func (l LegPlan) needsApprove() bool { return len(l.Steps) > 1 }

// LegOutcome reports what happened to one leg
type LegOutcome struct {
	Venue    string        `json:"venue"`
	AmountIn *big.Int      `json:"amountIn"`
	Status   LegStatus     `json:"status"`
	Hashes   []common.Hash `json:"hashes,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ExecutionReport summarises a submitted plan
type ExecutionReport struct {
	ID        string        `json:"id"`
	Mode      ExecutionMode `json:"mode"`
	Legs      []LegOutcome  `json:"legs"`
	Confirmed int           `json:"confirmed"`
}

// WithExecution sets the chain client and split execution mode and returns the router
func (r *Router) WithExecution(client chain.Client, mode ExecutionMode) *Router {
	r.client = client
	if mode == "" {
		mode = ExecuteAtomic
	}
	r.mode = mode
	return r
}

// WithAttestationSigner makes Plan reject results that signer did not attest and returns
// the router
func (r *Router) WithAttestationSigner(signer common.Address) *Router {
	r.attestor = signer
	return r
}

// Plan encodes every leg of req.Result into unsigned transactions without submitting them.
// A single route is one leg. Each leg's minimum output applies the intent's slippage to that
// leg's own quote.
func (r *Router) Plan(ctx context.Context, req ExecuteRequest) ([]LegPlan, error) {
	intent := req.Intent
	if req.Sender == (common.Address{}) {
		return nil, intentError(intent, fmt.Errorf("%w: sender is required", model.ErrInvalidInput))
	}
	if err := r.checkAttestation(req); err != nil {
		return nil, intentError(intent, err)
	}
	if err := validateResult(intent, req.Result); err != nil {
		return nil, intentError(intent, err)
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Sender
	}
	ttl := req.Deadline
	if ttl <= 0 {
		ttl = DefaultSwapDeadline
	}
	deadline := time.Now().Add(ttl)

	legs := legsOf(req.Result)
	plans := make([]LegPlan, 0, len(legs))
	for _, leg := range legs {
		adapter, ok := r.agg.Adapter(leg.Venue)
		if !ok {
			return nil, intentError(intent, fmt.Errorf("%w: venue %s is not registered", model.ErrUnsupportedProtocol, leg.Venue))
		}
		builder, ok := adapter.(venue.SwapBuilder)
		if !ok {
			return nil, intentError(intent, fmt.Errorf("%w: venue %s cannot build swaps", model.ErrUnsupportedProtocol, leg.Venue))
		}

		minOut, err := aggregate.MinAmountOut(leg.Quote.AmountOut, intent.MaxSlippage)
		if err != nil {
			return nil, intentError(intent, err)
		}

		swap, err := builder.BuildSwap(ctx, venue.SwapRequest{
			Quote:        leg.Quote,
			MinAmountOut: minOut,
			Sender:       req.Sender,
			Recipient:    recipient,
			Deadline:     deadline,
			Slippage:     intent.MaxSlippage,
		})
		if err != nil {
			return nil, r.txError(intent, leg.Venue, leg.AmountIn, err)
		}
		if swap.Chain == "" {
			swap.Chain = intent.Chain
		}

		plan := LegPlan{Venue: leg.Venue, AmountIn: leg.AmountIn, MinOut: minOut}
		approve, err := r.approveStep(ctx, intent, req.Sender, swap.To, leg.AmountIn)
		if err != nil {
			return nil, r.txError(intent, leg.Venue, leg.AmountIn, err)
		}
		if approve != nil {
			plan.Steps = append(plan.Steps, *approve)
		}
		plan.Steps = append(plan.Steps, swap)
		plans = append(plans, plan)
	}
	return plans, nil
}

// Execute plans req and submits it through the chain client. In atomic mode every leg that
// does not wait on an approval is simulated first; any failure aborts before submission, and
// after submission the first failed leg stops the rest. In best-effort mode every leg is
// submitted and the call only fails when no leg confirmed.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionReport, error) {
	ctx, span := otel.Tracer().Start(ctx, "router.Execute")
	defer span.End()

	if r.client == nil {
		return nil, fmt.Errorf("router has no chain client: %w", chain.ErrNoSigner)
	}

	plans, err := r.Plan(ctx, req)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, err
	}

	report := &ExecutionReport{
		ID:   uuid.NewString(),
		Mode: r.mode,
		Legs: make([]LegOutcome, len(plans)),
	}
	for i, p := range plans {
		report.Legs[i] = LegOutcome{Venue: p.Venue, AmountIn: p.AmountIn, Status: LegSkipped}
	}
	span.SetAttributes(
		attribute.String("execution_id", report.ID),
		attribute.Int("legs", len(plans)),
		attribute.String("mode", string(r.mode)),
	)

	if r.mode == ExecuteAtomic {
		if err := r.simulate(ctx, req.Intent, plans); err != nil {
			otel.RecordError(ctx, err)
			return report, err
		}
	}

	var firstErr error
	for i, p := range plans {
		hashes, err := r.submitLeg(ctx, p)
		report.Legs[i].Hashes = hashes
		if err != nil {
			txErr := r.txError(req.Intent, p.Venue, p.AmountIn, err)
			report.Legs[i].Status = LegFailed
			report.Legs[i].Error = txErr.Error()
			if firstErr == nil {
				firstErr = txErr
			}
			logrus.WithFields(logrus.Fields{
				"execution": report.ID,
				"venue":     p.Venue,
				"amount":    p.AmountIn.String(),
			}).Warnf("Leg failed: %v", err)

			if r.mode == ExecuteAtomic || ctx.Err() != nil {
				break
			}
			continue
		}
		report.Legs[i].Status = LegConfirmed
		report.Confirmed++
	}

	logrus.WithFields(logrus.Fields{
		"execution": report.ID,
		"mode":      r.mode,
		"legs":      len(plans),
		"confirmed": report.Confirmed,
	}).Info("Execution finished")

	switch {
	case firstErr == nil:
		return report, nil
	case r.mode == ExecuteBestEffort && report.Confirmed > 0:
		return report, nil
	default:
		otel.RecordError(ctx, firstErr)
		return report, firstErr
	}
}

func (r *Router) simulate(ctx context.Context, intent model.TradeIntent, plans []LegPlan) error {
	sim, ok := r.client.(chain.Simulator)
	if !ok {
		return nil
	}
	for _, p := range plans {
		// A swap behind a pending approve would revert on transferFrom
		if p.needsApprove() {
			continue
		}
		if err := sim.Simulate(ctx, p.swap()); err != nil {
			return r.txError(intent, p.Venue, p.AmountIn, err)
		}
	}
	return nil
}

// submitLeg sends each step in order and waits for it to be mined
func (r *Router) submitLeg(ctx context.Context, p LegPlan) ([]common.Hash, error) {
	hashes := make([]common.Hash, 0, len(p.Steps))
	for _, step := range p.Steps {
		h, err := r.client.Submit(ctx, step)
		if err != nil {
			return hashes, fmt.Errorf("submit %s: %w", step.Description, err)
		}
		hashes = append(hashes, h.Hash)

		receipt, err := r.client.Wait(ctx, h)
		if err != nil {
			return hashes, fmt.Errorf("wait %s: %w", step.Description, err)
		}
		if !receipt.Succeeded() {
			return hashes, fmt.Errorf("%s: %w", step.Description, chain.ErrReverted)
		}
	}
	return hashes, nil
}

// approveStep returns an ERC20 approve when spender's allowance cannot cover amount
func (r *Router) approveStep(ctx context.Context, intent model.TradeIntent, owner, spender common.Address, amount *big.Int) (*model.UnsignedTx, error) {
	if r.client == nil || intent.TokenIn == (common.Address{}) {
		return nil, nil
	}
	allowance, err := chain.Allowance(ctx, r.client, intent.TokenIn, owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	data, err := chain.ApproveData(spender, amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return &model.UnsignedTx{
		Chain:       intent.Chain,
		To:          intent.TokenIn,
		Data:        data,
		Description: fmt.Sprintf("approve %s for %s", intent.TokenIn.Hex(), spender.Hex()),
	}, nil
}

func (r *Router) txError(intent model.TradeIntent, venueID string, amount *big.Int, err error) error {
	var txErr *model.TransactionError
	if errors.As(err, &txErr) {
		return err
	}
	return &model.TransactionError{
		Intent: intent.String(),
		Venue:  venueID,
		Amount: amount,
		Err:    chain.ClassifyRevert(err),
	}
}

func (r *Router) checkAttestation(req ExecuteRequest) error {
	if r.attestor == (common.Address{}) {
		return nil
	}
	if req.Attestation == nil {
		return fmt.Errorf("%w: routing result is not attested", model.ErrInvalidInput)
	}
	if req.Attestation.Signer != r.attestor {
		return fmt.Errorf("%w: %w: attested by %s", model.ErrInvalidInput, security.ErrSignatureInvalid, req.Attestation.Signer.Hex())
	}
	if err := security.Verify(req.Result, *req.Attestation, time.Now()); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}
	return nil
}

// validateResult checks that result executes intent: every leg quotes the intent's pair on
// one of its venues with a consistent input, and the legs spend exactly the intent's amount
func validateResult(intent model.TradeIntent, result model.RoutingResult) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	legs := legsOf(result)
	if len(legs) == 0 {
		return fmt.Errorf("%w: routing result has no legs", model.ErrInvalidInput)
	}

	allowed := make(map[string]bool, len(intent.Venues))
	for _, id := range intent.Venues {
		allowed[id] = true
	}

	total := new(big.Int)
	for i, leg := range legs {
		q := leg.Quote
		switch {
		case leg.AmountIn == nil || q.AmountIn == nil || q.AmountOut == nil:
			return fmt.Errorf("%w: leg %d (%s) is missing amounts", model.ErrInvalidInput, i, leg.Venue)
		case leg.AmountIn.Sign() <= 0 || q.AmountOut.Sign() < 0:
			return fmt.Errorf("%w: leg %d (%s) has a non-positive amount", model.ErrInvalidInput, i, leg.Venue)
		case leg.AmountIn.Cmp(q.AmountIn) != 0:
			return fmt.Errorf("%w: leg %d spends %s but was quoted for %s", model.ErrInvalidInput, i, leg.AmountIn, q.AmountIn)
		case leg.Venue != q.Venue:
			return fmt.Errorf("%w: leg %d venue %s carries a %s quote", model.ErrInvalidInput, i, leg.Venue, q.Venue)
		case len(allowed) > 0 && !allowed[leg.Venue]:
			return fmt.Errorf("%w: leg %d venue %s is not a candidate of the intent", model.ErrInvalidInput, i, leg.Venue)
		case len(q.Path) < 2 || q.Path[0] != intent.TokenIn || q.Path[len(q.Path)-1] != intent.TokenOut:
			return fmt.Errorf("%w: leg %d (%s) path does not trade %s for %s", model.ErrInvalidInput, i, leg.Venue, intent.TokenIn.Hex(), intent.TokenOut.Hex())
		}
		total.Add(total, leg.AmountIn)
	}
	if total.Cmp(intent.Amount) != 0 {
		return fmt.Errorf("%w: legs spend %s, intent amount is %s", model.ErrInvalidInput, total, intent.Amount)
	}
	return nil
}

// legsOf flattens a routing result into the legs that will be executed
func legsOf(result model.RoutingResult) []model.SplitLeg {
	if result.BestSplit != nil {
		return result.BestSplit.Legs
	}
	if result.BestSingle.Venue == "" || result.BestSingle.AmountIn == nil {
		return nil
	}
	return []model.SplitLeg{{
		Venue:    result.BestSingle.Venue,
		RatioBps: 10000,
		AmountIn: result.BestSingle.AmountIn,
		Quote:    result.BestSingle,
	}}
}
