// Package bridge routes cross-chain transfers across LayerZero, Hop and Across and turns the
// selected protocol into an ordered approve / bridge / claim plan.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/venue-router/internal/aggregate"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/otel"
)

// Score weights
const (
	FeeWeight  = 0.7
	TimeWeight = 0.3
)

// DefaultTimeout bounds one protocol quote
const DefaultTimeout = 10 * time.Second

// Protocol quotes and encodes transfers for one bridge
type Protocol interface {
	Name() model.BridgeProtocol
	Quote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error)
	// BuildTransfer encodes the value-bearing call on the source chain
	BuildTransfer(ctx context.Context, params model.BridgeParams, quote model.BridgeQuote) (model.UnsignedTx, error)
	// Spender is the contract that pulls the token on the source chain
	Spender(params model.BridgeParams) (common.Address, error)
	// NeedsClaim reports whether the transfer must be claimed on the target chain
	NeedsClaim(params model.BridgeParams) bool
}

// Router selects and executes bridge transfers
type Router struct {
	protocols map[model.BridgeProtocol]Protocol
	clients   chain.Set
	timeout   time.Duration
	recorder  aggregate.Recorder
}

// NewRouter creates a router over protocols. clients resolve the source chain for
// allowance checks and submission.
func NewRouter(clients chain.Set, protocols ...Protocol) *Router {
	byName := make(map[model.BridgeProtocol]Protocol, len(protocols))
	for _, p := range protocols {
		byName[p.Name()] = p
	}
	return &Router{protocols: byName, clients: clients, timeout: DefaultTimeout}
}

// WithTimeout sets the per-protocol quote deadline and returns the router
func (r *Router) WithTimeout(d time.Duration) *Router {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithRecorder sets the quote observer and returns the router
func (r *Router) WithRecorder(rec aggregate.Recorder) *Router {
	r.recorder = rec
	return r
}

// Protocols lists the registered protocol names in sorted order
func (r *Router) Protocols() []model.BridgeProtocol {
	names := make([]model.BridgeProtocol, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Score computes 0.7/fee + 0.3/estimatedTime. Zero fee or time is rejected.
func Score(q model.BridgeQuote) (float64, error) {
	if q.Fee == nil || q.Fee.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %s fee must be positive", model.ErrInvalidBridgeQuoteInputs, q.Protocol)
	}
	if q.EstimatedTime == 0 {
		return 0, fmt.Errorf("%w: %s estimated time must be positive", model.ErrInvalidBridgeQuoteInputs, q.Protocol)
	}
	fee := decimal.NewFromBigInt(q.Fee, 0)
	feeFactor := decimal.NewFromFloat(FeeWeight).DivRound(fee, 18)
	timeFactor := decimal.NewFromFloat(TimeWeight).DivRound(decimal.NewFromInt(int64(q.EstimatedTime)), 18)
	score, _ := feeFactor.Add(timeFactor).Float64()
	return score, nil
}

// GetBridgeQuote quotes params.Protocol
func (r *Router) GetBridgeQuote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error) {
	if err := params.Validate(); err != nil {
		return model.BridgeQuote{}, err
	}
	p, err := r.protocol(params.Protocol)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	q, err := r.quote(ctx, p, params)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	if _, err := Score(q); err != nil {
		return model.BridgeQuote{}, err
	}
	return q, nil
}

// FindBestBridgeRoute quotes every allowed protocol concurrently, excludes failures and
// quotes that cannot be scored, and expands the highest scoring protocol into its steps.
func (r *Router) FindBestBridgeRoute(ctx context.Context, params model.BridgeParams) (model.BridgeRoute, error) {
	ctx, span := otel.Tracer().Start(ctx, "bridge.FindBestBridgeRoute")
	defer span.End()
	span.SetAttributes(
		attribute.String("source_chain", string(params.SourceChain)),
		attribute.String("target_chain", string(params.TargetChain)),
	)

	if err := params.Validate(); err != nil {
		return model.BridgeRoute{}, err
	}

	candidates, err := r.candidates(params)
	if err != nil {
		return model.BridgeRoute{}, err
	}

	type outcome struct {
		quote model.BridgeQuote
		err   error
	}
	outcomes := make([]outcome, len(candidates))

	var wg sync.WaitGroup
	for i, p := range candidates {
		wg.Add(1)
		go func(i int, p Protocol) {
			defer wg.Done()
			q, err := r.quote(ctx, p, params)
			outcomes[i] = outcome{quote: q, err: err}
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return model.BridgeRoute{}, err
	}

	var (
		best      *model.BridgeRoute
		bestProto Protocol
		lastErr   error
	)
	for i, o := range outcomes {
		name := candidates[i].Name()
		if o.err != nil {
			lastErr = o.err
			logrus.WithField("protocol", name).Warnf("Bridge excluded: %v", o.err)
			continue
		}
		score, err := Score(o.quote)
		if err != nil {
			lastErr = err
			logrus.WithField("protocol", name).Warnf("Bridge quote rejected: %v", err)
			continue
		}
		if best == nil || score > best.Score || (score == best.Score && name < best.Quote.Protocol) {
			best = &model.BridgeRoute{Quote: o.quote, Score: score}
			bestProto = candidates[i]
		}
	}

	if best == nil {
		err := fmt.Errorf("%w: no bridge could quote %s: %v", model.ErrNoRouteAvailable, params, lastErr)
		otel.RecordError(ctx, err)
		return model.BridgeRoute{}, err
	}

	steps, err := r.steps(ctx, bestProto, params, best.Quote)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.BridgeRoute{}, err
	}
	best.Steps = steps

	span.SetAttributes(attribute.String("protocol", string(best.Quote.Protocol)))
	logrus.WithFields(logrus.Fields{
		"protocol": best.Quote.Protocol,
		"fee":      best.Quote.Fee.String(),
		"time":     best.Quote.EstimatedTime,
		"score":    best.Score,
		"steps":    len(best.Steps),
	}).Info("Bridge route selected")

	return *best, nil
}

// PlanRoute returns the route for params.Protocol, or the best route when it is unset
func (r *Router) PlanRoute(ctx context.Context, params model.BridgeParams) (model.BridgeRoute, error) {
	if params.Protocol == "" {
		return r.FindBestBridgeRoute(ctx, params)
	}
	q, err := r.GetBridgeQuote(ctx, params)
	if err != nil {
		return model.BridgeRoute{}, err
	}
	p, _ := r.protocol(params.Protocol)
	steps, err := r.steps(ctx, p, params, q)
	if err != nil {
		return model.BridgeRoute{}, err
	}
	score, _ := Score(q)
	return model.BridgeRoute{Quote: q, Score: score, Steps: steps}, nil
}

// Bridge submits the approve (if any) and bridge steps on the source chain and returns a
// pending BridgeTransaction for the bridge call. Advancing it is left to the caller, e.g.
// through chain.AwaitBridge.
func (r *Router) Bridge(ctx context.Context, params model.BridgeParams) (*model.BridgeTransaction, error) {
	ctx, span := otel.Tracer().Start(ctx, "bridge.Bridge")
	defer span.End()

	route, err := r.PlanRoute(ctx, params)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, err
	}
	client, err := r.clients.Client(params.SourceChain)
	if err != nil {
		return nil, err
	}

	protocol := route.Quote.Protocol
	fail := func(err error) error {
		txErr := &model.TransactionError{
			Intent: params.String(),
			Venue:  string(protocol),
			Amount: params.Amount,
			Err:    chain.ClassifyRevert(err),
		}
		otel.RecordError(ctx, txErr)
		return txErr
	}

	for _, step := range route.Steps {
		switch step.Kind {
		case model.StepApprove:
			h, err := client.Submit(ctx, *step.Tx)
			if err != nil {
				return nil, fail(fmt.Errorf("submit approve: %w", err))
			}
			receipt, err := client.Wait(ctx, h)
			if err != nil {
				return nil, fail(fmt.Errorf("wait approve: %w", err))
			}
			if !receipt.Succeeded() {
				return nil, fail(fmt.Errorf("approve: %w", chain.ErrReverted))
			}
		case model.StepBridge:
			h, err := client.Submit(ctx, *step.Tx)
			if err != nil {
				return nil, fail(fmt.Errorf("submit bridge: %w", err))
			}
			tx := model.NewBridgeTransaction(protocol, params, h.Hash)
			logrus.WithFields(logrus.Fields{
				"id":       tx.ID,
				"protocol": protocol,
				"hash":     h.Hash.Hex(),
				"source":   params.SourceChain,
				"target":   params.TargetChain,
			}).Info("Bridge transfer submitted")
			return tx, nil
		}
	}
	return nil, fail(errors.New("route has no bridge step"))
}

func (r *Router) protocol(name model.BridgeProtocol) (Protocol, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: protocol is required", model.ErrInvalidInput)
	}
	p, ok := r.protocols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedProtocol, name)
	}
	return p, nil
}

// candidates applies the allow-list, keeping registration order stable by name
func (r *Router) candidates(params model.BridgeParams) ([]Protocol, error) {
	names := params.Protocols
	if len(names) == 0 {
		names = r.Protocols()
	}
	out := make([]Protocol, 0, len(names))
	seen := make(map[model.BridgeProtocol]bool, len(names))
	for _, name := range names {
		p, ok := r.protocols[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %v is registered", model.ErrUnsupportedProtocol, names)
	}
	return out, nil
}

// quote calls p under the router's deadline
func (r *Router) quote(ctx context.Context, p Protocol, params model.BridgeParams) (model.BridgeQuote, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	q, err := p.Quote(cctx, params)
	if err == nil && q.Protocol != p.Name() {
		err = fmt.Errorf("quote attributed to %q", q.Protocol)
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = model.NewVenueError(string(p.Name()), model.ErrVenueTimeout, err)
	}
	if r.recorder != nil {
		r.recorder.ObserveQuote(string(p.Name()), time.Since(start), err)
	}
	if err != nil {
		return model.BridgeQuote{}, fmt.Errorf("%s quote: %w", p.Name(), err)
	}
	return q, nil
}

// steps expands the selected protocol into approve -> bridge -> claim
func (r *Router) steps(ctx context.Context, p Protocol, params model.BridgeParams, q model.BridgeQuote) ([]model.BridgeStep, error) {
	transfer, err := p.BuildTransfer(ctx, params, q)
	if err != nil {
		return nil, err
	}
	if transfer.Chain == "" {
		transfer.Chain = params.SourceChain
	}

	steps := make([]model.BridgeStep, 0, 3)
	approve, err := r.approveStep(ctx, p, params)
	if err != nil {
		return nil, err
	}
	if approve != nil {
		steps = append(steps, *approve)
	}

	steps = append(steps, model.BridgeStep{
		Kind:        model.StepBridge,
		Chain:       params.SourceChain,
		Description: fmt.Sprintf("bridge %s to %s via %s", params.Amount, params.TargetChain, p.Name()),
		Tx:          &transfer,
	})

	if p.NeedsClaim(params) {
		steps = append(steps, model.BridgeStep{
			Kind:        model.StepClaim,
			Chain:       params.TargetChain,
			Description: fmt.Sprintf("claim on %s once the %s transfer settles", params.TargetChain, p.Name()),
		})
	}
	return steps, nil
}

// approveStep is nil for native transfers and for sufficient allowances. Without a known
// sender or a reachable client the approve is always planned.
func (r *Router) approveStep(ctx context.Context, p Protocol, params model.BridgeParams) (*model.BridgeStep, error) {
	if params.IsNative() {
		return nil, nil
	}
	spender, err := p.Spender(params)
	if err != nil {
		return nil, err
	}

	if params.Sender != (common.Address{}) {
		if client, err := r.clients.Client(params.SourceChain); err == nil {
			allowance, err := chain.Allowance(ctx, client, params.Token, params.Sender, spender)
			if err != nil {
				logrus.WithField("token", params.Token.Hex()).Warnf("Allowance check failed, planning approve: %v", err)
			} else if allowance.Cmp(params.Amount) >= 0 {
				return nil, nil
			}
		}
	}

	data, err := chain.ApproveData(spender, params.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return &model.BridgeStep{
		Kind:        model.StepApprove,
		Chain:       params.SourceChain,
		Description: fmt.Sprintf("approve %s for %s", params.Token.Hex(), p.Name()),
		Tx: &model.UnsignedTx{
			Chain:       params.SourceChain,
			To:          params.Token,
			Data:        data,
			Description: fmt.Sprintf("approve %s", p.Name()),
		},
	}, nil
}

// nativeValue is the amount a transfer must carry as msg.value besides protocol fees
func nativeValue(params model.BridgeParams) *big.Int {
	if params.IsNative() {
		return new(big.Int).Set(params.Amount)
	}
	return new(big.Int)
}
