// Package router composes quoting, ranking and split search into routing decisions and
// turns them into execution plans.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/venue-router/internal/aggregate"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/otel"
	"github.com/yourorg/venue-router/internal/split"
)

// DefaultReferenceGasPrice prices split overhead when the intent does not carry one (50 gwei)
var DefaultReferenceGasPrice = big.NewInt(50_000_000_000)

// SplitRecorder is told about every split-vs-single decision
type SplitRecorder interface {
	ObserveSplitDecision(legs int, chosen bool)
}

// Router answers routing requests for one chain
type Router struct {
	agg       *aggregate.Aggregator
	optimizer *split.Optimizer
	refPrice  *big.Int
	recorder  SplitRecorder
	client    chain.Client
	mode      ExecutionMode

	// results executed through Plan must be attested by this signer when set
	attestor common.Address
}

// New creates a router over agg
func New(agg *aggregate.Aggregator) *Router {
	return &Router{
		agg:       agg,
		optimizer: split.New(agg),
		refPrice:  new(big.Int).Set(DefaultReferenceGasPrice),
		mode:      ExecuteAtomic,
	}
}

// WithReferenceGasPrice sets the default gas price for split decisions and returns the router
func (r *Router) WithReferenceGasPrice(price *big.Int) *Router {
	if price != nil && price.Sign() >= 0 {
		r.refPrice = new(big.Int).Set(price)
	}
	return r
}

// WithSplitRecorder sets the split decision observer and returns the router
func (r *Router) WithSplitRecorder(rec SplitRecorder) *Router {
	r.recorder = rec
	return r
}

// Aggregator exposes the underlying quote aggregator
func (r *Router) Aggregator() *aggregate.Aggregator { return r.agg }

// FindBestRoute quotes intent on every candidate venue, picks the best single route and,
// when the intent allows splitting, replaces it with the best split plan if the extra
// output pays for the extra gas.
func (r *Router) FindBestRoute(ctx context.Context, intent model.TradeIntent) (model.RoutingResult, error) {
	ctx, span := otel.Tracer().Start(ctx, "router.FindBestRoute")
	defer span.End()
	span.SetAttributes(
		attribute.String("token_in", intent.TokenIn.Hex()),
		attribute.String("token_out", intent.TokenOut.Hex()),
		attribute.Int("venues", len(intent.Venues)),
	)

	ranked, err := r.rankedQuotes(ctx, intent)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.RoutingResult{}, err
	}

	best := ranked[0]
	result := model.RoutingResult{
		BestSingle:        best,
		ExpectedAmountOut: new(big.Int).Set(best.AmountOut),
		GasEstimate:       best.GasEstimate,
		PriceImpact:       best.PriceImpact,
	}

	if arity := intent.SplitArity(); arity >= 2 && len(ranked) >= 2 {
		plan, err := r.optimizer.Optimize(ctx, intent, ranked, arity)
		switch {
		case ctx.Err() != nil:
			return model.RoutingResult{}, ctx.Err()
		case err != nil:
			logrus.WithField("intent", intent.String()).Debugf("No split candidate: %v", err)
		default:
			chosen := split.ShouldSplit(best, plan, r.referencePrice(intent))
			if r.recorder != nil {
				r.recorder.ObserveSplitDecision(len(plan.Legs), chosen)
			}
			if chosen {
				result.BestSplit = plan
				result.ExpectedAmountOut = new(big.Int).Set(plan.TotalAmountOut)
				result.GasEstimate = plan.TotalGas
				result.PriceImpact = plan.PriceImpact
			}
		}
	}

	result.MinAmountOut, err = aggregate.MinAmountOut(result.ExpectedAmountOut, intent.MaxSlippage)
	if err != nil {
		return model.RoutingResult{}, intentError(intent, err)
	}

	span.SetAttributes(
		attribute.String("venue", best.Venue),
		attribute.Bool("split", result.UsesSplit()),
	)
	logrus.WithFields(logrus.Fields{
		"venue":     best.Venue,
		"split":     result.UsesSplit(),
		"amountOut": result.ExpectedAmountOut.String(),
		"minOut":    result.MinAmountOut.String(),
		"gas":       result.GasEstimate,
	}).Info("Route selected")

	return result, nil
}

// SplitOrder returns the best split plan of at most maxSplits legs regardless of whether it
// beats the single best route.
func (r *Router) SplitOrder(ctx context.Context, intent model.TradeIntent, maxSplits int) (*model.SplitPlan, error) {
	ctx, span := otel.Tracer().Start(ctx, "router.SplitOrder")
	defer span.End()

	if maxSplits < 2 {
		return nil, intentError(intent, fmt.Errorf("%w: maxSplits must be at least 2, got %d", model.ErrInvalidInput, maxSplits))
	}

	ranked, err := r.rankedQuotes(ctx, intent)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, err
	}

	plan, err := r.optimizer.Optimize(ctx, intent, ranked, maxSplits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		otel.RecordError(ctx, err)
		return nil, intentError(intent, err)
	}
	return plan, nil
}

// rankedQuotes validates intent, collects its quotes and ranks them best-first
func (r *Router) rankedQuotes(ctx context.Context, intent model.TradeIntent) ([]model.Quote, error) {
	if err := intent.Validate(); err != nil {
		return nil, intentError(intent, err)
	}

	known := 0
	for _, id := range intent.Venues {
		if _, ok := r.agg.Adapter(id); ok {
			known++
		}
	}
	if known == 0 {
		return nil, intentError(intent, fmt.Errorf("%w: none of %v is registered", model.ErrUnsupportedProtocol, intent.Venues))
	}

	quotes, err := r.agg.Collect(ctx, intent)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, intentError(intent, err)
	}
	return aggregate.Rank(quotes), nil
}

func (r *Router) referencePrice(intent model.TradeIntent) *big.Int {
	if intent.ReferenceGasPrice != nil {
		return intent.ReferenceGasPrice
	}
	return r.refPrice
}

func intentError(intent model.TradeIntent, err error) error {
	return &model.IntentError{Intent: intent.String(), Err: err}
}
