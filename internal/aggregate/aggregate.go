// Package aggregate fans a trade out to every candidate venue and ranks what comes back.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/circuitbreaker"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/policy"
	"github.com/yourorg/venue-router/internal/validation"
	"github.com/yourorg/venue-router/internal/venue"
)

// DefaultTimeout bounds a venue call when neither the adapter nor the aggregator sets one
const DefaultTimeout = 5 * time.Second

// Recorder observes every venue call. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveQuote(venue string, elapsed time.Duration, err error)
}

// Aggregator collects quotes from the registered venue adapters
type Aggregator struct {
	adapters map[string]venue.Adapter
	timeout  time.Duration

	breaker    *circuitbreaker.CircuitBreaker
	validation *validation.ValidationOptions
	policy     *policy.Evaluator
	policyExpr string
	recorder   Recorder
}

// New creates an aggregator over adapters. timeout applies to adapters without their own.
func New(adapters []venue.Adapter, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	byID := make(map[string]venue.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.ID()] = a
	}
	return &Aggregator{adapters: byID, timeout: timeout}
}

// WithBreaker skips venues whose circuit is open and returns the aggregator
func (a *Aggregator) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Aggregator {
	a.breaker = cb
	return a
}

// WithValidation filters unusable quotes before ranking and returns the aggregator
func (a *Aggregator) WithValidation(opts validation.ValidationOptions) *Aggregator {
	a.validation = &opts
	return a
}

// WithPolicy excludes quotes failing the CEL expression and returns the aggregator
func (a *Aggregator) WithPolicy(eval *policy.Evaluator, expression string) *Aggregator {
	a.policy = eval
	a.policyExpr = expression
	return a
}

// WithRecorder sets the call observer and returns the aggregator
func (a *Aggregator) WithRecorder(r Recorder) *Aggregator {
	a.recorder = r
	return a
}

// Venues lists the registered adapter ids in sorted order
func (a *Aggregator) Venues() []string {
	ids := make([]string, 0, len(a.adapters))
	for id := range a.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Adapter returns the adapter registered under id
func (a *Aggregator) Adapter(id string) (venue.Adapter, bool) {
	adapter, ok := a.adapters[id]
	return adapter, ok
}

// MaxTimeout is the longest per-venue deadline, which bounds how long Collect can take
func (a *Aggregator) MaxTimeout() time.Duration {
	longest := a.timeout
	for _, adapter := range a.adapters {
		if t := a.timeoutFor(adapter); t > longest {
			longest = t
		}
	}
	return longest
}

// Outcome is the result of one venue call
type Outcome struct {
	Venue   string
	Quote   model.Quote
	Err     error
	Elapsed time.Duration
}

// Collect quotes intent on every venue it names, concurrently. Failed, timed out and
// filtered venues are excluded; if none survive the error wraps ErrNoRouteAvailable.
// Cancelling ctx returns ctx.Err() and discards every result.
func (a *Aggregator) Collect(ctx context.Context, intent model.TradeIntent) ([]model.Quote, error) {
	outcomes := a.FanOut(ctx, intent.Venues, intent.TokenIn, intent.TokenOut, intent.Amount)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quotes := make([]model.Quote, 0, len(outcomes))
	var lastErr error
	for _, o := range outcomes {
		if o.Err != nil {
			lastErr = o.Err
			logrus.WithFields(logrus.Fields{
				"venue":   o.Venue,
				"elapsed": o.Elapsed,
			}).Warnf("Venue excluded: %v", o.Err)
			continue
		}
		quotes = append(quotes, o.Quote)
	}

	quotes = a.Screen(intent, quotes)
	if len(quotes) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %d venues queried, last error: %v", model.ErrNoRouteAvailable, len(outcomes), lastErr)
		}
		return nil, fmt.Errorf("%w: no usable quote from %d venues", model.ErrNoRouteAvailable, len(outcomes))
	}

	logrus.WithFields(logrus.Fields{
		"venues": len(outcomes),
		"quotes": len(quotes),
		"amount": intent.Amount.String(),
	}).Debug("Quotes collected")

	return quotes, nil
}

// Screen applies quote validation and the route policy, preserving order
func (a *Aggregator) Screen(intent model.TradeIntent, quotes []model.Quote) []model.Quote {
	if a.validation != nil {
		quotes = validation.FilterInvalidWithOptions(intent, quotes, *a.validation)
	}
	if a.policy != nil {
		quotes = a.policy.Filter(a.policyExpr, quotes)
	}
	return quotes
}

// FanOut calls every venue in ids concurrently, each into its own result slot. It returns
// once every call has produced an outcome or hit its deadline.
func (a *Aggregator) FanOut(ctx context.Context, ids []string, tokenIn, tokenOut common.Address, amount *big.Int) []Outcome {
	outcomes := make([]Outcome, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			start := time.Now()
			q, err := a.QuoteVenue(ctx, id, tokenIn, tokenOut, amount)
			outcomes[i] = Outcome{Venue: id, Quote: q, Err: err, Elapsed: time.Since(start)}
		}(i, id)
	}
	wg.Wait()

	return outcomes
}

// QuoteVenue asks one venue for a quote under its own deadline. Errors are VenueErrors
// except for cancellation of ctx, which is returned as is.
func (a *Aggregator) QuoteVenue(ctx context.Context, id string, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error) {
	adapter, ok := a.adapters[id]
	if !ok {
		return model.Quote{}, model.NewVenueError(id, model.ErrVenueUnavailable, errors.New("venue not registered"))
	}

	if a.breaker != nil {
		if err := a.breaker.Allow(id); err != nil {
			return model.Quote{}, model.NewVenueError(id, model.ErrVenueUnavailable, err)
		}
	}

	type result struct {
		quote model.Quote
		err   error
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeoutFor(adapter))
	defer cancel()

	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		q, err := adapter.Quote(cctx, tokenIn, tokenOut, amount)
		ch <- result{quote: q, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-cctx.Done():
		r.err = cctx.Err()
	}

	if ctx.Err() != nil {
		return model.Quote{}, ctx.Err()
	}

	err := normalize(id, r.err)
	if err == nil && r.quote.Venue != id {
		err = model.NewVenueError(id, model.ErrVenueUnavailable, fmt.Errorf("quote attributed to %q", r.quote.Venue))
	}

	a.observe(id, time.Since(start), err)
	if err != nil {
		return model.Quote{}, err
	}
	return r.quote, nil
}

func (a *Aggregator) observe(id string, elapsed time.Duration, err error) {
	if a.recorder != nil {
		a.recorder.ObserveQuote(id, elapsed, err)
	}
	if a.breaker == nil {
		return
	}
	if err != nil {
		a.breaker.RecordFailure(id, err)
	} else {
		a.breaker.RecordSuccess(id)
	}
}

func (a *Aggregator) timeoutFor(adapter venue.Adapter) time.Duration {
	if d, ok := adapter.(venue.Deadliner); ok && d.Timeout() > 0 {
		return d.Timeout()
	}
	return a.timeout
}

// normalize makes sure every adapter failure carries the venue error taxonomy
func normalize(id string, err error) error {
	if err == nil {
		return nil
	}
	var venueErr *model.VenueError
	if errors.As(err, &venueErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewVenueError(id, model.ErrVenueTimeout, err)
	}
	return model.NewVenueError(id, model.ErrVenueUnavailable, err)
}
