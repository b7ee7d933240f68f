// Package venue provides the quoting adapters for on-chain and API based liquidity venues.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
)

// Adapter quotes a single venue. Quote must be side-effect free.
type Adapter interface {
	ID() string
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error)
}

// Deadliner is implemented by adapters that carry their own per-call deadline
type Deadliner interface {
	Timeout() time.Duration
}

// SwapRequest asks a venue to encode the swap for a previously returned quote
type SwapRequest struct {
	Quote        model.Quote
	MinAmountOut *big.Int
	Sender       common.Address
	Recipient    common.Address
	Deadline     time.Time
	Slippage     float64
}

// SwapBuilder is implemented by adapters that can produce an executable swap
type SwapBuilder interface {
	BuildSwap(ctx context.Context, req SwapRequest) (model.UnsignedTx, error)
}

// referenceDivisor sizes the small reference trade used for price impact
const referenceDivisor = 1000

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// getJSON performs a GET and decodes a JSON body into out
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	return doJSON(client, req, headers, out)
}

func doJSON(client *http.Client, req *http.Request, headers map[string]string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// classify maps a raw adapter failure onto the venue error taxonomy
func classify(ctx context.Context, venue string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewVenueError(venue, model.ErrVenueTimeout, err)
	}
	return model.NewVenueError(venue, model.ErrVenueUnavailable, err)
}

// parseAmount reads a decimal integer string as returned by aggregator APIs
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// referenceAmount returns the reference input used to estimate the spot price, or nil
// when the trade is too small to sample.
func referenceAmount(amount *big.Int) *big.Int {
	ref := new(big.Int).Quo(amount, big.NewInt(referenceDivisor))
	if ref.Sign() == 0 {
		return nil
	}
	return ref
}

// PriceImpact compares the execution price of a trade with the price of a small reference
// trade on the same venue: 1 - (out/in) / (refOut/refIn), clamped to [0, 1].
func PriceImpact(amountIn, amountOut, refIn, refOut *big.Int) float64 {
	if amountIn == nil || amountOut == nil || refIn == nil || refOut == nil {
		return 0
	}
	if amountIn.Sign() == 0 || refIn.Sign() == 0 || refOut.Sign() == 0 {
		return 0
	}

	execution := decimal.NewFromBigInt(amountOut, 0).Div(decimal.NewFromBigInt(amountIn, 0))
	spot := decimal.NewFromBigInt(refOut, 0).Div(decimal.NewFromBigInt(refIn, 0))
	if spot.IsZero() {
		return 0
	}

	return clampImpact(decimal.NewFromInt(1).Sub(execution.Div(spot)))
}

// usdImpact derives price impact from the USD value of both legs
func usdImpact(srcUSD, destUSD string) float64 {
	src, err := decimal.NewFromString(srcUSD)
	if err != nil || !src.IsPositive() {
		return 0
	}
	dest, err := decimal.NewFromString(destUSD)
	if err != nil {
		return 0
	}
	return clampImpact(decimal.NewFromInt(1).Sub(dest.Div(src)))
}

func clampImpact(impact decimal.Decimal) float64 {
	switch {
	case impact.IsNegative():
		return 0
	case impact.GreaterThan(decimal.NewFromInt(1)):
		return 1
	}
	f, _ := impact.Round(6).Float64()
	return f
}

// sampledImpact runs the reference quote and logs, rather than fails, when it cannot be priced
func sampledImpact(ctx context.Context, venue string, amount, amountOut *big.Int, quote func(context.Context, *big.Int) (*big.Int, error)) float64 {
	ref := referenceAmount(amount)
	if ref == nil {
		return 0
	}
	refOut, err := quote(ctx, ref)
	if err != nil {
		logrus.WithField("venue", venue).Debugf("Price impact reference quote failed: %v", err)
		return 0
	}
	return PriceImpact(amount, amountOut, ref, refOut)
}
