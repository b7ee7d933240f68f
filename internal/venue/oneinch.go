package venue

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// OneInchID is the venue id of the 1inch aggregation API adapter
const OneInchID = "1inch"

// OneInch quotes through the 1inch swap API
type OneInch struct {
	baseURL string
	apiKey  string
	chainID uint64
	client  *http.Client
	limiter *rate.Limiter
	gas     uint64
	timeout time.Duration
}

// NewOneInch creates an adapter for chain
func NewOneInch(c types.SupportedChain, apiKey string, settings config.VenueSettings) (*OneInch, error) {
	chainID, ok := c.ChainID()
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedChain, c)
	}
	gas := settings.DefaultGas
	if gas == 0 {
		gas = 200000
	}
	return &OneInch{
		baseURL: strings.TrimRight(settings.BaseURL, "/"),
		apiKey:  apiKey,
		chainID: chainID,
		client:  StandardClient(newRetryClient()),
		limiter: newLimiter(settings.RateLimit),
		gas:     gas,
		timeout: settings.Timeout,
	}, nil
}

func (o *OneInch) ID() string { return OneInchID }

func (o *OneInch) Timeout() time.Duration { return o.timeout }

type oneInchQuoteResponse struct {
	ToAmount string `json:"toAmount"`
	Gas      uint64 `json:"gas"`
}

// Quote calls /quote with gas estimation enabled
func (o *OneInch) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error) {
	amountOut, gas, err := o.quote(ctx, tokenIn, tokenOut, amount)
	if err != nil {
		return model.Quote{}, classify(ctx, OneInchID, err)
	}
	if gas == 0 {
		gas = o.gas
	}

	impact := sampledImpact(ctx, OneInchID, amount, amountOut, func(ctx context.Context, ref *big.Int) (*big.Int, error) {
		out, _, err := o.quote(ctx, tokenIn, tokenOut, ref)
		return out, err
	})

	return model.Quote{
		Venue:       OneInchID,
		AmountIn:    new(big.Int).Set(amount),
		AmountOut:   amountOut,
		GasEstimate: gas,
		Path:        []common.Address{tokenIn, tokenOut},
		PriceImpact: impact,
	}, nil
}

func (o *OneInch) quote(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int) (*big.Int, uint64, error) {
	if err := wait(ctx, o.limiter); err != nil {
		return nil, 0, err
	}

	q := url.Values{}
	q.Set("src", tokenIn.Hex())
	q.Set("dst", tokenOut.Hex())
	q.Set("amount", amount.String())
	q.Set("includeGas", "true")
	endpoint := fmt.Sprintf("%s/%d/quote?%s", o.baseURL, o.chainID, q.Encode())

	logrus.Debugf("Fetching 1inch quote from %s", endpoint)

	var resp oneInchQuoteResponse
	if err := getJSON(ctx, o.client, endpoint, o.headers(), &resp); err != nil {
		return nil, 0, err
	}
	out, err := parseAmount(resp.ToAmount)
	if err != nil {
		return nil, 0, fmt.Errorf("1inch toAmount: %w", err)
	}
	return out, resp.Gas, nil
}

type oneInchSwapResponse struct {
	ToAmount string `json:"toAmount"`
	Tx       struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

// BuildSwap requests calldata from /swap. The slippage guard is expressed as a percentage.
func (o *OneInch) BuildSwap(ctx context.Context, req SwapRequest) (model.UnsignedTx, error) {
	q := req.Quote
	if len(q.Path) < 2 {
		return model.UnsignedTx{}, fmt.Errorf("%w: 1inch quote has no path", model.ErrInvalidInput)
	}
	if err := wait(ctx, o.limiter); err != nil {
		return model.UnsignedTx{}, err
	}

	params := url.Values{}
	params.Set("src", q.Path[0].Hex())
	params.Set("dst", q.Path[len(q.Path)-1].Hex())
	params.Set("amount", q.AmountIn.String())
	params.Set("from", req.Sender.Hex())
	params.Set("receiver", req.Recipient.Hex())
	params.Set("slippage", strconv.FormatFloat(req.Slippage*100, 'f', -1, 64))
	params.Set("disableEstimate", "true")
	endpoint := fmt.Sprintf("%s/%d/swap?%s", o.baseURL, o.chainID, params.Encode())

	var resp oneInchSwapResponse
	if err := getJSON(ctx, o.client, endpoint, o.headers(), &resp); err != nil {
		return model.UnsignedTx{}, classify(ctx, OneInchID, err)
	}

	return txFromAPI(OneInchID, resp.Tx.To, resp.Tx.Data, resp.Tx.Value, resp.Tx.Gas, q.GasEstimate)
}

func (o *OneInch) headers() map[string]string {
	if o.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// txFromAPI converts an aggregator's transaction object
func txFromAPI(venue, to, data, value string, gas, fallbackGas uint64) (model.UnsignedTx, error) {
	if !common.IsHexAddress(to) {
		return model.UnsignedTx{}, fmt.Errorf("%s returned invalid target %q", venue, to)
	}
	calldata, err := hexutil.Decode(data)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("%s returned invalid calldata: %w", venue, err)
	}

	tx := model.UnsignedTx{
		To:          common.HexToAddress(to),
		Data:        calldata,
		Gas:         gas,
		Description: "swap on " + venue,
	}
	if tx.Gas == 0 {
		tx.Gas = fallbackGas
	}
	if value != "" && value != "0" {
		v, err := parseAmount(value)
		if err != nil {
			return model.UnsignedTx{}, fmt.Errorf("%s value: %w", venue, err)
		}
		tx.Value = v
	}
	return tx, nil
}

// newLimiter returns nil when perSecond is not positive
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
