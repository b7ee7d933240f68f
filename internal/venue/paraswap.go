package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// ParaswapID is the venue id of the Paraswap adapter
const ParaswapID = "paraswap"

// metaPriceRoute holds the raw priceRoute object Paraswap requires to build the swap
const metaPriceRoute = "priceRoute"

// Paraswap quotes through the Paraswap v5 API
type Paraswap struct {
	baseURL string
	chainID uint64
	caller  chain.Caller
	client  *http.Client
	limiter *rate.Limiter
	gas     uint64
	timeout time.Duration

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// NewParaswap creates an adapter for chain. Token decimals are read through caller.
func NewParaswap(c types.SupportedChain, caller chain.Caller, settings config.VenueSettings) (*Paraswap, error) {
	chainID, ok := c.ChainID()
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedChain, c)
	}
	gas := settings.DefaultGas
	if gas == 0 {
		gas = 250000
	}
	return &Paraswap{
		baseURL:  strings.TrimRight(settings.BaseURL, "/"),
		chainID:  chainID,
		caller:   caller,
		client:   StandardClient(newRetryClient()),
		limiter:  newLimiter(settings.RateLimit),
		gas:      gas,
		timeout:  settings.Timeout,
		decimals: make(map[common.Address]uint8),
	}, nil
}

func (p *Paraswap) ID() string { return ParaswapID }

func (p *Paraswap) Timeout() time.Duration { return p.timeout }

type paraswapPriceRoute struct {
	SrcDecimals  int    `json:"srcDecimals"`
	DestDecimals int    `json:"destDecimals"`
	DestAmount   string `json:"destAmount"`
	GasCost      string `json:"gasCost"`
	SrcUSD       string `json:"srcUSD"`
	DestUSD      string `json:"destUSD"`
}

type paraswapPricesResponse struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
	Error      string          `json:"error"`
}

// Quote calls /prices for a SELL order
func (p *Paraswap) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int) (model.Quote, error) {
	srcDecimals, err := p.tokenDecimals(ctx, tokenIn)
	if err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, err)
	}
	destDecimals, err := p.tokenDecimals(ctx, tokenOut)
	if err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, err)
	}
	if err := wait(ctx, p.limiter); err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, err)
	}

	q := url.Values{}
	q.Set("srcToken", tokenIn.Hex())
	q.Set("destToken", tokenOut.Hex())
	q.Set("amount", amount.String())
	q.Set("srcDecimals", strconv.Itoa(int(srcDecimals)))
	q.Set("destDecimals", strconv.Itoa(int(destDecimals)))
	q.Set("side", "SELL")
	q.Set("network", strconv.FormatUint(p.chainID, 10))
	endpoint := fmt.Sprintf("%s/prices?%s", p.baseURL, q.Encode())

	logrus.Debugf("Fetching Paraswap price route from %s", endpoint)

	var resp paraswapPricesResponse
	if err := getJSON(ctx, p.client, endpoint, nil, &resp); err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, err)
	}
	if resp.Error != "" || len(resp.PriceRoute) == 0 {
		return model.Quote{}, classify(ctx, ParaswapID, fmt.Errorf("no price route: %s", resp.Error))
	}

	var route paraswapPriceRoute
	if err := json.Unmarshal(resp.PriceRoute, &route); err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, fmt.Errorf("error decoding price route: %w", err))
	}
	amountOut, err := parseAmount(route.DestAmount)
	if err != nil {
		return model.Quote{}, classify(ctx, ParaswapID, fmt.Errorf("destAmount: %w", err))
	}

	gas := p.gas
	if g, err := strconv.ParseUint(route.GasCost, 10, 64); err == nil && g > 0 {
		gas = g
	}

	return model.Quote{
		Venue:       ParaswapID,
		AmountIn:    new(big.Int).Set(amount),
		AmountOut:   amountOut,
		GasEstimate: gas,
		Path:        []common.Address{tokenIn, tokenOut},
		PriceImpact: usdImpact(route.SrcUSD, route.DestUSD),
		Meta: map[string]string{
			metaPriceRoute: string(resp.PriceRoute),
			"srcDecimals":  strconv.Itoa(int(srcDecimals)),
			"destDecimals": strconv.Itoa(int(destDecimals)),
		},
	}, nil
}

// tokenDecimals reads ERC20 decimals once per token
func (p *Paraswap) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	p.mu.RLock()
	d, ok := p.decimals[token]
	p.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := chain.TokenDecimals(ctx, p.caller, token)
	if err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", token.Hex(), err)
	}

	p.mu.Lock()
	p.decimals[token] = d
	p.mu.Unlock()
	return d, nil
}

type paraswapTxRequest struct {
	SrcToken     string          `json:"srcToken"`
	DestToken    string          `json:"destToken"`
	SrcAmount    string          `json:"srcAmount"`
	DestAmount   string          `json:"destAmount"`
	SrcDecimals  string          `json:"srcDecimals,omitempty"`
	DestDecimals string          `json:"destDecimals,omitempty"`
	PriceRoute   json.RawMessage `json:"priceRoute"`
	UserAddress  string          `json:"userAddress"`
	Receiver     string          `json:"receiver,omitempty"`
	Deadline     int64           `json:"deadline,omitempty"`
}

type paraswapTxResponse struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   string `json:"gas"`
}

// BuildSwap posts the stored price route to /transactions with the minimum output as
// destAmount.
func (p *Paraswap) BuildSwap(ctx context.Context, req SwapRequest) (model.UnsignedTx, error) {
	q := req.Quote
	route, ok := q.Meta[metaPriceRoute]
	if !ok || len(q.Path) < 2 {
		return model.UnsignedTx{}, fmt.Errorf("%w: paraswap quote has no price route", model.ErrInvalidInput)
	}
	if req.MinAmountOut == nil {
		return model.UnsignedTx{}, fmt.Errorf("%w: paraswap swap needs a minimum output", model.ErrInvalidInput)
	}
	if err := wait(ctx, p.limiter); err != nil {
		return model.UnsignedTx{}, err
	}

	body := paraswapTxRequest{
		SrcToken:     q.Path[0].Hex(),
		DestToken:    q.Path[len(q.Path)-1].Hex(),
		SrcAmount:    q.AmountIn.String(),
		DestAmount:   req.MinAmountOut.String(),
		SrcDecimals:  q.Meta["srcDecimals"],
		DestDecimals: q.Meta["destDecimals"],
		PriceRoute:   json.RawMessage(route),
		UserAddress:  req.Sender.Hex(),
		Receiver:     req.Recipient.Hex(),
	}
	if !req.Deadline.IsZero() {
		body.Deadline = req.Deadline.Unix()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("error encoding request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/transactions/%d?ignoreChecks=true", p.baseURL, p.chainID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("error creating request: %w", err)
	}

	var resp paraswapTxResponse
	if err := doJSON(p.client, httpReq, map[string]string{"Content-Type": "application/json"}, &resp); err != nil {
		return model.UnsignedTx{}, classify(ctx, ParaswapID, err)
	}

	var gas uint64
	if resp.Gas != "" {
		gas, _ = strconv.ParseUint(resp.Gas, 10, 64)
	}
	return txFromAPI(ParaswapID, resp.To, resp.Data, resp.Value, gas, q.GasEstimate)
}
