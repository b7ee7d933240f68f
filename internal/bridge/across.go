package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

const (
	acrossDefaultTime = 900
	acrossGas         = 400000
	// fill deadline used when the API does not return one
	acrossFillWindow = 6 * time.Hour
)

// Across quotes relayer fees through the suggested-fees API and deposits into the source
// chain spoke pool.
type Across struct {
	baseURL string
	client  *http.Client
	reg     *config.Registry
}

// NewAcross creates the Across protocol from the registry's API settings
func NewAcross(reg *config.Registry) *Across {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 2
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = time.Second
	retry.Logger = nil

	client := retry.StandardClient()
	base := "https://app.across.to/api"
	if reg != nil {
		if reg.Across.BaseURL != "" {
			base = reg.Across.BaseURL
		}
		client.Timeout = reg.Across.Timeout
	}
	return &Across{baseURL: strings.TrimRight(base, "/"), client: client, reg: reg}
}

func (a *Across) Name() model.BridgeProtocol { return model.ProtocolAcross }

func (a *Across) Spender(params model.BridgeParams) (common.Address, error) {
	return contractAddress(a.reg, params.SourceChain, model.ProtocolAcross, func(c config.ChainContracts) string {
		return c.AcrossSpokePool
	})
}

func (a *Across) NeedsClaim(model.BridgeParams) bool { return false }

type acrossFees struct {
	TotalRelayFee struct {
		Pct   string `json:"pct"`
		Total string `json:"total"`
	} `json:"totalRelayFee"`
	Timestamp            string `json:"timestamp"`
	EstimatedFillTimeSec uint64 `json:"estimatedFillTimeSec"`
	ExclusiveRelayer     string `json:"exclusiveRelayer"`
	ExclusivityDeadline  uint32 `json:"exclusivityDeadline"`
	FillDeadline         string `json:"fillDeadline"`
	IsAmountTooLow       bool   `json:"isAmountTooLow"`
}

// Quote calls GET /suggested-fees for the transfer
func (a *Across) Quote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error) {
	fees, err := a.suggestedFees(ctx, params)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	fee, ok := new(big.Int).SetString(fees.TotalRelayFee.Total, 10)
	if !ok || fee.Sign() < 0 {
		return model.BridgeQuote{}, fmt.Errorf("across returned invalid fee %q", fees.TotalRelayFee.Total)
	}
	if fee.Cmp(params.Amount) >= 0 {
		return model.BridgeQuote{}, fmt.Errorf("%w: across fee %s exceeds amount %s", model.ErrInvalidBridgeQuoteInputs, fee, params.Amount)
	}

	eta := fees.EstimatedFillTimeSec
	if eta == 0 {
		eta = acrossDefaultTime
	}
	return model.BridgeQuote{
		Protocol:      model.ProtocolAcross,
		Fee:           fee,
		EstimatedTime: eta,
		MinAmountOut:  new(big.Int).Sub(params.Amount, fee),
		GasEstimate:   acrossGas,
	}, nil
}

// BuildTransfer encodes depositV3 against fresh suggested fees. The output token is left as
// the zero address so the relayer fills with the target chain's equivalent token.
func (a *Across) BuildTransfer(ctx context.Context, params model.BridgeParams, q model.BridgeQuote) (model.UnsignedTx, error) {
	pool, err := a.Spender(params)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	target, err := acrossID(params.TargetChain)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	fees, err := a.suggestedFees(ctx, params)
	if err != nil {
		return model.UnsignedTx{}, err
	}

	quoteTime, err := strconv.ParseUint(fees.Timestamp, 10, 32)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("across returned invalid timestamp %q", fees.Timestamp)
	}
	fillDeadline := uint32(quoteTime) + uint32(acrossFillWindow/time.Second)
	if fees.FillDeadline != "" {
		if v, err := strconv.ParseUint(fees.FillDeadline, 10, 32); err == nil {
			fillDeadline = uint32(v)
		}
	}
	relayer := common.Address{}
	if common.IsHexAddress(fees.ExclusiveRelayer) {
		relayer = common.HexToAddress(fees.ExclusiveRelayer)
	}

	inputToken, err := a.inputToken(params)
	if err != nil {
		return model.UnsignedTx{}, err
	}
	outputAmount := q.MinAmountOut
	if outputAmount == nil {
		outputAmount = new(big.Int).Set(params.Amount)
	}
	depositor := params.Sender
	if depositor == (common.Address{}) {
		depositor = params.Recipient
	}

	data, err := chain.AcrossSpokePoolABI.Pack("depositV3",
		depositor,
		params.Recipient,
		inputToken,
		common.Address{},
		params.Amount,
		outputAmount,
		new(big.Int).SetUint64(target),
		relayer,
		uint32(quoteTime),
		fillDeadline,
		fees.ExclusivityDeadline,
		[]byte{},
	)
	if err != nil {
		return model.UnsignedTx{}, fmt.Errorf("pack depositV3: %w", err)
	}
	return model.UnsignedTx{
		Chain:       params.SourceChain,
		To:          pool,
		Data:        data,
		Value:       nativeValue(params),
		Gas:         acrossGas,
		Description: "across depositV3",
	}, nil
}

func (a *Across) suggestedFees(ctx context.Context, params model.BridgeParams) (acrossFees, error) {
	origin, err := acrossID(params.SourceChain)
	if err != nil {
		return acrossFees{}, err
	}
	target, err := acrossID(params.TargetChain)
	if err != nil {
		return acrossFees{}, err
	}
	token, err := a.inputToken(params)
	if err != nil {
		return acrossFees{}, err
	}

	q := url.Values{}
	q.Set("inputToken", token.Hex())
	q.Set("originChainId", strconv.FormatUint(origin, 10))
	q.Set("destinationChainId", strconv.FormatUint(target, 10))
	q.Set("amount", params.Amount.String())
	if params.Recipient != (common.Address{}) {
		q.Set("recipient", params.Recipient.Hex())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/suggested-fees?"+q.Encode(), nil)
	if err != nil {
		return acrossFees{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return acrossFees{}, model.NewVenueError(string(model.ProtocolAcross), model.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return acrossFees{}, model.NewVenueError(string(model.ProtocolAcross), model.ErrVenueUnavailable,
			fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body)))
	}

	var fees acrossFees
	if err := json.NewDecoder(resp.Body).Decode(&fees); err != nil {
		return acrossFees{}, fmt.Errorf("error decoding response: %w", err)
	}
	if fees.IsAmountTooLow {
		return acrossFees{}, fmt.Errorf("%w: across amount %s below minimum", model.ErrInvalidBridgeQuoteInputs, params.Amount)
	}
	return fees, nil
}

// inputToken maps the native asset to the source chain's wrapped token, which spoke pools
// accept alongside msg.value.
func (a *Across) inputToken(params model.BridgeParams) (common.Address, error) {
	if !params.IsNative() {
		return params.Token, nil
	}
	if a.reg != nil {
		if c, ok := a.reg.Contracts(params.SourceChain); ok {
			if addr, ok := config.Address(c.WrappedNative); ok {
				return addr, nil
			}
		}
	}
	return common.Address{}, fmt.Errorf("%w: no wrapped native token for %s", model.ErrBridgeContractNotConfigured, params.SourceChain)
}

func acrossID(c types.SupportedChain) (uint64, error) {
	id, ok := c.AcrossID()
	if !ok {
		return 0, fmt.Errorf("%w: across does not serve %q", model.ErrUnsupportedChain, c)
	}
	return id, nil
}
