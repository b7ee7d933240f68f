package bridge

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

var (
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

type fakeProtocol struct {
	name    model.BridgeProtocol
	fee     int64
	eta     uint64
	err     error
	delay   time.Duration
	claim   bool
	spender common.Address
}

func (f *fakeProtocol) Name() model.BridgeProtocol { return f.name }

func (f *fakeProtocol) Quote(ctx context.Context, params model.BridgeParams) (model.BridgeQuote, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return model.BridgeQuote{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return model.BridgeQuote{}, f.err
	}
	return model.BridgeQuote{
		Protocol:      f.name,
		Fee:           big.NewInt(f.fee),
		EstimatedTime: f.eta,
		MinAmountOut:  new(big.Int).Sub(params.Amount, big.NewInt(f.fee)),
	}, nil
}

func (f *fakeProtocol) BuildTransfer(_ context.Context, params model.BridgeParams, _ model.BridgeQuote) (model.UnsignedTx, error) {
	return model.UnsignedTx{To: f.spender, Data: []byte(f.name), Value: nativeValue(params)}, nil
}

func (f *fakeProtocol) Spender(model.BridgeParams) (common.Address, error) { return f.spender, nil }

func (f *fakeProtocol) NeedsClaim(model.BridgeParams) bool { return f.claim }

// fakeClient answers calls by method selector, falling back to result, and records
// submissions
type fakeClient struct {
	mu        sync.Mutex
	result    []byte
	methods   map[string][]byte
	callErr   error
	calls     [][]byte
	submitted []model.UnsignedTx
	revert    bool
}

func (f *fakeClient) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	if len(data) >= 4 {
		if out, ok := f.methods[string(data[:4])]; ok {
			return out, nil
		}
	}
	return f.result, f.callErr
}

// answer registers the packed outputs of contract.method
func (f *fakeClient) answer(t *testing.T, contract abi.ABI, method string, outputs ...interface{}) *fakeClient {
	out, err := contract.Methods[method].Outputs.Pack(outputs...)
	require.NoError(t, err)
	if f.methods == nil {
		f.methods = make(map[string][]byte)
	}
	f.methods[string(contract.Methods[method].ID)] = out
	return f
}

// fixedPricer prices the native token and USDC
type fixedPricer struct {
	native decimal.Decimal
	token  decimal.Decimal
	err    error
}

func (p fixedPricer) Price(_ context.Context, _ types.SupportedChain, token common.Address) (decimal.Decimal, error) {
	if p.err != nil {
		return decimal.Zero, p.err
	}
	if token == (common.Address{}) {
		return p.native, nil
	}
	return p.token, nil
}

// ethAndUSDC prices ETH at 3000 and USDC at 1
var ethAndUSDC = fixedPricer{native: decimal.NewFromInt(3000), token: decimal.NewFromInt(1)}

func (f *fakeClient) Submit(_ context.Context, tx model.UnsignedTx) (chain.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	return chain.Handle{Hash: common.BigToHash(big.NewInt(int64(len(f.submitted))))}, nil
}

func (f *fakeClient) Wait(_ context.Context, h chain.Handle) (chain.Receipt, error) {
	status := chain.StatusSuccess
	if f.revert {
		status = chain.StatusFailed
	}
	return chain.Receipt{Hash: h.Hash, Status: status}, nil
}

func allowanceClient(t *testing.T, allowance int64) *fakeClient {
	out, err := chain.ERC20ABI.Methods["allowance"].Outputs.Pack(big.NewInt(allowance))
	require.NoError(t, err)
	return &fakeClient{result: out}
}

func transfer(amount int64) model.BridgeParams {
	return model.BridgeParams{
		SourceChain: types.ChainArbitrum,
		TargetChain: types.ChainEthereum,
		Token:       usdc,
		Amount:      big.NewInt(amount),
		Recipient:   recipient,
		Sender:      owner,
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		fee     int64
		eta     uint64
		want    float64
		wantErr bool
	}{
		{"layerzero example", 10, 1800, 0.7/10 + 0.3/1800, false},
		{"hop example", 5, 600, 0.7/5 + 0.3/600, false},
		{"zero fee", 0, 600, 0, true},
		{"zero time", 5, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := Score(model.BridgeQuote{Fee: big.NewInt(tt.fee), EstimatedTime: tt.eta})
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidBridgeQuoteInputs)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, score, 1e-12)
		})
	}

	lz, _ := Score(model.BridgeQuote{Fee: big.NewInt(10), EstimatedTime: 1800})
	assert.InDelta(t, 0.07017, lz, 1e-5)
	hop, _ := Score(model.BridgeQuote{Fee: big.NewInt(5), EstimatedTime: 600})
	assert.InDelta(t, 0.14050, hop, 1e-5)
}

func TestFindBestBridgeRoute_PicksHighestScore(t *testing.T) {
	client := allowanceClient(t, 0)
	r := NewRouter(chain.Set{types.ChainArbitrum: client},
		&fakeProtocol{name: model.ProtocolLayerZero, fee: 10, eta: 1800},
		&fakeProtocol{name: model.ProtocolHop, fee: 5, eta: 600, claim: true, spender: common.HexToAddress("0x40")},
	)

	route, err := r.FindBestBridgeRoute(context.Background(), transfer(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolHop, route.Quote.Protocol)
	assert.InDelta(t, 0.1405, route.Score, 1e-4)

	require.Len(t, route.Steps, 3)
	assert.Equal(t, model.StepApprove, route.Steps[0].Kind)
	assert.Equal(t, usdc, route.Steps[0].Tx.To)
	assert.Equal(t, model.StepBridge, route.Steps[1].Kind)
	assert.Equal(t, common.HexToAddress("0x40"), route.Steps[1].Tx.To)
	assert.Equal(t, types.ChainArbitrum, route.Steps[1].Tx.Chain)
	assert.Equal(t, model.StepClaim, route.Steps[2].Kind)
	assert.Equal(t, types.ChainEthereum, route.Steps[2].Chain)
	assert.Nil(t, route.Steps[2].Tx)
}

func TestFindBestBridgeRoute_ExcludesInvalidAndFailing(t *testing.T) {
	r := NewRouter(chain.Set{types.ChainArbitrum: allowanceClient(t, 1_000_000)},
		&fakeProtocol{name: model.ProtocolLayerZero, fee: 10, eta: 1800},
		&fakeProtocol{name: model.ProtocolHop, fee: 0, eta: 600},
		&fakeProtocol{name: model.ProtocolAcross, err: errors.New("api down")},
	).WithTimeout(50 * time.Millisecond)

	route, err := r.FindBestBridgeRoute(context.Background(), transfer(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolLayerZero, route.Quote.Protocol, "Zero fee hop quote is rejected, not ranked first")
	require.Len(t, route.Steps, 1, "Sufficient allowance skips approve")
	assert.Equal(t, model.StepBridge, route.Steps[0].Kind)
}

func TestFindBestBridgeRoute_Errors(t *testing.T) {
	r := NewRouter(chain.Set{},
		&fakeProtocol{name: model.ProtocolHop, fee: 0, eta: 600},
		&fakeProtocol{name: model.ProtocolAcross, delay: time.Second, fee: 1, eta: 1},
	).WithTimeout(20 * time.Millisecond)

	_, err := r.FindBestBridgeRoute(context.Background(), transfer(1000))
	assert.ErrorIs(t, err, model.ErrNoRouteAvailable)

	params := transfer(1000)
	params.Protocols = []model.BridgeProtocol{"wormhole"}
	_, err = r.FindBestBridgeRoute(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrUnsupportedProtocol)

	_, err = r.FindBestBridgeRoute(context.Background(), transfer(0))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestFindBestBridgeRoute_AllowList(t *testing.T) {
	r := NewRouter(chain.Set{},
		&fakeProtocol{name: model.ProtocolLayerZero, fee: 10, eta: 1800},
		&fakeProtocol{name: model.ProtocolHop, fee: 5, eta: 600},
	)
	params := transfer(1000)
	params.Token = common.Address{}
	params.Protocols = []model.BridgeProtocol{model.ProtocolLayerZero}

	route, err := r.FindBestBridgeRoute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolLayerZero, route.Quote.Protocol)
	require.Len(t, route.Steps, 1, "Native transfers never approve")
	assert.Equal(t, int64(1000), route.Steps[0].Tx.Value.Int64())
}

func TestGetBridgeQuote(t *testing.T) {
	r := NewRouter(chain.Set{},
		&fakeProtocol{name: model.ProtocolHop, fee: 5, eta: 600},
		&fakeProtocol{name: model.ProtocolAcross, fee: 0, eta: 900},
	)

	params := transfer(1000)
	params.Protocol = model.ProtocolHop
	q, err := r.GetBridgeQuote(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Fee.Int64())

	params.Protocol = model.ProtocolAcross
	_, err = r.GetBridgeQuote(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrInvalidBridgeQuoteInputs)

	params.Protocol = model.ProtocolLayerZero
	_, err = r.GetBridgeQuote(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrUnsupportedProtocol)
}

func TestBridge(t *testing.T) {
	client := allowanceClient(t, 0)
	r := NewRouter(chain.Set{types.ChainArbitrum: client},
		&fakeProtocol{name: model.ProtocolHop, fee: 5, eta: 600, spender: common.HexToAddress("0x40")},
	)

	params := transfer(1000)
	params.Protocol = model.ProtocolHop
	tx, err := r.Bridge(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, model.BridgePending, tx.Status)
	assert.Equal(t, model.ProtocolHop, tx.Protocol)
	assert.NotEmpty(t, tx.ID)
	require.Len(t, client.submitted, 2)
	assert.Equal(t, usdc, client.submitted[0].To, "Approve goes first")
	assert.Equal(t, common.BigToHash(big.NewInt(2)), tx.Hash)

	receipt, err := chain.AwaitBridge(context.Background(), client, tx)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, model.BridgeCompleted, tx.Status)
}

func TestBridge_FailedApprove(t *testing.T) {
	client := allowanceClient(t, 0)
	client.revert = true
	r := NewRouter(chain.Set{types.ChainArbitrum: client},
		&fakeProtocol{name: model.ProtocolHop, fee: 5, eta: 600},
	)

	params := transfer(1000)
	params.Protocol = model.ProtocolHop
	_, err := r.Bridge(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrTransactionFailed)
	assert.ErrorIs(t, err, chain.ErrReverted)
	assert.Len(t, client.submitted, 1, "Bridge call is never sent after a failed approve")
}

func TestLayerZero_Quote(t *testing.T) {
	client := (&fakeClient{}).
		answer(t, chain.LayerZeroABI, "estimateFees", big.NewInt(1e15), big.NewInt(0)).
		answer(t, chain.ERC20ABI, "decimals", uint8(6))
	lz := NewLayerZero(chain.Set{types.ChainArbitrum: client}, config.DefaultRegistry()).WithPricer(ethAndUSDC)

	q, err := lz.Quote(context.Background(), transfer(1000))
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolLayerZero, q.Protocol)
	assert.Equal(t, int64(3_000_000), q.Fee.Int64(), "0.001 ETH at 3000 USD is 3 USDC")
	assert.Equal(t, int64(1e15), q.NativeFee.Int64())
	assert.Equal(t, uint64(1800), q.EstimatedTime)
	assert.Equal(t, int64(1000), q.MinAmountOut.Int64())

	args, err := chain.LayerZeroABI.Methods["estimateFees"].Inputs.Unpack(client.calls[0][4:])
	require.NoError(t, err)
	assert.Equal(t, uint16(101), args[0], "Destination endpoint id of ethereum")

	tx, err := lz.BuildTransfer(context.Background(), transfer(1000), q)
	require.NoError(t, err)
	assert.Equal(t, int64(1e15), tx.Value.Int64(), "Token transfers only carry the native messaging fee")

	native := transfer(1000)
	native.Token = common.Address{}
	q, err = NewLayerZero(chain.Set{types.ChainArbitrum: client}, config.DefaultRegistry()).Quote(context.Background(), native)
	require.NoError(t, err)
	assert.Equal(t, int64(1e15), q.Fee.Int64(), "Native transfers need no conversion")

	tx, err = lz.BuildTransfer(context.Background(), native, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1e15+1000), tx.Value.Int64())
}

func TestLayerZero_FeeConversionFailures(t *testing.T) {
	client := (&fakeClient{}).
		answer(t, chain.LayerZeroABI, "estimateFees", big.NewInt(1e15), big.NewInt(0)).
		answer(t, chain.ERC20ABI, "decimals", uint8(6))
	clients := chain.Set{types.ChainArbitrum: client}

	tests := []struct {
		name string
		lz   *LayerZero
	}{
		{"no pricer", NewLayerZero(clients, config.DefaultRegistry())},
		{"price unavailable", NewLayerZero(clients, config.DefaultRegistry()).WithPricer(fixedPricer{err: errors.New("feed stale")})},
		{"zero token price", NewLayerZero(clients, config.DefaultRegistry()).WithPricer(fixedPricer{native: decimal.NewFromInt(3000)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.lz.Quote(context.Background(), transfer(1000))
			assert.ErrorIs(t, err, model.ErrInvalidBridgeQuoteInputs)
		})
	}
}

func TestFindBestBridgeRoute_ComparesConvertedFees(t *testing.T) {
	// 1 gwei at 3000 USD is 3 USDC units against hop's 50
	client := (&fakeClient{}).
		answer(t, chain.LayerZeroABI, "estimateFees", big.NewInt(1e9), big.NewInt(0)).
		answer(t, chain.ERC20ABI, "decimals", uint8(6)).
		answer(t, chain.ERC20ABI, "allowance", big.NewInt(0)).
		answer(t, chain.HopABI, "calculateFee", big.NewInt(50))
	clients := chain.Set{types.ChainArbitrum: client}
	reg := config.DefaultRegistry()

	r := NewRouter(clients,
		NewLayerZero(clients, reg).WithPricer(ethAndUSDC),
		NewHop(clients, reg),
	)

	route, err := r.FindBestBridgeRoute(context.Background(), transfer(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolLayerZero, route.Quote.Protocol)
	assert.Equal(t, int64(3), route.Quote.Fee.Int64())
	assert.InDelta(t, 0.7/3+0.3/1800, route.Score, 1e-9)

	require.Len(t, route.Steps, 2)
	assert.Equal(t, model.StepApprove, route.Steps[0].Kind)
	assert.Equal(t, int64(1e9), route.Steps[1].Tx.Value.Int64(), "Bridge call pays the native fee")
}

func TestLayerZero_Errors(t *testing.T) {
	lz := NewLayerZero(chain.Set{}, config.DefaultRegistry())

	params := transfer(1000)
	params.TargetChain = types.ChainBase
	_, err := lz.Quote(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrUnsupportedChain)

	params = transfer(1000)
	params.SourceChain = types.ChainPolygon
	_, err = lz.Quote(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrBridgeContractNotConfigured)

	_, err = lz.Quote(context.Background(), transfer(1000))
	assert.ErrorIs(t, err, model.ErrUnsupportedChain, "No client for the source chain")
}

func TestHop(t *testing.T) {
	fee, err := chain.HopABI.Methods["calculateFee"].Outputs.Pack(big.NewInt(30))
	require.NoError(t, err)
	hop := NewHop(chain.Set{types.ChainArbitrum: &fakeClient{result: fee}}, config.DefaultRegistry())

	q, err := hop.Quote(context.Background(), transfer(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(30), q.Fee.Int64())
	assert.Equal(t, int64(970), q.MinAmountOut.Int64())
	assert.Equal(t, uint64(600), q.EstimatedTime)

	assert.True(t, hop.NeedsClaim(transfer(1000)), "L2 to L1 exits are claimed")
	toL2 := transfer(1000)
	toL2.SourceChain, toL2.TargetChain = types.ChainEthereum, types.ChainArbitrum
	assert.False(t, hop.NeedsClaim(toL2))

	_, err = hop.Quote(context.Background(), transfer(30))
	assert.ErrorIs(t, err, model.ErrInvalidBridgeQuoteInputs)
}

func TestAcross(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/suggested-fees", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalRelayFee":{"pct":"1000000000000000","total":"12"},"timestamp":"1700000000","estimatedFillTimeSec":45,"exclusiveRelayer":"0x0000000000000000000000000000000000000000","exclusivityDeadline":0,"fillDeadline":"1700021600"}`))
	}))
	defer srv.Close()

	reg := config.DefaultRegistry()
	reg.Across = config.VenueSettings{BaseURL: srv.URL, Timeout: time.Second}
	across := NewAcross(reg)

	q, err := across.Quote(context.Background(), transfer(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(12), q.Fee.Int64())
	assert.Equal(t, uint64(45), q.EstimatedTime)
	assert.Equal(t, int64(988), q.MinAmountOut.Int64())
	assert.Contains(t, gotQuery, "originChainId=42161")
	assert.Contains(t, gotQuery, "destinationChainId=1")

	tx, err := across.BuildTransfer(context.Background(), transfer(1000), q)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xe35e9842fceaCA96570B734083f4a58e8F7C5f2A"), tx.To)

	args, err := chain.AcrossSpokePoolABI.Methods["depositV3"].Inputs.Unpack(tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, owner, args[0])
	assert.Equal(t, recipient, args[1])
	assert.Equal(t, int64(988), args[5].(*big.Int).Int64())
	assert.Equal(t, uint32(1700021600), args[9])
}

func TestAcross_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Unsupported token"}`))
	}))
	defer srv.Close()

	reg := config.DefaultRegistry()
	reg.Across = config.VenueSettings{BaseURL: srv.URL}
	across := NewAcross(reg)

	_, err := across.Quote(context.Background(), transfer(1000))
	assert.ErrorIs(t, err, model.ErrVenueUnavailable)

	params := transfer(1000)
	params.TargetChain = types.ChainBSC
	_, err = across.Quote(context.Background(), params)
	assert.ErrorIs(t, err, model.ErrUnsupportedChain)
}
