package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// sequence returns its values in order and then repeats the last one
type sequence struct {
	mu     sync.Mutex
	values []string
	reads  int
	fail   map[int]bool
}

func (s *sequence) Read(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reads
	s.reads++
	if s.fail[i] {
		return decimal.Zero, errors.New("rpc unavailable")
	}
	if i >= len(s.values) {
		i = len(s.values) - 1
	}
	return decimal.RequireFromString(s.values[i]), nil
}

type collector struct {
	mu  sync.Mutex
	got []Observation
}

func (c *collector) observe(o Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, o)
}

func (c *collector) snapshot() []Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observation(nil), c.got...)
}

func TestSubscribe_NotifiesOnlyOnChange(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	src := &sequence{values: []string{"100", "100", "105", "105", "110"}, fail: map[int]bool{3: true}}
	var c collector
	_, err := reg.Subscribe("price:weth", src, 5*time.Millisecond, c.observe)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	got := c.snapshot()
	require.Len(t, got, 2, "repeated values never notify")
	assert.Equal(t, "price:weth", got[0].ResourceID)
	assert.True(t, got[0].Previous.Equal(decimal.NewFromInt(100)))
	assert.True(t, got[0].Value.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, "5", got[0].PercentChange().String())
	assert.True(t, got[1].Previous.Equal(decimal.NewFromInt(105)))
	assert.True(t, got[1].Value.Equal(decimal.NewFromInt(110)))
}

func TestSubscribe_OnePollerPerResource(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	first := &sequence{values: []string{"1", "2"}}
	second := &sequence{values: []string{"7", "8"}}
	var a, b collector

	subA, err := reg.Subscribe("hf:alice", first, 5*time.Millisecond, a.observe)
	require.NoError(t, err)
	_, err = reg.Subscribe("hf:alice", second, time.Millisecond, b.observe)
	require.NoError(t, err)
	assert.Equal(t, []string{"hf:alice"}, reg.Resources())

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, b.snapshot()[0].Value.Equal(decimal.NewFromInt(2)), "joined subscribers share the first source")

	second.mu.Lock()
	assert.Zero(t, second.reads)
	second.mu.Unlock()

	subA.Unsubscribe()
	subA.Unsubscribe()
	assert.Equal(t, []string{"hf:alice"}, reg.Resources(), "poller survives while observers remain")
}

func TestUnsubscribe_StopsPoller(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	src := &sequence{values: []string{"1"}}
	sub, err := reg.Subscribe("price:wbtc", src, 2*time.Millisecond, func(Observation) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.reads > 2
	}, time.Second, 2*time.Millisecond)

	sub.Unsubscribe()
	assert.Empty(t, reg.Resources())

	time.Sleep(10 * time.Millisecond)
	src.mu.Lock()
	stopped := src.reads
	src.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, stopped, src.reads)
}

func TestSubscribe_SkipsWhileInFlight(t *testing.T) {
	reg := NewRegistry()

	var calls atomic.Int32
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context) (decimal.Decimal, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return decimal.NewFromInt(1), nil
	})

	_, err := reg.Subscribe("slow", src, 2*time.Millisecond, func(Observation) {})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "ticks during a read are skipped")

	close(release)
	require.Eventually(t, func() bool { return calls.Load() > 1 }, time.Second, 2*time.Millisecond)
	reg.Close()
}

func TestSubscribe_Errors(t *testing.T) {
	reg := NewRegistry()
	src := &sequence{values: []string{"1"}}

	_, err := reg.Subscribe("", src, 0, func(Observation) {})
	assert.Error(t, err)
	_, err = reg.Subscribe("x", nil, 0, func(Observation) {})
	assert.Error(t, err)
	_, err = reg.Subscribe("x", src, 0, nil)
	assert.Error(t, err)

	reg.Close()
	_, err = reg.Subscribe("x", src, 0, func(Observation) {})
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeCaller struct {
	outputs map[string][]byte
	err     error
}

func (f *fakeCaller) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.outputs[string(data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func chainlinkCaller(t *testing.T, answer *big.Int) *fakeCaller {
	t.Helper()
	decimals, err := chain.ChainlinkABI.Methods["decimals"].Outputs.Pack(uint8(8))
	require.NoError(t, err)
	round, err := chain.ChainlinkABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(10), answer, big.NewInt(1700000000), big.NewInt(1700000000), big.NewInt(10))
	require.NoError(t, err)
	return &fakeCaller{outputs: map[string][]byte{
		string(chain.ChainlinkABI.Methods["decimals"].ID):        decimals,
		string(chain.ChainlinkABI.Methods["latestRoundData"].ID): round,
	}}
}

func TestPriceFeed_Read(t *testing.T) {
	feed := NewPriceFeed(chainlinkCaller(t, big.NewInt(350012345678)), common.HexToAddress("0xfeed"))
	price, err := feed.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3500.12345678", price.String())

	_, err = NewPriceFeed(chainlinkCaller(t, big.NewInt(-1)), common.HexToAddress("0xfeed")).Read(context.Background())
	assert.Error(t, err)

	_, err = NewPriceFeed(&fakeCaller{err: errors.New("dial tcp: refused")}, common.HexToAddress("0xfeed")).Read(context.Background())
	assert.Error(t, err)
}

func TestPriceFeedFor(t *testing.T) {
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	clients := chain.Set{types.ChainEthereum: nil}

	_, err := PriceFeedFor(config.DefaultRegistry(), clients, types.ChainEthereum, weth)
	assert.Error(t, err, "missing client")

	feed, err := PriceFeedFor(config.DefaultRegistry(), chain.Set{types.ChainEthereum: &stubClient{}}, types.ChainEthereum, weth)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"), feed.aggregator)

	_, err = PriceFeedFor(config.DefaultRegistry(), chain.Set{types.ChainEthereum: &stubClient{}}, types.ChainEthereum, common.HexToAddress("0x01"))
	assert.Error(t, err)
}

func TestPriceOracle(t *testing.T) {
	caller := chainlinkCaller(t, big.NewInt(300000000000))
	clients := chain.Set{types.ChainArbitrum: &stubClient{fakeCaller: *caller}}
	oracle := NewPriceOracle(config.DefaultRegistry(), clients)

	tests := []struct {
		name    string
		chain   types.SupportedChain
		token   common.Address
		want    string
		wantErr bool
	}{
		{"native resolves through wrapped token", types.ChainArbitrum, common.Address{}, "3000", false},
		{"registered token", types.ChainArbitrum, common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), "3000", false},
		{"token without feed", types.ChainArbitrum, common.HexToAddress("0x01"), "", true},
		{"chain without wrapped token", types.ChainPolygon, common.Address{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := oracle.Price(context.Background(), tt.chain, tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, price.String())
		})
	}
	assert.Len(t, oracle.feeds, 2, "Feeds are resolved once per token")
}

type stubClient struct{ fakeCaller }

func (stubClient) Submit(context.Context, model.UnsignedTx) (chain.Handle, error) {
	return chain.Handle{}, chain.ErrNoSigner
}

func (stubClient) Wait(context.Context, chain.Handle) (chain.Receipt, error) {
	return chain.Receipt{}, chain.ErrNoSigner
}

func TestAccountHealth(t *testing.T) {
	hf, ok := new(big.Int).SetString("1800000000000000000", 10)
	require.True(t, ok)
	zero := big.NewInt(0)
	out, err := chain.AavePoolABI.Methods["getUserAccountData"].Outputs.Pack(zero, zero, zero, zero, zero, hf)
	require.NoError(t, err)

	caller := &fakeCaller{outputs: map[string][]byte{
		string(chain.AavePoolABI.Methods["getUserAccountData"].ID): out,
	}}
	source := NewHealthFactor(caller, common.HexToAddress("0xb0b"), common.HexToAddress("0xa11ce"))
	got, err := source.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.8", got.String())
}
