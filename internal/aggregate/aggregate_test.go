package aggregate

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/circuitbreaker"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/policy"
	"github.com/yourorg/venue-router/internal/validation"
	"github.com/yourorg/venue-router/internal/venue"
)

var (
	tokenIn  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenOut = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeAdapter struct {
	id      string
	out     int64
	gas     uint64
	impact  float64
	delay   time.Duration
	timeout time.Duration
	err     error
	calls   int32
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Timeout() time.Duration { return f.timeout }

func (f *fakeAdapter) Quote(ctx context.Context, in, out common.Address, amount *big.Int) (model.Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return model.Quote{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return model.Quote{}, f.err
	}
	return model.Quote{
		Venue:       f.id,
		AmountIn:    new(big.Int).Set(amount),
		AmountOut:   big.NewInt(f.out),
		GasEstimate: f.gas,
		Path:        []common.Address{in, out},
		PriceImpact: f.impact,
	}, nil
}

func intentFor(venues ...string) model.TradeIntent {
	return model.TradeIntent{
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Amount:      big.NewInt(1000),
		MaxSlippage: 0.005,
		Venues:      venues,
	}
}

func q(venue string, out int64, gas uint64) model.Quote {
	return model.Quote{Venue: venue, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(out), GasEstimate: gas}
}

func TestBest(t *testing.T) {
	tests := []struct {
		name   string
		quotes []model.Quote
		want   string
	}{
		{"highest output wins", []model.Quote{q("a", 100, 1), q("b", 102, 1), q("c", 101, 1)}, "b"},
		{"gas breaks output ties", []model.Quote{q("a", 100, 200), q("b", 100, 150)}, "b"},
		{"venue id breaks full ties", []model.Quote{q("paraswap", 100, 1), q("1inch", 100, 1), q("uniswap", 100, 1)}, "1inch"},
		{"output beats gas", []model.Quote{q("a", 101, 900000), q("b", 100, 1)}, "a"},
		{
			"output outweighs its extra gas",
			[]model.Quote{q("uniswap", 100, 180000), q("1inch", 102, 200000), q("paraswap", 101, 190000)},
			"1inch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best, err := Best(tt.quotes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, best.Venue)
		})
	}

	best, err := Best([]model.Quote{q("uniswap", 100, 180000), q("1inch", 102, 200000), q("paraswap", 101, 190000)})
	require.NoError(t, err)
	assert.Equal(t, int64(102), best.AmountOut.Int64())
	assert.Equal(t, uint64(200000), best.GasEstimate)

	_, err = Best(nil)
	assert.ErrorIs(t, err, model.ErrNoRouteAvailable)
}

func sign(x int) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	}
	return 0
}

func TestCompare_TotalOrder(t *testing.T) {
	venues := []string{"uniswap", "1inch", "paraswap", "curve"}
	rng := rand.New(rand.NewSource(7))
	// narrow ranges so output and gas ties are common
	random := func() model.Quote {
		return q(venues[rng.Intn(len(venues))], 100+rng.Int63n(3), uint64(180000+10000*rng.Intn(3)))
	}

	for i := 0; i < 2000; i++ {
		a, b, c := random(), random(), random()

		assert.Equal(t, -sign(Compare(b, a)), sign(Compare(a, b)), "antisymmetry for %+v %+v", a, b)
		assert.Zero(t, Compare(a, a))

		if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
			assert.LessOrEqual(t, Compare(a, c), 0, "transitivity for %+v %+v %+v", a, b, c)
		}
		if Compare(a, b) == 0 {
			assert.Equal(t, sign(Compare(a, c)), sign(Compare(b, c)), "equal quotes rank alike")
		}
	}
}

func TestBest_IndependentOfOrder(t *testing.T) {
	quotes := []model.Quote{
		q("uniswap", 500, 180000), q("1inch", 500, 180000), q("paraswap", 499, 100),
		q("curve", 500, 170000), q("balancer", 200, 1), q("sushi", 500, 170000),
	}
	want, err := Best(quotes)
	require.NoError(t, err)
	assert.Equal(t, "curve", want.Venue)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]model.Quote(nil), quotes...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := Best(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want.Venue, got.Venue)
		assert.Equal(t, want.Venue, Rank(shuffled)[0].Venue)
	}
}

func TestRank(t *testing.T) {
	quotes := []model.Quote{q("a", 100, 1), q("b", 102, 1), q("c", 101, 1)}
	ranked := Rank(quotes)

	venues := []string{ranked[0].Venue, ranked[1].Venue, ranked[2].Venue}
	assert.Equal(t, []string{"b", "c", "a"}, venues)
	assert.Equal(t, "a", quotes[0].Venue, "Rank does not reorder its input")
}

func TestMinAmountOut(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		slippage float64
		want     string
	}{
		{"half percent floors", "102", 0.005, "101"},
		{"zero slippage", "1000", 0, "1000"},
		{"one percent of 1e18", "1000000000000000000", 0.01, "990000000000000000"},
		{"large amounts stay exact", "123456789012345678901234567890", 0.003, "123086418645308641864530864186"},
		{"zero expected", "0", 0.1, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected, _ := new(big.Int).SetString(tt.expected, 10)
			got, err := MinAmountOut(expected, tt.slippage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
			assert.True(t, got.Cmp(expected) <= 0)
		})
	}

	_, err := MinAmountOut(big.NewInt(1), 1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = MinAmountOut(big.NewInt(1), -0.1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = MinAmountOut(nil, 0.1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCollect_PartialFailure(t *testing.T) {
	adapters := []venue.Adapter{
		&fakeAdapter{id: "a", out: 100, gas: 1},
		&fakeAdapter{id: "b", err: errors.New("boom")},
		&fakeAdapter{id: "c", out: 120, delay: time.Second, timeout: 20 * time.Millisecond},
		&fakeAdapter{id: "d", out: 101, gas: 1},
	}
	agg := New(adapters, time.Second)

	start := time.Now()
	quotes, err := agg.Collect(context.Background(), intentFor("a", "b", "c", "d", "missing"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "A slow venue does not hold up collection")

	require.Len(t, quotes, 2)
	assert.Equal(t, "a", quotes[0].Venue)
	assert.Equal(t, "d", quotes[1].Venue)
}

func TestFanOut_Outcomes(t *testing.T) {
	agg := New([]venue.Adapter{
		&fakeAdapter{id: "ok", out: 1},
		&fakeAdapter{id: "slow", delay: time.Second, timeout: 10 * time.Millisecond},
		&fakeAdapter{id: "down", err: errors.New("502")},
	}, time.Second)

	outcomes := agg.FanOut(context.Background(), []string{"ok", "slow", "down"}, tokenIn, tokenOut, big.NewInt(10))
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[1].Err, model.ErrVenueTimeout)
	assert.ErrorIs(t, outcomes[2].Err, model.ErrVenueUnavailable)

	var venueErr *model.VenueError
	require.ErrorAs(t, outcomes[2].Err, &venueErr)
	assert.Equal(t, "down", venueErr.Venue)
}

func TestCollect_AllFail(t *testing.T) {
	agg := New([]venue.Adapter{
		&fakeAdapter{id: "a", err: errors.New("boom")},
		&fakeAdapter{id: "b", delay: time.Second, timeout: 10 * time.Millisecond},
	}, time.Second)

	_, err := agg.Collect(context.Background(), intentFor("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoRouteAvailable)
}

func TestCollect_ParentCancellation(t *testing.T) {
	slow := &fakeAdapter{id: "slow", out: 1, delay: time.Second}
	agg := New([]venue.Adapter{slow, &fakeAdapter{id: "fast", out: 2}}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	quotes, err := agg.Collect(ctx, intentFor("slow", "fast"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, quotes, "Results are discarded once the caller cancels")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCollect_BreakerSkipsFailingVenue(t *testing.T) {
	failing := &fakeAdapter{id: "flaky", err: errors.New("boom")}
	agg := New([]venue.Adapter{failing, &fakeAdapter{id: "ok", out: 5}}, time.Second).
		WithBreaker(circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 1}).WithResetDelay(time.Hour))

	for i := 0; i < 3; i++ {
		quotes, err := agg.Collect(context.Background(), intentFor("flaky", "ok"))
		require.NoError(t, err)
		require.Len(t, quotes, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls), "Open circuit stops calls to the venue")
}

type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	errors int
}

func (r *recorder) ObserveQuote(venue string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[venue]++
	if err != nil {
		r.errors++
	}
}

func TestCollect_RecordsCalls(t *testing.T) {
	rec := &recorder{calls: map[string]int{}}
	agg := New([]venue.Adapter{
		&fakeAdapter{id: "a", out: 1},
		&fakeAdapter{id: "b", err: errors.New("boom")},
	}, time.Second).WithRecorder(rec)

	_, err := agg.Collect(context.Background(), intentFor("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, rec.calls)
	assert.Equal(t, 1, rec.errors)
}

func TestCollect_ScreensQuotes(t *testing.T) {
	adapters := []venue.Adapter{
		&fakeAdapter{id: "zero", out: 0},
		&fakeAdapter{id: "impact", out: 110, impact: 0.2},
		&fakeAdapter{id: "blocked", out: 120},
		&fakeAdapter{id: "good", out: 100},
	}
	agg := New(adapters, time.Second).
		WithValidation(validation.ValidationOptions{MaxPriceImpact: 0.1}).
		WithPolicy(policy.NewEvaluator(), `venue != "blocked"`)

	quotes, err := agg.Collect(context.Background(), intentFor("zero", "impact", "blocked", "good"))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "good", quotes[0].Venue)

	_, err = agg.Collect(context.Background(), intentFor("zero", "blocked"))
	assert.ErrorIs(t, err, model.ErrNoRouteAvailable)
}

func TestAggregator_Introspection(t *testing.T) {
	agg := New([]venue.Adapter{
		&fakeAdapter{id: "b"},
		&fakeAdapter{id: "a", timeout: 8 * time.Second},
	}, 0)

	assert.Equal(t, []string{"a", "b"}, agg.Venues())
	assert.Equal(t, 8*time.Second, agg.MaxTimeout())

	_, ok := agg.Adapter("a")
	assert.True(t, ok)
	_, ok = agg.Adapter("z")
	assert.False(t, ok)
}
