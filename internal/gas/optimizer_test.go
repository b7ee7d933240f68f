package gas

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/model"
)

type fakeFeed struct {
	baseFee    *big.Int
	baseErr    error
	rewards    [][]*big.Int
	historyErr error
	used       uint64
	limit      uint64
	utilErr    error
	gasLimit   uint64
	gasErr     error

	mu          sync.Mutex
	historyHits int
}

func (f *fakeFeed) BaseFee(context.Context) (*big.Int, error) { return f.baseFee, f.baseErr }

func (f *fakeFeed) PriorityFeeHistory(context.Context, uint64, []float64) ([][]*big.Int, error) {
	f.mu.Lock()
	f.historyHits++
	f.mu.Unlock()
	return f.rewards, f.historyErr
}

func (f *fakeFeed) BlockUtilization(context.Context) (uint64, uint64, error) {
	return f.used, f.limit, f.utilErr
}

func (f *fakeFeed) EstimateGasLimit(context.Context, model.UnsignedTx) (uint64, error) {
	return f.gasLimit, f.gasErr
}

func gwei(v float64) *big.Int { return model.Gwei(v) }

const oneGwei = 1_000_000_000

// rewards builds fee history rows whose middle percentile is the given wei value
func rewards(medians ...int64) [][]*big.Int {
	out := make([][]*big.Int, len(medians))
	for i, m := range medians {
		out[i] = []*big.Int{big.NewInt(m / 2), big.NewInt(m), big.NewInt(m * 2)}
	}
	return out
}

func TestEstimateGas(t *testing.T) {
	tests := []struct {
		name         string
		feed         *fakeFeed
		tx           model.UnsignedTx
		wantPriority *big.Int
		wantMaxFee   *big.Int
		wantGas      uint64
	}{
		{
			name:         "median sample under the cap",
			feed:         &fakeFeed{baseFee: gwei(10), rewards: rewards(oneGwei, 1_500_000_000, 500_000_000, 1_200_000_000), gasLimit: 21000},
			wantPriority: big.NewInt(1_200_000_000),
			wantMaxFee:   big.NewInt(11_200_000_000),
			wantGas:      21000,
		},
		{
			name:         "priority clamped to strategy cap",
			feed:         &fakeFeed{baseFee: gwei(10), rewards: rewards(5*oneGwei, 6*oneGwei, 7*oneGwei, 8*oneGwei), gasLimit: 21000},
			wantPriority: gwei(2),
			wantMaxFee:   gwei(12),
			wantGas:      21000,
		},
		{
			name:         "max fee capped by strategy",
			feed:         &fakeFeed{baseFee: gwei(100), rewards: rewards(oneGwei, oneGwei, oneGwei, oneGwei), gasLimit: 21000},
			wantPriority: gwei(1),
			wantMaxFee:   gwei(40),
			wantGas:      21000,
		},
		{
			name:         "sampling failures fall back to static caps",
			feed:         &fakeFeed{baseErr: errors.New("rpc down"), historyErr: errors.New("rpc down")},
			tx:           model.UnsignedTx{Gas: 50000},
			wantPriority: gwei(2),
			wantMaxFee:   gwei(40),
			wantGas:      50000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := NewOptimizer(tt.feed).EstimateGas(context.Background(), tt.tx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPriority.String(), est.MaxPriorityFeePerGas.String())
			assert.Equal(t, tt.wantMaxFee.String(), est.MaxFeePerGas.String())
			assert.Equal(t, tt.wantGas, est.EstimatedGas)

			cost := new(big.Int).Mul(tt.wantMaxFee, new(big.Int).SetUint64(tt.wantGas))
			assert.Equal(t, cost.String(), est.EstimatedCost.String())
		})
	}
}

func TestEstimateGas_LimitFailure(t *testing.T) {
	feed := &fakeFeed{baseFee: gwei(10), rewards: rewards(oneGwei), gasErr: errors.New("execution reverted")}
	_, err := NewOptimizer(feed).EstimateGas(context.Background(), model.UnsignedTx{})
	assert.Error(t, err)
}

func TestClassifyUtilization(t *testing.T) {
	tests := []struct {
		used, limit uint64
		want        Congestion
	}{
		{90, 100, CongestionHigh},
		{81, 100, CongestionHigh},
		{80, 100, CongestionMedium},
		{51, 100, CongestionMedium},
		{50, 100, CongestionLow},
		{0, 100, CongestionLow},
		{0, 0, CongestionMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyUtilization(tt.used, tt.limit), "%d/%d", tt.used, tt.limit)
	}
}

func TestOptimizeGasPrice(t *testing.T) {
	tests := []struct {
		name string
		feed *fakeFeed
		want int64
	}{
		{"high", &fakeFeed{used: 95, limit: 100}, 1200},
		{"medium", &fakeFeed{used: 60, limit: 100}, 1100},
		{"low", &fakeFeed{used: 10, limit: 100}, 1000},
		{"sampling failure is medium", &fakeFeed{utilErr: errors.New("down")}, 1100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewOptimizer(tt.feed).OptimizeGasPrice(context.Background(), big.NewInt(1000))
			assert.Equal(t, tt.want, got.Int64())
		})
	}

	// 1.1 * 999 = 1098.9
	got := NewOptimizer(&fakeFeed{used: 60, limit: 100}).OptimizeGasPrice(context.Background(), big.NewInt(999))
	assert.Equal(t, int64(1098), got.Int64())
}

func TestSetStrategy(t *testing.T) {
	o := NewOptimizer(&fakeFeed{})
	assert.Equal(t, model.GasTierModerate, o.Strategy().Tier)

	require.NoError(t, o.SetTier(model.GasTierAggressive))
	s := o.Strategy()
	assert.Equal(t, model.GasTierAggressive, s.Tier)
	assert.True(t, s.Flashbots)

	s.MaxFeePerGas.SetInt64(1)
	assert.Equal(t, gwei(50).String(), o.Strategy().MaxFeePerGas.String(), "Strategy returns a copy")

	err := o.SetStrategy(model.GasStrategy{Tier: model.GasTierSafe, MaxPriorityFee: gwei(5), MaxFeePerGas: gwei(1)})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Equal(t, model.GasTierAggressive, o.Strategy().Tier, "Rejected strategies leave the current one in place")

	assert.ErrorIs(t, o.SetTier("turbo"), model.ErrInvalidInput)
}

func TestSetStrategy_ConcurrentReaders(t *testing.T) {
	o := NewOptimizer(&fakeFeed{baseFee: gwei(10), rewards: rewards(oneGwei), gasLimit: 21000})
	tiers := []model.GasTier{model.GasTierSafe, model.GasTierModerate, model.GasTierAggressive}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = o.SetTier(tiers[i%len(tiers)])
		}(i)
		go func() {
			defer wg.Done()
			s := o.Strategy()
			preset, ok := model.GasStrategyPreset(s.Tier)
			assert.True(t, ok)
			assert.Equal(t, preset.MaxFeePerGas.String(), s.MaxFeePerGas.String(), "Strategy is never torn")
		}()
	}
	wg.Wait()
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]*big.Int
}

func (m *memoryCache) Get(_ context.Context, key string) (*big.Int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memoryCache) Set(_ context.Context, key string, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

func TestEstimateGas_UsesCache(t *testing.T) {
	feed := &fakeFeed{baseFee: gwei(10), rewards: rewards(oneGwei), gasLimit: 21000}
	cache := &memoryCache{values: map[string]*big.Int{}}
	o := NewOptimizer(feed).WithCache(cache, "ethereum")

	for i := 0; i < 3; i++ {
		_, err := o.EstimateGas(context.Background(), model.UnsignedTx{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, feed.historyHits)
	assert.Equal(t, gwei(1).String(), cache.values["gas:ethereum:priority"].String())
	assert.Equal(t, gwei(10).String(), cache.values["gas:ethereum:basefee"].String())
}

func TestRedisCache_UnreachableIsAMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cache := NewRedisCache(client, time.Second)
	ctx := context.Background()
	cache.Set(ctx, "gas:test:priority", big.NewInt(5))
	_, ok := cache.Get(ctx, "gas:test:priority")
	assert.False(t, ok)

	o := NewOptimizer(&fakeFeed{baseFee: gwei(10), rewards: rewards(oneGwei), gasLimit: 21000}).WithCache(cache, "test")
	est, err := o.EstimateGas(ctx, model.UnsignedTx{})
	require.NoError(t, err)
	assert.Equal(t, gwei(11).String(), est.MaxFeePerGas.String())
}
