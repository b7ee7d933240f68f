package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, types.ChainEthereum, cfg.HomeChain())
	assert.Equal(t, []string{"uniswap", "1inch", "paraswap"}, cfg.Venues)
	assert.Equal(t, 5*time.Second, cfg.VenueTimeout)
	assert.Equal(t, SplitAtomic, cfg.SplitExecution)
	assert.Equal(t, "50000000000", cfg.ReferenceGasPrice().String())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("VENUES", "uniswap,paraswap")
	t.Setenv("RPC_URLS", "ethereum=http://localhost:8545,arbitrum=http://localhost:8546")
	t.Setenv("VENUE_TIMEOUT", "750ms")
	t.Setenv("SPLIT_EXECUTION", "best_effort")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"uniswap", "paraswap"}, cfg.Venues)
	assert.Equal(t, "http://localhost:8546", cfg.RPCURLs["arbitrum"])
	assert.Equal(t, 750*time.Millisecond, cfg.VenueTimeout)
	assert.Equal(t, SplitBestEffort, cfg.SplitExecution)
}

func TestConfig_ExportEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"nothing configured", Config{}, false},
		{"webhook", Config{ExportWebhookURL: "http://hooks.local/decisions"}, true},
		{"stream without redis", Config{ExportStream: "decisions"}, false},
		{"stream with redis", Config{ExportStream: "decisions", RedisAddr: "localhost:6379"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ExportEnabled())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown chain", func(c *Config) { c.Chain = "solana" }},
		{"unknown rpc chain", func(c *Config) { c.RPCURLs = map[string]string{"tron": "http://x"} }},
		{"no venues", func(c *Config) { c.Venues = nil }},
		{"bad split arity", func(c *Config) { c.MaxSplits = 1 }},
		{"bad split mode", func(c *Config) { c.SplitExecution = "yolo" }},
		{"bad gas tier", func(c *Config) { c.GasStrategy = "turbo" }},
		{"zero timeout", func(c *Config) { c.VenueTimeout = 0 }},
		{"bad price impact", func(c *Config) { c.MaxPriceImpact = 2 }},
		{"empty export batch", func(c *Config) { c.ExportBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRegistry_Defaults(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	require.NoError(t, reg.Validate())

	eth, ok := reg.Contracts(types.ChainEthereum)
	require.True(t, ok)
	assert.Equal(t, "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6", eth.UniswapQuoter)
	assert.Equal(t, uint64(180000), reg.Venue("Uniswap").DefaultGas)

	_, ok = reg.Contracts(types.ChainFantom)
	assert.False(t, ok)
}

func TestLoadRegistry_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	content := `
chains:
  polygon:
    hop_bridge: "0x58c61AeE5eD3D748a1467085ED2650B697A66234"
  bsc:
    layerzero_bridge: "0x1111111111111111111111111111111111111111"
venues:
  uniswap:
    fee_tiers: [500, 3000]
    default_gas: 150000
    timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	polygon, ok := reg.Contracts(types.ChainPolygon)
	require.True(t, ok)
	assert.Equal(t, "0x58c61AeE5eD3D748a1467085ED2650B697A66234", polygon.HopBridge)

	bnb, ok := reg.Contracts(types.ChainBSC)
	require.True(t, ok)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", bnb.LayerZeroBridge)

	uni := reg.Venue("uniswap")
	assert.Equal(t, []uint32{500, 3000}, uni.FeeTiers)
	assert.Equal(t, 2*time.Second, uni.Timeout)

	// Untouched entries keep their defaults
	assert.Equal(t, uint64(200000), reg.Venue("1inch").DefaultGas)
}

func TestLoadRegistry_InvalidAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  ethereum:\n    hop_bridge: \"not-an-address\"\n"), 0o600))

	_, err := LoadRegistry(path)
	assert.Error(t, err)
}

func TestAddress(t *testing.T) {
	addr, ok := Address("0x66A71Dcef29A0fFBDBE3c6a460a3B5BC225Cd675")
	assert.True(t, ok)
	assert.Equal(t, "0x66A71Dcef29A0fFBDBE3c6a460a3B5BC225Cd675", addr.Hex())

	_, ok = Address("")
	assert.False(t, ok)
}
