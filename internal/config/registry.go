package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// ChainContracts lists the contract addresses the router talks to on one chain
type ChainContracts struct {
	WrappedNative   string `mapstructure:"wrapped_native"`
	UniswapQuoter   string `mapstructure:"uniswap_quoter"`
	UniswapRouter   string `mapstructure:"uniswap_router"`
	UniswapV2Router string `mapstructure:"uniswap_v2_router"`
	AavePool        string `mapstructure:"aave_pool"`
	LayerZeroBridge string `mapstructure:"layerzero_bridge"`
	HopBridge       string `mapstructure:"hop_bridge"`
	AcrossSpokePool string `mapstructure:"across_spoke_pool"`

	// Chainlink aggregator per token address
	PriceFeeds map[string]string `mapstructure:"price_feeds"`
}

// VenueSettings tunes one venue adapter
type VenueSettings struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	FeeTiers   []uint32      `mapstructure:"fee_tiers"`
	DefaultGas uint64        `mapstructure:"default_gas"`
	// Requests per second against the venue's API; 0 disables limiting
	RateLimit float64 `mapstructure:"rate_limit"`
}

// Registry is the static address book of venues and contracts
type Registry struct {
	Chains map[string]ChainContracts `mapstructure:"chains"`
	Venues map[string]VenueSettings  `mapstructure:"venues"`
	Across VenueSettings             `mapstructure:"across"`
}

// DefaultRegistry returns the built-in mainnet address book
func DefaultRegistry() *Registry {
	return &Registry{
		Chains: map[string]ChainContracts{
			string(types.ChainEthereum): {
				WrappedNative:   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				UniswapQuoter:   "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6",
				UniswapRouter:   "0xE592427A0AEce92De3Edee1F18E0157C05861564",
				UniswapV2Router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
				AavePool:        "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
				LayerZeroBridge: "0x66A71Dcef29A0fFBDBE3c6a460a3B5BC225Cd675",
				HopBridge:       "0x3666cA85925629d7C42E1504BC7F7E6707cF34E8",
				AcrossSpokePool: "0x5c7BCd6E7De5423a257D81B442095A1a6ced35C5",
				PriceFeeds: map[string]string{
					// WETH / USD
					"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
					// USDC / USD
					"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6",
				},
			},
			string(types.ChainBSC): {
				WrappedNative:   "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
				LayerZeroBridge: "0x3c2269811836af69497E5F486A85D7316753cf62",
				HopBridge:       "0x2A6F1F51a14B1147079aF4e3Ab4Fd5A75566E958",
			},
			string(types.ChainArbitrum): {
				WrappedNative:   "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
				UniswapQuoter:   "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6",
				UniswapRouter:   "0xE592427A0AEce92De3Edee1F18E0157C05861564",
				AavePool:        "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
				LayerZeroBridge: "0x4D747149A57923Beb89f22E6B7B97f7D8c087A00",
				HopBridge:       "0x0e0E3d2C5c292161999474247956EF542caBF8dd",
				AcrossSpokePool: "0xe35e9842fceaCA96570B734083f4a58e8F7C5f2A",
				PriceFeeds: map[string]string{
					// WETH / USD
					"0x82af49447d8a07e3bd95bd0d56f35241523fbab1": "0x639Fe6ab55C921f74e7fac1ee960C0B6293ba612",
					// USDC / USD
					"0xaf88d065e77c8cc2239327c5edb3a432268e5831": "0x50834F3163758fcC1Df9973b6e91f0F0F0434aD3",
				},
			},
		},
		Venues: map[string]VenueSettings{
			"uniswap":  {FeeTiers: []uint32{100, 500, 3000, 10000}, DefaultGas: 180000},
			"1inch":    {BaseURL: "https://api.1inch.dev/swap/v5.2", DefaultGas: 200000, RateLimit: 1},
			"paraswap": {BaseURL: "https://apiv5.paraswap.io", DefaultGas: 250000, RateLimit: 5},
		},
		Across: VenueSettings{BaseURL: "https://app.across.to/api", Timeout: 10 * time.Second},
	}
}

// LoadRegistry reads the registry file at path through viper. Chain and venue entries in
// the file replace the built-in entry of the same name; an empty path yields the defaults.
func LoadRegistry(path string) (*Registry, error) {
	reg := DefaultRegistry()
	if path == "" {
		return reg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var fromFile Registry
	if err := v.Unmarshal(&fromFile); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}

	for name, contracts := range fromFile.Chains {
		chain, ok := types.ParseChain(name)
		if !ok {
			return nil, fmt.Errorf("registry chain %q: %w", name, model.ErrUnsupportedChain)
		}
		reg.Chains[string(chain)] = contracts
	}
	for id, settings := range fromFile.Venues {
		reg.Venues[strings.ToLower(id)] = settings
	}
	if fromFile.Across.BaseURL != "" {
		reg.Across = fromFile.Across
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"file":   path,
		"chains": len(reg.Chains),
		"venues": len(reg.Venues),
	}).Info("Contract registry loaded")
	return reg, nil
}

// Validate ensures every configured address parses
func (r *Registry) Validate() error {
	for chain, c := range r.Chains {
		fields := map[string]string{
			"wrapped_native":    c.WrappedNative,
			"uniswap_quoter":    c.UniswapQuoter,
			"uniswap_router":    c.UniswapRouter,
			"uniswap_v2_router": c.UniswapV2Router,
			"aave_pool":         c.AavePool,
			"layerzero_bridge":  c.LayerZeroBridge,
			"hop_bridge":        c.HopBridge,
			"across_spoke_pool": c.AcrossSpokePool,
		}
		for name, addr := range fields {
			if addr != "" && !common.IsHexAddress(addr) {
				return fmt.Errorf("registry %s.%s: invalid address %q", chain, name, addr)
			}
		}
		for token, feed := range c.PriceFeeds {
			if !common.IsHexAddress(token) || !common.IsHexAddress(feed) {
				return fmt.Errorf("registry %s.price_feeds: invalid entry %s=%s", chain, token, feed)
			}
		}
	}
	return nil
}

// Contracts returns the entry for chain
func (r *Registry) Contracts(chain types.SupportedChain) (ChainContracts, bool) {
	c, ok := r.Chains[string(chain)]
	return c, ok
}

// Venue returns the settings for a venue id, falling back to the zero value
func (r *Registry) Venue(id string) VenueSettings {
	return r.Venues[strings.ToLower(id)]
}

// Address parses a configured address; the zero address and false when unset
func Address(hex string) (common.Address, bool) {
	if hex == "" || !common.IsHexAddress(hex) {
		return common.Address{}, false
	}
	return common.HexToAddress(hex), true
}
