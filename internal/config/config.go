// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// Split execution modes
const (
	SplitAtomic     = "atomic"
	SplitBestEffort = "best_effort"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string `env:"PORT" envDefault:"8080"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Chain the DEX venues quote on
	Chain string `env:"CHAIN" envDefault:"ethereum"`

	// RPC endpoints per chain, e.g. "ethereum=https://...,arbitrum=https://..."
	RPCURLs map[string]string `env:"RPC_URLS" envSeparator:"," envKeyValSeparator:"="`

	// Venue adapters to register, by id
	Venues []string `env:"VENUES" envSeparator:"," envDefault:"uniswap,1inch,paraswap"`

	// Default per-adapter deadline; registry entries may override it per venue
	VenueTimeout time.Duration `env:"VENUE_TIMEOUT" envDefault:"5s"`

	// Upper bound for a whole API request
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"20s"`

	MaxSplits int `env:"MAX_SPLITS" envDefault:"4"`

	// Reference gas price (gwei) converting gas into output-token units for split decisions
	ReferenceGasPriceGwei float64 `env:"REFERENCE_GAS_PRICE_GWEI" envDefault:"50"`

	SplitExecution string `env:"SPLIT_EXECUTION" envDefault:"atomic"`
	GasStrategy    string `env:"GAS_STRATEGY" envDefault:"moderate"`

	// Optional CEL guardrail evaluated against every quote
	RoutePolicy string `env:"ROUTE_POLICY"`

	// Quote filtering before ranking
	EnableValidation bool    `env:"ENABLE_VALIDATION" envDefault:"true"`
	MaxPriceImpact   float64 `env:"MAX_PRICE_IMPACT" envDefault:"0.15"`

	// Per-venue circuit breaker
	EnableCircuitBreaker    bool          `env:"ENABLE_CIRCUIT_BREAKER" envDefault:"true"`
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	BreakerResetDelay       time.Duration `env:"BREAKER_RESET_DELAY" envDefault:"1m"`

	EnableMetrics bool `env:"ENABLE_METRICS" envDefault:"true"`

	// Shared fee sample cache; disabled when empty
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	FeeCacheTTL   time.Duration `env:"FEE_CACHE_TTL" envDefault:"12s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// Hex secp256k1 key used to sign routing results; disabled when empty
	AttestationKey      string        `env:"ATTESTATION_KEY"`
	AttestationValidity time.Duration `env:"ATTESTATION_VALIDITY" envDefault:"2m"`

	// Hex secp256k1 key the Chain Client signs submissions with; read-only mode when empty
	SignerKey string `env:"SIGNER_KEY"`

	OtelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	OneInchAPIKey string `env:"ONEINCH_API_KEY"`

	// Optional YAML/JSON file overriding the built-in contract registry
	RegistryFile string `env:"REGISTRY_FILE"`

	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`

	// Routing decision export; disabled unless a webhook or stream is set
	ExportWebhookURL string        `env:"EXPORT_WEBHOOK_URL"`
	ExportAPIKey     string        `env:"EXPORT_API_KEY"`
	ExportStream     string        `env:"EXPORT_STREAM"`
	ExportBatchSize  int           `env:"EXPORT_BATCH_SIZE" envDefault:"100"`
	ExportInterval   time.Duration `env:"EXPORT_INTERVAL" envDefault:"1m"`
}

// ExportEnabled reports whether any decision sink is configured
func (c Config) ExportEnabled() bool {
	return c.ExportWebhookURL != "" || (c.ExportStream != "" && c.RedisAddr != "")
}

// Load reads an optional .env file, then parses the environment into a validated Config
func Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded environment from .env")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the tags cannot express
func (c Config) Validate() error {
	if _, ok := types.ParseChain(c.Chain); !ok {
		return fmt.Errorf("CHAIN: %w: %q", model.ErrUnsupportedChain, c.Chain)
	}
	for name := range c.RPCURLs {
		if _, ok := types.ParseChain(name); !ok {
			return fmt.Errorf("RPC_URLS: %w: %q", model.ErrUnsupportedChain, name)
		}
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("VENUES must list at least one venue")
	}
	if c.VenueTimeout <= 0 {
		return fmt.Errorf("VENUE_TIMEOUT must be positive")
	}
	if c.MaxSplits != 0 && c.MaxSplits < 2 {
		return fmt.Errorf("MAX_SPLITS must be 0 or at least 2, got %d", c.MaxSplits)
	}
	if c.ReferenceGasPriceGwei < 0 {
		return fmt.Errorf("REFERENCE_GAS_PRICE_GWEI must not be negative")
	}
	switch c.SplitExecution {
	case SplitAtomic, SplitBestEffort:
	default:
		return fmt.Errorf("SPLIT_EXECUTION must be %q or %q, got %q", SplitAtomic, SplitBestEffort, c.SplitExecution)
	}
	if _, ok := model.GasStrategyPreset(model.GasTier(strings.ToLower(c.GasStrategy))); !ok {
		return fmt.Errorf("GAS_STRATEGY %q is not a known tier", c.GasStrategy)
	}
	if c.MaxPriceImpact <= 0 || c.MaxPriceImpact > 1 {
		return fmt.Errorf("MAX_PRICE_IMPACT must be in (0, 1]")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.ExportBatchSize < 1 {
		return fmt.Errorf("EXPORT_BATCH_SIZE must be at least 1")
	}
	return nil
}

// HomeChain returns the parsed CHAIN value
func (c Config) HomeChain() types.SupportedChain {
	chain, _ := types.ParseChain(c.Chain)
	return chain
}

// ReferenceGasPrice converts the configured reference price to wei
func (c Config) ReferenceGasPrice() *big.Int {
	return model.Gwei(c.ReferenceGasPriceGwei)
}
