// Package main is the entry point for the venue router, a service that finds the best
// execution path for token swaps across DEX venues and for transfers across bridges.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/aggregate"
	"github.com/yourorg/venue-router/internal/bridge"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/circuitbreaker"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/export"
	"github.com/yourorg/venue-router/internal/gas"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/monitor"
	"github.com/yourorg/venue-router/internal/operations"
	"github.com/yourorg/venue-router/internal/otel"
	"github.com/yourorg/venue-router/internal/policy"
	"github.com/yourorg/venue-router/internal/portfolio"
	"github.com/yourorg/venue-router/internal/router"
	"github.com/yourorg/venue-router/internal/security"
	"github.com/yourorg/venue-router/internal/types"
	"github.com/yourorg/venue-router/internal/validation"
	"github.com/yourorg/venue-router/internal/venue"
)

// main is the entry point for the application
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	setupLogging(cfg)

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	reg, err := config.LoadRegistry(cfg.RegistryFile)
	if err != nil {
		logrus.Fatalf("Failed to load contract registry: %v", err)
	}

	server, err := buildServer(context.Background(), cfg, reg)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging(cfg config.Config) {
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	logrus.Info("Logging configured")
}

// buildServer connects the chain clients and assembles the routing stack
func buildServer(ctx context.Context, cfg config.Config, reg *config.Registry) (*Server, error) {
	home := cfg.HomeChain()

	var signer chain.Signer
	if cfg.SignerKey != "" {
		key, err := chain.NewKeySigner(cfg.SignerKey)
		if err != nil {
			return nil, err
		}
		signer = key
	}

	clients, eth := dialClients(ctx, cfg, signer)
	homeClient, ok := eth[home]
	if !ok {
		return nil, fmt.Errorf("RPC_URLS has no endpoint for home chain %s", home)
	}

	var metrics *serverMetrics
	if cfg.EnableMetrics {
		metrics = registerMetrics()
	}

	optimizer, err := newGasOptimizer(ctx, cfg, homeClient)
	if err != nil {
		return nil, err
	}
	homeClient.WithFeeAdvisor(optimizer)

	adapters, err := newAdapters(cfg, reg, homeClient)
	if err != nil {
		return nil, err
	}

	agg := aggregate.New(adapters, cfg.VenueTimeout)
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.EnableCircuitBreaker {
		breaker = circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: cfg.BreakerFailureThreshold}).
			WithResetDelay(cfg.BreakerResetDelay).
			WithTripCallback(func(venue, reason string) {
				logrus.WithField("venue", venue).Warnf("Circuit breaker tripped: %s", reason)
			})
		agg.WithBreaker(breaker)
	}
	if cfg.EnableValidation {
		opts := validation.DefaultValidationOptions()
		opts.MaxPriceImpact = cfg.MaxPriceImpact
		agg.WithValidation(opts)
	}
	if cfg.RoutePolicy != "" {
		eval := policy.NewEvaluator()
		if err := eval.ValidateExpression(cfg.RoutePolicy); err != nil {
			return nil, fmt.Errorf("ROUTE_POLICY: %w", err)
		}
		agg.WithPolicy(eval, cfg.RoutePolicy)
	}

	swaps := router.New(agg).
		WithReferenceGasPrice(cfg.ReferenceGasPrice()).
		WithExecution(homeClient, router.ExecutionMode(cfg.SplitExecution))

	oracle := monitor.NewPriceOracle(reg, clients)
	bridges := bridge.NewRouter(clients,
		bridge.NewLayerZero(clients, reg).WithPricer(oracle),
		bridge.NewHop(clients, reg),
		bridge.NewAcross(reg),
	).WithTimeout(cfg.VenueTimeout)

	if metrics != nil {
		agg.WithRecorder(metrics)
		swaps.WithSplitRecorder(metrics)
		bridges.WithRecorder(metrics)
	}

	planner := operations.NewPlanner(reg, clients).WithSwaps(swaps).WithBridges(bridges)

	var attestor *security.Attestor
	if cfg.AttestationKey != "" {
		if attestor, err = security.NewAttestor(cfg.AttestationKey); err != nil {
			return nil, err
		}
		attestor.WithValidity(cfg.AttestationValidity)
		swaps.WithAttestationSigner(attestor.Signer())
	}

	exporter := newExporter(ctx, cfg)

	monitors := monitor.NewRegistry().WithReadTimeout(cfg.RequestTimeout)
	server := NewServer(cfg, Deps{
		Router:   swaps,
		Bridges:  bridges,
		Planner:  planner,
		Gas:      optimizer,
		Breaker:  breaker,
		Monitor:  monitors,
		Attestor: attestor,
		Exporter: exporter,
		Metrics:  metrics,

		Portfolio: portfolio.NewReader(clients, oracle),
	})
	watchPriceFeeds(cfg, reg, clients, monitors, server.observe)

	return server, nil
}

// dialClients connects one chain client per RPC_URLS entry. Chains whose RPC cannot be
// reached are skipped; the caller decides whether the home chain is required.
func dialClients(ctx context.Context, cfg config.Config, signer chain.Signer) (chain.Set, map[types.SupportedChain]*chain.EthClient) {
	clients := make(chain.Set, len(cfg.RPCURLs))
	eth := make(map[types.SupportedChain]*chain.EthClient, len(cfg.RPCURLs))

	for name, url := range cfg.RPCURLs {
		c, _ := types.ParseChain(name)

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := chain.Dial(dialCtx, c, url, signer)
		cancel()
		if err != nil {
			logrus.WithField("chain", c).Warnf("Chain disabled: %v", err)
			continue
		}
		clients[c] = client
		eth[c] = client
	}
	return clients, eth
}

// newGasOptimizer builds the home chain optimizer, sharing fee samples through Redis
// when REDIS_ADDR is set
func newGasOptimizer(ctx context.Context, cfg config.Config, feed gas.FeeFeed) (*gas.Optimizer, error) {
	optimizer := gas.NewOptimizer(feed)
	if err := optimizer.SetTier(model.GasTier(strings.ToLower(cfg.GasStrategy))); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client, err := gas.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.Warnf("Fee cache disabled: %v", err)
		} else {
			optimizer.WithCache(gas.NewRedisCache(client, cfg.FeeCacheTTL), string(cfg.HomeChain()))
		}
	}
	return optimizer, nil
}

func newAdapters(cfg config.Config, reg *config.Registry, caller chain.Caller) ([]venue.Adapter, error) {
	return venue.NewAdapters(cfg.Venues, cfg.HomeChain(), caller, reg, cfg.OneInchAPIKey)
}

// newExporter starts the decision exporter when a sink is configured
func newExporter(ctx context.Context, cfg config.Config) *export.Exporter {
	if !cfg.ExportEnabled() {
		return nil
	}

	exporter := export.New(export.Config{
		BatchSize:     cfg.ExportBatchSize,
		Interval:      cfg.ExportInterval,
		WebhookURL:    cfg.ExportWebhookURL,
		WebhookAPIKey: cfg.ExportAPIKey,
		Stream:        cfg.ExportStream,
	})
	if cfg.ExportStream != "" && cfg.RedisAddr != "" {
		client, err := gas.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.Warnf("Decision stream disabled: %v", err)
		} else {
			exporter.WithRedis(client)
		}
	}
	return exporter
}

// watchPriceFeeds subscribes every Chainlink feed registered on the home chain
func watchPriceFeeds(cfg config.Config, reg *config.Registry, clients chain.Set, monitors *monitor.Registry, observer monitor.Observer) {
	home := cfg.HomeChain()
	contracts, ok := reg.Contracts(home)
	if !ok {
		return
	}

	for token := range contracts.PriceFeeds {
		feed, err := monitor.PriceFeedFor(reg, clients, home, common.HexToAddress(token))
		if err != nil {
			logrus.WithField("token", token).Warnf("Price feed not monitored: %v", err)
			continue
		}
		id := fmt.Sprintf("price:%s:%s", home, strings.ToLower(token))
		if _, err := monitors.Subscribe(id, feed, cfg.MonitorInterval, observer); err != nil {
			logrus.WithField("resource", id).Warnf("Monitor subscription failed: %v", err)
		}
	}
}
