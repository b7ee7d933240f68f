package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/venue-router/internal/bridge"
	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/circuitbreaker"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/export"
	"github.com/yourorg/venue-router/internal/gas"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/monitor"
	"github.com/yourorg/venue-router/internal/operations"
	"github.com/yourorg/venue-router/internal/portfolio"
	"github.com/yourorg/venue-router/internal/router"
	"github.com/yourorg/venue-router/internal/security"
	"github.com/yourorg/venue-router/internal/types"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Deps are the routing components the server exposes. Optional components are nil when
// their feature is disabled.
type Deps struct {
	Router    *router.Router
	Bridges   *bridge.Router
	Planner   *operations.Planner
	Gas       *gas.Optimizer
	Breaker   *circuitbreaker.CircuitBreaker
	Monitor   *monitor.Registry
	Attestor  *security.Attestor
	Exporter  *export.Exporter
	Metrics   *serverMetrics
	Portfolio *portfolio.Reader
}

// Server represents the routing API server instance
type Server struct {
	config config.Config
	deps   Deps

	rateLimit *rate.Limiter
	server    *http.Server

	mu       sync.RWMutex
	observed map[string]monitor.Observation
}

// NewServer creates a new server instance
func NewServer(cfg config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		deps:      deps,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		observed:  make(map[string]monitor.Observation),
	}

	logrus.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"chain":           cfg.Chain,
		"venues":          cfg.Venues,
		"split_execution": cfg.SplitExecution,
		"circuit_breaker": deps.Breaker != nil,
		"metrics":         deps.Metrics != nil,
		"attestation":     deps.Attestor != nil,
		"gas_optimizer":   deps.Gas != nil,
	}).Info("Server initialized")
	return s
}

// Handler registers the API endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /route", s.instrument("route", s.handleRoute))
	mux.HandleFunc("POST /route/split", s.instrument("route_split", s.handleSplit))
	mux.HandleFunc("POST /execute", s.instrument("execute", s.handleExecute))
	mux.HandleFunc("POST /bridge/quote", s.instrument("bridge_quote", s.handleBridgeQuote))
	mux.HandleFunc("POST /bridge/route", s.instrument("bridge_route", s.handleBridgeRoute))
	mux.HandleFunc("POST /operations/plan", s.instrument("operations_plan", s.handleOperationPlan))
	mux.HandleFunc("GET /gas/strategy", s.instrument("gas_strategy", s.handleGetGasStrategy))
	mux.HandleFunc("PUT /gas/strategy", s.instrument("gas_strategy", s.handlePutGasStrategy))
	mux.HandleFunc("GET /gas/congestion", s.instrument("gas_congestion", s.handleCongestion))
	mux.HandleFunc("GET /monitor", s.handleMonitor)
	mux.HandleFunc("GET /portfolio", s.instrument("portfolio", s.handlePortfolio))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /circuit", s.handleCircuitStatus)
	mux.HandleFunc("POST /circuit", s.handleCircuitStatus)
	return mux
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.Close()
	}
	if s.deps.Exporter != nil {
		s.deps.Exporter.Stop()
	}

	logrus.Info("Server stopped")
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument applies rate limiting and records request metrics
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.rateLimit != nil && !s.rateLimit.Allow() {
			s.errorResponse(rec, http.StatusTooManyRequests, "rate limit exceeded")
		} else {
			next(rec, r)
		}

		if m := s.deps.Metrics; m != nil {
			m.requestCounter.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// routeResponse is a RoutingResult plus the optional attestation over it
type routeResponse struct {
	model.RoutingResult
	Attestation *security.Attestation `json:"attestation,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	result, err := s.deps.Router.FindBestRoute(ctx, intent)
	if err != nil {
		s.failure(w, err)
		return
	}

	resp := routeResponse{RoutingResult: result}
	if s.deps.Attestor != nil {
		att, err := s.deps.Attestor.Attest(result)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Attestation = &att
	}

	s.record("route", intent.Chain, result)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	maxSplits := s.config.MaxSplits
	if raw := r.URL.Query().Get("maxSplits"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid maxSplits %q", raw))
			return
		}
		maxSplits = n
	}
	if maxSplits == 0 {
		maxSplits = model.DefaultMaxSplits
	}

	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	plan, err := s.deps.Router.SplitOrder(ctx, intent, maxSplits)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.record("split", intent.Chain, plan)
	writeJSON(w, http.StatusOK, plan)
}

// executeRequest carries an intent plus either a previously returned route or nothing,
// in which case the route is computed first
type executeRequest struct {
	Intent    model.TradeIntent    `json:"intent"`
	Result    *model.RoutingResult `json:"result,omitempty"`
	Sender    common.Address       `json:"sender"`
	Recipient common.Address       `json:"recipient,omitempty"`

	// Attestation returned with result by POST /route
	Attestation *security.Attestation `json:"attestation,omitempty"`

	// Swap deadline in seconds from now
	DeadlineSeconds int64 `json:"deadlineSeconds,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	intent, err := s.withDefaults(req.Intent)
	if err != nil {
		s.failure(w, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	var result model.RoutingResult
	attestation := req.Attestation
	if req.Result != nil {
		result = *req.Result
	} else {
		if result, err = s.deps.Router.FindBestRoute(ctx, intent); err != nil {
			s.failure(w, err)
			return
		}
		if s.deps.Attestor != nil {
			att, err := s.deps.Attestor.Attest(result)
			if err != nil {
				s.errorResponse(w, http.StatusInternalServerError, err.Error())
				return
			}
			attestation = &att
		}
	}

	report, err := s.deps.Router.Execute(ctx, router.ExecuteRequest{
		Intent:      intent,
		Result:      result,
		Sender:      req.Sender,
		Recipient:   req.Recipient,
		Deadline:    time.Duration(req.DeadlineSeconds) * time.Second,
		Attestation: attestation,
	})
	if report != nil {
		s.record("execute", intent.Chain, report)
	}
	if err != nil {
		status := statusFor(err)
		logrus.WithError(err).Warn("Execution failed")
		writeJSON(w, status, map[string]interface{}{
			"status":     "error",
			"statusCode": status,
			"error":      err.Error(),
			"report":     report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBridgeQuote(w http.ResponseWriter, r *http.Request) {
	var params model.BridgeParams
	if err := decodeJSON(r, &params); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	quote, err := s.deps.Bridges.GetBridgeQuote(ctx, params)
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBridgeRoute(w http.ResponseWriter, r *http.Request) {
	var params model.BridgeParams
	if err := decodeJSON(r, &params); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	route, err := s.deps.Bridges.PlanRoute(ctx, params)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.record("bridge", params.SourceChain, route)
	writeJSON(w, http.StatusOK, route)
}

// operationRequest wraps a tagged operation with the account that will sign its steps
type operationRequest struct {
	Sender    common.Address  `json:"sender"`
	Operation json.RawMessage `json:"operation"`
}

func (s *Server) handleOperationPlan(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Operation) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "operation is required")
		return
	}
	op, err := model.DecodeOperation(req.Operation)
	if err != nil {
		s.failure(w, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	plan, err := s.deps.Planner.Plan(ctx, op, req.Sender)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.record("operation", plan.Chain, plan)
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetGasStrategy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gas == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "gas optimizer not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Gas.Strategy())
}

func (s *Server) handlePutGasStrategy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gas == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "gas optimizer not enabled")
		return
	}
	// A bare tier selects the preset; explicit caps replace the strategy
	var req model.GasStrategy
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if req.MaxPriorityFee == nil && req.MaxFeePerGas == nil {
		err = s.deps.Gas.SetTier(req.Tier)
	} else {
		err = s.deps.Gas.SetStrategy(req)
	}
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Gas.Strategy())
}

func (s *Server) handleCongestion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gas == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "gas optimizer not enabled")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	level := s.deps.Gas.Congestion(ctx)
	resp := map[string]interface{}{
		"chain":      s.config.Chain,
		"congestion": level,
		"multiplier": level.Multiplier().String(),
	}
	if raw := r.URL.Query().Get("gasPrice"); raw != "" {
		base, ok := new(big.Int).SetString(raw, 10)
		if !ok || base.Sign() < 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid gasPrice %q", raw))
			return
		}
		resp["optimizedGasPrice"] = s.deps.Gas.OptimizeGasPrice(ctx, base).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	if s.deps.Breaker != nil {
		s.deps.Metrics.observeBreaker(s.deps.Breaker.States())
	}
	s.deps.Metrics.handler().ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"chain":   s.config.Chain,
		"chains":  types.AllChains(),
		"venues":  s.deps.Router.Aggregator().Venues(),
		"configuration": map[string]interface{}{
			"split_execution": s.config.SplitExecution,
			"max_splits":      s.config.MaxSplits,
			"circuit_breaker": s.deps.Breaker != nil,
			"validation":      s.config.EnableValidation,
			"route_policy":    s.config.RoutePolicy != "",
		},
	}
	if s.deps.Bridges != nil {
		status["bridges"] = s.deps.Bridges.Protocols()
	}
	if s.deps.Breaker != nil {
		status["circuit_state"] = s.deps.Breaker.States()
	}
	if s.deps.Gas != nil {
		status["gas_strategy"] = s.deps.Gas.Strategy().Tier
	}
	if s.deps.Attestor != nil {
		status["attestation_signer"] = s.deps.Attestor.Signer()
	}
	if s.deps.Exporter != nil {
		status["export"] = s.deps.Exporter.Status()
	}
	if s.deps.Monitor != nil {
		status["monitored"] = s.deps.Monitor.Resources()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and resetting the per-venue circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		http.Error(w, "Circuit breaker not enabled", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{}
	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		s.deps.Breaker.Reset()
		response["message"] = "Circuit breaker reset"
	}
	response["venues"] = s.deps.Breaker.States()
	writeJSON(w, http.StatusOK, response)
}

// handleMonitor lists the latest observation per monitored resource
// handlePortfolio values ?owner's balances of the comma separated ?tokens on ?chain
// (the configured chain by default)
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if s.deps.Portfolio == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "portfolio reader not enabled")
		return
	}
	query := r.URL.Query()

	name := query.Get("chain")
	if name == "" {
		name = s.config.Chain
	}
	c, ok := types.ParseChain(name)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unsupported chain %q", name))
		return
	}
	raw := query.Get("owner")
	if !common.IsHexAddress(raw) {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid owner %q", raw))
		return
	}
	var tokens []common.Address
	for _, t := range strings.Split(query.Get("tokens"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !common.IsHexAddress(t) {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid token %q", t))
			return
		}
		tokens = append(tokens, common.HexToAddress(t))
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	snap, err := s.deps.Portfolio.Snapshot(ctx, c, common.HexToAddress(raw), tokens)
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make(map[string]monitor.Observation, len(s.observed))
	for id, o := range s.observed {
		out[id] = o
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// observe is the monitor callback for resources the server watches
func (s *Server) observe(o monitor.Observation) {
	s.mu.Lock()
	s.observed[o.ResourceID] = o
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.observeMonitor(o)
	}
	logrus.WithFields(logrus.Fields{
		"resource": o.ResourceID,
		"value":    o.Value.String(),
		"previous": o.Previous.String(),
		"change":   o.PercentChange().StringFixed(2) + "%",
	}).Info("Monitored value changed")
}

// record forwards a routing decision to the exporter
func (s *Server) record(kind string, c types.SupportedChain, payload interface{}) {
	if s.deps.Exporter == nil {
		return
	}
	s.deps.Exporter.Record(export.Decision{
		ID:      uuid.NewString(),
		Kind:    kind,
		Chain:   string(c),
		Payload: payload,
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

// decodeIntent reads a TradeIntent body and fills in server defaults
func (s *Server) decodeIntent(w http.ResponseWriter, r *http.Request) (model.TradeIntent, bool) {
	var intent model.TradeIntent
	if err := decodeJSON(r, &intent); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return model.TradeIntent{}, false
	}
	intent, err := s.withDefaults(intent)
	if err != nil {
		s.failure(w, err)
		return model.TradeIntent{}, false
	}
	return intent, true
}

// withDefaults binds the intent to the home chain and, when no venues are named, to every
// registered venue
func (s *Server) withDefaults(intent model.TradeIntent) (model.TradeIntent, error) {
	home := s.config.HomeChain()
	switch intent.Chain {
	case "":
		intent.Chain = home
	case home:
	default:
		return intent, fmt.Errorf("%w: venues quote on %s, not %s", model.ErrUnsupportedChain, home, intent.Chain)
	}
	if len(intent.Venues) == 0 {
		intent.Venues = s.deps.Router.Aggregator().Venues()
	}
	return intent, nil
}

// failure maps a routing error onto an HTTP status
func (s *Server) failure(w http.ResponseWriter, err error) {
	s.errorResponse(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNoRouteAvailable):
		return http.StatusNotFound
	case errors.Is(err, model.ErrVenueTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, operations.ErrHealthFactorTooLow), errors.Is(err, model.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrNoSigner):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTransactionFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidBridgeQuoteInputs),
		errors.Is(err, model.ErrUnsupportedChain),
		errors.Is(err, model.ErrUnsupportedProtocol),
		errors.Is(err, model.ErrBridgeContractNotConfigured),
		errors.Is(err, operations.ErrNotConfigured):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse returns a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Error(errorMsg)
	} else {
		logrus.Warn(errorMsg)
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status":     "error",
		"statusCode": statusCode,
		"error":      errorMsg,
	})
}

func decodeJSON(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}
