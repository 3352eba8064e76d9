package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/metrics"
	natspkg "github.com/brojonat/x402-facilitator/service/nats"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chain is what the HTTP layer reads from a network directly.
// *solana.Client satisfies it.
type Chain interface {
	payment.BalanceReader
	TransactionDetails(ctx context.Context, sig solanago.Signature) (*solana.TransactionDetails, error)
}

// Network bundles the payment engine for one cluster.
type Network struct {
	Name     string
	RPCURL   string
	Chain    Chain
	Registry *assets.Registry
	Creator  *payment.Creator
	Verifier *payment.Verifier
	Settler  *payment.Settler
}

// SettlementStore lists recorded settlements. payment.MemoryRecorder and
// db.Recorder satisfy it.
type SettlementStore interface {
	ListSettlements(ctx context.Context, network string, limit, offset int) ([]payment.SettlementRecord, error)
	FindSettlement(ctx context.Context, signature string) (*payment.SettlementRecord, error)
}

// EventSource tails settlement and payout events. *nats.Subscriber satisfies it.
type EventSource interface {
	Tail(ctx context.Context, opts natspkg.TailOptions, handle func(*natspkg.Message) error) error
}

// Config contains the dependencies of the HTTP server.
type Config struct {
	Addr           string
	Wallet         *payment.Wallet
	Ledger         *payment.FeeLedger
	Networks       []*Network
	DefaultNetwork string
	CORSOrigins    string

	// Optional. Nil disables the routes that need them.
	Settlements SettlementStore
	Events      EventSource
	Metrics     *metrics.Metrics

	Logger *slog.Logger
}

// Server represents the HTTP API of the facilitator.
type Server struct {
	addr        string
	wallet      *payment.Wallet
	ledger      *payment.FeeLedger
	networks    *networks
	corsOrigins string
	settlements SettlementStore
	events      EventSource
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(cfg Config) (*Server, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("wallet is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("fee ledger is required")
	}
	if len(cfg.Networks) == 0 {
		return nil, fmt.Errorf("at least one network is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = "*"
	}

	nets := &networks{byName: make(map[string]*Network), def: cfg.DefaultNetwork}
	for _, n := range cfg.Networks {
		nets.byName[n.Name] = n
		nets.names = append(nets.names, n.Name)
	}
	sort.Strings(nets.names)
	if _, ok := nets.byName[nets.def]; !ok {
		return nil, fmt.Errorf("default network %q is not configured", nets.def)
	}

	return &Server{
		addr:        cfg.Addr,
		wallet:      cfg.Wallet,
		ledger:      cfg.Ledger,
		networks:    nets,
		corsOrigins: cfg.CORSOrigins,
		settlements: cfg.Settlements,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		logger:      slog.New(requestIDHandler{cfg.Logger.Handler()}),
	}, nil
}

// networks resolves request network names, falling back to the default.
type networks struct {
	byName map[string]*Network
	names  []string
	def    string
}

func (n *networks) get(name string) (*Network, error) {
	if name == "" {
		name = n.def
	}
	net, ok := n.byName[name]
	if !ok {
		return nil, validationErrorf(payment.ReasonUnsupportedNetwork, "network %q is not supported", name)
	}
	return net, nil
}

// Handler builds the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}

	// Payment routes
	route("POST /create-payment", handleCreatePayment(s.networks, s.logger))
	route("POST /verify", handleVerify(s.networks, s.logger))
	route("POST /settle", handleSettle(s.networks, s.logger))
	route("POST /settle-payment", handleSettlePayment(s.networks, s.logger))

	// Facilitator information
	route("GET /fee-stats", handleFeeStats(s.wallet, s.ledger))
	route("GET /wallet-status", handleWalletStatus(s.wallet, s.networks, s.logger))
	route("GET /funding-info", handleFundingInfo(s.wallet, s.networks, s.logger))
	route("GET /supported", handleSupported(s.wallet, s.networks))
	route("GET /transactions/{signature}", handleGetTransaction(s.networks, s.logger))

	if s.settlements != nil {
		route("GET /settlements", handleListSettlements(s.settlements, s.logger))
		route("GET /settlements/{signature}", handleGetSettlement(s.settlements, s.logger))
	} else {
		s.logger.Warn("settlement store not configured, settlement endpoints disabled")
	}

	if s.events != nil {
		route("GET /events/stream", handleStreamEvents(s.events, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return withRequestID(corsMiddleware(s.corsOrigins, mux))
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Settlement waits for two confirmations in the worst case.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"networks", s.networks.names,
		"default_network", s.networks.def,
		"facilitation_enabled", s.wallet.Enabled(),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
