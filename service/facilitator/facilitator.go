// Package facilitator assembles the per-network payment engine from configuration.
// The HTTP server and the payout worker share it so both see the same networks.
package facilitator

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/config"
	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
)

// Deps are the process-wide collaborators every network shares.
type Deps struct {
	Wallet *payment.Wallet
	Ledger *payment.FeeLedger

	// Optional.
	Recorder  payment.Recorder
	Publisher payment.EventPublisher
	Retrier   payment.PayoutRetrier
	Metrics   *metrics.Metrics

	Logger *slog.Logger
}

// Network is the payment engine for one cluster.
type Network struct {
	Name     string
	RPCURL   string
	Chain    *solana.Client
	Registry *assets.Registry
	Creator  *payment.Creator
	Verifier *payment.Verifier
	Settler  *payment.Settler
}

// Networks builds an engine for mainnet and devnet. Each picks one of its
// configured RPC endpoints at random.
func Networks(cfg *config.Config, deps Deps) ([]*Network, error) {
	if deps.Wallet == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("wallet and ledger are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	overrides := map[string]assets.MintOverrides{
		config.NetworkMainnet: {USDC: cfg.USDCMainnetMintAddress, USDT: cfg.USDTMainnetMintAddress},
		config.NetworkDevnet:  {USDC: cfg.USDCDevnetMintAddress, USDT: cfg.USDTDevnetMintAddress},
	}

	var nets []*Network
	for _, name := range []string{config.NetworkMainnet, config.NetworkDevnet} {
		net, err := build(cfg, deps, name, overrides[name])
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s: %w", name, err)
		}
		nets = append(nets, net)
	}
	return nets, nil
}

func build(cfg *config.Config, deps Deps, name string, overrides assets.MintOverrides) (*Network, error) {
	endpoint, err := solana.SelectRandomEndpoint(cfg.RPCURLs(name))
	if err != nil {
		return nil, err
	}

	chain := solana.NewClient(solana.NewRPCClient(endpoint), name, endpoint, deps.Metrics, deps.Logger,
		solana.WithPollInterval(cfg.ConfirmationPollInterval),
	)

	registry, err := assets.DefaultRegistry(name, overrides)
	if err != nil {
		return nil, err
	}

	creator := payment.NewCreator(deps.Wallet, chain, registry, deps.Metrics, deps.Logger)
	verifier := payment.NewVerifier(deps.Wallet, chain, registry, cfg.StrictVerify, deps.Metrics, deps.Logger)

	opts := []payment.SettlerOption{
		payment.WithConfirmTimeout(cfg.ConfirmationTimeout),
		payment.WithSettlerMetrics(deps.Metrics),
		payment.WithSettlerLogger(deps.Logger.With("network", name)),
	}
	if deps.Recorder != nil {
		opts = append(opts, payment.WithRecorder(deps.Recorder))
	}
	if deps.Publisher != nil {
		opts = append(opts, payment.WithPublisher(deps.Publisher))
	}
	if deps.Retrier != nil {
		opts = append(opts, payment.WithRetrier(deps.Retrier))
	}

	deps.Logger.Info("network configured",
		"network", name,
		"endpoint_count", len(cfg.RPCURLs(name)),
		"assets", len(registry.All()),
	)

	return &Network{
		Name:     name,
		RPCURL:   endpoint,
		Chain:    chain,
		Registry: registry,
		Creator:  creator,
		Verifier: verifier,
		Settler:  payment.NewSettler(deps.Wallet, chain, creator, deps.Ledger, opts...),
	}, nil
}
