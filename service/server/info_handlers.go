package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/x402"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// feeStatsResponse is the body of GET /fee-stats.
type feeStatsResponse struct {
	Enabled bool `json:"enabled"`
	*payment.FeeStats
}

// networkInfo describes one supported cluster.
type networkInfo struct {
	Network        string         `json:"network"`
	RPCURL         string         `json:"rpcUrl"`
	ExplorerURL    string         `json:"explorerUrl"`
	NativeCurrency nativeCurrency `json:"nativeCurrency"`
	Supported      bool           `json:"supported"`
	Assets         []assets.Asset `json:"assets"`
}

type nativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// supportedResponse is the body of GET /supported.
type supportedResponse struct {
	Kinds              []x402.SupportedKind `json:"kinds"`
	Networks           []networkInfo        `json:"networks"`
	DefaultNetwork     string               `json:"default_network"`
	Facilitator        string               `json:"facilitator,omitempty"`
	FacilitationActive bool                 `json:"facilitation_enabled"`
	ServiceFeePercent  uint64               `json:"service_fee_percent"`
	StrictVerification bool                 `json:"strict_verification"`
}

// handleFeeStats reports fees fronted since process start.
// GET /fee-stats
func handleFeeStats(wallet *payment.Wallet, ledger *payment.FeeLedger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wallet.Enabled() {
			writeJSON(w, feeStatsResponse{Enabled: false}, http.StatusOK)
			return
		}
		stats := ledger.Snapshot()
		writeJSON(w, feeStatsResponse{Enabled: true, FeeStats: &stats}, http.StatusOK)
	})
}

// handleWalletStatus reports the facilitator balance on a network.
// GET /wallet-status?network={network}
func handleWalletStatus(wallet *payment.Wallet, nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wallet.Enabled() {
			writeJSON(w, payment.WalletStatus{Enabled: false}, http.StatusOK)
			return
		}

		net, err := nets.get(r.URL.Query().Get("network"))
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		status, err := wallet.CheckBalance(r.Context(), net.Chain)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}
		writeJSON(w, status, http.StatusOK)
	})
}

// handleFundingInfo tells an operator how to top up the facilitator.
// GET /funding-info?network={network}
func handleFundingInfo(wallet *payment.Wallet, nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		net, err := nets.get(r.URL.Query().Get("network"))
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		info, err := wallet.FundingInfo(net.Name)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}
		writeJSON(w, info, http.StatusOK)
	})
}

// handleSupported lists the x402 kinds, networks and assets this facilitator serves.
// GET /supported
func handleSupported(wallet *payment.Wallet, nets *networks) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := supportedResponse{
			Kinds:              x402.Kinds(nets.names...),
			DefaultNetwork:     nets.def,
			FacilitationActive: wallet.Enabled(),
			ServiceFeePercent:  wallet.ServiceFeePercent(),
		}
		if wallet.Enabled() {
			resp.Facilitator = wallet.PublicKey().String()
		}

		for _, name := range nets.names {
			net := nets.byName[name]
			if net.Verifier != nil && net.Verifier.Strict() {
				resp.StrictVerification = true
			}
			resp.Networks = append(resp.Networks, networkInfo{
				Network:     name,
				RPCURL:      net.RPCURL,
				ExplorerURL: explorerBaseURL(name),
				NativeCurrency: nativeCurrency{
					Name:     "Solana",
					Symbol:   assets.SymbolSOL,
					Decimals: assets.NativeDecimals,
				},
				Supported: true,
				Assets:    net.Registry.All(),
			})
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

func explorerBaseURL(network string) string {
	if network == "solana-devnet" {
		return "https://solscan.io/?cluster=devnet"
	}
	return "https://solscan.io"
}

// handleGetTransaction reports whether a transaction landed and what it cost.
// GET /transactions/{signature}?network={network}
func handleGetTransaction(nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig, err := solanago.SignatureFromBase58(r.PathValue("signature"))
		if err != nil {
			writeValidationError(w, payment.ReasonMalformedTransaction, "invalid transaction signature")
			return
		}

		net, err := nets.get(r.URL.Query().Get("network"))
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		details, err := net.Chain.TransactionDetails(r.Context(), sig)
		if errors.Is(err, rpc.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WarnContext(r.Context(), "failed to fetch transaction", "signature", sig.String(), "error", err)
			writeJSON(w, errorResponse{Error: err.Error(), Reason: payment.ReasonNetworkError}, http.StatusBadGateway)
			return
		}
		writeJSON(w, details, http.StatusOK)
	})
}
