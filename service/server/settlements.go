package server

import (
	"log/slog"
	"net/http"

	"github.com/brojonat/x402-facilitator/service/config"
)

// handleListSettlements lists recorded settlements, newest first.
// GET /settlements?network=N&limit=N&offset=N
func handleListSettlements(store SettlementStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		network := r.URL.Query().Get("network")
		if network != "" && !config.IsKnownNetwork(network) {
			writeError(w, "invalid network: must be 'solana' or 'solana-devnet'", http.StatusBadRequest)
			return
		}

		limit, offset, msg := parsePagination(r)
		if msg != "" {
			writeError(w, msg, http.StatusBadRequest)
			return
		}

		records, err := store.ListSettlements(r.Context(), network, limit, offset)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list settlements", "network", network, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.DebugContext(r.Context(), "settlements listed", "network", network, "count", len(records))

		writeJSON(w, map[string]interface{}{
			"settlements": records,
			"count":       len(records),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

// handleGetSettlement returns one recorded settlement.
// GET /settlements/{signature}
func handleGetSettlement(store SettlementStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")

		record, err := store.FindSettlement(r.Context(), signature)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get settlement", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if record == nil {
			writeError(w, "settlement not found", http.StatusNotFound)
			return
		}

		writeJSON(w, record, http.StatusOK)
	})
}
