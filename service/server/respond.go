package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB

	headerRequestID = "X-Request-ID"
)

type requestIDKey struct{}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}

// writeValidationError rejects a request before it reaches the payment engine.
func writeValidationError(w http.ResponseWriter, reason, message string) {
	writeJSON(w, errorResponse{Error: message, Reason: reason}, http.StatusBadRequest)
}

// writePaymentError maps payment errors to a status code. Anything else is a 500.
func writePaymentError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var perr *payment.Error
	if !errors.As(err, &perr) {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := statusFor(perr)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "reason", perr.Reason, "error", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "reason", perr.Reason, "error", err)
	}
	writeJSON(w, errorResponse{Error: perr.Message, Reason: perr.Reason}, status)
}

// statusFor maps an error kind, and for some reasons the reason, to an HTTP status.
func statusFor(err *payment.Error) int {
	switch err.Kind {
	case payment.KindConfiguration:
		return http.StatusServiceUnavailable
	case payment.KindValidation:
		return http.StatusBadRequest
	case payment.KindFunding:
		if err.Reason == payment.ReasonInsufficientFacilitatorBalance {
			return http.StatusServiceUnavailable
		}
		return http.StatusPaymentRequired
	case payment.KindNetwork:
		return http.StatusBadGateway
	case payment.KindStructural:
		if err.Reason == payment.ReasonTransactionFailed {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a size-limited JSON body into v and writes the error response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// requestID returns the request ID assigned by withRequestID.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID tags each request with an ID, reusing a well-formed incoming one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// requestIDHandler adds the request ID to every record logged with a request context.
type requestIDHandler struct {
	slog.Handler
}

func (h requestIDHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := requestID(ctx); id != "" {
		rec.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h requestIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h requestIDHandler) WithGroup(name string) slog.Handler {
	return requestIDHandler{h.Handler.WithGroup(name)}
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
// allowed is "*" or a comma separated list of origins.
func corsMiddleware(allowed string, next http.Handler) http.Handler {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origins["*"]:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && origins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-PAYMENT, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-PAYMENT-RESPONSE, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validationErrorf(reason, format string, args ...interface{}) *payment.Error {
	return &payment.Error{Kind: payment.KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}
