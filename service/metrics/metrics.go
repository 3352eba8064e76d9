package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Payment lifecycle metrics
	paymentsCreatedTotal      *prometheus.CounterVec
	verificationsTotal        *prometheus.CounterVec
	settlementsTotal          *prometheus.CounterVec
	settlementDuration        *prometheus.HistogramVec
	confirmationWaitDuration  *prometheus.HistogramVec
	networkFeesPaidLamports   *prometheus.CounterVec
	merchantPayoutsTotal      *prometheus.CounterVec
	facilitatorBalanceLamport *prometheus.GaugeVec

	// Workflow Metrics
	payoutWorkflowActivityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		paymentsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_created_total",
				Help: "Total number of partially-signed payment transactions built",
			},
			[]string{"network", "asset", "status"},
		),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_verifications_total",
				Help: "Total number of offline verifications by outcome",
			},
			[]string{"network", "result", "reason"},
		),
		settlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_settlements_total",
				Help: "Total number of settlement submissions by status",
			},
			[]string{"network", "status"},
		),
		settlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_settlement_duration_seconds",
				Help:    "Duration of a settlement from submission to confirmation outcome",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"network"},
		),
		confirmationWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_confirmation_wait_seconds",
				Help:    "Time spent polling for transaction confirmation",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"network", "outcome"},
		),
		networkFeesPaidLamports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_network_fees_paid_lamports_total",
				Help: "Total network fees fronted by the facilitator in lamports",
			},
			[]string{"network"},
		),
		merchantPayoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_merchant_payouts_total",
				Help: "Total number of merchant payout attempts by status",
			},
			[]string{"network", "status"},
		),
		facilitatorBalanceLamport: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "facilitator_wallet_balance_lamports",
				Help: "Last observed facilitator wallet balance in lamports",
			},
			[]string{"network"},
		),

		payoutWorkflowActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payout_workflow_activity_duration_seconds",
				Help:    "Duration of merchant payout workflow activities",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"activity", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by type and status",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 30.0},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by handler, method, and status",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with its status and duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit (429) error from the RPC endpoint.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt for an RPC call.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Payment metric helpers

// RecordPaymentCreated records a CreatePayment outcome.
func (m *Metrics) RecordPaymentCreated(network, asset, status string) {
	m.paymentsCreatedTotal.WithLabelValues(network, asset, status).Inc()
}

// RecordVerification records an offline verification verdict.
// reason is empty for valid transactions.
func (m *Metrics) RecordVerification(network string, valid bool, reason string) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.verificationsTotal.WithLabelValues(network, result, reason).Inc()
}

// RecordSettlement records a settlement outcome ("confirmed", "unresolved", "failed", "duplicate").
func (m *Metrics) RecordSettlement(network, status string, duration float64) {
	m.settlementsTotal.WithLabelValues(network, status).Inc()
	m.settlementDuration.WithLabelValues(network).Observe(duration)
}

// RecordConfirmationWait records how long confirmation polling took.
func (m *Metrics) RecordConfirmationWait(network, outcome string, duration float64) {
	m.confirmationWaitDuration.WithLabelValues(network, outcome).Observe(duration)
}

// RecordNetworkFee adds a fronted network fee.
func (m *Metrics) RecordNetworkFee(network string, lamports uint64) {
	m.networkFeesPaidLamports.WithLabelValues(network).Add(float64(lamports))
}

// RecordMerchantPayout records a merchant payout attempt ("paid", "failed", "scheduled").
func (m *Metrics) RecordMerchantPayout(network, status string) {
	m.merchantPayoutsTotal.WithLabelValues(network, status).Inc()
}

// SetFacilitatorBalance records the last observed facilitator balance.
func (m *Metrics) SetFacilitatorBalance(network string, lamports uint64) {
	m.facilitatorBalanceLamport.WithLabelValues(network).Set(float64(lamports))
}

// Workflow metric helpers

// RecordActivityDuration records payout workflow activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.payoutWorkflowActivityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
