package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, g.Write(&out))
	return out.GetGauge().GetValue()
}

func TestMetrics_PaymentCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPaymentCreated("solana-devnet", "USDC", "success")
	m.RecordPaymentCreated("solana-devnet", "USDC", "success")
	m.RecordVerification("solana-devnet", false, "insufficient_signatures")
	m.RecordSettlement("solana-devnet", "confirmed", 1.2)
	m.RecordNetworkFee("solana-devnet", 5000)
	m.RecordNetworkFee("solana-devnet", 5000)
	m.RecordMerchantPayout("solana-devnet", "failed")
	m.SetFacilitatorBalance("solana-devnet", 123456)

	assert.Equal(t, 2.0, counterValue(t, m.paymentsCreatedTotal.WithLabelValues("solana-devnet", "USDC", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.verificationsTotal.WithLabelValues("solana-devnet", "invalid", "insufficient_signatures")))
	assert.Equal(t, 1.0, counterValue(t, m.settlementsTotal.WithLabelValues("solana-devnet", "confirmed")))
	assert.Equal(t, 10000.0, counterValue(t, m.networkFeesPaidLamports.WithLabelValues("solana-devnet")))
	assert.Equal(t, 1.0, counterValue(t, m.merchantPayoutsTotal.WithLabelValues("solana-devnet", "failed")))
	assert.Equal(t, 123456.0, gaugeValue(t, m.facilitatorBalanceLamport.WithLabelValues("solana-devnet")))
}

func TestMetrics_DBAndActivityStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDBQuery("upsert", "settlements", 0.01, nil)
	m.RecordDBQuery("upsert", "settlements", 0.02, errors.New("boom"))

	assert.Equal(t, 1.0, counterValue(t, m.dbOperationsTotal.WithLabelValues("upsert", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.dbOperationsTotal.WithLabelValues("upsert", "error")))

	m.RecordActivityDuration("SubmitMerchantPayout", errors.New("rpc down"), 2)
	var out dto.Metric
	observer := m.payoutWorkflowActivityDuration.WithLabelValues("SubmitMerchantPayout", "error").(prometheus.Histogram)
	require.NoError(t, observer.Write(&out))
	assert.Equal(t, uint64(1), out.GetHistogram().GetSampleCount())
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := HTTPMetricsMiddleware(m, "POST /settle")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("nope"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settle", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, m.httpRequestsTotal.WithLabelValues("POST /settle", "POST", "4xx")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, "GET /health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(201))
	assert.Equal(t, "3xx", statusCodeToString(302))
	assert.Equal(t, "4xx", statusCodeToString(404))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(99))
}

func TestTimer(t *testing.T) {
	var got float64
	done := Timer(time.Now().Add(-time.Second), func(d float64) { got = d })
	done()
	assert.GreaterOrEqual(t, got, 1.0)
}
