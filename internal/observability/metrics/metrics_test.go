package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/poller"
)

func TestObserveTickAndDispatch(t *testing.T) {
	m := New()
	m.ObserveTick(poller.TickResult{Processed: 2, Failed: 1}, nil, 10*time.Millisecond)
	m.ObserveTick(poller.TickResult{}, errors.New("rpc"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transactions.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("failed")))

	m.ObserveDispatch("CHAT_QUERY", true, "", time.Second)
	m.ObserveDispatch("CHAT_QUERY", false, xerrors.CodeTimeout, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("CHAT_QUERY", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("CHAT_QUERY", "TIMEOUT")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/stats", http.MethodGet, http.StatusInternalServerError, 20*time.Millisecond)
	m.ObservePayment(true)
	m.ObserveSubmission(nil)
	m.SetEarnings(0.0012)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	for _, want := range []string{
		`amessage_http_requests_total{code="500",handler="/stats",method="GET"} 1`,
		`amessage_http_request_errors_total{handler="/stats",method="GET"} 1`,
		`amessage_payment_verifications_total{result="verified"} 1`,
		`amessage_responder_submissions_total{result="sent"} 1`,
		`amessage_payment_earnings 0.0012`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %s", want)
	}
}
