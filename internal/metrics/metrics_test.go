package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveTransitionCounts(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("approve_work", "ok"))
	ObserveTransition("approve_work", "ok")
	ObserveTransition("approve_work", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(transitions.WithLabelValues("approve_work", "ok")))
}

func TestObserveDeliveryResult(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues("webhook", "error"))
	ObserveDelivery("webhook", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(deliveries.WithLabelValues("webhook", "error")))
}

func TestInstrumentUsesRouteLabel(t *testing.T) {
	h := Instrument(func(*http.Request) string { return "/complaints/{id}" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/complaints/{id}", "418"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/complaints/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/complaints/{id}", "418")))
}

func TestRegisterTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}
