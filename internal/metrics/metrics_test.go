package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordSchedulerRows(t *testing.T) {
	before := testutil.ToFloat64(schedulerRows.WithLabelValues("dispatched"))

	RecordSchedulerRows("dispatched", 3)
	RecordSchedulerRows("dispatched", 0)
	RecordSchedulerRows("dispatched", -1)

	after := testutil.ToFloat64(schedulerRows.WithLabelValues("dispatched"))
	if after-before != 3 {
		t.Errorf("expected +3 dispatched, got %v", after-before)
	}
}

func TestRecordSendProcessed(t *testing.T) {
	before := testutil.ToFloat64(sendsProcessed.WithLabelValues("retry"))
	RecordSendProcessed("retry")
	RecordSendProcessed("sent")

	if got := testutil.ToFloat64(sendsProcessed.WithLabelValues("retry")) - before; got != 1 {
		t.Errorf("expected +1 retry, got %v", got)
	}
}

func TestPipelineRecorders(t *testing.T) {
	RecordCampaignStarted()
	RecordCampaignFinished("completed")
	RecordRowsMaterialized(10)
	RecordSchedulerTick(20 * time.Millisecond)
	RecordSweepReclaimed(2)
	RecordTransportLatency(300 * time.Millisecond)
	SetDispatchInFlight(4)
	SetDispatchInFlight(0)
	RecordIdempotencyHit()
	RecordRateLimitRejection("send")
	SetCircuitState("transport", 1)

	if got := testutil.ToFloat64(circuitState.WithLabelValues("transport")); got != 1 {
		t.Errorf("expected circuit state 1, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	RecordCampaignStarted()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "wabroadcast_campaigns_started_total") {
		t.Error("metrics response should expose campaign counters")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns/{id}", "200"))

	req := httptest.NewRequest("GET", "/v1/campaigns/123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns/{id}", "200"))
	if after-before != 1 {
		t.Errorf("expected request labelled by route pattern, delta=%v", after-before)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
