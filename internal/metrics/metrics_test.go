package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispatch()
	c.RecordDispatch()
	c.RecordCompleted(0.25)
	c.RecordFailed()
	c.RecordHealed()
	c.RecordSplit()
	c.RecordCertified()
	c.RecordAborted()
	c.RecordHalted()

	if got := testutil.ToFloat64(c.shardsDispatched); got != 2 {
		t.Errorf("dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.shardsCompleted); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.plansCertified); got != 1 {
		t.Errorf("certified = %v, want 1", got)
	}
}

func TestCollectorDropsByPriority(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEventDropped("P3")
	c.RecordEventDropped("P3")
	c.RecordEventDropped("P2")

	if got := testutil.ToFloat64(c.eventsDropped.WithLabelValues("P3")); got != 2 {
		t.Errorf("P3 drops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.eventsDropped.WithLabelValues("P2")); got != 1 {
		t.Errorf("P2 drops = %v, want 1", got)
	}
}

func TestCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.UpdateDispatchStats(10, 4)
	if got := testutil.ToFloat64(c.shardsPending); got != 10 {
		t.Errorf("pending = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.shardsRunning); got != 4 {
		t.Errorf("running = %v, want 4", got)
	}

	c.UpdateDispatchStats(0, 0)
	if got := testutil.ToFloat64(c.shardsRunning); got != 0 {
		t.Errorf("running after reset = %v, want 0", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDispatch()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "orchard_shards_dispatched_total 1") {
		t.Errorf("metrics output missing dispatched counter:\n%s", body)
	}
}
