package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitWithRecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitWith(reg, "test")
	if Get() != m {
		t.Fatal("Get should return the last initialized metrics")
	}

	l := Labels{Mode: "timelapse"}
	m.IncTasksDispatched(l)
	m.IncTasksDispatched(l)
	m.AddSamplesDropped(l, "not_found", 3)
	m.IncRuns(l, "ok")

	if got := testutil.ToFloat64(m.TasksDispatched.WithLabelValues("timelapse")); got != 2 {
		t.Errorf("tasks dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SamplesDropped.WithLabelValues("timelapse", "not_found")); got != 3 {
		t.Errorf("samples dropped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Runs.WithLabelValues("timelapse", "ok")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}
