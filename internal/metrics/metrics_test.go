package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleetbot/internal/pipeline"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveState("a", "running")
	m.ObserveError("a")
	m.SetRunning(3)
	m.ObserveReport(pipeline.Report{})
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestObserve(t *testing.T) {
	m := New(func() uint64 { return 7 })
	m.ObserveState("a", "starting")
	m.ObserveState("a", "running")
	m.ObserveError("a")
	m.ObserveReport(pipeline.Report{
		Tenant:   "a",
		Slot:     "morning",
		Duration: 3 * time.Second,
		Steps: []pipeline.StepResult{
			{Step: pipeline.StepPost, Outcome: pipeline.Performed, Count: 1},
			{Step: pipeline.StepLike, Outcome: pipeline.SkippedQuota},
		},
	})

	if got := testutil.ToFloat64(m.workerState.WithLabelValues("a", "running")); got != 1 {
		t.Fatalf("running state=%v", got)
	}
	if got := testutil.ToFloat64(m.workerState.WithLabelValues("a", "starting")); got != 0 {
		t.Fatalf("starting state=%v", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("like", "skipped-quota")); got != 1 {
		t.Fatalf("skipped steps=%v", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("a", "post")); got != 1 {
		t.Fatalf("actions=%v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"fleetbot_slot_runs_total", "fleetbot_eventbus_dropped_total 7", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
