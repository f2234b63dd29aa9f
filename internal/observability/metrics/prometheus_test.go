package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveCalculation("success", time.Second)
	m.ObserveStage("normalizing", time.Millisecond)
	m.ObserveUpstream("fda", "ok", time.Millisecond)
	m.CacheLookup("rxnorm", true)
	m.SetCacheEntries(3)
	m.SetBreakerState("fda", 1)
	m.IncRateLimited()
	m.IncProduced()
	m.IncConsumed()
	m.SetOutboxPending(4)
	m.IncDeadLettered("worker")
}

func TestRecording(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveCalculation("success", 2*time.Second)
	m.ObserveCalculation("not_found", time.Second)
	m.ObserveCalculation("success", time.Second)
	if got := testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("success calculations = %v", got)
	}

	m.CacheLookup("fda", true)
	m.CacheLookup("fda", false)
	m.CacheLookup("fda", false)
	if got := testutil.ToFloat64(m.CacheMisses.WithLabelValues("fda")); got != 2 {
		t.Errorf("misses = %v", got)
	}

	m.SetOutboxPending(7)
	if got := testutil.ToFloat64(m.OutboxPending); got != 7 {
		t.Errorf("pending = %v", got)
	}

	m.IncDeadLettered("outbox")
	if got := testutil.ToFloat64(m.DeadLettered.WithLabelValues("outbox")); got != 1 {
		t.Errorf("dead lettered = %v", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	// registering twice on one registry would panic
	NewWithRegistry(prometheus.NewRegistry())
	NewWithRegistry(prometheus.NewRegistry())
}
