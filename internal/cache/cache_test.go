package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-ndc/internal/observability/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestGetBeforeAndAfterExpiry(t *testing.T) {
	clock := newClock()
	c := New(WithClock(clock.Now))

	c.Set("rxnorm:normalize:metformin", "861007", time.Minute)
	if v, ok := c.Get("rxnorm:normalize:metformin"); !ok || v != "861007" {
		t.Fatalf("Get = %v, %v", v, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get("rxnorm:normalize:metformin"); ok {
		t.Fatal("entry should expire at its deadline")
	}
	if c.Stats().Size != 0 {
		t.Error("expired entry should be evicted on read")
	}
}

func TestNilValueIsAHit(t *testing.T) {
	c := New()
	c.Set("fda:ndc:0000-0000-00", nil, time.Hour)

	v, ok := c.Get("fda:ndc:0000-0000-00")
	if !ok {
		t.Fatal("cached nil must be a hit")
	}
	if v != nil {
		t.Errorf("value = %v, want nil", v)
	}
	if _, ok := c.Get("fda:ndc:1111-1111-11"); ok {
		t.Error("missing key must be a miss")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := newClock()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := New(WithClock(clock.Now), WithMetrics(m))

	c.Set("a:1", 1, time.Minute)
	c.Set("a:2", 2, time.Hour)
	c.Set("a:3", 3, time.Second)
	clock.Advance(2 * time.Minute)

	if removed := c.Sweep(); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	stats := c.Stats()
	if stats.Size != 1 || stats.Keys[0] != "a:2" {
		t.Errorf("stats = %+v", stats)
	}
	if got := testutil.ToFloat64(m.CacheEntries); got != 1 {
		t.Errorf("entries gauge = %v, want 1", got)
	}
}

func TestHitMissMetrics(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := New(WithMetrics(m))
	c.Set("fda:search:metformin", []string{"x"}, time.Hour)

	c.Get("fda:search:metformin")
	c.Get("fda:search:lisinopril")

	if got := testutil.ToFloat64(m.CacheHits.WithLabelValues("fda:search")); got != 1 {
		t.Errorf("hits = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses.WithLabelValues("fda:search")); got != 1 {
		t.Errorf("misses = %v", got)
	}
}

func TestGetAs(t *testing.T) {
	c := New()
	c.Set("k", 42, time.Hour)

	if v, ok := GetAs[int](c, "k"); !ok || v != 42 {
		t.Errorf("GetAs[int] = %v, %v", v, ok)
	}
	if _, ok := GetAs[string](c, "k"); ok {
		t.Error("type mismatch should miss")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New()
	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted key still present")
	}
	c.Clear()
	if c.Stats().Size != 0 {
		t.Error("Clear left entries")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set("k", j, time.Millisecond)
				c.Get("k")
				c.Sweep()
			}
		}(i)
	}
	wg.Wait()
}

func TestJanitorSweeps(t *testing.T) {
	clock := newClock()
	c := New(WithClock(clock.Now))
	c.Set("a", 1, time.Second)
	clock.Advance(time.Minute)

	j := NewJanitor(c, 10*time.Millisecond, nil)
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer j.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Size == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("janitor did not sweep the expired entry")
}
