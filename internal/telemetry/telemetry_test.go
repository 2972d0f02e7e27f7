package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorTotals(t *testing.T) {
	c := NewCollector(true, "")
	defer c.Shutdown()

	labels := map[string]string{"target": "streamlit"}
	c.Counter("launchpad_launches", 1, labels)
	c.Counter("launchpad_launches", 1, labels)
	c.Counter("launchpad_launches", 1, map[string]string{"target": "other"})
	c.Gauge("launchpad_targets_running", 3, nil)
	c.Gauge("launchpad_targets_running", 1, nil)

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 series, got %d", len(snap))
	}
	got := map[string]float64{}
	for _, m := range snap {
		got[seriesKey(m.Name, m.Labels)] = m.Value
	}
	if got["launchpad_launches{target=streamlit}"] != 2 {
		t.Fatalf("counter total %v", got)
	}
	if got["launchpad_targets_running"] != 1 {
		t.Fatalf("gauge value %v", got)
	}
	if len(c.GetMetrics()) != 5 {
		t.Fatalf("expected 5 buffered samples")
	}
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false, "")
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 || len(c.Snapshot()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
}

func TestFlushToOTLP(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector(true, srv.URL)
	defer c.Shutdown()
	c.Timer("launchpad_spawn_duration", 15*time.Millisecond, map[string]string{"target": "streamlit"})
	if err := c.FlushMetrics(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var payload otlpMetricsPayload
	if err := json.Unmarshal(<-bodies, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ms := payload.ResourceMetrics[0].ScopeMetrics[0].Metrics
	if len(ms) != 1 || ms[0].Name != "launchpad_spawn_duration" || ms[0].Histogram == nil {
		t.Fatalf("unexpected metrics %+v", ms)
	}
	dp := ms[0].Histogram.DataPoints[0]
	if dp.Count != 1 || dp.Sum != 15 || dp.BucketCounts[1] != 1 {
		t.Fatalf("unexpected point %+v", dp)
	}
	if ms[0].Unit != "ms" {
		t.Fatalf("unit %q", ms[0].Unit)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("buffer not drained")
	}
	// totals survive a flush
	if len(c.Snapshot()) != 1 {
		t.Fatalf("snapshot lost after flush")
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true, "")
	defer c.Shutdown()
	c.Counter("launchpad_launches", 2, map[string]string{"target": "streamlit", "outcome": "succeeded"})

	ms := NewMonitoringServer(":0", c)
	ms.RegisterHealthCheck("targets", func() HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy, Message: "ok"}
	})
	h := ms.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE launchpad_launches counter") {
		t.Fatalf("missing type line: %s", body)
	}
	if !strings.Contains(body, `launchpad_launches{outcome="succeeded",target="streamlit"} 2 `) {
		t.Fatalf("missing sample: %s", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d", rr.Code)
	}

	ms.RegisterHealthCheck("store", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "db down"}
	})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != HealthStatusUnhealthy || len(resp.Checks) != 2 || resp.Checks[0].Name != "store" {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestOTLPPayloadGroupsSeries(t *testing.T) {
	e := NewOTLPExporter("http://unused")
	now := time.Now()
	p := e.payload([]Metric{
		{Name: "launchpad_launches", Type: Counter, Value: 1, Labels: map[string]string{"outcome": "succeeded", "target": "a"}, Timestamp: now},
		{Name: "launchpad_launches", Type: Counter, Value: 1, Labels: map[string]string{"outcome": "failed", "target": "a"}, Timestamp: now},
		{Name: "launchpad_spawn_duration", Type: Timer, Value: 3, Labels: map[string]string{"target": "a"}, Unit: "ms", Timestamp: now},
		{Name: "launchpad_spawn_duration", Type: Timer, Value: 700, Labels: map[string]string{"target": "a"}, Unit: "ms", Timestamp: now},
		{Name: "launchpad_targets_live", Type: Gauge, Value: 1, Timestamp: now},
	})
	ms := p.ResourceMetrics[0].ScopeMetrics[0].Metrics
	if len(ms) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(ms))
	}
	if ms[0].Sum == nil || len(ms[0].Sum.DataPoints) != 2 {
		t.Fatalf("counter points %+v", ms[0])
	}
	if attrs := ms[0].Sum.DataPoints[0].Attributes; attrs[0].Key != "outcome" || attrs[1].Key != "target" {
		t.Fatalf("attributes not sorted: %+v", attrs)
	}
	h := ms[1].Histogram
	if h == nil || len(h.DataPoints) != 1 {
		t.Fatalf("timer not folded into one series: %+v", ms[1])
	}
	dp := h.DataPoints[0]
	if dp.Count != 2 || dp.Min != 3 || dp.Max != 700 || dp.BucketCounts[0] != 1 || dp.BucketCounts[5] != 1 {
		t.Fatalf("unexpected histogram point %+v", dp)
	}
	if ms[2].Gauge == nil {
		t.Fatalf("gauge missing")
	}
}
