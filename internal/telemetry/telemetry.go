package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// flushThreshold triggers an early flush of buffered samples.
const flushThreshold = 100

// Metric represents a telemetry sample
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers samples for export and keeps running totals of counters
// and the last value of gauges for scraping.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	current  map[string]Metric
	enabled  bool
	exporter *OTLPExporter
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCollector creates a new telemetry collector. A disabled collector drops
// everything. otlpEndpoint may be empty, in which case flushed samples are logged.
func NewCollector(enabled bool, otlpEndpoint string) *Collector {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		current: make(map[string]Metric),
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if otlpEndpoint != "" {
		c.exporter = NewOTLPExporter(otlpEndpoint)
	}
	if enabled {
		go c.periodicFlush()
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration measurement in milliseconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.record(Metric{Name: name, Type: Timer, Value: float64(duration.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) record(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = append(c.metrics, m)
	key := seriesKey(m.Name, m.Labels)
	switch m.Type {
	case Counter:
		prev := c.current[key]
		m.Value += prev.Value
		c.current[key] = m
	case Gauge, Timer:
		c.current[key] = m
	}

	if len(c.metrics) >= flushThreshold {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of the buffered samples
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Snapshot returns counter totals and last gauge/timer values, sorted by series.
func (c *Collector) Snapshot() []Metric {
	c.mu.RLock()
	keys := make([]string, 0, len(c.current))
	for k := range c.current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.current[k])
	}
	c.mu.RUnlock()
	return out
}

// FlushMetrics drains the buffer to the OTLP endpoint, or to the log
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(metrics)
	}
	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

// periodicFlush flushes metrics every 30 seconds
func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.FlushMetrics(); err != nil {
				log.Warn().Err(err).Msg("telemetry flush failed")
			}
		case <-c.flushCh:
			if err := c.FlushMetrics(); err != nil {
				log.Warn().Err(err).Msg("telemetry flush failed")
			}
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool, otlpEndpoint string) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled, otlpEndpoint)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, "")
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
