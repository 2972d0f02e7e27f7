package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceVersion is reported as service.version on exported metrics.
var ServiceVersion = "dev"

const serviceName = "launchpad-agent"

// latencyBounds are the histogram buckets, in milliseconds, for timers. Spawns
// land in the low buckets, readiness waits in the high ones.
var latencyBounds = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

const (
	temporalityDelta = 1
)

// OTLPExporter sends metrics to an OTLP/HTTP JSON endpoint (e.g. http://collector:4318/v1/metrics)
type OTLPExporter struct {
	endpoint string
	client   *http.Client
	resource otlpResource
}

// NewOTLPExporter creates a new OTLP exporter
func NewOTLPExporter(endpoint string) *OTLPExporter {
	attrs := []otlpAttribute{
		stringAttr("service.name", serviceName),
		stringAttr("service.version", ServiceVersion),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, stringAttr("host.name", host))
	}
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		resource: otlpResource{Attributes: attrs},
	}
}

type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes     []otlpAttribute `json:"attributes,omitempty"`
	StartUnixNano  int64           `json:"startTimeUnixNano"`
	TimeUnixNano   int64           `json:"timeUnixNano"`
	Count          int64           `json:"count"`
	Sum            float64         `json:"sum"`
	Min            float64         `json:"min"`
	Max            float64         `json:"max"`
	BucketCounts   []int64         `json:"bucketCounts"`
	ExplicitBounds []float64       `json:"explicitBounds"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

func stringAttr(k, v string) otlpAttribute {
	return otlpAttribute{Key: k, Value: otlpValue{StringValue: v}}
}

// Export posts one batch of samples.
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(e.payload(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("samples", len(metrics)).
		Msg("exported metrics via OTLP")
	return nil
}

// payload groups samples by metric name. Counters become delta sums, gauges
// keep every sample as a point, timers and histograms are bucketed per series.
func (e *OTLPExporter) payload(metrics []Metric) otlpMetricsPayload {
	byName := map[string]*otlpMetric{}
	var names []string
	type series struct {
		name string
		dp   *otlpHistogramDataPoint
	}
	hists := map[string]series{}

	for _, m := range metrics {
		om, ok := byName[m.Name]
		if !ok {
			om = &otlpMetric{Name: m.Name, Unit: m.Unit}
			byName[m.Name] = om
			names = append(names, m.Name)
		}
		attrs := attributes(m.Labels)
		ts := m.Timestamp.UnixNano()

		switch m.Type {
		case Counter:
			if om.Sum == nil {
				om.Sum = &otlpSum{AggregationTemporality: temporalityDelta, IsMonotonic: true}
			}
			om.Sum.DataPoints = append(om.Sum.DataPoints, otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value})
		case Gauge:
			if om.Gauge == nil {
				om.Gauge = &otlpGauge{}
			}
			om.Gauge.DataPoints = append(om.Gauge.DataPoints, otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value})
		case Timer, Histogram:
			if om.Histogram == nil {
				om.Histogram = &otlpHistogram{AggregationTemporality: temporalityDelta}
			}
			key := seriesKey(m.Name, m.Labels)
			h, ok := hists[key]
			if !ok {
				h = series{name: m.Name, dp: &otlpHistogramDataPoint{
					Attributes:     attrs,
					StartUnixNano:  ts,
					Min:            m.Value,
					Max:            m.Value,
					BucketCounts:   make([]int64, len(latencyBounds)+1),
					ExplicitBounds: latencyBounds,
				}}
				hists[key] = h
			}
			h.dp.observe(m.Value, ts)
		}
	}

	// histogram points are attached once all samples are folded in
	var keys []string
	for k := range hists {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := hists[k]
		om := byName[h.name]
		om.Histogram.DataPoints = append(om.Histogram.DataPoints, *h.dp)
	}

	out := make([]otlpMetric, 0, len(names))
	for _, n := range names {
		out = append(out, *byName[n])
	}
	return otlpMetricsPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource: e.resource,
			ScopeMetrics: []otlpScopeMetrics{{
				Scope:   otlpScope{Name: "github.com/3cpo-dev/launchpad/internal/telemetry", Version: ServiceVersion},
				Metrics: out,
			}},
		}},
	}
}

func (dp *otlpHistogramDataPoint) observe(v float64, ts int64) {
	dp.Count++
	dp.Sum += v
	if v < dp.Min {
		dp.Min = v
	}
	if v > dp.Max {
		dp.Max = v
	}
	dp.TimeUnixNano = ts
	i := sort.SearchFloat64s(dp.ExplicitBounds, v)
	dp.BucketCounts[i]++
}

func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, stringAttr(k, labels[k]))
	}
	return out
}
