package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves health and metrics next to the agent
type MonitoringServer struct {
	collector    *Collector
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the monitoring routes
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ms.healthHandler)
	mux.HandleFunc("GET /metrics", ms.metricsHandler)
	mux.HandleFunc("GET /api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("GET /api/health", ms.apiHealthHandler)
	return mux
}

// healthHandler answers 503 unless every check is healthy
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	w.Header().Set("Content-Type", "application/json")
	if status != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// apiHealthHandler is healthHandler without the status code mapping
func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style text
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	typed := map[string]bool{}
	for _, metric := range ms.collector.Snapshot() {
		if !typed[metric.Name] {
			promType := "gauge"
			if metric.Type == Counter {
				promType = "counter"
			}
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType)
			typed[metric.Name] = true
		}
		fmt.Fprintf(w, "%s%s %g %d\n", metric.Name, formatLabels(metric.Labels), metric.Value, metric.Timestamp.UnixMilli())
	}
}

// apiMetricsHandler provides the buffered samples as JSON
func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	ms.healthChecks[name] = checkFn
	ms.mu.Unlock()
}

func (ms *MonitoringServer) overall() (HealthStatus, []HealthCheck) {
	checks := ms.runHealthChecks()
	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy, checks
		}
		if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status, checks
}

// runHealthChecks executes all registered health checks in name order
func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(names))
	for k, v := range ms.healthChecks {
		fns[k] = v
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown; http.ErrServerClosed is returned after a clean stop
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}

// DefaultHealthChecks returns process-level checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 512 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 1024 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}
			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)

			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: message,
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}
