package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every treasury collector. A dedicated registry keeps test
// binaries free of duplicate-registration panics from the global one.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	cacheRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_cache_requests_total",
		Help: "Cache lookups by strategy and outcome.",
	}, []string{"strategy", "result"})

	policyDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_policy_decisions_total",
		Help: "Policy validations by action and verdict.",
	}, []string{"action", "verdict"})

	breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasury_circuit_breaker_state",
		Help: "Circuit breaker state per key (0 closed, 1 half-open, 2 open).",
	}, []string{"key"})

	breakerTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"key", "to"})

	lockWait = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_wallet_lock_wait_seconds",
		Help:    "Time spent acquiring a wallet lock.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"key", "result"})

	requestTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_sponsorship_requests_total",
		Help: "Sponsorship request status transitions.",
	}, []string{"status"})

	reserveRunway = factory.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_reserve_runway_days",
		Help: "Current reserve runway in days.",
	})

	reserveHealth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_reserve_health_score",
		Help: "Composite reserve health score (0-100).",
	})

	reserveEmergency = factory.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_reserve_emergency_mode",
		Help: "1 while emergency mode blocks spend.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveCache counts a cache lookup outcome (hit, miss, expired, error).
func ObserveCache(strategy, result string) {
	cacheRequests.WithLabelValues(strategy, result).Inc()
}

// ObservePolicy counts a policy verdict.
func ObservePolicy(action string, passed bool) {
	verdict := "rejected"
	if passed {
		verdict = "passed"
	}
	policyDecisions.WithLabelValues(action, verdict).Inc()
}

// SetBreakerState publishes a breaker transition.
func SetBreakerState(key, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	breakerState.WithLabelValues(key).Set(value)
	breakerTransitions.WithLabelValues(key, state).Inc()
}

// ObserveLockWait records how long a lock acquisition took.
func ObserveLockWait(key, result string, waited time.Duration) {
	lockWait.WithLabelValues(key, result).Observe(waited.Seconds())
}

// ObserveRequestStatus counts a sponsorship request entering status.
func ObserveRequestStatus(status string) {
	requestTransitions.WithLabelValues(status).Inc()
}

// SetReserve publishes the latest reserve snapshot.
func SetReserve(runwayDays, healthScore float64, emergency bool) {
	reserveRunway.Set(runwayDays)
	reserveHealth.Set(healthScore)
	if emergency {
		reserveEmergency.Set(1)
	} else {
		reserveEmergency.Set(0)
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
