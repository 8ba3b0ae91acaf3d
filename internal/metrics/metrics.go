// Registers:
//
//	#tickflow_cache_hits_total / tickflow_cache_misses_total
//	#tickflow_fetch_errors_total / tickflow_fetch_success_total
//	#tickflow_rate_limit_denied_total
//	#tickflow_ws_reconnects_total
//	#tickflow_store_degraded
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	fetchSuccess    *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	wsReconnects    *prometheus.CounterVec
	storeDegraded   prometheus.Gauge
)

// Init registers the collectors and serves /metrics on addr. An empty addr
// registers the collectors without starting the HTTP listener, which is what
// the tests use.
func Init(addr string) {
	once.Do(func() {
		cacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_cache_hits_total",
				Help: "Number of cache reads answered from the store",
			},
			[]string{"namespace"},
		)
		cacheMisses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_cache_misses_total",
				Help: "Number of cache reads that fell through to the network",
			},
			[]string{"namespace"},
		)
		fetchSuccess = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_fetch_success_total",
				Help: "Number of upstream fetches that produced an active snapshot",
			},
			[]string{"exchange"},
		)
		fetchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_fetch_errors_total",
				Help: "Number of upstream fetches that produced an error snapshot",
			},
			[]string{"exchange"},
		)
		rateLimitDenied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_rate_limit_denied_total",
				Help: "Number of requests denied locally by the window or backoff gate",
			},
			[]string{"exchange"},
		)
		wsReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_ws_reconnects_total",
				Help: "Number of websocket reconnect attempts",
			},
			[]string{"exchange"},
		)
		storeDegraded = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickflow_store_degraded",
				Help: "1 while the shared store is unreachable and local fallback counters are active",
			},
		)

		_ = prometheus.Register(cacheHits)
		_ = prometheus.Register(cacheMisses)
		_ = prometheus.Register(fetchSuccess)
		_ = prometheus.Register(fetchErrors)
		_ = prometheus.Register(rateLimitDenied)
		_ = prometheus.Register(wsReconnects)
		_ = prometheus.Register(storeDegraded)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			return
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementCacheHit increases the hit counter for a cache namespace.
func IncrementCacheHit(namespace string) {
	if cacheHits != nil {
		cacheHits.WithLabelValues(namespace).Inc()
	}
}

// IncrementCacheMiss increases the miss counter for a cache namespace.
func IncrementCacheMiss(namespace string) {
	if cacheMisses != nil {
		cacheMisses.WithLabelValues(namespace).Inc()
	}
}

// IncrementFetchSuccess increases the success counter for an exchange.
func IncrementFetchSuccess(exchange string) {
	if fetchSuccess != nil {
		fetchSuccess.WithLabelValues(exchange).Inc()
	}
}

// IncrementFetchError increases the error counter for an exchange.
func IncrementFetchError(exchange string) {
	if fetchErrors != nil {
		fetchErrors.WithLabelValues(exchange).Inc()
	}
}

// IncrementRateLimitDenied counts a locally denied request.
func IncrementRateLimitDenied(exchange string) {
	if rateLimitDenied != nil {
		rateLimitDenied.WithLabelValues(exchange).Inc()
	}
}

// IncrementWSReconnect counts a websocket reconnect attempt.
func IncrementWSReconnect(exchange string) {
	if wsReconnects != nil {
		wsReconnects.WithLabelValues(exchange).Inc()
	}
}

// SetStoreDegraded flips the degraded-mode gauge.
func SetStoreDegraded(degraded bool) {
	if storeDegraded == nil {
		return
	}
	if degraded {
		storeDegraded.Set(1)
	} else {
		storeDegraded.Set(0)
	}
}
