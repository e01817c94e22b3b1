package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civicflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicflow_transitions_total",
			Help: "Complaint transition attempts by event and outcome.",
		},
		[]string{"event", "outcome"},
	)
	votes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicflow_votes_total",
			Help: "Vote casts by outcome.",
		},
		[]string{"outcome"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicflow_notification_deliveries_total",
			Help: "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)
	feedCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicflow_feed_cache_total",
			Help: "Feed snapshot cache lookups by result.",
		},
		[]string{"result"},
	)
	feedLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "civicflow_feed_rank_duration_seconds",
			Help:    "Time spent ranking a feed snapshot.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpLatency, transitions, votes, deliveries, feedCache, feedLatency)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency. routeOf maps a request to a
// low-cardinality label; nil uses the raw path.
func Instrument(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(lrw, r)
			route := r.URL.Path
			if routeOf != nil {
				if rt := routeOf(r); rt != "" {
					route = rt
				}
			}
			status := strconv.Itoa(lrw.statusCode)
			httpRequests.WithLabelValues(r.Method, route, status).Inc()
			httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

func ObserveTransition(event, outcome string) {
	transitions.WithLabelValues(event, outcome).Inc()
}

func ObserveVote(outcome string) {
	votes.WithLabelValues(outcome).Inc()
}

func ObserveDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	deliveries.WithLabelValues(sink, result).Inc()
}

func ObserveFeedCache(hit bool) {
	if hit {
		feedCache.WithLabelValues("hit").Inc()
		return
	}
	feedCache.WithLabelValues("miss").Inc()
}

func ObserveFeedRank(d time.Duration) {
	feedLatency.Observe(d.Seconds())
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
