// Package metrics exposes Courier's Prometheus metrics.
//
// # Sources
//
// The registry is fed from three places:
//
//	dispatcher.Observe      →  attempts by category, attempt latency
//	events.Bus subscription →  enqueues, dequeues, drops by reason, flush passes, connectivity
//	HTTP middleware         →  admin API requests by route and status
//
// Queue size is read on scrape through a GaugeFunc.
//
// # Prometheus text output
//
// Registry.Handler() serves the registry in the Prometheus exposition format.
// A private prometheus.Registry is used so tests can build as many registries
// as they like.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/courier/internal/dispatcher"
	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/netmon"
	"github.com/snehjoshi/courier/internal/types"
)

const namespace = "courier"

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all Courier application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Delivery attempts.  label = category
	Attempts       *prometheus.CounterVec
	AttemptLatency prometheus.Histogram

	// Queue flow.
	Enqueued prometheus.Counter
	Dequeued prometheus.Counter
	Dropped  *prometheus.CounterVec // label = reason

	// Flush passes.  label = result (complete | aborted)
	Flushes        *prometheus.CounterVec
	FlushDelivered prometheus.Counter

	// Connectivity: 0 unknown, 1 offline, 2 online.
	Connectivity prometheus.Gauge
	Restorations prometheus.Counter

	// Admin API.  labels = method, route, status / method, route
	HTTPReqs *prometheus.CounterVec
	HTTPDur  *prometheus.HistogramVec
}

// New returns a Registry with every collector registered, plus the Go and
// process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attempts_total",
			Help: "Delivery attempts by outcome category.",
		}, []string{"category"}),
		AttemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "attempt_duration_seconds",
			Help:    "Duration of delivery attempts that reached the endpoint.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_enqueued_total",
			Help: "Entries accepted into the offline queue.",
		}),
		Dequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_dequeued_total",
			Help: "Queued entries delivered by a flush.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_dropped_total",
			Help: "Entries dropped from the queue by reason.",
		}, []string{"reason"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_passes_total",
			Help: "Flush passes by result.",
		}, []string{"result"}),
		FlushDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_delivered_total",
			Help: "Entries delivered by flush passes.",
		}),
		Connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connectivity",
			Help: "Current connectivity: 0 unknown, 1 offline, 2 online.",
		}),
		Restorations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_restored_total",
			Help: "Offline to online transitions.",
		}),
		HTTPReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Admin API requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Admin API request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		r.Attempts, r.AttemptLatency,
		r.Enqueued, r.Dequeued, r.Dropped,
		r.Flushes, r.FlushDelivered,
		r.Connectivity, r.Restorations,
		r.HTTPReqs, r.HTTPDur,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WatchQueue registers gauges read from stats on every scrape.
func (r *Registry) WatchQueue(stats func() types.QueueStats) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_size",
			Help: "Entries currently held in the offline queue.",
		}, func() float64 { return float64(stats().CurrentSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_peak_size",
			Help: "Largest queue size since the last clear.",
		}, func() float64 { return float64(stats().PeakSize) }),
	)
}

// ─── feeds ────────────────────────────────────────────────────────────────────

// ObserveAttempt is a dispatcher.Observer.
func (r *Registry) ObserveAttempt(o dispatcher.AttemptObservation) {
	r.Attempts.WithLabelValues(o.Outcome.Category.String()).Inc()
	if o.Outcome.StatusCode > 0 {
		r.AttemptLatency.Observe(float64(o.Outcome.LatencyMs) / 1000)
	}
}

// ObserveHTTP records one admin API request.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.HTTPReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPDur.WithLabelValues(method, route).Observe(d.Seconds())
}

// Record applies one bus event.
func (r *Registry) Record(ev events.Event) {
	switch ev.Kind {
	case events.EntryEnqueued:
		r.Enqueued.Inc()
	case events.EntryDequeued:
		r.Dequeued.Inc()
	case events.EntryDropped:
		r.Dropped.WithLabelValues(string(ev.Reason)).Inc()
	case events.QueueFlushed:
		result := "complete"
		if ev.Flush != nil && ev.Flush.Aborted {
			result = "aborted"
		}
		r.Flushes.WithLabelValues(result).Inc()
		if ev.Flush != nil {
			r.FlushDelivered.Add(float64(ev.Flush.Delivered))
		}
	case events.ConnectivityChanged:
		c, err := netmon.ParseConnectivity(ev.Current)
		if err == nil {
			r.Connectivity.Set(float64(c))
		}
	case events.ConnectionRestored:
		r.Restorations.Inc()
	}
}

// Run records events from sub until ctx is done or sub is closed.
func (r *Registry) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			r.Record(ev)
		}
	}
}
