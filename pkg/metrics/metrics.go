// Package metrics exposes runtime counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qqbot/pkg/auth"
	"qqbot/pkg/bus"
)

const namespace = "qqbot"

// Metrics owns a private registry so tests and multiple services in one
// process do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	repliesSent    *prometheus.CounterVec
	repliesFailed  *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	tokenLatency   prometheus.Histogram
	activeHandlers prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the event stream.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching a handler.",
		}, []string{"reason"}),
		repliesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Replies accepted by the messaging API.",
		}, []string{"channel"}),
		repliesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_failed_total",
			Help:      "Replies that could not be delivered.",
		}, []string{"channel", "reason"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler hooks that failed, panicked or timed out.",
		}, []string{"handler"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token fetches by outcome.",
		}, []string{"result"}),
		tokenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_seconds",
			Help:      "Access token fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_handlers",
			Help:      "Handler units in the current snapshot.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.framesDropped,
		m.repliesSent,
		m.repliesFailed,
		m.handlerErrors,
		m.tokenRefreshes,
		m.tokenLatency,
		m.activeHandlers,
	)

	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry to tests and embedding processes.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) SetActiveHandlers(n int) {
	m.activeHandlers.Set(float64(n))
}

// Observe counts bus events until ctx ends or the bus closes.
func (m *Metrics) Observe(ctx context.Context, mb *bus.MessageBus) error {
	events, unsubscribe := mb.SubscribeEvents(ctx, 0)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.Record(event)
		}
	}
}

func (m *Metrics) Record(event bus.Event) {
	switch event.Type {
	case bus.EventFrameReceived:
		m.framesReceived.Inc()
	case bus.EventFrameDropped:
		m.framesDropped.WithLabelValues(event.Reason).Inc()
	case bus.EventReplySent:
		m.repliesSent.WithLabelValues(string(event.Channel)).Inc()
	case bus.EventReplyFailed:
		m.repliesFailed.WithLabelValues(string(event.Channel), event.Reason).Inc()
	case bus.EventHandlerFailed:
		m.handlerErrors.WithLabelValues(event.Handler).Inc()
	}
}

// InstrumentSource wraps an identity source so every fetch is counted.
func (m *Metrics) InstrumentSource(source auth.Source) auth.Source {
	return auth.SourceFunc(func(ctx context.Context) (auth.Credential, error) {
		start := time.Now()
		cred, err := source.Fetch(ctx)
		m.tokenLatency.Observe(time.Since(start).Seconds())

		m.tokenRefreshes.WithLabelValues(refreshResult(err)).Inc()
		return cred, err
	})
}

func refreshResult(err error) string {
	if err == nil {
		return "ok"
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) && authErr.Status != 0 {
		return "rejected"
	}
	return "error"
}
