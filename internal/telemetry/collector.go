package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"policy-automation/internal/events"
)

const namespace = "policyd"

// Collector exports bus activity as Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	currentAPY      prometheus.Gauge
	halvings        prometheus.Counter
	healthStatus    *prometheus.GaugeVec
}

// NewCollector registers the bus metrics on a fresh registry, alongside the
// process and Go runtime collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the automation bus.",
		}, []string{"type", "priority"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}, []string{"event_type", "subscriber", "panic"}),
		currentAPY: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "current_apy_bps",
			Help:      "Last confirmed staking APY in basis points.",
		}),
		halvings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "halvings_total",
			Help:      "Confirmed emission halvings.",
		}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "health_status",
			Help:      "1 for the most recent health status, 0 otherwise.",
		}, []string{"status"}),
	}
}

// Registry exposes the registry for serving and for registering extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// EventPublished implements events.Observer.
func (c *Collector) EventPublished(evt events.Event) {
	c.eventsPublished.WithLabelValues(string(evt.Type), evt.Priority.String()).Inc()

	switch p := evt.Payload.(type) {
	case events.APYUpdatedPayload:
		c.currentAPY.Set(float64(p.NewAPY))
	case events.HalvingExecutedPayload:
		c.halvings.Inc()
	case events.HealthCheckPayload:
		for _, s := range []string{events.HealthHealthy, events.HealthDegraded, events.HealthUnhealthy} {
			v := 0.0
			if s == p.Status {
				v = 1
			}
			c.healthStatus.WithLabelValues(s).Set(v)
		}
	}
}

// HandlerFailed implements events.Observer.
func (c *Collector) HandlerFailed(failure events.HandlerError) {
	c.handlerFailures.WithLabelValues(string(failure.EventType), failure.Subscriber, strconv.FormatBool(failure.Panic)).Inc()
}

// GaugeFunc registers a gauge sampled at scrape time.
func (c *Collector) GaugeFunc(subsystem, name, help string, fn func() float64) {
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

var _ events.Observer = (*Collector)(nil)
