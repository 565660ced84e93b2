// Package metrics exposes the bus, store and registry signals as Prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/internal/eventbus"
	"github.com/narwhalmedia/switchboard/internal/eventstore"
	"github.com/narwhalmedia/switchboard/internal/registry"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// Namespace prefixes every metric.
const Namespace = "switchboard"

// Collector holds the collectors fed by component signals.
type Collector struct {
	registerer prometheus.Registerer

	busEvents       *prometheus.CounterVec
	handlerResults  *prometheus.CounterVec
	retries         *prometheus.CounterVec
	retryDelay      prometheus.Histogram
	deadLetters     *prometheus.CounterVec
	circuitsOpened  *prometheus.CounterVec
	componentErrors *prometheus.CounterVec

	eventsAppended   *prometheus.CounterVec
	appendBatch      prometheus.Histogram
	snapshotsCreated prometheus.Counter
	replays          *prometheus.CounterVec
	replayedEvents   prometheus.Counter
	streamsDeleted   *prometheus.CounterVec

	registrations  *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	servicesReaped prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		registerer: reg,
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Bus envelopes by outcome.",
		}, []string{"event_type", "outcome"}),
		handlerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "handler_results_total",
			Help:      "Handler invocations by result.",
		}, []string{"event_type", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "retries_total",
			Help:      "Scheduled redeliveries.",
		}, []string{"event_type"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "retry_delay_seconds",
			Help:      "Backoff before a redelivery.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "dead_letters_total",
			Help:      "Envelopes that exhausted their retries.",
		}, []string{"event_type"}),
		circuitsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "circuits_opened_total",
			Help:      "Circuit breaker trips.",
		}, []string{"event_type"}),
		componentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Substrate and internal errors by component.",
		}, []string{"component"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "events_appended_total",
			Help:      "Events appended to streams.",
		}, []string{"aggregate_type"}),
		appendBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "append_batch_size",
			Help:      "Events per append call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		snapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "snapshots_created_total",
			Help:      "Snapshots written.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "replays_total",
			Help:      "Finished replays by result.",
		}, []string{"result"}),
		replayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "replayed_events_total",
			Help:      "Events fed to replay handlers.",
		}),
		streamsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "streams_deleted_total",
			Help:      "Deleted streams by mode.",
		}, []string{"mode"}),

		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "changes_total",
			Help:      "Registry changes by kind.",
		}, []string{"kind", "service"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "status_changes_total",
			Help:      "Instance status transitions by target status.",
		}, []string{"service", "status"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "alerts_total",
			Help:      "Registry alerts by kind.",
		}, []string{"kind"}),
		servicesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "services_reaped_total",
			Help:      "Stale instances removed.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.busEvents, c.handlerResults, c.retries, c.retryDelay, c.deadLetters, c.circuitsOpened, c.componentErrors,
		c.eventsAppended, c.appendBatch, c.snapshotsCreated, c.replays, c.replayedEvents, c.streamsDeleted,
		c.registrations, c.statusChanges, c.alerts, c.servicesReaped,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// dropped exports the per-emitter dropped signal count.
func (c *Collector) dropped(component string, e *signal.Emitter) error {
	return c.registerer.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   Namespace,
		Name:        "signals_dropped_total",
		Help:        "Signals dropped because a listener queue was full.",
		ConstLabels: prometheus.Labels{"component": component},
	}, func() float64 { return float64(e.Dropped()) }))
}

func eventType(p interface{}) string {
	if env, ok := p.(*events.EventEnvelope); ok && env != nil {
		return env.Event.Type
	}
	return ""
}

// ObserveBus feeds the bus signals. The returned function detaches.
func (c *Collector) ObserveBus(e *signal.Emitter) (func(), error) {
	if err := c.dropped("eventbus", e); err != nil {
		return nil, err
	}
	return e.On(func(sig signal.Signal) {
		switch sig.Kind {
		case eventbus.SignalPublished:
			c.busEvents.WithLabelValues(eventType(sig.Payload), "published").Inc()
		case eventbus.SignalPublishFailed:
			c.busEvents.WithLabelValues(eventType(sig.Payload), "publish_failed").Inc()
		case eventbus.SignalExpired:
			c.busEvents.WithLabelValues(eventType(sig.Payload), "expired").Inc()
		case eventbus.SignalCircuitOpen:
			c.busEvents.WithLabelValues(eventType(sig.Payload), "short_circuited").Inc()
		case eventbus.SignalHandlerSucceeded:
			c.handlerResults.WithLabelValues(eventType(sig.Payload), "success").Inc()
		case eventbus.SignalHandlerFailed:
			c.handlerResults.WithLabelValues(eventType(sig.Payload), "failure").Inc()
		case eventbus.SignalRetryScheduled:
			if info, ok := sig.Payload.(eventbus.RetryInfo); ok {
				c.retries.WithLabelValues(eventType(info.Envelope)).Inc()
				c.retryDelay.Observe(info.Delay.Seconds())
			}
		case eventbus.SignalDeadLetter:
			if dl, ok := sig.Payload.(eventbus.DeadLetter); ok {
				c.deadLetters.WithLabelValues(eventType(dl.Envelope)).Inc()
			}
		case eventbus.SignalCircuitOpened:
			t, _ := sig.Payload.(string)
			c.circuitsOpened.WithLabelValues(t).Inc()
		case eventbus.SignalError:
			c.componentErrors.WithLabelValues("eventbus").Inc()
		}
	}), nil
}

// ObserveStore feeds the event store signals.
func (c *Collector) ObserveStore(e *signal.Emitter) (func(), error) {
	if err := c.dropped("eventstore", e); err != nil {
		return nil, err
	}
	return e.On(func(sig signal.Signal) {
		switch sig.Kind {
		case eventstore.SignalAppended:
			if r, ok := sig.Payload.(eventstore.AppendResult); ok {
				c.eventsAppended.WithLabelValues(r.AggregateType).Add(float64(r.Count))
				c.appendBatch.Observe(float64(r.Count))
			}
		case eventstore.SignalSnapshotCreated:
			c.snapshotsCreated.Inc()
		case eventstore.SignalReplayCompleted:
			c.replays.WithLabelValues("completed").Inc()
			if p, ok := sig.Payload.(eventstore.ReplayProgress); ok {
				c.replayedEvents.Add(float64(p.Processed))
			}
		case eventstore.SignalReplayFailed:
			c.replays.WithLabelValues("failed").Inc()
			if p, ok := sig.Payload.(eventstore.ReplayProgress); ok {
				c.replayedEvents.Add(float64(p.Processed))
			}
		case eventstore.SignalStreamDeleted:
			if d, ok := sig.Payload.(eventstore.StreamDeleted); ok {
				mode := "soft"
				if d.Hard {
					mode = "hard"
				}
				c.streamsDeleted.WithLabelValues(mode).Inc()
			}
		}
	}), nil
}

func serviceName(p interface{}) string {
	if info, ok := p.(*service.Info); ok && info != nil {
		return info.Name
	}
	return ""
}

// ObserveRegistry feeds the registry signals.
func (c *Collector) ObserveRegistry(e *signal.Emitter) (func(), error) {
	if err := c.dropped("registry", e); err != nil {
		return nil, err
	}
	return e.On(func(sig signal.Signal) {
		switch sig.Kind {
		case registry.SignalRegistered, registry.SignalUpdated, registry.SignalUnregistered:
			c.registrations.WithLabelValues(string(sig.Kind), serviceName(sig.Payload)).Inc()
		case registry.SignalStatusChanged:
			if n, ok := sig.Payload.(registry.Notification); ok {
				c.statusChanges.WithLabelValues(n.ServiceName, string(n.Status)).Inc()
			}
		case registry.SignalAlert:
			if a, ok := sig.Payload.(registry.Alert); ok {
				c.alerts.WithLabelValues(string(a.Kind)).Inc()
			}
		case registry.SignalCleanup:
			if n, ok := sig.Payload.(int); ok {
				c.servicesReaped.Add(float64(n))
			}
		case registry.SignalError:
			c.componentErrors.WithLabelValues("registry").Inc()
		}
	}), nil
}
