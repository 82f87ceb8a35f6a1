package events

import (
	"context"

	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener consumes a ChannelEventBus and turns state
// transitions and cache events into Prometheus counters.
type MetricsEventListener struct {
	bus         *ChannelEventBus
	log         fclog.Logger
	transitions *prometheus.CounterVec
	cacheEvents *prometheus.CounterVec
}

// NewMetricsEventListener creates the listener and registers its counters.
func NewMetricsEventListener(bus *ChannelEventBus, registry prometheus.Registerer, log fclog.Logger) (*MetricsEventListener, error) {
	if bus == nil || registry == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Registerer, and Logger")
	}
	l := &MetricsEventListener{
		bus: bus,
		log: log.With("component", "MetricsEventListener"),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_state_transitions_total",
			Help: "Total number of node state transitions.",
		}, []string{"from", "to"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_cache_events_total",
			Help: "Total number of cache hits and misses observed on the event bus.",
		}, []string{"result"}),
	}
	var err error
	if l.transitions, err = registerOrReuse(registry, l.transitions); err != nil {
		return nil, err
	}
	if l.cacheEvents, err = registerOrReuse(registry, l.cacheEvents); err != nil {
		return nil, err
	}
	return l, nil
}

func registerOrReuse(registry prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

// Start blocks, consuming events until the bus is closed or ctx is done.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.StateTransition:
		l.transitions.WithLabelValues(event.FromState, event.ToState).Inc()
	case events.CacheHit:
		l.cacheEvents.WithLabelValues("hit").Inc()
	case events.CacheMiss:
		l.cacheEvents.WithLabelValues("miss").Inc()
	}
}
