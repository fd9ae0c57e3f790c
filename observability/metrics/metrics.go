// Package metrics exposes settlement activity to Prometheus. The collector
// plugs into the engine as an event emitter, so the engine itself stays free
// of metrics concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"dvpnet/core/events"
)

// EventCounter counts emitted settlement events by type.
type EventCounter struct {
	vec *prometheus.CounterVec
}

// NewEventCounter registers the settlement event counter with the supplied
// registerer (prometheus.DefaultRegisterer when nil).
func NewEventCounter(reg prometheus.Registerer) *EventCounter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dvp",
		Name:      "events_total",
		Help:      "Settlement engine events by type.",
	}, []string{"type"})
	reg.MustRegister(vec)
	return &EventCounter{vec: vec}
}

// Emit implements events.Emitter.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	c.vec.WithLabelValues(evt.EventType()).Inc()
}
