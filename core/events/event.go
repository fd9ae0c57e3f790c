package events

// Event represents a structured state change emitted by the settlement engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers,
// metrics collectors).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// FanoutEmitter forwards every event to each configured emitter in order.
type FanoutEmitter struct {
	emitters []Emitter
}

// NewFanoutEmitter builds an emitter that broadcasts to all supplied emitters.
// Nil entries are skipped.
func NewFanoutEmitter(emitters ...Emitter) *FanoutEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &FanoutEmitter{emitters: kept}
}

// Emit implements the Emitter interface.
func (f *FanoutEmitter) Emit(evt Event) {
	if f == nil {
		return
	}
	for _, e := range f.emitters {
		e.Emit(evt)
	}
}
