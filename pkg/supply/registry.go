package supply

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/events"
)

// Registry tracks the set of known supplies, owns their monitors, and
// republishes the bound system battery's changes onto the event bus as the
// single system-wide signal.
type Registry struct {
	reader AttributeReader
	bus    *events.Bus

	mu       sync.Mutex
	monitors map[string]*Monitor

	// At most one supply is bound as the system battery. Rebinding on add
	// replaces any previous binding; the old monitor keeps running but is
	// no longer published.
	systemName    string
	systemState   BatteryState
	systemVoltage int
}

func NewRegistry(reader AttributeReader, bus *events.Bus) *Registry {
	return &Registry{
		reader:   reader,
		bus:      bus,
		monitors: make(map[string]*Monitor),
	}
}

// HandleEvent processes one message from the discovery feed.
func (r *Registry) HandleEvent(ev Event) {
	switch ev.Action {
	case ActionAdd:
		r.add(ev)
	case ActionRemove:
		r.remove(ev.Name)
	default:
		logrus.WithFields(logrus.Fields{
			"action": ev.Action,
			"supply": ev.Name,
		}).Debug("ignoring discovery event")
	}
}

func (r *Registry) add(ev Event) {
	ps := &PowerSupply{
		Name:       ev.Name,
		Type:       Type(attrOr(ev.Attributes, "type", string(TypeUnknown))),
		Scope:      Scope(attrOr(ev.Attributes, "scope", string(ScopeUnknown))),
		Technology: ev.Attributes["technology"],
		Profile:    ProfileFor(ev.Name, ev.Attributes),
	}

	monitor := NewMonitor(ps, r.reader, r)

	r.mu.Lock()
	if old, ok := r.monitors[ev.Name]; ok {
		// Duplicate add for a name we already track; replace the monitor.
		delete(r.monitors, ev.Name)
		r.mu.Unlock()
		old.Stop()
		r.mu.Lock()
	}
	r.monitors[ev.Name] = monitor
	bound := false
	if ps.IsSystemBattery() {
		bound = true
		r.systemName = ps.Name
		r.systemState = StateOK
		r.systemVoltage = 0
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"supply":        ps.Name,
		"type":          ps.Type,
		"scope":         ps.Scope,
		"systemBattery": bound,
	}).Info("supply added")

	if bound {
		// Binding resets the published signal, so retained bus values never
		// carry a previously bound battery's readings. The new monitor's
		// first tick publishes real readings.
		r.bus.Publish(events.TopicBatteryState, StateOK)
		r.bus.Publish(events.TopicBatteryVoltage, 0)
	}

	monitor.Start()
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	monitor, ok := r.monitors[name]
	if !ok {
		r.mu.Unlock()
		logrus.WithField("supply", name).Debug("remove for unknown supply")
		return
	}
	delete(r.monitors, name)
	wasSystem := r.systemName == name
	if wasSystem {
		r.systemName = ""
		r.systemState = StateOK
		r.systemVoltage = 0
	}
	r.mu.Unlock()

	// Stop outside the lock: the monitor goroutine may be mid-tick,
	// publishing through the sink, which takes the lock.
	monitor.Stop()

	logrus.WithFields(logrus.Fields{
		"supply":        name,
		"systemBattery": wasSystem,
	}).Info("supply removed")

	if wasSystem {
		r.bus.Publish(events.TopicBatteryState, StateOK)
		r.bus.Publish(events.TopicBatteryVoltage, 0)
	}
}

// SupplyStateChanged implements Sink. Changes from anything other than the
// bound system battery are tracked per-monitor but not republished.
func (r *Registry) SupplyStateChanged(name string, state BatteryState) {
	r.mu.Lock()
	if name != r.systemName {
		r.mu.Unlock()
		return
	}
	r.systemState = state
	r.mu.Unlock()

	r.bus.Publish(events.TopicBatteryState, state)
}

// SupplyVoltageChanged implements Sink.
func (r *Registry) SupplyVoltageChanged(name string, millivolts int) {
	r.mu.Lock()
	if name != r.systemName {
		r.mu.Unlock()
		return
	}
	r.systemVoltage = millivolts
	r.mu.Unlock()

	r.bus.Publish(events.TopicBatteryVoltage, millivolts)
}

// SystemState returns the bound system battery's committed state and last
// published voltage, or OK/0 when none is bound.
func (r *Registry) SystemState() (BatteryState, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.systemState, r.systemVoltage
}

// Stop shuts down every monitor and waits for their loops to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.monitors = make(map[string]*Monitor)
	r.systemName = ""
	r.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

func attrOr(attributes map[string]string, key, fallback string) string {
	if v, ok := attributes[key]; ok && v != "" {
		return v
	}
	return fallback
}
