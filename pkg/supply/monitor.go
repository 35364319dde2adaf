package supply

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// A state change is committed only after the same candidate has been seen on
// this many consecutive poll ticks.
const debounceTicks = 10

// Measured charge current runs through a shunt the ADC does not see; the
// calibration factor corrects for it before feeding the thermal model.
const currentCalibration = 1.1

// Sink receives a monitor's published changes. Calls are made from the
// monitor's poll goroutine, one at a time.
type Sink interface {
	SupplyStateChanged(name string, state BatteryState)
	SupplyVoltageChanged(name string, millivolts int)
}

// Monitor owns the polling loop for one physical supply: raw reads,
// delta suppression, the optional thermal model, and state debounce.
type Monitor struct {
	supply  *PowerSupply
	reader  AttributeReader
	sink    Sink
	thermal *ThermalEstimator

	committed     BatteryState
	pending       BatteryState
	debounceCount int

	publishedVoltage int
	temperature      float64
	publishedTemp    float64

	log *logrus.Entry

	quit   chan struct{}
	closed chan struct{}
}

// NewMonitor builds a monitor for a discovered supply. Start must be called
// before any readings are published.
func NewMonitor(ps *PowerSupply, reader AttributeReader, sink Sink) *Monitor {
	m := &Monitor{
		supply: ps,
		reader: reader,
		sink:   sink,
		log:    logrus.WithField("supply", ps.Name),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	if ps.Profile.MonitorTemperature {
		m.thermal = NewThermalEstimator()
		m.temperature = ambientTemperature
		m.publishedTemp = ambientTemperature
	}
	return m
}

// Supply returns the monitored supply's static identity.
func (m *Monitor) Supply() *PowerSupply { return m.supply }

// Start launches the poll loop.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop terminates the poll loop and waits for it to exit. No further sink
// calls are made after Stop returns.
func (m *Monitor) Stop() {
	close(m.quit)
	<-m.closed
}

func (m *Monitor) loop() {
	defer close(m.closed)

	ticker := time.NewTicker(m.supply.Profile.PollPeriod())
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) tick() {
	millivolts := m.readScaled("voltage_now")

	if delta := millivolts - m.publishedVoltage; delta >= m.supply.Profile.MinVoltageDelta ||
		-delta >= m.supply.Profile.MinVoltageDelta {
		m.publishedVoltage = millivolts
		m.sink.SupplyVoltageChanged(m.supply.Name, millivolts)
	}

	if m.thermal != nil {
		milliamps := m.readScaled("current_now")
		volts := float64(millivolts) / 1000.0
		amps := float64(milliamps) / 1000.0 * currentCalibration
		m.temperature = m.thermal.Update(volts, amps)

		if diff := m.temperature - m.publishedTemp; diff > 0.1 || diff < -0.1 {
			m.publishedTemp = m.temperature
			m.log.WithField("temperature", m.publishedTemp).Debug("battery temperature estimate updated")
		}
	}

	candidate := m.classify(millivolts, m.temperature)
	if m.debounce(candidate) {
		m.log.WithFields(logrus.Fields{
			"state":      m.committed.String(),
			"millivolts": millivolts,
		}).Info("battery state changed")
		m.sink.SupplyStateChanged(m.supply.Name, m.committed)
	}
}

// readScaled reads a sysfs micro-unit attribute and returns it in
// milli-units. A failed or malformed read yields 0 for this tick; that is
// deliberate, 0 classifies as a more severe state instead of freezing the
// last one.
func (m *Monitor) readScaled(attribute string) int {
	raw, err := m.reader.Read(m.supply.Name, attribute)
	if err != nil {
		m.log.WithError(err).Debugf("failed to read %s, using 0", attribute)
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		m.log.WithError(err).Debugf("malformed %s value %q, using 0", attribute, raw)
		return 0
	}
	return value / 1000
}

// classify computes the candidate state for the current readings. First
// match wins.
func (m *Monitor) classify(millivolts int, temperature float64) BatteryState {
	p := m.supply.Profile
	switch {
	case millivolts < p.NotPresentVoltage:
		return StateNotPresent
	case p.MonitorTemperature && temperature >= p.HighTempShutdown:
		return StateCriticalHighTemperature
	case millivolts < p.LowShutdownVoltage:
		return StateCriticalLowVoltage
	case p.MonitorTemperature && temperature >= p.HighTempWarn:
		return StateHighTemperature
	case millivolts < p.LowWarnVoltage:
		return StateLowVoltage
	}
	return StateOK
}

// debounce commits a candidate only after debounceTicks consecutive
// sightings. A flicker back to the committed state resets the counter, so
// the next candidate starts over from zero.
func (m *Monitor) debounce(candidate BatteryState) bool {
	if candidate == m.committed {
		m.debounceCount = 0
		return false
	}
	if candidate != m.pending || m.debounceCount == 0 {
		m.pending = candidate
		m.debounceCount = 1
	} else {
		m.debounceCount++
	}
	if m.debounceCount < debounceTicks {
		return false
	}
	m.committed = candidate
	m.debounceCount = 0
	return true
}
