package supply

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
)

type fakeReader struct {
	mu     sync.Mutex
	values map[string]string
	fail   bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{values: make(map[string]string)}
}

func (f *fakeReader) set(attribute string, millivolts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[attribute] = strconv.Itoa(millivolts * 1000)
}

func (f *fakeReader) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeReader) Read(_, attribute string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("read error")
	}
	v, ok := f.values[attribute]
	if !ok {
		return "", fmt.Errorf("no such attribute %s", attribute)
	}
	return v, nil
}

type recordingSink struct {
	states   []BatteryState
	voltages []int
}

func (s *recordingSink) SupplyStateChanged(_ string, state BatteryState) {
	s.states = append(s.states, state)
}

func (s *recordingSink) SupplyVoltageChanged(_ string, millivolts int) {
	s.voltages = append(s.voltages, millivolts)
}

func testProfile() ThresholdProfile {
	return ThresholdProfile{
		FullVoltage:        7500,
		EmptyVoltage:       6200,
		LowWarnVoltage:     6500,
		LowShutdownVoltage: 6000,
		NotPresentVoltage:  2000,
		MinVoltageDelta:    50,
	}
}

func newTestMonitor(profile ThresholdProfile) (*Monitor, *fakeReader, *recordingSink) {
	reader := newFakeReader()
	sink := &recordingSink{}
	ps := &PowerSupply{Name: "test-battery", Type: TypeBattery, Scope: ScopeSystem, Profile: profile}
	return NewMonitor(ps, reader, sink), reader, sink
}

func TestDebounceCommitsAfterTenConsecutiveTicks(t *testing.T) {
	m, reader, sink := newTestMonitor(testProfile())

	reader.set("voltage_now", 6400) // below warn threshold
	for i := 0; i < debounceTicks-1; i++ {
		m.tick()
		if len(sink.states) != 0 {
			t.Fatalf("state committed after %d ticks, want none before %d", i+1, debounceTicks)
		}
	}

	m.tick()
	if len(sink.states) != 1 || sink.states[0] != StateLowVoltage {
		t.Fatalf("states = %v, want exactly one LOW_VOLT commit on tick %d", sink.states, debounceTicks)
	}
}

func TestDebounceFlickerResetsCounter(t *testing.T) {
	m, reader, sink := newTestMonitor(testProfile())

	reader.set("voltage_now", 6400)
	for i := 0; i < 5; i++ {
		m.tick()
	}

	// One tick back at the committed state resets the count entirely.
	reader.set("voltage_now", 7000)
	m.tick()

	reader.set("voltage_now", 6400)
	for i := 0; i < debounceTicks-1; i++ {
		m.tick()
		if len(sink.states) != 0 {
			t.Fatalf("state committed %d ticks after flicker, counter was not reset", i+1)
		}
	}
	m.tick()
	if len(sink.states) != 1 || sink.states[0] != StateLowVoltage {
		t.Fatalf("states = %v, want LOW_VOLT committed after full debounce window", sink.states)
	}
}

func TestDebounceCandidateSwitchRestartsCount(t *testing.T) {
	m, reader, sink := newTestMonitor(testProfile())

	reader.set("voltage_now", 6400) // LOW_VOLT candidate
	for i := 0; i < 6; i++ {
		m.tick()
	}
	reader.set("voltage_now", 5800) // CRITICAL_LOW_VOLT candidate
	for i := 0; i < debounceTicks-1; i++ {
		m.tick()
	}
	if len(sink.states) != 0 {
		t.Fatalf("states = %v, switching candidates must restart the count", sink.states)
	}
	m.tick()
	if len(sink.states) != 1 || sink.states[0] != StateCriticalLowVoltage {
		t.Fatalf("states = %v, want CRITICAL_LOW_VOLT", sink.states)
	}
}

func TestVoltagePublishRespectsMinDelta(t *testing.T) {
	m, reader, sink := newTestMonitor(testProfile())

	reader.set("voltage_now", 7620)
	m.tick()
	reader.set("voltage_now", 7625) // +5, below the 50 mV delta
	m.tick()
	reader.set("voltage_now", 7580) // -40 from last published
	m.tick()
	reader.set("voltage_now", 7550) // -70 from last published
	m.tick()

	want := []int{7620, 7550}
	if len(sink.voltages) != len(want) {
		t.Fatalf("voltages = %v, want %v", sink.voltages, want)
	}
	for i := range want {
		if sink.voltages[i] != want[i] {
			t.Fatalf("voltages = %v, want %v", sink.voltages, want)
		}
	}
}

func TestFailedReadCountsAsZero(t *testing.T) {
	m, reader, sink := newTestMonitor(testProfile())

	reader.set("voltage_now", 7000)
	m.tick()
	reader.setFailing(true)
	m.tick()

	want := []int{7000, 0}
	if len(sink.voltages) != 2 || sink.voltages[0] != want[0] || sink.voltages[1] != want[1] {
		t.Fatalf("voltages = %v, want %v", sink.voltages, want)
	}

	// Zero classifies as NOT_PRESENT; keep failing long enough to commit.
	for i := 0; i < debounceTicks-1; i++ {
		m.tick()
	}
	if len(sink.states) != 1 || sink.states[0] != StateNotPresent {
		t.Fatalf("states = %v, want NOT_PRESENT after sustained read failures", sink.states)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	profile := testProfile()
	profile.MonitorTemperature = true
	profile.HighTempWarn = 47.5
	profile.HighTempShutdown = 52.5
	m, _, _ := newTestMonitor(profile)

	tests := []struct {
		millivolts  int
		temperature float64
		want        BatteryState
	}{
		{1500, 60.0, StateNotPresent},
		{6100, 60.0, StateCriticalHighTemperature},
		{5900, 50.0, StateCriticalLowVoltage},
		{6400, 50.0, StateHighTemperature},
		{6400, 30.0, StateLowVoltage},
		{7000, 30.0, StateOK},
	}
	for _, tt := range tests {
		if got := m.classify(tt.millivolts, tt.temperature); got != tt.want {
			t.Errorf("classify(%d, %v) = %s, want %s", tt.millivolts, tt.temperature, got, tt.want)
		}
	}
}

func TestClassifyIgnoresTemperatureWithoutThermalModel(t *testing.T) {
	m, _, _ := newTestMonitor(testProfile())
	if got := m.classify(7000, 90.0); got != StateOK {
		t.Errorf("classify = %s, temperature must be ignored without the thermal model", got)
	}
}

func TestThermalTickUpdatesTemperature(t *testing.T) {
	profile := testProfile()
	profile.MonitorTemperature = true
	profile.HighTempWarn = 47.5
	profile.HighTempShutdown = 52.5
	m, reader, _ := newTestMonitor(profile)

	reader.set("voltage_now", 7200)
	reader.set("current_now", 2000)
	for i := 0; i < 20; i++ {
		m.tick()
	}
	if m.thermal.sampleIndex != 20 {
		t.Errorf("thermal model consumed %d samples, want 20", m.thermal.sampleIndex)
	}
	if m.temperature < ambientTemperature {
		t.Errorf("temperature = %v, want at least ambient under load", m.temperature)
	}
}
