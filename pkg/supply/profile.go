package supply

import (
	"strconv"
	"time"
)

// ThresholdProfile holds the per-supply calibration constants used to
// classify voltage and temperature readings. Voltages are millivolts,
// temperatures degrees Celsius. Immutable once built.
type ThresholdProfile struct {
	FullVoltage        int
	EmptyVoltage       int
	LowWarnVoltage     int
	LowShutdownVoltage int
	NotPresentVoltage  int

	HighTempWarn     float64
	HighTempShutdown float64

	// MonitorTemperature enables the thermal model for this hardware. Only
	// profiles whose internal resistance curves have been calibrated set it.
	MonitorTemperature bool

	// MinVoltageDelta is the smallest change (mV) worth republishing.
	// ADC noise differs a lot between boards.
	MinVoltageDelta int
}

// PollPeriod returns how often the supply should be sampled. The thermal
// model is calibrated for a 400 ms sample period, so temperature-monitored
// supplies poll faster.
func (p ThresholdProfile) PollPeriod() time.Duration {
	if p.MonitorTemperature {
		return thermalSamplePeriod
	}
	return time.Second
}

// knownProfiles maps supply names reported by the discovery feed to
// hand-calibrated profiles for hardware we recognize.
var knownProfiles = map[string]ThresholdProfile{
	"lego-ev3-battery": {
		FullVoltage:        7500,
		EmptyVoltage:       6200,
		LowWarnVoltage:     6500,
		LowShutdownVoltage: 6000,
		NotPresentVoltage:  4800,
		HighTempWarn:       47.5,
		HighTempShutdown:   52.5,
		MonitorTemperature: true,
		MinVoltageDelta:    50,
	},
	"evb-battery": {
		FullVoltage:        7500,
		EmptyVoltage:       6200,
		LowWarnVoltage:     6500,
		LowShutdownVoltage: 6000,
		NotPresentVoltage:  4800,
		MinVoltageDelta:    50,
	},
	"pistorms-battery": {
		FullVoltage:        8100,
		EmptyVoltage:       6500,
		LowWarnVoltage:     6800,
		LowShutdownVoltage: 6200,
		NotPresentVoltage:  4000,
		MinVoltageDelta:    10,
	},
	"brickpi-battery": {
		FullVoltage:        9600,
		EmptyVoltage:       7500,
		LowWarnVoltage:     8000,
		LowShutdownVoltage: 7200,
		NotPresentVoltage:  4000,
		MinVoltageDelta:    10,
	},
	"brickpi3-battery": {
		FullVoltage:        9600,
		EmptyVoltage:       7500,
		LowWarnVoltage:     8000,
		LowShutdownVoltage: 7200,
		NotPresentVoltage:  4000,
		MinVoltageDelta:    10,
	},
}

const defaultMinVoltageDelta = 30

// ProfileFor builds the threshold profile for a supply. Recognized hardware
// gets its calibrated table entry; anything else is derived from the
// manufacturer design voltages in the discovery attributes:
//
//	full     = 0.85 * voltage_max_design
//	shutdown = voltage_min_design
//	warn     = 1.20 * shutdown
//	empty    = 1.30 * shutdown
func ProfileFor(name string, attributes map[string]string) ThresholdProfile {
	if p, ok := knownProfiles[name]; ok {
		return p
	}

	maxDesign := microvoltAttr(attributes, "voltage_max_design")
	minDesign := microvoltAttr(attributes, "voltage_min_design")

	shutdown := minDesign
	return ThresholdProfile{
		FullVoltage:        maxDesign * 85 / 100,
		EmptyVoltage:       shutdown * 130 / 100,
		LowWarnVoltage:     shutdown * 120 / 100,
		LowShutdownVoltage: shutdown,
		NotPresentVoltage:  shutdown / 2,
		MinVoltageDelta:    defaultMinVoltageDelta,
	}
}

// microvoltAttr parses a sysfs-style microvolt attribute into millivolts.
// Missing or malformed attributes read as 0, matching the zero-reading
// policy for failed hardware reads.
func microvoltAttr(attributes map[string]string, key string) int {
	raw, ok := attributes[key]
	if !ok {
		return 0
	}
	uv, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return uv / 1000
}
