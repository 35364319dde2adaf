package supply

import "time"

// The thermal model estimates internal battery temperature from voltage and
// current alone, using two lumped thermal masses (battery pack, board
// electronics) and a modeled internal resistance. All constants below are
// fixed calibration values for the rechargeable pack; the model is only
// enabled on profiles that set MonitorTemperature.

const thermalSamplePeriod = 400 * time.Millisecond

const (
	sampleSeconds = 0.4

	// Once the pack has been seen above this voltage the accumulated
	// resistance tracks modeled deltas instead of being re-seeded.
	referenceVoltage = 7.5

	initialResistance = 0.63

	// Negative resistance deltas are applied at reduced gain so the
	// estimate rises quickly under load but decays slowly.
	negativeDeltaGain = 0.05

	ambientTemperature = 25.0

	batteryHeatCapacity     = 136.0 // J/K
	electronicsHeatCapacity = 0.85  // J/K

	batteryToElectronics    = 0.020 // W/K
	electronicsToBattery    = 0.010 // W/K
	batteryToAmbient        = 0.060 // W/K
	electronicsToAmbient    = 0.020 // W/K
	electronicsLossFraction = 0.05
)

// ThermalEstimator turns a stream of (voltage, current) samples, one per
// 400 ms tick, into an estimated battery temperature. Purely numeric and
// deterministic; updates are strictly sequential for a given supply.
type ThermalEstimator struct {
	sampleIndex      int
	meanCurrent      float64
	batteryTemp      float64
	electronicsTemp  float64
	prevResistance   float64
	accumResistance  float64
	passedRefVoltage bool
}

func NewThermalEstimator() *ThermalEstimator {
	return &ThermalEstimator{
		batteryTemp:     ambientTemperature,
		electronicsTemp: ambientTemperature,
		accumResistance: initialResistance,
	}
}

// resistanceAt1A and resistanceAt2A are the calibrated internal-resistance
// reference curves, quartic in pack voltage, measured at 1 A and 2 A load.
func resistanceAt1A(v float64) float64 {
	return ((0.014071*v-0.46777)*v+5.8164)*v*v - 32.042*v + 66.390
}

func resistanceAt2A(v float64) float64 {
	return ((0.014420*v-0.47944)*v+5.9576)*v*v - 32.813*v + 67.898
}

// Update consumes one sample and returns the new battery temperature
// estimate in degrees Celsius. voltage is in volts, current in amps.
func (e *ThermalEstimator) Update(voltage, current float64) float64 {
	n := float64(e.sampleIndex)
	e.meanCurrent = (e.meanCurrent*n + current) / (n + 1)
	e.sampleIndex++

	// Interpolate (or extrapolate) the modeled resistance between the two
	// reference curves for the mean load current.
	r1 := resistanceAt1A(voltage)
	r2 := resistanceAt2A(voltage)
	modeled := r1 + (e.meanCurrent-1.0)*(r2-r1)

	if voltage > referenceVoltage && !e.passedRefVoltage {
		e.passedRefVoltage = true
		e.accumResistance = initialResistance
	} else {
		delta := modeled - e.prevResistance
		if delta > 0 {
			e.accumResistance += delta
		} else {
			e.accumResistance += negativeDeltaGain * delta
		}
	}
	e.prevResistance = modeled

	batteryPower := e.meanCurrent * e.meanCurrent * e.accumResistance
	electronicsPower := voltage * e.meanCurrent * electronicsLossFraction

	battery := e.batteryTemp
	electronics := e.electronicsTemp

	e.batteryTemp = battery + sampleSeconds*(batteryPower/batteryHeatCapacity-
		batteryToElectronics*(battery-electronics)/batteryHeatCapacity+
		electronicsToBattery*(electronics-battery)/batteryHeatCapacity-
		batteryToAmbient*(battery-ambientTemperature)/batteryHeatCapacity)

	e.electronicsTemp = electronics + sampleSeconds*(electronicsPower/electronicsHeatCapacity-
		electronicsToBattery*(electronics-battery)/electronicsHeatCapacity+
		batteryToElectronics*(battery-electronics)/electronicsHeatCapacity-
		electronicsToAmbient*(electronics-ambientTemperature)/electronicsHeatCapacity)

	return e.batteryTemp
}

// Temperature returns the current battery temperature estimate without
// consuming a sample.
func (e *ThermalEstimator) Temperature() float64 {
	return e.batteryTemp
}
