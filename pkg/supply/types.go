// Package supply implements the battery state engine: per-supply polling and
// debounce, the two-node thermal model, and system-battery selection.
package supply

// Type classifies a power supply the way the kernel power_supply class does.
type Type string

const (
	TypeBattery Type = "Battery"
	TypeMains   Type = "Mains"
	TypeUSB     Type = "USB"
	TypeUnknown Type = "Unknown"
)

// Scope tells whether a supply powers the whole board or a peripheral.
type Scope string

const (
	ScopeSystem  Scope = "System"
	ScopeDevice  Scope = "Device"
	ScopeUnknown Scope = "Unknown"
)

// BatteryState is the committed condition of one supply. Exactly one value
// holds at any time per supply.
type BatteryState int

const (
	StateOK BatteryState = iota
	StateLowVoltage
	StateCriticalLowVoltage
	StateHighTemperature
	StateCriticalHighTemperature
	StateNotPresent
)

func (s BatteryState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateLowVoltage:
		return "LOW_VOLT"
	case StateCriticalLowVoltage:
		return "CRITICAL_LOW_VOLT"
	case StateHighTemperature:
		return "HIGH_TEMP"
	case StateCriticalHighTemperature:
		return "CRITICAL_HIGH_TEMP"
	case StateNotPresent:
		return "NOT_PRESENT"
	}
	return "UNKNOWN"
}

// Critical reports whether the state should trigger the host's shutdown
// action.
func (s BatteryState) Critical() bool {
	return s == StateCriticalLowVoltage || s == StateCriticalHighTemperature
}

// PowerSupply is the static identity of one discovered supply. Built from
// the discovery feed's attributes on the add event; immutable afterwards.
type PowerSupply struct {
	Name       string
	Type       Type
	Scope      Scope
	Technology string
	Profile    ThresholdProfile
}

// IsSystemBattery reports whether this supply is eligible to be bound as the
// board's system battery.
func (p *PowerSupply) IsSystemBattery() bool {
	return p.Scope == ScopeSystem && p.Type == TypeBattery
}

// EventAction is the discovery feed's verb.
type EventAction string

const (
	ActionAdd    EventAction = "add"
	ActionRemove EventAction = "remove"
)

// Event is one message from the external discovery feed. Attributes carry
// the supply's static sysfs-style key/value pairs (type, scope, technology,
// voltage_max_design, voltage_min_design, ...), keys lower-case.
type Event struct {
	Action     EventAction
	Name       string
	Attributes map[string]string
}

// AttributeReader reads one raw attribute of a supply, returning its text
// content. Implementations must treat a failed read as an error, not a
// zero-value success; the monitor maps failures to a zero reading itself.
type AttributeReader interface {
	Read(supplyName, attribute string) (string, error)
}
