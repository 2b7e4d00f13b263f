// Package ble provides the peripheral session manager for the trigger
// controller. It discovers named peripherals, connects to one at a time,
// subscribes to its notifications, decodes mode readings and writes commands
// back over Bluetooth Low Energy.
package ble

import "strings"

// RadioState is the power/authorization state of the platform radio.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
	RadioResetting
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered-on"
	case RadioPoweredOff:
		return "powered-off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	case RadioResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// Property is a bit set of GATT characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// CanNotify reports whether the characteristic pushes value changes.
func (p Property) CanNotify() bool { return p&(PropNotify|PropIndicate) != 0 }

// CanWrite reports whether the characteristic accepts acknowledged writes.
func (p Property) CanWrite() bool { return p&PropWrite != 0 }

func (p Property) String() string {
	var parts []string
	if p&PropRead != 0 {
		parts = append(parts, "read")
	}
	if p&PropWrite != 0 {
		parts = append(parts, "write")
	}
	if p&PropWriteWithoutResponse != 0 {
		parts = append(parts, "write-without-response")
	}
	if p&PropNotify != 0 {
		parts = append(parts, "notify")
	}
	if p&PropIndicate != 0 {
		parts = append(parts, "indicate")
	}
	return strings.Join(parts, "|")
}

// CharacteristicInfo describes one discovered GATT characteristic.
type CharacteristicInfo struct {
	Service    string // owning service UUID
	UUID       string
	Properties Property
}

// Event is a platform callback result delivered to the manager's inbox.
// The set of events is closed; backends emit only the types below.
type Event interface {
	isEvent()
}

// AdapterStateChanged reports a radio power/authorization transition.
type AdapterStateChanged struct {
	State  RadioState
	Reason string
}

// PeripheralDiscovered reports one advertisement sighting.
type PeripheralDiscovered struct {
	ID           string
	Name         string
	ServiceUUIDs []string
}

// PeripheralConnected confirms a connect request. Attempt echoes the value
// passed to Adapter.Connect.
type PeripheralConnected struct {
	ID      string
	Attempt uint64
}

// ConnectFailed reports that a connect request did not complete.
type ConnectFailed struct {
	ID      string
	Attempt uint64
	Err     error
}

// PeripheralDisconnected reports a link drop, solicited or not.
type PeripheralDisconnected struct {
	ID  string
	Err error
}

// ServicesDiscovered lists the service UUIDs of a connected peripheral.
type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

// CharacteristicsDiscovered lists the characteristics of one service.
type CharacteristicsDiscovered struct {
	ID              string
	Service         string
	Characteristics []CharacteristicInfo
	Err             error
}

// NotifyStateChanged reports the outcome of a notification subscription.
type NotifyStateChanged struct {
	ID             string
	Characteristic CharacteristicInfo
	Enabled        bool
	Err            error
}

// ValueUpdated delivers a notification value.
type ValueUpdated struct {
	ID             string
	Characteristic string
	Value          []byte
	Err            error
}

// WriteCompleted acknowledges a write-with-response.
type WriteCompleted struct {
	ID             string
	Characteristic string
	Err            error
}

func (AdapterStateChanged) isEvent()       {}
func (PeripheralDiscovered) isEvent()      {}
func (PeripheralConnected) isEvent()       {}
func (ConnectFailed) isEvent()             {}
func (PeripheralDisconnected) isEvent()    {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (NotifyStateChanged) isEvent()        {}
func (ValueUpdated) isEvent()              {}
func (WriteCompleted) isEvent()            {}

// EventSink receives platform events. Implementations block until the event
// is accepted or the consumer has stopped.
type EventSink func(Event)

// Adapter abstracts the platform BLE central stack.
//
// Every method only initiates an operation and must not block on radio I/O;
// results arrive later through the EventSink passed to Enable. Backends must
// never invoke the sink from inside one of these calls on the caller's
// goroutine.
type Adapter interface {
	// Enable powers on the radio and starts event delivery. The backend
	// reports the initial radio state as an AdapterStateChanged event.
	Enable(sink EventSink) error
	// StartScan begins unfiltered discovery. Failures after the call
	// returns are reported as AdapterStateChanged.
	StartScan() error
	// StopScan ends discovery.
	StopScan() error
	// Connect initiates a connection to the peripheral with the given ID.
	// attempt identifies this request and is echoed in the resulting
	// PeripheralConnected or ConnectFailed, so results of an abandoned
	// attempt can be told apart from a retry on the same peripheral.
	Connect(id string, attempt uint64) error
	// Disconnect tears down the link or cancels a pending connect.
	Disconnect(id string) error
	// DiscoverServices requests every service of a connected peripheral.
	DiscoverServices(id string) error
	// DiscoverCharacteristics requests every characteristic of one service.
	DiscoverCharacteristics(id, service string) error
	// EnableNotify subscribes to value changes of a characteristic.
	EnableNotify(id string, char CharacteristicInfo) error
	// WriteWithResponse writes data and expects a peripheral acknowledgment.
	WriteWithResponse(id string, char CharacteristicInfo, data []byte) error
	// Close releases platform resources.
	Close() error
}
