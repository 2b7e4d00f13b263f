package ble

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. It is the backend on macOS and
// Windows. On macOS peripheral IDs are CoreBluetooth UUIDs, not MAC addresses.
//
// Characteristic properties are only exposed by tinygo on Windows. On macOS
// every characteristic is reported as readable, writable and notifying;
// enabling notifications on one that does not support them fails and is
// reported as a NotifyStateChanged error, which the manager treats as a
// skip. Acknowledged writes are unavailable on Linux.
type TinyGoAdapter struct {
	adapter       *bluetooth.Adapter
	knownServices []bluetooth.UUID

	// mu protects everything below.
	mu        sync.Mutex
	sink      EventSink
	scanning  bool
	announced map[string]bool
	addresses map[string]bluetooth.Address // from scan results
	attempts  map[string]uint64            // pending Connect per peripheral
	devices   map[string]*bluetooth.Device
	services  map[string]map[string]bluetooth.DeviceService        // id -> service UUID
	chars     map[string]map[string]bluetooth.DeviceCharacteristic // id -> service/char
	charsDone chan struct{}                                         // latest characteristic discovery
}

var errWriteWithResponseUnsupported = errors.New("ble: write-with-response unsupported by tinygo on this OS")

// GATT characteristic property bits, as reported by tinygo on Windows.
const (
	gattPropRead                 = 0x02
	gattPropWriteWithoutResponse = 0x04
	gattPropWrite                = 0x08
	gattPropNotify               = 0x10
	gattPropIndicate             = 0x20
)

func propertiesFromGATT(bits uint32) Property {
	var p Property
	if bits&gattPropRead != 0 {
		p |= PropRead
	}
	if bits&gattPropWriteWithoutResponse != 0 {
		p |= PropWriteWithoutResponse
	}
	if bits&gattPropWrite != 0 {
		p |= PropWrite
	}
	if bits&gattPropNotify != 0 {
		p |= PropNotify
	}
	if bits&gattPropIndicate != 0 {
		p |= PropIndicate
	}
	return p
}

// NewTinyGoAdapter creates a backend on the default adapter. knownServices
// are service UUIDs checked against each advertisement, since tinygo cannot
// enumerate advertised services.
func NewTinyGoAdapter(knownServices []string) (*TinyGoAdapter, error) {
	var uuids []bluetooth.UUID
	for _, s := range knownServices {
		u, err := bluetooth.ParseUUID(NormalizeUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: parse known service %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}
	return &TinyGoAdapter{
		adapter:       bluetooth.DefaultAdapter,
		knownServices: uuids,
		announced:     make(map[string]bool),
		addresses:     make(map[string]bluetooth.Address),
		attempts:      make(map[string]uint64),
		devices:       make(map[string]*bluetooth.Device),
		services:      make(map[string]map[string]bluetooth.DeviceService),
		chars:         make(map[string]map[string]bluetooth.DeviceCharacteristic),
	}, nil
}

func (a *TinyGoAdapter) Enable(sink EventSink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	go func() {
		if err := a.adapter.Enable(); err != nil {
			sink(AdapterStateChanged{State: RadioUnknown, Reason: err.Error()})
			return
		}

		// tinygo fires this with connected=false when a peripheral drops.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := device.Address.String()
			a.forget(id)
			sink(PeripheralDisconnected{ID: id})
		})
		sink(AdapterStateChanged{State: RadioPoweredOn})
	}()
	return nil
}

func (a *TinyGoAdapter) StartScan() error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	sink := a.sink
	a.mu.Unlock()

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			id := result.Address.String()
			name := result.LocalName()

			a.mu.Lock()
			a.addresses[id] = result.Address
			if a.announced[id] {
				a.mu.Unlock()
				return
			}
			if name != "" {
				a.announced[id] = true
			}
			a.mu.Unlock()

			var svcs []string
			for _, u := range a.knownServices {
				if result.HasServiceUUID(u) {
					svcs = append(svcs, u.String())
				}
			}
			sink(PeripheralDiscovered{ID: id, Name: name, ServiceUUIDs: svcs})
		})

		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		if err != nil {
			sink(AdapterStateChanged{State: RadioUnknown, Reason: fmt.Sprintf("scan: %v", err)})
		}
	}()
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

// Connect starts a connection. tinygo cannot cancel a pending connect, so a
// result arriving after Disconnect or a newer Connect for the same ID is
// dropped, and a link nobody is waiting for is closed.
func (a *TinyGoAdapter) Connect(id string, attempt uint64) error {
	a.mu.Lock()
	addr, ok := a.addresses[id]
	if ok {
		a.attempts[id] = attempt
	}
	sink := a.sink
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: %s was not seen in a scan", id)
	}

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})

		a.mu.Lock()
		pending, waiting := a.attempts[id]
		current := waiting && pending == attempt
		if current {
			delete(a.attempts, id)
			if err == nil {
				a.devices[id] = &device
			}
		}
		a.mu.Unlock()

		if !current {
			if err == nil && !waiting {
				_ = device.Disconnect()
			}
			return
		}
		if err != nil {
			sink(ConnectFailed{ID: id, Attempt: attempt, Err: err})
			return
		}
		sink(PeripheralConnected{ID: id, Attempt: attempt})
	}()
	return nil
}

func (a *TinyGoAdapter) Disconnect(id string) error {
	a.mu.Lock()
	device, ok := a.devices[id]
	a.mu.Unlock()
	a.forget(id)
	if !ok {
		// Nothing established yet; a late connection is dropped by the manager.
		return nil
	}
	go func() { _ = device.Disconnect() }()
	return nil
}

func (a *TinyGoAdapter) DiscoverServices(id string) error {
	a.mu.Lock()
	device, ok := a.devices[id]
	sink := a.sink
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: %s is not connected", id)
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			sink(ServicesDiscovered{ID: id, Err: err})
			return
		}
		byUUID := make(map[string]bluetooth.DeviceService, len(svcs))
		uuids := make([]string, 0, len(svcs))
		for _, s := range svcs {
			u := NormalizeUUID(s.UUID().String())
			byUUID[u] = s
			uuids = append(uuids, u)
		}
		a.mu.Lock()
		a.services[id] = byUUID
		a.mu.Unlock()
		sink(ServicesDiscovered{ID: id, Services: uuids})
	}()
	return nil
}

func (a *TinyGoAdapter) DiscoverCharacteristics(id, service string) error {
	service = NormalizeUUID(service)
	a.mu.Lock()
	svc, ok := a.services[id][service]
	sink := a.sink
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("ble: service %s not discovered on %s", service, id)
	}
	// Discoveries complete in request order so the manager sees a stable
	// characteristic order.
	prev := a.charsDone
	done := make(chan struct{})
	a.charsDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			sink(CharacteristicsDiscovered{ID: id, Service: service, Err: err})
			return
		}
		infos := make([]CharacteristicInfo, 0, len(chars))
		a.mu.Lock()
		if a.chars[id] == nil {
			a.chars[id] = make(map[string]bluetooth.DeviceCharacteristic)
		}
		for _, c := range chars {
			u := NormalizeUUID(c.UUID().String())
			a.chars[id][service+"/"+u] = c
			infos = append(infos, CharacteristicInfo{
				Service:    service,
				UUID:       u,
				Properties: characteristicProperties(c),
			})
		}
		a.mu.Unlock()
		sink(CharacteristicsDiscovered{ID: id, Service: service, Characteristics: infos})
	}()
	return nil
}

func (a *TinyGoAdapter) EnableNotify(id string, char CharacteristicInfo) error {
	c, sink, err := a.characteristic(id, char)
	if err != nil {
		return err
	}
	go func() {
		err := c.EnableNotifications(func(buf []byte) {
			value := make([]byte, len(buf))
			copy(value, buf)
			sink(ValueUpdated{ID: id, Characteristic: char.UUID, Value: value})
		})
		sink(NotifyStateChanged{ID: id, Characteristic: char, Enabled: err == nil, Err: err})
	}()
	return nil
}

func (a *TinyGoAdapter) WriteWithResponse(id string, char CharacteristicInfo, data []byte) error {
	c, sink, err := a.characteristic(id, char)
	if err != nil {
		return err
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	go func() {
		err := writeWithResponse(c, payload)
		sink(WriteCompleted{ID: id, Characteristic: char.UUID, Err: err})
	}()
	return nil
}

func (a *TinyGoAdapter) Close() error {
	var errs []error
	if err := a.StopScan(); err != nil {
		errs = append(errs, err)
	}
	a.mu.Lock()
	devices := make([]*bluetooth.Device, 0, len(a.devices))
	for id, d := range a.devices {
		devices = append(devices, d)
		delete(a.devices, id)
	}
	a.mu.Unlock()
	for _, d := range devices {
		if err := d.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *TinyGoAdapter) characteristic(id string, char CharacteristicInfo) (bluetooth.DeviceCharacteristic, EventSink, error) {
	key := NormalizeUUID(char.Service) + "/" + NormalizeUUID(char.UUID)
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.chars[id][key]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, nil, fmt.Errorf("ble: characteristic %s not discovered on %s", char.UUID, id)
	}
	return c, a.sink, nil
}

// forget drops cached GATT handles for a peripheral.
func (a *TinyGoAdapter) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.attempts, id)
	delete(a.devices, id)
	delete(a.services, id)
	delete(a.chars, id)
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)
