package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService1 = "org.bluez.GattService1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	propsChangedSignal    = dbusProperties + ".PropertiesChanged"
	interfacesAddedSignal = dbusObjectManager + ".InterfacesAdded"

	// BlueZ resolves the GATT table on its own after connecting.
	servicesResolvedTimeout = 15 * time.Second
	servicesResolvedPoll    = 200 * time.Millisecond
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// gattChar identifies a characteristic whose notifications are subscribed.
type gattChar struct {
	id   string
	uuid string
}

// BlueZAdapter talks to BlueZ over the system D-Bus. It is the backend on
// Linux. Peripheral IDs are MAC addresses like "AA:BB:CC:DD:EE:FF".
type BlueZAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	mu        sync.Mutex
	sink      EventSink
	signals   chan *dbus.Signal
	stop      chan struct{}
	announced map[string]bool
	linked    map[string]bool                       // connected or connecting
	cancel    map[string]context.CancelFunc         // in-flight Connect and discovery calls
	services  map[string]map[string]dbus.ObjectPath // id -> service UUID -> path
	chars     map[string]map[string]dbus.ObjectPath // id -> service/char -> path
	notifying map[dbus.ObjectPath]gattChar

	// Discovery is switched by runScans so StartScan and StopScan never
	// wait on the bus. discover is replaced in tests.
	scanWant    bool
	discovering bool
	scanKick    chan struct{}
	discover    func(on bool) error
}

// NewBlueZAdapter connects to the system bus and checks that BlueZ is
// running. adapter is the controller name, e.g. "hci0".
func NewBlueZAdapter(adapter string) (*BlueZAdapter, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("org.bluez not found on system bus, is bluetooth.service running?")
	}

	b := newBlueZAdapter(dbus.ObjectPath("/org/bluez/" + adapter))
	b.conn = conn
	b.discover = b.setDiscovery
	return b, nil
}

func newBlueZAdapter(adapterPath dbus.ObjectPath) *BlueZAdapter {
	return &BlueZAdapter{
		adapterPath: adapterPath,
		stop:        make(chan struct{}),
		announced:   make(map[string]bool),
		linked:      make(map[string]bool),
		cancel:      make(map[string]context.CancelFunc),
		services:    make(map[string]map[string]dbus.ObjectPath),
		chars:       make(map[string]map[string]dbus.ObjectPath),
		notifying:   make(map[dbus.ObjectPath]gattChar),
		scanKick:    make(chan struct{}, 1),
	}
}

func (b *BlueZAdapter) Enable(sink EventSink) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()

	rules := []string{
		"type='signal',sender='" + bluezBus + "',interface='" + dbusProperties + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',sender='" + bluezBus + "',interface='" + dbusObjectManager + "',member='InterfacesAdded'",
	}
	for _, rule := range rules {
		if call := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return fmt.Errorf("add signal match: %w", call.Err)
		}
	}
	b.signals = make(chan *dbus.Signal, 64)
	b.conn.Signal(b.signals)
	go b.watchSignals()
	go b.runScans()

	go func() {
		powered, err := getProperty[bool](b.conn, b.adapterPath, bluezAdapter1, "Powered")
		if err != nil {
			sink(AdapterStateChanged{State: RadioUnsupported, Reason: err.Error()})
			return
		}
		sink(AdapterStateChanged{State: radioStateFromPowered(powered)})
	}()
	return nil
}

func (b *BlueZAdapter) StartScan() error {
	b.requestScan(true)
	return nil
}

func (b *BlueZAdapter) StopScan() error {
	b.requestScan(false)
	return nil
}

func (b *BlueZAdapter) requestScan(on bool) {
	b.mu.Lock()
	b.scanWant = on
	b.mu.Unlock()
	select {
	case b.scanKick <- struct{}{}:
	default:
	}
}

// runScans applies the most recently requested discovery state. A failure
// to start is reported as an AdapterStateChanged so the manager stops
// treating the radio as scanning.
func (b *BlueZAdapter) runScans() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.scanKick:
		}

		b.mu.Lock()
		want, current, sink := b.scanWant, b.discovering, b.sink
		b.mu.Unlock()
		if want == current {
			continue
		}

		if err := b.discover(want); err != nil {
			if want {
				sink(AdapterStateChanged{State: RadioUnknown, Reason: err.Error()})
			} else {
				slog.Warn("[BLE] bluez stop discovery", "error", err)
			}
			continue
		}
		b.mu.Lock()
		b.discovering = want
		b.mu.Unlock()
	}
}

func (b *BlueZAdapter) setDiscovery(on bool) error {
	adapter := b.conn.Object(bluezBus, b.adapterPath)
	if !on {
		if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
			return fmt.Errorf("stop discovery: %w", call.Err)
		}
		return nil
	}
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("set discovery filter: %w", call.Err)
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("start discovery: %w", call.Err)
	}
	return nil
}

func (b *BlueZAdapter) Connect(id string, attempt uint64) error {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.linked[id] = true
	b.cancel[id] = cancel
	sink := b.sink
	b.mu.Unlock()

	device := b.conn.Object(bluezBus, devicePath(b.adapterPath, id))
	go func() {
		call := device.CallWithContext(ctx, bluezDevice1+".Connect", 0)
		if ctx.Err() != nil {
			// Cancelled by forget; the attempt was abandoned.
			return
		}
		if call.Err != nil {
			sink(ConnectFailed{ID: id, Attempt: attempt, Err: call.Err})
			return
		}
		sink(PeripheralConnected{ID: id, Attempt: attempt})
	}()
	return nil
}

func (b *BlueZAdapter) Disconnect(id string) error {
	b.forget(id)
	device := b.conn.Object(bluezBus, devicePath(b.adapterPath, id))
	go func() {
		if call := device.Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
			slog.Debug("[BLE] bluez disconnect", "id", id, "error", call.Err)
		}
	}()
	return nil
}

func (b *BlueZAdapter) DiscoverServices(id string) error {
	b.mu.Lock()
	sink := b.sink
	ctx, cancel := context.WithTimeout(context.Background(), servicesResolvedTimeout)
	if prev, ok := b.cancel[id]; ok {
		prev()
	}
	b.cancel[id] = cancel
	b.mu.Unlock()

	path := devicePath(b.adapterPath, id)
	go func() {
		defer cancel()
		if err := b.waitServicesResolved(ctx, path); err != nil {
			sink(ServicesDiscovered{ID: id, Err: err})
			return
		}
		objects, err := b.managedObjects()
		if err != nil {
			sink(ServicesDiscovered{ID: id, Err: err})
			return
		}

		byUUID := make(map[string]dbus.ObjectPath)
		var uuids []string
		for _, p := range sortedPaths(objects) {
			props, ok := objects[p][bluezGattService1]
			if !ok || !childOf(path, p) {
				continue
			}
			u, ok := props["UUID"].Value().(string)
			if !ok {
				continue
			}
			u = NormalizeUUID(u)
			byUUID[u] = p
			uuids = append(uuids, u)
		}

		b.mu.Lock()
		b.services[id] = byUUID
		b.mu.Unlock()
		sink(ServicesDiscovered{ID: id, Services: uuids})
	}()
	return nil
}

func (b *BlueZAdapter) DiscoverCharacteristics(id, service string) error {
	service = NormalizeUUID(service)
	b.mu.Lock()
	svcPath, ok := b.services[id][service]
	sink := b.sink
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s not discovered on %s", service, id)
	}

	go func() {
		objects, err := b.managedObjects()
		if err != nil {
			sink(CharacteristicsDiscovered{ID: id, Service: service, Err: err})
			return
		}

		var infos []CharacteristicInfo
		paths := make(map[string]dbus.ObjectPath)
		for _, p := range sortedPaths(objects) {
			props, ok := objects[p][bluezGattChar1]
			if !ok {
				continue
			}
			if owner, _ := props["Service"].Value().(dbus.ObjectPath); owner != svcPath {
				continue
			}
			u, ok := props["UUID"].Value().(string)
			if !ok {
				continue
			}
			flags, _ := props["Flags"].Value().([]string)
			info := CharacteristicInfo{
				Service:    service,
				UUID:       NormalizeUUID(u),
				Properties: propertiesFromFlags(flags),
			}
			paths[service+"/"+info.UUID] = p
			infos = append(infos, info)
		}

		b.mu.Lock()
		if b.chars[id] == nil {
			b.chars[id] = make(map[string]dbus.ObjectPath)
		}
		for k, p := range paths {
			b.chars[id][k] = p
		}
		b.mu.Unlock()
		sink(CharacteristicsDiscovered{ID: id, Service: service, Characteristics: infos})
	}()
	return nil
}

func (b *BlueZAdapter) EnableNotify(id string, char CharacteristicInfo) error {
	path, sink, err := b.characteristic(id, char)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.notifying[path] = gattChar{id: id, uuid: char.UUID}
	b.mu.Unlock()

	obj := b.conn.Object(bluezBus, path)
	go func() {
		call := obj.Call(bluezGattChar1+".StartNotify", 0)
		if call.Err != nil {
			b.mu.Lock()
			delete(b.notifying, path)
			b.mu.Unlock()
		}
		sink(NotifyStateChanged{ID: id, Characteristic: char, Enabled: call.Err == nil, Err: call.Err})
	}()
	return nil
}

func (b *BlueZAdapter) WriteWithResponse(id string, char CharacteristicInfo, data []byte) error {
	path, sink, err := b.characteristic(id, char)
	if err != nil {
		return err
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	obj := b.conn.Object(bluezBus, path)
	go func() {
		call := obj.Call(bluezGattChar1+".WriteValue", 0, payload, map[string]dbus.Variant{
			"type": dbus.MakeVariant("request"),
		})
		sink(WriteCompleted{ID: id, Characteristic: char.UUID, Err: call.Err})
	}()
	return nil
}

// Close removes the signal subscription. The system bus connection is
// shared by the process and stays open.
func (b *BlueZAdapter) Close() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.linked))
	for id := range b.linked {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		b.forget(id)
		device := b.conn.Object(bluezBus, devicePath(b.adapterPath, id))
		if call := device.Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", id, call.Err))
		}
	}

	b.mu.Lock()
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	signals := b.signals
	discovering := b.discovering
	b.discovering = false
	b.mu.Unlock()
	if discovering {
		if err := b.discover(false); err != nil {
			errs = append(errs, err)
		}
	}
	if signals != nil {
		b.conn.RemoveSignal(signals)
	}
	return errors.Join(errs...)
}

// watchSignals turns BlueZ D-Bus signals into adapter events.
func (b *BlueZAdapter) watchSignals() {
	for {
		select {
		case <-b.stop:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *BlueZAdapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsChangedSignal:
		b.onPropertiesChanged(sig)
	case interfacesAddedSignal:
		b.onInterfacesAdded(sig)
	}
}

func (b *BlueZAdapter) onPropertiesChanged(sig *dbus.Signal) {
	// Body: [interface string, changed map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()

	switch iface {
	case bluezAdapter1:
		if sig.Path != b.adapterPath {
			return
		}
		if v, ok := changed["Powered"]; ok {
			if powered, ok := v.Value().(bool); ok {
				sink(AdapterStateChanged{State: radioStateFromPowered(powered)})
			}
		}

	case bluezDevice1:
		id := macFromPath(b.adapterPath, sig.Path)
		if id == "" {
			return
		}
		if v, ok := changed["Connected"]; ok {
			if connected, _ := v.Value().(bool); !connected {
				b.mu.Lock()
				wasLinked := b.linked[id]
				b.mu.Unlock()
				if wasLinked {
					b.forget(id)
					sink(PeripheralDisconnected{ID: id})
				}
			}
		}
		// Cached devices show up again as RSSI or name updates.
		_, rssi := changed["RSSI"]
		_, name := changed["Name"]
		if rssi || name {
			b.announce(sig.Path, nil)
		}

	case bluezGattChar1:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		b.mu.Lock()
		c, subscribed := b.notifying[sig.Path]
		b.mu.Unlock()
		if !subscribed {
			return
		}
		value, _ := v.Value().([]byte)
		sink(ValueUpdated{ID: c.id, Characteristic: c.uuid, Value: value})
	}
}

func (b *BlueZAdapter) onInterfacesAdded(sig *dbus.Signal) {
	// Body: [path ObjectPath, interfaces map[string]map[string]Variant]
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if props, ok := ifaces[bluezDevice1]; ok {
		b.announce(path, props)
	}
}

// announce reports a device once it has a name. props may be nil, in
// which case they are fetched from BlueZ.
func (b *BlueZAdapter) announce(path dbus.ObjectPath, props map[string]dbus.Variant) {
	id := macFromPath(b.adapterPath, path)
	if id == "" {
		return
	}
	b.mu.Lock()
	done := b.announced[id]
	sink := b.sink
	b.mu.Unlock()
	if done {
		return
	}

	if props == nil {
		obj := b.conn.Object(bluezBus, path)
		if call := obj.Call(dbusProperties+".GetAll", 0, bluezDevice1); call.Err != nil || call.Store(&props) != nil {
			return
		}
	}

	name, _ := props["Name"].Value().(string)
	if name == "" {
		return
	}
	uuids, _ := props["UUIDs"].Value().([]string)
	b.mu.Lock()
	b.announced[id] = true
	b.mu.Unlock()
	sink(PeripheralDiscovered{ID: id, Name: name, ServiceUUIDs: uuids})
}

func (b *BlueZAdapter) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](b.conn, path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for services: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *BlueZAdapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	root := b.conn.Object(bluezBus, "/")
	if err := root.Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

func (b *BlueZAdapter) characteristic(id string, char CharacteristicInfo) (dbus.ObjectPath, EventSink, error) {
	key := NormalizeUUID(char.Service) + "/" + NormalizeUUID(char.UUID)
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.chars[id][key]
	if !ok {
		return "", nil, fmt.Errorf("ble: characteristic %s not discovered on %s", char.UUID, id)
	}
	return p, b.sink, nil
}

// forget cancels in-flight calls and drops cached object paths for a device.
func (b *BlueZAdapter) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.cancel[id]; ok {
		cancel()
		delete(b.cancel, id)
	}
	for p, c := range b.notifying {
		if c.id == id {
			delete(b.notifying, p)
		}
	}
	delete(b.linked, id)
	delete(b.services, id)
	delete(b.chars, id)
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// macFromPath extracts the MAC address from a device object path. It
// returns "" for paths that are not devices of the adapter, including
// GATT objects below a device.
func macFromPath(adapter dbus.ObjectPath, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

func childOf(parent, path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(parent)+"/")
}

// sortedPaths returns object paths in lexical order. BlueZ numbers GATT
// objects by handle, so this is discovery order.
func sortedPaths(objects managedObjects) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(objects))
	for p := range objects {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func propertiesFromFlags(flags []string) Property {
	var p Property
	for _, f := range flags {
		switch f {
		case "read":
			p |= PropRead
		case "write":
			p |= PropWrite
		case "write-without-response":
			p |= PropWriteWithoutResponse
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		}
	}
	return p
}

func radioStateFromPowered(powered bool) RadioState {
	if powered {
		return RadioPoweredOn
	}
	return RadioPoweredOff
}

// getProperty reads a typed property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, v.Value())
	}
	return val, nil
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)
