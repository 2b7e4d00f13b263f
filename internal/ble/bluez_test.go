package ble

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

const testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePath(t *testing.T) {
	tests := []struct {
		mac  string
		want dbus.ObjectPath
	}{
		{"AA:BB:CC:DD:EE:FF", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"},
		{"aa:bb:cc:dd:ee:ff", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"},
	}
	for _, tt := range tests {
		if got := devicePath(testAdapterPath, tt.mac); got != tt.want {
			t.Errorf("devicePath(%q) = %q, want %q", tt.mac, got, tt.want)
		}
	}
}

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		name string
		path dbus.ObjectPath
		want string
	}{
		{"device", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"other adapter", "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", ""},
		{"adapter itself", "/org/bluez/hci0", ""},
		{"gatt service", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a", ""},
		{"empty suffix", "/org/bluez/hci0/dev_", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := macFromPath(testAdapterPath, tt.path); got != tt.want {
				t.Errorf("macFromPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestDevicePathRoundTrip(t *testing.T) {
	mac := "01:23:45:67:89:AB"
	if got := macFromPath(testAdapterPath, devicePath(testAdapterPath, mac)); got != mac {
		t.Errorf("round trip = %q, want %q", got, mac)
	}
}

func TestChildOf(t *testing.T) {
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if !childOf(dev, dev+"/service000a") {
		t.Error("service should be a child of its device")
	}
	if childOf(dev, dev) {
		t.Error("a device is not its own child")
	}
	if childOf(dev, "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF0/service000a") {
		t.Error("prefix match on a different device")
	}
}

func TestSortedPaths(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci0/dev_X/service0010":          nil,
		"/org/bluez/hci0/dev_X/service000a":          nil,
		"/org/bluez/hci0/dev_X/service000a/char000b": nil,
	}
	got := sortedPaths(objects)
	want := []dbus.ObjectPath{
		"/org/bluez/hci0/dev_X/service000a",
		"/org/bluez/hci0/dev_X/service000a/char000b",
		"/org/bluez/hci0/dev_X/service0010",
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPropertiesFromFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		want  Property
	}{
		{"none", nil, 0},
		{"read notify", []string{"read", "notify"}, PropRead | PropNotify},
		{"write", []string{"write"}, PropWrite},
		{"write without response", []string{"write-without-response"}, PropWriteWithoutResponse},
		{"indicate", []string{"indicate"}, PropIndicate},
		{"unknown flags ignored", []string{"broadcast", "encrypt-read", "read"}, PropRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := propertiesFromFlags(tt.flags); got != tt.want {
				t.Errorf("propertiesFromFlags(%v) = %v, want %v", tt.flags, got, tt.want)
			}
		})
	}
}

func TestRadioStateFromPowered(t *testing.T) {
	if got := radioStateFromPowered(true); got != RadioPoweredOn {
		t.Errorf("powered = %v, want %v", got, RadioPoweredOn)
	}
	if got := radioStateFromPowered(false); got != RadioPoweredOff {
		t.Errorf("unpowered = %v, want %v", got, RadioPoweredOff)
	}
}

// eventLog is an EventSink that records what it receives.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// newTestBlueZ returns an adapter with no bus connection. Only code paths
// that stay off the bus may be exercised.
func newTestBlueZ(t *testing.T) (*BlueZAdapter, *eventLog) {
	t.Helper()
	log := &eventLog{}
	b := newBlueZAdapter(testAdapterPath)
	b.sink = log.sink
	return b, log
}

const (
	testMAC      = "AA:BB:CC:DD:EE:FF"
	testCharPath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0010/char0011")
)

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsChangedSignal,
		Body: []any{iface, changed, []string{}},
	}
}

func interfacesAdded(path dbus.ObjectPath, iface string, props map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: interfacesAddedSignal,
		Body: []any{path, map[string]map[string]dbus.Variant{iface: props}},
	}
}

func TestBlueZSignalTranslation(t *testing.T) {
	dev := devicePath(testAdapterPath, testMAC)

	tests := []struct {
		name  string
		setup func(b *BlueZAdapter)
		sig   *dbus.Signal
		want  []Event
	}{
		{
			name: "adapter powered off",
			sig:  propsChanged(testAdapterPath, bluezAdapter1, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}),
			want: []Event{AdapterStateChanged{State: RadioPoweredOff}},
		},
		{
			name: "adapter powered on",
			sig:  propsChanged(testAdapterPath, bluezAdapter1, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			want: []Event{AdapterStateChanged{State: RadioPoweredOn}},
		},
		{
			name: "other adapter ignored",
			sig:  propsChanged("/org/bluez/hci1", bluezAdapter1, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}),
		},
		{
			name:  "link drop while linked",
			setup: func(b *BlueZAdapter) { b.linked[testMAC] = true },
			sig:   propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}),
			want:  []Event{PeripheralDisconnected{ID: testMAC}},
		},
		{
			name: "link drop while not linked",
			sig:  propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}),
		},
		{
			name:  "connected true",
			setup: func(b *BlueZAdapter) { b.linked[testMAC] = true },
			sig:   propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
		},
		{
			name: "value while subscribed",
			setup: func(b *BlueZAdapter) {
				b.notifying[testCharPath] = gattChar{id: testMAC, uuid: testNotifyChar}
			},
			sig:  propsChanged(testCharPath, bluezGattChar1, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{1, 2})}),
			want: []Event{ValueUpdated{ID: testMAC, Characteristic: testNotifyChar, Value: []byte{1, 2}}},
		},
		{
			name: "value while not subscribed",
			sig:  propsChanged(testCharPath, bluezGattChar1, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{1, 2})}),
		},
		{
			name: "named device added",
			sig: interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{
				"Name":  dbus.MakeVariant("Trigger-A"),
				"UUIDs": dbus.MakeVariant([]string{testService}),
			}),
			want: []Event{PeripheralDiscovered{ID: testMAC, Name: "Trigger-A", ServiceUUIDs: []string{testService}}},
		},
		{
			name: "nameless device added",
			sig:  interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}),
		},
		{
			name:  "device already announced",
			setup: func(b *BlueZAdapter) { b.announced[testMAC] = true },
			sig:   interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{"Name": dbus.MakeVariant("Trigger-A")}),
		},
		{
			name:  "rssi update of announced device",
			setup: func(b *BlueZAdapter) { b.announced[testMAC] = true },
			sig:   propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-48))}),
		},
		{
			name: "gatt object added",
			sig:  interfacesAdded(testCharPath, bluezGattChar1, map[string]dbus.Variant{"UUID": dbus.MakeVariant(testNotifyChar)}),
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Path: dev, Name: propsChangedSignal, Body: []any{bluezDevice1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, log := newTestBlueZ(t)
			if tt.setup != nil {
				tt.setup(b)
			}
			b.handleSignal(tt.sig)
			if got := log.all(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("events = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBlueZLinkDropForgetsDevice(t *testing.T) {
	b, log := newTestBlueZ(t)
	b.linked[testMAC] = true
	b.notifying[testCharPath] = gattChar{id: testMAC, uuid: testNotifyChar}

	dev := devicePath(testAdapterPath, testMAC)
	b.handleSignal(propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	b.handleSignal(propsChanged(testCharPath, bluezGattChar1, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{1})}))
	b.handleSignal(propsChanged(dev, bluezDevice1, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))

	want := []Event{PeripheralDisconnected{ID: testMAC}}
	if got := log.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %#v, want %#v", got, want)
	}
}

func TestBlueZAnnouncesOnceNamed(t *testing.T) {
	b, log := newTestBlueZ(t)
	dev := devicePath(testAdapterPath, testMAC)

	b.handleSignal(interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{"Alias": dbus.MakeVariant("AA-BB")}))
	b.handleSignal(interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{"Name": dbus.MakeVariant("Trigger-A")}))
	b.handleSignal(interfacesAdded(dev, bluezDevice1, map[string]dbus.Variant{"Name": dbus.MakeVariant("Trigger-A")}))

	want := []Event{PeripheralDiscovered{ID: testMAC, Name: "Trigger-A"}}
	if got := log.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %#v, want %#v", got, want)
	}
}

// scanRecorder stands in for the D-Bus discovery calls.
type scanRecorder struct {
	mu      sync.Mutex
	calls   []bool
	err     error
	started chan bool
	release chan struct{}
}

func (r *scanRecorder) discover(on bool) error {
	if r.started != nil {
		r.started <- on
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, on)
	return r.err
}

func (r *scanRecorder) recorded() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func startScanWorker(t *testing.T, rec *scanRecorder) (*BlueZAdapter, *eventLog) {
	t.Helper()
	b, log := newTestBlueZ(t)
	b.discover = rec.discover
	go b.runScans()
	t.Cleanup(func() { close(b.stop) })
	return b, log
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBlueZScanCallsDoNotWaitOnTheBus(t *testing.T) {
	rec := &scanRecorder{started: make(chan bool, 4), release: make(chan struct{})}
	b, _ := startScanWorker(t, rec)

	if err := b.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if on := <-rec.started; !on {
		t.Fatal("first discovery call should start scanning")
	}

	// The bus call is still blocked; these must return immediately.
	returned := make(chan struct{})
	go func() {
		_ = b.StopScan()
		_ = b.StartScan()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("scan requests blocked on an in-flight bus call")
	}

	close(rec.release)
	waitFor(t, "discovery started", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.discovering
	})

	// Stop then start collapsed into the state already applied.
	if err := b.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	waitFor(t, "discovery stopped", func() bool { return len(rec.recorded()) == 2 })
	if got := rec.recorded(); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Errorf("discovery calls = %v, want [true false]", got)
	}
}

func TestBlueZScanStartFailureReported(t *testing.T) {
	rec := &scanRecorder{err: errors.New("org.bluez.Error.NotReady")}
	b, log := startScanWorker(t, rec)

	if err := b.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, "failure event", func() bool { return len(log.all()) == 1 })

	ev, ok := log.all()[0].(AdapterStateChanged)
	if !ok || ev.State != RadioUnknown || ev.Reason != "org.bluez.Error.NotReady" {
		t.Errorf("event = %#v, want AdapterStateChanged with the bus error", log.all()[0])
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discovering {
		t.Error("failed start left discovering set")
	}
}
