package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/hpasystem/internal/ble/protocol"
)

// ManagerOptions configures the session manager.
type ManagerOptions struct {
	ConnectTimeout       time.Duration // bound on an unconfirmed connect; 0 disables
	TargetCharacteristic string        // characteristic UUID to track (optional)
	WriteCharacteristic  string        // characteristic UUID commands are written to (optional)
	AutoConnect          string        // peripheral name to connect to on first sighting (optional)
	SendRate             float64       // max commands per second; <= 0 disables throttling
	SendBurst            int
	InboxSize            int // buffered events between backend and event loop
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout: 15 * time.Second,
		SendRate:       10,
		SendBurst:      1,
		InboxSize:      64,
	}
}

// Manager owns the BLE session: the discovered peripheral list, the single
// active connection and the last decoded reading.
//
// All platform events and all public operations are serialized through one
// inbox consumed by Run. Fields below the inbox are owned by that goroutine.
type Manager struct {
	adapter Adapter
	codec   protocol.Codec
	opts    ManagerOptions
	limiter *rate.Limiter

	inbox   chan Event
	done    chan struct{}
	running atomic.Bool

	snap  atomic.Pointer[Snapshot]
	bcast *broadcaster

	radio        RadioState
	scanning     bool
	peripherals  []PeripheralRecord
	index        map[string]int
	active       string
	selectedChar string
	chars        []CharacteristicInfo // discovery order, active peripheral only
	targetChars  []string
	values       []float64
	summary      string
	lastErr      error
	seq          uint64
	dirty        bool

	connectTimer *time.Timer
	connectGen   uint64
	attempt      uint64 // identity of the latest Adapter.Connect call
}

// internal commands travel through the inbox alongside platform events.
type (
	connectCmd struct {
		id    string
		reply chan error
	}
	disconnectCmd struct {
		reply chan error
	}
	sendCmd struct {
		values []float64
		reply  chan error
	}
	flushCmd struct {
		reply chan error
	}
	connectTimeout struct {
		id  string
		gen uint64
	}
)

func (connectCmd) isEvent()     {}
func (disconnectCmd) isEvent()  {}
func (sendCmd) isEvent()        {}
func (flushCmd) isEvent()       {}
func (connectTimeout) isEvent() {}

// NewManager creates a session manager over the given platform adapter.
func NewManager(adapter Adapter, codec protocol.Codec, opts ManagerOptions) (*Manager, error) {
	if adapter == nil {
		return nil, errors.New("ble: adapter must not be nil")
	}
	if codec == nil {
		return nil, errors.New("ble: codec must not be nil")
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.ConnectTimeout < 0 {
		opts.ConnectTimeout = 0
	}
	m := &Manager{
		adapter:      adapter,
		codec:        codec,
		opts:         opts,
		inbox:        make(chan Event, opts.InboxSize),
		done:         make(chan struct{}),
		bcast:        newBroadcaster(),
		index:        make(map[string]int),
		selectedChar: NormalizeUUID(opts.TargetCharacteristic),
	}
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	m.snap.Store(&Snapshot{})
	return m, nil
}

// Run enables the adapter and processes events until ctx is cancelled.
// On exit the active peripheral is disconnected, scanning stops and all
// subscriptions are closed.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("ble: manager already running")
	}
	defer close(m.done)
	defer m.bcast.closeAll()

	if err := m.adapter.Enable(m.post); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	slog.Info("[BLE] session manager started", "codec", m.codec.Name())

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.inbox:
			m.handle(ev)
		}
	}
}

// Snapshot returns the most recently published session state.
func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Subscribe returns a channel that receives the current snapshot followed by
// every later one. A slow reader only sees the latest value. The returned
// function cancels the subscription; the channel is also closed when Run exits.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.bcast.subscribe(m.Snapshot)
}

// Connect starts connecting to the discovered peripheral with the given ID.
// It returns once the attempt is initiated; completion is observable through
// snapshots. Returns ErrAlreadyConnected if another peripheral is active.
func (m *Manager) Connect(ctx context.Context, id string) error {
	return m.call(ctx, func(reply chan error) Event { return connectCmd{id: id, reply: reply} })
}

// Disconnect tears down the active connection. Returns ErrNotConnected,
// with no state change, if nothing is active.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.call(ctx, func(reply chan error) Event { return disconnectCmd{reply: reply} })
}

// Send encodes values with the configured codec and writes the command to
// the first writable characteristic of the connected peripheral.
func (m *Manager) Send(ctx context.Context, values ...float64) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ble: send throttled: %w", err)
		}
	}
	vals := slices.Clone(values)
	return m.call(ctx, func(reply chan error) Event { return sendCmd{values: vals, reply: reply} })
}

// flush returns after every event queued before it has been handled.
func (m *Manager) flush(ctx context.Context) error {
	return m.call(ctx, func(reply chan error) Event { return flushCmd{reply: reply} })
}

// post is the EventSink handed to the adapter.
func (m *Manager) post(ev Event) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

func (m *Manager) call(ctx context.Context, build func(reply chan error) Event) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- build(reply):
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
}

func (m *Manager) handle(ev Event) {
	switch e := ev.(type) {
	case AdapterStateChanged:
		m.onAdapterState(e)
	case PeripheralDiscovered:
		m.onDiscovered(e)
	case PeripheralConnected:
		m.onConnected(e)
	case ConnectFailed:
		m.onConnectFailed(e)
	case PeripheralDisconnected:
		m.onDisconnected(e)
	case ServicesDiscovered:
		m.onServices(e)
	case CharacteristicsDiscovered:
		m.onCharacteristics(e)
	case NotifyStateChanged:
		m.onNotify(e)
	case ValueUpdated:
		m.onValue(e)
	case WriteCompleted:
		m.onWrite(e)
	case connectTimeout:
		m.onConnectTimeout(e)
	case connectCmd:
		e.reply <- m.connect(e.id)
	case disconnectCmd:
		e.reply <- m.disconnect()
	case sendCmd:
		e.reply <- m.send(e.values)
	case flushCmd:
		e.reply <- nil
	default:
		slog.Warn("[BLE] unhandled event", "type", fmt.Sprintf("%T", ev))
	}
	if m.dirty {
		m.publish()
	}
}

// --- adapter state and discovery ---

func (m *Manager) onAdapterState(e AdapterStateChanged) {
	m.radio = e.State
	m.dirty = true

	if e.State == RadioPoweredOn {
		slog.Info("[BLE] radio powered on")
		clearErr[*RadioUnavailableError](m)
		m.resumeScan()
		return
	}

	m.scanning = false
	m.lastErr = &RadioUnavailableError{State: e.State, Reason: e.Reason}
	slog.Warn("[BLE] radio unavailable", "state", e.State, "reason", e.Reason)
}

func (m *Manager) onDiscovered(e PeripheralDiscovered) {
	if _, ok := m.index[e.ID]; ok {
		return
	}
	if e.Name == "" {
		return
	}

	rec := PeripheralRecord{
		ID:     e.ID,
		Name:   e.Name,
		Status: StatusDiscovered,
	}
	if len(e.ServiceUUIDs) > 0 {
		rec.ServiceUUID = NormalizeUUID(e.ServiceUUIDs[0])
	}
	m.index[e.ID] = len(m.peripherals)
	m.peripherals = append(m.peripherals, rec)
	m.dirty = true
	slog.Info("[BLE] peripheral found", "name", e.Name, "id", e.ID)

	if m.opts.AutoConnect != "" && e.Name == m.opts.AutoConnect && m.active == "" {
		if err := m.connect(e.ID); err != nil {
			slog.Warn("[BLE] auto-connect failed", "name", e.Name, "error", err)
		}
	}
}

func (m *Manager) startScan() {
	if m.scanning {
		return
	}
	if err := m.adapter.StartScan(); err != nil {
		m.lastErr = fmt.Errorf("ble: start scan: %w", err)
		m.dirty = true
		slog.Error("[BLE] scan failed to start", "error", err)
		return
	}
	m.scanning = true
	m.dirty = true
	slog.Info("[BLE] scanning for peripherals")
}

func (m *Manager) stopScan() {
	if !m.scanning {
		return
	}
	if err := m.adapter.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	m.scanning = false
	m.dirty = true
}

// resumeScan restarts discovery when the radio is up and nothing is active.
func (m *Manager) resumeScan() {
	if m.radio == RadioPoweredOn && m.active == "" {
		m.startScan()
	}
}

// --- connection lifecycle ---

func (m *Manager) connect(id string) error {
	if m.active != "" {
		slog.Warn("[BLE] connect rejected, peripheral already active", "active", m.active, "requested", id)
		return ErrAlreadyConnected
	}
	i, ok := m.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	m.stopScan()
	rec := &m.peripherals[i]
	m.active = id
	m.selectedChar = rec.SelectedCharacteristic
	if m.selectedChar == "" {
		m.selectedChar = NormalizeUUID(m.opts.TargetCharacteristic)
	}
	m.chars = nil
	m.targetChars = nil
	rec.Status = StatusConnecting
	m.dirty = true

	m.attempt++
	if err := m.adapter.Connect(id, m.attempt); err != nil {
		cerr := &ConnectFailedError{ID: id, Err: err}
		m.failConnect(cerr)
		return cerr
	}
	m.armConnectTimer(id)
	slog.Info("[BLE] connecting", "name", rec.Name, "id", id)
	return nil
}

func (m *Manager) armConnectTimer(id string) {
	m.disarmConnectTimer()
	if m.opts.ConnectTimeout <= 0 {
		return
	}
	gen := m.connectGen
	m.connectTimer = time.AfterFunc(m.opts.ConnectTimeout, func() {
		m.post(connectTimeout{id: id, gen: gen})
	})
}

// disarmConnectTimer stops the timer and invalidates any expiry already queued.
func (m *Manager) disarmConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	m.connectGen++
}

func (m *Manager) onConnected(e PeripheralConnected) {
	if e.ID != m.active {
		// Late confirmation of an attempt we already gave up on.
		slog.Warn("[BLE] unexpected connect confirmation, dropping link", "id", e.ID)
		if err := m.adapter.Disconnect(e.ID); err != nil {
			slog.Warn("[BLE] disconnect stray link failed", "id", e.ID, "error", err)
		}
		return
	}
	if e.Attempt != m.attempt {
		// Same peripheral, superseded attempt. The live attempt reports on its own.
		slog.Debug("[BLE] stale connect confirmation ignored", "id", e.ID, "attempt", e.Attempt)
		return
	}
	rec, ok := m.record(e.ID)
	if !ok || rec.Status != StatusConnecting {
		return
	}

	m.disarmConnectTimer()
	rec.Status = StatusConnected
	clearErr[*ConnectFailedError](m)
	m.dirty = true
	slog.Info("[BLE] connected", "name", rec.Name, "id", e.ID)

	if err := m.adapter.DiscoverServices(e.ID); err != nil {
		m.lastErr = &DiscoveryFailedError{ID: e.ID, Stage: "services", Err: err}
		slog.Error("[BLE] service discovery failed", "id", e.ID, "error", err)
	}
}

func (m *Manager) onConnectFailed(e ConnectFailed) {
	if e.ID != m.active || e.Attempt != m.attempt {
		return
	}
	err := e.Err
	if err == nil {
		err = errors.New("platform reported failure")
	}
	m.failConnect(&ConnectFailedError{ID: e.ID, Err: err})
}

func (m *Manager) onConnectTimeout(e connectTimeout) {
	if e.gen != m.connectGen || e.id != m.active {
		return
	}
	rec, ok := m.record(e.id)
	if !ok || rec.Status != StatusConnecting {
		return
	}
	slog.Warn("[BLE] connect timed out", "id", e.id, "timeout", m.opts.ConnectTimeout)
	if err := m.adapter.Disconnect(e.id); err != nil {
		slog.Warn("[BLE] cancel pending connect failed", "id", e.id, "error", err)
	}
	m.failConnect(&ConnectFailedError{
		ID:  e.id,
		Err: fmt.Errorf("%w after %s", errConnectTimeout, m.opts.ConnectTimeout),
	})
}

// failConnect moves the active peripheral to ConnectFailed and frees the slot.
func (m *Manager) failConnect(err *ConnectFailedError) {
	if rec, ok := m.record(err.ID); ok {
		rec.Status = StatusConnectFailed
	}
	m.lastErr = err
	m.clearActive()
	slog.Error("[BLE] connect failed", "id", err.ID, "error", err.Err)
	m.resumeScan()
}

func (m *Manager) onDisconnected(e PeripheralDisconnected) {
	if e.ID != m.active {
		return
	}
	rec, ok := m.record(e.ID)
	if ok && rec.Status == StatusConnecting {
		err := e.Err
		if err == nil {
			err = errors.New("link dropped while connecting")
		}
		m.failConnect(&ConnectFailedError{ID: e.ID, Err: err})
		return
	}
	if e.Err != nil {
		slog.Warn("[BLE] peripheral disconnected", "id", e.ID, "error", e.Err)
	} else {
		slog.Info("[BLE] peripheral disconnected", "id", e.ID)
	}
	m.teardown()
	m.resumeScan()
}

func (m *Manager) disconnect() error {
	if m.active == "" {
		return ErrNotConnected
	}
	id := m.active
	if err := m.adapter.Disconnect(id); err != nil {
		slog.Warn("[BLE] platform disconnect failed", "id", id, "error", err)
	}
	m.teardown()
	slog.Info("[BLE] disconnected", "id", id)
	m.resumeScan()
	return nil
}

// teardown marks the active record Disconnected and clears its payload.
func (m *Manager) teardown() {
	if rec, ok := m.record(m.active); ok {
		rec.Status = StatusDisconnected
		rec.LastPayload = nil
	}
	m.clearActive()
}

func (m *Manager) clearActive() {
	m.disarmConnectTimer()
	m.active = ""
	m.selectedChar = ""
	m.chars = nil
	m.targetChars = nil
	m.dirty = true
}

// --- GATT discovery ---

func (m *Manager) onServices(e ServicesDiscovered) {
	if e.ID != m.active {
		return
	}
	if e.Err != nil {
		m.lastErr = &DiscoveryFailedError{ID: e.ID, Stage: "services", Err: e.Err}
		m.dirty = true
		slog.Error("[BLE] service discovery failed", "id", e.ID, "error", e.Err)
		return
	}
	clearErr[*DiscoveryFailedError](m)
	for _, svc := range e.Services {
		slog.Debug("[BLE] service found", "id", e.ID, "service", svc)
		if err := m.adapter.DiscoverCharacteristics(e.ID, svc); err != nil {
			m.lastErr = &DiscoveryFailedError{ID: e.ID, Stage: "characteristics", Err: err}
			m.dirty = true
			slog.Error("[BLE] characteristic discovery failed", "id", e.ID, "service", svc, "error", err)
		}
	}
}

func (m *Manager) onCharacteristics(e CharacteristicsDiscovered) {
	if e.ID != m.active {
		return
	}
	if e.Err != nil {
		m.lastErr = &DiscoveryFailedError{ID: e.ID, Stage: "characteristics", Err: e.Err}
		m.dirty = true
		slog.Error("[BLE] characteristic discovery failed", "id", e.ID, "service", e.Service, "error", e.Err)
		return
	}

	for _, c := range e.Characteristics {
		if c.Service == "" {
			c.Service = e.Service
		}
		m.chars = append(m.chars, c)
		slog.Debug("[BLE] characteristic found", "uuid", c.UUID, "properties", c.Properties)

		if c.Properties.CanNotify() {
			if err := m.adapter.EnableNotify(e.ID, c); err != nil {
				slog.Warn("[BLE] enable notifications failed", "uuid", c.UUID, "error", err)
			}
		} else {
			slog.Debug("[BLE] characteristic does not notify, skipping", "uuid", c.UUID)
		}

		if SameUUID(c.UUID, m.selectedChar) {
			norm := NormalizeUUID(c.UUID)
			m.targetChars = append(m.targetChars, norm)
			if rec, ok := m.record(e.ID); ok {
				rec.SelectedCharacteristic = norm
			}
			m.dirty = true
		}
	}
}

func (m *Manager) onNotify(e NotifyStateChanged) {
	if e.Err != nil {
		slog.Warn("[BLE] notifications not enabled, skipping", "uuid", e.Characteristic.UUID, "error", e.Err)
		return
	}
	slog.Debug("[BLE] notifications enabled", "uuid", e.Characteristic.UUID)
}

// --- data path ---

func (m *Manager) onValue(e ValueUpdated) {
	if e.ID != m.active {
		return
	}
	if e.Err != nil {
		slog.Warn("[BLE] value update error", "uuid", e.Characteristic, "error", e.Err)
		return
	}
	// With a target characteristic selected, other notifying
	// characteristics are not decoded.
	if m.selectedChar != "" && !SameUUID(e.Characteristic, m.selectedChar) {
		return
	}

	reading, err := m.codec.Decode(e.Value)
	if err != nil {
		m.lastErr = err
		m.dirty = true
		slog.Warn("[BLE] invalid payload", "uuid", e.Characteristic, "error", err)
		return
	}

	clearErr[*MalformedPayloadError](m)
	m.values = reading.Values
	m.summary = reading.Summary
	if rec, ok := m.record(e.ID); ok {
		rec.LastPayload = slices.Clone(reading.Values)
	}
	m.dirty = true
	slog.Debug("[BLE] data received", "summary", reading.Summary)
}

func (m *Manager) send(values []float64) error {
	rec, ok := m.record(m.active)
	if !ok || rec.Status != StatusConnected {
		slog.Warn("[BLE] send rejected, no connected peripheral")
		return ErrNotConnected
	}
	char, ok := m.writableCharacteristic()
	if !ok {
		slog.Warn("[BLE] send rejected, no writable characteristic", "id", rec.ID)
		return ErrNoWritableCharacteristic
	}

	data, err := m.codec.EncodeCommand(values...)
	if err != nil {
		return fmt.Errorf("ble: encode command: %w", err)
	}
	if err := m.adapter.WriteWithResponse(rec.ID, char, data); err != nil {
		return &WriteFailedError{ID: rec.ID, Characteristic: char.UUID, Err: err}
	}
	slog.Info("[BLE] command sent", "id", rec.ID, "uuid", char.UUID, "command", string(data))
	return nil
}

// writableCharacteristic returns the configured write characteristic when it
// was discovered, otherwise the first one, in discovery order, that accepts
// acknowledged writes. The override is taken regardless of the reported
// properties since some backends cannot report them.
func (m *Manager) writableCharacteristic() (CharacteristicInfo, bool) {
	if m.opts.WriteCharacteristic != "" {
		for _, c := range m.chars {
			if SameUUID(c.UUID, m.opts.WriteCharacteristic) {
				return c, true
			}
		}
	}
	for _, c := range m.chars {
		if c.Properties.CanWrite() {
			return c, true
		}
	}
	return CharacteristicInfo{}, false
}

func (m *Manager) onWrite(e WriteCompleted) {
	if e.Err != nil {
		m.lastErr = &WriteFailedError{ID: e.ID, Characteristic: e.Characteristic, Err: e.Err}
		m.dirty = true
		slog.Warn("[BLE] write not acknowledged", "id", e.ID, "uuid", e.Characteristic, "error", e.Err)
		return
	}
	clearErr[*WriteFailedError](m)
	slog.Debug("[BLE] write acknowledged", "id", e.ID, "uuid", e.Characteristic)
}

// --- helpers ---

// clearErr drops the last error when it is an E, after the stage that
// produced it has since succeeded.
func clearErr[E error](m *Manager) {
	var target E
	if errors.As(m.lastErr, &target) {
		m.lastErr = nil
		m.dirty = true
	}
}

func (m *Manager) record(id string) (*PeripheralRecord, bool) {
	if id == "" {
		return nil, false
	}
	i, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return &m.peripherals[i], true
}

func (m *Manager) publish() {
	m.seq++
	m.dirty = false

	peripherals := make([]PeripheralRecord, len(m.peripherals))
	for i, p := range m.peripherals {
		p.LastPayload = slices.Clone(p.LastPayload)
		peripherals[i] = p
	}
	s := &Snapshot{
		Seq:             m.seq,
		Radio:           m.radio,
		Scanning:        m.scanning,
		Peripherals:     peripherals,
		ActiveID:        m.active,
		Summary:         m.summary,
		Values:          slices.Clone(m.values),
		Characteristics: slices.Clone(m.targetChars),
		Err:             m.lastErr,
	}
	m.snap.Store(s)
	m.bcast.publish(*s)
}

func (m *Manager) shutdown() {
	m.disarmConnectTimer()
	if m.active != "" {
		if err := m.adapter.Disconnect(m.active); err != nil {
			slog.Warn("[BLE] disconnect on shutdown failed", "id", m.active, "error", err)
		}
		m.teardown()
	}
	m.stopScan()
	if m.dirty {
		m.publish()
	}
	slog.Info("[BLE] session manager stopped")
}
