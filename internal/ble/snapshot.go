package ble

import "sync"

// Status is the connection status of one peripheral.
type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusConnectFailed
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusConnectFailed:
		return "connect-failed"
	default:
		return "unknown"
	}
}

// PeripheralRecord is one discovered peripheral.
type PeripheralRecord struct {
	ID                     string
	Name                   string
	Status                 Status
	ServiceUUID            string // first advertised service, fixed at discovery
	SelectedCharacteristic string
	LastPayload            []float64 // nil until a notification is decoded
}

// Snapshot is an immutable view of the session. A new value is published
// after every event the manager handles; callers must not modify slices.
type Snapshot struct {
	Seq             uint64
	Radio           RadioState
	Scanning        bool
	Peripherals     []PeripheralRecord // discovery order
	ActiveID        string
	Summary         string
	Values          []float64
	Characteristics []string // discovered characteristics matching the target
	Err             error    // most recent asynchronous error
}

// Active returns the record of the active peripheral, if any.
func (s Snapshot) Active() (PeripheralRecord, bool) {
	if s.ActiveID == "" {
		return PeripheralRecord{}, false
	}
	return s.Find(s.ActiveID)
}

// Find looks up a record by ID.
func (s Snapshot) Find(id string) (PeripheralRecord, bool) {
	for _, p := range s.Peripherals {
		if p.ID == id {
			return p, true
		}
	}
	return PeripheralRecord{}, false
}

// Connected reports whether the active peripheral has completed connecting.
func (s Snapshot) Connected() bool {
	p, ok := s.Active()
	return ok && p.Status == StatusConnected
}

// broadcaster fans snapshots out to subscribers. Each subscriber channel
// holds at most one pending snapshot; older undelivered values are replaced.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Snapshot]struct{})}
}

// subscribe registers a channel primed with current(). Holding mu while
// reading current keeps a concurrent publish from being delivered first.
func (b *broadcaster) subscribe(current func() Snapshot) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	b.mu.Lock()
	ch <- current()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Drop the stale value and deliver the latest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
