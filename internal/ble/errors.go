package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/hpasystem/internal/ble/protocol"
)

var (
	// ErrAlreadyConnected is returned by Connect while another peripheral
	// is connecting or connected.
	ErrAlreadyConnected = errors.New("ble: a peripheral is already active")
	// ErrNotConnected is returned by Send and Disconnect with no active peripheral.
	ErrNotConnected = errors.New("ble: no connected peripheral")
	// ErrNoWritableCharacteristic is returned by Send when the connected
	// peripheral exposes no characteristic with write capability.
	ErrNoWritableCharacteristic = errors.New("ble: no writable characteristic")
	// ErrUnknownPeripheral is returned by Connect for an ID never discovered.
	ErrUnknownPeripheral = errors.New("ble: unknown peripheral")
	// ErrManagerStopped is returned by operations after Run has exited.
	ErrManagerStopped = errors.New("ble: manager stopped")
)

// MalformedPayloadError is re-exported so callers need not import protocol.
type MalformedPayloadError = protocol.MalformedPayloadError

// RadioUnavailableError reports that scanning cannot proceed.
type RadioUnavailableError struct {
	State  RadioState
	Reason string
}

func (e *RadioUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ble: radio unavailable (%s)", e.State)
	}
	return fmt.Sprintf("ble: radio unavailable (%s): %s", e.State, e.Reason)
}

// ConnectFailedError reports a connect attempt that failed or timed out.
type ConnectFailedError struct {
	ID  string
	Err error
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("ble: connect to %s failed: %v", e.ID, e.Err)
}

func (e *ConnectFailedError) Unwrap() error { return e.Err }

// DiscoveryFailedError reports a service or characteristic discovery error.
type DiscoveryFailedError struct {
	ID    string
	Stage string // "services" or "characteristics"
	Err   error
}

func (e *DiscoveryFailedError) Error() string {
	return fmt.Sprintf("ble: %s discovery on %s failed: %v", e.Stage, e.ID, e.Err)
}

func (e *DiscoveryFailedError) Unwrap() error { return e.Err }

// WriteFailedError reports a write the peripheral did not acknowledge.
type WriteFailedError struct {
	ID             string
	Characteristic string
	Err            error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("ble: write to %s on %s failed: %v", e.Characteristic, e.ID, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }

// errConnectTimeout is wrapped in ConnectFailedError when the timer fires.
var errConnectTimeout = errors.New("connect timed out")

// IsConnectTimeout reports whether err is a connect attempt that timed out.
func IsConnectTimeout(err error) bool {
	return errors.Is(err, errConnectTimeout)
}
