package live

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceAccess is matched by errors from microphone acquisition.
	ErrDeviceAccess = errors.New("live: microphone unavailable")

	// ErrHandshake is matched by errors from the transport handshake.
	ErrHandshake = errors.New("live: transport handshake failed")

	// ErrTransportRuntime is matched by errors that ended an active session.
	ErrTransportRuntime = errors.New("live: transport failed")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state, e.g. Start on a session that was already started.
	ErrInvalidTransition = errors.New("live: invalid state transition")

	// ErrStopped is returned by Start when Stop interrupted the handshake.
	ErrStopped = errors.New("live: stopped during start")
)

// DeviceAccessError reports that the microphone could not be acquired or
// started. It matches [ErrDeviceAccess].
type DeviceAccessError struct {
	Err error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("live: acquire microphone: %v", e.Err)
}

// Is reports whether target is [ErrDeviceAccess].
func (e *DeviceAccessError) Is(target error) bool { return target == ErrDeviceAccess }

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// HandshakeError reports that the transport could not be opened. It matches
// [ErrHandshake].
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("live: transport handshake: %v", e.Err)
}

// Is reports whether target is [ErrHandshake].
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

func (e *HandshakeError) Unwrap() error { return e.Err }

// RuntimeError reports a transport failure after the session became
// active. It matches [ErrTransportRuntime].
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("live: transport: %v", e.Err)
}

// Is reports whether target is [ErrTransportRuntime].
func (e *RuntimeError) Is(target error) bool { return target == ErrTransportRuntime }

func (e *RuntimeError) Unwrap() error { return e.Err }
