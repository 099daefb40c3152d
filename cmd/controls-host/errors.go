package main

import (
	"errors"
	"fmt"
)

// ErrIdentityConflict is returned when the server rejects the handshake,
// usually because another host already holds the role.
var ErrIdentityConflict = errors.New("identity rejected by server (role already taken)")

// ConnectionError is fatal to a session: the stream failed or its framing can
// no longer be trusted. The reconnect loop retries it.
type ConnectionError struct {
	Op  string // "dial", "handshake", "request", "read frame", ...
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeErrorKind classifies codec failures.
type DecodeErrorKind string

const (
	InvalidDiscriminant DecodeErrorKind = "invalid_discriminant"
	ReservedNonZero     DecodeErrorKind = "reserved_nonzero"
	InvalidVolume       DecodeErrorKind = "invalid_volume"
	InvalidPayload      DecodeErrorKind = "invalid_payload"
)

// DecodeError reports a malformed frame. It is non-fatal to the session.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode: %s", e.Kind)
	}
	return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeviceError reports a failed volume endpoint call. It is non-fatal.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("volume device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// InjectorError reports a failed input injection. It is non-fatal.
type InjectorError struct {
	Op  string
	Err error
}

func (e *InjectorError) Error() string {
	return fmt.Sprintf("input injector %s: %v", e.Op, e.Err)
}

func (e *InjectorError) Unwrap() error { return e.Err }

// errorKind returns a short label for metrics and logs.
func errorKind(err error) string {
	var (
		connErr   *ConnectionError
		decodeErr *DecodeError
		devErr    *DeviceError
		injErr    *InjectorError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrIdentityConflict):
		return "identity_conflict"
	case errors.As(err, &decodeErr):
		return string(decodeErr.Kind)
	case errors.As(err, &devErr):
		return "device"
	case errors.As(err, &injErr):
		return "injector"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "other"
	}
}
