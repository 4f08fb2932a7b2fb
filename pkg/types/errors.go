package types

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen signals that the cloud circuit breaker is open and the call
// was deliberately not attempted. It is never retried inline; the caller
// waits for the next cycle.
var ErrCircuitOpen = errors.New("circuit open")

// ConfigError reports invalid or missing configuration. Recoverable by a
// config reload.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Reason
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// CommunicationError reports a transport-level failure (timeout, refused,
// reset, serial port closed). It triggers device-level backoff and is
// retryable.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// RegisterError reports a Modbus exception code or client-side address
// validation failure. Register-specific: never retried, never cascades to
// other registers on the same device.
type RegisterError struct {
	Register string
	Code     byte
	Reason   string
}

func (e *RegisterError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("register %s: modbus exception 0x%02x: %s", e.Register, e.Code, e.Reason)
	}
	return fmt.Sprintf("register %s: %s", e.Register, e.Reason)
}

// WriteError reports a write the device rejected.
type WriteError struct {
	Register string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s rejected: %v", e.Register, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CommandNotTakenError reports a write that succeeded on the wire but whose
// read-back disagrees beyond tolerance. Raises a critical operational alarm.
type CommandNotTakenError struct {
	Register  string
	Written   float64
	ReadBack  float64
	Tolerance float64
}

func (e *CommandNotTakenError) Error() string {
	return fmt.Sprintf("command not taken: register %s wrote %g, read back %g (tolerance %g)",
		e.Register, e.Written, e.ReadBack, e.Tolerance)
}

// SyncError reports a cloud POST/PATCH that failed after retries. Affected
// rows remain unsynced for the next cycle.
type SyncError struct {
	Op     string
	Status int
	Err    error
}

func (e *SyncError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sync error during %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("sync error during %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ServiceError reports a lifecycle failure inside a service, visible to the
// supervisor through the health endpoint only.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsCommunicationError reports whether err is transport-class and should
// trigger device backoff plus a retry.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// IsRegisterError reports whether err is register-specific and must not be
// retried.
func IsRegisterError(err error) bool {
	var re *RegisterError
	return errors.As(err, &re)
}
