package tetrad

import (
	"fmt"

	"github.com/pkg/errors"
)

// A ConfigurationError reports an invalid startup configuration, such as a
// world size that does not match the product of the four parallel degrees.
// Configuration errors are fatal and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Configurationf creates a ConfigurationError with a formatted reason.
func Configurationf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// A TransportError reports a send, receive, or collective that failed. The
// system assumes a reliable transport, so a transport error is an
// unrecoverable job failure: it propagates up and terminates the owning
// process. There is no retry or timeout policy.
type TransportError struct {
	Op     string
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure in %s: %s", e.Op, e.Reason)
}

// Transportf creates a TransportError for the given operation.
func Transportf(op, format string, args ...interface{}) error {
	return &TransportError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// An InvariantViolation is a programming error, such as reducing a
// half-populated gradient bucket or running a backward pass with no matching
// forward. It is raised as a panic: the process must not continue with
// partially-consistent state.
type InvariantViolation struct {
	Reason string
}

func (v InvariantViolation) Error() string {
	return "invariant violation: " + v.Reason
}

// Invariantf panics with an InvariantViolation carrying a formatted reason.
func Invariantf(format string, args ...interface{}) {
	panic(InvariantViolation{Reason: fmt.Sprintf(format, args...)})
}
