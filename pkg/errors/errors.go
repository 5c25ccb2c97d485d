// Package errors provides the structured error type shared by the miner's components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure by how the caller is expected to react to it
type Kind string

const (
	// KindProtocolParse marks an unparseable or unroutable pool line; the line is dropped
	KindProtocolParse Kind = "protocol_parse"
	// KindConnection marks a resolve, connect, read or write failure on a pool connection
	KindConnection Kind = "connection"
	// KindDeviceTimeout marks a serial device that did not complete its handshake
	KindDeviceTimeout Kind = "device_timeout"
	// KindConfiguration marks invalid startup configuration; it aborts startup
	KindConfiguration Kind = "configuration"
	// KindHashType marks an unknown proof-of-work algorithm
	KindHashType Kind = "hash_type"
	// KindSubmitRejected marks a share the pool refused
	KindSubmitRejected Kind = "submit_rejected"
	// KindTelemetry marks a failed write to a metrics or event sink
	KindTelemetry Kind = "telemetry"
	// KindInternal marks anything else
	KindInternal Kind = "internal"
)

// MinerError is an error with an operation, a kind and optional key/value fields
type MinerError struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Fields    map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *MinerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the underlying cause
func (e *MinerError) Unwrap() error {
	return e.Cause
}

// With attaches a field to the error and returns it for chaining
func (e *MinerError) With(key string, value any) *MinerError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// New creates a MinerError without a cause
func New(kind Kind, op, message string) *MinerError {
	return &MinerError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableKind(kind),
	}
}

// Wrap wraps err. A nil err yields nil.
func Wrap(err error, kind Kind, op, message string) *MinerError {
	if err == nil {
		return nil
	}

	retryable := retryableKind(kind)
	var me *MinerError
	if errors.As(err, &me) {
		retryable = retryable || me.Retryable
	} else if !retryable {
		retryable = retryableCause(err)
	}

	return &MinerError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableKind(kind Kind) bool {
	switch kind {
	case KindConnection, KindTelemetry:
		return true
	default:
		return false
	}
}

func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"i/o timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsKind reports whether any MinerError in err's chain has the given kind
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var me *MinerError
		if !errors.As(err, &me) {
			return false
		}
		if me.Kind == kind {
			return true
		}
		err = me.Cause
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var me *MinerError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return retryableCause(err)
}

// IsFatal reports whether err must abort startup
func IsFatal(err error) bool {
	return IsKind(err, KindConfiguration)
}

// FieldsOf returns the fields of the outermost MinerError in err's chain
func FieldsOf(err error) map[string]any {
	var me *MinerError
	if errors.As(err, &me) {
		return me.Fields
	}
	return nil
}
