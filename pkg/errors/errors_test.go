package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMinerError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *MinerError
		expected string
	}{
		{
			name: "with cause",
			err: &MinerError{
				Kind:    KindConnection,
				Op:      "dial",
				Message: "pool unreachable",
				Cause:   errors.New("connection refused"),
			},
			expected: "connection: dial: pool unreachable: connection refused",
		},
		{
			name: "without cause",
			err: &MinerError{
				Kind:    KindConfiguration,
				Op:      "parse_work_host",
				Message: "missing port",
			},
			expected: "configuration: parse_work_host: missing port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNew_RetryableByKind(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindConnection, true},
		{KindTelemetry, true},
		{KindProtocolParse, false},
		{KindConfiguration, false},
		{KindDeviceTimeout, false},
		{KindHashType, false},
		{KindSubmitRejected, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, KindInternal, "op", "msg") != nil {
		t.Fatal("wrapping nil should yield nil")
	}

	cause := errors.New("connection reset by peer")
	err := Wrap(cause, KindInternal, "read", "read failed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !err.Retryable {
		t.Error("a reset connection should be retryable even under an internal kind")
	}

	inner := New(KindConnection, "dial", "refused")
	outer := Wrap(inner, KindInternal, "start", "start failed")
	if !outer.Retryable {
		t.Error("retryability should be inherited from a wrapped MinerError")
	}
}

func TestWith(t *testing.T) {
	err := New(KindProtocolParse, "handle_line", "bad json").
		With("line", "{").
		With("host_index", 1)

	fields := FieldsOf(err)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields["line"] != "{" || fields["host_index"] != 1 {
		t.Errorf("unexpected fields %v", fields)
	}

	if FieldsOf(errors.New("plain")) != nil {
		t.Error("plain errors have no fields")
	}
}

func TestIsKind(t *testing.T) {
	base := New(KindConfiguration, "parse", "bad host")
	wrapped := Wrap(base, KindInternal, "load", "load failed")
	stdWrapped := fmt.Errorf("startup: %w", wrapped)

	tests := []struct {
		name string
		err  error
		kind Kind
		want bool
	}{
		{"direct", base, KindConfiguration, true},
		{"outer kind", wrapped, KindInternal, true},
		{"inner kind", wrapped, KindConfiguration, true},
		{"through fmt wrap", stdWrapped, KindConfiguration, true},
		{"absent", wrapped, KindTelemetry, false},
		{"plain error", errors.New("x"), KindInternal, false},
		{"nil", nil, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKind(tt.err, tt.kind); got != tt.want {
				t.Errorf("IsKind() = %v, want %v", got, tt.want)
			}
		})
	}

	if !IsFatal(stdWrapped) {
		t.Error("configuration errors are fatal")
	}
	if IsFatal(New(KindConnection, "dial", "x")) {
		t.Error("connection errors are not fatal")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"unknown", errors.New("boom"), false},
		{"connection kind", New(KindConnection, "dial", "x"), true},
		{"parse kind", New(KindProtocolParse, "parse", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
