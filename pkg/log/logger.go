// Package log provides structured logging utilities for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bardlex/gominer/pkg/errors"
)

// Logger wraps slog.Logger with service identity and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "test", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the service name the logger was created with
func (l *Logger) Service() string {
	return l.service
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithHost returns a logger tagged with a pool host and its position in the host list
func (l *Logger) WithHost(index int, address string) *Logger {
	return l.WithFields("host_index", index, "host", address)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", height)
}

// WithDevice returns a logger tagged with a device kind and id
func (l *Logger) WithDevice(kind string, id int) *Logger {
	return l.WithFields("device", kind, "device_id", id)
}

// WithError returns a logger with the error text and, for a MinerError,
// its fields
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	fields := []any{"error", err.Error()}
	if f := errors.FieldsOf(err); len(f) > 0 {
		fields = append(fields, "error_fields", f)
	}
	return l.WithFields(fields...)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol lines (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs a pool verdict together with the running totals
func (l *Logger) LogShareResult(jobID string, accepted bool, acceptedTotal, rejectedTotal uint64, hashesPerSecond float64) {
	status := "rejected"
	if accepted {
		status = "accepted"
	}

	total := acceptedTotal + rejectedTotal
	var pct float64
	if total > 0 {
		pct = 100 * float64(acceptedTotal) / float64(total)
	}

	l.Info("share result",
		"job_id", jobID,
		"status", status,
		"accepted", acceptedTotal,
		"total", total,
		"accept_pct", pct,
		"khs", hashesPerSecond/1000,
	)
}

// LogHashrate logs a hashrate sample
func (l *Logger) LogHashrate(hashesPerSecond float64) {
	l.Info("hashing", "khs", hashesPerSecond/1000)
}

// LogFailover logs a switch between pool hosts
func (l *Logger) LogFailover(from, to int, reason string) {
	l.Warn("switching work host",
		"from_index", from,
		"to_index", to,
		"primary", to == 0,
		"reason", reason,
	)
}
