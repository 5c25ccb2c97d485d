package log

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/bardlex/gominer/pkg/errors"
)

func TestWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantFields map[string]any
	}{
		{
			name:       "miner error",
			err:        errors.New(errors.KindConnection, "dial", "refused").With("pool", "pool.example.com:3333"),
			wantFields: map[string]any{"pool": "pool.example.com:3333"},
		},
		{
			name:       "wrapped miner error",
			err:        fmt.Errorf("start: %w", errors.New(errors.KindDeviceTimeout, "handshake", "silent").With("port", "/dev/ttyUSB0")),
			wantFields: map[string]any{"port": "/dev/ttyUSB0"},
		},
		{
			name: "plain error",
			err:  stderrors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, "test", "v0", "info", "json")
			logger.WithError(tt.err).Error("failed")

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("log line %q: %v", buf.String(), err)
			}
			if line["error"] != tt.err.Error() {
				t.Errorf("error = %v, want %q", line["error"], tt.err.Error())
			}

			got, ok := line["error_fields"].(map[string]any)
			if tt.wantFields == nil {
				if ok {
					t.Errorf("error_fields = %v, want none", got)
				}
				return
			}
			for k, v := range tt.wantFields {
				if got[k] != v {
					t.Errorf("error_fields[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestWithError_Nil(t *testing.T) {
	logger := Nop()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) must return the same logger")
	}
}
