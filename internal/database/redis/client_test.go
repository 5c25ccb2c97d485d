package redis

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/stats"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{StatsKey("rig1"), "miner:rig1:stats"},
		{ShareCounterKey("rig1", true), "miner:rig1:shares:accepted"},
		{ShareCounterKey("rig1", false), "miner:rig1:shares:rejected"},
		{JobKey("rig1"), "miner:rig1:job"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestStatsFields(t *testing.T) {
	snap := stats.Snapshot{
		Timestamp:       time.Unix(1700000000, 0),
		Uptime:          90 * time.Second,
		HashesPerSecond: 1234.5,
		Accepted:        7,
		Rejected:        2,
	}
	want := map[string]any{
		"hashrate":       "1234.50",
		"accepted":       uint64(7),
		"rejected":       uint64(2),
		"uptime_seconds": int64(90),
		"updated_at":     int64(1700000000),
	}
	if got := StatsFields(snap); !reflect.DeepEqual(got, want) {
		t.Errorf("StatsFields() = %v, want %v", got, want)
	}
}

func TestNewClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"invalid url", "http://" + addr},
		{"unreachable", "redis://" + addr + "/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(t.Context(), &Config{URL: tt.url, Worker: "rig1", DialTimeout: 200 * time.Millisecond})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}
