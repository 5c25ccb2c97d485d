package config

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// fileConfig mirrors the optional TOML file. Durations are strings in
// time.ParseDuration syntax.
type fileConfig struct {
	Service struct {
		Name     string `toml:"name"`
		WorkerID string `toml:"worker_id"`
	} `toml:"service"`

	Device struct {
		Type             string   `toml:"type"`
		Cores            int      `toml:"cores"`
		SerialPorts      []string `toml:"serial_ports"`
		HandshakeTimeout string   `toml:"handshake_timeout"`
	} `toml:"device"`

	Work struct {
		Algorithm string   `toml:"algorithm"`
		Hosts     []string `toml:"hosts"`
		Network   string   `toml:"network"`
	} `toml:"work"`

	Pool struct {
		ConnectTimeout       string `toml:"connect_timeout"`
		TickInterval         string `toml:"tick_interval"`
		FailoverTickInterval string `toml:"failover_tick_interval"`
		HealthCheckInterval  string `toml:"health_check_interval"`
		OutboundQueueSize    int    `toml:"outbound_queue_size"`
	} `toml:"pool"`

	Telemetry struct {
		InfluxURL      string   `toml:"influx_url"`
		InfluxToken    string   `toml:"influx_token"`
		InfluxOrg      string   `toml:"influx_org"`
		InfluxBucket   string   `toml:"influx_bucket"`
		RedisURL       string   `toml:"redis_url"`
		KafkaBrokers   []string `toml:"kafka_brokers"`
		ZMQPublishAddr string   `toml:"zmq_publish_addr"`
		StatsInterval  string   `toml:"stats_interval"`
	} `toml:"telemetry"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// loadFile reads path. ok is false when the file does not exist.
func loadFile(path string) (cfg *fileConfig, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}

	return &fc, true, nil
}
