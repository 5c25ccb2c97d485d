// Package config provides configuration management for the miner.
// Values come from an optional TOML file named by CONFIG_FILE and are
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gominer/pkg/errors"
)

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	WorkerID    string

	// Devices
	DeviceType  DeviceType
	DeviceCores int
	SerialPorts []string

	// Work
	Algorithm PowType
	WorkHosts []PoolHost
	Network   string

	// Pool connection timing
	ConnectTimeout       time.Duration
	TickInterval         time.Duration
	FailoverTickInterval time.Duration
	HealthCheckInterval  time.Duration
	OutboundQueueSize    int

	// Serial devices
	HandshakeTimeout time.Duration

	// Telemetry, each sink disabled when empty
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string
	RedisURL       string
	KafkaBrokers   []string
	ZMQPublishAddr string
	StatsInterval  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment
func Load() (*Config, error) {
	fc := &fileConfig{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, ok, err := loadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfiguration, "load_config", "cannot read config file").
				With("path", path)
		}
		if !ok {
			return nil, errors.New(errors.KindConfiguration, "load_config", "config file not found").
				With("path", path)
		}
		fc = loaded
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "miner"
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", orString(fc.Service.Name, "gominer")),
		Version:     getEnv("VERSION", "dev"),
		WorkerID:    getEnv("WORKER_ID", orString(fc.Service.WorkerID, hostname)),

		DeviceCores: getEnvInt("DEVICE_CORES", fc.Device.Cores),
		SerialPorts: getEnvSlice("SERIAL_PORTS", fc.Device.SerialPorts),

		Network: getEnv("COIN_NETWORK", orString(fc.Work.Network, "mainnet")),

		ConnectTimeout:       getEnvDuration("CONNECT_TIMEOUT", orDuration(fc.Pool.ConnectTimeout, 8*time.Second)),
		TickInterval:         getEnvDuration("TICK_INTERVAL", orDuration(fc.Pool.TickInterval, 8*time.Second)),
		FailoverTickInterval: getEnvDuration("FAILOVER_TICK_INTERVAL", orDuration(fc.Pool.FailoverTickInterval, 90*time.Second)),
		HealthCheckInterval:  getEnvDuration("HEALTH_CHECK_INTERVAL", orDuration(fc.Pool.HealthCheckInterval, 60*time.Second)),
		OutboundQueueSize:    getEnvInt("OUTBOUND_QUEUE_SIZE", orInt(fc.Pool.OutboundQueueSize, 64)),

		HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT", orDuration(fc.Device.HandshakeTimeout, 8*time.Second)),

		InfluxURL:      getEnv("INFLUX_URL", fc.Telemetry.InfluxURL),
		InfluxToken:    getEnv("INFLUX_TOKEN", fc.Telemetry.InfluxToken),
		InfluxOrg:      getEnv("INFLUX_ORG", orString(fc.Telemetry.InfluxOrg, "gominer")),
		InfluxBucket:   getEnv("INFLUX_BUCKET", orString(fc.Telemetry.InfluxBucket, "mining")),
		RedisURL:       getEnv("REDIS_URL", fc.Telemetry.RedisURL),
		KafkaBrokers:   getEnvSlice("KAFKA_BROKERS", fc.Telemetry.KafkaBrokers),
		ZMQPublishAddr: getEnv("ZMQ_PUBLISH_ADDR", fc.Telemetry.ZMQPublishAddr),
		StatsInterval:  getEnvDuration("STATS_INTERVAL", orDuration(fc.Telemetry.StatsInterval, 60*time.Second)),

		LogLevel:  getEnv("LOG_LEVEL", orString(fc.Logging.Level, "info")),
		LogFormat: getEnv("LOG_FORMAT", orString(fc.Logging.Format, "json")),
	}

	deviceType, err := ParseDeviceType(getEnv("DEVICE_TYPE", orString(fc.Device.Type, string(DeviceCPU))))
	if err != nil {
		return nil, err
	}
	cfg.DeviceType = deviceType

	if name := getEnv("WORK_ALGORITHM", fc.Work.Algorithm); name != "" {
		pow, err := ParsePowType(name)
		if err != nil {
			return nil, err
		}
		cfg.Algorithm = pow
	}

	hosts, err := ParseWorkHosts(getEnvSlice("WORK_HOSTS", fc.Work.Hosts))
	if err != nil {
		return nil, err
	}
	cfg.WorkHosts = hosts

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	invalid := func(msg string) error {
		return errors.New(errors.KindConfiguration, "validate", msg)
	}

	if c.ServiceName == "" {
		return invalid("SERVICE_NAME cannot be empty")
	}

	if c.Algorithm == "" {
		return invalid("WORK_ALGORITHM is required")
	}

	if len(c.WorkHosts) == 0 {
		return invalid("at least one WORK_HOSTS entry is required")
	}

	if c.DeviceCores < 0 {
		return invalid("DEVICE_CORES cannot be negative")
	}

	if c.DeviceType == DeviceSerial && len(c.SerialPorts) == 0 {
		return invalid("SERIAL_PORTS is required for serial devices")
	}

	if c.ConnectTimeout <= 0 || c.TickInterval <= 0 || c.HealthCheckInterval <= 0 {
		return invalid("pool timers must be positive")
	}

	if c.FailoverTickInterval <= c.HealthCheckInterval {
		return invalid("FAILOVER_TICK_INTERVAL must be greater than HEALTH_CHECK_INTERVAL")
	}

	if c.HandshakeTimeout <= 0 {
		return invalid("HANDSHAKE_TIMEOUT must be positive")
	}

	if c.OutboundQueueSize <= 0 {
		return invalid("OUTBOUND_QUEUE_SIZE must be positive")
	}

	if c.ChainParams() == nil {
		return invalid("unknown COIN_NETWORK " + strconv.Quote(c.Network))
	}

	return nil
}

// ChainParams returns the btcd parameters for the configured network, or nil
func (c *Config) ChainParams() *chaincfg.Params {
	switch strings.ToLower(c.Network) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return nil
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		return parsed
	}
	return fallback
}
