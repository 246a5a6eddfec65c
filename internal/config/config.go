package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Link     LinkConfig     `yaml:"link"`
	HTTP     HTTPConfig     `yaml:"http"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Session  SessionConfig  `yaml:"session"`
	Queue    QueueConfig    `yaml:"queue"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LinkConfig selects and configures the connection to the watch
type LinkConfig struct {
	Type   string       `yaml:"type"` // udp or serial
	UDP    UDPConfig    `yaml:"udp"`
	Serial SerialConfig `yaml:"serial"`
}

// UDPConfig contains the BLE gateway datagram link configuration
type UDPConfig struct {
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	BufferSize    int    `yaml:"buffer_size"`
	PeerTimeoutMs int    `yaml:"peer_timeout_ms"`
}

// SerialConfig contains the BLE-UART bridge configuration
type SerialConfig struct {
	Port             string `yaml:"port"`
	BaudRate         int    `yaml:"baud_rate"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// ProtocolConfig contains frame codec limits
type ProtocolConfig struct {
	MaxPayloadLen int `yaml:"max_payload_len"`
}

// SessionConfig contains the session and pull flow control parameters
type SessionConfig struct {
	WindowBytes        int    `yaml:"window_bytes"`
	StallTimeoutMs     int    `yaml:"stall_timeout_ms"`
	StallThresholdMs   int    `yaml:"stall_threshold_ms"`
	LiveGapMaxBytes    int    `yaml:"live_gap_max_bytes"`
	MaxTotalBytes      int    `yaml:"max_total_bytes"`
	MaxStallRetries    int    `yaml:"max_stall_retries"`
	CRCPolicy          string `yaml:"crc_policy"`
	CRCMaxRepulls      int    `yaml:"crc_max_repulls"`
	ThroughputReportMs int    `yaml:"throughput_report_ms"`
	HistorySize        int    `yaml:"history_size"`
}

// QueueConfig contains write queue parameters
type QueueConfig struct {
	Capacity           int `yaml:"capacity"`
	RetryDelayMs       int `yaml:"retry_delay_ms"`
	LeaseMs            int `yaml:"lease_ms"`
	StatsLogIntervalMs int `yaml:"stats_log_interval_ms"`
}

// OutputConfig contains WAV output parameters
type OutputConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Directory      string `yaml:"directory"`
	FilenamePrefix string `yaml:"filename_prefix"`
	SilenceMaxAbs  int    `yaml:"silence_max_abs"`
	QueueSize      int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration matching the watch firmware defaults
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Type: "udp",
			UDP: UDPConfig{
				BindAddress:   "0.0.0.0",
				Port:          4444,
				BufferSize:    65536,
				PeerTimeoutMs: 10000,
			},
			Serial: SerialConfig{
				BaudRate:         115200,
				ReconnectDelayMs: 2000,
			},
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Protocol: ProtocolConfig{
			MaxPayloadLen: 16384,
		},
		Session: SessionConfig{
			WindowBytes:        16384,
			StallTimeoutMs:     1200,
			StallThresholdMs:   1100,
			LiveGapMaxBytes:    4096,
			MaxTotalBytes:      10_000_000,
			MaxStallRetries:    20,
			CRCPolicy:          "log",
			CRCMaxRepulls:      1,
			ThroughputReportMs: 1000,
			HistorySize:        20,
		},
		Queue: QueueConfig{
			Capacity:           256,
			RetryDelayMs:       20,
			LeaseMs:            200,
			StatsLogIntervalMs: 1500,
		},
		Output: OutputConfig{
			Enabled:        true,
			Directory:      "./recordings",
			FilenamePrefix: "watch",
			SilenceMaxAbs:  80,
			QueueSize:      8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the link selection and the selected link
func (l *LinkConfig) Validate() error {
	switch l.Type {
	case "udp":
		return l.UDP.Validate()
	case "serial":
		return l.Serial.Validate()
	default:
		return fmt.Errorf("type must be 'udp' or 'serial', got '%s'", l.Type)
	}
}

// Validate validates UDP link configuration
func (u *UDPConfig) Validate() error {
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("udp port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.PeerTimeoutMs < 0 {
		return fmt.Errorf("peer_timeout_ms cannot be negative, got %d", u.PeerTimeoutMs)
	}

	return nil
}

// Validate validates serial link configuration
func (s *SerialConfig) Validate() error {
	if s.Port == "" {
		return fmt.Errorf("serial port cannot be empty")
	}

	if s.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", s.BaudRate)
	}

	if s.ReconnectDelayMs < 0 {
		return fmt.Errorf("reconnect_delay_ms cannot be negative, got %d", s.ReconnectDelayMs)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates frame codec limits
func (p *ProtocolConfig) Validate() error {
	if p.MaxPayloadLen < 16 || p.MaxPayloadLen > 65535 {
		return fmt.Errorf("max_payload_len must be between 16 and 65535, got %d", p.MaxPayloadLen)
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.WindowBytes < 1 || s.WindowBytes > 65535 {
		return fmt.Errorf("window_bytes must be between 1 and 65535, got %d", s.WindowBytes)
	}

	if s.StallTimeoutMs < 1 {
		return fmt.Errorf("stall_timeout_ms must be positive, got %d", s.StallTimeoutMs)
	}

	if s.StallThresholdMs < 1 || s.StallThresholdMs > s.StallTimeoutMs {
		return fmt.Errorf("stall_threshold_ms must be between 1 and stall_timeout_ms (%d), got %d",
			s.StallTimeoutMs, s.StallThresholdMs)
	}

	if s.LiveGapMaxBytes < 0 {
		return fmt.Errorf("live_gap_max_bytes cannot be negative, got %d", s.LiveGapMaxBytes)
	}

	if s.MaxTotalBytes < 1 {
		return fmt.Errorf("max_total_bytes must be positive, got %d", s.MaxTotalBytes)
	}

	if s.MaxStallRetries < 0 {
		return fmt.Errorf("max_stall_retries cannot be negative, got %d", s.MaxStallRetries)
	}

	validPolicies := map[string]bool{"off": true, "log": true, "repull": true}
	if !validPolicies[s.CRCPolicy] {
		return fmt.Errorf("crc_policy must be one of [off, log, repull], got '%s'", s.CRCPolicy)
	}

	if s.CRCMaxRepulls < 0 {
		return fmt.Errorf("crc_max_repulls cannot be negative, got %d", s.CRCMaxRepulls)
	}

	if s.ThroughputReportMs < 1 {
		return fmt.Errorf("throughput_report_ms must be positive, got %d", s.ThroughputReportMs)
	}

	return nil
}

// Validate validates write queue configuration
func (q *QueueConfig) Validate() error {
	if q.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", q.Capacity)
	}

	if q.RetryDelayMs < 1 {
		return fmt.Errorf("retry_delay_ms must be positive, got %d", q.RetryDelayMs)
	}

	if q.LeaseMs < 1 {
		return fmt.Errorf("lease_ms must be positive, got %d", q.LeaseMs)
	}

	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	if !o.Enabled {
		return nil
	}

	if o.Directory == "" {
		return fmt.Errorf("directory cannot be empty when output is enabled")
	}

	if o.SilenceMaxAbs < 0 || o.SilenceMaxAbs > 32767 {
		return fmt.Errorf("silence_max_abs must be between 0 and 32767, got %d", o.SilenceMaxAbs)
	}

	if o.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", o.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// any other output value is a file path
	return nil
}

// GetPeerTimeout returns the UDP peer timeout as a time.Duration
func (u *UDPConfig) GetPeerTimeout() time.Duration {
	return time.Duration(u.PeerTimeoutMs) * time.Millisecond
}

// GetReconnectDelay returns the serial reconnect delay as a time.Duration
func (s *SerialConfig) GetReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

// GetStallTimeout returns the stall check delay as a time.Duration
func (s *SessionConfig) GetStallTimeout() time.Duration {
	return time.Duration(s.StallTimeoutMs) * time.Millisecond
}

// GetStallThreshold returns the stall idle threshold as a time.Duration
func (s *SessionConfig) GetStallThreshold() time.Duration {
	return time.Duration(s.StallThresholdMs) * time.Millisecond
}

// GetThroughputReport returns the progress log interval as a time.Duration
func (s *SessionConfig) GetThroughputReport() time.Duration {
	return time.Duration(s.ThroughputReportMs) * time.Millisecond
}

// GetRetryDelay returns the write retry delay as a time.Duration
func (q *QueueConfig) GetRetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMs) * time.Millisecond
}

// GetLease returns the in-flight write lease as a time.Duration
func (q *QueueConfig) GetLease() time.Duration {
	return time.Duration(q.LeaseMs) * time.Millisecond
}

// GetStatsLogInterval returns the queue stats log interval as a time.Duration
func (q *QueueConfig) GetStatsLogInterval() time.Duration {
	return time.Duration(q.StatsLogIntervalMs) * time.Millisecond
}
