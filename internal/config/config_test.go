package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid link type",
			mutate:      func(c *Config) { c.Link.Type = "ble" },
			expectError: true,
			errorMsg:    "type must be 'udp' or 'serial'",
		},
		{
			name:        "invalid udp port",
			mutate:      func(c *Config) { c.Link.UDP.Port = 70000 },
			expectError: true,
			errorMsg:    "udp port must be between 1 and 65535",
		},
		{
			name:        "serial without port",
			mutate:      func(c *Config) { c.Link.Type = "serial" },
			expectError: true,
			errorMsg:    "serial port cannot be empty",
		},
		{
			name: "valid serial link",
			mutate: func(c *Config) {
				c.Link.Type = "serial"
				c.Link.Serial.Port = "/dev/ttyUSB0"
			},
		},
		{
			name:        "window too large",
			mutate:      func(c *Config) { c.Session.WindowBytes = 70000 },
			expectError: true,
			errorMsg:    "window_bytes",
		},
		{
			name:        "threshold above timeout",
			mutate:      func(c *Config) { c.Session.StallThresholdMs = 1300 },
			expectError: true,
			errorMsg:    "stall_threshold_ms",
		},
		{
			name:        "unknown crc policy",
			mutate:      func(c *Config) { c.Session.CRCPolicy = "strict" },
			expectError: true,
			errorMsg:    "crc_policy",
		},
		{
			name:        "zero queue capacity",
			mutate:      func(c *Config) { c.Queue.Capacity = 0 },
			expectError: true,
			errorMsg:    "capacity must be at least 1",
		},
		{
			name:        "output without directory",
			mutate:      func(c *Config) { c.Output.Directory = "" },
			expectError: true,
			errorMsg:    "directory cannot be empty",
		},
		{
			name: "disabled output skips checks",
			mutate: func(c *Config) {
				c.Output.Enabled = false
				c.Output.Directory = ""
			},
		},
		{
			name:        "disabled http ignores port",
			mutate:      func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Port = 0 },
			expectError: false,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	// Create a temporary directory for test files
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		validate    func(*Config) bool
	}{
		{
			name: "valid config file",
			configYAML: `
link:
  type: udp
  udp:
    bind_address: "127.0.0.1"
    port: 5555
    buffer_size: 65536
    peer_timeout_ms: 5000
session:
  window_bytes: 8192
  crc_policy: repull
logging:
  level: debug
  format: json
  output: stderr
`,
			validate: func(c *Config) bool {
				return c.Link.UDP.Port == 5555 &&
					c.Session.WindowBytes == 8192 &&
					c.Session.CRCPolicy == "repull" &&
					c.Session.StallTimeoutMs == 1200 && // default kept
					c.Queue.Capacity == 256 &&
					c.Logging.Format == "json"
			},
		},
		{
			name:       "empty file keeps defaults",
			configYAML: "",
			validate: func(c *Config) bool {
				return c.Link.Type == "udp" && c.Session.WindowBytes == 16384
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
link:
  udp:
    port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
queue:
  lease_ms: 0
`,
			expectError: true,
			errorMsg:    "lease_ms must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temporary config file
			configPath := filepath.Join(tempDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.validate != nil && !tt.validate(config) {
				t.Errorf("Validation failed for config: %+v", config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := Default()

	if c.Session.GetStallTimeout() != 1200*time.Millisecond {
		t.Errorf("Expected 1.2 seconds, got %v", c.Session.GetStallTimeout())
	}

	if c.Session.GetStallThreshold() != 1100*time.Millisecond {
		t.Errorf("Expected 1.1 seconds, got %v", c.Session.GetStallThreshold())
	}

	if c.Session.GetThroughputReport() != time.Second {
		t.Errorf("Expected 1 second, got %v", c.Session.GetThroughputReport())
	}

	if c.Queue.GetRetryDelay() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", c.Queue.GetRetryDelay())
	}

	if c.Queue.GetLease() != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", c.Queue.GetLease())
	}

	if c.Queue.GetStatsLogInterval() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", c.Queue.GetStatsLogInterval())
	}

	if c.Link.UDP.GetPeerTimeout() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", c.Link.UDP.GetPeerTimeout())
	}

	if c.Link.Serial.GetReconnectDelay() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", c.Link.Serial.GetReconnectDelay())
	}
}

// Helper function to check if a string contains a substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > len(substr) && findSubstring(s, substr)))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
