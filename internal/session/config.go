package session

import (
	"fmt"
	"time"

	"github.com/lapitskiy/sonya-front/internal/protocol"
)

// CRCPolicy selects what happens when the assembled buffer does not match the
// CRC32 announced in REC_END
type CRCPolicy string

const (
	CRCOff    CRCPolicy = "off"    // never compute
	CRCLog    CRCPolicy = "log"    // compute, log and deliver anyway
	CRCRepull CRCPolicy = "repull" // discard and pull the whole recording again
)

// ParseCRCPolicy validates a policy name
func ParseCRCPolicy(s string) (CRCPolicy, error) {
	switch p := CRCPolicy(s); p {
	case CRCOff, CRCLog, CRCRepull:
		return p, nil
	case "":
		return CRCLog, nil
	default:
		return "", fmt.Errorf("crc_policy must be one of [off, log, repull], got '%s'", s)
	}
}

// Config tunes the session and the pull flow controller
type Config struct {
	WindowBytes      uint32        // bytes per GET
	StallTimeout     time.Duration // delay before a stall check
	StallThreshold   time.Duration // idle time that counts as stalled
	LiveGapMax       uint32        // largest live gap filled with silence
	MaxTotalBytes    uint32        // upper bound for totalBytes in REC_END
	MaxStallRetries  int           // consecutive stalls before giving up; 0 = never
	CRCPolicy        CRCPolicy
	CRCMaxRepulls    int
	ThroughputReport time.Duration
	MaxPayload       int // frame payload ceiling for the decoder
	HistorySize      int // recent recordings kept for Snapshot
}

// DefaultConfig returns the values matching the watch firmware
func DefaultConfig() Config {
	return Config{
		WindowBytes:      16 * 1024,
		StallTimeout:     1200 * time.Millisecond,
		StallThreshold:   1100 * time.Millisecond,
		LiveGapMax:       4096,
		MaxTotalBytes:    protocol.DefaultMaxTotalBytes,
		MaxStallRetries:  20,
		CRCPolicy:        CRCLog,
		CRCMaxRepulls:    1,
		ThroughputReport: time.Second,
		MaxPayload:       protocol.DefaultMaxPayload,
		HistorySize:      20,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowBytes == 0 {
		c.WindowBytes = def.WindowBytes
	}
	if c.WindowBytes > protocol.MaxWirePayload {
		c.WindowBytes = protocol.MaxWirePayload
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
	if c.StallThreshold > c.StallTimeout {
		c.StallThreshold = c.StallTimeout
	}
	if c.MaxTotalBytes == 0 {
		c.MaxTotalBytes = def.MaxTotalBytes
	}
	if c.CRCPolicy == "" {
		c.CRCPolicy = def.CRCPolicy
	}
	if c.ThroughputReport <= 0 {
		c.ThroughputReport = def.ThroughputReport
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}
