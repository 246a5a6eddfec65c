package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/lapitskiy/sonya-front/internal/audio"
	"github.com/lapitskiy/sonya-front/internal/protocol"
)

// CRCStatus is the outcome of the integrity check
type CRCStatus int

const (
	CRCUnchecked CRCStatus = iota
	CRCMatch
	CRCMismatch
)

// String returns the status name
func (s CRCStatus) String() string {
	switch s {
	case CRCMatch:
		return "match"
	case CRCMismatch:
		return "mismatch"
	default:
		return "unchecked"
	}
}

// MarshalText encodes the status by name
func (s CRCStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Recording is a completed transfer. PCM is owned by the receiver.
type Recording struct {
	ID          uuid.UUID
	RecID       uint16
	PCM         []byte
	SampleRate  int
	Meta        *protocol.RecordingMeta // nil for legacy recordings
	Legacy      bool
	CRC         CRCStatus
	ComputedCRC uint32

	LiveBytes    int
	PaddedBytes  int
	PulledBytes  int
	PullRequests int
	StallRetries int
	Repulls      int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Source describes how the bytes arrived: "legacy", "live" or "pull"
func (r *Recording) Source() string {
	switch {
	case r.Legacy:
		return "legacy"
	case r.PulledBytes == 0:
		return "live"
	default:
		return "pull"
	}
}

// AudioSeconds returns the playback length
func (r *Recording) AudioSeconds() float64 {
	return audio.PCMDuration(len(r.PCM), r.SampleRate)
}

// RecordingSummary is the metadata of a recording without its audio
type RecordingSummary struct {
	ID           string    `json:"id"`
	RecID        uint16    `json:"rec_id"`
	Bytes        int       `json:"bytes"`
	SampleRate   int       `json:"sample_rate"`
	AudioSeconds float64   `json:"audio_seconds"`
	Source       string    `json:"source"`
	CRC          CRCStatus `json:"crc"`
	LiveBytes    int       `json:"live_bytes"`
	PulledBytes  int       `json:"pulled_bytes"`
	PullRequests int       `json:"pull_requests"`
	StallRetries int       `json:"stall_retries"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Summary returns the recording metadata
func (r *Recording) Summary() RecordingSummary {
	return RecordingSummary{
		ID:           r.ID.String(),
		RecID:        r.RecID,
		Bytes:        len(r.PCM),
		SampleRate:   r.SampleRate,
		AudioSeconds: r.AudioSeconds(),
		Source:       r.Source(),
		CRC:          r.CRC,
		LiveBytes:    r.LiveBytes,
		PulledBytes:  r.PulledBytes,
		PullRequests: r.PullRequests,
		StallRetries: r.StallRetries,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
}

// Consumer receives completed recordings on the scheduler goroutine and must
// not block it.
type Consumer interface {
	Consume(rec *Recording)
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(rec *Recording)

// Consume calls f(rec)
func (f ConsumerFunc) Consume(rec *Recording) { f(rec) }
