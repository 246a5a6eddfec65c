package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FrameType identifies the kind of frame sent by the watch
type FrameType uint8

// Frame types (notifications from the watch)
const (
	FrameWake       FrameType = 0x01
	FrameRecStart   FrameType = 0x02
	FrameRecEnd     FrameType = 0x03
	FrameAudioChunk FrameType = 0x10 // legacy push-only audio
	FrameStatus     FrameType = 0x11 // ASCII text; errors and informational tokens
	FrameAudioData  FrameType = 0x12 // [recId:2][offset:4][data]
)

// Frame structure sizes
const (
	HeaderSize          = 5 // 1 + 2 + 2 bytes
	AudioDataHeaderSize = 6 // recId(2) + offset(4)
	RecordingMetaSize   = 12

	// DefaultMaxPayload bounds a declared frame length; larger values are
	// treated as stream corruption.
	DefaultMaxPayload = 16384

	// DefaultMaxTotalBytes bounds totalBytes announced in REC_END metadata.
	DefaultMaxTotalBytes = 10_000_000

	// MaxWirePayload is the largest payload the 16-bit length field can carry.
	MaxWirePayload = 0xFFFF
)

// Audio parameters of the produced PCM buffer
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

var (
	// ErrStreamCorrupt is reported when a header declares an oversized payload
	// and the accumulated bytes are discarded.
	ErrStreamCorrupt = errors.New("stream corrupt")

	// ErrNoMetadata marks a REC_END payload that carries no usable metadata.
	ErrNoMetadata = errors.New("no recording metadata")

	// ErrShortPayload is returned when a payload is too short for its frame type.
	ErrShortPayload = errors.New("payload too short")
)

// Frame is one decoded unit of the wire protocol
// Layout: [type:1][seq:2 LE][len:2 LE][payload:len]
type Frame struct {
	Type    FrameType
	Seq     uint16
	Payload []byte
}

// AudioData is the payload of an AUDIO_DATA frame
// Layout: [recId:2 LE][offset:4 LE][data:N]
type AudioData struct {
	RecID  uint16
	Offset uint32
	Data   []byte
}

// RecordingMeta is the metadata delivered by REC_END
// Layout: [recId:2 LE][totalBytes:4 LE][crc32:4 LE][sampleRate:2 LE]
type RecordingMeta struct {
	RecID      uint16 `json:"rec_id"`
	TotalBytes uint32 `json:"total_bytes"`
	CRC32      uint32 `json:"crc32"`
	SampleRate uint16 `json:"sample_rate"`
}

// Status is a decoded STATUS (0x11) frame
type Status struct {
	Text       string
	Info       bool // PONG or REC_SEC=<n>
	RecSeconds int  // set for REC_SEC=<n>
}

// EncodeFrame serializes a frame into wire bytes
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxWirePayload {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(f.Payload), MaxWirePayload)
	}

	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.LittleEndian.PutUint16(out[1:3], f.Seq)
	binary.LittleEndian.PutUint16(out[3:5], uint16(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// ParseAudioData parses an AUDIO_DATA payload. The returned Data aliases payload.
func ParseAudioData(payload []byte) (*AudioData, error) {
	if len(payload) < AudioDataHeaderSize {
		return nil, fmt.Errorf("audio data: %w: expected at least %d bytes, got %d",
			ErrShortPayload, AudioDataHeaderSize, len(payload))
	}

	return &AudioData{
		RecID:  binary.LittleEndian.Uint16(payload[0:2]),
		Offset: binary.LittleEndian.Uint32(payload[2:6]),
		Data:   payload[AudioDataHeaderSize:],
	}, nil
}

// EncodeAudioData builds an AUDIO_DATA payload
func EncodeAudioData(recID uint16, offset uint32, data []byte) []byte {
	out := make([]byte, AudioDataHeaderSize+len(data))
	binary.LittleEndian.PutUint16(out[0:2], recID)
	binary.LittleEndian.PutUint32(out[2:6], offset)
	copy(out[AudioDataHeaderSize:], data)
	return out
}

// ParseRecordingMeta parses a REC_END payload. Any payload that is not exactly
// RecordingMetaSize bytes, or whose totalBytes exceeds maxTotal, yields
// ErrNoMetadata (legacy end of recording).
func ParseRecordingMeta(payload []byte, maxTotal uint32) (*RecordingMeta, error) {
	if len(payload) != RecordingMetaSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrNoMetadata, len(payload), RecordingMetaSize)
	}

	meta := &RecordingMeta{
		RecID:      binary.LittleEndian.Uint16(payload[0:2]),
		TotalBytes: binary.LittleEndian.Uint32(payload[2:6]),
		CRC32:      binary.LittleEndian.Uint32(payload[6:10]),
		SampleRate: binary.LittleEndian.Uint16(payload[10:12]),
	}
	if maxTotal > 0 && meta.TotalBytes > maxTotal {
		return nil, fmt.Errorf("%w: total_bytes %d exceeds %d", ErrNoMetadata, meta.TotalBytes, maxTotal)
	}

	return meta, nil
}

// EncodeRecordingMeta builds a REC_END metadata payload
func EncodeRecordingMeta(m RecordingMeta) []byte {
	out := make([]byte, RecordingMetaSize)
	binary.LittleEndian.PutUint16(out[0:2], m.RecID)
	binary.LittleEndian.PutUint32(out[2:6], m.TotalBytes)
	binary.LittleEndian.PutUint32(out[6:10], m.CRC32)
	binary.LittleEndian.PutUint16(out[10:12], m.SampleRate)
	return out
}

// ParseStatus decodes the ASCII text of a STATUS frame
func ParseStatus(payload []byte) Status {
	text := strings.TrimSpace(string(payload))
	st := Status{Text: text}

	switch {
	case text == "PONG":
		st.Info = true
	case strings.HasPrefix(text, "REC_SEC="):
		st.Info = true
		if n, err := strconv.Atoi(strings.TrimPrefix(text, "REC_SEC=")); err == nil {
			st.RecSeconds = n
		}
	}

	return st
}

// String returns the frame type name
func (t FrameType) String() string {
	switch t {
	case FrameWake:
		return "EVT_WAKE"
	case FrameRecStart:
		return "EVT_REC_START"
	case FrameRecEnd:
		return "EVT_REC_END"
	case FrameAudioChunk:
		return "AUDIO_CHUNK"
	case FrameStatus:
		return "EVT_ERROR"
	case FrameAudioData:
		return "AUDIO_DATA"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// String returns a human-readable representation of the frame
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Type:%s, Seq:%d, Len:%d}", f.Type, f.Seq, len(f.Payload))
}

// String returns a human-readable representation of the audio data
func (a *AudioData) String() string {
	return fmt.Sprintf("AudioData{RecID:%d, Offset:%d, Len:%d}", a.RecID, a.Offset, len(a.Data))
}

// String returns a human-readable representation of the metadata
func (m *RecordingMeta) String() string {
	return fmt.Sprintf("RecordingMeta{RecID:%d, TotalBytes:%d, CRC32:0x%08x, SampleRate:%d}",
		m.RecID, m.TotalBytes, m.CRC32, m.SampleRate)
}
