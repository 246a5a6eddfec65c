package session

import "github.com/lapitskiy/sonya-front/internal/protocol"

// Mode is the externally visible session mode
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecording
	ModeLiveStreaming
	ModePullDownloading
	ModeFinalizing
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeRecording:
		return "recording"
	case ModeLiveStreaming:
		return "live_streaming"
	case ModePullDownloading:
		return "pull_downloading"
	case ModeFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// state is the tagged union of session states. Each variant carries only the
// fields that are valid in it.
type state interface {
	mode() Mode
}

type idleState struct{}

func (idleState) mode() Mode { return ModeIdle }

// recordingState: the watch is recording and may push live AUDIO_DATA
type recordingState struct {
	liveRecID uint16
	hasLiveID bool
	offset    uint32 // contiguous live bytes assembled
}

func (s *recordingState) mode() Mode {
	if s.hasLiveID {
		return ModeLiveStreaming
	}
	return ModeRecording
}

// pullState: REC_END metadata is known and the remainder is being pulled
type pullState struct {
	meta protocol.RecordingMeta
	win  *window
}

func (*pullState) mode() Mode { return ModePullDownloading }

// finalizingState exists while DONE is issued and the buffer handed over
type finalizingState struct {
	meta *protocol.RecordingMeta
}

func (*finalizingState) mode() Mode { return ModeFinalizing }
