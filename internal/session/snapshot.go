package session

import (
	"time"

	"github.com/lapitskiy/sonya-front/internal/audio"
)

// Snapshot is a read-only view of the machine, safe to read from any goroutine
type Snapshot struct {
	Mode       Mode    `json:"-"`
	ModeName   string  `json:"mode"`
	Connected  bool    `json:"connected"`
	RecID      uint16  `json:"rec_id"`
	HasRecID   bool    `json:"has_rec_id"`
	Offset     uint32  `json:"offset"`
	TotalBytes uint32  `json:"total_bytes"`
	WindowEnd  uint32  `json:"window_end"`
	Generation uint64  `json:"generation"`
	RecSeconds int     `json:"rec_seconds"`
	LastStatus string  `json:"last_status"`
	Progress   float64 `json:"progress"`

	Completed     uint64 `json:"completed"`
	Aborted       uint64 `json:"aborted"`
	SeqGaps       uint64 `json:"seq_gaps"`
	PullRequests  int    `json:"pull_requests"`
	StallRetries  int    `json:"stall_retries"`
	DecoderResets uint64 `json:"decoder_resets"`

	Buffer audio.AssemblyStats `json:"buffer"`
	Recent []RecordingSummary  `json:"recent"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the state published after the last event
func (m *Machine) Snapshot() Snapshot {
	if s := m.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{ModeName: ModeIdle.String()}
}

// publish stores a fresh snapshot; called on the scheduler goroutine
func (m *Machine) publish() {
	mode := m.st.mode()
	s := &Snapshot{
		Mode:          mode,
		ModeName:      mode.String(),
		Connected:     m.connected,
		Generation:    m.gen,
		RecSeconds:    m.recSeconds,
		LastStatus:    m.lastStatus,
		Completed:     m.completed,
		Aborted:       m.aborted,
		SeqGaps:       m.seqGaps,
		PullRequests:  m.pullRequests,
		StallRetries:  m.stallTotal,
		DecoderResets: m.decoder.Resets(),
		Buffer:        m.buf.Stats(),
		Recent:        append([]RecordingSummary(nil), m.history...),
		UpdatedAt:     m.sched.Now(),
	}

	switch st := m.st.(type) {
	case *recordingState:
		s.RecID, s.HasRecID = st.liveRecID, st.hasLiveID
		s.Offset = st.offset
	case *pullState:
		s.RecID, s.HasRecID = st.win.recID, true
		s.Offset = st.win.pending
		s.TotalBytes = st.win.total
		s.WindowEnd = st.win.end
		if st.win.total > 0 {
			s.Progress = float64(st.win.pending) / float64(st.win.total)
		}
	case *finalizingState:
		if st.meta != nil {
			s.RecID, s.HasRecID = st.meta.RecID, true
			s.TotalBytes = st.meta.TotalBytes
			s.Offset = st.meta.TotalBytes
			s.Progress = 1
		}
	}

	m.snap.Store(s)
	m.metrics.SetSessionMode(int(mode))
}
