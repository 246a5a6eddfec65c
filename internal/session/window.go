package session

import (
	"log/slog"
	"time"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/protocol"
)

// window tracks the outstanding pull request. Invariant:
// pending <= end <= total.
type window struct {
	recID   uint16
	total   uint32
	pending uint32 // next byte expected; equals the assembled length
	end     uint32 // exclusive end of the current window

	lastGetAt     time.Time
	lastGetOffset uint32
	hasGet        bool
	lastDataAt    time.Time

	stalls int // consecutive stalls without progress

	timer    loop.Timer
	timerGen uint64
}

func (w *window) stopTimer() {
	w.timerGen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// lastActivity is the later of the last data and the last GET
func (w *window) lastActivity() time.Time {
	if w.lastDataAt.After(w.lastGetAt) {
		return w.lastDataAt
	}
	return w.lastGetAt
}

// requestWindow issues GET for the next window starting at from
func (m *Machine) requestWindow(w *window, from uint32, reason string) {
	if from >= w.total {
		return
	}
	want := w.total - from
	if want > m.cfg.WindowBytes {
		want = m.cfg.WindowBytes
	}
	w.end = from + want
	m.sendGet(w, from, want, reason)
}

// sendGet enqueues GET:recId:from:n and arms the stall check
func (m *Machine) sendGet(w *window, from, n uint32, reason string) {
	w.lastGetAt = m.sched.Now()
	w.lastGetOffset = from
	w.hasGet = true
	m.pullRequests++
	m.metrics.RecordPullRequest(reason)

	m.logger.Debug("Requesting audio window",
		slog.Uint64("rec_id", uint64(w.recID)),
		slog.Uint64("offset", uint64(from)),
		slog.Uint64("length", uint64(n)),
		slog.Uint64("total_bytes", uint64(w.total)),
		slog.String("reason", reason),
	)

	m.enqueue(protocol.GetCommand(w.recID, from, n), protocol.CmdGet)
	m.armStall(w, m.cfg.StallTimeout)
}

func (m *Machine) armStall(w *window, d time.Duration) {
	w.stopTimer()
	gen, sess := w.timerGen, m.gen
	w.timer = m.sched.AfterFunc(d, func() {
		m.onStallTimer(w, gen, sess)
		m.publish()
	})
}

// onStallTimer re-requests the unfinished part of the window once nothing has
// arrived for StallThreshold
func (m *Machine) onStallTimer(w *window, gen, sess uint64) {
	ps, ok := m.st.(*pullState)
	if !ok || ps.win != w || gen != w.timerGen || sess != m.gen {
		return // late timer from an older window or session
	}
	w.timer = nil

	if w.pending >= w.total {
		return
	}

	idle := m.sched.Now().Sub(w.lastActivity())
	if idle < m.cfg.StallThreshold {
		residual := m.cfg.StallTimeout - idle
		if residual <= 0 {
			residual = time.Millisecond
		}
		m.armStall(w, residual)
		return
	}

	w.stalls++
	m.stallTotal++
	if m.cfg.MaxStallRetries > 0 && w.stalls > m.cfg.MaxStallRetries {
		m.logger.Error("Pull abandoned after repeated stalls",
			slog.Uint64("rec_id", uint64(w.recID)),
			slog.Uint64("offset", uint64(w.pending)),
			slog.Uint64("total_bytes", uint64(w.total)),
			slog.Int("stalls", w.stalls-1),
		)
		m.abort("stall")
		return
	}

	if w.pending >= w.end {
		m.requestWindow(w, w.pending, "stall")
		return
	}

	m.logger.Warn("Pull stalled, re-requesting remaining window",
		slog.Uint64("rec_id", uint64(w.recID)),
		slog.Uint64("offset", uint64(w.pending)),
		slog.Uint64("length", uint64(w.end-w.pending)),
		slog.Duration("idle", idle),
		slog.Int("attempt", w.stalls),
	)
	m.sendGet(w, w.pending, w.end-w.pending, "stall")
}

// onPullData applies one AUDIO_DATA frame while pulling
func (m *Machine) onPullData(ps *pullState, ad *protocol.AudioData) {
	w := ps.win
	if ad.RecID != w.recID {
		m.logger.Debug("Ignoring AUDIO_DATA for another recording",
			slog.Uint64("rec_id", uint64(ad.RecID)),
			slog.Uint64("active_rec_id", uint64(w.recID)),
		)
		return
	}
	w.lastDataAt = m.sched.Now()

	off := uint64(ad.Offset)
	data := ad.Data
	if off >= uint64(w.total) {
		return
	}
	if off+uint64(len(data)) > uint64(w.total) {
		data = data[:uint64(w.total)-off]
	}
	end := off + uint64(len(data))
	pending := uint64(w.pending)

	switch {
	case off > pending:
		m.onGap(w, ad.Offset)
		return
	case end <= pending:
		m.metrics.RecordPulledBytes(0, len(data))
		return
	case off < pending:
		skip := pending - off
		m.metrics.RecordPulledBytes(0, int(skip))
		data = data[skip:]
	}

	m.buf.Append(data)
	w.pending += uint32(len(data))
	w.stalls = 0
	m.pulledBytes += len(data)
	m.metrics.RecordPulledBytes(len(data), 0)
	m.reportThroughput(w.pending, len(data))

	if w.pending >= w.total {
		meta := ps.meta
		m.finalize(&meta)
		return
	}
	if w.pending >= w.end {
		m.requestWindow(w, w.pending, "window")
	}
}

// onGap re-requests [pending, end) unless the same request is already fresh
func (m *Machine) onGap(w *window, got uint32) {
	now := m.sched.Now()
	if w.hasGet && w.lastGetOffset == w.pending && now.Sub(w.lastGetAt) < m.cfg.StallThreshold {
		m.logger.Debug("Pull gap, request already outstanding",
			slog.Uint64("expected", uint64(w.pending)),
			slog.Uint64("got", uint64(got)),
		)
		return
	}

	m.logger.Info("Pull offset mismatch, re-requesting",
		slog.Uint64("rec_id", uint64(w.recID)),
		slog.Uint64("expected", uint64(w.pending)),
		slog.Uint64("got", uint64(got)),
	)
	if w.pending >= w.end {
		m.requestWindow(w, w.pending, "gap")
		return
	}
	m.sendGet(w, w.pending, w.end-w.pending, "gap")
}
