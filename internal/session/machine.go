package session

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lapitskiy/sonya-front/internal/audio"
	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/metrics"
	"github.com/lapitskiy/sonya-front/internal/protocol"
	"github.com/lapitskiy/sonya-front/internal/transport"
)

// CommandQueue accepts outbound commands; *transport.WriteQueue in production
type CommandQueue interface {
	Enqueue(cmd []byte) error
	Clear()
}

// Machine is the session state machine for one watch link
type Machine struct {
	cfg      Config
	sched    loop.Scheduler
	queue    CommandQueue
	decoder  *protocol.Decoder
	consumer Consumer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	st  state
	buf *audio.Assembly
	gen uint64 // bumps whenever the session is reset

	connected   bool
	seqKnown    bool
	expectedSeq uint16
	recSeconds  int
	lastStatus  string

	lastDone    uint16
	hasLastDone bool

	// per-recording counters
	startedAt    time.Time
	liveBytes    int
	paddedBytes  int
	pulledBytes  int
	pullRequests int
	stallTotal   int
	repulls      int

	// throughput reporting
	rateStart   time.Time
	rateLastAt  time.Time
	rateLastOff uint32

	// lifetime counters
	completed uint64
	aborted   uint64
	seqGaps   uint64
	history   []RecordingSummary

	snap atomic.Pointer[Snapshot]
}

// NewMachine creates an idle machine
func NewMachine(cfg Config, sched loop.Scheduler, queue CommandQueue, consumer Consumer, logger *slog.Logger, m *metrics.Metrics) *Machine {
	cfg = cfg.withDefaults()
	if consumer == nil {
		consumer = ConsumerFunc(func(*Recording) {})
	}

	sm := &Machine{
		cfg:      cfg,
		sched:    sched,
		queue:    queue,
		decoder:  protocol.NewDecoder(cfg.MaxPayload),
		consumer: consumer,
		logger:   logger,
		metrics:  m,
		st:       idleState{},
		buf:      audio.NewAssembly(),
	}
	sm.publish()
	return sm
}

// Mode returns the current mode
func (m *Machine) Mode() Mode {
	return m.st.mode()
}

// Config returns the effective configuration
func (m *Machine) Config() Config {
	return m.cfg
}

// LinkUp marks the link connected
func (m *Machine) LinkUp() {
	defer m.publish()

	m.connected = true
	m.decoder.Reset()
	m.seqKnown = false
	m.metrics.RecordLink("up")
	m.logger.Info("Watch link up")
}

// LinkDown aborts any active session, clears the write queue and resets the
// decoder
func (m *Machine) LinkDown(reason string) {
	defer m.publish()

	m.connected = false
	m.metrics.RecordLink("down")
	m.logger.Info("Watch link down", slog.String("reason", reason))

	if _, idle := m.st.(idleState); !idle {
		m.abort("link_down")
	}
	m.queue.Clear()
	m.decoder.Reset()
	m.seqKnown = false
}

// Notify feeds raw notification bytes from the link
func (m *Machine) Notify(p []byte) {
	m.HandleNotify(p)
}

// HandleNotify decodes p and processes every complete frame
func (m *Machine) HandleNotify(p []byte) {
	defer m.publish()

	m.metrics.RecordNotification(len(p))
	frames, err := m.decoder.Push(p)
	for _, f := range frames {
		m.handleFrame(f)
	}
	if err != nil {
		m.metrics.RecordDecoderReset()
		m.logger.Warn("Frame stream corrupt, accumulator reset",
			slog.Uint64("resets", m.decoder.Resets()),
			slog.String("error", err.Error()),
		)
	}
}

// HandleFrame processes one decoded frame
func (m *Machine) HandleFrame(f protocol.Frame) {
	defer m.publish()
	m.handleFrame(f)
}

func (m *Machine) handleFrame(f protocol.Frame) {
	m.metrics.RecordFrame(f.Type.String())

	// AUDIO_DATA is validated by (recId, offset); it only moves the expected
	// seq forward since pulled frames may arrive out of order
	if f.Type == protocol.FrameAudioData {
		if !m.seqKnown || int16(f.Seq-m.expectedSeq) >= 0 {
			m.expectedSeq = f.Seq + 1
			m.seqKnown = true
		}
	} else {
		if m.seqKnown && f.Seq != m.expectedSeq {
			m.seqGaps++
			m.metrics.RecordSeqGap()
			m.logger.Debug("Frame sequence mismatch",
				slog.Uint64("got", uint64(f.Seq)),
				slog.Uint64("expected", uint64(m.expectedSeq)),
				slog.String("type", f.Type.String()),
			)
		}
		m.expectedSeq = f.Seq + 1
		m.seqKnown = true
	}

	switch f.Type {
	case protocol.FrameWake:
		m.logger.Info("Watch wake", slog.Uint64("seq", uint64(f.Seq)))
	case protocol.FrameRecStart:
		m.onRecStart(f)
	case protocol.FrameAudioChunk:
		m.onAudioChunk(f)
	case protocol.FrameAudioData:
		m.onAudioData(f)
	case protocol.FrameRecEnd:
		m.onRecEnd(f)
	case protocol.FrameStatus:
		m.onStatus(f)
	default:
		m.logger.Debug("Unhandled frame", slog.String("frame", f.String()))
	}
}

func (m *Machine) onRecStart(f protocol.Frame) {
	if _, idle := m.st.(idleState); !idle {
		m.logger.Warn("Recording start while busy, discarding current session",
			slog.String("mode", m.st.mode().String()),
		)
		m.abort("restarted")
	}

	m.resetSession()
	m.st = &recordingState{}
	m.startedAt = m.sched.Now()
	m.resetThroughput()
	m.metrics.RecordRecordingStarted()
	m.logger.Info("Recording started", slog.Uint64("seq", uint64(f.Seq)))
}

// onAudioChunk appends legacy push audio while recording
func (m *Machine) onAudioChunk(f protocol.Frame) {
	rs, ok := m.st.(*recordingState)
	if !ok {
		m.logger.Debug("AUDIO_CHUNK while not recording", slog.Int("bytes", len(f.Payload)))
		return
	}
	if uint64(rs.offset)+uint64(len(f.Payload)) > uint64(m.cfg.MaxTotalBytes) {
		m.logger.Warn("AUDIO_CHUNK exceeds recording size limit, dropped", slog.Int("bytes", len(f.Payload)))
		return
	}
	m.buf.Append(f.Payload)
	rs.offset += uint32(len(f.Payload))
	m.liveBytes += len(f.Payload)
	m.metrics.RecordLiveBytes(len(f.Payload), 0)
}

func (m *Machine) onAudioData(f protocol.Frame) {
	ad, err := protocol.ParseAudioData(f.Payload)
	if err != nil {
		m.logger.Warn("Malformed AUDIO_DATA", slog.String("error", err.Error()))
		return
	}

	switch s := m.st.(type) {
	case *recordingState:
		m.onLiveData(s, ad)
	case *pullState:
		m.onPullData(s, ad)
	default:
		m.logger.Debug("AUDIO_DATA without an active session",
			slog.Uint64("rec_id", uint64(ad.RecID)),
			slog.Uint64("offset", uint64(ad.Offset)),
			slog.Int("bytes", len(ad.Data)),
		)
	}
}

// onLiveData appends pushed audio. The first frame fixes the live recId.
func (m *Machine) onLiveData(rs *recordingState, ad *protocol.AudioData) {
	if !rs.hasLiveID {
		rs.liveRecID = ad.RecID
		rs.hasLiveID = true
		m.logger.Info("Live stream started",
			slog.Uint64("rec_id", uint64(ad.RecID)),
			slog.Int("bytes", len(ad.Data)),
		)
	}
	if ad.RecID != rs.liveRecID {
		return
	}

	padded := 0
	if ad.Offset != rs.offset {
		gap := int64(ad.Offset) - int64(rs.offset)
		if gap < 1 || gap > int64(m.cfg.LiveGapMax) {
			m.logger.Debug("Live offset mismatch, frame dropped",
				slog.Uint64("expected", uint64(rs.offset)),
				slog.Uint64("got", uint64(ad.Offset)),
			)
			return
		}
		padded = int(gap)
	}

	if uint64(rs.offset)+uint64(padded)+uint64(len(ad.Data)) > uint64(m.cfg.MaxTotalBytes) {
		m.logger.Warn("Live stream exceeds recording size limit, frame dropped",
			slog.Uint64("offset", uint64(ad.Offset)),
		)
		return
	}

	if padded > 0 {
		m.logger.Warn("Live offset gap, padding with silence",
			slog.Uint64("expected", uint64(rs.offset)),
			slog.Uint64("got", uint64(ad.Offset)),
			slog.Int("padding", padded),
		)
		m.buf.PadZeros(padded)
		rs.offset += uint32(padded)
		m.paddedBytes += padded
	}

	m.buf.Append(ad.Data)
	rs.offset += uint32(len(ad.Data))
	m.liveBytes += len(ad.Data)
	m.metrics.RecordLiveBytes(len(ad.Data), padded)
	m.reportThroughput(rs.offset, len(ad.Data))
}

func (m *Machine) onRecEnd(f protocol.Frame) {
	meta, err := protocol.ParseRecordingMeta(f.Payload, m.cfg.MaxTotalBytes)

	switch s := m.st.(type) {
	case *recordingState:
		if err != nil {
			m.logger.Info("Recording ended without metadata",
				slog.Int("payload_len", len(f.Payload)),
				slog.Int("bytes", m.buf.Len()),
				slog.String("reason", err.Error()),
			)
			m.finalizeLegacy()
			return
		}

		m.logger.Info("Recording metadata received",
			slog.String("meta", meta.String()),
			slog.Uint64("live_bytes", uint64(s.offset)),
		)

		offset := s.offset
		if s.hasLiveID && s.liveRecID != meta.RecID {
			m.logger.Warn("Live data belongs to another recording, discarding",
				slog.Uint64("live_rec_id", uint64(s.liveRecID)),
				slog.Uint64("rec_id", uint64(meta.RecID)),
			)
			m.buf.Reset()
			m.liveBytes, m.paddedBytes = 0, 0
			offset = 0
		}

		if offset >= meta.TotalBytes {
			m.buf.Truncate(int(meta.TotalBytes))
			m.logger.Info("All data received live, finalizing",
				slog.Uint64("rec_id", uint64(meta.RecID)),
			)
			m.finalize(meta)
			return
		}

		m.logger.Info("Pulling remainder",
			slog.Uint64("rec_id", uint64(meta.RecID)),
			slog.Uint64("offset", uint64(offset)),
			slog.Uint64("missing", uint64(meta.TotalBytes-offset)),
		)
		m.startPull(*meta, offset)

	case idleState:
		if err != nil {
			m.logger.Debug("REC_END without an active session", slog.Int("payload_len", len(f.Payload)))
			return
		}
		if m.hasLastDone && m.lastDone == meta.RecID {
			m.logger.Debug("REC_END for an already delivered recording", slog.Uint64("rec_id", uint64(meta.RecID)))
			return
		}

		// missed REC_START, e.g. after a reconnect: fetch everything
		m.logger.Info("Recording available, pulling from start",
			slog.String("meta", meta.String()),
		)
		m.resetSession()
		m.startedAt = m.sched.Now()
		m.resetThroughput()
		if meta.TotalBytes == 0 {
			m.finalize(meta)
			return
		}
		m.startPull(*meta, 0)

	case *pullState:
		m.logger.Debug("REC_END while pulling ignored",
			slog.Uint64("active_rec_id", uint64(s.meta.RecID)),
		)

	default:
		m.logger.Debug("REC_END ignored", slog.String("mode", m.st.mode().String()))
	}
}

func (m *Machine) onStatus(f protocol.Frame) {
	st := protocol.ParseStatus(f.Payload)
	m.lastStatus = st.Text

	if st.Info {
		if st.RecSeconds > 0 {
			m.recSeconds = st.RecSeconds
		}
		m.logger.Info("Watch status", slog.String("status", st.Text))
		return
	}

	m.logger.Warn("Watch error", slog.String("error", st.Text))

	ps, pulling := m.st.(*pullState)
	if !pulling {
		return
	}
	switch st.Text {
	case "NO_REC":
		m.logger.Error("Watch no longer holds the recording, aborting pull",
			slog.Uint64("rec_id", uint64(ps.meta.RecID)),
		)
		m.abort("no_rec")
	case "EOF":
		// offset beyond the stored recording; the stall check retries
		m.logger.Warn("Watch reported EOF during pull",
			slog.Uint64("offset", uint64(ps.win.pending)),
			slog.Uint64("total_bytes", uint64(ps.win.total)),
		)
	}
}

// startPull enters PullDownloading and requests the first window
func (m *Machine) startPull(meta protocol.RecordingMeta, from uint32) {
	m.buf.Grow(int(meta.TotalBytes))
	w := &window{
		recID:   meta.RecID,
		total:   meta.TotalBytes,
		pending: from,
		end:     from,
	}
	m.st = &pullState{meta: meta, win: w}
	m.requestWindow(w, from, "window")
}

// finalize verifies the buffer, sends DONE and delivers the recording
func (m *Machine) finalize(meta *protocol.RecordingMeta) {
	m.stopTimers()
	m.st = &finalizingState{meta: meta}

	status, computed := m.checkCRC(meta)
	if status == CRCMismatch {
		m.metrics.RecordCRCMismatch()
		m.logger.Warn("Recording CRC mismatch",
			slog.Uint64("rec_id", uint64(meta.RecID)),
			slog.String("expected", fmt.Sprintf("0x%08x", meta.CRC32)),
			slog.String("computed", fmt.Sprintf("0x%08x", computed)),
			slog.Int("repulls", m.repulls),
		)

		if m.cfg.CRCPolicy == CRCRepull && m.repulls < m.cfg.CRCMaxRepulls && meta.TotalBytes > 0 {
			m.repulls++
			m.buf.Reset()
			m.liveBytes, m.paddedBytes, m.pulledBytes = 0, 0, 0
			m.startPull(*meta, 0)
			return
		}
	}

	m.enqueue(protocol.DoneCommand(meta.RecID), protocol.CmdDone)

	sampleRate := int(meta.SampleRate)
	if sampleRate == 0 {
		sampleRate = protocol.SampleRate
	}
	metaCopy := *meta
	rec := m.newRecording(meta.RecID, sampleRate)
	rec.Meta = &metaCopy
	rec.CRC = status
	rec.ComputedCRC = computed

	m.lastDone, m.hasLastDone = meta.RecID, true
	m.deliver(rec)
}

// finalizeLegacy delivers live data when REC_END carries no metadata
func (m *Machine) finalizeLegacy() {
	m.stopTimers()
	m.st = &finalizingState{}

	if m.buf.Len() == 0 {
		m.logger.Warn("Legacy recording ended with no audio")
		m.metrics.RecordRecordingAborted("empty")
		m.aborted++
		m.resetSession()
		return
	}

	rec := m.newRecording(0, protocol.SampleRate)
	rec.Legacy = true
	m.deliver(rec)
}

func (m *Machine) newRecording(recID uint16, sampleRate int) *Recording {
	now := m.sched.Now()
	return &Recording{
		ID:           uuid.New(),
		RecID:        recID,
		PCM:          m.buf.Take(),
		SampleRate:   sampleRate,
		LiveBytes:    m.liveBytes,
		PaddedBytes:  m.paddedBytes,
		PulledBytes:  m.pulledBytes,
		PullRequests: m.pullRequests,
		StallRetries: m.stallTotal,
		Repulls:      m.repulls,
		StartedAt:    m.startedAt,
		FinishedAt:   now,
	}
}

// deliver hands rec to the consumer and returns to Idle
func (m *Machine) deliver(rec *Recording) {
	m.completed++
	m.metrics.RecordRecordingCompleted(rec.Source(), len(rec.PCM), rec.FinishedAt.Sub(rec.StartedAt).Seconds())

	m.logger.Info("Recording complete",
		slog.String("id", rec.ID.String()),
		slog.Uint64("rec_id", uint64(rec.RecID)),
		slog.Int("bytes", len(rec.PCM)),
		slog.String("source", rec.Source()),
		slog.String("crc", rec.CRC.String()),
		slog.Int("pull_requests", rec.PullRequests),
		slog.Duration("elapsed", rec.FinishedAt.Sub(rec.StartedAt)),
	)

	m.history = append(m.history, rec.Summary())
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	m.resetSession()
	m.consumer.Consume(rec)
}

func (m *Machine) checkCRC(meta *protocol.RecordingMeta) (CRCStatus, uint32) {
	if m.cfg.CRCPolicy == CRCOff {
		return CRCUnchecked, 0
	}
	computed := crc32.ChecksumIEEE(m.buf.Bytes())
	if computed == meta.CRC32 {
		return CRCMatch, computed
	}
	return CRCMismatch, computed
}

// abort drops the active session without delivering anything
func (m *Machine) abort(reason string) {
	m.aborted++
	m.metrics.RecordRecordingAborted(reason)
	m.logger.Warn("Session aborted",
		slog.String("reason", reason),
		slog.String("mode", m.st.mode().String()),
		slog.Int("discarded_bytes", m.buf.Len()),
	)
	m.resetSession()
}

// resetSession returns to Idle and invalidates outstanding timers
func (m *Machine) resetSession() {
	m.stopTimers()
	m.gen++
	m.st = idleState{}
	m.buf.Reset()
	m.liveBytes, m.paddedBytes, m.pulledBytes = 0, 0, 0
	m.pullRequests, m.stallTotal, m.repulls = 0, 0, 0
	m.startedAt = time.Time{}
}

func (m *Machine) stopTimers() {
	if ps, ok := m.st.(*pullState); ok {
		ps.win.stopTimer()
	}
}

func (m *Machine) enqueue(cmd []byte, kind protocol.CommandKind) error {
	if !m.connected {
		m.logger.Warn("Command dropped, link not connected", slog.String("command", string(cmd)))
		return transport.ErrNotConnected
	}
	m.metrics.RecordCommandEnqueued(kind.String())
	if err := m.queue.Enqueue(cmd); err != nil {
		m.logger.Warn("Failed to enqueue command",
			slog.String("command", string(cmd)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (m *Machine) resetThroughput() {
	now := m.sched.Now()
	m.rateStart = now
	m.rateLastAt = now
	m.rateLastOff = 0
}

// reportThroughput logs progress at most once per ThroughputReport
func (m *Machine) reportThroughput(offset uint32, chunk int) {
	now := m.sched.Now()
	if m.rateStart.IsZero() {
		m.resetThroughput()
	}
	dt := now.Sub(m.rateLastAt)
	if dt < m.cfg.ThroughputReport {
		return
	}

	delta := float64(offset) - float64(m.rateLastOff)
	kibps := delta / dt.Seconds() / 1024
	m.logger.Info("Transfer progress",
		slog.Uint64("offset", uint64(offset)),
		slog.Int("chunk", chunk),
		slog.String("rate", fmt.Sprintf("%.1fKiB/s", kibps)),
		slog.Duration("elapsed", now.Sub(m.rateStart).Truncate(time.Second)),
	)
	m.rateLastAt = now
	m.rateLastOff = offset
}

// Ping asks the watch for PONG
func (m *Machine) Ping() error {
	return m.enqueue(protocol.PingCommand(), protocol.CmdPing)
}

// StartRecording asks the watch to start a recording
func (m *Machine) StartRecording() error {
	return m.enqueue(protocol.RecCommand(), protocol.CmdRec)
}

// ErrInvalidSeconds is returned for a SETREC value out of range
var ErrInvalidSeconds = errors.New("record seconds out of range")

// SetRecordSeconds changes the watch recording length
func (m *Machine) SetRecordSeconds(n int) error {
	if n < protocol.MinRecSeconds || n > protocol.MaxRecSeconds {
		return fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidSeconds, n, protocol.MinRecSeconds, protocol.MaxRecSeconds)
	}
	return m.enqueue(protocol.SetRecCommand(n), protocol.CmdSetRec)
}

// Call runs fn on the scheduler goroutine and waits for its result
func (m *Machine) Call(ctx context.Context, fn func(*Machine) error) error {
	result := make(chan error, 1)
	if !m.sched.Post(func() {
		err := fn(m)
		m.publish()
		result <- err
	}) {
		return loop.ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
