package watchsim

import (
	"hash/crc32"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/protocol"
)

// Firmware pacing
const (
	DefaultChunkSize = 242
	DefaultFrameGap  = 8 * time.Millisecond
)

// Config shapes the emulated firmware
type Config struct {
	ChunkSize  int           // PCM bytes per AUDIO_DATA frame
	FrameGap   time.Duration // delay between notifications
	SampleRate uint16
	RecSeconds int

	// Fault injection, applied per frame of a GET window
	Reorder   float64 // probability of swapping with the next frame
	Redeliver float64 // probability of sending a frame twice
	Drop      float64 // probability of dropping a frame
	Seed      int64

	// DropOffsets are window frames dropped the first time they are sent
	DropOffsets []uint32
}

// DefaultConfig returns firmware defaults without faults
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		FrameGap:   DefaultFrameGap,
		SampleRate: protocol.SampleRate,
		RecSeconds: 2,
		Seed:       1,
	}
}

type stored struct {
	id  uint16
	pcm []byte
	crc uint32
}

// Watch is an emulated watch. All methods must be called on the scheduler
// goroutine.
type Watch struct {
	sched  loop.Scheduler
	emit   func([]byte)
	cfg    Config
	logger *slog.Logger
	rng    *rand.Rand

	seq       uint16
	rec       *stored
	nextID    uint16
	pullGen   uint64 // bumped by GET and DONE; cancels older windows
	busyUntil time.Time
	responds  bool
	dropOnce  map[uint32]bool

	commands []protocol.Command
	gets     int
	dones    int
}

// New creates a watch that delivers notifications through emit
func New(sched loop.Scheduler, emit func([]byte), cfg Config, logger *slog.Logger) *Watch {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.FrameGap <= 0 {
		cfg.FrameGap = def.FrameGap
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.RecSeconds <= 0 {
		cfg.RecSeconds = def.RecSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watch{
		sched:    sched,
		emit:     emit,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		nextID:   1,
		responds: true,
		dropOnce: make(map[uint32]bool),
	}
	for _, off := range cfg.DropOffsets {
		w.dropOnce[off] = true
	}
	return w
}

// Send receives one command from the host. It is called on the scheduler
// goroutine by the write queue.
func (w *Watch) Send(p []byte) error {
	cmd := append([]byte(nil), p...)
	w.sched.Defer(func() { w.HandleCommand(cmd) })
	return nil
}

// CompletesInline reports that Send needs no write confirmation
func (w *Watch) CompletesInline() bool { return true }

// SetResponding toggles whether GET requests are served
func (w *Watch) SetResponding(on bool) {
	w.responds = on
	if !on {
		w.pullGen++
	}
}

// Commands returns every parsed command received so far
func (w *Watch) Commands() []protocol.Command {
	return append([]protocol.Command(nil), w.commands...)
}

// Gets returns the number of GET commands received
func (w *Watch) Gets() int { return w.gets }

// Dones returns the number of DONE commands received
func (w *Watch) Dones() int { return w.dones }

// Stored reports whether a recording is held
func (w *Watch) Stored() (uint16, bool) {
	if w.rec == nil {
		return 0, false
	}
	return w.rec.id, true
}

// HandleCommand executes one ASCII command
func (w *Watch) HandleCommand(raw []byte) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		w.logger.Warn("Unknown command", slog.String("command", string(raw)))
		return
	}
	w.commands = append(w.commands, cmd)

	switch cmd.Kind {
	case protocol.CmdPing:
		w.sendStatus("PONG")
	case protocol.CmdSetRec:
		w.cfg.RecSeconds = cmd.RecSeconds
		w.sendStatus("REC_SEC=" + strconv.Itoa(cmd.RecSeconds))
	case protocol.CmdRec:
		pcm := Tone(w.cfg.RecSeconds, int(w.cfg.SampleRate), 440)
		w.Record(w.nextID, pcm, len(pcm)/2)
	case protocol.CmdGet:
		w.gets++
		w.handleGet(cmd)
	case protocol.CmdDone:
		w.dones++
		if w.rec != nil && w.rec.id == cmd.RecID {
			w.logger.Info("Recording freed", slog.Uint64("rec_id", uint64(cmd.RecID)))
			w.rec = nil
			w.pullGen++
		}
	}
}

// Record emulates one recording: REC_START, liveBytes of live AUDIO_DATA and
// REC_END with metadata. The recording stays stored until DONE.
func (w *Watch) Record(recID uint16, pcm []byte, liveBytes int) {
	if liveBytes > len(pcm) {
		liveBytes = len(pcm)
	}
	w.rec = &stored{id: recID, pcm: pcm, crc: crc32.ChecksumIEEE(pcm)}
	w.pullGen++
	w.nextID = recID + 1

	w.queueFrame(protocol.FrameRecStart, nil, 0)
	for off := 0; off < liveBytes; off += w.cfg.ChunkSize {
		end := min(off+w.cfg.ChunkSize, liveBytes)
		w.queueFrame(protocol.FrameAudioData, protocol.EncodeAudioData(recID, uint32(off), pcm[off:end]), 0)
	}
	w.RecEnd(protocol.RecordingMeta{
		RecID:      recID,
		TotalBytes: uint32(len(pcm)),
		CRC32:      w.rec.crc,
		SampleRate: w.cfg.SampleRate,
	})
}

// RecEnd sends a REC_END frame with meta
func (w *Watch) RecEnd(meta protocol.RecordingMeta) {
	w.queueFrame(protocol.FrameRecEnd, protocol.EncodeRecordingMeta(meta), 0)
}

// Legacy emulates old firmware: AUDIO_CHUNK frames and an empty REC_END
func (w *Watch) Legacy(pcm []byte) {
	w.queueFrame(protocol.FrameRecStart, nil, 0)
	for off := 0; off < len(pcm); off += w.cfg.ChunkSize {
		end := min(off+w.cfg.ChunkSize, len(pcm))
		w.queueFrame(protocol.FrameAudioChunk, pcm[off:end], 0)
	}
	w.queueFrame(protocol.FrameRecEnd, nil, 0)
}

// Wake sends EVT_WAKE
func (w *Watch) Wake() {
	w.queueFrame(protocol.FrameWake, nil, 0)
}

func (w *Watch) sendStatus(text string) {
	w.queueFrame(protocol.FrameStatus, []byte(text), 0)
}

func (w *Watch) handleGet(cmd protocol.Command) {
	if !w.responds {
		return
	}
	if w.rec == nil || w.rec.id != cmd.RecID || len(w.rec.pcm) == 0 {
		w.sendStatus("NO_REC")
		return
	}
	total := uint32(len(w.rec.pcm))
	if cmd.Offset >= total {
		w.sendStatus("EOF")
		return
	}

	// a new GET cancels whatever window was still being sent
	w.pullGen++
	gen := w.pullGen
	w.busyUntil = w.sched.Now()

	end := uint64(cmd.Offset) + uint64(cmd.Length)
	if end > uint64(total) {
		end = uint64(total)
	}

	var frames [][]byte
	for off := uint64(cmd.Offset); off < end; off += uint64(w.cfg.ChunkSize) {
		stop := min(off+uint64(w.cfg.ChunkSize), end)
		if w.dropOnce[uint32(off)] {
			delete(w.dropOnce, uint32(off))
			continue
		}
		if w.cfg.Drop > 0 && w.rng.Float64() < w.cfg.Drop {
			continue
		}
		p := protocol.EncodeAudioData(cmd.RecID, uint32(off), w.rec.pcm[off:stop])
		frames = append(frames, p)
		if w.cfg.Redeliver > 0 && w.rng.Float64() < w.cfg.Redeliver {
			frames = append(frames, p)
		}
	}
	if w.cfg.Reorder > 0 {
		for i := 0; i+1 < len(frames); i++ {
			if w.rng.Float64() < w.cfg.Reorder {
				frames[i], frames[i+1] = frames[i+1], frames[i]
				i++
			}
		}
	}

	for _, p := range frames {
		w.queueFrame(protocol.FrameAudioData, p, gen)
	}
}

// queueFrame schedules a frame after the ones already queued. Frames with a
// non-zero gen are dropped if a newer GET or DONE arrived in the meantime.
func (w *Watch) queueFrame(t protocol.FrameType, payload []byte, gen uint64) {
	now := w.sched.Now()
	if w.busyUntil.Before(now) {
		w.busyUntil = now
	}
	w.busyUntil = w.busyUntil.Add(w.cfg.FrameGap)

	w.sched.AfterFunc(w.busyUntil.Sub(now), func() {
		if gen != 0 && gen != w.pullGen {
			return
		}
		w.sendFrame(t, payload)
	})
}

func (w *Watch) sendFrame(t protocol.FrameType, payload []byte) {
	wire, err := protocol.EncodeFrame(protocol.Frame{Type: t, Seq: w.seq, Payload: payload})
	if err != nil {
		w.logger.Error("Failed to encode frame", slog.String("error", err.Error()))
		return
	}
	w.seq++
	w.emit(wire)
}

// Tone returns seconds of a 16-bit mono sine at freq Hz
func Tone(seconds, sampleRate int, freq float64) []byte {
	n := seconds * sampleRate
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	return pcm
}

// Pattern returns n deterministic bytes for transfer tests
func Pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + i/251)
	}
	return p
}
