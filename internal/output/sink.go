package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lapitskiy/sonya-front/internal/audio"
	"github.com/lapitskiy/sonya-front/internal/metrics"
	"github.com/lapitskiy/sonya-front/internal/session"
)

// ErrSinkFull is returned when the write backlog is full
var ErrSinkFull = errors.New("output queue full")

// SinkConfig contains WAV sink parameters
type SinkConfig struct {
	Directory      string
	FilenamePrefix string
	SilenceMaxAbs  int
	QueueSize      int
}

// SinkStats represents sink statistics for monitoring
type SinkStats struct {
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Silent   uint64 `json:"silent"`
	Pending  int    `json:"pending"`
	LastFile string `json:"last_file,omitempty"`
}

// WAVSink writes recordings to disk on its own goroutine so the session loop
// never blocks on file I/O.
type WAVSink struct {
	cfg     SinkConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	queue   chan *session.Recording
	now     func() time.Time

	written  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	silent   atomic.Uint64
	lastFile atomic.Pointer[string]
}

// NewWAVSink creates a sink; call Run to start writing
func NewWAVSink(cfg SinkConfig, logger *slog.Logger, m *metrics.Metrics) *WAVSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.FilenamePrefix == "" {
		cfg.FilenamePrefix = "watch"
	}
	if cfg.SilenceMaxAbs <= 0 {
		cfg.SilenceMaxAbs = audio.DefaultSilenceMaxAbs
	}
	return &WAVSink{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   make(chan *session.Recording, cfg.QueueSize),
		now:     time.Now,
	}
}

// Consume queues rec for writing without blocking
func (s *WAVSink) Consume(rec *session.Recording) {
	if err := s.Submit(rec); err != nil {
		s.logger.Error("Recording not saved",
			slog.String("id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Submit queues rec, failing with ErrSinkFull when the backlog is full
func (s *WAVSink) Submit(rec *session.Recording) error {
	select {
	case s.queue <- rec:
		return nil
	default:
		s.dropped.Add(1)
		s.metrics.RecordOutputError()
		return ErrSinkFull
	}
}

// Run writes queued recordings until ctx is cancelled, then drains the backlog
func (s *WAVSink) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", s.cfg.Directory, err)
	}

	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (s *WAVSink) write(rec *session.Recording) {
	path := filepath.Join(s.cfg.Directory, s.Filename(rec))
	levels := audio.MeasureLevels(rec.PCM)

	if err := audio.WriteWAVFile(path, rec.PCM, rec.SampleRate); err != nil {
		s.failed.Add(1)
		s.metrics.RecordOutputError()
		s.logger.Error("Failed to write WAV",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	s.written.Add(1)
	s.lastFile.Store(&path)
	s.metrics.RecordFileWritten()

	s.logger.Info("Recording saved",
		slog.String("path", path),
		slog.String("id", rec.ID.String()),
		slog.Int("bytes", len(rec.PCM)),
		slog.Float64("seconds", rec.AudioSeconds()),
		slog.Int("samples", levels.Samples),
		slog.Int("max_abs", levels.MaxAbs),
		slog.Float64("rms", levels.RMS),
		slog.String("crc", rec.CRC.String()),
	)

	if levels.Samples > 0 && levels.Silent(s.cfg.SilenceMaxAbs) {
		s.silent.Add(1)
		s.logger.Warn("Recording looks silent, check the microphone",
			slog.String("path", path),
			slog.Int("max_abs", levels.MaxAbs),
			slog.Int("threshold", s.cfg.SilenceMaxAbs),
		)
	}
}

// Filename returns <prefix>_<timestamp>_<id8>.wav
func (s *WAVSink) Filename(rec *session.Recording) string {
	ts := rec.FinishedAt
	if ts.IsZero() {
		ts = s.now()
	}
	return fmt.Sprintf("%s_%s_%s.wav", s.cfg.FilenamePrefix, ts.Format("20060102_150405"), rec.ID.String()[:8])
}

// Stats returns current sink statistics
func (s *WAVSink) Stats() SinkStats {
	st := SinkStats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Silent:  s.silent.Load(),
		Pending: len(s.queue),
	}
	if p := s.lastFile.Load(); p != nil {
		st.LastFile = *p
	}
	return st
}
