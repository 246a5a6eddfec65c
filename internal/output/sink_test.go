package output

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lapitskiy/sonya-front/internal/audio"
	"github.com/lapitskiy/sonya-front/internal/session"
	"github.com/lapitskiy/sonya-front/internal/watchsim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecording(pcm []byte) *session.Recording {
	return &session.Recording{
		ID:         uuid.MustParse("0123abcd-0000-4000-8000-000000000000"),
		RecID:      7,
		PCM:        pcm,
		SampleRate: 16000,
		FinishedAt: time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC),
	}
}

func TestFilename(t *testing.T) {
	s := NewWAVSink(SinkConfig{Directory: t.TempDir(), FilenamePrefix: "sonya"}, testLogger(), nil)
	got := s.Filename(testRecording(nil))
	if got != "sonya_20260301_123045_0123abcd.wav" {
		t.Errorf("Unexpected filename %s", got)
	}
}

func TestSinkWritesRecordings(t *testing.T) {
	dir := t.TempDir()
	s := NewWAVSink(SinkConfig{Directory: dir}, testLogger(), nil)

	pcm := watchsim.Tone(1, 16000, 440)
	silent := make([]byte, 3200)
	s.Consume(testRecording(pcm))
	rec := testRecording(silent)
	rec.ID = uuid.New()
	s.Consume(rec)

	// cancelled up front: Run drains the backlog and returns
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := s.Stats()
	if st.Written != 2 || st.Silent != 1 || st.Pending != 0 {
		t.Fatalf("Unexpected stats %+v", st)
	}

	got, info, err := audio.ReadWAVFile(filepath.Join(dir, s.Filename(testRecording(nil))))
	if err != nil {
		t.Fatalf("ReadWAVFile failed: %v", err)
	}
	if info.SampleRate != 16000 || !bytes.Equal(got, pcm) {
		t.Errorf("WAV content mismatch: %d bytes at %d Hz", len(got), info.SampleRate)
	}
}

func TestSubmitReportsFullQueue(t *testing.T) {
	s := NewWAVSink(SinkConfig{Directory: t.TempDir(), QueueSize: 1}, testLogger(), nil)

	if err := s.Submit(testRecording(nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(testRecording(nil)); !errors.Is(err, ErrSinkFull) {
		t.Fatalf("Expected ErrSinkFull, got %v", err)
	}
	if s.Stats().Dropped != 1 {
		t.Errorf("Expected 1 dropped recording, got %d", s.Stats().Dropped)
	}
}
