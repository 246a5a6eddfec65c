package session

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/protocol"
	"github.com/lapitskiy/sonya-front/internal/transport"
	"github.com/lapitskiy/sonya-front/internal/watchsim"
)

func TestLiveGapsArePadded(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())
	pcm := watchsim.Pattern(300)

	m.HandleFrame(recStart())
	if m.Mode() != ModeRecording {
		t.Fatalf("Expected recording, got %s", m.Mode())
	}
	m.HandleFrame(audioData(1, 0, pcm[:100]))
	if m.Mode() != ModeLiveStreaming {
		t.Fatalf("Expected live streaming, got %s", m.Mode())
	}

	m.HandleFrame(audioData(1, 150, pcm[150:200]))  // 50 byte gap
	m.HandleFrame(audioData(1, 100, pcm[100:150]))  // behind, dropped
	m.HandleFrame(audioData(2, 200, pcm[200:300]))  // other recording
	m.HandleFrame(audioData(1, 200+5000, pcm[:10])) // gap too large
	m.HandleFrame(audioData(1, 200, pcm[200:300]))

	want := append(append(append([]byte(nil), pcm[:100]...), make([]byte, 50)...), pcm[150:]...)
	m.HandleFrame(recEnd(1, want))

	if len(*recs) != 1 {
		t.Fatalf("Expected 1 recording, got %d", len(*recs))
	}
	rec := (*recs)[0]
	if !bytes.Equal(rec.PCM, want) {
		t.Fatal("PCM mismatch after padding")
	}
	if rec.PaddedBytes != 50 || rec.CRC != CRCMatch {
		t.Errorf("Unexpected recording: padded=%d crc=%s", rec.PaddedBytes, rec.CRC)
	}
	if len(q.cmds) != 1 || q.cmds[0] != "DONE:1" {
		t.Errorf("Expected only DONE:1, got %v", q.cmds)
	}
}

func TestLegacyRecording(t *testing.T) {
	h := newHarness(t, DefaultConfig(), watchsim.DefaultConfig())
	pcm := watchsim.Pattern(1000)

	h.watch.Legacy(pcm)
	h.sched.Advance(time.Second)

	if len(h.recs) != 1 {
		t.Fatalf("Expected 1 recording, got %d", len(h.recs))
	}
	rec := h.recs[0]
	if !rec.Legacy || rec.Meta != nil || rec.Source() != "legacy" {
		t.Errorf("Expected a legacy recording, got %+v", rec.Summary())
	}
	if !bytes.Equal(rec.PCM, pcm) {
		t.Error("Legacy PCM mismatch")
	}
	if len(h.watch.Commands()) != 0 {
		t.Errorf("Legacy recording sent commands: %+v", h.watch.Commands())
	}
}

func TestLegacyEmptyRecordingIsDropped(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())

	m.HandleFrame(recStart())
	m.HandleFrame(protocol.Frame{Type: protocol.FrameRecEnd})

	if len(*recs) != 0 || len(q.cmds) != 0 {
		t.Fatalf("Expected nothing delivered, got %d recordings and %v", len(*recs), q.cmds)
	}
	if m.Mode() != ModeIdle {
		t.Errorf("Expected idle, got %s", m.Mode())
	}
}

func TestLinkDownAbortsPull(t *testing.T) {
	h := newHarness(t, DefaultConfig(), watchsim.DefaultConfig())
	h.watch.Record(3, watchsim.Pattern(50000), 0)
	h.sched.Advance(200 * time.Millisecond)

	if h.m.Mode() != ModePullDownloading {
		t.Fatalf("Expected pull, got %s", h.m.Mode())
	}
	h.m.LinkDown("test")

	gets := len(h.gets())
	h.sched.Advance(10 * time.Second)

	if h.m.Mode() != ModeIdle {
		t.Fatalf("Expected idle, got %s", h.m.Mode())
	}
	if len(h.recs) != 0 {
		t.Error("Aborted session delivered a recording")
	}
	if len(h.gets()) != gets {
		t.Errorf("GET sent after link down: %d -> %d", gets, len(h.gets()))
	}
	snap := h.m.Snapshot()
	if snap.Connected || snap.Aborted != 1 || snap.Buffer.Bytes != 0 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if err := h.m.Ping(); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestLinkDownClearsQueue(t *testing.T) {
	m, q, _, _ := newFakeMachine(DefaultConfig())
	m.LinkDown("timeout")
	if q.cleared != 1 {
		t.Errorf("Expected the queue to be cleared once, got %d", q.cleared)
	}
}

func TestNoRecAbortsPull(t *testing.T) {
	m, _, sched, recs := newFakeMachine(DefaultConfig())

	m.HandleFrame(recStart())
	m.HandleFrame(recEnd(4, watchsim.Pattern(500)))
	m.HandleFrame(status("NO_REC"))

	if m.Mode() != ModeIdle {
		t.Fatalf("Expected idle, got %s", m.Mode())
	}
	sched.Advance(5 * time.Second)
	if len(*recs) != 0 {
		t.Error("Expected no recording")
	}
	if m.Snapshot().LastStatus != "NO_REC" {
		t.Errorf("Unexpected last status %q", m.Snapshot().LastStatus)
	}
}

func TestCRCPolicies(t *testing.T) {
	good := watchsim.Pattern(100)
	bad := append([]byte(nil), good...)
	bad[10] ^= 0xFF

	tests := []struct {
		name      string
		policy    CRCPolicy
		wantCRC   CRCStatus
		wantCmds  []string
		wantPCM   []byte
		repullFix bool
	}{
		{name: "off", policy: CRCOff, wantCRC: CRCUnchecked, wantCmds: []string{"DONE:1"}, wantPCM: bad},
		{name: "log", policy: CRCLog, wantCRC: CRCMismatch, wantCmds: []string{"DONE:1"}, wantPCM: bad},
		{
			name:      "repull",
			policy:    CRCRepull,
			wantCRC:   CRCMatch,
			wantCmds:  []string{"GET:1:0:100", "DONE:1"},
			wantPCM:   good,
			repullFix: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CRCPolicy = tt.policy
			m, q, _, recs := newFakeMachine(cfg)

			m.HandleFrame(recStart())
			m.HandleFrame(audioData(1, 0, bad))
			m.HandleFrame(recEnd(1, good))
			if tt.repullFix {
				if m.Mode() != ModePullDownloading {
					t.Fatalf("Expected a repull, got %s", m.Mode())
				}
				m.HandleFrame(audioData(1, 0, good))
			}

			if len(*recs) != 1 {
				t.Fatalf("Expected 1 recording, got %d", len(*recs))
			}
			rec := (*recs)[0]
			if rec.CRC != tt.wantCRC {
				t.Errorf("Expected CRC %s, got %s", tt.wantCRC, rec.CRC)
			}
			if !bytes.Equal(rec.PCM, tt.wantPCM) {
				t.Error("Unexpected PCM")
			}
			if len(q.cmds) != len(tt.wantCmds) {
				t.Fatalf("Expected %v, got %v", tt.wantCmds, q.cmds)
			}
			for i := range tt.wantCmds {
				if q.cmds[i] != tt.wantCmds[i] {
					t.Fatalf("Expected %v, got %v", tt.wantCmds, q.cmds)
				}
			}
		})
	}
}

func TestRepullGivesUpAfterLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CRCPolicy = CRCRepull
	cfg.CRCMaxRepulls = 1
	m, q, _, recs := newFakeMachine(cfg)

	good := watchsim.Pattern(50)
	bad := make([]byte, 50)

	m.HandleFrame(recStart())
	m.HandleFrame(recEnd(2, good))
	m.HandleFrame(audioData(2, 0, bad))
	m.HandleFrame(audioData(2, 0, bad))

	if len(*recs) != 1 || (*recs)[0].CRC != CRCMismatch || (*recs)[0].Repulls != 1 {
		t.Fatalf("Expected one mismatched recording after a single repull")
	}
	if q.last() != "DONE:2" {
		t.Errorf("Expected DONE:2 last, got %v", q.cmds)
	}
}

func TestRecEndWhileIdleStartsCatchUp(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())
	pcm := watchsim.Pattern(300)

	m.HandleFrame(recEnd(8, pcm))
	if m.Mode() != ModePullDownloading || q.last() != "GET:8:0:300" {
		t.Fatalf("Expected a catch-up pull, got mode %s and %v", m.Mode(), q.cmds)
	}
	m.HandleFrame(audioData(8, 0, pcm))
	if len(*recs) != 1 {
		t.Fatalf("Expected 1 recording, got %d", len(*recs))
	}

	// a repeated REC_END for the delivered recording is ignored
	m.HandleFrame(recEnd(8, pcm))
	if m.Mode() != ModeIdle || len(q.cmds) != 2 {
		t.Errorf("Expected the repeat to be ignored, got mode %s and %v", m.Mode(), q.cmds)
	}

	// REC_END without a session and without metadata is ignored
	m.HandleFrame(protocol.Frame{Type: protocol.FrameRecEnd})
	if m.Mode() != ModeIdle {
		t.Errorf("Expected idle, got %s", m.Mode())
	}
}

func TestRecEndWithEmptyRecording(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())

	m.HandleFrame(recStart())
	m.HandleFrame(recEnd(3, nil))

	if len(*recs) != 1 || len((*recs)[0].PCM) != 0 {
		t.Fatalf("Expected one empty recording")
	}
	if len(q.cmds) != 1 || q.cmds[0] != "DONE:3" {
		t.Errorf("Expected DONE:3 without GET, got %v", q.cmds)
	}
}

func TestLiveDataForOtherRecordingIsDiscarded(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())
	live := watchsim.Pattern(100)
	pcm := watchsim.Pattern(200)

	m.HandleFrame(recStart())
	m.HandleFrame(audioData(5, 0, live))
	m.HandleFrame(recEnd(6, pcm))

	if q.last() != "GET:6:0:200" {
		t.Fatalf("Expected a pull from zero, got %v", q.cmds)
	}
	m.HandleFrame(audioData(6, 0, pcm))
	if len(*recs) != 1 || !bytes.Equal((*recs)[0].PCM, pcm) {
		t.Fatal("Expected the pulled recording only")
	}
}

func TestRecStartDuringPullRestarts(t *testing.T) {
	m, _, sched, recs := newFakeMachine(DefaultConfig())

	m.HandleFrame(recStart())
	m.HandleFrame(recEnd(1, watchsim.Pattern(1000)))
	gen := m.Snapshot().Generation

	m.HandleFrame(recStart())
	if m.Mode() != ModeRecording {
		t.Fatalf("Expected recording, got %s", m.Mode())
	}
	if m.Snapshot().Generation == gen {
		t.Error("Expected a new generation")
	}

	// the old stall timer must not re-request
	sched.Advance(5 * time.Second)
	if m.Mode() != ModeRecording || len(*recs) != 0 {
		t.Errorf("Unexpected state after restart: %s", m.Mode())
	}
}

func TestRecordingSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalBytes = 100
	m, _, _, _ := newFakeMachine(cfg)

	m.HandleFrame(recStart())
	m.HandleFrame(audioData(1, 0, make([]byte, 80)))
	m.HandleFrame(audioData(1, 80, make([]byte, 80)))

	if got := m.Snapshot().Offset; got != 80 {
		t.Errorf("Expected 80 bytes, got %d", got)
	}
}

func TestSnapshotDuringPull(t *testing.T) {
	m, _, _, _ := newFakeMachine(DefaultConfig())
	pcm := watchsim.Pattern(40000)

	m.HandleFrame(recStart())
	m.HandleFrame(recEnd(2, pcm))
	m.HandleFrame(audioData(2, 0, pcm[:1000]))

	snap := m.Snapshot()
	if snap.ModeName != "pull_downloading" || snap.RecID != 2 || !snap.HasRecID {
		t.Fatalf("Unexpected snapshot %+v", snap)
	}
	if snap.Offset != 1000 || snap.TotalBytes != 40000 || snap.WindowEnd != 16384 {
		t.Errorf("Unexpected progress %+v", snap)
	}
	if snap.Buffer.Bytes != 1000 || snap.PullRequests != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestHandleNotifyDecodesSplitFrames(t *testing.T) {
	m, q, _, recs := newFakeMachine(DefaultConfig())
	pcm := watchsim.Pattern(500)

	var wire []byte
	frames := []protocol.Frame{recStart(), audioData(1, 0, pcm), recEnd(1, pcm)}
	for i, f := range frames {
		f.Seq = uint16(i)
		b, err := protocol.EncodeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		wire = append(wire, b...)
	}
	for i := 0; i < len(wire); i += 20 {
		m.HandleNotify(wire[i:min(i+20, len(wire))])
	}

	if len(*recs) != 1 || !bytes.Equal((*recs)[0].PCM, pcm) {
		t.Fatal("Expected one recording from split notifications")
	}
	if q.last() != "DONE:1" {
		t.Errorf("Expected DONE:1, got %v", q.cmds)
	}
	if m.Snapshot().SeqGaps != 0 {
		t.Errorf("Unexpected seq gaps %d", m.Snapshot().SeqGaps)
	}
}

func TestHandleNotifyCountsSeqGapsAndCorruption(t *testing.T) {
	m, _, _, _ := newFakeMachine(DefaultConfig())

	for _, seq := range []uint16{1, 2, 5} {
		b, _ := protocol.EncodeFrame(protocol.Frame{Type: protocol.FrameWake, Seq: seq})
		m.HandleNotify(b)
	}
	m.HandleNotify([]byte{0x12, 0, 0, 0xFF, 0xFF})

	snap := m.Snapshot()
	if snap.SeqGaps != 1 {
		t.Errorf("Expected 1 seq gap, got %d", snap.SeqGaps)
	}
	if snap.DecoderResets != 1 {
		t.Errorf("Expected 1 decoder reset, got %d", snap.DecoderResets)
	}
}

func TestStatusUpdatesRecSeconds(t *testing.T) {
	m, _, _, _ := newFakeMachine(DefaultConfig())
	m.HandleFrame(status("REC_SEC=6"))
	if m.Snapshot().RecSeconds != 6 {
		t.Errorf("Expected 6, got %d", m.Snapshot().RecSeconds)
	}
}

func TestCommands(t *testing.T) {
	m, q, _, _ := newFakeMachine(DefaultConfig())

	if err := m.Ping(); err != nil {
		t.Fatal(err)
	}
	if err := m.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetRecordSeconds(3); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 11} {
		if err := m.SetRecordSeconds(n); !errors.Is(err, ErrInvalidSeconds) {
			t.Errorf("SetRecordSeconds(%d): expected ErrInvalidSeconds, got %v", n, err)
		}
	}

	want := []string{"PING", "REC", "SETREC:3"}
	if len(q.cmds) != len(want) {
		t.Fatalf("Expected %v, got %v", want, q.cmds)
	}
	for i := range want {
		if q.cmds[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, q.cmds)
		}
	}
}

func TestCallRunsOnLoop(t *testing.T) {
	l := loop.New(testLogger(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	q := &fakeQueue{}
	m := NewMachine(DefaultConfig(), l, q, nil, testLogger(), nil)
	if err := m.Call(ctx, func(m *Machine) error {
		m.LinkUp()
		return m.Ping()
	}); err != nil {
		t.Fatal(err)
	}
	if !m.Snapshot().Connected {
		t.Error("Expected a connected snapshot")
	}

	cancel()
	<-l.Done()
	if err := m.Call(context.Background(), func(*Machine) error { return nil }); !errors.Is(err, loop.ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestRecordingSummary(t *testing.T) {
	m, _, _, recs := newFakeMachine(DefaultConfig())
	pcm := watchsim.Pattern(32000)

	m.HandleFrame(recStart())
	m.HandleFrame(audioData(1, 0, pcm))
	m.HandleFrame(recEnd(1, pcm))

	rec := (*recs)[0]
	if rec.AudioSeconds() != 1 {
		t.Errorf("Expected 1s of audio, got %v", rec.AudioSeconds())
	}
	if rec.ComputedCRC != crc32.ChecksumIEEE(pcm) {
		t.Error("Unexpected computed CRC")
	}
	recent := m.Snapshot().Recent
	if len(recent) != 1 || recent[0].ID != rec.ID.String() || recent[0].Source != "live" {
		t.Errorf("Unexpected history %+v", recent)
	}
}
