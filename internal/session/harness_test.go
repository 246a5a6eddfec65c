package session

import (
	"hash/crc32"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/protocol"
	"github.com/lapitskiy/sonya-front/internal/transport"
	"github.com/lapitskiy/sonya-front/internal/watchsim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a Machine to an emulated watch through a real write queue
type harness struct {
	sched *loop.Manual
	watch *watchsim.Watch
	queue *transport.WriteQueue
	m     *Machine
	recs  []*Recording
}

func newHarness(t *testing.T, cfg Config, wcfg watchsim.Config) *harness {
	t.Helper()
	h := &harness{sched: loop.NewManual(time.Unix(0, 0))}
	h.watch = watchsim.New(h.sched, func(p []byte) { h.m.HandleNotify(p) }, wcfg, testLogger())
	h.queue = transport.NewWriteQueue(h.watch, h.sched, transport.DefaultQueueConfig(), testLogger(), nil)
	h.m = NewMachine(cfg, h.sched, h.queue, ConsumerFunc(func(r *Recording) {
		h.recs = append(h.recs, r)
	}), testLogger(), nil)
	h.m.LinkUp()
	return h
}

func (h *harness) gets() []protocol.Command {
	var out []protocol.Command
	for _, c := range h.watch.Commands() {
		if c.Kind == protocol.CmdGet {
			out = append(out, c)
		}
	}
	return out
}

// fakeQueue records commands without a watch behind it
type fakeQueue struct {
	cmds    []string
	cleared int
}

func (q *fakeQueue) Enqueue(cmd []byte) error {
	q.cmds = append(q.cmds, string(cmd))
	return nil
}

func (q *fakeQueue) Clear() { q.cleared++ }

func (q *fakeQueue) last() string {
	if len(q.cmds) == 0 {
		return ""
	}
	return q.cmds[len(q.cmds)-1]
}

func newFakeMachine(cfg Config) (*Machine, *fakeQueue, *loop.Manual, *[]*Recording) {
	sched := loop.NewManual(time.Unix(0, 0))
	q := &fakeQueue{}
	var recs []*Recording
	m := NewMachine(cfg, sched, q, ConsumerFunc(func(r *Recording) {
		recs = append(recs, r)
	}), testLogger(), nil)
	m.LinkUp()
	return m, q, sched, &recs
}

func recStart() protocol.Frame {
	return protocol.Frame{Type: protocol.FrameRecStart}
}

func audioData(recID uint16, off uint32, data []byte) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameAudioData, Payload: protocol.EncodeAudioData(recID, off, data)}
}

func recEnd(recID uint16, pcm []byte) protocol.Frame {
	meta := protocol.RecordingMeta{
		RecID:      recID,
		TotalBytes: uint32(len(pcm)),
		CRC32:      crc32.ChecksumIEEE(pcm),
		SampleRate: protocol.SampleRate,
	}
	return protocol.Frame{Type: protocol.FrameRecEnd, Payload: protocol.EncodeRecordingMeta(meta)}
}

func status(text string) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameStatus, Payload: []byte(text)}
}
