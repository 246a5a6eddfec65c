package transport

import (
	"context"
	"errors"

	"github.com/lapitskiy/sonya-front/internal/loop"
)

var (
	// ErrNotConnected is returned by a Sender when no peer is attached
	ErrNotConnected = errors.New("link not connected")

	// ErrQueueOverflow is returned by Enqueue after the queue was cleared
	ErrQueueOverflow = errors.New("write queue overflow")
)

// Sender writes one command to the watch
type Sender interface {
	Send(p []byte) error
}

// InlineCompleter is implemented by senders whose Send returns only after the
// write is finished. The write queue releases such writes without waiting for
// Complete.
type InlineCompleter interface {
	CompletesInline() bool
}

// Events receives link activity. Links call it from their own goroutines;
// wrap the receiver with OnLoop to serialize calls.
type Events interface {
	LinkUp()
	LinkDown(reason string)
	Notify(p []byte)
}

// OnLoop returns Events that forward every call onto sched
func OnLoop(sched loop.Scheduler, ev Events) Events {
	return &loopEvents{sched: sched, ev: ev}
}

type loopEvents struct {
	sched loop.Scheduler
	ev    Events
}

func (l *loopEvents) LinkUp() {
	l.sched.Post(l.ev.LinkUp)
}

func (l *loopEvents) LinkDown(reason string) {
	l.sched.Post(func() { l.ev.LinkDown(reason) })
}

func (l *loopEvents) Notify(p []byte) {
	l.sched.Post(func() { l.ev.Notify(p) })
}

// Link is a bidirectional connection to the watch
type Link interface {
	Sender
	// Run delivers link activity to ev until ctx is cancelled
	Run(ctx context.Context, ev Events) error
	GetStatistics() LinkStatistics
}

// LinkStatistics represents link counters. DatagramsReceived is only set by
// the UDP link.
type LinkStatistics struct {
	Type              string `json:"type"`
	BytesReceived     uint64 `json:"bytes_received"`
	CommandsSent      uint64 `json:"commands_sent"`
	SendErrors        uint64 `json:"send_errors"`
	Peer              string `json:"peer,omitempty"`
	Connected         bool   `json:"connected"`
	DatagramsReceived uint64 `json:"datagrams_received,omitempty"`
}
