package transport

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/metrics"
)

// QueueConfig tunes the write queue
type QueueConfig struct {
	Capacity         int
	RetryDelay       time.Duration
	Lease            time.Duration
	StatsLogInterval time.Duration
}

// DefaultQueueConfig returns the values the watch firmware was tuned against
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:         256,
		RetryDelay:       20 * time.Millisecond,
		Lease:            200 * time.Millisecond,
		StatsLogInterval: 1500 * time.Millisecond,
	}
}

// QueueStats is a point-in-time view of the write queue
type QueueStats struct {
	Enqueued      uint64 `json:"enqueued"`
	Sent          uint64 `json:"sent"`
	Completed     uint64 `json:"completed"`
	SendErrors    uint64 `json:"send_errors"`
	WriteErrors   uint64 `json:"write_errors"`
	Overflows     uint64 `json:"overflows"`
	LeaseExpired  uint64 `json:"lease_expired"`
	Depth         int64  `json:"depth"`
	InFlight      bool   `json:"in_flight"`
	QueueCapacity int    `json:"queue_capacity"`
}

// WriteQueue is a bounded FIFO of commands with a single in-flight write.
//
// All methods except Stats must be called on the scheduler goroutine. A write
// stays in flight until Complete is called or the lease expires, whichever
// happens first.
type WriteQueue struct {
	sender  Sender
	sched   loop.Scheduler
	cfg     QueueConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	inline  bool

	items    [][]byte
	inFlight bool
	lease    loop.Timer
	leaseGen uint64
	retry    loop.Timer
	retryGen uint64
	lastLog  time.Time

	enqueued     atomic.Uint64
	sent         atomic.Uint64
	completed    atomic.Uint64
	sendErrors   atomic.Uint64
	writeErrors  atomic.Uint64
	overflows    atomic.Uint64
	leaseExpired atomic.Uint64
	depth        atomic.Int64
	flight       atomic.Bool
}

// NewWriteQueue creates a queue draining into sender. Zero config fields take
// their defaults.
func NewWriteQueue(sender Sender, sched loop.Scheduler, cfg QueueConfig, logger *slog.Logger, m *metrics.Metrics) *WriteQueue {
	def := DefaultQueueConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.StatsLogInterval <= 0 {
		cfg.StatsLogInterval = def.StatsLogInterval
	}

	q := &WriteQueue{
		sender:  sender,
		sched:   sched,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		lastLog: sched.Now(),
	}
	if ic, ok := sender.(InlineCompleter); ok {
		q.inline = ic.CompletesInline()
	}
	return q
}

// Enqueue appends cmd and starts draining. When the queue is full it is
// cleared, cmd is dropped and ErrQueueOverflow is returned. A write already in
// flight stays tracked until Complete or its lease releases it.
func (q *WriteQueue) Enqueue(cmd []byte) error {
	if len(q.items) >= q.cfg.Capacity {
		dropped := len(q.items)
		q.items = nil
		q.overflows.Add(1)
		q.publishDepth()
		q.metrics.RecordQueueOverflow()

		q.logger.Warn("Write queue overflow, cleared pending commands",
			slog.Int("dropped", dropped+1),
			slog.Int("capacity", q.cfg.Capacity),
			slog.String("command", string(cmd)),
		)
		return ErrQueueOverflow
	}

	buf := make([]byte, len(cmd))
	copy(buf, cmd)
	q.items = append(q.items, buf)
	q.enqueued.Add(1)
	q.publishDepth()

	q.drain()
	return nil
}

// Complete reports the result of the write currently in flight
func (q *WriteQueue) Complete(err error) {
	q.release(q.leaseGen, err, false)
}

// Clear drops every pending command and forgets the in-flight write
func (q *WriteQueue) Clear() {
	q.items = nil
	q.stopRetry()
	if q.inFlight {
		q.inFlight = false
		q.flight.Store(false)
		q.leaseGen++
		if q.lease != nil {
			q.lease.Stop()
			q.lease = nil
		}
	}
	q.publishDepth()
}

// Len returns the number of queued commands, excluding the one in flight
func (q *WriteQueue) Len() int {
	return len(q.items)
}

// InFlight reports whether a write is outstanding
func (q *WriteQueue) InFlight() bool {
	return q.inFlight
}

// Stats returns counters; safe for concurrent use
func (q *WriteQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:      q.enqueued.Load(),
		Sent:          q.sent.Load(),
		Completed:     q.completed.Load(),
		SendErrors:    q.sendErrors.Load(),
		WriteErrors:   q.writeErrors.Load(),
		Overflows:     q.overflows.Load(),
		LeaseExpired:  q.leaseExpired.Load(),
		Depth:         q.depth.Load(),
		InFlight:      q.flight.Load(),
		QueueCapacity: q.cfg.Capacity,
	}
}

// drain issues the head command if nothing is in flight
func (q *WriteQueue) drain() {
	if q.inFlight || q.retry != nil || len(q.items) == 0 {
		return
	}

	cmd := q.items[0]
	q.items = q.items[1:]

	if err := q.sender.Send(cmd); err != nil {
		// head stays at the head
		q.items = append([][]byte{cmd}, q.items...)
		q.sendErrors.Add(1)
		q.metrics.RecordWriteError()

		q.logger.Debug("Write failed, retrying",
			slog.String("command", string(cmd)),
			slog.Duration("retry_delay", q.cfg.RetryDelay),
			slog.String("error", err.Error()),
		)

		q.retryGen++
		gen := q.retryGen
		q.retry = q.sched.AfterFunc(q.cfg.RetryDelay, func() {
			if gen != q.retryGen {
				return
			}
			q.retry = nil
			q.drain()
		})
		return
	}

	q.sent.Add(1)
	q.metrics.RecordWriteSent()
	q.publishDepth()

	q.inFlight = true
	q.flight.Store(true)
	q.leaseGen++
	gen := q.leaseGen
	q.lease = q.sched.AfterFunc(q.cfg.Lease, func() {
		q.release(gen, nil, true)
	})

	if q.inline {
		q.sched.Defer(func() { q.release(gen, nil, false) })
	}
}

// release ends the in-flight write identified by gen
func (q *WriteQueue) release(gen uint64, err error, expired bool) {
	if !q.inFlight || gen != q.leaseGen {
		return
	}

	q.inFlight = false
	q.flight.Store(false)
	if q.lease != nil && !expired {
		q.lease.Stop()
	}
	q.lease = nil

	switch {
	case expired:
		q.leaseExpired.Add(1)
		q.metrics.RecordLeaseExpired()
		q.logger.Debug("In-flight write lease expired", slog.Duration("lease", q.cfg.Lease))
	case err != nil:
		q.writeErrors.Add(1)
		q.metrics.RecordWriteError()
		q.logger.Warn("Write completed with error", slog.String("error", err.Error()))
	default:
		q.completed.Add(1)
	}

	q.logStats()
	q.drain()
}

func (q *WriteQueue) stopRetry() {
	q.retryGen++
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
}

func (q *WriteQueue) publishDepth() {
	q.depth.Store(int64(len(q.items)))
	q.metrics.SetQueueDepth(len(q.items))
}

// logStats emits a debug summary at most once per StatsLogInterval
func (q *WriteQueue) logStats() {
	now := q.sched.Now()
	if now.Sub(q.lastLog) < q.cfg.StatsLogInterval {
		return
	}
	q.lastLog = now

	s := q.Stats()
	q.logger.Debug("Write queue stats",
		slog.Uint64("sent", s.Sent),
		slog.Uint64("completed", s.Completed),
		slog.Uint64("send_errors", s.SendErrors),
		slog.Uint64("lease_expired", s.LeaseExpired),
		slog.Uint64("overflows", s.Overflows),
		slog.Int64("depth", s.Depth),
	)
}
