package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the watch link service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Link metrics
	NotificationsReceived prometheus.Counter
	NotificationBytes     prometheus.Counter
	LinkTransitions       *prometheus.CounterVec

	// Codec metrics
	FramesDecoded *prometheus.CounterVec
	DecoderResets prometheus.Counter
	SeqGaps       prometheus.Counter

	// Write queue metrics
	CommandsEnqueued *prometheus.CounterVec
	WritesSent       prometheus.Counter
	WriteErrors      prometheus.Counter
	QueueOverflows   prometheus.Counter
	LeaseExpirations prometheus.Counter
	QueueDepth       prometheus.Gauge

	// Session metrics
	SessionMode         prometheus.Gauge
	RecordingsStarted   prometheus.Counter
	RecordingsCompleted *prometheus.CounterVec
	RecordingsAborted   *prometheus.CounterVec
	CRCMismatches       prometheus.Counter
	LiveBytes           prometheus.Counter
	LivePaddedBytes     prometheus.Counter
	PulledBytes         prometheus.Counter
	DuplicateBytes      prometheus.Counter
	PullRequests        *prometheus.CounterVec
	RecordingSize       prometheus.Histogram
	TransferDuration    prometheus.Histogram

	// Output metrics
	FilesWritten prometheus.Counter
	OutputErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Link metrics
		NotificationsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_notifications_received_total",
			Help: "Total number of notifications received from the watch link",
		}),
		NotificationBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_notification_bytes_total",
			Help: "Total number of notification bytes received",
		}),
		LinkTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_link_transitions_total",
			Help: "Link up and link down events",
		}, []string{"state"}),

		// Codec metrics
		FramesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_frames_decoded_total",
			Help: "Total number of frames decoded by type",
		}, []string{"type"}),
		DecoderResets: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_decoder_resets_total",
			Help: "Number of times a corrupt header forced the frame accumulator to reset",
		}),
		SeqGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_seq_gaps_total",
			Help: "Number of unexpected sequence numbers on non-audio frames",
		}),

		// Write queue metrics
		CommandsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_commands_enqueued_total",
			Help: "Total number of commands enqueued for the watch",
		}, []string{"command"}),
		WritesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_writes_sent_total",
			Help: "Total number of command writes issued to the link",
		}),
		WriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_write_errors_total",
			Help: "Total number of failed command writes",
		}),
		QueueOverflows: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_write_queue_overflows_total",
			Help: "Number of times the write queue overflowed and was cleared",
		}),
		LeaseExpirations: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_write_lease_expirations_total",
			Help: "Number of in-flight writes released by the safety lease",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "watch_write_queue_depth",
			Help: "Current number of commands waiting in the write queue",
		}),

		// Session metrics
		SessionMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "watch_session_mode",
			Help: "Current session mode (0=idle, 1=recording, 2=live, 3=pull, 4=finalizing)",
		}),
		RecordingsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_recordings_started_total",
			Help: "Total number of recordings started by the watch",
		}),
		RecordingsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_recordings_completed_total",
			Help: "Total number of recordings delivered",
		}, []string{"source"}),
		RecordingsAborted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_recordings_aborted_total",
			Help: "Total number of recordings abandoned before completion",
		}, []string{"reason"}),
		CRCMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_crc_mismatches_total",
			Help: "Number of assembled recordings whose CRC32 did not match",
		}),
		LiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_live_bytes_total",
			Help: "Audio bytes appended from the live stream",
		}),
		LivePaddedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_live_padded_bytes_total",
			Help: "Zero bytes inserted to cover small live stream gaps",
		}),
		PulledBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_pulled_bytes_total",
			Help: "Audio bytes appended from pull windows",
		}),
		DuplicateBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_duplicate_bytes_total",
			Help: "Audio bytes discarded as already received",
		}),
		PullRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_pull_requests_total",
			Help: "GET requests issued by reason",
		}, []string{"reason"}),
		RecordingSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "watch_recording_size_bytes",
			Help:    "Size of delivered recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),
		TransferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "watch_transfer_duration_seconds",
			Help:    "Time from REC_START (or first pull) to delivery",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Output metrics
		FilesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_output_files_written_total",
			Help: "Total number of WAV files written",
		}),
		OutputErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "watch_output_errors_total",
			Help: "Total number of failures writing recordings",
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordNotification counts one notification of n bytes
func (m *Metrics) RecordNotification(n int) {
	if m == nil {
		return
	}
	m.NotificationsReceived.Inc()
	m.NotificationBytes.Add(float64(n))
}

// RecordLink records a link transition ("up" or "down")
func (m *Metrics) RecordLink(state string) {
	if m == nil {
		return
	}
	m.LinkTransitions.WithLabelValues(state).Inc()
}

// RecordFrame counts a decoded frame
func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(frameType).Inc()
}

// RecordDecoderReset counts an accumulator reset
func (m *Metrics) RecordDecoderReset() {
	if m == nil {
		return
	}
	m.DecoderResets.Inc()
}

// RecordSeqGap counts an out-of-sequence frame
func (m *Metrics) RecordSeqGap() {
	if m == nil {
		return
	}
	m.SeqGaps.Inc()
}

// RecordCommandEnqueued counts an enqueued command by name
func (m *Metrics) RecordCommandEnqueued(command string) {
	if m == nil {
		return
	}
	m.CommandsEnqueued.WithLabelValues(command).Inc()
}

// RecordWriteSent counts a write handed to the link
func (m *Metrics) RecordWriteSent() {
	if m == nil {
		return
	}
	m.WritesSent.Inc()
}

// RecordWriteError counts a failed write
func (m *Metrics) RecordWriteError() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}

// RecordQueueOverflow counts a write queue overflow
func (m *Metrics) RecordQueueOverflow() {
	if m == nil {
		return
	}
	m.QueueOverflows.Inc()
}

// RecordLeaseExpired counts a forced in-flight release
func (m *Metrics) RecordLeaseExpired() {
	if m == nil {
		return
	}
	m.LeaseExpirations.Inc()
}

// SetQueueDepth sets the current write queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// SetSessionMode publishes the numeric session mode
func (m *Metrics) SetSessionMode(mode int) {
	if m == nil {
		return
	}
	m.SessionMode.Set(float64(mode))
}

// RecordRecordingStarted counts a REC_START
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
}

// RecordRecordingCompleted records a delivered recording
func (m *Metrics) RecordRecordingCompleted(source string, sizeBytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RecordingsCompleted.WithLabelValues(source).Inc()
	m.RecordingSize.Observe(float64(sizeBytes))
	m.TransferDuration.Observe(durationSeconds)
}

// RecordRecordingAborted counts an abandoned recording
func (m *Metrics) RecordRecordingAborted(reason string) {
	if m == nil {
		return
	}
	m.RecordingsAborted.WithLabelValues(reason).Inc()
}

// RecordCRCMismatch counts a CRC32 mismatch
func (m *Metrics) RecordCRCMismatch() {
	if m == nil {
		return
	}
	m.CRCMismatches.Inc()
}

// RecordLiveBytes counts live bytes appended and zero padding inserted
func (m *Metrics) RecordLiveBytes(appended, padded int) {
	if m == nil {
		return
	}
	m.LiveBytes.Add(float64(appended))
	if padded > 0 {
		m.LivePaddedBytes.Add(float64(padded))
	}
}

// RecordPulledBytes counts bytes appended from pulls and duplicates discarded
func (m *Metrics) RecordPulledBytes(appended, duplicate int) {
	if m == nil {
		return
	}
	m.PulledBytes.Add(float64(appended))
	if duplicate > 0 {
		m.DuplicateBytes.Add(float64(duplicate))
	}
}

// RecordPullRequest counts a GET by reason ("window", "stall", "gap", "repull")
func (m *Metrics) RecordPullRequest(reason string) {
	if m == nil {
		return
	}
	m.PullRequests.WithLabelValues(reason).Inc()
}

// RecordFileWritten counts a written output file
func (m *Metrics) RecordFileWritten() {
	if m == nil {
		return
	}
	m.FilesWritten.Inc()
}

// RecordOutputError counts a failed output write
func (m *Metrics) RecordOutputError() {
	if m == nil {
		return
	}
	m.OutputErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
