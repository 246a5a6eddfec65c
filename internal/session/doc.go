// Package session reassembles watch recordings from decoded frames.
//
// A Machine owns the single active recording. While the watch records, live
// AUDIO_DATA is appended in order and small gaps are zero-padded. When
// REC_END announces the final size the machine pulls whatever is still missing
// in bounded windows (GET), recovers from gaps and stalls by re-requesting the
// unfinished part of the current window, and finally acknowledges the
// recording with DONE and hands the moved buffer to a Consumer.
//
// Every Machine method must be called on the scheduler goroutine. Snapshot is
// the only method safe to call from elsewhere.
package session
