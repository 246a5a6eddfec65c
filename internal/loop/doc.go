// Package loop provides the single-goroutine event queue that owns all session
// state, together with a deterministic scheduler for tests.
//
// Link callbacks and timers never touch session state directly; they post
// closures onto the loop. Timers returned by AfterFunc may still run after a
// Stop that lost the race with expiry, so callers guard them with a generation
// counter.
package loop
