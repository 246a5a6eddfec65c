// Package transport carries bytes between the host and the watch.
//
// A link delivers notification bytes and connection changes through Events
// and accepts outbound commands through Sender. WriteQueue serializes
// commands so that at most one write is outstanding on the link.
package transport
