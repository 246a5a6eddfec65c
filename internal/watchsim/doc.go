// Package watchsim emulates the watch firmware side of the link protocol.
//
// A Watch answers the ASCII commands the host sends, streams AUDIO_DATA
// frames on its scheduler and can be told to reorder, repeat or drop frames.
// Tests wire it directly to a transport.WriteQueue; cmd/watchsim serves it
// over UDP.
package watchsim
