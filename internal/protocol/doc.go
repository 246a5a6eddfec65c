// Package protocol implements the watch frame codec and command set.
// It handles stream reassembly of [type][seq][len][payload] frames, AUDIO_DATA
// and REC_END payload parsing, and the ASCII commands written back to the watch.
package protocol
