// Package audio holds the PCM assembly buffer and the 16-bit WAV helpers.
// Assembled audio is mono signed 16-bit little-endian PCM.
package audio
