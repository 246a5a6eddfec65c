// Package output persists completed recordings as WAV files.
package output
