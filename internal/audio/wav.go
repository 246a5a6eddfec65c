package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth     = 16
	numChannels  = 1
	wavFormatPCM = 1
)

// WAVInfo describes a decoded WAV file
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	NumSamples    int     `json:"num_samples"`
}

// PCMToInts converts 16-bit LE PCM to sample values. A trailing odd byte is
// ignored.
func PCMToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// IntsToPCM converts sample values to 16-bit LE PCM, clamping to int16
func IntsToPCM(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// WriteWAV encodes mono 16-bit PCM as a WAV stream
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	enc := wav.NewEncoder(w, sampleRate, bitDepth, numChannels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		Data:           PCMToInts(pcm),
		SourceBitDepth: bitDepth,
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	return nil
}

// WriteWAVFile writes pcm to path as a WAV file
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadWAV decodes a 16-bit mono WAV stream back to PCM bytes
func ReadWAV(r io.ReadSeeker) ([]byte, *WAVInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, nil, fmt.Errorf("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read audio samples: %w", err)
	}

	if dec.BitDepth != bitDepth {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", dec.BitDepth)
	}
	if dec.NumChans != numChannels {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", dec.NumChans)
	}

	info := &WAVInfo{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
		NumSamples:    len(buf.Data),
	}
	if info.SampleRate > 0 {
		info.Duration = float64(info.NumSamples) / float64(info.SampleRate)
	}

	return IntsToPCM(buf.Data), info, nil
}

// ReadWAVFile decodes the WAV file at path
func ReadWAVFile(path string) ([]byte, *WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadWAV(f)
}

// PCMDuration returns the playback length in seconds of mono 16-bit PCM
func PCMDuration(pcmBytes, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(pcmBytes/2) / float64(sampleRate)
}
