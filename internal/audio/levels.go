package audio

import (
	"encoding/binary"
	"math"
)

// DefaultSilenceMaxAbs is the peak below which a recording is treated as silent
const DefaultSilenceMaxAbs = 80

// Levels summarizes the amplitude of a PCM buffer
type Levels struct {
	Samples int     `json:"samples"`
	MaxAbs  int     `json:"max_abs"`
	RMS     float64 `json:"rms"`
}

// MeasureLevels computes peak and RMS amplitude of 16-bit LE PCM. A trailing
// odd byte is ignored.
func MeasureLevels(pcm []byte) Levels {
	n := len(pcm) / 2
	if n == 0 {
		return Levels{}
	}

	maxAbs := 0
	var sumSq float64
	for i := 0; i < n; i++ {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
		sumSq += float64(v) * float64(v)
	}

	return Levels{
		Samples: n,
		MaxAbs:  maxAbs,
		RMS:     math.Sqrt(sumSq / float64(n)),
	}
}

// Silent reports whether the peak stays below threshold
func (l Levels) Silent(threshold int) bool {
	return l.MaxAbs < threshold
}
