package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 converts normalized samples to little-endian PCM16
// bytes. Negative samples scale by 32768 and non-negative by 32767 so
// both ends of the int16 range are reachable; out-of-range input
// saturates instead of wrapping.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v float64
		if s < 0 {
			v = math.Round(float64(s) * 32768.0)
		} else {
			v = math.Round(float64(s) * 32767.0)
		}
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func Int16ToPCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Level returns the RMS amplitude of a PCM16 frame normalized to [0, 1].
func Level(pcm []byte) float64 {
	samples := PCMBytesToInt16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
