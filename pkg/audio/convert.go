package audio

import (
	"math"
	"time"
)

// Downmix averages interleaved stereo samples into mono. Uses int32
// arithmetic to prevent overflow. An odd trailing sample is dropped.
func Downmix(stereo []int16) []int16 {
	frames := len(stereo) / 2
	out := make([]int16, frames)
	for i := range frames {
		sum := int32(stereo[i*2]) + int32(stereo[i*2+1])
		out[i] = int16(sum / 2)
	}
	return out
}

// RMS computes the root mean square energy of the samples. Returns 0 for
// empty input. The segmenter compares this against the silence threshold.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakNormalize scales samples so the peak magnitude reaches full scale
// (32767). Input is returned unchanged when it is empty, all-zero, or the
// peak already meets or exceeds full scale; normalization only ever
// amplifies quiet audio, never attenuates.
func PeakNormalize(samples []int16) []int16 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 || peak >= 32767 {
		return samples
	}
	scale := 32767.0 / float64(peak)
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * scale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Smooth applies a centered moving average for light noise reduction. The
// effective window is clamped to len(samples)/10 so short batches are not
// smeared; when the clamped window drops below 2 the input is returned
// unchanged.
func Smooth(samples []int16, window int) []int16 {
	if w := len(samples) / 10; window > w {
		window = w
	}
	if window < 2 {
		return samples
	}
	half := window / 2
	out := make([]int16, len(samples))
	for i := range samples {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > len(samples) {
			hi = len(samples)
		}
		var sum int32
		for _, s := range samples[lo:hi] {
			sum += int32(s)
		}
		out[i] = int16(sum / int32(hi-lo))
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or the input is too short the input is
// returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dst := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}
	out := make([]int16, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// DecodePCM16 converts little-endian PCM bytes to samples. An odd trailing
// byte is dropped.
func DecodePCM16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// EncodePCM16 converts samples to little-endian PCM bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Duration returns the playback length of n samples at the given rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// SampleCount returns the number of samples covering d at the given rate.
func SampleCount(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
