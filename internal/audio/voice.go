package audio

import "math"

// VoiceDetector decides whether a PCM frame contains speech. The default
// implementation is a plain energy threshold; a trained model can be swapped
// in without touching the segmenter.
type VoiceDetector interface {
	Detect(samples []int16) bool
}

// EnergyDetector flags a frame as voiced when its RMS energy exceeds a
// configured threshold.
type EnergyDetector struct {
	Threshold float64
}

// NewEnergyDetector creates an energy-based voice detector.
func NewEnergyDetector(threshold float64) *EnergyDetector {
	return &EnergyDetector{Threshold: threshold}
}

// Detect reports whether the frame's RMS energy exceeds the threshold.
func (d *EnergyDetector) Detect(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	return rms >= d.Threshold
}

// NullDetector never detects voice. Used in tests and as a stand-in when
// voice detection is disabled.
type NullDetector struct{}

// Detect always returns false.
func (NullDetector) Detect([]int16) bool { return false }

// DecodeSamples converts little-endian PCM-16 bytes to int16 samples. Odd
// trailing bytes are ignored.
func DecodeSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}
