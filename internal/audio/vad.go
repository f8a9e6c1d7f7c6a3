package audio

import "math"

// DefaultVoiceThreshold is the RMS level (on the int16 scale) above which a
// PCM16 frame is treated as carrying speech. Typical telephony noise floor
// sits well below this.
const DefaultVoiceThreshold = 500.0

// VoiceDetector classifies frames as speech or silence using signal energy.
// It keeps no history, so one detector can be shared across sessions.
type VoiceDetector struct {
	threshold float64
}

// NewVoiceDetector creates a detector with the given RMS threshold. A zero
// or negative threshold selects DefaultVoiceThreshold.
func NewVoiceDetector(threshold float64) *VoiceDetector {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return &VoiceDetector{threshold: threshold}
}

// IsVoice reports whether a PCM16 frame carries voice activity. Frames in
// any other format or with no samples are treated as silence.
func (d *VoiceDetector) IsVoice(f Frame) bool {
	if f.Format != FormatPCM16 || len(f.Payload) < 2 {
		return false
	}
	samples := bytesToSamples(f.Payload)
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return rms >= d.threshold
}
