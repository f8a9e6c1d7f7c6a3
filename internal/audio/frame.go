package audio

import "time"

// Format tags the encoding of a frame payload.
type Format int

const (
	// FormatULaw is 8-bit G.711 mu-law, one byte per sample.
	FormatULaw Format = iota
	// FormatALaw is 8-bit G.711 A-law, one byte per sample.
	FormatALaw
	// FormatPCM16 is 16-bit little-endian linear PCM, two bytes per sample.
	FormatPCM16
)

func (f Format) String() string {
	switch f {
	case FormatULaw:
		return "g711_ulaw"
	case FormatALaw:
		return "g711_alaw"
	case FormatPCM16:
		return "pcm16"
	default:
		return "unknown"
	}
}

// Frame is one chunk of call audio. Frames are immutable once constructed
// and flow by value through the pipeline; the payload is never mutated in
// place.
type Frame struct {
	Payload   []byte
	Format    Format
	Seq       uint64
	Timestamp time.Time
}

// SampleCount returns the number of audio samples in the frame.
func (f Frame) SampleCount() int {
	if f.Format == FormatPCM16 {
		return len(f.Payload) / 2
	}
	return len(f.Payload)
}

// Duration returns the playback duration of the frame at the given sample
// rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.SampleCount()) * int64(time.Second) / int64(sampleRate))
}
