package audio

import (
	"errors"
	"fmt"

	"github.com/voximind/voice-gateway/internal/config"
)

// ErrMalformedFrame reports codec input that violates the expected format:
// an empty payload, a payload whose length is not a multiple of the sample
// size, or a frame whose format tag does not match the configured side.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// Codec converts frames between the provider's G.711 encoding at the
// provider sample rate and PCM16 at the model sample rate. It holds no
// per-call state and is safe for concurrent use by every session in the
// process.
type Codec struct {
	providerFormat Format
	providerRate   int
	modelRate      int
}

// NewCodec builds a codec for the configured provider encoding and the two
// sample rates.
func NewCodec(providerEncoding string, providerRate, modelRate int) (*Codec, error) {
	var format Format
	switch providerEncoding {
	case config.EncodingG711ULaw:
		format = FormatULaw
	case config.EncodingG711ALaw:
		format = FormatALaw
	default:
		return nil, fmt.Errorf("audio: unsupported provider encoding %q", providerEncoding)
	}
	if providerRate <= 0 || modelRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d/%d", providerRate, modelRate)
	}
	return &Codec{providerFormat: format, providerRate: providerRate, modelRate: modelRate}, nil
}

// DecodeFromProvider converts a provider-native frame into a PCM16 frame at
// the model sample rate. Sequence number and timestamp carry over unchanged.
func (c *Codec) DecodeFromProvider(f Frame) (Frame, error) {
	if f.Format != c.providerFormat {
		return Frame{}, fmt.Errorf("%w: expected %s input, got %s", ErrMalformedFrame, c.providerFormat, f.Format)
	}
	if len(f.Payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	samples := make([]int16, len(f.Payload))
	if c.providerFormat == FormatULaw {
		for i, b := range f.Payload {
			samples[i] = ulawToLinear(b)
		}
	} else {
		for i, b := range f.Payload {
			samples[i] = alawToLinear(b)
		}
	}

	samples = resample(samples, c.providerRate, c.modelRate)

	return Frame{
		Payload:   samplesToBytes(samples),
		Format:    FormatPCM16,
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
	}, nil
}

// EncodeToProvider converts a PCM16 frame at the model sample rate into a
// provider-native frame at the provider sample rate.
func (c *Codec) EncodeToProvider(f Frame) (Frame, error) {
	if f.Format != FormatPCM16 {
		return Frame{}, fmt.Errorf("%w: expected pcm16 input, got %s", ErrMalformedFrame, f.Format)
	}
	if len(f.Payload) == 0 || len(f.Payload)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: pcm16 payload length %d", ErrMalformedFrame, len(f.Payload))
	}

	samples := bytesToSamples(f.Payload)
	samples = resample(samples, c.modelRate, c.providerRate)

	out := make([]byte, len(samples))
	if c.providerFormat == FormatULaw {
		for i, s := range samples {
			out[i] = linearToULaw(s)
		}
	} else {
		for i, s := range samples {
			out[i] = linearToALaw(s)
		}
	}

	return Frame{
		Payload:   out,
		Format:    c.providerFormat,
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
	}, nil
}

// resample converts between sample rates with linear interpolation. The
// output length is len(in)*outRate/inRate, so a round trip between two rates
// reproduces the original sample count within one sample.
func resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(outRate) / int64(inRate))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)
	step := float64(inRate) / float64(outRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(in[idx])
		s1 := float64(in[idx+1])
		out[i] = int16(s0 + (s1-s0)*frac)
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// G.711 conversion, ported from the ITU reference implementation.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func linearToULaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := (int32(mantissa)<<3 + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

var alawSegmentEnds = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func linearToALaw(sample int16) byte {
	s := int32(sample) >> 3
	var mask int32 = 0xD5
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}
	seg := 8
	for i, end := range alawSegmentEnds {
		if s <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	aval := int32(seg) << 4
	if seg < 2 {
		aval |= (s >> 1) & 0x0F
	} else {
		aval |= (s >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

func alawToLinear(a byte) int16 {
	v := int32(a ^ 0x55)
	t := (v & 0x0F) << 4
	seg := (v & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= uint(seg - 1)
	}
	if v&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
