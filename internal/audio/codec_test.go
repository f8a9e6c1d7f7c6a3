package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voximind/voice-gateway/internal/config"
)

func newTestCodec(t *testing.T, encoding string) *Codec {
	t.Helper()
	c, err := NewCodec(encoding, 8000, 24000)
	require.NoError(t, err)
	return c
}

func pcmFrame(samples []int16) Frame {
	return Frame{Payload: samplesToBytes(samples), Format: FormatPCM16, Timestamp: time.Now()}
}

// sineSamples generates a test tone at the given amplitude.
func sineSamples(n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*float64(i)*440/8000))
	}
	return out
}

func TestNewCodecRejectsUnknownEncoding(t *testing.T) {
	_, err := NewCodec("opus", 8000, 24000)
	require.Error(t, err)
}

func TestRoundTripPreservesDuration(t *testing.T) {
	for _, encoding := range []string{config.EncodingG711ULaw, config.EncodingG711ALaw} {
		t.Run(encoding, func(t *testing.T) {
			c := newTestCodec(t, encoding)

			// 20ms of silence at the model rate: 480 samples at 24kHz.
			in := pcmFrame(make([]int16, 480))
			inDuration := in.Duration(24000)

			provider, err := c.EncodeToProvider(in)
			require.NoError(t, err)
			assert.Equal(t, 160, provider.SampleCount())

			back, err := c.DecodeFromProvider(provider)
			require.NoError(t, err)

			// Duration must survive the round trip within one sample.
			assert.InDelta(t, float64(inDuration), float64(back.Duration(24000)), float64(time.Second)/24000)
			assert.Equal(t, in.SampleCount(), back.SampleCount())
		})
	}
}

func TestULawKnownValues(t *testing.T) {
	// 0xFF is the mu-law encoding of digital silence.
	assert.Equal(t, byte(0xFF), linearToULaw(0))
	assert.Equal(t, int16(0), ulawToLinear(0xFF))

	// Encoding then decoding stays within quantization error.
	for _, s := range []int16{-20000, -1000, -5, 0, 5, 1000, 20000} {
		decoded := ulawToLinear(linearToULaw(s))
		assert.InDelta(t, float64(s), float64(decoded), 1000, "sample %d", s)
	}
}

func TestALawKnownValues(t *testing.T) {
	// 0xD5 is the A-law encoding of digital silence.
	assert.Equal(t, byte(0xD5), linearToALaw(0))

	for _, s := range []int16{-20000, -1000, 0, 1000, 20000} {
		decoded := alawToLinear(linearToALaw(s))
		assert.InDelta(t, float64(s), float64(decoded), 1200, "sample %d", s)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	c := newTestCodec(t, config.EncodingG711ULaw)

	_, err := c.DecodeFromProvider(Frame{Format: FormatULaw})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// Wrong format tag for the configured provider side.
	_, err = c.DecodeFromProvider(Frame{Format: FormatPCM16, Payload: []byte{0, 0}})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = c.DecodeFromProvider(Frame{Format: FormatALaw, Payload: []byte{0xD5}})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeRejectsMalformedFrames(t *testing.T) {
	c := newTestCodec(t, config.EncodingG711ULaw)

	// Odd byte count cannot be PCM16.
	_, err := c.EncodeToProvider(Frame{Format: FormatPCM16, Payload: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = c.EncodeToProvider(Frame{Format: FormatPCM16})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = c.EncodeToProvider(Frame{Format: FormatULaw, Payload: []byte{0xFF}})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodePreservesSeqAndTimestamp(t *testing.T) {
	c := newTestCodec(t, config.EncodingG711ULaw)
	ts := time.Now()

	out, err := c.DecodeFromProvider(Frame{Payload: make([]byte, 160), Format: FormatULaw, Seq: 42, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.Seq)
	assert.Equal(t, ts, out.Timestamp)
	assert.Equal(t, FormatPCM16, out.Format)
}

func TestResampleExactTriple(t *testing.T) {
	in := sineSamples(160, 10000)
	up := resample(in, 8000, 24000)
	assert.Len(t, up, 480)
	down := resample(up, 24000, 8000)
	assert.Len(t, down, 160)
}

func TestResampleSameRatePassthrough(t *testing.T) {
	in := sineSamples(80, 3000)
	out := resample(in, 8000, 8000)
	assert.Equal(t, in, out)
}
