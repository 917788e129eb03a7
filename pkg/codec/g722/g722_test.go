package g722

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/codec"
)

func sampleTone(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(3000)
		if i%2 == 0 {
			v = -3000
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func TestG722_EncodeDecode_RoundTripsWithinStack(t *testing.T) {
	enc := New()
	dec := New()

	pcm := sampleTone(320)
	encoded, err := enc.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, 160)

	decoded, err := dec.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 640)
}

func TestG722_Encode_RejectsOddSampleCount(t *testing.T) {
	enc := New()
	_, err := enc.Encode(make([]byte, 6))
	require.ErrorIs(t, err, codec.ErrInvalidFrameSize)
}

func TestG722_Reset_ReinitializesAdaptiveState(t *testing.T) {
	c := New().(*Codec)
	pcm := sampleTone(320)
	_, err := c.Encode(pcm)
	require.NoError(t, err)

	c.Reset()
	assert.Zero(t, c.qmfHistory[0])
	assert.Equal(t, int32(32), c.low.det)
	assert.Equal(t, int32(8), c.high.det)
}

func TestG722_Info(t *testing.T) {
	info := New().Info()
	assert.Equal(t, "G722", info.Name)
	assert.Equal(t, uint32(16000), info.SampleRate)
	assert.Equal(t, uint8(9), info.PayloadType)
}
