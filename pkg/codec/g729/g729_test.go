package g729

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/codec"
)

func sampleRamp(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16((i % 200) * 10)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func TestG729_EncodeDecode_RoundTripsWithinStack(t *testing.T) {
	enc := New()
	dec := New()

	pcm := sampleRamp(80)
	encoded, err := enc.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, 10)

	decoded, err := dec.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 160)
}

func TestG729_Encode_RejectsNonFrameMultiple(t *testing.T) {
	enc := New()
	_, err := enc.Encode(make([]byte, 100))
	require.ErrorIs(t, err, codec.ErrInvalidFrameSize)
}

func TestG729_Decode_RejectsNonFrameMultiple(t *testing.T) {
	dec := New()
	_, err := dec.Decode(make([]byte, 7))
	require.ErrorIs(t, err, codec.ErrInvalidFrameSize)
}

func TestG729_FrameSize(t *testing.T) {
	assert.Equal(t, 80, New().FrameSize())
	assert.False(t, New().SupportsVariableFrameSize())
}

func TestG729_ConcealLoss_AttenuatesLastSubframe(t *testing.T) {
	dec := New()
	enc := New()

	pcm := sampleRamp(80)
	encoded, err := enc.Encode(pcm)
	require.NoError(t, err)
	_, err = dec.Decode(encoded)
	require.NoError(t, err)

	plc, ok := dec.(interface{ ConcealLoss() []byte })
	require.True(t, ok, "G.729 decoder must implement codec.PacketLossConcealer")

	concealed := plc.ConcealLoss()
	assert.Len(t, concealed, 160)

	firstSample := int16(uint16(concealed[0]) | uint16(concealed[1])<<8)
	lastSample := int16(uint16(concealed[len(concealed)-2]) | uint16(concealed[len(concealed)-1])<<8)
	assert.NotEqual(t, firstSample, lastSample, "later repetitions must be attenuated relative to the first")
}
