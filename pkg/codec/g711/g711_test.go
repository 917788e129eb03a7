package g711

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/codec"
)

func samplePCM(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(i*37 - 500)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func TestUlaw_EncodeDecode_RoundTrips(t *testing.T) {
	c := NewUlaw()
	pcm := samplePCM(160)

	encoded, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, 160)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 320)
}

func TestUlaw_Encode_RejectsOddLength(t *testing.T) {
	c := NewUlaw()
	_, err := c.Encode([]byte{0x01})
	require.ErrorIs(t, err, codec.ErrInvalidFrameSize)
}

func TestUlaw_EncodeToBuffer_TooSmall(t *testing.T) {
	c := NewUlaw()
	pcm := samplePCM(160)
	dst := make([]byte, 10)
	_, err := c.EncodeToBuffer(pcm, dst)
	require.ErrorIs(t, err, codec.ErrBufferTooSmall)
}

func TestAlaw_EncodeDecode_RoundTrips(t *testing.T) {
	c := NewAlaw()
	pcm := samplePCM(80)

	encoded, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, 80)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 160)
}

func TestUlaw_Info(t *testing.T) {
	info := NewUlaw().Info()
	assert.Equal(t, "PCMU", info.Name)
	assert.Equal(t, uint8(0), info.PayloadType)
	assert.True(t, NewUlaw().SupportsVariableFrameSize())
}
