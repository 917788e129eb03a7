package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVia(t *testing.T) {
	v, err := ParseVia("SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds;received=192.0.2.1;rport=5070")
	require.NoError(t, err)
	assert.Equal(t, "SIP/2.0/UDP", v.Protocol)
	assert.Equal(t, "pc33.atlanta.com:5060", v.SentBy)
	assert.True(t, v.IsRFC3261Branch())
	assert.Equal(t, "192.0.2.1", v.Received)
	assert.Equal(t, 5070, v.RPort)
}

func TestParseVia_BareRport(t *testing.T) {
	v, err := ParseVia("SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK1;rport")
	require.NoError(t, err)
	assert.Equal(t, -1, v.RPort)
}

func TestParseVia_NonRFC3261Branch(t *testing.T) {
	v, err := ParseVia("SIP/2.0/UDP pc33.atlanta.com;branch=legacy-branch")
	require.NoError(t, err)
	assert.False(t, v.IsRFC3261Branch())
}

func TestViaStack_PreservesOrderAndCommaList(t *testing.T) {
	h := NewHeaders()
	h.Add("Via", "SIP/2.0/UDP proxy2.example.com;branch=z9hG4bK2, SIP/2.0/UDP proxy1.example.com;branch=z9hG4bK1")
	stack, err := ViaStack(h)
	require.NoError(t, err)
	require.Len(t, stack, 2)
	assert.Equal(t, "z9hG4bK2", stack[0].Branch)
	assert.Equal(t, "z9hG4bK1", stack[1].Branch)
}

func TestParseAddress_WithDisplayNameAndTag(t *testing.T) {
	a, err := ParseAddress(`"Alice Example" <sip:alice@atlanta.com>;tag=1928301774`)
	require.NoError(t, err)
	assert.Equal(t, "Alice Example", a.DisplayName)
	assert.Equal(t, "alice", a.URI.User)
	assert.Equal(t, "1928301774", a.Tag())
}

func TestParseAddress_BareAddrSpec(t *testing.T) {
	a, err := ParseAddress("sip:bob@biloxi.com")
	require.NoError(t, err)
	assert.Empty(t, a.DisplayName)
	assert.Equal(t, "bob", a.URI.User)
}

func TestParseAddress_QuotedEscapes(t *testing.T) {
	a, err := ParseAddress(`"Alice \"A\" Smith" <sip:alice@atlanta.com>`)
	require.NoError(t, err)
	assert.Equal(t, `Alice "A" Smith`, a.DisplayName)
}

func TestParseCSeq(t *testing.T) {
	c, err := ParseCSeq("314159 INVITE")
	require.NoError(t, err)
	assert.Equal(t, uint32(314159), c.Seq)
	assert.Equal(t, "INVITE", c.Method)
}

func TestParseCSeq_Malformed(t *testing.T) {
	_, err := ParseCSeq("not-a-cseq")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseErrKindHeader, perr.Kind)
}
