package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Request(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
		"Content-Length: 0\r\n\r\n"

	p := NewParser(true)
	msg, err := p.ParseMessage([]byte(raw))
	require.NoError(t, err)
	require.True(t, msg.IsRequest())

	req := msg.(*Request)
	assert.Equal(t, "INVITE", req.Method)
	assert.Equal(t, "bob", req.RequestURI.User)
	assert.Equal(t, "biloxi.com", req.RequestURI.Host)
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.com", req.GetHeader("Call-ID"))
}

func TestParseMessage_Response(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"

	p := NewParser(true)
	msg, err := p.ParseMessage([]byte(raw))
	require.NoError(t, err)
	require.True(t, msg.IsResponse())

	resp := msg.(*Response)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.ReasonPhrase)
}

func TestParseMessage_EmptyIsParseError(t *testing.T) {
	p := NewParser(true)
	_, err := p.ParseMessage(nil)
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseErrKindIncomplete, perr.Kind)
}

func TestParseMessage_MissingMandatoryHeader(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Content-Length: 0\r\n\r\n"

	p := NewParser(true)
	_, err := p.ParseMessage([]byte(raw))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseErrKindHeader, perr.Kind)
}

func TestParseMessage_UnknownMethodRejectedInStrictMode(t *testing.T) {
	raw := "FROBNICATE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 FROBNICATE\r\n" +
		"Content-Length: 0\r\n\r\n"

	p := NewParser(true)
	_, err := p.ParseMessage([]byte(raw))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseErrKindSyntax, perr.Kind)
}

func TestParseMessage_HeaderFolding(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com\r\n" +
		" ;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
		"Content-Length: 0\r\n\r\n"

	p := NewParser(true)
	msg, err := p.ParseMessage([]byte(raw))
	require.NoError(t, err)

	req := msg.(*Request)
	via, err := req.ViaStack()
	require.NoError(t, err)
	require.Len(t, via, 1)
	assert.Equal(t, "z9hG4bK776asdhds", via[0].Branch)
}
