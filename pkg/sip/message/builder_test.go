package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBuilder_BuildInvite(t *testing.T) {
	uri := MustParseURI("sip:bob@biloxi.com")
	req, err := NewRequest("INVITE", uri).
		Via("UDP", "pc33.atlanta.com", 5060, GenerateBranch()).
		From(MustParseURI("sip:alice@atlanta.com"), GenerateTag()).
		To(uri, "").
		CallID(GenerateCallID("atlanta.com")).
		CSeq(1, "INVITE").
		Contact(MustParseURI("sip:alice@pc33.atlanta.com")).
		Build()

	require.NoError(t, err)
	assert.Equal(t, "INVITE", req.Method)
	assert.Contains(t, req.GetHeader("Via"), "z9hG4bK")
	assert.Equal(t, "70", req.GetHeader("Max-Forwards"))
}

func TestRequestBuilder_MissingContactRejected(t *testing.T) {
	uri := MustParseURI("sip:bob@biloxi.com")
	_, err := NewRequest("INVITE", uri).
		Via("UDP", "pc33.atlanta.com", 5060, GenerateBranch()).
		From(MustParseURI("sip:alice@atlanta.com"), GenerateTag()).
		To(uri, "").
		CallID(GenerateCallID("atlanta.com")).
		CSeq(1, "INVITE").
		Build()

	require.Error(t, err)
}

func TestResponseBuilder_CopiesDialogHeaders(t *testing.T) {
	uri := MustParseURI("sip:bob@biloxi.com")
	req, err := NewRequest("INVITE", uri).
		Via("UDP", "pc33.atlanta.com", 5060, GenerateBranch()).
		From(MustParseURI("sip:alice@atlanta.com"), "1928301774").
		To(uri, "").
		CallID("a84b4c76e66710@pc33.atlanta.com").
		CSeq(314159, "INVITE").
		Contact(MustParseURI("sip:alice@pc33.atlanta.com")).
		Build()
	require.NoError(t, err)

	resp := NewResponse(req, 200, "").ToTag(GenerateTag()).Build()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.ReasonPhrase)
	assert.Equal(t, req.GetHeader("Call-ID"), resp.GetHeader("Call-ID"))
	assert.Contains(t, resp.GetHeader("To"), ";tag=")
}

func TestGenerateBranch_IsUniqueAndRFC3261(t *testing.T) {
	a, b := GenerateBranch(), GenerateBranch()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "z9hG4bK")
}

func TestExtractTag(t *testing.T) {
	assert.Equal(t, "1928301774", ExtractTag("Alice <sip:alice@atlanta.com>;tag=1928301774"))
	assert.Empty(t, ExtractTag("Alice <sip:alice@atlanta.com>"))
}
