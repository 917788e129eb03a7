package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func sampleInvite(t *testing.T) *message.Request {
	t.Helper()
	uri, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)
	from, err := message.ParseURI("sip:alice@atlanta.com")
	require.NoError(t, err)

	req, err := message.NewRequest("INVITE", uri).
		Via("udp", "atlanta.com", 5060, "z9hG4bK-"+"abc123").
		From(from, "alice-tag").
		To(uri, "").
		CallID("call-1@atlanta.com").
		CSeq(1, "INVITE").
		Contact(from).
		Build()
	require.NoError(t, err)
	return req
}

func TestMessageBuilder_BuildCANCEL(t *testing.T) {
	invite := sampleInvite(t)

	cancel, err := (&MessageBuilder{}).BuildCANCEL(invite)
	require.NoError(t, err)

	assert.Equal(t, "CANCEL", cancel.Method)
	assert.Equal(t, invite.GetHeader("Via"), cancel.GetHeader("Via"))
	assert.Equal(t, invite.GetHeader("Call-ID"), cancel.GetHeader("Call-ID"))
	assert.Equal(t, "1 CANCEL", cancel.GetHeader("CSeq"))
}

func TestMessageBuilder_BuildCANCEL_RejectsACK(t *testing.T) {
	invite := sampleInvite(t)
	invite.Method = "ACK"

	_, err := (&MessageBuilder{}).BuildCANCEL(invite)
	require.Error(t, err)
}

func TestMessageBuilder_BuildACKForNon2xx(t *testing.T) {
	invite := sampleInvite(t)
	resp := message.NewResponse(invite, 486, "Busy Here").ToTag("bob-tag").Build()

	ack, err := (&MessageBuilder{}).BuildACKForNon2xx(invite, resp)
	require.NoError(t, err)

	assert.Equal(t, "ACK", ack.Method)
	assert.Equal(t, resp.GetHeader("To"), ack.GetHeader("To"))
	assert.Contains(t, ack.GetHeader("To"), "bob-tag")
	assert.Equal(t, "1 ACK", ack.GetHeader("CSeq"))
}

func TestMessageBuilder_BuildACKForNon2xx_RejectsNonInvite(t *testing.T) {
	invite := sampleInvite(t)
	invite.Method = "OPTIONS"
	resp := message.NewResponse(invite, 486, "Busy Here").Build()

	_, err := (&MessageBuilder{}).BuildACKForNon2xx(invite, resp)
	require.Error(t, err)
}

func TestMessageBuilder_BuildACKForNon2xx_RejectsSuccess(t *testing.T) {
	invite := sampleInvite(t)
	resp := message.NewResponse(invite, 200, "OK").Build()

	_, err := (&MessageBuilder{}).BuildACKForNon2xx(invite, resp)
	require.Error(t, err)
}
