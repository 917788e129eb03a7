package transaction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func sampleNonInvite(t *testing.T, method string) *message.Request {
	t.Helper()
	uri, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)
	from, err := message.ParseURI("sip:alice@atlanta.com")
	require.NoError(t, err)

	req, err := message.NewRequest(method, uri).
		Via("udp", "atlanta.com", 5060, message.GenerateBranch()).
		From(from, "alice-tag").
		To(uri, "").
		CallID("call-2@atlanta.com").
		CSeq(1, method).
		Build()
	require.NoError(t, err)
	return req
}

func TestNewClientTransaction_RejectsMissingVia(t *testing.T) {
	uri, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)
	req := &message.Request{Method: "OPTIONS", RequestURI: uri, Headers: message.NewHeaders()}

	_, err = NewClientTransaction(req, newFakeTransport("udp"), "127.0.0.1:5060")
	require.Error(t, err)
}

func TestClientTransaction_NonInvite_RetransmitsOverUDP(t *testing.T) {
	req := sampleNonInvite(t, "OPTIONS")
	ft := newFakeTransport("udp")

	tx, err := NewClientTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)

	require.NoError(t, tx.SendRequest(context.Background()))
	assert.Equal(t, 1, ft.sentCount())

	// Timer E fires at T1 = 500ms; wait past it for a retransmit.
	require.Eventually(t, func() bool {
		return ft.sentCount() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	tx.Terminate()
}

func TestClientTransaction_NonInvite_ProvisionalThenFinal(t *testing.T) {
	req := sampleNonInvite(t, "OPTIONS")
	ft := newFakeTransport("tcp") // reliable: no retransmit timer

	tx, err := NewClientTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	resp := message.NewResponse(req, 100, "Trying").Build()
	tx.ProcessResponse(resp)
	assert.Equal(t, StateProceeding, tx.State())

	final := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	tx.ProcessResponse(final)

	require.Eventually(t, func() bool {
		return tx.State() == StateCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestClientTransaction_Invite_NonSuccessSendsAck(t *testing.T) {
	req := sampleInvite(t)
	ft := newFakeTransport("udp")

	tx, err := NewClientTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	resp := message.NewResponse(req, 486, "Busy Here").ToTag("bob-tag").Build()
	tx.ProcessResponse(resp)

	require.Eventually(t, func() bool {
		return tx.State() == StateCompleted
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(ft.lastSent(), "ACK")
	}, time.Second, 10*time.Millisecond)
}

func TestClientTransaction_Invite_SuccessTerminatesImmediately(t *testing.T) {
	req := sampleInvite(t)
	ft := newFakeTransport("udp")

	tx, err := NewClientTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	resp := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	tx.ProcessResponse(resp)

	require.Eventually(t, func() bool {
		return tx.State() == StateTerminated
	}, time.Second, 10*time.Millisecond)
}

func TestClientTransaction_Cancel_OnlyValidWhileProceeding(t *testing.T) {
	req := sampleInvite(t)
	ft := newFakeTransport("udp")

	tx, err := NewClientTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	require.Error(t, tx.Cancel()) // still Calling

	resp := message.NewResponse(req, 180, "Ringing").Build()
	tx.ProcessResponse(resp)
	require.NoError(t, tx.Cancel())
}
