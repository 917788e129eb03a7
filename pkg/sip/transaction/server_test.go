package transaction

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func TestNewServerTransaction_RejectsMissingBranch(t *testing.T) {
	uri, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)
	req := &message.Request{Method: "OPTIONS", RequestURI: uri, Headers: message.NewHeaders()}

	_, err = NewServerTransaction(req, newFakeTransport("udp"), "127.0.0.1:5060")
	require.Error(t, err)
}

func TestServerTransaction_NonInvite_RespondsAndWaitsForRetransmits(t *testing.T) {
	req := sampleNonInvite(t, "OPTIONS")
	ft := newFakeTransport("udp")

	tx, err := NewServerTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, StateTrying, tx.State())

	resp := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	require.NoError(t, tx.SendResponse(resp))
	assert.Equal(t, StateCompleted, tx.State())
	assert.Equal(t, 1, ft.sentCount())

	// A retransmitted request must re-send the stored final response,
	// not create new transaction state.
	tx.HandleRequest(req)
	assert.Equal(t, 2, ft.sentCount())

	tx.Terminate()
}

func TestServerTransaction_Invite_CompletedThenConfirmedByACK(t *testing.T) {
	req := sampleInvite(t)
	ft := newFakeTransport("udp")

	tx, err := NewServerTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)

	resp := message.NewResponse(req, 486, "Busy Here").ToTag("bob-tag").Build()
	require.NoError(t, tx.SendResponse(resp))
	assert.Equal(t, StateCompleted, tx.State())
	assert.True(t, strings.Contains(ft.lastSent(), "486"))

	ack := &message.Request{Method: "ACK", RequestURI: req.RequestURI, Headers: message.NewHeaders()}
	ack.SetHeader("Via", req.GetHeader("Via"))
	tx.HandleACK(ack)

	require.Eventually(t, func() bool {
		return tx.State() == StateConfirmed
	}, time.Second, 10*time.Millisecond)

	select {
	case got := <-tx.ACK():
		assert.Equal(t, "ACK", got.Method)
	case <-time.After(time.Second):
		t.Fatal("ACK channel never received the ACK")
	}
}

func TestServerTransaction_Invite_SuccessTerminatesImmediately(t *testing.T) {
	req := sampleInvite(t)
	ft := newFakeTransport("udp")

	tx, err := NewServerTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)

	resp := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	require.NoError(t, tx.SendResponse(resp))

	require.Eventually(t, func() bool {
		return tx.State() == StateTerminated
	}, time.Second, 10*time.Millisecond)
}

func TestServerTransaction_SendResponse_RejectsAfterTerminated(t *testing.T) {
	req := sampleNonInvite(t, "OPTIONS")
	ft := newFakeTransport("udp")

	tx, err := NewServerTransaction(req, ft, "127.0.0.1:5060")
	require.NoError(t, err)
	tx.Terminate()

	resp := message.NewResponse(req, 200, "OK").Build()
	require.ErrorIs(t, tx.SendResponse(resp), ErrTerminated)
}
