package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
	"github.com/arzzra/voicecore/pkg/sip/transport"
)

func newTestStack(t *testing.T, contactURI string) (*Stack, *fakeTransport) {
	t.Helper()
	contact, err := message.ParseURI(contactURI)
	require.NoError(t, err)

	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))

	s := NewStack(tm, contact, StackConfig{UserAgent: "voicecore-test"})
	return s, ft
}

func TestStack_NewInvite_SendsRequestAndCreatesTryingDialog(t *testing.T) {
	s, ft := newTestStack(t, "sip:alice@atlanta.com:5060")
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	d, err := s.NewInvite(context.Background(), target, InviteOpts{})
	require.NoError(t, err)

	assert.Equal(t, DialogStateTrying, d.State())
	assert.Equal(t, 1, ft.sentCount())
	assert.Contains(t, ft.lastSent(), "INVITE sip:bob@biloxi.com SIP/2.0")

	found, ok := s.DialogByKey(d.Key())
	require.True(t, ok)
	assert.Equal(t, d.Key(), found.Key())
}

// buildFinalResponse constructs a 200 OK (or other final response) to req as
// the remote UAS would send it back over the wire, with a fresh to-tag and
// Contact so the dialog layer can pick up the remote target.
func buildFinalResponse(t *testing.T, req *message.Request, statusCode int, reason, toTag, contactURI string) *message.Response {
	t.Helper()
	contact, err := message.ParseURI(contactURI)
	require.NoError(t, err)

	builder := message.NewResponse(req, statusCode, reason).ToTag(toTag)
	if statusCode >= 200 && statusCode < 300 {
		builder = builder.Contact(contact)
	}
	return builder.Build()
}

func TestStack_NewInvite_WaitAnswer_EstablishesDialogAndSendsACK(t *testing.T) {
	s, ft := newTestStack(t, "sip:alice@atlanta.com:5060")
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	d, err := s.NewInvite(context.Background(), target, InviteOpts{})
	require.NoError(t, err)

	inviteReq := d.(*Dialog).inviteReq
	resp := buildFinalResponse(t, inviteReq, 200, "OK", "bob-tag", "sip:bob@192.0.2.5:5060")

	waitErrCh := make(chan error, 1)
	go func() {
		waitErrCh <- d.(*Dialog).WaitAnswer(context.Background())
	}()

	s.handleIncomingData("192.0.2.5:5060", []byte(resp.String()))

	select {
	case err := <-waitErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAnswer never returned")
	}

	assert.Equal(t, DialogStateEstablished, d.State())
	assert.Equal(t, "bob-tag", d.RemoteTag())
	require.Eventually(t, func() bool { return ft.sentCount() >= 2 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, ft.lastSent(), "ACK sip:bob@192.0.2.5:5060 SIP/2.0")
}

func TestStack_NewInvite_RejectedFinalResponseTerminatesDialog(t *testing.T) {
	s, _ := newTestStack(t, "sip:alice@atlanta.com:5060")
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	d, err := s.NewInvite(context.Background(), target, InviteOpts{})
	require.NoError(t, err)

	inviteReq := d.(*Dialog).inviteReq
	resp := buildFinalResponse(t, inviteReq, 486, "Busy Here", "bob-tag", "sip:bob@192.0.2.5:5060")

	waitErrCh := make(chan error, 1)
	go func() {
		waitErrCh <- d.(*Dialog).WaitAnswer(context.Background())
	}()

	s.handleIncomingData("192.0.2.5:5060", []byte(resp.String()))

	select {
	case err := <-waitErrCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAnswer never returned")
	}

	assert.Equal(t, DialogStateTerminated, d.State())
	_, ok := s.DialogByKey(d.Key())
	assert.False(t, ok)
}

func TestStack_HandleIncomingInvite_CreatesUASDialogAndSendsTrying(t *testing.T) {
	s, ft := newTestStack(t, "sip:bob@biloxi.com:5060")

	var incoming IDialog
	done := make(chan struct{}, 1)
	s.OnIncomingDialog(func(d IDialog) {
		incoming = d
		done <- struct{}{}
	})

	callerURI, err := message.ParseURI("sip:alice@atlanta.com")
	require.NoError(t, err)
	calleeURI, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	req, err := message.NewRequest("INVITE", calleeURI).
		Via("udp", "atlanta.com", 5060, message.GenerateBranch()).
		From(callerURI, "alice-tag").
		To(calleeURI, "").
		CallID("call-42@atlanta.com").
		CSeq(1, "INVITE").
		Contact(callerURI).
		Build()
	require.NoError(t, err)

	s.handleIncomingData("198.51.100.9:5060", []byte(req.String()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnIncomingDialog callback never fired")
	}

	require.NotNil(t, incoming)
	assert.Equal(t, DialogStateRinging, incoming.State())
	assert.True(t, incoming.(*Dialog).IsUAS())
	assert.Equal(t, 1, ft.sentCount())
	assert.Contains(t, ft.lastSent(), "SIP/2.0 100 Trying")
}

func TestStack_Accept_SendsOKAndEstablishesDialog(t *testing.T) {
	s, ft := newTestStack(t, "sip:bob@biloxi.com:5060")

	incomingCh := make(chan IDialog, 1)
	s.OnIncomingDialog(func(d IDialog) { incomingCh <- d })

	callerURI, err := message.ParseURI("sip:alice@atlanta.com")
	require.NoError(t, err)
	calleeURI, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	req, err := message.NewRequest("INVITE", calleeURI).
		Via("udp", "atlanta.com", 5060, message.GenerateBranch()).
		From(callerURI, "alice-tag").
		To(calleeURI, "").
		CallID("call-43@atlanta.com").
		CSeq(1, "INVITE").
		Contact(callerURI).
		Build()
	require.NoError(t, err)

	s.handleIncomingData("198.51.100.9:5060", []byte(req.String()))

	var d IDialog
	select {
	case d = <-incomingCh:
	case <-time.After(time.Second):
		t.Fatal("dialog never created")
	}

	require.NoError(t, d.Accept(context.Background()))
	assert.Equal(t, DialogStateEstablished, d.State())
	require.GreaterOrEqual(t, ft.sentCount(), 2)
	assert.Contains(t, ft.lastSent(), "SIP/2.0 200 OK")
}

func TestStack_DialogByKey_UnknownKeyNotFound(t *testing.T) {
	s, _ := newTestStack(t, "sip:alice@atlanta.com:5060")
	_, ok := s.DialogByKey(DialogKey{CallID: "missing"})
	assert.False(t, ok)
}
