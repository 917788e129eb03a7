package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func establishedCallPair(t *testing.T) (*Stack, *fakeTransport, IDialog) {
	t.Helper()
	s, ft := newTestStack(t, "sip:alice@atlanta.com:5060")
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	d, err := s.NewInvite(context.Background(), target, InviteOpts{})
	require.NoError(t, err)

	inviteReq := d.(*Dialog).inviteReq
	resp := buildFinalResponse(t, inviteReq, 200, "OK", "bob-tag", "sip:bob@192.0.2.5:5060")

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- d.(*Dialog).WaitAnswer(context.Background()) }()
	s.handleIncomingData("192.0.2.5:5060", []byte(resp.String()))

	select {
	case err := <-waitErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAnswer never returned")
	}

	return s, ft, d
}

func TestDialog_OnStateChange_FiresOnEstablish(t *testing.T) {
	s, _ := newTestStack(t, "sip:alice@atlanta.com:5060")
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	d, err := s.NewInvite(context.Background(), target, InviteOpts{})
	require.NoError(t, err)

	states := make(chan DialogState, 8)
	d.OnStateChange(func(st DialogState) { states <- st })

	inviteReq := d.(*Dialog).inviteReq
	resp := buildFinalResponse(t, inviteReq, 200, "OK", "bob-tag", "sip:bob@192.0.2.5:5060")

	go func() { _ = d.(*Dialog).WaitAnswer(context.Background()) }()
	s.handleIncomingData("192.0.2.5:5060", []byte(resp.String()))

	select {
	case st := <-states:
		assert.Equal(t, DialogStateEstablished, st)
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}

func TestDialog_Bye_TerminatesAndRemovesFromStack(t *testing.T) {
	s, ft, d := establishedCallPair(t)
	found := d.(*Dialog)

	sentBefore := ft.sentCount()

	byeErrCh := make(chan error, 1)
	go func() {
		byeErrCh <- found.Bye(context.Background(), "normal clearing")
	}()

	require.Eventually(t, func() bool {
		return ft.sentCount() > sentBefore
	}, time.Second, 10*time.Millisecond)

	byeBytes := ft.lastSent()
	assert.Contains(t, byeBytes, "BYE sip:bob@192.0.2.5:5060 SIP/2.0")

	parsed, err := message.NewParser(false).ParseMessage([]byte(byeBytes))
	require.NoError(t, err)
	byeReq, ok := parsed.(*message.Request)
	require.True(t, ok)

	resp := message.NewResponse(byeReq, 200, "OK").Build()
	s.handleIncomingData("192.0.2.5:5060", []byte(resp.String()))

	select {
	case err := <-byeErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Bye never returned")
	}

	assert.Equal(t, DialogStateTerminated, found.State())
	_, ok = s.DialogByKey(found.Key())
	assert.False(t, ok)
}

func TestDialog_MatchesDialog(t *testing.T) {
	d := &Dialog{callID: "call-1", localTag: "local", remoteTag: "remote", isUAC: true}

	assert.True(t, d.matchesDialog("call-1", "local", "remote"))
	assert.False(t, d.matchesDialog("call-1", "remote", "local"))
	assert.False(t, d.matchesDialog("call-2", "local", "remote"))
}

func TestDialog_Close_UpdatesStateWithoutRemovingFromStack(t *testing.T) {
	s, _, d := establishedCallPair(t)

	require.NoError(t, d.Close())
	assert.Equal(t, DialogStateTerminated, d.State())

	_, ok := s.DialogByKey(d.Key())
	assert.True(t, ok, "Close must not remove the dialog from the stack to avoid a Shutdown ForEach deadlock")
}
