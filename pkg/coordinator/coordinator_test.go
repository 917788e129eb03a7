package coordinator

import (
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/dialog"
	"github.com/arzzra/voicecore/pkg/media"
)

func newTestCoordinator() (*Coordinator, *fakeStack, *fakeMediaManager) {
	stack := newFakeStack()
	mm := newFakeMediaManager()
	c := New(stack, mm, zerolog.Nop())
	return c, stack, mm
}

func TestCoordinator_MakeCall_ReachesActiveAfterSdpExchange(t *testing.T) {
	c, stack, _ := newTestCoordinator()
	ctx := context.Background()

	cs, err := c.MakeCall(ctx, "sip:bob@example.com", "sip:alice@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, StateInitiating, cs.State())

	fd := stack.lastInvite
	require.NotNil(t, fd)

	fd.setState(dialog.DialogStateRinging)
	assert.Equal(t, StateEarlyMedia, cs.State())

	fd.deliverBody(sdpBody("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"))
	assert.Equal(t, StateActive, cs.State())
	assert.NotNil(t, cs.MediaSession())
}

func TestCoordinator_IncomingCall_AcceptReachesActive(t *testing.T) {
	c, stack, _ := newTestCoordinator()

	fd := newFakeDialog()
	stack.incomingHook(fd)

	cs, ok := c.Session(onlySessionID(t, c))
	require.True(t, ok)
	assert.Equal(t, StateRinging, cs.State())

	fd.deliverBody(sdpBody("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"))

	err := c.Accept(context.Background(), cs.ID(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, fd.accepted)
	assert.Equal(t, StateActive, cs.State())
	assert.NotNil(t, cs.MediaSession())
}

func TestCoordinator_RejectCall_Terminates(t *testing.T) {
	c, stack, _ := newTestCoordinator()

	fd := newFakeDialog()
	stack.incomingHook(fd)
	cs, ok := c.Session(onlySessionID(t, c))
	require.True(t, ok)

	err := c.Reject(context.Background(), cs.ID(), "603 Decline")
	require.NoError(t, err)
	assert.Equal(t, 1, fd.rejected)
	assert.Equal(t, StateTerminated, cs.State())
}

func TestCoordinator_HoldResume_ChangesMediaDirection(t *testing.T) {
	cs := activeCallSession(t)

	require.NoError(t, cs.fire(context.Background(), EventHoldCall, nil))
	assert.Equal(t, StateOnHold, cs.State())
	fms := cs.MediaSession().(*fakeMediaSession)
	assert.Equal(t, media.DirectionSendOnly, fms.direction)

	require.NoError(t, cs.fire(context.Background(), EventResumeCall, nil))
	assert.Equal(t, StateActive, cs.State())
	assert.Equal(t, media.DirectionSendRecv, fms.direction)
}

func TestCoordinator_SendDTMF_PlaysEachDigit(t *testing.T) {
	c, _, _ := newTestCoordinator()
	cs := activeCallSessionIn(t, c)

	require.NoError(t, c.SendDTMF(context.Background(), cs.ID(), "1*#"))
	fms := cs.MediaSession().(*fakeMediaSession)
	require.Len(t, fms.dtmfSent, 3)
	assert.Equal(t, media.DTMF1, fms.dtmfSent[0])
	assert.Equal(t, media.DTMFStar, fms.dtmfSent[1])
	assert.Equal(t, media.DTMFPound, fms.dtmfSent[2])
}

func TestCoordinator_Bridge_ForwardsRawPacketsBothWays(t *testing.T) {
	c, _, _ := newTestCoordinator()
	a := activeCallSessionIn(t, c)
	b := activeCallSessionIn(t, c)

	require.NoError(t, c.Bridge(a.ID(), b.ID()))

	fa := a.MediaSession().(*fakeMediaSession)
	fb := b.MediaSession().(*fakeMediaSession)
	require.True(t, fa.HasRawPacketHandler())
	require.True(t, fb.HasRawPacketHandler())

	fa.rawHandler(&rtp.Packet{Payload: []byte{1, 2, 3}})
	require.Len(t, fb.rawWrites, 1)
	assert.Equal(t, []byte{1, 2, 3}, fb.rawWrites[0])

	require.NoError(t, c.Unbridge(a.ID()))
	assert.False(t, fa.HasRawPacketHandler())
	assert.False(t, fb.HasRawPacketHandler())
}

func TestCoordinator_Hangup_UnknownEventAfterTerminatingIsReported(t *testing.T) {
	c, stack, _ := newTestCoordinator()
	ctx := context.Background()

	cs, err := c.MakeCall(ctx, "sip:bob@example.com", "sip:alice@example.com", "v=0\r\n")
	require.NoError(t, err)
	fd := stack.lastInvite
	fd.setState(dialog.DialogStateEstablished)

	require.NoError(t, c.Hangup(ctx, cs.ID()))
	assert.Equal(t, 1, fd.byeCalled)

	// The terminated session is already removed from the coordinator, so the
	// second hangup is fired on the session itself.
	err = cs.fire(ctx, EventHangupCall, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSuchTransition)
}

func TestCoordinator_Transfer_Blind_SendsRefer(t *testing.T) {
	c, stack, _ := newTestCoordinator()
	ctx := context.Background()

	cs, err := c.MakeCall(ctx, "sip:bob@example.com", "sip:alice@example.com", "")
	require.NoError(t, err)
	fd := stack.lastInvite
	fd.setState(dialog.DialogStateEstablished)
	fd.deliverBody(sdpBody("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"))
	require.Equal(t, StateActive, cs.State())

	require.NoError(t, c.Transfer(ctx, cs.ID(), "sip:carol@example.com", false, ""))
	require.NotNil(t, fd.referred)
	assert.Equal(t, "carol", fd.referred.User)
	assert.Equal(t, StateTransferring, cs.State())
}

// --- helpers ---

func onlySessionID(t *testing.T, c *Coordinator) string {
	t.Helper()
	c.mu.RLock()
	defer c.mu.RUnlock()
	require.Len(t, c.sessions, 1)
	for id := range c.sessions {
		return id
	}
	return ""
}

func activeCallSession(t *testing.T) *CallSession {
	t.Helper()
	c, _, _ := newTestCoordinator()
	return activeCallSessionIn(t, c)
}

func activeCallSessionIn(t *testing.T, c *Coordinator) *CallSession {
	t.Helper()
	cs, err := c.MakeCall(context.Background(), "sip:bob@example.com", "sip:alice@example.com", "")
	require.NoError(t, err)
	fd, ok := cs.Dialog().(*fakeDialog)
	require.True(t, ok)
	fd.setState(dialog.DialogStateEstablished)
	fd.deliverBody(sdpBody("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"))
	require.Equal(t, StateActive, cs.State())
	return cs
}
