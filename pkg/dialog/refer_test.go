package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func TestParseReferTo_PlainURI(t *testing.T) {
	target, params, err := parseReferTo("sip:bob@biloxi.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", target.User)
	assert.Equal(t, "biloxi.com", target.Host)
	assert.Empty(t, params)
}

func TestParseReferTo_WithReplaces(t *testing.T) {
	referTo := "sip:bob@biloxi.com?Replaces=call-1%40atlanta.com%3Bto-tag%3D1234%3Bfrom-tag%3D5678"
	target, params, err := parseReferTo(referTo)
	require.NoError(t, err)
	assert.Equal(t, "bob", target.User)
	require.Contains(t, params, "Replaces")

	callID, toTag, fromTag, err := parseReplaces(params["Replaces"])
	require.NoError(t, err)
	assert.Equal(t, "call-1@atlanta.com", callID)
	assert.Equal(t, "1234", toTag)
	assert.Equal(t, "5678", fromTag)
}

func TestParseReferTo_RejectsEmpty(t *testing.T) {
	_, _, err := parseReferTo("   ")
	require.Error(t, err)
}

func TestParseReferTo_RejectsControlCharacters(t *testing.T) {
	_, _, err := parseReferTo("sip:bob@biloxi.com\r\nEvil-Header: true")
	require.Error(t, err)
}

func TestParseReferTo_RejectsOverlongURI(t *testing.T) {
	long := "sip:bob@biloxi.com;x="
	for i := 0; i < MaxURILength; i++ {
		long += "a"
	}
	_, _, err := parseReferTo(long)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestParseReplaces_MissingTags(t *testing.T) {
	_, _, _, err := parseReplaces("call-1@atlanta.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing both tags")
}

func TestParseReplaces_RejectsInvalidCharacters(t *testing.T) {
	_, _, _, err := parseReplaces("call-1@atlanta.com;to-tag=<evil>")
	require.Error(t, err)
}

func TestParseReplaces_OnlyToTag(t *testing.T) {
	callID, toTag, fromTag, err := parseReplaces("call-1@atlanta.com;to-tag=1234")
	require.NoError(t, err)
	assert.Equal(t, "call-1@atlanta.com", callID)
	assert.Equal(t, "1234", toTag)
	assert.Empty(t, fromTag)
}

func TestValidateCallID(t *testing.T) {
	require.NoError(t, validateCallID("call-1@atlanta.com"))

	err := validateCallID("")
	require.Error(t, err)

	err = validateCallID("call\r\n-injection")
	require.Error(t, err)
}

func TestReferSubscription_ApplyNotifyCode_DrivesStatusViaFSM(t *testing.T) {
	d := &Dialog{}
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	sub := NewReferSubscription(d, target)
	assert.Equal(t, ReferStatusPending, sub.GetStatus())

	sub.ApplyNotifyCode(100)
	assert.Equal(t, ReferStatusTrying, sub.GetStatus())
	assert.True(t, sub.active)

	sub.ApplyNotifyCode(202)
	assert.Equal(t, ReferStatusAccepted, sub.GetStatus())
	assert.True(t, sub.active)

	sub.ApplyNotifyCode(200)
	assert.Equal(t, ReferStatusSuccess, sub.GetStatus())
	assert.False(t, sub.active)
}

func TestReferSubscription_ApplyNotifyCode_FailureTerminatesSubscription(t *testing.T) {
	d := &Dialog{}
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	sub := NewReferSubscription(d, target)
	sub.ApplyNotifyCode(503)

	assert.Equal(t, ReferStatusFailed, sub.GetStatus())
	assert.False(t, sub.active)
}

func TestReferSubscription_UpdateStatus_WakesWaiter(t *testing.T) {
	d := &Dialog{}
	target, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)

	sub := NewReferSubscription(d, target)
	sub.UpdateStatus(ReferStatusAccepted)

	select {
	case status := <-sub.notifyChan:
		assert.Equal(t, ReferStatusAccepted, status)
	default:
		t.Fatal("expected a buffered status notification")
	}
}
