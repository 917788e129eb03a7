package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
	"github.com/arzzra/voicecore/pkg/sip/transport"
)

func TestManager_CreateClientTransaction_RoutesByTransportManager(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))

	m := NewManager(tm)

	req := sampleNonInvite(t, "OPTIONS")
	tx, err := m.CreateClientTransaction(req, "sip:bob@biloxi.com")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	assert.Equal(t, 1, ft.sentCount())

	found, ok := m.Find(tx.Branch(), "OPTIONS")
	require.True(t, ok)
	assert.Equal(t, tx.ID(), found.ID())
}

func TestManager_HandleResponse_DispatchesToMatchingClientTransaction(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))

	m := NewManager(tm)
	req := sampleNonInvite(t, "OPTIONS")
	tx, err := m.CreateClientTransaction(req, "sip:bob@biloxi.com")
	require.NoError(t, err)
	require.NoError(t, tx.SendRequest(context.Background()))

	resp := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	m.HandleResponse(resp, "127.0.0.1:5060")

	require.Eventually(t, func() bool {
		return tx.State() == StateCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestManager_HandleResponse_FallsBackToHandlerWhenUnmatched(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))
	m := NewManager(tm)

	req := sampleNonInvite(t, "OPTIONS")
	resp := message.NewResponse(req, 200, "OK").Build()

	called := make(chan struct{}, 1)
	m.OnResponse(func(r *message.Response, source string) { called <- struct{}{} })

	m.HandleResponse(resp, "127.0.0.1:5060")

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("unmatched response handler never invoked")
	}
}

func TestManager_CreateServerTransaction_MatchesRetransmittedRequest(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))
	m := NewManager(tm)

	req := sampleNonInvite(t, "OPTIONS")
	tx, err := m.CreateServerTransaction(req, "127.0.0.1:5060")
	require.NoError(t, err)

	resp := message.NewResponse(req, 200, "OK").ToTag("bob-tag").Build()
	require.NoError(t, tx.SendResponse(resp))
	assert.Equal(t, 1, ft.sentCount())

	m.HandleRequest(req, "127.0.0.1:5060")
	assert.Equal(t, 2, ft.sentCount())
}

func TestManager_Stats_CountsActiveTransactions(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))
	m := NewManager(tm)

	req := sampleNonInvite(t, "OPTIONS")
	_, err := m.CreateServerTransaction(req, "127.0.0.1:5060")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.ActiveTransactions)
	assert.Equal(t, 1, stats.ServerTransactions)
}

func TestManager_Close_TerminatesAllTransactions(t *testing.T) {
	tm := transport.NewManager()
	ft := newFakeTransport("udp")
	require.NoError(t, tm.Register("udp", ft))
	m := NewManager(tm)

	req := sampleNonInvite(t, "OPTIONS")
	tx, err := m.CreateServerTransaction(req, "127.0.0.1:5060")
	require.NoError(t, err)

	require.NoError(t, m.Close())

	require.Eventually(t, func() bool {
		return tx.State() == StateTerminated
	}, time.Second, 10*time.Millisecond)
}
