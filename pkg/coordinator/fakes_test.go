package coordinator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/voicecore/pkg/dialog"
	"github.com/arzzra/voicecore/pkg/manager_media"
	"github.com/arzzra/voicecore/pkg/media"
	"github.com/arzzra/voicecore/pkg/sip/message"
)

// fakeDialog is a dialog.IDialog double driving CallSession FSM transitions
// without a real SIP transaction layer, in the style of
// pkg/dialog/fake_transport_test.go's fakeTransport.
type fakeDialog struct {
	mu    sync.Mutex
	state dialog.DialogState
	key   dialog.DialogKey

	accepted  int
	rejected  int
	byeCalled int
	referred  *message.URI

	onState func(dialog.DialogState)
	onBody  func(dialog.Body)
}

func newFakeDialog() *fakeDialog {
	return &fakeDialog{key: dialog.DialogKey{CallID: "fake-call-id"}}
}

func (f *fakeDialog) Key() dialog.DialogKey  { return f.key }
func (f *fakeDialog) State() dialog.DialogState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeDialog) LocalTag() string  { return "local-tag" }
func (f *fakeDialog) RemoteTag() string { return "remote-tag" }

func (f *fakeDialog) Accept(ctx context.Context, opts ...dialog.ResponseOpt) error {
	f.mu.Lock()
	f.accepted++
	f.mu.Unlock()
	f.setState(dialog.DialogStateEstablished)
	return nil
}

func (f *fakeDialog) Reject(ctx context.Context, code int, reason string) error {
	f.mu.Lock()
	f.rejected++
	f.mu.Unlock()
	f.setState(dialog.DialogStateTerminated)
	return nil
}

func (f *fakeDialog) Refer(ctx context.Context, target *message.URI, opts dialog.ReferOpts) error {
	f.mu.Lock()
	f.referred = target
	f.mu.Unlock()
	return nil
}

func (f *fakeDialog) ReferReplace(ctx context.Context, replaceDialog dialog.IDialog, opts dialog.ReferOpts) error {
	return nil
}

func (f *fakeDialog) WaitRefer(ctx context.Context) (*dialog.ReferSubscription, error) {
	return nil, nil
}

func (f *fakeDialog) Bye(ctx context.Context, reason string) error {
	f.mu.Lock()
	f.byeCalled++
	f.mu.Unlock()
	f.setState(dialog.DialogStateTerminated)
	return nil
}

func (f *fakeDialog) OnStateChange(cb func(dialog.DialogState)) { f.onState = cb }
func (f *fakeDialog) OnBody(cb func(dialog.Body))               { f.onBody = cb }
func (f *fakeDialog) OnRefer(cb func(*dialog.ReferEvent))       {}
func (f *fakeDialog) Close() error                              { return nil }

func (f *fakeDialog) setState(st dialog.DialogState) {
	f.mu.Lock()
	f.state = st
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (f *fakeDialog) deliverBody(b dialog.Body) {
	if f.onBody != nil {
		f.onBody(b)
	}
}

// fakeStack is a dialog.IStack double. NewInvite returns a fresh fakeDialog
// synchronously in DialogStateTrying, mirroring how pkg/dialog's real Stack
// hands back a Dialog immediately after sending the initial INVITE.
type fakeStack struct {
	mu           sync.Mutex
	lastInvite   *fakeDialog
	incomingHook func(dialog.IDialog)
}

func newFakeStack() *fakeStack { return &fakeStack{} }

func (s *fakeStack) Start(ctx context.Context) error    { return nil }
func (s *fakeStack) Shutdown(ctx context.Context) error { return nil }

func (s *fakeStack) NewInvite(ctx context.Context, target *message.URI, opts dialog.InviteOpts) (dialog.IDialog, error) {
	d := newFakeDialog()
	d.state = dialog.DialogStateTrying
	s.mu.Lock()
	s.lastInvite = d
	s.mu.Unlock()
	return d, nil
}

func (s *fakeStack) DialogByKey(key dialog.DialogKey) (dialog.IDialog, bool) { return nil, false }

func (s *fakeStack) OnIncomingDialog(h func(dialog.IDialog)) { s.incomingHook = h }

// fakeMediaSession is a minimal media.MediaSessionInterface double recording
// direction/DTMF/bridging calls for assertions.
type fakeMediaSession struct {
	mu         sync.Mutex
	direction  media.MediaDirection
	dtmfSent   []media.DTMFDigit
	rawWrites  [][]byte
	rawHandler func(pkt *rtp.Packet)
	stopped    bool
}

func (m *fakeMediaSession) AddRTPSession(string, media.Session) error { return nil }
func (m *fakeMediaSession) RemoveRTPSession(string) error             { return nil }
func (m *fakeMediaSession) Start() error                              { return nil }
func (m *fakeMediaSession) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}
func (m *fakeMediaSession) SendAudio(audioData []byte) error               { return nil }
func (m *fakeMediaSession) SendAudioRaw(encodedData []byte) error          { return nil }
func (m *fakeMediaSession) SendAudioWithFormat([]byte, media.PayloadType, bool) error {
	return nil
}
func (m *fakeMediaSession) WriteAudioDirect(rtpPayload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(rtpPayload))
	copy(cp, rtpPayload)
	m.rawWrites = append(m.rawWrites, cp)
	return nil
}
func (m *fakeMediaSession) SendDTMF(digit media.DTMFDigit, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtmfSent = append(m.dtmfSent, digit)
	return nil
}
func (m *fakeMediaSession) SetPtime(time.Duration) error                { return nil }
func (m *fakeMediaSession) EnableJitterBuffer(bool) error               { return nil }
func (m *fakeMediaSession) SetDirection(direction media.MediaDirection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.direction = direction
	return nil
}
func (m *fakeMediaSession) SetPayloadType(media.PayloadType) error { return nil }
func (m *fakeMediaSession) EnableSilenceSuppression(bool)          {}
func (m *fakeMediaSession) GetState() media.MediaSessionState      { return 0 }
func (m *fakeMediaSession) GetDirection() media.MediaDirection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direction
}
func (m *fakeMediaSession) GetPtime() time.Duration                  { return 0 }
func (m *fakeMediaSession) GetStatistics() media.MediaStatistics     { return media.MediaStatistics{} }
func (m *fakeMediaSession) GetPayloadType() media.PayloadType        { return media.PayloadTypePCMU }
func (m *fakeMediaSession) GetPayloadTypeName() string               { return "PCMU" }
func (m *fakeMediaSession) GetExpectedPayloadSize() int              { return 160 }
func (m *fakeMediaSession) GetBufferedAudioSize() int                { return 0 }
func (m *fakeMediaSession) GetTimeSinceLastSend() time.Duration      { return 0 }
func (m *fakeMediaSession) FlushAudioBuffer() error                  { return nil }
func (m *fakeMediaSession) SetRawPacketHandler(handler func(*rtp.Packet, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawHandler = func(pkt *rtp.Packet) { handler(pkt, "") }
}
func (m *fakeMediaSession) ClearRawPacketHandler() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawHandler = nil
}
func (m *fakeMediaSession) HasRawPacketHandler() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawHandler != nil
}
func (m *fakeMediaSession) EnableRTCP(bool) error                  { return nil }
func (m *fakeMediaSession) IsRTCPEnabled() bool                    { return false }
func (m *fakeMediaSession) GetRTCPStatistics() media.RTCPStatistics { return media.RTCPStatistics{} }
func (m *fakeMediaSession) GetDetailedRTCPStatistics() map[string]interface{} {
	return nil
}
func (m *fakeMediaSession) SendRTCPReport() error               { return nil }
func (m *fakeMediaSession) SetRTCPHandler(func(media.RTCPReport)) {}
func (m *fakeMediaSession) ClearRTCPHandler()                    {}
func (m *fakeMediaSession) HasRTCPHandler() bool                 { return false }

// fakeMediaManager is a manager_media.MediaManagerInterface double that
// hands out one fakeMediaSession per session ID without touching real SDP
// negotiation — CreateOffer/CreateAnswer return fixed placeholder SDP bodies
// good enough to flow through CallSession's SDP plumbing.
type fakeMediaManager struct {
	mu       sync.Mutex
	sessions map[string]*fakeMediaSession
	nextID   int
}

func newFakeMediaManager() *fakeMediaManager {
	return &fakeMediaManager{sessions: make(map[string]*fakeMediaSession)}
}

func (f *fakeMediaManager) newSession() (string, *fakeMediaSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "media-session-" + string(rune('0'+f.nextID))
	ms := &fakeMediaSession{}
	f.sessions[id] = ms
	return id, ms
}

func (f *fakeMediaManager) CreateSessionFromSDP(sdpOffer string) (*manager_media.MediaSessionInfo, error) {
	id, ms := f.newSession()
	return &manager_media.MediaSessionInfo{SessionID: id, MediaSession: ms}, nil
}

func (f *fakeMediaManager) CreateSessionFromDescription(desc *sdp.SessionDescription) (*manager_media.MediaSessionInfo, error) {
	id, ms := f.newSession()
	return &manager_media.MediaSessionInfo{SessionID: id, MediaSession: ms}, nil
}

func (f *fakeMediaManager) CreateAnswer(sessionID string, constraints manager_media.SessionConstraints) (string, error) {
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n", nil
}

func (f *fakeMediaManager) CreateOffer(constraints manager_media.SessionConstraints) (*manager_media.MediaSessionInfo, string, error) {
	id, ms := f.newSession()
	sdpOffer := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"
	return &manager_media.MediaSessionInfo{SessionID: id, MediaSession: ms}, sdpOffer, nil
}

func (f *fakeMediaManager) GetSession(sessionID string) (*manager_media.MediaSessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms, ok := f.sessions[sessionID]
	if !ok {
		return nil, net.ErrClosed
	}
	return &manager_media.MediaSessionInfo{SessionID: sessionID, MediaSession: ms}, nil
}

func (f *fakeMediaManager) UpdateSession(sessionID string, sdp string) error { return nil }

func (f *fakeMediaManager) CloseSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeMediaManager) ListSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeMediaManager) GetSessionStatistics(sessionID string) (*manager_media.SessionStatistics, error) {
	return &manager_media.SessionStatistics{}, nil
}
