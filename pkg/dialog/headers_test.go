package dialog

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

func sampleInviteForHeaders(t *testing.T) *message.Request {
	t.Helper()
	uri, err := message.ParseURI("sip:bob@biloxi.com")
	require.NoError(t, err)
	from, err := message.ParseURI("sip:alice@atlanta.com")
	require.NoError(t, err)

	req, err := message.NewRequest("INVITE", uri).
		Via("udp", "atlanta.com", 5060, message.GenerateBranch()).
		From(from, "alice-tag").
		To(uri, "").
		CallID("call-1@atlanta.com").
		CSeq(1, "INVITE").
		Contact(from).
		Build()
	require.NoError(t, err)
	return req
}

func TestHeaderProcessor_ProcessRequest_FillsDefaults(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.RemoveHeader("Max-Forwards")

	require.NoError(t, h.ProcessRequest(req))
	assert.Equal(t, "70", req.GetHeader("Max-Forwards"))
}

func TestHeaderProcessor_ProcessRequest_MissingRequiredHeader(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.RemoveHeader("Call-ID")

	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Call-ID")
}

func TestHeaderProcessor_ValidateMaxForwards_RejectsZero(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.SetHeader("Max-Forwards", "0")

	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Max-Forwards")
}

func TestHeaderProcessor_ValidateMaxForwards_RejectsInvalidValue(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.SetHeader("Max-Forwards", "not-a-number")

	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid Max-Forwards")
}

func TestHeaderProcessor_ValidateViaHeaders_RejectsMissingBranch(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.Headers.Set("Via", "SIP/2.0/UDP atlanta.com:5060")

	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch")
}

func TestHeaderProcessor_ProcessRequireHeader_RejectsUnsupportedExtension(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.SetHeader("Require", "totally-unsupported-ext")

	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "totally-unsupported-ext")
}

func TestHeaderProcessor_ProcessRequireHeader_AllowsSupportedExtension(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.SetHeader("Require", "replaces,100rel")

	require.NoError(t, h.ProcessRequest(req))
}

func TestHeaderProcessor_ValidateContentLength_FillsAndChecks(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	req.SetBody([]byte("v=0"))
	req.RemoveHeader("Content-Length")

	require.NoError(t, h.ProcessRequest(req))
	assert.Equal(t, strconv.Itoa(len("v=0")), req.GetHeader("Content-Length"))

	req.SetHeader("Content-Length", "999")
	err := h.ProcessRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content-Length")
}

func TestHeaderProcessor_ProcessRouteHeaders_LooseRoutingLeavesRequestURI(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	originalURI := req.RequestURI

	route, err := message.ParseURI("sip:proxy.atlanta.com;lr")
	require.NoError(t, err)

	require.NoError(t, h.ProcessRouteHeaders(req, []*message.URI{route}))
	assert.Same(t, originalURI, req.RequestURI)
	assert.Equal(t, []string{"<sip:proxy.atlanta.com;lr>"}, req.GetHeaders("Route"))
}

func TestHeaderProcessor_ProcessRouteHeaders_StrictRoutingSwapsRequestURI(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)

	route, err := message.ParseURI("sip:proxy.atlanta.com")
	require.NoError(t, err)

	require.NoError(t, h.ProcessRouteHeaders(req, []*message.URI{route}))
	assert.Equal(t, route, req.RequestURI)
}

func TestHeaderProcessor_ProcessRouteHeaders_RejectsTooManyRoutes(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)

	route, err := message.ParseURI("sip:proxy.atlanta.com;lr")
	require.NoError(t, err)

	routes := make([]*message.URI, 0, 11)
	for i := 0; i < 11; i++ {
		routes = append(routes, route)
	}

	err = h.ProcessRouteHeaders(req, routes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many Route headers")
}

func TestHeaderProcessor_ExtractRecordRoute_ReversesOrder(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	resp := message.NewResponse(req, 200, "OK").
		Header("Record-Route", "<sip:proxy1.atlanta.com;lr>").
		Header("Record-Route", "<sip:proxy2.atlanta.com;lr>").
		Build()

	routes := h.ExtractRecordRoute(resp)
	require.Len(t, routes, 2)
	assert.Equal(t, "proxy2.atlanta.com", routes[0].Host)
	assert.Equal(t, "proxy1.atlanta.com", routes[1].Host)
}

func TestHeaderProcessor_IsMethodSupported(t *testing.T) {
	h := NewHeaderProcessor()
	assert.True(t, h.IsMethodSupported("INVITE"))
	assert.True(t, h.IsMethodSupported("REFER"))
	assert.False(t, h.IsMethodSupported("PUBLISH"))
}

func TestHeaderProcessor_ValidateResponse_MissingHeader(t *testing.T) {
	h := NewHeaderProcessor()
	req := sampleInviteForHeaders(t)
	resp := message.NewResponse(req, 200, "OK").Build()
	resp.RemoveHeader("Call-ID")

	err := h.ValidateResponse(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Call-ID")
}
