package dialog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

// HeaderProcessor validates and normalizes SIP headers, independent of
// transaction/dialog state (RFC 3261 §8.1.1 required headers, §16.3/§16.6
// Max-Forwards and Route processing).
type HeaderProcessor struct {
	maxViaHeaders       int
	maxRouteHeaders     int
	supportedMethods    []string
	supportedExtensions []string
}

// NewHeaderProcessor creates a header processor with the dialog layer's
// supported method/extension set.
func NewHeaderProcessor() *HeaderProcessor {
	return &HeaderProcessor{
		maxViaHeaders:   10,
		maxRouteHeaders: 10,
		supportedMethods: []string{
			"INVITE", "ACK", "BYE", "CANCEL", "OPTIONS",
			"INFO", "UPDATE", "REFER", "NOTIFY", "MESSAGE",
		},
		supportedExtensions: []string{
			"replaces",
			"timer",
			"100rel",
		},
	}
}

// ProcessRequest validates an incoming request's headers.
func (h *HeaderProcessor) ProcessRequest(req *message.Request) error {
	if err := h.validateRequiredHeaders(req); err != nil {
		return err
	}
	if err := h.validateViaHeaders(req); err != nil {
		return err
	}
	if err := h.validateMaxForwards(req); err != nil {
		return err
	}
	if err := h.validateContentLength(req); err != nil {
		return err
	}
	if err := h.processRequireHeader(req); err != nil {
		return err
	}
	return nil
}

func (h *HeaderProcessor) validateRequiredHeaders(req *message.Request) error {
	if req.GetHeader("To") == "" {
		return fmt.Errorf("missing To header")
	}
	if req.GetHeader("From") == "" {
		return fmt.Errorf("missing From header")
	}
	if req.GetHeader("Call-ID") == "" {
		return fmt.Errorf("missing Call-ID header")
	}
	if req.GetHeader("CSeq") == "" {
		return fmt.Errorf("missing CSeq header")
	}
	if len(req.GetHeaders("Via")) == 0 {
		return fmt.Errorf("missing Via header")
	}
	return nil
}

func (h *HeaderProcessor) validateViaHeaders(req *message.Request) error {
	vias := req.GetHeaders("Via")

	if len(vias) > h.maxViaHeaders {
		return fmt.Errorf("too many Via headers: %d (max %d)", len(vias), h.maxViaHeaders)
	}

	if len(vias) > 0 && !strings.Contains(vias[0], "branch=") {
		return fmt.Errorf("first Via header must carry a branch parameter")
	}

	return nil
}

// validateMaxForwards checks and decrements Max-Forwards (RFC 3261 §16.6 step 4).
func (h *HeaderProcessor) validateMaxForwards(req *message.Request) error {
	maxFwd := req.GetHeader("Max-Forwards")
	if maxFwd == "" {
		req.SetHeader("Max-Forwards", "70")
		return nil
	}

	value, err := strconv.Atoi(maxFwd)
	if err != nil {
		return fmt.Errorf("invalid Max-Forwards value: %s", maxFwd)
	}
	if value <= 0 {
		return fmt.Errorf("Max-Forwards reached 0")
	}

	req.SetHeader("Max-Forwards", strconv.Itoa(value-1))
	return nil
}

func (h *HeaderProcessor) validateContentLength(req *message.Request) error {
	body := req.Body()
	contentLength := req.GetHeader("Content-Length")

	if len(body) == 0 {
		if contentLength != "" && contentLength != "0" {
			return fmt.Errorf("Content-Length must be 0 for an empty body")
		}
		return nil
	}

	if contentLength == "" {
		req.SetHeader("Content-Length", strconv.Itoa(len(body)))
		return nil
	}

	declaredLength, err := strconv.Atoi(contentLength)
	if err != nil {
		return fmt.Errorf("invalid Content-Length value: %s", contentLength)
	}
	if declaredLength != len(body) {
		return fmt.Errorf("Content-Length (%d) does not match body size (%d)", declaredLength, len(body))
	}

	return nil
}

func (h *HeaderProcessor) processRequireHeader(req *message.Request) error {
	require := req.GetHeader("Require")
	if require == "" {
		return nil
	}

	var unsupported []string
	for _, ext := range strings.Split(require, ",") {
		ext = strings.TrimSpace(ext)
		supported := false
		for _, supportedExt := range h.supportedExtensions {
			if ext == supportedExt {
				supported = true
				break
			}
		}
		if !supported {
			unsupported = append(unsupported, ext)
		}
	}

	if len(unsupported) > 0 {
		return fmt.Errorf("unsupported extensions: %s", strings.Join(unsupported, ", "))
	}

	return nil
}

// AddSupportedHeader adds a Supported header to a request.
func (h *HeaderProcessor) AddSupportedHeader(req *message.Request) {
	if len(h.supportedExtensions) > 0 {
		req.SetHeader("Supported", strings.Join(h.supportedExtensions, ", "))
	}
}

// AddSupportedHeaderToResponse adds a Supported header to a response.
func (h *HeaderProcessor) AddSupportedHeaderToResponse(res *message.Response) {
	if len(h.supportedExtensions) > 0 {
		res.SetHeader("Supported", strings.Join(h.supportedExtensions, ", "))
	}
}

// AddAllowHeader adds an Allow header to a request.
func (h *HeaderProcessor) AddAllowHeader(req *message.Request) {
	req.SetHeader("Allow", strings.Join(h.supportedMethods, ", "))
}

// AddAllowHeaderToResponse adds an Allow header to a response.
func (h *HeaderProcessor) AddAllowHeaderToResponse(res *message.Response) {
	res.SetHeader("Allow", strings.Join(h.supportedMethods, ", "))
}

// AddTimestamp adds a Timestamp header (RFC 3261 §8.2.6.1).
func (h *HeaderProcessor) AddTimestamp(req *message.Request) {
	timestamp := fmt.Sprintf("%.3f", float64(time.Now().UnixNano())/1e9)
	req.SetHeader("Timestamp", timestamp)
}

// AddUserAgent adds a User-Agent header to a request.
func (h *HeaderProcessor) AddUserAgent(req *message.Request, userAgent string) {
	if userAgent != "" {
		req.SetHeader("User-Agent", userAgent)
	}
}

// AddUserAgentToResponse adds a User-Agent header to a response.
func (h *HeaderProcessor) AddUserAgentToResponse(res *message.Response, userAgent string) {
	if userAgent != "" {
		res.SetHeader("User-Agent", userAgent)
	}
}

// ProcessRouteHeaders appends a route set to an outgoing request and applies
// strict/loose routing (RFC 3261 §16.6 step 6/8): with "lr" present on the
// first route, the Request-URI is left alone; otherwise it is swapped to the
// first route per the legacy strict-routing rule.
func (h *HeaderProcessor) ProcessRouteHeaders(req *message.Request, routeSet []*message.URI) error {
	if len(routeSet) > h.maxRouteHeaders {
		return fmt.Errorf("too many Route headers: %d (max %d)", len(routeSet), h.maxRouteHeaders)
	}

	for _, route := range routeSet {
		req.AddHeader("Route", fmt.Sprintf("<%s>", route.String()))
	}

	if len(routeSet) > 0 {
		first := routeSet[0]
		if _, hasLR := first.GetParameter("lr"); !hasLR {
			req.RequestURI = first
		}
	}

	return nil
}

// ExtractRecordRoute extracts Record-Route headers from a response, in
// reverse order (the UAC route-set order, RFC 3261 §12.1.2).
func (h *HeaderProcessor) ExtractRecordRoute(res *message.Response) []*message.URI {
	recordRoutes := res.GetHeaders("Record-Route")
	routes := make([]*message.URI, 0, len(recordRoutes))

	for i := len(recordRoutes) - 1; i >= 0; i-- {
		if uri, err := message.ExtractURI(recordRoutes[i]); err == nil {
			routes = append(routes, uri)
		}
	}

	return routes
}

// AddSessionExpires adds a Session-Expires header (RFC 4028).
func (h *HeaderProcessor) AddSessionExpires(req *message.Request, seconds int, refresher string) {
	if seconds > 0 {
		value := strconv.Itoa(seconds)
		if refresher != "" {
			value += ";refresher=" + refresher
		}
		req.SetHeader("Session-Expires", value)
	}
}

// AddMinSE adds a Min-SE header (RFC 4028).
func (h *HeaderProcessor) AddMinSE(req *message.Request, seconds int) {
	if seconds > 0 {
		req.SetHeader("Min-SE", strconv.Itoa(seconds))
	}
}

// ValidateResponse validates a response's required headers.
func (h *HeaderProcessor) ValidateResponse(res *message.Response) error {
	if res.GetHeader("To") == "" {
		return fmt.Errorf("missing To header in response")
	}
	if res.GetHeader("From") == "" {
		return fmt.Errorf("missing From header in response")
	}
	if res.GetHeader("Call-ID") == "" {
		return fmt.Errorf("missing Call-ID header in response")
	}
	if res.GetHeader("CSeq") == "" {
		return fmt.Errorf("missing CSeq header in response")
	}
	if len(res.GetHeaders("Via")) == 0 {
		return fmt.Errorf("missing Via header in response")
	}
	return nil
}

// IsMethodSupported reports whether method is in the supported set.
func (h *HeaderProcessor) IsMethodSupported(method string) bool {
	for _, m := range h.supportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// AddAuthorizationHeader adds a skeletal Authorization header. The actual
// digest response is computed by the registrar client (icholy/digest), not
// here; this helper only stamps the header shape callers build on top of.
func AddAuthorizationHeader(req *message.Request, username, realm, nonce, uri, response string) {
	auth := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response)
	req.SetHeader("Authorization", auth)
}

// AddProxyAuthorizationHeader adds a skeletal Proxy-Authorization header.
func AddProxyAuthorizationHeader(req *message.Request, username, realm, nonce, uri, response string) {
	auth := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response)
	req.SetHeader("Proxy-Authorization", auth)
}
