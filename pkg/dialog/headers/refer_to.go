package headers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

// ReferTo represents a parsed Refer-To header (RFC 3515 §2.1).
//
// The refer target is carried as a plain SIP/SIPS URI; the method and
// Replaces parameters live in the URI's header component (the part after
// "?"), exactly as RFC 3515 §2.1 and RFC 3891 define them.
type ReferTo struct {
	Address    *message.URI
	method     string
	replaces   string
	parameters map[string]string
}

// NewReferTo parses a Refer-To header value, with or without angle brackets.
func NewReferTo(value string) (*ReferTo, error) {
	uri, err := message.ExtractURI(value)
	if err != nil {
		return nil, fmt.Errorf("invalid Refer-To URI: %w", err)
	}

	rt := &ReferTo{
		Address:    uri,
		parameters: make(map[string]string),
	}
	rt.parseParameters()
	return rt, nil
}

// Builder provides a fluent API for constructing a Refer-To header, most
// commonly for attended transfer where a Replaces parameter is required.
type Builder struct {
	uri        string
	method     string
	replaces   string
	parameters map[string]string
}

// NewBuilder creates a Refer-To builder around a base URI.
func NewBuilder(uri string) *Builder {
	return &Builder{
		uri:        uri,
		parameters: make(map[string]string),
	}
}

// WithMethod sets the "method" header parameter.
func (b *Builder) WithMethod(method string) *Builder {
	b.method = method
	return b
}

// WithReplaces sets the Replaces parameter (RFC 3891).
func (b *Builder) WithReplaces(callID, toTag, fromTag string) *Builder {
	b.replaces = fmt.Sprintf("%s;to-tag=%s;from-tag=%s",
		url.QueryEscape(callID),
		url.QueryEscape(toTag),
		url.QueryEscape(fromTag))
	return b
}

// WithParameter adds an arbitrary URI header parameter.
func (b *Builder) WithParameter(key, value string) *Builder {
	b.parameters[key] = value
	return b
}

// Build produces the final Refer-To header.
func (b *Builder) Build() (*ReferTo, error) {
	var params []string

	if b.method != "" {
		params = append(params, fmt.Sprintf("method=%s", b.method))
	}
	if b.replaces != "" {
		params = append(params, fmt.Sprintf("Replaces=%s", b.replaces))
	}
	for k, v := range b.parameters {
		params = append(params, fmt.Sprintf("%s=%s", k, url.QueryEscape(v)))
	}

	finalURI := b.uri
	if len(params) > 0 {
		separator := "?"
		if strings.Contains(b.uri, "?") {
			separator = "&"
		}
		finalURI = fmt.Sprintf("%s%s%s", b.uri, separator, strings.Join(params, "&"))
	}

	return NewReferTo(finalURI)
}

// parseParameters extracts method/replaces/custom params from the URI's
// header component.
func (rt *ReferTo) parseParameters() {
	if rt.Address == nil {
		return
	}
	for key, value := range rt.Address.Headers {
		switch strings.ToLower(key) {
		case "method":
			rt.method = value
		case "replaces":
			rt.replaces = value
		default:
			rt.parameters[strings.ToLower(key)] = value
		}
	}
}

// GetMethod returns the "method" header parameter, if any.
func (rt *ReferTo) GetMethod() string {
	return rt.method
}

// GetReplaces returns the raw Replaces parameter value, if any.
func (rt *ReferTo) GetReplaces() string {
	return rt.replaces
}

// GetParameter returns an arbitrary header parameter.
func (rt *ReferTo) GetParameter(key string) (string, bool) {
	value, ok := rt.parameters[strings.ToLower(key)]
	return value, ok
}

// GetAllParameters returns a copy of all non-reserved header parameters.
func (rt *ReferTo) GetAllParameters() map[string]string {
	result := make(map[string]string, len(rt.parameters))
	for k, v := range rt.parameters {
		result[k] = v
	}
	return result
}

// ParseReplaces splits the Replaces parameter into Call-ID/to-tag/from-tag.
func (rt *ReferTo) ParseReplaces() (callID, toTag, fromTag string, err error) {
	if rt.replaces == "" {
		return "", "", "", fmt.Errorf("no Replaces parameter")
	}

	parts := strings.Split(rt.replaces, ";")
	callID, _ = url.QueryUnescape(parts[0])

	for i := 1; i < len(parts); i++ {
		if kv := strings.SplitN(parts[i], "=", 2); len(kv) == 2 {
			switch kv[0] {
			case "to-tag":
				toTag, _ = url.QueryUnescape(kv[1])
			case "from-tag":
				fromTag, _ = url.QueryUnescape(kv[1])
			}
		}
	}

	return callID, toTag, fromTag, nil
}

// Validate checks scheme, host, method and Replaces well-formedness.
func (rt *ReferTo) Validate() error {
	if rt.Address == nil {
		return fmt.Errorf("Refer-To header is nil")
	}

	if rt.Address.Scheme != "sip" && rt.Address.Scheme != "sips" {
		return fmt.Errorf("invalid URI scheme in Refer-To: %s", rt.Address.Scheme)
	}

	if rt.Address.Host == "" {
		return fmt.Errorf("Refer-To URI missing host")
	}

	if rt.method != "" {
		validMethods := map[string]bool{
			"INVITE": true, "ACK": true, "BYE": true, "CANCEL": true,
			"REGISTER": true, "OPTIONS": true, "INFO": true, "UPDATE": true,
			"PRACK": true, "SUBSCRIBE": true, "NOTIFY": true, "REFER": true,
			"MESSAGE": true, "PUBLISH": true,
		}
		if !validMethods[strings.ToUpper(rt.method)] {
			return fmt.Errorf("invalid method in Refer-To: %s", rt.method)
		}
	}

	if rt.replaces != "" {
		callID, toTag, fromTag, err := rt.ParseReplaces()
		if err != nil {
			return fmt.Errorf("invalid Replaces parameter: %w", err)
		}
		if callID == "" {
			return fmt.Errorf("Replaces missing Call-ID")
		}
		if toTag == "" || fromTag == "" {
			return fmt.Errorf("Replaces missing to-tag or from-tag")
		}
	}

	return nil
}

// Name returns the canonical header name.
func (rt *ReferTo) Name() string {
	return "Refer-To"
}

// Value returns the header value, with angle brackets per RFC 3261 §20.
func (rt *ReferTo) Value() string {
	if rt.Address == nil {
		return ""
	}
	return fmt.Sprintf("<%s>", rt.Address.String())
}

// String returns the full "Name: Value" representation.
func (rt *ReferTo) String() string {
	return fmt.Sprintf("%s: %s", rt.Name(), rt.Value())
}

// Clone creates a deep copy of the header.
func (rt *ReferTo) Clone() *ReferTo {
	if rt == nil {
		return nil
	}

	cloned := &ReferTo{
		method:     rt.method,
		replaces:   rt.replaces,
		parameters: make(map[string]string, len(rt.parameters)),
	}
	if rt.Address != nil {
		cloned.Address = rt.Address.Clone()
	}
	for k, v := range rt.parameters {
		cloned.parameters[k] = v
	}
	return cloned
}
