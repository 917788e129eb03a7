package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Via represents one hop of the Via header stack (RFC 3261 §20.42). Message.Headers
// stores Via lines in appearance order; ViaStack recovers that ordered sequence
// whose top element (index 0) identifies the most recent hop.
type Via struct {
	Protocol string // "SIP/2.0/UDP", "SIP/2.0/TCP", "SIP/2.0/TLS", "SIP/2.0/WS"
	SentBy   string // host[:port]
	Branch   string
	Received string
	RPort    int // 0 if absent; -1 if present with no value (request for rport)
	Params   map[string]string
}

// IsRFC3261Branch reports whether the branch carries the magic cookie that
// marks it as an RFC 3261-compliant transaction identifier (spec §Glossary).
func (v *Via) IsRFC3261Branch() bool {
	return strings.HasPrefix(v.Branch, "z9hG4bK")
}

func (v *Via) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", v.Protocol, v.SentBy)
	if v.Branch != "" {
		fmt.Fprintf(&sb, ";branch=%s", v.Branch)
	}
	if v.Received != "" {
		fmt.Fprintf(&sb, ";received=%s", v.Received)
	}
	if v.RPort == -1 {
		sb.WriteString(";rport")
	} else if v.RPort > 0 {
		fmt.Fprintf(&sb, ";rport=%d", v.RPort)
	}
	for k, val := range v.Params {
		if val == "" {
			fmt.Fprintf(&sb, ";%s", k)
		} else {
			fmt.Fprintf(&sb, ";%s=%s", k, val)
		}
	}
	return sb.String()
}

// ParseVia parses a single Via header value into its typed form.
func ParseVia(value string) (*Via, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return nil, newParseError(ParseErrKindHeader, 0, "malformed Via: missing sent-by", ErrInvalidHeader)
	}
	v := &Via{Protocol: strings.TrimSpace(parts[0]), Params: make(map[string]string)}

	segs := splitParams(parts[1])
	v.SentBy = strings.TrimSpace(segs[0])
	for _, seg := range segs[1:] {
		name, val := splitParam(seg)
		switch strings.ToLower(name) {
		case "branch":
			v.Branch = val
		case "received":
			v.Received = val
		case "rport":
			if val == "" {
				v.RPort = -1
			} else if n, err := strconv.Atoi(val); err == nil {
				v.RPort = n
			}
		default:
			v.Params[name] = val
		}
	}
	return v, nil
}

// ViaStack returns the ordered Via sequence from a message's headers, top
// (most recent hop) first, matching appearance order on the wire.
func ViaStack(h *Headers) ([]*Via, error) {
	raw := h.GetAll("Via")
	stack := make([]*Via, 0, len(raw))
	for _, line := range raw {
		// A single Via header line may carry a comma-separated list.
		for _, one := range splitUnquoted(line, ',') {
			v, err := ParseVia(strings.TrimSpace(one))
			if err != nil {
				return nil, err
			}
			stack = append(stack, v)
		}
	}
	return stack, nil
}

// Address represents a typed From/To/Contact/P-Asserted-Identity value:
// an optional display name, a URI, and generic parameters (notably "tag").
type Address struct {
	DisplayName string
	URI         *URI
	Params      map[string]string
}

// Tag returns the address's "tag" parameter, if present.
func (a *Address) Tag() string { return a.Params["tag"] }

func (a *Address) String() string {
	var sb strings.Builder
	if a.DisplayName != "" {
		fmt.Fprintf(&sb, "%q <%s>", a.DisplayName, a.URI.String())
	} else {
		fmt.Fprintf(&sb, "<%s>", a.URI.String())
	}
	for k, v := range a.Params {
		if v == "" {
			fmt.Fprintf(&sb, ";%s", k)
		} else {
			fmt.Fprintf(&sb, ";%s=%s", k, v)
		}
	}
	return sb.String()
}

// ParseAddress parses a From/To/Contact-shaped header value: [display-name]
// "<" addr-spec ">" *(SEMI generic-param). The bare addr-spec form (no angle
// brackets) is also accepted. Backslash escapes one following byte verbatim
// inside quoted strings; the surrounding quotes are removed from DisplayName.
func ParseAddress(value string) (*Address, error) {
	value = strings.TrimSpace(value)
	addr := &Address{Params: make(map[string]string)}

	if idx := strings.IndexByte(value, '<'); idx >= 0 {
		display := strings.TrimSpace(value[:idx])
		addr.DisplayName = unquote(display)

		end := strings.IndexByte(value[idx:], '>')
		if end < 0 {
			return nil, newParseError(ParseErrKindHeader, idx, "unterminated addr-spec", ErrInvalidHeader)
		}
		end += idx

		uri, err := ParseURI(value[idx+1 : end])
		if err != nil {
			return nil, newParseError(ParseErrKindURI, idx+1, "invalid address URI", err)
		}
		addr.URI = uri

		for _, seg := range splitParams(value[end+1:])[1:] {
			name, val := splitParam(seg)
			if name != "" {
				addr.Params[name] = val
			}
		}
		return addr, nil
	}

	// No angle brackets: addr-spec *(SEMI generic-param); the first ';' not
	// inside the URI's own parameter list is ambiguous per RFC 3261, so the
	// whole remainder is handed to ParseURI, which owns ';'-params itself.
	uri, err := ParseURI(value)
	if err != nil {
		return nil, newParseError(ParseErrKindURI, 0, "invalid address URI", err)
	}
	addr.URI = uri
	if tag, ok := uri.GetParameter("tag"); ok {
		addr.Params["tag"] = tag
		uri.RemoveParameter("tag")
	}
	return addr, nil
}

// CSeqValue is the parsed (sequence number, method) pair of a CSeq header.
type CSeqValue struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses a CSeq header value.
func ParseCSeq(value string) (*CSeqValue, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return nil, newParseError(ParseErrKindHeader, 0, "malformed CSeq", ErrInvalidHeader)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, newParseError(ParseErrKindHeader, 0, "malformed CSeq number", err)
	}
	return &CSeqValue{Seq: uint32(n), Method: parts[1]}, nil
}

// ViaStack returns the request's Via stack, top (most recent hop) first.
func (r *Request) ViaStack() ([]*Via, error) { return ViaStack(r.Headers) }

// ViaStack returns the response's Via stack, top (most recent hop) first.
func (r *Response) ViaStack() ([]*Via, error) { return ViaStack(r.Headers) }

// From returns the request's typed From address.
func (r *Request) From() (*Address, error) { return ParseAddress(r.GetHeader("From")) }

// To returns the request's typed To address.
func (r *Request) To() (*Address, error) { return ParseAddress(r.GetHeader("To")) }

// From returns the response's typed From address.
func (r *Response) From() (*Address, error) { return ParseAddress(r.GetHeader("From")) }

// To returns the response's typed To address.
func (r *Response) To() (*Address, error) { return ParseAddress(r.GetHeader("To")) }

// CSeqValue returns the request's typed CSeq (sequence number, method).
func (r *Request) CSeqValue() (*CSeqValue, error) { return ParseCSeq(r.GetHeader("CSeq")) }

// CSeqValue returns the response's typed CSeq (sequence number, method).
func (r *Response) CSeqValue() (*CSeqValue, error) { return ParseCSeq(r.GetHeader("CSeq")) }

// unquote strips one layer of double quotes and resolves backslash escapes
// per RFC 3261 §25.1: a backslash escapes exactly one following byte, and the
// quotes themselves are removed when the value is exposed to callers.
func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	var sb strings.Builder
	sb.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			sb.WriteByte(inner[i])
			continue
		}
		sb.WriteByte(inner[i])
	}
	return sb.String()
}

// splitUnquoted splits s on sep, ignoring separators that appear inside a
// quoted string or inside angle brackets.
func splitUnquoted(s string, sep byte) []string {
	var out []string
	depth := 0
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			if i == 0 || s[i-1] != '\\' {
				inQuotes = !inQuotes
			}
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes && depth > 0 {
				depth--
			}
		default:
			if s[i] == sep && !inQuotes && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// splitParams splits a ";"-delimited parameter tail (the first element is the
// non-param prefix, e.g. the Via sent-by or the Address addr-spec tail).
func splitParams(s string) []string {
	return splitUnquoted(s, ';')
}

// splitParam splits a single "name=value" or bare "name" parameter, trimming
// surrounding whitespace and removing quotes from the value.
func splitParam(seg string) (name, value string) {
	seg = strings.TrimSpace(seg)
	if idx := strings.IndexByte(seg, '='); idx >= 0 {
		return strings.TrimSpace(seg[:idx]), unquote(strings.TrimSpace(seg[idx+1:]))
	}
	return seg, ""
}
