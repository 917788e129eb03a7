package transport

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultManager is the stock Manager: a protocol-keyed transport registry
// with URI-based transport selection (RFC 3261 §18.1's "transport" param,
// falling back to UDP for sip: and TLS for sips:).
type DefaultManager struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewManager creates an empty transport manager.
func NewManager() *DefaultManager {
	return &DefaultManager{transports: make(map[string]Transport)}
}

func (m *DefaultManager) Register(protocol string, t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	protocol = strings.ToLower(protocol)
	if _, exists := m.transports[protocol]; exists {
		return fmt.Errorf("transport %s already registered", protocol)
	}
	m.transports[protocol] = t
	return nil
}

func (m *DefaultManager) Get(protocol string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[strings.ToLower(protocol)]
	return t, ok
}

func (m *DefaultManager) GetAll() map[string]Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Transport, len(m.transports))
	for k, v := range m.transports {
		out[k] = v
	}
	return out
}

// RouteMessage picks the transport named by a "sip:"/"sips:" target's
// ;transport= parameter, defaulting to udp (sip:) or tls (sips:).
func (m *DefaultManager) RouteMessage(target string) (Transport, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("empty target")
	}

	secure := false
	rest := target
	switch {
	case strings.HasPrefix(rest, "sips:"):
		secure = true
		rest = rest[len("sips:"):]
	case strings.HasPrefix(rest, "sip:"):
		rest = rest[len("sip:"):]
	}

	protocol := ""
	if idx := strings.Index(rest, ";transport="); idx >= 0 {
		value := rest[idx+len(";transport="):]
		if end := strings.IndexAny(value, ";>"); end >= 0 {
			value = value[:end]
		}
		protocol = strings.ToLower(value)
	}
	if protocol == "" {
		if secure {
			protocol = "tls"
		} else {
			protocol = "udp"
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.transports[protocol]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transport %s not available", protocol)
}

func (m *DefaultManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, t := range m.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
