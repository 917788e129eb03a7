package transaction

import (
	"fmt"
	"sync"

	"github.com/arzzra/voicecore/pkg/sip/message"
	"github.com/arzzra/voicecore/pkg/sip/transport"
)

// Transaction is the surface common to client and server transactions,
// enough for a Manager to track, look up and terminate either kind
// without knowing which one it is holding.
type Transaction interface {
	ID() string
	Branch() string
	State() State
	Request() *message.Request
	IsClient() bool
	IsInvite() bool
	OnStateChange(func(State))
	Terminate()
}

// RequestHandler is invoked for a request that does not match any
// existing server transaction, i.e. a new incoming request.
type RequestHandler func(req *message.Request, source string)

// ResponseHandler is invoked for a response that does not match any
// existing client transaction (typically a late or stray retransmission).
type ResponseHandler func(resp *message.Response, source string)

// Stats is a snapshot of transaction-layer counters.
type Stats struct {
	ClientTransactions     int
	ServerTransactions     int
	ActiveTransactions     int
	TerminatedTransactions int
}

// Manager owns the set of live transactions for a SIP stack, matching
// incoming requests/responses to existing transactions per RFC 3261
// §17.1.3/§17.2.3 (branch+method key) and creating new ones on demand.
type Manager struct {
	transports transport.Manager

	mu     sync.RWMutex
	byID   map[string]Transaction
	closed bool

	terminatedCount int

	requestHandlers  []RequestHandler
	responseHandlers []ResponseHandler
}

// NewManager creates a transaction Manager that sends and receives
// through the given transport Manager.
func NewManager(transports transport.Manager) *Manager {
	return &Manager{
		transports: transports,
		byID:       make(map[string]Transaction),
	}
}

// CreateClientTransaction starts a new client transaction for req and
// registers it for response matching. The caller still must call
// SendRequest on the returned transaction.
func (m *Manager) CreateClientTransaction(req *message.Request, destination string) (*clientTransaction, error) {
	t, err := m.transports.RouteMessage(destination)
	if err != nil {
		return nil, fmt.Errorf("route client transaction: %w", err)
	}

	tx, err := NewClientTransaction(req, t, destination)
	if err != nil {
		return nil, err
	}

	m.register(tx)
	return tx, nil
}

// CreateServerTransaction starts a new server transaction for an
// incoming req and registers it for request matching (retransmission
// absorption). The FSM starts immediately, per RFC 3261 §17.2.
func (m *Manager) CreateServerTransaction(req *message.Request, source string) (*serverTransaction, error) {
	t, err := m.transports.RouteMessage(source)
	if err != nil {
		return nil, fmt.Errorf("route server transaction: %w", err)
	}

	tx, err := NewServerTransaction(req, t, source)
	if err != nil {
		return nil, err
	}

	m.register(tx)
	return tx, nil
}

func (m *Manager) register(tx Transaction) {
	m.mu.Lock()
	m.byID[tx.ID()] = tx
	m.mu.Unlock()

	tx.OnStateChange(func(s State) {
		if s != StateTerminated {
			return
		}
		m.mu.Lock()
		delete(m.byID, tx.ID())
		m.terminatedCount++
		m.mu.Unlock()
	})
}

// Find looks up a transaction by its branch+method key.
func (m *Manager) Find(branch, method string) (Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[generateTransactionID(branch, method)]
	return tx, ok
}

// FindByMessage looks up the transaction matching an incoming request or
// response's top Via branch. For ACK to a non-2xx response, the match is
// against the original INVITE's key, per RFC 3261 §17.1.1.3.
func (m *Manager) FindByMessage(via, method string) (Transaction, bool) {
	branch := extractBranch(via)
	if branch == "" {
		return nil, false
	}
	if method == "ACK" {
		method = "INVITE"
	}
	return m.Find(branch, method)
}

// HandleRequest routes an incoming request to its matching server
// transaction (retransmission or ACK), or to the registered
// RequestHandler if none matches.
func (m *Manager) HandleRequest(req *message.Request, source string) {
	via := req.GetHeader("Via")

	if req.Method == "ACK" {
		if tx, ok := m.FindByMessage(via, req.Method); ok {
			if stx, ok := tx.(*serverTransaction); ok {
				stx.HandleACK(req)
				return
			}
		}
	}

	if tx, ok := m.FindByMessage(via, req.Method); ok {
		if stx, ok := tx.(*serverTransaction); ok {
			stx.HandleRequest(req)
			return
		}
	}

	m.mu.RLock()
	handlers := m.requestHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(req, source)
	}
}

// HandleResponse routes an incoming response to its matching client
// transaction, or to the registered ResponseHandler if none matches.
func (m *Manager) HandleResponse(resp *message.Response, source string) {
	via := resp.GetHeader("Via")
	cseq, err := resp.CSeqValue()
	if err != nil {
		return
	}

	if tx, ok := m.FindByMessage(via, cseq.Method); ok {
		if ctx, ok := tx.(*clientTransaction); ok {
			ctx.ProcessResponse(resp)
			return
		}
	}

	m.mu.RLock()
	handlers := m.responseHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(resp, source)
	}
}

// OnRequest registers a handler for requests with no matching transaction.
func (m *Manager) OnRequest(h RequestHandler) {
	m.mu.Lock()
	m.requestHandlers = append(m.requestHandlers, h)
	m.mu.Unlock()
}

// OnResponse registers a handler for responses with no matching transaction.
func (m *Manager) OnResponse(h ResponseHandler) {
	m.mu.Lock()
	m.responseHandlers = append(m.responseHandlers, h)
	m.mu.Unlock()
}

// Stats returns a snapshot of the transaction layer's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		ActiveTransactions:     len(m.byID),
		TerminatedTransactions: m.terminatedCount,
	}
	for _, tx := range m.byID {
		if tx.IsClient() {
			s.ClientTransactions++
		} else {
			s.ServerTransactions++
		}
	}
	return s
}

// Close terminates every live transaction.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	txs := make([]Transaction, 0, len(m.byID))
	for _, tx := range m.byID {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	for _, tx := range txs {
		tx.Terminate()
	}
	return nil
}
