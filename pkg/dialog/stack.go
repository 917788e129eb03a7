package dialog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arzzra/voicecore/pkg/sip/message"
	"github.com/arzzra/voicecore/pkg/sip/transaction"
	"github.com/arzzra/voicecore/pkg/sip/transport"
)

// StackConfig holds Stack-level configuration: the User-Agent and
// diagnostics. The Contact URI and the transport.Manager are passed to
// NewStack directly, not here.
type StackConfig struct {
	UserAgent string
	Logger    *log.Logger
}

// clientTx is the subset of a client transaction the dialog layer needs.
// transaction.Manager.CreateClientTransaction returns an unexported
// *clientTransaction; Go's structural typing lets that value satisfy this
// locally-declared interface without the transaction package exporting its
// concrete type.
type clientTx interface {
	transaction.Transaction
	SendRequest(ctx context.Context) error
	Responses() <-chan *message.Response
	Errors() <-chan error
	Cancel() error
}

// serverTx is the subset of a server transaction the dialog layer needs.
type serverTx interface {
	transaction.Transaction
	SendResponse(resp *message.Response) error
	ACK() <-chan *message.Request
	HandleRequest(request *message.Request)
	HandleACK(ack *message.Request)
}

// Stack is the SIP dialog layer's entry point. It owns a transaction.Manager
// (RFC 3261 §17) and a transport.Manager (transport selection/framing), and
// turns INVITE/BYE/REFER traffic at the transaction boundary into Dialog
// lifecycle events. It implements IStack.
type Stack struct {
	config StackConfig

	transports   transport.Manager
	transactions *transaction.Manager
	parser       *message.Parser

	contact *message.URI

	dialogs *ShardedDialogMap

	incomingMu      sync.RWMutex
	incomingHandler func(IDialog)

	closeOnce sync.Once
}

// NewStack wires a Stack around an already-configured transport.Manager
// (listeners are registered by the caller before Start) and a local Contact
// URI used to build outgoing Contact headers.
func NewStack(transports transport.Manager, contact *message.URI, config StackConfig) *Stack {
	s := &Stack{
		config:       config,
		transports:   transports,
		transactions: transaction.NewManager(transports),
		parser:       message.NewParser(false),
		contact:      contact,
		dialogs:      NewShardedDialogMap(),
	}

	s.transactions.OnRequest(s.handleUnmatchedRequest)
	s.transactions.OnResponse(s.handleUnmatchedResponse)

	return s
}

// Start registers the Stack's incoming-data handler on every transport
// already registered with the transport.Manager and opens their listeners.
// It blocks until ctx is cancelled.
func (s *Stack) Start(ctx context.Context) error {
	for _, t := range s.transports.GetAll() {
		t.OnMessage(s.handleIncomingData)
		if err := t.Listen(); err != nil {
			return fmt.Errorf("listen on %s: %w", t.Protocol(), err)
		}
	}

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown terminates every live transaction and dialog and closes the
// transport layer. Safe to call more than once.
func (s *Stack) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.dialogs.ForEach(func(_ DialogKey, d *Dialog) {
			_ = d.Close()
		})
		if cerr := s.transactions.Close(); cerr != nil {
			err = cerr
		}
		if cerr := s.transports.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// OnIncomingDialog registers the callback invoked for every UAS dialog
// created from an incoming INVITE, after the 100 Trying is sent.
func (s *Stack) OnIncomingDialog(f func(IDialog)) {
	s.incomingMu.Lock()
	s.incomingHandler = f
	s.incomingMu.Unlock()
}

// DialogByKey looks up a dialog by its Call-ID + tag key.
func (s *Stack) DialogByKey(key DialogKey) (IDialog, bool) {
	d, ok := s.dialogs.Get(key)
	return d, ok
}

// NewInvite builds and sends an INVITE to target, creating a UAC Dialog in
// DialogStateTrying. The caller follows up with dialog.WaitAnswer to drive
// the call to Established (or Terminated on failure).
func (s *Stack) NewInvite(ctx context.Context, target *message.URI, opts InviteOpts) (IDialog, error) {
	callID := generateCallID()
	localTag := generateTag()

	localURI := s.contact

	builder := message.NewRequest("INVITE", target).
		Via(transportNameFor(target), s.localHost(), s.localPort(), message.GenerateBranch()).
		From(localURI, localTag).
		To(target, "").
		CallID(callID).
		CSeq(1, "INVITE").
		Contact(s.contact)

	if s.config.UserAgent != "" {
		builder = builder.Header("User-Agent", s.config.UserAgent)
	}
	if opts.Body != nil {
		builder = builder.Body(opts.Body.ContentType(), opts.Body.Data())
	}

	req, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build INVITE: %w", err)
	}

	dctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		stack:     s,
		callID:    callID,
		localTag:  localTag,
		localSeq:  1,
		isUAC:     true,
		inviteReq: req,
		state:     DialogStateInit,
		key:       DialogKey{CallID: callID, LocalTag: localTag},
		createdAt: time.Now(),
		ctx:       dctx,
		cancel:    cancel,
	}
	d.initFSM()
	s.dialogs.Set(d.key, d)

	tx, err := s.transactions.CreateClientTransaction(req, target.Host)
	if err != nil {
		cancel()
		s.dialogs.Delete(d.key)
		return nil, fmt.Errorf("create INVITE transaction: %w", err)
	}
	d.inviteTx = tx

	if err := tx.SendRequest(ctx); err != nil {
		cancel()
		s.dialogs.Delete(d.key)
		return nil, fmt.Errorf("send INVITE: %w", err)
	}

	d.updateState(DialogStateTrying)
	return d, nil
}

// TransactionRequest sends req as a new client transaction (BYE, re-INVITE,
// REFER, NOTIFY) to its Request-URI's host, returning the transaction for
// the caller to await responses on.
func (s *Stack) TransactionRequest(ctx context.Context, req *message.Request) (clientTx, error) {
	tx, err := s.transactions.CreateClientTransaction(req, req.RequestURI.Host)
	if err != nil {
		return nil, err
	}
	if err := tx.SendRequest(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// WriteRequest sends req directly through the transport layer, outside any
// transaction — used for the ACK to a 2xx INVITE response, which RFC 3261
// §13.2.2.4 sends as its own, untracked request.
func (s *Stack) WriteRequest(req *message.Request) error {
	t, err := s.transports.RouteMessage(req.RequestURI.Host)
	if err != nil {
		return fmt.Errorf("route ACK: %w", err)
	}
	return t.Send(req.RequestURI.Host, []byte(req.String()))
}

func (s *Stack) removeDialog(key DialogKey) {
	s.dialogs.Delete(key)
}

func (s *Stack) addDialog(key DialogKey, d *Dialog) {
	s.dialogs.Set(key, d)
}

func (s *Stack) findDialogByKey(key DialogKey) (*Dialog, bool) {
	return s.dialogs.Get(key)
}

// handleIncomingData parses raw transport bytes and routes the result
// either into the transaction layer (which absorbs retransmissions and
// matches responses to client transactions) or, for unmatched requests,
// into handleUnmatchedRequest via the transaction Manager's RequestHandler.
func (s *Stack) handleIncomingData(remoteAddr string, data []byte) {
	msg, err := s.parser.ParseMessage(data)
	if err != nil {
		s.logf("discarding unparseable message from %s: %v", remoteAddr, err)
		return
	}

	switch m := msg.(type) {
	case *message.Request:
		s.transactions.HandleRequest(m, remoteAddr)
	case *message.Response:
		s.transactions.HandleResponse(m, remoteAddr)
	}
}

// handleUnmatchedRequest is invoked by the transaction Manager for requests
// that do not belong to an existing server transaction: new INVITEs, and
// in-dialog requests (BYE, REFER, re-INVITE) that always start a fresh
// server transaction of their own.
func (s *Stack) handleUnmatchedRequest(req *message.Request, source string) {
	switch req.Method {
	case "INVITE":
		s.handleIncomingInvite(req, source)
	case "BYE":
		s.handleIncomingBye(req, source)
	case "REFER":
		s.handleIncomingRefer(req, source)
	case "NOTIFY":
		s.handleIncomingNotify(req, source)
	default:
		s.logf("unhandled %s from %s outside any dialog", req.Method, source)
	}
}

func (s *Stack) handleIncomingInvite(req *message.Request, source string) {
	from, err := req.From()
	if err != nil {
		return
	}
	to, err := req.To()
	if err != nil {
		return
	}
	callID := req.GetHeader("Call-ID")

	tx, err := s.transactions.CreateServerTransaction(req, source)
	if err != nil {
		s.logf("reject INVITE from %s: %v", source, err)
		return
	}

	localTag := generateTag()
	dctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		stack:        s,
		callID:       callID,
		localTag:     localTag,
		remoteTag:    from.Tag(),
		remoteTarget: to.URI,
		isUAC:        false,
		serverTx:     tx,
		inviteReq:    req,
		state:        DialogStateInit,
		key:          DialogKey{CallID: callID, LocalTag: localTag, RemoteTag: from.Tag()},
		createdAt:    time.Now(),
		ctx:          dctx,
		cancel:       cancel,
	}
	_ = to
	d.initFSM()
	s.dialogs.Set(d.key, d)
	d.updateState(DialogStateRinging)

	trying := d.createResponse(req, 100, "Trying")
	_ = tx.SendResponse(trying)

	s.incomingMu.RLock()
	handler := s.incomingHandler
	s.incomingMu.RUnlock()
	if handler != nil {
		handler(d)
	}
}

func (s *Stack) handleIncomingBye(req *message.Request, source string) {
	d, ok := s.dialogFor(req)
	if !ok {
		return
	}

	tx, err := s.transactions.CreateServerTransaction(req, source)
	if err != nil {
		return
	}

	resp := d.createResponse(req, 200, "OK")
	_ = tx.SendResponse(resp)

	d.updateState(DialogStateTerminated)
	s.removeDialog(d.key)
}

func (s *Stack) handleIncomingRefer(req *message.Request, source string) {
	d, ok := s.dialogFor(req)
	if !ok {
		return
	}

	tx, err := s.transactions.CreateServerTransaction(req, source)
	if err != nil {
		return
	}

	d.handleReferRequest(req, tx)
}

func (s *Stack) handleIncomingNotify(req *message.Request, source string) {
	d, ok := s.dialogFor(req)
	if !ok {
		return
	}

	tx, err := s.transactions.CreateServerTransaction(req, source)
	if err != nil {
		return
	}
	resp := d.createResponse(req, 200, "OK")
	_ = tx.SendResponse(resp)

	d.handleNotifyRequest(req)
}

// dialogFor resolves an in-dialog request to its Dialog by From/To tags and
// Call-ID, trying both dialog roles since the request may be UAC- or
// UAS-originated relative to us.
func (s *Stack) dialogFor(req *message.Request) (*Dialog, bool) {
	callID := req.GetHeader("Call-ID")
	from, err := req.From()
	if err != nil {
		return nil, false
	}
	to, err := req.To()
	if err != nil {
		return nil, false
	}

	var found *Dialog
	s.dialogs.ForEach(func(key DialogKey, d *Dialog) {
		if found != nil {
			return
		}
		if d.matchesDialog(callID, from.Tag(), to.Tag()) {
			found = d
		}
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

func (s *Stack) handleUnmatchedResponse(resp *message.Response, source string) {
	s.logf("unmatched response %d from %s", resp.StatusCode, source)
}

func (s *Stack) logf(format string, args ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Printf(format, args...)
	}
}

func (s *Stack) localHost() string {
	if s.contact != nil {
		return s.contact.Host
	}
	return "0.0.0.0"
}

func (s *Stack) localPort() int {
	if s.contact != nil && s.contact.Port != 0 {
		return s.contact.Port
	}
	return 5060
}

// transportNameFor picks the Via transport token for a target URI: sips:
// always goes over TLS, everything else defaults to UDP unless the URI
// carries an explicit ;transport= parameter (RFC 3261 §19.1.2).
func transportNameFor(target *message.URI) string {
	if target.Scheme == "sips" {
		return "tls"
	}
	if tp, ok := target.Parameters["transport"]; ok && tp != "" {
		return tp
	}
	return "udp"
}
