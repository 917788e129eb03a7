package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arzzra/voicecore/pkg/dialog/headers"
	"github.com/arzzra/voicecore/pkg/sip/message"
)

// MaxURILength bounds how long a Refer-To header value may be before it is
// rejected outright, well above any realistic SIP URI (RFC 3261 places no
// hard limit, but unbounded input here is just an attack surface).
const MaxURILength = 1024

// ReferEvent describes an incoming REFER request (RFC 3515), handed to the
// callback registered via Dialog.OnRefer.
type ReferEvent struct {
	// ReferTo is the transfer target.
	ReferTo *message.URI
	// ReferredBy identifies who initiated the transfer (RFC 3892), if present.
	ReferredBy string
	// Replaces is the raw Replaces parameter, if this is an attended transfer.
	Replaces string
	// ReplacesCallID/ToTag/FromTag identify the dialog being replaced.
	ReplacesCallID  string
	ReplacesToTag   string
	ReplacesFromTag string
	// Request is the original REFER request.
	Request *message.Request
	// Transaction is the server transaction the 202/4xx response must go on.
	Transaction serverTx
}

// ReferStatus is the lifecycle state of an outgoing REFER (RFC 3515 §2.4.4,
// reported back to the referrer via NOTIFY/message-sipfrag bodies).
type ReferStatus int

const (
	ReferStatusPending ReferStatus = iota
	ReferStatusAccepted
	ReferStatusTrying
	ReferStatusSuccess
	ReferStatusFailed
)

// ReferSubscription tracks one REFER's progress, as implied by the
// "refer" NOTIFY event package (RFC 3515 §2.4.4).
type ReferSubscription struct {
	id         string
	dialog     *Dialog
	referTo    *message.URI
	status     ReferStatus
	active     bool
	notifyChan chan ReferStatus
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex

	sub *referSub
}

// NewReferSubscription creates a subscription tracking a REFER sent to referTo.
func NewReferSubscription(dialog *Dialog, referTo *message.URI) *ReferSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReferSubscription{
		id:         generateTag(),
		dialog:     dialog,
		referTo:    referTo,
		status:     ReferStatusPending,
		active:     true,
		notifyChan: make(chan ReferStatus, 10),
		ctx:        ctx,
		cancel:     cancel,
		sub:        newReferSub(),
	}
}

// ApplyNotifyCode drives the subscription's refer FSM (refer_fsm.go) with the
// SIP status code carried in a NOTIFY's message/sipfrag body, and maps the
// resulting FSM state onto the public ReferStatus.
func (rs *ReferSubscription) ApplyNotifyCode(code int) {
	rs.sub.onNotify(code)

	switch rs.sub.fsm.Current() {
	case ReferStateTrying:
		rs.UpdateStatus(ReferStatusTrying)
	case ReferStateProceeding:
		rs.UpdateStatus(ReferStatusAccepted)
	case ReferStateCompleted:
		rs.UpdateStatus(ReferStatusSuccess)
	case ReferStateFailed:
		rs.UpdateStatus(ReferStatusFailed)
	}
}

// UpdateStatus updates the subscription's status and wakes any waiter.
func (rs *ReferSubscription) UpdateStatus(status ReferStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.status = status
	if status == ReferStatusSuccess || status == ReferStatusFailed {
		rs.active = false
	}
	select {
	case rs.notifyChan <- status:
	default:
	}
}

// GetStatus returns the current status.
func (rs *ReferSubscription) GetStatus() ReferStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.status
}

// Close terminates the subscription.
func (rs *ReferSubscription) Close() {
	rs.mu.Lock()
	rs.active = false
	rs.mu.Unlock()
	rs.cancel()
	close(rs.notifyChan)
}

// SendNotify sends a NOTIFY carrying the subscription's current status as a
// message/sipfrag body, per RFC 3515 §2.4.4.
func (rs *ReferSubscription) SendNotify(ctx context.Context) error {
	rs.mu.RLock()
	status := rs.status
	rs.mu.RUnlock()

	d := rs.dialog
	notifyReq, err := d.buildRequest("NOTIFY")
	if err != nil {
		return fmt.Errorf("building NOTIFY: %w", err)
	}

	subscriptionState := "active"
	if status == ReferStatusSuccess || status == ReferStatusFailed {
		subscriptionState = "terminated"
	}

	var body []byte
	switch status {
	case ReferStatusAccepted:
		body = []byte("SIP/2.0 202 Accepted\r\n")
	case ReferStatusTrying:
		body = []byte("SIP/2.0 100 Trying\r\n")
	case ReferStatusSuccess:
		body = []byte("SIP/2.0 200 OK\r\n")
	case ReferStatusFailed:
		body = []byte("SIP/2.0 503 Service Unavailable\r\n")
	default:
		body = []byte("SIP/2.0 100 Trying\r\n")
	}

	notifyReq.SetHeader("Event", "refer")
	notifyReq.SetHeader("Subscription-State", subscriptionState)
	notifyReq.SetHeader("Content-Type", "message/sipfrag")
	notifyReq.SetBody(body)

	tx, err := d.stack.TransactionRequest(ctx, notifyReq)
	if err != nil {
		return fmt.Errorf("sending NOTIFY: %w", err)
	}

	select {
	case res, ok := <-tx.Responses():
		if !ok {
			return fmt.Errorf("NOTIFY transaction closed without response")
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("NOTIFY rejected: %d %s", res.StatusCode, res.ReasonPhrase)
	case err := <-tx.Errors():
		return fmt.Errorf("NOTIFY transaction failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRefer sends a blind-transfer REFER to target (RFC 3515 §2.1).
func (d *Dialog) SendRefer(ctx context.Context, target *message.URI, opts *ReferOpts) error {
	req, err := d.buildRequest("REFER")
	if err != nil {
		return fmt.Errorf("building REFER: %w", err)
	}

	referTo, err := headers.NewBuilder(target.String()).Build()
	if err != nil {
		return fmt.Errorf("building Refer-To: %w", err)
	}
	req.SetHeader("Refer-To", referTo.Value())

	d.applyReferOpts(req, opts)

	return d.sendReferRequest(ctx, req, target)
}

// SendReferWithReplaces sends an attended-transfer REFER: target is the
// transferee's new destination, and replaceDialog names the dialog (RFC
// 3891 Replaces) that the transfer should splice into.
func (d *Dialog) SendReferWithReplaces(ctx context.Context, target *message.URI, replaceDialog IDialog, opts *ReferOpts) error {
	req, err := d.buildRequest("REFER")
	if err != nil {
		return fmt.Errorf("building REFER: %w", err)
	}

	key := replaceDialog.Key()
	builder := headers.NewBuilder(target.String()).
		WithReplaces(key.CallID, key.RemoteTag, key.LocalTag)
	referTo, err := builder.Build()
	if err != nil {
		return fmt.Errorf("building Refer-To: %w", err)
	}
	req.SetHeader("Refer-To", referTo.Value())

	d.applyReferOpts(req, opts)

	return d.sendReferRequest(ctx, req, target)
}

func (d *Dialog) applyReferOpts(req *message.Request, opts *ReferOpts) {
	if opts == nil {
		return
	}
	if opts.NoReferSub {
		req.SetHeader("Refer-Sub", "false")
	} else if opts.ReferSub != nil {
		req.SetHeader("Refer-Sub", *opts.ReferSub)
	}
	for k, v := range opts.Headers {
		req.SetHeader(k, v)
	}
}

func (d *Dialog) sendReferRequest(ctx context.Context, req *message.Request, target *message.URI) error {
	tx, err := d.stack.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("sending REFER: %w", err)
	}

	select {
	case resp, ok := <-tx.Responses():
		if !ok {
			return fmt.Errorf("REFER transaction closed without response")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("REFER rejected: %d %s", resp.StatusCode, resp.ReasonPhrase)
		}
	case err := <-tx.Errors():
		return fmt.Errorf("REFER transaction failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	sub := NewReferSubscription(d, target)
	d.mutex.Lock()
	if d.referSubscriptions == nil {
		d.referSubscriptions = make(map[string]*ReferSubscription)
	}
	d.referSubscriptions[sub.id] = sub
	d.mutex.Unlock()

	sub.UpdateStatus(ReferStatusAccepted)
	return nil
}

// OnRefer registers a callback invoked for every incoming REFER request.
func (d *Dialog) OnRefer(f func(*ReferEvent)) {
	d.mutex.Lock()
	d.referHandler = f
	d.mutex.Unlock()
}

// handleReferRequest processes an incoming REFER: validates Refer-To,
// replies 202 Accepted (or 4xx on malformed input), and dispatches a
// ReferEvent to the registered handler, which drives the transfer.
func (d *Dialog) handleReferRequest(req *message.Request, tx serverTx) {
	referToValue := req.GetHeader("Refer-To")
	if referToValue == "" {
		resp := d.createResponse(req, 400, "Missing Refer-To")
		_ = tx.SendResponse(resp)
		return
	}

	target, params, err := parseReferTo(referToValue)
	if err != nil {
		resp := d.createResponse(req, 400, "Invalid Refer-To")
		_ = tx.SendResponse(resp)
		return
	}

	event := &ReferEvent{
		ReferTo:     target,
		ReferredBy:  req.GetHeader("Referred-By"),
		Request:     req,
		Transaction: tx,
	}

	if replaces, ok := params["Replaces"]; ok {
		event.Replaces = replaces
		if callID, toTag, fromTag, err := parseReplaces(replaces); err == nil {
			event.ReplacesCallID = callID
			event.ReplacesToTag = toTag
			event.ReplacesFromTag = fromTag
		}
	}

	resp := d.createResponse(req, 202, "Accepted")
	if err := tx.SendResponse(resp); err != nil {
		return
	}

	d.mutex.RLock()
	handler := d.referHandler
	d.mutex.RUnlock()

	if handler != nil {
		handler(event)
	}
}

// handleNotifyRequest applies an incoming REFER-progress NOTIFY's
// message/sipfrag body to the matching subscription.
func (d *Dialog) handleNotifyRequest(req *message.Request) {
	if req.GetHeader("Event") != "refer" {
		return
	}

	code := parseSipfragStatusCode(req.Body())
	if code == 0 {
		return
	}

	d.mutex.RLock()
	var subs []*ReferSubscription
	for _, sub := range d.referSubscriptions {
		subs = append(subs, sub)
	}
	d.mutex.RUnlock()

	for _, sub := range subs {
		if sub.GetStatus() != ReferStatusSuccess && sub.GetStatus() != ReferStatusFailed {
			sub.ApplyNotifyCode(code)
		}
	}
}

// parseReferTo parses a Refer-To header value, returning the clean target
// URI (query-parameters stripped) and its parameters separately.
func parseReferTo(referTo string) (*message.URI, map[string]string, error) {
	if len(referTo) > MaxURILength {
		return nil, nil, fmt.Errorf("Refer-To too long: %d bytes", len(referTo))
	}

	referTo = strings.TrimSpace(referTo)
	if referTo == "" {
		return nil, nil, fmt.Errorf("empty Refer-To")
	}

	if strings.ContainsAny(referTo, "\r\n\x00") {
		return nil, nil, fmt.Errorf("invalid characters in Refer-To")
	}

	if idx := strings.Index(referTo, "?"); idx != -1 {
		paramStr := referTo[idx+1:]
		if strings.HasSuffix(paramStr, ">") {
			paramStr = paramStr[:len(paramStr)-1]
		}
		if pairs := strings.Split(paramStr, "&"); len(pairs) > 20 {
			return nil, nil, fmt.Errorf("too many parameters in Refer-To: %d", len(pairs))
		}
	}

	referToHeader, err := headers.NewReferTo(referTo)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing Refer-To: %w", err)
	}

	if err := referToHeader.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid Refer-To: %w", err)
	}

	clean := referToHeader.Address.Clone()
	clean.Headers = make(map[string]string)

	params := make(map[string]string)
	if method := referToHeader.GetMethod(); method != "" {
		params["method"] = method
	}
	if replaces := referToHeader.GetReplaces(); replaces != "" {
		params["Replaces"] = replaces
	}
	for k, v := range referToHeader.GetAllParameters() {
		params[k] = v
	}

	return clean, params, nil
}

// parseReplaces parses a Replaces parameter (RFC 3891 §4): call-id;to-tag=...;from-tag=...
func parseReplaces(replaces string) (callID, toTag, fromTag string, err error) {
	if len(replaces) > 512 {
		return "", "", "", fmt.Errorf("Replaces too long: %d bytes", len(replaces))
	}

	replaces = strings.TrimSpace(replaces)
	if replaces == "" {
		return "", "", "", fmt.Errorf("empty Replaces parameter")
	}

	if strings.ContainsAny(replaces, "\r\n\x00<>\"") {
		return "", "", "", fmt.Errorf("invalid characters in Replaces")
	}

	parts := strings.Split(replaces, ";")
	if len(parts) < 1 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid Replaces format")
	}

	callID = strings.TrimSpace(parts[0])
	if callID == "" {
		return "", "", "", fmt.Errorf("empty Call-ID in Replaces")
	}
	if err := validateCallID(callID); err != nil {
		return "", "", "", fmt.Errorf("invalid Call-ID in Replaces: %w", err)
	}

	for i := 1; i < len(parts); i++ {
		kv := strings.SplitN(parts[i], "=", 2)
		if len(kv) != 2 {
			continue
		}

		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		if len(value) > 128 {
			return "", "", "", fmt.Errorf("tag too long in Replaces: %s", key)
		}

		switch key {
		case "to-tag":
			toTag = value
		case "from-tag":
			fromTag = value
		}
	}

	if toTag == "" && fromTag == "" {
		return "", "", "", fmt.Errorf("Replaces missing both tags")
	}

	return callID, toTag, fromTag, nil
}

// validateCallID rejects Call-ID values carrying header-injection or
// control characters; RFC 3261 §25 leaves Call-ID as an opaque token, so
// this only guards against obviously malicious input, not grammar.
func validateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("empty Call-ID")
	}
	if len(callID) > 256 {
		return fmt.Errorf("Call-ID too long: %d bytes", len(callID))
	}
	if strings.ContainsAny(callID, "\r\n\x00 \t") {
		return fmt.Errorf("invalid characters in Call-ID")
	}
	return nil
}
