package transaction

import (
	"fmt"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

// MessageBuilder assembles the request variants RFC 3261 requires a client
// transaction to generate on its own, outside of whatever request the UAC
// originally handed the transaction layer.
type MessageBuilder struct{}

// NewMessageBuilder creates a new request builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// BuildACKForNon2xx builds the ACK for a non-2xx final response to an
// INVITE, per RFC 3261 §17.1.1.3. This ACK is part of the INVITE
// transaction itself (not a transaction of its own) and reuses the
// INVITE's Call-ID, CSeq number, From and Route set, taking only To from
// the response since that carries the remote tag.
func (b *MessageBuilder) BuildACKForNon2xx(invite *message.Request, response *message.Response) (*message.Request, error) {
	if invite.Method != "INVITE" {
		return nil, fmt.Errorf("not an INVITE request")
	}
	if response.StatusCode < 300 {
		return nil, fmt.Errorf("not a non-2xx response")
	}

	cseq, err := invite.CSeqValue()
	if err != nil {
		return nil, fmt.Errorf("invalid CSeq on INVITE: %w", err)
	}

	ack := &message.Request{
		Method:     "ACK",
		RequestURI: invite.RequestURI,
		Headers:    message.NewHeaders(),
	}
	ack.SetHeader("Via", invite.GetHeader("Via"))
	ack.SetHeader("From", invite.GetHeader("From"))
	ack.SetHeader("To", response.GetHeader("To"))
	ack.SetHeader("Call-ID", invite.GetHeader("Call-ID"))
	ack.SetHeader("CSeq", fmt.Sprintf("%d ACK", cseq.Seq))
	for _, route := range invite.GetHeaders("Route") {
		ack.AddHeader("Route", route)
	}
	ack.SetHeader("Max-Forwards", "70")
	ack.SetHeader("Content-Length", "0")

	return ack, nil
}

// BuildCANCEL builds a CANCEL for an outstanding request, per RFC 3261
// §9.1/§9.2. The CANCEL shares Call-ID, To, From, and the top Via of the
// request it cancels, but carries its own transaction (its own branch is
// the same branch as the cancelled request, per §9.1, so callers must
// not regenerate one).
func (b *MessageBuilder) BuildCANCEL(request *message.Request) (*message.Request, error) {
	if request.Method == "ACK" || request.Method == "CANCEL" {
		return nil, fmt.Errorf("cannot cancel %s request", request.Method)
	}

	cseq, err := request.CSeqValue()
	if err != nil {
		return nil, fmt.Errorf("invalid CSeq on request: %w", err)
	}

	cancel := &message.Request{
		Method:     "CANCEL",
		RequestURI: request.RequestURI,
		Headers:    message.NewHeaders(),
	}
	cancel.SetHeader("Via", request.GetHeader("Via"))
	cancel.SetHeader("From", request.GetHeader("From"))
	cancel.SetHeader("To", request.GetHeader("To"))
	cancel.SetHeader("Call-ID", request.GetHeader("Call-ID"))
	cancel.SetHeader("CSeq", fmt.Sprintf("%d CANCEL", cseq.Seq))
	for _, route := range request.GetHeaders("Route") {
		cancel.AddHeader("Route", route)
	}
	cancel.SetHeader("Max-Forwards", "70")
	cancel.SetHeader("Content-Length", "0")

	return cancel, nil
}
