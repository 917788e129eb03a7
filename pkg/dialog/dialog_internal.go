package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arzzra/voicecore/pkg/sip/message"
)

// generateBranch генерирует уникальный branch для Via заголовка
func generateBranch() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to pseudorandom if crypto/rand fails
		for i := range b {
			b[i] = byte(time.Now().UnixNano() + int64(i))
		}
	}
	return "z9hG4bK" + hex.EncodeToString(b)
}

// ВАЖНО: generateCallID() и generateTag() определены в id_generator.go
// для оптимизированной thread-safe генерации с пулированием

// incrementCSeq увеличивает локальный CSeq для нового запроса
func (d *Dialog) incrementCSeq() uint32 {
	return atomic.AddUint32(&d.localSeq, 1)
}

// buildRequest создает новый запрос в контексте диалога
func (d *Dialog) buildRequest(method string) (*message.Request, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	// Определяем Request-URI
	reqURI := d.remoteTarget
	if reqURI == nil || reqURI.Host == "" {
		if d.inviteReq != nil {
			reqURI = d.inviteReq.RequestURI
		} else {
			return nil, fmt.Errorf("no remote target for request")
		}
	}

	// From и To зависят от роли (UAC/UAS)
	var fromTag, toTag string
	var fromURI, toURI *message.URI

	if d.isUAC {
		fromTag = d.localTag
		toTag = d.remoteTag
		if d.inviteReq != nil {
			if from, err := d.inviteReq.From(); err == nil {
				fromURI = from.URI
			}
			if to, err := d.inviteReq.To(); err == nil {
				toURI = to.URI
			}
		}
	} else {
		fromTag = d.remoteTag
		toTag = d.localTag
		if d.inviteReq != nil {
			if to, err := d.inviteReq.To(); err == nil {
				fromURI = to.URI
			}
			if from, err := d.inviteReq.From(); err == nil {
				toURI = from.URI
			}
		}
	}

	if fromURI == nil || toURI == nil {
		return nil, fmt.Errorf("cannot determine From/To for %s request", method)
	}

	builder := message.NewRequest(method, reqURI).
		CallID(d.callID).
		From(fromURI, fromTag).
		To(toURI, toTag).
		CSeq(d.incrementCSeq(), method)

	if d.stack != nil {
		builder = builder.Via(transportNameFor(reqURI), d.stack.localHost(), d.stack.localPort(), generateBranch())
		if d.stack.config.UserAgent != "" {
			builder = builder.Header("User-Agent", d.stack.config.UserAgent)
		}
	}

	if d.localContact != nil {
		builder = builder.Contact(d.localContact)
	}

	for _, route := range d.routeSet {
		builder = builder.Route(route)
	}

	return builder.Build()
}

// processResponse обрабатывает ответ и обновляет состояние диалога
func (d *Dialog) processResponse(resp *message.Response) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	originalLocalTag := d.localTag

	// Обновляем remote tag и ключ диалога, если он еще не известен.
	if d.remoteTag == "" {
		oldKey := d.key

		var addr *message.Address
		var err error
		if d.isUAC {
			addr, err = resp.To()
		} else {
			addr, err = resp.From()
		}

		if err == nil && addr.Tag() != "" {
			tag := addr.Tag()
			if tag == d.localTag {
				return fmt.Errorf("remote tag cannot be the same as local tag")
			}
			d.remoteTag = tag
			d.key.RemoteTag = tag

			if d.stack != nil && d.stack.dialogs != nil && oldKey.RemoteTag != d.key.RemoteTag {
				if existing, exists := d.stack.findDialogByKey(oldKey); exists && existing == d {
					d.stack.removeDialog(oldKey)
					d.stack.addDialog(d.key, d)
				}
			}
		}
	}

	// Обновляем remote target и route set из 2xx ответа.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if contact := resp.GetHeader("Contact"); contact != "" {
			if contactURI, err := message.ExtractURI(contact); err == nil {
				d.remoteTarget = contactURI
			}
		}

		d.routeSet = nil
		recordRoutes := resp.GetHeaders("Record-Route")
		if d.isUAC {
			// UAC использует Record-Route в обратном порядке (RFC 3261 §12.1.2)
			for i := len(recordRoutes) - 1; i >= 0; i-- {
				if routeURI, err := message.ExtractURI(recordRoutes[i]); err == nil {
					d.routeSet = append(d.routeSet, routeURI)
				}
			}
		} else {
			// UAS использует Record-Route в прямом порядке
			for _, rr := range recordRoutes {
				if routeURI, err := message.ExtractURI(rr); err == nil {
					d.routeSet = append(d.routeSet, routeURI)
				}
			}
		}
	}

	if resp.StatusCode >= 200 && d.inviteResp == nil {
		d.inviteResp = resp
	}

	if d.localTag != originalLocalTag {
		d.localTag = originalLocalTag
		return fmt.Errorf("internal error: localTag was corrupted during response processing")
	}

	return nil
}

// createResponse создает ответ на запрос в контексте диалога
func (d *Dialog) createResponse(req *message.Request, statusCode int, reason string) *message.Response {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	builder := message.NewResponse(req, statusCode, reason)

	if !d.isUAC && d.localTag != "" {
		builder = builder.ToTag(d.localTag)
	}

	if d.localContact != nil && statusCode >= 200 && statusCode < 300 {
		builder = builder.Contact(d.localContact)
	}

	if statusCode >= 200 && statusCode < 300 {
		for _, rr := range req.GetHeaders("Record-Route") {
			builder = builder.Header("Record-Route", rr)
		}
	}

	return builder.Build()
}

// buildACK создает ACK запрос для 2xx ответа на INVITE
func (d *Dialog) buildACK() (*message.Request, error) {
	if d.inviteReq == nil || d.inviteResp == nil {
		return nil, fmt.Errorf("no INVITE transaction to ACK")
	}

	inviteCSeq, err := d.inviteReq.CSeqValue()
	if err != nil {
		return nil, fmt.Errorf("invalid INVITE CSeq: %w", err)
	}

	builder := message.NewRequest("ACK", d.inviteReq.RequestURI).
		CallID(d.callID).
		Header("From", d.inviteReq.GetHeader("From")).
		Header("To", d.inviteResp.GetHeader("To")).
		CSeq(inviteCSeq.Seq, "ACK")

	if d.stack != nil {
		builder = builder.Via(transportNameFor(d.inviteReq.RequestURI), d.stack.localHost(), d.stack.localPort(), generateBranch())
	}

	for _, route := range d.routeSet {
		builder = builder.Route(route)
	}

	return builder.Build()
}

// matchesDialog проверяет, относится ли запрос/ответ к этому диалогу
func (d *Dialog) matchesDialog(callID string, fromTag string, toTag string) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.callID != callID {
		return false
	}

	if d.localTag != "" && d.remoteTag != "" {
		if d.isUAC {
			return d.localTag == fromTag && d.remoteTag == toTag
		}
		return d.localTag == toTag && d.remoteTag == fromTag
	}

	if d.isUAC {
		return d.localTag == fromTag
	}
	return d.localTag == toTag
}
