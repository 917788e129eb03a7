package coordinator

import (
	"context"
	"fmt"

	"github.com/pion/rtp"
)

// MakeCall инициирует исходящий вызов (spec.md §6 make_call(to, from, sdp?)).
// Возвращает новую CallSession в состоянии Initiating.
func (c *Coordinator) MakeCall(ctx context.Context, to, from, sdpOffer string) (*CallSession, error) {
	cs := newCallSession(c, newSessionID(), RoleUAC, nil)
	c.addSession(cs)

	if err := cs.fire(ctx, EventMakeCall, &ActionArgs{Target: to, From: from, SDP: sdpOffer}); err != nil {
		c.removeSession(cs.id)
		return nil, err
	}
	return cs, nil
}

// Accept подтверждает входящий вызов (spec.md §6 accept).
func (c *Coordinator) Accept(ctx context.Context, sessionID, sdpAnswer string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventAcceptCall, &ActionArgs{SDP: sdpAnswer})
}

// Reject отклоняет входящий вызов (spec.md §6 reject(reason)).
func (c *Coordinator) Reject(ctx context.Context, sessionID, reason string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventRejectCall, &ActionArgs{Reason: reason})
}

// Hangup завершает вызов (spec.md §6 hangup).
func (c *Coordinator) Hangup(ctx context.Context, sessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventHangupCall, nil)
}

// Hold ставит активный вызов на удержание (spec.md §6 hold).
func (c *Coordinator) Hold(ctx context.Context, sessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventHoldCall, nil)
}

// Resume снимает вызов с удержания (spec.md §6 resume).
func (c *Coordinator) Resume(ctx context.Context, sessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventResumeCall, nil)
}

// Transfer переводит вызов на target. Если attended верно, replaceSessionID
// должен указывать на установленный консультационный вызов, чей диалог
// подставляется в Replaces (spec.md §6 transfer(target, attended?)).
func (c *Coordinator) Transfer(ctx context.Context, sessionID, target string, attended bool, replaceSessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !attended {
		return cs.fire(ctx, EventBlindTransfer, &ActionArgs{Target: target})
	}
	replaceCS, ok := c.Session(replaceSessionID)
	if !ok {
		return fmt.Errorf("coordinator: attended transfer consultation session %q not found", replaceSessionID)
	}
	return cs.fire(ctx, EventAttendedTransfer, &ActionArgs{Target: target, Attended: true, ReplaceOf: replaceCS})
}

// SendDTMF проигрывает последовательность DTMF цифр (spec.md §6 send_dtmf(digits)).
func (c *Coordinator) SendDTMF(ctx context.Context, sessionID, digits string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return cs.fire(ctx, EventSendDTMF, &ActionArgs{Digits: digits})
}

// PlayAudio проигрывает файл в медиапоток активного вызова (spec.md §6
// play_audio(file)). Декодирование файла и подача в RTP выполняется через
// уже связанную медиа сессию (MediaSessionInterface.SendAudio), чтение
// самого файла и его формат — забота вызывающей стороны: координатор лишь
// переиспользует существующий канал отправки аудио.
func (c *Coordinator) PlayAudio(sessionID string, pcm []byte) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if cs.mediaSess == nil {
		return fmt.Errorf("coordinator: session %s has no active media session", sessionID)
	}
	return cs.mediaSess.SendAudio(pcm)
}

// StartRecording включает запись медиапотока вызова через сырые пакеты
// RTP, перенаправляемые в предоставленный приёмник (spec.md §6
// start_recording). Грунтовано на MediaSessionInterface.SetRawPacketHandler,
// уже используемом для bridging.
func (c *Coordinator) StartRecording(sessionID string, sink func(payload []byte)) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if cs.mediaSess == nil {
		return fmt.Errorf("coordinator: session %s has no active media session", sessionID)
	}
	cs.mediaSess.SetRawPacketHandler(func(pkt *rtp.Packet, _ string) {
		sink(pkt.Payload)
	})
	return nil
}

// StopRecording отключает запись, установленную StartRecording (spec.md §6
// stop_recording).
func (c *Coordinator) StopRecording(sessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if cs.mediaSess == nil {
		return nil
	}
	cs.mediaSess.ClearRawPacketHandler()
	return nil
}

// Bridge соединяет два активных вызова так, что пакеты одной медиа сессии
// пересылаются в другую, симметрично (spec.md §4.5: "Bridging is symmetric;
// unbridging restores independence").
func (c *Coordinator) Bridge(sessionA, sessionB string) error {
	a, ok := c.Session(sessionA)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionA)
	}
	b, ok := c.Session(sessionB)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionB)
	}
	return a.bridgeWith(b)
}

// Unbridge снимает мост с указанного вызова, если он был установлен.
func (c *Coordinator) Unbridge(sessionID string) error {
	cs, ok := c.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	cs.Unbridge()
	return nil
}
