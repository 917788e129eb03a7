package coordinator

import (
	"fmt"

	"github.com/pion/rtp"
)

// bridgeWith соединяет медиапотоки двух вызовов: сырые RTP payload'ы одной
// стороны пересылаются в медиа сессию другой через WriteAudioDirect
// (spec.md §4.5: "packets from one media session are forwarded into the
// other"). Грунтовано на MediaSessionInterface.SetRawPacketHandler /
// WriteAudioDirect, уже используемых в pkg/media для произвольной
// пересылки закодированных payload'ов без повторного кодирования.
func (cs *CallSession) bridgeWith(other *CallSession) error {
	cs.mu.Lock()
	a := cs.mediaSess
	cs.mu.Unlock()
	other.mu.Lock()
	b := other.mediaSess
	other.mu.Unlock()

	if a == nil || b == nil {
		return fmt.Errorf("coordinator: both sessions must have an active media session to bridge")
	}

	a.SetRawPacketHandler(func(pkt *rtp.Packet, _ string) {
		_ = b.WriteAudioDirect(pkt.Payload)
	})
	b.SetRawPacketHandler(func(pkt *rtp.Packet, _ string) {
		_ = a.WriteAudioDirect(pkt.Payload)
	})

	cs.mu.Lock()
	cs.bridgedWith = other
	cs.mu.Unlock()
	other.mu.Lock()
	other.bridgedWith = cs
	other.mu.Unlock()

	cs.logger.Info().Str("peer", other.id).Msg("bridged")
	return nil
}

// Unbridge снимает мост с текущего вызова и его партнёра, восстанавливая
// независимую обработку аудио (spec.md §4.5: "unbridging restores
// independence").
func (cs *CallSession) Unbridge() {
	cs.mu.Lock()
	peer := cs.bridgedWith
	mine := cs.mediaSess
	cs.bridgedWith = nil
	cs.mu.Unlock()

	if mine != nil {
		mine.ClearRawPacketHandler()
	}
	if peer == nil {
		return
	}

	peer.mu.Lock()
	peer.bridgedWith = nil
	theirs := peer.mediaSess
	peer.mu.Unlock()

	if theirs != nil {
		theirs.ClearRawPacketHandler()
	}
	cs.logger.Info().Str("peer", peer.id).Msg("unbridged")
}
