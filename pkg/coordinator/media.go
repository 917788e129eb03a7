package coordinator

import (
	"context"
	"fmt"

	"github.com/arzzra/voicecore/pkg/manager_media"
	"github.com/arzzra/voicecore/pkg/media"
)

// defaultConstraints задаёт набор аудио кодеков по умолчанию для
// CreateOffer/CreateAnswer, грунтован на manager_media.SessionConstraints,
// отражающий кодеки, зарегистрированные в pkg/codec (registry.go).
func defaultConstraints() manager_media.SessionConstraints {
	return manager_media.SessionConstraints{
		AudioEnabled:   true,
		AudioCodecs:    []string{"PCMU", "PCMA", "G722"},
		AudioDirection: manager_media.DirectionSendRecv,
		AudioPtime:     20,
	}
}

// ensureOffer создаёт локальное SDP-предложение через менеджер медиа сессий,
// если вызывающий не предоставил собственный SDP (spec.md §4.6
// start(dialog_id, config)).
func (cs *CallSession) ensureOffer() (string, error) {
	info, sdpOffer, err := cs.coo.media.CreateOffer(defaultConstraints())
	if err != nil {
		return "", fmt.Errorf("coordinator: CreateOffer: %w", err)
	}
	cs.attachMediaInfo(info.SessionID, info.MediaSession)
	return sdpOffer, nil
}

// attachMediaInfo связывает CallSession с уже созданной медиа сессией
// (spec.md §4.6 update(dialog_id, remote_sdp) после успешного SDP обмена).
func (cs *CallSession) attachMediaInfo(sessionID string, ms media.MediaSessionInterface) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.mediaInfo = sessionID
	cs.mediaSess = ms
}

// handleRemoteOffer принимает удалённый SDP offer (входящий вызов) и
// строит локальный ответ, создавая медиа сессию в процессе.
func (cs *CallSession) handleRemoteOffer(remoteSDP string) (string, error) {
	info, err := cs.coo.media.CreateSessionFromSDP(remoteSDP)
	if err != nil {
		return "", fmt.Errorf("coordinator: CreateSessionFromSDP: %w", err)
	}
	answer, err := cs.coo.media.CreateAnswer(info.SessionID, defaultConstraints())
	if err != nil {
		return "", fmt.Errorf("coordinator: CreateAnswer: %w", err)
	}
	cs.attachMediaInfo(info.SessionID, info.MediaSession)
	return answer, nil
}

// handleRemoteAnswer завершает SDP обмен на стороне UAC, обновляя уже
// созданную оффером медиа сессию удалённым answer.
func (cs *CallSession) handleRemoteAnswer(remoteSDP string) error {
	cs.mu.Lock()
	sessionID := cs.mediaInfo
	cs.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("coordinator: no local media session to update with remote answer")
	}
	if err := cs.coo.media.UpdateSession(sessionID, remoteSDP); err != nil {
		return err
	}
	_ = cs.fire(context.Background(), EventMediaFlowEstablished, nil)
	return nil
}
