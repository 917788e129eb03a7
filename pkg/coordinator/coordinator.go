// Package coordinator реализует координатор вызовов (Session Coordinator,
// spec.md §4.5): декларативную таблицу состояний звонка поверх
// github.com/looplab/fsm, управляющую парой Dialog/MediaSession и
// экспонирующую программный API вызова (make_call/accept/reject/hangup/
// hold/resume/transfer/send_dtmf/bridge/on_event) поверх pkg/dialog и
// pkg/manager_media.
//
// Grounded on the (state,event)->(callbacks) FSM shape of
// pkg/dialog/dialog.go:initFSM and pkg/dialog/tx.go's per-transaction-type
// tables in the teacher repo, generalized from a 5-state dialog FSM to the
// 10-state call-session table spec.md §3/§4.5 describes.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/voicecore/pkg/dialog"
	"github.com/arzzra/voicecore/pkg/manager_media"
)

// CallState перечисляет состояния вызова согласно spec.md §3 (Call Session).
type CallState string

const (
	StateIdle         CallState = "Idle"
	StateInitiating   CallState = "Initiating"
	StateRinging      CallState = "Ringing"
	StateEarlyMedia   CallState = "EarlyMedia"
	StateActive       CallState = "Active"
	StateOnHold       CallState = "OnHold"
	StateTransferring CallState = "Transferring"
	StateTerminating  CallState = "Terminating"
	StateTerminated   CallState = "Terminated"
	StateFailed       CallState = "Failed"
)

// CallEvent перечисляет события таблицы переходов согласно spec.md §4.5.
type CallEvent string

const (
	EventMakeCall            CallEvent = "MakeCall"
	EventIncomingCall        CallEvent = "IncomingCall"
	EventAcceptCall          CallEvent = "AcceptCall"
	EventRejectCall          CallEvent = "RejectCall"
	EventHangupCall          CallEvent = "HangupCall"
	EventHoldCall            CallEvent = "HoldCall"
	EventResumeCall          CallEvent = "ResumeCall"
	EventBlindTransfer       CallEvent = "BlindTransfer"
	EventAttendedTransfer    CallEvent = "AttendedTransfer"
	EventSendDTMF            CallEvent = "SendDTMF"
	EventSdpOfferReceived    CallEvent = "SdpOfferReceived"
	EventSdpAnswerReceived   CallEvent = "SdpAnswerReceived"
	EventMediaFlowEstablished CallEvent = "MediaFlowEstablished"
	EventDialogEstablished   CallEvent = "DialogEstablished"
	EventDialogTerminated    CallEvent = "DialogTerminated"
	EventTransportError      CallEvent = "TransportError"
)

// Role — чья это сторона вызова (UAC/UAS). Определяет, как обрабатывается
// полученное SDP тело (answer для UAC, offer для UAS); таблица переходов
// callTransitions роль не проверяет, guard-ов в ней нет.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAC {
		return "UAC"
	}
	return "UAS"
}

// Registered codes returned to callers when a requested transition is illegal
// from the current state, or when ownership/precondition guards reject it.
var (
	// ErrNoSuchTransition сигнализирует, что событие не определено из
	// текущего состояния — unknown events in a state are ignored with an
	// audit log, not panics (spec.md §4.5).
	ErrNoSuchTransition = fmt.Errorf("coordinator: no transition for event from current state")

	// ErrGuardRejected обозначает отказ guard-а (например, недостаточная
	// роль для данного действия). Переходы этого пакета его не возвращают.
	ErrGuardRejected = fmt.Errorf("coordinator: guard rejected transition")

	// ErrSessionNotFound возвращается при обращении к несуществующей сессии.
	ErrSessionNotFound = fmt.Errorf("coordinator: call session not found")
)

// EventHandler получает уведомления о событиях координатора через on_event.
type EventHandler func(sessionID string, event CallEvent, state CallState)

// Coordinator владеет множеством CallSession и связывает их с SIP и медиа
// слоями. Один Coordinator соответствует одному SIP UA/софтфону.
type Coordinator struct {
	stack  dialog.IStack
	media  manager_media.MediaManagerInterface
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*CallSession

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// New создаёт координатор поверх уже запущенного SIP стека и медиа менеджера.
func New(stack dialog.IStack, media manager_media.MediaManagerInterface, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		stack:    stack,
		media:    media,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		sessions: make(map[string]*CallSession),
	}
	stack.OnIncomingDialog(c.handleIncomingDialog)
	return c
}

// OnEvent регистрирует колбэк, вызываемый при каждом событии любой сессии
// координатора (spec.md §6 `on_event(callback)`).
func (c *Coordinator) OnEvent(h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Coordinator) notify(sessionID string, event CallEvent, state CallState) {
	c.handlersMu.RLock()
	handlers := append([]EventHandler{}, c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(sessionID, event, state)
	}
}

// Session возвращает CallSession по идентификатору.
func (c *Coordinator) Session(sessionID string) (*CallSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.sessions[sessionID]
	return cs, ok
}

func (c *Coordinator) addSession(cs *CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[cs.id] = cs
}

func (c *Coordinator) removeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// newSessionID генерирует идентификатор вызова. Грунтован на использовании
// google/uuid в остальном пакете pkg/manager_media/pkg/sip для session ID.
func newSessionID() string {
	return uuid.NewString()
}

func (c *Coordinator) handleIncomingDialog(d dialog.IDialog) {
	cs := newCallSession(c, newSessionID(), RoleUAS, d)
	c.addSession(cs)
	cs.log().Info().Str("call_id", d.Key().CallID).Msg("incoming call")

	d.OnStateChange(func(st dialog.DialogState) { cs.onDialogStateChange(st) })
	d.OnBody(func(b dialog.Body) { cs.onDialogBody(b) })

	if err := cs.fire(context.Background(), EventIncomingCall, nil); err != nil {
		cs.log().Warn().Err(err).Msg("IncomingCall transition rejected")
	}

	c.notify(cs.id, EventIncomingCall, cs.State())
}
