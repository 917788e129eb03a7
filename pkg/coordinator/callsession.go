package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/voicecore/pkg/dialog"
	"github.com/arzzra/voicecore/pkg/media"
)

// callTransitions описывает таблицу переходов состояний вызова согласно
// spec.md §4.5. Несколько записей с общим Name и непересекающимися Src —
// идиома looplab/fsm, подтверждённая в pkg/dialog/dialog.go:initFSM и
// pkg/dialog/tx.go (initInviteClientFSM и соседние фабрики).
var callTransitions = fsm.Events{
	{Name: string(EventMakeCall), Src: []string{string(StateIdle)}, Dst: string(StateInitiating)},
	{Name: string(EventIncomingCall), Src: []string{string(StateIdle)}, Dst: string(StateRinging)},

	{Name: string(EventDialogEstablished), Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateEarlyMedia)},
	{Name: string(EventSdpOfferReceived), Src: []string{string(StateEarlyMedia), string(StateRinging)}, Dst: string(StateEarlyMedia)},
	{Name: string(EventSdpAnswerReceived), Src: []string{string(StateEarlyMedia), string(StateInitiating)}, Dst: string(StateEarlyMedia)},

	{Name: string(EventAcceptCall), Src: []string{string(StateRinging), string(StateEarlyMedia)}, Dst: string(StateEarlyMedia)},
	{Name: string(EventRejectCall), Src: []string{string(StateRinging)}, Dst: string(StateTerminating)},

	{Name: string(EventMediaFlowEstablished), Src: []string{string(StateEarlyMedia)}, Dst: string(StateActive)},

	{Name: string(EventHoldCall), Src: []string{string(StateActive)}, Dst: string(StateOnHold)},
	{Name: string(EventResumeCall), Src: []string{string(StateOnHold)}, Dst: string(StateActive)},

	{Name: string(EventBlindTransfer), Src: []string{string(StateActive), string(StateOnHold)}, Dst: string(StateTransferring)},
	{Name: string(EventAttendedTransfer), Src: []string{string(StateActive), string(StateOnHold)}, Dst: string(StateTransferring)},
	{Name: string(EventDialogTerminated), Src: []string{string(StateTransferring)}, Dst: string(StateTerminated)},

	{Name: string(EventSendDTMF), Src: []string{string(StateActive)}, Dst: string(StateActive)},

	{Name: string(EventHangupCall), Src: []string{
		string(StateInitiating), string(StateRinging), string(StateEarlyMedia),
		string(StateActive), string(StateOnHold), string(StateTransferring),
	}, Dst: string(StateTerminating)},

	{Name: string(EventDialogTerminated), Src: []string{
		string(StateInitiating), string(StateRinging), string(StateEarlyMedia),
		string(StateActive), string(StateOnHold), string(StateTerminating),
	}, Dst: string(StateTerminated)},

	{Name: string(EventTransportError), Src: []string{
		string(StateInitiating), string(StateRinging), string(StateEarlyMedia),
		string(StateActive), string(StateOnHold), string(StateTransferring),
	}, Dst: string(StateFailed)},
}

// actionFunc выполняет побочный эффект перехода (отправка INVITE/BYE/REFER,
// пересборка SDP, запуск/остановка медиа сессии). Ошибка action-а не
// откатывает уже состоявшийся переход FSM — она логируется и возвращается
// вызывающему, как и в тизере pkg/dialog, где ошибки сетевого слоя не
// откатывают FSM диалога.
type actionFunc func(cs *CallSession, ctx context.Context, args *ActionArgs) error

// ActionArgs несёт параметры конкретного вызова события — то, что в
// программном API (spec.md §6) передаётся как аргумент метода
// (to/from/sdp, reason, target, digits, etc).
type ActionArgs struct {
	Target    string
	From      string
	SDP       string
	Reason    string
	Attended  bool
	ReplaceOf *CallSession
	Digits    string
	Other     *CallSession
}

// actionsByEvent сопоставляет событие своему действию. Вызывается из
// единственного "after_event" колбэка, аналогично pkg/dialog/dialog.go:
// initFSM's "after_event": func(ctx, e) { d.updateState(...) }.
var actionsByEvent = map[CallEvent]actionFunc{
	EventMakeCall:          (*CallSession).doMakeCall,
	EventAcceptCall:        (*CallSession).doAccept,
	EventRejectCall:        (*CallSession).doReject,
	EventHangupCall:        (*CallSession).doHangup,
	EventHoldCall:          (*CallSession).doHold,
	EventResumeCall:        (*CallSession).doResume,
	EventBlindTransfer:     (*CallSession).doBlindTransfer,
	EventAttendedTransfer:  (*CallSession).doAttendedTransfer,
	EventSendDTMF:          (*CallSession).doSendDTMF,
}

// CallSession — один звонок, связывающий SIP диалог и медиа сессию под
// управлением FSM согласно spec.md §3 (Call Session) / §4.5.
type CallSession struct {
	id   string
	role Role
	coo  *Coordinator

	mu               sync.Mutex
	machine          *fsm.FSM
	d                dialog.IDialog
	mediaInfo        string // sessionID в manager_media
	mediaSess        media.MediaSessionInterface
	bridgedWith      *CallSession
	pendingRemoteSDP string

	logger zerolog.Logger
}

func newCallSession(c *Coordinator, id string, role Role, d dialog.IDialog) *CallSession {
	cs := &CallSession{
		id:   id,
		role: role,
		coo:  c,
		d:    d,
	}
	cs.logger = c.logger.With().Str("session_id", id).Str("role", role.String()).Logger()
	cs.machine = fsm.NewFSM(string(StateIdle), callTransitions, fsm.Callbacks{
		"after_event": func(_ context.Context, e *fsm.Event) {
			cs.logger.Debug().
				Str("event", e.Event).
				Str("src", e.Src).
				Str("dst", e.Dst).
				Msg("call session transition")
		},
	})
	return cs
}

func (cs *CallSession) log() *zerolog.Logger { return &cs.logger }

// ID возвращает идентификатор сессии вызова.
func (cs *CallSession) ID() string { return cs.id }

// State возвращает текущее состояние вызова.
func (cs *CallSession) State() CallState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return CallState(cs.machine.Current())
}

// Dialog возвращает связанный SIP диалог.
func (cs *CallSession) Dialog() dialog.IDialog { return cs.d }

// MediaSession возвращает связанную медиа сессию, если она уже создана.
func (cs *CallSession) MediaSession() media.MediaSessionInterface { return cs.mediaSess }

// fire проводит событие через FSM и, при успешном переходе, выполняет
// связанное действие. Недопустимые переходы (fsm.InvalidEventError) не
// паникуют — они логируются как предупреждение и возвращаются вызывающему
// как ErrNoSuchTransition (spec.md §4.5: "unknown events in a state are
// ignored with an audit log, not panics"). Переход в то же состояние
// (fsm.NoTransitionError) считается успешным и выполняет действие.
func (cs *CallSession) fire(ctx context.Context, event CallEvent, args *ActionArgs) error {
	cs.mu.Lock()
	err := cs.machine.Event(ctx, string(event))
	cs.mu.Unlock()

	if err != nil {
		if _, ok := err.(fsm.InvalidEventError); ok {
			cs.logger.Warn().Str("event", string(event)).Str("state", string(cs.State())).
				Msg("event ignored: no transition from current state")
			return fmt.Errorf("%w: %s from %s", ErrNoSuchTransition, event, cs.State())
		}
		if _, ok := err.(fsm.NoTransitionError); ok {
			// Переход в то же состояние (например, повторный SendDTMF) — не ошибка.
			err = nil
		} else {
			cs.logger.Warn().Err(err).Str("event", string(event)).Msg("transition error")
			return err
		}
	}

	cs.coo.notify(cs.id, event, cs.State())

	if action, ok := actionsByEvent[event]; ok {
		if aerr := action(cs, ctx, args); aerr != nil {
			cs.logger.Error().Err(aerr).Str("event", string(event)).Msg("action failed")
			return aerr
		}
	}
	return nil
}

func (cs *CallSession) onDialogStateChange(st dialog.DialogState) {
	ctx := context.Background()
	switch st {
	case dialog.DialogStateTrying:
		// already Initiating/Ringing, no-op.
	case dialog.DialogStateRinging:
		_ = cs.fire(ctx, EventDialogEstablished, nil)
	case dialog.DialogStateEstablished:
		_ = cs.fire(ctx, EventDialogEstablished, nil)
	case dialog.DialogStateTerminated:
		_ = cs.fire(ctx, EventDialogTerminated, nil)
		cs.coo.removeSession(cs.id)
	}
}

func (cs *CallSession) onDialogBody(b dialog.Body) {
	if b == nil || b.ContentType() != "application/sdp" {
		return
	}
	ctx := context.Background()
	sdp := string(b.Data())
	switch cs.role {
	case RoleUAC:
		if err := cs.handleRemoteAnswer(sdp); err != nil {
			cs.logger.Warn().Err(err).Msg("failed to apply remote SDP answer")
		}
		_ = cs.fire(ctx, EventSdpAnswerReceived, &ActionArgs{SDP: sdp})
	default:
		cs.mu.Lock()
		cs.pendingRemoteSDP = sdp
		cs.mu.Unlock()
		_ = cs.fire(ctx, EventSdpOfferReceived, &ActionArgs{SDP: sdp})
	}
}
