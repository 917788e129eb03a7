// Package dialog предоставляет SIP диалог менеджмент согласно RFC 3261.
//
// Пакет реализует управление SIP диалогами с поддержкой UAC (User Agent Client)
// и UAS (User Agent Server) ролей. Включает полную поддержку состояний диалога,
// управление транзакциями, REFER для перевода вызовов и thread-safe операции.
//
// Основные компоненты:
//   - Stack: SIP стек для управления диалогами и транспортом
//   - Dialog: представляет SIP диалог с полным жизненным циклом
//   - DialogState: состояния диалога (Init, Trying, Ringing, Established, Terminated)
//
// Пример использования (исходящий вызов):
//
//	stack := NewStack(transports, contactURI, StackConfig{UserAgent: "MyApp/1.0"})
//
//	ctx := context.Background()
//	go stack.Start(ctx)
//
//	targetURI, _ := message.ParseURI("sip:user@example.com")
//	sdpBody := &SimpleBody{contentType: "application/sdp", data: []byte("v=0...")}
//	opts := InviteOpts{Body: sdpBody}
//
//	dialog, err := stack.NewInvite(ctx, targetURI, opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = dialog.(*Dialog).WaitAnswer(ctx)
//	if err != nil {
//		log.Printf("Вызов не удался: %v", err)
//		return
//	}
//
//	log.Printf("Вызов успешно установлен")
//
// Пример использования (входящий вызов):
//
//	stack.OnIncomingDialog(func(dialog IDialog) {
//		go func() {
//			time.Sleep(2 * time.Second) // имитация рингтона
//
//			sdpAnswer := &SimpleBody{contentType: "application/sdp", data: []byte("v=0...")}
//			err := dialog.Accept(context.Background(), func(resp *message.Response) {
//				// тело и Content-Type ответа задаются здесь, через ResponseOpt
//				resp.SetBody(sdpAnswer.Data())
//				resp.SetHeader("Content-Type", sdpAnswer.ContentType())
//			})
//			if err != nil {
//				log.Printf("Ошибка принятия вызова: %v", err)
//			}
//		}()
//	})
package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/voicecore/pkg/sip/message"
	"github.com/looplab/fsm"
)

// DialogState представляет состояние SIP диалога согласно RFC 3261.
//
// Состояния диалога следуют стандартной машине состояний SIP:
//   - Init: начальное состояние перед отправкой/получением INVITE
//   - Trying: исходящий INVITE отправлен, ожидается ответ
//   - Ringing: получен предварительный ответ (180, 183) или входящий вызов
//   - Established: диалог установлен (200 OK + ACK)
//   - Terminated: диалог завершен (BYE, ошибка, таймаут)
//
// Переходы состояний:
//
//	UAC (исходящий): Init → Trying → Ringing → Established → Terminated
//	UAS (входящий): Init → Ringing → Established → Terminated
type DialogState int

const (
	// DialogStateInit - начальное состояние диалога.
	// Диалог создан, но INVITE еще не отправлен/получен.
	DialogStateInit DialogState = iota

	// DialogStateTrying - состояние исходящего вызова (UAC).
	// INVITE отправлен, ожидается предварительный или финальный ответ.
	DialogStateTrying

	// DialogStateRinging - состояние ожидания ответа.
	// Для UAC: получен 180/183 ответ
	// Для UAS: получен INVITE, можно принять или отклонить
	DialogStateRinging

	// DialogStateEstablished - диалог успешно установлен.
	// Получен 200 OK, отправлен ACK, медиа поток активен.
	DialogStateEstablished

	// DialogStateTerminated - диалог завершен.
	// Отправлен/получен BYE, или произошла ошибка, или таймаут.
	DialogStateTerminated
)

// String возвращает строковое представление состояния диалога.
func (s DialogState) String() string {
	switch s {
	case DialogStateInit:
		return "Init"
	case DialogStateTrying:
		return "Trying"
	case DialogStateRinging:
		return "Ringing"
	case DialogStateEstablished:
		return "Established"
	case DialogStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// SimpleBody - простая реализация интерфейса Body для SIP сообщений.
type SimpleBody struct {
	contentType string
	data        []byte
}

// NewBody создает SimpleBody с заданным Content-Type и данными.
func NewBody(contentType string, data []byte) *SimpleBody {
	return &SimpleBody{contentType: contentType, data: data}
}

// ContentType возвращает тип содержимого (Content-Type) тела сообщения.
func (b *SimpleBody) ContentType() string {
	return b.contentType
}

// Data возвращает данные тела сообщения в виде байтового массива.
func (b *SimpleBody) Data() []byte {
	return b.data
}

// Dialog представляет SIP диалог согласно RFC 3261, раздел 12.
//
// Диалог - это peer-to-peer SIP отношение между двумя UA, которое длится
// некоторое время. Он устанавливается через обмен SIP сообщениями (INVITE)
// и идентифицируется комбинацией Call-ID, локального и удаленного тега.
type Dialog struct {
	// Ссылка на стек
	stack *Stack

	// Базовые поля диалога (RFC 3261)
	callID    string
	localTag  string
	remoteTag string
	localSeq  uint32
	remoteSeq uint32

	// Маршрутизация
	routeSet     []*message.URI
	remoteTarget *message.URI
	localContact *message.URI

	// Транзакции и запросы
	inviteTx   clientTx          // для UAC
	serverTx   serverTx          // для UAS
	inviteReq  *message.Request  // исходный INVITE
	inviteResp *message.Response // финальный ответ на INVITE

	// UAC или UAS роль
	isUAC bool

	// FSM для управления состояниями
	fsm *fsm.FSM

	// Текущее состояние
	state DialogState

	// Ключ диалога для идентификации
	key DialogKey

	// Колбэки
	stateChangeCallbacks []func(DialogState)
	bodyCallbacks        []func(Body)
	referHandler         func(*ReferEvent)

	// REFER подписки
	referSubscriptions map[string]*ReferSubscription

	// Время создания
	createdAt time.Time

	// Контекст диалога
	ctx    context.Context
	cancel context.CancelFunc

	// Мьютекс для синхронизации
	mutex sync.RWMutex
}

// IsUAC возвращает true, если диалог является User Agent Client (исходящим вызовом).
func (d *Dialog) IsUAC() bool {
	return d.isUAC
}

// IsUAS возвращает true, если диалог является User Agent Server (входящим вызовом).
func (d *Dialog) IsUAS() bool {
	return !d.isUAC
}

// Key возвращает уникальный ключ диалога для идентификации.
func (d *Dialog) Key() DialogKey {
	return d.key
}

// State возвращает текущее состояние диалога.
func (d *Dialog) State() DialogState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// LocalTag возвращает локальный тег диалога.
func (d *Dialog) LocalTag() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удаленный тег диалога.
func (d *Dialog) RemoteTag() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteTag
}

// Accept принимает входящий INVITE и отправляет 200 OK ответ.
func (d *Dialog) Accept(ctx context.Context, opts ...ResponseOpt) error {
	if d.State() != DialogStateRinging {
		return fmt.Errorf("нельзя принять вызов в состоянии %s", d.State())
	}
	if !d.IsUAS() {
		return fmt.Errorf("accept может быть вызван только для UAS")
	}
	if d.serverTx == nil || d.inviteReq == nil {
		return fmt.Errorf("нет активной INVITE транзакции")
	}

	resp := d.createResponse(d.inviteReq, 200, "OK")

	for _, opt := range opts {
		opt(resp)
	}

	if err := d.serverTx.SendResponse(resp); err != nil {
		return fmt.Errorf("ошибка отправки 200 OK: %w", err)
	}

	d.inviteResp = resp
	if err := d.processResponse(resp); err != nil {
		return err
	}

	d.updateState(DialogStateEstablished)

	return nil
}

// Reject отклоняет входящий INVITE с указанным кодом ответа.
func (d *Dialog) Reject(ctx context.Context, code int, reason string) error {
	if d.State() != DialogStateRinging {
		return fmt.Errorf("нельзя отклонить вызов в состоянии %s", d.State())
	}
	if !d.IsUAS() {
		return fmt.Errorf("reject может быть вызван только для UAS")
	}
	if d.serverTx == nil || d.inviteReq == nil {
		return fmt.Errorf("нет активной INVITE транзакции")
	}

	resp := d.createResponse(d.inviteReq, code, reason)

	if err := d.serverTx.SendResponse(resp); err != nil {
		return fmt.Errorf("ошибка отправки %d %s: %w", code, reason, err)
	}

	d.updateState(DialogStateTerminated)

	if d.stack != nil {
		d.stack.removeDialog(d.key)
	}

	return nil
}

// Refer инициирует перевод вызова (RFC 3515), делегируя построение и
// отправку REFER в refer.go's SendRefer.
func (d *Dialog) Refer(ctx context.Context, target *message.URI, opts ReferOpts) error {
	if d.State() != DialogStateEstablished {
		return fmt.Errorf("нельзя отправить REFER в состоянии %s", d.State())
	}
	return d.SendRefer(ctx, target, &opts)
}

// ReferReplace переводит вызов через замену существующего диалога
// (attended transfer, RFC 3891 Replaces).
func (d *Dialog) ReferReplace(ctx context.Context, replaceDialog IDialog, opts ReferOpts) error {
	if d.State() != DialogStateEstablished {
		return fmt.Errorf("нельзя отправить REFER в состоянии %s", d.State())
	}

	replaceDlg, ok := replaceDialog.(*Dialog)
	if !ok {
		return fmt.Errorf("invalid dialog type for replace")
	}

	return d.SendReferWithReplaces(ctx, replaceDlg.remoteTarget, replaceDialog, &opts)
}

// Bye завершает установленный диалог отправкой BYE запроса.
func (d *Dialog) Bye(ctx context.Context, reason string) error {
	if d.State() != DialogStateEstablished {
		return fmt.Errorf("нельзя завершить вызов в состоянии %s", d.State())
	}

	bye, err := d.buildRequest("BYE")
	if err != nil {
		return fmt.Errorf("ошибка создания BYE: %w", err)
	}

	tx, err := d.stack.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("ошибка отправки BYE: %w", err)
	}

	select {
	case resp, ok := <-tx.Responses():
		if !ok {
			return fmt.Errorf("BYE транзакция завершена без ответа")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("BYE отклонен: %d %s", resp.StatusCode, resp.ReasonPhrase)
		}
	case err := <-tx.Errors():
		return fmt.Errorf("BYE транзакция завершена с ошибкой: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	d.updateState(DialogStateTerminated)

	if d.stack != nil {
		d.stack.removeDialog(d.key)
	}

	return nil
}

// OnStateChange регистрирует колбэк для уведомления о смене состояния диалога.
func (d *Dialog) OnStateChange(f func(DialogState)) {
	d.mutex.Lock()
	d.stateChangeCallbacks = append(d.stateChangeCallbacks, f)
	d.mutex.Unlock()
}

// OnBody регистрирует колбэк для обработки тела SIP сообщений.
func (d *Dialog) OnBody(f func(Body)) {
	d.mutex.Lock()
	d.bodyCallbacks = append(d.bodyCallbacks, f)
	d.mutex.Unlock()
}

// GetReferSubscription возвращает REFER подписку по ID
func (d *Dialog) GetReferSubscription(id string) (*ReferSubscription, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	sub, ok := d.referSubscriptions[id]
	return sub, ok
}

// GetAllReferSubscriptions возвращает все активные REFER подписки
func (d *Dialog) GetAllReferSubscriptions() []*ReferSubscription {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	subs := make([]*ReferSubscription, 0, len(d.referSubscriptions))
	for _, sub := range d.referSubscriptions {
		if sub.active {
			subs = append(subs, sub)
		}
	}
	return subs
}

// WaitRefer ожидает ответ на REFER запрос и создает подписку при успехе.
// Должна вызываться после Refer()/ReferReplace().
func (d *Dialog) WaitRefer(ctx context.Context) (*ReferSubscription, error) {
	d.mutex.RLock()
	var pending *ReferSubscription
	for _, sub := range d.referSubscriptions {
		if sub.GetStatus() == ReferStatusPending {
			pending = sub
			break
		}
	}
	d.mutex.RUnlock()

	if pending == nil {
		return nil, fmt.Errorf("no pending REFER subscription")
	}

	select {
	case status := <-pending.notifyChan:
		switch status {
		case ReferStatusAccepted, ReferStatusTrying, ReferStatusSuccess:
			return pending, nil
		default:
			return nil, fmt.Errorf("REFER rejected: %v", status)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReInvite отправляет re-INVITE для изменения параметров сессии
func (d *Dialog) ReInvite(ctx context.Context, opts InviteOpts) error {
	if d.State() != DialogStateEstablished {
		return fmt.Errorf("can only send re-INVITE in Established state")
	}

	req, err := d.buildRequest("INVITE")
	if err != nil {
		return fmt.Errorf("failed to build re-INVITE: %w", err)
	}

	if opts.Body != nil {
		req.SetBody(opts.Body.Data())
		req.SetHeader("Content-Type", opts.Body.ContentType())
		req.SetHeader("Content-Length", fmt.Sprintf("%d", len(opts.Body.Data())))
	}

	tx, err := d.stack.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send re-INVITE: %w", err)
	}

	var finalResponse *message.Response
loop:
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				break loop
			}
			if res.StatusCode >= 100 && res.StatusCode < 200 {
				continue
			}
			finalResponse = res
			break loop
		case <-tx.Errors():
			break loop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if finalResponse != nil && finalResponse.StatusCode >= 200 && finalResponse.StatusCode < 300 {
		ackReq, err := d.buildACK()
		if err != nil {
			return fmt.Errorf("failed to build ACK: %w", err)
		}
		if err := d.stack.WriteRequest(ackReq); err != nil {
			return fmt.Errorf("failed to send ACK: %w", err)
		}

		if contact := finalResponse.GetHeader("Contact"); contact != "" {
			if contactURI, err := message.ExtractURI(contact); err == nil {
				d.mutex.Lock()
				d.remoteTarget = contactURI
				d.mutex.Unlock()
			}
		}

		return nil
	}

	if finalResponse != nil {
		return fmt.Errorf("re-INVITE rejected: %d %s", finalResponse.StatusCode, finalResponse.ReasonPhrase)
	}

	return fmt.Errorf("no response received for re-INVITE")
}

// Close немедленно завершает диалог без отправки BYE.
func (d *Dialog) Close() error {
	if d.cancel != nil {
		d.cancel()
	}

	d.updateState(DialogStateTerminated)

	// Не удаляем из стека здесь, чтобы избежать deadlock при вызове из
	// Stack.Shutdown, которое уже итерирует по карте диалогов.

	return nil
}

func (d *Dialog) initFSM() {
	d.fsm = fsm.NewFSM(
		DialogStateInit.String(),
		fsm.Events{
			// UAC события (исходящий вызов)
			{Name: "invite", Src: []string{DialogStateInit.String()}, Dst: DialogStateTrying.String()},
			{Name: "ringing", Src: []string{DialogStateTrying.String()}, Dst: DialogStateRinging.String()},
			{Name: "answered", Src: []string{DialogStateRinging.String(), DialogStateTrying.String()}, Dst: DialogStateEstablished.String()},
			{Name: "rejected", Src: []string{DialogStateTrying.String(), DialogStateRinging.String()}, Dst: DialogStateTerminated.String()},

			// UAS события (входящий вызов)
			{Name: "incoming", Src: []string{DialogStateInit.String()}, Dst: DialogStateRinging.String()},
			{Name: "accept", Src: []string{DialogStateRinging.String()}, Dst: DialogStateEstablished.String()},
			{Name: "reject", Src: []string{DialogStateRinging.String()}, Dst: DialogStateTerminated.String()},

			// Общие события
			{Name: "bye", Src: []string{DialogStateEstablished.String()}, Dst: DialogStateTerminated.String()},
			{Name: "terminate", Src: []string{DialogStateTrying.String(), DialogStateRinging.String()}, Dst: DialogStateTerminated.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				d.updateState(d.parseState(e.Dst))
			},
		},
	)
}

// updateState обновляет состояние и вызывает колбэки
func (d *Dialog) updateState(state DialogState) {
	d.mutex.Lock()
	oldState := d.state
	d.state = state
	callbacks := append([]func(DialogState){}, d.stateChangeCallbacks...)
	d.mutex.Unlock()

	if oldState != state {
		for _, cb := range callbacks {
			cb(state)
		}
	}
}

// parseState преобразует строку в DialogState
func (d *Dialog) parseState(stateStr string) DialogState {
	switch stateStr {
	case DialogStateInit.String():
		return DialogStateInit
	case DialogStateTrying.String():
		return DialogStateTrying
	case DialogStateRinging.String():
		return DialogStateRinging
	case DialogStateEstablished.String():
		return DialogStateEstablished
	case DialogStateTerminated.String():
		return DialogStateTerminated
	default:
		return DialogStateInit
	}
}

// notifyBody уведомляет о получении тела сообщения
func (d *Dialog) notifyBody(body Body) {
	d.mutex.RLock()
	callbacks := append([]func(Body){}, d.bodyCallbacks...)
	d.mutex.RUnlock()

	for _, cb := range callbacks {
		cb(body)
	}
}

// WaitAnswer ожидает ответ на INVITE (для UAC)
func (d *Dialog) WaitAnswer(ctx context.Context) error {
	if !d.IsUAC() {
		return fmt.Errorf("WaitAnswer может быть вызван только для UAC")
	}
	if d.inviteTx == nil {
		return fmt.Errorf("нет активной INVITE транзакции")
	}

	for {
		select {
		case resp, ok := <-d.inviteTx.Responses():
			if !ok {
				d.updateState(DialogStateTerminated)
				if d.stack != nil {
					d.stack.removeDialog(d.key)
				}
				return fmt.Errorf("INVITE транзакция завершена без ответа")
			}

			if err := d.processResponse(resp); err != nil {
				return fmt.Errorf("ошибка обработки ответа: %w", err)
			}

			switch {
			case resp.StatusCode >= 100 && resp.StatusCode < 200:
				if resp.StatusCode == 180 || resp.StatusCode == 183 {
					d.updateState(DialogStateRinging)
				}

			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				d.updateState(DialogStateEstablished)

				if body := resp.Body(); len(body) > 0 {
					contentType := resp.GetHeader("Content-Type")
					if contentType == "" {
						contentType = "application/sdp"
					}
					d.notifyBody(&SimpleBody{contentType: contentType, data: body})
				}

				ack, err := d.buildACK()
				if err != nil {
					return fmt.Errorf("ошибка создания ACK: %w", err)
				}

				if err := d.stack.WriteRequest(ack); err != nil {
					return fmt.Errorf("ошибка отправки ACK: %w", err)
				}

				return nil

			default:
				d.updateState(DialogStateTerminated)
				if d.stack != nil {
					d.stack.removeDialog(d.key)
				}
				return fmt.Errorf("вызов отклонен: %d %s", resp.StatusCode, resp.ReasonPhrase)
			}

		case err := <-d.inviteTx.Errors():
			d.updateState(DialogStateTerminated)
			if d.stack != nil {
				d.stack.removeDialog(d.key)
			}
			return fmt.Errorf("INVITE транзакция завершена с ошибкой: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

