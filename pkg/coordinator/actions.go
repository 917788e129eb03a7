package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/voicecore/pkg/dialog"
	"github.com/arzzra/voicecore/pkg/media"
	"github.com/arzzra/voicecore/pkg/sip/message"
)

// doMakeCall отправляет исходящий INVITE через SIP стек (UAC сторона).
// Грунтовано на pkg/dialog.IStack.NewInvite + InviteOpts.Body как
// единственный способ инициировать диалог в teacher-интерфейсе.
func (cs *CallSession) doMakeCall(ctx context.Context, args *ActionArgs) error {
	if args == nil || args.Target == "" {
		return fmt.Errorf("coordinator: MakeCall requires a target URI")
	}
	target, err := message.ParseURI(args.Target)
	if err != nil {
		return fmt.Errorf("coordinator: invalid target URI %q: %w", args.Target, err)
	}

	sdp := args.SDP
	if sdp == "" {
		var err error
		sdp, err = cs.ensureOffer()
		if err != nil {
			return err
		}
	}
	opts := dialog.InviteOpts{Body: sdpBody(sdp)}

	d, err := cs.coo.stack.NewInvite(ctx, target, opts)
	if err != nil {
		return fmt.Errorf("coordinator: NewInvite: %w", err)
	}
	cs.mu.Lock()
	cs.d = d
	cs.mu.Unlock()

	d.OnStateChange(func(st dialog.DialogState) { cs.onDialogStateChange(st) })
	d.OnBody(func(b dialog.Body) { cs.onDialogBody(b) })
	return nil
}

// doAccept отвечает 200 OK на входящий вызов и поднимает медиа сессию по
// локальному SDP ответу, используя уже полученный offer (spec.md §4.6
// update(dialog_id, remote_sdp)).
func (cs *CallSession) doAccept(ctx context.Context, args *ActionArgs) error {
	var sdp string
	if args != nil {
		sdp = args.SDP
	}
	if sdp == "" {
		cs.mu.Lock()
		offer := cs.pendingRemoteSDP
		cs.mu.Unlock()
		if offer != "" {
			answer, err := cs.handleRemoteOffer(offer)
			if err != nil {
				return err
			}
			sdp = answer
		}
	}
	opts := []dialog.ResponseOpt{}
	if sdp != "" {
		opts = append(opts, func(resp *message.Response) {
			resp.SetBody([]byte(sdp))
			resp.SetHeader("Content-Type", "application/sdp")
		})
	}
	if err := cs.d.Accept(ctx, opts...); err != nil {
		return err
	}
	if cs.mediaSess != nil {
		_ = cs.fire(ctx, EventMediaFlowEstablished, nil)
	}
	return nil
}

// doReject отклоняет входящий вызов заданным кодом/причиной (spec.md §6
// reject(reason)). Код по умолчанию 486 Busy Here, если не указан явно
// через Reason в формате "<code> <text>".
func (cs *CallSession) doReject(ctx context.Context, args *ActionArgs) error {
	code, reason := 486, "Busy Here"
	if args != nil && args.Reason != "" {
		reason = args.Reason
		if parts := strings.SplitN(args.Reason, " ", 2); len(parts) == 2 {
			if n, err := strconv.Atoi(parts[0]); err == nil && n >= 300 && n <= 699 {
				code, reason = n, parts[1]
			}
		}
	}
	return cs.d.Reject(ctx, code, reason)
}

// doHangup завершает диалог (BYE) и останавливает связанную медиа сессию.
func (cs *CallSession) doHangup(ctx context.Context, args *ActionArgs) error {
	reason := "normal clearing"
	if args != nil && args.Reason != "" {
		reason = args.Reason
	}
	cs.Unbridge()
	if cs.mediaSess != nil {
		_ = cs.mediaSess.Stop()
	}
	if cs.mediaInfo != "" {
		_ = cs.coo.media.CloseSession(cs.mediaInfo)
	}
	return cs.d.Bye(ctx, reason)
}

// doHold переводит медиа сессию в направление sendonly, не завершая диалог.
// re-INVITE с новым направлением пиру не отправляется: меняется только
// локальная медиа сессия.
func (cs *CallSession) doHold(ctx context.Context, args *ActionArgs) error {
	if cs.mediaSess != nil {
		return cs.mediaSess.SetDirection(media.DirectionSendOnly)
	}
	return nil
}

// doResume восстанавливает двунаправленный медиапоток после hold.
func (cs *CallSession) doResume(ctx context.Context, args *ActionArgs) error {
	if cs.mediaSess != nil {
		return cs.mediaSess.SetDirection(media.DirectionSendRecv)
	}
	return nil
}

// doBlindTransfer отправляет REFER без замены диалога (spec.md §6
// transfer(target, attended=false)).
func (cs *CallSession) doBlindTransfer(ctx context.Context, args *ActionArgs) error {
	if args == nil || args.Target == "" {
		return fmt.Errorf("coordinator: BlindTransfer requires a target URI")
	}
	target, err := message.ParseURI(args.Target)
	if err != nil {
		return fmt.Errorf("coordinator: invalid transfer target %q: %w", args.Target, err)
	}
	return cs.d.Refer(ctx, target, dialog.ReferOpts{})
}

// doAttendedTransfer отправляет REFER с Replaces на диалог консультационного
// звонка (spec.md §6 transfer(target, attended=true)).
func (cs *CallSession) doAttendedTransfer(ctx context.Context, args *ActionArgs) error {
	if args == nil || args.ReplaceOf == nil {
		return fmt.Errorf("coordinator: AttendedTransfer requires a consultation call to replace")
	}
	return cs.d.ReferReplace(ctx, args.ReplaceOf.d, dialog.ReferOpts{})
}

// doSendDTMF проигрывает цепочку DTMF цифр через медиа сессию
// (spec.md §6 send_dtmf(digits), RFC 4733 через pkg/media.DTMFDigit).
func (cs *CallSession) doSendDTMF(ctx context.Context, args *ActionArgs) error {
	if cs.mediaSess == nil || args == nil {
		return nil
	}
	for _, r := range args.Digits {
		digit, ok := parseDTMFDigit(r)
		if !ok {
			cs.logger.Warn().Str("digit", string(r)).Msg("unsupported DTMF digit, skipped")
			continue
		}
		if err := cs.mediaSess.SendDTMF(digit, dtmfDefaultDuration); err != nil {
			return fmt.Errorf("coordinator: SendDTMF %q: %w", string(r), err)
		}
	}
	return nil
}

const dtmfDefaultDuration = 100_000_000 // 100ms в наносекундах, как media.DefaultDTMFDuration (pkg/media/session.go)

func parseDTMFDigit(r rune) (media.DTMFDigit, bool) {
	switch r {
	case '0':
		return media.DTMF0, true
	case '1':
		return media.DTMF1, true
	case '2':
		return media.DTMF2, true
	case '3':
		return media.DTMF3, true
	case '4':
		return media.DTMF4, true
	case '5':
		return media.DTMF5, true
	case '6':
		return media.DTMF6, true
	case '7':
		return media.DTMF7, true
	case '8':
		return media.DTMF8, true
	case '9':
		return media.DTMF9, true
	case '*':
		return media.DTMFStar, true
	case '#':
		return media.DTMFPound, true
	case 'a', 'A':
		return media.DTMFA, true
	case 'b', 'B':
		return media.DTMFB, true
	case 'c', 'C':
		return media.DTMFC, true
	case 'd', 'D':
		return media.DTMFD, true
	default:
		return 0, false
	}
}

// sdpBody реализует dialog.Body поверх обычной строки SDP — грунтовано на
// pkg/dialog's Body интерфейс (ContentType/Data), используемое тестами
// fake_transport_test.go под именем SimpleBody.
type sdpBody string

func (b sdpBody) ContentType() string { return "application/sdp" }
func (b sdpBody) Data() []byte        { return []byte(b) }
