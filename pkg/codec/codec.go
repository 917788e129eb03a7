// Package codec определяет контракт кодеков аудио для медиа слоя софтфона:
// кодирование линейного PCM в payload конкретного кодека и обратно.
package codec

import "errors"

// Частоты дискретизации и размеры кадров, общие для телефонных кодеков.
const (
	SampleRate8kHz  = 8000
	SampleRate16kHz = 16000
)

var (
	// ErrInvalidFrameSize возвращается, когда переданный PCM буфер не кратен
	// размеру кадра кодека (frame_size сэмплов).
	ErrInvalidFrameSize = errors.New("codec: invalid frame size")

	// ErrBufferTooSmall возвращается, когда буфер назначения недостаточен для
	// результата Encode/Decode.
	ErrBufferTooSmall = errors.New("codec: destination buffer too small")
)

// Info описывает статические параметры кодека.
type Info struct {
	Name        string // имя кодека, как в SDP rtpmap (PCMU, PCMA, G722, G729)
	PayloadType uint8  // статический RTP payload type (255 если динамический)
	ClockRate   uint32 // клок для RTP timestamp (может отличаться от реальной частоты дискретизации, см. G.722)
	SampleRate  uint32 // реальная частота дискретизации входного PCM
	Channels    uint8
	FrameSamples int // число 16-bit сэмплов PCM, соответствующих одному закодированному кадру
	FrameBytes   int // размер закодированного кадра в байтах
}

// Codec кодирует/декодирует один канал 16-bit linear PCM (little-endian, как
// использует остальной pkg/media) в payload кодека и обратно.
//
// Реализации не обязаны быть потокобезопасными — каждая MediaSession держит
// собственный экземпляр на направление (encode/decode).
type Codec interface {
	// Encode кодирует один кадр PCM (FrameSamples сэмплов, 2*FrameSamples байт,
	// little-endian int16) в payload кодека. len(pcm) должен быть кратен
	// 2*FrameSamples, иначе возвращается ErrInvalidFrameSize.
	Encode(pcm []byte) ([]byte, error)

	// Decode декодирует payload кодека обратно в linear PCM. len(payload)
	// должен быть кратен размеру кадра кодека в байтах.
	Decode(payload []byte) ([]byte, error)

	// Reset сбрасывает внутреннее состояние адаптивного предиктора/квантователя.
	// Обязателен к вызову после потери пакетов, иначе последующие кадры
	// декодируются с рассинхронизированным состоянием.
	Reset()

	// Info возвращает статические параметры кодека.
	Info() Info

	// FrameSize возвращает число PCM сэмплов в одном кадре кодека.
	FrameSize() int

	// SupportsVariableFrameSize сообщает, принимает ли кодек кадры размера,
	// отличного от FrameSize() (G.711 — да, кратно 1 сэмплу; G.722 — да,
	// любое чётное число сэмплов; G.729 — нет, только кратно целому кадру).
	SupportsVariableFrameSize() bool

	// EncodeToBuffer — вариант Encode без аллокаций: пишет результат в dst и
	// возвращает число записанных байт. Возвращает ErrBufferTooSmall, если
	// len(dst) недостаточен для результата.
	EncodeToBuffer(pcm []byte, dst []byte) (int, error)

	// DecodeToBuffer — вариант Decode без аллокаций, симметричный EncodeToBuffer.
	DecodeToBuffer(payload []byte, dst []byte) (int, error)
}

// EncodeViaBuffer is a shared EncodeToBuffer implementation built on top of
// Encode, for codecs without a specialized zero-alloc path.
func EncodeViaBuffer(c Codec, pcm []byte, dst []byte) (int, error) {
	encoded, err := c.Encode(pcm)
	if err != nil {
		return 0, err
	}
	if len(dst) < len(encoded) {
		return 0, ErrBufferTooSmall
	}
	return copy(dst, encoded), nil
}

// DecodeViaBuffer is the Decode-side counterpart of EncodeViaBuffer.
func DecodeViaBuffer(c Codec, payload []byte, dst []byte) (int, error) {
	decoded, err := c.Decode(payload)
	if err != nil {
		return 0, err
	}
	if len(dst) < len(decoded) {
		return 0, ErrBufferTooSmall
	}
	return copy(dst, decoded), nil
}

// Factory создаёт новый экземпляр кодека. Кодеки с адаптивным состоянием
// (G.722, G.729) требуют раздельных экземпляров для encode и decode сторон.
type Factory func() Codec

// PacketLossConcealer — опциональный интерфейс для кодеков, которые умеют
// скрывать потерю кадра без явного payload (G.729: attenuated repetition of
// last subframe). Кодеки без собственного PLC (G.711, G.722) его не реализуют;
// вызывающая сторона в таком случае должна сама решить, что делать с пропуском
// (например, вставить тишину).
type PacketLossConcealer interface {
	// ConcealLoss возвращает один кадр PCM, синтезированный взамен
	// утраченного, и продвигает внутреннее состояние кодека так же, как если
	// бы этот кадр был декодирован по-настоящему.
	ConcealLoss() []byte
}
