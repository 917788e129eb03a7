package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/voicecore/pkg/codec"
)

// AudioProcessorConfig настраивает кодирование/декодирование одной медиа
// сессии для конкретного payload типа.
type AudioProcessorConfig struct {
	PayloadType PayloadType
	Ptime       time.Duration
	SampleRate  uint32
	Channels    uint8
}

// AudioProcessorStatistics отражает счётчики кодирования/декодирования,
// собираемые AudioProcessor.GetStatistics для диагностики аудио пайплайна.
type AudioProcessorStatistics struct {
	FramesEncoded uint64
	FramesDecoded uint64
	EncodeErrors  uint64
	DecodeErrors  uint64
}

// AudioProcessor кодирует исходящий linear PCM в payload текущего кодека
// сессии (pkg/codec) и декодирует входящий payload обратно в PCM. Если для
// payload типа не зарегистрирован кодек (GSM, G.728 — вне SPEC_FULL.md), он
// пропускает данные как есть, сохраняя прежнее поведение "только учёт"
// для неподдерживаемых форматов.
type AudioProcessor struct {
	mu     sync.Mutex
	config AudioProcessorConfig

	encoder codec.Codec
	decoder codec.Codec

	frameBytesPCM int // размер кадра PCM в байтах (0 если кодек отсутствует)
	frameBytesEnc int // размер кадра в закодированном виде

	stats AudioProcessorStatistics
}

// NewAudioProcessor создаёт процессор для заданной конфигурации. Кодер и
// декодер — раздельные экземпляры кодека, поскольку и G.722, и G.729
// несут адаптивное состояние предиктора/квантователя, которое не должно
// смешиваться между направлениями.
func NewAudioProcessor(cfg AudioProcessorConfig) *AudioProcessor {
	ap := &AudioProcessor{config: cfg}
	ap.initCodec()
	return ap
}

func (ap *AudioProcessor) initCodec() {
	ap.encoder = nil
	ap.decoder = nil
	ap.frameBytesPCM = 0
	ap.frameBytesEnc = 0

	c, err := codec.ForPayloadType(ap.config.PayloadType)
	if err != nil {
		// Кодек не зарегистрирован (например GSM/G.728) — passthrough.
		return
	}
	info := c.Info()
	ap.encoder = c
	ap.decoder, _ = codec.ForPayloadType(ap.config.PayloadType)
	ap.frameBytesPCM = info.FrameSamples * 2
	ap.frameBytesEnc = info.FrameBytes
}

// ProcessOutgoing кодирует linear PCM (little-endian int16) в payload
// текущего кодека сессии. pcm должен состоять из целого числа кадров кодека;
// при отсутствии зарегистрированного кодека данные возвращаются без изменений.
func (ap *AudioProcessor) ProcessOutgoing(pcm []byte) ([]byte, error) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if ap.encoder == nil {
		return pcm, nil
	}
	if ap.frameBytesPCM == 0 || len(pcm)%ap.frameBytesPCM != 0 {
		ap.stats.EncodeErrors++
		return nil, fmt.Errorf("audio processor: %w: have %d bytes, frame is %d bytes",
			codec.ErrInvalidFrameSize, len(pcm), ap.frameBytesPCM)
	}

	out := make([]byte, 0, (len(pcm)/ap.frameBytesPCM)*ap.frameBytesEnc)
	for off := 0; off < len(pcm); off += ap.frameBytesPCM {
		encoded, err := ap.encoder.Encode(pcm[off : off+ap.frameBytesPCM])
		if err != nil {
			ap.stats.EncodeErrors++
			return nil, fmt.Errorf("audio processor: encode frame: %w", err)
		}
		out = append(out, encoded...)
		ap.stats.FramesEncoded++
	}

	return out, nil
}

// ProcessIncoming декодирует payload RTP пакета в linear PCM.
func (ap *AudioProcessor) ProcessIncoming(payload []byte) ([]byte, error) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if ap.decoder == nil {
		return payload, nil
	}
	if len(payload) == 0 {
		if plc, ok := ap.decoder.(codec.PacketLossConcealer); ok {
			ap.stats.FramesDecoded++
			return plc.ConcealLoss(), nil
		}
		return nil, nil
	}
	if ap.frameBytesEnc == 0 || len(payload)%ap.frameBytesEnc != 0 {
		ap.stats.DecodeErrors++
		return nil, fmt.Errorf("audio processor: %w: have %d bytes, frame is %d bytes",
			codec.ErrInvalidFrameSize, len(payload), ap.frameBytesEnc)
	}

	out := make([]byte, 0, (len(payload)/ap.frameBytesEnc)*ap.frameBytesPCM)
	for off := 0; off < len(payload); off += ap.frameBytesEnc {
		decoded, err := ap.decoder.Decode(payload[off : off+ap.frameBytesEnc])
		if err != nil {
			ap.stats.DecodeErrors++
			return nil, fmt.Errorf("audio processor: decode frame: %w", err)
		}
		out = append(out, decoded...)
		ap.stats.FramesDecoded++
	}

	return out, nil
}

// Reset сбрасывает адаптивное состояние кодека, обычно после обнаружения
// потери пакетов jitter buffer'ом.
func (ap *AudioProcessor) Reset() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.encoder != nil {
		ap.encoder.Reset()
	}
	if ap.decoder != nil {
		ap.decoder.Reset()
	}
}

// SetPayloadType переключает кодек сессии на новый payload type, полностью
// пересоздавая encoder/decoder состояние (адаптивные кодеки не могут
// продолжать работу с предиктором другого кодека).
func (ap *AudioProcessor) SetPayloadType(payloadType PayloadType, sampleRate uint32) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.config.PayloadType = payloadType
	ap.config.SampleRate = sampleRate
	ap.initCodec()
}

// SetPtime обновляет время пакетизации. Сам кодек работает покадрово
// независимо от ptime — ptime определяет, сколько кадров кодека помещается
// в один RTP пакет (см. MediaSession.GetExpectedPayloadSize).
func (ap *AudioProcessor) SetPtime(ptime time.Duration) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.config.Ptime = ptime
}

// GetStatistics возвращает снимок счётчиков кодирования/декодирования.
func (ap *AudioProcessor) GetStatistics() AudioProcessorStatistics {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.stats
}
