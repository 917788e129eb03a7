// Package g711 реализует кодеки G.711 (μ-law/A-law) поверх github.com/zaf/g711,
// той же библиотеки, которой обрабатывает PCMU/PCMA sebacius-switchboard
// (internal/rtpmanager/media/audio.go).
package g711

import (
	"github.com/zaf/g711"

	"github.com/arzzra/voicecore/pkg/codec"
)

const frameSamples = 160 // 20ms @ 8kHz, ptime по умолчанию для телефонии

// ulaw реализует codec.Codec для PCMU (payload type 0).
type ulaw struct{}

// NewUlaw возвращает кодек G.711 μ-law. У G.711 нет адаптивного состояния,
// поэтому Reset — no-op и один экземпляр безопасно используется на обе стороны.
func NewUlaw() codec.Codec { return ulaw{} }

func (ulaw) Encode(pcm []byte) ([]byte, error) {
	samples, err := bytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return g711.EncodeUlaw(samples), nil
}

func (ulaw) Decode(payload []byte) ([]byte, error) {
	return g711.DecodeUlaw(payload), nil
}

func (ulaw) Reset() {}

func (ulaw) Info() codec.Info {
	return codec.Info{
		Name:         "PCMU",
		PayloadType:  0,
		ClockRate:    codec.SampleRate8kHz,
		SampleRate:   codec.SampleRate8kHz,
		Channels:     1,
		FrameSamples: frameSamples,
		FrameBytes:   frameSamples,
	}
}

func (ulaw) FrameSize() int { return frameSamples }

func (ulaw) SupportsVariableFrameSize() bool { return true }

func (u ulaw) EncodeToBuffer(pcm, dst []byte) (int, error) { return codec.EncodeViaBuffer(u, pcm, dst) }

func (u ulaw) DecodeToBuffer(payload, dst []byte) (int, error) {
	return codec.DecodeViaBuffer(u, payload, dst)
}

// alaw реализует codec.Codec для PCMA (payload type 8).
type alaw struct{}

// NewAlaw возвращает кодек G.711 A-law.
func NewAlaw() codec.Codec { return alaw{} }

func (alaw) Encode(pcm []byte) ([]byte, error) {
	samples, err := bytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return g711.EncodeAlaw(samples), nil
}

func (alaw) Decode(payload []byte) ([]byte, error) {
	return g711.DecodeAlaw(payload), nil
}

func (alaw) Reset() {}

func (alaw) Info() codec.Info {
	return codec.Info{
		Name:         "PCMA",
		PayloadType:  8,
		ClockRate:    codec.SampleRate8kHz,
		SampleRate:   codec.SampleRate8kHz,
		Channels:     1,
		FrameSamples: frameSamples,
		FrameBytes:   frameSamples,
	}
}

func (alaw) FrameSize() int { return frameSamples }

func (alaw) SupportsVariableFrameSize() bool { return true }

func (a alaw) EncodeToBuffer(pcm, dst []byte) (int, error) { return codec.EncodeViaBuffer(a, pcm, dst) }

func (a alaw) DecodeToBuffer(payload, dst []byte) (int, error) {
	return codec.DecodeViaBuffer(a, payload, dst)
}

// bytesToSamples переинтерпретирует little-endian 16-bit PCM как байтовый
// срез, который принимает zaf/g711 (оно ожидает []byte упакованных int16 LE
// сэмплов, по два байта на сэмпл).
func bytesToSamples(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, codec.ErrInvalidFrameSize
	}
	return pcm, nil
}
