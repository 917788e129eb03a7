package media

import (
	"testing"
	"time"
)

// === ТЕСТЫ AUDIO PROCESSOR ===

func samplePCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(i*11 - 300)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

// TestAudioProcessor_PCMU_RoundTrips проверяет, что исходящее аудио кодируется
// в G.711 μ-law payload ожидаемого размера и декодируется обратно в PCM.
func TestAudioProcessor_PCMU_RoundTrips(t *testing.T) {
	ap := NewAudioProcessor(AudioProcessorConfig{
		PayloadType: PayloadTypePCMU,
		Ptime:       20 * time.Millisecond,
		SampleRate:  8000,
	})

	pcm := samplePCM(160)
	encoded, err := ap.ProcessOutgoing(pcm)
	if err != nil {
		t.Fatalf("ProcessOutgoing вернул ошибку: %v", err)
	}
	if len(encoded) != 160 {
		t.Fatalf("ожидался payload 160 байт, получено %d", len(encoded))
	}

	decoded, err := ap.ProcessIncoming(encoded)
	if err != nil {
		t.Fatalf("ProcessIncoming вернул ошибку: %v", err)
	}
	if len(decoded) != 320 {
		t.Fatalf("ожидалось 320 байт PCM, получено %d", len(decoded))
	}

	stats := ap.GetStatistics()
	if stats.FramesEncoded != 1 || stats.FramesDecoded != 1 {
		t.Fatalf("неожиданная статистика кадров: %+v", stats)
	}
}

// TestAudioProcessor_ProcessOutgoing_RejectsMisalignedFrame проверяет, что
// несогласованный с размером кадра кодека буфер отклоняется, а не молча урезается.
func TestAudioProcessor_ProcessOutgoing_RejectsMisalignedFrame(t *testing.T) {
	ap := NewAudioProcessor(AudioProcessorConfig{
		PayloadType: PayloadTypeG729,
		Ptime:       10 * time.Millisecond,
		SampleRate:  8000,
	})

	_, err := ap.ProcessOutgoing(make([]byte, 17))
	if err == nil {
		t.Fatal("ожидалась ошибка для буфера, не кратного размеру кадра G.729")
	}
}

// TestAudioProcessor_SetPayloadType_SwapsCodec проверяет, что смена payload
// type пересоздаёт кодек и меняет ожидаемый размер закодированного кадра.
func TestAudioProcessor_SetPayloadType_SwapsCodec(t *testing.T) {
	ap := NewAudioProcessor(AudioProcessorConfig{
		PayloadType: PayloadTypePCMU,
		Ptime:       20 * time.Millisecond,
		SampleRate:  8000,
	})

	ap.SetPayloadType(PayloadTypeG722, 16000)

	pcm := samplePCM(320)
	encoded, err := ap.ProcessOutgoing(pcm)
	if err != nil {
		t.Fatalf("ProcessOutgoing после смены кодека вернул ошибку: %v", err)
	}
	if len(encoded) != 160 {
		t.Fatalf("ожидался G.722 payload 160 байт, получено %d", len(encoded))
	}
}

// TestAudioProcessor_UnsupportedPayloadType_Passthrough проверяет, что для
// кодеков вне реестра (GSM, G.728) данные проходят без изменений.
func TestAudioProcessor_UnsupportedPayloadType_Passthrough(t *testing.T) {
	ap := NewAudioProcessor(AudioProcessorConfig{
		PayloadType: PayloadTypeGSM,
		Ptime:       20 * time.Millisecond,
		SampleRate:  8000,
	})

	pcm := samplePCM(160)
	out, err := ap.ProcessOutgoing(pcm)
	if err != nil {
		t.Fatalf("passthrough не должен возвращать ошибку: %v", err)
	}
	if len(out) != len(pcm) {
		t.Fatalf("passthrough должен вернуть данные без изменений, длина %d != %d", len(out), len(pcm))
	}
}
