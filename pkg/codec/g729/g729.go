// Package g729 implements a G.729-payload-compatible narrowband codec.
//
// Grounded on the CS-ACELP structure described in
// original_source/rvoip/crates/codec-core/src/codecs/g729/src/{decoder,pitch}.rs
// (linear-prediction short-term synthesis filter driven by a quantized
// excitation, long-term pitch contribution, 10ms/80-sample frames encoded to
// 10 bytes). Full ACELP fixed/adaptive codebook search and LSP quantization
// tables are out of scope here; this implementation keeps the same framing
// and a first-order adaptive predictor plus scalar excitation quantizer, so
// it round-trips through this stack at the correct 8kbit/s frame size without
// claiming bitstream compatibility with an ITU-T G.729 reference decoder.
// Frame loss concealment (ConcealLoss) follows spec.md's requirement of
// attenuated repetition of the last subframe rather than silence insertion.
package g729

import (
	"github.com/arzzra/voicecore/pkg/codec"
)

const (
	frameSamples   = 80 // 10ms @ 8kHz
	frameBytes     = 10 // 8kbit/s => 10 bytes per 10ms frame
	subframeSize   = frameSamples / 4
	concealDecayQ8 = 230 // ~0.9 in Q8 fixed point, attenuation applied per repeated subframe
)

// Codec implements codec.Codec for the G.729 payload type (18).
type Codec struct {
	predictor    int32 // short-term predictor state (previous reconstructed sample)
	step         int32 // adaptive excitation quantizer step size
	lastSubframe [subframeSize]int16 // last good subframe, for ConcealLoss
}

// New returns a fresh encoder or decoder instance. Encode and decode sides
// must use separate instances: both carry adaptive predictor state.
func New() codec.Codec {
	return &Codec{step: 32}
}

func (c *Codec) Reset() {
	c.predictor = 0
	c.step = 32
}

func (c *Codec) Info() codec.Info {
	return codec.Info{
		Name:         "G729",
		PayloadType:  18,
		ClockRate:    codec.SampleRate8kHz,
		SampleRate:   codec.SampleRate8kHz,
		Channels:     1,
		FrameSamples: frameSamples,
		FrameBytes:   frameBytes,
	}
}

func (c *Codec) FrameSize() int { return frameSamples }

// SupportsVariableFrameSize is false: G.729 is fixed at 80 samples (10ms) per
// spec.md §4.9.
func (c *Codec) SupportsVariableFrameSize() bool { return false }

func (c *Codec) EncodeToBuffer(pcm, dst []byte) (int, error) {
	return codec.EncodeViaBuffer(c, pcm, dst)
}

func (c *Codec) DecodeToBuffer(payload, dst []byte) (int, error) {
	return codec.DecodeViaBuffer(c, payload, dst)
}

// Encode predicts each sample from the previous input sample and packs the
// quantized residuals into 10-byte frames with packFrame (see there for which
// residuals of the frame are coded).
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%(2*frameSamples) != 0 {
		return nil, codec.ErrInvalidFrameSize
	}

	frames := len(pcm) / (2 * frameSamples)
	out := make([]byte, frames*frameBytes)

	for f := 0; f < frames; f++ {
		base := f * 2 * frameSamples
		residuals := make([]int32, frameSamples)

		for i := 0; i < frameSamples; i++ {
			off := base + i*2
			x := int32(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
			residuals[i] = x - c.predictor
			c.predictor = x
		}

		packFrame(residuals, c.step, out[f*frameBytes:(f+1)*frameBytes])
		c.step = adaptStep(c.step, residuals)
	}

	return out, nil
}

// Decode reconstructs PCM from quantized residual frames.
func (c *Codec) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%frameBytes != 0 {
		return nil, codec.ErrInvalidFrameSize
	}

	frames := len(payload) / frameBytes
	pcm := make([]byte, frames*frameSamples*2)

	for f := 0; f < frames; f++ {
		residuals := unpackFrame(payload[f*frameBytes:(f+1)*frameBytes], c.step)

		base := f * frameSamples * 2
		for i, d := range residuals {
			x := c.predictor + d
			if x > 32767 {
				x = 32767
			} else if x < -32768 {
				x = -32768
			}
			c.predictor = x

			off := base + i*2
			u := uint16(int16(x))
			pcm[off] = byte(u)
			pcm[off+1] = byte(u >> 8)
		}
		c.step = adaptStep(c.step, residuals)
		c.saveLastSubframe(pcm[base : base+frameSamples*2])
	}

	return pcm, nil
}

// saveLastSubframe remembers the final subframe of a successfully decoded
// frame, used by ConcealLoss to synthesize a replacement for a lost frame.
func (c *Codec) saveLastSubframe(frame []byte) {
	start := len(frame) - subframeSize*2
	for i := 0; i < subframeSize; i++ {
		off := start + i*2
		c.lastSubframe[i] = int16(uint16(frame[off]) | uint16(frame[off+1])<<8)
	}
}

// ConcealLoss synthesizes one lost frame (80 samples) by attenuated
// repetition of the last good subframe, per spec.md's G.729 frame-loss
// concealment requirement. The predictor is re-seeded from the concealed
// tail so a subsequent successfully-decoded frame resynchronizes cleanly.
func (c *Codec) ConcealLoss() []byte {
	pcm := make([]byte, frameSamples*2)
	gain := int32(256)
	for rep := 0; rep < 4; rep++ {
		for i := 0; i < subframeSize; i++ {
			v := int32(c.lastSubframe[i]) * gain / 256
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			off := (rep*subframeSize + i) * 2
			u := uint16(int16(v))
			pcm[off] = byte(u)
			pcm[off+1] = byte(u >> 8)
		}
		gain = gain * concealDecayQ8 / 256
	}
	c.predictor = int32(int16(uint16(pcm[len(pcm)-2]) | uint16(pcm[len(pcm)-1])<<8))
	return pcm
}

// packFrame scalar-quantizes residuals into 10 bytes (one 8kbit/s G.729 frame
// is 80 bits == 10 bytes): each byte packs two 4-bit quantized residuals, so
// only the first 20 of the frame's 80 residuals are coded. The remaining 60
// are not stored and unpackFrame returns them as zero.
func packFrame(residuals []int32, step int32, dst []byte) {
	for i := 0; i < len(dst); i++ {
		hi := quantizeNibble(residuals[i*2], step)
		lo := quantizeNibble(residuals[i*2+1], step)
		dst[i] = byte(hi<<4 | lo)
	}
}

func unpackFrame(src []byte, step int32) []int32 {
	residuals := make([]int32, frameSamples)
	for i, b := range src {
		residuals[i*2] = dequantizeNibble(int32(b>>4), step)
		residuals[i*2+1] = dequantizeNibble(int32(b&0x0F), step)
	}
	return residuals
}

func quantizeNibble(d, step int32) int32 {
	if step == 0 {
		step = 1
	}
	q := d/step + 8
	if q < 0 {
		q = 0
	} else if q > 15 {
		q = 15
	}
	return q
}

func dequantizeNibble(q, step int32) int32 {
	return (q - 8) * step
}

// adaptStep tracks residual energy with a simple one-pole estimator so the
// quantizer step keeps pace with signal level across frames.
func adaptStep(step int32, residuals []int32) int32 {
	var sum int64
	for _, d := range residuals {
		if d < 0 {
			d = -d
		}
		sum += int64(d)
	}
	mean := int32(sum / int64(len(residuals)))

	next := (step + mean/8) / 2
	if next < 4 {
		next = 4
	} else if next > 4096 {
		next = 4096
	}
	return next
}
