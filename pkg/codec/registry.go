package codec

import (
	"fmt"

	"github.com/arzzra/voicecore/pkg/codec/g711"
	"github.com/arzzra/voicecore/pkg/codec/g722"
	"github.com/arzzra/voicecore/pkg/codec/g729"
)

// Static RTP payload type numbers per RFC 3551, mirrored from pkg/media's
// PayloadType constants so this package stays independent of pkg/media.
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
	PayloadTypeG722 = 9
	PayloadTypeG729 = 18
)

var factories = map[uint8]Factory{
	PayloadTypePCMU: func() Codec { return g711.NewUlaw() },
	PayloadTypePCMA: func() Codec { return g711.NewAlaw() },
	PayloadTypeG722: g722.New,
	PayloadTypeG729: g729.New,
}

// ForPayloadType returns a fresh codec instance for a static RTP payload
// type, or an error if no codec is registered for it.
func ForPayloadType(pt uint8) (Codec, error) {
	factory, ok := factories[pt]
	if !ok {
		return nil, fmt.Errorf("codec: unsupported payload type %d", pt)
	}
	return factory(), nil
}

// Supported reports whether a codec is registered for the given payload type.
func Supported(pt uint8) bool {
	_, ok := factories[pt]
	return ok
}
