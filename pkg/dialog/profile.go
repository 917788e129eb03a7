package dialog

import "github.com/arzzra/voicecore/pkg/sip/message"

// Profile identifies a local SIP user: the display name and address used
// when originating dialogs and building the Contact header.
type Profile struct {
	// DisplayName is the human-readable name (e.g. "Alice Smith").
	DisplayName string
	// Address is the user's SIP address (e.g. sip:alice@example.com).
	Address *message.URI
}

// Contact builds this profile's Contact header value as a tagged address.
func (p *Profile) Contact() *message.Address {
	return &message.Address{
		DisplayName: p.DisplayName,
		URI:         p.Address,
		Params:      make(map[string]string),
	}
}

// Clone creates an independent deep copy of the profile, for use when a new
// dialog needs its own Contact without aliasing the shared profile's URI.
func (p *Profile) Clone() *Profile {
	return &Profile{
		DisplayName: p.DisplayName,
		Address:     p.Address.Clone(),
	}
}
