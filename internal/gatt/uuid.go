package gatt

// Default commissioning profile UUIDs. The peripheral advertises the 16-bit
// service; the central writes fragments to C1 and receives fragments as
// indications on C2. Overridable via pkg/config for devices that carry the
// same framing under a different profile.
const (
	// DefaultServiceUUID is the 16-bit commissioning service identifier.
	DefaultServiceUUID = "feaf"

	// DefaultWriteCharUUID (C1) accepts central-to-peripheral fragments.
	DefaultWriteCharUUID = "18ee2ef5-263d-4559-959f-4f9c429f9d11"

	// DefaultIndicateCharUUID (C2) carries peripheral-to-central fragments.
	DefaultIndicateCharUUID = "18ee2ef5-263d-4559-959f-4f9c429f9d12"
)

// DefaultATTMTU is the protocol-mandated minimum ATT MTU, used when the
// platform stack cannot report the negotiated value.
const DefaultATTMTU = 23

// attHeaderLen is the ATT write/indication header preceding the payload.
const attHeaderLen = 3

// PayloadMTU returns the usable fragment payload for a negotiated ATT MTU.
func PayloadMTU(attMTU int) int {
	if attMTU <= attHeaderLen {
		return DefaultATTMTU - attHeaderLen
	}
	return attMTU - attHeaderLen
}
