// Package protocol defines the fleetlink wire formats: typed length-prefixed
// TCP frames and the UDP discovery announcement.
package protocol

// Frame type constants
const (
	FramePublicKey         uint8 = 0x01 // Encoded public key
	FrameChallenge         uint8 = 0x02 // Random challenge issued by the agent
	FrameChallengeResponse uint8 = 0x03 // Controller signature over the challenge
	FrameSealedMessage     uint8 = 0x04 // Sealed application payload
)

// Protocol limits
const (
	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 5

	// MaxPayloadSize bounds a single frame payload (1 MiB).
	MaxPayloadSize = 1 << 20
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FramePublicKey:
		return "PUBLIC_KEY"
	case FrameChallenge:
		return "CHALLENGE"
	case FrameChallengeResponse:
		return "CHALLENGE_RESPONSE"
	case FrameSealedMessage:
		return "SEALED_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// IsKnownFrameType reports whether t is a defined frame type.
func IsKnownFrameType(t uint8) bool {
	return t >= FramePublicKey && t <= FrameSealedMessage
}

// IsHandshakeFrame reports whether t is exchanged during authentication.
func IsHandshakeFrame(t uint8) bool {
	return t >= FramePublicKey && t <= FrameChallengeResponse
}
