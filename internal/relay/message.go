package relay

// Frame is the wire unit between the relay server and its clients. The
// relay routes envelope frames between room members without inspecting
// Payload or AuthTag; peers authenticate envelopes among themselves with
// the room key, which the relay never sees.
type Frame struct {
	Type    string `json:"type"`
	Peer    string `json:"peer,omitempty"`
	Payload string `json:"payload,omitempty"`
	AuthTag string `json:"auth_tag,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Frame type constants.
const (
	// FrameEnvelope carries an opaque authenticated payload between peers.
	FrameEnvelope = "envelope"

	// FramePeerJoined and FramePeerLeft are relay-originated membership
	// notifications. They are unauthenticated hints; peers learn actual
	// identities from authenticated announce envelopes.
	FramePeerJoined = "peer_joined"
	FramePeerLeft   = "peer_left"

	// FrameError reports a relay-side rejection.
	FrameError = "error"
)
