package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ConnectionState is the normalized state shown to the user.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
	StateClosed     ConnectionState = "closed"
)

// MapState folds pion's peer connection state into a ConnectionState.
// Anything not connected, failed or closed counts as connecting.
func MapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}

// Phase is where a session is in its lifecycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAcquiringMedia Phase = "acquiring-media"
	PhaseSignaling      Phase = "signaling"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseFailed         Phase = "failed"
	PhaseClosed         Phase = "closed"
)

func (p Phase) Terminal() bool {
	return p == PhaseFailed || p == PhaseClosed
}

// Role is decided by the first of ready or offer a session sees.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// MediaPolicy decides what happens when local media cannot be captured.
// Both policies hold negotiation until capture has finished one way or the
// other.
type MediaPolicy string

const (
	// MediaRequired fails the session without local media.
	MediaRequired MediaPolicy = "required"
	// MediaOptional negotiates receive-only without local media.
	MediaOptional MediaPolicy = "optional"
)

func ParseMediaPolicy(s string) (MediaPolicy, error) {
	switch MediaPolicy(s) {
	case MediaRequired, MediaOptional:
		return MediaPolicy(s), nil
	case "":
		return MediaRequired, nil
	}
	return "", fmt.Errorf("unknown media policy %q", s)
}
