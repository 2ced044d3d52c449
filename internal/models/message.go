package models

import "encoding/json"

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeJoin      SignalType = "join"
	SignalTypeJoined    SignalType = "joined"
	SignalTypeReady     SignalType = "ready"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
	SignalTypePeerLeft  SignalType = "peer-left"
	SignalTypeRoomFull  SignalType = "room-full"
	SignalTypeError     SignalType = "error"
)

// IsNegotiation reports whether messages of this type are relayed verbatim
// between the two occupants of a room.
func (t SignalType) IsNegotiation() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// SignalMessage represents a WebRTC signaling message.
//
// Payload is opaque to the relay and forwarded byte for byte.
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionDescription is the offer/answer payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// JoinedPayload acknowledges a successful join.
type JoinedPayload struct {
	PeerID string `json:"peerId"`
	Size   int    `json:"size"`
}

// PeerLeftPayload tells the remaining occupant who left.
type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
}

// NewSignalMessage builds a message with payload marshalled to JSON.
func NewSignalMessage(t SignalType, roomID string, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: t, RoomID: roomID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, err
	}
	msg.Payload = raw
	return msg, nil
}
