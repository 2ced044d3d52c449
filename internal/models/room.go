package models

import "github.com/pion/webrtc/v4"

// RoomCapacity is the number of participants a room pairs.
const RoomCapacity = 2

// RoomInfo describes the live occupancy of a room
type RoomInfo struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Size         int      `json:"size"`
	Capacity     int      `json:"capacity"`
	Full         bool     `json:"full"`
}

// TURNCredentialsResponse is the body of GET /turn-credentials
type TURNCredentialsResponse struct {
	Username   string             `json:"username"`
	Credential string             `json:"credential"`
	TTL        int64              `json:"ttl"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}
