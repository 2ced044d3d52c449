package handlers

import (
	"crypto/rand"
	"log"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pair-signaling/internal/relay"
	"github.com/mossy-p/pair-signaling/internal/rooms"
)

const (
	roomCodeLength = 7
	codeChars      = "abcdefghjkmnpqrstuvwxyz23456789" // Removed ambiguous chars
)

// Rooms exposes room occupancy and operator eviction.
type Rooms struct {
	hub *relay.Hub
}

func NewRooms(hub *relay.Hub) *Rooms {
	return &Rooms{hub: hub}
}

// CreateRoom hands out a fresh shareable room id. Nothing is stored; the room
// comes into existence when its first participant joins.
func (h *Rooms) CreateRoom(c *gin.Context) {
	code, err := generateRoomCode()
	if err != nil {
		log.Printf("Failed to generate room code: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": code})
}

// GetRoom reports who is currently in a room (public)
func (h *Rooms) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := rooms.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.hub.Registry().Room(c.Request.Context(), roomID)
	if err != nil {
		log.Printf("Failed to load room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteRoom evicts every participant of a room (requires operator JWT)
func (h *Rooms) DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")
	members, err := h.hub.Evict(c.Request.Context(), roomID)
	if err != nil {
		log.Printf("Failed to evict room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	if len(members) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	log.Printf("Room evicted: %s by user %s", roomID, userID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted", "evicted": members})
}

// generateRoomCode generates a random room code
func generateRoomCode() (string, error) {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
