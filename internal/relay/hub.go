package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mossy-p/pair-signaling/internal/models"
	"github.com/mossy-p/pair-signaling/internal/rooms"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrWrongRoom   = errors.New("sender is not in that room")
)

// Conn is one signaling transport as seen by the hub.
type Conn interface {
	ID() string
	// Send queues msg without blocking; it reports false when the message
	// was dropped.
	Send(msg models.SignalMessage) bool
	Close()
}

// Hub pairs connections through the room registry and relays negotiation
// messages between the two occupants of a room.
type Hub struct {
	registry *rooms.Registry

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewHub(registry *rooms.Registry) *Hub {
	if registry == nil {
		registry = rooms.NewRegistry(nil)
	}
	return &Hub{
		registry: registry,
		conns:    make(map[string]Conn),
	}
}

func (h *Hub) Registry() *rooms.Registry {
	return h.registry
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Unregister is called once the transport is gone, whether it closed cleanly
// or dropped. The remaining occupant, if any, gets a single peer-left.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()

	left, err := h.registry.Leave(ctx, connID)
	if errors.Is(err, rooms.ErrNotInRoom) {
		return
	}
	if err != nil {
		log.Printf("[relay] leave %s: %v", connID, err)
		return
	}
	log.Printf("[relay] peer %s left room %s (%d remaining)", connID, left.RoomID, len(left.Remaining))

	msg, _ := models.NewSignalMessage(models.SignalTypePeerLeft, left.RoomID, models.PeerLeftPayload{PeerID: connID})
	msg.From = connID
	for _, peerID := range left.Remaining {
		h.sendTo(peerID, msg)
	}
}

// Handle dispatches one inbound message from connID.
func (h *Hub) Handle(ctx context.Context, connID string, msg models.SignalMessage) error {
	switch {
	case msg.Type == models.SignalTypeJoin:
		return h.Join(ctx, connID, msg.RoomID)
	case msg.Type.IsNegotiation():
		return h.Relay(ctx, connID, msg)
	default:
		h.sendError(connID, msg.RoomID, fmt.Sprintf("unknown message type %q", msg.Type))
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func (h *Hub) Join(ctx context.Context, connID, roomID string) error {
	res, err := h.registry.Join(ctx, connID, roomID)
	switch {
	case errors.Is(err, rooms.ErrRoomFull):
		log.Printf("[relay] peer %s rejected from full room %s", connID, roomID)
		h.sendTo(connID, models.SignalMessage{Type: models.SignalTypeRoomFull, RoomID: roomID})
		return err
	case err != nil:
		h.sendError(connID, roomID, err.Error())
		return err
	}

	log.Printf("[relay] peer %s joined room %s - %d/%d", connID, roomID, len(res.Members), models.RoomCapacity)

	ack, _ := models.NewSignalMessage(models.SignalTypeJoined, roomID, models.JoinedPayload{
		PeerID: connID,
		Size:   len(res.Members),
	})
	h.sendTo(connID, ack)

	if res.Ready {
		log.Printf("[relay] room %s ready, initiator %s", roomID, res.Initiator)
		h.sendTo(res.Initiator, models.SignalMessage{Type: models.SignalTypeReady, RoomID: roomID})
	}
	return nil
}

// Relay forwards an offer, answer or ICE candidate to the other occupant.
// The payload is never inspected.
func (h *Hub) Relay(ctx context.Context, senderID string, msg models.SignalMessage) error {
	current, ok := h.registry.RoomOf(senderID)
	if !ok || current != msg.RoomID {
		return fmt.Errorf("%w: %s -> %q", ErrWrongRoom, senderID, msg.RoomID)
	}

	peers, err := h.registry.Peers(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	out := models.SignalMessage{
		Type:    msg.Type,
		RoomID:  msg.RoomID,
		From:    senderID,
		Payload: msg.Payload,
	}
	for _, peerID := range peers {
		if peerID == senderID {
			continue
		}
		h.sendTo(peerID, out)
	}
	return nil
}

// Evict removes everyone from roomID and closes their transports.
func (h *Hub) Evict(ctx context.Context, roomID string) ([]string, error) {
	members, err := h.registry.Evict(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		msg, _ := models.NewSignalMessage(models.SignalTypePeerLeft, roomID, models.PeerLeftPayload{PeerID: id})
		for _, other := range members {
			if other != id {
				h.sendTo(other, msg)
			}
		}
	}
	for _, id := range members {
		if c := h.conn(id); c != nil {
			c.Close()
		}
	}
	log.Printf("[relay] room %s evicted (%d peers)", roomID, len(members))
	return members, nil
}

// Shutdown releases the room slots of every connection this process holds
// and closes the transports. Members are not notified; their sockets are
// going away too.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]Conn)
	h.mu.Unlock()

	for _, c := range conns {
		if _, err := h.registry.Leave(ctx, c.ID()); err != nil && !errors.Is(err, rooms.ErrNotInRoom) {
			log.Printf("[relay] leave %s on shutdown: %v", c.ID(), err)
		}
		c.Close()
	}
	log.Printf("[relay] released %d connections", len(conns))
}

func (h *Hub) conn(id string) Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) sendTo(id string, msg models.SignalMessage) {
	c := h.conn(id)
	if c == nil {
		// Occupant owned by another instance or already gone.
		return
	}
	if !c.Send(msg) {
		log.Printf("[relay] failed to send %s to peer %s, buffer full", msg.Type, id)
	}
}

func (h *Hub) sendError(id, roomID, text string) {
	h.sendTo(id, models.SignalMessage{Type: models.SignalTypeError, RoomID: roomID, Error: text})
}
