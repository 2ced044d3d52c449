package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/pair-signaling/internal/models"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyInRoom = errors.New("connection already joined another room")
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrNotInRoom     = errors.New("connection is not in a room")
)

const maxRoomIDLength = 128

// JoinResult describes a successful join.
type JoinResult struct {
	RoomID  string
	Members []string
	// Ready is set exactly once per pairing, on the join that filled the room.
	Ready bool
	// Initiator is the first occupant; only meaningful when Ready is set.
	Initiator string
}

// LeaveResult describes a departure.
type LeaveResult struct {
	RoomID    string
	Remaining []string
}

// Registry maps rooms to their participants. All mutation goes through it;
// the relay never touches the store directly.
type Registry struct {
	store    Store
	capacity int

	mu          sync.Mutex
	memberships map[string]string // connID -> roomID
}

func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{
		store:       store,
		capacity:    models.RoomCapacity,
		memberships: make(map[string]string),
	}
}

// ValidateRoomID rejects ids that cannot be used as a room key.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" || len(roomID) > maxRoomIDLength {
		return ErrInvalidRoomID
	}
	for i := 0; i < len(roomID); i++ {
		if c := roomID[i]; c < 0x21 || c == 0x7f {
			return ErrInvalidRoomID
		}
	}
	return nil
}

func (r *Registry) Join(ctx context.Context, connID, roomID string) (JoinResult, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	current, joined := r.memberships[connID]
	r.mu.Unlock()
	if joined && current != roomID {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, current)
	}

	admitted, err := r.store.Admit(ctx, roomID, connID, r.capacity)
	if err != nil {
		return JoinResult{RoomID: roomID, Members: admitted.Members}, err
	}

	r.mu.Lock()
	r.memberships[connID] = roomID
	r.mu.Unlock()

	res := JoinResult{RoomID: roomID, Members: admitted.Members}
	if admitted.Added && len(admitted.Members) == r.capacity {
		res.Ready = true
		res.Initiator = admitted.Members[0]
	}
	return res, nil
}

func (r *Registry) Leave(ctx context.Context, connID string) (LeaveResult, error) {
	r.mu.Lock()
	roomID, ok := r.memberships[connID]
	delete(r.memberships, connID)
	r.mu.Unlock()
	if !ok {
		return LeaveResult{}, ErrNotInRoom
	}

	remaining, err := r.store.Remove(ctx, roomID, connID)
	if err != nil {
		// Keep the membership so a later Leave can retry the removal.
		r.mu.Lock()
		if _, rejoined := r.memberships[connID]; !rejoined {
			r.memberships[connID] = roomID
		}
		r.mu.Unlock()
		return LeaveResult{RoomID: roomID}, err
	}
	return LeaveResult{RoomID: roomID, Remaining: remaining}, nil
}

// Evict empties a room and returns who was in it.
func (r *Registry) Evict(ctx context.Context, roomID string) ([]string, error) {
	members, err := r.store.Delete(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	for _, m := range members {
		if r.memberships[m] == roomID {
			delete(r.memberships, m)
		}
	}
	r.mu.Unlock()
	return members, nil
}

// RoomOf returns the room connID is in, if any.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.memberships[connID]
	return roomID, ok
}

func (r *Registry) Peers(ctx context.Context, roomID string) ([]string, error) {
	return r.store.Members(ctx, roomID)
}

func (r *Registry) Room(ctx context.Context, roomID string) (models.RoomInfo, error) {
	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		return models.RoomInfo{}, err
	}
	if members == nil {
		members = []string{}
	}
	return models.RoomInfo{
		ID:           roomID,
		Participants: members,
		Size:         len(members),
		Capacity:     r.capacity,
		Full:         len(members) >= r.capacity,
	}, nil
}
