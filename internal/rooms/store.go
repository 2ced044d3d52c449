package rooms

import (
	"context"
	"sync"
)

// AdmitResult is the outcome of a single atomic admission.
type AdmitResult struct {
	// Members is the ordered-by-arrival participant list after the call.
	Members []string
	// Added is false when the connection was already a member.
	Added bool
}

// Store holds room membership. Admit must be atomic: the capacity check and
// the insert happen in one critical section so that exactly one caller ever
// observes the transition to a full room.
type Store interface {
	Admit(ctx context.Context, roomID, connID string, capacity int) (AdmitResult, error)
	Remove(ctx context.Context, roomID, connID string) ([]string, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	Delete(ctx context.Context, roomID string) ([]string, error)
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]string)}
}

func (s *MemoryStore) Admit(_ context.Context, roomID, connID string, capacity int) (AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[roomID]
	for _, m := range members {
		if m == connID {
			return AdmitResult{Members: clone(members)}, nil
		}
	}
	if len(members) >= capacity {
		return AdmitResult{Members: clone(members)}, ErrRoomFull
	}
	members = append(members, connID)
	s.rooms[roomID] = members
	return AdmitResult{Members: clone(members), Added: true}, nil
}

func (s *MemoryStore) Remove(_ context.Context, roomID, connID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[roomID]
	kept := members[:0:0]
	for _, m := range members {
		if m != connID {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.rooms, roomID)
		return nil, nil
	}
	s.rooms[roomID] = kept
	return clone(kept), nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.rooms[roomID]), nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := clone(s.rooms[roomID])
	delete(s.rooms, roomID)
	return members, nil
}

// Len returns the number of live rooms.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func clone(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
