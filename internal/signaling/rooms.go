package signaling

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound    = errors.New("room not found")
	ErrHostPresent = errors.New("room already has a host")
	ErrRoomEnded   = errors.New("room has ended")
)

// Room is the server's view of one booth: who is connected and which guest
// the host has admitted.
type Room struct {
	ID             string    `json:"roomId"`
	HostID         string    `json:"hostId,omitempty"`
	GuestID        string    `json:"guestId,omitempty"`
	Pending        []string  `json:"pendingGuests,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registry tracks rooms and expires the idle ones.
type Registry struct {
	mu                sync.RWMutex
	rooms             map[string]*Room
	inactivityTimeout time.Duration
	onExpire          func(*Room)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		rooms:             make(map[string]*Room),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(*Room)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Open creates the room for hostID, or reopens an ended one.
func (r *Registry) Open(roomID, hostID string) (*Room, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok && room.Status == StatusActive && room.HostID != "" {
		return nil, ErrHostPresent
	}
	room := &Room{
		ID:             roomID,
		HostID:         hostID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.rooms[roomID] = room
	return clone(room), nil
}

func (r *Registry) Get(roomID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(room), nil
}

func (r *Registry) Touch(roomID string) error {
	return r.update(roomID, func(*Room) error { return nil })
}

// AddGuest records a connected guest that is waiting for admission.
func (r *Registry) AddGuest(roomID, guestID string) error {
	return r.update(roomID, func(room *Room) error {
		if room.Status != StatusActive {
			return ErrRoomEnded
		}
		if room.GuestID != guestID && !slices.Contains(room.Pending, guestID) {
			room.Pending = append(room.Pending, guestID)
		}
		return nil
	})
}

// Admit marks guestID as the room's active guest.
func (r *Registry) Admit(roomID, guestID string) error {
	return r.update(roomID, func(room *Room) error {
		room.Pending = slices.DeleteFunc(room.Pending, func(id string) bool { return id == guestID })
		room.GuestID = guestID
		return nil
	})
}

// ActiveGuest returns the admitted guest, if any.
func (r *Registry) ActiveGuest(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok || room.GuestID == "" {
		return "", false
	}
	return room.GuestID, true
}

// ReleaseGuest turns the active guest back into a pending connection, e.g.
// after the host restarts the session.
func (r *Registry) ReleaseGuest(roomID string) error {
	return r.update(roomID, func(room *Room) error {
		if room.GuestID != "" {
			room.Pending = append(room.Pending, room.GuestID)
			room.GuestID = ""
		}
		return nil
	})
}

// RemoveGuest forgets guestID and reports whether it was the active guest.
func (r *Registry) RemoveGuest(roomID, guestID string) (bool, error) {
	var wasActive bool
	err := r.update(roomID, func(room *Room) error {
		room.Pending = slices.DeleteFunc(room.Pending, func(id string) bool { return id == guestID })
		if room.GuestID == guestID {
			room.GuestID = ""
			wasActive = true
		}
		return nil
	})
	return wasActive, err
}

// Close ends the room when its host leaves.
func (r *Registry) Close(roomID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	room.Status = StatusEnded
	room.HostID = ""
	room.GuestID = ""
	room.Pending = nil
	room.LastActivityAt = time.Now().UTC()
	return clone(room), nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, room := range r.rooms {
		if room.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) update(roomID string, fn func(*Room) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(room); err != nil {
		return err
	}
	room.LastActivityAt = time.Now().UTC()
	return nil
}

// expireInactive ends idle active rooms and drops ended rooms that have been
// idle for a further timeout.
func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*Room

	r.mu.Lock()
	for id, room := range r.rooms {
		idle := now.Sub(room.LastActivityAt)
		if room.Status != StatusActive {
			if idle >= r.inactivityTimeout {
				delete(r.rooms, id)
			}
			continue
		}
		if idle < r.inactivityTimeout {
			continue
		}
		room.Status = StatusEnded
		room.LastActivityAt = now
		expired = append(expired, clone(room))
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, room := range expired {
			hook(room)
		}
	}
}

func clone(room *Room) *Room {
	c := *room
	c.Pending = slices.Clone(room.Pending)
	return &c
}
