// Package signaling relays booth messages between the Host and its Guests.
// The hub enforces who may talk to whom; it never interprets session phases.
package signaling

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/observability"
	"github.com/ent0n29/pairbooth/internal/protocol"
)

var (
	ErrInvalidPeer   = errors.New("invalid peer")
	ErrDuplicatePeer = errors.New("user is already connected to this room")
)

// Peer is one connection to a room.
type Peer struct {
	RoomID string
	UserID string
	Role   protocol.Role

	send chan protocol.Message
	done chan struct{}
	once sync.Once
}

// Outbound yields the messages routed to this peer, in order.
func (p *Peer) Outbound() <-chan protocol.Message { return p.send }

// Done is closed when the hub drops the peer.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) close() {
	p.once.Do(func() { close(p.done) })
}

type roomPeers struct {
	host   *Peer
	guests map[string]*Peer
}

// Hub routes messages within rooms:
//   - host messages reach only the admitted guest, learned from guest-joined;
//   - join-rejected reaches only the rejected guest;
//   - guest messages reach only the host, and only from the admitted guest
//     except join;
//   - a dropped guest connection becomes guest-left for the host and a
//     dropped host becomes host-left for every guest.
type Hub struct {
	registry *Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	buffer   int

	mu    sync.Mutex
	rooms map[string]*roomPeers
}

func NewHub(registry *Registry, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		registry: registry,
		metrics:  metrics,
		logger:   logger.Named("hub"),
		buffer:   256,
		rooms:    make(map[string]*roomPeers),
	}
	registry.SetExpireHook(h.expire)
	return h
}

// Connect registers a peer. A host opens the room; a guest needs an open room.
func (h *Hub) Connect(roomID, userID string, role protocol.Role) (*Peer, error) {
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" || !role.Valid() {
		return nil, fmt.Errorf("%w: roomId, userId and role are required", ErrInvalidPeer)
	}
	p := &Peer{
		RoomID: roomID,
		UserID: userID,
		Role:   role,
		send:   make(chan protocol.Message, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rp := h.rooms[roomID]
	if rp == nil {
		rp = &roomPeers{guests: make(map[string]*Peer)}
	}
	switch role {
	case protocol.RoleHost:
		if _, err := h.registry.Open(roomID, userID); err != nil {
			return nil, err
		}
		rp.host = p
		h.event("host_connected")
	case protocol.RoleGuest:
		if _, ok := rp.guests[userID]; ok {
			return nil, ErrDuplicatePeer
		}
		if err := h.registry.AddGuest(roomID, userID); err != nil {
			return nil, err
		}
		rp.guests[userID] = p
		h.event("guest_connected")
	}
	h.rooms[roomID] = rp
	h.setActiveRooms()
	h.logger.Info("peer connected", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("role", string(role)))
	return p, nil
}

// Disconnect removes p and tells the other side.
func (h *Hub) Disconnect(p *Peer) {
	defer p.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	rp := h.rooms[p.RoomID]
	if rp == nil {
		return
	}
	hd := protocol.Header{RoomID: p.RoomID}
	switch p.Role {
	case protocol.RoleHost:
		if rp.host != p {
			return
		}
		rp.host = nil
		_, _ = h.registry.Close(p.RoomID)
		for _, g := range rp.guests {
			h.deliver(g, protocol.HostLeft{Header: hd})
		}
		h.event("host_left")
	case protocol.RoleGuest:
		if rp.guests[p.UserID] != p {
			return
		}
		delete(rp.guests, p.UserID)
		wasActive, _ := h.registry.RemoveGuest(p.RoomID, p.UserID)
		if wasActive && rp.host != nil {
			h.deliver(rp.host, protocol.GuestLeft{Header: hd, GuestID: p.UserID})
		}
		h.event("guest_disconnected")
	}
	if rp.host == nil && len(rp.guests) == 0 {
		delete(h.rooms, p.RoomID)
	}
	h.setActiveRooms()
	h.logger.Info("peer disconnected", zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID), zap.String("role", string(p.Role)))
}

// Route forwards msg from p according to the room rules.
func (h *Hub) Route(p *Peer, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rp := h.rooms[p.RoomID]
	if rp == nil {
		return
	}
	_ = h.registry.Touch(p.RoomID)
	if p.Role == protocol.RoleHost {
		if rp.host == p {
			h.routeFromHost(rp, msg)
		}
		return
	}
	h.routeFromGuest(rp, p, msg)
}

func (h *Hub) routeFromHost(rp *roomPeers, msg protocol.Message) {
	roomID := rp.host.RoomID
	switch m := msg.(type) {
	case protocol.GuestJoined:
		target := rp.guests[m.GuestID]
		if target == nil {
			h.logger.Warn("guest-joined for unknown guest", zap.String("room_id", roomID), zap.String("guest_id", m.GuestID))
			return
		}
		_ = h.registry.Admit(roomID, m.GuestID)
		h.event("guest_admitted")
		h.deliver(target, m)
	case protocol.JoinRejected:
		if target := rp.guests[m.UserID]; target != nil {
			h.event("guest_rejected")
			h.deliver(target, m)
		}
	case protocol.SessionRestart:
		if target := h.activeGuest(rp, roomID); target != nil {
			h.deliver(target, m)
		}
		_ = h.registry.ReleaseGuest(roomID)
		h.event("session_restart")
	default:
		if target := h.activeGuest(rp, roomID); target != nil {
			h.deliver(target, msg)
		}
	}
}

func (h *Hub) routeFromGuest(rp *roomPeers, p *Peer, msg protocol.Message) {
	if rp.guests[p.UserID] != p || rp.host == nil {
		return
	}
	hd := protocol.Header{RoomID: p.RoomID}
	if _, ok := msg.(protocol.Join); ok {
		// Identity comes from the connection, not the payload.
		h.deliver(rp.host, protocol.Join{Header: hd, UserID: p.UserID, Role: protocol.RoleGuest})
		return
	}
	active, _ := h.registry.ActiveGuest(p.RoomID)
	if active != p.UserID {
		h.logger.Debug("dropping message from non-admitted guest", zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID), zap.String("type", string(msg.Kind())))
		return
	}
	if _, ok := msg.(protocol.GuestLeft); ok {
		_, _ = h.registry.RemoveGuest(p.RoomID, p.UserID)
		_ = h.registry.AddGuest(p.RoomID, p.UserID)
		h.deliver(rp.host, protocol.GuestLeft{Header: hd, GuestID: p.UserID})
		h.event("guest_left")
		return
	}
	h.deliver(rp.host, msg)
}

func (h *Hub) activeGuest(rp *roomPeers, roomID string) *Peer {
	id, ok := h.registry.ActiveGuest(roomID)
	if !ok {
		return nil
	}
	return rp.guests[id]
}

// deliver never blocks the hub. A peer that cannot keep up is dropped rather
// than sent an incomplete stream.
func (h *Hub) deliver(p *Peer, msg protocol.Message) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- msg:
	default:
		h.logger.Warn("peer outbound queue full, dropping peer", zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID))
		h.event("peer_overflow")
		p.close()
	}
}

// expire closes every peer of a room the registry timed out.
func (h *Hub) expire(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rp := h.rooms[room.ID]
	if rp == nil {
		return
	}
	if rp.host != nil {
		rp.host.close()
	}
	for _, g := range rp.guests {
		g.close()
	}
	h.event("room_expired")
	h.logger.Info("room expired", zap.String("room_id", room.ID))
}

func (h *Hub) event(name string) {
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (h *Hub) setActiveRooms() {
	if h.metrics != nil {
		h.metrics.ActiveRooms.Set(float64(h.registry.ActiveCount()))
	}
}
