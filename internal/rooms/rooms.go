package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"kampus/internal/models"

	"github.com/samber/lo"
)

// Deliverer hands one event to one connection's outbound queue.
// It returns models.ErrTransportUnreachable when the connection is gone.
type Deliverer interface {
	Deliver(connID string, ev models.ServerEvent) error
}

type room struct {
	id      string
	members map[string]struct{}

	// fanout serializes broadcasts into this room so members observe
	// them in submission order.
	fanout sync.Mutex
}

// Manager groups connections into named rooms. Chat rooms and call rooms
// share it. A room exists only while it has members.
type Manager struct {
	log *slog.Logger
	out Deliverer

	rooms map[string]*room

	// connID -> set of roomIDs
	byConn map[string]map[string]struct{}

	mu sync.RWMutex
}

func New(log *slog.Logger, out Deliverer) *Manager {
	return &Manager{
		log:    log,
		out:    out,
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to roomID, creating the room if needed.
// It reports whether the connection was newly added.
func (m *Manager) Join(roomID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]struct{})}
		m.rooms[roomID] = r
	}
	if _, ok := r.members[connID]; ok {
		return false
	}
	r.members[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[roomID] = struct{}{}

	return true
}

// Leave removes connID from roomID. It reports whether the connection was a
// member and whether the room is now gone.
func (m *Manager) Leave(roomID, connID string) (removed bool, empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.leave(roomID, connID)
}

func (m *Manager) leave(roomID, connID string) (bool, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return false, true
	}
	if _, ok := r.members[connID]; !ok {
		return false, false
	}

	delete(r.members, connID)
	if joined, ok := m.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}

	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		return true, true
	}
	return true, false
}

// LeaveAll removes connID from every room and returns the affected room ids, sorted.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomIDs := lo.Keys(m.byConn[connID])
	sort.Strings(roomIDs)
	for _, roomID := range roomIDs {
		m.leave(roomID, connID)
	}
	return roomIDs
}

// Members returns the room's connections, sorted. Unknown rooms have none.
func (m *Manager) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := lo.Keys(r.members)
	sort.Strings(members)
	return members
}

func (m *Manager) IsMember(roomID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = r.members[connID]
	return ok
}

// RoomsOf returns the rooms connID belongs to, sorted.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roomIDs := lo.Keys(m.byConn[connID])
	sort.Strings(roomIDs)
	return roomIDs
}

func (m *Manager) Exists(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Broadcast delivers ev to every member except exclude and returns the
// number of successful deliveries. A missing room delivers nothing and
// returns models.ErrRoomNotFound, which callers are expected to swallow.
// Members whose transport is gone are evicted; the rest still receive ev.
func (m *Manager) Broadcast(roomID string, ev models.ServerEvent, exclude string) (int, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("room %s: %w", roomID, models.ErrRoomNotFound)
	}

	r.fanout.Lock()
	defer r.fanout.Unlock()

	delivered := 0
	for _, connID := range m.Members(roomID) {
		if connID == exclude {
			continue
		}
		err := m.out.Deliver(connID, ev)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, models.ErrTransportUnreachable):
			m.log.Debug("evicting stale room member", "room_id", roomID, "conn_id", connID)
			m.Leave(roomID, connID)
		default:
			m.log.Warn("delivery failed", "room_id", roomID, "conn_id", connID, "event", ev.Type, "error", err)
		}
	}
	return delivered, nil
}
