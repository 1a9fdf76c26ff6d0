package registry

import (
	"sort"
	"sync"

	"kampus/internal/models"

	"github.com/samber/lo"
)

// Change describes a user entering or leaving the presence set.
type Change struct {
	UserID string
	Online bool
}

// Registry maps live connections to user identities and back.
// A user is online iff at least one of its connections is registered and identified.
type Registry struct {
	// connID -> userID, empty until identified
	conns map[string]string

	// userID -> set of connIDs
	users map[string]map[string]struct{}

	mu sync.RWMutex
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]string),
		users: make(map[string]map[string]struct{}),
	}
}

// Register creates an unidentified entry. Registering a known connection is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = ""
}

// Identify binds connID to userID and returns the presence changes it caused.
// Re-identifying with the same user is a no-op; identifying with another user
// rebinds the connection.
func (r *Registry) Identify(connID, userID string) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[connID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if current == userID {
		return nil, nil
	}

	var changes []Change
	if current != "" {
		if r.unbind(connID, current) {
			changes = append(changes, Change{UserID: current, Online: false})
		}
	}

	r.conns[connID] = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
		changes = append(changes, Change{UserID: userID, Online: true})
	}
	set[connID] = struct{}{}

	return changes, nil
}

// Deregister removes the connection and reports whether its user went offline.
func (r *Registry) Deregister(connID string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)

	if userID != "" && r.unbind(connID, userID) {
		return []Change{{UserID: userID, Online: false}}
	}
	return nil
}

// unbind removes connID from the user's set and reports whether it was the last one.
// Must be called with r.mu held.
func (r *Registry) unbind(connID, userID string) bool {
	set, ok := r.users[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) ResolveUser(connID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.conns[connID]
	if !ok {
		return "", models.ErrNotFound
	}
	if userID == "" {
		return "", models.ErrNotIdentified
	}
	return userID, nil
}

// ConnectionsFor returns every live connection of userID, sorted.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sorted(lo.Keys(r.users[userID]))
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok
}

// Users returns the presence set, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sorted(lo.Keys(r.users))
}

// Connections returns all live connections, identified or not.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sorted(lo.Keys(r.conns))
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}
