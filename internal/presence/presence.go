package presence

import (
	"sync"

	"kampus/internal/registry"

	"github.com/samber/lo"
)

// Update is handed to subscribers on every presence change.
type Update struct {
	Joined []string
	Left   []string
	// Online is the full online set after the change.
	Online []string
}

type Listener func(Update)

// Service answers presence queries and publishes online-set changes.
// Identify and Deregister are serialized with publishing so subscribers
// observe deltas in the order the registry applied them.
type Service struct {
	registry *registry.Registry

	seq sync.Mutex

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func New(reg *registry.Registry) *Service {
	return &Service{
		registry:  reg,
		listeners: make(map[int]Listener),
	}
}

func (s *Service) IsOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}

func (s *Service) OnlineUsers() []string {
	return s.registry.Users()
}

func (s *Service) ConnectionsFor(userID string) []string {
	return s.registry.ConnectionsFor(userID)
}

// Subscribe registers fn for every future change. The returned func removes it.
func (s *Service) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Identify binds the connection and publishes the resulting change, if any.
func (s *Service) Identify(connID, userID string) error {
	s.seq.Lock()
	defer s.seq.Unlock()

	changes, err := s.registry.Identify(connID, userID)
	if err != nil {
		return err
	}
	s.publish(changes)
	return nil
}

// Deregister removes the connection and publishes the resulting change, if any.
func (s *Service) Deregister(connID string) {
	s.seq.Lock()
	defer s.seq.Unlock()

	s.publish(s.registry.Deregister(connID))
}

func (s *Service) publish(changes []registry.Change) {
	if len(changes) == 0 {
		return
	}

	update := Update{
		Joined: lo.FilterMap(changes, func(c registry.Change, _ int) (string, bool) { return c.UserID, c.Online }),
		Left:   lo.FilterMap(changes, func(c registry.Change, _ int) (string, bool) { return c.UserID, !c.Online }),
		Online: s.registry.Users(),
	}

	s.mu.Lock()
	listeners := lo.Values(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
}
