// Package peer tracks the lifecycle of the WebRTC peer connections a client
// holds, one per remote participant of a call room.
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

type State string

const (
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateClosed      State = "closed"
)

var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrInvalidTransition = errors.New("invalid peer transition")
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

type Peer struct {
	ConnectionID string
	RoomID       string
	State        State
}

// Tracker is a map of remote connection id to peer state. Closed peers are
// removed, so a later Add for the same id starts over.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func NewTracker() *Tracker {
	return &Tracker{peers: make(map[string]*Peer)}
}

// Add starts tracking remoteConn in Connecting. Adding a known peer is a no-op.
func (t *Tracker) Add(roomID, remoteConn string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[remoteConn]; ok {
		return
	}
	t.peers[remoteConn] = &Peer{ConnectionID: remoteConn, RoomID: roomID, State: StateConnecting}
}

// Signal records an offer, answer or ICE candidate exchanged with remoteConn.
// Offers and answers move the peer to Negotiating; candidates keep the state.
// A renegotiation offer on a Connected peer is allowed.
func (t *Tracker) Signal(remoteConn string, kind SignalKind) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[remoteConn]
	if !ok {
		return StateClosed, fmt.Errorf("%w: %s", ErrUnknownPeer, remoteConn)
	}

	switch kind {
	case SignalCandidate:
		return p.State, nil
	case SignalOffer, SignalAnswer:
		p.State = StateNegotiating
		return p.State, nil
	}
	return p.State, fmt.Errorf("%w: signal %q", ErrInvalidTransition, kind)
}

// MarkConnected is valid only after negotiation started.
func (t *Tracker) MarkConnected(remoteConn string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[remoteConn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remoteConn)
	}
	if p.State != StateNegotiating {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, StateConnected)
	}
	p.State = StateConnected
	return nil
}

// Remove closes and forgets remoteConn.
func (t *Tracker) Remove(remoteConn string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[remoteConn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remoteConn)
	}
	p.State = StateClosed
	delete(t.peers, remoteConn)
	return nil
}

// RemoveRoom closes every peer of roomID and returns their connection ids.
func (t *Tracker) RemoveRoom(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []string
	for id, p := range t.peers {
		if p.RoomID == roomID {
			p.State = StateClosed
			delete(t.peers, id)
			closed = append(closed, id)
		}
	}
	sort.Strings(closed)
	return closed
}

// Get returns a copy of the peer.
func (t *Tracker) Get(remoteConn string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[remoteConn]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (t *Tracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := lo.Keys(t.peers)
	sort.Strings(ids)
	return ids
}
