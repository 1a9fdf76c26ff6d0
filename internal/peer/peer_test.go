package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	req := require.New(t)
	tr := NewTracker()

	// Given a participant announced by the relay
	tr.Add("room-1", "c2")
	p, ok := tr.Get("c2")
	req.True(ok)
	req.Equal(StateConnecting, p.State)

	// When candidates arrive before the offer
	state, err := tr.Signal("c2", SignalCandidate)
	req.NoError(err)
	req.Equal(StateConnecting, state)

	// And the offer/answer exchange happens
	state, err = tr.Signal("c2", SignalOffer)
	req.NoError(err)
	req.Equal(StateNegotiating, state)
	state, err = tr.Signal("c2", SignalAnswer)
	req.NoError(err)
	req.Equal(StateNegotiating, state)

	// Then the peer can be marked connected
	req.NoError(tr.MarkConnected("c2"))
	p, _ = tr.Get("c2")
	req.Equal(StateConnected, p.State)

	// And user_left closes it for good
	req.NoError(tr.Remove("c2"))
	_, ok = tr.Get("c2")
	req.False(ok)
	req.ErrorIs(tr.MarkConnected("c2"), ErrUnknownPeer)
	_, err = tr.Signal("c2", SignalOffer)
	req.ErrorIs(err, ErrUnknownPeer)
}

func TestTracker_InvalidTransitions(t *testing.T) {
	req := require.New(t)
	tr := NewTracker()
	tr.Add("room-1", "c2")

	req.ErrorIs(tr.MarkConnected("c2"), ErrInvalidTransition)

	_, err := tr.Signal("c2", SignalKind("bye"))
	req.ErrorIs(err, ErrInvalidTransition)

	req.ErrorIs(tr.Remove("nobody"), ErrUnknownPeer)
}

func TestTracker_AddIsIdempotent(t *testing.T) {
	req := require.New(t)
	tr := NewTracker()
	tr.Add("room-1", "c2")
	_, err := tr.Signal("c2", SignalOffer)
	req.NoError(err)

	tr.Add("room-1", "c2")
	p, _ := tr.Get("c2")
	req.Equal(StateNegotiating, p.State)
}

func TestTracker_RemoveRoom(t *testing.T) {
	req := require.New(t)
	tr := NewTracker()
	tr.Add("room-1", "c3")
	tr.Add("room-1", "c2")
	tr.Add("room-2", "c4")

	req.Equal([]string{"c2", "c3"}, tr.RemoveRoom("room-1"))
	req.Equal([]string{"c4"}, tr.Peers())
}
