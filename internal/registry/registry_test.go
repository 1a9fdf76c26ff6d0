package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"kampus/internal/models"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	req := require.New(t)
	r := New()

	// Given an unidentified connection
	r.Register("c1")
	_, err := r.ResolveUser("c1")
	req.ErrorIs(err, models.ErrNotIdentified)
	req.Empty(r.Users())

	// When it identifies
	changes, err := r.Identify("c1", "alice@x")
	req.NoError(err)
	req.Equal([]Change{{UserID: "alice@x", Online: true}}, changes)

	// Then the user is online and resolvable
	req.True(r.IsOnline("alice@x"))
	userID, err := r.ResolveUser("c1")
	req.NoError(err)
	req.Equal("alice@x", userID)

	// Re-identifying is a no-op
	changes, err = r.Identify("c1", "alice@x")
	req.NoError(err)
	req.Empty(changes)

	// When it disconnects the user goes offline
	req.Equal([]Change{{UserID: "alice@x", Online: false}}, r.Deregister("c1"))
	req.False(r.IsOnline("alice@x"))
	_, err = r.ResolveUser("c1")
	req.ErrorIs(err, models.ErrNotFound)

	// Deregistering twice is harmless
	req.Empty(r.Deregister("c1"))
}

func TestRegistry_MultiDevice(t *testing.T) {
	req := require.New(t)
	r := New()

	r.Register("phone")
	r.Register("laptop")
	_, _ = r.Identify("phone", "bob@x")
	changes, err := r.Identify("laptop", "bob@x")
	req.NoError(err)
	req.Empty(changes, "second device must not flip presence")

	req.Equal([]string{"laptop", "phone"}, r.ConnectionsFor("bob@x"))

	req.Empty(r.Deregister("phone"))
	req.True(r.IsOnline("bob@x"))
	req.Equal([]string{"laptop"}, r.ConnectionsFor("bob@x"))

	req.Len(r.Deregister("laptop"), 1)
	req.False(r.IsOnline("bob@x"))
	req.Empty(r.ConnectionsFor("bob@x"))
}

func TestRegistry_Rebind(t *testing.T) {
	req := require.New(t)
	r := New()

	r.Register("c1")
	_, _ = r.Identify("c1", "alice@x")

	changes, err := r.Identify("c1", "bob@x")
	req.NoError(err)
	req.Equal([]Change{
		{UserID: "alice@x", Online: false},
		{UserID: "bob@x", Online: true},
	}, changes)
	req.Equal([]string{"bob@x"}, r.Users())
}

func TestRegistry_IdentifyUnknownConnection(t *testing.T) {
	_, err := New().Identify("ghost", "alice@x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

// Presence must equal the set of users with at least one registered connection
// after every step of an arbitrary sequence.
func TestRegistry_PresenceMatchesConnections(t *testing.T) {
	req := require.New(t)
	rnd := rand.New(rand.NewSource(42))
	r := New()

	users := []string{"a@x", "b@x", "c@x"}
	model := make(map[string]string) // connID -> userID

	for step := 0; step < 2000; step++ {
		connID := fmt.Sprintf("c%d", rnd.Intn(8))
		switch rnd.Intn(3) {
		case 0:
			r.Register(connID)
			if _, ok := model[connID]; !ok {
				model[connID] = ""
			}
		case 1:
			userID := users[rnd.Intn(len(users))]
			if _, err := r.Identify(connID, userID); err == nil {
				model[connID] = userID
			} else {
				_, ok := model[connID]
				req.False(ok, "identify failed for a registered connection")
			}
		case 2:
			r.Deregister(connID)
			delete(model, connID)
		}

		expected := make(map[string]struct{})
		for _, u := range model {
			if u != "" {
				expected[u] = struct{}{}
			}
		}
		want := make([]string, 0, len(expected))
		for u := range expected {
			want = append(want, u)
		}
		sort.Strings(want)
		req.Equal(want, r.Users(), "step %d", step)
	}
}
