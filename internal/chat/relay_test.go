package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"kampus/internal/models"
	"kampus/internal/rooms"
	"kampus/internal/storage"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]models.ServerEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]models.ServerEvent)}
}

func (r *recorder) Deliver(connID string, ev models.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[connID] = append(r.events[connID], ev)
	return nil
}

func (r *recorder) of(connID string, t models.ServerEventType) []models.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ServerEvent
	for _, ev := range r.events[connID] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type directory map[string][]string

func (d directory) IsOnline(userID string) bool            { return len(d[userID]) > 0 }
func (d directory) ConnectionsFor(userID string) []string { return d[userID] }

type pushRecorder struct {
	mu    sync.Mutex
	users []string
}

func (p *pushRecorder) NotifyOffline(_ context.Context, userID string, _ models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

type fixture struct {
	relay *Relay
	out   *recorder
	dir   directory
	store MessageStore
	push  *pushRecorder
}

func newFixture() *fixture {
	return newFixtureWith(storage.NewMemoryStore(50))
}

func newFixtureWith(store MessageStore) *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := newRecorder()
	dir := directory{}
	push := &pushRecorder{}
	return &fixture{
		relay: New(Config{
			Log:       log,
			Rooms:     rooms.New(log, out),
			Out:       out,
			Directory: dir,
			Store:     store,
			Notifier:  push,
		}),
		out:   out,
		dir:   dir,
		store: store,
		push:  push,
	}
}

func TestSend_ReceiverOffline(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	// Given alice online and bob offline
	f.dir["alice@x"] = []string{"a1"}
	f.relay.JoinChat("c1", "a1")

	// When alice sends to bob
	msg, err := f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
	req.NoError(err)
	f.relay.Wait()

	// Then nobody gets the message back and there is no delivered receipt
	req.Equal(models.MessageStatusSent, msg.Status)
	req.Empty(f.out.of("a1", models.ServerEventReceiveMessage))
	req.Empty(f.out.of("a1", models.ServerEventMessageStatusUpdate))
	req.Equal([]string{"bob@x"}, f.push.users)

	// And bob coming online later does not change that
	f.dir["bob@x"] = []string{"b1"}
	f.relay.JoinChat("c1", "b1")
	history, err := f.relay.History("c1", 0)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(models.MessageStatusSent, history[0].Status)
	req.Empty(f.out.of("a1", models.ServerEventMessageStatusUpdate))
}

func TestSend_ReceiverOnline(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	// Given alice on two devices and bob online in the chat
	f.dir["alice@x"] = []string{"a1", "a2"}
	f.dir["bob@x"] = []string{"b1"}
	f.relay.JoinChat("c1", "a1")
	f.relay.JoinChat("c1", "a2")
	f.relay.JoinChat("c1", "b1")

	// When alice sends from a1
	msg, err := f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", ReceiverID: "bob@x", Body: "<b>hi</b><script>x</script>"})
	req.NoError(err)

	// Then bob and alice's other device receive it, a1 does not
	req.Len(f.out.of("b1", models.ServerEventReceiveMessage), 1)
	req.Len(f.out.of("a2", models.ServerEventReceiveMessage), 1)
	req.Empty(f.out.of("a1", models.ServerEventReceiveMessage))

	// And both alice connections see the delivered receipt
	for _, conn := range []string{"a1", "a2"} {
		receipts := f.out.of(conn, models.ServerEventMessageStatusUpdate)
		req.Len(receipts, 1)
		data := receipts[0].Data.(models.MessageStatusData)
		req.Equal(msg.ID, data.MessageID)
		req.Equal(models.MessageStatusDelivered, data.Status)
	}

	req.Equal("<b>hi</b>", msg.Body)
	req.Equal("alice@x", msg.SenderID)
	req.NotEmpty(msg.ID)
	req.Empty(f.push.users)

	history, err := f.relay.History("c1", 10)
	req.NoError(err)
	req.Equal(models.MessageStatusDelivered, history[0].Status)
}

func TestSend_SenderIDComesFromIdentity(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	msg, err := f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", SenderID: "mallory@x", Body: "x"})
	req.NoError(err)
	req.Equal("alice@x", msg.SenderID)

	_, err = f.relay.Send("a1", "alice@x", models.Message{Body: "no chat"})
	req.ErrorIs(err, models.ErrInvalidEvent)
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	f.dir["alice@x"] = []string{"a1"}
	f.dir["bob@x"] = []string{"b1", "b2"}
	for _, c := range []string{"a1", "b1", "b2"} {
		f.relay.JoinChat("c1", c)
	}

	m1, err := f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", ReceiverID: "bob@x", Body: "one"})
	req.NoError(err)
	_, err = f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", ReceiverID: "bob@x", Body: "two"})
	req.NoError(err)

	// Explicit ids are announced to everyone but the reading connection
	ids, err := f.relay.MarkRead("b1", "bob@x", "c1", []string{m1.ID})
	req.NoError(err)
	req.Equal([]string{m1.ID}, ids)
	req.Len(f.out.of("a1", models.ServerEventMessagesMarkedRead), 1)
	req.Len(f.out.of("b2", models.ServerEventMessagesMarkedRead), 1)
	req.Empty(f.out.of("b1", models.ServerEventMessagesMarkedRead))

	// An empty list marks the rest
	ids, err = f.relay.MarkRead("b1", "bob@x", "c1", nil)
	req.NoError(err)
	req.Len(ids, 1)

	// Nothing left
	ids, err = f.relay.MarkRead("b1", "bob@x", "c1", nil)
	req.NoError(err)
	req.Empty(ids)
	req.Len(f.out.of("a1", models.ServerEventMessagesMarkedRead), 2)

	// Read is final even if a late delivered update arrives
	_, err = f.store.UpdateStatus("c1", []string{m1.ID}, models.MessageStatusDelivered)
	req.NoError(err)
	history, _ := f.relay.History("c1", 0)
	for _, m := range history {
		req.Equal(models.MessageStatusRead, m.Status)
	}
}

// stores runs fn against every MessageStore backend.
func stores(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("Memory", func(t *testing.T) {
		fn(t, newFixtureWith(storage.NewMemoryStore(50)))
	})
	t.Run("Bbolt", func(t *testing.T) {
		db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "relay.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		fn(t, newFixtureWith(db))
	})
}

func TestSend_RetryAfterRead(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		req := require.New(t)
		f.dir["alice@x"] = []string{"a1"}
		f.dir["bob@x"] = []string{"b1"}
		f.relay.JoinChat("c1", "a1")
		f.relay.JoinChat("c1", "b1")

		// Given m1 delivered to bob and read by him
		_, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)
		_, err = f.relay.MarkRead("b1", "bob@x", "c1", []string{"m1"})
		req.NoError(err)

		// When alice's client retries the same message
		msg, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)

		// Then nothing is rebroadcast and no status goes backwards
		req.Equal(models.MessageStatusRead, msg.Status)
		req.Len(f.out.of("b1", models.ServerEventReceiveMessage), 1)
		req.Len(f.out.of("a1", models.ServerEventMessageStatusUpdate), 1)

		history, err := f.relay.History("c1", 0)
		req.NoError(err)
		req.Len(history, 1)
		req.Equal(models.MessageStatusRead, history[0].Status)
	})
}

func TestSend_RetryCompletesMissingReceipt(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		req := require.New(t)
		f.dir["alice@x"] = []string{"a1"}
		f.relay.JoinChat("c1", "a1")

		// Given m1 sent while bob was offline
		_, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)
		f.relay.Wait()

		// When bob is online for the retry
		f.dir["bob@x"] = []string{"b1"}
		f.relay.JoinChat("c1", "b1")
		msg, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)

		// Then the retry is not rebroadcast but the receipt is sent once
		req.Equal(models.MessageStatusDelivered, msg.Status)
		req.Empty(f.out.of("b1", models.ServerEventReceiveMessage))
		req.Len(f.out.of("a1", models.ServerEventMessageStatusUpdate), 1)
		req.Equal([]string{"bob@x"}, f.push.users)

		// And a second retry changes nothing
		_, err = f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)
		req.Len(f.out.of("a1", models.ServerEventMessageStatusUpdate), 1)
	})
}

func TestSend_ReusedIDIsRejected(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		req := require.New(t)
		f.dir["alice@x"] = []string{"a1"}
		f.dir["bob@x"] = []string{"b1"}
		f.dir["eve@x"] = []string{"e1"}
		f.relay.JoinChat("secret", "a1")
		f.relay.JoinChat("secret", "b1")
		f.relay.JoinChat("evechat", "e1")
		f.relay.JoinChat("public", "e1")
		f.relay.JoinChat("public", "b1")

		_, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "secret", ReceiverID: "bob@x", Body: "private"})
		req.NoError(err)

		// An id owned by another chat
		_, err = f.relay.Send("e1", "eve@x", models.Message{ID: "m1", ChatID: "evechat", ReceiverID: "bob@x", Body: "spoof"})
		req.ErrorIs(err, models.ErrInvalidEvent)

		// An id in the same chat sent by someone else
		_, err = f.relay.Send("e1", "eve@x", models.Message{ID: "m1", ChatID: "secret", Body: "spoof"})
		req.ErrorIs(err, models.ErrInvalidEvent)

		req.Len(f.out.of("b1", models.ServerEventReceiveMessage), 1)
		req.Empty(f.out.of("e1", models.ServerEventReceiveMessage))
		req.Empty(f.out.of("e1", models.ServerEventMessageStatusUpdate))

		history, err := f.relay.History("evechat", 0)
		req.NoError(err)
		req.Empty(history)
	})
}

func TestMarkRead_BeforeDelivered(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		req := require.New(t)
		f.dir["alice@x"] = []string{"a1"}
		f.relay.JoinChat("c1", "a1")

		// Given m1 still sent because bob was offline
		_, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)

		// When bob reads it straight away
		ids, err := f.relay.MarkRead("b1", "bob@x", "c1", []string{"m1"})
		req.NoError(err)
		req.Equal([]string{"m1"}, ids)

		// And a late delivered arrives for it
		f.dir["bob@x"] = []string{"b1"}
		_, err = f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
		req.NoError(err)
		changed, err := f.store.UpdateStatus("c1", []string{"m1"}, models.MessageStatusDelivered)
		req.NoError(err)
		req.Empty(changed)

		// Then it stays read and no delivered receipt is emitted
		req.Empty(f.out.of("a1", models.ServerEventMessageStatusUpdate))
		history, _ := f.relay.History("c1", 0)
		req.Equal(models.MessageStatusRead, history[0].Status)
	})
}

func TestMarkRead_AnnouncesOnlyChanges(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		req := require.New(t)
		f.dir["alice@x"] = []string{"a1"}
		f.relay.JoinChat("c1", "a1")
		f.relay.JoinChat("c2", "a1")

		_, err := f.relay.Send("a1", "alice@x", models.Message{ID: "m1", ChatID: "c1", Body: "one"})
		req.NoError(err)
		_, err = f.relay.Send("a1", "alice@x", models.Message{ID: "m9", ChatID: "c2", Body: "other chat"})
		req.NoError(err)

		// Unknown ids and ids from another chat are not announced
		ids, err := f.relay.MarkRead("b1", "bob@x", "c1", []string{"m1", "ghost", "m9"})
		req.NoError(err)
		req.Equal([]string{"m1"}, ids)
		announced := f.out.of("a1", models.ServerEventMessagesMarkedRead)
		req.Len(announced, 1)
		req.Equal([]string{"m1"}, announced[0].Data.(models.MessagesMarkedReadData).MessageIDs)

		// A duplicate read is a no-op
		ids, err = f.relay.MarkRead("b1", "bob@x", "c1", []string{"m1"})
		req.NoError(err)
		req.Empty(ids)
		req.Len(f.out.of("a1", models.ServerEventMessagesMarkedRead), 1)
	})
}

func TestSend_WithoutStore(t *testing.T) {
	req := require.New(t)
	f := newFixtureWith(nil)
	f.dir["alice@x"] = []string{"a1"}
	f.dir["bob@x"] = []string{"b1"}

	msg, err := f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", ReceiverID: "bob@x", Body: "hi"})
	req.NoError(err)
	req.Equal(models.MessageStatusDelivered, msg.Status)
	req.Len(f.out.of("a1", models.ServerEventMessageStatusUpdate), 1)

	// Explicit ids are announced as given
	f.relay.JoinChat("c1", "a1")
	ids, err := f.relay.MarkRead("b1", "bob@x", "c1", []string{msg.ID})
	req.NoError(err)
	req.Equal([]string{msg.ID}, ids)
}

func TestTypingAndLeave(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	f.relay.JoinChat("c1", "a1")
	f.relay.JoinChat("c1", "b1")
	f.relay.Typing("a1", "alice@x", "c1", true)

	typing := f.out.of("b1", models.ServerEventUserTyping)
	req.Len(typing, 1)
	req.Equal(models.UserTypingData{ChatID: "c1", TypistID: "alice@x", IsTyping: true}, typing[0].Data)
	req.Empty(f.out.of("a1", models.ServerEventUserTyping))

	f.relay.LeaveChat("c1", "b1")
	f.relay.Typing("a1", "alice@x", "c1", false)
	req.Len(f.out.of("b1", models.ServerEventUserTyping), 1)
}

func TestNotify(t *testing.T) {
	req := require.New(t)
	f := newFixture()

	f.dir["bob@x"] = []string{"b1", "b2"}
	n := f.relay.Notify("alice@x", "bob@x", json.RawMessage(`{"kind":"like"}`))
	req.Equal(2, n)
	req.Len(f.out.of("b2", models.ServerEventNewNotification), 1)

	req.Zero(f.relay.Notify("alice@x", "carol@x", json.RawMessage(`{}`)))
}

func TestSend_OrderPerChat(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.relay.JoinChat("c1", "b1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_, _ = f.relay.Send("a1", "alice@x", models.Message{ChatID: "c1", Body: "x"})
		})
	}
	wg.Wait()

	received := f.out.of("b1", models.ServerEventReceiveMessage)
	req.Len(received, 20)
	for i, ev := range received {
		req.Equal(int64(i+1), ev.Data.(models.Message).Seq)
	}
}

func TestRoomID(t *testing.T) {
	req := require.New(t)
	req.Equal("chat:c1", RoomID("c1"))
	req.True(IsChatRoom(RoomID("c1")))
	req.False(IsChatRoom("3f2c"))
}
