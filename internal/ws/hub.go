package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kampus/internal/call"
	"kampus/internal/chat"
	"kampus/internal/content"
	"kampus/internal/models"
	"kampus/internal/presence"
	"kampus/internal/registry"
	"kampus/internal/rooms"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Log          *slog.Logger
	Store        chat.MessageStore
	Notifier     chat.Notifier
	OutboxSize   int
	RingTimeout  time.Duration
	HistoryLimit int

	// PresenceFullSync broadcasts the whole online set on every change
	// instead of joined/left deltas.
	PresenceFullSync bool
}

// sender is the connection an inbound event came from.
type sender struct {
	connID string
	userID string
}

type handler struct {
	// identified handlers reject unidentified connections.
	identified bool
	handle     func(s sender, ev models.ClientEvent) error
}

type client struct {
	outbox *Outbox
	once   sync.Once
}

// Hub owns every live connection and routes inbound events to the chat relay
// and the call coordinator.
type Hub struct {
	log      *slog.Logger
	registry *registry.Registry
	presence *presence.Service
	rooms    *rooms.Manager
	chat     *chat.Relay
	calls    *call.Coordinator

	validate   *validator.Validate
	handlers   map[models.ClientEventType]handler
	outboxSize int
	fullSync   bool

	unsubscribe func()

	clients map[string]*client
	mu      sync.RWMutex
}

func NewHub(ctx context.Context, cfg Config) *Hub {
	reg := registry.New()
	h := &Hub{
		log:        cfg.Log,
		registry:   reg,
		presence:   presence.New(reg),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		outboxSize: cfg.OutboxSize,
		fullSync:   cfg.PresenceFullSync,
		clients:    make(map[string]*client),
	}
	h.rooms = rooms.New(cfg.Log, h)
	h.chat = chat.New(chat.Config{
		Log:          cfg.Log,
		Rooms:        h.rooms,
		Out:          h,
		Directory:    h.presence,
		Store:        cfg.Store,
		Notifier:     cfg.Notifier,
		HistoryLimit: cfg.HistoryLimit,
	})
	h.calls = call.New(ctx, call.Config{
		Log:         cfg.Log,
		Rooms:       h.rooms,
		Out:         h,
		Directory:   h.presence,
		RingTimeout: cfg.RingTimeout,
	})
	h.unsubscribe = h.presence.Subscribe(h.broadcastPresence)
	h.registerHandlers()
	return h
}

func (h *Hub) Chat() *chat.Relay {
	return h.chat
}

func (h *Hub) Presence() *presence.Service {
	return h.presence
}

func (h *Hub) Calls() *call.Coordinator {
	return h.calls
}

// Connect registers a new connection and returns the outbox its writer drains.
func (h *Hub) Connect(connID string) *Outbox {
	outbox := NewOutbox(h.outboxSize)

	h.mu.Lock()
	h.clients[connID] = &client{outbox: outbox}
	h.mu.Unlock()

	h.registry.Register(connID)
	_ = outbox.Push(models.Hello(connID))
	h.log.Debug("connection registered", "conn_id", connID)
	return outbox
}

// Deliver implements rooms.Deliverer.
func (h *Hub) Deliver(connID string, ev models.ServerEvent) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return models.ErrTransportUnreachable
	}
	return c.outbox.Push(ev)
}

// Disconnect removes every trace of connID: rooms first (so calls can react),
// then presence, then the outbox. It is safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.once.Do(func() {
		h.log.Debug("releasing connection", "conn_id", connID, "rooms", h.rooms.RoomsOf(connID))
		h.calls.OnDisconnect(connID, h.rooms.LeaveAll(connID))
		h.presence.Deregister(connID)

		h.mu.Lock()
		delete(h.clients, connID)
		h.mu.Unlock()
		c.outbox.Close()

		// Catch rings and joins that raced with the first pass.
		h.calls.OnDisconnect(connID, h.rooms.LeaveAll(connID))

		h.log.Debug("connection released", "conn_id", connID, "dropped", c.outbox.Dropped())
	})
}

// Dispatch handles one inbound event. Failures are reported only to connID.
func (h *Hub) Dispatch(connID string, ev models.ClientEvent) {
	hd, ok := h.handlers[ev.Type]
	if !ok {
		h.reply(connID, ev, fmt.Errorf("unknown event type %q: %w", ev.Type, models.ErrInvalidEvent))
		return
	}

	userID, err := h.registry.ResolveUser(connID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return
	case err != nil && hd.identified:
		h.reply(connID, ev, fmt.Errorf("%s: %w", ev.Type, err))
		return
	}

	if err := hd.handle(sender{connID: connID, userID: userID}, ev); err != nil {
		h.reply(connID, ev, err)
	}
}

func (h *Hub) reply(connID string, ev models.ClientEvent, err error) {
	log := h.log.With("conn_id", connID, "event", ev.Type, "error", err)
	if models.ErrorCode(err) == "internal" {
		log.Error("event failed")
		err = errors.New("internal error")
	} else {
		log.Debug("event rejected")
	}
	_ = h.Deliver(connID, models.ErrorEvent(err, ev.Ref))
}

func (h *Hub) broadcastPresence(u presence.Update) {
	ev := models.OnlineUsersDelta(u.Joined, u.Left)
	if h.fullSync {
		ev = models.OnlineUsersSnapshot(u.Online)
	}

	h.mu.RLock()
	outboxes := make([]*Outbox, 0, len(h.clients))
	for _, c := range h.clients {
		outboxes = append(outboxes, c.outbox)
	}
	h.mu.RUnlock()

	for _, o := range outboxes {
		_ = o.Push(ev)
	}
}

// Stats is a point-in-time view for the admin API.
func (h *Hub) Stats() models.Stats {
	return models.Stats{
		Connections: h.registry.Count(),
		OnlineUsers: len(h.presence.OnlineUsers()),
		Rooms:       h.rooms.Count(),
		Calls:       h.calls.Count(),
	}
}

// Close stops presence broadcasts and waits for queued push notifications.
func (h *Hub) Close() {
	h.unsubscribe()
	h.chat.Wait()
}

// on registers fn for t with its payload decoded into P and validated.
func on[P any](h *Hub, t models.ClientEventType, identified bool, fn func(s sender, p P) error) {
	h.handlers[t] = handler{
		identified: identified,
		handle: func(s sender, ev models.ClientEvent) error {
			var p P
			if len(ev.Data) == 0 {
				return fmt.Errorf("%s: missing data: %w", t, models.ErrInvalidEvent)
			}
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				return fmt.Errorf("%s: %v: %w", t, err, models.ErrInvalidEvent)
			}
			if err := h.validate.Struct(p); err != nil {
				return fmt.Errorf("%s: %v: %w", t, err, models.ErrInvalidEvent)
			}
			return fn(s, p)
		},
	}
}

func callRoom(roomID string) error {
	if chat.IsChatRoom(roomID) {
		return fmt.Errorf("room %s is a chat: %w", roomID, models.ErrInvalidEvent)
	}
	return nil
}

func (h *Hub) registerHandlers() {
	h.handlers = make(map[models.ClientEventType]handler)

	on(h, models.ClientEventIdentify, false, func(s sender, p models.IdentifyPayload) error {
		if err := content.ValidateUserID(p.UserID); err != nil {
			return fmt.Errorf("%v: %w", err, models.ErrInvalidEvent)
		}
		if err := h.presence.Identify(s.connID, p.UserID); err != nil {
			return err
		}
		h.log.Info("connection identified", "conn_id", s.connID, "user_id", p.UserID)
		return h.Deliver(s.connID, models.OnlineUsersSnapshot(h.presence.OnlineUsers()))
	})

	on(h, models.ClientEventJoinChat, false, func(s sender, p models.ChatPayload) error {
		h.chat.JoinChat(p.ChatID, s.connID)
		return nil
	})

	on(h, models.ClientEventLeaveChat, false, func(s sender, p models.ChatPayload) error {
		h.chat.LeaveChat(p.ChatID, s.connID)
		return nil
	})

	on(h, models.ClientEventSendMessage, true, func(s sender, p models.SendMessagePayload) error {
		_, err := h.chat.Send(s.connID, s.userID, p.Message)
		return err
	})

	on(h, models.ClientEventTyping, true, func(s sender, p models.TypingPayload) error {
		h.chat.Typing(s.connID, s.userID, p.ChatID, p.IsTyping)
		return nil
	})

	on(h, models.ClientEventMessagesRead, true, func(s sender, p models.MessagesReadPayload) error {
		_, err := h.chat.MarkRead(s.connID, s.userID, p.ChatID, p.MessageIDs)
		return err
	})

	on(h, models.ClientEventCallUser, true, func(s sender, p models.CallUserPayload) error {
		_, err := h.calls.Initiate(s.connID, s.userID, p.CalleeID, p.Kind, p.Meta)
		return err
	})

	on(h, models.ClientEventAcceptCall, true, func(s sender, p models.AcceptCallPayload) error {
		return h.calls.Accept(p.RoomID, s.connID, s.userID, p.Meta)
	})

	on(h, models.ClientEventRejectCall, true, func(s sender, p models.RoomPayload) error {
		return h.calls.Reject(p.RoomID, s.connID, s.userID)
	})

	on(h, models.ClientEventJoinRoom, true, func(s sender, p models.JoinRoomPayload) error {
		if err := callRoom(p.RoomID); err != nil {
			return err
		}
		return h.calls.JoinRoom(p.RoomID, s.connID, s.userID, p.Kind, p.Meta)
	})

	on(h, models.ClientEventLeaveRoom, false, func(s sender, p models.RoomPayload) error {
		if err := callRoom(p.RoomID); err != nil {
			return err
		}
		h.calls.Leave(p.RoomID, s.connID)
		return nil
	})

	on(h, models.ClientEventWebRTCSignal, true, func(s sender, p models.WebRTCSignalPayload) error {
		return h.calls.Relay(p.RoomID, s.connID, s.userID, p.To, p.Payload)
	})

	on(h, models.ClientEventKickParticipant, true, func(s sender, p models.KickParticipantPayload) error {
		if err := callRoom(p.RoomID); err != nil {
			return err
		}
		return h.calls.Kick(p.RoomID, s.connID, p.TargetUserID)
	})

	on(h, models.ClientEventSendNotification, true, func(s sender, p models.SendNotificationPayload) error {
		h.chat.Notify(s.userID, p.UserID, p.Notification)
		return nil
	})

	on(h, models.ClientEventSendInvite, true, func(s sender, p models.SendInvitePayload) error {
		if err := callRoom(p.RoomID); err != nil {
			return err
		}
		return h.calls.Invite(p.RoomID, s.userID, p.InviteeID, p.Meta)
	})
}
