package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kampus/internal/content"
	"kampus/internal/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const roomPrefix = "chat:"

// MessageStore persists chat messages. Status updates never regress.
type MessageStore interface {
	// SaveMessage reports created=false when the id is already stored in the chat.
	SaveMessage(msg models.Message) (models.Message, bool, error)
	ListMessages(chatID string, limit int) ([]models.Message, error)
	UpdateStatus(chatID string, ids []string, status models.MessageStatus) ([]string, error)
	MarkChatRead(chatID, readerID string) ([]string, error)
}

// Directory answers who is online and where.
type Directory interface {
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []string
}

// Notifier reaches a user that has no live connection.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID string, msg models.Message) error
}

// Rooms is the part of the room manager the relay fans out through.
type Rooms interface {
	Join(roomID, connID string) bool
	Leave(roomID, connID string) (bool, bool)
	Broadcast(roomID string, ev models.ServerEvent, exclude string) (int, error)
}

// Deliverer hands an event to a single connection.
type Deliverer interface {
	Deliver(connID string, ev models.ServerEvent) error
}

type Config struct {
	Log          *slog.Logger
	Rooms        Rooms
	Out          Deliverer
	Directory    Directory
	Store        MessageStore
	Notifier     Notifier
	HistoryLimit int
}

// Relay delivers chat traffic to the members of a chat room and emits
// delivery and read receipts.
type Relay struct {
	log          *slog.Logger
	rooms        Rooms
	out          Deliverer
	dir          Directory
	store        MessageStore
	notifier     Notifier
	historyLimit int

	// Sends and reads on the same chat are serialized so stored sequence
	// order matches broadcast order.
	stripes [32]sync.Mutex

	pushes sync.WaitGroup
}

func New(cfg Config) *Relay {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 200
	}
	return &Relay{
		log:          cfg.Log,
		rooms:        cfg.Rooms,
		out:          cfg.Out,
		dir:          cfg.Directory,
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		historyLimit: limit,
	}
}

// RoomID maps a chat id onto its room in the shared room table.
func RoomID(chatID string) string {
	return roomPrefix + chatID
}

func IsChatRoom(roomID string) bool {
	return strings.HasPrefix(roomID, roomPrefix)
}

func (r *Relay) lock(chatID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	mu := &r.stripes[h.Sum32()%uint32(len(r.stripes))]
	mu.Lock()
	return mu.Unlock
}

func (r *Relay) JoinChat(chatID, connID string) {
	r.rooms.Join(RoomID(chatID), connID)
}

func (r *Relay) LeaveChat(chatID, connID string) {
	r.rooms.Leave(RoomID(chatID), connID)
}

// Send stores msg and broadcasts it to the chat room, skipping the sending
// connection. The sender's connections get a delivered receipt only when the
// receiver is online right now; otherwise an offline notification is queued.
func (r *Relay) Send(senderConn, senderID string, msg models.Message) (models.Message, error) {
	if msg.ChatID == "" {
		return models.Message{}, fmt.Errorf("message without chat: %w", models.ErrInvalidEvent)
	}

	msg.SenderID = senderID
	msg.Body = content.Sanitize(msg.Body)
	msg.FileName = content.Sanitize(msg.FileName)
	msg.Status = models.MessageStatusSent
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageKindText
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	unlock := r.lock(msg.ChatID)
	defer unlock()

	created := true
	if r.store != nil {
		stored, isNew, err := r.store.SaveMessage(msg)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to save message: %w", err)
		}
		if !isNew && stored.SenderID != senderID {
			return models.Message{}, fmt.Errorf("message %s was sent by another user: %w", msg.ID, models.ErrInvalidEvent)
		}
		msg, created = stored, isNew
	}

	// A retried id was already broadcast; only a missing receipt may follow.
	if created {
		r.broadcast(msg.ChatID, models.ReceiveMessage(msg), senderConn)
	}

	if msg.ReceiverID == "" {
		return msg, nil
	}

	if !r.dir.IsOnline(msg.ReceiverID) {
		r.log.Debug("receiver offline, no delivery receipt", "chat_id", msg.ChatID, "user_id", msg.ReceiverID)
		if created {
			r.notifyOffline(msg)
		}
		return msg, nil
	}

	if !r.advance(&msg, models.MessageStatusDelivered) {
		return msg, nil
	}

	receipt := models.MessageStatusUpdate(msg.ID, msg.ChatID, models.MessageStatusDelivered)
	for _, connID := range r.dir.ConnectionsFor(senderID) {
		r.deliver(connID, receipt)
	}
	return msg, nil
}

// advance moves msg to status and reports whether that changed anything.
// With a store the stored row decides, so a read message stays read.
func (r *Relay) advance(msg *models.Message, status models.MessageStatus) bool {
	if r.store == nil {
		next := msg.Status.Advance(status)
		changed := next != msg.Status
		msg.Status = next
		return changed
	}

	changed, err := r.store.UpdateStatus(msg.ChatID, []string{msg.ID}, status)
	if err != nil {
		r.log.Warn("failed to store status", "chat_id", msg.ChatID, "status", status, "error", err)
		return false
	}
	if !lo.Contains(changed, msg.ID) {
		return false
	}
	msg.Status = msg.Status.Advance(status)
	return true
}

func (r *Relay) notifyOffline(msg models.Message) {
	if r.notifier == nil {
		return
	}
	r.pushes.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.NotifyOffline(ctx, msg.ReceiverID, msg); err != nil {
			r.log.Warn("offline notification failed", "user_id", msg.ReceiverID, "error", err)
		}
	})
}

// MarkRead records that readerID has read messageIDs and tells the other
// members of the chat. An empty messageIDs marks everything the reader has
// not sent yet. With a store only the ids that changed are announced.
func (r *Relay) MarkRead(readerConn, readerID, chatID string, messageIDs []string) ([]string, error) {
	unlock := r.lock(chatID)
	defer unlock()

	ids := messageIDs
	switch {
	case r.store != nil && len(messageIDs) == 0:
		changed, err := r.store.MarkChatRead(chatID, readerID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark chat read: %w", err)
		}
		ids = changed
	case r.store != nil:
		changed, err := r.store.UpdateStatus(chatID, messageIDs, models.MessageStatusRead)
		if err != nil {
			return nil, fmt.Errorf("failed to update status: %w", err)
		}
		ids = changed
	}

	if len(ids) == 0 {
		return nil, nil
	}

	r.broadcast(chatID, models.MessagesMarkedRead(chatID, readerID, ids), readerConn)
	return ids, nil
}

// Typing is a best-effort hint; nothing is stored.
func (r *Relay) Typing(typistConn, typistID, chatID string, isTyping bool) {
	r.broadcast(chatID, models.UserTyping(chatID, typistID, isTyping), typistConn)
}

// broadcast fans ev out to the chat's room. Nobody having the chat open is normal.
func (r *Relay) broadcast(chatID string, ev models.ServerEvent, exclude string) {
	if _, err := r.rooms.Broadcast(RoomID(chatID), ev, exclude); err != nil && !errors.Is(err, models.ErrRoomNotFound) {
		r.log.Warn("chat broadcast failed", "chat_id", chatID, "event", ev.Type, "error", err)
	}
}

// Notify pushes an app notification to every live connection of userID and
// returns how many received it.
func (r *Relay) Notify(fromUserID, userID string, notification json.RawMessage) int {
	ev := models.NewNotification(fromUserID, notification)
	sent := 0
	for _, connID := range r.dir.ConnectionsFor(userID) {
		if r.deliver(connID, ev) {
			sent++
		}
	}
	return sent
}

// History returns the most recent messages of a chat, oldest first.
func (r *Relay) History(chatID string, limit int) ([]models.Message, error) {
	if r.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > r.historyLimit {
		limit = r.historyLimit
	}
	return r.store.ListMessages(chatID, limit)
}

// Wait blocks until queued offline notifications are done.
func (r *Relay) Wait() {
	r.pushes.Wait()
}

func (r *Relay) deliver(connID string, ev models.ServerEvent) bool {
	err := r.out.Deliver(connID, ev)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrTransportUnreachable):
		r.log.Debug("dropping event for closed connection", "conn_id", connID, "event", ev.Type)
	default:
		r.log.Warn("delivery failed", "conn_id", connID, "event", ev.Type, "error", err)
	}
	return false
}
