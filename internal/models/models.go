package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrNotIdentified is returned for events that need a user identity
	// on a connection that has not sent identify yet.
	ErrNotIdentified = errors.New("connection is not identified")

	// ErrUserOffline is returned when a call targets a user with no live connections.
	ErrUserOffline = errors.New("user is offline")

	// ErrInvalidCallState is returned when a call transition is requested
	// against a missing, finished or wrong-state session.
	ErrInvalidCallState = errors.New("invalid call state")

	// ErrRoomNotFound marks a broadcast or relay into a room without members.
	// It is never reported to clients.
	ErrRoomNotFound = errors.New("room not found")

	// ErrTransportUnreachable is returned when a single delivery cannot be
	// handed to a connection's outbound queue.
	ErrTransportUnreachable = errors.New("transport unreachable")

	ErrInvalidEvent = errors.New("invalid event")
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindVoice MessageKind = "voice"
	MessageKindFile  MessageKind = "file"
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank orders statuses along sent -> delivered -> read.
// Unknown statuses rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Advance returns the status after applying next. Statuses never move
// backwards, so applying delivered to a read message keeps it read.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// Message represents a chat message.
type Message struct {
	ID              string        `json:"id"`
	Seq             int64         `json:"seq,omitempty"`
	ChatID          string        `json:"chatId" validate:"required"`
	SenderID        string        `json:"senderId"`
	ReceiverID      string        `json:"receiverId,omitempty"`
	Body            string        `json:"body"`
	Kind            MessageKind   `json:"kind,omitempty" validate:"omitempty,oneof=text voice file"`
	Status          MessageStatus `json:"status,omitempty"`
	MediaURL        string        `json:"mediaUrl,omitempty"`
	FileName        string        `json:"fileName,omitempty"`
	DurationSeconds int           `json:"durationSeconds,omitempty"`
	CreatedAt       int64         `json:"createdAt"` // Unix milliseconds
}

// UserMeta is display metadata a client attaches to calls and room joins.
type UserMeta struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"userId" validate:"required"`
	Endpoint string `json:"endpoint" validate:"required,url"`
	Auth     string `json:"auth" validate:"required"`
	P256dh   string `json:"p256dh" validate:"required"`
}

// Stats is a point-in-time view of the relay's shared registries.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"onlineUsers"`
	Rooms       int `json:"rooms"`
	Calls       int `json:"calls"`
}
