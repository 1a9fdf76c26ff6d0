package models

import (
	"encoding/json"
	"errors"
)

// ClientEvent is an inbound event. Type selects the payload struct Data is
// decoded into; Ref is echoed back on errors so clients can correlate them.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ClientEventType string

const (
	ClientEventIdentify         ClientEventType = "identify"
	ClientEventJoinChat         ClientEventType = "join_chat"
	ClientEventLeaveChat        ClientEventType = "leave_chat"
	ClientEventSendMessage      ClientEventType = "send_message"
	ClientEventTyping           ClientEventType = "typing"
	ClientEventMessagesRead     ClientEventType = "messages_read"
	ClientEventCallUser         ClientEventType = "call_user"
	ClientEventAcceptCall       ClientEventType = "accept_call"
	ClientEventRejectCall       ClientEventType = "reject_call"
	ClientEventJoinRoom         ClientEventType = "join_room"
	ClientEventLeaveRoom        ClientEventType = "leave_room"
	ClientEventWebRTCSignal     ClientEventType = "webrtc_signal"
	ClientEventKickParticipant  ClientEventType = "kick_participant"
	ClientEventSendNotification ClientEventType = "send_notification"
	ClientEventSendInvite       ClientEventType = "send_invite"
)

// NewClientEvent encodes data as the payload of an inbound event.
func NewClientEvent(t ClientEventType, data any) (ClientEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ClientEvent{}, err
	}
	return ClientEvent{Type: t, Data: raw}, nil
}

type IdentifyPayload struct {
	UserID string `json:"userId" validate:"required,max=320"`
}

type ChatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type SendMessagePayload struct {
	Message Message `json:"message"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesReadPayload struct {
	ChatID     string   `json:"chatId" validate:"required"`
	MessageIDs []string `json:"messageIds"`
}

type CallUserPayload struct {
	CalleeID string   `json:"calleeId" validate:"required"`
	Kind     CallKind `json:"kind" validate:"required,oneof=audio video"`
	Meta     UserMeta `json:"meta"`
}

type AcceptCallPayload struct {
	RoomID string   `json:"roomId" validate:"required"`
	Meta   UserMeta `json:"meta"`
}

type RoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type JoinRoomPayload struct {
	RoomID string   `json:"roomId" validate:"required"`
	Kind   CallKind `json:"kind" validate:"omitempty,oneof=audio video"`
	Meta   UserMeta `json:"meta"`
}

type WebRTCSignalPayload struct {
	RoomID  string          `json:"roomId" validate:"required"`
	To      string          `json:"to" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type KickParticipantPayload struct {
	RoomID       string `json:"roomId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

type SendNotificationPayload struct {
	UserID       string          `json:"userId" validate:"required"`
	Notification json.RawMessage `json:"notification" validate:"required"`
}

type SendInvitePayload struct {
	RoomID    string   `json:"roomId" validate:"required"`
	InviteeID string   `json:"inviteeId" validate:"required"`
	Meta      UserMeta `json:"meta"`
}

// ServerEvent is an outbound event. Data holds one of the *Data structs below.
type ServerEvent struct {
	Type ServerEventType `json:"type"`
	Data any             `json:"data,omitempty"`
}

type ServerEventType string

const (
	ServerEventHello               ServerEventType = "hello"
	ServerEventError               ServerEventType = "error"
	ServerEventOnlineUsersUpdate   ServerEventType = "online_users_update"
	ServerEventReceiveMessage      ServerEventType = "receive_message"
	ServerEventMessageStatusUpdate ServerEventType = "message_status_update"
	ServerEventUserTyping          ServerEventType = "user_typing"
	ServerEventMessagesMarkedRead  ServerEventType = "messages_marked_read"
	ServerEventIncomingCall        ServerEventType = "incoming_call"
	ServerEventCallRinging         ServerEventType = "call_ringing"
	ServerEventCallRejected        ServerEventType = "call_rejected"
	ServerEventCallEnded           ServerEventType = "call_ended"
	ServerEventCallCancelled       ServerEventType = "call_cancelled"
	ServerEventUserJoined          ServerEventType = "user_joined"
	ServerEventUserLeft            ServerEventType = "user_left"
	ServerEventCurrentParticipants ServerEventType = "current_participants"
	ServerEventKickedFromRoom      ServerEventType = "kicked_from_room"
	ServerEventWebRTCSignal        ServerEventType = "webrtc_signal"
	ServerEventRoomInvite          ServerEventType = "room_invite"
	ServerEventNewNotification     ServerEventType = "new_notification"
)

type HelloData struct {
	ConnectionID string `json:"connectionId"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// OnlineUsersData is either a full snapshot (Full=true, Users set) or a
// delta of users that came online (Joined) and went offline (Left).
type OnlineUsersData struct {
	Full   bool     `json:"full"`
	Users  []string `json:"users,omitempty"`
	Joined []string `json:"joined,omitempty"`
	Left   []string `json:"left,omitempty"`
}

type MessageStatusData struct {
	MessageID string        `json:"messageId"`
	ChatID    string        `json:"chatId"`
	Status    MessageStatus `json:"status"`
}

type UserTypingData struct {
	ChatID   string `json:"chatId"`
	TypistID string `json:"typistId"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesMarkedReadData struct {
	ChatID     string   `json:"chatId"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

type IncomingCallData struct {
	RoomID     string   `json:"roomId"`
	FromUserID string   `json:"fromUserId"`
	Kind       CallKind `json:"kind"`
	CallerMeta UserMeta `json:"callerMeta"`
}

type CallRingingData struct {
	RoomID   string   `json:"roomId"`
	CalleeID string   `json:"calleeId"`
	Kind     CallKind `json:"kind"`
}

type CallReasonData struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

type UserJoinedData struct {
	RoomID       string   `json:"roomId"`
	ConnectionID string   `json:"connectionId"`
	UserMeta     UserMeta `json:"userMeta"`
}

type UserLeftData struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

type CurrentParticipantsData struct {
	RoomID        string   `json:"roomId"`
	ConnectionIDs []string `json:"connectionIds"`
}

type WebRTCSignalData struct {
	RoomID     string          `json:"roomId"`
	From       string          `json:"from"`
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

type RoomInviteData struct {
	RoomID     string   `json:"roomId"`
	FromUserID string   `json:"fromUserId"`
	Meta       UserMeta `json:"meta"`
}

type NotificationData struct {
	FromUserID   string          `json:"fromUserId"`
	Notification json.RawMessage `json:"notification"`
}

func Hello(connID string) ServerEvent {
	return ServerEvent{Type: ServerEventHello, Data: HelloData{ConnectionID: connID}}
}

// ErrorEvent maps err onto a stable error code for the client.
func ErrorEvent(err error, ref string) ServerEvent {
	return ServerEvent{Type: ServerEventError, Data: ErrorData{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Ref:     ref,
	}}
}

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotIdentified):
		return "not_identified"
	case errors.Is(err, ErrUserOffline):
		return "user_offline"
	case errors.Is(err, ErrInvalidCallState):
		return "invalid_call_state"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}

func OnlineUsersSnapshot(users []string) ServerEvent {
	return ServerEvent{Type: ServerEventOnlineUsersUpdate, Data: OnlineUsersData{Full: true, Users: users}}
}

func OnlineUsersDelta(joined, left []string) ServerEvent {
	return ServerEvent{Type: ServerEventOnlineUsersUpdate, Data: OnlineUsersData{Joined: joined, Left: left}}
}

func ReceiveMessage(msg Message) ServerEvent {
	return ServerEvent{Type: ServerEventReceiveMessage, Data: msg}
}

func MessageStatusUpdate(messageID, chatID string, status MessageStatus) ServerEvent {
	return ServerEvent{Type: ServerEventMessageStatusUpdate, Data: MessageStatusData{
		MessageID: messageID,
		ChatID:    chatID,
		Status:    status,
	}}
}

func UserTyping(chatID, typistID string, isTyping bool) ServerEvent {
	return ServerEvent{Type: ServerEventUserTyping, Data: UserTypingData{
		ChatID:   chatID,
		TypistID: typistID,
		IsTyping: isTyping,
	}}
}

func MessagesMarkedRead(chatID, readerID string, ids []string) ServerEvent {
	return ServerEvent{Type: ServerEventMessagesMarkedRead, Data: MessagesMarkedReadData{
		ChatID:     chatID,
		ReaderID:   readerID,
		MessageIDs: ids,
	}}
}

func IncomingCall(roomID, fromUserID string, kind CallKind, meta UserMeta) ServerEvent {
	return ServerEvent{Type: ServerEventIncomingCall, Data: IncomingCallData{
		RoomID:     roomID,
		FromUserID: fromUserID,
		Kind:       kind,
		CallerMeta: meta,
	}}
}

func CallRinging(roomID, calleeID string, kind CallKind) ServerEvent {
	return ServerEvent{Type: ServerEventCallRinging, Data: CallRingingData{RoomID: roomID, CalleeID: calleeID, Kind: kind}}
}

func CallRejected(roomID string) ServerEvent {
	return ServerEvent{Type: ServerEventCallRejected, Data: CallReasonData{RoomID: roomID, Reason: CallReasonRejected}}
}

func CallEnded(roomID, reason string) ServerEvent {
	return ServerEvent{Type: ServerEventCallEnded, Data: CallReasonData{RoomID: roomID, Reason: reason}}
}

func CallCancelled(roomID, reason string) ServerEvent {
	return ServerEvent{Type: ServerEventCallCancelled, Data: CallReasonData{RoomID: roomID, Reason: reason}}
}

func UserJoined(roomID, connID string, meta UserMeta) ServerEvent {
	return ServerEvent{Type: ServerEventUserJoined, Data: UserJoinedData{RoomID: roomID, ConnectionID: connID, UserMeta: meta}}
}

func UserLeft(roomID, connID string) ServerEvent {
	return ServerEvent{Type: ServerEventUserLeft, Data: UserLeftData{RoomID: roomID, ConnectionID: connID}}
}

func CurrentParticipants(roomID string, connIDs []string) ServerEvent {
	return ServerEvent{Type: ServerEventCurrentParticipants, Data: CurrentParticipantsData{RoomID: roomID, ConnectionIDs: connIDs}}
}

func KickedFromRoom(roomID string) ServerEvent {
	return ServerEvent{Type: ServerEventKickedFromRoom, Data: RoomPayload{RoomID: roomID}}
}

func WebRTCSignal(roomID, fromConn, fromUserID string, payload json.RawMessage) ServerEvent {
	return ServerEvent{Type: ServerEventWebRTCSignal, Data: WebRTCSignalData{
		RoomID:     roomID,
		From:       fromConn,
		FromUserID: fromUserID,
		Payload:    payload,
	}}
}

func RoomInvite(roomID, fromUserID string, meta UserMeta) ServerEvent {
	return ServerEvent{Type: ServerEventRoomInvite, Data: RoomInviteData{RoomID: roomID, FromUserID: fromUserID, Meta: meta}}
}

func NewNotification(fromUserID string, notification json.RawMessage) ServerEvent {
	return ServerEvent{Type: ServerEventNewNotification, Data: NotificationData{FromUserID: fromUserID, Notification: notification}}
}
