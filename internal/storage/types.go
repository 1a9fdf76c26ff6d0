package storage

import (
	"encoding"
	"encoding/binary"

	"kampus/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	Seq             int64  `msgpack:"seq"`
	ID              string `msgpack:"id"`
	ChatID          string `msgpack:"chatId"`
	SenderID        string `msgpack:"senderId"`
	ReceiverID      string `msgpack:"receiverId"`
	Body            string `msgpack:"body"`
	Kind            string `msgpack:"kind"`
	Status          string `msgpack:"status"`
	MediaURL        string `msgpack:"mediaUrl"`
	FileName        string `msgpack:"fileName"`
	DurationSeconds int    `msgpack:"durationSeconds"`
	CreatedAt       int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(msg models.Message) DBMessage {
	return DBMessage{
		Seq:             msg.Seq,
		ID:              msg.ID,
		ChatID:          msg.ChatID,
		SenderID:        msg.SenderID,
		ReceiverID:      msg.ReceiverID,
		Body:            msg.Body,
		Kind:            string(msg.Kind),
		Status:          string(msg.Status),
		MediaURL:        msg.MediaURL,
		FileName:        msg.FileName,
		DurationSeconds: msg.DurationSeconds,
		CreatedAt:       msg.CreatedAt,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:              m.ID,
		Seq:             m.Seq,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Body:            m.Body,
		Kind:            models.MessageKind(m.Kind),
		Status:          models.MessageStatus(m.Status),
		MediaURL:        m.MediaURL,
		FileName:        m.FileName,
		DurationSeconds: m.DurationSeconds,
		CreatedAt:       m.CreatedAt,
	}
}

// DBMessageRef locates a message by id inside its chat bucket.
type DBMessageRef struct {
	MessageID string `msgpack:"messageId"`
	ChatID    string `msgpack:"chatId"`
	Seq       int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
