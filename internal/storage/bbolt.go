package storage

import (
	"errors"
	"fmt"
	"time"

	"kampus/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages          = []byte("messages")
	bucketMessageIndex      = []byte("message_index")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketMessageIndex, bucketPushSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveMessage appends the message to its chat and assigns the next sequence
// number. Saving an id that is already stored in the same chat returns the
// stored message and created=false; an id owned by another chat is rejected.
func (s *BboltStorage) SaveMessage(msg models.Message) (models.Message, bool, error) {
	if msg.ChatID == "" {
		return models.Message{}, false, errors.New("message missing chatID")
	}
	if msg.ID == "" {
		return models.Message{}, false, errors.New("message missing id")
	}

	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		if data := index.Get([]byte(msg.ID)); data != nil {
			stored, err := loadIndexed(tx, data)
			if err != nil {
				return err
			}
			if stored.ChatID != msg.ChatID {
				return fmt.Errorf("message %s belongs to another chat: %w", msg.ID, models.ErrInvalidEvent)
			}
			msg = stored
			return nil
		}
		created = true

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMessage := newDBMessage(msg)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{MessageID: msg.ID, ChatID: msg.ChatID, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return index.Put(ref.Key(), refData)
	})
	if err != nil {
		return models.Message{}, false, err
	}

	return msg, created, nil
}

func loadIndexed(tx *bbolt.Tx, refData []byte) (models.Message, error) {
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return models.Message{}, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}
	chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ChatID))
	if chatBucket == nil {
		return models.Message{}, fmt.Errorf("chat %s: %w", ref.ChatID, models.ErrNotFound)
	}
	data := chatBucket.Get(seqKey(ref.Seq))
	if data == nil {
		return models.Message{}, fmt.Errorf("message %s: %w", ref.MessageID, models.ErrNotFound)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, err
	}
	return dbMsg.toModel(), nil
}

// ListMessages returns up to limit most recent messages of the chat in
// ascending sequence order. A non-positive limit returns everything.
func (s *BboltStorage) ListMessages(chatID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}

		c := chatBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, err
}

// UpdateStatus advances the status of the given messages and returns the ids
// that actually changed. Unknown ids and ids of other chats are skipped.
func (s *BboltStorage) UpdateStatus(chatID string, ids []string, status models.MessageStatus) ([]string, error) {
	var changed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}

		for _, id := range ids {
			refData := index.Get([]byte(id))
			if refData == nil {
				continue
			}
			var ref DBMessageRef
			if err := ref.UnmarshalBinary(refData); err != nil {
				return err
			}
			if ref.ChatID != chatID {
				continue
			}

			ok, err := advance(chatBucket, seqKey(ref.Seq), status)
			if err != nil {
				return err
			}
			if ok {
				changed = append(changed, id)
			}
		}
		return nil
	})
	return changed, err
}

// MarkChatRead marks every message of the chat not sent by readerID as read
// and returns the ids that changed.
func (s *BboltStorage) MarkChatRead(chatID, readerID string) ([]string, error) {
	var changed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}

		// Collect first: a bucket must not be modified while a cursor walks it.
		var keys [][]byte
		err := chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.SenderID == readerID || models.MessageStatus(dbMsg.Status) == models.MessageStatusRead {
				return nil
			}
			keys = append(keys, append([]byte(nil), k...))
			changed = append(changed, dbMsg.ID)
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if _, err := advance(chatBucket, k, models.MessageStatusRead); err != nil {
				return err
			}
		}
		return nil
	})
	return changed, err
}

func advance(chatBucket *bbolt.Bucket, key []byte, status models.MessageStatus) (bool, error) {
	data := chatBucket.Get(key)
	if data == nil {
		return false, nil
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return false, err
	}

	current := models.MessageStatus(dbMsg.Status)
	next := current.Advance(status)
	if next == current {
		return false, nil
	}
	dbMsg.Status = string(next)

	newData, err := dbMsg.MarshalBinary()
	if err != nil {
		return false, err
	}
	return true, chatBucket.Put(key, newData)
}

func (s *BboltStorage) AddPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				Auth:     dbSub.Auth,
				P256dh:   dbSub.P256dh,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}
