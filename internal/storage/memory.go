package storage

import (
	"errors"
	"fmt"
	"sync"

	"kampus/internal/models"
)

// chatLog keeps the last MaxRecords messages of one chat in a ring buffer.
type chatLog struct {
	Records    []models.Message
	LastSeq    int64
	LastIndex  int
	MaxRecords int
}

func newChatLog(maxRecords int) *chatLog {
	return &chatLog{
		MaxRecords: maxRecords,
		LastIndex:  -1,
	}
}

// add appends msg and returns it with its sequence number, plus the id of
// the record it overwrote when the buffer was full.
func (c *chatLog) add(msg models.Message) (models.Message, string) {
	c.LastSeq++
	msg.Seq = c.LastSeq

	evicted := ""
	switch {
	case len(c.Records) < c.MaxRecords:
		c.Records = append(c.Records, msg)
		c.LastIndex++
	default:
		i := (c.LastIndex + 1) % c.MaxRecords
		evicted = c.Records[i].ID
		c.Records[i] = msg
		c.LastIndex = i
	}
	return msg, evicted
}

// last returns up to count most recent records in chronological order.
func (c *chatLog) last(count int) []models.Message {
	total := len(c.Records)
	if count <= 0 || count > total {
		count = total
	}
	result := make([]models.Message, count)
	if count == 0 {
		return result
	}

	// Oldest record sits right after LastIndex once the buffer is full.
	head := 0
	if total == c.MaxRecords {
		head = (c.LastIndex + 1) % c.MaxRecords
	}
	startIdx := (head + total - count) % total

	if startIdx+count <= total {
		copy(result, c.Records[startIdx:startIdx+count])
	} else {
		n1 := total - startIdx
		copy(result, c.Records[startIdx:])
		copy(result[n1:], c.Records[:count-n1])
	}
	return result
}

func (c *chatLog) find(id string) int {
	for i := range c.Records {
		if c.Records[i].ID == id {
			return i
		}
	}
	return -1
}

// MemoryStore is a process-local message store. Each chat retains only its
// most recent messages; older ones are overwritten.
type MemoryStore struct {
	chats      map[string]*chatLog
	owners     map[string]string // retained message id -> chat id
	pushSubs   map[string]map[string]models.PushSubscription
	maxRecords int

	mu sync.RWMutex
}

func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 200
	}
	return &MemoryStore{
		chats:      make(map[string]*chatLog),
		owners:     make(map[string]string),
		pushSubs:   make(map[string]map[string]models.PushSubscription),
		maxRecords: maxRecords,
	}
}

// SaveMessage behaves like BboltStorage.SaveMessage for the retained window.
func (s *MemoryStore) SaveMessage(msg models.Message) (models.Message, bool, error) {
	if msg.ChatID == "" {
		return models.Message{}, false, errors.New("message missing chatID")
	}
	if msg.ID == "" {
		return models.Message{}, false, errors.New("message missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[msg.ID]; ok && owner != msg.ChatID {
		return models.Message{}, false, fmt.Errorf("message %s belongs to another chat: %w", msg.ID, models.ErrInvalidEvent)
	}

	log, ok := s.chats[msg.ChatID]
	if !ok {
		log = newChatLog(s.maxRecords)
		s.chats[msg.ChatID] = log
	}
	if i := log.find(msg.ID); i >= 0 {
		return log.Records[i], false, nil
	}

	stored, evicted := log.add(msg)
	if evicted != "" {
		delete(s.owners, evicted)
	}
	s.owners[msg.ID] = msg.ChatID
	return stored, true, nil
}

func (s *MemoryStore) ListMessages(chatID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	return log.last(limit), nil
}

func (s *MemoryStore) UpdateStatus(chatID string, ids []string, status models.MessageStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}

	var changed []string
	for _, id := range ids {
		i := log.find(id)
		if i < 0 {
			continue
		}
		current := log.Records[i].Status
		if next := current.Advance(status); next != current {
			log.Records[i].Status = next
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *MemoryStore) MarkChatRead(chatID, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}

	var changed []string
	for _, msg := range log.last(0) {
		if msg.SenderID == readerID || msg.Status == models.MessageStatusRead {
			continue
		}
		log.Records[log.find(msg.ID)].Status = models.MessageStatusRead
		changed = append(changed, msg.ID)
	}
	return changed, nil
}

func (s *MemoryStore) AddPushSubscription(sub models.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.pushSubs[sub.UserID]
	if !ok {
		subs = make(map[string]models.PushSubscription)
		s.pushSubs[sub.UserID] = subs
	}
	subs[sub.Endpoint] = sub
	return nil
}

func (s *MemoryStore) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []models.PushSubscription
	for _, sub := range s.pushSubs[userID] {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *MemoryStore) DeletePushSubscription(userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pushSubs[userID], endpoint)
	return nil
}
