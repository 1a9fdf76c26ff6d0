package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kampus/internal/models"
)

func TestStorage(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	t.Run("Messages", func(t *testing.T) {
		msg1 := models.Message{
			ID:         "m1",
			ChatID:     "chat1",
			SenderID:   "alice@x",
			ReceiverID: "bob@x",
			Body:       "hello",
			Kind:       models.MessageKindText,
			Status:     models.MessageStatusSent,
			CreatedAt:  time.Now().Unix(),
		}
		stored, created, err := store.SaveMessage(msg1)
		if err != nil {
			t.Fatalf("SaveMessage 1 failed: %v", err)
		}
		if !created {
			t.Error("expected first save to create the message")
		}
		if stored.Seq != 1 {
			t.Errorf("expected seq 1, got %d", stored.Seq)
		}

		msg2 := msg1
		msg2.ID = "m2"
		msg2.Body = "world"
		if _, _, err := store.SaveMessage(msg2); err != nil {
			t.Fatalf("SaveMessage 2 failed: %v", err)
		}

		// Duplicate id returns the stored row
		dup, created, err := store.SaveMessage(msg1)
		if err != nil {
			t.Fatalf("SaveMessage duplicate failed: %v", err)
		}
		if created {
			t.Error("expected duplicate not to be created")
		}
		if dup.Seq != 1 {
			t.Errorf("expected duplicate to keep seq 1, got %d", dup.Seq)
		}

		// The same id in another chat is a conflict, not a lookup
		spoof := msg1
		spoof.ChatID = "chat2"
		spoof.Body = "spoof"
		if _, _, err := store.SaveMessage(spoof); !errors.Is(err, models.ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent for an id from another chat, got %v", err)
		}
		if msgs, _ := store.ListMessages("chat2", 0); len(msgs) != 0 {
			t.Errorf("expected chat2 to stay empty, got %d messages", len(msgs))
		}

		msgs, err := store.ListMessages("chat1", 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Body != "hello" || msgs[1].Body != "world" {
			t.Errorf("unexpected order: %q, %q", msgs[0].Body, msgs[1].Body)
		}

		// Limit keeps the most recent ones
		msgs, err = store.ListMessages("chat1", 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m2" {
			t.Errorf("expected only m2, got %+v", msgs)
		}

		msgs, err = store.ListMessages("nochat", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected no messages, got %d", len(msgs))
		}
	})

	t.Run("StatusIsMonotonic", func(t *testing.T) {
		changed, err := store.UpdateStatus("chat1", []string{"m1"}, models.MessageStatusRead)
		if err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if len(changed) != 1 {
			t.Errorf("expected m1 to change, got %v", changed)
		}

		changed, err = store.UpdateStatus("chat1", []string{"m1", "unknown"}, models.MessageStatusDelivered)
		if err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if len(changed) != 0 {
			t.Errorf("delivered after read must be a no-op, got %v", changed)
		}

		// Wrong chat is skipped
		changed, _ = store.UpdateStatus("other", []string{"m2"}, models.MessageStatusRead)
		if len(changed) != 0 {
			t.Errorf("expected no change for foreign chat, got %v", changed)
		}

		msgs, _ := store.ListMessages("chat1", 0)
		if msgs[0].Status != models.MessageStatusRead {
			t.Errorf("expected m1 read, got %s", msgs[0].Status)
		}
	})

	t.Run("MarkChatRead", func(t *testing.T) {
		mine := models.Message{ID: "m3", ChatID: "chat1", SenderID: "bob@x", Body: "mine", Status: models.MessageStatusSent}
		if _, _, err := store.SaveMessage(mine); err != nil {
			t.Fatal(err)
		}

		changed, err := store.MarkChatRead("chat1", "bob@x")
		if err != nil {
			t.Fatalf("MarkChatRead failed: %v", err)
		}
		if len(changed) != 1 || changed[0] != "m2" {
			t.Errorf("expected only m2 marked read, got %v", changed)
		}

		changed, _ = store.MarkChatRead("chat1", "bob@x")
		if len(changed) != 0 {
			t.Errorf("second MarkChatRead should change nothing, got %v", changed)
		}
	})

	t.Run("PushSubscriptions", func(t *testing.T) {
		sub := models.PushSubscription{
			UserID:   "bob@x",
			Endpoint: "https://push.example/1",
			Auth:     "auth",
			P256dh:   "key",
		}
		if err := store.AddPushSubscription(sub); err != nil {
			t.Fatalf("AddPushSubscription failed: %v", err)
		}

		subs, err := store.ListPushSubscriptions("bob@x")
		if err != nil {
			t.Fatalf("ListPushSubscriptions failed: %v", err)
		}
		if len(subs) != 1 || subs[0] != sub {
			t.Errorf("unexpected subscriptions: %+v", subs)
		}

		if err := store.DeletePushSubscription("bob@x", sub.Endpoint); err != nil {
			t.Fatalf("DeletePushSubscription failed: %v", err)
		}
		subs, _ = store.ListPushSubscriptions("bob@x")
		if len(subs) != 0 {
			t.Errorf("expected subscription to be deleted")
		}
	})
}
