package ws

import (
	"testing"

	"kampus/internal/models"

	"github.com/stretchr/testify/require"
)

func typing(chatID string) models.ServerEvent {
	return models.UserTyping(chatID, "u", true)
}

func TestOutbox_DropsOldest(t *testing.T) {
	req := require.New(t)
	o := NewOutbox(3)

	for _, c := range []string{"c1", "c2", "c3", "c4", "c5"} {
		req.NoError(o.Push(typing(c)))
	}

	events := o.Drain()
	req.Len(events, 3)
	for i, want := range []string{"c3", "c4", "c5"} {
		req.Equal(want, events[i].Data.(models.UserTypingData).ChatID)
	}
	req.Equal(2, o.Dropped())
	req.Nil(o.Drain())
}

func TestOutbox_ReadySignal(t *testing.T) {
	req := require.New(t)
	o := NewOutbox(4)

	select {
	case <-o.Ready():
		t.Fatal("ready before any push")
	default:
	}

	req.NoError(o.Push(typing("c1")))
	req.NoError(o.Push(typing("c2")))

	select {
	case <-o.Ready():
	default:
		t.Fatal("not ready after push")
	}
	req.Len(o.Drain(), 2)
}

func TestOutbox_Close(t *testing.T) {
	req := require.New(t)
	o := NewOutbox(0)

	req.NoError(o.Push(typing("c1")))
	o.Close()
	o.Close()

	req.ErrorIs(o.Push(typing("c2")), models.ErrTransportUnreachable)
	req.Nil(o.Drain())

	select {
	case <-o.Done():
	default:
		t.Fatal("done not closed")
	}
}
