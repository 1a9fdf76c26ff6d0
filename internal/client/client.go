// Package client speaks the relay protocol over a websocket and keeps a
// peer.Tracker in step with the call events it receives.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kampus/internal/models"
	"kampus/internal/peer"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	eventsBuffer = 256
)

var ErrClosed = errors.New("client closed")

// Event is an outbound relay event with its payload left undecoded.
type Event struct {
	Type models.ServerEventType `json:"type"`
	Data json.RawMessage        `json:"data,omitempty"`
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Client struct {
	log    *slog.Logger
	conn   *websocket.Conn
	connID string
	peers  *peer.Tracker

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
}

// Dial connects to a relay websocket endpoint and waits for its hello.
func Dial(ctx context.Context, log *slog.Logger, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var hello Event
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var data models.HelloData
	if hello.Type != models.ServerEventHello || hello.Decode(&data) != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		log:     log.With("conn_id", data.ConnectionID),
		conn:    conn,
		connID:  data.ConnectionID,
		peers:   peer.NewTracker(),
		events:  make(chan Event, eventsBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ConnectionID is the id the relay assigned to this connection.
func (c *Client) ConnectionID() string {
	return c.connID
}

func (c *Client) Peers() *peer.Tracker {
	return c.peers
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Send(ev models.ClientEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

// Emit encodes data as the payload of an event of type t and sends it.
func (c *Client) Emit(t models.ClientEventType, data any) error {
	ev, err := models.NewClientEvent(t, data)
	if err != nil {
		return err
	}
	ev.Ref = string(t)
	return c.Send(ev)
}

func (c *Client) Identify(userID string) error {
	return c.Emit(models.ClientEventIdentify, models.IdentifyPayload{UserID: userID})
}

func (c *Client) JoinChat(chatID string) error {
	return c.Emit(models.ClientEventJoinChat, models.ChatPayload{ChatID: chatID})
}

func (c *Client) SendMessage(msg models.Message) error {
	return c.Emit(models.ClientEventSendMessage, models.SendMessagePayload{Message: msg})
}

// Signal relays an SDP or ICE payload to a peer and records it in the tracker.
func (c *Client) Signal(roomID, to string, payload json.RawMessage) error {
	c.peers.Add(roomID, to)
	if _, err := c.peers.Signal(to, signalKind(payload)); err != nil {
		return err
	}
	return c.Emit(models.ClientEventWebRTCSignal, models.WebRTCSignalPayload{
		RoomID:  roomID,
		To:      to,
		Payload: payload,
	})
}

// Await returns the next event of type t, discarding others.
func (c *Client) Await(ctx context.Context, t models.ServerEventType) (Event, error) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, ErrClosed
			}
			if ev.Type == t {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for %s: %w", t, ctx.Err())
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debug("read loop ended", "error", err)
			}
			_ = c.conn.Close()
			return
		}

		c.track(ev)
		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) track(ev Event) {
	switch ev.Type {
	case models.ServerEventUserJoined:
		var d models.UserJoinedData
		if ev.Decode(&d) == nil && d.ConnectionID != c.connID {
			c.peers.Add(d.RoomID, d.ConnectionID)
		}
	case models.ServerEventCurrentParticipants:
		var d models.CurrentParticipantsData
		if ev.Decode(&d) == nil {
			for _, id := range d.ConnectionIDs {
				if id != c.connID {
					c.peers.Add(d.RoomID, id)
				}
			}
		}
	case models.ServerEventUserLeft:
		var d models.UserLeftData
		if ev.Decode(&d) == nil {
			_ = c.peers.Remove(d.ConnectionID)
		}
	case models.ServerEventWebRTCSignal:
		var d models.WebRTCSignalData
		if ev.Decode(&d) == nil {
			c.peers.Add(d.RoomID, d.From)
			if _, err := c.peers.Signal(d.From, signalKind(d.Payload)); err != nil {
				c.log.Debug("ignoring signal", "room_id", d.RoomID, "error", err)
			}
		}
	case models.ServerEventCallEnded, models.ServerEventCallCancelled, models.ServerEventCallRejected:
		var d models.CallReasonData
		if ev.Decode(&d) == nil {
			c.peers.RemoveRoom(d.RoomID)
		}
	case models.ServerEventKickedFromRoom:
		var d models.RoomPayload
		if ev.Decode(&d) == nil {
			c.peers.RemoveRoom(d.RoomID)
		}
	}
}

// signalKind reads the SDP type of an offer or answer. Anything else is
// treated as an ICE candidate.
func signalKind(payload json.RawMessage) peer.SignalKind {
	var p struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &p)
	switch peer.SignalKind(p.Type) {
	case peer.SignalOffer, peer.SignalAnswer:
		return peer.SignalKind(p.Type)
	}
	return peer.SignalCandidate
}
