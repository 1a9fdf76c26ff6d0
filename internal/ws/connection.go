package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"kampus/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = pingInterval * 2
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// pinger and writeDeadliner are implemented by *websocket.Conn. Mocks may skip them.
type pinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type eventHub interface {
	Dispatch(connID string, ev models.ClientEvent)
	Deliver(connID string, ev models.ServerEvent) error
	Disconnect(connID string)
}

// Connection runs one client socket: a reader pump feeding inbound events to
// the hub in arrival order and a writer draining the connection's outbox.
type Connection struct {
	log        *slog.Logger
	ws         wsConnection
	hub        eventHub
	id         string
	outbox     *Outbox
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	log *slog.Logger,
	hub eventHub,
	ws wsConnection,
	id string,
	outbox *Outbox,
) *Connection {
	return &Connection{
		log:        log.With("conn_id", id),
		ws:         ws,
		hub:        hub,
		id:         id,
		outbox:     outbox,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Handle blocks until the socket fails, the hub closes the outbox or ctx is
// done. The hub forgets the connection before Handle returns.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Disconnect(c.id)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			if !isDecodeError(err) {
				return err
			}
			c.log.Debug("undecodable event", "error", err)
			bad := fmt.Errorf("malformed event: %w", models.ErrInvalidEvent)
			_ = c.hub.Deliver(c.id, models.ErrorEvent(bad, ""))
			continue
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isDecodeError reports errors about the frame's content rather than the
// connection. ReadJSON turns an empty or truncated frame into io.ErrUnexpectedEOF.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(c.id, ev)
		case <-c.outbox.Ready():
			if err := c.flush(); err != nil {
				return err
			}
		case <-c.outbox.Done():
			return nil
		case <-ticker.C:
			if p, ok := c.ws.(pinger); ok {
				if err := p.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) flush() error {
	for _, ev := range c.outbox.Drain() {
		if d, ok := c.ws.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(writeWait))
		}
		if err := c.ws.WriteJSON(ev); err != nil {
			return err
		}
	}
	return nil
}
