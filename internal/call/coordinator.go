package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kampus/internal/chat"
	"kampus/internal/content"
	"kampus/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	defaultRingTimeout  = 45 * time.Second
	defaultTombstoneTTL = time.Minute
)

type Deliverer interface {
	Deliver(connID string, ev models.ServerEvent) error
}

type Directory interface {
	ConnectionsFor(userID string) []string
}

// Rooms is the room table call rooms live in.
type Rooms interface {
	Join(roomID, connID string) bool
	Leave(roomID, connID string) (bool, bool)
	Members(roomID string) []string
	IsMember(roomID, connID string) bool
	Exists(roomID string) bool
	Broadcast(roomID string, ev models.ServerEvent, exclude string) (int, error)
}

type Config struct {
	Log       *slog.Logger
	Rooms     Rooms
	Out       Deliverer
	Directory Directory

	// RingTimeout ends a call nobody answered.
	RingTimeout time.Duration
	// TombstoneTTL is how long a finished call is remembered. A finished
	// one-to-one call cannot be rejoined during that time.
	TombstoneTTL time.Duration
}

type session struct {
	models.CallSession

	// Callee connections that still ring.
	ringing map[string]struct{}
	timer   *time.Timer
}

// Coordinator runs the call state machine for every call room.
type Coordinator struct {
	log   *slog.Logger
	rooms Rooms
	out   Deliverer
	dir   Directory

	ringTimeout time.Duration

	sessions   *geche.Locker[string, *session]
	tombstones geche.Geche[string, models.CallSession]

	// connID -> rooms it rings in. Guarded by the sessions lock.
	ringingBy map[string]map[string]struct{}

	now func() time.Time
}

func New(ctx context.Context, cfg Config) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaultTombstoneTTL
	}
	return &Coordinator{
		log:         cfg.Log,
		rooms:       cfg.Rooms,
		out:         cfg.Out,
		dir:         cfg.Directory,
		ringTimeout: cfg.RingTimeout,
		sessions:    geche.NewLocker[string, *session](geche.NewMapCache[string, *session]()),
		tombstones:  geche.NewMapTTLCache[string, models.CallSession](ctx, cfg.TombstoneTTL, cfg.TombstoneTTL),
		ringingBy:   make(map[string]map[string]struct{}),
		now:         time.Now,
	}
}

// effects collects deliveries made while the session table is locked and
// performs them once it is released.
type effects struct {
	c     *Coordinator
	steps []func()
}

func (c *Coordinator) effects() *effects {
	return &effects{c: c}
}

func (e *effects) send(connID string, ev models.ServerEvent) {
	e.steps = append(e.steps, func() { e.c.deliver(connID, ev) })
}

func (e *effects) broadcast(roomID string, ev models.ServerEvent, exclude string) {
	e.steps = append(e.steps, func() {
		if _, err := e.c.rooms.Broadcast(roomID, ev, exclude); err != nil {
			e.c.log.Debug("room gone before broadcast", "room_id", roomID, "event", ev.Type)
		}
	})
}

func (e *effects) flush() {
	for _, step := range e.steps {
		step()
	}
}

func invalidState(roomID string, format string, args ...any) error {
	return fmt.Errorf("room %s: %s: %w", roomID, fmt.Sprintf(format, args...), models.ErrInvalidCallState)
}

func displayMeta(userID string, meta models.UserMeta) models.UserMeta {
	return models.UserMeta{
		UserID:      userID,
		DisplayName: content.Sanitize(meta.DisplayName),
		AvatarURL:   content.Sanitize(meta.AvatarURL),
	}
}

// Initiate rings every live connection of calleeID. It fails with
// models.ErrUserOffline when the callee has nowhere to ring.
func (c *Coordinator) Initiate(initiatorConn, initiatorID, calleeID string, kind models.CallKind, meta models.UserMeta) (models.CallSession, error) {
	calleeConns := lo.Without(c.dir.ConnectionsFor(calleeID), initiatorConn)
	if len(calleeConns) == 0 {
		return models.CallSession{}, fmt.Errorf("call %s: %w", calleeID, models.ErrUserOffline)
	}
	if kind == "" {
		kind = models.CallKindVideo
	}

	s := &session{
		CallSession: models.CallSession{
			RoomID:        uuid.NewString(),
			InitiatorID:   initiatorID,
			InitiatorConn: initiatorConn,
			CalleeID:      calleeID,
			Kind:          kind,
			State:         models.CallStateRinging,
			CreatedAt:     c.now().UnixMilli(),
		},
		ringing: make(map[string]struct{}, len(calleeConns)),
	}

	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	// Read again under the lock: a device that deregistered after the first
	// read has already run its disconnect pass and would ring forever.
	calleeConns = lo.Without(c.dir.ConnectionsFor(calleeID), initiatorConn)
	if len(calleeConns) == 0 {
		return models.CallSession{}, fmt.Errorf("call %s: %w", calleeID, models.ErrUserOffline)
	}

	tx.Set(s.RoomID, s)
	for _, connID := range calleeConns {
		s.ringing[connID] = struct{}{}
		c.indexRinging(connID, s.RoomID)
	}
	c.rooms.Join(s.RoomID, initiatorConn)

	roomID := s.RoomID
	s.timer = time.AfterFunc(c.ringTimeout, func() { c.expire(roomID) })

	incoming := models.IncomingCall(roomID, initiatorID, kind, displayMeta(initiatorID, meta))
	for _, connID := range calleeConns {
		fx.send(connID, incoming)
	}
	fx.send(initiatorConn, models.CallRinging(roomID, calleeID, kind))

	c.log.Info("call ringing", "room_id", roomID, "user_id", initiatorID, "callee_id", calleeID, "devices", len(calleeConns))
	return s.CallSession, nil
}

// Accept answers a ringing call from one callee connection. Only that
// connection joins the room; the callee's other devices stop hearing about it.
func (c *Coordinator) Accept(roomID, calleeConn, calleeID string, meta models.UserMeta) error {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	s, err := tx.Get(roomID)
	if err != nil {
		return invalidState(roomID, "no call to accept")
	}
	if s.State != models.CallStateRinging {
		return invalidState(roomID, "accept in state %s", s.State)
	}
	if s.CalleeID != calleeID {
		return invalidState(roomID, "accept by %s", calleeID)
	}

	s.State = models.CallStateActive
	s.CalleeConn = calleeConn
	s.timer.Stop()
	c.stopRinging(s)

	c.rooms.Join(roomID, calleeConn)

	fx.broadcast(roomID, models.UserJoined(roomID, calleeConn, displayMeta(calleeID, meta)), calleeConn)
	fx.send(calleeConn, models.CurrentParticipants(roomID, lo.Without(c.rooms.Members(roomID), calleeConn)))

	c.log.Info("call accepted", "room_id", roomID, "conn_id", calleeConn, "user_id", calleeID)
	return nil
}

// Reject declines a ringing call. The initiator is told and the room is released.
func (c *Coordinator) Reject(roomID, calleeConn, calleeID string) error {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	s, err := tx.Get(roomID)
	if err != nil {
		return invalidState(roomID, "no call to reject")
	}
	if s.State != models.CallStateRinging {
		return invalidState(roomID, "reject in state %s", s.State)
	}
	if s.CalleeID != calleeID {
		return invalidState(roomID, "reject by %s", calleeID)
	}

	for connID := range s.ringing {
		if connID != calleeConn {
			fx.send(connID, models.CallCancelled(roomID, models.CallReasonRejected))
		}
	}
	for _, connID := range c.rooms.Members(roomID) {
		fx.send(connID, models.CallRejected(roomID))
	}

	c.finish(tx, s, models.CallStateRejected)
	c.log.Info("call rejected", "room_id", roomID, "user_id", calleeID)
	return nil
}

// Relay forwards a WebRTC signal verbatim to one participant of the call.
// Signals may arrive while the call is still ringing.
func (c *Coordinator) Relay(roomID, fromConn, fromUserID, toConn string, payload json.RawMessage) error {
	tx := c.sessions.Lock()
	s, err := tx.Get(roomID)
	if err != nil {
		tx.Unlock()
		if ended, err := c.tombstones.Get(roomID); err == nil && ended.State.Terminal() {
			return invalidState(roomID, "signal after call %s", ended.State)
		}
		return invalidState(roomID, "no call to signal")
	}
	if s.State != models.CallStateRinging && s.State != models.CallStateActive {
		tx.Unlock()
		return invalidState(roomID, "signal in state %s", s.State)
	}
	if !c.participant(s, fromConn) {
		tx.Unlock()
		return invalidState(roomID, "signal from non participant %s", fromConn)
	}
	target := c.participant(s, toConn)
	tx.Unlock()

	if !target {
		c.log.Debug("dropping signal for non participant", "room_id", roomID, "conn_id", toConn)
		return nil
	}
	c.deliver(toConn, models.WebRTCSignal(roomID, fromConn, fromUserID, payload))
	return nil
}

func (c *Coordinator) participant(s *session, connID string) bool {
	if _, ok := s.ringing[connID]; ok {
		return true
	}
	return c.rooms.IsMember(s.RoomID, connID)
}

// JoinRoom adds a connection to a multi-party room, opening an active
// session for it when none exists. A ringing call must be accepted instead.
func (c *Coordinator) JoinRoom(roomID, connID, userID string, kind models.CallKind, meta models.UserMeta) error {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	s, err := tx.Get(roomID)
	switch {
	case err != nil:
		if ended, err := c.tombstones.Get(roomID); err == nil && ended.CalleeID != "" && ended.State.Terminal() {
			return invalidState(roomID, "call already %s", ended.State)
		}
		if kind == "" {
			kind = models.CallKindVideo
		}
		s = &session{CallSession: models.CallSession{
			RoomID:        roomID,
			InitiatorID:   userID,
			InitiatorConn: connID,
			Kind:          kind,
			State:         models.CallStateActive,
			CreatedAt:     c.now().UnixMilli(),
		}}
		tx.Set(roomID, s)
		_ = c.tombstones.Del(roomID)
		c.log.Info("room opened", "room_id", roomID, "user_id", userID)
	case s.State != models.CallStateActive:
		return invalidState(roomID, "join in state %s", s.State)
	}

	if c.rooms.Join(roomID, connID) {
		fx.broadcast(roomID, models.UserJoined(roomID, connID, displayMeta(userID, meta)), connID)
	}
	fx.send(connID, models.CurrentParticipants(roomID, lo.Without(c.rooms.Members(roomID), connID)))
	return nil
}

// Leave takes a connection out of a call room. The last one out ends the call.
func (c *Coordinator) Leave(roomID, connID string) {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	removed, _ := c.rooms.Leave(roomID, connID)
	if !removed {
		return
	}
	c.departed(tx, fx, roomID, connID)
}

// OnDisconnect reacts to a connection that is gone. leftRooms are the rooms
// it was already removed from.
func (c *Coordinator) OnDisconnect(connID string, leftRooms []string) {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	for _, roomID := range leftRooms {
		if chat.IsChatRoom(roomID) {
			continue
		}
		c.departed(tx, fx, roomID, connID)
	}

	for roomID := range c.ringingBy[connID] {
		s, err := tx.Get(roomID)
		if err != nil {
			continue
		}
		delete(s.ringing, connID)
		if len(s.ringing) > 0 || s.State != models.CallStateRinging {
			continue
		}
		for _, member := range c.rooms.Members(roomID) {
			fx.send(member, models.CallEnded(roomID, models.CallReasonUnavailable))
		}
		c.finish(tx, s, models.CallStateEnded)
		c.log.Info("call ended", "room_id", roomID, "reason", models.CallReasonUnavailable)
	}
	delete(c.ringingBy, connID)
}

func (c *Coordinator) departed(tx *geche.Tx[string, *session], fx *effects, roomID, connID string) {
	fx.broadcast(roomID, models.UserLeft(roomID, connID), "")

	if c.rooms.Exists(roomID) {
		return
	}
	s, err := tx.Get(roomID)
	if err != nil {
		return
	}

	for ringing := range s.ringing {
		fx.send(ringing, models.CallCancelled(roomID, models.CallReasonCancelled))
	}
	c.finish(tx, s, models.CallStateEnded)
	c.log.Info("call ended", "room_id", roomID, "reason", "empty")
}

// Kick tells every connection of targetUserID it was removed. The target's
// client is expected to leave on its own.
func (c *Coordinator) Kick(roomID, kickerConn, targetUserID string) error {
	if !c.rooms.IsMember(roomID, kickerConn) {
		return invalidState(roomID, "kick by non member %s", kickerConn)
	}
	ev := models.KickedFromRoom(roomID)
	for _, connID := range c.dir.ConnectionsFor(targetUserID) {
		c.deliver(connID, ev)
	}
	c.log.Info("participant kicked", "room_id", roomID, "user_id", targetUserID)
	return nil
}

// Invite sends a room invitation to every connection of inviteeID.
func (c *Coordinator) Invite(roomID, fromUserID, inviteeID string, meta models.UserMeta) error {
	conns := c.dir.ConnectionsFor(inviteeID)
	if len(conns) == 0 {
		return fmt.Errorf("invite %s: %w", inviteeID, models.ErrUserOffline)
	}
	ev := models.RoomInvite(roomID, fromUserID, displayMeta(fromUserID, meta))
	for _, connID := range conns {
		c.deliver(connID, ev)
	}
	return nil
}

func (c *Coordinator) expire(roomID string) {
	fx := c.effects()
	defer fx.flush()

	tx := c.sessions.Lock()
	defer tx.Unlock()

	s, err := tx.Get(roomID)
	if err != nil || s.State != models.CallStateRinging {
		return
	}

	for connID := range s.ringing {
		fx.send(connID, models.CallCancelled(roomID, models.CallReasonTimeout))
	}
	for _, connID := range c.rooms.Members(roomID) {
		fx.send(connID, models.CallEnded(roomID, models.CallReasonTimeout))
	}
	c.finish(tx, s, models.CallStateEnded)
	c.log.Info("call ended", "room_id", roomID, "reason", models.CallReasonTimeout)
}

// finish moves s to a terminal state, drops it from the table and empties its room.
func (c *Coordinator) finish(tx *geche.Tx[string, *session], s *session, state models.CallState) {
	s.State = state
	if s.timer != nil {
		s.timer.Stop()
	}
	c.stopRinging(s)
	for _, connID := range c.rooms.Members(s.RoomID) {
		c.rooms.Leave(s.RoomID, connID)
	}
	_ = tx.Del(s.RoomID)
	c.tombstones.Set(s.RoomID, s.CallSession)
}

func (c *Coordinator) stopRinging(s *session) {
	for connID := range s.ringing {
		if rooms, ok := c.ringingBy[connID]; ok {
			delete(rooms, s.RoomID)
			if len(rooms) == 0 {
				delete(c.ringingBy, connID)
			}
		}
	}
	s.ringing = nil
}

func (c *Coordinator) indexRinging(connID, roomID string) {
	rooms, ok := c.ringingBy[connID]
	if !ok {
		rooms = make(map[string]struct{})
		c.ringingBy[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Snapshot returns a copy of the live session in roomID.
func (c *Coordinator) Snapshot(roomID string) (models.CallSession, error) {
	tx := c.sessions.RLock()
	defer tx.Unlock()

	s, err := tx.Get(roomID)
	if err != nil {
		return models.CallSession{}, fmt.Errorf("call %s: %w", roomID, models.ErrNotFound)
	}
	return s.CallSession, nil
}

// State reports the state of roomID's call, including recently finished
// ones. Unknown rooms are idle.
func (c *Coordinator) State(roomID string) models.CallState {
	if s, err := c.Snapshot(roomID); err == nil {
		return s.State
	}
	if s, err := c.tombstones.Get(roomID); err == nil {
		return s.State
	}
	return models.CallStateIdle
}

// Count returns the number of live sessions.
func (c *Coordinator) Count() int {
	tx := c.sessions.RLock()
	defer tx.Unlock()
	return tx.Len()
}

func (c *Coordinator) deliver(connID string, ev models.ServerEvent) {
	err := c.out.Deliver(connID, ev)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrTransportUnreachable):
		c.log.Debug("dropping event for closed connection", "conn_id", connID, "event", ev.Type)
	default:
		c.log.Warn("delivery failed", "conn_id", connID, "event", ev.Type, "error", err)
	}
}
