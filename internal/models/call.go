package models

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

type CallState string

const (
	CallStateIdle     CallState = "idle"
	CallStateRinging  CallState = "ringing"
	CallStateActive   CallState = "active"
	CallStateEnded    CallState = "ended"
	CallStateRejected CallState = "rejected"
)

// Terminal reports whether no transition leaves the state.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateRejected
}

// CallSession is a read-only view of a call. The coordinator owns the live copy.
type CallSession struct {
	RoomID        string    `json:"roomId"`
	InitiatorID   string    `json:"initiatorId"`
	InitiatorConn string    `json:"initiatorConnectionId"`
	CalleeID      string    `json:"calleeId,omitempty"`
	CalleeConn    string    `json:"calleeConnectionId,omitempty"`
	Kind          CallKind  `json:"kind"`
	State         CallState `json:"state"`
	CreatedAt     int64     `json:"createdAt"`
}

// Reasons carried by call_ended and call_cancelled.
const (
	CallReasonTimeout     = "timeout"
	CallReasonCancelled   = "cancelled"
	CallReasonRejected    = "rejected"
	CallReasonUnavailable = "unavailable"
)
