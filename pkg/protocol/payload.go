package protocol

import "encoding/json"

// Activity states carried by presence_activity payloads.
const (
	ActivityActive   = "active"
	ActivityInactive = "inactive"
)

// AuthPayload is the payload of an auth envelope. Token is a signed bearer
// token; SessionID in the enclosing envelope, when set, asks the server to
// resume a previous session within the reconnection grace window.
type AuthPayload struct {
	Token       string `json:"token"`
	DisplayName string `json:"displayName,omitempty"`
}

// AuthAckPayload is the payload of auth_ack. The server-issued session id is
// in the enclosing envelope; Resumed is true when an existing session was
// reattached rather than created.
type AuthAckPayload struct {
	Resumed bool `json:"resumed,omitempty"`

	// HeartbeatMillis tells the client how often to probe liveness.
	HeartbeatMillis int64 `json:"heartbeatMillis,omitempty"`
}

// AuthRejectPayload is the payload of auth_reject.
type AuthRejectPayload struct {
	Reason string `json:"reason"`
}

// ConflictPayload is the payload of op_reject. The rejected operation's
// idempotency token travels in the enclosing envelope; CurrentVersion is the
// authoritative version the client must resolve against.
type ConflictPayload struct {
	CurrentVersion int64 `json:"currentVersion"`
}

// SnapshotPayload is the payload of snapshot_response. State is the opaque
// materialized document, consistent with Version at an accepted-operation
// boundary.
type SnapshotPayload struct {
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
}

// CursorPayload is the payload of presence_cursor. Coordinates are in the
// editing surface's own units; the engine treats them as advisory data.
type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// JoinPayload is the payload of presence_join.
type JoinPayload struct {
	DisplayName string `json:"displayName"`
}

// ActivityPayload is the payload of presence_activity.
type ActivityPayload struct {
	State string `json:"state"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
