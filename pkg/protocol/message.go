package protocol

import "encoding/json"

// MsgType identifies the kind of envelope on the wire.
type MsgType string

const (
	// Session establishment.
	MsgAuth       MsgType = "auth"
	MsgAuthAck    MsgType = "auth_ack"
	MsgAuthReject MsgType = "auth_reject"

	// Liveness probing.
	MsgHeartbeat    MsgType = "heartbeat"
	MsgHeartbeatAck MsgType = "heartbeat_ack"

	// Document mutation.
	MsgOpSubmit MsgType = "op_submit"
	MsgOpAccept MsgType = "op_accept"
	MsgOpReject MsgType = "op_reject"

	// Full-state resynchronization.
	MsgSnapshotRequest  MsgType = "snapshot_request"
	MsgSnapshotResponse MsgType = "snapshot_response"

	// Presence.
	MsgPresenceJoin     MsgType = "presence_join"
	MsgPresenceLeave    MsgType = "presence_leave"
	MsgPresenceCursor   MsgType = "presence_cursor"
	MsgPresenceActivity MsgType = "presence_activity"

	// Error notice for a malformed or unprocessable message. The offending
	// session is not torn down for a single occurrence.
	MsgError MsgType = "error"
)

// String returns the wire name of the message type.
func (t MsgType) String() string { return string(t) }

// Known reports whether t is one of the defined message types.
func (t MsgType) Known() bool {
	switch t {
	case MsgAuth, MsgAuthAck, MsgAuthReject,
		MsgHeartbeat, MsgHeartbeatAck,
		MsgOpSubmit, MsgOpAccept, MsgOpReject,
		MsgSnapshotRequest, MsgSnapshotResponse,
		MsgPresenceJoin, MsgPresenceLeave, MsgPresenceCursor, MsgPresenceActivity,
		MsgError:
		return true
	}
	return false
}

// responses maps each request-shaped message type to the set of envelope
// types that may answer it. Every request type has exactly one success
// response; auth and op_submit additionally have a rejection response.
var responses = map[MsgType][]MsgType{
	MsgAuth:            {MsgAuthAck, MsgAuthReject},
	MsgHeartbeat:       {MsgHeartbeatAck},
	MsgOpSubmit:        {MsgOpAccept, MsgOpReject},
	MsgSnapshotRequest: {MsgSnapshotResponse},
}

// IsRequest reports whether t expects a paired response envelope.
func (t MsgType) IsRequest() bool {
	_, ok := responses[t]
	return ok
}

// RespondsTo reports whether resp is a legal response type for req.
// Unmatched response types for a stale or superseded request must be
// ignored by the receiving side; callers pair envelopes by Seq first and
// then verify the type with this predicate.
func RespondsTo(resp, req MsgType) bool {
	for _, r := range responses[req] {
		if r == resp {
			return true
		}
	}
	return false
}

// Envelope is the tagged wire message. Optional fields are omitted when
// empty; Version is a pointer because version 0 is a meaningful base
// version and must survive a round trip.
type Envelope struct {
	Type             MsgType         `json:"type"`
	Seq              uint64          `json:"seq,omitempty"`
	DocumentID       string          `json:"documentId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	Version          *int64          `json:"version,omitempty"`
	IdempotencyToken string          `json:"idempotencyToken,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Int64 returns a pointer to v, for populating Envelope.Version.
func Int64(v int64) *int64 { return &v }

// VersionValue returns the envelope version, or -1 if it is absent.
func (e *Envelope) VersionValue() int64 {
	if e.Version == nil {
		return -1
	}
	return *e.Version
}
