package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize is the maximum accepted size of a single wire message.
// Diagram operation payloads are small deltas; anything near this limit is
// either a bug or an abusive peer.
const MaxEnvelopeSize = 256 << 10

// Codec errors.
var (
	ErrTooLarge     = errors.New("protocol: message exceeds size limit")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrMissingField = errors.New("protocol: missing required field")
)

// Encode serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	if !e.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return json.Marshal(e)
}

// Decode parses and validates a wire message. It returns ErrTooLarge,
// ErrUnknownType, ErrMissingField, or a JSON syntax error; all of these are
// the MalformedMessage class from the session's point of view.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, ErrTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the per-type required fields of an envelope.
func Validate(e *Envelope) error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	switch e.Type {
	case MsgAuth:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: auth payload", ErrMissingField)
		}
	case MsgOpSubmit:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: documentId", ErrMissingField)
		}
		if e.Version == nil {
			return fmt.Errorf("%w: version (baseVersion)", ErrMissingField)
		}
		if e.IdempotencyToken == "" {
			return fmt.Errorf("%w: idempotencyToken", ErrMissingField)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: operation payload", ErrMissingField)
		}
	case MsgSnapshotRequest:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: documentId", ErrMissingField)
		}
	case MsgPresenceJoin:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: documentId", ErrMissingField)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: join payload", ErrMissingField)
		}
	case MsgPresenceLeave, MsgPresenceActivity:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: documentId", ErrMissingField)
		}
	case MsgPresenceCursor:
		if e.DocumentID == "" {
			return fmt.Errorf("%w: documentId", ErrMissingField)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: cursor payload", ErrMissingField)
		}
	}
	return nil
}

// DecodePayload parses an envelope payload into dst.
func DecodePayload(e *Envelope, dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: payload decode: %w", err)
	}
	return nil
}

// MustPayload marshals v for use as an envelope payload. It panics on
// marshal failure, which can only happen for unserializable Go values and is
// a programming error.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}
