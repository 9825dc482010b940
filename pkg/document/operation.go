package document

import "encoding/json"

// Operation is one proposed mutation to a document. Operations are immutable
// once submitted.
type Operation struct {
	// DocumentID identifies the target document.
	DocumentID string

	// SessionID identifies the submitting session. Conflicts are returned
	// to this session only, never broadcast.
	SessionID string

	// BaseVersion is the document version the client last observed.
	BaseVersion int64

	// Token is the client-generated idempotency token. Resubmitting an
	// already-accepted operation with the same token returns the original
	// result without reapplying the payload.
	Token string

	// Payload is the opaque mutation, owned by the editing layer.
	Payload json.RawMessage
}

// Ack is the result of an accepted operation.
type Ack struct {
	// Version is the document version assigned to the operation.
	Version int64

	// Replayed is true when the ack is the stored result of a previously
	// accepted operation with the same idempotency token.
	Replayed bool
}

// Conflict is produced when an operation's BaseVersion does not match the
// document's current version. The engine does not mutate state when it
// rejects.
type Conflict struct {
	// Rejected is the operation that was refused.
	Rejected Operation

	// CurrentVersion is the authoritative version the client must resolve
	// against, either by reloading a snapshot or by force-saving with
	// BaseVersion set to CurrentVersion.
	CurrentVersion int64
}

// Result is the outcome of Submit: exactly one of Ack or Conflict is set.
type Result struct {
	Ack      *Ack
	Conflict *Conflict
}

// Snapshot is an atomic {version, state} pair. The pair always corresponds
// to the same accepted-operation boundary.
type Snapshot struct {
	Version int64
	State   json.RawMessage
}

// Applier materializes an accepted operation payload into document state.
// Both values are opaque to the engine.
type Applier interface {
	Apply(state, op json.RawMessage) (json.RawMessage, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(state, op json.RawMessage) (json.RawMessage, error)

// Apply implements Applier.
func (f ApplierFunc) Apply(state, op json.RawMessage) (json.RawMessage, error) {
	return f(state, op)
}

// ReplaceApplier treats each accepted payload as the full materialized
// document. This matches editors that submit whole-diagram saves; a
// delta-based editing layer plugs in its own Applier.
func ReplaceApplier() Applier {
	return ApplierFunc(func(_, op json.RawMessage) (json.RawMessage, error) {
		state := make(json.RawMessage, len(op))
		copy(state, op)
		return state, nil
	})
}
