// Package protocol defines the wire contract between collaboration clients
// and the sync server.
//
// Every message on the transport is a tagged JSON envelope:
//
//	{type, seq?, documentId?, sessionId?, version?, idempotencyToken?, payload?}
//
// The payload is opaque to the envelope layer; request/response pairing is
// done with the per-session seq field. Decoding enforces a size limit and
// per-type required fields so that a malformed or hostile peer is detected
// at the protocol boundary rather than deep inside the engine.
package protocol
