package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/erdlab/collab/pkg/document"
	"github.com/erdlab/collab/pkg/metrics"
	"github.com/erdlab/collab/pkg/protocol"
)

// Session is one authenticated participant's transport session. The session
// id outlives the websocket connection: a dropped connection leaves the
// session detached and resumable until the grace window lapses.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	CreatedAt   time.Time

	srv *Server

	// mu guards conn and detachedAt. Writes to the connection are
	// serialized through it as well.
	mu         sync.Mutex
	conn       *websocket.Conn
	detachedAt time.Time

	closed atomic.Bool

	// docMu guards the zero-or-one subscribed document.
	docMu      sync.Mutex
	documentID string

	// Malformed-message window. A single bad message is dropped; a burst
	// tears the session down.
	malformedCount int
	malformedFrom  time.Time

	logger *slog.Logger
}

// newSessionID returns a ULID session id. ULIDs sort by creation time,
// which keeps session listings and logs readable.
func newSessionID() string {
	return ulid.Make().String()
}

func newSession(srv *Server, conn *websocket.Conn, userID, displayName string) *Session {
	id := newSessionID()
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		srv:         srv,
		conn:        conn,
		logger:      srv.logger.With("session_id", id),
	}
}

// DocumentID returns the currently subscribed document, or "".
func (s *Session) DocumentID() string {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.documentID
}

// Attached reports whether the session currently has a live connection.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.detachedAt.IsZero()
}

// SendEvent implements broadcast.Sender: it delivers an already-encoded
// envelope from the session's broadcast queue.
func (s *Session) SendEvent(data []byte) error {
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.detachedAt.IsZero() {
		return ErrSessionDetached
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.config.SessionConfig.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) send(e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	return s.write(data)
}

// readLoop consumes messages from one attachment of the session. It returns
// when the connection fails or the session is destroyed; on failure it
// detaches the session so the client can resume within the grace window.
func (s *Session) readLoop(conn *websocket.Conn) {
	cfg := s.srv.config.SessionConfig
	for {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.logger.Warn("read error", "error", err)
			}
			s.srv.detachSession(s, conn)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if s.recordMalformed(err) {
				s.srv.destroySession(s, "malformed message flood")
				return
			}
			continue
		}

		s.handle(env)

		if s.closed.Load() {
			return
		}
	}
}

// recordMalformed drops one malformed message and reports whether the
// short-window threshold was crossed.
func (s *Session) recordMalformed(err error) bool {
	metrics.RecordMalformed()
	s.logger.Warn("malformed message dropped", "error", err)
	_ = s.send(&protocol.Envelope{
		Type:    protocol.MsgError,
		Payload: protocol.MustPayload(protocol.ErrorPayload{Code: "malformed", Message: err.Error()}),
	})

	now := time.Now()
	cfg := s.srv.config.SessionConfig
	if s.malformedFrom.IsZero() || now.Sub(s.malformedFrom) > cfg.MalformedWindow {
		s.malformedFrom = now
		s.malformedCount = 0
	}
	s.malformedCount++
	return s.malformedCount > cfg.MalformedLimit
}

// handle dispatches one validated envelope.
func (s *Session) handle(env *protocol.Envelope) {
	// Any traffic counts as activity for the subscribed document.
	if doc := s.DocumentID(); doc != "" {
		s.srv.presence.Touch(doc, s.ID)
	}

	switch env.Type {
	case protocol.MsgHeartbeat:
		metrics.RecordHeartbeat()
		_ = s.send(&protocol.Envelope{Type: protocol.MsgHeartbeatAck, Seq: env.Seq})

	case protocol.MsgOpSubmit:
		s.handleSubmit(env)

	case protocol.MsgSnapshotRequest:
		s.handleSnapshot(env)

	case protocol.MsgPresenceJoin:
		s.handleJoin(env)

	case protocol.MsgPresenceLeave:
		s.leaveDocument(env.DocumentID)

	case protocol.MsgPresenceCursor:
		var cursor protocol.CursorPayload
		if err := protocol.DecodePayload(env, &cursor); err != nil {
			s.logger.Warn("bad cursor payload", "error", err)
			return
		}
		s.srv.presence.UpdateCursor(env.DocumentID, s.ID, cursor)

	default:
		// Response-shaped or unexpected types from a client are dropped.
		s.logger.Debug("unexpected message type", "type", env.Type)
	}
}

func (s *Session) handleSubmit(env *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.config.SessionConfig.WriteTimeout)
	defer cancel()

	res, err := s.srv.engine.Submit(ctx, document.Operation{
		DocumentID:  env.DocumentID,
		SessionID:   s.ID,
		BaseVersion: env.VersionValue(),
		Token:       env.IdempotencyToken,
		Payload:     env.Payload,
	})
	if err != nil {
		s.logger.Error("submit failed", "document_id", env.DocumentID, "error", err)
		_ = s.send(&protocol.Envelope{
			Type:    protocol.MsgError,
			Seq:     env.Seq,
			Payload: protocol.MustPayload(protocol.ErrorPayload{Code: "submit_failed", Message: err.Error()}),
		})
		return
	}

	if res.Conflict != nil {
		// The conflict goes to the submitter only, never to peers.
		_ = s.send(&protocol.Envelope{
			Type:             protocol.MsgOpReject,
			Seq:              env.Seq,
			DocumentID:       env.DocumentID,
			IdempotencyToken: env.IdempotencyToken,
			Payload:          protocol.MustPayload(protocol.ConflictPayload{CurrentVersion: res.Conflict.CurrentVersion}),
		})
		return
	}

	_ = s.send(&protocol.Envelope{
		Type:             protocol.MsgOpAccept,
		Seq:              env.Seq,
		DocumentID:       env.DocumentID,
		Version:          protocol.Int64(res.Ack.Version),
		IdempotencyToken: env.IdempotencyToken,
	})
}

func (s *Session) handleSnapshot(env *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.config.SessionConfig.WriteTimeout)
	defer cancel()

	snap, err := s.srv.engine.Snapshot(ctx, env.DocumentID)
	if err != nil {
		s.logger.Error("snapshot failed", "document_id", env.DocumentID, "error", err)
		_ = s.send(&protocol.Envelope{
			Type:    protocol.MsgError,
			Seq:     env.Seq,
			Payload: protocol.MustPayload(protocol.ErrorPayload{Code: "snapshot_failed", Message: err.Error()}),
		})
		return
	}

	_ = s.send(&protocol.Envelope{
		Type:       protocol.MsgSnapshotResponse,
		Seq:        env.Seq,
		DocumentID: env.DocumentID,
		Version:    protocol.Int64(snap.Version),
		Payload:    protocol.MustPayload(protocol.SnapshotPayload{Version: snap.Version, State: snap.State}),
	})
}

func (s *Session) handleJoin(env *protocol.Envelope) {
	var join protocol.JoinPayload
	if err := protocol.DecodePayload(env, &join); err != nil {
		s.logger.Warn("bad join payload", "error", err)
		return
	}
	name := join.DisplayName
	if name == "" {
		name = s.DisplayName
	}

	s.docMu.Lock()
	prev := s.documentID
	s.documentID = env.DocumentID
	s.docMu.Unlock()

	// A session subscribes to at most one document at a time.
	if prev != "" && prev != env.DocumentID {
		s.srv.leaveDocument(s, prev)
	}

	s.srv.joinDocument(s, env.DocumentID, name)
}

func (s *Session) leaveDocument(documentID string) {
	s.docMu.Lock()
	if s.documentID == documentID {
		s.documentID = ""
	}
	s.docMu.Unlock()
	s.srv.leaveDocument(s, documentID)
}
