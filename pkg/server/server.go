// Package server hosts the collaboration sync engine behind a websocket
// endpoint. It owns transport sessions and the handshake; document
// versioning, presence, and fan-out live in their own packages and are
// wired together here.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erdlab/collab/pkg/auth"
	"github.com/erdlab/collab/pkg/broadcast"
	"github.com/erdlab/collab/pkg/document"
	"github.com/erdlab/collab/pkg/metrics"
	"github.com/erdlab/collab/pkg/presence"
	"github.com/erdlab/collab/pkg/protocol"
)

// Server is the collaboration server: HTTP surface, websocket handshake,
// and the wiring between sessions, the document engine, presence, and the
// broadcast router.
type Server struct {
	config   *ServerConfig
	verifier *auth.Verifier

	engine   *document.Engine
	presence *presence.Tracker
	router   *broadcast.Router
	sessions *SessionManager

	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a fully wired server.
func New(config *ServerConfig, verifier *auth.Verifier, presenceConfig *presence.Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config.fillDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger.With("component", "server"),
	}

	s.router = broadcast.NewRouter(config.SessionConfig.SendQueueSize, s.forceResync, logger)
	s.engine = document.NewEngine(s.router, nil, logger)
	s.presence = presence.NewTracker(presenceConfig, s.router, s.engine, logger)
	s.sessions = NewSessionManager(config.SessionConfig, config.MaxSessions, func(sess *Session) {
		s.destroySession(sess, "grace window lapsed")
	}, logger)

	return s
}

// Engine returns the document sync engine.
func (s *Server) Engine() *document.Engine { return s.engine }

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Handler returns the HTTP surface: websocket upgrade, health, and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// handleWebSocket upgrades the connection and performs the auth handshake.
// The first message must be an auth envelope within the handshake timeout;
// anything else rejects the attempt without retry.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	cfg := s.config.SessionConfig
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("handshake read failed", "error", err)
		conn.Close()
		return
	}

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.MsgAuth {
		s.rejectAuth(conn, 0, RejectBadHandshake)
		conn.Close()
		return
	}

	var payload protocol.AuthPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		s.rejectAuth(conn, env.Seq, RejectBadHandshake)
		conn.Close()
		return
	}

	identity, err := s.verifier.Verify(payload.Token)
	if err != nil {
		reason := RejectInvalidToken
		if err == auth.ErrExpiredToken {
			reason = RejectExpiredToken
		}
		metrics.RecordAuthFailure(reason)
		s.logger.Warn("authentication rejected", "reason", reason)
		s.rejectAuth(conn, env.Seq, reason)
		conn.Close()
		return
	}
	if payload.DisplayName != "" {
		identity.DisplayName = payload.DisplayName
	}

	// Resume an existing session when the client presents its previous id
	// inside the grace window; otherwise start a fresh session.
	var sess *Session
	resumed := false
	if env.SessionID != "" {
		if prev, err := s.sessions.Resume(env.SessionID, identity.UserID, conn); err == nil {
			sess = prev
			resumed = true
			metrics.RecordReconnect()
		}
	}
	if sess == nil {
		sess = newSession(s, conn, identity.UserID, identity.DisplayName)
		if err := s.sessions.Add(sess); err != nil {
			metrics.RecordAuthFailure(RejectServerBusy)
			s.rejectAuth(conn, env.Seq, RejectServerBusy)
			conn.Close()
			return
		}
		metrics.RecordSessionCreate()
	}

	ack := &protocol.Envelope{
		Type:      protocol.MsgAuthAck,
		Seq:       env.Seq,
		SessionID: sess.ID,
		Payload: protocol.MustPayload(protocol.AuthAckPayload{
			Resumed:         resumed,
			HeartbeatMillis: cfg.HeartbeatInterval.Milliseconds(),
		}),
	}
	if err := sess.send(ack); err != nil {
		s.logger.Warn("handshake ack failed", "session_id", sess.ID, "error", err)
		s.sessions.Detach(sess, conn)
		return
	}

	sess.logger.Info("session established",
		"user_id", sess.UserID,
		"display_name", sess.DisplayName,
		"resumed", resumed)

	sess.readLoop(conn)
}

func (s *Server) rejectAuth(conn *websocket.Conn, seq uint64, reason string) {
	data, err := protocol.Encode(&protocol.Envelope{
		Type:    protocol.MsgAuthReject,
		Seq:     seq,
		Payload: protocol.MustPayload(protocol.AuthRejectPayload{Reason: reason}),
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.config.SessionConfig.WriteTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
}

// joinDocument subscribes a session to a document's event stream, records
// its presence, and replays the current roster to the joiner.
func (s *Server) joinDocument(sess *Session, documentID, displayName string) {
	if err := s.router.Subscribe(documentID, sess.ID, sess); err != nil && err != broadcast.ErrAlreadySubscribed {
		sess.logger.Error("subscribe failed", "document_id", documentID, "error", err)
		return
	}
	s.presence.Join(context.Background(), documentID, sess.ID, displayName)

	for _, p := range s.presence.Participants(documentID) {
		if p.SessionID == sess.ID {
			continue
		}
		_ = sess.send(&protocol.Envelope{
			Type:       protocol.MsgPresenceJoin,
			DocumentID: documentID,
			SessionID:  p.SessionID,
			Payload:    protocol.MustPayload(protocol.JoinPayload{DisplayName: p.DisplayName}),
		})
		if p.Cursor != nil {
			_ = sess.send(&protocol.Envelope{
				Type:       protocol.MsgPresenceCursor,
				DocumentID: documentID,
				SessionID:  p.SessionID,
				Payload:    protocol.MustPayload(*p.Cursor),
			})
		}
		if p.State == protocol.ActivityInactive {
			_ = sess.send(&protocol.Envelope{
				Type:       protocol.MsgPresenceActivity,
				DocumentID: documentID,
				SessionID:  p.SessionID,
				Payload:    protocol.MustPayload(protocol.ActivityPayload{State: p.State}),
			})
		}
	}
}

// leaveDocument removes a session from a document's event stream and
// presence set.
func (s *Server) leaveDocument(sess *Session, documentID string) {
	if documentID == "" {
		return
	}
	s.router.Unsubscribe(documentID, sess.ID)
	s.presence.Leave(context.Background(), documentID, sess.ID)
}

// forceResync handles a subscriber ejected for slow consumption. The
// session is told to resynchronize; no data is lost, it re-joins and
// snapshots to catch up.
func (s *Server) forceResync(documentID, sessionID string) {
	metrics.RecordQueueOverflow()
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	sess.logger.Warn("forcing resynchronization", "document_id", documentID)
	// Off the publisher's goroutine: a document worker must never wait on
	// a slow session's network I/O.
	go func() {
		_ = sess.send(&protocol.Envelope{
			Type:       protocol.MsgError,
			DocumentID: documentID,
			Payload: protocol.MustPayload(protocol.ErrorPayload{
				Code:    "resync_required",
				Message: "event queue overflowed; rejoin and snapshot to catch up",
			}),
		})
	}()
}

// detachSession starts the reconnection grace window after a transport
// loss. Presence records survive detachment; the idle sweep marks them
// inactive until the session resumes or expires.
func (s *Server) detachSession(sess *Session, conn *websocket.Conn) {
	if sess.closed.Load() {
		return
	}
	s.sessions.Detach(sess, conn)
}

// destroySession finishes a session: explicit close, malformed-message
// teardown, grace expiry, or server shutdown all end here exactly once.
func (s *Server) destroySession(sess *Session, reason string) {
	if !sess.closed.CompareAndSwap(false, true) {
		return
	}
	sess.logger.Info("session destroyed", "reason", reason)

	sess.mu.Lock()
	if sess.conn != nil {
		sess.conn.Close()
	}
	sess.mu.Unlock()

	if doc := sess.DocumentID(); doc != "" {
		s.router.Unsubscribe(doc, sess.ID)
	}
	s.presence.LeaveAll(context.Background(), sess.ID)
	s.engine.Forget(context.Background(), sess.ID)
	s.sessions.Remove(sess.ID)
	metrics.RecordSessionDestroy()
}

// Run starts the server and blocks until a shutdown signal or listen error.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server: sessions first, then the engine and
// presence schedules, then the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.sessions.Shutdown()
	s.presence.Close()
	s.engine.Close()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
