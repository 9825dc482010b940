// Package client is the editor-facing connection lifecycle manager. It owns
// one transport session per document, drives the
// connecting/authenticating/synchronized/degraded/reconnecting/closed state
// machine, and resynchronizes document state after every reconnect so the
// caller never edits against stale state.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erdlab/collab/pkg/protocol"
)

// Errors surfaced to the caller.
var (
	ErrAuthFailed      = errors.New("client: authentication failed")
	ErrClosed          = errors.New("client: closed")
	ErrNotSynchronized = errors.New("client: not synchronized")
	ErrTransportLost   = errors.New("client: transport lost")
	ErrRequestTimeout  = errors.New("client: request timed out")
)

// Config configures a Client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8420/ws.
	URL string

	// Token is the signed credential presented during the handshake.
	Token string

	// DocumentID is the document joined after every (re)connect.
	DocumentID string

	// DisplayName is announced to peers on join.
	DisplayName string

	// HandshakeTimeout bounds the dial plus credential exchange.
	// Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	// Default: 10s.
	WriteTimeout time.Duration

	// ResponseTimeout bounds a request/response round trip.
	// Default: 10s.
	ResponseTimeout time.Duration

	// HeartbeatTimeout is how long an unanswered liveness probe is
	// tolerated before the transport is declared half-open.
	// Default: 10s.
	HeartbeatTimeout time.Duration

	// Backoff is the reconnect policy.
	Backoff Backoff

	// Dialer overrides the websocket dialer. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	c.Backoff.fillDefaults()
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SubmitResult is the outcome of one operation submission.
type SubmitResult struct {
	// Accepted reports whether the operation was applied.
	Accepted bool

	// Version is the document version produced by an accepted operation.
	Version int64

	// Conflict is set when the operation was rejected; the caller resolves
	// it by Reload (discard local edit) or ForceSave (overwrite).
	Conflict *protocol.ConflictPayload
}

// Event is an accepted operation observed on the document. The client's own
// accepted operations arrive here too, so the caller applies local and remote
// edits through one path.
type Event struct {
	Version   int64
	SessionID string
	Token     string
	Payload   json.RawMessage
}

// PresenceEvent mirrors peer presence traffic for the joined document.
type PresenceEvent struct {
	Type        protocol.MsgType
	SessionID   string
	DisplayName string
	Cursor      *protocol.CursorPayload
	Activity    string
}

// pendingRequest is an in-flight sequenced request awaiting its paired
// response. The request type is kept so the response type can be verified.
type pendingRequest struct {
	requestType protocol.MsgType
	ch          chan *protocol.Envelope
}

// Client supervises one transport session. All lifecycle transitions happen
// on its internal run loop; the exported methods are safe for concurrent use.
type Client struct {
	config Config
	logger *slog.Logger

	statusCh   chan Status
	eventCh    chan Event
	presenceCh chan PresenceEvent
	resyncReq  chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn // nil while disconnected
	seq          uint64
	pending      map[uint64]pendingRequest
	sessionID    string
	version      int64
	state        json.RawMessage
	synchronized bool
	terminal     error

	// writeMu serializes frame writes; the transport allows one writer.
	writeMu sync.Mutex

	closed  atomic.Bool
	done    chan struct{}
	runDone chan struct{}
}

// Connect starts the lifecycle for one document and returns immediately; the
// connection is established in the background. Watch Status for progress.
func Connect(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if config.Token == "" {
		return nil, errors.New("client: Token is required")
	}
	if config.DocumentID == "" {
		return nil, errors.New("client: DocumentID is required")
	}
	config.fillDefaults()

	c := &Client{
		config:     config,
		logger:     config.Logger.With("component", "client", "document_id", config.DocumentID),
		statusCh:   make(chan Status, 32),
		eventCh:    make(chan Event, 256),
		presenceCh: make(chan PresenceEvent, 256),
		resyncReq:  make(chan struct{}, 1),
		pending:    make(map[uint64]pendingRequest),
		done:       make(chan struct{}),
		runDone:    make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Status emits every lifecycle transition. The channel is buffered; the
// caller should drain it promptly.
func (c *Client) Status() <-chan Status { return c.statusCh }

// Events emits accepted operations, the client's own included.
func (c *Client) Events() <-chan Event { return c.eventCh }

// Presence emits peer join/leave/cursor/activity events.
func (c *Client) Presence() <-chan PresenceEvent { return c.presenceCh }

// Done is closed when the lifecycle reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.runDone }

// Err returns the terminal error after Done, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// SessionID returns the server-issued session id, empty before the first
// successful handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Version returns the last document version this client observed.
func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// State returns the materialized document state from the last snapshot.
func (c *Client) State() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close ends the lifecycle. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	<-c.runDone
	return nil
}

// Submit sends one operation against the last observed version. A rejected
// submission returns a SubmitResult carrying the conflict, not an error;
// errors mean the submission never reached a decision.
func (c *Client) Submit(token string, payload json.RawMessage) (*SubmitResult, error) {
	return c.submit(c.Version(), token, payload)
}

// SubmitAt sends one operation against an explicit base version, for callers
// that track their own edit baseline instead of following the event stream.
func (c *Client) SubmitAt(baseVersion int64, token string, payload json.RawMessage) (*SubmitResult, error) {
	return c.submit(baseVersion, token, payload)
}

// ForceSave resolves a conflict by resubmitting against the authoritative
// version the conflict reported, overwriting the concurrent change.
func (c *Client) ForceSave(conflict *protocol.ConflictPayload, token string, payload json.RawMessage) (*SubmitResult, error) {
	if conflict == nil {
		return nil, errors.New("client: nil conflict")
	}
	return c.submit(conflict.CurrentVersion, token, payload)
}

func (c *Client) submit(baseVersion int64, token string, payload json.RawMessage) (*SubmitResult, error) {
	if token == "" {
		return nil, errors.New("client: idempotency token is required")
	}
	c.mu.Lock()
	ready := c.synchronized
	c.mu.Unlock()
	if !ready {
		return nil, ErrNotSynchronized
	}

	resp, err := c.request(&protocol.Envelope{
		Type:             protocol.MsgOpSubmit,
		DocumentID:       c.config.DocumentID,
		Version:          protocol.Int64(baseVersion),
		IdempotencyToken: token,
		Payload:          payload,
	})
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.MsgOpAccept:
		version := resp.VersionValue()
		c.observeVersion(version)
		return &SubmitResult{Accepted: true, Version: version}, nil
	case protocol.MsgOpReject:
		var conflict protocol.ConflictPayload
		if err := protocol.DecodePayload(resp, &conflict); err != nil {
			return nil, fmt.Errorf("client: decoding conflict: %w", err)
		}
		return &SubmitResult{Conflict: &conflict}, nil
	case protocol.MsgError:
		var ep protocol.ErrorPayload
		_ = protocol.DecodePayload(resp, &ep)
		return nil, fmt.Errorf("client: submit failed: %s", ep.Code)
	default:
		return nil, fmt.Errorf("client: unexpected %s response to submit", resp.Type)
	}
}

// Reload fetches the authoritative snapshot, replacing the local version and
// state. It resolves a conflict by discarding the local edit.
func (c *Client) Reload() (*protocol.SnapshotPayload, error) {
	resp, err := c.request(&protocol.Envelope{
		Type:       protocol.MsgSnapshotRequest,
		DocumentID: c.config.DocumentID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.MsgSnapshotResponse {
		return nil, fmt.Errorf("client: unexpected %s response to snapshot request", resp.Type)
	}
	var snap protocol.SnapshotPayload
	if err := protocol.DecodePayload(resp, &snap); err != nil {
		return nil, fmt.Errorf("client: decoding snapshot: %w", err)
	}

	c.mu.Lock()
	if snap.Version >= c.version {
		c.version = snap.Version
		c.state = snap.State
	}
	c.mu.Unlock()
	return &snap, nil
}

// UpdateCursor publishes the local cursor position. Fire and forget; the
// server coalesces bursts before fanning out.
func (c *Client) UpdateCursor(x, y float64) error {
	c.mu.Lock()
	ready := c.synchronized
	c.mu.Unlock()
	if !ready {
		return ErrNotSynchronized
	}
	return c.write(&protocol.Envelope{
		Type:       protocol.MsgPresenceCursor,
		DocumentID: c.config.DocumentID,
		Payload:    protocol.MustPayload(protocol.CursorPayload{X: x, Y: y}),
	})
}

// run is the lifecycle loop: dial, authenticate, resynchronize, serve, and
// on transport loss back off and repeat up to the attempt bound.
func (c *Client) run() {
	defer close(c.runDone)

	attempt := 0
	for {
		if attempt == 0 {
			c.pushStatus(Status{State: StateConnecting})
		} else {
			delay := c.config.Backoff.Delay(attempt)
			c.pushStatus(Status{State: StateReconnecting, Attempt: attempt, Delay: delay})
			select {
			case <-c.done:
				c.finish(nil)
				return
			case <-time.After(delay):
			}
		}

		conn, ack, err := c.dial()
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				c.pushStatus(Status{State: StateDegraded, Reason: "auth_failed", Err: err})
				c.finish(err)
				return
			}
			attempt++
			c.logger.Warn("dial failed", "attempt", attempt, "error", err)
			if attempt > c.config.Backoff.MaxAttempts {
				c.finish(fmt.Errorf("%w: %d reconnect attempts exhausted: %v",
					ErrTransportLost, c.config.Backoff.MaxAttempts, err))
				return
			}
			continue
		}

		attempt = 0
		c.serve(conn, ack)
		if c.closed.Load() {
			c.finish(nil)
			return
		}
		attempt = 1
	}
}

// dial opens a transport and runs the credential handshake. A transport-level
// failure is retryable; a rejection or handshake timeout wraps ErrAuthFailed
// and is terminal.
func (c *Client) dial() (*websocket.Conn, *protocol.AuthAckPayload, error) {
	conn, _, err := c.config.Dialer.Dial(c.config.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", c.config.URL, err)
	}
	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	c.pushStatus(Status{State: StateAuthenticating})

	c.mu.Lock()
	c.seq++
	seq := c.seq
	resume := c.sessionID
	c.mu.Unlock()

	data, err := protocol.Encode(&protocol.Envelope{
		Type:      protocol.MsgAuth,
		Seq:       seq,
		SessionID: resume,
		Payload: protocol.MustPayload(protocol.AuthPayload{
			Token:       c.config.Token,
			DisplayName: c.config.DisplayName,
		}),
	})
	if err != nil {
		return nil, nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, nil, fmt.Errorf("sending credentials: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no handshake reply: %v", ErrAuthFailed, err)
	}
	resp, err := protocol.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad handshake reply: %v", ErrAuthFailed, err)
	}

	switch resp.Type {
	case protocol.MsgAuthAck:
		var ack protocol.AuthAckPayload
		if err := protocol.DecodePayload(resp, &ack); err != nil {
			return nil, nil, fmt.Errorf("%w: bad auth_ack payload: %v", ErrAuthFailed, err)
		}
		c.mu.Lock()
		c.sessionID = resp.SessionID
		c.mu.Unlock()
		success = true
		return conn, &ack, nil
	case protocol.MsgAuthReject:
		var rej protocol.AuthRejectPayload
		_ = protocol.DecodePayload(resp, &rej)
		return nil, nil, fmt.Errorf("%w: %s", ErrAuthFailed, rej.Reason)
	default:
		return nil, nil, fmt.Errorf("%w: unexpected %s handshake reply", ErrAuthFailed, resp.Type)
	}
}

// serve owns one established connection until it is lost or the client
// closes. It resynchronizes before reporting Synchronized, then probes
// liveness on the server-advertised interval.
func (c *Client) serve(conn *websocket.Conn, ack *protocol.AuthAckPayload) {
	heartbeatEvery := time.Duration(ack.HeartbeatMillis) * time.Millisecond
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}

	c.attach(conn)
	defer c.detach(conn)

	readErr := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(heartbeatEvery + c.config.HeartbeatTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				c.logger.Warn("malformed server message dropped", "error", err)
				continue
			}
			c.dispatch(env)
		}
	}()

	if err := c.resync(); err != nil {
		c.logger.Warn("resynchronization failed", "error", err)
		conn.Close()
		<-readErr
		return
	}
	c.markSynchronized()
	c.pushStatus(Status{State: StateSynchronized})

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.leave(conn)
			conn.Close()
			<-readErr
			return
		case err := <-readErr:
			c.logger.Warn("transport lost", "error", err)
			return
		case <-c.resyncReq:
			// Queue overflow on the server side: catch up via snapshot.
			// No data is lost, so this is a transient status, not an error.
			c.pushStatus(Status{State: StateSynchronized, Reason: "resynchronizing"})
			if err := c.resync(); err != nil {
				c.logger.Warn("resynchronization failed", "error", err)
				conn.Close()
				<-readErr
				return
			}
			c.pushStatus(Status{State: StateSynchronized})
		case <-ticker.C:
			if err := c.heartbeat(); err != nil {
				c.logger.Warn("liveness probe unanswered", "error", err)
				conn.Close()
				<-readErr
				return
			}
		}
	}
}

// resync rejoins the document and installs the authoritative snapshot. Until
// it succeeds no local edits are accepted.
func (c *Client) resync() error {
	if err := c.write(&protocol.Envelope{
		Type:       protocol.MsgPresenceJoin,
		DocumentID: c.config.DocumentID,
		Payload:    protocol.MustPayload(protocol.JoinPayload{DisplayName: c.config.DisplayName}),
	}); err != nil {
		return err
	}
	_, err := c.Reload()
	return err
}

func (c *Client) heartbeat() error {
	resp, err := c.requestTimeout(&protocol.Envelope{Type: protocol.MsgHeartbeat}, c.config.HeartbeatTimeout)
	if err != nil {
		return err
	}
	if resp.Type != protocol.MsgHeartbeatAck {
		return fmt.Errorf("unexpected %s response to heartbeat", resp.Type)
	}
	return nil
}

func (c *Client) leave(conn *websocket.Conn) {
	data, err := protocol.Encode(&protocol.Envelope{
		Type:       protocol.MsgPresenceLeave,
		DocumentID: c.config.DocumentID,
	})
	if err != nil {
		return
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
}

// dispatch routes one inbound envelope: correlated responses to their
// waiting request, broadcasts to the event and presence streams. A response
// whose sequence number matches no pending request is stale and ignored; one
// whose type cannot answer the pending request is dropped and the request
// left waiting. Error notices may answer any request.
func (c *Client) dispatch(env *protocol.Envelope) {
	if env.Seq != 0 {
		c.mu.Lock()
		p, ok := c.pending[env.Seq]
		if ok && env.Type != protocol.MsgError && !protocol.RespondsTo(env.Type, p.requestType) {
			c.mu.Unlock()
			c.logger.Warn("response type mismatch, envelope dropped",
				"request", p.requestType, "response", env.Type, "seq", env.Seq)
			return
		}
		if ok {
			delete(c.pending, env.Seq)
		}
		c.mu.Unlock()
		if ok {
			p.ch <- env
		}
		return
	}

	switch env.Type {
	case protocol.MsgOpAccept:
		version := env.VersionValue()
		c.observeVersion(version)
		ev := Event{
			Version:   version,
			SessionID: env.SessionID,
			Token:     env.IdempotencyToken,
			Payload:   env.Payload,
		}
		select {
		case c.eventCh <- ev:
		default:
			// The caller fell behind; a snapshot supersedes the backlog.
			c.logger.Warn("event stream full, scheduling resynchronization")
			c.scheduleResync()
		}
	case protocol.MsgPresenceJoin, protocol.MsgPresenceLeave,
		protocol.MsgPresenceCursor, protocol.MsgPresenceActivity:
		if env.SessionID == c.SessionID() {
			return
		}
		ev := PresenceEvent{Type: env.Type, SessionID: env.SessionID}
		switch env.Type {
		case protocol.MsgPresenceJoin:
			var p protocol.JoinPayload
			if protocol.DecodePayload(env, &p) == nil {
				ev.DisplayName = p.DisplayName
			}
		case protocol.MsgPresenceCursor:
			var p protocol.CursorPayload
			if protocol.DecodePayload(env, &p) == nil {
				ev.Cursor = &p
			}
		case protocol.MsgPresenceActivity:
			var p protocol.ActivityPayload
			if protocol.DecodePayload(env, &p) == nil {
				ev.Activity = p.State
			}
		}
		select {
		case c.presenceCh <- ev:
		default:
			// Presence is ephemeral; any later update supersedes this one.
		}
	case protocol.MsgError:
		var ep protocol.ErrorPayload
		_ = protocol.DecodePayload(env, &ep)
		if ep.Code == "resync_required" {
			c.scheduleResync()
			return
		}
		c.logger.Warn("server error notice", "code", ep.Code, "message", ep.Message)
	default:
		c.logger.Debug("unhandled server message", "type", env.Type)
	}
}

func (c *Client) scheduleResync() {
	select {
	case c.resyncReq <- struct{}{}:
	default:
	}
}

// request sends a sequenced envelope and waits for its paired response.
func (c *Client) request(env *protocol.Envelope) (*protocol.Envelope, error) {
	return c.requestTimeout(env, c.config.ResponseTimeout)
}

func (c *Client) requestTimeout(env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrTransportLost
	}
	c.seq++
	env.Seq = c.seq
	ch := make(chan *protocol.Envelope, 1)
	c.pending[env.Seq] = pendingRequest{requestType: env.Type, ch: ch}
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, env.Seq)
		c.mu.Unlock()
	}

	if err := c.write(env); err != nil {
		unregister()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportLost
		}
		return resp, nil
	case <-time.After(timeout):
		unregister()
		return nil, ErrRequestTimeout
	case <-c.done:
		unregister()
		return nil, ErrClosed
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrTransportLost
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// detach drops the connection and fails every in-flight request.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.synchronized = false
	}
	for seq, p := range c.pending {
		delete(c.pending, seq)
		close(p.ch)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) markSynchronized() {
	c.mu.Lock()
	c.synchronized = true
	c.mu.Unlock()
}

func (c *Client) observeVersion(version int64) {
	c.mu.Lock()
	if version > c.version {
		c.version = version
	}
	c.mu.Unlock()
}

func (c *Client) pushStatus(status Status) {
	select {
	case c.statusCh <- status:
	default:
		c.logger.Debug("status stream full, transition dropped", "state", status.State)
	}
}

// finish records the terminal error and emits the Closed transition.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.terminal = err
	c.mu.Unlock()
	c.pushStatus(Status{State: StateClosed, Err: err})
}
