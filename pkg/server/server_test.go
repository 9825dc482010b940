package server

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erdlab/collab/pkg/auth"
	"github.com/erdlab/collab/pkg/protocol"
)

const testSecret = "server-test-secret"

func newTestServer(t *testing.T, config *ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	verifier, err := auth.NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	srv := New(config, verifier, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.sessions.Shutdown()
		srv.presence.Close()
		srv.engine.Close()
	})
	return srv, ts
}

func mintToken(t *testing.T, userID, name string) string {
	t.Helper()
	verifier, _ := auth.NewVerifier([]byte(testSecret))
	token, err := verifier.Issue(auth.Identity{UserID: userID, DisplayName: name}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// wsClient is a minimal test-side protocol client.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  uint64
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(e *protocol.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(e)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

func (c *wsClient) read() (*protocol.Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// waitFor reads envelopes until one of the wanted type arrives, skipping
// interleaved presence or broadcast traffic.
func (c *wsClient) waitFor(want protocol.MsgType) *protocol.Envelope {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		env, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
	c.t.Fatalf("no %s envelope after 20 messages", want)
	return nil
}

// authenticate performs the handshake and returns the issued session id.
func (c *wsClient) authenticate(token, resumeSession string) *protocol.Envelope {
	c.t.Helper()
	c.seq++
	c.send(&protocol.Envelope{
		Type:      protocol.MsgAuth,
		Seq:       c.seq,
		SessionID: resumeSession,
		Payload:   protocol.MustPayload(protocol.AuthPayload{Token: token}),
	})
	env, err := c.read()
	if err != nil {
		c.t.Fatalf("handshake: %v", err)
	}
	return env
}

func (c *wsClient) join(doc, name string) {
	c.t.Helper()
	c.send(&protocol.Envelope{
		Type:       protocol.MsgPresenceJoin,
		DocumentID: doc,
		Payload:    protocol.MustPayload(protocol.JoinPayload{DisplayName: name}),
	})
}

func (c *wsClient) submit(doc string, base int64, token, payload string) *protocol.Envelope {
	c.t.Helper()
	c.seq++
	c.send(&protocol.Envelope{
		Type:             protocol.MsgOpSubmit,
		Seq:              c.seq,
		DocumentID:       doc,
		Version:          protocol.Int64(base),
		IdempotencyToken: token,
		Payload:          []byte(payload),
	})
	for i := 0; i < 20; i++ {
		env, err := c.read()
		if err != nil {
			c.t.Fatalf("awaiting submit response: %v", err)
		}
		if (env.Type == protocol.MsgOpAccept || env.Type == protocol.MsgOpReject) && env.Seq == c.seq {
			return env
		}
	}
	c.t.Fatal("no submit response")
	return nil
}

func TestHandshakeAcceptsValidToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dial(t, ts)

	ack := c.authenticate(mintToken(t, "u-1", "Ada"), "")
	if ack.Type != protocol.MsgAuthAck {
		t.Fatalf("handshake response = %s, want auth_ack", ack.Type)
	}
	if ack.SessionID == "" {
		t.Error("auth_ack missing session id")
	}
	if ack.Seq != 1 {
		t.Errorf("auth_ack seq = %d, want 1 (paired with request)", ack.Seq)
	}

	var payload protocol.AuthAckPayload
	if err := protocol.DecodePayload(ack, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Resumed {
		t.Error("fresh session reported as resumed")
	}
	if payload.HeartbeatMillis <= 0 {
		t.Errorf("heartbeat interval = %d, want > 0", payload.HeartbeatMillis)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dial(t, ts)

	resp := c.authenticate("garbage-token", "")
	if resp.Type != protocol.MsgAuthReject {
		t.Fatalf("handshake response = %s, want auth_reject", resp.Type)
	}
	var payload protocol.AuthRejectPayload
	if err := protocol.DecodePayload(resp, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Reason != RejectInvalidToken {
		t.Errorf("reason = %q, want %q", payload.Reason, RejectInvalidToken)
	}
}

func TestHandshakeRejectsNonAuthFirstMessage(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dial(t, ts)

	c.send(&protocol.Envelope{Type: protocol.MsgHeartbeat, Seq: 1})
	resp, err := c.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != protocol.MsgAuthReject {
		t.Fatalf("response = %s, want auth_reject", resp.Type)
	}
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dial(t, ts)
	c.authenticate(mintToken(t, "u-1", "Ada"), "")

	c.send(&protocol.Envelope{Type: protocol.MsgHeartbeat, Seq: 42})
	ack := c.waitFor(protocol.MsgHeartbeatAck)
	if ack.Seq != 42 {
		t.Errorf("heartbeat_ack seq = %d, want 42", ack.Seq)
	}
}

func TestSubmitAcceptBroadcastsToAllSubscribers(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts)
	a.authenticate(mintToken(t, "u-a", "Ada"), "")
	a.join("doc", "Ada")

	b := dial(t, ts)
	b.authenticate(mintToken(t, "u-b", "Grace"), "")
	b.join("doc", "Grace")

	resp := a.submit("doc", 0, "tok-1", `{"kind":"table.add","id":"t1"}`)
	if resp.Type != protocol.MsgOpAccept {
		t.Fatalf("submit response = %s, want op_accept", resp.Type)
	}
	if resp.VersionValue() != 1 {
		t.Errorf("accepted version = %d, want 1", resp.VersionValue())
	}

	ev := b.waitFor(protocol.MsgOpAccept)
	if ev.VersionValue() != 1 {
		t.Errorf("broadcast version = %d, want 1", ev.VersionValue())
	}
	if ev.IdempotencyToken != "tok-1" {
		t.Errorf("broadcast token = %q, want tok-1", ev.IdempotencyToken)
	}
	if ev.SessionID == "" {
		t.Error("broadcast missing the submitter's session id")
	}
}

func TestConflictThenForceSave(t *testing.T) {
	_, ts := newTestServer(t, nil)

	x := dial(t, ts)
	x.authenticate(mintToken(t, "u-x", "X"), "")
	x.join("doc", "X")

	y := dial(t, ts)
	y.authenticate(mintToken(t, "u-y", "Y"), "")
	y.join("doc", "Y")

	// Bring the document to version 5.
	for i := int64(0); i < 5; i++ {
		if resp := x.submit("doc", i, fmt.Sprintf("x-op-%d", i), `{"by":"x"}`); resp.Type != protocol.MsgOpAccept {
			t.Fatalf("setup op %d rejected", i)
		}
	}

	// Y edits against a stale base.
	resp := y.submit("doc", 3, "y-op", `{"by":"y"}`)
	if resp.Type != protocol.MsgOpReject {
		t.Fatalf("stale submit response = %s, want op_reject", resp.Type)
	}
	var conflict protocol.ConflictPayload
	if err := protocol.DecodePayload(resp, &conflict); err != nil {
		t.Fatal(err)
	}
	if conflict.CurrentVersion != 5 {
		t.Fatalf("conflict current version = %d, want 5", conflict.CurrentVersion)
	}

	// Force save: resubmit against the authoritative version.
	forced := y.submit("doc", conflict.CurrentVersion, "y-op-forced", `{"by":"y"}`)
	if forced.Type != protocol.MsgOpAccept {
		t.Fatalf("force save response = %s, want op_accept", forced.Type)
	}
	if forced.VersionValue() != 6 {
		t.Errorf("force save version = %d, want 6", forced.VersionValue())
	}
}

func TestSnapshotReflectsAcceptedOperations(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dial(t, ts)
	c.authenticate(mintToken(t, "u-1", "Ada"), "")
	c.join("doc", "Ada")

	c.submit("doc", 0, "t-1", `{"rev":"one"}`)
	c.submit("doc", 1, "t-2", `{"rev":"two"}`)

	c.seq++
	c.send(&protocol.Envelope{Type: protocol.MsgSnapshotRequest, Seq: c.seq, DocumentID: "doc"})
	resp := c.waitFor(protocol.MsgSnapshotResponse)

	var snap protocol.SnapshotPayload
	if err := protocol.DecodePayload(resp, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Version != 2 {
		t.Errorf("snapshot version = %d, want 2", snap.Version)
	}
	if string(snap.State) != `{"rev":"two"}` {
		t.Errorf("snapshot state = %s, want latest accepted payload", snap.State)
	}
}

func TestSessionResumeKeepsSessionID(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts)
	ack := c.authenticate(mintToken(t, "u-1", "Ada"), "")
	sessionID := ack.SessionID
	c.join("doc", "Ada")
	c.submit("doc", 0, "t-1", `{"rev":"one"}`)

	// Drop the transport, then resume with the same session id.
	c.conn.Close()

	c2 := dial(t, ts)
	ack2 := c2.authenticate(mintToken(t, "u-1", "Ada"), sessionID)
	if ack2.Type != protocol.MsgAuthAck {
		t.Fatalf("resume response = %s, want auth_ack", ack2.Type)
	}
	if ack2.SessionID != sessionID {
		t.Errorf("resumed session id = %q, want %q", ack2.SessionID, sessionID)
	}
	var payload protocol.AuthAckPayload
	if err := protocol.DecodePayload(ack2, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Resumed {
		t.Error("auth_ack should report resumed session")
	}
	if srv.Sessions().Count() != 1 {
		t.Errorf("session count = %d, want 1 (same session, new transport)", srv.Sessions().Count())
	}

	// Resynchronize after the reconnect: the snapshot matches authoritative
	// state, and an idempotent resend of the pre-drop operation replays.
	c2.seq = 10
	c2.send(&protocol.Envelope{Type: protocol.MsgSnapshotRequest, Seq: c2.seq, DocumentID: "doc"})
	resp := c2.waitFor(protocol.MsgSnapshotResponse)
	var snap protocol.SnapshotPayload
	if err := protocol.DecodePayload(resp, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Errorf("post-resume snapshot version = %d, want 1", snap.Version)
	}

	replay := c2.submit("doc", 0, "t-1", `{"rev":"one"}`)
	if replay.Type != protocol.MsgOpAccept || replay.VersionValue() != 1 {
		t.Errorf("idempotent resend = %s v%d, want op_accept v1", replay.Type, replay.VersionValue())
	}
}

func TestResumeWithUnknownSessionStartsFresh(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dial(t, ts)

	ack := c.authenticate(mintToken(t, "u-1", "Ada"), "01J0000000000000000000FAKE")
	if ack.Type != protocol.MsgAuthAck {
		t.Fatalf("response = %s, want auth_ack (fresh session)", ack.Type)
	}
	var payload protocol.AuthAckPayload
	if err := protocol.DecodePayload(ack, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Resumed {
		t.Error("unknown session id must not resume")
	}
}

func TestPresenceJoinAndLeaveAreBroadcast(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts)
	aAck := a.authenticate(mintToken(t, "u-a", "Ada"), "")
	a.join("doc", "Ada")

	b := dial(t, ts)
	bAck := b.authenticate(mintToken(t, "u-b", "Grace"), "")
	b.join("doc", "Grace")

	// A sees B's join; B receives the roster replay naming A.
	join := a.waitFor(protocol.MsgPresenceJoin)
	if join.SessionID != bAck.SessionID {
		t.Errorf("join event session = %q, want %q", join.SessionID, bAck.SessionID)
	}
	roster := b.waitFor(protocol.MsgPresenceJoin)
	if roster.SessionID != aAck.SessionID {
		t.Errorf("roster session = %q, want %q", roster.SessionID, aAck.SessionID)
	}

	b.send(&protocol.Envelope{Type: protocol.MsgPresenceLeave, DocumentID: "doc"})
	leave := a.waitFor(protocol.MsgPresenceLeave)
	if leave.SessionID != bAck.SessionID {
		t.Errorf("leave event session = %q, want %q", leave.SessionID, bAck.SessionID)
	}
}

func TestMalformedFloodTearsSessionDown(t *testing.T) {
	config := DefaultServerConfig()
	config.SessionConfig.MalformedLimit = 3
	srv, ts := newTestServer(t, config)

	c := dial(t, ts)
	c.authenticate(mintToken(t, "u-1", "Ada"), "")

	// One malformed message is only dropped.
	c.sendRaw("{not json")
	if env := c.waitFor(protocol.MsgError); env.Type != protocol.MsgError {
		t.Fatal("expected error notice for malformed message")
	}

	// A burst past the threshold tears the session down.
	for i := 0; i < 5; i++ {
		c.sendRaw("{not json")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.read(); err != nil {
			break // server closed the connection
		}
		if time.Now().After(deadline) {
			t.Fatal("connection still open after malformed flood")
		}
	}
	if n := srv.Sessions().Count(); n != 0 {
		t.Errorf("session count = %d, want 0 after teardown", n)
	}
}
