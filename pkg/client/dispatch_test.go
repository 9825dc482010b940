package client

import (
	"log/slog"
	"testing"

	"github.com/erdlab/collab/pkg/protocol"
)

func newDispatchClient() *Client {
	return &Client{
		logger:  slog.Default(),
		pending: make(map[uint64]pendingRequest),
	}
}

func TestDispatchVerifiesResponseType(t *testing.T) {
	c := newDispatchClient()
	ch := make(chan *protocol.Envelope, 1)
	c.pending[7] = pendingRequest{requestType: protocol.MsgHeartbeat, ch: ch}

	// A response type that cannot answer the pending request is dropped and
	// the request stays registered.
	c.dispatch(&protocol.Envelope{Type: protocol.MsgSnapshotResponse, Seq: 7})
	select {
	case <-ch:
		t.Fatal("mismatched response type delivered")
	default:
	}
	c.mu.Lock()
	_, stillPending := c.pending[7]
	c.mu.Unlock()
	if !stillPending {
		t.Fatal("pending request discarded on mismatched response")
	}

	c.dispatch(&protocol.Envelope{Type: protocol.MsgHeartbeatAck, Seq: 7})
	select {
	case resp := <-ch:
		if resp.Type != protocol.MsgHeartbeatAck {
			t.Errorf("delivered type = %q, want heartbeat_ack", resp.Type)
		}
	default:
		t.Fatal("matching response not delivered")
	}
}

func TestDispatchDeliversErrorResponses(t *testing.T) {
	// A submit may be answered with an error envelope, e.g. when the payload
	// cannot be applied. That pairing is always legal.
	c := newDispatchClient()
	ch := make(chan *protocol.Envelope, 1)
	c.pending[3] = pendingRequest{requestType: protocol.MsgOpSubmit, ch: ch}

	c.dispatch(&protocol.Envelope{Type: protocol.MsgError, Seq: 3})
	select {
	case resp := <-ch:
		if resp.Type != protocol.MsgError {
			t.Errorf("delivered type = %q, want error", resp.Type)
		}
	default:
		t.Fatal("error response not delivered")
	}
}

func TestDispatchIgnoresStaleResponse(t *testing.T) {
	c := newDispatchClient()
	// No request with this sequence number exists, e.g. it already timed out.
	c.dispatch(&protocol.Envelope{Type: protocol.MsgHeartbeatAck, Seq: 99})
	if len(c.pending) != 0 {
		t.Errorf("pending map mutated by stale response: %v", c.pending)
	}
}
