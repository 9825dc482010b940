// Package broadcast fans validated events out to the sessions subscribed to
// a document. Delivery preserves per-document publish order; each subscriber
// drains an independent bounded queue so a slow or disconnected session
// never blocks its peers. When a subscriber's queue overflows the session is
// dropped from the document and reported for forced resynchronization
// instead of losing events silently.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-subscriber outbound queue capacity.
const DefaultQueueSize = 64

// ErrAlreadySubscribed is returned when a session subscribes twice to the
// same document without unsubscribing in between.
var ErrAlreadySubscribed = errors.New("broadcast: session already subscribed")

// Sender delivers an encoded envelope to one session's transport. It is
// called from the subscriber's pump goroutine; a returned error drops the
// subscriber.
type Sender interface {
	SendEvent(data []byte) error
}

// OverflowFunc is invoked when a subscriber's queue overflows or its Sender
// fails. The affected session must be resynchronized before it may receive
// further events.
type OverflowFunc func(documentID, sessionID string)

// Router routes per-document events to subscribed sessions.
type Router struct {
	mu   sync.RWMutex
	docs map[string]*docGroup

	queueSize  int
	onOverflow OverflowFunc
	logger     *slog.Logger
}

// docGroup is the subscriber set for one document. Its mutex serializes
// fan-out for the document, which is what gives per-document total order.
type docGroup struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	sessionID string
	queue     chan []byte
	done      chan struct{}
	once      sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewRouter creates a Router. queueSize <= 0 selects DefaultQueueSize.
func NewRouter(queueSize int, onOverflow OverflowFunc, logger *slog.Logger) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		docs:       make(map[string]*docGroup),
		queueSize:  queueSize,
		onOverflow: onOverflow,
		logger:     logger.With("component", "broadcast"),
	}
}

// Subscribe registers a session for a document's events and starts its pump.
func (r *Router) Subscribe(documentID, sessionID string, sender Sender) error {
	r.mu.Lock()
	g, ok := r.docs[documentID]
	if !ok {
		g = &docGroup{subs: make(map[string]*subscriber)}
		r.docs[documentID] = g
	}
	r.mu.Unlock()

	sub := &subscriber{
		sessionID: sessionID,
		queue:     make(chan []byte, r.queueSize),
		done:      make(chan struct{}),
	}

	g.mu.Lock()
	if _, dup := g.subs[sessionID]; dup {
		g.mu.Unlock()
		return ErrAlreadySubscribed
	}
	g.subs[sessionID] = sub
	g.mu.Unlock()

	go r.pump(documentID, sub, sender)
	return nil
}

// Unsubscribe removes a session from a document. After it returns, no event
// published later is enqueued for the removed session.
func (r *Router) Unsubscribe(documentID, sessionID string) {
	r.mu.RLock()
	g := r.docs[documentID]
	r.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	sub := g.subs[sessionID]
	delete(g.subs, sessionID)
	g.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Publish delivers data to every session subscribed to documentID in the
// order Publish calls are made for that document. Enqueueing is
// non-blocking: a full subscriber queue ejects that subscriber.
func (r *Router) Publish(documentID string, data []byte) {
	r.mu.RLock()
	g := r.docs[documentID]
	r.mu.RUnlock()
	if g == nil {
		return
	}

	var overflowed []*subscriber

	g.mu.Lock()
	for id, sub := range g.subs {
		select {
		case sub.queue <- data:
		default:
			// Slow consumer. Eject now so per-document order is preserved
			// for everyone else, then force the session to resync.
			delete(g.subs, id)
			overflowed = append(overflowed, sub)
		}
	}
	g.mu.Unlock()

	for _, sub := range overflowed {
		sub.stop()
		r.logger.Warn("subscriber queue overflow",
			"document_id", documentID,
			"session_id", sub.sessionID)
		if r.onOverflow != nil {
			r.onOverflow(documentID, sub.sessionID)
		}
	}
}

// Subscribers returns the number of sessions subscribed to a document.
func (r *Router) Subscribers(documentID string) int {
	r.mu.RLock()
	g := r.docs[documentID]
	r.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// pump drains one subscriber's queue into its Sender.
func (r *Router) pump(documentID string, sub *subscriber, sender Sender) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.queue:
			if err := sender.SendEvent(data); err != nil {
				r.logger.Warn("subscriber send failed",
					"document_id", documentID,
					"session_id", sub.sessionID,
					"error", err)
				r.Unsubscribe(documentID, sub.sessionID)
				if r.onOverflow != nil {
					r.onOverflow(documentID, sub.sessionID)
				}
				return
			}
		}
	}
}
