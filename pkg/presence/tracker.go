// Package presence tracks the online participants of each document: display
// identity, cursor position, and activity state.
//
// Presence is advisory, latest-write-wins data. Cursor updates are coalesced
// before broadcast, the idle sweep only marks records inactive (a quiet user
// is still present), and only a leave or disconnect removes a record.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/erdlab/collab/pkg/metrics"
	"github.com/erdlab/collab/pkg/protocol"
)

// Config holds the presence policy knobs.
type Config struct {
	// IdleThreshold is how long without activity before a participant is
	// marked inactive. Default: 2 minutes.
	IdleThreshold time.Duration

	// SweepInterval is how often the idle sweep runs. Default: 15 seconds.
	SweepInterval time.Duration

	// CursorFlushInterval is how often coalesced cursor updates are flushed
	// to peers. Default: 50ms.
	CursorFlushInterval time.Duration
}

// DefaultConfig returns the default presence policy.
func DefaultConfig() *Config {
	return &Config{
		IdleThreshold:       2 * time.Minute,
		SweepInterval:       15 * time.Second,
		CursorFlushInterval: 50 * time.Millisecond,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CursorFlushInterval <= 0 {
		c.CursorFlushInterval = d.CursorFlushInterval
	}
}

// Record is one (document, session) presence entry.
type Record struct {
	SessionID    string
	DisplayName  string
	Cursor       *protocol.CursorPayload
	State        string // protocol.ActivityActive or protocol.ActivityInactive
	LastActivity time.Time
}

// Publisher fans a presence event out to a document's subscribers. Events
// carry the owning session id; receivers ignore their own.
type Publisher interface {
	Publish(documentID string, data []byte)
}

// Dispatcher serializes a broadcast with a document's operation stream.
// The document engine's Dispatch method satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, documentID string, fn func()) error
}

// Tracker owns all presence records.
type Tracker struct {
	mu   sync.Mutex
	docs map[string]map[string]*Record

	// pending holds the newest unflushed cursor per (document, session).
	// Multiple updates between flushes collapse to the latest one.
	pending map[cursorKey]protocol.CursorPayload

	config     *Config
	publisher  Publisher
	dispatcher Dispatcher
	logger     *slog.Logger

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

type cursorKey struct {
	documentID string
	sessionID  string
}

// NewTracker creates a tracker and starts its idle sweep and cursor flush
// schedules. dispatcher may be nil, in which case broadcasts bypass the
// document serialization slot.
func NewTracker(config *Config, publisher Publisher, dispatcher Dispatcher, logger *slog.Logger) *Tracker {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.fillDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		docs:       make(map[string]map[string]*Record),
		pending:    make(map[cursorKey]protocol.CursorPayload),
		config:     config,
		publisher:  publisher,
		dispatcher: dispatcher,
		logger:     logger.With("component", "presence"),
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	t.wg.Add(2)
	go t.sweepLoop()
	go t.flushLoop()
	return t
}

// Close stops the sweep and flush schedules.
func (t *Tracker) Close() {
	close(t.stop)
	t.wg.Wait()
}

// Join creates (or, for a rejoining session id, updates) the presence record
// and broadcasts a join event. Re-joining never duplicates a record.
func (t *Tracker) Join(ctx context.Context, documentID, sessionID, displayName string) {
	t.mu.Lock()
	sessions, ok := t.docs[documentID]
	if !ok {
		sessions = make(map[string]*Record)
		t.docs[documentID] = sessions
	}
	rec, rejoin := sessions[sessionID]
	if !rejoin {
		rec = &Record{SessionID: sessionID}
		sessions[sessionID] = rec
	}
	rec.DisplayName = displayName
	rec.State = protocol.ActivityActive
	rec.LastActivity = t.now()
	t.mu.Unlock()

	metrics.RecordPresenceEvent("join")
	t.broadcast(ctx, documentID, &protocol.Envelope{
		Type:       protocol.MsgPresenceJoin,
		DocumentID: documentID,
		SessionID:  sessionID,
		Payload:    protocol.MustPayload(protocol.JoinPayload{DisplayName: displayName}),
	})
}

// Leave removes the record and broadcasts a leave event. Calling it again
// for the same pair is a no-op, so disconnect cleanup and an explicit leave
// cannot double-announce.
func (t *Tracker) Leave(ctx context.Context, documentID, sessionID string) {
	t.mu.Lock()
	sessions := t.docs[documentID]
	_, present := sessions[sessionID]
	if present {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(t.docs, documentID)
		}
		delete(t.pending, cursorKey{documentID, sessionID})
	}
	t.mu.Unlock()

	if !present {
		return
	}

	metrics.RecordPresenceEvent("leave")
	t.broadcast(ctx, documentID, &protocol.Envelope{
		Type:       protocol.MsgPresenceLeave,
		DocumentID: documentID,
		SessionID:  sessionID,
	})
}

// LeaveAll removes the session from every document it joined. The lifecycle
// layer calls this on the Closed transition so no presence entry outlives
// its session.
func (t *Tracker) LeaveAll(ctx context.Context, sessionID string) {
	t.mu.Lock()
	var docs []string
	for documentID, sessions := range t.docs {
		if _, ok := sessions[sessionID]; ok {
			docs = append(docs, documentID)
		}
	}
	t.mu.Unlock()

	for _, documentID := range docs {
		t.Leave(ctx, documentID, sessionID)
	}
}

// UpdateCursor records the session's newest cursor position. Positions are
// coalesced: only the latest one at each flush tick reaches peers.
func (t *Tracker) UpdateCursor(documentID, sessionID string, cursor protocol.CursorPayload) {
	t.mu.Lock()
	rec := t.record(documentID, sessionID)
	if rec == nil {
		t.mu.Unlock()
		return
	}
	c := cursor
	rec.Cursor = &c
	rec.LastActivity = t.now()
	wasIdle := rec.State == protocol.ActivityInactive
	rec.State = protocol.ActivityActive
	t.pending[cursorKey{documentID, sessionID}] = cursor
	t.mu.Unlock()

	if wasIdle {
		t.announceActivity(documentID, sessionID, protocol.ActivityActive)
	}
}

// Touch refreshes the session's activity timestamp on any traffic and
// re-announces it as active if the idle sweep had marked it inactive.
func (t *Tracker) Touch(documentID, sessionID string) {
	t.mu.Lock()
	rec := t.record(documentID, sessionID)
	if rec == nil {
		t.mu.Unlock()
		return
	}
	rec.LastActivity = t.now()
	wasIdle := rec.State == protocol.ActivityInactive
	rec.State = protocol.ActivityActive
	t.mu.Unlock()

	if wasIdle {
		t.announceActivity(documentID, sessionID, protocol.ActivityActive)
	}
}

// Participants returns a snapshot of the document's presence records.
func (t *Tracker) Participants(documentID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := t.docs[documentID]
	out := make([]Record, 0, len(sessions))
	for _, rec := range sessions {
		out = append(out, *rec)
	}
	return out
}

// record returns the entry for the pair, or nil if the session never joined.
// Caller holds t.mu.
func (t *Tracker) record(documentID, sessionID string) *Record {
	return t.docs[documentID][sessionID]
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stop:
			return
		}
	}
}

// sweep marks idle participants inactive. It never removes records.
func (t *Tracker) sweep() {
	type idled struct {
		documentID string
		sessionID  string
	}
	cutoff := t.now().Add(-t.config.IdleThreshold)

	t.mu.Lock()
	var marked []idled
	for documentID, sessions := range t.docs {
		for sessionID, rec := range sessions {
			if rec.State == protocol.ActivityActive && rec.LastActivity.Before(cutoff) {
				rec.State = protocol.ActivityInactive
				marked = append(marked, idled{documentID, sessionID})
			}
		}
	}
	t.mu.Unlock()

	for _, m := range marked {
		t.announceActivity(m.documentID, m.sessionID, protocol.ActivityInactive)
	}
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.CursorFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flushCursors()
		case <-t.stop:
			return
		}
	}
}

// flushCursors sends the newest coalesced cursor per (document, session).
func (t *Tracker) flushCursors() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = make(map[cursorKey]protocol.CursorPayload)
	t.mu.Unlock()

	for key, cursor := range batch {
		metrics.RecordPresenceEvent("cursor")
		t.broadcast(context.Background(), key.documentID, &protocol.Envelope{
			Type:       protocol.MsgPresenceCursor,
			DocumentID: key.documentID,
			SessionID:  key.sessionID,
			Payload:    protocol.MustPayload(cursor),
		})
	}
}

func (t *Tracker) announceActivity(documentID, sessionID, state string) {
	metrics.RecordPresenceEvent("activity")
	t.broadcast(context.Background(), documentID, &protocol.Envelope{
		Type:       protocol.MsgPresenceActivity,
		DocumentID: documentID,
		SessionID:  sessionID,
		Payload:    protocol.MustPayload(protocol.ActivityPayload{State: state}),
	})
}

// broadcast publishes a presence envelope, going through the document's
// serialization slot when a dispatcher is wired.
func (t *Tracker) broadcast(ctx context.Context, documentID string, e *protocol.Envelope) {
	if t.publisher == nil {
		return
	}
	data, err := protocol.Encode(e)
	if err != nil {
		t.logger.Error("encode presence event", "type", e.Type, "error", err)
		return
	}
	if t.dispatcher != nil {
		if err := t.dispatcher.Dispatch(ctx, documentID, func() {
			t.publisher.Publish(documentID, data)
		}); err != nil {
			t.logger.Warn("presence dispatch failed", "document_id", documentID, "error", err)
		}
		return
	}
	t.publisher.Publish(documentID, data)
}
