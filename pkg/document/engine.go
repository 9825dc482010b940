package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/erdlab/collab/pkg/metrics"
	"github.com/erdlab/collab/pkg/protocol"
)

// Engine errors.
var (
	ErrEngineClosed = errors.New("document: engine closed")
	ErrApplyFailed  = errors.New("document: operation payload could not be applied")
)

// requestQueueSize bounds each document worker's inbox. Submitters block on
// the serialization slot when the worker is busy, never on another
// session's slow consumption.
const requestQueueSize = 32

// Broadcaster fans an encoded event out to every session subscribed to a
// document. The engine publishes from inside the document worker, so
// per-document publish order follows version order.
type Broadcaster interface {
	Publish(documentID string, data []byte)
}

// Engine owns the authoritative version counter and materialized state of
// every open document.
type Engine struct {
	mu   sync.RWMutex
	docs map[string]*document

	applier     Applier
	broadcaster Broadcaster
	logger      *slog.Logger
	tracer      trace.Tracer

	closed bool
	wg     sync.WaitGroup
}

// document is the per-document worker state. All fields below reqs are
// touched only by the worker goroutine.
type document struct {
	id   string
	reqs chan func(*document)
	stop chan struct{}

	version int64
	state   []byte
	seen    map[string]seenOp
}

// seenOp is one retained idempotency result, kept for replay until the
// submitting session can no longer resume.
type seenOp struct {
	version   int64
	sessionID string
}

// NewEngine creates an engine. A nil applier selects ReplaceApplier.
func NewEngine(broadcaster Broadcaster, applier Applier, logger *slog.Logger) *Engine {
	if applier == nil {
		applier = ReplaceApplier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		docs:        make(map[string]*document),
		applier:     applier,
		broadcaster: broadcaster,
		logger:      logger.With("component", "document_engine"),
		tracer:      otel.Tracer("collab/document"),
	}
}

// Submit validates op against the document's authoritative version. It
// returns an Ack when accepted (the operation is applied, the version
// incremented by exactly one, and the operation broadcast to every
// subscriber including the submitter) or a Conflict when op.BaseVersion is
// stale. A Conflict never mutates state and is returned only to the caller.
func (e *Engine) Submit(ctx context.Context, op Operation) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "document.submit", trace.WithAttributes(
		attribute.String("document.id", op.DocumentID),
		attribute.Int64("operation.base_version", op.BaseVersion),
	))
	defer span.End()

	d, err := e.doc(op.DocumentID)
	if err != nil {
		return Result{}, err
	}

	type reply struct {
		res Result
		err error
	}
	ch := make(chan reply, 1)
	if err := d.dispatch(ctx, func(d *document) {
		res, err := e.submitLocked(d, op)
		ch <- reply{res, err}
	}); err != nil {
		return Result{}, err
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return Result{}, r.err
		}
		if r.res.Ack != nil {
			span.SetAttributes(
				attribute.Bool("operation.accepted", true),
				attribute.Int64("document.version", r.res.Ack.Version),
			)
		} else {
			span.SetAttributes(attribute.Bool("operation.accepted", false))
		}
		return r.res, nil
	}
}

// submitLocked runs on the document worker.
func (e *Engine) submitLocked(d *document, op Operation) (Result, error) {
	// Idempotent replay: a token seen before returns the original result
	// without touching version or state.
	if rec, ok := d.seen[op.Token]; ok {
		metrics.RecordOpReplay()
		return Result{Ack: &Ack{Version: rec.version, Replayed: true}}, nil
	}

	if op.BaseVersion != d.version {
		metrics.RecordOpConflict()
		e.logger.Debug("version conflict",
			"document_id", d.id,
			"session_id", op.SessionID,
			"base_version", op.BaseVersion,
			"current_version", d.version)
		return Result{Conflict: &Conflict{Rejected: op, CurrentVersion: d.version}}, nil
	}

	state, err := e.applier.Apply(d.state, op.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	d.version++
	d.state = state
	d.seen[op.Token] = seenOp{version: d.version, sessionID: op.SessionID}
	metrics.RecordOpAccepted()

	e.broadcastAccept(d, op)
	return Result{Ack: &Ack{Version: d.version}}, nil
}

// broadcastAccept publishes the accepted operation, tagged with its new
// version, to all subscribers. The submitter receives it too, so its apply
// path is identical to its peers'.
func (e *Engine) broadcastAccept(d *document, op Operation) {
	if e.broadcaster == nil {
		return
	}
	data, err := protocol.Encode(&protocol.Envelope{
		Type:             protocol.MsgOpAccept,
		DocumentID:       d.id,
		SessionID:        op.SessionID,
		Version:          protocol.Int64(d.version),
		IdempotencyToken: op.Token,
		Payload:          op.Payload,
	})
	if err != nil {
		e.logger.Error("encode accepted operation", "document_id", d.id, "error", err)
		return
	}
	e.broadcaster.Publish(d.id, data)
	metrics.RecordBroadcast()
}

// Snapshot returns the document's {version, state} pair atomically with
// respect to concurrent Submit calls.
func (e *Engine) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "document.snapshot", trace.WithAttributes(
		attribute.String("document.id", documentID),
	))
	defer span.End()

	d, err := e.doc(documentID)
	if err != nil {
		return Snapshot{}, err
	}

	ch := make(chan Snapshot, 1)
	if err := d.dispatch(ctx, func(d *document) {
		var state []byte
		if d.state != nil {
			state = make([]byte, len(d.state))
			copy(state, d.state)
		}
		ch <- Snapshot{Version: d.version, State: state}
	}); err != nil {
		return Snapshot{}, err
	}

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case snap := <-ch:
		span.SetAttributes(attribute.Int64("document.version", snap.Version))
		return snap, nil
	}
}

// Forget drops the idempotency results retained for sessionID's operations.
// Called once the session can no longer resume; without eviction every
// accepted token would be held for the process lifetime.
func (e *Engine) Forget(ctx context.Context, sessionID string) {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, d := range e.docs {
		docs = append(docs, d)
	}
	e.mu.RUnlock()

	for _, d := range docs {
		err := d.dispatch(ctx, func(d *document) {
			for token, rec := range d.seen {
				if rec.sessionID == sessionID {
					delete(d.seen, token)
				}
			}
		})
		if err != nil {
			return
		}
	}
}

// Dispatch runs fn on the document's worker, serialized with the document's
// submits and snapshots. The presence layer uses this to keep its
// broadcasts in the document's publish order.
func (e *Engine) Dispatch(ctx context.Context, documentID string, fn func()) error {
	d, err := e.doc(documentID)
	if err != nil {
		return err
	}
	return d.dispatch(ctx, func(*document) { fn() })
}

// Documents returns the number of documents with a running worker.
func (e *Engine) Documents() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// Close stops all document workers. In-flight requests complete; subsequent
// calls return ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, d := range e.docs {
		close(d.stop)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// doc returns the worker for documentID, starting one if needed.
func (e *Engine) doc(documentID string) (*document, error) {
	e.mu.RLock()
	d, ok := e.docs[documentID]
	e.mu.RUnlock()
	if ok {
		return d, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if d, ok = e.docs[documentID]; ok {
		return d, nil
	}

	d = &document{
		id:   documentID,
		reqs: make(chan func(*document), requestQueueSize),
		stop: make(chan struct{}),
		seen: make(map[string]seenOp),
	}
	e.docs[documentID] = d
	metrics.SetActiveDocuments(len(e.docs))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		d.run()
	}()

	e.logger.Info("document worker started", "document_id", documentID)
	return d, nil
}

// dispatch enqueues fn on the worker, honoring ctx while waiting for the
// serialization slot.
func (d *document) dispatch(ctx context.Context, fn func(*document)) error {
	select {
	case d.reqs <- fn:
		return nil
	case <-d.stop:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the document worker loop: the single writer for version and state.
func (d *document) run() {
	for {
		select {
		case fn := <-d.reqs:
			fn(d)
		case <-d.stop:
			// Drain whatever was enqueued before the stop.
			for {
				select {
				case fn := <-d.reqs:
					fn(d)
				default:
					return
				}
			}
		}
	}
}
