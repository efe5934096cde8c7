// Package offline implements a durable, ordered queue of mutations that could
// not be delivered, replayed against the transport once it is reachable.
//
// The whole queue is persisted as one JSON document under a single storage
// key. Every mutation of the queue is a read-modify-write of that document
// under one mutex, so an Enqueue never interleaves with a SendQueue
// write-back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/storage"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// DefaultKey is the storage key of the queue document before namespacing.
const DefaultKey = "queue"

var (
	// ErrMissingCollaborator is returned by New without a storage or transport.
	ErrMissingCollaborator = errors.New("offline queue requires storage and transport")

	// ErrInvalidItem is returned when an item cannot be queued.
	ErrInvalidItem = errors.New("invalid queue item")
)

// ErrorHandler is told once about every item dropped because the remote
// rejected it.
type ErrorHandler func(item Item, err error)

// SentHandler is told about every item the remote accepted. It runs while the
// queue is locked and must not call back into the queue.
type SentHandler func(item Item, resp *transport.Response)

// Queue is the offline write queue.
type Queue struct {
	mu        sync.Mutex
	store     storage.Storage
	transport transport.Transport
	key       string
	items     []Item
	loaded    bool

	onError ErrorHandler
	onSent  SentHandler
	now     func() time.Time

	pollMu sync.Mutex
	poller *poller
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey sets the storage key of the queue document. Use storage.Path to
// namespace it per application.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithErrorHandler sets the handler for rejected items.
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) { q.onError = h }
}

// WithSentHandler sets the handler for delivered items.
func WithSentHandler(h SentHandler) Option {
	return func(q *Queue) { q.onSent = h }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over store that replays through t. Nothing is read
// from storage until the first operation or an explicit Load.
func New(store storage.Storage, t transport.Transport, opts ...Option) (*Queue, error) {
	if store == nil || t == nil {
		return nil, ErrMissingCollaborator
	}
	q := &Queue{
		store:     store,
		transport: t,
		key:       DefaultKey,
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Key returns the storage key of the queue document.
func (q *Queue) Key() string {
	return q.key
}

// SetSentHandler replaces the delivered-item handler.
func (q *Queue) SetSentHandler(h SentHandler) {
	q.mu.Lock()
	q.onSent = h
	q.mu.Unlock()
}

// SetErrorHandler replaces the rejected-item handler.
func (q *Queue) SetErrorHandler(h ErrorHandler) {
	q.mu.Lock()
	q.onError = h
	q.mu.Unlock()
}

// Load reads the queue document from storage, replacing the in-memory copy.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) loadLocked(ctx context.Context) error {
	data, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	var items []Item
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode queue: %w", err)
		}
	}
	q.items = items
	q.loaded = true
	QueueLength.WithLabelValues(q.key).Set(float64(len(items)))
	return nil
}

func (q *Queue) ensureLoaded(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	return q.loadLocked(ctx)
}

// Store persists items as the whole queue.
func (q *Queue) Store(ctx context.Context, items []Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.storeLocked(ctx, items)
}

// storeLocked writes items and adopts them as the in-memory copy only once
// the write succeeded.
func (q *Queue) storeLocked(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return fmt.Errorf("store queue: %w", err)
	}
	q.items = items
	q.loaded = true
	QueueLength.WithLabelValues(q.key).Set(float64(len(items)))
	return nil
}

// GetQueue returns a copy of the queued items in FIFO order.
func (q *Queue) GetQueue(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out, nil
}

// SetQueue replaces the whole queue.
func (q *Queue) SetQueue(ctx context.Context, items []Item) error {
	cp := make([]Item, len(items))
	copy(cp, items)
	return q.Store(ctx, cp)
}

// Length returns the number of queued items.
func (q *Queue) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return len(q.items), nil
}

// Remove drops the item with queueID. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, queueID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return err
	}
	i := IndexOf(q.items, queueID)
	if i < 0 {
		return nil
	}
	return q.storeLocked(ctx, without(q.items, i))
}

// Clear empties the queue in memory and in storage.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(ctx, q.key); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.items = nil
	q.loaded = true
	QueueLength.WithLabelValues(q.key).Set(0)
	return nil
}

// Save queues a save of ops against ref.
func (q *Queue) Save(ctx context.Context, ref Ref, ops op.Map, opts transport.Options) (Item, error) {
	return q.Enqueue(ctx, transport.ActionSave, ref, ops, opts)
}

// Destroy queues a deletion of ref.
func (q *Queue) Destroy(ctx context.Context, ref Ref, opts transport.Options) (Item, error) {
	return q.Enqueue(ctx, transport.ActionDestroy, ref, nil, opts)
}

// Enqueue records a mutation intent. An item already queued for the same
// action and object, or with an identical intent hash, is replaced in place: it
// keeps its position and creation time, takes the new payload, and keeps the
// operations of attributes the new payload does not mention.
func (q *Queue) Enqueue(ctx context.Context, action transport.Action, ref Ref, ops op.Map, opts transport.Options) (Item, error) {
	if !action.Valid() {
		return Item{}, fmt.Errorf("%w: unknown action %q", ErrInvalidItem, action)
	}
	if ref.ClassName == "" || ref.ID() == "" {
		return Item{}, fmt.Errorf("%w: object needs a class name and an id", ErrInvalidItem)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return Item{}, err
	}

	item := Item{
		QueueID:   QueueID(action, ref),
		Action:    action,
		Ref:       ref,
		Ops:       ops.Clone(),
		Options:   opts,
		CreatedAt: q.now().UTC(),
	}

	items := make([]Item, len(q.items))
	copy(items, q.items)

	hash, err := ContentHash(action, ref, item.Ops, opts)
	if err != nil {
		return Item{}, err
	}
	idx := -1
	for i, existing := range items {
		if existing.QueueID == item.QueueID || existing.Hash == hash ||
			(existing.Action == action && sameTarget(existing.Ref, ref)) {
			idx = i
			break
		}
	}

	result := resultAppended
	if idx >= 0 {
		prev := items[idx]
		for attr, o := range prev.Ops {
			if _, ok := item.Ops[attr]; !ok {
				if item.Ops == nil {
					item.Ops = op.Map{}
				}
				item.Ops[attr] = o
			}
		}
		item.CreatedAt = prev.CreatedAt
		if prev.Ref.ObjectID != "" && item.Ref.ObjectID == "" {
			item.Ref.ObjectID = prev.Ref.ObjectID
		}
		if prev.Ref.LocalID != "" && item.Ref.LocalID == "" {
			item.Ref.LocalID = prev.Ref.LocalID
		}
		item.QueueID = QueueID(action, item.Ref)
		if hash, err = ContentHash(action, item.Ref, item.Ops, opts); err != nil {
			return Item{}, err
		}
		item.Hash = hash
		items[idx] = item
		result = resultReplaced
	} else {
		item.Hash = hash
		items = append(items, item)
	}

	if err := q.storeLocked(ctx, items); err != nil {
		return Item{}, err
	}
	QueueEnqueued.WithLabelValues(q.key, string(action), result).Inc()
	slog.Debug("mutation queued",
		append([]any{"component", "offline", "result", result}, item.logAttrs()...)...,
	)
	return item, nil
}

// Rekey records that the object known locally as localID was created with
// objectID, so queued items for it address the created object.
func (q *Queue) Rekey(ctx context.Context, className, localID, objectID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return err
	}
	items := make([]Item, len(q.items))
	copy(items, q.items)
	if !rekeyItems(items, className, localID, objectID) {
		return nil
	}
	return q.storeLocked(ctx, items)
}

func rekeyItems(items []Item, className, localID, objectID string) bool {
	changed := false
	for i := range items {
		it := &items[i]
		if it.Ref.ClassName != className || it.Ref.LocalID != localID || it.Ref.ObjectID != "" {
			continue
		}
		it.Ref.ObjectID = objectID
		it.QueueID = QueueID(it.Action, it.Ref)
		changed = true
	}
	return changed
}

// DiscardSent drops from the queued saves of ref every attribute a live save
// delivered in sent. Queued operations stay pending on the object until they
// are delivered, so the operation sent for an attribute already covers the
// queued one. A save left with no operations is removed, and so is an empty
// queued create once a live save created the object.
func (q *Queue) DiscardSent(ctx context.Context, ref Ref, sent op.Map) error {
	created := ref.ObjectID == ""
	if len(sent) == 0 && !created {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return err
	}

	items := make([]Item, 0, len(q.items))
	changed := false
	for _, it := range q.items {
		if it.Action != transport.ActionSave || !sameTarget(it.Ref, ref) {
			items = append(items, it)
			continue
		}
		rest := op.Map{}
		for attr, o := range it.Ops {
			if _, ok := sent[attr]; !ok {
				rest[attr] = o
			}
		}
		if len(rest) == len(it.Ops) && (len(rest) > 0 || !created) {
			items = append(items, it)
			continue
		}
		changed = true
		if len(rest) == 0 {
			slog.Debug("queued save delivered by live save",
				append([]any{"component", "offline"}, it.logAttrs()...)...,
			)
			continue
		}
		hash, err := ContentHash(it.Action, it.Ref, rest, it.Options)
		if err != nil {
			return err
		}
		it.Ops = rest
		it.Hash = hash
		items = append(items, it)
	}
	if !changed {
		return nil
	}
	return q.storeLocked(ctx, items)
}

// SendQueue replays queued items strictly in FIFO order. A delivered item is
// removed. A transient failure halts the pass, leaving that item and every
// later one in place, and the result is false. A rejected item is reported
// once to the error handler and removed. The returned error is reserved for
// storage failures.
func (q *Queue) SendQueue(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return false, err
	}
	if len(q.items) == 0 {
		return false, nil
	}

	for len(q.items) > 0 {
		item := q.items[0]
		rest := make([]Item, len(q.items)-1)
		copy(rest, q.items[1:])

		resp, err := q.send(ctx, item)
		switch {
		case err == nil:
			QueueSendResults.WithLabelValues(q.key, string(item.Action), resultSent).Inc()
			slog.Info("queued mutation delivered",
				append([]any{"component", "offline"}, item.logAttrs()...)...,
			)
			if item.Action == transport.ActionSave && item.Ref.ObjectID == "" && resp != nil && resp.ObjectID != "" {
				rekeyItems(rest, item.Ref.ClassName, item.Ref.LocalID, resp.ObjectID)
			}
			if q.onSent != nil {
				q.onSent(item, resp)
			}
		case transport.IsTransient(err) || errors.Is(err, context.Canceled):
			QueueSendResults.WithLabelValues(q.key, string(item.Action), resultRetained).Inc()
			slog.Warn("queued mutation not delivered, will retry",
				append([]any{"component", "offline", "error", err}, item.logAttrs()...)...,
			)
			return false, nil
		default:
			QueueSendResults.WithLabelValues(q.key, string(item.Action), resultRejected).Inc()
			slog.Error("queued mutation rejected, dropping",
				append([]any{"component", "offline", "error", err}, item.logAttrs()...)...,
			)
			if q.onError != nil {
				q.onError(item, err)
			}
		}

		if err := q.storeLocked(ctx, rest); err != nil {
			return false, err
		}
	}
	return true, nil
}

// send delivers one item. A destroy of an object that was never created
// remotely has nothing to delete and succeeds without a request.
func (q *Queue) send(ctx context.Context, item Item) (*transport.Response, error) {
	if item.Action == transport.ActionDestroy && item.Ref.ObjectID == "" {
		return &transport.Response{}, nil
	}
	start := time.Now()
	resp, err := q.transport.Send(ctx, item.request())
	QueueSendDuration.WithLabelValues(q.key).Observe(time.Since(start).Seconds())
	return resp, err
}

func without(items []Item, i int) []Item {
	out := make([]Item, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}
