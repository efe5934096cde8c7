// Package eventual ties the mutation state engine, the per-object task
// serializer and the offline write queue together behind object handles.
//
// An Object records local edits as pending operations. Save sends them and
// reconciles the response; SaveEventually falls back to the offline queue
// when the remote cannot be reached.
package eventual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/eventual/pkg/offline"
	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/state"
	"github.com/hyperengineering/eventual/pkg/storage"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// LocalIDPrefix starts every process-local temporary id.
const LocalIDPrefix = "local"

var (
	// ErrMissingCollaborator is returned by New without a transport or storage.
	ErrMissingCollaborator = errors.New("client requires a transport and a storage backend")

	// ErrClosed is returned by a client used after Close.
	ErrClosed = errors.New("client is closed")

	// ErrNotSaved is returned when an operation needs the server id of an
	// object that has not been created remotely.
	ErrNotSaved = errors.New("object has not been saved")

	// ErrFetchUnsupported is returned by Fetch when the transport cannot read
	// objects.
	ErrFetchUnsupported = errors.New("transport does not support fetching objects")
)

// Config configures a Client.
type Config struct {
	// ApplicationID namespaces the storage keys of this client.
	ApplicationID string

	// Transport delivers requests to the remote store. Required.
	Transport transport.Transport

	// Storage persists the offline queue. Any storage.Storage,
	// storage.SyncStore or storage.AsyncStore backend is accepted. Required.
	Storage any

	// Registry holds object state. A fresh registry is used when nil.
	Registry *state.Registry

	// PollInterval is used by StartPolling. Zero means
	// offline.DefaultPollInterval.
	PollInterval time.Duration

	// OnQueueError is told once about every queued mutation the remote
	// rejected.
	OnQueueError offline.ErrorHandler
}

// Client is the entry point for creating object handles.
type Client struct {
	config   Config
	registry *state.Registry
	queue    *offline.Queue

	// objects tracks handles of objects not yet created remotely, by local
	// identity, so a replayed create can migrate them.
	objects *xsync.MapOf[string, *Object]

	mu     sync.RWMutex
	closed bool
}

// New creates a client. It fails fast when a required collaborator is
// missing or the storage backend lacks a required method.
func New(config Config) (*Client, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrMissingCollaborator)
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: no storage", ErrMissingCollaborator)
	}
	store, err := storage.Adapt(config.Storage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingCollaborator, err)
	}

	registry := config.Registry
	if registry == nil {
		registry = state.NewRegistry()
	}

	c := &Client{
		config:   config,
		registry: registry,
		objects:  xsync.NewMapOf[string, *Object](),
	}

	q, err := offline.New(store, config.Transport,
		offline.WithKey(storage.Path(config.ApplicationID, offline.DefaultKey)),
		offline.WithSentHandler(c.onQueueSent),
		offline.WithErrorHandler(config.OnQueueError),
	)
	if err != nil {
		return nil, err
	}
	c.queue = q
	return c, nil
}

// Registry returns the state registry of the client.
func (c *Client) Registry() *state.Registry {
	return c.registry
}

// Queue returns the offline write queue of the client.
func (c *Client) Queue() *offline.Queue {
	return c.queue
}

// Object returns a handle to a new object of className. It is addressed by
// a temporary local id until its first successful save.
func (c *Client) Object(className string) *Object {
	o := &Object{
		client:    c,
		className: className,
		localID:   LocalIDPrefix + ulid.Make().String(),
	}
	c.objects.Store(o.identity().Key(), o)
	return o
}

// ObjectWithID returns a handle to an existing remote object.
func (c *Client) ObjectWithID(className, objectID string) *Object {
	return &Object{
		client:    c,
		className: className,
		id:        objectID,
	}
}

// SaveAll saves objs concurrently. Saves of the same object are still
// ordered by the object's task queue. The first error is returned after every
// save has finished.
func (c *Client) SaveAll(ctx context.Context, opts transport.Options, objs ...*Object) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, o := range objs {
		g.Go(func() error {
			return o.Save(ctx, opts)
		})
	}
	return g.Wait()
}

// StartPolling replays the offline queue in the background.
func (c *Client) StartPolling() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.queue.Poll(c.config.PollInterval)
	return nil
}

// StopPolling stops replaying the offline queue.
func (c *Client) StopPolling() {
	c.queue.StopPoll()
}

// Reset discards all local state: tracked objects, their pending edits and
// the offline queue. Used on logout.
func (c *Client) Reset(ctx context.Context) error {
	c.registry.ClearAllState()
	c.objects.Clear()
	if err := c.queue.Clear(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	slog.Info("local state reset",
		"component", "client",
		"application_id", c.config.ApplicationID,
	)
	return nil
}

// Close stops polling. The client rejects polling requests afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.queue.StopPoll()
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// onQueueSent reconciles local state with a queued mutation the remote has
// accepted. It runs with the queue locked, so the work is handed to the
// object's task queue instead of being done inline.
func (c *Client) onQueueSent(item offline.Item, resp *transport.Response) {
	target := state.Identity{ClassName: item.Ref.ClassName, ID: item.Ref.ObjectID}
	if item.Ref.ObjectID == "" || c.registry.GetState(target) == nil {
		if item.Ref.LocalID != "" {
			target = state.Identity{ClassName: item.Ref.ClassName, ID: item.Ref.LocalID}
		}
	}
	if target.ID == "" {
		return
	}

	c.registry.EnqueueTask(context.Background(), target, func(ctx context.Context) error {
		switch item.Action {
		case transport.ActionDestroy:
			// A replayed create ahead of this item may have migrated the
			// state to the server id after target was chosen.
			c.registry.RemoveState(target)
			if item.Ref.ObjectID != "" {
				c.registry.RemoveState(state.Identity{ClassName: item.Ref.ClassName, ID: item.Ref.ObjectID})
			}
			if item.Ref.LocalID != "" {
				c.objects.Delete(state.Identity{ClassName: item.Ref.ClassName, ID: item.Ref.LocalID}.Key())
			}
			return nil
		default:
			s := c.registry.InitializeState(target, nil)
			s.CommitServerChanges(serverChanges(s.ServerData(), item.Ops, resp))
			s.DiscardSent(item.Ops)
			if item.Ref.ObjectID == "" && resp != nil && resp.ObjectID != "" {
				c.migrate(target, resp.ObjectID, item.Ref.LocalID, nil)
			}
			return nil
		}
	})
}

// discardQueued drops from the queue what a live save of ref delivered.
func (c *Client) discardQueued(ctx context.Context, ref offline.Ref, sent op.Map) {
	if err := c.queue.DiscardSent(ctx, ref, sent); err != nil {
		slog.Warn("failed to drop delivered operations from queue",
			"component", "client",
			"class", ref.ClassName,
			"object_id", ref.ID(),
			"error", err,
		)
	}
}

// migrate moves the state of a locally created object to the identity the
// remote assigned and points its handle at the new id. A nil o is looked up
// among the tracked local objects.
func (c *Client) migrate(from state.Identity, objectID, localID string, o *Object) {
	to := state.Identity{ClassName: from.ClassName, ID: objectID}
	if tracked, ok := c.objects.LoadAndDelete(state.Identity{ClassName: from.ClassName, ID: localID}.Key()); ok && o == nil {
		o = tracked
	}
	if o != nil {
		o.mu.Lock()
		defer o.mu.Unlock()
	}
	if err := c.registry.RekeyState(from, to); err != nil {
		// State for the server id was created by a fetch or another handle;
		// the local state carries the newer edits.
		c.registry.RemoveState(to)
		if err := c.registry.RekeyState(from, to); err != nil {
			slog.Error("object identity migration failed",
				"component", "client",
				"class", from.ClassName,
				"local_id", localID,
				"object_id", objectID,
				"error", err,
			)
			return
		}
	}
	if o != nil {
		o.id = objectID
	}
	slog.Debug("object identity migrated",
		"component", "client",
		"class", from.ClassName,
		"local_id", localID,
		"object_id", objectID,
	)
}
