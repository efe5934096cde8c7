package eventual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/eventual/pkg/offline"
	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/state"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// ErrNoObjectID is returned when the remote accepted a create without
// assigning an id.
var ErrNoObjectID = errors.New("remote did not assign an object id")

// Object is a handle to one remote object. Its attributes live in the
// client's registry, so several handles to the same saved object share them.
type Object struct {
	client    *Client
	className string

	// mu guards id. Edits hold it shared; a save holds it exclusively while
	// it snapshots the pending frame, and migration while it rewrites id.
	mu      sync.RWMutex
	id      string
	localID string
}

// ClassName returns the class of the object.
func (o *Object) ClassName() string {
	return o.className
}

// ID returns the server-assigned id, or "" before the first successful save.
func (o *Object) ID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.id
}

// LocalID returns the temporary id of an object created by this process.
func (o *Object) LocalID() string {
	return o.localID
}

// IsNew reports whether the object has not been created remotely.
func (o *Object) IsNew() bool {
	return o.ID() == ""
}

func (o *Object) identity() state.Identity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.identityLocked()
}

func (o *Object) identityLocked() state.Identity {
	if o.id != "" {
		return state.Identity{ClassName: o.className, ID: o.id}
	}
	return state.Identity{ClassName: o.className, ID: o.localID}
}

func (o *Object) ref() offline.Ref {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return offline.Ref{ClassName: o.className, ObjectID: o.id, LocalID: o.localID}
}

func (o *Object) setOp(attr string, p op.Op) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client.registry.SetPendingOp(o.identityLocked(), attr, p)
}

// Set replaces the value of attr.
func (o *Object) Set(attr string, value any) error {
	return o.setOp(attr, op.Set{Value: value})
}

// Unset removes attr.
func (o *Object) Unset(attr string) error {
	return o.setOp(attr, op.Unset{})
}

// Increment adds amount to a numeric attr.
func (o *Object) Increment(attr string, amount float64) error {
	return o.setOp(attr, op.Increment{Amount: amount})
}

// Add appends objects to an array attr.
func (o *Object) Add(attr string, objects ...any) error {
	return o.setOp(attr, op.Add{Objects: objects})
}

// AddUnique appends the objects not already in an array attr.
func (o *Object) AddUnique(attr string, objects ...any) error {
	return o.setOp(attr, op.AddUnique{Objects: objects})
}

// Remove deletes every occurrence of objects from an array attr.
func (o *Object) Remove(attr string, objects ...any) error {
	return o.setOp(attr, op.Remove{Objects: objects})
}

// AddRelation adds object ids of targetClass to the relation attr.
func (o *Object) AddRelation(attr, targetClass string, ids ...string) error {
	return o.setOp(attr, op.NewRelation(targetClass, ids, nil))
}

// RemoveRelation removes object ids of targetClass from the relation attr.
func (o *Object) RemoveRelation(attr, targetClass string, ids ...string) error {
	return o.setOp(attr, op.NewRelation(targetClass, nil, ids))
}

// Get returns the estimated value of attr.
func (o *Object) Get(attr string) (any, error) {
	return o.client.registry.EstimateAttribute(o.identity(), attr)
}

// Attributes returns every estimated attribute.
func (o *Object) Attributes() (map[string]any, error) {
	return o.client.registry.EstimateAttributes(o.identity())
}

// DirtyKeys returns the attributes with unconfirmed edits.
func (o *Object) DirtyKeys() []string {
	s := o.client.registry.GetState(o.identity())
	if s == nil {
		return nil
	}
	return s.DirtyKeys()
}

// Dirty reports whether the object has edits the remote has not confirmed,
// or has never been saved.
func (o *Object) Dirty() bool {
	return o.IsNew() || len(o.DirtyKeys()) > 0
}

// Revert discards unsent edits of attrs, or of every attribute when none are
// given. Edits already being sent are not affected.
func (o *Object) Revert(attrs ...string) {
	if s := o.client.registry.GetState(o.identity()); s != nil {
		s.ClearPendingOps(attrs...)
	}
}

// Save sends the pending edits. It waits for earlier tasks of the object.
// When the remote cannot be reached the edits stay pending and the error is
// returned; use SaveEventually to queue them instead.
func (o *Object) Save(ctx context.Context, opts transport.Options) error {
	return o.client.registry.RunTask(ctx, o.identity(), func(ctx context.Context) error {
		return o.save(ctx, opts)
	})
}

func (o *Object) save(ctx context.Context, opts transport.Options) error {
	c := o.client

	// Snapshot what is sent and open a fresh frame for edits made while the
	// request is in flight. Edits are excluded until the frame is open.
	o.mu.Lock()
	ident := o.identityLocked()
	objectID, localID := o.id, o.localID
	s := c.registry.InitializeState(ident, nil)
	sent := s.PendingOps()[0]
	s.PushFrame()
	o.mu.Unlock()

	if objectID != "" && len(sent) == 0 {
		return s.RestoreBottomFrame()
	}

	resp, sendErr := c.config.Transport.Send(ctx, &transport.Request{
		Action:    transport.ActionSave,
		ClassName: o.className,
		ObjectID:  objectID,
		Ops:       sent,
		Options:   opts,
	})
	if sendErr != nil {
		if err := s.RestoreBottomFrame(); err != nil {
			slog.Error("failed to restore unsent edits",
				"component", "client",
				"object", ident.String(),
				"error", err,
			)
		}
		return fmt.Errorf("save %s: %w", ident, sendErr)
	}

	// When no frame was pending the frame just opened is also the one
	// confirmed; edits that landed in it were not part of the request and
	// stay pending.
	if err := s.ConfirmBottomFrame(sent, serverChanges(s.ServerData(), sent, resp)); err != nil {
		return err
	}
	c.discardQueued(ctx, offline.Ref{ClassName: o.className, ObjectID: objectID, LocalID: localID}, sent)

	if objectID != "" {
		return nil
	}
	if resp == nil || resp.ObjectID == "" {
		return fmt.Errorf("save %s: %w", ident, ErrNoObjectID)
	}
	c.migrate(ident, resp.ObjectID, localID, o)
	if err := c.queue.Rekey(ctx, o.className, localID, resp.ObjectID); err != nil {
		slog.Warn("failed to point queued mutations at created object",
			"component", "client",
			"class", o.className,
			"local_id", localID,
			"object_id", resp.ObjectID,
			"error", err,
		)
	}
	return nil
}

// Destroy deletes the object remotely and detaches its state. An object that
// was never created remotely is only detached.
func (o *Object) Destroy(ctx context.Context, opts transport.Options) error {
	c := o.client
	return c.registry.RunTask(ctx, o.identity(), func(ctx context.Context) error {
		ident := o.identity()
		objectID := o.ID()
		if objectID != "" {
			_, err := c.config.Transport.Send(ctx, &transport.Request{
				Action:    transport.ActionDestroy,
				ClassName: o.className,
				ObjectID:  objectID,
				Options:   opts,
			})
			if err != nil {
				return fmt.Errorf("destroy %s: %w", ident, err)
			}
		}
		c.registry.RemoveState(ident)
		c.objects.Delete(state.Identity{ClassName: o.className, ID: o.localID}.Key())
		return nil
	})
}

// Fetch replaces the confirmed attributes with the remote's current values.
// Pending edits are kept.
func (o *Object) Fetch(ctx context.Context, opts transport.Options) error {
	c := o.client
	fetcher, ok := c.config.Transport.(transport.Fetcher)
	if !ok {
		return ErrFetchUnsupported
	}
	if o.IsNew() {
		return ErrNotSaved
	}
	return c.registry.RunTask(ctx, o.identity(), func(ctx context.Context) error {
		ident := o.identity()
		attrs, err := fetcher.Fetch(ctx, o.className, ident.ID, opts)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ident, err)
		}
		c.registry.InitializeState(ident, nil).ReplaceServerData(attrs)
		return nil
	})
}

// SaveEventually saves the object, or queues the pending edits for replay
// when the remote cannot be reached. Other failures are returned.
func (o *Object) SaveEventually(ctx context.Context, opts transport.Options) error {
	saveErr := o.Save(ctx, opts)
	if saveErr == nil || !transport.IsTransient(saveErr) {
		return saveErr
	}
	c := o.client
	return c.registry.RunTask(ctx, o.identity(), func(ctx context.Context) error {
		s := c.registry.InitializeState(o.identity(), nil)
		changes, err := s.PendingChanges()
		if err != nil {
			return err
		}
		item, err := c.queue.Save(ctx, o.ref(), changes, opts)
		if err != nil {
			return fmt.Errorf("queue save: %w", err)
		}
		slog.Info("save deferred to offline queue",
			append([]any{"component", "client", "reason", saveErr}, logItem(item)...)...,
		)
		return nil
	})
}

// DestroyEventually destroys the object, or queues the deletion for replay
// when the remote cannot be reached. The local state is detached once the
// queued deletion is delivered.
//
// A new object with a save still queued is deleted after that save is
// replayed, so the queued create does not resurrect it.
func (o *Object) DestroyEventually(ctx context.Context, opts transport.Options) error {
	if o.IsNew() {
		queued, err := o.hasQueuedItems(ctx)
		if err != nil {
			return err
		}
		if queued {
			if _, err := o.client.queue.Destroy(ctx, o.ref(), opts); err != nil {
				return fmt.Errorf("queue destroy: %w", err)
			}
		}
	}
	err := o.Destroy(ctx, opts)
	if err == nil || !transport.IsTransient(err) {
		return err
	}
	item, qerr := o.client.queue.Destroy(ctx, o.ref(), opts)
	if qerr != nil {
		return fmt.Errorf("queue destroy: %w", qerr)
	}
	slog.Info("destroy deferred to offline queue",
		append([]any{"component", "client", "reason", err}, logItem(item)...)...,
	)
	return nil
}

func (o *Object) hasQueuedItems(ctx context.Context) (bool, error) {
	items, err := o.client.queue.GetQueue(ctx)
	if err != nil {
		return false, err
	}
	ref := o.ref()
	for _, it := range items {
		if it.Ref.ClassName == ref.ClassName && it.Ref.LocalID == ref.LocalID {
			return true, nil
		}
	}
	return false, nil
}

func logItem(item offline.Item) []any {
	return []any{
		"queue_id", item.QueueID,
		"class", item.Ref.ClassName,
		"object_id", item.Ref.ID(),
	}
}

// serverChanges computes the confirmed values after a save of sent. Values
// returned by the remote win; other sent attributes are derived by applying
// the sent operation to the previously confirmed value.
func serverChanges(confirmed map[string]any, sent op.Map, resp *transport.Response) map[string]any {
	changes := make(map[string]any, len(sent))
	var returned map[string]any
	if resp != nil {
		returned = resp.Attributes
	}
	for attr, p := range sent {
		if _, ok := returned[attr]; ok {
			continue
		}
		v, err := p.Apply(confirmed[attr])
		if err != nil {
			slog.Warn("cannot derive confirmed value",
				"component", "client",
				"attribute", attr,
				"error", err,
			)
			continue
		}
		changes[attr] = v
	}
	for k, v := range returned {
		changes[k] = v
	}
	return changes
}
