package state

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/taskqueue"
)

// Identity addresses an object by class and id. Before the first successful
// save the id is a process-local temporary token.
type Identity struct {
	ClassName string
	ID        string
}

// Key returns the registry key of the identity.
func (i Identity) Key() string {
	return i.ClassName + "/" + i.ID
}

func (i Identity) String() string {
	return i.Key()
}

// Registry maps object identities to their mutation state and serializes the
// asynchronous tasks issued against each object.
type Registry struct {
	states *xsync.MapOf[string, *State]
	tasks  *taskqueue.Serializer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states: xsync.NewMapOf[string, *State](),
		tasks:  taskqueue.New(),
	}
}

// GetState returns the state of id, or nil if none exists.
func (r *Registry) GetState(id Identity) *State {
	s, _ := r.states.Load(id.Key())
	return s
}

// InitializeState returns the state of id, creating it from initial (or
// empty when initial is nil) if none exists yet.
func (r *Registry) InitializeState(id Identity, initial *State) *State {
	if initial == nil {
		initial = New()
	}
	s, _ := r.states.LoadOrStore(id.Key(), initial)
	return s
}

// RemoveState detaches id from the registry and returns its former state.
func (r *Registry) RemoveState(id Identity) *State {
	s, _ := r.states.LoadAndDelete(id.Key())
	return s
}

// ClearAllState discards every tracked state.
func (r *Registry) ClearAllState() {
	r.states.Clear()
}

// Len returns the number of tracked objects.
func (r *Registry) Len() int {
	return r.states.Size()
}

// DuplicateState copies the state of src onto dest. A missing src leaves
// dest with an empty state.
func (r *Registry) DuplicateState(src, dest Identity) {
	var copied *State
	if s := r.GetState(src); s != nil {
		copied = s.Clone()
	} else {
		copied = New()
	}
	r.states.Store(dest.Key(), copied)
}

// RekeyState moves the state and any queued tasks of from onto to. After the
// move from no longer resolves.
func (r *Registry) RekeyState(from, to Identity) error {
	if from.Key() == to.Key() {
		return nil
	}
	if _, exists := r.states.Load(to.Key()); exists {
		return ErrStateExists
	}
	if s, ok := r.states.LoadAndDelete(from.Key()); ok {
		r.states.Store(to.Key(), s)
	}
	r.tasks.Rekey(from.Key(), to.Key())
	return nil
}

// EnqueueTask schedules task to run after every task already queued for id.
func (r *Registry) EnqueueTask(ctx context.Context, id Identity, task taskqueue.Func) *taskqueue.Task {
	return r.tasks.Enqueue(ctx, id.Key(), task)
}

// RunTask enqueues task for id and waits for its completion.
func (r *Registry) RunTask(ctx context.Context, id Identity, task taskqueue.Func) error {
	return r.tasks.Run(ctx, id.Key(), task)
}

// SetPendingOp records o for attr on id, creating the state if needed.
func (r *Registry) SetPendingOp(id Identity, attr string, o op.Op) error {
	return r.InitializeState(id, nil).SetPendingOp(attr, o)
}

// PushFrame opens a new frame on id.
func (r *Registry) PushFrame(id Identity) {
	r.InitializeState(id, nil).PushFrame()
}

// PopBottomFrame removes the oldest frame of id.
func (r *Registry) PopBottomFrame(id Identity) (*Frame, error) {
	s := r.GetState(id)
	if s == nil {
		return nil, ErrEmptyFrameStack
	}
	return s.PopBottomFrame()
}

// MergeFirstPendingFrame restores a frame that failed to send on id.
func (r *Registry) MergeFirstPendingFrame(id Identity, failed *Frame) error {
	return r.InitializeState(id, nil).MergeFirstPendingFrame(failed)
}

// CommitServerChanges records confirmed values for id.
func (r *Registry) CommitServerChanges(id Identity, changes map[string]any) {
	r.InitializeState(id, nil).CommitServerChanges(changes)
}

// EstimateAttribute returns the estimate of attr on id. Unknown objects have
// no attributes.
func (r *Registry) EstimateAttribute(id Identity, attr string) (any, error) {
	s := r.GetState(id)
	if s == nil {
		return nil, nil
	}
	return s.EstimateAttribute(attr)
}

// EstimateAttributes returns every estimated attribute of id.
func (r *Registry) EstimateAttributes(id Identity) (map[string]any, error) {
	s := r.GetState(id)
	if s == nil {
		return map[string]any{}, nil
	}
	return s.EstimateAttributes()
}

// GetServerData returns the confirmed values of id.
func (r *Registry) GetServerData(id Identity) map[string]any {
	s := r.GetState(id)
	if s == nil {
		return map[string]any{}
	}
	return s.ServerData()
}

// GetPendingOps returns the pending frames of id.
func (r *Registry) GetPendingOps(id Identity) []op.Map {
	s := r.GetState(id)
	if s == nil {
		return []op.Map{{}}
	}
	return s.PendingOps()
}
