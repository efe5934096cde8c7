// Package state tracks, per object, the attribute values confirmed by the
// remote store separately from the local operations that have not been
// confirmed yet, and reconciles the two as requests complete.
package state

import (
	"fmt"
	"sync"

	"github.com/hyperengineering/eventual/pkg/op"
)

// State is the mutation state of a single object.
//
// serverData holds the last confirmed attribute values. frames holds pending
// operations, oldest first; new local edits always land in the last frame.
// cache memoizes estimates until the attribute is mutated or data is committed.
type State struct {
	mu         sync.Mutex
	serverData map[string]any
	frames     []*Frame
	cache      map[string]any
}

// New returns an empty state.
func New() *State {
	return &State{
		serverData: make(map[string]any),
		cache:      make(map[string]any),
	}
}

// SetPendingOp records o for attr in the last frame, merging it over any
// operation already pending there. A nil o clears attr from the last frame.
// The operation is validated against the current estimate before it is
// recorded; a failed validation leaves the state unchanged.
func (s *State) SetPendingOp(attr string, o op.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o == nil {
		if n := len(s.frames); n > 0 {
			s.frames[n-1].Delete(attr)
		}
		delete(s.cache, attr)
		return nil
	}

	current, err := s.estimateLocked(attr)
	if err != nil {
		return err
	}
	if _, err := o.Apply(current); err != nil {
		return fmt.Errorf("attribute %s: %w", attr, err)
	}

	if len(s.frames) == 0 {
		s.frames = append(s.frames, NewFrame())
	}
	last := s.frames[len(s.frames)-1]
	if prev, ok := last.Get(attr); ok {
		merged, err := o.MergeWith(prev)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", attr, err)
		}
		last.Put(attr, merged)
	} else {
		last.Put(attr, o)
	}
	delete(s.cache, attr)
	return nil
}

// PushFrame opens a new frame for edits made while the current frames are
// being sent. It is a no-op when the last frame is already empty.
func (s *State) PushFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.frames); n > 0 && s.frames[n-1].Len() == 0 {
		return
	}
	s.frames = append(s.frames, NewFrame())
}

// PopBottomFrame removes and returns the oldest frame. Empty frames left
// behind are dropped.
func (s *State) PopBottomFrame() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *State) popLocked() (*Frame, error) {
	if len(s.frames) == 0 {
		return nil, ErrEmptyFrameStack
	}
	bottom := s.frames[0]
	s.frames = compact(s.frames[1:])
	for _, k := range bottom.keys {
		delete(s.cache, k)
	}
	return bottom, nil
}

// MergeFirstPendingFrame puts back a frame that failed to send. Its operations
// become older than everything still pending: each attribute is merged under
// the operation pending for it in the new bottom frame, if any.
func (s *State) MergeFirstPendingFrame(failed *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeFirstLocked(failed)
}

func (s *State) mergeFirstLocked(failed *Frame) error {
	if failed == nil || failed.Len() == 0 {
		return nil
	}
	restored := failed.Clone()
	var firstErr error
	if len(s.frames) > 0 {
		bottom := s.frames[0]
		for _, k := range bottom.keys {
			newer := bottom.ops[k]
			older, ok := restored.Get(k)
			if !ok {
				restored.Put(k, newer)
				continue
			}
			merged, err := newer.MergeWith(older)
			if err != nil {
				// the newer operation was validated against an estimate that
				// already included the older one, so keep the newer
				if firstErr == nil {
					firstErr = fmt.Errorf("attribute %s: %w", k, err)
				}
				merged = newer
			}
			restored.Put(k, merged)
		}
		s.frames[0] = restored
	} else {
		s.frames = []*Frame{restored}
	}
	for _, k := range restored.keys {
		delete(s.cache, k)
	}
	return firstErr
}

// CommitServerChanges records confirmed attribute values. A nil value removes
// the attribute. The whole estimate cache is invalidated.
func (s *State) CommitServerChanges(changes map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(changes)
}

func (s *State) commitLocked(changes map[string]any) {
	for k, v := range changes {
		if v == nil {
			delete(s.serverData, k)
			continue
		}
		s.serverData[k] = v
	}
	s.cache = make(map[string]any)
}

// RestoreBottomFrame pops the bottom frame and merges it back under the
// frames still pending. It undoes a PushFrame whose send failed or was not
// needed.
func (s *State) RestoreBottomFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	popped, err := s.popLocked()
	if err != nil {
		return err
	}
	return s.mergeFirstLocked(popped)
}

// ConfirmBottomFrame completes a successful send of sent. It pops the bottom
// frame, keeps its operations on attributes outside sent pending, and records
// changes as confirmed, in one step.
func (s *State) ConfirmBottomFrame(sent op.Map, changes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	popped, err := s.popLocked()
	if err != nil {
		return err
	}
	unsent := NewFrame()
	for _, k := range popped.Keys() {
		if _, ok := sent[k]; !ok {
			p, _ := popped.Get(k)
			unsent.Put(k, p)
		}
	}
	mergeErr := s.mergeFirstLocked(unsent)
	s.commitLocked(changes)
	return mergeErr
}

// ReplaceServerData discards all confirmed values and records data instead.
func (s *State) ReplaceServerData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serverData = make(map[string]any, len(data))
	for k, v := range data {
		if v != nil {
			s.serverData[k] = v
		}
	}
	s.cache = make(map[string]any)
}

// EstimateAttribute returns the best known value of attr: the confirmed value
// folded through every pending operation, oldest first.
func (s *State) EstimateAttribute(attr string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimateLocked(attr)
}

func (s *State) estimateLocked(attr string) (any, error) {
	if v, ok := s.cache[attr]; ok {
		return v, nil
	}
	value := s.serverData[attr]
	for _, f := range s.frames {
		o, ok := f.ops[attr]
		if !ok {
			continue
		}
		next, err := o.Apply(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", attr, err)
		}
		value = next
	}
	s.cache[attr] = value
	return value, nil
}

// EstimateAttributes returns the estimate of every attribute that is either
// confirmed or pending. Undefined attributes are omitted.
func (s *State) EstimateAttributes() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.serverData))
	for _, attr := range s.attributesLocked() {
		v, err := s.estimateLocked(attr)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[attr] = v
		}
	}
	return out, nil
}

func (s *State) attributesLocked() []string {
	seen := make(map[string]bool, len(s.serverData))
	var attrs []string
	for k := range s.serverData {
		seen[k] = true
		attrs = append(attrs, k)
	}
	for _, f := range s.frames {
		for _, k := range f.keys {
			if !seen[k] {
				seen[k] = true
				attrs = append(attrs, k)
			}
		}
	}
	return attrs
}

// ServerData returns a copy of the confirmed values.
func (s *State) ServerData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.serverData))
	for k, v := range s.serverData {
		out[k] = v
	}
	return out
}

// PendingOps returns a copy of every frame's operations, oldest first. There
// is always at least one, possibly empty, frame.
func (s *State) PendingOps() []op.Map {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return []op.Map{{}}
	}
	out := make([]op.Map, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Ops()
	}
	return out
}

// FrameCount returns the number of retained frames.
func (s *State) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// PendingChanges folds every frame into one operation per attribute. The
// result is what a single request would have to carry to apply all pending
// edits.
func (s *State) PendingChanges() (op.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(op.Map)
	for _, f := range s.frames {
		for _, k := range f.keys {
			merged, err := f.ops[k].MergeWith(out[k])
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", k, err)
			}
			out[k] = merged
		}
	}
	return out, nil
}

// DiscardSent drops pending operations that a replayed request has already
// delivered. An attribute is dropped only when its folded pending operation
// still equals the delivered one; later edits stay pending.
func (s *State) DiscardSent(sent op.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attr, delivered := range sent {
		var folded op.Op
		for _, f := range s.frames {
			if o, ok := f.ops[attr]; ok {
				merged, err := o.MergeWith(folded)
				if err != nil {
					folded = nil
					break
				}
				folded = merged
			}
		}
		if folded == nil || !op.Equal(folded, delivered) {
			continue
		}
		for _, f := range s.frames {
			f.Delete(attr)
		}
		delete(s.cache, attr)
	}
	s.frames = compact(s.frames)
}

// ClearPendingOps reverts unsent local edits of the given attributes, or of
// every attribute when none are given. Frames already being sent are kept.
func (s *State) ClearPendingOps(attrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.frames)
	if n == 0 {
		return
	}
	last := s.frames[n-1]
	if len(attrs) == 0 {
		attrs = last.Keys()
	}
	for _, k := range attrs {
		last.Delete(k)
		delete(s.cache, k)
	}
}

// DirtyKeys returns the attributes with a pending operation in any frame.
func (s *State) DirtyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var keys []string
	for _, f := range s.frames {
		for _, k := range f.keys {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := New()
	for k, v := range s.serverData {
		c.serverData[k] = v
	}
	for k, v := range s.cache {
		c.cache[k] = v
	}
	c.frames = make([]*Frame, len(s.frames))
	for i, f := range s.frames {
		c.frames[i] = f.Clone()
	}
	return c
}

// compact drops empty frames.
func compact(frames []*Frame) []*Frame {
	out := frames[:0:0]
	for _, f := range frames {
		if f.Len() > 0 {
			out = append(out, f)
		}
	}
	return out
}
