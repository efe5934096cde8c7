package state

import (
	"github.com/hyperengineering/eventual/pkg/op"
)

// Frame is a batch of pending attribute operations that will be sent in a
// single request. Attributes keep the order in which they were first written.
type Frame struct {
	keys []string
	ops  map[string]op.Op
}

// NewFrame returns an empty frame.
func NewFrame() *Frame {
	return &Frame{ops: make(map[string]op.Op)}
}

// FrameFromMap builds a frame from an operation map in sorted attribute order.
func FrameFromMap(m op.Map) *Frame {
	f := NewFrame()
	for _, k := range m.Keys() {
		f.Put(k, m[k])
	}
	return f
}

// Len returns the number of attributes with a pending operation.
func (f *Frame) Len() int {
	return len(f.keys)
}

// Get returns the pending operation for attr.
func (f *Frame) Get(attr string) (op.Op, bool) {
	o, ok := f.ops[attr]
	return o, ok
}

// Put stores o for attr, keeping attr's position if it is already present.
func (f *Frame) Put(attr string, o op.Op) {
	if _, ok := f.ops[attr]; !ok {
		f.keys = append(f.keys, attr)
	}
	f.ops[attr] = o
}

// Delete removes the pending operation for attr.
func (f *Frame) Delete(attr string) {
	if _, ok := f.ops[attr]; !ok {
		return
	}
	delete(f.ops, attr)
	for i, k := range f.keys {
		if k == attr {
			f.keys = append(f.keys[:i:i], f.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the attributes in write order.
func (f *Frame) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Ops returns a copy of the frame's operations.
func (f *Frame) Ops() op.Map {
	out := make(op.Map, len(f.ops))
	for k, v := range f.ops {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the frame.
func (f *Frame) Clone() *Frame {
	c := &Frame{
		keys: make([]string, len(f.keys)),
		ops:  make(map[string]op.Op, len(f.ops)),
	}
	copy(c.keys, f.keys)
	for k, v := range f.ops {
		c.ops[k] = v
	}
	return c
}
