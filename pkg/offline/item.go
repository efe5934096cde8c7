package offline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// Ref identifies the object a queued mutation targets. ObjectID is the
// server-assigned id; LocalID is the process-local token of an object that
// has not been created remotely yet. At least one of them is set.
type Ref struct {
	ClassName string `json:"className"`
	ObjectID  string `json:"objectId,omitempty"`
	LocalID   string `json:"localId,omitempty"`
}

// ID returns the identifier used for deduplication: the server id when known,
// the local token otherwise.
func (r Ref) ID() string {
	if r.ObjectID != "" {
		return r.ObjectID
	}
	return r.LocalID
}

// Item is one persisted mutation intent.
type Item struct {
	QueueID   string            `json:"queueId"`
	Action    transport.Action  `json:"action"`
	Ref       Ref               `json:"ref"`
	Ops       op.Map            `json:"ops,omitempty"`
	Options   transport.Options `json:"options"`
	Hash      string            `json:"hash"`
	CreatedAt time.Time         `json:"createdAt"`
}

// QueueID returns the stable dedup key of an action against ref.
func QueueID(action transport.Action, ref Ref) string {
	return hashString(strings.Join([]string{string(action), ref.ClassName, ref.ID()}, "|"))
}

// origin returns the first identifier the object was known by. It does not
// change when a local object is created remotely.
func (r Ref) origin() string {
	if r.LocalID != "" {
		return r.LocalID
	}
	return r.ObjectID
}

// sameTarget reports whether two refs address the same object under either
// of its identifiers.
func sameTarget(a, b Ref) bool {
	if a.ClassName != b.ClassName {
		return false
	}
	if a.ObjectID != "" && a.ObjectID == b.ObjectID {
		return true
	}
	return a.LocalID != "" && a.LocalID == b.LocalID
}

// ContentHash fingerprints an intent by its payload and the object's origin
// id, so an identical intent recorded before and after the object received
// its server id collapses into one.
func ContentHash(action transport.Action, ref Ref, ops op.Map, opts transport.Options) (string, error) {
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode ops: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return hashString(strings.Join([]string{string(action), ref.ClassName, ref.origin(), string(opsJSON), string(optsJSON)}, "|")), nil
}

func hashString(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// IndexOf returns the position of the item with queueID, or -1.
func IndexOf(items []Item, queueID string) int {
	for i, it := range items {
		if it.QueueID == queueID {
			return i
		}
	}
	return -1
}

func (it Item) request() *transport.Request {
	return &transport.Request{
		Action:    it.Action,
		ClassName: it.Ref.ClassName,
		ObjectID:  it.Ref.ObjectID,
		Ops:       it.Ops,
		Options:   it.Options,
	}
}

func (it Item) logAttrs() []any {
	return []any{
		"queue_id", it.QueueID,
		"action", string(it.Action),
		"class", it.Ref.ClassName,
		"object_id", it.Ref.ID(),
	}
}
