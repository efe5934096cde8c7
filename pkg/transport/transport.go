// Package transport defines the request/response exchange between the client
// and the remote object store. Concrete transports live in subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hyperengineering/eventual/pkg/op"
)

// Action is the kind of mutation a request performs.
type Action string

const (
	ActionSave    Action = "save"
	ActionDestroy Action = "destroy"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionSave || a == ActionDestroy
}

// Options are the per-request credentials and routing hints carried with a
// request and persisted with queued items.
type Options struct {
	UseMasterKey   bool           `json:"useMasterKey,omitempty"`
	SessionToken   string         `json:"sessionToken,omitempty"`
	InstallationID string         `json:"installationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Request is a single mutation sent to the remote store. An empty ObjectID on
// a save creates the object.
type Request struct {
	Action    Action
	ClassName string
	ObjectID  string
	Ops       op.Map
	Options   Options
}

// Response is the remote store's answer to a request.
type Response struct {
	ObjectID   string
	Attributes map[string]any
	Created    bool
}

// Transport delivers requests to the remote store.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Fetcher is implemented by transports that can read an object back.
type Fetcher interface {
	Fetch(ctx context.Context, className, objectID string, opts Options) (map[string]any, error)
}

// Pinger is implemented by transports that can probe remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error kinds.
var (
	// ErrTransient marks failures that may succeed on retry: the remote was
	// unreachable, timed out or asked the client to back off.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent marks failures the remote will keep rejecting.
	ErrPermanent = errors.New("remote rejected request")

	// ErrNotFound is a permanent failure for a missing object.
	ErrNotFound = fmt.Errorf("%w: object not found", ErrPermanent)
)

// Error is a classified remote failure.
type Error struct {
	Kind    error
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%v (code %d): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && errors.Is(e.Kind, target)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return &Error{Kind: ErrTransient, Err: err}
}

// Permanent returns a permanent failure with a remote error code.
func Permanent(code int, message string) error {
	return &Error{Kind: ErrPermanent, Code: code, Message: message}
}

// IsTransient reports whether err should be retried later. Network errors
// and deadline expiry count as transient even when unclassified.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
