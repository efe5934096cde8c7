package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hyperengineering/eventual/pkg/op"
	"github.com/hyperengineering/eventual/pkg/storage"
	"github.com/hyperengineering/eventual/pkg/transport"
)

// --- Mock Implementations ---

type sent struct {
	Action    transport.Action
	ClassName string
	ObjectID  string
}

type mockTransport struct {
	mu       sync.Mutex
	requests []sent
	// fail decides the outcome of a request; nil means success
	fail    func(req *transport.Request) error
	nextID  string
	block   chan struct{}
	pingErr error
	pings   int
}

func (m *mockTransport) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, sent{Action: req.Action, ClassName: req.ClassName, ObjectID: req.ObjectID})
	if m.fail != nil {
		if err := m.fail(req); err != nil {
			return nil, err
		}
	}
	resp := &transport.Response{ObjectID: req.ObjectID}
	if req.Action == transport.ActionSave && req.ObjectID == "" {
		resp.ObjectID = m.nextID
		resp.Created = true
	}
	return resp, nil
}

func (m *mockTransport) requestsSent() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sent, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *mockTransport) setFail(f func(req *transport.Request) error) {
	m.mu.Lock()
	m.fail = f
	m.mu.Unlock()
}

type pingingTransport struct {
	*mockTransport
}

func (p pingingTransport) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return p.pingErr
}

func newQueue(t *testing.T, tr transport.Transport, opts ...Option) (*Queue, storage.Storage) {
	t.Helper()
	st, err := storage.FromSync(storage.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithKey(storage.Path(t.Name(), DefaultKey))}, opts...)
	q, err := New(st, tr, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q, st
}

func e1() Ref { return Ref{ClassName: "Item", ObjectID: "e1"} }
func e2() Ref { return Ref{ClassName: "Item", ObjectID: "e2"} }

// --- Tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	st, _ := storage.FromSync(storage.NewMemory())
	if _, err := New(nil, &mockTransport{}); !errors.Is(err, ErrMissingCollaborator) {
		t.Errorf("New(nil storage) error = %v", err)
	}
	if _, err := New(st, nil); !errors.Is(err, ErrMissingCollaborator) {
		t.Errorf("New(nil transport) error = %v", err)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "fetch", e1(), nil, transport.Options{}); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("unknown action error = %v", err)
	}
	if _, err := q.Save(ctx, Ref{ClassName: "Item"}, nil, transport.Options{}); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("missing id error = %v", err)
	}
}

func TestEnqueue_DedupKeepsPositionAndLatestPayload(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	q, _ := newQueue(t, &mockTransport{}, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	if _, err := q.Save(ctx, e1(), op.Map{"title": op.Set{Value: "first"}, "n": op.Increment{Amount: 1}}, transport.Options{}); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(time.Minute)
	if _, err := q.Save(ctx, e2(), op.Map{"title": op.Set{Value: "other"}}, transport.Options{}); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2 * time.Minute)
	if _, err := q.Save(ctx, e1(), op.Map{"title": op.Set{Value: "second"}}, transport.Options{SessionToken: "s"}); err != nil {
		t.Fatal(err)
	}

	items, err := q.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("queue length = %d, want 2", len(items))
	}
	first := items[0]
	if first.Ref.ObjectID != "e1" {
		t.Errorf("first item = %s, want e1 to keep its position", first.Ref.ObjectID)
	}
	if !op.Equal(first.Ops["title"], op.Set{Value: "second"}) {
		t.Errorf("title = %v, want the second payload", first.Ops["title"])
	}
	if !op.Equal(first.Ops["n"], op.Increment{Amount: 1}) {
		t.Errorf("n = %v, want the older op kept", first.Ops["n"])
	}
	if first.Options.SessionToken != "s" {
		t.Errorf("options = %+v, want the second call's options", first.Options)
	}
	if !first.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", first.CreatedAt, base)
	}
}

func TestEnqueue_SingleEntityTwiceIsLengthOne(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 2.0}}, transport.Options{})

	n, err := q.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Length() = %d, want 1", n)
	}
	items, _ := q.GetQueue(ctx)
	if !op.Equal(items[0].Ops["a"], op.Set{Value: 2.0}) {
		t.Errorf("a = %v, want Set(2)", items[0].Ops["a"])
	}
}

func TestEnqueue_DifferentActionsAreNotDeduped(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Destroy(ctx, e1(), transport.Options{})
	if n, _ := q.Length(ctx); n != 2 {
		t.Errorf("Length() = %d, want 2", n)
	}
}

func TestEnqueue_SameOpsOnDifferentObjectsAreKept(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	ops := op.Map{"done": op.Set{Value: true}}
	_, _ = q.Save(ctx, e1(), ops, transport.Options{})
	_, _ = q.Save(ctx, e2(), ops, transport.Options{})
	if n, _ := q.Length(ctx); n != 2 {
		t.Errorf("Length() = %d, want 2", n)
	}
}

func TestSendQueue_EmptyReturnsFalse(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ok, err := q.SendQueue(context.Background())
	if err != nil || ok {
		t.Errorf("SendQueue() = %v, %v; want false, nil", ok, err)
	}
}

func TestSendQueue_HaltsOnFailureThenReplaysInOrder(t *testing.T) {
	tr := &mockTransport{}
	q, _ := newQueue(t, tr)
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e2(), op.Map{"b": op.Set{Value: 2.0}}, transport.Options{})
	_, _ = q.Destroy(ctx, e1(), transport.Options{})
	before, _ := q.GetQueue(ctx)

	tr.setFail(func(*transport.Request) error { return transport.Transient(errors.New("offline")) })
	ok, err := q.SendQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("SendQueue() = true while the transport is failing")
	}
	after, _ := q.GetQueue(ctx)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("queue changed after failed pass (-want +got):\n%s", diff)
	}
	if n := len(tr.requestsSent()); n != 1 {
		t.Errorf("requests = %d, want only the first item attempted", n)
	}

	tr.setFail(nil)
	ok, err = q.SendQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("SendQueue() = %v, %v; want true, nil", ok, err)
	}
	want := []sent{
		{transport.ActionSave, "Item", "e1"},
		{transport.ActionSave, "Item", "e1"},
		{transport.ActionSave, "Item", "e2"},
		{transport.ActionDestroy, "Item", "e1"},
	}
	if diff := cmp.Diff(want, tr.requestsSent()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if n, _ := q.Length(ctx); n != 0 {
		t.Errorf("Length() = %d, want 0", n)
	}
}

func TestSendQueue_RejectedItemIsReportedAndDropped(t *testing.T) {
	tr := &mockTransport{}
	var mu sync.Mutex
	var reported []string
	q, _ := newQueue(t, tr, WithErrorHandler(func(item Item, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, item.Ref.ObjectID)
	}))
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e2(), op.Map{"b": op.Set{Value: 2.0}}, transport.Options{})

	rejected := testutil.ToFloat64(QueueSendResults.WithLabelValues(q.Key(), "save", resultRejected))
	tr.setFail(func(req *transport.Request) error {
		if req.ObjectID == "e1" {
			return transport.Permanent(142, "invalid field")
		}
		return nil
	})

	ok, err := q.SendQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("SendQueue() = %v, %v; want true, nil", ok, err)
	}
	if diff := cmp.Diff([]string{"e1"}, reported); diff != "" {
		t.Errorf("reported mismatch (-want +got):\n%s", diff)
	}
	if n, _ := q.Length(ctx); n != 0 {
		t.Errorf("Length() = %d, want 0", n)
	}
	if got := testutil.ToFloat64(QueueSendResults.WithLabelValues(q.Key(), "save", resultRejected)); got != rejected+1 {
		t.Errorf("rejected metric = %v, want %v", got, rejected+1)
	}

	// a second pass must not report it again
	if _, err := q.SendQueue(ctx); err != nil {
		t.Fatal(err)
	}
	if len(reported) != 1 {
		t.Errorf("rejected item reported %d times", len(reported))
	}
}

func TestSendQueue_CreatePropagatesServerID(t *testing.T) {
	tr := &mockTransport{nextID: "srv1"}
	var delivered []Item
	q, _ := newQueue(t, tr, WithSentHandler(func(item Item, resp *transport.Response) {
		delivered = append(delivered, item)
	}))
	ctx := context.Background()

	local := Ref{ClassName: "Item", LocalID: "local01"}
	_, _ = q.Save(ctx, local, op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e2(), op.Map{"b": op.Set{Value: 2.0}}, transport.Options{})
	_, _ = q.Destroy(ctx, local, transport.Options{})

	if ok, err := q.SendQueue(ctx); err != nil || !ok {
		t.Fatalf("SendQueue() = %v, %v", ok, err)
	}
	want := []sent{
		{transport.ActionSave, "Item", ""},
		{transport.ActionSave, "Item", "e2"},
		{transport.ActionDestroy, "Item", "srv1"},
	}
	if diff := cmp.Diff(want, tr.requestsSent()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if len(delivered) != 3 {
		t.Errorf("sent handler called %d times, want 3", len(delivered))
	}
}

func TestSendQueue_DestroyOfUncreatedObjectSkipsRequest(t *testing.T) {
	tr := &mockTransport{}
	q, _ := newQueue(t, tr)
	ctx := context.Background()

	_, _ = q.Destroy(ctx, Ref{ClassName: "Item", LocalID: "local02"}, transport.Options{})
	if ok, err := q.SendQueue(ctx); err != nil || !ok {
		t.Fatalf("SendQueue() = %v, %v", ok, err)
	}
	if n := len(tr.requestsSent()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestQueue_PersistsAcrossInstances(t *testing.T) {
	tr := &mockTransport{}
	q, st := newQueue(t, tr)
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"n": op.Increment{Amount: 3}}, transport.Options{UseMasterKey: true})

	reopened, err := New(st, tr, WithKey(q.Key()))
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	items, _ := reopened.GetQueue(ctx)
	if len(items) != 1 {
		t.Fatalf("reloaded %d items, want 1", len(items))
	}
	if !op.Equal(items[0].Ops["n"], op.Increment{Amount: 3}) || !items[0].Options.UseMasterKey {
		t.Errorf("reloaded item = %+v", items[0])
	}
}

func TestQueue_RemoveClearSetQueue(t *testing.T) {
	q, st := newQueue(t, &mockTransport{})
	ctx := context.Background()

	a, _ := q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e2(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})

	if err := q.Remove(ctx, a.QueueID); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, "unknown"); err != nil {
		t.Errorf("Remove(unknown) error = %v", err)
	}
	items, _ := q.GetQueue(ctx)
	if len(items) != 1 || items[0].Ref.ObjectID != "e2" {
		t.Errorf("queue after Remove = %+v", items)
	}

	if err := q.SetQueue(ctx, append(items, a)); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Length(ctx); n != 2 {
		t.Errorf("Length() after SetQueue = %d, want 2", n)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Length(ctx); n != 0 {
		t.Errorf("Length() after Clear = %d", n)
	}
	if _, ok, _ := st.Get(ctx, q.Key()); ok {
		t.Error("Clear() left the queue document in storage")
	}
}

func TestQueue_Rekey(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	_, _ = q.Save(ctx, Ref{ClassName: "Item", LocalID: "local03"}, op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	if err := q.Rekey(ctx, "Item", "local03", "srv9"); err != nil {
		t.Fatal(err)
	}
	items, _ := q.GetQueue(ctx)
	if items[0].Ref.ObjectID != "srv9" {
		t.Errorf("ObjectID = %q, want srv9", items[0].Ref.ObjectID)
	}
	if items[0].QueueID != QueueID(transport.ActionSave, Ref{ClassName: "Item", ObjectID: "srv9"}) {
		t.Error("QueueID should follow the server id")
	}

	// a later save addressed by the server id collapses into the same item
	_, _ = q.Save(ctx, Ref{ClassName: "Item", ObjectID: "srv9", LocalID: "local03"}, op.Map{"a": op.Set{Value: 2.0}}, transport.Options{})
	if n, _ := q.Length(ctx); n != 1 {
		t.Errorf("Length() = %d, want 1", n)
	}
}

func TestQueue_DiscardSent(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Increment{Amount: 1}, "b": op.Set{Value: "x"}}, transport.Options{})
	_, _ = q.Destroy(ctx, e1(), transport.Options{})
	_, _ = q.Save(ctx, e2(), op.Map{"a": op.Increment{Amount: 1}}, transport.Options{})

	if err := q.DiscardSent(ctx, e1(), op.Map{"a": op.Increment{Amount: 3}}); err != nil {
		t.Fatalf("DiscardSent() error = %v", err)
	}
	items, _ := q.GetQueue(ctx)
	if len(items) != 3 {
		t.Fatalf("queue length = %d, want 3", len(items))
	}
	if diff := cmp.Diff(op.Map{"b": op.Set{Value: "x"}}, items[0].Ops); diff != "" {
		t.Errorf("trimmed ops mismatch (-want +got):\n%s", diff)
	}
	want, _ := ContentHash(transport.ActionSave, e1(), op.Map{"b": op.Set{Value: "x"}}, transport.Options{})
	if items[0].Hash != want {
		t.Error("trimmed item hash should follow its remaining ops")
	}

	if err := q.DiscardSent(ctx, e1(), op.Map{"b": op.Set{Value: "y"}}); err != nil {
		t.Fatal(err)
	}
	items, _ = q.GetQueue(ctx)
	got := []transport.Action{}
	for _, it := range items {
		got = append(got, it.Action)
	}
	if diff := cmp.Diff([]transport.Action{transport.ActionDestroy, transport.ActionSave}, got); diff != "" {
		t.Errorf("remaining actions mismatch (-want +got):\n%s", diff)
	}
	if items[1].Ref != e2() {
		t.Errorf("other object's save touched: %+v", items[1].Ref)
	}
}

func TestQueue_DiscardSentAfterLiveCreate(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()
	local := Ref{ClassName: "Item", LocalID: "local07"}

	_, _ = q.Save(ctx, local, nil, transport.Options{})
	if err := q.DiscardSent(ctx, local, op.Map{}); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Length(ctx); n != 0 {
		t.Errorf("Length() = %d, want empty create dropped", n)
	}

	// an update of a created object with nothing sent leaves the queue alone
	_, _ = q.Save(ctx, e1(), nil, transport.Options{})
	if err := q.DiscardSent(ctx, e1(), op.Map{}); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Length(ctx); n != 1 {
		t.Errorf("Length() = %d, want 1", n)
	}
}

func TestEnqueue_Metrics(t *testing.T) {
	q, _ := newQueue(t, &mockTransport{})
	ctx := context.Background()

	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 1.0}}, transport.Options{})
	_, _ = q.Save(ctx, e1(), op.Map{"a": op.Set{Value: 2.0}}, transport.Options{})

	if got := testutil.ToFloat64(QueueEnqueued.WithLabelValues(q.Key(), "save", resultAppended)); got != 1 {
		t.Errorf("appended = %v, want 1", got)
	}
	if got := testutil.ToFloat64(QueueEnqueued.WithLabelValues(q.Key(), "save", resultReplaced)); got != 1 {
		t.Errorf("replaced = %v, want 1", got)
	}
	if got := testutil.ToFloat64(QueueLength.WithLabelValues(q.Key())); got != 1 {
		t.Errorf("length gauge = %v, want 1", got)
	}
}

func TestQueueID_IsStable(t *testing.T) {
	a := QueueID(transport.ActionSave, e1())
	b := QueueID(transport.ActionSave, e1())
	if a != b {
		t.Error("QueueID is not deterministic")
	}
	if a == QueueID(transport.ActionDestroy, e1()) {
		t.Error("QueueID should depend on the action")
	}
	if len(a) != 16 {
		t.Errorf("QueueID length = %d, want 16 hex digits", len(a))
	}
}
