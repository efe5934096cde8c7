// Package taskqueue runs asynchronous tasks one at a time per key, in the
// order they were submitted. Tasks on different keys run concurrently.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTaskPanicked is wrapped by the error of a task that panicked.
var ErrTaskPanicked = errors.New("task panicked")

// Func is the body of a task.
type Func func(ctx context.Context) error

// Task is the completion handle of one submitted task.
type Task struct {
	ctx  context.Context
	fn   Func
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's outcome. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done. Giving up on waiting
// does not stop the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queue struct {
	key   string
	tasks []*Task
	// after holds tasks of a rekeyed key that must finish before this
	// queue starts its next task.
	after []<-chan struct{}
}

// Serializer keeps one FIFO of tasks per key. The first task submitted to an
// idle key starts a worker goroutine that drains the key's FIFO and exits
// once it is empty.
type Serializer struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// New returns an idle serializer.
func New() *Serializer {
	return &Serializer{queues: make(map[string]*queue)}
}

// Enqueue schedules fn to run after every task already submitted for key.
// ctx is handed to fn when it runs.
func (s *Serializer) Enqueue(ctx context.Context, key string, fn Func) *Task {
	t := &Task{ctx: ctx, fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	q, running := s.queues[key]
	if !running {
		q = &queue{key: key}
		s.queues[key] = q
	}
	q.tasks = append(q.tasks, t)
	s.mu.Unlock()

	if !running {
		go s.drain(q)
	}
	return t
}

// Run enqueues fn and waits for it to finish.
func (s *Serializer) Run(ctx context.Context, key string, fn Func) error {
	return s.Enqueue(ctx, key, fn).Wait(ctx)
}

// Pending returns the number of unfinished tasks for key, including a running one.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return len(q.tasks)
	}
	return 0
}

// Rekey moves the tasks of from to to. Tasks submitted for to afterwards are
// ordered behind them, including a task currently running under from.
func (s *Serializer) Rekey(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[from]
	if !ok {
		return
	}
	delete(s.queues, from)
	if len(q.tasks) == 0 {
		q.key = ""
		return
	}
	if existing, ok := s.queues[to]; ok {
		// to already has a worker; hand it the waiting tasks and hold it
		// until the head of from, which may be running, has finished
		existing.tasks = append(existing.tasks, q.tasks[1:]...)
		existing.after = append(existing.after, q.tasks[0].done)
		q.tasks = q.tasks[:1]
		q.key = ""
		return
	}
	q.key = to
	s.queues[to] = q
}

func (s *Serializer) drain(q *queue) {
	for {
		s.mu.Lock()
		if len(q.after) > 0 {
			after := q.after
			q.after = nil
			s.mu.Unlock()
			for _, done := range after {
				<-done
			}
			continue
		}
		if len(q.tasks) == 0 {
			if q.key != "" && s.queues[q.key] == q {
				delete(s.queues, q.key)
			}
			s.mu.Unlock()
			return
		}
		t := q.tasks[0]
		s.mu.Unlock()

		err := run(t)

		s.mu.Lock()
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		t.err = err
		close(t.done)
	}
}

func run(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked",
				"component", "taskqueue",
				"panic", r,
			)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.fn(t.ctx)
}
