package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/eventual/pkg/transport"
)

// DefaultPollInterval is used by Poll when no positive interval is given.
const DefaultPollInterval = 2 * time.Second

// poller drives SendQueue from a ticker. A tick that finds the previous pass
// still running does nothing.
type poller struct {
	queue    *Queue
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	// mu guards pass, which is non-nil while a pass runs and is closed when
	// it finishes.
	mu   sync.Mutex
	pass chan struct{}
}

// Poll starts replaying the queue every interval. Calling Poll while already
// polling is a no-op.
func (q *Queue) Poll(interval time.Duration) {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()
	if q.poller != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		queue:    q,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	q.poller = p
	go p.run(ctx)
}

// StopPoll stops future ticks. A pass already in progress runs to completion.
func (q *Queue) StopPoll() {
	q.pollMu.Lock()
	p := q.poller
	q.poller = nil
	q.pollMu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// IsPolling reports whether the poll timer is running.
func (q *Queue) IsPolling() bool {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()
	return q.poller != nil
}

// WaitIdle blocks until no poll pass is in progress.
func (q *Queue) WaitIdle() {
	q.pollMu.Lock()
	p := q.poller
	q.pollMu.Unlock()
	if p != nil {
		p.wait()
	}
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	slog.Info("offline queue polling started",
		"component", "offline",
		"key", p.queue.key,
		"interval", p.interval.String(),
	)

	p.tick()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("offline queue polling stopped",
				"component", "offline",
				"key", p.queue.key,
				"reason", "stop_requested",
			)
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick starts a pass unless one is still running. Passes are not tied to the
// poll lifetime: StopPoll never interrupts a send in flight.
func (p *poller) tick() bool {
	p.mu.Lock()
	if p.pass != nil {
		p.mu.Unlock()
		slog.Debug("offline queue pass still running, skipping tick",
			"component", "offline",
			"key", p.queue.key,
		)
		return false
	}
	done := make(chan struct{})
	p.pass = done
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.pass = nil
			p.mu.Unlock()
			close(done)
		}()
		p.send(context.Background())
	}()
	return true
}

// wait blocks until the pass running at the time of the call has finished.
func (p *poller) wait() {
	p.mu.Lock()
	done := p.pass
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *poller) send(ctx context.Context) {
	if pinger, ok := p.queue.transport.(transport.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			slog.Debug("remote unreachable, skipping queue pass",
				"component", "offline",
				"key", p.queue.key,
				"error", err,
			)
			return
		}
	}
	ok, err := p.queue.SendQueue(ctx)
	if err != nil {
		slog.Error("offline queue pass failed",
			"component", "offline",
			"key", p.queue.key,
			"error", err,
		)
		return
	}
	if ok {
		slog.Info("offline queue drained",
			"component", "offline",
			"key", p.queue.key,
		)
	}
}
