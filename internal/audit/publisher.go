package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives audit events. Implementations must be safe for concurrent
// appends.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher emits audit events to a sink, synchronously by default. With an
// async buffer, Emit never blocks the caller: events queue onto a channel and
// a background goroutine drains them; when the buffer is full the event is
// dropped and counted rather than stalling a lifecycle operation.
type Publisher struct {
	sink   Sink
	logger *slog.Logger

	inbox   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
	closed  bool
}

// Option configures the publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to asynchronous delivery with the
// given buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.inbox = make(chan Event, size)
		}
	}
}

func NewPublisher(sink Sink, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{sink: sink, logger: logger, done: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one event. Audit failures are logged, never propagated: an
// audit sink outage must not fail the lifecycle operation it describes.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if p.inbox == nil {
		if err := p.sink.Append(ctx, event); err != nil {
			p.logger.ErrorContext(ctx, "audit append failed", "action", string(event.Action), "error", err)
		}
		return
	}

	select {
	case p.inbox <- event:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "audit buffer full, event dropped", "action", string(event.Action))
	}
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.inbox:
			p.append(event)
		case <-p.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case event := <-p.inbox:
					p.append(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) append(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.Append(ctx, event); err != nil {
		p.logger.Error("audit append failed", "action", string(event.Action), "error", err)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops the background drainer after flushing buffered events. Safe to
// call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.inbox != nil {
		close(p.done)
		p.wg.Wait()
	}
}
