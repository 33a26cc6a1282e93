// Package notify defines the inbound interface of the external
// notification dispatcher and an asynchronous at-least-once delivery
// pump for lifecycle events.
package notify

import (
	"context"
	"sync"
	"time"

	"crobridge/pkg/domain"
)

// Dispatcher consumes lifecycle events. Implementations live outside the
// core; delivery is fire-and-forget from the transition's point of view
// and at-least-once from the consumer's.
type Dispatcher interface {
	Notify(ctx context.Context, event domain.TransitionEvent) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, event domain.TransitionEvent) error

// Notify implements Dispatcher.
func (f DispatcherFunc) Notify(ctx context.Context, event domain.TransitionEvent) error {
	return f(ctx, event)
}

// Noop discards all events.
func Noop() Dispatcher {
	return DispatcherFunc(func(context.Context, domain.TransitionEvent) error { return nil })
}

// Recorder retains events for test inspection.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

// NewRecorder constructs an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Dispatcher.
func (r *Recorder) Notify(_ context.Context, event domain.TransitionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []domain.TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TransitionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// AsyncPump decouples transition commits from downstream delivery. Events
// are queued after commit and delivered with bounded retries; a full queue
// drops to synchronous best-effort rather than blocking the transition.
type AsyncPump struct {
	sink     Dispatcher
	queue    chan domain.TransitionEvent
	retries  int
	backoff  time.Duration
	wg       sync.WaitGroup
	closeOne sync.Once
}

// NewAsyncPump starts a pump with one delivery worker.
func NewAsyncPump(sink Dispatcher, queueSize, retries int, backoff time.Duration) *AsyncPump {
	if queueSize <= 0 {
		queueSize = 64
	}
	if retries < 0 {
		retries = 0
	}
	p := &AsyncPump{
		sink:    sink,
		queue:   make(chan domain.TransitionEvent, queueSize),
		retries: retries,
		backoff: backoff,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *AsyncPump) run() {
	defer p.wg.Done()
	for event := range p.queue {
		p.deliver(event)
	}
}

func (p *AsyncPump) deliver(event domain.TransitionEvent) {
	for attempt := 0; ; attempt++ {
		err := p.sink.Notify(context.Background(), event)
		if err == nil || attempt >= p.retries {
			return
		}
		time.Sleep(p.backoff * time.Duration(attempt+1))
	}
}

// Notify implements Dispatcher. It never returns an error: the transition
// has already committed and must not fail on delivery problems.
func (p *AsyncPump) Notify(ctx context.Context, event domain.TransitionEvent) error {
	select {
	case p.queue <- event:
	default:
		// Queue full: deliver inline so the event is not lost.
		p.deliver(event)
	}
	_ = ctx
	return nil
}

// Close drains the queue and stops the worker.
func (p *AsyncPump) Close() {
	p.closeOne.Do(func() { close(p.queue) })
	p.wg.Wait()
}
