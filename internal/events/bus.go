package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bloom/internal/logging"
)

// Listener receives events. It runs on the emitting goroutine and must not block.
type Listener func(Event)

// Bus fans events out to listeners and keeps a bounded history.
type Bus struct {
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	capacity  int
	buffer    []Event
	nextSeq   uint64
	listeners map[uint64]Listener
	nextID    uint64
}

// NewBus constructs a bus retaining up to capacity recent events.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 512
	}
	b := &Bus{
		logger:    logging.NewComponentLogger(logger, "events"),
		capacity:  capacity,
		listeners: make(map[uint64]Listener),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Listener) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Emit stamps evt with a sequence number and delivers it.
func (b *Bus) Emit(evt Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.nextSeq++
	evt.Sequence = b.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(b.buffer) == b.capacity {
		copy(b.buffer, b.buffer[1:])
		b.buffer = b.buffer[:b.capacity-1]
	}
	b.buffer = append(b.buffer, evt)
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, fn := range listeners {
		b.deliver(fn, evt)
	}
}

func (b *Bus) deliver(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				logging.String("kind", string(evt.Kind)),
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "listener_panic"),
			)
		}
	}()
	fn(evt)
}

// Fetch returns events with a sequence greater than since. When wait is true
// it blocks until at least one event is available or ctx ends.
func (b *Bus) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if b == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	stopWake := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-stopWake:
			}
		}()
	}
	defer close(stopWake)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		events, next := b.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, nil
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		b.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, b.nextSeq, err
		}
	}
}

// Tail returns the most recent limit events without blocking.
func (b *Bus) Tail(limit int) ([]Event, uint64) {
	if b == nil {
		return nil, 0
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.buffer) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(b.buffer)-start)
	copy(out, b.buffer[start:])
	return out, b.nextSeq
}

func (b *Bus) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	start := len(b.buffer)
	for i, evt := range b.buffer {
		if evt.Sequence > since {
			start = i
			break
		}
	}
	end := start + limit
	if end > len(b.buffer) {
		end = len(b.buffer)
	}
	if start >= end {
		return nil, b.nextSeq
	}
	out := make([]Event, end-start)
	copy(out, b.buffer[start:end])
	return out, out[len(out)-1].Sequence
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
