// Package reactive carries the typed domain events between the settlement
// engines and the runtime in a single producer multiple consumer pattern.
// Engines publish while holding their own state lock, so Publish never
// blocks: each subscriber buffers in an unbounded queue the consumer drains
// at its own pace.
package reactive

import "sync"

type subscriber[T any] struct {
	container *Observable[T]
	mux       sync.Mutex
	queue     []T
}

// Cancel removes the subscriber from its container and drops the values
// not yet read. To stop receiving, call this method.
// Not calling this method may result in memory leak.
func (o *subscriber[T]) Cancel() {
	o.container.delete(o)
	o.mux.Lock()
	defer o.mux.Unlock()
	o.queue = nil
}

// Next pops the oldest value not yet read.
// The second result is false when the queue is empty.
func (o *subscriber[T]) Next() (T, bool) {
	o.mux.Lock()
	defer o.mux.Unlock()
	var v T
	if len(o.queue) == 0 {
		return v, false
	}
	v = o.queue[0]
	o.queue = o.queue[1:]
	return v, true
}

// Pending returns the number of values published and not yet read.
func (o *subscriber[T]) Pending() int {
	o.mux.Lock()
	defer o.mux.Unlock()
	return len(o.queue)
}

func (o *subscriber[T]) push(v T) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.queue = append(o.queue, v)
}

// Observable creates a container for subscribers.
// This works in single producer multiple consumer pattern.
type Observable[T any] struct {
	mux         sync.RWMutex
	subscribers map[*subscriber[T]]struct{}
	size        int
}

// New creates Observable container that holds queues for all subscribers.
// size is the initial queue capacity of each subscriber, queues grow past it
// on demand.
func New[T any](size int) *Observable[T] {
	return &Observable[T]{
		mux:         sync.RWMutex{},
		subscribers: make(map[*subscriber[T]]struct{}),
		size:        size,
	}
}

// Subscribe subscribes to the container.
func (o *Observable[T]) Subscribe() *subscriber[T] {
	obs := &subscriber[T]{
		container: o,
		queue:     make([]T, 0, o.size),
	}
	o.mux.Lock()
	defer o.mux.Unlock()
	o.subscribers[obs] = struct{}{}
	return obs
}

// Publish publishes value to all subscribers. Publish never blocks, a slow
// subscriber grows its queue instead of stalling the publisher.
func (o *Observable[T]) Publish(v T) {
	o.mux.RLock()
	defer o.mux.RUnlock()
	for c := range o.subscribers {
		c.push(v)
	}
}

func (o *Observable[T]) delete(c *subscriber[T]) {
	o.mux.Lock()
	defer o.mux.Unlock()
	delete(o.subscribers, c)
}
