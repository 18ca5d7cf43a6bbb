package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts the current block number.
// All deadlines in the engines are expressed as block numbers read from the Clock,
// never as wall time.
type Clock interface {
	Current() uint64
}

// Manual is a virtual clock advanced explicitly by the caller.
type Manual struct {
	mux     sync.RWMutex
	current uint64
}

// NewManual creates a Manual clock starting at the given block.
func NewManual(start uint64) *Manual {
	return &Manual{current: start}
}

// Current returns the current block number.
func (m *Manual) Current() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.current
}

// Advance moves the clock forward by n blocks and returns the new block number.
func (m *Manual) Advance(n uint64) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.current += n
	return m.current
}

// Ticker is a clock advancing one block per real time interval.
type Ticker struct {
	current atomic.Uint64
	ticks   chan uint64
	done    chan struct{}
}

// NewTicker creates a Ticker advancing every interval.
// Stop the Ticker with Stop to release the underlying resources.
func NewTicker(interval time.Duration) *Ticker {
	t := &Ticker{
		ticks: make(chan uint64, 1),
		done:  make(chan struct{}),
	}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-t.done:
				close(t.ticks)
				return
			case <-tick.C:
				next := t.current.Add(1)
				select {
				case t.ticks <- next:
				default:
				}
			}
		}
	}()
	return t
}

// Current returns the current block number.
func (t *Ticker) Current() uint64 {
	return t.current.Load()
}

// Ticks returns the channel receiving each new block number.
// Slow receivers skip blocks instead of delaying the clock.
func (t *Ticker) Ticks() <-chan uint64 {
	return t.ticks
}

// Stop stops the clock.
func (t *Ticker) Stop() {
	close(t.done)
}
