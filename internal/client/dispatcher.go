package client

import (
	"sync"

	"github.com/rs/zerolog"
)

// dispatcher runs every externally visible callback of one session on a
// single goroutine, in submission order.
type dispatcher struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// submit queues fn. It reports false once the dispatcher is closed, in
// which case fn is dropped.
func (d *dispatcher) submit(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.pending = append(d.pending, fn)
	d.cond.Signal()
	return true
}

// close stops accepting callbacks. Callbacks queued before close still run.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

// drained is closed after close once every queued callback has run.
func (d *dispatcher) drained() <-chan struct{} {
	return d.done
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, fn := range batch {
			d.run(fn)
		}
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("client.dispatcher callback panicked")
		}
	}()
	fn()
}
