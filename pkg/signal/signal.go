// Package signal provides the observer mechanism components use to report
// process boundary signals (publish results, handler failures, replay
// progress, registry changes) to any number of listeners.
//
// Emit never blocks: each listener owns a buffered queue drained by its own
// goroutine, and a full queue drops the signal for that listener only.
package signal

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a signal.
type Kind string

// Signal is a single observation emitted by a component.
type Signal struct {
	Kind    Kind
	Source  string
	At      time.Time
	Payload interface{}
	Err     error
}

// Listener receives signals.
type Listener func(Signal)

// Config configures an Emitter.
type Config struct {
	// BufferSize is the queue length per listener.
	// Default: 256
	BufferSize int

	// OnDrop is called when a listener queue is full.
	OnDrop func(sig Signal)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 256,
}

type listener struct {
	id    int64
	kinds map[Kind]struct{} // nil = all kinds
	fn    Listener
	queue chan Signal
	done  chan struct{}
}

// Emitter fans signals out to registered listeners.
type Emitter struct {
	source string
	config Config

	mu        sync.RWMutex
	listeners map[int64]*listener

	nextID  atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter whose signals carry the given source name.
func NewEmitter(source string, config Config) *Emitter {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	return &Emitter{
		source:    source,
		config:    config,
		listeners: make(map[int64]*listener),
	}
}

// On registers fn for the given kinds, or for every kind when none are given.
// The returned function removes the listener.
func (e *Emitter) On(fn Listener, kinds ...Kind) func() {
	if e == nil || e.closed.Load() {
		return func() {}
	}

	l := &listener{
		id:    e.nextID.Add(1),
		fn:    fn,
		queue: make(chan Signal, e.config.BufferSize),
		done:  make(chan struct{}),
	}
	if len(kinds) > 0 {
		l.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = struct{}{}
		}
	}

	e.mu.Lock()
	e.listeners[l.id] = l
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drain(l)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			_, registered := e.listeners[l.id]
			delete(e.listeners, l.id)
			e.mu.Unlock()
			if registered {
				close(l.done)
			}
		})
	}
}

func (e *Emitter) drain(l *listener) {
	defer e.wg.Done()
	for {
		select {
		case sig := <-l.queue:
			e.deliver(l, sig)
		case <-l.done:
			// Flush what is already queued so Close observes every accepted signal.
			for {
				select {
				case sig := <-l.queue:
					e.deliver(l, sig)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(l *listener, sig Signal) {
	defer func() {
		// A panicking listener must not take the emitter down.
		_ = recover()
	}()
	l.fn(sig)
}

// Emit sends a signal to every matching listener without blocking.
func (e *Emitter) Emit(kind Kind, payload interface{}, err error) {
	if e == nil || e.closed.Load() {
		return
	}

	sig := Signal{
		Kind:    kind,
		Source:  e.source,
		At:      time.Now(),
		Payload: payload,
		Err:     err,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, l := range e.listeners {
		if l.kinds != nil {
			if _, ok := l.kinds[kind]; !ok {
				continue
			}
		}
		select {
		case l.queue <- sig:
		default:
			e.dropped.Add(1)
			if e.config.OnDrop != nil {
				e.config.OnDrop(sig)
			}
		}
	}
}

// Dropped returns how many signals were discarded because a listener was full.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close removes all listeners and waits for their queues to drain.
func (e *Emitter) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	listeners := e.listeners
	e.listeners = make(map[int64]*listener)
	e.mu.Unlock()

	for _, l := range listeners {
		close(l.done)
	}
	e.wg.Wait()
}
