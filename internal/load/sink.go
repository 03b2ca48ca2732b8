package load

import (
	"fmt"
	"sync"
)

// Sink receives every outcome produced by every user. Append must be safe
// for concurrent use and must not block users for long.
type Sink interface {
	Append(o Outcome)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(o Outcome)

// Append calls f(o).
func (f SinkFunc) Append(o Outcome) { f(o) }

// FaultReporter is implemented by sinks that can fail. The runner aborts
// the run when Fault is closed.
type FaultReporter interface {
	Fault() <-chan struct{}
	Err() error
}

// Observer is notified of each outcome after it is recorded. Observers are
// called concurrently from many users.
type Observer interface {
	Observe(o Outcome)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(o Outcome)

// Observe calls f(o).
func (f ObserverFunc) Observe(o Outcome) { f(o) }

// Collector is the default Sink. It retains outcomes for polling and fans
// them out to observers. A panicking observer faults the collector, after
// which further outcomes are dropped.
type Collector struct {
	mu       sync.Mutex
	outcomes []Outcome
	retain   bool

	observers []Observer

	faultOnce sync.Once
	fault     chan struct{}
	errMu     sync.Mutex
	err       error
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithObservers registers observers.
func WithObservers(obs ...Observer) CollectorOption {
	return func(c *Collector) { c.observers = append(c.observers, obs...) }
}

// WithRetention controls whether outcomes are buffered for Outcomes/Drain.
// Retention is on by default.
func WithRetention(retain bool) CollectorOption {
	return func(c *Collector) { c.retain = retain }
}

// NewCollector creates a collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		retain: true,
		fault:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append records o and notifies observers.
func (c *Collector) Append(o Outcome) {
	select {
	case <-c.fault:
		return
	default:
	}

	if c.retain {
		c.mu.Lock()
		c.outcomes = append(c.outcomes, o)
		c.mu.Unlock()
	}

	for _, obs := range c.observers {
		c.notify(obs, o)
	}
}

func (c *Collector) notify(obs Observer, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.setFault(fmt.Errorf("%w: observer panicked: %v", ErrSinkFault, r))
		}
	}()
	obs.Observe(o)
}

func (c *Collector) setFault(err error) {
	c.faultOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.fault)
	})
}

// Fault is closed when the collector stops accepting outcomes.
func (c *Collector) Fault() <-chan struct{} {
	return c.fault
}

// Err returns the fault, or nil.
func (c *Collector) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Outcomes returns a copy of the retained outcomes.
func (c *Collector) Outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// Drain returns the retained outcomes and clears the buffer.
func (c *Collector) Drain() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outcomes
	c.outcomes = nil
	return out
}

// Len returns the number of retained outcomes.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}
