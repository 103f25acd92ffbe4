package virtqueue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/guestmem"
)

// State is the lifecycle state of a [Ring] and its worker.
type State int

const (
	// StateReset means the ring is unconfigured and has no worker.
	StateReset State = iota
	// StateSetup means the ring was configured and its worker is starting.
	StateSetup
	// StateInit means the worker is waiting for the first kick.
	StateInit
	// StateRun means the worker is processing the ring.
	StateRun
	// StateStop means the worker is tearing down.
	StateStop
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateSetup:
		return "setup"
	case StateInit:
		return "init"
	case StateRun:
		return "run"
	case StateStop:
		return "stop"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type requestFlag uint8

const (
	flagRequestStart requestFlag = 1 << iota
	flagRequestStop
)

// Processor moves packets through a ring while it is running. Process is called
// from the ring's worker every time the ring was kicked. Returning an error
// ends the run phase and resets the ring.
type Processor interface {
	Process(r *Ring) error
}

// ProcessorFunc adapts a function to the [Processor] interface.
type ProcessorFunc func(r *Ring) error

func (f ProcessorFunc) Process(r *Ring) error {
	return f(r)
}

// ringMap is an immutable snapshot of the pages backing a ring together with
// the lease that produced them.
type ringMap struct {
	layout Layout
	lease  guestmem.Lease
	pages  [][]byte
}

// Ring is the device side of a single legacy split virtqueue.
//
// A ring is created once and then goes through any number of Init and Reset
// cycles. While running, a dedicated worker goroutine hands the ring to its
// [Processor] whenever the guest kicks it.
type Ring struct {
	name      string
	index     int
	l         logrus.FieldLogger
	provider  guestmem.Provider
	processor Processor
	stats     *Stats

	hostInterrupt func()

	// mu guards the lifecycle, the lease, the mappings and the MSI
	// configuration.
	mu      sync.Mutex
	cond    chan struct{}
	state   State
	flags   requestFlag
	kicked  bool
	lease   guestmem.Lease
	size    uint16
	address uint64
	layout  Layout
	msiAddr uint64
	msiMsg  uint64

	// expireCh receives a value whenever the held lease is revoked.
	expireCh chan struct{}

	// mapping is replaced only while mu is held.
	mapping atomic.Pointer[ringMap]

	availMu  sync.Mutex
	curAvail uint16

	usedMu  sync.Mutex
	curUsed uint16

	intrPending atomic.Uint32
}

// Option configures a [Ring].
type Option func(*optionValues)

type optionValues struct {
	name          string
	logger        logrus.FieldLogger
	registry      metrics.Registry
	hostInterrupt func()
}

// WithName sets the name used in logs and metric names.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}

// WithLogger sets the logger of the ring.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *optionValues) { o.logger = l }
}

// WithMetricsRegistry sets the registry the ring counters are registered in.
// Defaults to [metrics.DefaultRegistry].
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

// WithHostInterrupt sets the function that is called when an interrupt becomes
// pending and no MSI is configured.
func WithHostInterrupt(f func()) Option {
	return func(o *optionValues) { o.hostInterrupt = f }
}

// NewRing creates a ring in the reset state. processor may be nil, in which
// case a running ring does nothing but wait for kicks.
func NewRing(index int, provider guestmem.Provider, processor Processor, options ...Option) *Ring {
	opts := optionValues{
		name:     fmt.Sprintf("ring%d", index),
		registry: metrics.DefaultRegistry,
	}
	for _, o := range options {
		o(&opts)
	}
	if opts.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.logger = l
	}
	if processor == nil {
		processor = ProcessorFunc(func(*Ring) error { return nil })
	}
	if opts.hostInterrupt == nil {
		opts.hostInterrupt = func() {}
	}

	return &Ring{
		name:          opts.name,
		index:         index,
		l:             opts.logger.WithField("ring", opts.name),
		provider:      provider,
		processor:     processor,
		stats:         newStats(opts.registry, "vring."+opts.name),
		hostInterrupt: opts.hostInterrupt,
		cond:          make(chan struct{}),
		expireCh:      make(chan struct{}, 1),
	}
}

// Name returns the name of the ring.
func (r *Ring) Name() string {
	return r.name
}

// Index returns the queue index of the ring.
func (r *Ring) Index() int {
	return r.index
}

// Size returns the configured queue size, or zero when the ring is reset.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.size)
}

// Address returns the configured guest-physical base address.
func (r *Ring) Address() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// State returns the current lifecycle state.
func (r *Ring) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the ring counters.
func (r *Ring) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// broadcast wakes every waiter. mu must be held.
func (r *Ring) broadcast() {
	close(r.cond)
	r.cond = make(chan struct{})
}

// wait releases mu until the next broadcast, a lease expiry or the end of ctx.
// It returns false if ctx ended. mu is held again on return.
func (r *Ring) wait(ctx context.Context) bool {
	c := r.cond
	r.mu.Unlock()
	defer r.mu.Lock()

	select {
	case <-c:
		return true
	case <-r.expireCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitBroadcast is like wait but ignores lease expiry, which only concerns the
// worker.
func (r *Ring) waitBroadcast(ctx context.Context) bool {
	c := r.cond
	r.mu.Unlock()
	defer r.mu.Lock()

	select {
	case <-c:
		return true
	case <-ctx.Done():
		return false
	}
}

// setState changes the lifecycle state. mu must be held.
func (r *Ring) setState(s State) {
	if r.state == s {
		return
	}
	r.l.WithField("from", r.state).WithField("to", s).Debug("Ring state changed")
	r.state = s
}
