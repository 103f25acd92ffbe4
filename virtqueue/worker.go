package virtqueue

import (
	"context"
	"fmt"
	"runtime"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Init configures the ring with the given queue size and guest-physical base
// address, maps it and starts its worker. The ring enters [StateSetup] and
// waits for a [Ring.Kick] to start processing.
//
// ctx bounds the lifetime of the worker and should be the lifetime of the
// owning process: its end stops the ring just like [Ring.Reset].
//
// Invalid configuration is rejected without any state change. When no lease
// can be acquired or the ring cannot be mapped, the ring stays reset and the
// call may be retried.
func (r *Ring) Init(ctx context.Context, size int, address uint64) error {
	if err := CheckQueueSize(size); err != nil {
		return err
	}
	if address == 0 || address&(hostarch.PageSize-1) != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidAddress, address)
	}
	layout, err := NewLayout(size)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReset {
		return fmt.Errorf("%w: ring is in state %s", ErrRingBusy, r.state)
	}

	r.size = uint16(size)
	r.address = address
	r.layout = layout

	cu := cleanup.Make(r.clearConfig)
	defer cu.Clean()

	r.stats.clear()
	if err := r.renewLease(); err != nil {
		r.l.WithError(err).Warn("Failed to set up ring")
		return err
	}

	r.availMu.Lock()
	r.curAvail = 0
	r.availMu.Unlock()
	r.usedMu.Lock()
	r.curUsed = 0
	r.usedMu.Unlock()
	r.msiAddr, r.msiMsg = 0, 0
	r.intrPending.Store(0)
	r.flags = 0
	r.kicked = false

	cu.Release()
	r.setState(StateSetup)
	go r.worker(ctx)
	r.broadcast()

	r.l.WithField("size", size).WithField("address", fmt.Sprintf("%#x", address)).Info("Ring initialized")
	return nil
}

// clearConfig drops the lease and forgets the ring configuration. mu must be
// held.
func (r *Ring) clearConfig() {
	r.dropLease()
	r.availMu.Lock()
	r.curAvail = 0
	r.availMu.Unlock()
	r.usedMu.Lock()
	r.curUsed = 0
	r.usedMu.Unlock()
	r.size = 0
	r.address = 0
	r.layout = Layout{}
	r.msiAddr, r.msiMsg = 0, 0
}

// Kick notifies the ring that the guest made buffers available. The first
// kick after [Ring.Init] starts the ring.
func (r *Ring) Kick() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateSetup, StateInit:
		r.flags |= flagRequestStart
		r.broadcast()
	case StateRun:
		r.kicked = true
		r.broadcast()
	default:
		return fmt.Errorf("%w: ring is in state %s", ErrRingBusy, r.state)
	}
	return nil
}

// Reset stops the worker and waits for the ring to be back in [StateReset].
// If ctx ends first, an error wrapping [ErrInterrupted] is returned and the
// ring finishes resetting in the background.
func (r *Ring) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateReset {
		return nil
	}

	if r.flags&flagRequestStop == 0 {
		r.flags |= flagRequestStop
		r.broadcast()
	}
	for r.state != StateReset {
		if !r.waitBroadcast(ctx) && r.state != StateReset {
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
	return nil
}

// WaitState blocks until the ring is in the given state or ctx ends.
func (r *Ring) WaitState(ctx context.Context, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.state != s {
		if !r.waitBroadcast(ctx) && r.state != s {
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
	return nil
}

// needBail reports whether the worker has to stop. mu must be held.
func (r *Ring) needBail(ctx context.Context) bool {
	return r.flags&flagRequestStop != 0 || ctx.Err() != nil
}

func (r *Ring) worker(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateSetup {
		panic(fmt.Sprintf("virtqueue: worker started in state %s", r.state))
	}

	if !r.needBail(ctx) && r.awaitStart(ctx) {
		r.run(ctx)
	}

	r.clearConfig()
	r.setState(StateReset)
	r.flags = 0
	r.kicked = false
	r.broadcast()
}

// awaitStart reports the worker alive and waits for the start request. The
// lease is kept fresh while waiting. It returns false when the ring has to be
// torn down instead. mu must be held.
func (r *Ring) awaitStart(ctx context.Context) bool {
	r.setState(StateInit)
	r.broadcast()

	for r.flags == 0 {
		if r.leaseLost() {
			if err := r.renewLease(); err != nil {
				r.l.WithError(err).Error("Failed to renew lease while waiting for start")
				return false
			}
		}

		r.wait(ctx)

		if r.needBail(ctx) {
			return false
		}
	}

	r.setState(StateRun)
	r.flags &^= flagRequestStart
	r.broadcast()

	if r.leaseLost() {
		if err := r.renewLease(); err != nil {
			r.l.WithError(err).Error("Failed to renew lease before running")
			return false
		}
	}
	return true
}

// run hands the ring to the processor whenever it was kicked, until a stop is
// requested, the lease cannot be renewed or the processor fails. mu must be
// held.
func (r *Ring) run(ctx context.Context) {
	for !r.needBail(ctx) {
		if r.leaseLost() {
			if err := r.renewLease(); err != nil {
				r.l.WithError(err).Error("Failed to renew lease")
				break
			}
		}

		r.kicked = false
		r.mu.Unlock()
		err := r.processor.Process(r)
		r.mu.Lock()
		if err != nil {
			r.l.WithError(err).Error("Ring processing failed")
			break
		}

		for !r.kicked && !r.needBail(ctx) && !r.leaseLost() {
			r.wait(ctx)
		}
	}

	r.setState(StateStop)
	r.broadcast()
}
