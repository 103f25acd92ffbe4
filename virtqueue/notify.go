package virtqueue

import (
	"github.com/sirupsen/logrus"
)

// DisableNotify advises the guest not to kick the ring when it makes buffers
// available. Guests may ignore the advice.
func (r *Ring) DisableNotify() {
	if m := r.mapping.Load(); m != nil {
		UpdateRingFlags(m.usedHeader(), usedRingFlagNoNotify, 0)
	}
}

// EnableNotify asks the guest to kick the ring again. Callers should check
// [Ring.NumAvailable] afterwards to catch buffers made available while
// notifications were disabled.
func (r *Ring) EnableNotify() {
	if m := r.mapping.Load(); m != nil {
		UpdateRingFlags(m.usedHeader(), 0, usedRingFlagNoNotify)
	}
}

// Interrupt signals the guest that used buffers are ready. Unless force is
// set, the interrupt is skipped when the guest asked not to be interrupted.
//
// When an MSI is configured it is injected through the held lease. Otherwise
// the interrupt becomes pending and the host interrupt function is called on
// the transition to pending only.
func (r *Ring) Interrupt(force bool) {
	m := r.mapping.Load()
	if m == nil {
		return
	}

	if !force {
		flags, _ := LoadRingHeader(m.availableHeader())
		if flags&availableRingFlagNoInterrupt != 0 {
			return
		}
	}

	r.mu.Lock()
	addr, msg := r.msiAddr, r.msiMsg
	r.mu.Unlock()

	if addr != 0 {
		if err := m.lease.InjectMSI(addr, msg); err != nil {
			r.stats.MSIFailures.Inc(1)
			r.l.WithError(err).WithFields(logrus.Fields{"addr": addr, "msg": msg}).
				Warn("Failed to inject MSI")
			return
		}
		r.stats.Interrupts.Inc(1)
		return
	}

	if r.intrPending.CompareAndSwap(0, 1) {
		r.stats.Interrupts.Inc(1)
		r.hostInterrupt()
	}
}

// SetMSI configures the message signaled interrupt used by [Ring.Interrupt].
// An address of zero disables MSI delivery.
func (r *Ring) SetMSI(addr, msg uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msiAddr = addr
	r.msiMsg = msg
}

// InterruptPending reports whether an interrupt is pending that was not
// cleared yet.
func (r *Ring) InterruptPending() bool {
	return r.intrPending.Load() != 0
}

// ClearInterrupt acknowledges a pending interrupt.
func (r *Ring) ClearInterrupt() {
	r.intrPending.Store(0)
}
