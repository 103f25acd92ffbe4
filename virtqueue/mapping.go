package virtqueue

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// renewLease drops any held lease and acquires a fresh one. When the ring is
// configured, the new lease is used to map the ring pages. A mapping failure
// drops the new lease again. mu must be held.
func (r *Ring) renewLease() error {
	r.dropLease()

	// Drain a stale expiry signal of the previous lease.
	select {
	case <-r.expireCh:
	default:
	}

	lease, err := r.provider.AcquireLease(r.leaseExpired)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLeaseUnavailable, err)
	}
	r.lease = lease
	r.stats.LeaseRenewals.Inc(1)

	if r.size != 0 && r.address != 0 {
		if err := r.mapRing(); err != nil {
			r.dropLease()
			return err
		}
	}
	return nil
}

// leaseExpired is handed to the provider as the expiry callback. It must not
// block since the provider may call it from any context.
func (r *Ring) leaseExpired() {
	select {
	case r.expireCh <- struct{}{}:
	default:
	}
}

// dropLease unmaps the ring and releases the held lease, if any. mu must be
// held.
func (r *Ring) dropLease() {
	r.unmapRing()
	if r.lease != nil {
		r.provider.ReleaseLease(r.lease)
		r.lease = nil
	}
}

// leaseLost reports whether the held lease is gone or revoked. mu must be
// held.
func (r *Ring) leaseLost() bool {
	return r.lease == nil || r.lease.Expired()
}

// mapRing translates every page of the configured ring and publishes the page
// table. Nothing is published unless all pages could be translated. mu must be
// held.
func (r *Ring) mapRing() error {
	m := &ringMap{
		layout: r.layout,
		lease:  r.lease,
		pages:  make([][]byte, r.layout.Pages),
	}

	for i := range m.pages {
		gpa := r.address + uint64(i)*hostarch.PageSize
		page := r.lease.Translate(gpa)
		if len(page) < hostarch.PageSize {
			r.l.WithField("gpa", fmt.Sprintf("%#x", gpa)).Warn("Failed to map ring page")
			return fmt.Errorf("%w: page %d at %#x", ErrMapFailed, i, gpa)
		}
		m.pages[i] = page[:hostarch.PageSize:hostarch.PageSize]
	}

	r.mapping.Store(m)
	return nil
}

// unmapRing withdraws the page table. mu must be held.
func (r *Ring) unmapRing() {
	r.mapping.Store(nil)
}

// LeaseHeld reports whether the ring currently holds a lease on guest memory.
func (r *Ring) LeaseHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease != nil
}

// Mapped reports whether the ring pages are currently mapped.
func (r *Ring) Mapped() bool {
	return r.mapping.Load() != nil
}

// at returns n bytes at the given offset into the ring. The range must not
// cross a page boundary, which holds for every field of a legacy ring.
func (m *ringMap) at(off, n int) []byte {
	page := m.pages[off>>hostarch.PageShift]
	o := off & (hostarch.PageSize - 1)
	return page[o : o+n : o+n]
}

func (m *ringMap) descriptor(idx uint16) Descriptor {
	return DecodeDescriptor(m.at(m.layout.Descriptor(idx), descriptorSize))
}

// availableHeader returns the available ring flags and index word.
func (m *ringMap) availableHeader() []byte {
	return m.at(m.layout.AvailableFlags, 4)
}

func (m *ringMap) usedHeader() []byte {
	return m.at(m.layout.UsedFlags, 4)
}

// translate returns the guest bytes starting at gpa up to the end of the page
// containing it, or nil when gpa is not backed by guest memory.
func (m *ringMap) translate(gpa uint64) []byte {
	off := gpa & (hostarch.PageSize - 1)
	page := m.lease.Translate(gpa - off)
	if len(page) < hostarch.PageSize {
		return nil
	}
	return page[off:hostarch.PageSize:hostarch.PageSize]
}
