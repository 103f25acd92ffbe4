package guestmem

import "errors"

// ErrLeaseDenied is returned by [Provider.AcquireLease] when the provider
// refuses to hand out new leases.
var ErrLeaseDenied = errors.New("lease denied")

// Lease grants temporary access to guest memory. A lease may be revoked by its
// provider at any time: it then reports itself as expired and the holder is
// expected to release it and acquire a new one.
type Lease interface {
	// Expired reports whether the provider has revoked the lease.
	Expired() bool

	// Translate returns a page sized view of the guest page at gpa, which must
	// be page aligned. It returns nil when the page is not backed by guest
	// memory or the lease was released.
	Translate(gpa uint64) []byte

	// InjectMSI delivers a message signaled interrupt to the guest.
	InjectMSI(addr, msg uint64) error
}

// Provider hands out leases on guest memory.
type Provider interface {
	// AcquireLease returns a fresh lease. onExpire is called, from an arbitrary
	// goroutine and without any provider lock held, when the lease is revoked.
	AcquireLease(onExpire func()) (Lease, error)

	// ReleaseLease gives a lease back to the provider. Releasing a lease more
	// than once is harmless.
	ReleaseLease(Lease)
}
