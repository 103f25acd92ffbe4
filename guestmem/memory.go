package guestmem

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	// ErrInvalidRegion is returned for regions that are empty, not page
	// aligned or overlap other regions.
	ErrInvalidRegion = errors.New("invalid memory region")

	// ErrOutOfRange is returned for accesses outside of the guest memory.
	ErrOutOfRange = errors.New("guest address out of range")

	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = errors.New("lease was released")

	// ErrNoMSIHandler is returned when an MSI is injected into a memory
	// without an MSI handler.
	ErrNoMSIHandler = errors.New("no MSI handler")
)

// Region describes a range of guest physical address space.
type Region struct {
	// GuestPhysicalAddress is the physical address of the region within the
	// guest.
	GuestPhysicalAddress uint64
	// Size is the size of the region in bytes.
	Size uint64
}

// End returns the first guest physical address after the region.
func (r Region) End() uint64 {
	return r.GuestPhysicalAddress + r.Size
}

func (r Region) contains(gpa, n uint64) bool {
	return gpa >= r.GuestPhysicalAddress && n <= r.Size && gpa-r.GuestPhysicalAddress <= r.Size-n
}

type mappedRegion struct {
	Region
	buf []byte
}

// Memory is guest memory backed by anonymous host mappings. It hands out
// leases which can be revoked with [Memory.ExpireLeases] to simulate the
// hypervisor reclaiming access.
type Memory struct {
	l       logrus.FieldLogger
	regions []mappedRegion
	closed  atomic.Bool

	mu     sync.Mutex
	leases map[*lease]struct{}
	deny   bool
	msi    func(addr, msg uint64) error
}

// ValidateRegions checks that the regions are page aligned, not empty and do
// not overlap. It returns the regions ordered by address.
func ValidateRegions(regions ...Region) ([]Region, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no regions", ErrInvalidRegion)
	}

	sorted := slices.Clone(regions)
	slices.SortFunc(sorted, func(a, b Region) int {
		switch {
		case a.GuestPhysicalAddress < b.GuestPhysicalAddress:
			return -1
		case a.GuestPhysicalAddress > b.GuestPhysicalAddress:
			return 1
		}
		return 0
	})
	for i, r := range sorted {
		if r.Size == 0 || r.GuestPhysicalAddress%hostarch.PageSize != 0 || r.Size%hostarch.PageSize != 0 ||
			r.End() < r.GuestPhysicalAddress {
			return nil, fmt.Errorf("%w: %#x+%#x", ErrInvalidRegion, r.GuestPhysicalAddress, r.Size)
		}
		if i > 0 && sorted[i-1].End() > r.GuestPhysicalAddress {
			return nil, fmt.Errorf("%w: %#x+%#x overlaps %#x+%#x", ErrInvalidRegion,
				r.GuestPhysicalAddress, r.Size, sorted[i-1].GuestPhysicalAddress, sorted[i-1].Size)
		}
	}
	return sorted, nil
}

// NewMemory maps the given regions. Regions must be page aligned and must not
// overlap.
func NewMemory(l logrus.FieldLogger, regions ...Region) (_ *Memory, err error) {
	sorted, err := ValidateRegions(regions...)
	if err != nil {
		return nil, err
	}

	m := &Memory{
		l:      l,
		leases: make(map[*lease]struct{}),
	}

	// Clean up a partially mapped memory when something fails.
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	for _, r := range sorted {
		buf, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("map region %#x+%#x: %w", r.GuestPhysicalAddress, r.Size, err)
		}
		m.regions = append(m.regions, mappedRegion{Region: r, buf: buf})
	}

	return m, nil
}

// Regions returns the regions of the memory, ordered by address.
func (m *Memory) Regions() []Region {
	regions := make([]Region, len(m.regions))
	for i, r := range m.regions {
		regions[i] = r.Region
	}
	return regions
}

// Slice returns n bytes of guest memory starting at gpa. The range must be
// contained in a single region.
func (m *Memory) Slice(gpa, n uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrOutOfRange
	}
	for _, r := range m.regions {
		if r.contains(gpa, n) {
			off := gpa - r.GuestPhysicalAddress
			return r.buf[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, gpa, n)
}

// ReadAt reads len(p) bytes of guest memory at off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt writes p into guest memory at off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

func (m *Memory) page(gpa uint64) []byte {
	if gpa%hostarch.PageSize != 0 {
		return nil
	}
	b, err := m.Slice(gpa, hostarch.PageSize)
	if err != nil {
		return nil
	}
	return b
}

// AcquireLease implements [Provider].
func (m *Memory) AcquireLease(onExpire func()) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deny || m.closed.Load() {
		return nil, ErrLeaseDenied
	}

	l := &lease{m: m, onExpire: onExpire}
	m.leases[l] = struct{}{}
	return l, nil
}

// ReleaseLease implements [Provider].
func (m *Memory) ReleaseLease(l Lease) {
	ml, ok := l.(*lease)
	if !ok || ml.m != m {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ml.released.Store(true)
	delete(m.leases, ml)
}

// ExpireLeases revokes every outstanding lease. The expiry callbacks are called
// before ExpireLeases returns.
func (m *Memory) ExpireLeases() {
	m.mu.Lock()
	var callbacks []func()
	for l := range m.leases {
		if l.expired.CompareAndSwap(false, true) && l.onExpire != nil {
			callbacks = append(callbacks, l.onExpire)
		}
	}
	m.mu.Unlock()

	if m.l != nil {
		m.l.WithField("leases", len(callbacks)).Debug("Expiring guest memory leases")
	}
	for _, f := range callbacks {
		f()
	}
}

// DenyLeases makes [Memory.AcquireLease] fail while deny is set.
func (m *Memory) DenyLeases(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny = deny
}

// SetMSIHandler sets the function that receives injected MSIs.
func (m *Memory) SetMSIHandler(f func(addr, msg uint64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msi = f
}

// OutstandingLeases returns the number of leases that were acquired and not
// released yet.
func (m *Memory) OutstandingLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Close unmaps the guest memory. Every user of the memory must have stopped
// before.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, r := range m.regions {
		if err := unix.Munmap(r.buf); err != nil {
			errs = append(errs, fmt.Errorf("unmap region %#x: %w", r.GuestPhysicalAddress, err))
		}
	}
	return errors.Join(errs...)
}

type lease struct {
	m        *Memory
	onExpire func()
	expired  atomic.Bool
	released atomic.Bool
}

func (l *lease) Expired() bool {
	return l.expired.Load() || l.released.Load()
}

func (l *lease) Translate(gpa uint64) []byte {
	if l.released.Load() {
		return nil
	}
	return l.m.page(gpa)
}

func (l *lease) InjectMSI(addr, msg uint64) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}

	l.m.mu.Lock()
	f := l.m.msi
	l.m.mu.Unlock()

	if f == nil {
		return ErrNoMSIHandler
	}
	return f(addr, msg)
}
