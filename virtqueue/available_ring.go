package virtqueue

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// NumAvailable returns the number of descriptor chains the guest made
// available that were not popped yet. The value is computed with wraparound
// subtraction and may exceed the queue size for a misbehaving guest.
func (r *Ring) NumAvailable() uint16 {
	m := r.mapping.Load()
	if m == nil {
		return 0
	}

	r.availMu.Lock()
	defer r.availMu.Unlock()
	return r.numAvailable(m)
}

// numAvailable expects availMu to be held.
func (r *Ring) numAvailable(m *ringMap) uint16 {
	_, idx := LoadRingHeader(m.availableHeader())
	return idx - r.curAvail
}

// PopChain takes the next descriptor chain off the available ring and
// resolves its buffers into iov. The capacity of the vector is len(iov); each
// resolved region of guest memory occupies one entry and never crosses a guest
// page.
//
// It returns the number of entries filled and the head index of the chain,
// which identifies it in [Ring.PushOne]. When no chain is available, n is 0
// and err is nil. A chain that violates the protocol is rejected with an error
// and stays on the ring, the available cursor only advances for chains that
// were resolved completely.
//
// The returned slices alias guest memory and must not be used after the chain
// was pushed onto the used ring.
func (r *Ring) PopChain(iov [][]byte) (n int, head uint16, err error) {
	if len(iov) == 0 {
		panic("virtqueue: PopChain with empty vector")
	}

	m := r.mapping.Load()
	if m == nil {
		return 0, 0, ErrRingNotMapped
	}

	r.availMu.Lock()
	defer r.availMu.Unlock()

	ndesc := r.numAvailable(m)
	if ndesc == 0 {
		return 0, 0, nil
	}
	queueSize := uint16(m.layout.QueueSize)
	if ndesc > queueSize {
		// The guest claims an impossible number of chains. Carry on with the
		// next one anyway, the ring state is still well defined.
		r.stats.NdescTooHigh.Inc(1)
		r.l.WithField("available", ndesc).Debug("Guest made more chains available than the queue holds")
	}

	slot := r.curAvail & (queueSize - 1)
	head = binary.NativeEndian.Uint16(m.at(m.layout.AvailableEntry(slot), 2))

	next := head
	for n < len(iov) {
		if next >= queueSize {
			r.stats.BadIdx.Inc(1)
			return 0, 0, r.chainError(head, ErrInvalidDescriptorChain, "descriptor index %d out of range", next)
		}

		desc := m.descriptor(next)
		if !desc.indirect() {
			if n, err = r.mapBuffer(m, desc, iov, n); err != nil {
				return 0, 0, r.chainError(head, err, "")
			}
		} else {
			if desc.hasNext() {
				r.stats.IndirBadNext.Inc(1)
				return 0, 0, r.chainError(head, ErrInvalidDescriptorChain, "indirect descriptor %d has a next descriptor", next)
			}
			if n, err = r.mapIndirect(m, desc, iov, n); err != nil {
				return 0, 0, r.chainError(head, err, "")
			}
		}

		if !desc.hasNext() {
			r.curAvail++
			r.stats.Popped.Inc(1)
			return n, head, nil
		}
		next = desc.Next
	}

	r.stats.TooManyDesc.Inc(1)
	return 0, 0, r.chainError(head, ErrTooManyDescriptors, "chain continues past %d entries", len(iov))
}

func (r *Ring) chainError(head uint16, err error, format string, args ...any) error {
	if format != "" {
		err = fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
	}
	r.l.WithFields(logrus.Fields{"head": head, "error": err}).Debug("Rejected descriptor chain")
	return err
}

// mapBuffer resolves the guest region of a direct descriptor into iov,
// starting at entry n. It returns the index of the next free entry.
func (r *Ring) mapBuffer(m *ringMap, desc Descriptor, iov [][]byte, n int) (int, error) {
	if desc.Length == 0 {
		r.stats.DescBadLen.Inc(1)
		return n, fmt.Errorf("%w: zero length descriptor", ErrInvalidDescriptorChain)
	}
	if desc.Address > math.MaxUint64-uint64(desc.Length) {
		r.stats.BadRingAddr.Inc(1)
		return n, fmt.Errorf("%w: region %#x+%d overflows", ErrBadRingAddress, desc.Address, desc.Length)
	}

	gpa := desc.Address
	remaining := uint64(desc.Length)
	frontOffset := gpa & (hostarch.PageSize - 1)
	frontLen := min(remaining, hostarch.PageSize-frontOffset)
	pages := 1
	if frontLen < remaining {
		pages += int((remaining - frontLen + hostarch.PageSize - 1) / hostarch.PageSize)
	}
	if pages > len(iov)-n {
		r.stats.TooManyDesc.Inc(1)
		return n, fmt.Errorf("%w: region spans %d pages", ErrTooManyDescriptors, pages)
	}

	for remaining > 0 {
		chunk := m.translate(gpa)
		if chunk == nil {
			r.stats.BadRingAddr.Inc(1)
			return n, fmt.Errorf("%w: %#x", ErrBadRingAddress, gpa)
		}
		l := min(remaining, uint64(len(chunk)))
		iov[n] = chunk[:l:l]
		n++
		gpa += l
		remaining -= l
	}
	return n, nil
}

// mapIndirect walks the table of an indirect descriptor and resolves every
// descriptor in it into iov, starting at entry n. Each table entry is copied
// out of guest memory before it is checked, so the guest cannot change it
// between validation and use.
func (r *Ring) mapIndirect(m *ringMap, desc Descriptor, iov [][]byte, n int) (int, error) {
	count := desc.Length / descriptorSize
	if desc.Length%descriptorSize != 0 || count == 0 || count > uint32(m.layout.QueueSize) ||
		desc.Address > math.MaxUint64-uint64(desc.Length) {
		r.stats.IndirBadLen.Inc(1)
		return n, fmt.Errorf("%w: indirect table of %d bytes", ErrInvalidDescriptorChain, desc.Length)
	}

	var (
		next    uint32
		page    []byte
		pageGPA uint64 = math.MaxUint64
		raw     [descriptorSize]byte
	)
	for {
		entryGPA := desc.Address + uint64(next)*descriptorSize

		// An entry may straddle a page boundary when the table is not 16-byte
		// aligned, so copy it piecewise.
		copied := 0
		for copied < descriptorSize {
			gpa := entryGPA + uint64(copied)
			base := gpa &^ (hostarch.PageSize - 1)
			if base != pageGPA {
				page = m.lease.Translate(base)
				if len(page) < hostarch.PageSize {
					r.stats.BadRingAddr.Inc(1)
					return n, fmt.Errorf("%w: indirect table at %#x", ErrBadRingAddress, gpa)
				}
				pageGPA = base
			}
			copied += copy(raw[copied:], page[gpa-base:])
		}
		vp := DecodeDescriptor(raw[:])

		if vp.indirect() {
			r.stats.IndirBadNest.Inc(1)
			return n, fmt.Errorf("%w: nested indirect descriptor", ErrInvalidDescriptorChain)
		}
		if vp.Length == 0 {
			r.stats.DescBadLen.Inc(1)
			return n, fmt.Errorf("%w: zero length indirect descriptor", ErrInvalidDescriptorChain)
		}

		var err error
		if n, err = r.mapBuffer(m, vp, iov, n); err != nil {
			return n, err
		}

		if !vp.hasNext() {
			return n, nil
		}
		if n >= len(iov) {
			r.stats.TooManyDesc.Inc(1)
			return n, fmt.Errorf("%w: indirect chain continues past %d entries", ErrTooManyDescriptors, len(iov))
		}

		next = uint32(vp.Next)
		if next >= count {
			r.stats.IndirBadNext.Inc(1)
			return n, fmt.Errorf("%w: indirect next %d out of %d", ErrInvalidDescriptorChain, next, count)
		}
	}
}
