package driver

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/virtqueue"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Queue is the guest side of a legacy split virtqueue placed in guest memory.
type Queue struct {
	mu sync.Mutex

	mem    *guestmem.Memory
	base   uint64
	layout virtqueue.Layout
	buf    []byte

	table *descriptorTable

	// inFlight holds the heads of chains created by Offer that were not
	// returned by the device yet.
	inFlight map[uint16]struct{}

	// availIndex is the driver's copy of the available ring index.
	availIndex uint16
	// lastUsed is the used ring index up to which elements were taken.
	lastUsed uint16
}

// NewQueue places a queue with the given size at the page aligned guest
// physical address base. The memory of the queue is zeroed.
func NewQueue(mem *guestmem.Memory, base uint64, size int) (*Queue, error) {
	layout, err := virtqueue.NewLayout(size)
	if err != nil {
		return nil, err
	}
	if base%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x", virtqueue.ErrInvalidAddress, base)
	}

	buf, err := mem.Slice(base, uint64(layout.Size))
	if err != nil {
		return nil, fmt.Errorf("queue memory: %w", err)
	}
	clear(buf)

	// The descriptor struct matches the memory layout of a descriptor, so the
	// table can be used in place.
	descriptors := unsafe.Slice((*virtqueue.Descriptor)(unsafe.Pointer(&buf[layout.DescriptorTable])), size)

	return &Queue{
		mem:      mem,
		base:     base,
		layout:   layout,
		buf:      buf,
		table:    newDescriptorTable(descriptors),
		inFlight: make(map[uint16]struct{}),
	}, nil
}

// Address returns the guest physical address of the queue.
func (q *Queue) Address() uint64 {
	return q.base
}

// Size returns the queue size.
func (q *Queue) Size() int {
	return q.layout.QueueSize
}

// Layout returns the layout of the queue.
func (q *Queue) Layout() virtqueue.Layout {
	return q.layout
}

// NumFree returns the number of descriptors that are not part of any chain.
func (q *Queue) NumFree() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.table.freeNum)
}

// Offer puts the given buffers into a new descriptor chain and makes it
// available to the device.
func (q *Queue) Offer(buffers []Buffer) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head, err := q.table.createDescriptorChain(buffers)
	if err != nil {
		return 0, err
	}
	q.inFlight[head] = struct{}{}
	q.publish(head)
	return head, nil
}

// OfferIndirect writes the given buffers as an indirect descriptor table at
// tableAddress and makes a chain with a single indirect descriptor referencing
// it available to the device.
func (q *Queue) OfferIndirect(tableAddress uint64, buffers []Buffer) (uint16, error) {
	if len(buffers) == 0 {
		return 0, ErrDescriptorChainEmpty
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tableLen := len(buffers) * virtqueue.DescriptorSize
	table, err := q.mem.Slice(tableAddress, uint64(tableLen))
	if err != nil {
		return 0, fmt.Errorf("indirect table: %w", err)
	}
	for i, b := range buffers {
		d := virtqueue.Descriptor{Address: b.Address, Length: b.Length, Flags: b.flags()}
		if i < len(buffers)-1 {
			d.Flags |= virtqueue.DescriptorFlagHasNext
			d.Next = uint16(i + 1)
		}
		d.Encode(table[i*virtqueue.DescriptorSize:])
	}

	head, err := q.table.createDescriptorChain([]Buffer{{Address: tableAddress, Length: uint32(tableLen)}})
	if err != nil {
		return 0, err
	}
	q.table.descriptors[head].Flags |= virtqueue.DescriptorFlagIndirect
	q.inFlight[head] = struct{}{}
	q.publish(head)
	return head, nil
}

// WriteDescriptor overwrites a descriptor of the table, bypassing the free
// chain. It is meant to hand crafted or malformed chains to a device.
func (q *Queue) WriteDescriptor(index uint16, d virtqueue.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.table.descriptors[index] = d
}

// PublishAvailable makes the chain starting at head available to the device
// without any bookkeeping.
func (q *Queue) PublishAvailable(head uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publish(head)
}

// SetAvailableIndex overwrites the available ring index.
func (q *Queue) SetAvailableIndex(index uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.availIndex = index
	virtqueue.StoreRingIndex(q.buf[q.layout.AvailableFlags:], index)
}

// publish expects mu to be held.
func (q *Queue) publish(head uint16) {
	// The 16-bit ring index may overflow. This is expected since the queue
	// size is always a power of 2 below 2^16.
	slot := q.availIndex & uint16(q.layout.QueueSize-1)
	binary.NativeEndian.PutUint16(q.buf[q.layout.AvailableEntry(slot):], head)
	q.availIndex++
	virtqueue.StoreRingIndex(q.buf[q.layout.AvailableFlags:], q.availIndex)
}

// TakeUsed returns all elements the device put into the used ring since the
// last call. Chains created by [Queue.Offer] and [Queue.OfferIndirect] are put
// back into the free chain.
func (q *Queue) TakeUsed() ([]virtqueue.UsedElement, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, usedIndex := virtqueue.LoadRingHeader(q.buf[q.layout.UsedFlags:])
	count := usedIndex - q.lastUsed
	if count == 0 {
		return nil, nil
	}

	mask := uint16(q.layout.QueueSize - 1)
	elems := make([]virtqueue.UsedElement, 0, count)
	for i := range count {
		off := q.layout.UsedEntry((q.lastUsed + i) & mask)
		e := virtqueue.UsedElement{
			DescriptorIndex: binary.NativeEndian.Uint32(q.buf[off:]),
			Length:          binary.NativeEndian.Uint32(q.buf[off+4:]),
		}
		head := e.GetHead()
		if _, ok := q.inFlight[head]; ok {
			delete(q.inFlight, head)
			if err := q.table.freeDescriptorChain(head); err != nil {
				return elems, fmt.Errorf("free chain %d: %w", head, err)
			}
		}
		elems = append(elems, e)
	}
	q.lastUsed = usedIndex
	return elems, nil
}

// SetNoInterrupt advises the device whether to interrupt the guest when it
// used buffers.
func (q *Queue) SetNoInterrupt(noInterrupt bool) {
	h := q.buf[q.layout.AvailableFlags:]
	if noInterrupt {
		virtqueue.UpdateRingFlags(h, virtqueue.AvailableFlagNoInterrupt, 0)
	} else {
		virtqueue.UpdateRingFlags(h, 0, virtqueue.AvailableFlagNoInterrupt)
	}
}

// UsedFlags returns the flags of the used ring.
func (q *Queue) UsedFlags() uint16 {
	flags, _ := virtqueue.LoadRingHeader(q.buf[q.layout.UsedFlags:])
	return flags
}

// UsedIndex returns the used ring index published by the device.
func (q *Queue) UsedIndex() uint16 {
	_, idx := virtqueue.LoadRingHeader(q.buf[q.layout.UsedFlags:])
	return idx
}

// AvailableIndex returns the available ring index published by the driver.
func (q *Queue) AvailableIndex() uint16 {
	_, idx := virtqueue.LoadRingHeader(q.buf[q.layout.AvailableFlags:])
	return idx
}
