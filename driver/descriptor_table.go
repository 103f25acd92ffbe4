package driver

import (
	"errors"
	"fmt"
	"math"

	"github.com/slackhq/vring/virtqueue"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// Buffer is a region of guest memory that is put into a descriptor chain.
type Buffer struct {
	Address uint64
	Length  uint32
	// Writable marks the buffer as device writable.
	Writable bool
}

func (b Buffer) flags() virtqueue.DescriptorFlag {
	if b.Writable {
		return virtqueue.DescriptorFlagWritable
	}
	return 0
}

// descriptorTable manages the descriptors of a queue. Unused descriptors form
// a circular free chain linked through their next fields.
type descriptorTable struct {
	descriptors []virtqueue.Descriptor

	// freeHeadIndex is the index of the head of the descriptor chain which
	// contains all currently unused descriptors. When all descriptors are in
	// use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

func newDescriptorTable(descriptors []virtqueue.Descriptor) *descriptorTable {
	dt := &descriptorTable{descriptors: descriptors}
	for i := range dt.descriptors {
		dt.descriptors[i] = virtqueue.Descriptor{
			// All descriptors should form a free chain that loops around.
			Flags: virtqueue.DescriptorFlagHasNext,
			Next:  uint16((i + 1) % len(dt.descriptors)),
		}
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))
	return dt
}

// createDescriptorChain takes descriptors out of the free chain and fills
// them with the given buffers. It returns the head of the new chain.
func (dt *descriptorTable) createDescriptorChain(buffers []Buffer) (uint16, error) {
	if len(buffers) == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if len(buffers) > int(dt.freeNum) {
		return 0, ErrNotEnoughFreeDescriptors
	}

	// Above validation ensured that there is at least one free descriptor, so
	// the free descriptor chain head should be valid.
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	// Chains are always created from the descriptors coming after the free
	// head, so the head itself is only touched when everything else is used.
	head := dt.descriptors[dt.freeHeadIndex].Next
	next := head
	var last uint16
	for i, b := range buffers {
		desc := &dt.descriptors[next]
		checkUnusedDescriptorLength(next, desc)

		last = next
		next = desc.Next
		desc.Address = b.Address
		desc.Length = b.Length
		desc.Flags = b.flags()
		if i < len(buffers)-1 {
			desc.Flags |= virtqueue.DescriptorFlagHasNext
		} else {
			desc.Next = 0
		}
	}

	dt.freeNum -= uint16(len(buffers))

	if dt.freeNum == 0 {
		// The last descriptor in the chain should be the free chain head
		// itself.
		if last != dt.freeHeadIndex {
			panic("descriptor chain takes up all free descriptors but does not end with the free chain head")
		}
		dt.freeHeadIndex = noFreeHead
	} else {
		// We took some descriptors out of the free chain, so make sure to close
		// the circle again.
		dt.descriptors[dt.freeHeadIndex].Next = next
	}

	return head, nil
}

// freeDescriptorChain puts the chain starting at head back into the free
// chain.
func (dt *descriptorTable) freeDescriptorChain(head uint16) error {
	if int(head) >= len(dt.descriptors) {
		return fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// The iteration is limited to the queue size to avoid ending up in an
	// endless loop when things go very wrong.
	next := head
	var tailDesc *virtqueue.Descriptor
	var chainLen uint16
	for range len(dt.descriptors) {
		if next == dt.freeHeadIndex {
			return fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]
		chainLen++

		// Set the length of all unused descriptors back to zero.
		desc.Length = 0
		desc.Address = 0

		// Is this the tail of the chain?
		if desc.Flags&virtqueue.DescriptorFlagHasNext == 0 {
			tailDesc = desc
			break
		}
		desc.Flags = virtqueue.DescriptorFlagHasNext

		// Detect loops.
		if desc.Next == head {
			return fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.Next
	}
	if tailDesc == nil {
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// The tail descriptor does not have the next flag set, but when it comes
	// back into the free chain, it should have.
	tailDesc.Flags = virtqueue.DescriptorFlagHasNext

	if dt.freeHeadIndex == noFreeHead {
		// The whole free chain was used up, so this chain becomes the new free
		// chain.
		tailDesc.Next = head
		dt.freeHeadIndex = head
	} else {
		// Attach the returned chain right after the free chain head.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.Next = freeHeadDesc.Next
		freeHeadDesc.Next = head
	}

	dt.freeNum += chainLen
	return nil
}

// checkUnusedDescriptorLength asserts that the length of an unused descriptor
// is zero, as it should be.
func checkUnusedDescriptorLength(index uint16, desc *virtqueue.Descriptor) {
	if desc.Length != 0 {
		panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
	}
}
