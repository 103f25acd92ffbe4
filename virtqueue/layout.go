package virtqueue

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// LegacyAlignment is the boundary the used ring of a legacy queue starts on.
// Legacy drivers lay out the whole queue in one physically contiguous span and
// align the used ring to the page size.
const LegacyAlignment = hostarch.PageSize

// availableRingSize is the number of bytes needed to store an available ring
// with the given queue size in memory: flags, index, one entry per descriptor
// and the used event word.
func availableRingSize(queueSize int) int {
	return (queueSize + 3) * 2
}

// usedRingSize is the number of bytes needed to store a used ring with the
// given queue size in memory: flags, index, one element per descriptor and the
// available event word.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// descriptorTableSize is the number of bytes needed to store the descriptor
// table with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// Layout holds the byte offsets of every part of a legacy split ring, relative
// to the guest-physical base address of the queue.
//
// The used ring starts on its own [LegacyAlignment] boundary, so a queue always
// spans at least two pages.
type Layout struct {
	QueueSize int

	DescriptorTable int

	AvailableFlags int
	AvailableIndex int
	AvailableRing  int
	UsedEvent      int

	UsedFlags      int
	UsedIndex      int
	UsedRing       int
	AvailableEvent int

	// Size is the total span of the queue, rounded up to whole pages.
	Size int
	// Pages is the number of guest pages the queue spans.
	Pages int
}

// NewLayout calculates the [Layout] of a legacy queue with the given size.
func NewLayout(queueSize int) (Layout, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return Layout{}, err
	}

	descEnd := descriptorTableSize(queueSize)
	availEnd := descEnd + availableRingSize(queueSize)
	usedStart := align(availEnd, LegacyAlignment)
	usedEnd := usedStart + usedRingSize(queueSize)
	size := align(usedEnd, LegacyAlignment)

	return Layout{
		QueueSize:       queueSize,
		DescriptorTable: 0,
		AvailableFlags:  descEnd,
		AvailableIndex:  descEnd + 2,
		AvailableRing:   descEnd + 4,
		UsedEvent:       availEnd - 2,
		UsedFlags:       usedStart,
		UsedIndex:       usedStart + 2,
		UsedRing:        usedStart + 4,
		AvailableEvent:  usedEnd - 2,
		Size:            size,
		Pages:           size / hostarch.PageSize,
	}, nil
}

// Descriptor returns the offset of the descriptor with the given index.
func (l Layout) Descriptor(idx uint16) int {
	return l.DescriptorTable + int(idx)*descriptorSize
}

// AvailableEntry returns the offset of the available ring slot with the given
// index. The index must already be masked to the queue size.
func (l Layout) AvailableEntry(idx uint16) int {
	return l.AvailableRing + int(idx)*2
}

// UsedEntry returns the offset of the used ring element with the given index.
// The index must already be masked to the queue size.
func (l Layout) UsedEntry(idx uint16) int {
	return l.UsedRing + int(idx)*usedElementSize
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
