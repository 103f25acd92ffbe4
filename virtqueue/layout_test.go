package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestNewLayout(t *testing.T) {
	l, err := NewLayout(256)
	require.NoError(t, err)

	assert.Equal(t, Layout{
		QueueSize:       256,
		DescriptorTable: 0,
		AvailableFlags:  4096,
		AvailableIndex:  4098,
		AvailableRing:   4100,
		UsedEvent:       4612,
		UsedFlags:       align(4614, hostarch.PageSize),
		UsedIndex:       align(4614, hostarch.PageSize) + 2,
		UsedRing:        align(4614, hostarch.PageSize) + 4,
		AvailableEvent:  align(4614, hostarch.PageSize) + 4 + 256*8,
		Size:            align(align(4614, hostarch.PageSize)+6+256*8, hostarch.PageSize),
		Pages:           align(align(4614, hostarch.PageSize)+6+256*8, hostarch.PageSize) / hostarch.PageSize,
	}, l)

	assert.Equal(t, 4100+2*3, l.AvailableEntry(3))
	assert.Equal(t, l.UsedRing+8*3, l.UsedEntry(3))
	assert.Equal(t, 16*7, l.Descriptor(7))
}

func TestNewLayout_Invalid(t *testing.T) {
	_, err := NewLayout(24)
	assert.ErrorIs(t, err, ErrQueueSizeInvalid)

	_, err = NewLayout(0)
	assert.ErrorIs(t, err, ErrQueueSizeInvalid)
}

func TestNewLayout_AllSizes(t *testing.T) {
	for qsz := 1; qsz <= MaxQueueSize; qsz <<= 1 {
		l, err := NewLayout(qsz)
		require.NoError(t, err, "queue size %d", qsz)

		// The used ring always starts on its own page.
		assert.Zero(t, l.UsedFlags%hostarch.PageSize, "queue size %d", qsz)
		assert.Zero(t, l.Size%hostarch.PageSize, "queue size %d", qsz)
		assert.Equal(t, l.Size/hostarch.PageSize, l.Pages, "queue size %d", qsz)

		// Parts must follow each other without overlapping.
		descEnd := l.DescriptorTable + qsz*descriptorSize
		assert.LessOrEqual(t, descEnd, l.AvailableFlags, "queue size %d", qsz)
		assert.Equal(t, l.AvailableFlags+2, l.AvailableIndex)
		assert.Equal(t, l.AvailableIndex+2, l.AvailableRing)
		assert.Equal(t, l.AvailableRing+2*qsz, l.UsedEvent)
		assert.Less(t, l.UsedEvent+2, l.UsedFlags+1, "queue size %d", qsz)
		assert.Equal(t, l.UsedFlags+2, l.UsedIndex)
		assert.Equal(t, l.UsedIndex+2, l.UsedRing)
		assert.Equal(t, l.UsedRing+usedElementSize*qsz, l.AvailableEvent)
		assert.LessOrEqual(t, l.AvailableEvent+2, l.Size, "queue size %d", qsz)

		// The flags and index words need to be 4-byte aligned for atomic access.
		assert.Zero(t, l.AvailableFlags%4, "queue size %d", qsz)
		assert.Zero(t, l.UsedFlags%4, "queue size %d", qsz)
	}
}

func TestAlign(t *testing.T) {
	assert.Equal(t, 0, align(0, 4096))
	assert.Equal(t, 4096, align(1, 4096))
	assert.Equal(t, 4096, align(4096, 4096))
	assert.Equal(t, 8192, align(4097, 4096))
}
