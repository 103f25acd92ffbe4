package driver

import (
	"encoding/binary"
	"testing"

	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/test"
	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func newTestMemory(t *testing.T) *guestmem.Memory {
	t.Helper()
	mem, err := guestmem.NewMemory(test.NewLogger(), guestmem.Region{GuestPhysicalAddress: 0x100000, Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mem.Close())
	})
	return mem
}

func TestNewQueue_Invalid(t *testing.T) {
	mem := newTestMemory(t)

	_, err := NewQueue(mem, 0x100000, 12)
	assert.ErrorIs(t, err, virtqueue.ErrQueueSizeInvalid)
	_, err = NewQueue(mem, 0x100010, 16)
	assert.ErrorIs(t, err, virtqueue.ErrInvalidAddress)
	_, err = NewQueue(mem, 0x1ff000, 16)
	assert.ErrorIs(t, err, guestmem.ErrOutOfRange)
}

func TestQueue_Offer(t *testing.T) {
	mem := newTestMemory(t)
	q, err := NewQueue(mem, 0x100000, 16)
	require.NoError(t, err)
	l := q.Layout()

	head, err := q.Offer([]Buffer{{Address: 0x180000, Length: 100}})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), q.AvailableIndex())

	ring, err := mem.Slice(0x100000, uint64(l.Size))
	require.NoError(t, err)
	assert.Equal(t, head, binary.NativeEndian.Uint16(ring[l.AvailableEntry(0):]))
	d := virtqueue.DecodeDescriptor(ring[l.Descriptor(head):])
	assert.Equal(t, virtqueue.Descriptor{Address: 0x180000, Length: 100}, d)

	tableAddr := uint64(0x181000)
	head, err = q.OfferIndirect(tableAddr, []Buffer{
		{Address: 0x182000, Length: 10},
		{Address: 0x183000, Length: 20, Writable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(2), q.AvailableIndex())

	d = virtqueue.DecodeDescriptor(ring[l.Descriptor(head):])
	assert.Equal(t, virtqueue.Descriptor{
		Address: tableAddr,
		Length:  2 * virtqueue.DescriptorSize,
		Flags:   virtqueue.DescriptorFlagIndirect,
	}, d)

	table, err := mem.Slice(tableAddr, 2*virtqueue.DescriptorSize)
	require.NoError(t, err)
	assert.Equal(t, virtqueue.Descriptor{
		Address: 0x182000,
		Length:  10,
		Flags:   virtqueue.DescriptorFlagHasNext,
		Next:    1,
	}, virtqueue.DecodeDescriptor(table))
	assert.Equal(t, virtqueue.Descriptor{
		Address: 0x183000,
		Length:  20,
		Flags:   virtqueue.DescriptorFlagWritable,
	}, virtqueue.DecodeDescriptor(table[virtqueue.DescriptorSize:]))
}

func TestQueue_TakeUsed(t *testing.T) {
	mem := newTestMemory(t)
	q, err := NewQueue(mem, 0x100000, 4)
	require.NoError(t, err)
	l := q.Layout()

	head, err := q.Offer([]Buffer{{Address: 0x180000, Length: 100}, {Address: 0x181000, Length: 100}})
	require.NoError(t, err)
	assert.Equal(t, 2, q.NumFree())

	used, err := q.TakeUsed()
	require.NoError(t, err)
	assert.Empty(t, used)

	// Play the device.
	ring, err := mem.Slice(0x100000, uint64(l.Size))
	require.NoError(t, err)
	binary.NativeEndian.PutUint32(ring[l.UsedEntry(0):], uint32(head))
	binary.NativeEndian.PutUint32(ring[l.UsedEntry(0)+4:], 42)
	virtqueue.StoreRingIndex(ring[l.UsedFlags:], 1)

	used, err = q.TakeUsed()
	require.NoError(t, err)
	assert.Equal(t, []virtqueue.UsedElement{{DescriptorIndex: uint32(head), Length: 42}}, used)
	assert.Equal(t, 4, q.NumFree())
	assert.Equal(t, uint16(1), q.UsedIndex())
}

func TestQueue_Flags(t *testing.T) {
	mem := newTestMemory(t)
	q, err := NewQueue(mem, 0x100000, 4)
	require.NoError(t, err)

	q.SetAvailableIndex(7)
	q.SetNoInterrupt(true)
	flags, idx := virtqueue.LoadRingHeader(mustSlice(t, mem, 0x100000+uint64(q.Layout().AvailableFlags), 4))
	assert.Equal(t, virtqueue.AvailableFlagNoInterrupt, flags)
	assert.Equal(t, uint16(7), idx)

	q.SetNoInterrupt(false)
	flags, _ = virtqueue.LoadRingHeader(mustSlice(t, mem, 0x100000+uint64(q.Layout().AvailableFlags), 4))
	assert.Zero(t, flags)
	assert.Zero(t, q.UsedFlags())
}

func TestArena_Alloc(t *testing.T) {
	mem := newTestMemory(t)
	a := NewArena(mem, 0x180000, 2*hostarch.PageSize)

	addr, b, err := a.Alloc(10, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x180000), addr)
	assert.Len(t, b, 10)

	addr, _, err = a.Alloc(16, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x180010), addr)

	_, _, err = a.Alloc(16, 3)
	assert.Error(t, err)

	_, _, err = a.Alloc(2*hostarch.PageSize, hostarch.PageSize)
	assert.ErrorIs(t, err, ErrArenaExhausted)
}

func mustSlice(t *testing.T, mem *guestmem.Memory, gpa, n uint64) []byte {
	t.Helper()
	b, err := mem.Slice(gpa, n)
	require.NoError(t, err)
	return b
}
