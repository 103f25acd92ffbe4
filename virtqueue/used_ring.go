package virtqueue

import (
	"encoding/binary"
)

// PushOne returns the chain with the given head index to the guest, recording
// that length bytes were written into its device writable buffers.
func (r *Ring) PushOne(head uint16, length uint32) error {
	return r.PushMany([]UsedElement{{DescriptorIndex: uint32(head), Length: length}})
}

// PushMany returns multiple chains to the guest at once. The used index is
// published a single time after all elements were written.
func (r *Ring) PushMany(elems []UsedElement) error {
	if len(elems) == 0 {
		return nil
	}

	m := r.mapping.Load()
	if m == nil {
		return ErrRingNotMapped
	}

	r.usedMu.Lock()
	defer r.usedMu.Unlock()

	mask := uint16(m.layout.QueueSize - 1)
	idx := r.curUsed
	for _, e := range elems {
		off := m.layout.UsedEntry(idx & mask)
		// The id and length are addressed separately, the element may not be
		// contiguous in host memory.
		binary.NativeEndian.PutUint32(m.at(off, 4), e.DescriptorIndex)
		binary.NativeEndian.PutUint32(m.at(off+4, 4), e.Length)
		idx++
	}

	// The atomic store orders the element writes before the new index.
	StoreRingIndex(m.usedHeader(), idx)
	r.curUsed = idx
	r.stats.Pushed.Inc(int64(len(elems)))
	return nil
}

// UsedCursor returns the used ring index the device published last.
func (r *Ring) UsedCursor() uint16 {
	r.usedMu.Lock()
	defer r.usedMu.Unlock()
	return r.curUsed
}

// AvailableCursor returns the available ring index up to which chains were
// popped.
func (r *Ring) AvailableCursor() uint16 {
	r.availMu.Lock()
	defer r.availMu.Unlock()
	return r.curAvail
}
