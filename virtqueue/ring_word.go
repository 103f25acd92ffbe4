package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Both rings open with a 16-bit flags field directly followed by the 16-bit
// ring index. The pair forms one naturally aligned 32-bit word, which is the
// smallest unit Go can access atomically. All index publication and flag
// updates go through that word so that the other side observes the ring
// entries written before the index.

const (
	// availableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	availableRingFlagNoInterrupt uint16 = 1

	// usedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	usedRingFlagNoNotify uint16 = 1
)

// Exported flag values for the guest side.
const (
	AvailableFlagNoInterrupt = availableRingFlagNoInterrupt
	UsedFlagNoNotify         = usedRingFlagNoNotify
)

// ringWord returns the aligned 32-bit header word at the start of b. The bounds
// check must not read b, the other side updates the word concurrently.
func ringWord(b []byte) *uint32 {
	if len(b) < 4 {
		panic(fmt.Sprintf("ring header needs 4 bytes, got %d", len(b)))
	}
	return (*uint32)(unsafe.Pointer(&b[0]))
}

func splitWord(w uint32) (flags, index uint16) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return binary.NativeEndian.Uint16(b[0:2]), binary.NativeEndian.Uint16(b[2:4])
}

func joinWord(flags, index uint16) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint16(b[0:2], flags)
	binary.NativeEndian.PutUint16(b[2:4], index)
	return binary.NativeEndian.Uint32(b[:])
}

// LoadRingHeader atomically reads the flags and index of the ring whose header
// starts at b. b must be 4-byte aligned.
func LoadRingHeader(b []byte) (flags, index uint16) {
	return splitWord(atomic.LoadUint32(ringWord(b)))
}

// StoreRingIndex atomically publishes a new ring index while preserving the
// flags next to it.
func StoreRingIndex(b []byte, index uint16) {
	p := ringWord(b)
	for {
		old := atomic.LoadUint32(p)
		flags, _ := splitWord(old)
		if atomic.CompareAndSwapUint32(p, old, joinWord(flags, index)) {
			return
		}
	}
}

// UpdateRingFlags atomically sets and clears flag bits while preserving the
// ring index next to them. It returns the previous flags.
func UpdateRingFlags(b []byte, set, clear uint16) uint16 {
	p := ringWord(b)
	for {
		old := atomic.LoadUint32(p)
		flags, index := splitWord(old)
		if atomic.CompareAndSwapUint32(p, old, joinWord((flags|set)&^clear, index)) {
			return flags
		}
	}
}
