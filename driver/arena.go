package driver

import (
	"errors"
	"fmt"

	"github.com/slackhq/vring/guestmem"
)

// ErrArenaExhausted is returned when an [Arena] has no space left.
var ErrArenaExhausted = errors.New("arena exhausted")

// Arena hands out guest memory for buffers and tables from a fixed range.
// Memory is never returned, an arena is meant to be thrown away as a whole.
type Arena struct {
	mem  *guestmem.Memory
	next uint64
	end  uint64
}

// NewArena creates an arena over [start, start+size).
func NewArena(mem *guestmem.Memory, start, size uint64) *Arena {
	return &Arena{mem: mem, next: start, end: start + size}
}

// Alloc reserves n bytes aligned to align, which must be a power of two. It
// returns the guest physical address and the host view of the memory.
func (a *Arena) Alloc(n, align uint64) (uint64, []byte, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, nil, fmt.Errorf("alignment %d is not a power of two", align)
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+n > a.end || addr+n < addr {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrArenaExhausted, n)
	}
	b, err := a.mem.Slice(addr, n)
	if err != nil {
		return 0, nil, err
	}
	a.next = addr + n
	return addr, b, nil
}
