package virtqueue

import (
	"encoding/binary"
)

// DescriptorFlag is a flag that describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	DescriptorFlagHasNext DescriptorFlag = 1 << iota
	// DescriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	DescriptorFlagWritable
	// DescriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	DescriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// DescriptorSize is the size of one descriptor record in guest memory, both in
// the descriptor table and in indirect tables.
const DescriptorSize = descriptorSize

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [DescriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers.
//
// The field order matches the guest memory layout.
type Descriptor struct {
	// Address is the guest-physical address of the buffer.
	Address uint64
	// Length is the amount of bytes stored at Address.
	Length uint32
	// Flags that describe this descriptor.
	Flags DescriptorFlag
	// Next contains the index of the next descriptor continuing this
	// descriptor chain when the [DescriptorFlagHasNext] flag is set.
	Next uint16
}

// DecodeDescriptor copies a descriptor out of b, which must hold at least
// [DescriptorSize] bytes. The returned value does not alias b.
func DecodeDescriptor(b []byte) Descriptor {
	_ = b[descriptorSize-1]
	return Descriptor{
		Address: binary.NativeEndian.Uint64(b[0:8]),
		Length:  binary.NativeEndian.Uint32(b[8:12]),
		Flags:   DescriptorFlag(binary.NativeEndian.Uint16(b[12:14])),
		Next:    binary.NativeEndian.Uint16(b[14:16]),
	}
}

// Encode writes the descriptor into b, which must hold at least
// [DescriptorSize] bytes.
func (d Descriptor) Encode(b []byte) {
	_ = b[descriptorSize-1]
	binary.NativeEndian.PutUint64(b[0:8], d.Address)
	binary.NativeEndian.PutUint32(b[8:12], d.Length)
	binary.NativeEndian.PutUint16(b[12:14], uint16(d.Flags))
	binary.NativeEndian.PutUint16(b[14:16], d.Next)
}

func (d Descriptor) hasNext() bool {
	return d.Flags&DescriptorFlagHasNext != 0
}

func (d Descriptor) indirect() bool {
	return d.Flags&DescriptorFlagIndirect != 0
}
