package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(Descriptor{}))
}

func TestDescriptor_MemoryLayout(t *testing.T) {
	memory := make([]byte, descriptorSize)
	Descriptor{
		Address: 0x0123456789abcdef,
		Length:  0x00045678,
		Flags:   DescriptorFlagHasNext | DescriptorFlagWritable,
		Next:    0x0304,
	}.Encode(memory)

	assert.Equal(t, []byte{
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
		0x78, 0x56, 0x04, 0x00,
		0x03, 0x00,
		0x04, 0x03,
	}, memory)
}

func TestDecodeDescriptor(t *testing.T) {
	memory := make([]byte, 2*descriptorSize)
	want := Descriptor{
		Address: 0xfee0_1000,
		Length:  1500,
		Flags:   DescriptorFlagIndirect,
		Next:    7,
	}
	want.Encode(memory[descriptorSize:])

	got := DecodeDescriptor(memory[descriptorSize:])
	assert.Equal(t, want, got)
	assert.True(t, got.indirect())
	assert.False(t, got.hasNext())

	// The decoded value is a copy.
	memory[descriptorSize+12] = 0
	assert.Equal(t, DescriptorFlagIndirect, got.Flags)
}
