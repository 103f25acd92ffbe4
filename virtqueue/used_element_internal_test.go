package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestUsedElement_Size(t *testing.T) {
	assert.EqualValues(t, usedElementSize, unsafe.Sizeof(UsedElement{}))
}

func TestUsedElement_GetHead(t *testing.T) {
	e := UsedElement{DescriptorIndex: 0x0001_0203}
	assert.Equal(t, uint16(0x0203), e.GetHead())
}
