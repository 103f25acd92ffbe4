package virtio

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNetHdr_Size(t *testing.T) {
	assert.EqualValues(t, NetHdrSize, unsafe.Sizeof(NetHdr{}))
	assert.Equal(t, NetHdrSize-2, LegacyNetHdrSize)
}

func TestNetHdr_Encoding(t *testing.T) {
	h := NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_TCPV4,
		HdrLen:     54,
		GSOSize:    1448,
		CsumStart:  34,
		CsumOffset: 16,
		NumBuffers: 3,
	}

	buf := make([]byte, NetHdrSize+4)
	require.NoError(t, h.Encode(buf))

	// Legacy devices lay the header out in the guest's native byte order.
	assert.Equal(t, byte(unix.VIRTIO_NET_HDR_F_NEEDS_CSUM), buf[0])
	assert.Equal(t, byte(unix.VIRTIO_NET_HDR_GSO_TCPV4), buf[1])
	for off, want := range map[int]uint16{2: 54, 4: 1448, 6: 34, 8: 16, 10: 3} {
		assert.Equal(t, want, binary.NativeEndian.Uint16(buf[off:]), "offset %d", off)
	}
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[NetHdrSize:], "bytes past the header are untouched")

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf))
	assert.Equal(t, h, decoded)
}

func TestNetHdr_Receive(t *testing.T) {
	// The loopback link hands every frame to the guest in a single chain.
	buf := make([]byte, NetHdrSize)
	require.NoError(t, (&NetHdr{NumBuffers: 1}).Encode(buf))

	var h NetHdr
	require.NoError(t, h.Decode(buf))
	assert.Equal(t, NetHdr{NumBuffers: 1}, h)
	assert.Equal(t, make([]byte, LegacyNetHdrSize), buf[:LegacyNetHdrSize])
}

func TestNetHdr_BufferTooSmall(t *testing.T) {
	var h NetHdr
	assert.ErrorIs(t, h.Decode(make([]byte, LegacyNetHdrSize)), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, h.Encode(make([]byte, NetHdrSize-1)), ErrNetHdrBufferTooSmall)
}
