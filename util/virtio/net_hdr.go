package virtio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Workaround to make Go doc links work.
var _ unix.Errno

// NetHdrSize is the number of bytes needed to store a [NetHdr] in memory when
// [FeatureNetMergeRXBuffers] is negotiated.
const NetHdrSize = 12

// LegacyNetHdrSize is the size of the header without the NumBuffers field.
const LegacyNetHdrSize = 10

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr defines the virtio_net_hdr that precedes every packet on the queues
// of a network device. Legacy devices use the native byte order of the guest.
type NetHdr struct {
	// Flags that describe the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_F_NEEDS_CSUM]
	//   - [unix.VIRTIO_NET_HDR_F_DATA_VALID]
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used for
	// the packet, e.g. [unix.VIRTIO_NET_HDR_GSO_NONE].
	GSOType uint8
	// HdrLen is the number of bytes from the beginning of the packet to the
	// beginning of the transport payload.
	HdrLen uint16
	// GSOSize contains the maximum size of each segmented packet beyond the
	// header. In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart contains the offset within the packet from which on the
	// checksum should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the computed
	// 16-bit checksum should be inserted.
	CsumOffset uint16
	// NumBuffers contains the number of merged descriptor chains when
	// [FeatureNetMergeRXBuffers] is negotiated.
	// This field is only used for packets received by the driver and should be
	// zero for transmitted packets.
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must contain
// at least [NetHdrSize] bytes.
func (v *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	v.Flags = data[0]
	v.GSOType = data[1]
	v.HdrLen = binary.NativeEndian.Uint16(data[2:4])
	v.GSOSize = binary.NativeEndian.Uint16(data[4:6])
	v.CsumStart = binary.NativeEndian.Uint16(data[6:8])
	v.CsumOffset = binary.NativeEndian.Uint16(data[8:10])
	v.NumBuffers = binary.NativeEndian.Uint16(data[10:12])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must have
// room for at least [NetHdrSize] bytes.
func (v *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	data[0] = v.Flags
	data[1] = v.GSOType
	binary.NativeEndian.PutUint16(data[2:4], v.HdrLen)
	binary.NativeEndian.PutUint16(data[4:6], v.GSOSize)
	binary.NativeEndian.PutUint16(data[6:8], v.CsumStart)
	binary.NativeEndian.PutUint16(data[8:10], v.CsumOffset)
	binary.NativeEndian.PutUint16(data[10:12], v.NumBuffers)
	return nil
}
