package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
const (
	// FeatureNotifyOnEmpty asks the device to interrupt the driver when it ran
	// out of available buffers, even if interrupts are suppressed. Legacy only.
	FeatureNotifyOnEmpty Feature = 1 << 24

	// FeatureAnyLayout indicates that the device accepts arbitrary descriptor
	// layouts instead of requiring the header in its own descriptor.
	FeatureAnyLayout Feature = 1 << 27

	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureRingEventIdx enables the used_event and avail_event fields.
	FeatureRingEventIdx Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// standard. Legacy devices never offer it.
	FeatureVersion1 Feature = 1 << 32
)

// Feature bits for networking devices.
const (
	// FeatureNetDeviceCsum indicates that the device can handle packets with
	// partial checksum (checksum offload).
	FeatureNetDeviceCsum Feature = 1 << 0

	// FeatureNetDriverCsum indicates that the driver can handle packets with
	// partial checksum.
	FeatureNetDriverCsum Feature = 1 << 1

	// FeatureNetMAC indicates that the device provides a MAC address.
	FeatureNetMAC Feature = 1 << 5

	// FeatureNetDeviceTSO4 indicates that the device supports the TCP
	// segmentation offload for IPv4 packets.
	FeatureNetDeviceTSO4 Feature = 1 << 11

	// FeatureNetMergeRXBuffers indicates that the driver can handle merged
	// receive buffers. Packets on the receive queue then carry a [NetHdr] with
	// the NumBuffers field.
	FeatureNetMergeRXBuffers Feature = 1 << 15

	// FeatureNetStatus indicates that the device configuration status field is
	// available.
	FeatureNetStatus Feature = 1 << 16
)

var featureNames = map[Feature]string{
	FeatureNotifyOnEmpty:       "NOTIFY_ON_EMPTY",
	FeatureAnyLayout:           "ANY_LAYOUT",
	FeatureIndirectDescriptors: "RING_INDIRECT_DESC",
	FeatureRingEventIdx:        "RING_EVENT_IDX",
	FeatureVersion1:            "VERSION_1",
	FeatureNetDeviceCsum:       "NET_CSUM",
	FeatureNetDriverCsum:       "NET_GUEST_CSUM",
	FeatureNetMAC:              "NET_MAC",
	FeatureNetDeviceTSO4:       "NET_HOST_TSO4",
	FeatureNetMergeRXBuffers:   "NET_MRG_RXBUF",
	FeatureNetStatus:           "NET_STATUS",
}

// Has reports whether all bits of f are set.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

func (f Feature) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for rest := f; rest != 0; {
		bit := Feature(1) << bits.TrailingZeros64(uint64(rest))
		rest &^= bit
		if name, ok := featureNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bits.TrailingZeros64(uint64(bit))))
		}
	}
	return strings.Join(names, "|")
}
