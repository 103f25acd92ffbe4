// Package virtqueue implements the device side of a legacy (split ring) virtio
// queue as described in the virtio 1.2 standard:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// A [Ring] maps the guest-resident descriptor table, available ring and used
// ring through a revocable lease on guest memory, walks descriptor chains that
// the guest made available into scatter/gather vectors, publishes completions
// back into the used ring and runs a dedicated worker per queue that hands the
// ring to a [Processor].
//
// Everything read from guest memory is treated as hostile: descriptors are
// copied before they are validated and every index, length and address is
// bounds checked before use.
package virtqueue
