package virtqueue

import "errors"

var (
	// ErrInvalidAddress is returned when a ring is configured with a
	// guest-physical address that is zero or not page aligned.
	ErrInvalidAddress = errors.New("invalid ring address")

	// ErrRingBusy is returned when an operation is not possible in the
	// current lifecycle state of a ring.
	ErrRingBusy = errors.New("ring is busy")

	// ErrLeaseUnavailable is returned when no lease on guest memory could be
	// acquired for a ring.
	ErrLeaseUnavailable = errors.New("guest memory lease unavailable")

	// ErrMapFailed is returned when the pages backing a ring could not be
	// mapped.
	ErrMapFailed = errors.New("ring mapping failed")

	// ErrRingNotMapped is returned by data path operations on a ring that has
	// no mappings, e.g. because it was reset.
	ErrRingNotMapped = errors.New("ring is not mapped")

	// ErrInvalidDescriptorChain is returned when the guest offered a
	// descriptor chain that violates the virtio protocol.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")

	// ErrTooManyDescriptors is returned when a descriptor chain resolves to
	// more regions than the scatter/gather vector can hold.
	ErrTooManyDescriptors = errors.New("descriptor chain exceeds vector capacity")

	// ErrBadRingAddress is returned when a guest-physical address referenced
	// by the ring could not be translated.
	ErrBadRingAddress = errors.New("bad guest address")

	// ErrInterrupted is returned when a wait was abandoned because its context
	// ended.
	ErrInterrupted = errors.New("wait interrupted")
)
