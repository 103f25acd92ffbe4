// Package driver implements the guest side of a legacy split virtqueue on top
// of [guestmem.Memory]. It offers descriptor chains to a device and takes back
// the chains the device used, the way a guest virtio driver would.
package driver
