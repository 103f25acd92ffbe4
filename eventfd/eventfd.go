// Package eventfd wraps Linux eventfd and epoll descriptors for host side
// event delivery.
package eventfd

import (
	"encoding/binary"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter.
type EventFD struct {
	fd int
}

// New creates a non-blocking eventfd.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{fd: -1}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick adds one to the counter, making the descriptor readable.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Clear resets the counter. It returns the value the counter had, which is
// zero if the descriptor was not readable.
func (e *EventFD) Clear() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close closes the descriptor. Closing an already closed EventFD is a no-op.
func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return unix.Close(fd)
}

// FD returns the file descriptor.
func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits for readability of a set of descriptors.
type Epoll struct {
	fd     int
	events []syscall.EpollEvent
}

// NewEpoll creates an epoll instance that reports up to maxEvents descriptors
// per [Epoll.Block].
func NewEpoll(maxEvents int) (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{fd: -1}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]syscall.EpollEvent, max(maxEvents, 1)),
	}, nil
}

// AddEvent watches fdToAdd for readability.
func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until at least one watched descriptor is readable and returns
// the readable descriptors. The returned slice is only valid until the next
// call. An interrupted wait returns no descriptors and no error.
func (ep *Epoll) Block(ready []int) ([]int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return ready[:0], nil
		}
		return ready[:0], err
	}
	ready = ready[:0]
	for _, ev := range ep.events[:n] {
		ready = append(ready, int(ev.Fd))
	}
	return ready, nil
}

// Close closes the epoll instance.
func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	fd := ep.fd
	ep.fd = -1
	return unix.Close(fd)
}
