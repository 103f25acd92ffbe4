package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/eventfd"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sync/errgroup"
)

const (
	// ReceiveQueueIndex is the index of the ring the device delivers frames to.
	ReceiveQueueIndex = 0
	// TransmitQueueIndex is the index of the ring the guest sends frames on.
	TransmitQueueIndex = 1
	// MaxQueues is the number of rings of a link.
	MaxQueues = 2
)

var (
	ErrInvalidQueueIndex = errors.New("invalid queue index")
	ErrLinkClosed        = errors.New("link is closed")
)

// Features are the feature bits offered by the link. Frames on the receive
// ring always carry a [virtio.NetHdr] with the NumBuffers field.
const Features = virtio.FeatureNetMergeRXBuffers |
	virtio.FeatureIndirectDescriptors |
	virtio.FeatureAnyLayout

// Link is a virtual NIC with one receive and one transmit ring.
type Link struct {
	name string
	l    logrus.FieldLogger

	rings [MaxQueues]*virtqueue.Ring
	intr  [MaxQueues]*eventfd.EventFD

	// ctx is the lifetime of the link that bounds all ring workers.
	ctx    context.Context
	cancel context.CancelFunc

	pollMu sync.Mutex
	wake   *eventfd.EventFD
	epoll  *eventfd.Epoll
	ready  []int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewLink creates a link whose rings map guest memory through provider. Both
// rings start out reset.
func NewLink(provider guestmem.Provider, options ...Option) (_ *Link, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.logger = l
	}
	if opts.registry == nil {
		opts.registry = metrics.DefaultRegistry
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Link{
		name:   opts.name,
		l:      opts.logger.WithField("link", opts.name),
		ctx:    ctx,
		cancel: cancel,
		ready:  make([]int, 0, MaxQueues+1),
	}

	// Make sure to clean up in case something goes wrong.
	defer func() {
		if err != nil {
			cancel()
			err = errors.Join(err, k.closeDescriptors())
		}
	}()

	wake, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	k.wake = &wake
	epoll, err := eventfd.NewEpoll(MaxQueues + 1)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	k.epoll = &epoll
	if err = k.epoll.AddEvent(k.wake.FD()); err != nil {
		return nil, fmt.Errorf("watch wake eventfd: %w", err)
	}

	rx, tx := opts.rx, opts.tx
	if rx == nil {
		lb := newLoopback(k, opts.maxBacklog, opts.registry, k.l)
		rx, tx = lb.receiveProcessor(), lb.transmitProcessor()
	}
	processors := [MaxQueues]virtqueue.Processor{ReceiveQueueIndex: rx, TransmitQueueIndex: tx}
	names := [MaxQueues]string{ReceiveQueueIndex: "rx", TransmitQueueIndex: "tx"}

	for i := range k.rings {
		var efd eventfd.EventFD
		if efd, err = eventfd.New(); err != nil {
			return nil, fmt.Errorf("create interrupt eventfd for queue %d: %w", i, err)
		}
		intr := &efd
		k.intr[i] = intr
		if err = k.epoll.AddEvent(intr.FD()); err != nil {
			return nil, fmt.Errorf("watch interrupt eventfd for queue %d: %w", i, err)
		}

		k.rings[i] = virtqueue.NewRing(i, provider, processors[i],
			virtqueue.WithName(opts.name+"."+names[i]),
			virtqueue.WithLogger(k.l),
			virtqueue.WithMetricsRegistry(opts.registry),
			virtqueue.WithHostInterrupt(func() {
				if err := intr.Kick(); err != nil {
					k.l.WithError(err).WithField("queue", i).Warn("Failed to signal pending interrupt")
				}
			}),
		)
	}

	k.l.WithField("features", Features).Debug("Link created")
	return k, nil
}

// Name returns the name of the link.
func (k *Link) Name() string {
	return k.name
}

// Ring returns the ring with the given queue index.
func (k *Link) Ring(index int) (*virtqueue.Ring, error) {
	if index < 0 || index >= MaxQueues {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQueueIndex, index)
	}
	return k.rings[index], nil
}

func (k *Link) ring(index int) (*virtqueue.Ring, error) {
	if k.closed.Load() {
		return nil, ErrLinkClosed
	}
	return k.Ring(index)
}

// RingInit configures the ring with the given queue index and starts its
// worker.
func (k *Link) RingInit(index, size int, address uint64) error {
	r, err := k.ring(index)
	if err != nil {
		return err
	}
	return r.Init(k.ctx, size, address)
}

// RingReset stops the ring with the given queue index and waits until it is
// reset or ctx ends.
func (k *Link) RingReset(ctx context.Context, index int) error {
	r, err := k.ring(index)
	if err != nil {
		return err
	}
	return r.Reset(ctx)
}

// RingKick notifies the ring with the given queue index that the guest made
// buffers available.
func (k *Link) RingKick(index int) error {
	r, err := k.ring(index)
	if err != nil {
		return err
	}
	return r.Kick()
}

// RingSetMSI configures the message signaled interrupt of the ring with the
// given queue index.
func (k *Link) RingSetMSI(index int, addr, msg uint64) error {
	r, err := k.ring(index)
	if err != nil {
		return err
	}
	r.SetMSI(addr, msg)
	return nil
}

// RingIntrClear acknowledges the pending interrupt of the ring with the given
// queue index.
func (k *Link) RingIntrClear(index int) error {
	r, err := k.ring(index)
	if err != nil {
		return err
	}
	r.ClearInterrupt()
	return nil
}

// Poll blocks until at least one ring has a pending interrupt and returns the
// queue indexes of all rings with pending interrupts. Interrupts stay pending
// until they are cleared with [Link.RingIntrClear].
func (k *Link) Poll(ctx context.Context) ([]int, error) {
	k.pollMu.Lock()
	defer k.pollMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = k.wake.Kick()
	})
	defer stop()

	for {
		if k.closed.Load() {
			return nil, ErrLinkClosed
		}
		if pending := k.pending(); len(pending) > 0 {
			return pending, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ready, err := k.epoll.Block(k.ready)
		if err != nil {
			return nil, fmt.Errorf("wait for interrupts: %w", err)
		}
		k.ready = ready
		for _, fd := range ready {
			if err := k.clear(fd); err != nil {
				return nil, err
			}
		}
	}
}

func (k *Link) pending() []int {
	var pending []int
	for i, r := range k.rings {
		if r.InterruptPending() {
			pending = append(pending, i)
		}
	}
	return pending
}

func (k *Link) clear(fd int) error {
	if fd == k.wake.FD() {
		_, err := k.wake.Clear()
		return err
	}
	for _, intr := range k.intr {
		if fd == intr.FD() {
			_, err := intr.Clear()
			return err
		}
	}
	return nil
}

// Close stops both rings and releases all host resources. It must be called
// exactly once when the owning process exits; later calls return the result
// of the first one.
func (k *Link) Close() error {
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		k.cancel()

		// Rings have to be reset before the descriptors they signal go away.
		var g errgroup.Group
		for _, r := range k.rings {
			g.Go(func() error {
				return r.Reset(context.Background())
			})
		}
		resetErr := g.Wait()

		_ = k.wake.Kick()
		k.pollMu.Lock()
		defer k.pollMu.Unlock()
		k.closeErr = errors.Join(resetErr, k.closeDescriptors())
		k.l.Debug("Link closed")
	})
	return k.closeErr
}

func (k *Link) closeDescriptors() error {
	var errs []error
	if k.epoll != nil {
		errs = append(errs, k.epoll.Close())
	}
	if k.wake != nil {
		errs = append(errs, k.wake.Close())
	}
	for _, intr := range k.intr {
		if intr != nil {
			errs = append(errs, intr.Close())
		}
	}
	return errors.Join(errs...)
}
