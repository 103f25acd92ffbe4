package link

import (
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

const (
	// maxSegments is the number of guest memory regions a single chain may
	// resolve to.
	maxSegments = 64
	// maxFrameSize is the largest frame accepted on the transmit ring,
	// including its header.
	maxFrameSize = virtio.NetHdrSize + 65535
)

// loopback delivers every frame the guest transmits back into the receive
// ring of the same link.
type loopback struct {
	k *Link
	l logrus.FieldLogger

	// Only used by the transmit worker.
	txIOV [][]byte
	frame []byte

	// mu serializes deliveries into the receive ring.
	mu         sync.Mutex
	rxIOV      [][]byte
	hdr        [virtio.NetHdrSize]byte
	backlog    [][]byte
	maxBacklog int

	txFrames metrics.Counter
	txErrors metrics.Counter
	rxFrames metrics.Counter
	rxDrops  metrics.Counter
}

func newLoopback(k *Link, maxBacklog int, registry metrics.Registry, l logrus.FieldLogger) *loopback {
	prefix := "link." + k.name + "."
	lb := &loopback{
		k:          k,
		l:          l,
		txIOV:      make([][]byte, maxSegments),
		frame:      make([]byte, 0, maxFrameSize),
		rxIOV:      make([][]byte, maxSegments),
		maxBacklog: maxBacklog,
		txFrames:   metrics.GetOrRegisterCounter(prefix+"tx_frames", registry),
		txErrors:   metrics.GetOrRegisterCounter(prefix+"tx_errors", registry),
		rxFrames:   metrics.GetOrRegisterCounter(prefix+"rx_frames", registry),
		rxDrops:    metrics.GetOrRegisterCounter(prefix+"rx_drops", registry),
	}

	hdr := virtio.NetHdr{NumBuffers: 1}
	if err := hdr.Encode(lb.hdr[:]); err != nil {
		panic(err)
	}
	return lb
}

func (lb *loopback) transmitProcessor() virtqueue.Processor {
	return virtqueue.ProcessorFunc(lb.transmit)
}

func (lb *loopback) receiveProcessor() virtqueue.Processor {
	return virtqueue.ProcessorFunc(lb.receive)
}

// transmit drains the transmit ring. Notifications stay disabled while
// draining; after enabling them again the ring is checked once more so a kick
// that raced the drain is not lost.
func (lb *loopback) transmit(tx *virtqueue.Ring) error {
	for {
		tx.DisableNotify()
		stalled := lb.drainTransmit(tx)
		tx.EnableNotify()
		if stalled || tx.NumAvailable() == 0 {
			return nil
		}
	}
}

// drainTransmit processes chains until the ring is empty. It reports whether
// the ring is stalled on a chain that cannot be processed, which is the case
// when the guest offered a bad chain or the ring lost its mapping.
func (lb *loopback) drainTransmit(tx *virtqueue.Ring) (stalled bool) {
	rx := lb.k.rings[ReceiveQueueIndex]
	var pushed, delivered int
	defer func() {
		if pushed > 0 {
			tx.Interrupt(false)
		}
		if delivered > 0 {
			rx.Interrupt(false)
		}
	}()

	for {
		n, head, err := tx.PopChain(lb.txIOV)
		if err != nil {
			if !errors.Is(err, virtqueue.ErrRingNotMapped) {
				lb.txErrors.Inc(1)
				lb.l.WithError(err).Debug("Transmit ring stalled on a bad chain")
			}
			return true
		}
		if n == 0 {
			return false
		}

		frame, ok := gather(lb.frame[:0], lb.txIOV[:n])
		if ok && len(frame) > virtio.NetHdrSize {
			lb.txFrames.Inc(1)
			delivered += lb.deliver(rx, frame[virtio.NetHdrSize:])
		} else {
			lb.txErrors.Inc(1)
			lb.l.WithField("head", head).WithField("length", len(frame)).Debug("Dropping malformed frame")
		}
		clear(lb.txIOV[:n])

		if err := tx.PushOne(head, 0); err != nil {
			return true
		}
		pushed++
	}
}

// receive is called when the guest made receive buffers available and moves
// backlogged frames into them.
func (lb *loopback) receive(rx *virtqueue.Ring) error {
	lb.mu.Lock()
	delivered := lb.flushBacklog(rx)
	lb.mu.Unlock()

	if delivered > 0 {
		rx.Interrupt(false)
	}
	return nil
}

// deliver hands a frame to the receive ring. When the guest has no receive
// buffer available, the frame is copied into the backlog or dropped once the
// backlog is full. It returns the number of chains completed on the receive
// ring.
func (lb *loopback) deliver(rx *virtqueue.Ring, payload []byte) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	delivered := lb.flushBacklog(rx)
	if len(lb.backlog) == 0 && lb.fill(rx, payload) {
		return delivered + 1
	}

	if len(lb.backlog) >= lb.maxBacklog {
		lb.rxDrops.Inc(1)
		return delivered
	}
	lb.backlog = append(lb.backlog, append([]byte(nil), payload...))
	return delivered
}

// flushBacklog expects mu to be held.
func (lb *loopback) flushBacklog(rx *virtqueue.Ring) int {
	var delivered int
	for len(lb.backlog) > 0 && lb.fill(rx, lb.backlog[0]) {
		lb.backlog[0] = nil
		lb.backlog = lb.backlog[1:]
		delivered++
	}
	return delivered
}

// fill writes the header and payload into the next receive chain and
// completes it. It reports false when no chain could be taken off the ring. A
// chain too small for the frame is completed empty and the frame counts as
// dropped. mu must be held.
func (lb *loopback) fill(rx *virtqueue.Ring, payload []byte) bool {
	n, head, err := rx.PopChain(lb.rxIOV)
	if err != nil || n == 0 {
		if err != nil && !errors.Is(err, virtqueue.ErrRingNotMapped) {
			lb.l.WithError(err).Debug("Receive ring stalled on a bad chain")
		}
		return false
	}
	defer clear(lb.rxIOV[:n])

	var length uint32
	if written := scatter(lb.rxIOV[:n], lb.hdr[:], payload); written == len(lb.hdr)+len(payload) {
		length = uint32(written)
		lb.rxFrames.Inc(1)
	} else {
		lb.rxDrops.Inc(1)
		lb.l.WithField("head", head).WithField("length", len(payload)).Debug("Receive chain too small for frame")
	}

	if err := rx.PushOne(head, length); err != nil {
		return false
	}
	return true
}

// gather appends the contents of iov to dst. It reports false if the result
// would exceed maxFrameSize.
func gather(dst []byte, iov [][]byte) ([]byte, bool) {
	for _, b := range iov {
		if len(dst)+len(b) > maxFrameSize {
			return dst, false
		}
		dst = append(dst, b...)
	}
	return dst, true
}

// scatter copies the parts into iov one after another and returns the number
// of bytes written.
func scatter(iov [][]byte, parts ...[]byte) int {
	var written int
	for _, part := range parts {
		for len(part) > 0 && len(iov) > 0 {
			c := copy(iov[0], part)
			part = part[c:]
			iov[0] = iov[0][c:]
			if len(iov[0]) == 0 {
				iov = iov[1:]
			}
			written += c
		}
	}
	return written
}
