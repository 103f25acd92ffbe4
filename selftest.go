package vring

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/driver"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/link"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// selfTestBufferSize is the size of every buffer the self-test guest offers.
const selfTestBufferSize = 2048

var (
	selfTestSrc = net.IPv4(192, 0, 2, 1)
	selfTestDst = net.IPv4(192, 0, 2, 2)
)

const (
	selfTestSrcPort = 4242
	selfTestDstPort = 4243
)

type selfTestConfig struct {
	enabled bool
	packets int
	timeout time.Duration
	region  guestmem.Region
	// start is where the self-test queues begin. Guest address 0 is never a
	// valid ring address so a region at 0 loses its first page.
	start uint64
}

func parseSelfTest(c *config.C, regions []guestmem.Region, queueSize int) (selfTestConfig, error) {
	st := selfTestConfig{
		enabled: c.GetBool("selftest.enabled", false),
		packets: c.GetInt("selftest.packets", 64),
		timeout: c.GetDuration("selftest.timeout", 10*time.Second),
		region:  regions[0],
	}
	st.start = st.region.GuestPhysicalAddress
	if st.start == 0 {
		st.start = hostarch.PageSize
	}
	if !st.enabled {
		return st, nil
	}

	if st.packets <= 0 {
		return st, fmt.Errorf("selftest.packets must be positive, got %d", st.packets)
	}
	if st.timeout <= 0 {
		return st, fmt.Errorf("selftest.timeout must be positive, got %s", st.timeout)
	}

	layout, err := virtqueue.NewLayout(queueSize)
	if err != nil {
		return st, err
	}
	need := (st.start - st.region.GuestPhysicalAddress) + uint64(2*layout.Size) + uint64(2*queueSize*selfTestBufferSize)
	if st.region.Size < need {
		return st, fmt.Errorf("the first guest region needs at least %d bytes for the self-test, has %d", need, st.region.Size)
	}
	return st, nil
}

// selfTestGuest plays the guest driver of the link: it places both queues in
// guest memory and exchanges frames with the device through them.
type selfTestGuest struct {
	c   *Control
	rx  *driver.Queue
	tx  *driver.Queue
	mem *guestmem.Memory

	txFree []uint64
	txBusy map[uint16]uint64
	rxBusy map[uint16]uint64

	sent     int
	received int
}

func newSelfTestGuest(c *Control) (*selfTestGuest, error) {
	base := c.selfTest.start
	rx, err := driver.NewQueue(c.mem, base, c.queueSize)
	if err != nil {
		return nil, fmt.Errorf("place receive queue: %w", err)
	}
	base += uint64(rx.Layout().Size)
	tx, err := driver.NewQueue(c.mem, base, c.queueSize)
	if err != nil {
		return nil, fmt.Errorf("place transmit queue: %w", err)
	}
	base += uint64(tx.Layout().Size)

	g := &selfTestGuest{
		c:      c,
		rx:     rx,
		tx:     tx,
		mem:    c.mem,
		txBusy: make(map[uint16]uint64),
		rxBusy: make(map[uint16]uint64),
	}

	arena := driver.NewArena(c.mem, base, c.selfTest.region.End()-base)
	for range c.queueSize {
		addr, _, err := arena.Alloc(selfTestBufferSize, 64)
		if err != nil {
			return nil, err
		}
		g.txFree = append(g.txFree, addr)

		if addr, _, err = arena.Alloc(selfTestBufferSize, 64); err != nil {
			return nil, err
		}
		if err := g.offerReceive(addr); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *selfTestGuest) offerReceive(addr uint64) error {
	head, err := g.rx.Offer([]driver.Buffer{{Address: addr, Length: selfTestBufferSize, Writable: true}})
	if err != nil {
		return fmt.Errorf("offer receive buffer: %w", err)
	}
	g.rxBusy[head] = addr
	return nil
}

// start initializes both rings and kicks them until they run.
func (g *selfTestGuest) start(ctx context.Context) error {
	k := g.c.link
	if err := k.RingInit(link.ReceiveQueueIndex, g.rx.Size(), g.rx.Address()); err != nil {
		return err
	}
	if err := k.RingInit(link.TransmitQueueIndex, g.tx.Size(), g.tx.Address()); err != nil {
		return err
	}

	for i := range link.MaxQueues {
		if err := k.RingKick(i); err != nil {
			return err
		}
		r, err := k.Ring(i)
		if err != nil {
			return err
		}
		if err := r.WaitState(ctx, virtqueue.StateRun); err != nil {
			return fmt.Errorf("queue %d did not start: %w", i, err)
		}
	}
	return nil
}

// send transmits frames while transmit buffers are free.
func (g *selfTestGuest) send(total int) error {
	kick := false
	for g.sent < total && len(g.txFree) > 0 {
		addr := g.txFree[len(g.txFree)-1]
		frame := selfTestFrame(uint32(g.sent))

		buf, err := g.mem.Slice(addr, selfTestBufferSize)
		if err != nil {
			return err
		}
		clear(buf[:virtio.NetHdrSize])
		n := copy(buf[virtio.NetHdrSize:], frame)

		head, err := g.tx.Offer([]driver.Buffer{{Address: addr, Length: uint32(virtio.NetHdrSize + n)}})
		if err != nil {
			return fmt.Errorf("offer transmit buffer: %w", err)
		}
		g.txFree = g.txFree[:len(g.txFree)-1]
		g.txBusy[head] = addr
		g.sent++
		kick = true
	}

	if kick {
		return g.c.link.RingKick(link.TransmitQueueIndex)
	}
	return nil
}

// reclaim takes completed chains off both used rings. Received frames are
// verified and their buffers offered again.
func (g *selfTestGuest) reclaim(index int) error {
	switch index {
	case link.TransmitQueueIndex:
		used, err := g.tx.TakeUsed()
		if err != nil {
			return err
		}
		for _, e := range used {
			addr, ok := g.txBusy[e.GetHead()]
			if !ok {
				return fmt.Errorf("device completed unknown transmit chain %d", e.GetHead())
			}
			delete(g.txBusy, e.GetHead())
			g.txFree = append(g.txFree, addr)
		}

	case link.ReceiveQueueIndex:
		used, err := g.rx.TakeUsed()
		if err != nil {
			return err
		}
		kick := len(used) > 0

		// Every completed head is resolved before any buffer is offered again,
		// the driver already freed them and may hand them out on the next offer.
		addrs := make([]uint64, 0, len(used))
		for _, e := range used {
			addr, ok := g.rxBusy[e.GetHead()]
			if !ok {
				return fmt.Errorf("device completed unknown receive chain %d", e.GetHead())
			}
			delete(g.rxBusy, e.GetHead())

			buf, err := g.mem.Slice(addr, uint64(e.Length))
			if err != nil {
				return err
			}
			if err := g.verify(buf); err != nil {
				return err
			}
			g.received++
			addrs = append(addrs, addr)
		}

		for _, addr := range addrs {
			if err := g.offerReceive(addr); err != nil {
				return err
			}
		}
		if kick {
			return g.c.link.RingKick(link.ReceiveQueueIndex)
		}
	}
	return nil
}

func (g *selfTestGuest) verify(buf []byte) error {
	var hdr virtio.NetHdr
	if err := hdr.Decode(buf); err != nil {
		return err
	}
	if hdr.NumBuffers != 1 {
		return fmt.Errorf("received frame spans %d buffers", hdr.NumBuffers)
	}

	seq, err := parseSelfTestFrame(buf[virtio.NetHdrSize:])
	if err != nil {
		return err
	}
	if int(seq) != g.received {
		return fmt.Errorf("received frame %d, expected %d", seq, g.received)
	}
	return nil
}

// runSelfTest sends the configured number of frames through the loopback link
// and waits for all of them to come back in order.
func (c *Control) runSelfTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.selfTest.timeout)
	defer cancel()

	l := c.l.WithField("subsystem", "selftest")
	l.WithField("packets", c.selfTest.packets).Info("Starting self-test")
	start := time.Now()

	g, err := newSelfTestGuest(c)
	if err != nil {
		return err
	}
	if err := g.start(ctx); err != nil {
		return err
	}

	for g.received < c.selfTest.packets {
		if err := g.send(c.selfTest.packets); err != nil {
			return err
		}

		pending, err := c.link.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("self-test timed out after receiving %d of %d frames", g.received, c.selfTest.packets)
			}
			return err
		}
		for _, i := range pending {
			c.interrupts.Inc(1)
			if err := c.link.RingIntrClear(i); err != nil {
				return err
			}
			if err := g.reclaim(i); err != nil {
				return err
			}
		}
	}

	l.WithField("packets", g.received).WithField("duration", time.Since(start)).Info("Self-test passed")
	return nil
}

// selfTestFrame builds an IPv4 UDP frame carrying seq.
func selfTestFrame(seq uint32) []byte {
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    selfTestSrc,
		DstIP:    selfTestDst,
	}

	udp := layers.UDP{
		SrcPort: layers.UDPPort(selfTestSrcPort),
		DstPort: layers.UDPPort(selfTestDstPort),
	}
	err := udp.SetNetworkLayerForChecksum(&ip)
	if err != nil {
		panic(err)
	}

	payload := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(payload, seq)
	payload = append(payload, "vring self-test"...)

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	err = gopacket.SerializeLayers(buffer, opt, &ip, &udp, gopacket.Payload(payload))
	if err != nil {
		panic(err)
	}

	return buffer.Bytes()
}

// parseSelfTestFrame decodes a frame built by selfTestFrame and returns its
// sequence number.
func parseSelfTestFrame(frame []byte) (uint32, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	if err := packet.ErrorLayer(); err != nil {
		return 0, fmt.Errorf("decode frame: %w", err.Error())
	}

	v4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return 0, errors.New("no ipv4 layer found")
	}
	if !v4.SrcIP.Equal(selfTestSrc) || !v4.DstIP.Equal(selfTestDst) {
		return 0, fmt.Errorf("unexpected addresses %s -> %s", v4.SrcIP, v4.DstIP)
	}

	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return 0, errors.New("no udp layer found")
	}
	if udp.SrcPort != selfTestSrcPort || udp.DstPort != selfTestDstPort {
		return 0, fmt.Errorf("unexpected ports %d -> %d", udp.SrcPort, udp.DstPort)
	}

	if len(udp.Payload) < 4 {
		return 0, fmt.Errorf("payload of %d bytes is too short", len(udp.Payload))
	}
	return binary.BigEndian.Uint32(udp.Payload), nil
}
