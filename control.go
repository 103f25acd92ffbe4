package vring

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/link"
	"golang.org/x/sync/errgroup"
)

// Control owns the guest memory and the link created by [Main] and runs the
// host side of the device.
type Control struct {
	l          *logrus.Logger
	mem        *guestmem.Memory
	link       *link.Link
	queueSize  int
	selfTest   selfTestConfig
	statsStart func()
	interrupts metrics.Counter

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	done   chan struct{}
	err    error

	stopOnce sync.Once
}

// Link returns the link run by the control.
func (c *Control) Link() *link.Link {
	return c.link
}

// Memory returns the guest memory the link operates on.
func (c *Control) Memory() *guestmem.Memory {
	return c.mem
}

// Start runs the device, this is a nonblocking call. To block use
// Control.ShutdownBlock() or Control.Wait().
//
// With the self-test enabled the control acts as the guest and exchanges
// frames with the link. Otherwise it delivers interrupts the link raises.
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	g, ctx := errgroup.WithContext(c.ctx)
	c.g = g
	if c.selfTest.enabled {
		g.Go(func() error {
			return c.runSelfTest(ctx)
		})
	} else {
		g.Go(func() error {
			return c.deliverInterrupts(ctx)
		})
	}

	go func() {
		c.err = g.Wait()
		close(c.done)
	}()
}

// deliverInterrupts acknowledges every interrupt the link raises until ctx
// ends.
func (c *Control) deliverInterrupts(ctx context.Context) error {
	for {
		pending, err := c.link.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, link.ErrLinkClosed) {
				return nil
			}
			return err
		}

		for _, i := range pending {
			c.interrupts.Inc(1)
			c.l.WithField("queue", i).Debug("Delivering interrupt")
			if err := c.link.RingIntrClear(i); err != nil {
				return err
			}
		}
	}
}

// Wait blocks until the work started by Start ends and returns its error. A
// finished self-test ends the work, interrupt delivery runs until Stop.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Stop shuts the device down and returns after all rings are reset and the
// guest memory is released.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		if c.g != nil {
			<-c.done
		}

		if err := c.link.Close(); err != nil {
			c.l.WithError(err).Error("Close link failed")
		}
		if err := c.mem.Close(); err != nil {
			c.l.WithError(err).Error("Release guest memory failed")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Control.Stop() once signalled. It also returns once the started work
// ended on its own and reports its error.
func (c *Control) ShutdownBlock() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var err error
	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		err = c.err
	}

	c.Stop()
	return err
}
