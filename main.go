package vring

import (
	"context"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/guestmem"
	"github.com/slackhq/vring/link"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/virtqueue"
	"go.yaml.in/yaml/v3"
)

type m = logrus.Fields

// Main validates the configuration and creates the guest memory and the link
// it describes. The returned [Control] is not started yet. When configTest is
// set, nothing is allocated and the returned Control must not be started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (_ *Control, err error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	if err := configLogger(l, c); err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if err := configLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	regions, err := parseRegions(c)
	if err != nil {
		return nil, util.NewContextualError("Could not parse guest.regions", nil, err)
	}

	name := c.GetString("link.name", "vnic0")
	queueSize := c.GetInt("link.queue_size", 256)
	if err := virtqueue.CheckQueueSize(queueSize); err != nil {
		return nil, util.NewContextualError("Invalid link.queue_size", m{"queueSize": queueSize}, err)
	}
	backlog := c.GetInt("link.backlog", 64)
	if backlog < 0 {
		return nil, util.NewContextualError("link.backlog must not be negative", m{"backlog": backlog}, nil)
	}

	st, err := parseSelfTest(c, regions, queueSize)
	if err != nil {
		return nil, util.NewContextualError("Invalid selftest configuration", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return &Control{l: l}, nil
	}

	mem, err := guestmem.NewMemory(l.WithField("subsystem", "guestmem"), regions...)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate guest memory", nil, err)
	}
	defer func() {
		if err != nil {
			_ = mem.Close()
		}
	}()

	k, err := link.NewLink(mem,
		link.WithName(name),
		link.WithLogger(l),
		link.WithBacklog(backlog),
		link.WithMetricsRegistry(metrics.DefaultRegistry),
	)
	if err != nil {
		return nil, util.NewContextualError("Failed to create link", m{"link": name}, err)
	}
	l.WithField("link", name).WithField("features", link.Features).
		WithField("queueSize", queueSize).Info("Link created")

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		l:          l,
		mem:        mem,
		link:       k,
		queueSize:  queueSize,
		selfTest:   st,
		statsStart: statsStart,
		ctx:        ctx,
		cancel:     cancel,
		interrupts: metrics.GetOrRegisterCounter("link."+name+".host_interrupts", metrics.DefaultRegistry),
		done:       make(chan struct{}),
	}, nil
}

// parseRegions reads the guest memory layout from guest.regions.
func parseRegions(c *config.C) ([]guestmem.Region, error) {
	raw := c.GetSlice("guest.regions", nil)
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}

	regions := make([]guestmem.Region, len(raw))
	for i, r := range raw {
		rm, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d in guest.regions is invalid", i+1)
		}

		addr, err := config.AsUint64(rm["address"])
		if err != nil {
			return nil, fmt.Errorf("entry %d.address in guest.regions is invalid: %w", i+1, err)
		}
		size, err := config.AsUint64(rm["size"])
		if err != nil {
			return nil, fmt.Errorf("entry %d.size in guest.regions is invalid: %w", i+1, err)
		}

		regions[i] = guestmem.Region{GuestPhysicalAddress: addr, Size: size}
	}
	return guestmem.ValidateRegions(regions...)
}
