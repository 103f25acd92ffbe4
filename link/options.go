package link

import (
	"errors"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/virtqueue"
)

type optionValues struct {
	name       string
	logger     logrus.FieldLogger
	registry   metrics.Registry
	rx         virtqueue.Processor
	tx         virtqueue.Processor
	maxBacklog int
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.name == "" {
		return errors.New("name is required")
	}
	if (o.rx == nil) != (o.tx == nil) {
		return errors.New("processors must be set for both queues or none")
	}
	if o.maxBacklog < 0 {
		return errors.New("backlog must not be negative")
	}
	return nil
}

var optionDefaults = optionValues{
	name:       "vnic0",
	maxBacklog: 64,
}

// Option can be passed to [NewLink] to influence link creation.
type Option func(*optionValues)

// WithName returns an [Option] that sets the name of the link, which is used in
// logs and metric names.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}

// WithLogger returns an [Option] that sets the logger of the link and its
// rings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *optionValues) { o.logger = l }
}

// WithMetricsRegistry returns an [Option] that sets the registry the link and
// ring counters are registered in.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

// WithProcessors returns an [Option] that replaces the loopback processors of
// the receive and transmit rings.
func WithProcessors(rx, tx virtqueue.Processor) Option {
	return func(o *optionValues) {
		o.rx = rx
		o.tx = tx
	}
}

// WithBacklog returns an [Option] that sets how many looped back frames are
// held while the guest has no receive buffers available. Zero disables the
// backlog.
func WithBacklog(frames int) Option {
	return func(o *optionValues) { o.maxBacklog = frames }
}
