package virtqueue

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Stats holds the counters of a [Ring]. Guest protocol violations never fail
// the ring, they only show up here.
type Stats struct {
	NdescTooHigh  metrics.Counter
	BadIdx        metrics.Counter
	DescBadLen    metrics.Counter
	IndirBadLen   metrics.Counter
	IndirBadNest  metrics.Counter
	IndirBadNext  metrics.Counter
	TooManyDesc   metrics.Counter
	BadRingAddr   metrics.Counter
	Popped        metrics.Counter
	Pushed        metrics.Counter
	Interrupts    metrics.Counter
	MSIFailures   metrics.Counter
	LeaseRenewals metrics.Counter
}

// StatsSnapshot is a point in time copy of [Stats].
type StatsSnapshot struct {
	NdescTooHigh  int64
	BadIdx        int64
	DescBadLen    int64
	IndirBadLen   int64
	IndirBadNest  int64
	IndirBadNext  int64
	TooManyDesc   int64
	BadRingAddr   int64
	Popped        int64
	Pushed        int64
	Interrupts    int64
	MSIFailures   int64
	LeaseRenewals int64
}

// Faults returns the sum of all guest protocol violation counters.
func (s StatsSnapshot) Faults() int64 {
	return s.NdescTooHigh + s.BadIdx + s.DescBadLen + s.IndirBadLen + s.IndirBadNest +
		s.IndirBadNext + s.TooManyDesc + s.BadRingAddr
}

func newStats(r metrics.Registry, prefix string) *Stats {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s", prefix, name), r)
	}
	return &Stats{
		NdescTooHigh:  c("ndesc_too_high"),
		BadIdx:        c("bad_idx"),
		DescBadLen:    c("desc_bad_len"),
		IndirBadLen:   c("indir_bad_len"),
		IndirBadNest:  c("indir_bad_nest"),
		IndirBadNext:  c("indir_bad_next"),
		TooManyDesc:   c("too_many_desc"),
		BadRingAddr:   c("bad_ring_addr"),
		Popped:        c("popped"),
		Pushed:        c("pushed"),
		Interrupts:    c("interrupts"),
		MSIFailures:   c("msi_failures"),
		LeaseRenewals: c("lease_renewals"),
	}
}

func (s *Stats) counters() []metrics.Counter {
	return []metrics.Counter{
		s.NdescTooHigh, s.BadIdx, s.DescBadLen, s.IndirBadLen, s.IndirBadNest,
		s.IndirBadNext, s.TooManyDesc, s.BadRingAddr, s.Popped, s.Pushed,
		s.Interrupts, s.MSIFailures, s.LeaseRenewals,
	}
}

func (s *Stats) clear() {
	for _, c := range s.counters() {
		c.Clear()
	}
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		NdescTooHigh:  s.NdescTooHigh.Count(),
		BadIdx:        s.BadIdx.Count(),
		DescBadLen:    s.DescBadLen.Count(),
		IndirBadLen:   s.IndirBadLen.Count(),
		IndirBadNest:  s.IndirBadNest.Count(),
		IndirBadNext:  s.IndirBadNext.Count(),
		TooManyDesc:   s.TooManyDesc.Count(),
		BadRingAddr:   s.BadRingAddr.Count(),
		Popped:        s.Popped.Count(),
		Pushed:        s.Pushed.Count(),
		Interrupts:    s.Interrupts.Count(),
		MSIFailures:   s.MSIFailures.Count(),
		LeaseRenewals: s.LeaseRenewals.Count(),
	}
}
