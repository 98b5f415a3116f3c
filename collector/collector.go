// Package collector periodically samples every Inet registered in a
// superstack.Registry and reports the results to Prometheus via the
// metrics package. This replaces the netlink inetdiag polling loop the
// package was originally built around: there is no kernel socket table to
// poll here, since the connections live inside this process's own TCP/UDP
// layers (see DESIGN.md).
package collector

import (
	"context"
	"strconv"
	"time"

	"github.com/unikernel-go/netstack/inet"
	"github.com/unikernel-go/netstack/metrics"
	"github.com/unikernel-go/netstack/superstack"
)

// last holds the previous sample of each layer's monotonic counters so Run
// can report them to Prometheus (whose Counter only supports Add, not Set)
// as deltas between samples.
type last struct {
	ip4Dropped, ip4Checksum, ip4TTL uint64
	ip6Dropped, ip6HopLimit         uint64
	arpDropped                      uint32
}

// sample reads in's layer counters, reports the deltas since prev to
// metrics, and returns the updated totals for the next cycle.
func sample(nicLabel string, in *inet.Inet, prev last) last {
	ip4 := in.IP4()
	addUint64(metrics.PacketsDropped.WithLabelValues("ip4", "drop"), prev.ip4Dropped, ip4.Dropped)
	addUint64(metrics.ChecksumErrors.WithLabelValues("ip4"), prev.ip4Checksum, ip4.ChecksumErrors)
	addUint64(metrics.PacketsDropped.WithLabelValues("ip4", "ttl"), prev.ip4TTL, ip4.TTLExceeded)

	ip6 := in.IP6()
	addUint64(metrics.PacketsDropped.WithLabelValues("ip6", "drop"), prev.ip6Dropped, ip6.Dropped)
	addUint64(metrics.PacketsDropped.WithLabelValues("ip6", "hoplimit"), prev.ip6HopLimit, ip6.HopLimitExceed)

	arpDropped := in.ARP().Stats.Dropped
	if arpDropped > prev.arpDropped {
		metrics.ARPCacheDroppedTotal.Add(float64(arpDropped - prev.arpDropped))
	}

	metrics.TCPConnectionsGauge.WithLabelValues(nicLabel).Set(float64(in.TCP().ConnectionCount()))
	metrics.UDPSocketsGauge.WithLabelValues(nicLabel).Set(float64(in.UDP().SocketCount()))
	metrics.ConntrackEntriesGauge.WithLabelValues(nicLabel).Set(float64(in.Conntrack().Len()))

	return last{
		ip4Dropped:  ip4.Dropped,
		ip4Checksum: ip4.ChecksumErrors,
		ip4TTL:      ip4.TTLExceeded,
		ip6Dropped:  ip6.Dropped,
		ip6HopLimit: ip6.HopLimitExceed,
		arpDropped:  arpDropped,
	}
}

func addUint64(c prometheusCounter, prev, cur uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

// prometheusCounter is the minimal interface collector needs from a
// counter: both prometheus.Counter and the result of CounterVec's
// WithLabelValues satisfy it.
type prometheusCounter interface {
	Add(float64)
}

// Run samples every Inet in reg once per interval until ctx is cancelled.
func Run(ctx context.Context, reg *superstack.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := make(map[int]last)
	for ctx.Err() == nil {
		start := time.Now()
		reg.Each(func(index int, in *inet.Inet) {
			prev[index] = sample("nic"+strconv.Itoa(index), in, prev[index])
		})
		metrics.PollingHistogram.Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
