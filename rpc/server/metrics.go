package server

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// serverMetrics is the metric set of one server instance
type serverMetrics struct {
	set *metrics.Set

	accepted        *metrics.Counter
	established     *metrics.Counter
	closed          *metrics.Counter
	handshakeFailed *metrics.Counter
	packagesIn      *metrics.Counter
	packagesOut     *metrics.Counter
	bytesIn         *metrics.Counter
	bytesOut        *metrics.Counter
	dropped         *metrics.Counter
	duplicateSlots  *metrics.Counter
	dispatch        *metrics.Histogram
}

// newServerMetrics creates the metric set, every metric carries the listen endpoint as label
func newServerMetrics(endpoint string, connects func() int) *serverMetrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`dnet_server_%s{listen=%q}`, metric, endpoint)
	}

	m := &serverMetrics{
		set:             set,
		accepted:        set.NewCounter(name("connects_accepted_total")),
		established:     set.NewCounter(name("connects_established_total")),
		closed:          set.NewCounter(name("connects_closed_total")),
		handshakeFailed: set.NewCounter(name("handshakes_failed_total")),
		packagesIn:      set.NewCounter(name("packages_received_total")),
		packagesOut:     set.NewCounter(name("frames_sent_total")),
		bytesIn:         set.NewCounter(name("payload_received_bytes_total")),
		bytesOut:        set.NewCounter(name("payload_sent_bytes_total")),
		dropped:         set.NewCounter(name("packages_dropped_total")),
		duplicateSlots:  set.NewCounter(name("duplicate_slots_total")),
		dispatch:        set.NewHistogram(name("dispatch_duration_seconds")),
	}
	set.NewGauge(name("connects"), func() float64 {
		return float64(connects())
	})
	return m
}

func (m *serverMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
