package lgrd

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const _METRICS_NAMESPACE = "lgrd"

// Stats are the daemon counters. They are updated lock-free by the
// connection handlers and the writer goroutine.
type Stats struct {
	received       atomic.Uint64
	filtered       atomic.Uint64
	dropped        atomic.Uint64
	written        atomic.Uint64
	bytes          atomic.Uint64
	flushes        atomic.Uint64
	flushFailures  atomic.Uint64
	discarded      atomic.Uint64
	rotations      atomic.Uint64
	accepted       atomic.Uint64
	refused        atomic.Uint64
	protocolErrors atomic.Uint64
	active         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received          uint64 // decoded records, before level filtering
	Filtered          uint64 // below min_log_level
	Dropped           uint64 // rejected by a full queue
	Written           uint64 // records persisted
	Bytes             uint64 // bytes persisted
	Flushes           uint64
	FlushFailures     uint64
	Discarded         uint64 // records lost to persistent write failures
	Rotations         uint64
	Accepted          uint64 // connections
	Refused           uint64 // connections over the cap
	ProtocolErrors    uint64
	ActiveConnections int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:          s.received.Load(),
		Filtered:          s.filtered.Load(),
		Dropped:           s.dropped.Load(),
		Written:           s.written.Load(),
		Bytes:             s.bytes.Load(),
		Flushes:           s.flushes.Load(),
		FlushFailures:     s.flushFailures.Load(),
		Discarded:         s.discarded.Load(),
		Rotations:         s.rotations.Load(),
		Accepted:          s.accepted.Load(),
		Refused:           s.refused.Load(),
		ProtocolErrors:    s.protocolErrors.Load(),
		ActiveConnections: s.active.Load(),
	}
}

func counterFunc(name, help string, v *atomic.Uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: _METRICS_NAMESPACE,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

func gaugeFunc(name, help string, f func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: _METRICS_NAMESPACE,
		Name:      name,
		Help:      help,
	}, f)
}

// newRegistry builds a registry exporting s. queueLen reports the current
// number of queued items.
func newRegistry(s *Stats, queueLen func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		counterFunc("records_received_total", "Records decoded from client connections.", &s.received),
		counterFunc("records_filtered_total", "Records dropped below the minimal level.", &s.filtered),
		counterFunc("records_dropped_total", "Records dropped because the queue was full.", &s.dropped),
		counterFunc("records_written_total", "Records written to the log file.", &s.written),
		counterFunc("bytes_written_total", "Bytes written to the log file.", &s.bytes),
		counterFunc("flushes_total", "Buffer flushes.", &s.flushes),
		counterFunc("flush_failures_total", "Flushes abandoned after all retries.", &s.flushFailures),
		counterFunc("records_discarded_total", "Records lost to persistent write failures.", &s.discarded),
		counterFunc("rotations_total", "Log file rotations.", &s.rotations),
		counterFunc("connections_accepted_total", "Accepted client connections.", &s.accepted),
		counterFunc("connections_refused_total", "Connections refused over the client limit.", &s.refused),
		counterFunc("protocol_errors_total", "Connections closed on malformed frames.", &s.protocolErrors),
		gaugeFunc("connections_active", "Currently open client connections.", func() float64 { return float64(s.active.Load()) }),
		gaugeFunc("queue_length", "Items waiting in the ingestion queue.", func() float64 { return float64(queueLen()) }),
	)
	return reg
}
