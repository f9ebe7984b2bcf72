package iotrace

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the drain-latency histogram buckets in nanoseconds
// (time from the drain loop taking a record off the ring to its sink write
// completing), logarithmically
// spaced from 1us to 10s, in the teacher's exact bucket layout.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks session-wide trace throughput and drain latency, one
// instance per TraceManager session, fed by every per-CPU consumer worker.
type Metrics struct {
	// Record counters, by type.
	IORecords         atomic.Uint64
	IOCompletionRecs  atomic.Uint64
	FSMetaRecords     atomic.Uint64
	FSFileNameRecords atomic.Uint64
	FSFileEventRecs   atomic.Uint64
	DeviceDescRecords atomic.Uint64
	PaddingRecords    atomic.Uint64

	// Byte counters.
	BytesProduced atomic.Uint64
	BytesWritten  atomic.Uint64

	// Loss and error counters.
	LostRecords     atomic.Uint64 // sum of ring lost_count across CPUs
	CompatErrors    atomic.Uint64
	SinkWriteErrors atomic.Uint64

	// Drain performance tracking.
	TotalDrainLatencyNs atomic.Uint64
	DrainCount          atomic.Uint64
	LatencyHistBuckets  [numLatencyBuckets]atomic.Uint64

	// Session lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a Metrics instance stamped with the current time as
// the session start.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordEmitted accounts for one record of the given wire type that a
// consumer worker drained from a ring and wrote to the sink.
func (m *Metrics) RecordEmitted(recordType uint16, bodyBytes uint64) {
	switch recordType {
	case recordTypeIO:
		m.IORecords.Add(1)
	case recordTypeIOCompletion:
		m.IOCompletionRecs.Add(1)
	case recordTypeFSMeta:
		m.FSMetaRecords.Add(1)
	case recordTypeFSFileName:
		m.FSFileNameRecords.Add(1)
	case recordTypeFSFileEvent:
		m.FSFileEventRecs.Add(1)
	case recordTypeDeviceDesc:
		m.DeviceDescRecords.Add(1)
	case recordTypePadding:
		m.PaddingRecords.Add(1)
	}
	m.BytesProduced.Add(bodyBytes)
}

// recordType* mirror internal/trace.RecordType values without importing
// that package here, since metrics.go is a root-level ambient-stack file
// the way the teacher's metrics.go is, and the teacher's root package does
// not import its own internal packages for constants.
const (
	recordTypePadding     = 0
	recordTypeDeviceDesc  = 1
	recordTypeIO          = 2
	recordTypeIOCompletion = 3
	recordTypeFSMeta      = 4
	recordTypeFSFileName  = 5
	recordTypeFSFileEvent = 6
)

// RecordLost accounts for n records a ring's producer failed to reserve.
func (m *Metrics) RecordLost(n uint64) { m.LostRecords.Add(n) }

// RecordSinkWrite accounts for bytes written to the session sink and the
// latency from the drain loop taking the record off the ring to the write
// completing.
func (m *Metrics) RecordSinkWrite(bytes uint64, latencyNs uint64) {
	m.BytesWritten.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordSinkError accounts for a failed sink write.
func (m *Metrics) RecordSinkError() { m.SinkWriteErrors.Add(1) }

// RecordCompatError accounts for a consumer refusing to attach due to a
// magic or major-version mismatch.
func (m *Metrics) RecordCompatError() { m.CompatErrors.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalDrainLatencyNs.Add(latencyNs)
	m.DrainCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistBuckets[i].Add(1)
		}
	}
}

// Stop stamps the session stop time.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// Snapshot is a point-in-time, race-free copy of Metrics suitable for
// populating a TraceSummary or logging.
type Snapshot struct {
	IORecords         uint64
	IOCompletionRecs  uint64
	FSMetaRecords     uint64
	FSFileNameRecords uint64
	FSFileEventRecs   uint64
	DeviceDescRecords uint64
	PaddingRecords    uint64

	BytesProduced uint64
	BytesWritten  uint64

	LostRecords     uint64
	CompatErrors    uint64
	SinkWriteErrors uint64

	AvgDrainLatencyNs uint64
	UptimeNs          uint64
	LatencyHistogram  [numLatencyBuckets]uint64

	TotalRecords uint64
	LossRate     float64 // percentage of total (recorded + lost) that were lost
}

// Snapshot takes a consistent-enough snapshot of m for reporting. Like the
// teacher's MetricsSnapshot, individual atomic loads are not mutually
// consistent under concurrent writers, which is acceptable for a reporting
// snapshot rather than a correctness-critical read.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		IORecords:         m.IORecords.Load(),
		IOCompletionRecs:  m.IOCompletionRecs.Load(),
		FSMetaRecords:     m.FSMetaRecords.Load(),
		FSFileNameRecords: m.FSFileNameRecords.Load(),
		FSFileEventRecs:   m.FSFileEventRecs.Load(),
		DeviceDescRecords: m.DeviceDescRecords.Load(),
		PaddingRecords:    m.PaddingRecords.Load(),
		BytesProduced:     m.BytesProduced.Load(),
		BytesWritten:      m.BytesWritten.Load(),
		LostRecords:       m.LostRecords.Load(),
		CompatErrors:      m.CompatErrors.Load(),
		SinkWriteErrors:   m.SinkWriteErrors.Load(),
	}

	s.TotalRecords = s.IORecords + s.IOCompletionRecs + s.FSMetaRecords +
		s.FSFileNameRecords + s.FSFileEventRecs + s.DeviceDescRecords

	if produced := s.TotalRecords + s.LostRecords; produced > 0 {
		s.LossRate = float64(s.LostRecords) / float64(produced) * 100.0
	}

	drainCount := m.DrainCount.Load()
	if drainCount > 0 {
		s.AvgDrainLatencyNs = m.TotalDrainLatencyNs.Load() / drainCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyHistBuckets[i].Load()
	}

	return s
}
