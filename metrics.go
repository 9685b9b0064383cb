package fs2

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics holds operational counters and a latency histogram for a
// storage instance. FileStorage does not update one itself; callers
// record into it with the Record* methods.
type Metrics struct {
	LoadOps      atomic.Uint64
	StageOps     atomic.Uint64
	FinishOps    atomic.Uint64
	AbortOps     atomic.Uint64
	ConflictOps  atomic.Uint64

	LoadBytes  atomic.Uint64
	StageBytes atomic.Uint64

	LoadErrors   atomic.Uint64
	StageErrors  atomic.Uint64
	FinishErrors atomic.Uint64

	VotedQueueDepthTotal atomic.Uint64
	VotedQueueDepthCount atomic.Uint64
	MaxVotedQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics returns a fresh Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordLoad records a LoadBefore call.
func (m *Metrics) RecordLoad(bytes uint64, latencyNs uint64, success bool) {
	m.LoadOps.Add(1)
	if success {
		m.LoadBytes.Add(bytes)
	} else {
		m.LoadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordStage records a Stage (vote) call; hadConflict distinguishes a
// clean vote from one that returned conflicts.
func (m *Metrics) RecordStage(bytes uint64, latencyNs uint64, hadConflict, success bool) {
	m.StageOps.Add(1)
	if !success {
		m.StageErrors.Add(1)
	} else {
		m.StageBytes.Add(bytes)
		if hadConflict {
			m.ConflictOps.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordFinish records a TpcFinish call.
func (m *Metrics) RecordFinish(success bool) {
	m.FinishOps.Add(1)
	if !success {
		m.FinishErrors.Add(1)
	}
}

// RecordAbort records a TpcAbort call.
func (m *Metrics) RecordAbort() {
	m.AbortOps.Add(1)
}

// RecordVotedQueueDepth samples the current length of the voted queue.
func (m *Metrics) RecordVotedQueueDepth(depth uint32) {
	m.VotedQueueDepthTotal.Add(uint64(depth))
	m.VotedQueueDepthCount.Add(1)
	for {
		current := m.MaxVotedQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxVotedQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for
// reporting without exposing the live atomics.
type MetricsSnapshot struct {
	LoadOps, StageOps, FinishOps, AbortOps, ConflictOps uint64
	LoadBytes, StageBytes                               uint64
	LoadErrors, StageErrors, FinishErrors                uint64
	AvgVotedQueueDepth                                   float64
	MaxVotedQueueDepth                                   uint32
	AvgLatencyNs                                         uint64
	UptimeNs                                             uint64
	LatencyHistogram                                     [numLatencyBuckets]uint64
}

// Snapshot returns a MetricsSnapshot of m's current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		LoadOps:      m.LoadOps.Load(),
		StageOps:     m.StageOps.Load(),
		FinishOps:    m.FinishOps.Load(),
		AbortOps:     m.AbortOps.Load(),
		ConflictOps:  m.ConflictOps.Load(),
		LoadBytes:    m.LoadBytes.Load(),
		StageBytes:   m.StageBytes.Load(),
		LoadErrors:   m.LoadErrors.Load(),
		StageErrors:  m.StageErrors.Load(),
		FinishErrors: m.FinishErrors.Load(),
		MaxVotedQueueDepth: m.MaxVotedQueueDepth.Load(),
	}

	depthTotal := m.VotedQueueDepthTotal.Load()
	depthCount := m.VotedQueueDepthCount.Load()
	if depthCount > 0 {
		snap.AvgVotedQueueDepth = float64(depthTotal) / float64(depthCount)
	}

	totalLatency := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatency / opCount
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}
