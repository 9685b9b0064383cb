package fs2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMetricsStartsWithZeroCounters(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	require.Zero(t, snap.LoadOps)
	require.Zero(t, snap.StageOps)
	require.Zero(t, snap.AvgLatencyNs)
}

func TestRecordLoadSuccessTracksBytesAndLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordLoad(128, 5_000, true)
	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.LoadOps)
	require.Equal(t, uint64(128), snap.LoadBytes)
	require.Zero(t, snap.LoadErrors)
	require.Equal(t, uint64(5_000), snap.AvgLatencyNs)
}

func TestRecordLoadFailureCountsError(t *testing.T) {
	m := NewMetrics()
	m.RecordLoad(0, 1_000, false)
	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.LoadOps)
	require.Equal(t, uint64(1), snap.LoadErrors)
	require.Zero(t, snap.LoadBytes)
}

func TestRecordStageTracksConflictsAndBytes(t *testing.T) {
	m := NewMetrics()
	m.RecordStage(64, 2_000, true, true)
	m.RecordStage(32, 2_000, false, true)
	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.StageOps)
	require.Equal(t, uint64(1), snap.ConflictOps)
	require.Equal(t, uint64(96), snap.StageBytes)
	require.Zero(t, snap.StageErrors)
}

func TestRecordStageFailureSkipsBytesAndConflict(t *testing.T) {
	m := NewMetrics()
	m.RecordStage(64, 2_000, true, false)
	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.StageErrors)
	require.Zero(t, snap.StageBytes)
	require.Zero(t, snap.ConflictOps)
}

func TestRecordFinishAndAbort(t *testing.T) {
	m := NewMetrics()
	m.RecordFinish(true)
	m.RecordFinish(false)
	m.RecordAbort()
	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.FinishOps)
	require.Equal(t, uint64(1), snap.FinishErrors)
	require.Equal(t, uint64(1), snap.AbortOps)
}

func TestRecordVotedQueueDepthTracksMaxAndAverage(t *testing.T) {
	m := NewMetrics()
	m.RecordVotedQueueDepth(3)
	m.RecordVotedQueueDepth(7)
	m.RecordVotedQueueDepth(1)
	snap := m.Snapshot()
	require.Equal(t, uint32(7), snap.MaxVotedQueueDepth)
	require.InDelta(t, float64(11)/3, snap.AvgVotedQueueDepth, 0.0001)
}

func TestLatencyHistogramBucketsAreCumulative(t *testing.T) {
	m := NewMetrics()
	m.RecordLoad(0, 500, true)       // falls in every bucket (<= 1us and above)
	m.RecordLoad(0, 50_000, true)    // falls in buckets >= 100us
	snap := m.Snapshot()

	require.Equal(t, uint64(1), snap.LatencyHistogram[0]) // 1us bucket: only the 500ns op
	require.Equal(t, uint64(2), snap.LatencyHistogram[2]) // 100us bucket: both ops
	require.Equal(t, uint64(2), snap.LatencyHistogram[numLatencyBuckets-1])
}

func TestSnapshotUptimeIsNonNegative(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(0))
}
