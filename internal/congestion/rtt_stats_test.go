package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTStatsDefaultsBeforeUpdate(t *testing.T) {
	var rtt RTTStats
	require.Zero(t, rtt.MinRTT())
	require.Zero(t, rtt.SmoothedRTT())
	require.False(t, rtt.HasMeasurement())
	require.Equal(t, defaultInitialRTT, rtt.SmoothedOrInitialRTT())
	require.Equal(t, 2*defaultInitialRTT, rtt.PTO())
}

func TestRTTStatsFirstMeasurement(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(300*time.Millisecond, 0)
	require.True(t, rtt.HasMeasurement())
	require.Equal(t, 300*time.Millisecond, rtt.LatestRTT())
	require.Equal(t, 300*time.Millisecond, rtt.SmoothedRTT())
	require.Equal(t, 300*time.Millisecond, rtt.MinRTT())
	require.Equal(t, 150*time.Millisecond, rtt.MeanDeviation())
}

func TestRTTStatsSmoothing(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(300*time.Millisecond, 0)
	rtt.UpdateRTT(400*time.Millisecond, 0)
	// smoothed = 7/8 * 300 + 1/8 * 400
	require.Equal(t, 312500*time.Microsecond, rtt.SmoothedRTT())
	require.Equal(t, 400*time.Millisecond, rtt.LatestRTT())
	require.Equal(t, 300*time.Millisecond, rtt.MinRTT())
}

func TestRTTStatsMinTracking(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(200*time.Millisecond, 0)
	rtt.UpdateRTT(100*time.Millisecond, 0)
	rtt.UpdateRTT(500*time.Millisecond, 0)
	require.Equal(t, 100*time.Millisecond, rtt.MinRTT())
}

func TestRTTStatsAckDelay(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(100*time.Millisecond, 0)
	// the delay is subtracted when the remainder stays above minRTT
	rtt.UpdateRTT(200*time.Millisecond, 50*time.Millisecond)
	require.Equal(t, 150*time.Millisecond, rtt.LatestRTT())
	// a delay that would push the sample below minRTT is ignored
	rtt.UpdateRTT(110*time.Millisecond, 50*time.Millisecond)
	require.Equal(t, 110*time.Millisecond, rtt.LatestRTT())
}

func TestRTTStatsIgnoresNonPositiveSamples(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(0, 0)
	rtt.UpdateRTT(-time.Second, 0)
	require.False(t, rtt.HasMeasurement())
}

func TestRTTStatsConnectionMigration(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(200*time.Millisecond, 0)
	require.True(t, rtt.HasMeasurement())

	rtt.OnConnectionMigration()
	require.False(t, rtt.HasMeasurement())
	require.Zero(t, rtt.MinRTT())
	require.Zero(t, rtt.SmoothedRTT())
	require.Zero(t, rtt.LatestRTT())
}

func TestRTTStatsPTO(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(100*time.Millisecond, 0)
	// pto = smoothed + 4 * meanDeviation
	require.Equal(t, 100*time.Millisecond+4*50*time.Millisecond, rtt.PTO())
}
