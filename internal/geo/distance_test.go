package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaversineMeters_SamePoint(t *testing.T) {
	require.Zero(t, HaversineMeters(5.6188, -73.8176, 5.6188, -73.8176))
}

func TestHaversineMeters_KnownDistance(t *testing.T) {
	// Tunja -> Chiquinquira, roughly 50 km.
	d := HaversineMeters(5.5353, -73.3678, 5.6188, -73.8176)
	require.InDelta(t, 50600, d, 1500)
}

func TestMoved(t *testing.T) {
	lat, lng := 5.5353, -73.3678
	// 0.00005 deg latitude is about 5.5 m.
	require.False(t, Moved(lat, lng, lat+0.00005, lng, MinMovementMeters))
	// 0.00045 deg latitude is about 50 m.
	require.True(t, Moved(lat, lng, lat+0.00045, lng, MinMovementMeters))
}
