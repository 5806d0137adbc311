package geo

import "math"

const (
	// EarthRadiusMeters is the mean Earth radius used for haversine.
	EarthRadiusMeters = 6371000.0
	// MinMovementMeters is the jitter threshold below which a fix is not a move.
	MinMovementMeters = 10.0
)

// HaversineMeters calculates the great-circle distance between two points
// in meters.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Moved reports whether the distance between the two points exceeds threshold meters.
func Moved(lat1, lng1, lat2, lng2, thresholdMeters float64) bool {
	return HaversineMeters(lat1, lng1, lat2, lng2) > thresholdMeters
}
