package geo

import "math"

// Mean earth radius in meters. Good enough for GPS-grade distances,
// no ellipsoid correction.
const EarthRadius = 6371000.0

// Distance returns the great-circle distance in meters between two
// points given as decimal degrees, using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dphi := radians(lat2 - lat1)
	dlambda := radians(lon2 - lon1)

	a := math.Sin(dphi/2)*math.Sin(dphi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlambda/2)*math.Sin(dlambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
