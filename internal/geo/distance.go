package geo

import "math"

const earthRadiusMeters = 6371000.0

// NearbyRadiusMeters is the radius used when listing users around a caller.
const NearbyRadiusMeters = 5000.0

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b Location) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLng := radians(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Box is a latitude/longitude rectangle.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a rectangle that contains every point within radius
// meters of center. It is a coarse prefilter; callers still check
// DistanceMeters.
func BoundingBox(center Location, radius float64) Box {
	dLat := degrees(radius / earthRadiusMeters)
	box := Box{
		MinLat: math.Max(-90, center.Latitude-dLat),
		MaxLat: math.Min(90, center.Latitude+dLat),
		MinLng: -180,
		MaxLng: 180,
	}
	cosLat := math.Cos(radians(center.Latitude))
	if cosLat < 1e-9 {
		return box
	}
	dLng := degrees(radius / (earthRadiusMeters * cosLat))
	if dLng >= 180 {
		return box
	}
	box.MinLng = center.Longitude - dLng
	box.MaxLng = center.Longitude + dLng
	// near the antimeridian the box wraps; fall back to the full band
	if box.MinLng < -180 || box.MaxLng > 180 {
		box.MinLng, box.MaxLng = -180, 180
	}
	return box
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
