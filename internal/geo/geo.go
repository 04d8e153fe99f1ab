package geo

import (
	"math"

	"github.com/example/freight-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Box is a rectangular lat/lng window used to pre-filter spatial queries
// before the exact haversine check.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns the box enclosing the circle of radiusKm around
// center, clamped to valid coordinate ranges.
func BoundingBox(center models.Coord, radiusKm float64) Box {
	const rKm = earthRadiusM / 1000
	radLat := radiusKm / rKm
	radLng := radiusKm / (rKm * math.Cos(center.Lat*math.Pi/180))
	dLat := radLat * 180 / math.Pi
	dLng := radLng * 180 / math.Pi
	return Box{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLng: math.Max(center.Lng-dLng, -180),
		MaxLng: math.Min(center.Lng+dLng, 180),
	}
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p models.Coord) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func Clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// RoutingDistanceKm estimates road distance between two points. Straight
// line with an urban congestion factor; in prod use a routing engine.
func RoutingDistanceKm(from, to models.Coord) float64 {
	const congestion = 1.3
	return Haversine(from, to) * congestion / 1000
}
