package geo

import "github.com/example/fixer-dispatch/internal/models"

const MetersPerMile = 1609.344

// Contains reports whether point lies strictly inside the circle of
// radiusMiles around center. A point exactly on the boundary is outside so
// that samples hovering at the edge do not flap.
func Contains(point, center models.Coord, radiusMiles float64) bool {
	return ContainsMeters(point, center, radiusMiles*MetersPerMile)
}

// ContainsMeters is Contains with the radius in meters.
func ContainsMeters(point, center models.Coord, radiusMeters float64) bool {
	if radiusMeters <= 0 {
		return false
	}
	return Distance(point, center) < radiusMeters
}
