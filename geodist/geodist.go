// Package geodist provides spherical-distance math on geographic coordinates.
//
// All functions model the Earth as a sphere of radius EarthRadiusM. Distances
// are great-circle distances computed via unit vectors, which is numerically
// stable for the meter-to-city scales this engine queries at.
package geodist

import "math"

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371000

// MetersPerDegree is a conservative meters-per-degree-of-latitude constant
// used when converting a radius to a bounding box. It slightly undershoots
// the true value (~111195 m/deg), so derived boxes over-cover.
const MetersPerDegree = 111111.0

// UnitVector converts a coordinate to a unit vector on the sphere.
func UnitVector(lat, lon float64) (x, y, z float64) {
	latRad := lat * math.Pi / 180
	lonRad := lon * math.Pi / 180
	return math.Cos(latRad) * math.Cos(lonRad),
		math.Cos(latRad) * math.Sin(lonRad),
		math.Sin(latRad)
}

// Distance returns the great-circle distance in meters between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	x1, y1, z1 := UnitVector(lat1, lon1)
	x2, y2, z2 := UnitVector(lat2, lon2)
	dot := x1*x2 + y1*y2 + z1*z2
	// Clamp against floating point drift before acos.
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return math.Acos(dot) * EarthRadiusM
}

// InsideCap reports whether a point lies within the spherical cap of the
// given radius around a center.
func InsideCap(centerLat, centerLon, radiusM, lat, lon float64) bool {
	return Distance(centerLat, centerLon, lat, lon) <= radiusM
}

// AngularRadius converts a surface radius in meters to radians of arc.
func AngularRadius(radiusM float64) float64 {
	return radiusM / EarthRadiusM
}

// BBox is an axis-aligned bounding region in degrees. When MinLon > MaxLon
// the box crosses the anti-meridian and represents the two longitude ranges
// [MinLon, 180) and [-180, MaxLon].
type BBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	// FullLon marks a box spanning every longitude (polar caps, huge radii).
	FullLon bool
}

// Wrapped reports whether the box crosses the anti-meridian.
func (b BBox) Wrapped() bool {
	return !b.FullLon && b.MinLon > b.MaxLon
}

// BoundingBox returns a box guaranteed to contain the disc of radiusM meters
// around the center. Latitude is clamped at the poles; the longitude span is
// scaled by the worst-case (most poleward) latitude of the band so candidates
// near cell edges are never dropped.
func BoundingBox(lat, lon, radiusM float64) BBox {
	latDelta := radiusM / MetersPerDegree
	b := BBox{
		MinLat: math.Max(-90, lat-latDelta),
		MaxLat: math.Min(90, lat+latDelta),
	}

	// Use the latitude of the band edge closest to a pole: cos is smallest
	// there, so the resulting span over-covers the whole band.
	edge := math.Max(math.Abs(b.MinLat), math.Abs(b.MaxLat))
	if edge >= 89.9 {
		b.FullLon = true
		b.MinLon, b.MaxLon = -180, 180
		return b
	}
	lonDelta := radiusM / (MetersPerDegree * math.Cos(edge*math.Pi/180))
	if lonDelta >= 180 {
		b.FullLon = true
		b.MinLon, b.MaxLon = -180, 180
		return b
	}

	b.MinLon = lon - lonDelta
	b.MaxLon = lon + lonDelta
	if b.MinLon < -180 {
		b.MinLon += 360
	}
	if b.MaxLon > 180 {
		b.MaxLon -= 360
	}
	return b
}
