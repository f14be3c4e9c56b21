// Package transform converts satellite states from ECEF into geodetic
// coordinates and into look angles seen from a ground observer.
//
// Broadcast orbits already evaluate in the Earth-fixed frame of their system
// (WGS-84, GTRF or CGCS2000). The frames differ by centimetres, far below what
// a sub-satellite point or a sky plot resolves, so one WGS-84 ellipsoid is
// used for all of them.
package transform

import (
	"math"

	satellite "github.com/joshuaferrara/go-satellite"
)

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// Plausible geocentric distances of a navigation satellite, m. GPS, Galileo
// and BeiDou MEO orbit near 26000-30000 km; GEO and IGSO near 42164 km.
const (
	minOrbitRadius = 6.3e6
	maxOrbitRadius = 5.0e7
)

// GeodeticPoint is a position on or above the WGS-84 ellipsoid.
type GeodeticPoint struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltM   float64 `json:"alt_m"`
}

// SubPoint returns the geodetic point below an ECEF position in metres.
//
// go-satellite works on inertial coordinates and subtracts the sidereal
// angle from the longitude; with a zero angle its conversion is the plain
// Earth-fixed one.
func SubPoint(pos [3]float64) GeodeticPoint {
	alt, _, ll := satellite.ECIToLLA(satellite.Vector3{
		X: pos[0] / 1000,
		Y: pos[1] / 1000,
		Z: pos[2] / 1000,
	}, 0)
	return GeodeticPoint{
		LatDeg: ll.Latitude * 180 / math.Pi,
		LonDeg: ll.Longitude * 180 / math.Pi,
		AltM:   alt * 1000,
	}
}

// GeodeticToECEF is the inverse of SubPoint.
func GeodeticToECEF(p GeodeticPoint) [3]float64 {
	lat := p.LatDeg * math.Pi / 180
	lon := p.LonDeg * math.Pi / 180
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return [3]float64{
		(n + p.AltM) * cosLat * math.Cos(lon),
		(n + p.AltM) * cosLat * math.Sin(lon),
		(n*(1-wgs84E2) + p.AltM) * sinLat,
	}
}

// ValidateECEF reports whether pos is finite and at a geocentric distance a
// navigation satellite can have.
func ValidateECEF(pos [3]float64) bool {
	for _, v := range pos {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	r := math.Sqrt(pos[0]*pos[0] + pos[1]*pos[1] + pos[2]*pos[2])
	return r >= minOrbitRadius && r <= maxOrbitRadius
}
