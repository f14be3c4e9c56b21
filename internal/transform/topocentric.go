package transform

import "math"

// Observer is a ground location with its ECEF position precomputed, so one
// value serves every satellite of a snapshot.
type Observer struct {
	Point GeodeticPoint
	ecef  [3]float64

	sinLat, cosLat, sinLon, cosLon float64
}

// LookAngles locate a satellite in the observer's sky.
type LookAngles struct {
	AzimuthDeg   float64 `json:"azimuth_deg"`   // 0 = north, clockwise
	ElevationDeg float64 `json:"elevation_deg"` // 0 = horizon
	RangeM       float64 `json:"range_m"`
}

// NewObserver places an observer at latDeg, lonDeg and altM above the
// ellipsoid.
func NewObserver(latDeg, lonDeg, altM float64) Observer {
	p := GeodeticPoint{LatDeg: latDeg, LonDeg: lonDeg, AltM: altM}
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	return Observer{
		Point:  p,
		ecef:   GeodeticToECEF(p),
		sinLat: math.Sin(lat),
		cosLat: math.Cos(lat),
		sinLon: math.Sin(lon),
		cosLon: math.Cos(lon),
	}
}

// ECEF returns the observer position in metres.
func (o Observer) ECEF() [3]float64 { return o.ecef }

// Look returns the look angles from o to a satellite at pos (ECEF, m),
// rotating the line of sight into south-east-zenith axes.
func (o Observer) Look(pos [3]float64) LookAngles {
	rx := pos[0] - o.ecef[0]
	ry := pos[1] - o.ecef[1]
	rz := pos[2] - o.ecef[2]

	south := o.sinLat*o.cosLon*rx + o.sinLat*o.sinLon*ry - o.cosLat*rz
	east := -o.sinLon*rx + o.cosLon*ry
	zenith := o.cosLat*o.cosLon*rx + o.cosLat*o.sinLon*ry + o.sinLat*rz
	rng := math.Sqrt(south*south + east*east + zenith*zenith)

	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}
	return LookAngles{
		AzimuthDeg:   az * 180 / math.Pi,
		ElevationDeg: math.Asin(zenith/rng) * 180 / math.Pi,
		RangeM:       rng,
	}
}

// Visible reports whether the satellite is above maskDeg.
func (la LookAngles) Visible(maskDeg float64) bool {
	return la.ElevationDeg >= maskDeg
}
