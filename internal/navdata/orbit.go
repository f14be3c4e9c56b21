package navdata

import (
	"math"

	"github.com/jprillam8/gnsstk/internal/gnss"
)

// SpeedOfLight in m/s.
const SpeedOfLight = 299792458.0

const (
	keplerMaxIter = 30
	keplerTol     = 1e-13
	velocityStep  = 1e-3 // s, finite difference step for velocity

	sin5 = -0.0871557427476582 // sin(-5 deg)
	cos5 = 0.9961946980917456  // cos(-5 deg)
)

type orbitConstants struct {
	mu     float64 // m^3/s^2
	omegaE float64 // rad/s
}

func constantsFor(sys gnss.System) orbitConstants {
	switch sys {
	case gnss.SysGAL:
		return orbitConstants{mu: 3.986004418e14, omegaE: 7.2921151467e-5}
	case gnss.SysBDS:
		return orbitConstants{mu: 3.986004418e14, omegaE: 7.292115e-5}
	}
	return orbitConstants{mu: 3.9860050e14, omegaE: 7.2921151467e-5}
}

// relativityF is the -2*sqrt(mu)/c^2 factor of the eccentricity clock term.
func (c orbitConstants) relativityF() float64 {
	return -2 * math.Sqrt(c.mu) / (SpeedOfLight * SpeedOfLight)
}

// Kepler holds broadcast Keplerian elements and harmonic corrections.
// Angles in radians, distances in metres.
type Kepler struct {
	M0       float64
	DeltaN   float64
	Ecc      float64
	SqrtA    float64
	Omega0   float64 // longitude of ascending node at weekly epoch
	I0       float64
	Omega    float64 // argument of perigee
	OmegaDot float64
	IDot     float64
	Cuc, Cus float64
	Crc, Crs float64
	Cic, Cis float64
}

// position evaluates the orbit tk seconds from the reference epoch. refSOW
// is the reference epoch's second of week in the broadcasting system. geo
// selects the BeiDou GEO rotation. It also returns sin(E) for the clock
// relativity term.
func (k *Kepler) position(c orbitConstants, geo bool, tk, refSOW float64) ([3]float64, float64) {
	a := k.SqrtA * k.SqrtA
	if a <= 0 {
		return [3]float64{}, 0
	}
	m := k.M0 + (math.Sqrt(c.mu/(a*a*a))+k.DeltaN)*tk

	e := m
	for n := 0; n < keplerMaxIter; n++ {
		prev := e
		e -= (e - k.Ecc*math.Sin(e) - m) / (1 - k.Ecc*math.Cos(e))
		if math.Abs(e-prev) < keplerTol {
			break
		}
	}
	sinE, cosE := math.Sincos(e)

	u := math.Atan2(math.Sqrt(1-k.Ecc*k.Ecc)*sinE, cosE-k.Ecc) + k.Omega
	r := a * (1 - k.Ecc*cosE)
	i := k.I0 + k.IDot*tk
	sin2u, cos2u := math.Sincos(2 * u)
	u += k.Cus*sin2u + k.Cuc*cos2u
	r += k.Crs*sin2u + k.Crc*cos2u
	i += k.Cis*sin2u + k.Cic*cos2u

	x := r * math.Cos(u)
	y := r * math.Sin(u)
	sinI, cosI := math.Sincos(i)

	if geo {
		om := k.Omega0 + k.OmegaDot*tk - c.omegaE*refSOW
		sinO, cosO := math.Sincos(om)
		xg := x*cosO - y*cosI*sinO
		yg := x*sinO + y*cosI*cosO
		zg := y * sinI
		sino, coso := math.Sincos(c.omegaE * tk)
		return [3]float64{
			xg*coso + yg*sino*cos5 + zg*sino*sin5,
			-xg*sino + yg*coso*cos5 + zg*coso*sin5,
			-yg*sin5 + zg*cos5,
		}, sinE
	}

	om := k.Omega0 + (k.OmegaDot-c.omegaE)*tk - c.omegaE*refSOW
	sinO, cosO := math.Sincos(om)
	return [3]float64{
		x*cosO - y*cosI*sinO,
		x*sinO + y*cosI*cosO,
		y * sinI,
	}, sinE
}

// state returns position and finite-difference velocity.
func (k *Kepler) state(c orbitConstants, geo bool, tk, refSOW float64) (pos, vel [3]float64, sinE float64) {
	pos, sinE = k.position(c, geo, tk, refSOW)
	next, _ := k.position(c, geo, tk+velocityStep, refSOW)
	for j := range vel {
		vel[j] = (next[j] - pos[j]) / velocityStep
	}
	return pos, vel, sinE
}
